package services

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bkyalo/mpesaKenya/internal/models"
	"github.com/spf13/viper"
)

// ConfigPayableResolver resolves payable items from injected configuration,
// keyed "payables.<component>.<paymentArea>.<itemId>". Host applications with
// their own catalogues supply their own PayableResolver instead.
type ConfigPayableResolver struct {
	v *viper.Viper
}

// NewConfigPayableResolver creates a new ConfigPayableResolver reading from v
func NewConfigPayableResolver(v *viper.Viper) *ConfigPayableResolver {
	return &ConfigPayableResolver{v: v}
}

// Resolve looks up the authoritative amount and currency for an item
func (r *ConfigPayableResolver) Resolve(ctx context.Context, component, paymentArea, itemID string) (*PayableItem, error) {
	key := fmt.Sprintf("payables.%s.%s.%s", component, paymentArea, itemID)
	if !r.v.IsSet(key + ".amount") {
		return nil, fmt.Errorf("unknown payable item %s/%s/%s", component, paymentArea, itemID)
	}

	item := &PayableItem{
		Amount:      r.v.GetFloat64(key + ".amount"),
		Currency:    r.v.GetString(key + ".currency"),
		Description: r.v.GetString(key + ".description"),
		RedirectURL: r.v.GetString(key + ".redirectUrl"),
	}
	if item.Amount <= 0 {
		return nil, fmt.Errorf("payable item %s/%s/%s has no positive amount", component, paymentArea, itemID)
	}
	if item.Currency == "" {
		item.Currency = "KES"
	}
	if item.Description == "" {
		item.Description = "Payment for " + itemID
	}
	return item, nil
}

// LoggingFulfiller is the default OrderFulfiller: it records the completion
// for the host application to pick up. Deployments integrate their own
// fulfillment collaborator here.
type LoggingFulfiller struct {
	logger *slog.Logger
}

// NewLoggingFulfiller creates a new LoggingFulfiller
func NewLoggingFulfiller(logger *slog.Logger) *LoggingFulfiller {
	return &LoggingFulfiller{logger: logger.With("component", "fulfillment")}
}

// Deliver logs the completed payment
func (f *LoggingFulfiller) Deliver(ctx context.Context, txn *models.Transaction) error {
	f.logger.InfoContext(ctx, "Order ready for fulfillment",
		"transactionId", txn.ID.Hex(),
		"externalReference", txn.ExternalReference,
		"amount", txn.Amount,
		"currency", txn.Currency,
		"receiptNumber", txn.ReceiptNumber)
	return nil
}
