package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/bkyalo/mpesaKenya/internal/models"
	"github.com/bkyalo/mpesaKenya/pkg/daraja"
)

// ErrUnknownTransaction is returned when no transaction matches a checkout
// request ID. Usually a stale or replayed callback; logged, not alarmed.
var ErrUnknownTransaction = errors.New("unknown transaction")

// ErrDuplicateReceipt is returned when a provider receipt already belongs to a
// different completed transaction. Integrity violation; must alarm.
var ErrDuplicateReceipt = errors.New("receipt already recorded for another transaction")

// ErrPaymentInitiationFailed is returned when the provider could not be
// reached during initiation. No transaction row is created.
var ErrPaymentInitiationFailed = errors.New("payment initiation failed")

// PaymentRejectedError is returned when the provider explicitly declined an
// initiation. Carries the provider's message for display to the payer.
type PaymentRejectedError struct {
	Message string
}

func (e *PaymentRejectedError) Error() string {
	return fmt.Sprintf("payment rejected by provider: %s", e.Message)
}

// ProviderClient is the slice of the Daraja client the services depend on
type ProviderClient interface {
	GetAccessToken(ctx context.Context) (string, error)
	STKPush(ctx context.Context, phoneNumber string, amount float64, accountReference, description string) (*daraja.STKPushResponse, error)
	QueryStatus(ctx context.Context, checkoutRequestID string) (*daraja.QueryResponse, error)
}

// PayableItem is the host application's description of what is being paid for
type PayableItem struct {
	Amount      float64
	Currency    string
	Description string
	RedirectURL string
}

// PayableResolver resolves the authoritative amount and currency of a payable
// item. Amounts are never taken from client input.
type PayableResolver interface {
	Resolve(ctx context.Context, component, paymentArea, itemID string) (*PayableItem, error)
}

// OrderFulfiller is notified exactly once when a transaction completes
type OrderFulfiller interface {
	Deliver(ctx context.Context, txn *models.Transaction) error
}

// PaymentService is the transaction lifecycle coordinator. ApplyProviderResult
// is the single entry point for all three status-update paths (webhook
// callback, manual poll, scheduled reconciliation); it is the only code path
// that transitions a transaction out of PENDING besides Expire, which shares
// the same conditional-update semantics.
type PaymentService interface {
	StartPayment(ctx context.Context, req *models.StartPaymentRequest) (*models.Transaction, error)
	ApplyProviderResult(ctx context.Context, checkoutRequestID string, resultCode int, resultDesc string, metadata []daraja.MetadataItem, rawPayload string) (*models.Transaction, error)
	Expire(ctx context.Context, checkoutRequestID, reason string) (*models.Transaction, error)
	GetStatus(ctx context.Context, idOrCheckoutID string, opportunistic bool) (*models.Transaction, error)
}

// SweeperService reconciles stale pending transactions and applies retention
type SweeperService interface {
	RunOnce(ctx context.Context) (*SweepStats, error)
}

// SweepStats summarises a single sweeper pass
type SweepStats struct {
	StaleFound   int
	Resolved     int
	Expired      int
	QueryErrors  int
	RowsDeleted  int
	LogsDeleted  int64
}

// MonitorService runs the periodic health checks
type MonitorService interface {
	RunChecks(ctx context.Context) *models.MonitorReport
}

// AuthService handles admin authentication
type AuthService interface {
	Login(ctx context.Context, req *models.LoginRequest) (string, error)
}
