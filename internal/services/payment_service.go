package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/bkyalo/mpesaKenya/internal/models"
	"github.com/bkyalo/mpesaKenya/internal/repositories"
	"github.com/bkyalo/mpesaKenya/internal/utils"
	"github.com/bkyalo/mpesaKenya/pkg/daraja"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Compile-time check to ensure PaymentServiceImpl implements PaymentService
var _ PaymentService = (*PaymentServiceImpl)(nil)

// PaymentServiceImpl coordinates the transaction lifecycle. All cross-path
// races (callback vs poll vs sweep) are resolved by the store's conditional
// status update; the service holds no transaction state in memory.
type PaymentServiceImpl struct {
	txnRepo          repositories.TransactionRepository
	logRepo          repositories.TransactionLogRepository
	provider         ProviderClient
	resolver         PayableResolver
	fulfiller        OrderFulfiller
	minQueryInterval time.Duration
	logger           *slog.Logger
}

// NewPaymentService creates a new PaymentServiceImpl
func NewPaymentService(
	txnRepo repositories.TransactionRepository,
	logRepo repositories.TransactionLogRepository,
	provider ProviderClient,
	resolver PayableResolver,
	fulfiller OrderFulfiller,
	minQueryInterval time.Duration,
	logger *slog.Logger,
) *PaymentServiceImpl {
	return &PaymentServiceImpl{
		txnRepo:          txnRepo,
		logRepo:          logRepo,
		provider:         provider,
		resolver:         resolver,
		fulfiller:        fulfiller,
		minQueryInterval: minQueryInterval,
		logger:           logger.With("component", "payment_service"),
	}
}

// StartPayment normalizes the payer's phone number, resolves the payable
// amount server-side, initiates an STK push and records the PENDING
// transaction. No row is created when the provider rejects or is unreachable.
func (s *PaymentServiceImpl) StartPayment(ctx context.Context, req *models.StartPaymentRequest) (*models.Transaction, error) {
	phone, err := utils.NormalizeMSISDN(req.PhoneNumber)
	if err != nil {
		return nil, err
	}

	item, err := s.resolver.Resolve(ctx, req.Component, req.PaymentArea, req.ItemID)
	if err != nil {
		return nil, fmt.Errorf("resolving payable item: %w", err)
	}

	externalRef := fmt.Sprintf("%s-%s-%s-%s", req.Component, req.PaymentArea, req.ItemID, req.PayerID)

	// At most one live attempt per payable item per payer: a new attempt
	// supersedes any PENDING one before we charge again.
	s.supersedePending(ctx, externalRef)

	resp, err := s.provider.STKPush(ctx, phone, item.Amount, externalRef, item.Description)
	if err != nil {
		if rej, ok := daraja.IsRejected(err); ok {
			s.logger.WarnContext(ctx, "STK push rejected by provider",
				"externalReference", externalRef, "code", rej.Code, "message", rej.Message)
			return nil, &PaymentRejectedError{Message: rej.Message}
		}
		s.logger.ErrorContext(ctx, "STK push failed", "externalReference", externalRef, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrPaymentInitiationFailed, err)
	}

	txn := &models.Transaction{
		ExternalReference: externalRef,
		CheckoutRequestID: resp.CheckoutRequestID,
		MerchantRequestID: resp.MerchantRequestID,
		Amount:            item.Amount,
		Currency:          item.Currency,
		PhoneNumber:       phone,
		RedirectURL:       item.RedirectURL,
		Status:            models.StatusPending,
	}

	if err := s.txnRepo.Create(ctx, txn); err != nil {
		if errors.Is(err, repositories.ErrDuplicateExternalReference) {
			// A concurrent double-submit slipped in between the supersede and
			// the insert. Cancel it and try once more; the provider has
			// already accepted this initiation.
			s.supersedePending(ctx, externalRef)
			err = s.txnRepo.Create(ctx, txn)
		}
		if err != nil {
			return nil, fmt.Errorf("recording transaction: %w", err)
		}
	}

	s.audit(ctx, txn.ID, "stk_push", resp)
	s.logger.InfoContext(ctx, "Payment initiated",
		"transactionId", txn.ID.Hex(),
		"checkoutRequestId", txn.CheckoutRequestID,
		"amount", txn.Amount,
		"currency", txn.Currency)
	return txn, nil
}

// supersedePending force-cancels the live attempt for an external reference,
// if one exists. Best-effort: losing the conditional update to an in-flight
// callback for the old transaction is logged and tolerated.
func (s *PaymentServiceImpl) supersedePending(ctx context.Context, externalRef string) {
	old, err := s.txnRepo.FindPendingByExternalReference(ctx, externalRef)
	if err != nil {
		if !errors.Is(err, repositories.ErrNotFound) {
			s.logger.ErrorContext(ctx, "Failed to look up pending attempt", "externalReference", externalRef, "error", err)
		}
		return
	}

	err = s.txnRepo.CompareAndUpdateStatus(ctx, old.ID, models.StatusPending, models.StatusCancelled,
		repositories.StatusUpdate{ErrorMessage: "superseded by a newer payment attempt"})
	if errors.Is(err, repositories.ErrConflict) {
		s.logger.WarnContext(ctx, "Supersede lost race to a concurrent status update",
			"transactionId", old.ID.Hex(), "checkoutRequestId", old.CheckoutRequestID)
	} else if err != nil && !errors.Is(err, repositories.ErrNotFound) {
		s.logger.ErrorContext(ctx, "Failed to supersede pending attempt", "transactionId", old.ID.Hex(), "error", err)
	}
}

// ApplyProviderResult converges one provider result onto the transaction
// identified by checkoutRequestID. Safe to call any number of times from any
// path: terminal transactions are returned as-is and a lost conditional
// update is absorbed by re-reading the winner's state.
func (s *PaymentServiceImpl) ApplyProviderResult(ctx context.Context, checkoutRequestID string, resultCode int, resultDesc string, metadata []daraja.MetadataItem, rawPayload string) (*models.Transaction, error) {
	txn, err := s.txnRepo.FindByCheckoutID(ctx, checkoutRequestID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			s.logger.InfoContext(ctx, "Result for unknown transaction", "checkoutRequestId", checkoutRequestID)
			return nil, ErrUnknownTransaction
		}
		return nil, err
	}

	if models.IsTerminal(txn.Status) {
		return txn, nil
	}

	if resultCode == daraja.ResultCodeSuccess {
		return s.complete(ctx, txn, metadata, rawPayload)
	}

	newStatus := models.StatusFailed
	if resultCode == daraja.ResultCodeCancelled {
		newStatus = models.StatusCancelled
	}

	err = s.txnRepo.CompareAndUpdateStatus(ctx, txn.ID, models.StatusPending, newStatus,
		repositories.StatusUpdate{ErrorMessage: resultDesc, RawPayload: rawPayload})
	if err != nil {
		if errors.Is(err, repositories.ErrConflict) {
			return s.txnRepo.FindByID(ctx, txn.ID)
		}
		return nil, err
	}

	s.audit(ctx, txn.ID, "result_"+strconv.Itoa(resultCode), rawPayload)
	s.logger.InfoContext(ctx, "Transaction resolved",
		"transactionId", txn.ID.Hex(),
		"checkoutRequestId", checkoutRequestID,
		"status", newStatus,
		"resultCode", resultCode,
		"resultDesc", resultDesc)
	return s.txnRepo.FindByID(ctx, txn.ID)
}

// complete handles the resultCode == 0 path: metadata extraction, replay
// guard, conditional transition and fulfillment.
func (s *PaymentServiceImpl) complete(ctx context.Context, txn *models.Transaction, metadata []daraja.MetadataItem, rawPayload string) (*models.Transaction, error) {
	data := daraja.ParseMetadata(metadata)

	// The stored amount is authoritative; the callback amount is only a
	// cross-check.
	if data.Amount != 0 && data.Amount != txn.Amount {
		s.logger.WarnContext(ctx, "Callback amount differs from stored amount",
			"transactionId", txn.ID.Hex(), "stored", txn.Amount, "callback", data.Amount)
	}

	if data.ReceiptNumber != "" {
		existing, err := s.txnRepo.FindCompletedByReceipt(ctx, data.ReceiptNumber)
		if err != nil && !errors.Is(err, repositories.ErrNotFound) {
			return nil, err
		}
		if existing != nil && existing.ID != txn.ID {
			s.logger.ErrorContext(ctx, "Duplicate receipt across transactions",
				"receiptNumber", data.ReceiptNumber,
				"transactionId", txn.ID.Hex(),
				"existingTransactionId", existing.ID.Hex())
			return nil, ErrDuplicateReceipt
		}
	}

	err := s.txnRepo.CompareAndUpdateStatus(ctx, txn.ID, models.StatusPending, models.StatusCompleted,
		repositories.StatusUpdate{ReceiptNumber: data.ReceiptNumber, RawPayload: rawPayload})
	if err != nil {
		if errors.Is(err, repositories.ErrConflict) {
			return s.txnRepo.FindByID(ctx, txn.ID)
		}
		if errors.Is(err, repositories.ErrDuplicateReceipt) {
			// Another transaction completed with this receipt between our
			// read and the conditional update; the index caught what the
			// lookup above could not.
			s.logger.ErrorContext(ctx, "Duplicate receipt across transactions",
				"receiptNumber", data.ReceiptNumber, "transactionId", txn.ID.Hex())
			return nil, ErrDuplicateReceipt
		}
		return nil, err
	}

	s.audit(ctx, txn.ID, "completed", rawPayload)
	s.logger.InfoContext(ctx, "Payment completed",
		"transactionId", txn.ID.Hex(),
		"checkoutRequestId", txn.CheckoutRequestID,
		"receiptNumber", data.ReceiptNumber)

	completed, err := s.txnRepo.FindByID(ctx, txn.ID)
	if err != nil {
		return nil, err
	}

	// Fulfillment failures do not roll back the payment; the charge is
	// already authorised provider-side.
	if err := s.fulfiller.Deliver(ctx, completed); err != nil {
		s.logger.ErrorContext(ctx, "Order fulfillment failed",
			"transactionId", completed.ID.Hex(), "error", err)
	}
	return completed, nil
}

// Expire force-transitions a stuck PENDING transaction, with the same
// conditional-update and idempotency semantics as ApplyProviderResult.
func (s *PaymentServiceImpl) Expire(ctx context.Context, checkoutRequestID, reason string) (*models.Transaction, error) {
	txn, err := s.txnRepo.FindByCheckoutID(ctx, checkoutRequestID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, ErrUnknownTransaction
		}
		return nil, err
	}
	if models.IsTerminal(txn.Status) {
		return txn, nil
	}

	err = s.txnRepo.CompareAndUpdateStatus(ctx, txn.ID, models.StatusPending, models.StatusExpired,
		repositories.StatusUpdate{ErrorMessage: reason})
	if err != nil && !errors.Is(err, repositories.ErrConflict) {
		return nil, err
	}

	s.logger.InfoContext(ctx, "Transaction expired",
		"transactionId", txn.ID.Hex(), "checkoutRequestId", checkoutRequestID, "reason", reason)
	return s.txnRepo.FindByID(ctx, txn.ID)
}

// GetStatus reads a transaction by internal ID or checkout request ID. When
// the caller is a synchronous poll (opportunistic=true) and the transaction is
// still PENDING, it may query the provider, rate-limited per transaction so
// repeated polls don't hammer the API.
func (s *PaymentServiceImpl) GetStatus(ctx context.Context, idOrCheckoutID string, opportunistic bool) (*models.Transaction, error) {
	txn, err := s.find(ctx, idOrCheckoutID)
	if err != nil {
		return nil, err
	}

	if !opportunistic || txn.Status != models.StatusPending {
		return txn, nil
	}
	if time.Since(txn.LastQueriedAt) < s.minQueryInterval {
		return txn, nil
	}

	// Stamp before querying so concurrent polls share one provider call
	if err := s.txnRepo.RecordProviderQuery(ctx, txn.ID, time.Now(), false); err != nil {
		s.logger.WarnContext(ctx, "Failed to record provider query", "transactionId", txn.ID.Hex(), "error", err)
	}

	resp, err := s.provider.QueryStatus(ctx, txn.CheckoutRequestID)
	if err != nil {
		// A failed opportunistic query never fails the poll; the payer just
		// sees the transaction still pending.
		if rej, ok := daraja.IsRejected(err); ok && rej.Code == daraja.ErrorCodeProcessing {
			return txn, nil
		}
		s.logger.WarnContext(ctx, "Opportunistic status query failed",
			"transactionId", txn.ID.Hex(), "error", err)
		return txn, nil
	}

	code, convErr := strconv.Atoi(resp.ResultCode)
	if convErr != nil {
		s.logger.WarnContext(ctx, "Unparseable result code from query",
			"transactionId", txn.ID.Hex(), "resultCode", resp.ResultCode)
		return txn, nil
	}

	raw, _ := json.Marshal(resp)
	updated, err := s.ApplyProviderResult(ctx, txn.CheckoutRequestID, code, resp.ResultDesc, nil, string(raw))
	if err != nil {
		s.logger.WarnContext(ctx, "Failed to apply queried result",
			"transactionId", txn.ID.Hex(), "error", err)
		return txn, nil
	}
	return updated, nil
}

func (s *PaymentServiceImpl) find(ctx context.Context, idOrCheckoutID string) (*models.Transaction, error) {
	if oid, err := primitive.ObjectIDFromHex(idOrCheckoutID); err == nil {
		txn, err := s.txnRepo.FindByID(ctx, oid)
		if err == nil {
			return txn, nil
		}
		if !errors.Is(err, repositories.ErrNotFound) {
			return nil, err
		}
	}
	txn, err := s.txnRepo.FindByCheckoutID(ctx, idOrCheckoutID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, ErrUnknownTransaction
		}
		return nil, err
	}
	return txn, nil
}

// audit records a raw provider exchange against a transaction
func (s *PaymentServiceImpl) audit(ctx context.Context, txnID primitive.ObjectID, kind string, payload interface{}) {
	body, ok := payload.(string)
	if !ok {
		b, err := json.Marshal(payload)
		if err != nil {
			return
		}
		body = string(b)
	}
	err := s.logRepo.Create(ctx, &models.TransactionLog{
		TransactionID: txnID,
		Kind:          kind,
		Payload:       body,
	})
	if err != nil {
		s.logger.WarnContext(ctx, "Failed to write audit log", "transactionId", txnID.Hex(), "kind", kind, "error", err)
	}
}
