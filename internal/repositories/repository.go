package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/bkyalo/mpesaKenya/internal/models"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// ErrNotFound is returned when no transaction matches the lookup
var ErrNotFound = errors.New("transaction not found")

// ErrConflict is returned by CompareAndUpdateStatus when the stored status no
// longer equals the expected status: another signal path won the transition.
var ErrConflict = errors.New("transaction status changed concurrently")

// ErrDuplicateExternalReference is returned by Create when a PENDING
// transaction already exists for the same external reference.
var ErrDuplicateExternalReference = errors.New("pending transaction already exists for external reference")

// ErrDuplicateReceipt is returned by CompareAndUpdateStatus when the receipt
// uniqueness index rejects a completion whose receipt another completed
// transaction already holds.
var ErrDuplicateReceipt = errors.New("receipt already held by another completed transaction")

// StatusUpdate carries the fields written alongside a status transition.
// Empty strings leave the stored value untouched.
type StatusUpdate struct {
	ReceiptNumber string
	ErrorMessage  string
	RawPayload    string
}

// TransactionRepository defines the interface for transaction data operations.
// CompareAndUpdateStatus is the sole status-mutation primitive; every
// transition out of PENDING goes through it.
type TransactionRepository interface {
	Create(ctx context.Context, txn *models.Transaction) error
	FindByID(ctx context.Context, id primitive.ObjectID) (*models.Transaction, error)
	FindByCheckoutID(ctx context.Context, checkoutRequestID string) (*models.Transaction, error)
	FindPendingByExternalReference(ctx context.Context, externalReference string) (*models.Transaction, error)
	FindCompletedByReceipt(ctx context.Context, receiptNumber string) (*models.Transaction, error)
	CompareAndUpdateStatus(ctx context.Context, id primitive.ObjectID, expectedStatus, newStatus string, update StatusUpdate) error
	FindStalePending(ctx context.Context, olderThan time.Time, limit int64) ([]*models.Transaction, error)
	DeleteTerminalOlderThan(ctx context.Context, statuses []string, olderThan time.Time) ([]primitive.ObjectID, error)
	RecordProviderQuery(ctx context.Context, id primitive.ObjectID, at time.Time, countAttempt bool) error
	CountStalePending(ctx context.Context, olderThan time.Time) (int64, error)
	CountFailedSince(ctx context.Context, since time.Time) (int64, error)
	Count(ctx context.Context) (int64, error)
	FindRecent(ctx context.Context, page, limit int) ([]*models.Transaction, error)
}

// TransactionLogRepository defines the interface for audit log operations
type TransactionLogRepository interface {
	Create(ctx context.Context, log *models.TransactionLog) error
	FindByTransactionID(ctx context.Context, transactionID primitive.ObjectID) ([]*models.TransactionLog, error)
	DeleteByTransactionIDs(ctx context.Context, transactionIDs []primitive.ObjectID) (int64, error)
}
