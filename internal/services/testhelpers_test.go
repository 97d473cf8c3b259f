package services_test

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bkyalo/mpesaKenya/internal/models"
	"github.com/bkyalo/mpesaKenya/internal/repositories"
	"github.com/bkyalo/mpesaKenya/internal/services"
	"github.com/bkyalo/mpesaKenya/pkg/daraja"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// fakeTransactionRepo is an in-memory TransactionRepository with the same
// compare-and-swap semantics as the MongoDB implementation. Concurrency-safe
// so coordinator race tests can hammer it from multiple goroutines.
type fakeTransactionRepo struct {
	mu   sync.Mutex
	rows map[primitive.ObjectID]*models.Transaction
}

func newFakeTransactionRepo() *fakeTransactionRepo {
	return &fakeTransactionRepo{rows: make(map[primitive.ObjectID]*models.Transaction)}
}

func (r *fakeTransactionRepo) clone(t *models.Transaction) *models.Transaction {
	cp := *t
	return &cp
}

func (r *fakeTransactionRepo) Create(ctx context.Context, txn *models.Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.rows {
		if row.ExternalReference == txn.ExternalReference && row.Status == models.StatusPending {
			return repositories.ErrDuplicateExternalReference
		}
	}
	txn.ID = primitive.NewObjectID()
	now := time.Now()
	txn.CreatedAt = now
	txn.UpdatedAt = now
	if txn.Status == "" {
		txn.Status = models.StatusPending
	}
	r.rows[txn.ID] = r.clone(txn)
	return nil
}

func (r *fakeTransactionRepo) FindByID(ctx context.Context, id primitive.ObjectID) (*models.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if row, ok := r.rows[id]; ok {
		return r.clone(row), nil
	}
	return nil, repositories.ErrNotFound
}

func (r *fakeTransactionRepo) FindByCheckoutID(ctx context.Context, checkoutRequestID string) (*models.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.rows {
		if row.CheckoutRequestID == checkoutRequestID {
			return r.clone(row), nil
		}
	}
	return nil, repositories.ErrNotFound
}

func (r *fakeTransactionRepo) FindPendingByExternalReference(ctx context.Context, ref string) (*models.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.rows {
		if row.ExternalReference == ref && row.Status == models.StatusPending {
			return r.clone(row), nil
		}
	}
	return nil, repositories.ErrNotFound
}

func (r *fakeTransactionRepo) FindCompletedByReceipt(ctx context.Context, receiptNumber string) (*models.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.rows {
		if row.ReceiptNumber == receiptNumber && row.Status == models.StatusCompleted {
			return r.clone(row), nil
		}
	}
	return nil, repositories.ErrNotFound
}

func (r *fakeTransactionRepo) CompareAndUpdateStatus(ctx context.Context, id primitive.ObjectID, expectedStatus, newStatus string, update repositories.StatusUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok {
		return repositories.ErrNotFound
	}
	if row.Status != expectedStatus {
		return repositories.ErrConflict
	}
	// Receipt uniqueness is scoped to completions that carry a receipt,
	// matching the store's partial index.
	if newStatus == models.StatusCompleted && update.ReceiptNumber != "" {
		for otherID, other := range r.rows {
			if otherID != id && other.Status == models.StatusCompleted && other.ReceiptNumber == update.ReceiptNumber {
				return repositories.ErrDuplicateReceipt
			}
		}
	}
	row.Status = newStatus
	row.UpdatedAt = time.Now()
	if update.ReceiptNumber != "" {
		row.ReceiptNumber = update.ReceiptNumber
	}
	if update.ErrorMessage != "" {
		row.ErrorMessage = update.ErrorMessage
	}
	if update.RawPayload != "" {
		row.RawPayload = update.RawPayload
	}
	return nil
}

func (r *fakeTransactionRepo) FindStalePending(ctx context.Context, olderThan time.Time, limit int64) ([]*models.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Transaction
	for _, row := range r.rows {
		if row.Status == models.StatusPending && row.CreatedAt.Before(olderThan) {
			out = append(out, r.clone(row))
		}
		if int64(len(out)) >= limit {
			break
		}
	}
	return out, nil
}

func (r *fakeTransactionRepo) DeleteTerminalOlderThan(ctx context.Context, statuses []string, olderThan time.Time) ([]primitive.ObjectID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	match := make(map[string]bool, len(statuses))
	for _, s := range statuses {
		match[s] = true
	}
	var ids []primitive.ObjectID
	for id, row := range r.rows {
		if match[row.Status] && row.UpdatedAt.Before(olderThan) {
			ids = append(ids, id)
		}
	}
	for _, id := range ids {
		delete(r.rows, id)
	}
	return ids, nil
}

func (r *fakeTransactionRepo) RecordProviderQuery(ctx context.Context, id primitive.ObjectID, at time.Time, countAttempt bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok {
		return repositories.ErrNotFound
	}
	row.LastQueriedAt = at
	if countAttempt {
		row.QueryAttempts++
	}
	return nil
}

func (r *fakeTransactionRepo) CountStalePending(ctx context.Context, olderThan time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, row := range r.rows {
		if row.Status == models.StatusPending && row.CreatedAt.Before(olderThan) {
			n++
		}
	}
	return n, nil
}

func (r *fakeTransactionRepo) CountFailedSince(ctx context.Context, since time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, row := range r.rows {
		if row.Status == models.StatusFailed && !row.UpdatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (r *fakeTransactionRepo) Count(ctx context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int64(len(r.rows)), nil
}

func (r *fakeTransactionRepo) FindRecent(ctx context.Context, page, limit int) ([]*models.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Transaction
	for _, row := range r.rows {
		out = append(out, r.clone(row))
	}
	return out, nil
}

// seed inserts a row directly, bypassing the duplicate guard
func (r *fakeTransactionRepo) seed(txn *models.Transaction) *models.Transaction {
	r.mu.Lock()
	defer r.mu.Unlock()
	if txn.ID.IsZero() {
		txn.ID = primitive.NewObjectID()
	}
	if txn.CreatedAt.IsZero() {
		txn.CreatedAt = time.Now()
	}
	if txn.UpdatedAt.IsZero() {
		txn.UpdatedAt = txn.CreatedAt
	}
	r.rows[txn.ID] = r.clone(txn)
	return txn
}

// get returns the stored row without copying timestamps back
func (r *fakeTransactionRepo) get(id primitive.ObjectID) *models.Transaction {
	r.mu.Lock()
	defer r.mu.Unlock()
	if row, ok := r.rows[id]; ok {
		return r.clone(row)
	}
	return nil
}

// fakeLogRepo is an in-memory TransactionLogRepository
type fakeLogRepo struct {
	mu   sync.Mutex
	rows []*models.TransactionLog
}

func newFakeLogRepo() *fakeLogRepo {
	return &fakeLogRepo{}
}

func (r *fakeLogRepo) Create(ctx context.Context, log *models.TransactionLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *log
	cp.ID = primitive.NewObjectID()
	r.rows = append(r.rows, &cp)
	return nil
}

func (r *fakeLogRepo) FindByTransactionID(ctx context.Context, id primitive.ObjectID) ([]*models.TransactionLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.TransactionLog
	for _, row := range r.rows {
		if row.TransactionID == id {
			out = append(out, row)
		}
	}
	return out, nil
}

func (r *fakeLogRepo) DeleteByTransactionIDs(ctx context.Context, ids []primitive.ObjectID) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	match := make(map[primitive.ObjectID]bool, len(ids))
	for _, id := range ids {
		match[id] = true
	}
	var kept []*models.TransactionLog
	var deleted int64
	for _, row := range r.rows {
		if match[row.TransactionID] {
			deleted++
			continue
		}
		kept = append(kept, row)
	}
	r.rows = kept
	return deleted, nil
}

func (r *fakeLogRepo) countFor(id primitive.ObjectID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, row := range r.rows {
		if row.TransactionID == id {
			n++
		}
	}
	return n
}

// fakeProvider scripts the Daraja client's answers
type fakeProvider struct {
	mu          sync.Mutex
	tokenErr    error
	pushResp    *daraja.STKPushResponse
	pushErr     error
	queryResp   *daraja.QueryResponse
	queryErr    error
	pushCalls   int
	queryCalls  int
}

func (p *fakeProvider) GetAccessToken(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.tokenErr != nil {
		return "", p.tokenErr
	}
	return "token", nil
}

func (p *fakeProvider) STKPush(ctx context.Context, phone string, amount float64, ref, desc string) (*daraja.STKPushResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pushCalls++
	if p.pushErr != nil {
		return nil, p.pushErr
	}
	if p.pushResp != nil {
		return p.pushResp, nil
	}
	return &daraja.STKPushResponse{
		MerchantRequestID: fmt.Sprintf("MR-%d", p.pushCalls),
		CheckoutRequestID: fmt.Sprintf("CR-%d", p.pushCalls),
		ResponseCode:      "0",
	}, nil
}

func (p *fakeProvider) QueryStatus(ctx context.Context, checkoutRequestID string) (*daraja.QueryResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queryCalls++
	if p.queryErr != nil {
		return nil, p.queryErr
	}
	if p.queryResp != nil {
		return p.queryResp, nil
	}
	return &daraja.QueryResponse{ResultCode: "0", ResultDesc: "Success"}, nil
}

func (p *fakeProvider) queries() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queryCalls
}

// fakeResolver returns a fixed payable item
type fakeResolver struct {
	item *services.PayableItem
	err  error
}

func (r *fakeResolver) Resolve(ctx context.Context, component, area, itemID string) (*services.PayableItem, error) {
	if r.err != nil {
		return nil, r.err
	}
	if r.item != nil {
		return r.item, nil
	}
	return &services.PayableItem{Amount: 100, Currency: "KES", Description: "Test item"}, nil
}

// fakeFulfiller records deliveries
type fakeFulfiller struct {
	mu        sync.Mutex
	delivered []*models.Transaction
	err       error
}

func (f *fakeFulfiller) Deliver(ctx context.Context, txn *models.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.delivered = append(f.delivered, txn)
	return nil
}

func (f *fakeFulfiller) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.delivered)
}

// fakeAlerter records alert SMS messages
type fakeAlerter struct {
	mu       sync.Mutex
	messages []string
}

func (a *fakeAlerter) SendSMS(ctx context.Context, msisdn, message string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.messages = append(a.messages, message)
	return nil
}

// fakePinger scripts the store connectivity probe
type fakePinger struct {
	err error
}

func (p *fakePinger) Ping(ctx context.Context) error {
	return p.err
}
