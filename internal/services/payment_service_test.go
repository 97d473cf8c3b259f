package services_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/bkyalo/mpesaKenya/internal/models"
	"github.com/bkyalo/mpesaKenya/internal/repositories"
	"github.com/bkyalo/mpesaKenya/internal/services"
	"github.com/bkyalo/mpesaKenya/internal/utils"
	"github.com/bkyalo/mpesaKenya/pkg/daraja"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newPaymentService(repo *fakeTransactionRepo, provider *fakeProvider, fulfiller *fakeFulfiller) *services.PaymentServiceImpl {
	return services.NewPaymentService(
		repo, newFakeLogRepo(), provider, &fakeResolver{}, fulfiller,
		5*time.Second, discardLogger(),
	)
}

func TestStartPayment_CreatesPendingTransaction(t *testing.T) {
	repo := newFakeTransactionRepo()
	provider := &fakeProvider{pushResp: &daraja.STKPushResponse{
		MerchantRequestID: "MR1",
		CheckoutRequestID: "CR1",
		ResponseCode:      "0",
	}}
	svc := newPaymentService(repo, provider, &fakeFulfiller{})

	txn, err := svc.StartPayment(context.Background(), &models.StartPaymentRequest{
		Component:   "enrol_fee",
		PaymentArea: "fee",
		ItemID:      "42",
		PayerID:     "7",
		PhoneNumber: "0712345678",
	})
	require.NoError(t, err)

	assert.Equal(t, models.StatusPending, txn.Status)
	assert.Equal(t, "CR1", txn.CheckoutRequestID)
	assert.Equal(t, "254712345678", txn.PhoneNumber)
	assert.Equal(t, 100.0, txn.Amount)
	assert.Equal(t, "KES", txn.Currency)
	assert.Equal(t, "enrol_fee-fee-42-7", txn.ExternalReference)
}

func TestStartPayment_InvalidPhone(t *testing.T) {
	repo := newFakeTransactionRepo()
	provider := &fakeProvider{}
	svc := newPaymentService(repo, provider, &fakeFulfiller{})

	_, err := svc.StartPayment(context.Background(), &models.StartPaymentRequest{
		Component: "c", PaymentArea: "a", ItemID: "1", PayerID: "1",
		PhoneNumber: "12345",
	})
	assert.ErrorIs(t, err, utils.ErrInvalidPhoneNumber)
	assert.Equal(t, 0, provider.pushCalls)
}

func TestStartPayment_ProviderRejection_NoRowCreated(t *testing.T) {
	repo := newFakeTransactionRepo()
	provider := &fakeProvider{pushErr: &daraja.RejectedError{Code: "1", Message: "Insufficient funds on shortcode"}}
	svc := newPaymentService(repo, provider, &fakeFulfiller{})

	_, err := svc.StartPayment(context.Background(), &models.StartPaymentRequest{
		Component: "c", PaymentArea: "a", ItemID: "1", PayerID: "1",
		PhoneNumber: "0712345678",
	})

	var rejected *services.PaymentRejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, "Insufficient funds on shortcode", rejected.Message)

	count, _ := repo.Count(context.Background())
	assert.Zero(t, count)
}

func TestStartPayment_ProviderUnreachable(t *testing.T) {
	repo := newFakeTransactionRepo()
	provider := &fakeProvider{pushErr: daraja.ErrUnreachable}
	svc := newPaymentService(repo, provider, &fakeFulfiller{})

	_, err := svc.StartPayment(context.Background(), &models.StartPaymentRequest{
		Component: "c", PaymentArea: "a", ItemID: "1", PayerID: "1",
		PhoneNumber: "0712345678",
	})
	assert.ErrorIs(t, err, services.ErrPaymentInitiationFailed)

	count, _ := repo.Count(context.Background())
	assert.Zero(t, count)
}

func TestStartPayment_StoresResolvedRedirectURL(t *testing.T) {
	repo := newFakeTransactionRepo()
	resolver := &fakeResolver{item: &services.PayableItem{
		Amount:      1500,
		Currency:    "KES",
		Description: "Course enrolment",
		RedirectURL: "https://lms.example.org/course/42",
	}}
	svc := services.NewPaymentService(
		repo, newFakeLogRepo(), &fakeProvider{}, resolver, &fakeFulfiller{},
		5*time.Second, discardLogger(),
	)

	txn, err := svc.StartPayment(context.Background(), &models.StartPaymentRequest{
		Component: "enrol_fee", PaymentArea: "fee", ItemID: "42", PayerID: "7",
		PhoneNumber: "0712345678",
	})
	require.NoError(t, err)
	assert.Equal(t, "https://lms.example.org/course/42", txn.RedirectURL)
	assert.Equal(t, "https://lms.example.org/course/42", repo.get(txn.ID).RedirectURL)
}

func TestStartPayment_SupersedesExistingPending(t *testing.T) {
	repo := newFakeTransactionRepo()
	old := repo.seed(&models.Transaction{
		ExternalReference: "c-a-1-1",
		CheckoutRequestID: "CR-OLD",
		Status:            models.StatusPending,
	})
	provider := &fakeProvider{}
	svc := newPaymentService(repo, provider, &fakeFulfiller{})

	txn, err := svc.StartPayment(context.Background(), &models.StartPaymentRequest{
		Component: "c", PaymentArea: "a", ItemID: "1", PayerID: "1",
		PhoneNumber: "0712345678",
	})
	require.NoError(t, err)

	superseded := repo.get(old.ID)
	assert.Equal(t, models.StatusCancelled, superseded.Status)
	assert.Equal(t, models.StatusPending, repo.get(txn.ID).Status)
}

func TestApplyProviderResult_Success(t *testing.T) {
	repo := newFakeTransactionRepo()
	txn := repo.seed(&models.Transaction{
		CheckoutRequestID: "CR1",
		Amount:            100,
		Status:            models.StatusPending,
	})
	fulfiller := &fakeFulfiller{}
	svc := newPaymentService(repo, &fakeProvider{}, fulfiller)

	metadata := []daraja.MetadataItem{
		{Name: "Amount", Value: 100.0},
		{Name: "MpesaReceiptNumber", Value: "R1"},
		{Name: "PhoneNumber", Value: 254712345678.0},
		{Name: "TransactionDate", Value: 20260831120000.0},
	}

	updated, err := svc.ApplyProviderResult(context.Background(), "CR1", 0, "Success", metadata, `{"raw":true}`)
	require.NoError(t, err)

	assert.Equal(t, models.StatusCompleted, updated.Status)
	assert.Equal(t, "R1", updated.ReceiptNumber)
	assert.Equal(t, 1, fulfiller.count())
	assert.Equal(t, models.StatusCompleted, repo.get(txn.ID).Status)
}

func TestApplyProviderResult_DuplicateCallbackIsNoOp(t *testing.T) {
	repo := newFakeTransactionRepo()
	repo.seed(&models.Transaction{
		CheckoutRequestID: "CR1",
		Amount:            100,
		Status:            models.StatusPending,
	})
	fulfiller := &fakeFulfiller{}
	svc := newPaymentService(repo, &fakeProvider{}, fulfiller)

	metadata := []daraja.MetadataItem{{Name: "MpesaReceiptNumber", Value: "R1"}}

	first, err := svc.ApplyProviderResult(context.Background(), "CR1", 0, "Success", metadata, "")
	require.NoError(t, err)
	second, err := svc.ApplyProviderResult(context.Background(), "CR1", 0, "Success", metadata, "")
	require.NoError(t, err)

	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, "R1", second.ReceiptNumber)
	// Fulfillment happens exactly once
	assert.Equal(t, 1, fulfiller.count())
}

func TestApplyProviderResult_CancelledCode(t *testing.T) {
	repo := newFakeTransactionRepo()
	repo.seed(&models.Transaction{CheckoutRequestID: "CR1", Status: models.StatusPending})
	svc := newPaymentService(repo, &fakeProvider{}, &fakeFulfiller{})

	updated, err := svc.ApplyProviderResult(context.Background(), "CR1", 1032, "Request cancelled by user", nil, "")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, updated.Status)
	assert.Equal(t, "Request cancelled by user", updated.ErrorMessage)
}

func TestApplyProviderResult_FailureCode(t *testing.T) {
	repo := newFakeTransactionRepo()
	repo.seed(&models.Transaction{CheckoutRequestID: "CR1", Status: models.StatusPending})
	svc := newPaymentService(repo, &fakeProvider{}, &fakeFulfiller{})

	updated, err := svc.ApplyProviderResult(context.Background(), "CR1", 1037, "DS timeout", nil, "")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, updated.Status)
	assert.Equal(t, "DS timeout", updated.ErrorMessage)
}

func TestApplyProviderResult_UnknownTransaction(t *testing.T) {
	svc := newPaymentService(newFakeTransactionRepo(), &fakeProvider{}, &fakeFulfiller{})

	_, err := svc.ApplyProviderResult(context.Background(), "CR-MISSING", 0, "Success", nil, "")
	assert.ErrorIs(t, err, services.ErrUnknownTransaction)
}

func TestApplyProviderResult_CompletionsWithoutReceipts(t *testing.T) {
	repo := newFakeTransactionRepo()
	repo.seed(&models.Transaction{CheckoutRequestID: "CR1", Status: models.StatusPending})
	repo.seed(&models.Transaction{CheckoutRequestID: "CR2", Status: models.StatusPending})
	svc := newPaymentService(repo, &fakeProvider{}, &fakeFulfiller{})

	// Query-resolved completions carry no metadata, hence no receipt. One
	// receipt-less completion must never block another.
	first, err := svc.ApplyProviderResult(context.Background(), "CR1", 0, "Success", nil, "")
	require.NoError(t, err)
	second, err := svc.ApplyProviderResult(context.Background(), "CR2", 0, "Success", nil, "")
	require.NoError(t, err)

	assert.Equal(t, models.StatusCompleted, first.Status)
	assert.Equal(t, models.StatusCompleted, second.Status)
	assert.Empty(t, first.ReceiptNumber)
	assert.Empty(t, second.ReceiptNumber)
}

func TestApplyProviderResult_DuplicateReceipt(t *testing.T) {
	repo := newFakeTransactionRepo()
	repo.seed(&models.Transaction{
		CheckoutRequestID: "CR1",
		Status:            models.StatusCompleted,
		ReceiptNumber:     "R1",
	})
	repo.seed(&models.Transaction{CheckoutRequestID: "CR2", Status: models.StatusPending})
	svc := newPaymentService(repo, &fakeProvider{}, &fakeFulfiller{})

	_, err := svc.ApplyProviderResult(context.Background(), "CR2", 0, "Success",
		[]daraja.MetadataItem{{Name: "MpesaReceiptNumber", Value: "R1"}}, "")
	assert.ErrorIs(t, err, services.ErrDuplicateReceipt)

	// The pending transaction was not completed
	txn, err := svc.GetStatus(context.Background(), "CR2", false)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, txn.Status)
}

// receiptRacingRepo simulates another transaction completing with the same
// receipt between the coordinator's lookup and its conditional update, the
// window only the store's uniqueness index can close.
type receiptRacingRepo struct {
	*fakeTransactionRepo
}

func (r *receiptRacingRepo) CompareAndUpdateStatus(ctx context.Context, id primitive.ObjectID, expectedStatus, newStatus string, update repositories.StatusUpdate) error {
	if update.ReceiptNumber != "" {
		return repositories.ErrDuplicateReceipt
	}
	return r.fakeTransactionRepo.CompareAndUpdateStatus(ctx, id, expectedStatus, newStatus, update)
}

func TestApplyProviderResult_ReceiptRaceCaughtAtStore(t *testing.T) {
	repo := newFakeTransactionRepo()
	txn := repo.seed(&models.Transaction{CheckoutRequestID: "CR1", Status: models.StatusPending})
	fulfiller := &fakeFulfiller{}
	svc := services.NewPaymentService(
		&receiptRacingRepo{repo}, newFakeLogRepo(), &fakeProvider{}, &fakeResolver{}, fulfiller,
		5*time.Second, discardLogger(),
	)

	_, err := svc.ApplyProviderResult(context.Background(), "CR1", 0, "Success",
		[]daraja.MetadataItem{{Name: "MpesaReceiptNumber", Value: "R1"}}, "")
	assert.ErrorIs(t, err, services.ErrDuplicateReceipt)

	assert.Equal(t, models.StatusPending, repo.get(txn.ID).Status)
	assert.Zero(t, fulfiller.count())
}

// Conflicting results racing on the same pending transaction: exactly one
// transition wins and nothing ever overwrites a terminal state.
func TestApplyProviderResult_ConflictingRace(t *testing.T) {
	repo := newFakeTransactionRepo()
	txn := repo.seed(&models.Transaction{CheckoutRequestID: "CR1", Status: models.StatusPending})
	svc := newPaymentService(repo, &fakeProvider{}, &fakeFulfiller{})

	results := []struct {
		code int
		desc string
		meta []daraja.MetadataItem
	}{
		{0, "Success", []daraja.MetadataItem{{Name: "MpesaReceiptNumber", Value: "R1"}}},
		{1032, "Request cancelled by user", nil},
		{0, "Success", []daraja.MetadataItem{{Name: "MpesaReceiptNumber", Value: "R1"}}},
		{1, "Insufficient balance", nil},
	}

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		r := results[i%len(results)]
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.ApplyProviderResult(context.Background(), "CR1", r.code, r.desc, r.meta, "")
			// Every path either wins or observes the winner; no hard errors
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	final := repo.get(txn.ID)
	assert.True(t, models.IsTerminal(final.Status), "final status %s", final.Status)

	// Re-applying any result after the race leaves the state untouched
	settled, err := svc.ApplyProviderResult(context.Background(), "CR1", 1032, "late duplicate", nil, "")
	require.NoError(t, err)
	assert.Equal(t, final.Status, settled.Status)
}

func TestExpire(t *testing.T) {
	repo := newFakeTransactionRepo()
	repo.seed(&models.Transaction{CheckoutRequestID: "CR1", Status: models.StatusPending})
	svc := newPaymentService(repo, &fakeProvider{}, &fakeFulfiller{})

	expired, err := svc.Expire(context.Background(), "CR1", "request expired provider-side")
	require.NoError(t, err)
	assert.Equal(t, models.StatusExpired, expired.Status)

	// Idempotent on a terminal transaction
	again, err := svc.Expire(context.Background(), "CR1", "second call")
	require.NoError(t, err)
	assert.Equal(t, models.StatusExpired, again.Status)
	assert.Equal(t, "request expired provider-side", again.ErrorMessage)
}

func TestExpire_DoesNotOverwriteCompleted(t *testing.T) {
	repo := newFakeTransactionRepo()
	repo.seed(&models.Transaction{
		CheckoutRequestID: "CR1",
		Status:            models.StatusCompleted,
		ReceiptNumber:     "R1",
	})
	svc := newPaymentService(repo, &fakeProvider{}, &fakeFulfiller{})

	txn, err := svc.Expire(context.Background(), "CR1", "stale sweep")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, txn.Status)
}

func TestGetStatus_OpportunisticQueryResolvesPending(t *testing.T) {
	repo := newFakeTransactionRepo()
	txn := repo.seed(&models.Transaction{CheckoutRequestID: "CR1", Status: models.StatusPending})
	provider := &fakeProvider{queryResp: &daraja.QueryResponse{ResultCode: "0", ResultDesc: "Success"}}
	svc := newPaymentService(repo, provider, &fakeFulfiller{})

	updated, err := svc.GetStatus(context.Background(), txn.ID.Hex(), true)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, updated.Status)
	assert.Equal(t, 1, provider.queries())
}

func TestGetStatus_QueryRateLimited(t *testing.T) {
	repo := newFakeTransactionRepo()
	txn := repo.seed(&models.Transaction{
		CheckoutRequestID: "CR1",
		Status:            models.StatusPending,
		LastQueriedAt:     time.Now(),
	})
	provider := &fakeProvider{}
	svc := newPaymentService(repo, provider, &fakeFulfiller{})

	got, err := svc.GetStatus(context.Background(), txn.ID.Hex(), true)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Zero(t, provider.queries())
}

func TestGetStatus_ProviderUnreachableIsSwallowed(t *testing.T) {
	repo := newFakeTransactionRepo()
	txn := repo.seed(&models.Transaction{CheckoutRequestID: "CR1", Status: models.StatusPending})
	provider := &fakeProvider{queryErr: daraja.ErrUnreachable}
	svc := newPaymentService(repo, provider, &fakeFulfiller{})

	got, err := svc.GetStatus(context.Background(), txn.ID.Hex(), true)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
}

func TestGetStatus_NonOpportunisticNeverQueries(t *testing.T) {
	repo := newFakeTransactionRepo()
	txn := repo.seed(&models.Transaction{CheckoutRequestID: "CR1", Status: models.StatusPending})
	provider := &fakeProvider{}
	svc := newPaymentService(repo, provider, &fakeFulfiller{})

	_, err := svc.GetStatus(context.Background(), txn.ID.Hex(), false)
	require.NoError(t, err)
	assert.Zero(t, provider.queries())
}

func TestGetStatus_ByCheckoutID(t *testing.T) {
	repo := newFakeTransactionRepo()
	repo.seed(&models.Transaction{CheckoutRequestID: "CR1", Status: models.StatusCompleted, ReceiptNumber: "R1"})
	svc := newPaymentService(repo, &fakeProvider{}, &fakeFulfiller{})

	txn, err := svc.GetStatus(context.Background(), "CR1", true)
	require.NoError(t, err)
	assert.Equal(t, "R1", txn.ReceiptNumber)

	_, err = svc.GetStatus(context.Background(), "CR-MISSING", true)
	assert.True(t, errors.Is(err, services.ErrUnknownTransaction))
}
