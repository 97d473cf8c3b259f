package mongodb

import (
	"context"
	"errors"
	"time"

	"github.com/bkyalo/mpesaKenya/internal/models"
	"github.com/bkyalo/mpesaKenya/internal/repositories"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// TransactionRepository implements the repositories.TransactionRepository
// interface on top of MongoDB.
type TransactionRepository struct {
	collection *mongo.Collection
}

// NewTransactionRepository creates a new TransactionRepository and ensures the
// indexes the race-safety guarantees depend on.
func NewTransactionRepository(ctx context.Context, db *mongo.Database) (repositories.TransactionRepository, error) {
	r := &TransactionRepository{
		collection: db.Collection("transactions"),
	}

	_, err := r.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			// Join key for callbacks, polls and sweeps
			Keys:    bson.D{{Key: "checkoutRequestId", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			// At most one live attempt per payable item per payer
			Keys: bson.D{{Key: "externalReference", Value: 1}},
			Options: options.Index().SetUnique(true).
				SetPartialFilterExpression(bson.M{"status": models.StatusPending}),
		},
		{
			// Provider receipts are globally unique; guards against replay.
			// Scoped to documents that carry the field: completions resolved
			// through a status query have no receipt, and those must not
			// collide with each other on a null key.
			Keys: bson.D{{Key: "receiptNumber", Value: 1}},
			Options: options.Index().SetUnique(true).
				SetPartialFilterExpression(bson.M{
					"status":        models.StatusCompleted,
					"receiptNumber": bson.M{"$exists": true},
				}),
		},
		{
			Keys: bson.D{{Key: "status", Value: 1}, {Key: "createdAt", Value: 1}},
		},
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

// Create inserts a new transaction. A concurrent PENDING row for the same
// external reference surfaces as ErrDuplicateExternalReference.
func (r *TransactionRepository) Create(ctx context.Context, txn *models.Transaction) error {
	now := time.Now()
	txn.CreatedAt = now
	txn.UpdatedAt = now
	if txn.Status == "" {
		txn.Status = models.StatusPending
	}

	res, err := r.collection.InsertOne(ctx, txn)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return repositories.ErrDuplicateExternalReference
		}
		return err
	}
	if oid, ok := res.InsertedID.(primitive.ObjectID); ok {
		txn.ID = oid
	}
	return nil
}

// FindByID finds a transaction by its internal ID
func (r *TransactionRepository) FindByID(ctx context.Context, id primitive.ObjectID) (*models.Transaction, error) {
	return r.findOne(ctx, bson.M{"_id": id})
}

// FindByCheckoutID finds a transaction by its provider-issued checkout request ID
func (r *TransactionRepository) FindByCheckoutID(ctx context.Context, checkoutRequestID string) (*models.Transaction, error) {
	return r.findOne(ctx, bson.M{"checkoutRequestId": checkoutRequestID})
}

// FindPendingByExternalReference finds the live attempt for a payable item, if any
func (r *TransactionRepository) FindPendingByExternalReference(ctx context.Context, externalReference string) (*models.Transaction, error) {
	return r.findOne(ctx, bson.M{
		"externalReference": externalReference,
		"status":            models.StatusPending,
	})
}

// FindCompletedByReceipt finds a completed transaction holding a receipt number
func (r *TransactionRepository) FindCompletedByReceipt(ctx context.Context, receiptNumber string) (*models.Transaction, error) {
	return r.findOne(ctx, bson.M{
		"receiptNumber": receiptNumber,
		"status":        models.StatusCompleted,
	})
}

func (r *TransactionRepository) findOne(ctx context.Context, filter bson.M) (*models.Transaction, error) {
	var txn models.Transaction
	err := r.collection.FindOne(ctx, filter).Decode(&txn)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, repositories.ErrNotFound
		}
		return nil, err
	}
	return &txn, nil
}

// CompareAndUpdateStatus atomically moves a transaction from expectedStatus to
// newStatus. The filter carries the expected status, so a row another signal
// path already transitioned matches nothing and the call reports ErrConflict.
func (r *TransactionRepository) CompareAndUpdateStatus(ctx context.Context, id primitive.ObjectID, expectedStatus, newStatus string, update repositories.StatusUpdate) error {
	set := bson.M{
		"status":    newStatus,
		"updatedAt": time.Now(),
	}
	if update.ReceiptNumber != "" {
		set["receiptNumber"] = update.ReceiptNumber
	}
	if update.ErrorMessage != "" {
		set["errorMessage"] = update.ErrorMessage
	}
	if update.RawPayload != "" {
		set["rawPayload"] = update.RawPayload
	}

	res, err := r.collection.UpdateOne(ctx,
		bson.M{"_id": id, "status": expectedStatus},
		bson.M{"$set": set},
	)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			// The receipt uniqueness index tripped: another completed
			// transaction already holds this receipt.
			return repositories.ErrDuplicateReceipt
		}
		return err
	}
	if res.MatchedCount == 0 {
		// Distinguish a lost race from a missing row
		if _, ferr := r.FindByID(ctx, id); ferr != nil {
			return ferr
		}
		return repositories.ErrConflict
	}
	return nil
}

// FindStalePending lists transactions stuck PENDING since before olderThan
func (r *TransactionRepository) FindStalePending(ctx context.Context, olderThan time.Time, limit int64) ([]*models.Transaction, error) {
	opts := options.Find().
		SetLimit(limit).
		SetSort(bson.M{"createdAt": 1})

	cursor, err := r.collection.Find(ctx, bson.M{
		"status":    models.StatusPending,
		"createdAt": bson.M{"$lt": olderThan},
	}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var txns []*models.Transaction
	if err := cursor.All(ctx, &txns); err != nil {
		return nil, err
	}
	return txns, nil
}

// DeleteTerminalOlderThan removes terminal transactions last touched before
// olderThan and returns their IDs so the caller can cascade to the audit log.
func (r *TransactionRepository) DeleteTerminalOlderThan(ctx context.Context, statuses []string, olderThan time.Time) ([]primitive.ObjectID, error) {
	filter := bson.M{
		"status":    bson.M{"$in": statuses},
		"updatedAt": bson.M{"$lt": olderThan},
	}

	opts := options.Find().SetProjection(bson.M{"_id": 1})
	cursor, err := r.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var rows []struct {
		ID primitive.ObjectID `bson:"_id"`
	}
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}

	ids := make([]primitive.ObjectID, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ID)
	}

	if _, err := r.collection.DeleteMany(ctx, bson.M{"_id": bson.M{"$in": ids}}); err != nil {
		return nil, err
	}
	return ids, nil
}

// RecordProviderQuery stamps the advisory poll rate-limit marker and,
// optionally, counts a failed sweep query attempt. Not part of the state
// machine, so a plain update is fine here.
func (r *TransactionRepository) RecordProviderQuery(ctx context.Context, id primitive.ObjectID, at time.Time, countAttempt bool) error {
	update := bson.M{"$set": bson.M{"lastQueriedAt": at}}
	if countAttempt {
		update["$inc"] = bson.M{"queryAttempts": 1}
	}
	_, err := r.collection.UpdateOne(ctx, bson.M{"_id": id}, update)
	return err
}

// CountStalePending counts transactions stuck PENDING since before olderThan
func (r *TransactionRepository) CountStalePending(ctx context.Context, olderThan time.Time) (int64, error) {
	return r.collection.CountDocuments(ctx, bson.M{
		"status":    models.StatusPending,
		"createdAt": bson.M{"$lt": olderThan},
	})
}

// CountFailedSince counts transactions that failed after since
func (r *TransactionRepository) CountFailedSince(ctx context.Context, since time.Time) (int64, error) {
	return r.collection.CountDocuments(ctx, bson.M{
		"status":    models.StatusFailed,
		"updatedAt": bson.M{"$gte": since},
	})
}

// Count counts all transactions
func (r *TransactionRepository) Count(ctx context.Context) (int64, error) {
	return r.collection.CountDocuments(ctx, bson.M{})
}

// FindRecent lists transactions newest-first with pagination
func (r *TransactionRepository) FindRecent(ctx context.Context, page, limit int) ([]*models.Transaction, error) {
	opts := options.Find().
		SetSkip(int64((page - 1) * limit)).
		SetLimit(int64(limit)).
		SetSort(bson.M{"createdAt": -1})

	cursor, err := r.collection.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var txns []*models.Transaction
	if err := cursor.All(ctx, &txns); err != nil {
		return nil, err
	}
	return txns, nil
}
