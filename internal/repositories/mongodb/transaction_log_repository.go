package mongodb

import (
	"context"
	"time"

	"github.com/bkyalo/mpesaKenya/internal/models"
	"github.com/bkyalo/mpesaKenya/internal/repositories"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// TransactionLogRepository implements the repositories.TransactionLogRepository interface
type TransactionLogRepository struct {
	collection *mongo.Collection
}

// NewTransactionLogRepository creates a new TransactionLogRepository
func NewTransactionLogRepository(db *mongo.Database) repositories.TransactionLogRepository {
	return &TransactionLogRepository{
		collection: db.Collection("transaction_logs"),
	}
}

// Create inserts a new audit log row
func (r *TransactionLogRepository) Create(ctx context.Context, log *models.TransactionLog) error {
	log.CreatedAt = time.Now()
	_, err := r.collection.InsertOne(ctx, log)
	return err
}

// FindByTransactionID lists log rows for a transaction, oldest first
func (r *TransactionLogRepository) FindByTransactionID(ctx context.Context, transactionID primitive.ObjectID) ([]*models.TransactionLog, error) {
	opts := options.Find().SetSort(bson.M{"createdAt": 1})

	cursor, err := r.collection.Find(ctx, bson.M{"transactionId": transactionID}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var logs []*models.TransactionLog
	if err := cursor.All(ctx, &logs); err != nil {
		return nil, err
	}
	return logs, nil
}

// DeleteByTransactionIDs removes all log rows belonging to the given
// transactions. Called by the sweeper after deleting the transactions
// themselves, since no database-level cascade is assumed.
func (r *TransactionLogRepository) DeleteByTransactionIDs(ctx context.Context, transactionIDs []primitive.ObjectID) (int64, error) {
	if len(transactionIDs) == 0 {
		return 0, nil
	}
	res, err := r.collection.DeleteMany(ctx, bson.M{"transactionId": bson.M{"$in": transactionIDs}})
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}
