package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Transaction statuses. PENDING is the sole initial state; the other four are
// terminal and a transaction never leaves a terminal state.
const (
	StatusPending   = "PENDING"
	StatusCompleted = "COMPLETED"
	StatusFailed    = "FAILED"
	StatusCancelled = "CANCELLED"
	StatusExpired   = "EXPIRED"
)

// IsTerminal reports whether a status is one of the four terminal outcomes.
func IsTerminal(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// Transaction represents one STK push charge attempt
type Transaction struct {
	ID                primitive.ObjectID `bson:"_id,omitempty" json:"id,omitempty"`
	ExternalReference string             `bson:"externalReference" json:"externalReference"`
	CheckoutRequestID string             `bson:"checkoutRequestId" json:"checkoutRequestId"`
	MerchantRequestID string             `bson:"merchantRequestId" json:"merchantRequestId"`
	Amount            float64            `bson:"amount" json:"amount"`
	Currency          string             `bson:"currency" json:"currency"`
	PhoneNumber       string             `bson:"phoneNumber" json:"phoneNumber"`
	Status            string             `bson:"status" json:"status"`
	ReceiptNumber     string             `bson:"receiptNumber,omitempty" json:"receiptNumber,omitempty"`
	RedirectURL       string             `bson:"redirectUrl,omitempty" json:"redirectUrl,omitempty"`
	ErrorMessage      string             `bson:"errorMessage,omitempty" json:"errorMessage,omitempty"`
	RawPayload        string             `bson:"rawPayload,omitempty" json:"-"`
	QueryAttempts     int                `bson:"queryAttempts" json:"-"`
	LastQueriedAt     time.Time          `bson:"lastQueriedAt,omitempty" json:"-"`
	CreatedAt         time.Time          `bson:"createdAt" json:"createdAt"`
	UpdatedAt         time.Time          `bson:"updatedAt" json:"updatedAt"`
}

// TransactionLog is an audit row recording a raw provider exchange for a
// transaction. Log rows are deleted together with their transaction.
type TransactionLog struct {
	ID            primitive.ObjectID `bson:"_id,omitempty" json:"id,omitempty"`
	TransactionID primitive.ObjectID `bson:"transactionId" json:"transactionId"`
	Kind          string             `bson:"kind" json:"kind"`
	Payload       string             `bson:"payload" json:"payload"`
	CreatedAt     time.Time          `bson:"createdAt" json:"createdAt"`
}
