package models

// StartPaymentRequest defines the structure for payment initiation requests.
// The amount is never taken from the client; it is resolved server-side from
// the payable item.
type StartPaymentRequest struct {
	Component   string `json:"component" binding:"required"`
	PaymentArea string `json:"paymentArea" binding:"required"`
	ItemID      string `json:"itemId" binding:"required"`
	PayerID     string `json:"payerId" binding:"required"`
	PhoneNumber string `json:"phoneNumber" binding:"required"`
}

// StartPaymentResponse is returned when an STK push has been accepted
type StartPaymentResponse struct {
	Success           bool   `json:"success"`
	TransactionID     string `json:"transactionId"`
	CheckoutRequestID string `json:"checkoutRequestId"`
	Message           string `json:"message"`
}

// PaymentStatusResponse is returned by the status polling endpoint
type PaymentStatusResponse struct {
	Success     bool   `json:"success"`
	Status      string `json:"status"`
	Message     string `json:"message"`
	RedirectURL string `json:"redirectUrl,omitempty"`
}
