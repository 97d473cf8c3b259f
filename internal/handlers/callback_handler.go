package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/bkyalo/mpesaKenya/internal/services"
	"github.com/bkyalo/mpesaKenya/pkg/daraja"
	"github.com/gin-gonic/gin"
)

// Callback bodies are small; anything larger is not from the provider.
const maxCallbackBodySize = 1 << 20 // 1 MB

// CallbackHandler receives the provider's asynchronous STK push result
type CallbackHandler struct {
	paymentService services.PaymentService
	logger         *slog.Logger
}

// NewCallbackHandler creates a new CallbackHandler
func NewCallbackHandler(paymentService services.PaymentService, logger *slog.Logger) *CallbackHandler {
	return &CallbackHandler{
		paymentService: paymentService,
		logger:         logger.With("component", "callback_handler"),
	}
}

// HandleCallback handles POST /mpesa/callback. The provider retries on
// non-2xx responses, so every unrecoverable condition (bad payload, unknown
// transaction, duplicate delivery) is acknowledged with 200; only a transient
// internal failure returns a retryable status.
func (h *CallbackHandler) HandleCallback(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxCallbackBodySize)
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		h.logger.WarnContext(c, "Failed to read callback body", "error", err)
		c.JSON(http.StatusOK, gin.H{"ResultCode": 1, "ResultDesc": "Invalid request"})
		return
	}

	var envelope daraja.CallbackEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil || envelope.Body.StkCallback.CheckoutRequestID == "" {
		h.logger.WarnContext(c, "Malformed callback payload", "error", err, "size", len(payload))
		c.JSON(http.StatusOK, gin.H{"ResultCode": 1, "ResultDesc": "Invalid request"})
		return
	}

	cb := envelope.Body.StkCallback
	h.logger.InfoContext(c, "Received STK callback",
		"checkoutRequestId", cb.CheckoutRequestID,
		"resultCode", cb.ResultCode)

	_, err = h.paymentService.ApplyProviderResult(c, cb.CheckoutRequestID, cb.ResultCode, cb.ResultDesc, cb.CallbackMetadata.Item, string(payload))
	if err != nil {
		switch {
		case errors.Is(err, services.ErrUnknownTransaction):
			// Acknowledge so the provider stops retrying an unrecoverable
			// callback.
			c.JSON(http.StatusOK, gin.H{"ResultCode": 0, "ResultDesc": "Accepted"})
		case errors.Is(err, services.ErrDuplicateReceipt):
			h.logger.ErrorContext(c, "Callback carried a replayed receipt",
				"checkoutRequestId", cb.CheckoutRequestID)
			c.JSON(http.StatusOK, gin.H{"ResultCode": 1, "ResultDesc": "Duplicate receipt"})
		default:
			// Transient store failure: let the provider resend.
			h.logger.ErrorContext(c, "Failed to process callback",
				"checkoutRequestId", cb.CheckoutRequestID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"ResultCode": 1, "ResultDesc": "Temporary failure"})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"ResultCode": 0, "ResultDesc": "The service was accepted successfully"})
}
