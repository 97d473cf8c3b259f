package handlers

import (
	"errors"
	"net/http"

	"github.com/bkyalo/mpesaKenya/internal/models"
	"github.com/bkyalo/mpesaKenya/internal/services"
	"github.com/bkyalo/mpesaKenya/internal/utils"
	"github.com/gin-gonic/gin"
)

// PaymentHandler handles payment initiation and status polling
type PaymentHandler struct {
	paymentService services.PaymentService
}

// NewPaymentHandler creates a new PaymentHandler
func NewPaymentHandler(paymentService services.PaymentService) *PaymentHandler {
	return &PaymentHandler{paymentService: paymentService}
}

// StartPayment handles POST /payments
func (h *PaymentHandler) StartPayment(c *gin.Context) {
	var req models.StartPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Invalid request: " + err.Error()})
		return
	}

	txn, err := h.paymentService.StartPayment(c, &req)
	if err != nil {
		var rejected *services.PaymentRejectedError
		switch {
		case errors.Is(err, utils.ErrInvalidPhoneNumber):
			c.JSON(http.StatusBadRequest, gin.H{
				"success": false,
				"error":   "Phone number must be a valid Kenyan MSISDN (e.g. 0712345678)",
			})
		case errors.As(err, &rejected):
			c.JSON(http.StatusUnprocessableEntity, gin.H{"success": false, "error": rejected.Message})
		case errors.Is(err, services.ErrPaymentInitiationFailed):
			c.JSON(http.StatusBadGateway, gin.H{
				"success": false,
				"error":   "Payment provider is unavailable, please try again shortly",
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "Failed to start payment"})
		}
		return
	}

	c.JSON(http.StatusOK, models.StartPaymentResponse{
		Success:           true,
		TransactionID:     txn.ID.Hex(),
		CheckoutRequestID: txn.CheckoutRequestID,
		Message:           "STK push sent, awaiting confirmation on the payer's phone",
	})
}

// GetStatus handles GET /payments/status/:id. A PENDING transaction triggers
// an opportunistic, rate-limited provider query before responding.
func (h *PaymentHandler) GetStatus(c *gin.Context) {
	txn, err := h.paymentService.GetStatus(c, c.Param("id"), true)
	if err != nil {
		if errors.Is(err, services.ErrUnknownTransaction) {
			c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "Transaction not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "Failed to read transaction status"})
		return
	}

	resp := models.PaymentStatusResponse{Status: txn.Status}
	switch txn.Status {
	case models.StatusCompleted:
		resp.Success = true
		resp.Message = "Payment received, receipt " + txn.ReceiptNumber
		resp.RedirectURL = txn.RedirectURL
	case models.StatusPending:
		resp.Message = "Awaiting payment confirmation"
	case models.StatusCancelled:
		resp.Message = "Payment was cancelled on the payer's phone"
	case models.StatusExpired:
		resp.Message = "Payment request expired before confirmation"
	default:
		resp.Message = txn.ErrorMessage
		if resp.Message == "" {
			resp.Message = "Payment failed"
		}
	}
	c.JSON(http.StatusOK, resp)
}
