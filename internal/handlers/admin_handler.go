package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/bkyalo/mpesaKenya/internal/models"
	"github.com/bkyalo/mpesaKenya/internal/repositories"
	"github.com/bkyalo/mpesaKenya/internal/services"
	"github.com/gin-gonic/gin"
)

// AdminHandler serves the operator dashboard endpoints
type AdminHandler struct {
	authService    services.AuthService
	monitorService services.MonitorService
	txnRepo        repositories.TransactionRepository
}

// NewAdminHandler creates a new AdminHandler
func NewAdminHandler(authService services.AuthService, monitorService services.MonitorService, txnRepo repositories.TransactionRepository) *AdminHandler {
	return &AdminHandler{
		authService:    authService,
		monitorService: monitorService,
		txnRepo:        txnRepo,
	}
}

// Login handles POST /auth/login
func (h *AdminHandler) Login(c *gin.Context) {
	var req models.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}

	token, err := h.authService.Login(c, &req)
	if err != nil {
		if errors.Is(err, services.ErrInvalidCredentials) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid credentials"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Login failed"})
		return
	}

	c.JSON(http.StatusOK, models.LoginResponse{Token: token})
}

// ListTransactions handles GET /admin/transactions
func (h *AdminHandler) ListTransactions(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 20
	}

	txns, err := h.txnRepo.FindRecent(c, page, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list transactions: " + err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"page": page, "limit": limit, "transactions": txns})
}

// GetMonitorReport handles GET /admin/monitor
func (h *AdminHandler) GetMonitorReport(c *gin.Context) {
	report := h.monitorService.RunChecks(c)
	c.JSON(http.StatusOK, report)
}
