package routes

import (
	"github.com/bkyalo/mpesaKenya/internal/config"
	"github.com/bkyalo/mpesaKenya/internal/handlers"
	"github.com/bkyalo/mpesaKenya/internal/middleware"
	"github.com/gin-gonic/gin"
)

// SetupRouter sets up the router
func SetupRouter(
	cfg *config.Config,
	paymentHandler *handlers.PaymentHandler,
	callbackHandler *handlers.CallbackHandler,
	adminHandler *handlers.AdminHandler,
) *gin.Engine {
	router := gin.Default()

	router.Use(middleware.CORSMiddleware(cfg))
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.ResponseTimeMiddleware())

	// Public routes
	public := router.Group("/api/v1")
	{
		public.GET("/health", func(c *gin.Context) {
			c.JSON(200, gin.H{"status": "ok"})
		})

		public.POST("/auth/login", adminHandler.Login)

		// Payment flow
		public.POST("/payments", paymentHandler.StartPayment)
		public.GET("/payments/status/:id", paymentHandler.GetStatus)

		// Provider webhook
		public.POST("/mpesa/callback", callbackHandler.HandleCallback)
	}

	// Protected operator routes
	protected := router.Group("/api/v1/admin")
	protected.Use(middleware.JWTAuthMiddleware(cfg))
	{
		protected.GET("/transactions", adminHandler.ListTransactions)
		protected.GET("/monitor", adminHandler.GetMonitorReport)
	}

	return router
}
