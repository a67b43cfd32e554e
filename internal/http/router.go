// README: HTTP router registration.
package http

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ampstop/internal/config"
	"ampstop/internal/http/handlers"
	"ampstop/internal/http/middleware"
	"ampstop/internal/infra"
	"ampstop/internal/modules/billing"
	"ampstop/internal/modules/notify"
	"ampstop/internal/modules/session"
)

type RouterDeps struct {
	Sessions *session.Service
	Billing  *billing.Store
	Inbound  *notify.InboundHandler
	Verifier infra.TokenVerifier
	SMS      config.SMSConfig
	Currency string
	Logger   *slog.Logger
}

func NewRouter(d RouterDeps) http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(middleware.Recovery(d.Logger))
	r.Use(middleware.Observe(d.Logger))

	sessionHandler := handlers.NewSessionHandler(d.Sessions, d.Currency)
	driver := r.Group("/api/sessions", middleware.Auth(d.Verifier))
	driver.POST("", sessionHandler.Create)
	driver.GET("/active", sessionHandler.GetActive)
	driver.GET("/:id", sessionHandler.Get)
	driver.POST("/:id/order", sessionHandler.BindOrder)
	driver.POST("/:id/arrival", sessionHandler.ConfirmArrival)
	driver.POST("/:id/cancel", sessionHandler.Cancel)
	driver.POST("/:id/feedback", sessionHandler.Feedback)

	merchantHandler := handlers.NewMerchantHandler(d.Sessions, d.Currency)
	merchant := r.Group("/api/merchant", middleware.Auth(d.Verifier), middleware.RequireRole("merchant"))
	merchant.POST("/sessions/:id/confirm", merchantHandler.Confirm)

	adminHandler := handlers.NewAdminHandler(d.Billing)
	admin := r.Group("/api/admin", middleware.Auth(d.Verifier), middleware.RequireRole("admin"))
	admin.GET("/billing-records", adminHandler.ListBillingRecords)

	// The gateway authenticates by signature, not bearer token.
	webhookHandler := handlers.NewWebhookHandler(d.Inbound, d.SMS, d.Logger)
	r.POST("/webhooks/sms", webhookHandler.InboundSMS)

	r.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}
