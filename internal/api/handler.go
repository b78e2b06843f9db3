package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"marketplace-payments/internal/models"
	"marketplace-payments/internal/service"
	"marketplace-payments/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// WebhookProcessor ingests gateway webhooks
type WebhookProcessor interface {
	Handle(ctx context.Context, body []byte) (*service.WebhookResult, error)
}

// CancellationProcessor runs the cancellation workflow
type CancellationProcessor interface {
	RequestCancellation(ctx context.Context, in service.CreateCancellationInput) (*service.CancellationResult, error)
	ProcessCancellation(ctx context.Context, in service.ProcessCancellationInput) error
}

// PaymentReader serves read-only views
type PaymentReader interface {
	GetPayment(ctx context.Context, id int64) (*service.PaymentDetails, error)
	GetCancellation(ctx context.Context, id int64) (*models.CancellationRequest, error)
}

// ReadinessCheck is one dependency checked by /ready
type ReadinessCheck struct {
	Name string
	Ping func(ctx context.Context) error
}

// Handler contains HTTP handlers
type Handler struct {
	webhooks      WebhookProcessor
	cancellations CancellationProcessor
	payments      PaymentReader
	checks        []ReadinessCheck
	logger        *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(
	webhooks WebhookProcessor,
	cancellations CancellationProcessor,
	payments PaymentReader,
	checks ...ReadinessCheck,
) *Handler {
	return &Handler{
		webhooks:      webhooks,
		cancellations: cancellations,
		payments:      payments,
		checks:        checks,
		logger:        util.ComponentLogger("api"),
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.POST("/webhooks/payments", h.receiveWebhook)

	v1 := router.Group("/api/v1")
	{
		v1.GET("/payments/:id", h.getPayment)
		v1.POST("/payments/:id/cancellations", h.requestCancellation)
		v1.GET("/cancellations/:id", h.getCancellation)
		v1.POST("/cancellations/:id/process", h.processCancellation)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck reports ready only when every dependency answers
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	failing := gin.H{}
	for _, check := range h.checks {
		if err := check.Ping(ctx); err != nil {
			failing[check.Name] = err.Error()
		}
	}
	if len(failing) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not ready",
			"checks": failing,
			"time":   time.Now().Unix(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// receiveWebhook handles gateway webhook deliveries
func (h *Handler) receiveWebhook(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	result, err := h.webhooks.Handle(c.Request.Context(), body)
	if err != nil {
		// the gateway redelivers on 5xx
		if errors.Is(err, service.ErrGatewayUnavailable) {
			h.writeError(c, http.StatusServiceUnavailable, err)
			return
		}
		h.writeServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": result.Success})
}

// requestCancellation handles cancellation requests for a payment
func (h *Handler) requestCancellation(c *gin.Context) {
	paymentID, ok := pathID(c, "Invalid payment ID")
	if !ok {
		return
	}

	var req service.CreateCancellationInput
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}
	req.PaymentID = paymentID

	result, err := h.cancellations.RequestCancellation(c.Request.Context(), req)
	if err != nil {
		if result != nil && errors.Is(err, service.ErrGatewayUnavailable) {
			// stored and approved; the refund is retried later
			c.JSON(http.StatusAccepted, result)
			return
		}
		h.writeServiceError(c, err)
		return
	}

	c.JSON(http.StatusCreated, result)
}

type processCancellationRequest struct {
	AdminID        int64  `json:"admin_id" binding:"required"`
	Decision       string `json:"decision" binding:"required"`
	Notes          string `json:"notes"`
	OverrideAmount *int64 `json:"override_amount"`
}

// processCancellation applies an admin decision to a request
func (h *Handler) processCancellation(c *gin.Context) {
	requestID, ok := pathID(c, "Invalid cancellation ID")
	if !ok {
		return
	}

	var req processCancellationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	decision, err := service.ParseDecision(req.Decision, req.OverrideAmount)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}

	err = h.cancellations.ProcessCancellation(c.Request.Context(), service.ProcessCancellationInput{
		RequestID: requestID,
		AdminID:   req.AdminID,
		Decision:  decision,
		Notes:     req.Notes,
	})
	if err != nil {
		h.writeServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

// getPayment returns a payment with its refunds and settlement
func (h *Handler) getPayment(c *gin.Context) {
	paymentID, ok := pathID(c, "Invalid payment ID")
	if !ok {
		return
	}

	details, err := h.payments.GetPayment(c.Request.Context(), paymentID)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, details)
}

// getCancellation returns one cancellation request
func (h *Handler) getCancellation(c *gin.Context) {
	requestID, ok := pathID(c, "Invalid cancellation ID")
	if !ok {
		return
	}

	req, err := h.payments.GetCancellation(c.Request.Context(), requestID)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, req)
}

func pathID(c *gin.Context, message string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": message})
		return 0, false
	}
	return id, true
}

// statusFor maps the service error taxonomy to HTTP statuses
func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidPayload):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrInvalidState), errors.Is(err, service.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, service.ErrPolicyViolation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, service.ErrGatewayUnavailable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeServiceError(c *gin.Context, err error) {
	h.writeError(c, statusFor(err), err)
}

func (h *Handler) writeError(c *gin.Context, status int, err error) {
	if status >= http.StatusInternalServerError {
		util.WithTrace(c.Request.Context(), h.logger).Error("Request failed",
			zap.String("path", c.FullPath()),
			zap.Int("status", status),
			zap.Error(err))
	}

	c.JSON(status, gin.H{
		"error":   http.StatusText(status),
		"details": err.Error(),
	})
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
