package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/service"
	"fulfillment-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler contains HTTP handlers
type Handler struct {
	gateway      *service.WebhookGateway
	orchestrator *service.Orchestrator
	ledger       *service.Ledger
	buffers      *service.BufferEngine
	orders       service.OrderStore
}

// NewHandler creates a new HTTP handler
func NewHandler(
	gateway *service.WebhookGateway,
	orchestrator *service.Orchestrator,
	ledger *service.Ledger,
	buffers *service.BufferEngine,
	orders service.OrderStore,
) *Handler {
	return &Handler{
		gateway:      gateway,
		orchestrator: orchestrator,
		ledger:       ledger,
		buffers:      buffers,
		orders:       orders,
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

	router.POST("/webhooks/orders", h.ingestWebhook)

	v1 := router.Group("/api/v1")
	{
		v1.GET("/orders/:id", h.getOrder)
		v1.POST("/orders/:id/cancel", h.cancelOrder)
		v1.GET("/inventory/:variantId/available", h.getAvailability)
		v1.POST("/inventory/adjustments", h.adjustInventory)
	}
}

func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

func (h *Handler) readinessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// ingestWebhook verifies and ingests an external order event. The raw body is
// read before any binding because the signature covers the exact bytes.
func (h *Handler) ingestWebhook(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read request body"})
		return
	}

	result, err := h.gateway.Ingest(
		c.Request.Context(),
		callerFrom(c),
		c.GetHeader("X-Signature"),
		body,
	)
	if err != nil {
		if errors.Is(err, models.ErrInvalidSignature) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid signature"})
			return
		}
		if errors.Is(err, models.ErrMalformedPayload) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "Malformed payload",
				"details": err.Error(),
			})
			return
		}
		// Internal failures get a 5xx so the external system keeps
		// redelivering instead of dropping the event.
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to ingest webhook",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, result)
}

// getOrder returns an order with its line items and error history.
func (h *Handler) getOrder(c *gin.Context) {
	orderID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid order ID"})
		return
	}

	order, err := h.orders.GetOrderByID(c.Request.Context(), orderID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Order not found"})
		return
	}

	items, err := h.orders.GetOrderLineItems(c.Request.Context(), orderID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load order items"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"order": order,
		"items": items,
	})
}

// cancelOrder handles operator cancellation.
func (h *Handler) cancelOrder(c *gin.Context) {
	orderID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid order ID"})
		return
	}

	if err := h.orchestrator.Cancel(c.Request.Context(), callerFrom(c), orderID); err != nil {
		c.JSON(http.StatusConflict, gin.H{
			"error":   "Failed to cancel order",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": models.StageCancelled})
}

// getAvailability returns available-to-sell for a variant on a channel.
func (h *Handler) getAvailability(c *gin.Context) {
	variantID, err := strconv.ParseInt(c.Param("variantId"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid variant ID"})
		return
	}

	channel := c.Query("channel")
	if channel == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "channel query parameter is required"})
		return
	}

	available, err := h.buffers.AvailableToSell(c.Request.Context(), variantID, channel)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to compute availability",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"variant_id": variantID,
		"channel":    channel,
		"available":  available,
	})
}

type adjustRequest struct {
	VariantID  int64  `json:"variant_id" binding:"required"`
	LocationID int64  `json:"location_id" binding:"required"`
	Delta      int    `json:"delta" binding:"required"`
	Reason     string `json:"reason" binding:"required"`
	Reference  string `json:"reference"`
}

// adjustInventory applies a ledger adjustment (receiving, correction).
func (h *Handler) adjustInventory(c *gin.Context) {
	var req adjustRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	caller := callerFrom(c)
	if caller.TenantID == "" || caller.ActorID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "X-Tenant-ID and X-Actor-ID headers are required"})
		return
	}

	movement, err := h.ledger.Adjust(c.Request.Context(), caller,
		req.VariantID, req.LocationID, req.Delta, req.Reason, req.Reference)
	if err != nil {
		var negative *models.NegativeStockError
		if errors.As(err, &negative) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to adjust inventory",
			"details": err.Error(),
		})
		return
	}

	h.buffers.Invalidate(c.Request.Context(), req.VariantID)

	c.JSON(http.StatusCreated, movement)
}

// callerFrom builds the caller identity from the auth collaborator's headers.
func callerFrom(c *gin.Context) models.Caller {
	return models.Caller{
		TenantID:      c.GetHeader("X-Tenant-ID"),
		ActorID:       c.GetHeader("X-Actor-ID"),
		CorrelationID: c.GetHeader("X-Request-ID"),
	}
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
