package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// OrderStore is the persistence surface for orders and webhook idempotency.
type OrderStore interface {
	CreateOrder(ctx context.Context, order *models.Order) error
	GetOrderByID(ctx context.Context, id int64) (*models.Order, error)
	GetOrderByExternalID(ctx context.Context, externalID string) (*models.Order, error)
	TransitionOrderStage(ctx context.Context, orderID int64, from, to string, attemptCount int, lastError string) (bool, error)
	CreateOrderLineItem(ctx context.Context, item *models.OrderLineItem) error
	GetOrderLineItems(ctx context.Context, orderID int64) ([]models.OrderLineItem, error)
	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID, eventType string) error
}

// EventTTLStore is the fast idempotency path (Redis keys with a bounded TTL).
type EventTTLStore interface {
	SeenEvent(ctx context.Context, eventID string) (bool, error)
	MarkEvent(ctx context.Context, eventID string, ttl time.Duration) error
}

// OrderQueue hands freshly ingested orders to the pipeline workers.
type OrderQueue interface {
	PublishOrderReceived(ctx context.Context, event *models.OrderReceivedEvent) error
}

// WebhookPayload is the body of an external order event.
type WebhookPayload struct {
	EventID   string            `json:"eventId"`
	OrderID   string            `json:"orderId"`
	Source    string            `json:"source"`
	LineItems []WebhookLineItem `json:"lineItems"`
}

// WebhookLineItem is one variant/quantity pair on an incoming order.
type WebhookLineItem struct {
	VariantID int64 `json:"variantId"`
	Quantity  int   `json:"quantity"`
}

// IngestResult reports what the gateway did with a delivery.
type IngestResult struct {
	Duplicate bool  `json:"duplicate"`
	OrderID   int64 `json:"order_id,omitempty"`
}

// WebhookGateway accepts external order events idempotently. Signature
// verification happens over the raw body before any parsing; duplicates
// inside the idempotency TTL are accepted without reprocessing, because the
// external system redelivers on timeout.
type WebhookGateway struct {
	secret []byte
	store  OrderStore
	events EventTTLStore
	queue  OrderQueue
	ttl    time.Duration
	logger *zap.Logger
}

// NewWebhookGateway creates a new webhook ingestion gateway
func NewWebhookGateway(secret string, store OrderStore, events EventTTLStore, queue OrderQueue, ttl time.Duration) *WebhookGateway {
	return &WebhookGateway{
		secret: []byte(secret),
		store:  store,
		events: events,
		queue:  queue,
		ttl:    ttl,
		logger: util.GetLogger(),
	}
}

// Ingest validates, deduplicates and hands off one webhook delivery. The
// event id is marked processed only after the hand-off succeeds, so a gateway
// crash before hand-off lets the redelivery go through.
func (g *WebhookGateway) Ingest(ctx context.Context, caller models.Caller, signature string, body []byte) (*IngestResult, error) {
	ctx, span := util.StartSpan(ctx, "WebhookGateway.Ingest")
	defer span.End()

	if err := g.verifySignature(signature, body); err != nil {
		util.WebhookRejectedTotal.WithLabelValues("invalid_signature").Inc()
		g.logger.Warn("Webhook signature rejected",
			zap.String("tenant_id", caller.TenantID),
			zap.String("correlation_id", caller.CorrelationID))
		return nil, err
	}

	var payload WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		util.WebhookRejectedTotal.WithLabelValues("malformed_payload").Inc()
		return nil, fmt.Errorf("%w: %v", models.ErrMalformedPayload, err)
	}
	if payload.EventID == "" || payload.OrderID == "" || len(payload.LineItems) == 0 {
		util.WebhookRejectedTotal.WithLabelValues("malformed_payload").Inc()
		return nil, fmt.Errorf("%w: missing eventId, orderId or lineItems", models.ErrMalformedPayload)
	}

	duplicate, err := g.seen(ctx, payload.EventID)
	if err != nil {
		return nil, err
	}
	if duplicate {
		util.WebhookDuplicatesTotal.Inc()
		g.logger.Info("Duplicate webhook delivery ignored",
			zap.String("event_id", payload.EventID),
			zap.String("external_order_id", payload.OrderID))
		return &IngestResult{Duplicate: true}, nil
	}

	// An order row for the same external id also counts as a duplicate; this
	// covers redeliveries racing past the TTL check.
	if existing, err := g.store.GetOrderByExternalID(ctx, payload.OrderID); err != nil {
		return nil, err
	} else if existing != nil {
		util.WebhookDuplicatesTotal.Inc()
		return &IngestResult{Duplicate: true, OrderID: existing.ID}, nil
	}

	order := &models.Order{
		ExternalID: payload.OrderID,
		TenantID:   caller.TenantID,
		Source:     payload.Source,
		Stage:      models.StageReceived,
	}
	if err := g.store.CreateOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("failed to create order: %w", err)
	}
	for _, item := range payload.LineItems {
		line := &models.OrderLineItem{
			OrderID:   order.ID,
			VariantID: item.VariantID,
			Quantity:  item.Quantity,
		}
		if err := g.store.CreateOrderLineItem(ctx, line); err != nil {
			return nil, fmt.Errorf("failed to create order line item: %w", err)
		}
	}

	util.OrdersIngestedTotal.Inc()

	event := &models.OrderReceivedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeOrderReceived,
			Timestamp: time.Now(),
		},
		OrderID:       order.ID,
		ExternalID:    order.ExternalID,
		TenantID:      caller.TenantID,
		Source:        order.Source,
		CorrelationID: payload.EventID,
	}
	if err := g.queue.PublishOrderReceived(ctx, event); err != nil {
		return nil, fmt.Errorf("failed to hand off order %d: %w", order.ID, err)
	}

	g.markProcessed(ctx, payload.EventID)

	g.logger.Info("Order ingested",
		zap.Int64("order_id", order.ID),
		zap.String("external_order_id", payload.OrderID),
		zap.String("source", payload.Source),
		zap.String("event_id", payload.EventID))
	return &IngestResult{OrderID: order.ID}, nil
}

func (g *WebhookGateway) verifySignature(signature string, body []byte) error {
	expected, err := hex.DecodeString(signature)
	if err != nil {
		return models.ErrInvalidSignature
	}

	mac := hmac.New(sha256.New, g.secret)
	mac.Write(body)
	if !hmac.Equal(mac.Sum(nil), expected) {
		return models.ErrInvalidSignature
	}
	return nil
}

// seen consults the Redis TTL key first and falls back to the durable
// processed_events table when Redis is unavailable.
func (g *WebhookGateway) seen(ctx context.Context, eventID string) (bool, error) {
	if g.events != nil {
		seen, err := g.events.SeenEvent(ctx, eventID)
		if err == nil {
			return seen, nil
		}
		g.logger.Warn("Idempotency cache unavailable, falling back to store", zap.Error(err))
	}
	return g.store.IsEventProcessed(ctx, eventID)
}

func (g *WebhookGateway) markProcessed(ctx context.Context, eventID string) {
	if g.events != nil {
		if err := g.events.MarkEvent(ctx, eventID, g.ttl); err != nil {
			g.logger.Warn("Failed to record idempotency key", zap.Error(err))
		}
	}
	if err := g.store.MarkEventProcessed(ctx, eventID, models.EventTypeOrderReceived); err != nil {
		g.logger.Warn("Failed to record processed event", zap.Error(err))
	}
}
