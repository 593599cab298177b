package models

import "time"

// Event types
const (
	EventTypeOrderReceived  = "ORDER_RECEIVED"
	EventTypeStageChanged   = "STAGE_CHANGED"
	EventTypeOrderFailed    = "ORDER_FAILED"
	EventTypeOrderCancelled = "ORDER_CANCELLED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// OrderReceivedEvent hands a freshly ingested order to the pipeline workers.
type OrderReceivedEvent struct {
	BaseEvent
	OrderID       int64  `json:"order_id"`
	ExternalID    string `json:"external_id"`
	TenantID      string `json:"tenant_id"`
	Source        string `json:"source"`
	CorrelationID string `json:"correlation_id"`
}

// StageEvent is broadcast on every pipeline stage transition.
type StageEvent struct {
	BaseEvent
	OrderID      int64          `json:"order_id"`
	Stage        string         `json:"stage"`
	AttemptCount int            `json:"attempt_count"`
	Data         map[string]any `json:"data,omitempty"`
}
