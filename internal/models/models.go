package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Variant is a sellable unit. Catalog attributes beyond identity live in the
// catalog service; we only need id and sku here.
type Variant struct {
	ID        int64     `db:"id" json:"id"`
	SKU       string    `db:"sku" json:"sku"`
	Title     string    `db:"title" json:"title"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Location is a physical or virtual stock-holding place.
type Location struct {
	ID   int64  `db:"id" json:"id"`
	Name string `db:"name" json:"name"`
	Type string `db:"type" json:"type"` // warehouse, store, virtual
}

// InventoryItem tracks stock for one (variant, location) pair. Available is
// always derived from OnHand - Reserved and is never stored.
type InventoryItem struct {
	VariantID   int64     `db:"variant_id" json:"variant_id"`
	LocationID  int64     `db:"location_id" json:"location_id"`
	OnHand      int       `db:"on_hand" json:"on_hand"`
	Reserved    int       `db:"reserved" json:"reserved"`
	SafetyStock int       `db:"safety_stock" json:"safety_stock"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

// Available returns the quantity not held by active reservations.
func (i *InventoryItem) Available() int {
	return i.OnHand - i.Reserved
}

// Reservation statuses
const (
	ReservationStatusActive    = "active"
	ReservationStatusFulfilled = "fulfilled"
	ReservationStatusReleased  = "released"
	ReservationStatusExpired   = "expired"
)

// Reservation is a time-bounded hold on inventory for a specific order. Its
// quantity counts toward InventoryItem.Reserved only while status is active.
type Reservation struct {
	ID         string    `db:"id" json:"id"`
	VariantID  int64     `db:"variant_id" json:"variant_id"`
	LocationID int64     `db:"location_id" json:"location_id"`
	OrderID    int64     `db:"order_id" json:"order_id"`
	Quantity   int       `db:"quantity" json:"quantity"`
	Status     string    `db:"status" json:"status"`
	ExpiresAt  time.Time `db:"expires_at" json:"expires_at"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// IsActive reports whether the reservation still holds stock.
func (r *Reservation) IsActive() bool {
	return r.Status == ReservationStatusActive
}

// IsExpired reports whether the reservation is past its TTL.
func (r *Reservation) IsExpired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// Pipeline stages
const (
	StageReceived  = "received"
	StageValidated = "validated"
	StageSynced    = "synced"
	StagePrinted   = "printed"
	StageComplete  = "complete"
	StageFailed    = "failed"
	StageCancelled = "cancelled"
)

// IsTerminalStage reports whether no further pipeline work is scheduled for
// an order in the given stage.
func IsTerminalStage(stage string) bool {
	return stage == StageComplete || stage == StageFailed || stage == StageCancelled
}

// Order is a fulfillment order moving through the pipeline.
type Order struct {
	ID           int64     `db:"id" json:"id"`
	ExternalID   string    `db:"external_id" json:"external_id"`
	TenantID     string    `db:"tenant_id" json:"tenant_id"`
	Source       string    `db:"source" json:"source"` // sales channel: storefront, ebay, pos, ...
	Stage        string    `db:"stage" json:"stage"`
	AttemptCount int       `db:"attempt_count" json:"attempt_count"`
	LastError    string    `db:"last_error" json:"last_error,omitempty"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

// OrderLineItem is one variant/quantity pair on an order.
type OrderLineItem struct {
	ID        int64 `db:"id" json:"id"`
	OrderID   int64 `db:"order_id" json:"order_id"`
	VariantID int64 `db:"variant_id" json:"variant_id"`
	Quantity  int   `db:"quantity" json:"quantity"`
}

// Buffer rule types
const (
	BufferTypeFixed         = "fixed"
	BufferTypePercentage    = "percentage"
	BufferTypeVelocityBased = "velocity_based"
)

// ChannelBufferRule withholds slack from a sales channel. A nil VariantID
// means the rule applies to all variants; a variant-specific rule wins over
// the all-variants rule for the same channel.
type ChannelBufferRule struct {
	ID         int64           `db:"id" json:"id"`
	VariantID  *int64          `db:"variant_id" json:"variant_id,omitempty"`
	Channel    string          `db:"channel" json:"channel"`
	BufferType string          `db:"buffer_type" json:"buffer_type"`
	Value      decimal.Decimal `db:"value" json:"value"`
	Min        int             `db:"min_value" json:"min"`
	Max        int             `db:"max_value" json:"max"`
}

// Validate checks the rule at write time so the buffer engine never has to
// deal with malformed configuration at read time.
func (r *ChannelBufferRule) Validate() error {
	if r.Channel == "" {
		return fmt.Errorf("buffer rule: channel is required")
	}
	switch r.BufferType {
	case BufferTypeFixed, BufferTypePercentage, BufferTypeVelocityBased:
	default:
		return fmt.Errorf("buffer rule: unknown buffer type %q", r.BufferType)
	}
	if r.Value.IsNegative() {
		return fmt.Errorf("buffer rule: value must be non-negative")
	}
	if r.BufferType == BufferTypePercentage && r.Value.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("buffer rule: percentage value must be a fraction between 0 and 1")
	}
	if r.Min < 0 || (r.Max > 0 && r.Max < r.Min) {
		return fmt.Errorf("buffer rule: invalid min/max clamp")
	}
	return nil
}

// Stock movement reasons
const (
	ReasonReceiving   = "receiving"
	ReasonAdjustment  = "adjustment"
	ReasonReserve     = "reserve"
	ReasonRelease     = "release"
	ReasonFulfillment = "fulfillment"
)

// StockMovement is the append-only audit record behind every ledger mutation.
// Delta is the signed quantity moved; the reason says which counter it hit:
// receiving/adjustment/fulfillment move on_hand, reserve/release move
// reserved. Replaying movements by reason reconstructs both counters.
type StockMovement struct {
	ID         string    `db:"id" json:"id"`
	TenantID   string    `db:"tenant_id" json:"tenant_id"`
	ActorID    string    `db:"actor_id" json:"actor_id"`
	VariantID  int64     `db:"variant_id" json:"variant_id"`
	LocationID int64     `db:"location_id" json:"location_id"`
	Delta      int       `db:"delta" json:"delta"`
	Reason     string    `db:"reason" json:"reason"`
	Reference  string    `db:"reference" json:"reference"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// Caller identifies who is performing a mutation. Every ledger, reservation
// and orchestrator entry point takes one explicitly; there is no default
// identity.
type Caller struct {
	TenantID      string `json:"tenant_id"`
	ActorID       string `json:"actor_id"`
	CorrelationID string `json:"correlation_id"`
}

// ProcessedEvent records a webhook event id after successful hand-off, the
// durable side of the idempotency store.
type ProcessedEvent struct {
	EventID     string    `db:"event_id"`
	EventType   string    `db:"event_type"`
	ProcessedAt time.Time `db:"processed_at"`
}
