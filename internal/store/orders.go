package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"fulfillment-service/internal/models"
)

// CreateOrder creates a new order
func (s *Store) CreateOrder(ctx context.Context, order *models.Order) error {
	query := `
		INSERT INTO orders (external_id, tenant_id, source, stage, attempt_count, last_error)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at, updated_at`

	return s.db.GetContext(ctx, order, query,
		order.ExternalID, order.TenantID, order.Source, order.Stage, order.AttemptCount, order.LastError)
}

// GetOrderByID retrieves an order by ID
func (s *Store) GetOrderByID(ctx context.Context, id int64) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT * FROM orders WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("order %d: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrderByExternalID retrieves an order by the external system's order id.
// Returns (nil, nil) when no order exists, matching the duplicate check in
// the webhook gateway.
func (s *Store) GetOrderByExternalID(ctx context.Context, externalID string) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT * FROM orders WHERE external_id = $1", externalID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// TransitionOrderStage moves an order from one stage to another and reports
// whether this call won the transition. A false return means the stage changed
// underneath the caller, most often an operator cancel landing while a stage
// was in flight; the loser must not overwrite it.
func (s *Store) TransitionOrderStage(ctx context.Context, orderID int64, from, to string, attemptCount int, lastError string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE orders SET stage = $1, attempt_count = $2, last_error = $3, updated_at = NOW() WHERE id = $4 AND stage = $5",
		to, attemptCount, lastError, orderID, from)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// CreateOrderLineItem creates a new order line item
func (s *Store) CreateOrderLineItem(ctx context.Context, item *models.OrderLineItem) error {
	query := `
		INSERT INTO order_line_items (order_id, variant_id, quantity)
		VALUES ($1, $2, $3)
		RETURNING id`

	return s.db.GetContext(ctx, &item.ID, query,
		item.OrderID, item.VariantID, item.Quantity)
}

// GetOrderLineItems retrieves all line items for an order
func (s *Store) GetOrderLineItems(ctx context.Context, orderID int64) ([]models.OrderLineItem, error) {
	var items []models.OrderLineItem
	err := s.db.SelectContext(ctx, &items,
		"SELECT * FROM order_line_items WHERE order_id = $1 ORDER BY id", orderID)
	return items, err
}

// IsEventProcessed checks if a webhook event has been processed
func (s *Store) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		"SELECT EXISTS(SELECT 1 FROM processed_events WHERE event_id = $1)", eventID)
	return exists, err
}

// MarkEventProcessed marks a webhook event as processed
func (s *Store) MarkEventProcessed(ctx context.Context, eventID, eventType string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO processed_events (event_id, event_type) VALUES ($1, $2) ON CONFLICT (event_id) DO NOTHING",
		eventID, eventType)
	return err
}
