package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"fulfillment-service/internal/models"
)

// GetInventoryItem retrieves stock counts for a (variant, location) pair.
func (s *Store) GetInventoryItem(ctx context.Context, variantID, locationID int64) (*models.InventoryItem, error) {
	var item models.InventoryItem
	err := s.db.GetContext(ctx, &item,
		"SELECT * FROM inventory_items WHERE variant_id = $1 AND location_id = $2",
		variantID, locationID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("inventory for variant %d at location %d: %w", variantID, locationID, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// ListInventoryByVariant retrieves stock at every location holding the variant.
func (s *Store) ListInventoryByVariant(ctx context.Context, variantID int64) ([]models.InventoryItem, error) {
	var items []models.InventoryItem
	err := s.db.SelectContext(ctx, &items,
		"SELECT * FROM inventory_items WHERE variant_id = $1 ORDER BY location_id", variantID)
	return items, err
}

// UpsertInventoryCounts writes on_hand/reserved for a key, creating the row if
// it does not exist yet. Callers serialize per key; this is a plain write.
func (s *Store) UpsertInventoryCounts(ctx context.Context, variantID, locationID int64, onHand, reserved int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO inventory_items (variant_id, location_id, on_hand, reserved, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (variant_id, location_id)
		DO UPDATE SET on_hand = $3, reserved = $4, updated_at = NOW()`,
		variantID, locationID, onHand, reserved)
	return err
}

// AppendMovement appends one audit record. Movements are never updated or
// deleted.
func (s *Store) AppendMovement(ctx context.Context, m *models.StockMovement) error {
	query := `
		INSERT INTO stock_movements (id, tenant_id, actor_id, variant_id, location_id, delta, reason, reference)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at`

	return s.db.GetContext(ctx, &m.CreatedAt, query,
		m.ID, m.TenantID, m.ActorID, m.VariantID, m.LocationID, m.Delta, m.Reason, m.Reference)
}

// SalesRate returns units fulfilled per day for a variant on a channel-neutral
// basis over the given window, derived from fulfillment movements.
func (s *Store) SalesRate(ctx context.Context, variantID int64, window time.Duration) (float64, error) {
	var units sql.NullInt64
	err := s.db.GetContext(ctx, &units, `
		SELECT SUM(-delta) FROM stock_movements
		WHERE variant_id = $1 AND reason = $2 AND created_at >= $3`,
		variantID, models.ReasonFulfillment, time.Now().Add(-window))
	if err != nil {
		return 0, err
	}

	days := window.Hours() / 24
	if days <= 0 {
		days = 1
	}
	return float64(units.Int64) / days, nil
}

// GetBufferRule resolves the most specific rule for a variant/channel pair:
// a variant-scoped rule wins over the all-variants rule.
func (s *Store) GetBufferRule(ctx context.Context, variantID int64, channel string) (*models.ChannelBufferRule, error) {
	var rule models.ChannelBufferRule
	err := s.db.GetContext(ctx, &rule, `
		SELECT * FROM channel_buffer_rules
		WHERE channel = $1 AND (variant_id = $2 OR variant_id IS NULL)
		ORDER BY variant_id NULLS LAST
		LIMIT 1`,
		channel, variantID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("buffer rule for channel %s: %w", channel, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &rule, nil
}

// CreateBufferRule validates and persists a rule. Rules are administered
// outside the pipeline and read-only at execution time.
func (s *Store) CreateBufferRule(ctx context.Context, rule *models.ChannelBufferRule) error {
	if err := rule.Validate(); err != nil {
		return err
	}

	query := `
		INSERT INTO channel_buffer_rules (variant_id, channel, buffer_type, value, min_value, max_value)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`

	return s.db.GetContext(ctx, &rule.ID, query,
		rule.VariantID, rule.Channel, rule.BufferType, rule.Value, rule.Min, rule.Max)
}
