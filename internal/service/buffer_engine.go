package service

import (
	"context"
	"errors"
	"time"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/util"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// BufferRuleStore resolves configured channel buffer rules and sales history.
type BufferRuleStore interface {
	GetBufferRule(ctx context.Context, variantID int64, channel string) (*models.ChannelBufferRule, error)
	SalesRate(ctx context.Context, variantID int64, window time.Duration) (float64, error)
}

// AvailabilityCache fronts the engine for storefront-frequency reads. A nil
// cache disables caching.
type AvailabilityCache interface {
	GetChannelAvailability(ctx context.Context, variantID int64, channel string) (int, bool, error)
	SetChannelAvailability(ctx context.Context, variantID int64, channel string, available int, ttl time.Duration) error
	InvalidateChannelAvailability(ctx context.Context, variantID int64) error
}

// BufferEngine computes available-to-sell per sales channel: raw available
// minus safety stock minus the channel's configured buffer, floored at zero
// and summed over every location holding the variant. Pure read over ledger
// and rule state.
type BufferEngine struct {
	inventory      InventoryStore
	rules          BufferRuleStore
	cache          AvailabilityCache
	velocityWindow time.Duration
	cacheTTL       time.Duration
	logger         *zap.Logger
}

// NewBufferEngine creates a new channel buffer engine
func NewBufferEngine(inventory InventoryStore, rules BufferRuleStore, cache AvailabilityCache, velocityWindow, cacheTTL time.Duration) *BufferEngine {
	return &BufferEngine{
		inventory:      inventory,
		rules:          rules,
		cache:          cache,
		velocityWindow: velocityWindow,
		cacheTTL:       cacheTTL,
		logger:         util.GetLogger(),
	}
}

// AvailableToSell returns the quantity the channel may still sell for a
// variant, aggregated across locations.
func (e *BufferEngine) AvailableToSell(ctx context.Context, variantID int64, channel string) (int, error) {
	ctx, span := util.StartSpan(ctx, "BufferEngine.AvailableToSell")
	defer span.End()

	if e.cache != nil {
		if cached, ok, err := e.cache.GetChannelAvailability(ctx, variantID, channel); err == nil && ok {
			return cached, nil
		} else if err != nil {
			e.logger.Warn("Availability cache read failed", zap.Error(err))
		}
	}

	items, err := e.inventory.ListInventoryByVariant(ctx, variantID)
	if err != nil {
		return 0, err
	}

	rule, err := e.rules.GetBufferRule(ctx, variantID, channel)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return 0, err
	}

	total := 0
	for i := range items {
		avail := items[i].Available() - items[i].SafetyStock
		if avail <= 0 {
			continue
		}

		buffer, err := e.bufferFor(ctx, rule, variantID, avail)
		if err != nil {
			return 0, err
		}

		if n := avail - buffer; n > 0 {
			total += n
		}
	}

	if e.cache != nil {
		if err := e.cache.SetChannelAvailability(ctx, variantID, channel, total, e.cacheTTL); err != nil {
			e.logger.Warn("Availability cache write failed", zap.Error(err))
		}
	}

	return total, nil
}

// Invalidate drops cached figures for a variant after a ledger mutation so
// storefront reads converge before the TTL.
func (e *BufferEngine) Invalidate(ctx context.Context, variantID int64) {
	if e.cache == nil {
		return
	}
	if err := e.cache.InvalidateChannelAvailability(ctx, variantID); err != nil {
		e.logger.Warn("Availability cache invalidation failed",
			zap.Int64("variant_id", variantID),
			zap.Error(err))
	}
}

// bufferFor evaluates one rule against the post-safety-stock availability at
// a single location. A missing rule means no buffer.
func (e *BufferEngine) bufferFor(ctx context.Context, rule *models.ChannelBufferRule, variantID int64, available int) (int, error) {
	if rule == nil {
		return 0, nil
	}

	switch rule.BufferType {
	case models.BufferTypeFixed:
		return int(rule.Value.IntPart()), nil

	case models.BufferTypePercentage:
		buffer := decimal.NewFromInt(int64(available)).Mul(rule.Value)
		return int(buffer.IntPart()), nil

	case models.BufferTypeVelocityBased:
		rate, err := e.rules.SalesRate(ctx, variantID, e.velocityWindow)
		if err != nil {
			return 0, err
		}
		buffer := int(decimal.NewFromFloat(rate).Mul(rule.Value).IntPart())
		if buffer < rule.Min {
			buffer = rule.Min
		}
		if rule.Max > 0 && buffer > rule.Max {
			buffer = rule.Max
		}
		return buffer, nil
	}

	// Unknown types are rejected at write time; treat as no buffer.
	return 0, nil
}
