package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// InventoryStore is the persistence surface the ledger writes through. The
// store is the system of record; the ledger only adds per-key serialization
// and invariant enforcement on top.
type InventoryStore interface {
	GetInventoryItem(ctx context.Context, variantID, locationID int64) (*models.InventoryItem, error)
	ListInventoryByVariant(ctx context.Context, variantID int64) ([]models.InventoryItem, error)
	UpsertInventoryCounts(ctx context.Context, variantID, locationID int64, onHand, reserved int) error
	AppendMovement(ctx context.Context, m *models.StockMovement) error
}

// Ledger owns the on-hand/reserved counters per (variant, location). All
// mutations run under a per-key mutex so check-then-write sequences against
// the same key are strictly serialized while distinct keys never contend.
// Every mutation appends exactly one StockMovement.
type Ledger struct {
	store                   InventoryStore
	allowNegativeAdjustment bool
	logger                  *zap.Logger

	mu   sync.Mutex
	keys map[string]*sync.Mutex
}

// NewLedger creates a new inventory ledger
func NewLedger(store InventoryStore, allowNegativeAdjustment bool) *Ledger {
	return &Ledger{
		store:                   store,
		allowNegativeAdjustment: allowNegativeAdjustment,
		logger:                  util.GetLogger(),
		keys:                    make(map[string]*sync.Mutex),
	}
}

func (l *Ledger) lockKey(variantID, locationID int64) func() {
	key := fmt.Sprintf("%d:%d", variantID, locationID)

	l.mu.Lock()
	km, ok := l.keys[key]
	if !ok {
		km = &sync.Mutex{}
		l.keys[key] = km
	}
	l.mu.Unlock()

	km.Lock()
	return km.Unlock
}

// Get retrieves current counters for a (variant, location) pair.
func (l *Ledger) Get(ctx context.Context, variantID, locationID int64) (*models.InventoryItem, error) {
	return l.store.GetInventoryItem(ctx, variantID, locationID)
}

// Adjust is the only primitive that changes on_hand. A negative result fails
// with NegativeStockError unless the reason is "adjustment" and the negative
// policy is enabled.
func (l *Ledger) Adjust(ctx context.Context, caller models.Caller, variantID, locationID int64, delta int, reason, reference string) (*models.StockMovement, error) {
	ctx, span := util.StartSpan(ctx, "Ledger.Adjust")
	defer span.End()

	unlock := l.lockKey(variantID, locationID)
	defer unlock()

	onHand, reserved := 0, 0
	item, err := l.store.GetInventoryItem(ctx, variantID, locationID)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return nil, err
	}
	if item != nil {
		onHand, reserved = item.OnHand, item.Reserved
	}

	newOnHand := onHand + delta
	allowNegative := reason == models.ReasonAdjustment && l.allowNegativeAdjustment
	if !allowNegative && (newOnHand < 0 || newOnHand < reserved) {
		return nil, &models.NegativeStockError{
			VariantID:  variantID,
			LocationID: locationID,
			OnHand:     onHand,
			Delta:      delta,
		}
	}

	if err := l.store.UpsertInventoryCounts(ctx, variantID, locationID, newOnHand, reserved); err != nil {
		return nil, fmt.Errorf("failed to write inventory counts: %w", err)
	}

	movement, err := l.appendMovement(ctx, caller, variantID, locationID, delta, reason, reference)
	if err != nil {
		return nil, err
	}

	l.logger.Info("Stock adjusted",
		zap.Int64("variant_id", variantID),
		zap.Int64("location_id", locationID),
		zap.Int("delta", delta),
		zap.String("reason", reason))
	return movement, nil
}

// reserve moves quantity from available into reserved after verifying it fits.
// Callers outside the reservation manager must not use this directly.
func (l *Ledger) reserve(ctx context.Context, caller models.Caller, variantID, locationID int64, quantity int, reference string) error {
	unlock := l.lockKey(variantID, locationID)
	defer unlock()

	item, err := l.store.GetInventoryItem(ctx, variantID, locationID)
	if errors.Is(err, models.ErrNotFound) {
		return &models.InsufficientInventoryError{
			VariantID:  variantID,
			LocationID: locationID,
			Requested:  quantity,
			Available:  0,
		}
	}
	if err != nil {
		return err
	}

	if quantity > item.Available() {
		return &models.InsufficientInventoryError{
			VariantID:  variantID,
			LocationID: locationID,
			Requested:  quantity,
			Available:  item.Available(),
		}
	}

	if err := l.store.UpsertInventoryCounts(ctx, variantID, locationID, item.OnHand, item.Reserved+quantity); err != nil {
		return fmt.Errorf("failed to write inventory counts: %w", err)
	}

	_, err = l.appendMovement(ctx, caller, variantID, locationID, quantity, models.ReasonReserve, reference)
	return err
}

// release returns reserved quantity to available.
func (l *Ledger) release(ctx context.Context, caller models.Caller, variantID, locationID int64, quantity int, reference string) error {
	unlock := l.lockKey(variantID, locationID)
	defer unlock()

	item, err := l.store.GetInventoryItem(ctx, variantID, locationID)
	if err != nil {
		return err
	}

	if quantity > item.Reserved {
		l.logger.Warn("Release exceeds reserved count, clamping",
			zap.Int64("variant_id", variantID),
			zap.Int64("location_id", locationID),
			zap.Int("quantity", quantity),
			zap.Int("reserved", item.Reserved))
		quantity = item.Reserved
	}

	if err := l.store.UpsertInventoryCounts(ctx, variantID, locationID, item.OnHand, item.Reserved-quantity); err != nil {
		return fmt.Errorf("failed to write inventory counts: %w", err)
	}

	_, err = l.appendMovement(ctx, caller, variantID, locationID, -quantity, models.ReasonRelease, reference)
	return err
}

// fulfill consumes a reservation: stock leaves the building, so on_hand and
// reserved drop together and available is unchanged.
func (l *Ledger) fulfill(ctx context.Context, caller models.Caller, variantID, locationID int64, quantity int, reference string) error {
	unlock := l.lockKey(variantID, locationID)
	defer unlock()

	item, err := l.store.GetInventoryItem(ctx, variantID, locationID)
	if err != nil {
		return err
	}

	if quantity > item.Reserved || quantity > item.OnHand {
		return fmt.Errorf("fulfill %d exceeds counters for variant %d at location %d (on_hand %d, reserved %d)",
			quantity, variantID, locationID, item.OnHand, item.Reserved)
	}

	if err := l.store.UpsertInventoryCounts(ctx, variantID, locationID, item.OnHand-quantity, item.Reserved-quantity); err != nil {
		return fmt.Errorf("failed to write inventory counts: %w", err)
	}

	_, err = l.appendMovement(ctx, caller, variantID, locationID, -quantity, models.ReasonFulfillment, reference)
	return err
}

func (l *Ledger) appendMovement(ctx context.Context, caller models.Caller, variantID, locationID int64, delta int, reason, reference string) (*models.StockMovement, error) {
	movement := &models.StockMovement{
		ID:         uuid.New().String(),
		TenantID:   caller.TenantID,
		ActorID:    caller.ActorID,
		VariantID:  variantID,
		LocationID: locationID,
		Delta:      delta,
		Reason:     reason,
		Reference:  reference,
	}

	if err := l.store.AppendMovement(ctx, movement); err != nil {
		return nil, fmt.Errorf("failed to append stock movement: %w", err)
	}
	return movement, nil
}
