package service

import (
	"context"
	"fmt"
	"time"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CatalogStore resolves variant and location identities, a read-only
// collaborator.
type CatalogStore interface {
	GetVariantByID(ctx context.Context, id int64) (*models.Variant, error)
	GetLocationByID(ctx context.Context, id int64) (*models.Location, error)
}

// SyncClient is the external POS surface the orchestrator drives.
type SyncClient interface {
	SyncInventory(ctx context.Context, updates []InventoryUpdate) (*SyncResult, error)
	SubmitPrintJob(ctx context.Context, receipt *PrintReceipt) (*PrintJob, error)
}

// EventSink receives stage transition broadcasts.
type EventSink interface {
	PublishStage(ctx context.Context, event *models.StageEvent)
}

// Orchestrator drives an order through received → validated → synced →
// printed → complete. It owns the retry policy: transient failures are
// retried with linear backoff up to MaxAttempts per stage, then the order
// fails and its reservations are released. The ledger and reservation
// manager never retry on their own.
type Orchestrator struct {
	orders       OrderStore
	catalog      CatalogStore
	inventory    InventoryStore
	reservations *ReservationManager
	buffers      *BufferEngine
	sync         SyncClient
	events       EventSink

	maxAttempts    int
	baseDelay      time.Duration
	reservationTTL time.Duration
	logger         *zap.Logger
}

// NewOrchestrator creates a new order pipeline orchestrator
func NewOrchestrator(
	orders OrderStore,
	catalog CatalogStore,
	inventory InventoryStore,
	reservations *ReservationManager,
	buffers *BufferEngine,
	sync SyncClient,
	events EventSink,
	maxAttempts int,
	baseDelay time.Duration,
	reservationTTL time.Duration,
) *Orchestrator {
	return &Orchestrator{
		orders:         orders,
		catalog:        catalog,
		inventory:      inventory,
		reservations:   reservations,
		buffers:        buffers,
		sync:           sync,
		events:         events,
		maxAttempts:    maxAttempts,
		baseDelay:      baseDelay,
		reservationTTL: reservationTTL,
		logger:         util.GetLogger(),
	}
}

// Process runs an order's remaining stages sequentially. Safe to call on a
// resumed order; it picks up from the persisted stage.
func (o *Orchestrator) Process(ctx context.Context, caller models.Caller, orderID int64) error {
	ctx, span := util.StartSpan(ctx, "Orchestrator.Process")
	defer span.End()

	for {
		order, err := o.orders.GetOrderByID(ctx, orderID)
		if err != nil {
			return err
		}
		if models.IsTerminalStage(order.Stage) {
			return nil
		}

		switch order.Stage {
		case models.StageReceived:
			err = o.runStage(ctx, caller, order, models.StageValidated, o.stageValidate)
		case models.StageValidated:
			err = o.runStage(ctx, caller, order, models.StageSynced, o.stageSync)
		case models.StageSynced:
			err = o.runStage(ctx, caller, order, models.StagePrinted, o.stagePrint)
		case models.StagePrinted:
			err = o.runStage(ctx, caller, order, models.StageComplete, nil)
		default:
			return fmt.Errorf("order %d in unknown stage %q", orderID, order.Stage)
		}
		if err != nil {
			return err
		}
	}
}

type stageFunc func(ctx context.Context, caller models.Caller, order *models.Order) error

// runStage attempts one transition with the retry policy. A nil fn is a pure
// transition.
func (o *Orchestrator) runStage(ctx context.Context, caller models.Caller, order *models.Order, target string, fn stageFunc) error {
	for attempt := 1; ; attempt++ {
		var err error
		if fn != nil {
			err = fn(ctx, caller, order)
		}
		if err == nil {
			return o.transition(ctx, order, target, attempt, "")
		}

		o.logger.Warn("Stage attempt failed",
			zap.Int64("order_id", order.ID),
			zap.String("stage", order.Stage),
			zap.Int("attempt", attempt),
			zap.Error(err))

		if !models.IsRetryable(err) || attempt >= o.maxAttempts {
			return o.fail(ctx, caller, order, attempt, err)
		}

		if err := o.backoff(ctx, order.ID, attempt); err != nil {
			return err
		}

		// An operator may have cancelled while we were waiting.
		current, err := o.orders.GetOrderByID(ctx, order.ID)
		if err != nil {
			return err
		}
		if models.IsTerminalStage(current.Stage) {
			return nil
		}
	}
}

// backoff waits baseDelay × attempt, honoring cancellation.
func (o *Orchestrator) backoff(ctx context.Context, orderID int64, attempt int) error {
	delay := o.baseDelay * time.Duration(attempt)
	o.logger.Info("Rescheduling stage attempt",
		zap.Int64("order_id", orderID),
		zap.Int("attempt", attempt),
		zap.Duration("delay", delay))

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// transition moves the order to the next stage with a compare-and-swap on the
// current stage. A lost swap means something else (an operator cancel) changed
// the order while the stage function was in flight; the result is discarded
// and the Process loop re-reads the persisted stage.
func (o *Orchestrator) transition(ctx context.Context, order *models.Order, stage string, attempt int, lastError string) error {
	won, err := o.orders.TransitionOrderStage(ctx, order.ID, order.Stage, stage, attempt, lastError)
	if err != nil {
		return fmt.Errorf("failed to update order stage: %w", err)
	}
	if !won {
		o.logger.Warn("Stage transition lost, order changed underneath the pipeline",
			zap.Int64("order_id", order.ID),
			zap.String("from", order.Stage),
			zap.String("to", stage))
		return nil
	}
	order.Stage = stage
	order.AttemptCount = attempt

	util.StageTransitionsTotal.WithLabelValues(stage).Inc()
	o.broadcast(ctx, order, stage, attempt, nil)

	o.logger.Info("Order stage transition",
		zap.Int64("order_id", order.ID),
		zap.String("stage", stage),
		zap.Int("attempt_count", attempt))
	return nil
}

// fail moves the order to the failed terminal stage, releases its holds and
// broadcasts for manual intervention. The stage write is a compare-and-swap:
// if a cancel got there first, its compensation already ran and the failure
// is swallowed.
func (o *Orchestrator) fail(ctx context.Context, caller models.Caller, order *models.Order, attempt int, cause error) error {
	won, err := o.orders.TransitionOrderStage(ctx, order.ID, order.Stage, models.StageFailed, attempt, cause.Error())
	if err != nil {
		o.logger.Error("Failed to mark order failed", zap.Int64("order_id", order.ID), zap.Error(err))
	}
	if err == nil && !won {
		o.logger.Info("Order changed before failure could be recorded, dropping",
			zap.Int64("order_id", order.ID),
			zap.String("stage", order.Stage),
			zap.Error(cause))
		return nil
	}

	if err := o.reservations.ReleaseOrder(ctx, caller, order.ID); err != nil {
		o.logger.Error("Failed to release reservations for failed order",
			zap.Int64("order_id", order.ID), zap.Error(err))
	}

	util.OrdersFailedTotal.WithLabelValues(order.Stage).Inc()
	o.broadcast(ctx, order, models.StageFailed, attempt, map[string]any{"error": cause.Error()})

	o.logger.Error("Order failed",
		zap.Int64("order_id", order.ID),
		zap.String("failed_at_stage", order.Stage),
		zap.Int("attempts", attempt),
		zap.Error(cause))
	return cause
}

// Cancel stops an order by operator action: no further attempts are
// scheduled, active reservations are released and a cancelled event goes out.
// Terminal orders cannot be cancelled; cancelling twice is a no-op. The stage
// write is a compare-and-swap so a cancel racing an in-flight stage can never
// be overwritten; if the pipeline advances first the cancel retries from the
// new stage.
func (o *Orchestrator) Cancel(ctx context.Context, caller models.Caller, orderID int64) error {
	var order *models.Order
	for {
		var err error
		order, err = o.orders.GetOrderByID(ctx, orderID)
		if err != nil {
			return err
		}
		if order.Stage == models.StageCancelled {
			return nil
		}
		if models.IsTerminalStage(order.Stage) {
			return fmt.Errorf("order %d is already %s", orderID, order.Stage)
		}

		won, err := o.orders.TransitionOrderStage(ctx, orderID, order.Stage, models.StageCancelled, order.AttemptCount, "")
		if err != nil {
			return fmt.Errorf("failed to cancel order: %w", err)
		}
		if won {
			break
		}
	}

	if err := o.reservations.ReleaseOrder(ctx, caller, orderID); err != nil {
		return fmt.Errorf("failed to release reservations on cancel: %w", err)
	}

	util.OrdersCancelledTotal.Inc()
	o.broadcast(ctx, order, models.StageCancelled, order.AttemptCount, map[string]any{"actor": caller.ActorID})

	o.logger.Info("Order cancelled",
		zap.Int64("order_id", orderID),
		zap.String("actor_id", caller.ActorID))
	return nil
}

// stageValidate reserves stock for every line item. Any line that cannot be
// reserved rolls back the lines reserved earlier in the same attempt (the
// reservation manager is all-or-nothing per call).
func (o *Orchestrator) stageValidate(ctx context.Context, caller models.Caller, order *models.Order) error {
	items, err := o.orders.GetOrderLineItems(ctx, order.ID)
	if err != nil {
		return err
	}

	lines := make([]ReserveLine, 0, len(items))
	for _, item := range items {
		ats, err := o.buffers.AvailableToSell(ctx, item.VariantID, order.Source)
		if err != nil {
			return err
		}
		if ats < item.Quantity {
			return &models.InsufficientInventoryError{
				VariantID: item.VariantID,
				Requested: item.Quantity,
				Available: ats,
			}
		}

		locationID, err := o.pickLocation(ctx, item.VariantID, item.Quantity)
		if err != nil {
			return err
		}
		lines = append(lines, ReserveLine{
			VariantID:  item.VariantID,
			LocationID: locationID,
			Quantity:   item.Quantity,
		})
	}

	_, err = o.reservations.Reserve(ctx, caller, order.ID, lines, o.reservationTTL)
	return err
}

// pickLocation chooses the stock-holding location for a line: the one with
// the most headroom after safety stock that can cover the full quantity.
func (o *Orchestrator) pickLocation(ctx context.Context, variantID int64, quantity int) (int64, error) {
	items, err := o.inventory.ListInventoryByVariant(ctx, variantID)
	if err != nil {
		return 0, err
	}

	best := int64(0)
	bestHeadroom := 0
	for i := range items {
		headroom := items[i].Available() - items[i].SafetyStock
		if headroom >= quantity && headroom > bestHeadroom {
			best = items[i].LocationID
			bestHeadroom = headroom
		}
	}
	if best == 0 {
		return 0, &models.InsufficientInventoryError{
			VariantID: variantID,
			Requested: quantity,
		}
	}
	return best, nil
}

// stageSync pushes decrement deltas to the external POS and, on success,
// marks the order's reservations fulfilled.
func (o *Orchestrator) stageSync(ctx context.Context, caller models.Caller, order *models.Order) error {
	reservations, err := o.reservations.ActiveReservations(ctx, order.ID)
	if err != nil {
		return err
	}
	if len(reservations) == 0 {
		return &models.ReservationExpiredError{OrderID: order.ID}
	}

	updates := make([]InventoryUpdate, 0, len(reservations))
	for i := range reservations {
		r := &reservations[i]
		variant, err := o.catalog.GetVariantByID(ctx, r.VariantID)
		if err != nil {
			return err
		}
		updates = append(updates, InventoryUpdate{
			SKU:       variant.SKU,
			Operation: OperationDecrement,
			Quantity:  r.Quantity,
			Reason:    "order_fulfillment",
			Reference: fmt.Sprintf("order-%d:%s", order.ID, r.ID),
		})
	}

	if _, err := o.sync.SyncInventory(ctx, updates); err != nil {
		return err
	}

	return o.reservations.FulfillOrder(ctx, caller, order.ID)
}

// stagePrint submits the pick/pack receipt. Acceptance is success; printing
// completion arrives asynchronously and never blocks the pipeline.
func (o *Orchestrator) stagePrint(ctx context.Context, caller models.Caller, order *models.Order) error {
	reservations, err := o.reservations.ReservationsForOrder(ctx, order.ID)
	if err != nil {
		return err
	}

	receipt := &PrintReceipt{
		OrderID:  order.ExternalID,
		Template: "pick_pack",
	}
	for i := range reservations {
		r := &reservations[i]
		if r.Status != models.ReservationStatusFulfilled {
			continue
		}

		variant, err := o.catalog.GetVariantByID(ctx, r.VariantID)
		if err != nil {
			return err
		}
		location, err := o.catalog.GetLocationByID(ctx, r.LocationID)
		if err != nil {
			return err
		}

		receipt.Items = append(receipt.Items, PrintItem{
			SKU:      variant.SKU,
			Title:    variant.Title,
			Quantity: r.Quantity,
			Location: location.Name,
		})
		receipt.PickingInstructions = append(receipt.PickingInstructions,
			fmt.Sprintf("Pick %d x %s from %s", r.Quantity, variant.SKU, location.Name))
	}

	_, err = o.sync.SubmitPrintJob(ctx, receipt)
	return err
}

func (o *Orchestrator) broadcast(ctx context.Context, order *models.Order, stage string, attempt int, data map[string]any) {
	if o.events == nil {
		return
	}

	eventType := models.EventTypeStageChanged
	switch stage {
	case models.StageFailed:
		eventType = models.EventTypeOrderFailed
	case models.StageCancelled:
		eventType = models.EventTypeOrderCancelled
	}

	o.events.PublishStage(ctx, &models.StageEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: eventType,
			Timestamp: time.Now(),
		},
		OrderID:      order.ID,
		Stage:        stage,
		AttemptCount: attempt,
		Data:         data,
	})
}
