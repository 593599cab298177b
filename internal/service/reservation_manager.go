package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ReservationStore is the persistence surface for reservation rows.
type ReservationStore interface {
	CreateReservation(ctx context.Context, r *models.Reservation) error
	GetReservation(ctx context.Context, id string) (*models.Reservation, error)
	TransitionReservation(ctx context.Context, id, from, to string) (bool, error)
	ListActiveReservationsByOrder(ctx context.Context, orderID int64) ([]models.Reservation, error)
	ListReservationsByOrder(ctx context.Context, orderID int64) ([]models.Reservation, error)
	ListExpiredActiveReservations(ctx context.Context, now time.Time, limit int) ([]models.Reservation, error)
}

// ReserveLine is one hold request within a reservation attempt.
type ReserveLine struct {
	VariantID  int64
	LocationID int64
	Quantity   int
}

// ReserveResult is the outcome for one line.
type ReserveResult struct {
	Line          ReserveLine
	ReservationID string
	Err           error
}

// ReservationManager creates, releases and expires holds against the ledger.
// The check-then-reserve sequence for a line runs atomically under the
// ledger's per-key lock, so concurrent attempts on the same key can never
// oversell.
type ReservationManager struct {
	ledger        *Ledger
	store         ReservationStore
	sweepInterval time.Duration
	sweepBatch    int
	logger        *zap.Logger
}

// NewReservationManager creates a new reservation manager
func NewReservationManager(ledger *Ledger, store ReservationStore, sweepInterval time.Duration) *ReservationManager {
	return &ReservationManager{
		ledger:        ledger,
		store:         store,
		sweepInterval: sweepInterval,
		sweepBatch:    100,
		logger:        util.GetLogger(),
	}
}

// Reserve places holds for every line, all or nothing: if any line cannot be
// reserved, lines already reserved in this call are rolled back and the
// failing line's error is returned alongside the per-line results.
func (m *ReservationManager) Reserve(ctx context.Context, caller models.Caller, orderID int64, lines []ReserveLine, ttl time.Duration) ([]ReserveResult, error) {
	ctx, span := util.StartSpan(ctx, "ReservationManager.Reserve")
	defer span.End()

	start := time.Now()
	defer func() {
		util.ReservationLatency.Observe(time.Since(start).Seconds())
	}()

	reference := fmt.Sprintf("order-%d", orderID)
	results := make([]ReserveResult, 0, len(lines))
	granted := make([]models.Reservation, 0, len(lines))

	for _, line := range lines {
		if err := m.ledger.reserve(ctx, caller, line.VariantID, line.LocationID, line.Quantity, reference); err != nil {
			var insufficient *models.InsufficientInventoryError
			if errors.As(err, &insufficient) {
				util.ReservationsFailedTotal.WithLabelValues("insufficient_stock").Inc()
			} else {
				util.ReservationsFailedTotal.WithLabelValues("error").Inc()
			}

			m.rollback(ctx, caller, granted)
			results = append(results, ReserveResult{Line: line, Err: err})
			return results, err
		}

		reservation := models.Reservation{
			ID:         uuid.New().String(),
			VariantID:  line.VariantID,
			LocationID: line.LocationID,
			OrderID:    orderID,
			Quantity:   line.Quantity,
			Status:     models.ReservationStatusActive,
			ExpiresAt:  time.Now().Add(ttl),
		}
		if err := m.store.CreateReservation(ctx, &reservation); err != nil {
			// The hold is already on the ledger; undo it before bailing.
			if relErr := m.ledger.release(ctx, caller, line.VariantID, line.LocationID, line.Quantity, reference); relErr != nil {
				m.logger.Error("Failed to undo ledger hold after reservation write failure",
					zap.Int64("order_id", orderID), zap.Error(relErr))
			}
			m.rollback(ctx, caller, granted)
			results = append(results, ReserveResult{Line: line, Err: err})
			return results, fmt.Errorf("failed to persist reservation: %w", err)
		}

		util.ReservationsGrantedTotal.Inc()
		granted = append(granted, reservation)
		results = append(results, ReserveResult{Line: line, ReservationID: reservation.ID})
	}

	return results, nil
}

// rollback compensates reservations granted earlier in a failed attempt.
func (m *ReservationManager) rollback(ctx context.Context, caller models.Caller, granted []models.Reservation) {
	for i := range granted {
		if err := m.Release(ctx, caller, granted[i].ID); err != nil {
			m.logger.Error("Failed to roll back reservation",
				zap.String("reservation_id", granted[i].ID),
				zap.Error(err))
		}
	}
}

// Release returns a reservation's quantity to the ledger. Idempotent:
// releasing a reservation that is already released, fulfilled or expired is a
// no-op.
func (m *ReservationManager) Release(ctx context.Context, caller models.Caller, reservationID string) error {
	return m.releaseAs(ctx, caller, reservationID, models.ReservationStatusReleased)
}

func (m *ReservationManager) releaseAs(ctx context.Context, caller models.Caller, reservationID, status string) error {
	reservation, err := m.store.GetReservation(ctx, reservationID)
	if err != nil {
		return err
	}
	if !reservation.IsActive() {
		return nil
	}

	// The status transition decides the race against the sweeper and
	// concurrent releases; only the winner touches the ledger.
	won, err := m.store.TransitionReservation(ctx, reservationID, models.ReservationStatusActive, status)
	if err != nil {
		return err
	}
	if !won {
		return nil
	}

	reference := fmt.Sprintf("order-%d", reservation.OrderID)
	return m.ledger.release(ctx, caller, reservation.VariantID, reservation.LocationID, reservation.Quantity, reference)
}

// FulfillOrder consumes every active reservation for an order after the
// external sync succeeded: stock leaves on_hand and the holds are marked
// fulfilled.
func (m *ReservationManager) FulfillOrder(ctx context.Context, caller models.Caller, orderID int64) error {
	reservations, err := m.store.ListActiveReservationsByOrder(ctx, orderID)
	if err != nil {
		return err
	}

	reference := fmt.Sprintf("order-%d", orderID)
	for i := range reservations {
		r := &reservations[i]
		won, err := m.store.TransitionReservation(ctx, r.ID, models.ReservationStatusActive, models.ReservationStatusFulfilled)
		if err != nil {
			return err
		}
		if !won {
			// Sweeper got there first; the hold is gone and the stock was
			// already returned.
			m.logger.Warn("Reservation expired before fulfillment",
				zap.String("reservation_id", r.ID),
				zap.Int64("order_id", orderID))
			continue
		}

		if err := m.ledger.fulfill(ctx, caller, r.VariantID, r.LocationID, r.Quantity, reference); err != nil {
			return err
		}
	}
	return nil
}

// ActiveReservations lists the active holds for an order.
func (m *ReservationManager) ActiveReservations(ctx context.Context, orderID int64) ([]models.Reservation, error) {
	return m.store.ListActiveReservationsByOrder(ctx, orderID)
}

// ReservationsForOrder lists every reservation for an order regardless of
// status, used when building pick lists after fulfillment.
func (m *ReservationManager) ReservationsForOrder(ctx context.Context, orderID int64) ([]models.Reservation, error) {
	return m.store.ListReservationsByOrder(ctx, orderID)
}

// ReleaseOrder releases every active reservation for an order, the
// compensation path on pipeline failure or cancellation.
func (m *ReservationManager) ReleaseOrder(ctx context.Context, caller models.Caller, orderID int64) error {
	reservations, err := m.store.ListActiveReservationsByOrder(ctx, orderID)
	if err != nil {
		return err
	}

	for i := range reservations {
		if err := m.Release(ctx, caller, reservations[i].ID); err != nil {
			return err
		}
	}
	return nil
}

// StartSweeper runs the expiry sweep until the context is cancelled. The
// sweep releases active reservations past their TTL exactly like an explicit
// release; this is what prevents abandoned orders from locking up stock.
func (m *ReservationManager) StartSweeper(ctx context.Context) {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	m.logger.Info("Reservation sweeper started", zap.Duration("interval", m.sweepInterval))
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Reservation sweeper stopped")
			return
		case <-ticker.C:
			if err := m.SweepExpired(ctx); err != nil {
				m.logger.Error("Reservation sweep failed", zap.Error(err))
			}
		}
	}
}

// SweepExpired releases one batch of expired reservations.
func (m *ReservationManager) SweepExpired(ctx context.Context) error {
	expired, err := m.store.ListExpiredActiveReservations(ctx, time.Now(), m.sweepBatch)
	if err != nil {
		return err
	}

	for i := range expired {
		r := &expired[i]
		caller := models.Caller{
			TenantID:      "system",
			ActorID:       "reservation-sweeper",
			CorrelationID: r.ID,
		}
		if err := m.releaseAs(ctx, caller, r.ID, models.ReservationStatusExpired); err != nil {
			m.logger.Error("Failed to expire reservation",
				zap.String("reservation_id", r.ID),
				zap.Error(err))
			continue
		}

		util.ReservationsExpiredTotal.Inc()
		m.logger.Info("Reservation expired",
			zap.String("reservation_id", r.ID),
			zap.Int64("order_id", r.OrderID),
			zap.Int("quantity", r.Quantity))
	}
	return nil
}
