package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"fulfillment-service/internal/models"
)

// CreateReservation persists a new active reservation.
func (s *Store) CreateReservation(ctx context.Context, r *models.Reservation) error {
	query := `
		INSERT INTO reservations (id, variant_id, location_id, order_id, quantity, status, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at`

	return s.db.GetContext(ctx, &r.CreatedAt, query,
		r.ID, r.VariantID, r.LocationID, r.OrderID, r.Quantity, r.Status, r.ExpiresAt)
}

// GetReservation retrieves a reservation by ID
func (s *Store) GetReservation(ctx context.Context, id string) (*models.Reservation, error) {
	var r models.Reservation
	err := s.db.GetContext(ctx, &r, "SELECT * FROM reservations WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("reservation %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// TransitionReservation moves a reservation from one status to another and
// reports whether this call won the transition. A false return means another
// path (release, sweep, fulfillment) got there first.
func (s *Store) TransitionReservation(ctx context.Context, id, from, to string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE reservations SET status = $1 WHERE id = $2 AND status = $3",
		to, id, from)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ListActiveReservationsByOrder retrieves the active holds for an order.
func (s *Store) ListActiveReservationsByOrder(ctx context.Context, orderID int64) ([]models.Reservation, error) {
	var reservations []models.Reservation
	err := s.db.SelectContext(ctx, &reservations,
		"SELECT * FROM reservations WHERE order_id = $1 AND status = $2 ORDER BY created_at",
		orderID, models.ReservationStatusActive)
	return reservations, err
}

// ListReservationsByOrder retrieves every reservation for an order,
// regardless of status.
func (s *Store) ListReservationsByOrder(ctx context.Context, orderID int64) ([]models.Reservation, error) {
	var reservations []models.Reservation
	err := s.db.SelectContext(ctx, &reservations,
		"SELECT * FROM reservations WHERE order_id = $1 ORDER BY created_at", orderID)
	return reservations, err
}

// ListExpiredActiveReservations retrieves active reservations past their TTL,
// oldest first, bounded so one sweep cannot run unbounded.
func (s *Store) ListExpiredActiveReservations(ctx context.Context, now time.Time, limit int) ([]models.Reservation, error) {
	var reservations []models.Reservation
	err := s.db.SelectContext(ctx, &reservations,
		"SELECT * FROM reservations WHERE status = $1 AND expires_at < $2 ORDER BY expires_at LIMIT $3",
		models.ReservationStatusActive, now, limit)
	return reservations, err
}
