package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"fulfillment-service/internal/models"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

type Store struct {
	db *sqlx.DB
}

// NewStore creates a new database store
func NewStore(databaseURL string) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// NewStoreWithDB wraps an existing connection, used by tests.
func NewStoreWithDB(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// GetVariantByID retrieves a variant by ID
func (s *Store) GetVariantByID(ctx context.Context, id int64) (*models.Variant, error) {
	var v models.Variant
	err := s.db.GetContext(ctx, &v, "SELECT * FROM variants WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("variant %d: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// GetVariantBySKU retrieves a variant by SKU
func (s *Store) GetVariantBySKU(ctx context.Context, sku string) (*models.Variant, error) {
	var v models.Variant
	err := s.db.GetContext(ctx, &v, "SELECT * FROM variants WHERE sku = $1", sku)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("variant %s: %w", sku, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// GetVariantsByIDs retrieves multiple variants by IDs
func (s *Store) GetVariantsByIDs(ctx context.Context, ids []int64) ([]models.Variant, error) {
	if len(ids) == 0 {
		return []models.Variant{}, nil
	}

	query, args, err := sqlx.In("SELECT * FROM variants WHERE id IN (?)", ids)
	if err != nil {
		return nil, err
	}
	query = s.db.Rebind(query)

	var variants []models.Variant
	err = s.db.SelectContext(ctx, &variants, query, args...)
	return variants, err
}

// GetLocationByID retrieves a location by ID
func (s *Store) GetLocationByID(ctx context.Context, id int64) (*models.Location, error) {
	var loc models.Location
	err := s.db.GetContext(ctx, &loc, "SELECT * FROM locations WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("location %d: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &loc, nil
}
