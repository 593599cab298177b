package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"fulfillment-service/internal/models"
)

// memStore is an in-memory implementation of the store interfaces used by
// the service tests. Mutations are mutex-guarded so concurrency tests can
// hammer it from many goroutines.
type memStore struct {
	mu           sync.Mutex
	items        map[string]models.InventoryItem
	movements    []models.StockMovement
	reservations map[string]models.Reservation
	orders       map[int64]models.Order
	lineItems    map[int64][]models.OrderLineItem
	rules        []models.ChannelBufferRule
	salesRate    float64
	processed    map[string]bool
	variants     map[int64]models.Variant
	locations    map[int64]models.Location
	nextOrderID  int64
	nextLineID   int64
}

func newMemStore() *memStore {
	return &memStore{
		items:        make(map[string]models.InventoryItem),
		reservations: make(map[string]models.Reservation),
		orders:       make(map[int64]models.Order),
		lineItems:    make(map[int64][]models.OrderLineItem),
		processed:    make(map[string]bool),
		variants:     make(map[int64]models.Variant),
		locations:    make(map[int64]models.Location),
	}
}

func invKey(variantID, locationID int64) string {
	return fmt.Sprintf("%d:%d", variantID, locationID)
}

func (s *memStore) seedInventory(variantID, locationID int64, onHand, safetyStock int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[invKey(variantID, locationID)] = models.InventoryItem{
		VariantID:   variantID,
		LocationID:  locationID,
		OnHand:      onHand,
		SafetyStock: safetyStock,
	}
}

func (s *memStore) seedVariant(id int64, sku, title string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.variants[id] = models.Variant{ID: id, SKU: sku, Title: title}
}

func (s *memStore) seedLocation(id int64, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.locations[id] = models.Location{ID: id, Name: name, Type: "warehouse"}
}

func (s *memStore) seedOrder(source string, items ...models.OrderLineItem) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextOrderID++
	id := s.nextOrderID
	s.orders[id] = models.Order{
		ID:         id,
		ExternalID: fmt.Sprintf("ext-%d", id),
		Source:     source,
		Stage:      models.StageReceived,
	}
	for _, item := range items {
		s.nextLineID++
		item.ID = s.nextLineID
		item.OrderID = id
		s.lineItems[id] = append(s.lineItems[id], item)
	}
	return id
}

// --- InventoryStore ---

func (s *memStore) GetInventoryItem(_ context.Context, variantID, locationID int64) (*models.InventoryItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[invKey(variantID, locationID)]
	if !ok {
		return nil, fmt.Errorf("inventory %d/%d: %w", variantID, locationID, models.ErrNotFound)
	}
	copied := item
	return &copied, nil
}

func (s *memStore) ListInventoryByVariant(_ context.Context, variantID int64) ([]models.InventoryItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var items []models.InventoryItem
	for _, item := range s.items {
		if item.VariantID == variantID {
			items = append(items, item)
		}
	}
	return items, nil
}

func (s *memStore) UpsertInventoryCounts(_ context.Context, variantID, locationID int64, onHand, reserved int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item := s.items[invKey(variantID, locationID)]
	item.VariantID = variantID
	item.LocationID = locationID
	item.OnHand = onHand
	item.Reserved = reserved
	s.items[invKey(variantID, locationID)] = item
	return nil
}

func (s *memStore) AppendMovement(_ context.Context, m *models.StockMovement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m.CreatedAt = time.Now()
	s.movements = append(s.movements, *m)
	return nil
}

func (s *memStore) movementsByReason(reason string) []models.StockMovement {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.StockMovement
	for _, m := range s.movements {
		if m.Reason == reason {
			out = append(out, m)
		}
	}
	return out
}

// --- BufferRuleStore ---

func (s *memStore) GetBufferRule(_ context.Context, variantID int64, channel string) (*models.ChannelBufferRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var fallback *models.ChannelBufferRule
	for i := range s.rules {
		rule := s.rules[i]
		if rule.Channel != channel {
			continue
		}
		if rule.VariantID != nil && *rule.VariantID == variantID {
			return &rule, nil
		}
		if rule.VariantID == nil {
			fallback = &rule
		}
	}
	if fallback != nil {
		return fallback, nil
	}
	return nil, fmt.Errorf("buffer rule for %s: %w", channel, models.ErrNotFound)
}

func (s *memStore) SalesRate(_ context.Context, _ int64, _ time.Duration) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.salesRate, nil
}

// --- ReservationStore ---

func (s *memStore) CreateReservation(_ context.Context, r *models.Reservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r.CreatedAt = time.Now()
	s.reservations[r.ID] = *r
	return nil
}

func (s *memStore) GetReservation(_ context.Context, id string) (*models.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reservations[id]
	if !ok {
		return nil, fmt.Errorf("reservation %s: %w", id, models.ErrNotFound)
	}
	copied := r
	return &copied, nil
}

func (s *memStore) TransitionReservation(_ context.Context, id, from, to string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reservations[id]
	if !ok || r.Status != from {
		return false, nil
	}
	r.Status = to
	s.reservations[id] = r
	return true, nil
}

func (s *memStore) ListActiveReservationsByOrder(_ context.Context, orderID int64) ([]models.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Reservation
	for _, r := range s.reservations {
		if r.OrderID == orderID && r.Status == models.ReservationStatusActive {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *memStore) ListReservationsByOrder(_ context.Context, orderID int64) ([]models.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Reservation
	for _, r := range s.reservations {
		if r.OrderID == orderID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *memStore) ListExpiredActiveReservations(_ context.Context, now time.Time, limit int) ([]models.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Reservation
	for _, r := range s.reservations {
		if r.Status == models.ReservationStatusActive && now.After(r.ExpiresAt) {
			out = append(out, r)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// --- OrderStore ---

func (s *memStore) CreateOrder(_ context.Context, order *models.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.orders {
		if existing.ExternalID == order.ExternalID {
			return fmt.Errorf("duplicate external id %s", order.ExternalID)
		}
	}
	s.nextOrderID++
	order.ID = s.nextOrderID
	order.CreatedAt = time.Now()
	order.UpdatedAt = order.CreatedAt
	s.orders[order.ID] = *order
	return nil
}

func (s *memStore) GetOrderByID(_ context.Context, id int64) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %d: %w", id, models.ErrNotFound)
	}
	copied := order
	return &copied, nil
}

func (s *memStore) GetOrderByExternalID(_ context.Context, externalID string) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, order := range s.orders {
		if order.ExternalID == externalID {
			copied := order
			return &copied, nil
		}
	}
	return nil, nil
}

func (s *memStore) TransitionOrderStage(_ context.Context, orderID int64, from, to string, attemptCount int, lastError string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[orderID]
	if !ok || order.Stage != from {
		return false, nil
	}
	order.Stage = to
	order.AttemptCount = attemptCount
	order.LastError = lastError
	order.UpdatedAt = time.Now()
	s.orders[orderID] = order
	return true, nil
}

// setStage force-writes an order's stage, used to seed pipeline tests.
func (s *memStore) setStage(orderID int64, stage string, attemptCount int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	order := s.orders[orderID]
	order.Stage = stage
	order.AttemptCount = attemptCount
	s.orders[orderID] = order
}

func (s *memStore) CreateOrderLineItem(_ context.Context, item *models.OrderLineItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextLineID++
	item.ID = s.nextLineID
	s.lineItems[item.OrderID] = append(s.lineItems[item.OrderID], *item)
	return nil
}

func (s *memStore) GetOrderLineItems(_ context.Context, orderID int64) ([]models.OrderLineItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.OrderLineItem(nil), s.lineItems[orderID]...), nil
}

func (s *memStore) IsEventProcessed(_ context.Context, eventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processed[eventID], nil
}

func (s *memStore) MarkEventProcessed(_ context.Context, eventID, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processed[eventID] = true
	return nil
}

// --- CatalogStore ---

func (s *memStore) GetVariantByID(_ context.Context, id int64) (*models.Variant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.variants[id]
	if !ok {
		return nil, fmt.Errorf("variant %d: %w", id, models.ErrNotFound)
	}
	copied := v
	return &copied, nil
}

func (s *memStore) GetLocationByID(_ context.Context, id int64) (*models.Location, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	loc, ok := s.locations[id]
	if !ok {
		return nil, fmt.Errorf("location %d: %w", id, models.ErrNotFound)
	}
	copied := loc
	return &copied, nil
}

// item returns a snapshot of one inventory row for assertions.
func (s *memStore) item(variantID, locationID int64) models.InventoryItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.items[invKey(variantID, locationID)]
}

// activeReservedSum sums active reservation quantities for a key, used to
// assert the reserved-counter invariant.
func (s *memStore) activeReservedSum(variantID, locationID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	sum := 0
	for _, r := range s.reservations {
		if r.VariantID == variantID && r.LocationID == locationID && r.Status == models.ReservationStatusActive {
			sum += r.Quantity
		}
	}
	return sum
}

var testCaller = models.Caller{
	TenantID:      "tenant-1",
	ActorID:       "tester",
	CorrelationID: "corr-1",
}
