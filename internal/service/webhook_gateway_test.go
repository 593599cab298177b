package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
	"testing"
	"time"

	"fulfillment-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "webhook-secret"

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// fakeQueue captures hand-off events and can be made to fail.
type fakeQueue struct {
	mu     sync.Mutex
	events []*models.OrderReceivedEvent
	err    error
}

func (q *fakeQueue) PublishOrderReceived(_ context.Context, event *models.OrderReceivedEvent) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.events = append(q.events, event)
	return nil
}

func (q *fakeQueue) published() []*models.OrderReceivedEvent {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]*models.OrderReceivedEvent(nil), q.events...)
}

// fakeTTLStore is the in-memory stand-in for the Redis idempotency keys.
type fakeTTLStore struct {
	mu   sync.Mutex
	seen map[string]bool
	err  error
}

func newFakeTTLStore() *fakeTTLStore {
	return &fakeTTLStore{seen: make(map[string]bool)}
}

func (s *fakeTTLStore) SeenEvent(_ context.Context, eventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return false, s.err
	}
	return s.seen[eventID], nil
}

func (s *fakeTTLStore) MarkEvent(_ context.Context, eventID string, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.seen[eventID] = true
	return nil
}

func newTestGateway(ms *memStore) (*WebhookGateway, *fakeQueue, *fakeTTLStore) {
	queue := &fakeQueue{}
	ttl := newFakeTTLStore()
	return NewWebhookGateway(testSecret, ms, ttl, queue, time.Hour), queue, ttl
}

func TestIngestCreatesOrderAndHandsOff(t *testing.T) {
	ms := newMemStore()
	gateway, queue, _ := newTestGateway(ms)

	body := []byte(`{"eventId":"evt-1","orderId":"ext-100","source":"ebay","lineItems":[{"variantId":1,"quantity":2},{"variantId":2,"quantity":1}]}`)

	result, err := gateway.Ingest(context.Background(), testCaller, sign(testSecret, body), body)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.False(t, result.Duplicate)
	require.NotZero(t, result.OrderID)

	order, err := ms.GetOrderByID(context.Background(), result.OrderID)
	require.NoError(t, err)
	assert.Equal(t, "ext-100", order.ExternalID)
	assert.Equal(t, "ebay", order.Source)
	assert.Equal(t, models.StageReceived, order.Stage)
	assert.Equal(t, testCaller.TenantID, order.TenantID)

	items, err := ms.GetOrderLineItems(context.Background(), result.OrderID)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, int64(1), items[0].VariantID)
	assert.Equal(t, 2, items[0].Quantity)

	events := queue.published()
	require.Len(t, events, 1)
	assert.Equal(t, result.OrderID, events[0].OrderID)
	assert.Equal(t, "ext-100", events[0].ExternalID)
	assert.Equal(t, models.EventTypeOrderReceived, events[0].EventType)
}

func TestIngestRejectsInvalidSignature(t *testing.T) {
	ms := newMemStore()
	gateway, queue, _ := newTestGateway(ms)

	body := []byte(`{"eventId":"evt-1","orderId":"ext-100","source":"ebay","lineItems":[{"variantId":1,"quantity":1}]}`)

	_, err := gateway.Ingest(context.Background(), testCaller, sign("wrong-secret", body), body)
	assert.ErrorIs(t, err, models.ErrInvalidSignature)

	_, err = gateway.Ingest(context.Background(), testCaller, "not-hex!", body)
	assert.ErrorIs(t, err, models.ErrInvalidSignature)

	// A signature over different bytes must not pass either.
	_, err = gateway.Ingest(context.Background(), testCaller, sign(testSecret, []byte(`{}`)), body)
	assert.ErrorIs(t, err, models.ErrInvalidSignature)

	assert.Empty(t, queue.published())
	assert.Empty(t, ms.orders)
}

func TestIngestRejectsMalformedPayload(t *testing.T) {
	ms := newMemStore()
	gateway, _, _ := newTestGateway(ms)

	cases := []struct {
		name string
		body string
	}{
		{"not json", `{"eventId":`},
		{"missing event id", `{"orderId":"ext-1","source":"ebay","lineItems":[{"variantId":1,"quantity":1}]}`},
		{"missing order id", `{"eventId":"evt-1","source":"ebay","lineItems":[{"variantId":1,"quantity":1}]}`},
		{"no line items", `{"eventId":"evt-1","orderId":"ext-1","source":"ebay","lineItems":[]}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			body := []byte(tc.body)
			_, err := gateway.Ingest(context.Background(), testCaller, sign(testSecret, body), body)
			require.Error(t, err)
			assert.ErrorIs(t, err, models.ErrMalformedPayload)
			assert.NotErrorIs(t, err, models.ErrInvalidSignature)
		})
	}
	assert.Empty(t, ms.orders)
}

func TestIngestDuplicateDelivery(t *testing.T) {
	ms := newMemStore()
	gateway, queue, _ := newTestGateway(ms)

	body := []byte(`{"eventId":"evt-1","orderId":"ext-100","source":"ebay","lineItems":[{"variantId":1,"quantity":1}]}`)
	signature := sign(testSecret, body)

	first, err := gateway.Ingest(context.Background(), testCaller, signature, body)
	require.NoError(t, err)
	require.False(t, first.Duplicate)

	second, err := gateway.Ingest(context.Background(), testCaller, signature, body)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)

	assert.Len(t, ms.orders, 1, "a redelivery must not create a second order")
	assert.Len(t, queue.published(), 1, "a redelivery must not be handed off again")
}

func TestIngestFallsBackToStoreWhenCacheUnavailable(t *testing.T) {
	ms := newMemStore()
	gateway, queue, ttl := newTestGateway(ms)
	ttl.err = errors.New("redis down")

	body := []byte(`{"eventId":"evt-1","orderId":"ext-100","source":"ebay","lineItems":[{"variantId":1,"quantity":1}]}`)
	signature := sign(testSecret, body)

	first, err := gateway.Ingest(context.Background(), testCaller, signature, body)
	require.NoError(t, err)
	assert.False(t, first.Duplicate)

	// The durable processed_events record still catches the redelivery.
	second, err := gateway.Ingest(context.Background(), testCaller, signature, body)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Len(t, queue.published(), 1)
}

func TestIngestDetectsDuplicateByExternalOrderID(t *testing.T) {
	ms := newMemStore()
	gateway, queue, _ := newTestGateway(ms)

	// Two deliveries with distinct event ids for the same external order, the
	// shape an upstream retry with a regenerated event id produces.
	first := []byte(`{"eventId":"evt-1","orderId":"ext-100","source":"ebay","lineItems":[{"variantId":1,"quantity":1}]}`)
	second := []byte(`{"eventId":"evt-2","orderId":"ext-100","source":"ebay","lineItems":[{"variantId":1,"quantity":1}]}`)

	res1, err := gateway.Ingest(context.Background(), testCaller, sign(testSecret, first), first)
	require.NoError(t, err)
	require.False(t, res1.Duplicate)

	res2, err := gateway.Ingest(context.Background(), testCaller, sign(testSecret, second), second)
	require.NoError(t, err)
	assert.True(t, res2.Duplicate)
	assert.Equal(t, res1.OrderID, res2.OrderID)
	assert.Len(t, queue.published(), 1)
}

func TestIngestMarksProcessedOnlyAfterHandOff(t *testing.T) {
	ms := newMemStore()
	queue := &fakeQueue{err: errors.New("kafka unavailable")}
	ttl := newFakeTTLStore()
	gateway := NewWebhookGateway(testSecret, ms, ttl, queue, time.Hour)

	body := []byte(`{"eventId":"evt-1","orderId":"ext-100","source":"ebay","lineItems":[{"variantId":1,"quantity":1}]}`)
	signature := sign(testSecret, body)

	_, err := gateway.Ingest(context.Background(), testCaller, signature, body)
	require.Error(t, err)

	seen, err := ttl.SeenEvent(context.Background(), "evt-1")
	require.NoError(t, err)
	assert.False(t, seen, "a failed hand-off must leave the redelivery window open")
}
