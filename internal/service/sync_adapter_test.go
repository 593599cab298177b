package service

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"fulfillment-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAdapter(t *testing.T, handler http.HandlerFunc) (*SyncAdapter, *CircuitBreaker) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	breaker := NewCircuitBreaker(3, 30*time.Second, time.Minute)
	return NewSyncAdapter(server.URL, 2*time.Second, breaker), breaker
}

func TestSyncInventorySuccess(t *testing.T) {
	var got []InventoryUpdate
	adapter, breaker := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/inventory/sync", r.URL.Path)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(SyncResult{SyncedItems: len(got)})
	})

	updates := []InventoryUpdate{{
		SKU:       "SKU-1",
		Operation: OperationDecrement,
		Quantity:  2,
		Reason:    "order_fulfillment",
		Reference: "order-1:res-1",
	}}
	result, err := adapter.SyncInventory(context.Background(), updates)
	require.NoError(t, err)
	assert.Equal(t, 1, result.SyncedItems)
	assert.Equal(t, updates, got)
	assert.Equal(t, BreakerClosed, breaker.State())
}

func TestSyncInventoryServerErrorIsTransient(t *testing.T) {
	adapter, breaker := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	})

	_, err := adapter.SyncInventory(context.Background(), nil)

	var syncErr *models.ExternalSyncError
	require.ErrorAs(t, err, &syncErr)
	assert.False(t, syncErr.Permanent)
	assert.Equal(t, http.StatusBadGateway, syncErr.StatusCode)
	assert.True(t, models.IsRetryable(err))
	assert.Equal(t, BreakerClosed, breaker.State(), "one failure does not trip the breaker")
}

func TestSyncInventoryClientErrorIsPermanent(t *testing.T) {
	adapter, breaker := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unknown sku", http.StatusUnprocessableEntity)
	})

	for i := 0; i < 10; i++ {
		_, err := adapter.SyncInventory(context.Background(), nil)

		var syncErr *models.ExternalSyncError
		require.ErrorAs(t, err, &syncErr)
		assert.True(t, syncErr.Permanent)
		assert.False(t, models.IsRetryable(err))
	}

	// Client errors never count against the breaker.
	assert.Equal(t, BreakerClosed, breaker.State())
}

func TestSyncAdapterTripsBreakerAndFailsFast(t *testing.T) {
	var calls int32
	adapter, breaker := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "boom", http.StatusInternalServerError)
	})

	for i := 0; i < 3; i++ {
		_, err := adapter.SyncInventory(context.Background(), nil)
		require.Error(t, err)
	}
	require.Equal(t, BreakerOpen, breaker.State())
	require.Equal(t, int32(3), atomic.LoadInt32(&calls))

	// While open the adapter fails fast without touching the network.
	_, err := adapter.SyncInventory(context.Background(), nil)
	var open *models.CircuitOpenError
	require.ErrorAs(t, err, &open)
	assert.True(t, models.IsRetryable(err))
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestSubmitPrintJobAccepted(t *testing.T) {
	adapter, _ := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/print/jobs", r.URL.Path)

		var receipt PrintReceipt
		require.NoError(t, json.NewDecoder(r.Body).Decode(&receipt))
		assert.Equal(t, "pick_pack", receipt.Template)

		json.NewEncoder(w).Encode(PrintJob{PrintJobID: "pj-9", Status: "queued"})
	})

	job, err := adapter.SubmitPrintJob(context.Background(), &PrintReceipt{
		OrderID:  "ext-1",
		Template: "pick_pack",
		Items:    []PrintItem{{SKU: "SKU-1", Quantity: 2, Location: "Main"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "pj-9", job.PrintJobID)
	assert.Equal(t, "queued", job.Status)
}

func TestSyncInventoryReportsConflicts(t *testing.T) {
	adapter, _ := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(SyncResult{
			SyncedItems: 1,
			Conflicts:   []SyncConflict{{SKU: "SKU-2", Message: "unknown sku"}},
		})
	})

	result, err := adapter.SyncInventory(context.Background(), []InventoryUpdate{
		{SKU: "SKU-1", Operation: OperationDecrement, Quantity: 1},
		{SKU: "SKU-2", Operation: OperationDecrement, Quantity: 1},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.SyncedItems)
	require.Len(t, result.Conflicts, 1)
	assert.Equal(t, "SKU-2", result.Conflicts[0].SKU)
}
