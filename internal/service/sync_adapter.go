package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"fulfillment-service/internal/util"

	"go.uber.org/zap"

	"fulfillment-service/internal/models"
)

// Inventory sync operations understood by the external POS.
const (
	OperationDecrement = "decrement"
	OperationIncrement = "increment"
	OperationSet       = "set"
)

// InventoryUpdate is one delta pushed to the external POS. Reference and
// Reason let the external system deduplicate redelivered updates; the adapter
// itself only promises not to retry silently.
type InventoryUpdate struct {
	SKU       string `json:"sku"`
	Operation string `json:"operation"`
	Quantity  int    `json:"quantity"`
	Reason    string `json:"reason"`
	Reference string `json:"reference"`
}

// SyncResult is the external system's response to an inventory sync.
type SyncResult struct {
	SyncedItems int            `json:"syncedItems"`
	Conflicts   []SyncConflict `json:"conflicts"`
}

// SyncConflict reports one item the external system could not apply.
type SyncConflict struct {
	SKU     string `json:"sku"`
	Message string `json:"message"`
}

// PrintItem is one receipt line.
type PrintItem struct {
	SKU      string `json:"sku"`
	Title    string `json:"title"`
	Quantity int    `json:"quantity"`
	Location string `json:"location"`
}

// PrintReceipt is a print job submission. Accepted means queued, not printed;
// completion is observed asynchronously.
type PrintReceipt struct {
	OrderID             string      `json:"orderId"`
	Template            string      `json:"template"`
	Items               []PrintItem `json:"items"`
	PickingInstructions []string    `json:"pickingInstructions"`
}

// PrintJob is the external system's acceptance response.
type PrintJob struct {
	PrintJobID string `json:"printJobId"`
	Status     string `json:"status"`
}

// SyncAdapter wraps the external POS integration behind the circuit breaker.
// Timeouts and 5xx responses are transient; 4xx responses are permanent and
// neither retried nor counted against the breaker.
type SyncAdapter struct {
	endpoint string
	client   *http.Client
	breaker  *CircuitBreaker
	logger   *zap.Logger
}

// NewSyncAdapter creates a new external sync adapter
func NewSyncAdapter(endpoint string, timeout time.Duration, breaker *CircuitBreaker) *SyncAdapter {
	return &SyncAdapter{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
		breaker:  breaker,
		logger:   util.GetLogger(),
	}
}

// SyncInventory pushes inventory deltas to the external POS.
func (a *SyncAdapter) SyncInventory(ctx context.Context, updates []InventoryUpdate) (*SyncResult, error) {
	var result SyncResult
	if err := a.doPost(ctx, "sync_inventory", "/inventory/sync", updates, &result); err != nil {
		return nil, err
	}

	if len(result.Conflicts) > 0 {
		a.logger.Warn("Inventory sync reported conflicts",
			zap.Int("synced", result.SyncedItems),
			zap.Int("conflicts", len(result.Conflicts)))
	}
	return &result, nil
}

// SubmitPrintJob submits a pick/pack receipt for printing. Success is the job
// being accepted.
func (a *SyncAdapter) SubmitPrintJob(ctx context.Context, receipt *PrintReceipt) (*PrintJob, error) {
	var job PrintJob
	if err := a.doPost(ctx, "submit_print_job", "/print/jobs", receipt, &job); err != nil {
		return nil, err
	}

	a.logger.Info("Print job accepted",
		zap.String("order_id", receipt.OrderID),
		zap.String("print_job_id", job.PrintJobID),
		zap.String("status", job.Status))
	return &job, nil
}

func (a *SyncAdapter) doPost(ctx context.Context, operation, path string, payload, out any) error {
	ctx, span := util.StartSpan(ctx, "SyncAdapter."+operation)
	defer span.End()

	if err := a.breaker.Allow(); err != nil {
		util.SyncRequestsTotal.WithLabelValues(operation, "circuit_open").Inc()
		return err
	}

	start := time.Now()
	defer func() {
		util.SyncLatency.Observe(time.Since(start).Seconds())
	}()

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", operation, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", operation, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		a.breaker.RecordFailure()
		util.SyncRequestsTotal.WithLabelValues(operation, "network_error").Inc()
		return &models.ExternalSyncError{Operation: operation, Permanent: false, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		a.breaker.RecordSuccess()
		util.SyncRequestsTotal.WithLabelValues(operation, "success").Inc()
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode %s response: %w", operation, err)
		}
		return nil

	case resp.StatusCode >= 500:
		a.breaker.RecordFailure()
		util.SyncRequestsTotal.WithLabelValues(operation, "server_error").Inc()
		return &models.ExternalSyncError{
			Operation:  operation,
			StatusCode: resp.StatusCode,
			Permanent:  false,
			Err:        readError(resp.Body),
		}

	default:
		// Client errors mean the request itself is wrong; retrying will not
		// help and the external system is healthy, so the breaker stays out
		// of it.
		util.SyncRequestsTotal.WithLabelValues(operation, "client_error").Inc()
		return &models.ExternalSyncError{
			Operation:  operation,
			StatusCode: resp.StatusCode,
			Permanent:  true,
			Err:        readError(resp.Body),
		}
	}
}

func readError(r io.Reader) error {
	b, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil || len(b) == 0 {
		return nil
	}
	return fmt.Errorf("%s", bytes.TrimSpace(b))
}
