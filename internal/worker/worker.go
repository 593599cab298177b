package worker

import (
	"context"
	"encoding/json"
	"sync"

	"fulfillment-service/internal/broker"
	"fulfillment-service/internal/models"
	"fulfillment-service/internal/service"
	"fulfillment-service/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// PipelineWorker runs a pool of goroutines consuming order hand-off events
// and driving each order through the pipeline. One order's stages run
// sequentially inside a single worker; distinct orders proceed in parallel
// across the pool.
type PipelineWorker struct {
	consumer     *broker.Consumer
	orchestrator *service.Orchestrator
	workers      int
	logger       *zap.Logger
	wg           sync.WaitGroup
}

// NewPipelineWorker creates a new pipeline worker pool
func NewPipelineWorker(consumer *broker.Consumer, orchestrator *service.Orchestrator, workers int) *PipelineWorker {
	if workers <= 0 {
		workers = 1
	}
	return &PipelineWorker{
		consumer:     consumer,
		orchestrator: orchestrator,
		workers:      workers,
		logger:       util.GetLogger(),
	}
}

// Start launches the pool and blocks until the context is cancelled.
func (w *PipelineWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting pipeline workers", zap.Int("workers", w.workers))

	for i := 0; i < w.workers; i++ {
		w.wg.Add(1)
		go func(id int) {
			defer w.wg.Done()
			if err := w.consumer.StartConsuming(ctx, w.handleMessage); err != nil && ctx.Err() == nil {
				w.logger.Error("Pipeline worker exited", zap.Int("worker", id), zap.Error(err))
			}
		}(i)
	}

	<-ctx.Done()
	w.wg.Wait()
	return ctx.Err()
}

// Stop closes the underlying consumer.
func (w *PipelineWorker) Stop() error {
	w.logger.Info("Stopping pipeline workers")
	return w.consumer.Close()
}

func (w *PipelineWorker) handleMessage(ctx context.Context, msg kafka.Message) error {
	var base models.BaseEvent
	if err := json.Unmarshal(msg.Value, &base); err != nil {
		w.logger.Error("Failed to unmarshal event", zap.Error(err))
		return err
	}

	if base.EventType != models.EventTypeOrderReceived {
		w.logger.Debug("Ignoring event", zap.String("event_type", base.EventType))
		return nil
	}

	var event models.OrderReceivedEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		w.logger.Error("Failed to unmarshal OrderReceived event", zap.Error(err))
		return err
	}

	caller := models.Caller{
		TenantID:      event.TenantID,
		ActorID:       "pipeline-worker",
		CorrelationID: event.CorrelationID,
	}

	w.logger.Info("Processing order",
		zap.Int64("order_id", event.OrderID),
		zap.String("source", event.Source))
	return w.orchestrator.Process(ctx, caller, event.OrderID)
}
