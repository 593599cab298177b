package broker

import (
	"context"
	"fmt"
	"sync"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/util"

	"go.uber.org/zap"
)

// Broadcaster fans pipeline stage events out to Kafka (for durable consumers
// like dashboards) and to in-process subscribers over bounded channels.
// Local delivery is at-most-once per subscriber: a full channel drops the
// event rather than blocking the pipeline. Subscribers are for live
// observability; the durable record is the order row and the stock movements.
type Broadcaster struct {
	producer *Producer
	logger   *zap.Logger

	mu     sync.RWMutex
	subs   map[int]chan *models.StageEvent
	nextID int
}

// NewBroadcaster creates a broadcaster. A nil producer disables the Kafka leg
// (used by tests).
func NewBroadcaster(producer *Producer) *Broadcaster {
	return &Broadcaster{
		producer: producer,
		logger:   util.GetLogger(),
		subs:     make(map[int]chan *models.StageEvent),
	}
}

// PublishStage broadcasts one stage transition.
func (b *Broadcaster) PublishStage(ctx context.Context, event *models.StageEvent) {
	if b.producer != nil {
		key := fmt.Sprintf("order-%d", event.OrderID)
		if err := b.producer.PublishEvent(ctx, key, event); err != nil {
			b.logger.Error("Failed to publish stage event to kafka",
				zap.Int64("order_id", event.OrderID),
				zap.String("stage", event.Stage),
				zap.Error(err))
		}
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, ch := range b.subs {
		select {
		case ch <- event:
		default:
			util.EventsDroppedTotal.Inc()
			b.logger.Warn("Dropping stage event for slow subscriber",
				zap.Int("subscriber", id),
				zap.Int64("order_id", event.OrderID))
		}
	}
}

// Subscribe registers a bounded-channel subscriber and returns the channel
// plus a cancel function. Cancel closes the channel; events published after
// cancellation are not delivered.
func (b *Broadcaster) Subscribe(buffer int) (<-chan *models.StageEvent, func()) {
	if buffer <= 0 {
		buffer = 16
	}

	ch := make(chan *models.StageEvent, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
	}
	return ch, cancel
}

// OrderQueuePublisher publishes order hand-off events on a dedicated topic,
// separate from the stage-event stream.
type OrderQueuePublisher struct {
	producer *Producer
}

// NewOrderQueuePublisher creates a publisher for the orders topic.
func NewOrderQueuePublisher(producer *Producer) *OrderQueuePublisher {
	return &OrderQueuePublisher{producer: producer}
}

// PublishOrderReceived publishes an OrderReceived event
func (p *OrderQueuePublisher) PublishOrderReceived(ctx context.Context, event *models.OrderReceivedEvent) error {
	key := fmt.Sprintf("order-%d", event.OrderID)
	return p.producer.PublishEvent(ctx, key, event)
}
