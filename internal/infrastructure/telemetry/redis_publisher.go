package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"duocall/internal/core/domain"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Message is the wire form of an event on the Redis channel.
type Message struct {
	Type       domain.EventType `json:"type"`
	InstanceID string           `json:"instance_id"`
	Timestamp  time.Time        `json:"timestamp"`
	SessionID  domain.SessionID `json:"session_id"`
	Detail     json.RawMessage  `json:"detail,omitempty"`
}

// EventPublisher fans session events out to other instances over Redis pub/sub.
// Emit only enqueues; Run does the network I/O. A full queue drops events.
type EventPublisher struct {
	client     *redis.Client
	channel    string
	instanceID string
	logger     *zap.SugaredLogger

	queue   chan domain.Event
	dropped atomic.Int64
}

func NewEventPublisher(client *redis.Client, channel, instanceID string, buffer int, logger *zap.SugaredLogger) *EventPublisher {
	if buffer <= 0 {
		buffer = 1024
	}
	return &EventPublisher{
		client:     client,
		channel:    channel,
		instanceID: instanceID,
		logger:     logger,
		queue:      make(chan domain.Event, buffer),
	}
}

func (p *EventPublisher) Emit(event domain.Event) {
	select {
	case p.queue <- event:
	default:
		if p.dropped.Add(1)%100 == 1 {
			p.logger.Warnw("event queue full, dropping events", "dropped_total", p.dropped.Load())
		}
	}
}

// Dropped reports how many events were discarded because the queue was full.
func (p *EventPublisher) Dropped() int64 {
	return p.dropped.Load()
}

// Run publishes queued events until ctx is done.
func (p *EventPublisher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-p.queue:
			if err := p.Publish(ctx, event); err != nil {
				p.logger.Warnw("failed to publish event",
					"type", event.Type,
					"session_id", event.SessionID,
					"error", err,
				)
			}
		}
	}
}

// Publish sends one event synchronously.
func (p *EventPublisher) Publish(ctx context.Context, event domain.Event) error {
	data, err := p.Encode(event)
	if err != nil {
		return err
	}
	if err := p.client.Publish(ctx, p.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

func (p *EventPublisher) Encode(event domain.Event) ([]byte, error) {
	detail, err := json.Marshal(event.Detail)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event detail: %w", err)
	}
	data, err := json.Marshal(Message{
		Type:       event.Type,
		InstanceID: p.instanceID,
		Timestamp:  event.Timestamp,
		SessionID:  event.SessionID,
		Detail:     detail,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}
	return data, nil
}
