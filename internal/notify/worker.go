package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/temporalstate/temporalstate/internal/catalog"
	"github.com/temporalstate/temporalstate/internal/event"
)

// Storage is the slice of the store the worker needs: the outbox to drain
// and instance lookups for creation announcements.
type Storage interface {
	ProcessNotifyOutbox(ctx context.Context, now time.Time, limit int, publish func(ctx context.Context, evt event.Event, subject string) error) (int, error)
	GetInstance(ctx context.Context, id string) (catalog.EntityInstance, error)
}

const (
	defaultPollInterval = time.Second
	defaultBatchSize    = 50
)

// Worker drains the notification outbox and publishes each row to the
// broker.
type Worker struct {
	store     Storage
	publisher Publisher
	interval  time.Duration
	batchSize int
}

// NewWorker builds a Worker. Non-positive interval or batchSize fall back to
// defaults.
func NewWorker(store Storage, publisher Publisher, interval time.Duration, batchSize int) *Worker {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &Worker{
		store:     store,
		publisher: publisher,
		interval:  interval,
		batchSize: batchSize,
	}
}

// Run polls the outbox until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			published, err := w.DrainOnce(ctx, time.Now())
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				log.Printf("notify: drain outbox: %v", err)
				continue
			}
			if published > 0 {
				log.Printf("notify: published %d notifications", published)
			}
		}
	}
}

// DrainOnce processes a single batch of due outbox rows.
func (w *Worker) DrainOnce(ctx context.Context, now time.Time) (int, error) {
	return w.store.ProcessNotifyOutbox(ctx, now, w.batchSize, w.publishOne)
}

func (w *Worker) publishOne(ctx context.Context, evt event.Event, subject string) error {
	data, err := w.encodeMessage(ctx, evt, subject)
	if err != nil {
		return err
	}
	return w.publisher.Publish(ctx, subject, data)
}

func (w *Worker) encodeMessage(ctx context.Context, evt event.Event, subject string) ([]byte, error) {
	if strings.HasPrefix(subject, "entities.") {
		instance, err := w.store.GetInstance(ctx, evt.EntityInstanceID)
		if err != nil {
			return nil, fmt.Errorf("load instance for creation message: %w", err)
		}
		message := EntityCreatedMessage{
			EntityInstanceID: evt.EntityInstanceID,
			EntityType:       evt.EntityTypeName,
			ExternalID:       instance.ExternalID,
			InitialState:     evt.NewState,
			Timestamp:        evt.Timestamp,
		}
		data, err := json.Marshal(message)
		if err != nil {
			return nil, fmt.Errorf("encode creation message: %w", err)
		}
		return data, nil
	}

	message := EventMessage{
		EventID:          evt.ID,
		EntityInstanceID: evt.EntityInstanceID,
		EntityType:       evt.EntityTypeName,
		EventType:        evt.Type,
		Version:          evt.Version,
		Payload:          evt.Payload,
		NewState:         evt.NewState,
		CorrelationID:    evt.CorrelationID,
		CausationID:      evt.CausationID,
		Timestamp:        evt.Timestamp,
	}
	data, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("encode event message: %w", err)
	}
	return data, nil
}
