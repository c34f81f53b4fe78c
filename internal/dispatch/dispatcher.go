package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ignite/squeeze/internal/domain"
	"github.com/ignite/squeeze/internal/pkg/logger"
	"github.com/ignite/squeeze/internal/pkg/tracing"
	"github.com/ignite/squeeze/internal/store"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Dispatcher creates send intents and enqueues delivery chunks.
type Dispatcher struct {
	intents   store.IntentStore
	runner    TaskRunner
	chunkSize int
	now       func() time.Time
	tracer    trace.Tracer
}

// DispatcherConfig tunes a Dispatcher.
type DispatcherConfig struct {
	ChunkSize int
	Now       func() time.Time
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(intents store.IntentStore, runner TaskRunner, cfg DispatcherConfig) *Dispatcher {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Dispatcher{
		intents:   intents,
		runner:    runner,
		chunkSize: cfg.ChunkSize,
		now:       cfg.Now,
		tracer:    tracing.Tracer("github.com/ignite/squeeze/internal/dispatch"),
	}
}

// Dispatch creates an unsent intent for every audience member that lacks
// one, then enqueues every unsent intent of the drip in chunks.
func (d *Dispatcher) Dispatch(ctx context.Context, drip domain.Drip, audience []domain.Subscriber, nextStepID *string) (handles []TaskHandle, err error) {
	ctx, span := tracing.StartSpan(ctx, d.tracer, "dispatch.Dispatch",
		attribute.String(tracing.DripIDKey, drip.ID),
		attribute.Int(tracing.AudienceKey, len(audience)))
	defer func() {
		if err != nil {
			tracing.SetError(span, err)
		}
		span.End()
	}()

	created, err := d.createIntents(ctx, drip.ID, domain.SubscriberIDs(audience))
	if err != nil {
		return nil, err
	}
	logger.Debug("send intents created", "drip_id", drip.ID, "audience", len(audience), "created", created)

	return d.EnqueueUnsent(ctx, drip.ID, nextStepID)
}

func (d *Dispatcher) createIntents(ctx context.Context, dripID string, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	existing, err := d.intents.ExistingSubscribers(ctx, dripID, ids)
	if err != nil {
		return 0, fmt.Errorf("load existing intents: %w", err)
	}
	if existing == nil {
		existing = make(map[string]bool)
	}

	created := 0
	now := d.now()
	for _, id := range ids {
		if existing[id] {
			continue
		}
		intent := &domain.SendIntent{
			ID:           uuid.NewString(),
			DripID:       dripID,
			SubscriberID: id,
			Date:         now,
		}
		if err := d.intents.Create(ctx, intent); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				logger.Warn("send intent already exists", "drip_id", dripID, "subscriber_id", id)
			} else {
				logger.Error("create send intent failed", "drip_id", dripID, "subscriber_id", id, "error", err)
			}
			continue
		}
		// Guards against the same id appearing twice in one audience.
		existing[id] = true
		created++
	}
	return created, nil
}

// EnqueueUnsent re-reads the unsent intents of dripID and enqueues them in
// chunks. Enqueue failures stop the run; intents stay unsent for the next sweep.
func (d *Dispatcher) EnqueueUnsent(ctx context.Context, dripID string, nextStepID *string) ([]TaskHandle, error) {
	unsent, err := d.intents.ListUnsent(ctx, dripID)
	if err != nil {
		return nil, fmt.Errorf("list unsent intents: %w", err)
	}
	if len(unsent) == 0 {
		return nil, nil
	}

	chunks := Chunk(unsent, d.chunkSize)
	handles := make([]TaskHandle, 0, len(chunks))
	for _, ids := range chunks {
		h, err := d.runner.Enqueue(ctx, Task{DripID: dripID, SubscriberIDs: ids, NextStepID: nextStepID})
		if err != nil {
			return handles, fmt.Errorf("enqueue chunk for drip %s: %w", dripID, err)
		}
		handles = append(handles, h)
	}

	logger.Info("drip chunks enqueued", "drip_id", dripID, "unsent", len(unsent), "chunks", len(handles))
	return handles, nil
}
