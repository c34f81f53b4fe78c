package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ignite/squeeze/internal/domain"
	"github.com/ignite/squeeze/internal/pkg/distlock"
	"github.com/ignite/squeeze/internal/pkg/logger"
	"github.com/ignite/squeeze/internal/pkg/tracing"
	"github.com/ignite/squeeze/internal/store"
	"github.com/ignite/squeeze/internal/transport"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ScopeChunk is the lock scope for chunk delivery.
const ScopeChunk = "drip-chunk"

// MessageBuilder renders the message a subscriber receives for a drip.
type MessageBuilder interface {
	Build(drip domain.Drip, sub domain.Subscriber) (*domain.EmailMessage, error)
}

// DelivererDeps are the collaborators of a Deliverer.
type DelivererDeps struct {
	Drips       store.DripStore
	Subscribers store.SubscriberStore
	Intents     store.IntentStore
	Locks       *distlock.Coordinator
	Builder     MessageBuilder
	Transport   transport.Transport
}

// Deliverer executes delivery tasks.
type Deliverer struct {
	drips       store.DripStore
	subscribers store.SubscriberStore
	intents     store.IntentStore
	locks       *distlock.Coordinator
	builder     MessageBuilder
	transport   transport.Transport

	lockTTL time.Duration
	now     func() time.Time
	tracer  trace.Tracer
}

// NewDeliverer creates a Deliverer. lockTTL bounds how long a crashed worker
// blocks redelivery of its chunk.
func NewDeliverer(deps DelivererDeps, lockTTL time.Duration, now func() time.Time) *Deliverer {
	if lockTTL <= 0 {
		lockTTL = time.Hour
	}
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Deliverer{
		drips:       deps.Drips,
		subscribers: deps.Subscribers,
		intents:     deps.Intents,
		locks:       deps.Locks,
		builder:     deps.Builder,
		transport:   deps.Transport,
		lockTTL:     lockTTL,
		now:         now,
		tracer:      tracing.Tracer("github.com/ignite/squeeze/internal/dispatch"),
	}
}

// DeliveryReport summarizes one chunk.
type DeliveryReport struct {
	DripID  string
	Locked  bool
	Sent    int
	Skipped int
	Failed  int
	// LeaseLost is set when the chunk lock expired mid-chunk and delivery
	// stopped early. Unsent intents wait for the next sweep.
	LeaseLost bool
}

// ChunkKey returns the lock key for task.
func (d *Deliverer) ChunkKey(task Task) string {
	return d.locks.Key(ScopeChunk, chunkIDs(task)...)
}

func chunkIDs(task Task) []string {
	if len(task.SubscriberIDs) == 0 {
		return []string{task.DripID}
	}
	return []string{task.DripID, task.SubscriberIDs[0]}
}

// DeliverChunk sends the drip to every subscriber in task whose intent is
// still unsent. Per-subscriber failures are logged and left for the next
// sweep. Only infrastructure failures are returned; the caller may retry
// the task.
func (d *Deliverer) DeliverChunk(ctx context.Context, task Task) (report DeliveryReport, err error) {
	report.DripID = task.DripID
	ctx, span := tracing.StartSpan(ctx, d.tracer, "dispatch.DeliverChunk",
		attribute.String(tracing.DripIDKey, task.DripID),
		attribute.Int(tracing.ChunkSizeKey, len(task.SubscriberIDs)))
	defer func() {
		if err != nil {
			tracing.SetError(span, err)
		}
		span.End()
	}()

	if len(task.SubscriberIDs) == 0 {
		return report, nil
	}

	lease, err := d.locks.TryAcquire(ctx, d.lockTTL, ScopeChunk, chunkIDs(task)...)
	if err != nil {
		return report, err
	}
	if lease == nil {
		logger.Debug("chunk already being delivered", "drip_id", task.DripID, "first_subscriber_id", task.SubscriberIDs[0])
		report.Locked = true
		return report, nil
	}
	defer func() {
		if rerr := lease.Release(context.WithoutCancel(ctx)); rerr != nil {
			logger.Error("chunk lock release failed", "key", lease.Key(), "error", rerr)
		}
	}()

	drip, err := d.loadDrip(ctx, task.DripID)
	if errors.Is(err, ErrDripNotFound) {
		logger.Warn("chunk references missing drip", "drip_id", task.DripID, "subscribers", len(task.SubscriberIDs))
		return report, nil
	}
	if err != nil {
		return report, err
	}

	subs, err := d.subscribers.GetMany(ctx, task.SubscriberIDs)
	if err != nil {
		return report, fmt.Errorf("load chunk subscribers: %w", err)
	}
	byID := make(map[string]domain.Subscriber, len(subs))
	for _, s := range subs {
		byID[s.ID] = s
	}

	conn, err := d.transport.Open(ctx)
	if err != nil {
		return report, fmt.Errorf("open transport: %w", err)
	}
	defer func() {
		if cerr := conn.Close(); cerr != nil {
			logger.Error("close transport connection failed", "drip_id", drip.ID, "error", cerr)
		}
	}()

	renew := leaseRenewer{lease: lease, every: d.lockTTL / 2, last: time.Now()}
	for _, id := range task.SubscriberIDs {
		if !renew.keepAlive(ctx) {
			report.LeaseLost = true
			logger.Warn("chunk lock lost, stopping delivery", "key", lease.Key(), "drip_id", drip.ID,
				"remaining_from", id)
			break
		}
		sub, ok := byID[id]
		if !ok {
			report.Skipped++
			logger.Warn("chunk subscriber not found", "drip_id", drip.ID, "subscriber_id", id)
			continue
		}
		sent, err := d.deliverOne(ctx, conn, *drip, sub, task.NextStepID)
		switch {
		case err != nil:
			report.Failed++
			logger.Error("drip delivery failed", "drip_id", drip.ID, "subscriber_id", id, "error", err)
		case sent:
			report.Sent++
		default:
			report.Skipped++
		}
	}

	logger.Info("chunk delivered", "drip_id", drip.ID, "sent", report.Sent,
		"skipped", report.Skipped, "failed", report.Failed)
	return report, nil
}

// leaseRenewer extends a chunk lease once half its ttl has elapsed so that a
// slow chunk keeps exclusive ownership.
type leaseRenewer struct {
	lease    *distlock.Lease
	every    time.Duration
	last     time.Time
	disabled bool
}

// keepAlive reports false only when the lease is known to be owned by
// someone else.
func (r *leaseRenewer) keepAlive(ctx context.Context) bool {
	if r.disabled || time.Since(r.last) < r.every {
		return true
	}
	err := r.lease.Extend(ctx)
	switch {
	case err == nil:
		r.last = time.Now()
	case errors.Is(err, distlock.ErrLeaseLost):
		return false
	case errors.Is(err, distlock.ErrNotExtendable):
		logger.Debug("lock store cannot extend leases", "key", r.lease.Key())
		r.disabled = true
	default:
		logger.Error("chunk lock extend failed", "key", r.lease.Key(), "error", err)
	}
	return true
}

// deliverOne re-checks the intent, sends, and records the send. It returns
// false without error when there is nothing to send.
func (d *Deliverer) deliverOne(ctx context.Context, conn transport.Connection, drip domain.Drip, sub domain.Subscriber, nextStepID *string) (bool, error) {
	intent, err := d.intents.Get(ctx, drip.ID, sub.ID)
	if errors.Is(err, store.ErrNotFound) {
		logger.Warn("no send intent for chunk subscriber", "drip_id", drip.ID, "subscriber_id", sub.ID)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load intent: %w", err)
	}
	if intent.Sent {
		return false, nil
	}
	if !sub.IsActive {
		logger.Debug("skipping inactive subscriber", "drip_id", drip.ID, "subscriber_id", sub.ID)
		return false, nil
	}

	msg, err := d.builder.Build(drip, sub)
	if err != nil {
		return false, fmt.Errorf("build message: %w", err)
	}
	res, err := conn.Send(ctx, msg)
	if err != nil {
		return false, fmt.Errorf("send: %w", err)
	}

	sentAt := d.now()
	if res != nil && !res.SentAt.IsZero() {
		sentAt = res.SentAt
	}
	var subjectID *string
	if msg.SubjectID != "" {
		subjectID = &msg.SubjectID
	}
	flipped, err := d.intents.MarkSent(ctx, intent.ID, sentAt, subjectID)
	if err != nil {
		return true, fmt.Errorf("mark sent: %w", err)
	}
	if !flipped {
		logger.Warn("send intent was already marked sent", "drip_id", drip.ID, "subscriber_id", sub.ID)
	}

	if nextStepID != nil {
		if err := d.subscribers.MoveToStep(ctx, sub.ID, *nextStepID, sentAt); err != nil {
			return true, fmt.Errorf("move to next step: %w", err)
		}
	}
	return true, nil
}

func (d *Deliverer) loadDrip(ctx context.Context, id string) (*domain.Drip, error) {
	drip, err := d.drips.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrDripNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load drip %s: %w", id, err)
	}
	return drip, nil
}
