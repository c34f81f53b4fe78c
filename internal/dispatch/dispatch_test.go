package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/ignite/squeeze/internal/audience"
	"github.com/ignite/squeeze/internal/domain"
	"github.com/ignite/squeeze/internal/message"
	"github.com/ignite/squeeze/internal/pkg/distlock"
	"github.com/ignite/squeeze/internal/pkg/logger"
	"github.com/ignite/squeeze/internal/repository/memory"
	"github.com/ignite/squeeze/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)

type recordingRunner struct {
	mu    sync.Mutex
	tasks []Task
	err   error
}

func (r *recordingRunner) Enqueue(_ context.Context, task Task) (TaskHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return "", r.err
	}
	r.tasks = append(r.tasks, task)
	return TaskHandle(fmt.Sprintf("task-%d", len(r.tasks))), nil
}

func (r *recordingRunner) sizes() []int {
	out := make([]int, len(r.tasks))
	for i, t := range r.tasks {
		out[i] = len(t.SubscriberIDs)
	}
	return out
}

// flakyTransport fails sends to the listed recipients.
type flakyTransport struct {
	*transport.Log
	failTo  map[string]bool
	openErr error
	opened  int
}

func (f *flakyTransport) Open(ctx context.Context) (transport.Connection, error) {
	if f.openErr != nil {
		return nil, f.openErr
	}
	f.opened++
	conn, err := f.Log.Open(ctx)
	if err != nil {
		return nil, err
	}
	return &flakyConn{Connection: conn, failTo: f.failTo}, nil
}

type flakyConn struct {
	transport.Connection
	failTo map[string]bool
}

func (c *flakyConn) Send(ctx context.Context, msg *domain.EmailMessage) (*domain.SendResult, error) {
	if c.failTo[msg.To] {
		return nil, errors.New("mailbox unavailable")
	}
	return c.Connection.Send(ctx, msg)
}

type fixture struct {
	db        *memory.DB
	locks     *distlock.MemoryStore
	coord     *distlock.Coordinator
	runner    *recordingRunner
	transport *flakyTransport
	disp      *Dispatcher
	deliverer *Deliverer
}

func newFixture(t *testing.T, chunkSize int) *fixture {
	t.Helper()
	db := memory.New()
	db.PutDrip(domain.Drip{
		ID:       "drip-1",
		Enabled:  true,
		HTMLBody: "<p>Hi {{ email }}</p>",
		Subjects: []domain.DripSubject{{ID: "subj-1", DripID: "drip-1", Text: "Hello", Enabled: true}},
		Rules:    []domain.Rule{{Method: domain.MethodFilter, Field: "is_active", Lookup: domain.LookupExact, Value: "True"}},
	})
	for i := 0; i < 5; i++ {
		db.PutSubscriber(domain.Subscriber{
			ID:       fmt.Sprintf("sub-%d", i),
			Email:    fmt.Sprintf("user%d@example.com", i),
			IsActive: i < 3,
			StepID:   strptr("drip-step"),
		})
	}

	f := &fixture{
		db:        db,
		locks:     distlock.NewMemoryStore(),
		runner:    &recordingRunner{},
		transport: &flakyTransport{Log: transport.NewLog(), failTo: map[string]bool{}},
	}
	f.coord = distlock.NewCoordinator(f.locks, "test")
	now := func() time.Time { return testNow }
	f.disp = NewDispatcher(db.Intents(), f.runner, DispatcherConfig{ChunkSize: chunkSize, Now: now})
	f.deliverer = NewDeliverer(DelivererDeps{
		Drips:       db.Drips(),
		Subscribers: db.Subscribers(),
		Intents:     db.Intents(),
		Locks:       f.coord,
		Builder:     message.NewBuilder("noreply@example.com"),
		Transport:   f.transport,
	}, time.Minute, now)
	return f
}

func strptr(s string) *string { return &s }

func (f *fixture) all(t *testing.T) []domain.Subscriber {
	t.Helper()
	subs, err := f.db.Subscribers().GetMany(context.Background(),
		[]string{"sub-0", "sub-1", "sub-2", "sub-3", "sub-4"})
	require.NoError(t, err)
	return subs
}

func (f *fixture) activate(t *testing.T) {
	t.Helper()
	for i := 3; i < 5; i++ {
		f.db.PutSubscriber(domain.Subscriber{ID: fmt.Sprintf("sub-%d", i), Email: fmt.Sprintf("user%d@example.com", i), IsActive: true})
	}
}

func TestChunk(t *testing.T) {
	ids := []string{"a", "b", "c", "d", "e"}

	assert.Equal(t, [][]string{{"a", "b"}, {"c", "d"}, {"e"}}, Chunk(ids, 2))
	assert.Equal(t, [][]string{{"a", "b", "c", "d", "e"}}, Chunk(ids, 100))
	assert.Equal(t, [][]string{{"a", "b", "c", "d", "e"}}, Chunk(ids, 0))
	assert.Empty(t, Chunk(nil, 2))

	chunks := Chunk(ids, 2)
	chunks[0] = append(chunks[0], "z")
	assert.Equal(t, "c", ids[2], "chunks must not alias past their end")
}

func TestDispatch_IdempotentIntents(t *testing.T) {
	f := newFixture(t, 100)
	ctx := context.Background()
	drip, err := f.db.Drips().Get(ctx, "drip-1")
	require.NoError(t, err)

	filtered, err := audience.NewEvaluator(f.db.Subscribers()).Evaluate(ctx, drip.Rules, f.all(t), testNow)
	require.NoError(t, err)
	require.Len(t, filtered, 3)

	handles, err := f.disp.Dispatch(ctx, *drip, filtered, nil)
	require.NoError(t, err)
	assert.Len(t, handles, 1)

	intents := f.db.Intents().All("drip-1")
	require.Len(t, intents, 3)
	for _, in := range intents {
		assert.False(t, in.Sent)
		assert.Equal(t, testNow, in.Date)
	}

	_, err = f.disp.Dispatch(ctx, *drip, filtered, nil)
	require.NoError(t, err)
	assert.Len(t, f.db.Intents().All("drip-1"), 3, "re-dispatch creates no additional intents")
}

func TestDispatch_DuplicateInAudience(t *testing.T) {
	f := newFixture(t, 100)
	ctx := context.Background()
	subs := f.all(t)

	_, err := f.disp.Dispatch(ctx, domain.Drip{ID: "drip-1"}, append(subs[:1:1], subs[0]), nil)
	require.NoError(t, err)
	assert.Len(t, f.db.Intents().All("drip-1"), 1)
}

func TestDispatch_ChunksUnsent(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()
	next := "after-drip"

	_, err := f.disp.Dispatch(ctx, domain.Drip{ID: "drip-1"}, f.all(t), &next)
	require.NoError(t, err)

	require.Equal(t, []int{2, 2, 1}, f.runner.sizes())
	assert.Equal(t, []string{"sub-0", "sub-1"}, f.runner.tasks[0].SubscriberIDs)
	assert.Equal(t, []string{"sub-4"}, f.runner.tasks[2].SubscriberIDs)
	for _, task := range f.runner.tasks {
		assert.Equal(t, "drip-1", task.DripID)
		require.NotNil(t, task.NextStepID)
		assert.Equal(t, next, *task.NextStepID)
	}
}

func TestDispatch_EnqueueError(t *testing.T) {
	f := newFixture(t, 2)
	f.runner.err = errors.New("broker down")

	_, err := f.disp.Dispatch(context.Background(), domain.Drip{ID: "drip-1"}, f.all(t), nil)
	assert.ErrorContains(t, err, "broker down")
	assert.Len(t, f.db.Intents().All("drip-1"), 5, "intents survive for the next sweep")
}

func TestDeliverChunk_SendsAndAdvances(t *testing.T) {
	f := newFixture(t, 100)
	ctx := context.Background()
	next := "after-drip"
	subs := f.all(t)[:3]

	_, err := f.disp.Dispatch(ctx, domain.Drip{ID: "drip-1"}, subs, &next)
	require.NoError(t, err)
	require.Len(t, f.runner.tasks, 1)

	report, err := f.deliverer.DeliverChunk(ctx, f.runner.tasks[0])
	require.NoError(t, err)
	assert.Equal(t, 3, report.Sent)
	assert.Equal(t, 1, f.transport.opened, "one connection per chunk")

	sent := f.transport.Sent()
	require.Len(t, sent, 3)
	assert.Equal(t, "Hello", sent[0].Subject)
	assert.Equal(t, "<p>Hi user0@example.com</p>", sent[0].HTMLBody)

	for _, in := range f.db.Intents().All("drip-1") {
		assert.True(t, in.Sent)
		require.NotNil(t, in.SubjectID)
		assert.Equal(t, "subj-1", *in.SubjectID)
	}
	for _, s := range subs {
		got, _ := f.db.Subscribers().Get(ctx, s.ID)
		assert.True(t, got.OnStep("after-drip"))
	}
	assert.False(t, f.locks.Held(f.deliverer.ChunkKey(f.runner.tasks[0])), "lock released")
}

func TestDeliverChunk_RedeliveryAfterSuccessSendsNothing(t *testing.T) {
	f := newFixture(t, 100)
	ctx := context.Background()
	_, err := f.disp.Dispatch(ctx, domain.Drip{ID: "drip-1"}, f.all(t)[:3], nil)
	require.NoError(t, err)
	task := f.runner.tasks[0]

	_, err = f.deliverer.DeliverChunk(ctx, task)
	require.NoError(t, err)
	report, err := f.deliverer.DeliverChunk(ctx, task)
	require.NoError(t, err)

	assert.Zero(t, report.Sent)
	assert.Equal(t, 3, report.Skipped)
	assert.Len(t, f.transport.Sent(), 3)
}

func TestDeliverChunk_LockedChunkIsSkipped(t *testing.T) {
	f := newFixture(t, 100)
	ctx := context.Background()
	_, err := f.disp.Dispatch(ctx, domain.Drip{ID: "drip-1"}, f.all(t)[:3], nil)
	require.NoError(t, err)
	task := f.runner.tasks[0]

	lease, err := f.coord.TryAcquire(ctx, time.Minute, ScopeChunk, "drip-1", "sub-0")
	require.NoError(t, err)
	require.NotNil(t, lease)
	assert.Equal(t, "test:drip-chunk:drip-1:sub-0", f.deliverer.ChunkKey(task))

	var logs bytes.Buffer
	logger.SetOutput(&logs)
	logger.SetLevel(logger.INFO)
	report, err := f.deliverer.DeliverChunk(ctx, task)
	logger.SetOutput(os.Stderr)
	require.NoError(t, err)
	assert.True(t, report.Locked)
	assert.NotContains(t, logs.String(), "already being delivered", "contention is not logged at info")
	assert.Empty(t, f.transport.Sent())
	assert.Zero(t, f.transport.opened)

	// A different chunk of the same drip is not blocked.
	report, err = f.deliverer.DeliverChunk(ctx, Task{DripID: "drip-1", SubscriberIDs: []string{"sub-1", "sub-2"}})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Sent)
}

func TestDeliverChunk_PerItemFailure(t *testing.T) {
	f := newFixture(t, 100)
	ctx := context.Background()
	f.transport.failTo["user1@example.com"] = true
	_, err := f.disp.Dispatch(ctx, domain.Drip{ID: "drip-1"}, f.all(t)[:3], nil)
	require.NoError(t, err)

	report, err := f.deliverer.DeliverChunk(ctx, f.runner.tasks[0])
	require.NoError(t, err)
	assert.Equal(t, 2, report.Sent)
	assert.Equal(t, 1, report.Failed)

	unsent, err := f.db.Intents().ListUnsent(ctx, "drip-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"sub-1"}, unsent)

	// The next sweep retries only the failed intent.
	delete(f.transport.failTo, "user1@example.com")
	handles, err := f.disp.EnqueueUnsent(ctx, "drip-1", nil)
	require.NoError(t, err)
	require.Len(t, handles, 1)
	report, err = f.deliverer.DeliverChunk(ctx, f.runner.tasks[1])
	require.NoError(t, err)
	assert.Equal(t, 1, report.Sent)
	assert.Len(t, f.transport.Sent(), 3)
}

func TestDeliverChunk_SkipsInactive(t *testing.T) {
	f := newFixture(t, 100)
	ctx := context.Background()
	_, err := f.disp.Dispatch(ctx, domain.Drip{ID: "drip-1"}, f.all(t), nil)
	require.NoError(t, err)

	report, err := f.deliverer.DeliverChunk(ctx, f.runner.tasks[0])
	require.NoError(t, err)
	assert.Equal(t, 3, report.Sent)
	assert.Equal(t, 2, report.Skipped)

	f.activate(t)
	report, err = f.deliverer.DeliverChunk(ctx, f.runner.tasks[0])
	require.NoError(t, err)
	assert.Equal(t, 2, report.Sent, "reactivated subscribers receive the pending drip")
}

func TestDeliverChunk_MissingDrip(t *testing.T) {
	f := newFixture(t, 100)
	ctx := context.Background()
	_, err := f.disp.Dispatch(ctx, domain.Drip{ID: "drip-1"}, f.all(t)[:2], nil)
	require.NoError(t, err)
	f.db.DeleteDrip("drip-1")

	report, err := f.deliverer.DeliverChunk(ctx, f.runner.tasks[0])
	require.NoError(t, err)
	assert.Zero(t, report.Sent)
	assert.Empty(t, f.transport.Sent())
	assert.False(t, f.locks.Held(f.deliverer.ChunkKey(f.runner.tasks[0])))
}

func TestDeliverChunk_OpenFailureReleasesLock(t *testing.T) {
	f := newFixture(t, 100)
	ctx := context.Background()
	f.transport.openErr = errors.New("connection refused")
	_, err := f.disp.Dispatch(ctx, domain.Drip{ID: "drip-1"}, f.all(t)[:2], nil)
	require.NoError(t, err)
	task := f.runner.tasks[0]

	_, err = f.deliverer.DeliverChunk(ctx, task)
	assert.ErrorContains(t, err, "connection refused")
	assert.False(t, f.locks.Held(f.deliverer.ChunkKey(task)))

	unsent, err := f.db.Intents().ListUnsent(ctx, "drip-1")
	require.NoError(t, err)
	assert.Len(t, unsent, 2)
}

// slowTransport delays every send and runs onSend first.
type slowTransport struct {
	*transport.Log
	delay  time.Duration
	onSend func(to string)
}

func (s *slowTransport) Open(ctx context.Context) (transport.Connection, error) {
	conn, err := s.Log.Open(ctx)
	if err != nil {
		return nil, err
	}
	return &slowConn{Connection: conn, t: s}, nil
}

type slowConn struct {
	transport.Connection
	t *slowTransport
}

func (c *slowConn) Send(ctx context.Context, msg *domain.EmailMessage) (*domain.SendResult, error) {
	if c.t.onSend != nil {
		c.t.onSend(msg.To)
	}
	time.Sleep(c.t.delay)
	return c.Connection.Send(ctx, msg)
}

func (f *fixture) delivererWith(tr transport.Transport, coord *distlock.Coordinator, ttl time.Duration) *Deliverer {
	return NewDeliverer(DelivererDeps{
		Drips:       f.db.Drips(),
		Subscribers: f.db.Subscribers(),
		Intents:     f.db.Intents(),
		Locks:       coord,
		Builder:     message.NewBuilder("noreply@example.com"),
		Transport:   tr,
	}, ttl, func() time.Time { return testNow })
}

func TestDeliverChunk_ExtendsLeaseDuringSlowChunk(t *testing.T) {
	f := newFixture(t, 100)
	ctx := context.Background()
	_, err := f.disp.Dispatch(ctx, domain.Drip{ID: "drip-1"}, f.all(t)[:3], nil)
	require.NoError(t, err)
	task := f.runner.tasks[0]

	var held []bool
	slow := &slowTransport{Log: transport.NewLog(), delay: 40 * time.Millisecond}
	d := f.delivererWith(slow, f.coord, 60*time.Millisecond)
	slow.onSend = func(string) { held = append(held, f.locks.Held(d.ChunkKey(task))) }

	report, err := d.DeliverChunk(ctx, task)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Sent)
	assert.False(t, report.LeaseLost)
	assert.Equal(t, []bool{true, true, true}, held, "chunk lock stays held for the whole chunk")
	assert.False(t, f.locks.Held(d.ChunkKey(task)), "lock released")
}

// stolenStore reports every lease as taken by someone else on extend.
type stolenStore struct{ *distlock.MemoryStore }

func (stolenStore) Extend(context.Context, string, string, time.Duration) (bool, error) {
	return false, nil
}

func TestDeliverChunk_StopsWhenLeaseLost(t *testing.T) {
	f := newFixture(t, 100)
	ctx := context.Background()
	_, err := f.disp.Dispatch(ctx, domain.Drip{ID: "drip-1"}, f.all(t)[:3], nil)
	require.NoError(t, err)
	task := f.runner.tasks[0]

	slow := &slowTransport{Log: transport.NewLog(), delay: 5 * time.Millisecond}
	coord := distlock.NewCoordinator(stolenStore{distlock.NewMemoryStore()}, "test")
	d := f.delivererWith(slow, coord, 2*time.Millisecond)

	report, err := d.DeliverChunk(ctx, task)
	require.NoError(t, err)
	assert.True(t, report.LeaseLost)
	assert.Equal(t, 1, report.Sent)
	assert.Len(t, slow.Sent(), 1)

	unsent := 0
	for _, in := range f.db.Intents().All("drip-1") {
		if !in.Sent {
			unsent++
		}
	}
	assert.Equal(t, 2, unsent, "the rest waits for the next sweep")
}
