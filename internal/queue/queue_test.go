package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/ignite/squeeze/internal/dispatch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDeliverer struct {
	mu       sync.Mutex
	tasks    []dispatch.Task
	ctxs     []context.Context
	failures int
	done     chan struct{}
	want     int
}

func (f *fakeDeliverer) DeliverChunk(ctx context.Context, task dispatch.Task) (dispatch.DeliveryReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ctxs = append(f.ctxs, ctx)
	if f.failures > 0 {
		f.failures--
		return dispatch.DeliveryReport{}, errors.New("lock store unreachable")
	}
	f.tasks = append(f.tasks, task)
	if len(f.tasks) == f.want {
		close(f.done)
	}
	return dispatch.DeliveryReport{DripID: task.DripID, Sent: len(task.SubscriberIDs)}, nil
}

func runConsumer(t *testing.T, d *fakeDeliverer) (*Publisher, func()) {
	t.Helper()
	// Persistent so tasks published before Run subscribes are still delivered.
	pubSub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 10, Persistent: true}, NewLogger())
	ctx, cancel := context.WithCancel(context.Background())

	consumer := NewConsumer(pubSub, "", d)
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		assert.NoError(t, consumer.Run(ctx))
	}()

	return NewPublisher(pubSub, ""), func() {
		cancel()
		<-stopped
		_ = pubSub.Close()
	}
}

func TestPublishConsume(t *testing.T) {
	d := &fakeDeliverer{done: make(chan struct{}), want: 2}
	pub, stop := runConsumer(t, d)
	defer stop()

	next := "step-2"
	h1, err := pub.Enqueue(context.Background(), dispatch.Task{DripID: "drip-1", SubscriberIDs: []string{"a", "b"}, NextStepID: &next})
	require.NoError(t, err)
	h2, err := pub.Enqueue(context.Background(), dispatch.Task{DripID: "drip-1", SubscriberIDs: []string{"c"}})
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)

	select {
	case <-d.done:
	case <-time.After(2 * time.Second):
		t.Fatal("tasks not delivered")
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	require.Len(t, d.tasks, 2)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, append(append([]string{}, d.tasks[0].SubscriberIDs...), d.tasks[1].SubscriberIDs...))
	for _, task := range d.tasks {
		if len(task.SubscriberIDs) == 2 {
			require.NotNil(t, task.NextStepID)
			assert.Equal(t, "step-2", *task.NextStepID)
		} else {
			assert.Nil(t, task.NextStepID)
		}
	}
}

func TestConsumer_RedeliversOnError(t *testing.T) {
	d := &fakeDeliverer{done: make(chan struct{}), want: 1, failures: 2}
	pub, stop := runConsumer(t, d)
	defer stop()

	_, err := pub.Enqueue(context.Background(), dispatch.Task{DripID: "drip-1", SubscriberIDs: []string{"a"}})
	require.NoError(t, err)

	select {
	case <-d.done:
	case <-time.After(2 * time.Second):
		t.Fatal("task not redelivered")
	}
	assert.Zero(t, d.failures)
}

func TestConsumer_DropsBadPayload(t *testing.T) {
	d := &fakeDeliverer{done: make(chan struct{}), want: 1}
	pubSub := NewGoChannel(NewLogger())
	defer pubSub.Close()
	consumer := NewConsumer(pubSub, "", d)

	msg := message.NewMessage("bad-1", []byte("not json"))
	consumer.handle(msg)

	select {
	case <-msg.Acked():
	default:
		t.Fatal("undecodable message must be acked")
	}
	assert.Empty(t, d.tasks)
}

func TestPublisher_Metadata(t *testing.T) {
	pubSub := NewGoChannel(NewLogger())
	defer pubSub.Close()

	messages, err := pubSub.Subscribe(context.Background(), "custom")
	require.NoError(t, err)

	pub := NewPublisher(pubSub, "custom")
	_, err = pub.Enqueue(context.Background(), dispatch.Task{DripID: "drip-9", SubscriberIDs: []string{"a", "b", "c"}})
	require.NoError(t, err)

	select {
	case msg := <-messages:
		assert.Equal(t, "drip-9", msg.Metadata.Get(MetadataDripID))
		assert.Equal(t, "3", msg.Metadata.Get(MetadataChunkSize))
		msg.Ack()
	case <-time.After(time.Second):
		t.Fatal("no message")
	}
}

func TestSyncGoChannel_PublishWaitsForDelivery(t *testing.T) {
	d := &fakeDeliverer{done: make(chan struct{}), want: 1}
	pubSub := NewSyncGoChannel(NewLogger())
	defer pubSub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done, err := NewConsumer(pubSub, "", d).Start(ctx)
	require.NoError(t, err)

	_, err = NewPublisher(pubSub, "").Enqueue(context.Background(), dispatch.Task{DripID: "drip-1", SubscriberIDs: []string{"a"}})
	require.NoError(t, err)

	d.mu.Lock()
	assert.Len(t, d.tasks, 1)
	d.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop")
	}
}

type traceKey struct{}

func TestConsumer_DeliversUnderMessageContext(t *testing.T) {
	d := &fakeDeliverer{done: make(chan struct{}), want: 1}
	pubSub := NewGoChannel(NewLogger())
	defer pubSub.Close()
	c := NewConsumer(pubSub, "", d)

	msg := message.NewMessage("m-1", []byte(`{"drip_id":"d1","subscriber_ids":["s1"]}`))
	msg.SetContext(context.WithValue(context.Background(), traceKey{}, "span-7"))
	c.handle(msg)

	select {
	case <-msg.Acked():
	default:
		t.Fatal("message was not acked")
	}
	require.Len(t, d.ctxs, 1)
	assert.Equal(t, "span-7", d.ctxs[0].Value(traceKey{}))
}
