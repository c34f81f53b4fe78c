package engagement

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/ignite/squeeze/internal/domain"
	"github.com/ignite/squeeze/internal/repository/memory"
	"github.com/ignite/squeeze/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 4, 2, 12, 0, 0, 0, time.UTC)

var emails = []string{"a@x.io", "b@x.io", "c@x.io", "d@x.io", "e@x.io", "f@x.io"}

type fixture struct {
	db       *memory.DB
	tokens   *Tokens
	recorder *Recorder
	reports  *Reports
	subs     []string
}

func newFixture(t *testing.T, n int) *fixture {
	t.Helper()
	ctx := context.Background()
	db := memory.New()
	db.PutDrip(domain.Drip{
		ID: "drip-1", Enabled: true,
		Subjects: []domain.DripSubject{
			{ID: "a", DripID: "drip-1", Text: "A", Enabled: true},
			{ID: "b", DripID: "drip-1", Text: "B", Enabled: true},
		},
	})

	f := &fixture{db: db, tokens: NewTokens("s3cret", "https://t.example.com/")}
	now := func() time.Time { return testNow }
	f.recorder = NewRecorder(db.Subscribers(), db.Intents(), db.Engagement(), f.tokens, now)
	f.reports = NewReports(db.Engagement())

	for i := 0; i < n; i++ {
		id := db.PutSubscriber(domain.Subscriber{
			ID:       fmt.Sprintf("s%d", i),
			Email:    emails[i],
			IsActive: true,
		})
		f.subs = append(f.subs, id)
		in := &domain.SendIntent{DripID: "drip-1", SubscriberID: id, Date: testNow}
		require.NoError(t, db.Intents().Create(ctx, in))
		subject := "a"
		if i%2 == 1 {
			subject = "b"
		}
		_, err := db.Intents().MarkSent(ctx, in.ID, testNow, &subject)
		require.NoError(t, err)
	}
	return f
}

func (f *fixture) token(i int) string {
	return f.tokens.Sign(emails[i])
}

func TestTokens(t *testing.T) {
	tok := NewTokens("key", "https://t.example.com/")

	sig := tok.Sign("Jo@Example.com ")
	assert.True(t, tok.Verify("jo@example.com", sig), "signing normalizes the address")
	assert.False(t, tok.Verify("other@example.com", sig))
	assert.False(t, NewTokens("other-key", "").Verify("jo@example.com", sig))
	assert.NotContains(t, sig, "=")

	assert.Equal(t, "https://t.example.com/t/open/d1/s1/"+sig, tok.OpenURL("d1", "s1", "jo@example.com"))
	assert.Equal(t, "https://t.example.com/t/unsubscribe/d1/s1/"+sig, tok.UnsubscribeURL("d1", "s1", "jo@example.com"))
	assert.Equal(t, "https://t.example.com/t/click/d1/s1/"+sig+"?url=https%3A%2F%2Fexample.com%2Fa%3Fb%3Dc",
		tok.ClickURL("d1", "s1", "jo@example.com", "https://example.com/a?b=c"))
}

func TestRecorder_OpenIsIdempotent(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	require.NoError(t, f.recorder.RecordOpen(ctx, "drip-1", "s0", f.token(0)))
	require.NoError(t, f.recorder.RecordOpen(ctx, "drip-1", "s0", f.token(0)))

	st, err := f.reports.DripStats(ctx, "drip-1")
	require.NoError(t, err)
	assert.Equal(t, 1, st.Opened)
}

func TestRecorder_InvalidToken(t *testing.T) {
	f := newFixture(t, 2)
	err := f.recorder.RecordOpen(context.Background(), "drip-1", "s0", f.token(1))
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestRecorder_MissingIntent(t *testing.T) {
	f := newFixture(t, 1)
	err := f.recorder.RecordOpen(context.Background(), "other-drip", "s0", f.token(0))
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRecorder_ClickImpliesOpenAndMoves(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	step := "interested"

	require.NoError(t, f.recorder.RecordClick(ctx, "drip-1", "s0", f.token(0), &step))

	in, err := f.db.Intents().Get(ctx, "drip-1", "s0")
	require.NoError(t, err)
	for _, kind := range []domain.FactKind{domain.FactOpen, domain.FactClick} {
		ok, err := f.db.Engagement().HasFact(ctx, in.ID, kind)
		require.NoError(t, err)
		assert.True(t, ok, kind)
	}

	sub, _ := f.db.Subscribers().Get(ctx, "s0")
	assert.True(t, sub.OnStep("interested"))
	assert.Equal(t, testNow, *sub.StepTimestamp)
}

func TestRecorder_Unsubscribe(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	require.NoError(t, f.recorder.RecordUnsubscribe(ctx, "drip-1", "s0", f.token(0)))
	require.NoError(t, f.recorder.RecordUnsubscribe(ctx, "drip-1", "s0", f.token(0)))

	sub, _ := f.db.Subscribers().Get(ctx, "s0")
	assert.False(t, sub.IsActive)
	require.NotNil(t, sub.UnsubscribeDate)
	assert.Equal(t, testNow, *sub.UnsubscribeDate)
}

func TestRecorder_Spam(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()

	assert.ErrorIs(t, f.recorder.RecordSpam(ctx, "drip-1", "s0", f.token(1)), ErrInvalidToken)
	require.NoError(t, f.recorder.RecordSpam(ctx, "drip-1", "s0", f.token(0)))
	require.NoError(t, f.recorder.RecordSpam(ctx, "drip-1", "s0", f.token(0)))

	in, err := f.db.Intents().Get(ctx, "drip-1", "s0")
	require.NoError(t, err)
	ok, err := f.db.Engagement().HasFact(ctx, in.ID, domain.FactSpam)
	require.NoError(t, err)
	assert.True(t, ok)

	sub, _ := f.db.Subscribers().Get(ctx, "s0")
	assert.True(t, sub.IsActive, "a complaint alone does not unsubscribe")

	n, err := NewOptOut(f.db.Subscribers(), f.db.Engagement(), func() time.Time { return testNow }).SpamReporters(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	sub, _ = f.db.Subscribers().Get(ctx, "s0")
	assert.False(t, sub.IsActive)
	require.NotNil(t, sub.UnsubscribeDate)
	assert.Equal(t, testNow, *sub.UnsubscribeDate)
}

func TestReports_Rates(t *testing.T) {
	f := newFixture(t, 4)
	ctx := context.Background()

	require.NoError(t, f.recorder.RecordOpen(ctx, "drip-1", "s0", f.token(0)))
	require.NoError(t, f.recorder.RecordClick(ctx, "drip-1", "s1", f.token(1), nil))
	require.NoError(t, f.recorder.RecordSpam(ctx, "drip-1", "s2", f.token(2)))

	st, err := f.reports.DripStats(ctx, "drip-1")
	require.NoError(t, err)
	assert.Equal(t, 4, st.Sent)
	assert.Equal(t, 2, st.Opened)
	assert.Equal(t, 1, st.Clicked)
	assert.Equal(t, 1, st.Spammed)
	assert.InDelta(t, 0.5, st.OpenRate, 1e-9)
	assert.InDelta(t, 0.25, st.ClickRate, 1e-9)
	assert.InDelta(t, 0.25, st.SpamRate, 1e-9)
	assert.Zero(t, st.UnsubscribeRate)

	subjects, err := f.reports.SubjectStats(ctx, "drip-1")
	require.NoError(t, err)
	require.Len(t, subjects, 2)
	assert.Equal(t, "a", subjects[0].SubjectID)
	assert.Equal(t, 2, subjects[0].Sent)
	assert.InDelta(t, 0.5, subjects[0].OpenRate, 1e-9)
	assert.Equal(t, "b", subjects[1].SubjectID)
	assert.InDelta(t, 0.5, subjects[1].ClickRate, 1e-9)
}

func TestReports_NothingSent(t *testing.T) {
	f := newFixture(t, 0)
	st, err := f.reports.DripStats(context.Background(), "drip-1")
	require.NoError(t, err)
	assert.Zero(t, st.Sent)
	assert.Zero(t, st.OpenRate)
}

func TestOptOut_SpamReporters(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	require.NoError(t, f.recorder.RecordSpam(ctx, "drip-1", "s0", f.token(0)))
	require.NoError(t, f.recorder.RecordSpam(ctx, "drip-1", "s2", f.token(2)))

	optout := NewOptOut(f.db.Subscribers(), f.db.Engagement(), func() time.Time { return testNow })
	n, err := optout.SpamReporters(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for id, active := range map[string]bool{"s0": false, "s1": true, "s2": false} {
		sub, _ := f.db.Subscribers().Get(ctx, id)
		assert.Equal(t, active, sub.IsActive, id)
	}

	n, err = optout.SpamReporters(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "already unsubscribed reporters are not counted again")
}
