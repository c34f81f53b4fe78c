package audience

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ignite/squeeze/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type fakeAnnotator struct {
	counts map[string]map[string]int
	calls  int
}

func (f *fakeAnnotator) CountRelated(_ context.Context, relation string, ids []string) (map[string]int, error) {
	f.calls++
	out := map[string]int{}
	for _, id := range ids {
		out[id] = f.counts[relation][id]
	}
	return out, nil
}

func population() []domain.Subscriber {
	subs := make([]domain.Subscriber, 5)
	for i := range subs {
		subs[i] = domain.Subscriber{
			ID:            fmt.Sprintf("sub-%d", i),
			Email:         fmt.Sprintf("user%d@example.com", i),
			IsActive:      i < 3,
			SubscribeDate: testNow.Add(-time.Duration(i) * 24 * time.Hour),
			Attributes:    map[string]any{"plan": []string{"free", "pro"}[i%2], "score": float64(i * 10)},
		}
	}
	subs[4].Tags = []string{"VIP"}
	return subs
}

func ids(subs []domain.Subscriber) []string { return domain.SubscriberIDs(subs) }

func TestEvaluate_FilterIsActive(t *testing.T) {
	e := NewEvaluator(nil)
	rules := []domain.Rule{{Method: domain.MethodFilter, Field: "is_active", Lookup: domain.LookupExact, Value: "True"}}

	got, err := e.Evaluate(context.Background(), rules, population(), testNow)
	require.NoError(t, err)
	assert.Equal(t, []string{"sub-0", "sub-1", "sub-2"}, ids(got))
}

func TestEvaluate_EmptyRulesKeepsEveryone(t *testing.T) {
	got, err := NewEvaluator(nil).Evaluate(context.Background(), nil, population(), testNow)
	require.NoError(t, err)
	assert.Len(t, got, 5)
}

func TestEvaluate_FiltersAndExcludesUnion(t *testing.T) {
	e := NewEvaluator(nil)
	rules := []domain.Rule{
		{Method: domain.MethodFilter, Field: "email", Lookup: domain.LookupEndsWith, Value: "@example.com"},
		{Method: domain.MethodFilter, Field: "attributes__score", Lookup: domain.LookupGte, Value: "10"},
		// Excludes are a union: either condition removes the subscriber.
		{Method: domain.MethodExclude, Field: "attributes__plan", Lookup: domain.LookupExact, Value: "pro"},
		{Method: domain.MethodExclude, Field: "tags", Lookup: domain.LookupIExact, Value: "vip"},
	}

	got, err := e.Evaluate(context.Background(), rules, population(), testNow)
	require.NoError(t, err)
	// score>=10 -> 1..4; drop pro (1,3) and vip (4).
	assert.Equal(t, []string{"sub-2"}, ids(got))
}

func TestEvaluate_RelativeTime(t *testing.T) {
	e := NewEvaluator(nil)
	rules := []domain.Rule{{Method: domain.MethodFilter, Field: "subscribe_date", Lookup: domain.LookupLt, Value: "now-2 days"}}

	got, err := e.Evaluate(context.Background(), rules, population(), testNow)
	require.NoError(t, err)
	assert.Equal(t, []string{"sub-3", "sub-4"}, ids(got))

	// Same rule, later clock: more subscribers qualify.
	got, err = e.Evaluate(context.Background(), rules, population(), testNow.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []string{"sub-2", "sub-3", "sub-4"}, ids(got))
}

func TestEvaluate_TodayAnchor(t *testing.T) {
	e := NewEvaluator(nil)
	rules := []domain.Rule{{Method: domain.MethodFilter, Field: "subscribe_date", Lookup: domain.LookupGte, Value: "today"}}

	got, err := e.Evaluate(context.Background(), rules, population(), testNow)
	require.NoError(t, err)
	assert.Equal(t, []string{"sub-0"}, ids(got))
}

func TestEvaluate_FieldReference(t *testing.T) {
	subs := population()
	recent := testNow.Add(-time.Hour)
	subs[1].StepTimestamp = &recent
	old := testNow.Add(-10 * 24 * time.Hour)
	subs[0].StepTimestamp = &old

	rules := []domain.Rule{{Method: domain.MethodFilter, Field: "step_timestamp", Lookup: domain.LookupGt, Value: "F_subscribe_date"}}
	got, err := NewEvaluator(nil).Evaluate(context.Background(), rules, subs, testNow)
	require.NoError(t, err)
	assert.Equal(t, []string{"sub-1"}, ids(got))
}

func TestEvaluate_CountAnnotation(t *testing.T) {
	ann := &fakeAnnotator{counts: map[string]map[string]int{
		"opens": {"sub-0": 3, "sub-2": 1},
	}}
	e := NewEvaluator(ann)
	rules := []domain.Rule{
		{Method: domain.MethodFilter, Field: "opens__count", Lookup: domain.LookupGt, Value: "0"},
		{Method: domain.MethodExclude, Field: "opens__count", Lookup: domain.LookupGte, Value: "3"},
	}

	got, err := e.Evaluate(context.Background(), rules, population(), testNow)
	require.NoError(t, err)
	assert.Equal(t, []string{"sub-2"}, ids(got))
	assert.Equal(t, 1, ann.calls, "each relation is annotated once")
}

func TestEvaluate_CountWithoutAnnotator(t *testing.T) {
	rules := []domain.Rule{{Method: domain.MethodFilter, Field: "clicks__count", Lookup: domain.LookupGt, Value: "0"}}
	_, err := NewEvaluator(nil).Evaluate(context.Background(), rules, population(), testNow)
	assert.ErrorIs(t, err, ErrInvalidRule)
}

func TestEvaluate_TextLookups(t *testing.T) {
	subs := []domain.Subscriber{
		{ID: "a", Email: "Alice@Example.com"},
		{ID: "b", Email: "bob@test.org"},
	}
	tests := []struct {
		lookup domain.Lookup
		value  string
		want   []string
	}{
		{domain.LookupExact, "bob@test.org", []string{"b"}},
		{domain.LookupIExact, "alice@example.com", []string{"a"}},
		{domain.LookupContains, "Example", []string{"a"}},
		{domain.LookupIContains, "EXAMPLE", []string{"a"}},
		{domain.LookupStartsWith, "bob", []string{"b"}},
		{domain.LookupIStartsWith, "ALICE", []string{"a"}},
		{domain.LookupEndsWith, ".org", []string{"b"}},
		{domain.LookupIEndsWith, ".COM", []string{"a"}},
		{domain.LookupRegex, `^[a-z]+@`, []string{"b"}},
		{domain.LookupIRegex, `^alice`, []string{"a"}},
	}
	for _, tt := range tests {
		t.Run(string(tt.lookup), func(t *testing.T) {
			rules := []domain.Rule{{Method: domain.MethodFilter, Field: "email", Lookup: tt.lookup, Value: tt.value}}
			got, err := NewEvaluator(nil).Evaluate(context.Background(), rules, subs, testNow)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ids(got))
		})
	}
}

func TestPartition_Complete(t *testing.T) {
	rules := []domain.Rule{
		{Method: domain.MethodFilter, Field: "attributes__plan", Lookup: domain.LookupExact, Value: "free"},
		{Method: domain.MethodExclude, Field: "is_active", Lookup: domain.LookupExact, Value: "False"},
	}
	subs := population()
	in, out, err := NewEvaluator(nil).Partition(context.Background(), rules, subs, testNow)
	require.NoError(t, err)

	seen := map[string]int{}
	for _, s := range append(append([]domain.Subscriber{}, in...), out...) {
		seen[s.ID]++
	}
	assert.Len(t, seen, len(subs))
	for id, n := range seen {
		assert.Equal(t, 1, n, id)
	}
	assert.Equal(t, []string{"sub-0", "sub-2"}, ids(in))
}

func TestValidateRules(t *testing.T) {
	bad := []domain.Rule{
		{Method: "keep", Field: "email", Lookup: domain.LookupExact, Value: "x"},
		{Method: domain.MethodFilter, Field: "favourite_colour", Lookup: domain.LookupExact, Value: "x"},
		{Method: domain.MethodFilter, Field: "email", Lookup: "like", Value: "x"},
		{Method: domain.MethodFilter, Field: "is_active", Lookup: domain.LookupExact, Value: "maybe"},
		{Method: domain.MethodFilter, Field: "is_active", Lookup: domain.LookupExact, Value: "now-3 days"},
		{Method: domain.MethodFilter, Field: "subscribe_date", Lookup: domain.LookupLt, Value: "now-3 eons"},
		{Method: domain.MethodFilter, Field: "email", Lookup: domain.LookupRegex, Value: "("},
		{Method: domain.MethodFilter, Field: "tags", Lookup: domain.LookupGt, Value: "a"},
		{Method: domain.MethodFilter, Field: "widgets__count", Lookup: domain.LookupGt, Value: "1"},
		{Method: domain.MethodFilter, Field: "opens__count", Lookup: domain.LookupGt, Value: "many"},
		{Method: domain.MethodFilter, Field: "email", Lookup: domain.LookupExact, Value: "F_nothing"},
	}
	for _, r := range bad {
		err := ValidateRules([]domain.Rule{r})
		require.Error(t, err, "%+v", r)
		assert.True(t, errors.Is(err, ErrInvalidRule), "%+v", r)
		var verr *ValidationError
		assert.True(t, errors.As(err, &verr))
	}

	good := []domain.Rule{
		{Method: domain.MethodFilter, Field: "is_active", Lookup: domain.LookupExact, Value: "True"},
		{Method: domain.MethodExclude, Field: "subscribe_date", Lookup: domain.LookupGt, Value: "today-1 day"},
		{Method: domain.MethodFilter, Field: "send_drips__count", Lookup: domain.LookupLte, Value: "4"},
	}
	assert.NoError(t, ValidateRules(good))
}

func TestEvaluate_MalformedRuleFailsWholeEvaluation(t *testing.T) {
	rules := []domain.Rule{
		{Method: domain.MethodFilter, Field: "is_active", Lookup: domain.LookupExact, Value: "True"},
		{Method: domain.MethodFilter, Field: "nope", Lookup: domain.LookupExact, Value: "x"},
	}
	got, err := NewEvaluator(nil).Evaluate(context.Background(), rules, population(), testNow)
	assert.ErrorIs(t, err, ErrInvalidRule)
	assert.Nil(t, got)
}
