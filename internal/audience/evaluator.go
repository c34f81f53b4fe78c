package audience

import (
	"context"
	"fmt"
	"time"

	"github.com/ignite/squeeze/internal/domain"
)

// Annotator supplies distinct counts of related collections for
// "<relation>__count" paths. store.SubscriberStore satisfies it.
type Annotator interface {
	CountRelated(ctx context.Context, relation string, ids []string) (map[string]int, error)
}

// Evaluator applies rule sets to in-memory candidate populations.
type Evaluator struct {
	annotator Annotator
}

// NewEvaluator creates an Evaluator. annotator may be nil when no rule set
// uses count paths.
func NewEvaluator(annotator Annotator) *Evaluator {
	return &Evaluator{annotator: annotator}
}

// Evaluate returns the candidates matching every filter rule and no exclude
// rule, in input order. An empty rule set matches everyone.
func (e *Evaluator) Evaluate(ctx context.Context, rules []domain.Rule, candidates []domain.Subscriber, now time.Time) ([]domain.Subscriber, error) {
	in, _, err := e.Partition(ctx, rules, candidates, now)
	return in, err
}

// Partition splits candidates into those matching rules and the rest. The two
// sets are disjoint and together hold every candidate exactly once.
func (e *Evaluator) Partition(ctx context.Context, rules []domain.Rule, candidates []domain.Subscriber, now time.Time) (matched, unmatched []domain.Subscriber, err error) {
	filters, excludes, err := compileRules(rules)
	if err != nil {
		return nil, nil, err
	}

	ann, err := e.annotate(ctx, append(append([]compiled{}, filters...), excludes...), candidates)
	if err != nil {
		return nil, nil, err
	}

	for _, sub := range candidates {
		if included(sub, filters, excludes, ann, now) {
			matched = append(matched, sub)
		} else {
			unmatched = append(unmatched, sub)
		}
	}
	return matched, unmatched, nil
}

func included(sub domain.Subscriber, filters, excludes []compiled, ann annotations, now time.Time) bool {
	for _, f := range filters {
		if !f.matches(sub, ann, now) {
			return false
		}
	}
	for _, x := range excludes {
		if x.matches(sub, ann, now) {
			return false
		}
	}
	return true
}

// annotate loads each relation counted by rules once for the whole population.
func (e *Evaluator) annotate(ctx context.Context, rules []compiled, candidates []domain.Subscriber) (annotations, error) {
	relations := map[string]bool{}
	for _, c := range rules {
		if c.path.Kind == PathCount {
			relations[c.path.Name] = true
		}
		if c.ref != nil && c.ref.Kind == PathCount {
			relations[c.ref.Name] = true
		}
	}
	if len(relations) == 0 || len(candidates) == 0 {
		return nil, nil
	}
	if e.annotator == nil {
		return nil, fmt.Errorf("%w: count paths need an annotator", ErrInvalidRule)
	}

	ids := domain.SubscriberIDs(candidates)
	ann := annotations{}
	for rel := range relations {
		counts, err := e.annotator.CountRelated(ctx, rel, ids)
		if err != nil {
			return nil, fmt.Errorf("annotate %s: %w", rel, err)
		}
		ann[rel] = counts
	}
	return ann, nil
}
