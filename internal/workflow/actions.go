package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ignite/squeeze/internal/domain"
	"github.com/ignite/squeeze/internal/pkg/logger"
	"github.com/ignite/squeeze/internal/store"
)

type actionStats struct {
	moved  int
	failed int
	tasks  int
}

// stepRun dispatches on the action kind. Actions leave subs untouched and
// record movement on the subscriber records themselves.
func (e *Engine) stepRun(ctx context.Context, g *Graph, step domain.Step, subs []domain.Subscriber) (actionStats, error) {
	now := e.now()
	switch step.Action.Kind {
	case domain.ActionDecision:
		return e.runDecision(ctx, step, subs, now)
	case domain.ActionDelay:
		return e.runDelay(ctx, g, step, subs, now)
	case domain.ActionModify:
		return e.runModify(ctx, step, subs)
	case domain.ActionDrip:
		return e.runDrip(ctx, g, step, subs, now)
	default:
		return actionStats{}, fmt.Errorf("%w: unknown kind %q", domain.ErrInvalidAction, step.Action.Kind)
	}
}

// runDecision moves the matching partition to OnTrue and the rest to
// OnFalse. A nil branch leaves its partition on the step.
func (e *Engine) runDecision(ctx context.Context, step domain.Step, subs []domain.Subscriber, now time.Time) (actionStats, error) {
	d := step.Action.Decision
	matched, unmatched, err := e.evaluator.Partition(ctx, d.Rules, subs, now)
	if err != nil {
		return actionStats{}, fmt.Errorf("decision %s: %w", step.ID, err)
	}

	var st actionStats
	e.moveAll(ctx, step, matched, d.OnTrue, now, &st)
	e.moveAll(ctx, step, unmatched, d.OnFalse, now, &st)
	return st, nil
}

// runDelay advances subscribers who have spent at least the delay on the step.
func (e *Engine) runDelay(ctx context.Context, g *Graph, step domain.Step, subs []domain.Subscriber, now time.Time) (actionStats, error) {
	next := g.NextStep(step.ID)
	if next == nil {
		logger.Debug("delay step has no next step", "step_id", step.ID)
		return actionStats{}, nil
	}

	due := make([]domain.Subscriber, 0, len(subs))
	for _, sub := range subs {
		// A missing timestamp cannot be aged; treat it as already due.
		if sub.StepTimestamp == nil || now.Sub(*sub.StepTimestamp) >= step.Action.Delay.Duration {
			due = append(due, sub)
		}
	}

	var st actionStats
	e.moveAll(ctx, step, due, &next.ID, now, &st)
	return st, nil
}

// runModify applies the target capability to each subscriber, isolating
// per-subscriber failures.
func (e *Engine) runModify(ctx context.Context, step domain.Step, subs []domain.Subscriber) (actionStats, error) {
	m := step.Action.Modify
	capability, err := e.targets.Resolve(m.Target, m.Operation)
	if err != nil {
		return actionStats{}, err
	}

	var st actionStats
	for i := range subs {
		sub := subs[i]
		if err := safeApply(ctx, capability, m.Target.ID, &sub); err != nil {
			st.failed++
			logger.Error("modify failed", "step_id", step.ID, "target", m.Target.String(),
				"operation", string(m.Operation), "subscriber_id", sub.ID, "error", err)
		}
	}
	return st, nil
}

func safeApply(ctx context.Context, fn Capability, targetID string, sub *domain.Subscriber) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("capability panicked: %v", r)
		}
	}()
	return fn(ctx, targetID, sub)
}

// runDrip narrows the step's subscribers by the drip's rules and hands them
// to the dispatcher. Subscribers advance only once their send succeeds.
func (e *Engine) runDrip(ctx context.Context, g *Graph, step domain.Step, subs []domain.Subscriber, now time.Time) (actionStats, error) {
	drip, err := e.drips.Get(ctx, step.Action.DripID)
	if errors.Is(err, store.ErrNotFound) {
		logger.Warn("drip step references missing drip", "step_id", step.ID, "drip_id", step.Action.DripID)
		return actionStats{}, nil
	}
	if err != nil {
		return actionStats{}, fmt.Errorf("load drip %s: %w", step.Action.DripID, err)
	}
	if !drip.Enabled {
		logger.Debug("drip disabled, skipping", "step_id", step.ID, "drip_id", drip.ID)
		return actionStats{}, nil
	}

	audience, err := e.evaluator.Evaluate(ctx, drip.Rules, subs, now)
	if err != nil {
		return actionStats{}, fmt.Errorf("drip %s rules: %w", drip.ID, err)
	}

	var nextStepID *string
	if next := g.NextStep(step.ID); next != nil {
		nextStepID = &next.ID
	}
	handles, err := e.dispatcher.Dispatch(ctx, *drip, audience, nextStepID)
	if err != nil {
		return actionStats{}, fmt.Errorf("dispatch drip %s: %w", drip.ID, err)
	}
	return actionStats{tasks: len(handles)}, nil
}

func (e *Engine) moveAll(ctx context.Context, step domain.Step, subs []domain.Subscriber, target *string, now time.Time, st *actionStats) {
	if target == nil {
		return
	}
	for _, sub := range subs {
		if err := e.subscribers.MoveToStep(ctx, sub.ID, *target, now); err != nil {
			st.failed++
			logger.Error("move to step failed", "step_id", step.ID, "target_step_id", *target,
				"subscriber_id", sub.ID, "error", err)
			continue
		}
		st.moved++
	}
}
