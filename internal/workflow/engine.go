package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ignite/squeeze/internal/audience"
	"github.com/ignite/squeeze/internal/dispatch"
	"github.com/ignite/squeeze/internal/domain"
	"github.com/ignite/squeeze/internal/pkg/distlock"
	"github.com/ignite/squeeze/internal/pkg/logger"
	"github.com/ignite/squeeze/internal/pkg/tracing"
	"github.com/ignite/squeeze/internal/store"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Lock scopes used by the engine.
const (
	ScopeStep      = "step"
	ScopeBroadcast = "broadcast"
)

// Dispatcher turns a drip audience into send intents and queued chunks.
// *dispatch.Dispatcher satisfies it.
type Dispatcher interface {
	Dispatch(ctx context.Context, drip domain.Drip, audience []domain.Subscriber, nextStepID *string) ([]dispatch.TaskHandle, error)
	EnqueueUnsent(ctx context.Context, dripID string, nextStepID *string) ([]dispatch.TaskHandle, error)
}

// Deps are the collaborators of an Engine.
type Deps struct {
	Steps       store.StepStore
	Subscribers store.SubscriberStore
	Drips       store.DripStore
	Locks       *distlock.Coordinator
	Targets     *Targets
	Dispatcher  Dispatcher
}

// Config tunes an Engine.
type Config struct {
	// StepLockTTL bounds how long a crashed worker can hold a step.
	StepLockTTL time.Duration
	// Now overrides the clock; defaults to time.Now in UTC.
	Now func() time.Time
}

// Engine evaluates active steps and sweeps unsent drips.
type Engine struct {
	steps       store.StepStore
	subscribers store.SubscriberStore
	drips       store.DripStore
	locks       *distlock.Coordinator
	targets     *Targets
	dispatcher  Dispatcher
	evaluator   *audience.Evaluator

	lockTTL time.Duration
	now     func() time.Time
	tracer  trace.Tracer
}

// NewEngine creates an Engine.
func NewEngine(deps Deps, cfg Config) *Engine {
	if cfg.StepLockTTL <= 0 {
		cfg.StepLockTTL = 24 * time.Hour
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if deps.Targets == nil {
		deps.Targets = NewTargets()
	}
	return &Engine{
		steps:       deps.Steps,
		subscribers: deps.Subscribers,
		drips:       deps.Drips,
		locks:       deps.Locks,
		targets:     deps.Targets,
		dispatcher:  deps.Dispatcher,
		evaluator:   audience.NewEvaluator(deps.Subscribers),
		lockTTL:     cfg.StepLockTTL,
		now:         cfg.Now,
		tracer:      tracing.Tracer("github.com/ignite/squeeze/internal/workflow"),
	}
}

// StepResult reports one step evaluation.
type StepResult struct {
	StepID      string
	Kind        domain.ActionKind
	Inactive    bool
	Locked      bool
	Subscribers int
	Moved       int
	Failed      int
	Tasks       int
}

// RunReport summarizes a RunAll cycle.
type RunReport struct {
	Steps   int
	Ran     int
	Locked  int
	Skipped int
	Errors  int
	Moved   int
	Tasks   int
}

// Graph loads the current step forest.
func (e *Engine) Graph(ctx context.Context) (*Graph, error) {
	steps, err := e.steps.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	return NewGraph(steps)
}

// RunAll evaluates every active step once. Steps are independent; a failing
// step is logged and the cycle carries on. Only failures to load the forest
// are returned.
func (e *Engine) RunAll(ctx context.Context) (RunReport, error) {
	g, err := e.Graph(ctx)
	if err != nil {
		return RunReport{}, err
	}

	var report RunReport
	for _, step := range g.Walk() {
		report.Steps++
		res, err := e.runStep(ctx, g, step)
		if err != nil {
			report.Errors++
			logger.Error("step run failed", "step_id", step.ID, "kind", string(step.Action.Kind), "error", err)
			continue
		}
		switch {
		case res.Inactive:
			report.Skipped++
		case res.Locked:
			report.Locked++
		default:
			report.Ran++
		}
		report.Moved += res.Moved
		report.Tasks += res.Tasks
	}

	logger.Info("step cycle complete",
		"steps", report.Steps, "ran", report.Ran, "locked", report.Locked,
		"skipped", report.Skipped, "errors", report.Errors, "moved", report.Moved)
	return report, nil
}

// RunStep evaluates a single step by id.
func (e *Engine) RunStep(ctx context.Context, stepID string) (StepResult, error) {
	g, err := e.Graph(ctx)
	if err != nil {
		return StepResult{}, err
	}
	step, ok := g.Step(stepID)
	if !ok {
		return StepResult{}, fmt.Errorf("%w: %s", ErrStepNotFound, stepID)
	}
	return e.runStep(ctx, g, step)
}

func (e *Engine) runStep(ctx context.Context, g *Graph, step domain.Step) (res StepResult, err error) {
	res = StepResult{StepID: step.ID, Kind: step.Action.Kind}
	if !step.IsActive {
		res.Inactive = true
		return res, nil
	}
	if err := e.validateStep(g, step); err != nil {
		return res, err
	}

	ctx, span := tracing.StartSpan(ctx, e.tracer, "workflow.RunStep",
		attribute.String(tracing.StepIDKey, step.ID),
		attribute.String(tracing.StepKindKey, string(step.Action.Kind)))
	defer func() {
		if err != nil {
			tracing.SetError(span, err)
		}
		span.End()
	}()

	lease, err := e.locks.TryAcquire(ctx, e.lockTTL, ScopeStep, step.ID)
	if err != nil {
		return res, err
	}
	if lease == nil {
		logger.Debug("step locked by another worker", "step_id", step.ID)
		res.Locked = true
		return res, nil
	}
	defer func() {
		// Released even when the action fails or panics.
		if rerr := lease.Release(context.WithoutCancel(ctx)); rerr != nil {
			logger.Error("step lock release failed", "step_id", step.ID, "error", rerr)
		}
	}()

	subs, err := e.subscribers.ListOnStep(ctx, step.ID)
	if err != nil {
		return res, fmt.Errorf("load subscribers for step %s: %w", step.ID, err)
	}
	res.Subscribers = len(subs)
	if len(subs) == 0 {
		return res, nil
	}

	out, err := e.stepRun(ctx, g, step, subs)
	res.Moved, res.Failed, res.Tasks = out.moved, out.failed, out.tasks
	return res, err
}

// validateStep rejects configuration errors before the step is leased.
func (e *Engine) validateStep(g *Graph, step domain.Step) error {
	if err := step.Action.Validate(); err != nil {
		return fmt.Errorf("step %s: %w", step.ID, err)
	}
	switch step.Action.Kind {
	case domain.ActionDecision:
		for _, branch := range []*string{step.Action.Decision.OnTrue, step.Action.Decision.OnFalse} {
			if branch == nil {
				continue
			}
			if _, ok := g.Step(*branch); !ok {
				return fmt.Errorf("%w: step %s branches to unknown step %s", ErrInvalidGraph, step.ID, *branch)
			}
		}
		if err := audience.ValidateRules(step.Action.Decision.Rules); err != nil {
			return fmt.Errorf("step %s: %w", step.ID, err)
		}
	case domain.ActionModify:
		m := step.Action.Modify
		if _, err := e.targets.Resolve(m.Target, m.Operation); err != nil {
			return fmt.Errorf("step %s: %w", step.ID, err)
		}
	}
	return nil
}

// ValidateGraph checks every step's configuration, returning all problems
// joined. Authoring tools call it before activating a workflow.
func (e *Engine) ValidateGraph(ctx context.Context) error {
	g, err := e.Graph(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, step := range g.Walk() {
		if err := e.validateStep(g, step); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
