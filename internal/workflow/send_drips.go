package workflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/ignite/squeeze/internal/domain"
	"github.com/ignite/squeeze/internal/pkg/logger"
	"github.com/ignite/squeeze/internal/store"
)

// SendReport summarizes a SendDrips sweep.
type SendReport struct {
	Drips      int
	Broadcasts int
	Tasks      int
	Errors     int
}

// SendDrips is the "dispatch unsent drips" sweep. Due broadcasts are
// dispatched once to the rule-filtered active population. Broadcasts already
// sent and step drips re-enqueue their unsent intents so failed sends are
// retried.
func (e *Engine) SendDrips(ctx context.Context) (SendReport, error) {
	drips, err := e.drips.ListEnabled(ctx)
	if err != nil {
		return SendReport{}, fmt.Errorf("list drips: %w", err)
	}
	g, err := e.Graph(ctx)
	if err != nil {
		return SendReport{}, err
	}

	var report SendReport
	for _, drip := range drips {
		report.Drips++
		var n int
		var err error
		switch {
		case drip.Type == domain.DripTypeBroadcast && drip.BroadcastSent:
			n, err = e.resendBroadcast(ctx, drip)
		case drip.Type == domain.DripTypeBroadcast:
			n, err = e.sendBroadcast(ctx, drip)
			if n > 0 {
				report.Broadcasts++
			}
		default:
			n, err = e.resendUnsent(ctx, g, drip)
		}
		if err != nil {
			report.Errors++
			logger.Error("send drip failed", "drip_id", drip.ID, "error", err)
			continue
		}
		report.Tasks += n
	}

	logger.Info("send drips complete", "drips", report.Drips, "broadcasts", report.Broadcasts,
		"tasks", report.Tasks, "errors", report.Errors)
	return report, nil
}

func (e *Engine) sendBroadcast(ctx context.Context, drip domain.Drip) (int, error) {
	now := e.now()
	if !drip.Due(now) {
		return 0, nil
	}

	lease, err := e.locks.TryAcquire(ctx, e.lockTTL, ScopeBroadcast, drip.ID)
	if err != nil {
		return 0, err
	}
	if lease == nil {
		logger.Debug("broadcast locked by another worker", "drip_id", drip.ID)
		return 0, nil
	}
	defer func() {
		if rerr := lease.Release(context.WithoutCancel(ctx)); rerr != nil {
			logger.Error("broadcast lock release failed", "drip_id", drip.ID, "error", rerr)
		}
	}()

	audience, err := e.subscribers.QueryAudience(ctx, drip.Rules, now)
	if err != nil {
		return 0, fmt.Errorf("broadcast audience: %w", err)
	}
	handles, err := e.dispatcher.Dispatch(ctx, drip, audience, nil)
	if err != nil {
		return 0, err
	}
	if err := e.drips.MarkBroadcastSent(ctx, drip.ID); err != nil {
		return len(handles), fmt.Errorf("mark broadcast sent: %w", err)
	}
	logger.Info("broadcast dispatched", "drip_id", drip.ID, "audience", len(audience), "tasks", len(handles))
	return len(handles), nil
}

// resendBroadcast re-enqueues intents a sent broadcast failed to deliver.
// Broadcast recipients have no step to advance to.
func (e *Engine) resendBroadcast(ctx context.Context, drip domain.Drip) (int, error) {
	handles, err := e.dispatcher.EnqueueUnsent(ctx, drip.ID, nil)
	return len(handles), err
}

func (e *Engine) resendUnsent(ctx context.Context, g *Graph, drip domain.Drip) (int, error) {
	step, err := e.steps.FindByDrip(ctx, drip.ID)
	if errors.Is(err, store.ErrNotFound) {
		logger.Debug("drip not attached to a step", "drip_id", drip.ID)
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("find step for drip: %w", err)
	}

	var nextStepID *string
	if next := g.NextStep(step.ID); next != nil {
		nextStepID = &next.ID
	}
	handles, err := e.dispatcher.EnqueueUnsent(ctx, drip.ID, nextStepID)
	return len(handles), err
}
