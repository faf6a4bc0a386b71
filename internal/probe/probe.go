// Package probe classifies the observable UI state of an agent frame.
package probe

import (
	"context"
	"time"

	"github.com/basket/angrav-gateway/internal/driver"
	"github.com/basket/angrav-gateway/internal/model"
)

// Probe classifies current UI state from observable signals. It is
// idempotent and side-effect-free.
type Probe struct{}

// New returns a StateProbe. It carries no state of its own.
func New() *Probe { return &Probe{} }

// Sample evaluates the classification rule against frame, in order:
// stop-affordance visible -> thinking; else error toast visible -> error;
// else idle.
func (p *Probe) Sample(ctx context.Context, f driver.Frame) (model.StateSample, error) {
	stop := f.Locate(ctx, "stop affordance")
	thinking, err := stop.Visible(ctx)
	if err != nil {
		return model.StateSample{}, err
	}
	if thinking {
		return model.StateSample{State: model.StateThinking, IsInputEnabled: false}, nil
	}

	toast := f.Locate(ctx, "error toast")
	errVisible, err := toast.Visible(ctx)
	if err != nil {
		return model.StateSample{}, err
	}
	if errVisible {
		msg, _ := toast.Text(ctx)
		return model.StateSample{State: model.StateError, IsInputEnabled: true, ErrorMessage: msg}, nil
	}

	return model.StateSample{State: model.StateIdle, IsInputEnabled: true}, nil
}

// WaitForIdle returns successfully once the stop-affordance has been
// observed hidden at least once within timeout; fails with a
// driver.TimeoutError otherwise. Poll granularity is driver-defined.
func (p *Probe) WaitForIdle(ctx context.Context, f driver.Frame, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	const pollInterval = 250 * time.Millisecond
	for {
		sample, err := p.Sample(ctx, f)
		if err == nil && sample.State != model.StateThinking {
			return nil
		}
		if time.Now().After(deadline) {
			return &driver.TimeoutError{Op: "wait-idle", Timeout: timeout}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}
