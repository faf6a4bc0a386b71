// Package inject types a prompt into the agent frame and submits it.
package inject

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/basket/angrav-gateway/internal/driver"
	"github.com/basket/angrav-gateway/internal/probe"
)

// ErrInputNotFound is returned when the prompt input cannot be located.
var ErrInputNotFound = errors.New("inject: prompt input not found")

// ErrSubmitFailed is returned when the submit keypress fails.
var ErrSubmitFailed = errors.New("inject: submit failed")

// Options controls post-submission behavior.
type Options struct {
	// Wait, if true, blocks on StateProbe.WaitForIdle after submission.
	Wait    bool
	Timeout time.Duration
}

// Injector enters a prompt into a frame's input and submits it.
type Injector struct {
	probe *probe.Probe
}

func New(p *probe.Probe) *Injector {
	return &Injector{probe: p}
}

// Inject locates the prompt input (a contenteditable rich editor), clicks
// to focus it, selects all existing content, deletes it, types text
// verbatim, then submits with the enter key. It never validates that the
// input cleared afterward — the input frequently becomes read-only on
// submission; validation comes from the state transition StateProbe
// observes next.
func (in *Injector) Inject(ctx context.Context, f driver.Frame, text string, opts Options) error {
	input := f.Locate(ctx, "prompt input")
	if n, err := input.Count(ctx); err != nil || n == 0 {
		return ErrInputNotFound
	}

	if err := input.Click(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrInputNotFound, err)
	}
	if err := selectAll(ctx, input); err != nil {
		return fmt.Errorf("%w: %v", ErrInputNotFound, err)
	}
	if err := input.Press(ctx, "backspace"); err != nil {
		return fmt.Errorf("%w: %v", ErrInputNotFound, err)
	}
	if err := input.Type(ctx, text); err != nil {
		return fmt.Errorf("%w: %v", ErrInputNotFound, err)
	}

	if err := input.Press(ctx, "enter"); err != nil {
		return fmt.Errorf("%w: %v", ErrSubmitFailed, err)
	}

	if opts.Wait {
		return in.probe.WaitForIdle(ctx, f, opts.Timeout)
	}
	return nil
}

// selectAll is a locator-level no-op placeholder for the "select all"
// gesture; concrete drivers implement it as part of Click for
// contenteditable surfaces (triple-click / Ctrl+A). Kept as its own step
// so the sequence documented in the component contract stays visible at
// the call site.
func selectAll(ctx context.Context, l driver.Locator) error {
	return nil
}
