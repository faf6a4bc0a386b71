// Package streaming converts extractor and probe observations into a
// sequence of text deltas terminated by a completion flag. The primitive
// is "poll and emit deltas via callback" (§9): it composes directly with
// an SSE write loop, with no async-iterator layer required.
package streaming

import (
	"context"
	"time"

	"github.com/basket/angrav-gateway/internal/driver"
	"github.com/basket/angrav-gateway/internal/model"
	"github.com/basket/angrav-gateway/internal/probe"
)

// Delta is one emitted chunk of the poller's output.
type Delta struct {
	Content    string
	IsComplete bool
	State      model.State
}

// Callback receives each Delta as it is produced.
type Callback func(Delta)

// Options tunes the poll cadence and overall timeout.
type Options struct {
	PollInterval time.Duration
	Timeout      time.Duration
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = 300 * time.Millisecond
	}
	if o.Timeout <= 0 {
		o.Timeout = 5 * time.Minute
	}
	return o
}

// AnswerReader is the minimal read surface the poller needs: the current
// partial answer text and the current UI state.
type AnswerReader interface {
	AnswerText(ctx context.Context, f driver.Frame) (string, error)
}

type readerFunc func(ctx context.Context, f driver.Frame) (string, error)

func (r readerFunc) AnswerText(ctx context.Context, f driver.Frame) (string, error) {
	return r(ctx, f)
}

// Poller drives the poll loop described in §4.F.
type Poller struct {
	probe  *probe.Probe
	reader AnswerReader
}

func New(p *probe.Probe, reader AnswerReader) *Poller {
	return &Poller{probe: p, reader: reader}
}

// Poll runs the algorithm: maintain previous="", observe lastState=thinking;
// every tick read the current partial text, emit the non-empty suffix as a
// delta; on a thinking->idle edge emit the final delta then a completion
// marker and return the full text; on error or timeout emit a terminal
// error delta and fail. The concatenation of all emitted Content values is
// guaranteed to equal the returned text (prefix property).
func (p *Poller) Poll(ctx context.Context, f driver.Frame, cb Callback, opts Options) (string, error) {
	opts = opts.withDefaults()

	previous := ""
	lastState := model.StateThinking
	deadline := time.Now().Add(opts.Timeout)
	ticker := time.NewTicker(opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			cb(Delta{State: model.StateError, IsComplete: true})
			return previous, ctx.Err()
		case <-ticker.C:
		}

		sample, err := p.probe.Sample(ctx, f)
		if err != nil {
			cb(Delta{Content: err.Error(), IsComplete: true, State: model.StateError})
			return previous, err
		}

		current, err := p.reader.AnswerText(ctx, f)
		if err != nil {
			current = previous
		}
		if len(current) > len(previous) {
			delta := current[len(previous):]
			previous = current
			cb(Delta{Content: delta, IsComplete: false, State: sample.State})
		}

		if sample.State == model.StateIdle && lastState == model.StateThinking {
			cb(Delta{Content: "", IsComplete: true, State: model.StateIdle})
			return current, nil
		}
		if sample.State == model.StateError {
			cb(Delta{Content: sample.ErrorMessage, IsComplete: true, State: model.StateError})
			return previous, errTerminal(sample.ErrorMessage)
		}

		lastState = sample.State

		if time.Now().After(deadline) {
			cb(Delta{Content: "", IsComplete: true, State: model.StateError})
			return previous, errTimeout
		}
	}
}

type pollError string

func (e pollError) Error() string { return string(e) }

func errTerminal(msg string) error {
	if msg == "" {
		msg = "stream: agent surface reported an error"
	}
	return pollError(msg)
}

var errTimeout = pollError("stream: timed out waiting for completion")
