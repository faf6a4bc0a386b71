package streaming

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/angrav-gateway/internal/driver"
	"github.com/basket/angrav-gateway/internal/model"
	"github.com/basket/angrav-gateway/internal/probe"
)

// scriptedFrame replays a fixed sequence of (state, partial-answer) pairs,
// one entry consumed per poll tick. Index advances exactly once per tick,
// on the AnswerText read — the last thing Poll does each iteration —
// so state and answer always agree within one tick.
type scriptedFrame struct {
	mu      sync.Mutex
	idx     int
	states  []model.State
	answers []string
	errMsg  string
}

func (f *scriptedFrame) URL() string { return "" }

func (f *scriptedFrame) stateAt(idx int) model.State {
	if idx >= len(f.states) {
		idx = len(f.states) - 1
	}
	return f.states[idx]
}

func (f *scriptedFrame) answerAt(idx int) string {
	if idx >= len(f.answers) {
		idx = len(f.answers) - 1
	}
	return f.answers[idx]
}

func (f *scriptedFrame) Locate(ctx context.Context, predicate string) driver.Locator {
	return &scriptedLocator{frame: f, predicate: predicate}
}

type scriptedLocator struct {
	frame     *scriptedFrame
	predicate string
}

func (l *scriptedLocator) Count(ctx context.Context) (int, error) { return 1, nil }

func (l *scriptedLocator) Text(ctx context.Context) (string, error) {
	l.frame.mu.Lock()
	defer l.frame.mu.Unlock()
	switch l.predicate {
	case "error toast":
		return l.frame.errMsg, nil
	case "answer text":
		text := l.frame.answerAt(l.frame.idx)
		l.frame.idx++
		return text, nil
	}
	return "", nil
}

func (l *scriptedLocator) Attr(ctx context.Context, name string) (string, bool, error) {
	return "", false, nil
}

func (l *scriptedLocator) Visible(ctx context.Context) (bool, error) {
	l.frame.mu.Lock()
	defer l.frame.mu.Unlock()
	state := l.frame.stateAt(l.frame.idx)
	switch l.predicate {
	case "stop affordance":
		return state == model.StateThinking, nil
	case "error toast":
		return state == model.StateError, nil
	}
	return false, nil
}

func (l *scriptedLocator) Click(ctx context.Context) error             { return nil }
func (l *scriptedLocator) Type(ctx context.Context, text string) error { return nil }
func (l *scriptedLocator) Press(ctx context.Context, key string) error { return nil }
func (l *scriptedLocator) WaitVisible(ctx context.Context, timeout time.Duration) error {
	return nil
}
func (l *scriptedLocator) WaitHidden(ctx context.Context, timeout time.Duration) error {
	return nil
}
func (l *scriptedLocator) At(ctx context.Context, i int) driver.Locator { return l }

func newAnswerReader() AnswerReader {
	return readerFunc(func(ctx context.Context, f driver.Frame) (string, error) {
		return f.Locate(ctx, "answer text").Text(ctx)
	})
}

func TestPoll_DeltaConcatenationEqualsFinalTextOnCompletion(t *testing.T) {
	f := &scriptedFrame{
		states:  []model.State{model.StateThinking, model.StateThinking, model.StateThinking, model.StateIdle},
		answers: []string{"Hel", "Hello, wor", "Hello, world!", "Hello, world!"},
	}
	p := New(probe.New(), newAnswerReader())

	var mu sync.Mutex
	var concatenated strings.Builder
	var sawCompletion bool
	cb := func(d Delta) {
		mu.Lock()
		defer mu.Unlock()
		concatenated.WriteString(d.Content)
		if d.IsComplete {
			sawCompletion = true
		}
	}

	final, err := p.Poll(context.Background(), f, cb, Options{PollInterval: 5 * time.Millisecond, Timeout: time.Second})
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if final != "Hello, world!" {
		t.Fatalf("final = %q, want %q", final, "Hello, world!")
	}
	if !sawCompletion {
		t.Fatal("expected a completion delta")
	}
	if concatenated.String() != final {
		t.Fatalf("concatenated deltas = %q, want exactly the final text %q (prefix property)", concatenated.String(), final)
	}
}

func TestPoll_SingleTickCompletion(t *testing.T) {
	f := &scriptedFrame{
		states:  []model.State{model.StateIdle},
		answers: []string{"already done"},
	}
	p := New(probe.New(), newAnswerReader())

	var concatenated strings.Builder
	cb := func(d Delta) { concatenated.WriteString(d.Content) }

	final, err := p.Poll(context.Background(), f, cb, Options{PollInterval: 5 * time.Millisecond, Timeout: time.Second})
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if final != "already done" {
		t.Fatalf("final = %q", final)
	}
	if concatenated.String() != final {
		t.Fatalf("concatenated = %q, want %q", concatenated.String(), final)
	}
}

func TestPoll_ErrorStateTerminatesWithError(t *testing.T) {
	f := &scriptedFrame{
		states:  []model.State{model.StateThinking, model.StateError},
		answers: []string{"partial", "partial"},
		errMsg:  "agent surface reported a failure",
	}
	p := New(probe.New(), newAnswerReader())

	var lastDelta Delta
	cb := func(d Delta) { lastDelta = d }

	_, err := p.Poll(context.Background(), f, cb, Options{PollInterval: 5 * time.Millisecond, Timeout: time.Second})
	if err == nil {
		t.Fatal("expected an error")
	}
	if !lastDelta.IsComplete || lastDelta.State != model.StateError {
		t.Fatalf("lastDelta = %+v, want a terminal error delta", lastDelta)
	}
}

func TestPoll_TimesOutWhileThinkingForever(t *testing.T) {
	f := &scriptedFrame{
		states:  []model.State{model.StateThinking},
		answers: []string{"stuck"},
	}
	p := New(probe.New(), newAnswerReader())

	_, err := p.Poll(context.Background(), f, func(Delta) {}, Options{PollInterval: 5 * time.Millisecond, Timeout: 30 * time.Millisecond})
	if err == nil {
		t.Fatal("expected a timeout error")
	}
}
