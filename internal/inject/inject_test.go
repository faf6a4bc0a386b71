package inject

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/basket/angrav-gateway/internal/driver"
	"github.com/basket/angrav-gateway/internal/probe"
)

// scriptedLocator fails whichever named methods are listed in failOn, and
// otherwise records what was typed/pressed.
type scriptedLocator struct {
	count     int
	failOn    map[string]error
	typed     string
	pressed   []string
	visible   bool
}

func (l *scriptedLocator) Count(ctx context.Context) (int, error) {
	if err := l.failOn["count"]; err != nil {
		return 0, err
	}
	return l.count, nil
}
func (l *scriptedLocator) Text(ctx context.Context) (string, error) { return "", nil }
func (l *scriptedLocator) Attr(ctx context.Context, name string) (string, bool, error) {
	return "", false, nil
}
func (l *scriptedLocator) Visible(ctx context.Context) (bool, error) { return l.visible, nil }
func (l *scriptedLocator) Click(ctx context.Context) error           { return l.failOn["click"] }
func (l *scriptedLocator) Type(ctx context.Context, text string) error {
	if err := l.failOn["type"]; err != nil {
		return err
	}
	l.typed = text
	return nil
}
func (l *scriptedLocator) Press(ctx context.Context, key string) error {
	if err := l.failOn["press:"+key]; err != nil {
		return err
	}
	l.pressed = append(l.pressed, key)
	return nil
}
func (l *scriptedLocator) WaitVisible(ctx context.Context, timeout time.Duration) error {
	return nil
}
func (l *scriptedLocator) WaitHidden(ctx context.Context, timeout time.Duration) error {
	return nil
}
func (l *scriptedLocator) At(ctx context.Context, i int) driver.Locator { return l }

type scriptedFrame struct {
	input *scriptedLocator
	stop  *scriptedLocator
	toast *scriptedLocator
}

func (f *scriptedFrame) URL() string { return "https://example.test/agent-surface" }
func (f *scriptedFrame) Locate(ctx context.Context, predicate string) driver.Locator {
	switch predicate {
	case "prompt input":
		return f.input
	case "stop affordance":
		return f.stop
	case "error toast":
		return f.toast
	}
	return &scriptedLocator{}
}

func newFrame(input *scriptedLocator) *scriptedFrame {
	return &scriptedFrame{
		input: input,
		stop:  &scriptedLocator{},
		toast: &scriptedLocator{},
	}
}

func TestInject_ReturnsErrInputNotFoundWhenAbsent(t *testing.T) {
	f := newFrame(&scriptedLocator{count: 0})
	in := New(probe.New())
	err := in.Inject(context.Background(), f, "hello", Options{})
	if !errors.Is(err, ErrInputNotFound) {
		t.Fatalf("err = %v, want ErrInputNotFound", err)
	}
}

func TestInject_WrapsClickFailure(t *testing.T) {
	f := newFrame(&scriptedLocator{count: 1, failOn: map[string]error{"click": errors.New("detached node")}})
	in := New(probe.New())
	err := in.Inject(context.Background(), f, "hello", Options{})
	if !errors.Is(err, ErrInputNotFound) {
		t.Fatalf("err = %v, want ErrInputNotFound", err)
	}
}

func TestInject_WrapsTypeFailure(t *testing.T) {
	f := newFrame(&scriptedLocator{count: 1, failOn: map[string]error{"type": errors.New("input not editable")}})
	in := New(probe.New())
	err := in.Inject(context.Background(), f, "hello", Options{})
	if !errors.Is(err, ErrInputNotFound) {
		t.Fatalf("err = %v, want ErrInputNotFound", err)
	}
}

func TestInject_WrapsEnterPressFailureAsSubmitFailed(t *testing.T) {
	f := newFrame(&scriptedLocator{count: 1, failOn: map[string]error{"press:enter": errors.New("focus lost")}})
	in := New(probe.New())
	err := in.Inject(context.Background(), f, "hello", Options{})
	if !errors.Is(err, ErrSubmitFailed) {
		t.Fatalf("err = %v, want ErrSubmitFailed", err)
	}
}

func TestInject_TypesTextVerbatimAndSubmits(t *testing.T) {
	input := &scriptedLocator{count: 1}
	f := newFrame(input)
	in := New(probe.New())
	if err := in.Inject(context.Background(), f, "what does this function do?", Options{}); err != nil {
		t.Fatalf("Inject: %v", err)
	}
	if input.typed != "what does this function do?" {
		t.Fatalf("typed = %q", input.typed)
	}
	wantPresses := []string{"backspace", "enter"}
	if len(input.pressed) != len(wantPresses) || input.pressed[0] != wantPresses[0] || input.pressed[1] != wantPresses[1] {
		t.Fatalf("pressed = %v, want %v", input.pressed, wantPresses)
	}
}

func TestInject_WithWaitBlocksOnProbeIdle(t *testing.T) {
	input := &scriptedLocator{count: 1}
	f := newFrame(input)
	f.stop.visible = false // already idle
	in := New(probe.New())
	err := in.Inject(context.Background(), f, "hi", Options{Wait: true, Timeout: time.Second})
	if err != nil {
		t.Fatalf("Inject with Wait: %v", err)
	}
}

func TestInject_WithWaitTimesOutWhileStillThinking(t *testing.T) {
	input := &scriptedLocator{count: 1}
	f := newFrame(input)
	f.stop.visible = true // never becomes idle
	in := New(probe.New())
	err := in.Inject(context.Background(), f, "hi", Options{Wait: true, Timeout: 30 * time.Millisecond})
	if err == nil {
		t.Fatal("expected a timeout error while the stop affordance stays visible")
	}
}
