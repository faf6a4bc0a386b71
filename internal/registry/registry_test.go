package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/basket/angrav-gateway/internal/bus"
	"github.com/basket/angrav-gateway/internal/driver"
	"github.com/basket/angrav-gateway/internal/model"
)

// fakeLocator reports a mutable visible/text pair, optionally failing
// Visible to simulate a probe read error.
type fakeLocator struct {
	mu        sync.Mutex
	visible   bool
	text      string
	visibleErr error
}

func (l *fakeLocator) Count(ctx context.Context) (int, error) { return 1, nil }
func (l *fakeLocator) Text(ctx context.Context) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.text, nil
}
func (l *fakeLocator) Attr(ctx context.Context, name string) (string, bool, error) {
	return "", false, nil
}
func (l *fakeLocator) Visible(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.visibleErr != nil {
		return false, l.visibleErr
	}
	return l.visible, nil
}
func (l *fakeLocator) Click(ctx context.Context) error             { return nil }
func (l *fakeLocator) Type(ctx context.Context, text string) error { return nil }
func (l *fakeLocator) Press(ctx context.Context, key string) error { return nil }
func (l *fakeLocator) WaitVisible(ctx context.Context, timeout time.Duration) error {
	return nil
}
func (l *fakeLocator) WaitHidden(ctx context.Context, timeout time.Duration) error {
	return nil
}
func (l *fakeLocator) At(ctx context.Context, i int) driver.Locator { return l }

func (l *fakeLocator) setVisible(v bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.visible = v
}

// fakeFrame resolves "stop affordance", "error toast" and "rate-limit
// banner" to mutable fakeLocators a test can flip between poll calls.
type fakeFrame struct {
	url          string
	stop         *fakeLocator
	errorToast   *fakeLocator
	rateBanner   *fakeLocator
}

func newFakeFrame(url string) *fakeFrame {
	return &fakeFrame{
		url:        url,
		stop:       &fakeLocator{},
		errorToast: &fakeLocator{},
		rateBanner: &fakeLocator{},
	}
}

func (f *fakeFrame) URL() string { return f.url }
func (f *fakeFrame) Locate(ctx context.Context, predicate string) driver.Locator {
	switch predicate {
	case "stop affordance":
		return f.stop
	case "error toast":
		return f.errorToast
	case "rate-limit banner":
		return f.rateBanner
	}
	return &fakeLocator{}
}

// fakePage carries one frame and a fixed URL/title.
type fakePage struct {
	url    string
	title  string
	frames []driver.Frame
	closed bool
}

func (p *fakePage) URL() string   { return p.url }
func (p *fakePage) Title() string { return p.title }
func (p *fakePage) Closed() bool  { return p.closed }
func (p *fakePage) Frames(ctx context.Context) ([]driver.Frame, error) {
	return p.frames, nil
}

// fakeDriver enumerates a fixed set of pages.
type fakeDriver struct {
	pages []driver.Page
}

func (d *fakeDriver) Pages(ctx context.Context) ([]driver.Page, error) { return d.pages, nil }
func (d *fakeDriver) Connected() bool                                  { return true }
func (d *fakeDriver) Close() error                                     { return nil }

func workbenchPage(id string) (*fakePage, *fakeFrame) {
	f := newFakeFrame("https://example.test/workbench/" + id + "/agent-surface-marker")
	page := &fakePage{
		url:    "https://example.test/workbench/" + id,
		title:  "session " + id,
		frames: []driver.Frame{f},
	}
	return page, f
}

func testConfig() Config {
	return Config{
		WorkbenchURLMarker:  "/workbench/",
		ManagerURLMarker:    "/manager",
		AgentFrameURLMarker: "agent-surface-marker",
		PollInterval:        time.Hour, // tests drive pollOnce directly
	}
}

func drain(sub *bus.Subscription, timeout time.Duration) []bus.Event {
	var events []bus.Event
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-sub.Ch():
			events = append(events, ev)
		case <-deadline:
			return events
		}
	}
}

func TestDiscover_TracksWorkbenchPagesExcludingManager(t *testing.T) {
	page1, _ := workbenchPage("abc123")
	managerPage, _ := workbenchPage("manager-shell")
	managerPage.url = "https://example.test/workbench/manager-shell/manager"
	otherPage := &fakePage{url: "https://example.test/landing", title: "landing"}

	b := bus.New()
	sub := b.Subscribe(bus.TopicSessionDiscovered)
	defer b.Unsubscribe(sub)

	r := New(&fakeDriver{pages: []driver.Page{page1, managerPage, otherPage}}, b, nil, testConfig())
	if err := r.Discover(context.Background()); err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if r.Size() != 1 {
		t.Fatalf("Size = %d, want 1 (manager shell and non-workbench page excluded)", r.Size())
	}
	events := drain(sub, 100*time.Millisecond)
	if len(events) != 1 {
		t.Fatalf("got %d discovered events, want 1", len(events))
	}
}

func TestDiscover_SkipsWhenAgentSurfaceUnresolved(t *testing.T) {
	page := &fakePage{
		url:    "https://example.test/workbench/no-agent",
		title:  "no agent",
		frames: []driver.Frame{newFakeFrame("https://example.test/workbench/no-agent/main")},
	}
	b := bus.New()
	r := New(&fakeDriver{pages: []driver.Page{page}}, b, nil, testConfig())
	if err := r.Discover(context.Background()); err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if r.Size() != 0 {
		t.Fatalf("Size = %d, want 0 when the agent surface never resolves", r.Size())
	}
}

func TestDiscover_IsIdempotentForSameURL(t *testing.T) {
	page, _ := workbenchPage("dup1")
	b := bus.New()
	sub := b.Subscribe(bus.TopicSessionDiscovered)
	defer b.Unsubscribe(sub)

	r := New(&fakeDriver{pages: []driver.Page{page}}, b, nil, testConfig())
	if err := r.Discover(context.Background()); err != nil {
		t.Fatalf("Discover (1st): %v", err)
	}
	if err := r.Discover(context.Background()); err != nil {
		t.Fatalf("Discover (2nd): %v", err)
	}
	if r.Size() != 1 {
		t.Fatalf("Size = %d, want 1 after re-discovering the same page", r.Size())
	}
	events := drain(sub, 100*time.Millisecond)
	if len(events) != 1 {
		t.Fatalf("got %d discovered events across two Discover calls, want 1", len(events))
	}
}

// TestPollOnce_TracksIdleThinkingIdleTransition drives one session through
// the idle -> thinking -> idle cycle, asserting the registry publishes a
// state-changed event for each edge and an idle event only on the second.
func TestPollOnce_TracksIdleThinkingIdleTransition(t *testing.T) {
	page, f := workbenchPage("cycle1")
	b := bus.New()
	stateSub := b.Subscribe(bus.TopicSessionStateChanged)
	idleSub := b.Subscribe(bus.TopicSessionIdle)
	defer b.Unsubscribe(stateSub)
	defer b.Unsubscribe(idleSub)

	r := New(&fakeDriver{pages: []driver.Page{page}}, b, nil, testConfig())
	if err := r.Discover(context.Background()); err != nil {
		t.Fatalf("Discover: %v", err)
	}
	h, ok := r.Get(r.List()[0].ID)
	if !ok || h.State != model.StateIdle {
		t.Fatalf("initial handle state = %+v, want idle", h)
	}

	// idle -> thinking
	f.stop.setVisible(true)
	r.pollOnce(context.Background())

	// thinking -> idle
	f.stop.setVisible(false)
	r.pollOnce(context.Background())

	stateEvents := drain(stateSub, 100*time.Millisecond)
	if len(stateEvents) != 2 {
		t.Fatalf("got %d state-changed events, want 2 (idle->thinking, thinking->idle): %+v", len(stateEvents), stateEvents)
	}
	first := stateEvents[0].Payload.(bus.StateChangedEvent)
	if first.Previous != model.StateIdle || first.Current != model.StateThinking {
		t.Fatalf("first transition = %+v, want idle->thinking", first)
	}
	second := stateEvents[1].Payload.(bus.StateChangedEvent)
	if second.Previous != model.StateThinking || second.Current != model.StateIdle {
		t.Fatalf("second transition = %+v, want thinking->idle", second)
	}

	idleEvents := drain(idleSub, 100*time.Millisecond)
	if len(idleEvents) != 1 {
		t.Fatalf("got %d idle events, want exactly 1 (only on the thinking->idle edge)", len(idleEvents))
	}
}

func TestPollOnce_RemovesSessionOnProbeFailure(t *testing.T) {
	page, f := workbenchPage("fail1")
	b := bus.New()
	closedSub := b.Subscribe(bus.TopicSessionClosed)
	defer b.Unsubscribe(closedSub)

	r := New(&fakeDriver{pages: []driver.Page{page}}, b, nil, testConfig())
	if err := r.Discover(context.Background()); err != nil {
		t.Fatalf("Discover: %v", err)
	}

	f.stop.visibleErr = errors.New("connection lost")
	r.pollOnce(context.Background())

	if r.Size() != 0 {
		t.Fatalf("Size = %d, want 0 after a probe failure evicts the session", r.Size())
	}
	events := drain(closedSub, 100*time.Millisecond)
	if len(events) != 1 {
		t.Fatalf("got %d closed events, want 1", len(events))
	}
}

func TestPollOnce_ErrorStatePublishesRateLimitWhenBannerPresent(t *testing.T) {
	page, f := workbenchPage("limited1")
	b := bus.New()
	rateSub := b.Subscribe(bus.TopicSessionRateLimited)
	defer b.Unsubscribe(rateSub)

	r := New(&fakeDriver{pages: []driver.Page{page}}, b, nil, testConfig())
	if err := r.Discover(context.Background()); err != nil {
		t.Fatalf("Discover: %v", err)
	}

	f.errorToast.setVisible(true)
	f.errorToast.text = "a generic surface error"
	f.rateBanner.setVisible(true)
	f.rateBanner.text = "quota limit for gpt-5-high."
	r.pollOnce(context.Background())

	events := drain(rateSub, 100*time.Millisecond)
	if len(events) != 1 {
		t.Fatalf("got %d rate-limit events, want 1", len(events))
	}
	ev := events[0].Payload.(bus.RateLimitEvent)
	if ev.Info.Model != "gpt-5-high" || !ev.Info.IsLimited {
		t.Fatalf("RateLimitEvent.Info = %+v", ev.Info)
	}
}

func TestStartStopPolling_IsIdempotentAndJoinsLoop(t *testing.T) {
	page, _ := workbenchPage("loop1")
	b := bus.New()
	cfg := testConfig()
	cfg.PollInterval = 5 * time.Millisecond
	r := New(&fakeDriver{pages: []driver.Page{page}}, b, nil, cfg)
	if err := r.Discover(context.Background()); err != nil {
		t.Fatalf("Discover: %v", err)
	}

	r.StartPolling(context.Background())
	r.StartPolling(context.Background()) // no-op, must not deadlock or panic
	time.Sleep(20 * time.Millisecond)
	r.StopPolling()
	r.StopPolling() // no-op
}

func TestFindByPrefixAndFirstIdle(t *testing.T) {
	page, _ := workbenchPage("find1")
	b := bus.New()
	r := New(&fakeDriver{pages: []driver.Page{page}}, b, nil, testConfig())
	if err := r.Discover(context.Background()); err != nil {
		t.Fatalf("Discover: %v", err)
	}
	handles := r.List()
	if len(handles) != 1 {
		t.Fatalf("List = %+v, want 1", handles)
	}
	id := handles[0].ID
	if _, ok := r.FindByPrefix(id[:3]); !ok {
		t.Fatalf("FindByPrefix(%q) not found", id[:3])
	}
	if _, ok := r.FirstIdle(); !ok {
		t.Fatal("FirstIdle: expected the freshly discovered session, which starts idle")
	}
}
