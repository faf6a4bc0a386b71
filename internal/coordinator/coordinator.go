// Package coordinator implements wait-any / wait-all / wait-for /
// fan-out / race across sessions, grounded on bus-event subscription
// rather than polling.
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/basket/angrav-gateway/internal/bus"
	"github.com/basket/angrav-gateway/internal/model"
)

// Completion is the result of one session's wait.
type Completion struct {
	SessionID  string
	State      model.State
	Response   *model.AgentResponse
	DurationMs int64
}

// SessionChecker is the subset of SessionRegistry the coordinator needs
// to check current state without waiting.
type SessionChecker interface {
	Get(id string) (model.SessionHandle, bool)
	List() []model.SessionHandle
}

// ResponseExtractorFunc extracts the full AgentResponse for a session,
// used when the caller asked for extractResponse.
type ResponseExtractorFunc func(ctx context.Context, sessionID string) (model.AgentResponse, error)

// Submitter enqueues a prompt on a session, used by FanOut/Race.
type Submitter func(ctx context.Context, sessionID, prompt string) error

// Options controls one wait operation.
type Options struct {
	Timeout         time.Duration
	ExtractResponse bool
}

// Coordinator is the MultiSessionCoordinator of §4.K.
type Coordinator struct {
	bus       *bus.Bus
	sessions  SessionChecker
	extractor ResponseExtractorFunc
	submit    Submitter
}

func New(b *bus.Bus, sessions SessionChecker, extractor ResponseExtractorFunc, submit Submitter) *Coordinator {
	return &Coordinator{bus: b, sessions: sessions, extractor: extractor, submit: submit}
}

// WaitFor returns immediately if id is already idle; otherwise it
// subscribes to session_idle for that id and blocks until the event
// fires or opts.Timeout elapses.
func (c *Coordinator) WaitFor(ctx context.Context, id string, opts Options) (Completion, error) {
	start := time.Now()

	if h, ok := c.sessions.Get(id); ok && h.State == model.StateIdle {
		return c.complete(ctx, id, start, opts)
	}

	ctx, cancel := context.WithTimeout(ctx, timeoutOrDefault(opts.Timeout))
	defer cancel()

	sub := c.bus.Subscribe(bus.TopicSessionIdle)
	defer c.bus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return Completion{}, fmt.Errorf("waitFor %s: %w", id, ctx.Err())
		case ev := <-sub.Ch():
			idle, ok := ev.Payload.(bus.IdleEvent)
			if !ok || idle.SessionID != id {
				continue
			}
			return c.complete(ctx, id, start, opts)
		}
	}
}

// WaitAny returns the first session observed idle, immediately if one
// already is.
func (c *Coordinator) WaitAny(ctx context.Context, opts Options) (Completion, error) {
	start := time.Now()

	for _, h := range c.sessions.List() {
		if h.State == model.StateIdle {
			return c.complete(ctx, h.ID, start, opts)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, timeoutOrDefault(opts.Timeout))
	defer cancel()

	sub := c.bus.Subscribe(bus.TopicSessionIdle)
	defer c.bus.Unsubscribe(sub)

	select {
	case <-ctx.Done():
		return Completion{}, fmt.Errorf("waitAny: %w", ctx.Err())
	case ev := <-sub.Ch():
		idle, ok := ev.Payload.(bus.IdleEvent)
		if !ok {
			return Completion{}, fmt.Errorf("waitAny: unexpected event payload")
		}
		return c.complete(ctx, idle.SessionID, start, opts)
	}
}

// WaitAll accumulates per-session completions until the outstanding set
// of ids is empty, or rejects on timeout with a partial report of which
// ids completed and which are still pending.
func (c *Coordinator) WaitAll(ctx context.Context, ids []string, opts Options) (map[string]Completion, error) {
	start := time.Now()
	results := make(map[string]Completion, len(ids))
	var mu sync.Mutex
	var wg sync.WaitGroup

	ctx, cancel := context.WithTimeout(ctx, timeoutOrDefault(opts.Timeout))
	defer cancel()

	for _, id := range ids {
		wg.Add(1)
		go func(sessionID string) {
			defer wg.Done()
			completion, err := c.WaitFor(ctx, sessionID, opts)
			if err != nil {
				return
			}
			mu.Lock()
			results[sessionID] = completion
			mu.Unlock()
		}(id)
	}
	wg.Wait()

	if len(results) == len(ids) {
		return results, nil
	}

	var pending []string
	for _, id := range ids {
		if _, ok := results[id]; !ok {
			pending = append(pending, id)
		}
	}
	_ = start
	return results, fmt.Errorf("waitAll: %d of %d completed, pending: %v", len(results), len(ids), pending)
}

// FanOut enqueues prompt on every tracked session, then WaitAll. Submits
// run concurrently, one goroutine per session: c.submit (the router's
// Submit, by the production wiring) blocks until its prompt fully
// completes, so a sequential loop here would process session 2 only after
// session 1's entire turn finished, defeating the point of a fan-out.
func (c *Coordinator) FanOut(ctx context.Context, prompt string, opts Options) (map[string]Completion, error) {
	handles := c.sessions.List()
	idCh := make(chan string, len(handles))
	var wg sync.WaitGroup
	for _, h := range handles {
		wg.Add(1)
		go func(sessionID string) {
			defer wg.Done()
			if err := c.submit(ctx, sessionID, prompt); err != nil {
				return
			}
			idCh <- sessionID
		}(h.ID)
	}
	wg.Wait()
	close(idCh)

	ids := make([]string, 0, len(handles))
	for id := range idCh {
		ids = append(ids, id)
	}
	return c.WaitAll(ctx, ids, opts)
}

// Race enqueues prompt on every tracked session, then WaitAny. Submits
// fire in their own goroutines and Race doesn't wait on them: a session
// only needs to go idle, which WaitAny learns from the bus regardless of
// whether its submit call has itself returned yet. Sessions that lose the
// race still complete processing; their responses are simply not
// returned to the caller.
func (c *Coordinator) Race(ctx context.Context, prompt string, opts Options) (Completion, error) {
	for _, h := range c.sessions.List() {
		go func(sessionID string) {
			_ = c.submit(ctx, sessionID, prompt)
		}(h.ID)
	}
	return c.WaitAny(ctx, opts)
}

func (c *Coordinator) complete(ctx context.Context, id string, start time.Time, opts Options) (Completion, error) {
	completion := Completion{
		SessionID:  id,
		State:      model.StateIdle,
		DurationMs: time.Since(start).Milliseconds(),
	}
	if opts.ExtractResponse && c.extractor != nil {
		resp, err := c.extractor(ctx, id)
		if err != nil {
			return completion, fmt.Errorf("extract response for %s: %w", id, err)
		}
		completion.Response = &resp
	}
	return completion, nil
}

func timeoutOrDefault(d time.Duration) time.Duration {
	if d <= 0 {
		return 5 * time.Minute
	}
	return d
}
