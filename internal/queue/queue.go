// Package queue routes incoming completion requests to a resolved
// session, serializing each session's in-flight work behind a FIFO.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/basket/angrav-gateway/internal/bus"
	"github.com/basket/angrav-gateway/internal/model"
)

var (
	ErrNoSession        = errors.New("queue: no session available")
	ErrQueueFullSession = errors.New("queue: per-session queue full")
	ErrQueueFullGlobal  = errors.New("queue: global queue full")
	ErrQueueTimeout     = errors.New("queue: enqueue timed out")
	ErrShutdown         = errors.New("queue: router shut down")
)

// Request is one inbound completion request before a session has been
// resolved.
type Request struct {
	SessionID string // optional: exact id, id prefix, or title prefix
	Messages  []model.Message
	Model     string
	Stream    bool
	NewConvo  bool

	// OnDelta, when Stream is true, is invoked by the Handler for every
	// non-empty text chunk it produces. It runs on the drain goroutine,
	// not the caller's Submit goroutine — a Handler must not assume
	// otherwise.
	OnDelta func(chunk string)
}

// Item is a request bound to a resolved session, tracked from enqueue
// until resolved, rejected, or timed out.
type Item struct {
	Request    Request
	SessionID  string
	EnqueuedAt time.Time

	done       chan struct{}
	dispatched chan struct{}
	result     any
	err        error
}

// Wait blocks until the item is resolved or ctx is done.
func (it *Item) Wait(ctx context.Context) (any, error) {
	select {
	case <-it.done:
		return it.result, it.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (it *Item) resolve(result any) {
	it.result = result
	close(it.done)
}

func (it *Item) reject(err error) {
	it.err = err
	close(it.done)
}

// Resolve fulfills the item with result. Called by the Handler that
// processed it; exported because the handler is supplied by another
// package (the handler owns the only reference to each item it receives).
func (it *Item) Resolve(result any) {
	it.resolve(result)
}

// Reject fails the item with err. See Resolve.
func (it *Item) Reject(err error) {
	it.reject(err)
}

// Handler processes one dequeued Item against its bound session. The
// caller (Router.drain) holds that session's processing slot for the
// duration of the call.
type Handler func(ctx context.Context, sessionID string, it *Item)

// SessionLister is the subset of SessionRegistry the router needs to
// resolve a target session when the request doesn't name one.
type SessionLister interface {
	Get(id string) (model.SessionHandle, bool)
	FindByPrefix(idOrTitlePrefix string) (model.SessionHandle, bool)
	FirstIdle() (model.SessionHandle, bool)
	Any() (model.SessionHandle, bool)
}

type sessionQueue struct {
	mu          sync.Mutex
	fifo        []*Item
	isProcessing bool
}

// Router is the QueueRouter of §4.J.
type Router struct {
	registry SessionLister
	handler  Handler

	maxPerSession  int
	maxTotal       int
	enqueueTimeout time.Duration

	mu       sync.Mutex
	sessions map[string]*sessionQueue
	total    int
	shutdown bool
}

// Config bounds the router's queue depth.
type Config struct {
	MaxPerSession  int
	MaxTotal       int
	EnqueueTimeout time.Duration
}

func New(registry SessionLister, handler Handler, cfg Config) *Router {
	if cfg.MaxPerSession <= 0 {
		cfg.MaxPerSession = 5
	}
	if cfg.MaxTotal <= 0 {
		cfg.MaxTotal = 20
	}
	if cfg.EnqueueTimeout <= 0 {
		cfg.EnqueueTimeout = 2 * time.Minute
	}
	return &Router{
		registry:       registry,
		handler:        handler,
		maxPerSession:  cfg.MaxPerSession,
		maxTotal:       cfg.MaxTotal,
		enqueueTimeout: cfg.EnqueueTimeout,
		sessions:       make(map[string]*sessionQueue),
	}
}

// Submit resolves a target session for req, enforces the depth bounds,
// appends the item to that session's FIFO, and triggers drain. It blocks
// until the item resolves, rejects, or the enqueue timeout elapses. The
// returned session id is the one Submit actually resolved req against —
// callers that didn't name an exact session (or named a prefix) need it
// to tell the caller which session served the request.
func (r *Router) Submit(ctx context.Context, req Request) (any, string, error) {
	r.mu.Lock()
	if r.shutdown {
		r.mu.Unlock()
		return nil, "", ErrShutdown
	}
	r.mu.Unlock()

	handle, ok := r.resolveSession(req.SessionID)
	if !ok {
		return nil, "", ErrNoSession
	}

	item := &Item{Request: req, SessionID: handle.ID, EnqueuedAt: time.Now(), done: make(chan struct{}), dispatched: make(chan struct{})}

	r.mu.Lock()
	sq := r.sessionQueueLocked(handle.ID)
	r.mu.Unlock()

	sq.mu.Lock()
	if len(sq.fifo) >= r.maxPerSession {
		sq.mu.Unlock()
		return nil, "", ErrQueueFullSession
	}
	r.mu.Lock()
	if r.total >= r.maxTotal {
		r.mu.Unlock()
		sq.mu.Unlock()
		return nil, "", ErrQueueFullGlobal
	}
	r.total++
	r.mu.Unlock()
	sq.fifo = append(sq.fifo, item)
	sq.mu.Unlock()

	go r.drain(context.Background(), handle.ID)

	// enqueueTimeout bounds only the queue-wait phase: the time an item
	// spends sitting behind other work before a handler picks it up. Once
	// drain dispatches it (closes item.dispatched), the caller's own ctx
	// governs the rest of the wait so a slow-but-legitimate completion
	// isn't cut off by a timeout meant for queue congestion.
	queueWaitCtx, cancel := context.WithTimeout(ctx, r.enqueueTimeout)
	defer cancel()
	select {
	case <-item.done:
		return item.result, handle.ID, item.err
	case <-item.dispatched:
	case <-queueWaitCtx.Done():
		if ctx.Err() != nil {
			return nil, handle.ID, ctx.Err()
		}
		return nil, handle.ID, ErrQueueTimeout
	}

	result, err := item.Wait(ctx)
	return result, handle.ID, err
}

func (r *Router) resolveSession(idOrTitle string) (model.SessionHandle, bool) {
	if idOrTitle != "" {
		if h, ok := r.registry.Get(idOrTitle); ok {
			return h, true
		}
		if h, ok := r.registry.FindByPrefix(idOrTitle); ok {
			return h, true
		}
		return model.SessionHandle{}, false
	}
	if h, ok := r.registry.FirstIdle(); ok {
		return h, true
	}
	return r.registry.Any()
}

func (r *Router) sessionQueueLocked(sessionID string) *sessionQueue {
	sq, ok := r.sessions[sessionID]
	if !ok {
		sq = &sessionQueue{}
		r.sessions[sessionID] = sq
	}
	return sq
}

// drain dispatches the head of sessionID's FIFO if idle, then recurses on
// completion. It is the sole point where a session's processing flag is
// mutated, so it also functions as that session's critical-section gate.
func (r *Router) drain(ctx context.Context, sessionID string) {
	r.mu.Lock()
	sq, ok := r.sessions[sessionID]
	r.mu.Unlock()
	if !ok {
		return
	}

	sq.mu.Lock()
	if sq.isProcessing || len(sq.fifo) == 0 {
		sq.mu.Unlock()
		return
	}
	item := sq.fifo[0]
	sq.fifo = sq.fifo[1:]
	sq.isProcessing = true
	sq.mu.Unlock()

	r.mu.Lock()
	r.total--
	r.mu.Unlock()

	func() {
		defer func() {
			sq.mu.Lock()
			sq.isProcessing = false
			sq.mu.Unlock()
		}()
		close(item.dispatched)
		r.handler(ctx, sessionID, item)
	}()

	r.drain(ctx, sessionID)
}

// PurgeSession drops a closed session's queue, rejecting any items still
// pending. The registry's tracked-session set is authoritative; queues
// must never outlive the session they key off.
func (r *Router) PurgeSession(sessionID string) {
	r.mu.Lock()
	sq, ok := r.sessions[sessionID]
	if ok {
		delete(r.sessions, sessionID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	sq.mu.Lock()
	pending := sq.fifo
	sq.fifo = nil
	sq.mu.Unlock()

	if len(pending) > 0 {
		r.mu.Lock()
		r.total -= len(pending)
		r.mu.Unlock()
	}
	for _, it := range pending {
		it.reject(fmt.Errorf("session %s closed: %w", sessionID, ErrNoSession))
	}
}

// WatchSessionClosures subscribes to the bus's session-closed topic and
// purges the matching session's queue as each event arrives, until ctx is
// done or the bus closes the subscription's channel. The §3 invariant that
// queues must not outlive the session they key off otherwise goes unmet —
// PurgeSession exists but nothing calls it without this subscriber running.
func (r *Router) WatchSessionClosures(ctx context.Context, b *bus.Bus) {
	sub := b.Subscribe(bus.TopicSessionClosed)
	defer b.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			closed, ok := ev.Payload.(bus.ClosedEvent)
			if !ok {
				continue
			}
			r.PurgeSession(closed.SessionID)
		}
	}
}

// Shutdown rejects every pending item across every session queue with
// ErrShutdown and marks the router closed to new submissions.
func (r *Router) Shutdown() {
	r.mu.Lock()
	r.shutdown = true
	sessions := make([]*sessionQueue, 0, len(r.sessions))
	for _, sq := range r.sessions {
		sessions = append(sessions, sq)
	}
	r.mu.Unlock()

	for _, sq := range sessions {
		sq.mu.Lock()
		pending := sq.fifo
		sq.fifo = nil
		sq.mu.Unlock()
		for _, it := range pending {
			it.reject(ErrShutdown)
		}
	}
}

// TotalDepth returns the current global queue depth.
func (r *Router) TotalDepth() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total
}

// BusySessions lists the ids of sessions currently holding their
// processing slot.
func (r *Router) BusySessions() []string {
	r.mu.Lock()
	sessions := make([]*sessionQueue, 0, len(r.sessions))
	ids := make([]string, 0, len(r.sessions))
	for id, sq := range r.sessions {
		sessions = append(sessions, sq)
		ids = append(ids, id)
	}
	r.mu.Unlock()

	var busy []string
	for i, sq := range sessions {
		sq.mu.Lock()
		if sq.isProcessing {
			busy = append(busy, ids[i])
		}
		sq.mu.Unlock()
	}
	return busy
}
