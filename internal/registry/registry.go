// Package registry discovers chat sessions across browser pages and
// frames, tracks their state, polls for transitions, and emits events.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/angrav-gateway/internal/availability"
	"github.com/basket/angrav-gateway/internal/bus"
	"github.com/basket/angrav-gateway/internal/driver"
	"github.com/basket/angrav-gateway/internal/frame"
	"github.com/basket/angrav-gateway/internal/model"
	"github.com/basket/angrav-gateway/internal/probe"
	"github.com/basket/angrav-gateway/internal/quota"
)

// ErrAgentSurfaceMissing is returned by discover() when a workbench page's
// agent frame cannot be resolved.
var ErrAgentSurfaceMissing = errors.New("registry: agent surface missing")

// handle is the registry's internal bookkeeping for one tracked session,
// carrying the live driver/frame handles alongside the public snapshot.
type handle struct {
	model.SessionHandle
	page  driver.Page
	frame driver.Frame
}

// Config identifies pages during discovery and tunes the poll cadence.
type Config struct {
	WorkbenchURLMarker  string
	ManagerURLMarker    string
	AgentFrameURLMarker string
	PollInterval        time.Duration

	// Availability, when non-nil, receives every quota banner the
	// registry's poll loop detects. Account is attached verbatim to each
	// persisted record — the registry has no notion of accounts itself.
	Availability *availability.Store
	Account      string
}

// Registry is the SessionRegistry of §4.I.
type Registry struct {
	drv       driver.Driver
	probe     *probe.Probe
	quota     *quota.Detector
	bus       *bus.Bus
	logger    *slog.Logger
	cfg       Config

	mu       sync.RWMutex
	sessions map[string]*handle

	polling  atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	idCounter atomic.Int64
}

func New(drv driver.Driver, b *bus.Bus, logger *slog.Logger, cfg Config) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	return &Registry{
		drv:      drv,
		probe:    probe.New(),
		quota:    quota.New(),
		bus:      b,
		logger:   logger,
		cfg:      cfg,
		sessions: make(map[string]*handle),
	}
}

// Discover enumerates pages, filters to main workbench tabs (excluding
// agent-manager shells), resolves each one's agent frame, samples its
// state, and stores a handle. It emits a discovered event for each newly
// tracked id.
func (r *Registry) Discover(ctx context.Context) error {
	pages, err := r.drv.Pages(ctx)
	if err != nil {
		return fmt.Errorf("enumerate pages: %w", err)
	}

	for _, page := range pages {
		url := page.URL()
		if !strings.Contains(url, r.cfg.WorkbenchURLMarker) {
			continue
		}
		if r.cfg.ManagerURLMarker != "" && strings.Contains(url, r.cfg.ManagerURLMarker) {
			continue
		}

		f, err := frame.Resolve(ctx, page, r.cfg.AgentFrameURLMarker)
		if err != nil {
			r.logger.Warn("discover: agent surface unresolved", "url", url, "error", err)
			continue
		}

		sample, err := r.probe.Sample(ctx, f)
		if err != nil {
			r.logger.Warn("discover: initial probe failed", "url", url, "error", err)
			continue
		}

		id := r.synthesizeID(url)

		r.mu.Lock()
		_, existed := r.sessions[id]
		if !existed {
			r.sessions[id] = &handle{
				SessionHandle: model.SessionHandle{
					ID:           id,
					Title:        page.Title(),
					State:        sample.State,
					LastActivity: time.Now(),
				},
				page:  page,
				frame: f,
			}
		}
		r.mu.Unlock()

		if !existed {
			r.bus.Publish(bus.TopicSessionDiscovered, bus.DiscoveredEvent{SessionID: id, Title: page.Title()})
		}
	}
	return nil
}

// synthesizeID prefers a URL-extracted id (the last path segment when it
// looks like a stable identifier) and falls back to a monotonic+random id.
func (r *Registry) synthesizeID(url string) string {
	if idx := strings.LastIndex(url, "/"); idx >= 0 && idx < len(url)-1 {
		candidate := url[idx+1:]
		candidate = strings.SplitN(candidate, "?", 2)[0]
		if len(candidate) >= 6 && len(candidate) <= 64 {
			return candidate
		}
	}
	n := r.idCounter.Add(1)
	return "sess-" + strconv.FormatInt(n, 10) + "-" + strconv.FormatInt(time.Now().UnixNano()%1_000_000, 36)
}

// StartPolling begins a background poll loop at the configured interval.
// Calling it while already polling is a no-op (idempotent start).
func (r *Registry) StartPolling(ctx context.Context) {
	if !r.polling.CompareAndSwap(false, true) {
		return
	}
	r.stopCh = make(chan struct{})
	r.stopOnce = sync.Once{}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.cfg.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stopCh:
				return
			case <-ticker.C:
				r.pollOnce(ctx)
			}
		}
	}()
}

// StopPolling halts the background poll loop. Idempotent.
func (r *Registry) StopPolling() {
	if !r.polling.CompareAndSwap(true, false) {
		return
	}
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

func (r *Registry) pollOnce(ctx context.Context) {
	r.mu.RLock()
	targets := make([]*handle, 0, len(r.sessions))
	for _, h := range r.sessions {
		targets = append(targets, h)
	}
	r.mu.RUnlock()

	for _, h := range targets {
		sample, err := r.probe.Sample(ctx, h.frame)
		if err != nil {
			r.removeSession(h.ID, "probe failure: "+err.Error())
			continue
		}

		r.mu.Lock()
		cur, ok := r.sessions[h.ID]
		if !ok {
			r.mu.Unlock()
			continue
		}
		previous := cur.State
		if previous == sample.State {
			r.mu.Unlock()
			continue
		}
		cur.State = sample.State
		cur.LastActivity = time.Now()
		r.mu.Unlock()

		r.bus.Publish(bus.TopicSessionStateChanged, bus.StateChangedEvent{
			SessionID: h.ID, Previous: previous, Current: sample.State, At: time.Now(),
		})
		if sample.State == model.StateIdle {
			r.bus.Publish(bus.TopicSessionIdle, bus.IdleEvent{SessionID: h.ID, At: time.Now()})
		}
		if sample.State == model.StateError {
			r.checkQuota(ctx, h)
		}
	}
}

// checkQuota scans h's frame for a rate-limit banner and, when found,
// persists it to Availability (if configured) and publishes a
// RateLimitEvent. Parse failures never stop polling — a quota check is
// best-effort.
func (r *Registry) checkQuota(ctx context.Context, h *handle) {
	info, err := r.quota.Detect(ctx, h.frame)
	if err != nil || info == nil || !info.IsLimited {
		return
	}
	if r.cfg.Availability != nil {
		if err := r.cfg.Availability.Persist(ctx, *info, r.cfg.Account, h.ID, "poll"); err != nil {
			r.logger.Warn("registry: persist quota observation failed", "session", h.ID, "error", err)
		}
	}
	r.bus.Publish(bus.TopicSessionRateLimited, bus.RateLimitEvent{SessionID: h.ID, Info: *info, At: time.Now()})
}

func (r *Registry) removeSession(id, reason string) {
	r.mu.Lock()
	_, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if ok {
		r.bus.Publish(bus.TopicSessionClosed, bus.ClosedEvent{SessionID: id, Reason: reason})
	}
}

// List returns a snapshot of all tracked session handles.
func (r *Registry) List() []model.SessionHandle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.SessionHandle, 0, len(r.sessions))
	for _, h := range r.sessions {
		out = append(out, h.SessionHandle)
	}
	return out
}

// Get returns the handle exactly matching id.
func (r *Registry) Get(id string) (model.SessionHandle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.sessions[id]
	if !ok {
		return model.SessionHandle{}, false
	}
	return h.SessionHandle, true
}

// FindByPrefix matches idOrTitlePrefix against tracked ids first, then
// titles, case-insensitively.
func (r *Registry) FindByPrefix(idOrTitlePrefix string) (model.SessionHandle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	needle := strings.ToLower(idOrTitlePrefix)
	for _, h := range r.sessions {
		if strings.HasPrefix(strings.ToLower(h.ID), needle) {
			return h.SessionHandle, true
		}
	}
	for _, h := range r.sessions {
		if strings.HasPrefix(strings.ToLower(h.Title), needle) {
			return h.SessionHandle, true
		}
	}
	return model.SessionHandle{}, false
}

// FirstIdle returns any one tracked session currently idle.
func (r *Registry) FirstIdle() (model.SessionHandle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, h := range r.sessions {
		if h.State == model.StateIdle {
			return h.SessionHandle, true
		}
	}
	return model.SessionHandle{}, false
}

// Any returns any one tracked session, idle or not.
func (r *Registry) Any() (model.SessionHandle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, h := range r.sessions {
		return h.SessionHandle, true
	}
	return model.SessionHandle{}, false
}

// GetByState returns every tracked session currently in state s.
func (r *Registry) GetByState(s model.State) []model.SessionHandle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []model.SessionHandle
	for _, h := range r.sessions {
		if h.State == s {
			out = append(out, h.SessionHandle)
		}
	}
	return out
}

// Size returns the number of currently tracked sessions.
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Frame returns the live frame handle backing id, for components (probe,
// injector, extractor) that need to operate directly on the surface
// within the caller's held processing slot.
func (r *Registry) Frame(id string) (driver.Frame, driver.Page, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.sessions[id]
	if !ok {
		return nil, nil, false
	}
	return h.frame, h.page, true
}
