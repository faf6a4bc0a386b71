package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/basket/angrav-gateway/internal/bus"
	"github.com/basket/angrav-gateway/internal/model"
)

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.cfg.Registry == nil {
		writeError(w, http.StatusServiceUnavailable, "registry not available")
		return
	}

	handles := s.cfg.Registry.List()
	out := make([]SessionSnapshot, 0, len(handles))
	for _, h := range handles {
		out = append(out, SessionSnapshot{
			ID:      h.ID,
			Name:    h.Title,
			State:   string(h.State),
			Created: h.LastActivity.Unix(),
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"object": "list", "data": out})
}

// handleSessionsStream serves the registry-wide SSE variant of §4.L: an
// initial snapshot per tracked session, then live events, with periodic
// comment-line heartbeats.
func (s *Server) handleSessionsStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.serveSSE(w, r, "", false)
}

// handleSessionEvents serves the per-session SSE variant at
// /v1/sessions/{id}/events, auto-terminating on session_closed for that
// id. A truthy ?extract=1 query param opts into the response-augmented
// form: the full AgentResponse is extracted on session_idle and carried
// on the subsequent response_ready event.
func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/v1/sessions/")
	id, suffix, ok := strings.Cut(rest, "/")
	if !ok || suffix != "events" || id == "" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	extract := r.URL.Query().Get("extract") == "1" || r.URL.Query().Get("extract") == "true"
	s.serveSSE(w, r, id, extract)
}

func (s *Server) serveSSE(w http.ResponseWriter, r *http.Request, sessionID string, extractOnIdle bool) {
	if s.cfg.Bus == nil || s.cfg.Registry == nil {
		writeError(w, http.StatusServiceUnavailable, "streaming not available")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	prefix := "session."
	sub := s.cfg.Bus.Subscribe(prefix)
	defer s.cfg.Bus.Unsubscribe(sub)

	write := func(env SessionEventEnvelope) bool {
		data, err := json.Marshal(env)
		if err != nil {
			return true
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	for _, h := range s.cfg.Registry.List() {
		if sessionID != "" && h.ID != sessionID {
			continue
		}
		write(SessionEventEnvelope{Type: "state_change", SessionID: h.ID, State: string(h.State), Timestamp: time.Now().Unix()})
	}

	heartbeat := s.cfg.Cfg.SSEHeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			env, id, terminal := s.envelopeFor(ctx, ev, extractOnIdle)
			if env == nil {
				continue
			}
			if sessionID != "" && id != sessionID {
				continue
			}
			if !write(*env) {
				return
			}
			if terminal && sessionID != "" && id == sessionID {
				return
			}
		}
	}
}

// envelopeFor maps one bus event to the wire envelope, returning the
// session id it pertains to and whether it terminates a per-session
// subscription (session_closed).
func (s *Server) envelopeFor(ctx context.Context, ev bus.Event, extractOnIdle bool) (*SessionEventEnvelope, string, bool) {
	now := time.Now().Unix()
	switch payload := ev.Payload.(type) {
	case bus.DiscoveredEvent:
		state := ""
		if h, ok := s.cfg.Registry.Get(payload.SessionID); ok {
			state = string(h.State)
		}
		return &SessionEventEnvelope{Type: "state_change", SessionID: payload.SessionID, State: state, Timestamp: now}, payload.SessionID, false

	case bus.StateChangedEvent:
		return &SessionEventEnvelope{
			Type: "state_change", SessionID: payload.SessionID,
			State: string(payload.Current), PreviousState: string(payload.Previous), Timestamp: now,
		}, payload.SessionID, false

	case bus.IdleEvent:
		env := &SessionEventEnvelope{Type: "session_idle", SessionID: payload.SessionID, State: string(model.StateIdle), Timestamp: now}
		if extractOnIdle && s.cfg.Orchestrator != nil {
			if resp, err := s.cfg.Orchestrator.ExtractOnly(ctx, payload.SessionID); err == nil {
				env.Type = "response_ready"
				env.Response = resp
			}
		}
		return env, payload.SessionID, false

	case bus.ClosedEvent:
		return &SessionEventEnvelope{Type: "session_closed", SessionID: payload.SessionID, Timestamp: now}, payload.SessionID, true

	case bus.ResponseReadyEvent:
		return &SessionEventEnvelope{Type: "response_ready", SessionID: payload.SessionID, Response: payload.Response, Timestamp: now}, payload.SessionID, false

	default:
		return nil, "", false
	}
}
