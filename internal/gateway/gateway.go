// Package gateway exposes the OpenAI-compatible HTTP surface: health,
// model listing, session listing/streaming, and chat completions. It is
// the sole owner of the registry, queue router, and availability store —
// request handlers never reach into process-wide state (§9 "global
// mutable server state -> explicit container").
package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/basket/angrav-gateway/internal/availability"
	"github.com/basket/angrav-gateway/internal/bus"
	"github.com/basket/angrav-gateway/internal/config"
	"github.com/basket/angrav-gateway/internal/coordinator"
	"github.com/basket/angrav-gateway/internal/queue"
	"github.com/basket/angrav-gateway/internal/registry"
)

// Config wires every collaborator the gateway's handlers need.
type Config struct {
	Cfg          config.Config
	Registry     *registry.Registry
	Queue        *queue.Router
	Availability *availability.Store
	Bus          *bus.Bus
	Orchestrator *Orchestrator
	Coordinator  *coordinator.Coordinator
	Logger       *slog.Logger
}

// Server is the root HTTP object; everything a handler needs hangs off
// it, never off a package-level variable.
type Server struct {
	cfg       Config
	logger    *slog.Logger
	startedAt time.Time
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfg: cfg, logger: logger, startedAt: time.Now()}
}

// Handler builds the full middleware-wrapped mux. CORS sits outermost so
// every response carries Access-Control-Allow-Origin per §6, including
// the 401/403/429 rejections auth and rate-limiting produce — those sit
// inside CORS, then request-size limiting, then the mux itself.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/v1/models", s.handleModels)
	mux.HandleFunc("/v1/models/", s.handleModelByID)
	mux.HandleFunc("/v1/sessions", s.handleSessions)
	mux.HandleFunc("/v1/sessions/stream", s.handleSessionsStream)
	mux.HandleFunc("/v1/sessions/", s.handleSessionEvents)
	mux.HandleFunc("/v1/chat/completions", s.handleChatCompletion)
	mux.HandleFunc("/v1/sessions/coordinate", s.handleCoordinate)

	cors := NewCORSMiddleware(s.cfg.Cfg.CORS)
	auth := NewAuthMiddleware(s.cfg.Cfg.Auth)
	rateLimit := NewRateLimitMiddleware(s.cfg.Cfg.RateLimit)

	var handler http.Handler = mux
	handler = RequestSizeLimitMiddleware(0)(handler)
	handler = auth.Wrap(handler)
	handler = rateLimit.Wrap(handler)
	handler = cors(handler)
	return handler
}

// handleHealth reports connectivity, tracked-session count, and queue
// depth so an operator can tell a stalled gateway from an idle one.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	connected := s.cfg.Registry != nil
	sessions := 0
	if s.cfg.Registry != nil {
		sessions = s.cfg.Registry.Size()
	}

	queueBlock := map[string]any{
		"totalDepth":     0,
		"maxTotalDepth":  s.cfg.Cfg.Queue.MaxTotal,
		"maxPerSession":  s.cfg.Cfg.Queue.MaxPerSession,
		"busySessions":   []string{},
	}
	if s.cfg.Queue != nil {
		queueBlock["totalDepth"] = s.cfg.Queue.TotalDepth()
		if busy := s.cfg.Queue.BusySessions(); busy != nil {
			queueBlock["busySessions"] = busy
		}
	}

	payload := map[string]any{
		"status":    "ok",
		"connected": connected,
		"sessions":  sessions,
		"queue":     queueBlock,
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError writes the error envelope §6 specifies:
// {error:{message, type:"api_error", code:HTTP-status}}.
func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body := map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    "api_error",
			"code":    status,
		},
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Warn("gateway: failed to write error response", "error", err)
	}
}
