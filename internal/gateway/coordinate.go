package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/basket/angrav-gateway/internal/coordinator"
)

// coordinateRequest is the body of POST /v1/sessions/coordinate, exposing
// the MultiSessionCoordinator's waitFor/waitAny/waitAll/fanOut/race (§4.K)
// over HTTP. Not part of the OpenAI surface.
type coordinateRequest struct {
	Mode            string   `json:"mode"` // waitFor | waitAny | waitAll | fanOut | race
	SessionID       string   `json:"session_id,omitempty"`
	SessionIDs      []string `json:"session_ids,omitempty"`
	Prompt          string   `json:"prompt,omitempty"`
	TimeoutSeconds  int      `json:"timeout_seconds,omitempty"`
	ExtractResponse bool     `json:"extract_response,omitempty"`
}

type coordinateCompletion struct {
	SessionID  string `json:"session_id"`
	State      string `json:"state"`
	DurationMs int64  `json:"duration_ms"`
	Response   any    `json:"response,omitempty"`
}

func toCoordinateCompletion(c coordinator.Completion) coordinateCompletion {
	out := coordinateCompletion{SessionID: c.SessionID, State: string(c.State), DurationMs: c.DurationMs}
	if c.Response != nil {
		out.Response = c.Response
	}
	return out
}

func (s *Server) handleCoordinate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.cfg.Coordinator == nil {
		writeError(w, http.StatusServiceUnavailable, "coordinator not available")
		return
	}

	var req coordinateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	opts := coordinator.Options{ExtractResponse: req.ExtractResponse}
	if req.TimeoutSeconds > 0 {
		opts.Timeout = time.Duration(req.TimeoutSeconds) * time.Second
	}

	ctx := r.Context()
	switch req.Mode {
	case "waitFor":
		if req.SessionID == "" {
			writeError(w, http.StatusBadRequest, "waitFor requires session_id")
			return
		}
		completion, err := s.cfg.Coordinator.WaitFor(ctx, req.SessionID, opts)
		if err != nil {
			writeError(w, http.StatusGatewayTimeout, err.Error())
			return
		}
		writeJSON(w, toCoordinateCompletion(completion))

	case "waitAny":
		completion, err := s.cfg.Coordinator.WaitAny(ctx, opts)
		if err != nil {
			writeError(w, http.StatusGatewayTimeout, err.Error())
			return
		}
		writeJSON(w, toCoordinateCompletion(completion))

	case "waitAll":
		if len(req.SessionIDs) == 0 {
			writeError(w, http.StatusBadRequest, "waitAll requires session_ids")
			return
		}
		results, err := s.cfg.Coordinator.WaitAll(ctx, req.SessionIDs, opts)
		writeCoordinateMap(w, results, err)

	case "fanOut":
		if req.Prompt == "" {
			writeError(w, http.StatusBadRequest, "fanOut requires prompt")
			return
		}
		results, err := s.cfg.Coordinator.FanOut(ctx, req.Prompt, opts)
		writeCoordinateMap(w, results, err)

	case "race":
		if req.Prompt == "" {
			writeError(w, http.StatusBadRequest, "race requires prompt")
			return
		}
		completion, err := s.cfg.Coordinator.Race(ctx, req.Prompt, opts)
		if err != nil {
			writeError(w, http.StatusGatewayTimeout, err.Error())
			return
		}
		writeJSON(w, toCoordinateCompletion(completion))

	default:
		writeError(w, http.StatusBadRequest, "mode must be one of waitFor, waitAny, waitAll, fanOut, race")
	}
}

func writeCoordinateMap(w http.ResponseWriter, results map[string]coordinator.Completion, err error) {
	out := make(map[string]coordinateCompletion, len(results))
	for id, c := range results {
		out[id] = toCoordinateCompletion(c)
	}
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusGatewayTimeout)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error":   map[string]any{"message": err.Error(), "type": "api_error", "code": http.StatusGatewayTimeout},
			"results": out,
		})
		return
	}
	writeJSON(w, out)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
