package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/basket/angrav-gateway/internal/bus"
	"github.com/basket/angrav-gateway/internal/config"
	"github.com/basket/angrav-gateway/internal/coordinator"
	"github.com/basket/angrav-gateway/internal/model"
)

type fakeSessionChecker struct {
	handles []model.SessionHandle
}

func (f *fakeSessionChecker) Get(id string) (model.SessionHandle, bool) {
	for _, h := range f.handles {
		if h.ID == id {
			return h, true
		}
	}
	return model.SessionHandle{}, false
}
func (f *fakeSessionChecker) List() []model.SessionHandle { return f.handles }

func newCoordinateServer() *Server {
	b := bus.New()
	checker := &fakeSessionChecker{handles: []model.SessionHandle{{ID: "s1", State: model.StateIdle}}}
	extractor := func(ctx context.Context, sessionID string) (model.AgentResponse, error) {
		return model.AgentResponse{FullText: "done"}, nil
	}
	submit := func(ctx context.Context, sessionID, prompt string) error { return nil }
	coord := coordinator.New(b, checker, extractor, submit)
	return New(Config{Cfg: config.Config{ModelID: "agent-default"}, Coordinator: coord})
}

func TestHandleCoordinate_WaitForAlreadyIdle(t *testing.T) {
	s := newCoordinateServer()
	body, _ := json.Marshal(coordinateRequest{Mode: "waitFor", SessionID: "s1", TimeoutSeconds: 1})
	req := httptest.NewRequest(http.MethodPost, "/v1/sessions/coordinate", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.handleCoordinate(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp coordinateCompletion
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.SessionID != "s1" || resp.State != "idle" {
		t.Fatalf("unexpected completion: %+v", resp)
	}
}

func TestHandleCoordinate_UnknownMode(t *testing.T) {
	s := newCoordinateServer()
	body, _ := json.Marshal(coordinateRequest{Mode: "bogus"})
	req := httptest.NewRequest(http.MethodPost, "/v1/sessions/coordinate", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.handleCoordinate(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestHandleCoordinate_NoCoordinator(t *testing.T) {
	s := New(Config{})
	body, _ := json.Marshal(coordinateRequest{Mode: "waitAny"})
	req := httptest.NewRequest(http.MethodPost, "/v1/sessions/coordinate", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.handleCoordinate(w, req)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
}

func TestHandleCoordinate_FanOutRequiresPrompt(t *testing.T) {
	s := newCoordinateServer()
	body, _ := json.Marshal(coordinateRequest{Mode: "fanOut"})
	req := httptest.NewRequest(http.MethodPost, "/v1/sessions/coordinate", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.handleCoordinate(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}
