package gateway

import (
	"encoding/json"
	"net/http"
	"strings"
)

// modelCreated is a fixed epoch stand-in; the model list never changes
// shape at runtime so a stable value avoids confusing clients that cache
// by (id, created).
const modelCreated = 1706659200

func (s *Server) modelEntry() Model {
	return Model{
		ID:      s.cfg.Cfg.ModelID,
		Object:  "model",
		Created: modelCreated,
		OwnedBy: "angrav",
	}
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	resp := ModelListResponse{Object: "list", Data: []Model{s.modelEntry()}}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleModelByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/v1/models/")
	if id == "" || id != s.cfg.Cfg.ModelID {
		writeError(w, http.StatusNotFound, "model not found")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.modelEntry())
}
