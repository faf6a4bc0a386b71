package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/basket/angrav-gateway/internal/model"
	"github.com/basket/angrav-gateway/internal/queue"
	"github.com/basket/angrav-gateway/internal/shared"
	"github.com/basket/angrav-gateway/internal/streaming"
	"github.com/basket/angrav-gateway/internal/tokenutil"
	"github.com/google/uuid"
)

// validateChatRequest applies the entry rules §4.M lists: messages
// non-empty; each role in {system,user,assistant}; at least one user
// message; that user message's content non-empty once trimmed.
func validateChatRequest(req ChatCompletionRequest) error {
	if len(req.Messages) == 0 {
		return validationError("messages must not be empty")
	}
	sawUser := false
	for _, m := range req.Messages {
		switch m.Role {
		case "system", "user", "assistant":
		default:
			return validationError(fmt.Sprintf("unsupported message role %q", m.Role))
		}
		if m.Role == "user" && strings.TrimSpace(m.Content) != "" {
			sawUser = true
		}
	}
	if !sawUser {
		return validationError("messages must include at least one non-empty user message")
	}
	return nil
}

func newChatCompletionID() string {
	return "chatcmpl-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:10]
}

func (s *Server) handleChatCompletion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	traceID := shared.NewTraceID()
	ctx := shared.WithTraceID(r.Context(), traceID)
	r = r.WithContext(ctx)
	slog.Debug("gateway: chat completion request received", "trace_id", traceID)

	var req ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := validateChatRequest(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if s.cfg.Queue == nil {
		writeError(w, http.StatusServiceUnavailable, "queue router not available")
		return
	}

	responseModel := req.Model
	if responseModel == "" {
		responseModel = s.cfg.Cfg.ModelID
	}

	messages := make([]model.Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, model.Message{Role: m.Role, Content: m.Content})
	}
	promptTokens := tokenutil.EstimateTokens(renderPrompt(messages))

	if req.Stream {
		s.handleChatCompletionStream(w, r, req, messages, responseModel, promptTokens)
		return
	}
	s.handleChatCompletionSync(w, r, req, messages, responseModel, promptTokens)
}

func (s *Server) handleChatCompletionSync(w http.ResponseWriter, r *http.Request, req ChatCompletionRequest, messages []model.Message, responseModel string, promptTokens int) {
	result, sessionID, err := s.cfg.Queue.Submit(r.Context(), queue.Request{
		SessionID: req.Session,
		Messages:  messages,
		Model:     req.Model,
		Stream:    false,
		NewConvo:  req.NewConversation,
	})
	if err != nil {
		slog.Warn("gateway: chat completion failed", "trace_id", shared.TraceID(r.Context()), "error", err)
		status, msg := statusForError(err)
		writeError(w, status, msg)
		return
	}

	resp, _ := result.(model.AgentResponse)
	completionTokens := tokenutil.EstimateTokens(resp.FullText)

	envelope := ChatCompletionResponse{
		ID:      newChatCompletionID(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   responseModel,
		Session: sessionID,
		Choices: []ChatCompletionChoice{
			{
				Index:        0,
				Message:      &ChatCompletionMessage{Role: "assistant", Content: resp.FullText},
				FinishReason: strPtr("stop"),
			},
		},
		Usage: &Usage{
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			TotalTokens:      promptTokens + completionTokens,
		},
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(envelope); err != nil {
		slog.Warn("gateway: failed to write chat completion response", "trace_id", shared.TraceID(r.Context()), "error", err)
	}
}

func (s *Server) handleChatCompletionStream(w http.ResponseWriter, r *http.Request, req ChatCompletionRequest, messages []model.Message, responseModel string, promptTokens int) {
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

	id := newChatCompletionID()
	var mu sync.Mutex
	completionTokens := 0

	writeChunk := func(session string, choice ChatCompletionChoice, usage *Usage) {
		chunk := ChatCompletionResponse{
			ID: id, Object: "chat.completion.chunk", Created: time.Now().Unix(), Model: responseModel,
			Session: session,
			Choices: []ChatCompletionChoice{choice},
			Usage:   usage,
		}
		data, err := json.Marshal(chunk)
		if err != nil {
			return
		}
		mu.Lock()
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
		mu.Unlock()
	}

	writeChunk("", ChatCompletionChoice{Index: 0, Delta: &ChatCompletionMessage{Role: "assistant"}, FinishReason: nil}, nil)

	onDelta := func(chunk string) {
		if chunk == "" {
			return
		}
		completionTokens += tokenutil.EstimateTokens(chunk)
		writeChunk("", ChatCompletionChoice{Index: 0, Delta: &ChatCompletionMessage{Content: chunk}, FinishReason: nil}, nil)
	}

	_, sessionID, err := s.cfg.Queue.Submit(r.Context(), queue.Request{
		SessionID: req.Session,
		Messages:  messages,
		Model:     req.Model,
		Stream:    true,
		NewConvo:  req.NewConversation,
		OnDelta:   onDelta,
	})

	usage := &Usage{PromptTokens: promptTokens, CompletionTokens: completionTokens, TotalTokens: promptTokens + completionTokens}
	if err != nil {
		slog.Warn("gateway: streamed chat completion failed", "trace_id", shared.TraceID(r.Context()), "error", err)
		_, msg := statusForError(err)
		writeChunk(sessionID, ChatCompletionChoice{Index: 0, Delta: &ChatCompletionMessage{Content: msg}, FinishReason: strPtr("stop")}, usage)
	} else {
		writeChunk(sessionID, ChatCompletionChoice{Index: 0, Delta: &ChatCompletionMessage{}, FinishReason: strPtr("stop")}, usage)
	}

	mu.Lock()
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
	mu.Unlock()
}

// NewChatHandler builds the queue.Handler bound to orchestrator:
// non-streaming resolves with the full AgentResponse, streaming forwards
// deltas via Request.OnDelta and resolves with the final text. It is a
// free function, not a Server method, because the Router it feeds is
// itself one of Server's constructor arguments.
func NewChatHandler(orchestrator *Orchestrator) queue.Handler {
	return func(ctx context.Context, sessionID string, it *queue.Item) {
		req := it.Request
		if !req.Stream {
			resp, err := orchestrator.Complete(ctx, sessionID, req.Messages, req.NewConvo)
			if err != nil {
				it.Reject(err)
				return
			}
			it.Resolve(resp)
			return
		}

		cb := func(d streaming.Delta) {
			if d.Content != "" && req.OnDelta != nil {
				req.OnDelta(d.Content)
			}
		}
		fullText, err := orchestrator.CompleteStream(ctx, sessionID, req.Messages, req.NewConvo, cb)
		if err != nil {
			it.Reject(err)
			return
		}
		it.Resolve(fullText)
	}
}
