package gateway

// ChatCompletionRequest is the OpenAI-compatible request body for
// POST /v1/chat/completions.
type ChatCompletionRequest struct {
	Model       string                  `json:"model"`
	Messages    []ChatCompletionMessage `json:"messages"`
	Temperature *float64                `json:"temperature,omitempty"`
	MaxTokens   *int                    `json:"max_tokens,omitempty"`
	Stream      bool                    `json:"stream,omitempty"`
	// Session selects a target session by exact id, id prefix, or title
	// prefix. Empty routes to any idle session, falling back to any
	// session at all. Not part of the OpenAI surface; harmless for
	// clients that don't set it.
	Session string `json:"session,omitempty"`
	// NewConversation asks the orchestrator to start a fresh conversation
	// on the resolved session before injecting the prompt.
	NewConversation bool `json:"new_conversation,omitempty"`
}

// ChatCompletionMessage is one entry of the request's message list, or
// one choice's message/delta in a response.
type ChatCompletionMessage struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// ChatCompletionResponse covers both the non-stream `chat.completion`
// object and the `chat.completion.chunk` SSE frames.
type ChatCompletionResponse struct {
	ID      string                 `json:"id"`
	Object  string                 `json:"object"`
	Created int64                  `json:"created"`
	Model   string                 `json:"model"`
	Choices []ChatCompletionChoice `json:"choices"`
	Usage   *Usage                 `json:"usage,omitempty"`
	// Session echoes the session the request resolved to (§4.M step 5).
	// Not part of the OpenAI surface; harmless for clients that ignore it,
	// and the only way a caller that submitted with no Session hint (or a
	// prefix) learns which concrete session served the request.
	Session string `json:"session,omitempty"`
}

// ChatCompletionChoice carries either Message (non-stream) or Delta
// (stream chunk), never both.
type ChatCompletionChoice struct {
	Index        int                    `json:"index"`
	Message      *ChatCompletionMessage `json:"message,omitempty"`
	Delta        *ChatCompletionMessage `json:"delta,omitempty"`
	FinishReason *string                `json:"finish_reason"`
}

// Usage is the OpenAI-style token accounting block.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ModelListResponse is the body of GET /v1/models.
type ModelListResponse struct {
	Object string  `json:"object"`
	Data   []Model `json:"data"`
}

// Model is one entry of ModelListResponse, and the body of
// GET /v1/models/{id}.
type Model struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// SessionSnapshot is one entry of GET /v1/sessions.
type SessionSnapshot struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	State   string `json:"state"`
	Created int64  `json:"created"`
}

// SessionEventEnvelope is the wire shape of one SSE event, for both the
// registry-wide and per-session streams.
type SessionEventEnvelope struct {
	Type         string `json:"type"`
	SessionID    string `json:"sessionId"`
	State        string `json:"state,omitempty"`
	PreviousState string `json:"previousState,omitempty"`
	Response     any    `json:"response,omitempty"`
	Timestamp    int64  `json:"timestamp"`
}

func strPtr(s string) *string { return &s }
