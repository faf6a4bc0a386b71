package gateway

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/basket/angrav-gateway/internal/driver"
	"github.com/basket/angrav-gateway/internal/extract"
	"github.com/basket/angrav-gateway/internal/inject"
	"github.com/basket/angrav-gateway/internal/model"
	"github.com/basket/angrav-gateway/internal/probe"
	"github.com/basket/angrav-gateway/internal/streaming"
)

// FrameProvider is the subset of the registry the orchestrator needs to
// reach a resolved session's live frame.
type FrameProvider interface {
	Frame(id string) (driver.Frame, driver.Page, bool)
}

// Orchestrator is the CompletionOrchestrator of §4.M: it binds
// PromptInjector -> StateProbe.WaitForIdle -> ResponseExtractor into one
// per-session prompt cycle, non-streaming or streaming.
type Orchestrator struct {
	frames    FrameProvider
	injector  *inject.Injector
	extractor *extract.Extractor
	poller    *streaming.Poller
	probe     *probe.Probe

	requestTimeout time.Duration
}

func NewOrchestrator(frames FrameProvider, requestTimeout time.Duration) *Orchestrator {
	p := probe.New()
	e := extract.New()
	return &Orchestrator{
		frames:         frames,
		injector:       inject.New(p),
		extractor:      e,
		poller:         streaming.New(p, e),
		probe:          p,
		requestTimeout: requestTimeout,
	}
}

// ErrAgentSurfaceGone is returned when the resolved session no longer
// has a live frame (closed between dispatch and processing).
var ErrAgentSurfaceGone = fmt.Errorf("orchestrator: agent surface no longer available")

// renderPrompt joins the message list into the single prompt string
// §4.M specifies: "Role: content" entries separated by "\n\n---\n\n".
func renderPrompt(messages []model.Message) string {
	parts := make([]string, 0, len(messages))
	for _, m := range messages {
		parts = append(parts, fmt.Sprintf("%s: %s", titleCase(m.Role), m.Content))
	}
	return strings.Join(parts, "\n\n---\n\n")
}

func titleCase(role string) string {
	if role == "" {
		return role
	}
	return strings.ToUpper(role[:1]) + role[1:]
}

func (o *Orchestrator) timeout() time.Duration {
	if o.requestTimeout <= 0 {
		return 5 * time.Minute
	}
	return o.requestTimeout
}

func (o *Orchestrator) newConversation(ctx context.Context, f driver.Frame) error {
	affordance := f.Locate(ctx, "new conversation affordance")
	if n, err := affordance.Count(ctx); err != nil || n == 0 {
		return nil
	}
	if err := affordance.Click(ctx); err != nil {
		return err
	}
	return o.probe.WaitForIdle(ctx, f, 5*time.Second)
}

// Complete runs the non-streaming cycle: optional new-conversation,
// inject-and-wait, extract. The caller (chat.go) holds the session's
// processing slot for the duration of this call.
func (o *Orchestrator) Complete(ctx context.Context, sessionID string, messages []model.Message, newConvo bool) (model.AgentResponse, error) {
	f, _, ok := o.frames.Frame(sessionID)
	if !ok {
		return model.AgentResponse{}, ErrAgentSurfaceGone
	}

	ctx, cancel := context.WithTimeout(ctx, o.timeout())
	defer cancel()

	if newConvo {
		if err := o.newConversation(ctx, f); err != nil {
			return model.AgentResponse{}, fmt.Errorf("new conversation: %w", err)
		}
	}

	prompt := renderPrompt(messages)
	if err := o.injector.Inject(ctx, f, prompt, inject.Options{Wait: true, Timeout: o.timeout()}); err != nil {
		return model.AgentResponse{}, fmt.Errorf("inject prompt: %w", err)
	}

	resp, err := o.extractor.Extract(ctx, f)
	if err != nil {
		// ExtractFailed per §7: surface an empty response rather than
		// breaking the client.
		return model.AgentResponse{Timestamp: time.Now()}, nil
	}
	return resp, nil
}

// CompleteStream runs the streaming cycle: optional new-conversation,
// inject without waiting, then StreamPoller drives delta emission via cb.
func (o *Orchestrator) CompleteStream(ctx context.Context, sessionID string, messages []model.Message, newConvo bool, cb streaming.Callback) (string, error) {
	f, _, ok := o.frames.Frame(sessionID)
	if !ok {
		return "", ErrAgentSurfaceGone
	}

	ctx, cancel := context.WithTimeout(ctx, o.timeout())
	defer cancel()

	if newConvo {
		if err := o.newConversation(ctx, f); err != nil {
			return "", fmt.Errorf("new conversation: %w", err)
		}
	}

	prompt := renderPrompt(messages)
	if err := o.injector.Inject(ctx, f, prompt, inject.Options{Wait: false}); err != nil {
		return "", fmt.Errorf("inject prompt: %w", err)
	}

	return o.poller.Poll(ctx, f, cb, streaming.Options{Timeout: o.timeout()})
}

// ExtractOnly reads the current AgentResponse without injecting a
// prompt, for the response-augmented SSE variant's use on session_idle.
func (o *Orchestrator) ExtractOnly(ctx context.Context, sessionID string) (model.AgentResponse, error) {
	f, _, ok := o.frames.Frame(sessionID)
	if !ok {
		return model.AgentResponse{}, ErrAgentSurfaceGone
	}
	return o.extractor.Extract(ctx, f)
}
