package gateway

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/basket/angrav-gateway/internal/queue"
)

// ValidationError is returned by validateChatRequest; §7 maps it to 400.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "validation: " + e.Reason }

func validationError(reason string) error {
	return &ValidationError{Reason: reason}
}

// statusForError maps an error returned from queue.Submit or the
// orchestrator to the HTTP status §7's error-kind table assigns it.
func statusForError(err error) (int, string) {
	var ve *ValidationError
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest, ve.Error()
	case errors.Is(err, queue.ErrNoSession):
		return http.StatusServiceUnavailable, "no session available"
	case errors.Is(err, queue.ErrQueueFullSession):
		return http.StatusTooManyRequests, "per-session queue full"
	case errors.Is(err, queue.ErrQueueFullGlobal):
		return http.StatusTooManyRequests, "global queue full"
	case errors.Is(err, queue.ErrQueueTimeout):
		return http.StatusGatewayTimeout, "request timed out waiting for a processing slot"
	case errors.Is(err, queue.ErrShutdown):
		return http.StatusServiceUnavailable, "gateway shutting down"
	case errors.Is(err, ErrAgentSurfaceGone):
		return http.StatusInternalServerError, "agent surface no longer available"
	default:
		return http.StatusInternalServerError, fmt.Sprintf("internal error: %v", err)
	}
}
