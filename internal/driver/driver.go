// Package driver defines the narrow contract every concrete remote-debug
// browser driver must satisfy. Nothing above this package stores transport
// state beyond a connected Driver handle.
package driver

import (
	"context"
	"errors"
	"time"
)

// UnavailableError indicates the underlying connection to the remote
// application was lost or never established.
type UnavailableError struct {
	Cause error
}

func (e *UnavailableError) Error() string {
	if e.Cause == nil {
		return "driver: unavailable"
	}
	return "driver: unavailable: " + e.Cause.Error()
}

func (e *UnavailableError) Unwrap() error { return e.Cause }

// NotFoundError indicates a locator predicate matched zero elements.
type NotFoundError struct {
	What string
}

func (e *NotFoundError) Error() string { return "driver: not found: " + e.What }

// TimeoutError indicates a wait-for-visible/hidden or read operation did
// not complete within its bound.
type TimeoutError struct {
	Op      string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return "driver: timeout waiting for " + e.Op
}

// ErrClosed is returned by operations invoked after Driver.Close.
var ErrClosed = errors.New("driver: closed")

// Page is a top-level browser tab/window.
type Page interface {
	URL() string
	Title() string
	// Frames enumerates the page's inner frames (including the page's own
	// main frame, always first).
	Frames(ctx context.Context) ([]Frame, error)
	// Closed reports whether the underlying tab has been closed.
	Closed() bool
}

// Locator is a handle to zero-or-more elements resolved by a logical
// predicate (role, accessible name, attribute) rather than a CSS string.
// Resolution happens lazily on each operation so that DOM mutations
// between calls are tolerated.
type Locator interface {
	// Count returns the number of currently-matching elements.
	Count(ctx context.Context) (int, error)
	// Text returns the text content of the first match.
	Text(ctx context.Context) (string, error)
	// Attr returns a named attribute of the first match.
	Attr(ctx context.Context, name string) (string, bool, error)
	// Visible reports whether the first match is currently visible.
	Visible(ctx context.Context) (bool, error)
	Click(ctx context.Context) error
	Type(ctx context.Context, text string) error
	Press(ctx context.Context, key string) error
	WaitVisible(ctx context.Context, timeout time.Duration) error
	WaitHidden(ctx context.Context, timeout time.Duration) error
	// At resolves to the i-th currently-matching element (0-indexed). The
	// returned Locator's own Count is always 0 or 1: every other method on
	// it addresses that single element instead of the first of the full
	// match set. Callers that need to walk every element with a language
	// annotation, every structured-item span, or every rate-limit option
	// use Count then At(i) for i in [0, Count) rather than re-reading the
	// first match repeatedly.
	At(ctx context.Context, i int) Locator
}

// Frame is one document (top or nested) a Locator can be resolved against.
type Frame interface {
	URL() string
	// Locate resolves a capability predicate to a Locator. The predicate
	// names what is being found ("prompt input", "stop affordance") —
	// concrete selector strategy lives in the adapter.
	Locate(ctx context.Context, predicate string) Locator
}

// Driver is the sole bridge between the core and the running remote
// application. Implementations connect over a remote-debugging channel.
type Driver interface {
	// Pages enumerates currently-open top-level pages.
	Pages(ctx context.Context) ([]Page, error)
	// Connected reports whether the transport is currently usable.
	Connected() bool
	Close() error
}
