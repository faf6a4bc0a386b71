// Package frame resolves the active agent surface on a page.
package frame

import (
	"context"
	"fmt"
	"time"

	"github.com/basket/angrav-gateway/internal/driver"
)

// ErrAgentSurfaceMissing is returned when the agent frame cannot be found
// even after triggering the in-app reveal action and retrying once.
var ErrAgentSurfaceMissing = fmt.Errorf("frame: agent surface missing")

const activationWait = 2 * time.Second

// Resolve finds the frame matching the agent-surface marker on page. If
// not immediately present, it triggers the in-app action that reveals the
// agent surface and retries once. Resolve caches nothing across calls —
// pages may reload between invocations.
func Resolve(ctx context.Context, page driver.Page, markerURL string) (driver.Frame, error) {
	if f, ok := findMarked(ctx, page, markerURL); ok {
		return f, nil
	}

	if err := activate(ctx, page); err != nil {
		return nil, fmt.Errorf("%w: activation failed: %v", ErrAgentSurfaceMissing, err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(activationWait):
	}

	if f, ok := findMarked(ctx, page, markerURL); ok {
		return f, nil
	}
	return nil, ErrAgentSurfaceMissing
}

func findMarked(ctx context.Context, page driver.Page, markerURL string) (driver.Frame, bool) {
	frames, err := page.Frames(ctx)
	if err != nil {
		return nil, false
	}
	for _, f := range frames {
		if matchesMarker(f.URL(), markerURL) {
			return f, true
		}
	}
	return nil, false
}

func matchesMarker(frameURL, markerURL string) bool {
	if markerURL == "" {
		return false
	}
	return contains(frameURL, markerURL)
}

func contains(haystack, needle string) bool {
	if needle == "" {
		return false
	}
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}

// activate triggers the in-app action that opens the agent surface:
// locate the activity-bar item labeled "Agent" (or the app brand) and
// click it. Operates on the page's main frame.
func activate(ctx context.Context, page driver.Page) error {
	frames, err := page.Frames(ctx)
	if err != nil || len(frames) == 0 {
		return fmt.Errorf("enumerate frames: %w", err)
	}
	main := frames[0]
	loc := main.Locate(ctx, "agent activity-bar item")
	if err := loc.WaitVisible(ctx, activationWait); err != nil {
		return err
	}
	return loc.Click(ctx)
}
