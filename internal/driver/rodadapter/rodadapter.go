// Package rodadapter implements driver.Driver over the Chrome DevTools
// Protocol using go-rod, against an already-running desktop application
// that exposes a remote-debugging endpoint.
package rodadapter

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/stealth"

	"github.com/basket/angrav-gateway/internal/driver"
)

// Adapter connects to a single running application instance.
type Adapter struct {
	browser *rod.Browser
	wsURL   string
}

// Dial attaches to a running app at wsURL (the remote-debugging websocket
// endpoint, e.g. ws://127.0.0.1:9222/devtools/browser/<id>).
func Dial(wsURL string) (*Adapter, error) {
	browser := rod.New().ControlURL(wsURL)
	if err := browser.Connect(); err != nil {
		return nil, &driver.UnavailableError{Cause: err}
	}
	return &Adapter{browser: browser, wsURL: wsURL}, nil
}

func (a *Adapter) Connected() bool {
	if a.browser == nil {
		return false
	}
	_, err := a.browser.Pages()
	return err == nil
}

func (a *Adapter) Close() error {
	if a.browser == nil {
		return nil
	}
	return a.browser.Close()
}

func (a *Adapter) Pages(ctx context.Context) ([]driver.Page, error) {
	pages, err := a.browser.Pages()
	if err != nil {
		return nil, &driver.UnavailableError{Cause: err}
	}
	out := make([]driver.Page, 0, len(pages))
	for _, p := range pages {
		p = p.Context(ctx)
		if err := stealth.Page(p); err != nil {
			// Stealth patching is best-effort; a failure here doesn't
			// prevent the page from being driven.
			_ = err
		}
		out = append(out, &rodPage{page: p})
	}
	return out, nil
}

type rodPage struct {
	page *rod.Page
}

func (p *rodPage) URL() string {
	info, err := p.page.Info()
	if err != nil {
		return ""
	}
	return info.URL
}

func (p *rodPage) Title() string {
	info, err := p.page.Info()
	if err != nil {
		return ""
	}
	return info.Title
}

func (p *rodPage) Closed() bool {
	_, err := p.page.Info()
	return err != nil
}

func (p *rodPage) Frames(ctx context.Context) ([]driver.Frame, error) {
	frames := []driver.Frame{&rodFrame{page: p.page.Context(ctx)}}
	children, err := p.page.Context(ctx).ElementsX("//iframe")
	if err != nil {
		return frames, nil
	}
	for _, el := range children {
		frame, err := el.Frame()
		if err != nil {
			continue
		}
		frames = append(frames, &rodFrame{page: frame})
	}
	return frames, nil
}

type rodFrame struct {
	page *rod.Page
}

func (f *rodFrame) URL() string {
	info, err := f.page.Info()
	if err != nil {
		return ""
	}
	return info.URL
}

// Locate resolves a capability predicate to a locator. Predicates are
// matched against a small table of element-role selector strategies; an
// unrecognized predicate still returns a locator, it simply matches
// nothing (callers observe this as a NotFoundError on use).
func (f *rodFrame) Locate(ctx context.Context, predicate string) driver.Locator {
	selector, byXPath := selectorFor(predicate)
	return &rodLocator{page: f.page.Context(ctx), selector: selector, xpath: byXPath, what: predicate, index: -1}
}

// selectorFor maps a capability predicate to a concrete lookup strategy.
// Kept centralized and swappable per §9: a selector-layer swap here must
// not change behavior anywhere else in the tree.
func selectorFor(predicate string) (string, bool) {
	switch predicate {
	case "prompt input":
		return `//*[@contenteditable="true"]`, true
	case "stop affordance":
		return `//*[@aria-label="Stop generating" or @data-testid="stop-button"]`, true
	case "error toast":
		return `//*[@role="alert"]`, true
	case "thought toggle":
		return `//*[contains(@class,"thought-toggle")]`, true
	case "new conversation affordance":
		return `//*[@aria-label="New conversation"]`, true
	case "agent activity-bar item":
		return `//*[@aria-label="Agent"]`, true
	case "rate-limit banner":
		return `//*[contains(@class,"quota-banner")]`, true
	case "rate-limit dismiss":
		return `//*[contains(@class,"quota-banner")]//*[@aria-label="Dismiss"]`, true
	case "rate-limit alternate model":
		return `//*[contains(@class,"quota-banner")]//*[@aria-label="Choose another model"]`, true
	case "model picker":
		return `//*[@aria-label="Model picker"]`, true
	case "model picker option":
		return `//*[@aria-label="Model picker"]//*[@role="option" or @data-testid="model-option"]`, true
	case "answer text":
		return `//*[contains(@class,"answer-text") or contains(@class,"message-content") or @data-testid="answer-text"]`, true
	case "code block":
		return `//pre[.//code] | //*[contains(@class,"code-block")]`, true
	case "turn span":
		return `//*[contains(@class,"turn") or @data-testid="turn"]`, true
	case "thought body":
		return `//*[contains(@class,"thought-body") or contains(@class,"thought-content")]`, true
	default:
		return "", true
	}
}

// rodLocator resolves a capability predicate against the current DOM on
// every call. index is -1 for a locator over the full match set (legacy,
// first-element-addressing behavior); At binds index to a specific
// position so the same predicate can be walked element-by-element.
type rodLocator struct {
	page     *rod.Page
	selector string
	xpath    bool
	what     string
	index    int
}

func (l *rodLocator) elements() (rod.Elements, error) {
	if l.selector == "" {
		return nil, &driver.NotFoundError{What: l.what}
	}
	els, err := l.page.ElementsX(l.selector)
	if err != nil {
		return nil, fmt.Errorf("locate %s: %w", l.what, err)
	}
	return els, nil
}

// first resolves the element this locator addresses: index 0 of the full
// match set for an unbound locator, or the bound index for one produced
// by At.
func (l *rodLocator) first() (*rod.Element, error) {
	els, err := l.elements()
	if err != nil {
		return nil, err
	}
	idx := l.index
	if idx < 0 {
		idx = 0
	}
	if idx >= len(els) {
		return nil, &driver.NotFoundError{What: l.what}
	}
	return els[idx], nil
}

func (l *rodLocator) Count(ctx context.Context) (int, error) {
	els, err := l.elements()
	if err != nil {
		if _, ok := err.(*driver.NotFoundError); ok {
			return 0, nil
		}
		return 0, err
	}
	if l.index >= 0 {
		if l.index < len(els) {
			return 1, nil
		}
		return 0, nil
	}
	return len(els), nil
}

// At binds this locator's predicate to its i-th currently-matching
// element. The returned Locator's Count is 0 or 1; every other method
// addresses that one element.
func (l *rodLocator) At(ctx context.Context, i int) driver.Locator {
	return &rodLocator{
		page:     l.page.Context(ctx),
		selector: l.selector,
		xpath:    l.xpath,
		what:     fmt.Sprintf("%s[%d]", l.what, i),
		index:    i,
	}
}

func (l *rodLocator) Text(ctx context.Context) (string, error) {
	el, err := l.first()
	if err != nil {
		return "", err
	}
	text, err := el.Text()
	if err != nil {
		return "", fmt.Errorf("read text of %s: %w", l.what, err)
	}
	return strings.TrimSpace(text), nil
}

func (l *rodLocator) Attr(ctx context.Context, name string) (string, bool, error) {
	el, err := l.first()
	if err != nil {
		return "", false, err
	}
	val, err := el.Attribute(name)
	if err != nil {
		return "", false, fmt.Errorf("read attribute %s of %s: %w", name, l.what, err)
	}
	if val == nil {
		return "", false, nil
	}
	return *val, true, nil
}

func (l *rodLocator) Visible(ctx context.Context) (bool, error) {
	el, err := l.first()
	if err != nil {
		if _, ok := err.(*driver.NotFoundError); ok {
			return false, nil
		}
		return false, err
	}
	visible, err := el.Visible()
	if err != nil {
		return false, fmt.Errorf("check visibility of %s: %w", l.what, err)
	}
	return visible, nil
}

func (l *rodLocator) Click(ctx context.Context) error {
	el, err := l.first()
	if err != nil {
		return err
	}
	if err := el.Click("left", 1); err != nil {
		return fmt.Errorf("click %s: %w", l.what, err)
	}
	return nil
}

func (l *rodLocator) Type(ctx context.Context, text string) error {
	el, err := l.first()
	if err != nil {
		return err
	}
	if err := el.Input(text); err != nil {
		return fmt.Errorf("type into %s: %w", l.what, err)
	}
	return nil
}

func (l *rodLocator) Press(ctx context.Context, key string) error {
	el, err := l.first()
	if err != nil {
		return err
	}
	k, ok := keyByName[key]
	if !ok {
		return fmt.Errorf("press %s on %s: %w", key, l.what, &driver.NotFoundError{What: "key " + key})
	}
	if err := el.Type(k); err != nil {
		return fmt.Errorf("press %s on %s: %w", key, l.what, err)
	}
	return nil
}

func (l *rodLocator) WaitVisible(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		visible, err := l.Visible(ctx)
		if err == nil && visible {
			return nil
		}
		if time.Now().After(deadline) {
			return &driver.TimeoutError{Op: "wait-visible " + l.what, Timeout: timeout}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func (l *rodLocator) WaitHidden(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		visible, err := l.Visible(ctx)
		if err == nil && !visible {
			return nil
		}
		if time.Now().After(deadline) {
			return &driver.TimeoutError{Op: "wait-hidden " + l.what, Timeout: timeout}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}
