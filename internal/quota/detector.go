// Package quota parses rate-limit banners off an agent frame.
package quota

import (
	"context"
	"strings"
	"time"

	"github.com/basket/angrav-gateway/internal/driver"
	"github.com/basket/angrav-gateway/internal/model"
)

const (
	quotaPrefix  = "quota limit for"
	resumePrefix = "resume using this model at"
)

// Detector scans a frame for a quota-exceeded banner.
type Detector struct{}

func New() *Detector { return &Detector{} }

// Detect returns the parsed RateLimitInfo for the current banner, or nil
// if no banner is present. Parse failures are not fatal — the raw banner
// text is preserved and HasAvailableAt is left false.
func (d *Detector) Detect(ctx context.Context, f driver.Frame) (*model.RateLimitInfo, error) {
	banner := f.Locate(ctx, "rate-limit banner")
	n, err := banner.Count(ctx)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	text, err := banner.Text(ctx)
	if err != nil {
		return nil, err
	}

	info := &model.RateLimitInfo{IsLimited: true, RawMessage: text}
	info.Model = extractBetween(text, quotaPrefix, ".")
	if resumeStr := extractBetween(text, resumePrefix, "."); resumeStr != "" {
		if t, err := time.Parse(time.RFC3339, strings.TrimSpace(resumeStr)); err == nil {
			info.AvailableAt = t
			info.HasAvailableAt = true
		}
	}
	return info, nil
}

func extractBetween(text, startMarker, endMarker string) string {
	idx := strings.Index(text, startMarker)
	if idx < 0 {
		return ""
	}
	rest := text[idx+len(startMarker):]
	endIdx := strings.Index(rest, endMarker)
	if endIdx < 0 {
		return strings.TrimSpace(rest)
	}
	return strings.TrimSpace(rest[:endIdx])
}

// Dismiss clicks the banner's dismiss affordance. A no-op when no banner
// is present returns false; otherwise returns true.
func (d *Detector) Dismiss(ctx context.Context, f driver.Frame) (bool, error) {
	banner := f.Locate(ctx, "rate-limit banner")
	n, err := banner.Count(ctx)
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	dismiss := f.Locate(ctx, "rate-limit dismiss")
	if err := dismiss.Click(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// SelectAnotherModel clicks the alternative-model affordance on the
// banner.
func (d *Detector) SelectAnotherModel(ctx context.Context, f driver.Frame) error {
	return f.Locate(ctx, "rate-limit alternate model").Click(ctx)
}

// ModelLimit records whether one model picker option carries a
// warning/limited indicator.
type ModelLimit struct {
	Model     string
	IsLimited bool
}

// ScanAllModelLimits opens the model picker, inspects each option for a
// warning indicator, and closes the picker before returning.
func (d *Detector) ScanAllModelLimits(ctx context.Context, f driver.Frame) ([]ModelLimit, error) {
	picker := f.Locate(ctx, "model picker")
	if err := picker.Click(ctx); err != nil {
		return nil, err
	}
	defer func() { _ = picker.Click(ctx) }()

	options := f.Locate(ctx, "model picker option")
	n, err := options.Count(ctx)
	if err != nil {
		return nil, err
	}
	limits := make([]ModelLimit, 0, n)
	for i := 0; i < n; i++ {
		opt := options.At(ctx, i)
		name, err := opt.Text(ctx)
		if err != nil || name == "" {
			continue
		}
		_, warned, _ := opt.Attr(ctx, "data-limited")
		limits = append(limits, ModelLimit{Model: name, IsLimited: warned})
	}
	return limits, nil
}
