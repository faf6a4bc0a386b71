// Package extract pulls structured response data from the latest agent
// turn of an agent frame. It is read-only.
package extract

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/basket/angrav-gateway/internal/driver"
	"github.com/basket/angrav-gateway/internal/model"
)

// Extractor reads structured data from a frame's latest assistant turn.
type Extractor struct{}

func New() *Extractor { return &Extractor{} }

var (
	fileActivityRe = regexp.MustCompile(`^(Edited|Analyzed|Viewed|Read|Reading|Created|Deleted|Wrote)\s+\S.*?(\s+[+-]\d+)*$`)
	toolCallTitleRe = regexp.MustCompile(`^([A-Z][a-z]+(\s+[A-Za-z][a-z]*){1,7})$`)
	cssArtifactRe   = regexp.MustCompile(`[{};]\s*$|^\s*\.[a-zA-Z-]+\s*\{`)
)

// Extract pulls the full AgentResponse from frame in one call.
func (e *Extractor) Extract(ctx context.Context, f driver.Frame) (model.AgentResponse, error) {
	resp := model.AgentResponse{Timestamp: time.Now()}

	resp.Thoughts = e.extractThoughts(ctx, f)
	resp.CodeBlocks = e.extractCodeBlocks(ctx, f)
	resp.FullText = e.extractAnswerText(ctx, f)
	resp.StructuredItems = e.extractStructuredItems(ctx, f, resp.CodeBlocks)

	return resp, nil
}

func (e *Extractor) extractThoughts(ctx context.Context, f driver.Frame) string {
	toggle := f.Locate(ctx, "thought toggle")
	if n, err := toggle.Count(ctx); err != nil || n == 0 {
		return ""
	}
	_ = toggle.Click(ctx)
	text, err := f.Locate(ctx, "thought body").Text(ctx)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(text)
}

func (e *Extractor) extractCodeBlocks(ctx context.Context, f driver.Frame) []model.CodeBlock {
	loc := f.Locate(ctx, "code block")
	n, err := loc.Count(ctx)
	if err != nil || n == 0 {
		return nil
	}

	seen := make(map[string]struct{}, n)
	blocks := make([]model.CodeBlock, 0, n)
	for i := 0; i < n; i++ {
		el := loc.At(ctx, i)
		content, err := el.Text(ctx)
		if err != nil || content == "" {
			continue
		}
		if isCSSArtifact(content) {
			continue
		}
		lang, _, _ := el.Attr(ctx, "data-language")
		filename, hasName, _ := el.Attr(ctx, "data-filename")

		dedupKey := lang + "|" + truncate(content, 80)
		if _, dup := seen[dedupKey]; dup {
			continue
		}
		seen[dedupKey] = struct{}{}

		cb := model.CodeBlock{Language: lang, Content: content}
		if hasName {
			cb.Filename = filename
		}
		blocks = append(blocks, cb)
	}
	return blocks
}

func isCSSArtifact(content string) bool {
	return cssArtifactRe.MatchString(content)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func (e *Extractor) extractAnswerText(ctx context.Context, f driver.Frame) string {
	text, err := f.Locate(ctx, "answer text").Text(ctx)
	if err != nil {
		return ""
	}
	return text
}

// AnswerText reads just the latest partial/final answer prose, without
// the cost of extracting thoughts, code blocks, and structured items.
// StreamPoller uses this on every tick.
func (e *Extractor) AnswerText(ctx context.Context, f driver.Frame) (string, error) {
	return f.Locate(ctx, "answer text").Text(ctx)
}

func (e *Extractor) extractStructuredItems(ctx context.Context, f driver.Frame, codeBlocks []model.CodeBlock) []model.StructuredItem {
	var items []model.StructuredItem
	seen := make(map[string]struct{})

	add := func(item model.StructuredItem) {
		if _, dup := seen[item.Key]; dup {
			return
		}
		seen[item.Key] = struct{}{}
		items = append(items, item)
	}

	for i, cb := range codeBlocks {
		add(model.StructuredItem{
			Type:    model.ItemCode,
			Content: cb.Content,
			Key:     "code-" + strconv.Itoa(i) + "-" + cb.Language,
		})
	}

	spansLoc := f.Locate(ctx, "turn span")
	n, err := spansLoc.Count(ctx)
	if err != nil {
		return items
	}
	for i := 0; i < n; i++ {
		span := spansLoc.At(ctx, i)
		text, err := span.Text(ctx)
		if err != nil || text == "" {
			continue
		}
		item, ok := classifySpan(ctx, span, text, i)
		if ok {
			add(item)
		}
	}

	return items
}

// classifySpan maps one observed turn span to a StructuredItem. Unrecognized
// spans fall through to "unknown" rather than being dropped, preserving
// forward compatibility with UI changes the taxonomy hasn't caught up to yet.
func classifySpan(ctx context.Context, loc driver.Locator, text string, index int) (model.StructuredItem, bool) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return model.StructuredItem{}, false
	}

	switch {
	case len(trimmed) <= 100 && fileActivityRe.MatchString(trimmed):
		return model.StructuredItem{Type: model.ItemFileActivity, Content: trimmed, Key: "file-activity-" + strconv.Itoa(index) + "-" + trimmed}, true

	case toolCallTitleRe.MatchString(trimmed):
		if title, ok, _ := loc.Attr(ctx, "title"); ok && toolCallTitleRe.MatchString(title) {
			return model.StructuredItem{Type: model.ItemToolCall, Content: title, Key: "tool-call-" + title}, true
		}

	default:
		if class, ok, _ := loc.Attr(ctx, "class"); ok && isErrorStyled(class) && len(trimmed) >= 5 && len(trimmed) <= 500 {
			return model.StructuredItem{Type: model.ItemError, Content: trimmed, Key: "error-" + strconv.Itoa(index)}, true
		}
	}

	return model.StructuredItem{Type: model.ItemUnknown, Content: trimmed, Key: "unknown-" + strconv.Itoa(index) + "-" + truncate(trimmed, 40)}, true
}

func isErrorStyled(class string) bool {
	return strings.Contains(class, "error") || strings.Contains(class, "danger") || strings.Contains(class, "red")
}
