// Package model holds the data types shared across the gateway's
// components — the contracts of §3 of the system design.
package model

import "time"

// State is one of the three UI states the core distinguishes.
type State string

const (
	StateIdle     State = "idle"
	StateThinking State = "thinking"
	StateError    State = "error"
)

// StateSample is an immutable, short-lived observation produced by
// StateProbe.
type StateSample struct {
	State          State
	IsInputEnabled bool
	ErrorMessage   string
}

// SessionHandle identifies one live chat surface. Exclusively owned by
// the registry; all other components borrow a handle for the duration of
// one operation.
type SessionHandle struct {
	ID           string
	Title        string
	Workspace    string
	State        State
	LastActivity time.Time
}

// CodeBlock is an immutable code fragment produced by the extractor.
type CodeBlock struct {
	Language string
	Content  string
	Filename string
}

// StructuredItemType tags the variant a StructuredItem carries.
type StructuredItemType string

const (
	ItemUser         StructuredItemType = "user"
	ItemAgent        StructuredItemType = "agent"
	ItemThought      StructuredItemType = "thought"
	ItemCode         StructuredItemType = "code"
	ItemFileLink     StructuredItemType = "file-link"
	ItemFileActivity StructuredItemType = "file-activity"
	ItemFileChange   StructuredItemType = "file-change"
	ItemFileDiff     StructuredItemType = "file-diff"
	ItemToolCall     StructuredItemType = "tool-call"
	ItemToolCallArg  StructuredItemType = "tool-call-arg"
	ItemTerminal     StructuredItemType = "terminal"
	ItemTimestamp    StructuredItemType = "timestamp"
	ItemError        StructuredItemType = "error"
	ItemImage        StructuredItemType = "image"
	ItemApproval     StructuredItemType = "approval"
	ItemTaskStatus   StructuredItemType = "task-status"
	ItemTable        StructuredItemType = "table"
	ItemUnknown      StructuredItemType = "unknown"
)

// StructuredItem is a tagged, deduplicable span of the assistant's turn.
type StructuredItem struct {
	Type    StructuredItemType
	Content string
	Key     string
}

// AgentResponse is an immutable snapshot taken at the end of one prompt
// cycle.
type AgentResponse struct {
	FullText        string
	Thoughts        string
	CodeBlocks      []CodeBlock
	StructuredItems []StructuredItem
	Timestamp       time.Time
}

// Message is one entry of an OpenAI-style chat message list.
type Message struct {
	Role    string
	Content string
}

// RateLimitInfo is a derived, immutable parse of a quota banner.
type RateLimitInfo struct {
	Model        string
	IsLimited    bool
	AvailableAt  time.Time
	HasAvailableAt bool
	RawMessage   string
}

// RateLimitRecord is the persisted form of a RateLimitInfo observation.
type RateLimitRecord struct {
	Model              string
	Account            string
	SessionID          string
	IsLimited          bool
	AvailableAt        time.Time
	AvailableAtEpochMs int64
	DetectedAt         time.Time
	Source             string
}
