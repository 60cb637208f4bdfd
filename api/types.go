// Package api defines the downstream protocol entities the terminal client
// consumes: sessions, messages, message parts, and the event envelope
// delivered over the event stream. All timestamps are Unix milliseconds;
// the client compares entity IDs lexicographically to order them.
package api

// Session is one conversation with the upstream agent.
type Session struct {
	ID        string       `json:"id"`
	Directory string       `json:"directory"`
	Title     string       `json:"title"`
	Time      SessionTime  `json:"time"`
	Summary   *DiffSummary `json:"summary,omitempty"`
}

// SessionTime holds session timestamps.
type SessionTime struct {
	Created int64 `json:"created"`
	Updated int64 `json:"updated"`
}

// DiffSummary aggregates the working-tree diff for a session.
type DiffSummary struct {
	Added     int `json:"added"`
	Removed   int `json:"removed"`
	FileCount int `json:"fileCount"`
}

// MessageRole discriminates user and assistant messages.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// Message is one user input or assistant response. User messages are fixed
// at creation; assistant messages mutate until their completion marker
// (Finish + Time.Completed) is set, which happens exactly once.
type Message struct {
	ID         string      `json:"id"`
	SessionID  string      `json:"sessionID"`
	Role       MessageRole `json:"role"`
	Time       MessageTime `json:"time"`
	ModelID    string      `json:"modelID,omitempty"`
	ProviderID string      `json:"providerID,omitempty"`
	Tokens     TokenCount  `json:"tokens"`
	Cost       float64     `json:"cost"`
	Finish     string      `json:"finish,omitempty"`
}

// MessageTime holds message timestamps. Completed is nil until the message
// is finalized.
type MessageTime struct {
	Created   int64  `json:"created"`
	Completed *int64 `json:"completed,omitempty"`
}

// TokenCount holds cumulative token usage.
type TokenCount struct {
	Input     int         `json:"input"`
	Output    int         `json:"output"`
	Reasoning int         `json:"reasoning"`
	Cache     CacheTokens `json:"cache"`
}

// CacheTokens splits cache usage by direction.
type CacheTokens struct {
	Read  int `json:"read"`
	Write int `json:"write"`
}

// PartType discriminates message parts.
type PartType string

const (
	PartTypeText       PartType = "text"
	PartTypeReasoning  PartType = "reasoning"
	PartTypeTool       PartType = "tool"
	PartTypeStepStart  PartType = "step-start"
	PartTypeStepFinish PartType = "step-finish"
)

// Part is a typed unit attached to exactly one message, ordered by
// insertion. Which optional fields are set depends on Type:
// text/reasoning use Text and Time; tool uses Tool, CallID, and State;
// step-finish carries Tokens and Cost as of its turn.
type Part struct {
	ID        string      `json:"id"`
	MessageID string      `json:"messageID"`
	SessionID string      `json:"sessionID"`
	Type      PartType    `json:"type"`
	Text      string      `json:"text,omitempty"`
	Time      *TimeRange  `json:"time,omitempty"`
	Tool      string      `json:"tool,omitempty"`
	CallID    string      `json:"callID,omitempty"`
	State     *ToolState  `json:"state,omitempty"`
	Tokens    *TokenCount `json:"tokens,omitempty"`
	Cost      *float64    `json:"cost,omitempty"`
}

// TimeRange brackets a part's activity. End is nil while still open.
type TimeRange struct {
	Start int64  `json:"start"`
	End   *int64 `json:"end,omitempty"`
}

// DiffFile is one file section of a session diff.
type DiffFile struct {
	Path      string         `json:"path"`
	Additions int            `json:"additions"`
	Deletions int            `json:"deletions"`
	Status    DiffFileStatus `json:"status"`
}

// DiffFileStatus classifies a diff file section.
type DiffFileStatus string

const (
	DiffFileAdded    DiffFileStatus = "added"
	DiffFileDeleted  DiffFileStatus = "deleted"
	DiffFileModified DiffFileStatus = "modified"
)
