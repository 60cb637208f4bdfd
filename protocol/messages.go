// Package protocol defines the wire types for the upstream agent's
// newline-delimited JSON chunk stream, and parsing helpers that
// discriminate chunks and content blocks by their type tags.
package protocol

import (
	"encoding/json"
	"fmt"
	"log/slog"
)

// ChunkType discriminates between chunk kinds.
type ChunkType string

const (
	ChunkTypeSystem         ChunkType = "system"
	ChunkTypeAssistant      ChunkType = "assistant"
	ChunkTypeUser           ChunkType = "user"
	ChunkTypeResult         ChunkType = "result"
	ChunkTypeControlRequest ChunkType = "control_request"
)

// Chunk is the interface for all upstream chunks.
type Chunk interface {
	ChunkKind() ChunkType
}

// SystemChunk carries session initialization and system events.
type SystemChunk struct {
	Type           ChunkType `json:"type"`
	Subtype        string    `json:"subtype"`
	SessionID      string    `json:"session_id"`
	Model          string    `json:"model,omitempty"`
	CWD            string    `json:"cwd,omitempty"`
	PermissionMode string    `json:"permissionMode,omitempty"`
	Tools          []string  `json:"tools,omitempty"`
}

// ChunkKind returns the chunk type.
func (c SystemChunk) ChunkKind() ChunkType { return ChunkTypeSystem }

// Usage tracks cumulative token usage for one upstream message. Values are
// absolute per-message totals, not increments.
type Usage struct {
	InputTokens              int `json:"input_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	ReasoningOutputTokens    int `json:"reasoning_output_tokens,omitempty"`
}

// FlexibleContent can be either a string or an array of content blocks.
type FlexibleContent struct {
	raw json.RawMessage
}

// UnmarshalJSON implements json.Unmarshaler.
func (fc *FlexibleContent) UnmarshalJSON(data []byte) error {
	fc.raw = data
	return nil
}

// MarshalJSON implements json.Marshaler.
func (fc FlexibleContent) MarshalJSON() ([]byte, error) {
	if fc.raw == nil {
		return []byte("null"), nil
	}
	return fc.raw, nil
}

// IsString returns true if the content is a string.
func (fc FlexibleContent) IsString() bool {
	return len(fc.raw) > 0 && fc.raw[0] == '"'
}

// AsString returns the content as a string (if it is one).
func (fc FlexibleContent) AsString() (string, bool) {
	if !fc.IsString() {
		return "", false
	}
	var s string
	if err := json.Unmarshal(fc.raw, &s); err != nil {
		return "", false
	}
	return s, true
}

// AsBlocks returns the content as content blocks (if it is an array).
func (fc FlexibleContent) AsBlocks() (ContentBlocks, bool) {
	if fc.IsString() || len(fc.raw) == 0 {
		return nil, false
	}
	var blocks ContentBlocks
	if err := json.Unmarshal(fc.raw, &blocks); err != nil {
		return nil, false
	}
	return blocks, true
}

// MessageBody is the inner message of assistant and user chunks.
type MessageBody struct {
	ID         string          `json:"id,omitempty"`
	Model      string          `json:"model,omitempty"`
	Role       string          `json:"role"`
	Content    FlexibleContent `json:"content"`
	StopReason *string         `json:"stop_reason"`
	Usage      Usage           `json:"usage,omitempty"`
}

// AssistantChunk is an in-progress or complete assistant message.
type AssistantChunk struct {
	Type      ChunkType   `json:"type"`
	SessionID string      `json:"session_id"`
	UUID      string      `json:"uuid,omitempty"`
	Message   MessageBody `json:"message"`
}

// ChunkKind returns the chunk type.
func (c AssistantChunk) ChunkKind() ChunkType { return ChunkTypeAssistant }

// UserChunk echoes user input back through the stream. The bridge skips
// these; the user's message is already represented downstream.
type UserChunk struct {
	Type      ChunkType   `json:"type"`
	SessionID string      `json:"session_id"`
	UUID      string      `json:"uuid,omitempty"`
	Message   MessageBody `json:"message"`
}

// ChunkKind returns the chunk type.
func (c UserChunk) ChunkKind() ChunkType { return ChunkTypeUser }

// ResultChunk signals the end of one turn. It may carry tool_result content
// blocks for tools the agent executed, plus turn-level metrics.
type ResultChunk struct {
	Type         ChunkType       `json:"type"`
	Subtype      string          `json:"subtype"`
	SessionID    string          `json:"session_id"`
	UUID         string          `json:"uuid,omitempty"`
	Content      FlexibleContent `json:"content,omitempty"`
	Result       string          `json:"result,omitempty"`
	Usage        Usage           `json:"usage"`
	TotalCostUSD float64         `json:"total_cost_usd"`
	DurationMs   int64           `json:"duration_ms"`
	NumTurns     int             `json:"num_turns,omitempty"`
	IsError      bool            `json:"is_error"`
}

// ChunkKind returns the chunk type.
func (c ResultChunk) ChunkKind() ChunkType { return ChunkTypeResult }

// ParseChunk parses a single JSON line from the upstream stream. Unknown
// chunk types return (nil, nil): they are skipped, never fatal.
func ParseChunk(line []byte) (Chunk, error) {
	var base struct {
		Type ChunkType `json:"type"`
	}
	if err := json.Unmarshal(line, &base); err != nil {
		return nil, fmt.Errorf("parse chunk: %w", err)
	}

	switch base.Type {
	case ChunkTypeSystem:
		var c SystemChunk
		if err := json.Unmarshal(line, &c); err != nil {
			return nil, err
		}
		return c, nil
	case ChunkTypeAssistant:
		var c AssistantChunk
		if err := json.Unmarshal(line, &c); err != nil {
			return nil, err
		}
		return c, nil
	case ChunkTypeUser:
		var c UserChunk
		if err := json.Unmarshal(line, &c); err != nil {
			return nil, err
		}
		return c, nil
	case ChunkTypeResult:
		var c ResultChunk
		if err := json.Unmarshal(line, &c); err != nil {
			return nil, err
		}
		return c, nil
	case ChunkTypeControlRequest:
		var c ControlRequest
		if err := json.Unmarshal(line, &c); err != nil {
			return nil, err
		}
		return c, nil
	default:
		slog.Warn("skipping unknown chunk type", "type", base.Type)
		return nil, nil
	}
}
