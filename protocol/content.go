package protocol

import (
	"encoding/json"
	"log/slog"
	"strings"
)

// ContentBlock is the interface for message content blocks.
type ContentBlock interface {
	BlockType() string
}

// TextBlock carries assistant prose. The text is cumulative for the
// message: each chunk re-sends everything streamed so far.
type TextBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// BlockType returns the block type.
func (b TextBlock) BlockType() string { return "text" }

// ThinkingBlock carries reasoning content, cumulative like TextBlock.
type ThinkingBlock struct {
	Type     string `json:"type"`
	Thinking string `json:"thinking"`
}

// BlockType returns the block type.
func (b ThinkingBlock) BlockType() string { return "thinking" }

// ToolUseBlock announces a tool invocation. The same call ID may be
// announced more than once: first with partial input, again once the agent
// has confirmed the call.
type ToolUseBlock struct {
	Type  string                 `json:"type"`
	ID    string                 `json:"id"`
	Name  string                 `json:"name"`
	Input map[string]interface{} `json:"input"`
}

// BlockType returns the block type.
func (b ToolUseBlock) BlockType() string { return "tool_use" }

// ToolResultBlock finalizes a tool invocation by call ID.
type ToolResultBlock struct {
	Type      string          `json:"type"`
	ToolUseID string          `json:"tool_use_id"`
	Content   FlexibleContent `json:"content"`
	IsError   *bool           `json:"is_error,omitempty"`
}

// BlockType returns the block type.
func (b ToolResultBlock) BlockType() string { return "tool_result" }

// Text flattens the result content to a plain string. String content is
// returned directly; block-array content concatenates the text blocks.
func (b ToolResultBlock) Text() string {
	if s, ok := b.Content.AsString(); ok {
		return s
	}
	blocks, ok := b.Content.AsBlocks()
	if !ok {
		return ""
	}
	var sb strings.Builder
	for _, inner := range blocks {
		if t, ok := inner.(TextBlock); ok {
			sb.WriteString(t.Text)
		}
	}
	return sb.String()
}

// ContentBlocks is a slice of content blocks with type-discriminated
// unmarshaling. Unknown block types are dropped.
type ContentBlocks []ContentBlock

// UnmarshalJSON implements json.Unmarshaler.
func (cb *ContentBlocks) UnmarshalJSON(data []byte) error {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return err
	}

	blocks := make(ContentBlocks, 0, len(raws))
	for _, raw := range raws {
		block, err := UnmarshalContentBlock(raw)
		if err != nil {
			return err
		}
		if block != nil {
			blocks = append(blocks, block)
		}
	}
	*cb = blocks
	return nil
}

// UnmarshalContentBlock parses a single content block. Unknown types
// return (nil, nil).
func UnmarshalContentBlock(data json.RawMessage) (ContentBlock, error) {
	var base struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &base); err != nil {
		return nil, err
	}

	switch base.Type {
	case "text":
		var b TextBlock
		if err := json.Unmarshal(data, &b); err != nil {
			return nil, err
		}
		return b, nil
	case "thinking":
		var b ThinkingBlock
		if err := json.Unmarshal(data, &b); err != nil {
			return nil, err
		}
		return b, nil
	case "tool_use":
		var b ToolUseBlock
		if err := json.Unmarshal(data, &b); err != nil {
			return nil, err
		}
		return b, nil
	case "tool_result":
		var b ToolResultBlock
		if err := json.Unmarshal(data, &b); err != nil {
			return nil, err
		}
		return b, nil
	default:
		slog.Warn("skipping unknown content block type", "type", base.Type)
		return nil, nil
	}
}
