package protocol

import (
	"encoding/json"
	"log/slog"
)

// ControlRequest wraps control messages from the upstream agent, such as
// tool-permission prompts.
type ControlRequest struct {
	Type      ChunkType       `json:"type"`
	RequestID string          `json:"request_id"`
	Request   json.RawMessage `json:"request"`
}

// ChunkKind returns the chunk type.
func (c ControlRequest) ChunkKind() ChunkType { return ChunkTypeControlRequest }

// ParsedRequest parses the inner request payload.
func (c ControlRequest) ParsedRequest() (ControlRequestData, error) {
	return ParseControlRequest(c.Request)
}

// ControlRequestSubtype is the subtype of a control request.
type ControlRequestSubtype string

const (
	ControlRequestSubtypeCanUseTool ControlRequestSubtype = "can_use_tool"
)

// ControlRequestData is the interface for control request discrimination.
type ControlRequestData interface {
	Subtype() ControlRequestSubtype
}

// CanUseToolRequest asks permission for a tool invocation.
type CanUseToolRequest struct {
	SubtypeField ControlRequestSubtype  `json:"subtype"`
	ToolName     string                 `json:"tool_name"`
	Input        map[string]interface{} `json:"input"`
}

// Subtype returns the control request subtype.
func (r CanUseToolRequest) Subtype() ControlRequestSubtype { return r.SubtypeField }

// ParseControlRequest parses the inner request from a ControlRequest.
// Unknown subtypes return (nil, nil).
func ParseControlRequest(data json.RawMessage) (ControlRequestData, error) {
	var base struct {
		Subtype ControlRequestSubtype `json:"subtype"`
	}
	if err := json.Unmarshal(data, &base); err != nil {
		return nil, err
	}

	switch base.Subtype {
	case ControlRequestSubtypeCanUseTool:
		var r CanUseToolRequest
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, err
		}
		return r, nil
	default:
		slog.Warn("skipping unknown control request subtype", "subtype", base.Subtype)
		return nil, nil
	}
}

// PermissionBehavior is the behavior of a structured permission reply.
type PermissionBehavior string

const (
	PermissionBehaviorAllow PermissionBehavior = "allow"
	PermissionBehaviorDeny  PermissionBehavior = "deny"
)

// PermissionResult is the structured reply to a CanUseToolRequest. A deny
// must carry a non-empty Message explaining the refusal.
type PermissionResult struct {
	Behavior     PermissionBehavior     `json:"behavior"`
	UpdatedInput map[string]interface{} `json:"updatedInput,omitempty"`
	Message      string                 `json:"message,omitempty"`
}
