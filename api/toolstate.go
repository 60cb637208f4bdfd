package api

import "fmt"

// ToolStatus is the lifecycle state of a tool invocation.
type ToolStatus string

const (
	ToolPending   ToolStatus = "pending"
	ToolRunning   ToolStatus = "running"
	ToolCompleted ToolStatus = "completed"
	ToolError     ToolStatus = "error"
)

// ToolState is the state machine attached to a tool part. Which fields are
// populated depends on Status: pending captures Input; running adds a start
// time; completed adds Output, Title, and an end time; error adds Error and
// an end time instead.
type ToolState struct {
	Status ToolStatus             `json:"status"`
	Input  map[string]interface{} `json:"input,omitempty"`
	Output string                 `json:"output,omitempty"`
	Title  string                 `json:"title,omitempty"`
	Error  string                 `json:"error,omitempty"`
	Time   *TimeRange             `json:"time,omitempty"`
}

// validTransitions encodes the monotonic lifecycle:
// pending -> running -> {completed | error}.
var validTransitions = map[ToolStatus][]ToolStatus{
	ToolPending: {ToolRunning},
	ToolRunning: {ToolCompleted, ToolError},
}

// Advance moves the state to next, rejecting any transition the lifecycle
// does not allow (including re-entering a terminal state).
func (s *ToolState) Advance(next ToolStatus) error {
	for _, allowed := range validTransitions[s.Status] {
		if next == allowed {
			s.Status = next
			return nil
		}
	}
	return fmt.Errorf("invalid tool state transition: %s -> %s", s.Status, next)
}

// Finished reports whether the invocation reached a terminal state.
func (s *ToolState) Finished() bool {
	return s.Status == ToolCompleted || s.Status == ToolError
}
