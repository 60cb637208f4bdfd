package bridge

import (
	"context"

	"github.com/bazelment/agentbridge/api"
	"github.com/bazelment/agentbridge/protocol"
)

// ProcessState is the agent runner's view of one session's process.
type ProcessState string

const (
	ProcessStarting ProcessState = "starting"
	ProcessRunning  ProcessState = "running"
	ProcessWaiting  ProcessState = "waiting"
	ProcessEnding   ProcessState = "ending"
	ProcessEnded    ProcessState = "ended"
)

// Alive reports whether the process can still accept input.
func (s ProcessState) Alive() bool {
	return s != ProcessEnded && s != ProcessEnding
}

// StartOptions carries everything the runner needs to launch an agent
// process for a session. ResumeID, when set, asks the agent to continue a
// previous upstream conversation instead of starting fresh.
type StartOptions struct {
	SessionID      string
	Prompt         string
	Directory      string
	ResumeID       string
	PermissionMode string
}

// AgentRunner is the agent-process collaborator. The backend drives it and
// receives asynchronous signals back through its Handle* methods; how
// processes are spawned and supervised is the runner's business.
type AgentRunner interface {
	StartProcess(ctx context.Context, opts StartOptions) error
	SendInput(sessionID, text string) error
	Interrupt(sessionID string) error
	// Handle reports the process state for a session, or false when the
	// runner has no process for it.
	Handle(sessionID string) (ProcessState, bool)
	RespondToPermission(sessionID, requestID string, allow bool) error
	RespondToControlRequest(sessionID, requestID string, result protocol.PermissionResult) error
	InjectToolResult(sessionID, callID, text string) error
}

// Broadcaster receives the protocol events a session produces. The stream
// transport implements it; tests substitute a recorder.
type Broadcaster interface {
	Broadcast(directory string, event api.Event)
}

// DiffProvider captures the working tree's changes for a session directory
// as a raw unified diff.
type DiffProvider interface {
	Diff(ctx context.Context, directory string) (string, error)
}
