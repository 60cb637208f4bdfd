// Package cliproc runs the upstream agent CLI as a child process per
// session, speaking newline-delimited JSON over stdin/stdout.
package cliproc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"

	"github.com/bazelment/agentbridge/bridge"
	"github.com/bazelment/agentbridge/protocol"
)

// Signals receives the runner's asynchronous notifications. The bridge
// backend implements it.
type Signals interface {
	HandleOutputBatch(sessionID string, chunks []protocol.Chunk)
	HandleProcessEnded(sessionID, reason string, exitCode int)
	HandleSessionMetadata(sessionID, upstreamID string)
	HandleControlRequest(sessionID, requestID string, req protocol.CanUseToolRequest)
}

// process is one live agent child.
type process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	cancel context.CancelFunc

	mu    sync.Mutex
	state bridge.ProcessState
}

func (p *process) setState(s bridge.ProcessState) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

func (p *process) getState() bridge.ProcessState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// writeLine serializes v as one JSON line on the child's stdin.
func (p *process) writeLine(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err = fmt.Fprintf(p.stdin, "%s\n", data)
	return err
}

// Runner implements bridge.AgentRunner on top of exec'd CLI processes.
// Bind must be called before the first StartProcess; the runner and the
// backend reference each other, so one side is wired second.
type Runner struct {
	command string

	mu      sync.Mutex
	signals Signals
	procs   map[string]*process
}

// NewRunner creates a runner that spawns the given agent command.
func NewRunner(command string) *Runner {
	return &Runner{command: command, procs: make(map[string]*process)}
}

// Bind wires the signal receiver.
func (r *Runner) Bind(s Signals) {
	r.mu.Lock()
	r.signals = s
	r.mu.Unlock()
}

// StartProcess launches an agent child for the session. The process
// outlives the originating request: ctx only bounds the launch itself.
func (r *Runner) StartProcess(ctx context.Context, opts bridge.StartOptions) error {
	r.mu.Lock()
	if r.signals == nil {
		r.mu.Unlock()
		return fmt.Errorf("runner not bound")
	}
	if p, ok := r.procs[opts.SessionID]; ok && p.getState().Alive() {
		r.mu.Unlock()
		return fmt.Errorf("session %s already has a live process", opts.SessionID)
	}
	signals := r.signals
	r.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	args := []string{
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--verbose",
		"--print", opts.Prompt,
	}
	if opts.ResumeID != "" {
		args = append(args, "--resume", opts.ResumeID)
	}
	if opts.PermissionMode != "" {
		args = append(args, "--permission-mode", opts.PermissionMode)
	}

	procCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(procCtx, r.command, args...)
	cmd.Dir = opts.Directory

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("start %s: %w", r.command, err)
	}

	p := &process{cmd: cmd, stdin: stdin, cancel: cancel, state: bridge.ProcessStarting}
	r.mu.Lock()
	r.procs[opts.SessionID] = p
	r.mu.Unlock()

	go r.readLoop(opts.SessionID, p, stdout, signals)
	return nil
}

// readLoop consumes the child's stdout line by line, routing control
// requests and session metadata separately and forwarding everything else
// as output batches. It owns the process-ended signal.
func (r *Runner) readLoop(sessionID string, p *process, stdout io.Reader, signals Signals) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 8*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		p.setState(bridge.ProcessRunning)

		var probe struct {
			Type      protocol.ChunkType `json:"type"`
			Subtype   string             `json:"subtype"`
			SessionID string             `json:"session_id"`
			RequestID string             `json:"request_id"`
			Request   json.RawMessage    `json:"request"`
		}
		if err := json.Unmarshal(line, &probe); err != nil {
			slog.Warn("skipping unparsable agent output", "session", sessionID, "error", err)
			continue
		}

		switch {
		case probe.Type == protocol.ChunkTypeControlRequest:
			data, err := protocol.ParseControlRequest(probe.Request)
			if err != nil || data == nil {
				continue
			}
			if req, ok := data.(protocol.CanUseToolRequest); ok {
				signals.HandleControlRequest(sessionID, probe.RequestID, req)
			}
		case probe.Type == protocol.ChunkTypeSystem && probe.Subtype == "init":
			signals.HandleSessionMetadata(sessionID, probe.SessionID)
		default:
			chunk, err := protocol.ParseChunk(line)
			if err != nil {
				slog.Warn("skipping malformed chunk", "session", sessionID, "error", err)
				continue
			}
			if chunk != nil {
				signals.HandleOutputBatch(sessionID, []protocol.Chunk{chunk})
			}
		}
	}

	p.setState(bridge.ProcessEnded)
	err := p.cmd.Wait()
	p.cancel()

	exitCode := 0
	reason := "completed"
	if err != nil {
		reason = "error"
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}
	signals.HandleProcessEnded(sessionID, reason, exitCode)
}

// SendInput writes a user message to the child's stdin.
func (r *Runner) SendInput(sessionID, text string) error {
	p, err := r.live(sessionID)
	if err != nil {
		return err
	}
	return p.writeLine(map[string]interface{}{
		"type": "user",
		"message": map[string]interface{}{
			"role": "user",
			"content": []map[string]string{
				{"type": "text", "text": text},
			},
		},
	})
}

// Interrupt asks the child to stop its current turn.
func (r *Runner) Interrupt(sessionID string) error {
	p, err := r.live(sessionID)
	if err != nil {
		return err
	}
	p.setState(bridge.ProcessEnding)
	return p.cmd.Process.Signal(syscall.SIGINT)
}

// Handle reports the process state for a session.
func (r *Runner) Handle(sessionID string) (bridge.ProcessState, bool) {
	r.mu.Lock()
	p, ok := r.procs[sessionID]
	r.mu.Unlock()
	if !ok {
		return "", false
	}
	return p.getState(), true
}

// RespondToPermission answers a boolean permission prompt.
func (r *Runner) RespondToPermission(sessionID, requestID string, allow bool) error {
	behavior := protocol.PermissionBehaviorAllow
	if !allow {
		behavior = protocol.PermissionBehaviorDeny
	}
	return r.RespondToControlRequest(sessionID, requestID, protocol.PermissionResult{Behavior: behavior})
}

// RespondToControlRequest answers a structured control request.
func (r *Runner) RespondToControlRequest(sessionID, requestID string, result protocol.PermissionResult) error {
	p, err := r.live(sessionID)
	if err != nil {
		return err
	}
	return p.writeLine(map[string]interface{}{
		"type": "control_response",
		"response": map[string]interface{}{
			"request_id": requestID,
			"subtype":    "success",
			"response":   result,
		},
	})
}

// InjectToolResult feeds a tool result back to the child, used to answer
// question prompts.
func (r *Runner) InjectToolResult(sessionID, callID, text string) error {
	p, err := r.live(sessionID)
	if err != nil {
		return err
	}
	return p.writeLine(map[string]interface{}{
		"type": "user",
		"message": map[string]interface{}{
			"role": "user",
			"content": []map[string]string{
				{"type": "tool_result", "tool_use_id": callID, "content": text},
			},
		},
	})
}

// live returns the session's process if it can still accept input.
func (r *Runner) live(sessionID string) (*process, error) {
	r.mu.Lock()
	p, ok := r.procs[sessionID]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no process for session %s", sessionID)
	}
	if !p.getState().Alive() {
		return nil, fmt.Errorf("process for session %s has ended", sessionID)
	}
	return p, nil
}

// Shutdown terminates every live child.
func (r *Runner) Shutdown() {
	r.mu.Lock()
	procs := make([]*process, 0, len(r.procs))
	for _, p := range r.procs {
		procs = append(procs, p)
	}
	r.mu.Unlock()

	for _, p := range procs {
		if p.getState().Alive() {
			p.setState(bridge.ProcessEnding)
			p.cancel()
		}
	}
}
