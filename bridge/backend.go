package bridge

import (
	"context"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bazelment/agentbridge/api"
	"github.com/bazelment/agentbridge/ids"
	"github.com/bazelment/agentbridge/protocol"
)

// SessionStatus is the backend's lifecycle state for a session.
//
// waiting covers both "never started" and "turn finished, process still
// alive"; call sites that need the distinction consult the runner handle.
type SessionStatus string

const (
	StatusWaiting  SessionStatus = "waiting"
	StatusStarting SessionStatus = "starting"
	StatusRunning  SessionStatus = "running"
	StatusIdle     SessionStatus = "idle"
)

const maxTitleLen = 50

// session is the backend's per-session record. Guarded by the backend mutex.
type session struct {
	info       api.Session
	translator *Translator
	status     SessionStatus
	// resumeID is the upstream agent's own session identifier, recorded
	// from session metadata so an exited process can be resumed.
	resumeID       string
	permissionMode string
	titled         bool
}

// pendingRequest tracks an unanswered permission or question prompt.
// structured marks prompts that arrived via the control-request channel and
// therefore need a structured reply instead of a plain boolean.
type pendingRequest struct {
	sessionID  string
	structured bool
}

// Backend owns the session registry and all lifecycle decisions. It drives
// the per-session translators, talks to the agent runner, and re-emits
// translator output as protocol events through the broadcaster.
//
// All state is guarded by one mutex: a session's translator is only ever
// mutated by one handler invocation at a time. Events are collected under
// the lock and broadcast after it is released so slow consumers cannot
// stall session mutation.
type Backend struct {
	mu       sync.Mutex
	sessions map[string]*session

	// pendingPermissions and pendingQuestions index unanswered prompts by
	// request ID across all sessions.
	pendingPermissions map[string]pendingRequest
	pendingQuestions   map[string]pendingRequest

	gen    *ids.Generator
	runner AgentRunner
	events Broadcaster
	diffs  DiffProvider
	now    func() time.Time
}

// NewBackend constructs the backend with all collaborators injected.
// There is exactly one per process.
func NewBackend(gen *ids.Generator, runner AgentRunner, events Broadcaster, diffs DiffProvider) *Backend {
	return &Backend{
		sessions:           make(map[string]*session),
		pendingPermissions: make(map[string]pendingRequest),
		pendingQuestions:   make(map[string]pendingRequest),
		gen:                gen,
		runner:             runner,
		events:             events,
		diffs:              diffs,
		now:                time.Now,
	}
}

func (b *Backend) nowMilli() int64 { return b.now().UnixMilli() }

// emit broadcasts events outside the lock, in order.
func (b *Backend) emit(directory string, events []api.Event) {
	for _, ev := range events {
		b.events.Broadcast(directory, ev)
	}
}

// CreateSession registers a new session rooted at directory.
func (b *Backend) CreateSession(directory string) api.Session {
	b.mu.Lock()
	now := b.nowMilli()
	id := b.gen.Ascending(ids.KindSession)
	s := &session{
		info: api.Session{
			ID:        id,
			Directory: directory,
			Title:     "Untitled",
			Time:      api.SessionTime{Created: now, Updated: now},
		},
		translator: NewTranslator(id, b.gen),
		status:     StatusWaiting,
	}
	b.sessions[id] = s
	info := s.info
	b.mu.Unlock()

	b.emit(directory, []api.Event{api.NewSessionUpdated(info)})
	return info
}

// GetSession returns a session snapshot, or false if unknown.
func (b *Backend) GetSession(id string) (api.Session, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[id]
	if !ok {
		return api.Session{}, false
	}
	return s.info, true
}

// ListSessions returns all sessions ordered by ID, which is creation order.
func (b *Backend) ListSessions() []api.Session {
	b.mu.Lock()
	defer b.mu.Unlock()
	result := make([]api.Session, 0, len(b.sessions))
	for _, s := range b.sessions {
		result = append(result, s.info)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// Status reports the backend's lifecycle state for a session.
func (b *Backend) Status(id string) (SessionStatus, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[id]
	if !ok {
		return "", false
	}
	return s.status, true
}

// DeleteSession terminates any active process, then removes the session and
// its translator. Returns false for unknown sessions.
func (b *Backend) DeleteSession(id string) bool {
	b.mu.Lock()
	s, ok := b.sessions[id]
	if !ok {
		b.mu.Unlock()
		return false
	}
	if state, alive := b.runner.Handle(id); alive && state.Alive() {
		if err := b.runner.Interrupt(id); err != nil {
			log.Printf("WARNING: interrupt on delete failed for session %s: %v", id, err)
		}
	}
	delete(b.sessions, id)
	for reqID, p := range b.pendingPermissions {
		if p.sessionID == id {
			delete(b.pendingPermissions, reqID)
		}
	}
	for reqID, p := range b.pendingQuestions {
		if p.sessionID == id {
			delete(b.pendingQuestions, reqID)
		}
	}
	info := s.info
	b.mu.Unlock()

	b.emit(info.Directory, []api.Event{api.NewSessionDeleted(info)})
	return true
}

// SendMessage records the user's input and delivers it to the agent,
// choosing the delivery path in fixed order: a live process gets the text
// directly; an idle session with a recorded resume ID gets a resumed start;
// anything else gets a fresh start. The pending assistant shell is created
// first in every branch and returned immediately so the caller never waits
// on the process. Empty text or an unknown session returns false.
func (b *Backend) SendMessage(ctx context.Context, sessionID, text, permissionMode string) (api.Message, bool) {
	if strings.TrimSpace(text) == "" {
		return api.Message{}, false
	}

	b.mu.Lock()
	s, ok := b.sessions[sessionID]
	if !ok {
		b.mu.Unlock()
		return api.Message{}, false
	}
	if permissionMode != "" {
		s.permissionMode = permissionMode
	}

	var events []api.Event

	userMsg, userPart := s.translator.BeginUserTurn(text)
	events = append(events, api.NewMessageUpdated(userMsg), api.NewMessagePartUpdated(userPart))

	if !s.titled {
		s.info.Title = generateTitle(text)
		s.titled = true
	}
	s.info.Time.Updated = b.nowMilli()
	events = append(events, api.NewSessionUpdated(s.info))

	assistant := s.translator.PrepareAssistant()
	events = append(events, api.NewMessageUpdated(assistant))
	if part, ok := s.translator.EarlyStepStart(); ok {
		events = append(events, api.NewMessagePartUpdated(part))
	}

	var deliver func() error
	state, hasHandle := b.runner.Handle(sessionID)
	switch {
	case hasHandle && state.Alive():
		s.status = StatusRunning
		deliver = func() error { return b.runner.SendInput(sessionID, text) }
	case s.status == StatusIdle && s.resumeID != "":
		s.status = StatusStarting
		opts := StartOptions{
			SessionID:      sessionID,
			Prompt:         text,
			Directory:      s.info.Directory,
			ResumeID:       s.resumeID,
			PermissionMode: s.permissionMode,
		}
		deliver = func() error { return b.runner.StartProcess(ctx, opts) }
	default:
		s.status = StatusStarting
		opts := StartOptions{
			SessionID:      sessionID,
			Prompt:         text,
			Directory:      s.info.Directory,
			PermissionMode: s.permissionMode,
		}
		deliver = func() error { return b.runner.StartProcess(ctx, opts) }
	}
	directory := s.info.Directory
	b.mu.Unlock()

	b.emit(directory, events)

	// Delivery is fire-and-forget: the pending assistant has already been
	// returned, and a failed start leaves the session parked in starting
	// until the caller retries.
	if err := deliver(); err != nil {
		log.Printf("WARNING: message delivery failed for session %s: %v", sessionID, err)
	}
	return assistant, true
}

// Messages returns a session's full message history.
func (b *Backend) Messages(sessionID string) []api.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[sessionID]
	if !ok {
		return nil
	}
	return s.translator.Messages()
}

// Parts returns one message's parts in insertion order.
func (b *Backend) Parts(sessionID, messageID string) []api.Part {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[sessionID]
	if !ok {
		return nil
	}
	return s.translator.PartsFor(messageID)
}

// Abort forwards an interrupt to the agent process. Translator state is
// untouched; finalization happens through the usual turn-completion or
// process-ended signals.
func (b *Backend) Abort(sessionID string) bool {
	b.mu.Lock()
	_, ok := b.sessions[sessionID]
	b.mu.Unlock()
	if !ok {
		return false
	}
	if err := b.runner.Interrupt(sessionID); err != nil {
		log.Printf("WARNING: interrupt failed for session %s: %v", sessionID, err)
	}
	return true
}

// Diff captures and summarizes the session directory's working-tree
// changes, updates the session summary, and emits a diff event.
func (b *Backend) Diff(ctx context.Context, sessionID string) []api.DiffFile {
	b.mu.Lock()
	s, ok := b.sessions[sessionID]
	if !ok {
		b.mu.Unlock()
		return nil
	}
	directory := s.info.Directory
	b.mu.Unlock()

	raw, err := b.diffs.Diff(ctx, directory)
	if err != nil {
		log.Printf("WARNING: diff capture failed for session %s: %v", sessionID, err)
		return nil
	}
	files := SummarizeDiff(raw)

	b.mu.Lock()
	var events []api.Event
	if s, ok := b.sessions[sessionID]; ok {
		s.info.Summary = Summary(files)
		s.info.Time.Updated = b.nowMilli()
		events = append(events,
			api.NewSessionUpdated(s.info),
			api.NewSessionDiff(sessionID, files))
	}
	b.mu.Unlock()

	b.emit(directory, events)
	return files
}

// HandleOutputBatch forwards an upstream chunk batch to the session's
// translator and re-emits the resulting updates as events. The first batch
// moves a starting session to running; a finished turn parks it back at
// waiting and triggers a diff summary.
func (b *Backend) HandleOutputBatch(sessionID string, chunks []protocol.Chunk) {
	b.mu.Lock()
	s, ok := b.sessions[sessionID]
	if !ok {
		b.mu.Unlock()
		return
	}

	if s.status == StatusStarting {
		s.status = StatusRunning
	}

	updates, finished := s.translator.ProcessChunks(chunks)
	events := make([]api.Event, 0, len(updates)+2)
	for _, u := range updates {
		switch {
		case u.Message != nil:
			events = append(events, api.NewMessageUpdated(*u.Message))
		case u.Part != nil:
			events = append(events, api.NewMessagePartUpdated(*u.Part))
		}
	}

	if finished {
		if msg, closed := s.translator.FinalizeAssistant(); msg != nil {
			for _, p := range closed {
				events = append(events, api.NewMessagePartUpdated(p))
			}
			events = append(events, api.NewMessageUpdated(*msg))
		}
		s.status = StatusWaiting
		s.info.Time.Updated = b.nowMilli()
		events = append(events, api.NewSessionIdle(sessionID))
	}
	directory := s.info.Directory
	b.mu.Unlock()

	b.emit(directory, events)

	if finished {
		b.Diff(context.Background(), sessionID)
	}
}

// HandleProcessEnded finalizes any open turn and decides whether the
// session can be resumed: a normal completion with a recorded resume ID
// parks it at idle, anything else at waiting. Per-turn translator state is
// reset either way.
func (b *Backend) HandleProcessEnded(sessionID, reason string, exitCode int) {
	b.mu.Lock()
	s, ok := b.sessions[sessionID]
	if !ok {
		b.mu.Unlock()
		return
	}

	var events []api.Event
	if msg, closed := s.translator.FinalizeAssistant(); msg != nil {
		for _, p := range closed {
			events = append(events, api.NewMessagePartUpdated(p))
		}
		events = append(events, api.NewMessageUpdated(*msg))
	}
	s.translator.ResetTurn()

	if reason == "completed" && s.resumeID != "" {
		s.status = StatusIdle
	} else {
		s.status = StatusWaiting
	}
	if exitCode != 0 {
		log.Printf("WARNING: agent process for session %s ended with reason %q exit code %d", sessionID, reason, exitCode)
	}
	s.info.Time.Updated = b.nowMilli()
	events = append(events, api.NewSessionUpdated(s.info))
	directory := s.info.Directory
	b.mu.Unlock()

	b.emit(directory, events)
}

// HandleSessionMetadata records the upstream agent's own session identifier
// for later resume and confirms the process is live.
func (b *Backend) HandleSessionMetadata(sessionID, upstreamID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[sessionID]
	if !ok {
		return
	}
	s.resumeID = upstreamID
	s.status = StatusRunning
}

// HandlePermissionPrompt registers a boolean-reply permission prompt and
// announces it downstream.
func (b *Backend) HandlePermissionPrompt(sessionID, requestID, toolName string, input map[string]interface{}) {
	b.mu.Lock()
	s, ok := b.sessions[sessionID]
	if !ok {
		b.mu.Unlock()
		return
	}
	b.pendingPermissions[requestID] = pendingRequest{sessionID: sessionID}
	directory := s.info.Directory
	b.mu.Unlock()

	b.emit(directory, []api.Event{api.NewPermissionAsked(requestID, sessionID, toolName, input)})
}

// HandleControlRequest registers a structured can_use_tool prompt. Replies
// to it must use the structured control format.
func (b *Backend) HandleControlRequest(sessionID, requestID string, req protocol.CanUseToolRequest) {
	b.mu.Lock()
	s, ok := b.sessions[sessionID]
	if !ok {
		b.mu.Unlock()
		return
	}
	b.pendingPermissions[requestID] = pendingRequest{sessionID: sessionID, structured: true}
	directory := s.info.Directory
	b.mu.Unlock()

	b.emit(directory, []api.Event{api.NewPermissionAsked(requestID, sessionID, req.ToolName, req.Input)})
}

// HandleQuestionPrompt registers a question prompt keyed by its tool call
// ID and announces it downstream.
func (b *Backend) HandleQuestionPrompt(sessionID, requestID string, questions []string) {
	b.mu.Lock()
	s, ok := b.sessions[sessionID]
	if !ok {
		b.mu.Unlock()
		return
	}
	b.pendingQuestions[requestID] = pendingRequest{sessionID: sessionID}
	directory := s.info.Directory
	b.mu.Unlock()

	b.emit(directory, []api.Event{api.NewQuestionAsked(requestID, sessionID, questions)})
}

// ReplyPermission resolves a pending permission prompt. Boolean prompts
// forward allow/deny directly; structured prompts forward a structured
// result, and a structured denial with no reason is rejected as false with
// the prompt left pending. Unknown request IDs are a false no-op.
func (b *Backend) ReplyPermission(requestID string, allow bool, reason string) bool {
	b.mu.Lock()
	p, ok := b.pendingPermissions[requestID]
	if !ok {
		b.mu.Unlock()
		return false
	}
	if p.structured && !allow && strings.TrimSpace(reason) == "" {
		b.mu.Unlock()
		return false
	}
	delete(b.pendingPermissions, requestID)
	b.mu.Unlock()

	var err error
	if p.structured {
		result := protocol.PermissionResult{Behavior: protocol.PermissionBehaviorAllow}
		if !allow {
			result.Behavior = protocol.PermissionBehaviorDeny
			result.Message = reason
		}
		err = b.runner.RespondToControlRequest(p.sessionID, requestID, result)
	} else {
		err = b.runner.RespondToPermission(p.sessionID, requestID, allow)
	}
	if err != nil {
		log.Printf("WARNING: permission reply failed for session %s request %s: %v", p.sessionID, requestID, err)
		return false
	}
	return true
}

// AnswerQuestion resolves a pending question prompt by injecting the answer
// as the asking tool's result. Unknown request IDs are a false no-op.
func (b *Backend) AnswerQuestion(requestID, answer string) bool {
	b.mu.Lock()
	p, ok := b.pendingQuestions[requestID]
	if !ok {
		b.mu.Unlock()
		return false
	}
	delete(b.pendingQuestions, requestID)
	b.mu.Unlock()

	if err := b.runner.InjectToolResult(p.sessionID, requestID, answer); err != nil {
		log.Printf("WARNING: question answer failed for session %s request %s: %v", p.sessionID, requestID, err)
		return false
	}
	return true
}

// generateTitle derives a session title from the first prompt: first line,
// truncated at a word boundary.
func generateTitle(text string) string {
	title := strings.TrimSpace(text)
	if i := strings.IndexByte(title, '\n'); i >= 0 {
		title = strings.TrimSpace(title[:i])
	}
	if len(title) <= maxTitleLen {
		return title
	}
	cut := title[:maxTitleLen]
	if i := strings.LastIndexByte(cut, ' '); i > 0 {
		cut = cut[:i]
	}
	return cut + "..."
}
