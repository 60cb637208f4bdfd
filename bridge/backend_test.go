package bridge

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bazelment/agentbridge/api"
	"github.com/bazelment/agentbridge/ids"
	"github.com/bazelment/agentbridge/protocol"
)

// fakeRunner records every call the backend makes and serves a scripted
// handle state per session.
type fakeRunner struct {
	mu sync.Mutex

	handles map[string]ProcessState

	starts     []StartOptions
	inputs     []string
	interrupts []string

	permissionReplies []bool
	controlReplies    []protocol.PermissionResult
	injected          map[string]string

	startErr error
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		handles:  make(map[string]ProcessState),
		injected: make(map[string]string),
	}
}

func (r *fakeRunner) StartProcess(_ context.Context, opts StartOptions) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.startErr != nil {
		return r.startErr
	}
	r.starts = append(r.starts, opts)
	return nil
}

func (r *fakeRunner) SendInput(sessionID, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inputs = append(r.inputs, text)
	return nil
}

func (r *fakeRunner) Interrupt(sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.interrupts = append(r.interrupts, sessionID)
	return nil
}

func (r *fakeRunner) Handle(sessionID string) (ProcessState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.handles[sessionID]
	return state, ok
}

func (r *fakeRunner) RespondToPermission(sessionID, requestID string, allow bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.permissionReplies = append(r.permissionReplies, allow)
	return nil
}

func (r *fakeRunner) RespondToControlRequest(sessionID, requestID string, result protocol.PermissionResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.controlReplies = append(r.controlReplies, result)
	return nil
}

func (r *fakeRunner) InjectToolResult(sessionID, callID, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.injected[callID] = text
	return nil
}

// fakeBroadcaster collects events in broadcast order.
type fakeBroadcaster struct {
	mu     sync.Mutex
	events []api.Event
}

func (f *fakeBroadcaster) Broadcast(directory string, event api.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
}

func (f *fakeBroadcaster) byType(t api.EventType) []api.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []api.Event
	for _, ev := range f.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type fakeDiffs struct {
	raw string
	err error
}

func (f *fakeDiffs) Diff(context.Context, string) (string, error) { return f.raw, f.err }

func newTestBackend(t *testing.T) (*Backend, *fakeRunner, *fakeBroadcaster) {
	t.Helper()
	runner := newFakeRunner()
	events := &fakeBroadcaster{}
	b := NewBackend(ids.NewGenerator(), runner, events, &fakeDiffs{})
	return b, runner, events
}

func TestCreateAndGetSession(t *testing.T) {
	b, _, events := newTestBackend(t)

	s := b.CreateSession("/work/project")
	assert.Equal(t, "/work/project", s.Directory)
	assert.Equal(t, "Untitled", s.Title)
	assert.NotEmpty(t, s.ID)

	got, ok := b.GetSession(s.ID)
	require.True(t, ok)
	assert.Equal(t, s.ID, got.ID)

	_, ok = b.GetSession("ses_missing")
	assert.False(t, ok)

	require.Len(t, events.byType(api.EventSessionUpdated), 1)
}

func TestListSessionsOrdered(t *testing.T) {
	b, _, _ := newTestBackend(t)
	first := b.CreateSession("/a")
	second := b.CreateSession("/b")

	list := b.ListSessions()
	require.Len(t, list, 2)
	assert.Equal(t, first.ID, list[0].ID)
	assert.Equal(t, second.ID, list[1].ID)
}

func TestSendMessageFreshStart(t *testing.T) {
	b, runner, _ := newTestBackend(t)
	s := b.CreateSession("/work")

	asst, ok := b.SendMessage(context.Background(), s.ID, "Hello", "")
	require.True(t, ok)
	assert.Equal(t, api.RoleAssistant, asst.Role)

	require.Len(t, runner.starts, 1)
	assert.Empty(t, runner.starts[0].ResumeID)
	assert.Equal(t, "Hello", runner.starts[0].Prompt)
	assert.Equal(t, "/work", runner.starts[0].Directory)
	assert.Empty(t, runner.inputs)

	status, _ := b.Status(s.ID)
	assert.Equal(t, StatusStarting, status)
}

func TestSendMessageLiveHandle(t *testing.T) {
	b, runner, _ := newTestBackend(t)
	s := b.CreateSession("/work")
	runner.handles[s.ID] = ProcessRunning

	_, ok := b.SendMessage(context.Background(), s.ID, "again", "")
	require.True(t, ok)

	assert.Empty(t, runner.starts)
	require.Len(t, runner.inputs, 1)
	assert.Equal(t, "again", runner.inputs[0])

	status, _ := b.Status(s.ID)
	assert.Equal(t, StatusRunning, status)
}

func TestSendMessageEndedHandleStartsFresh(t *testing.T) {
	b, runner, _ := newTestBackend(t)
	s := b.CreateSession("/work")
	runner.handles[s.ID] = ProcessEnded

	_, ok := b.SendMessage(context.Background(), s.ID, "restart", "")
	require.True(t, ok)
	require.Len(t, runner.starts, 1)
	assert.Empty(t, runner.inputs)
}

func TestSendMessageResume(t *testing.T) {
	b, runner, _ := newTestBackend(t)
	s := b.CreateSession("/work")
	b.HandleSessionMetadata(s.ID, "upstream-42")
	b.HandleProcessEnded(s.ID, "completed", 0)

	status, _ := b.Status(s.ID)
	require.Equal(t, StatusIdle, status)

	_, ok := b.SendMessage(context.Background(), s.ID, "continue", "")
	require.True(t, ok)

	require.Len(t, runner.starts, 1)
	assert.Equal(t, "upstream-42", runner.starts[0].ResumeID)
	assert.Empty(t, runner.inputs)
}

func TestSendMessageValidation(t *testing.T) {
	b, _, _ := newTestBackend(t)
	s := b.CreateSession("/work")

	_, ok := b.SendMessage(context.Background(), s.ID, "   ", "")
	assert.False(t, ok)

	_, ok = b.SendMessage(context.Background(), "ses_missing", "hi", "")
	assert.False(t, ok)
}

func TestSendMessageSetsTitleOnce(t *testing.T) {
	b, _, _ := newTestBackend(t)
	s := b.CreateSession("/work")

	b.SendMessage(context.Background(), s.ID, "Fix the flaky watcher test", "")
	got, _ := b.GetSession(s.ID)
	assert.Equal(t, "Fix the flaky watcher test", got.Title)

	b.SendMessage(context.Background(), s.ID, "Another prompt entirely", "")
	got, _ = b.GetSession(s.ID)
	assert.Equal(t, "Fix the flaky watcher test", got.Title)
}

func TestStartFailureLeavesStarting(t *testing.T) {
	b, runner, _ := newTestBackend(t)
	runner.startErr = assert.AnError
	s := b.CreateSession("/work")

	asst, ok := b.SendMessage(context.Background(), s.ID, "doomed", "")
	require.True(t, ok)
	assert.NotEmpty(t, asst.ID)

	status, _ := b.Status(s.ID)
	assert.Equal(t, StatusStarting, status)
}

func TestScenarioFirstTurn(t *testing.T) {
	b, runner, _ := newTestBackend(t)
	s := b.CreateSession("/work")

	asst, ok := b.SendMessage(context.Background(), s.ID, "Hello", "")
	require.True(t, ok)
	require.Len(t, runner.starts, 1)
	assert.Empty(t, runner.starts[0].ResumeID)

	chunk, err := protocol.ParseChunk([]byte(`{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"Hi!"}]}}`))
	require.NoError(t, err)
	result, err := protocol.ParseChunk([]byte(`{"type":"result","subtype":"success","usage":{"input_tokens":5,"output_tokens":2}}`))
	require.NoError(t, err)

	b.HandleOutputBatch(s.ID, []protocol.Chunk{chunk, result})

	msgs := b.Messages(s.ID)
	require.Len(t, msgs, 2)
	final := msgs[1]
	assert.Equal(t, asst.ID, final.ID)
	assert.Equal(t, "stop", final.Finish)
	require.NotNil(t, final.Time.Completed)

	status, _ := b.Status(s.ID)
	assert.Equal(t, StatusWaiting, status)
}

func TestScenarioSecondTurnUsesSendInput(t *testing.T) {
	b, runner, _ := newTestBackend(t)
	s := b.CreateSession("/work")

	first, _ := b.SendMessage(context.Background(), s.ID, "Hello", "")
	runner.handles[s.ID] = ProcessRunning
	result, err := protocol.ParseChunk([]byte(`{"type":"result","subtype":"success"}`))
	require.NoError(t, err)
	b.HandleOutputBatch(s.ID, []protocol.Chunk{result})

	second, ok := b.SendMessage(context.Background(), s.ID, "More please", "")
	require.True(t, ok)

	require.Len(t, runner.starts, 1)
	require.Len(t, runner.inputs, 1)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestScenarioResumeAfterCompletion(t *testing.T) {
	b, runner, _ := newTestBackend(t)
	s := b.CreateSession("/work")

	b.SendMessage(context.Background(), s.ID, "Hello", "")
	b.HandleSessionMetadata(s.ID, "upstream-7")
	b.HandleProcessEnded(s.ID, "completed", 0)

	status, _ := b.Status(s.ID)
	require.Equal(t, StatusIdle, status)

	b.SendMessage(context.Background(), s.ID, "And now?", "")
	require.Len(t, runner.starts, 2)
	assert.Equal(t, "upstream-7", runner.starts[1].ResumeID)
	assert.Empty(t, runner.inputs)
}

func TestProcessEndedWithoutResumeStaysWaiting(t *testing.T) {
	b, _, _ := newTestBackend(t)
	s := b.CreateSession("/work")
	b.SendMessage(context.Background(), s.ID, "Hello", "")

	b.HandleProcessEnded(s.ID, "crashed", 1)

	status, _ := b.Status(s.ID)
	assert.Equal(t, StatusWaiting, status)
}

func TestProcessEndedFinalizesOpenTurn(t *testing.T) {
	b, _, _ := newTestBackend(t)
	s := b.CreateSession("/work")
	b.SendMessage(context.Background(), s.ID, "Hello", "")

	chunk, err := protocol.ParseChunk([]byte(`{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"half an ans"}]}}`))
	require.NoError(t, err)
	b.HandleOutputBatch(s.ID, []protocol.Chunk{chunk})

	b.HandleProcessEnded(s.ID, "crashed", 1)

	msgs := b.Messages(s.ID)
	require.Len(t, msgs, 2)
	assert.Equal(t, "stop", msgs[1].Finish)
	require.NotNil(t, msgs[1].Time.Completed)
}

func TestOutputBatchAdvancesStarting(t *testing.T) {
	b, _, _ := newTestBackend(t)
	s := b.CreateSession("/work")
	b.SendMessage(context.Background(), s.ID, "Hello", "")

	chunk, err := protocol.ParseChunk([]byte(`{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"on it"}]}}`))
	require.NoError(t, err)
	b.HandleOutputBatch(s.ID, []protocol.Chunk{chunk})

	status, _ := b.Status(s.ID)
	assert.Equal(t, StatusRunning, status)
}

func TestTurnFinishEmitsIdleAndDiff(t *testing.T) {
	runner := newFakeRunner()
	events := &fakeBroadcaster{}
	diffs := &fakeDiffs{raw: sampleDiff}
	b := NewBackend(ids.NewGenerator(), runner, events, diffs)

	s := b.CreateSession("/work")
	b.SendMessage(context.Background(), s.ID, "Hello", "")
	result, err := protocol.ParseChunk([]byte(`{"type":"result","subtype":"success"}`))
	require.NoError(t, err)
	b.HandleOutputBatch(s.ID, []protocol.Chunk{result})

	require.Len(t, events.byType(api.EventSessionIdle), 1)
	require.Len(t, events.byType(api.EventSessionDiff), 1)

	got, _ := b.GetSession(s.ID)
	require.NotNil(t, got.Summary)
	assert.Equal(t, 3, got.Summary.FileCount)
}

func TestDeleteSessionInterruptsLiveProcess(t *testing.T) {
	b, runner, events := newTestBackend(t)
	s := b.CreateSession("/work")
	runner.handles[s.ID] = ProcessRunning

	require.True(t, b.DeleteSession(s.ID))
	require.Len(t, runner.interrupts, 1)
	assert.Equal(t, s.ID, runner.interrupts[0])

	_, ok := b.GetSession(s.ID)
	assert.False(t, ok)
	require.Len(t, events.byType(api.EventSessionDeleted), 1)

	assert.False(t, b.DeleteSession(s.ID))
}

func TestAbortForwardsInterruptOnly(t *testing.T) {
	b, runner, _ := newTestBackend(t)
	s := b.CreateSession("/work")
	b.SendMessage(context.Background(), s.ID, "Hello", "")

	require.True(t, b.Abort(s.ID))
	require.Len(t, runner.interrupts, 1)

	// No synchronous state change.
	msgs := b.Messages(s.ID)
	assert.Empty(t, msgs[1].Finish)

	assert.False(t, b.Abort("ses_missing"))
}

func TestPermissionBooleanReply(t *testing.T) {
	b, runner, events := newTestBackend(t)
	s := b.CreateSession("/work")

	b.HandlePermissionPrompt(s.ID, "req-1", "write_file", map[string]interface{}{"path": "x"})
	require.Len(t, events.byType(api.EventPermissionAsked), 1)

	require.True(t, b.ReplyPermission("req-1", true, ""))
	require.Len(t, runner.permissionReplies, 1)
	assert.True(t, runner.permissionReplies[0])

	// Entry consumed.
	assert.False(t, b.ReplyPermission("req-1", true, ""))
}

func TestPermissionStructuredDeny(t *testing.T) {
	b, runner, _ := newTestBackend(t)
	s := b.CreateSession("/work")

	req := protocol.CanUseToolRequest{ToolName: "bash", Input: map[string]interface{}{"cmd": "rm"}}
	b.HandleControlRequest(s.ID, "req-2", req)

	// Denial without a reason is rejected and stays pending.
	assert.False(t, b.ReplyPermission("req-2", false, ""))
	assert.Empty(t, runner.controlReplies)

	require.True(t, b.ReplyPermission("req-2", false, "not in this repo"))
	require.Len(t, runner.controlReplies, 1)
	assert.Equal(t, protocol.PermissionBehaviorDeny, runner.controlReplies[0].Behavior)
	assert.Equal(t, "not in this repo", runner.controlReplies[0].Message)
}

func TestPermissionStructuredAllow(t *testing.T) {
	b, runner, _ := newTestBackend(t)
	s := b.CreateSession("/work")
	b.HandleControlRequest(s.ID, "req-3", protocol.CanUseToolRequest{ToolName: "bash"})

	require.True(t, b.ReplyPermission("req-3", true, ""))
	require.Len(t, runner.controlReplies, 1)
	assert.Equal(t, protocol.PermissionBehaviorAllow, runner.controlReplies[0].Behavior)
}

func TestPermissionUnknownRequestID(t *testing.T) {
	b, _, _ := newTestBackend(t)
	assert.False(t, b.ReplyPermission("req-nope", true, ""))
}

func TestQuestionAnswer(t *testing.T) {
	b, runner, events := newTestBackend(t)
	s := b.CreateSession("/work")

	b.HandleQuestionPrompt(s.ID, "call-q1", []string{"Which database?"})
	require.Len(t, events.byType(api.EventQuestionAsked), 1)

	require.True(t, b.AnswerQuestion("call-q1", "postgres"))
	assert.Equal(t, "postgres", runner.injected["call-q1"])

	assert.False(t, b.AnswerQuestion("call-q1", "again"))
	assert.False(t, b.AnswerQuestion("call-never", "x"))
}

func TestDeleteSessionDropsPendingPrompts(t *testing.T) {
	b, _, _ := newTestBackend(t)
	s := b.CreateSession("/work")
	b.HandlePermissionPrompt(s.ID, "req-d", "bash", nil)
	b.HandleQuestionPrompt(s.ID, "call-d", nil)

	require.True(t, b.DeleteSession(s.ID))
	assert.False(t, b.ReplyPermission("req-d", true, ""))
	assert.False(t, b.AnswerQuestion("call-d", "x"))
}

func TestGenerateTitle(t *testing.T) {
	assert.Equal(t, "Fix the tests", generateTitle("Fix the tests"))
	assert.Equal(t, "First line", generateTitle("First line\nsecond line"))

	long := generateTitle("Please refactor the entire authentication middleware stack today")
	assert.LessOrEqual(t, len(long), maxTitleLen+3)
	assert.Contains(t, long, "...")
}
