package cliproc

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bazelment/agentbridge/bridge"
	"github.com/bazelment/agentbridge/protocol"
)

// signalRecorder collects the runner's notifications.
type signalRecorder struct {
	mu        sync.Mutex
	batches   [][]protocol.Chunk
	metadata  []string
	endReason string
	exitCode  int
	ended     bool
	controls  []string
}

func (s *signalRecorder) HandleOutputBatch(sessionID string, chunks []protocol.Chunk) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, chunks)
}

func (s *signalRecorder) HandleProcessEnded(sessionID, reason string, exitCode int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ended = true
	s.endReason = reason
	s.exitCode = exitCode
}

func (s *signalRecorder) HandleSessionMetadata(sessionID, upstreamID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metadata = append(s.metadata, upstreamID)
}

func (s *signalRecorder) HandleControlRequest(sessionID, requestID string, req protocol.CanUseToolRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.controls = append(s.controls, requestID)
}

func (s *signalRecorder) hasEnded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func TestRunnerStreamsOutput(t *testing.T) {
	script := writeScript(t, `
echo '{"type":"system","subtype":"init","session_id":"up-1"}'
echo '{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"hi"}]}}'
echo '{"type":"result","subtype":"success"}'
`)

	rec := &signalRecorder{}
	r := NewRunner(script)
	r.Bind(rec)

	err := r.StartProcess(context.Background(), bridge.StartOptions{
		SessionID: "ses_1",
		Prompt:    "hello",
		Directory: t.TempDir(),
	})
	require.NoError(t, err)

	require.Eventually(t, rec.hasEnded, 5*time.Second, 10*time.Millisecond)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, []string{"up-1"}, rec.metadata)
	require.Len(t, rec.batches, 2)
	assert.Equal(t, "completed", rec.endReason)
	assert.Equal(t, 0, rec.exitCode)
}

func TestRunnerReportsFailureExit(t *testing.T) {
	script := writeScript(t, "exit 3\n")

	rec := &signalRecorder{}
	r := NewRunner(script)
	r.Bind(rec)

	require.NoError(t, r.StartProcess(context.Background(), bridge.StartOptions{
		SessionID: "ses_1",
		Prompt:    "hello",
		Directory: t.TempDir(),
	}))

	require.Eventually(t, rec.hasEnded, 5*time.Second, 10*time.Millisecond)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, "error", rec.endReason)
	assert.Equal(t, 3, rec.exitCode)
}

func TestRunnerForwardsControlRequests(t *testing.T) {
	script := writeScript(t, `
echo '{"type":"control_request","request_id":"req-1","request":{"subtype":"can_use_tool","tool_name":"bash","input":{}}}'
sleep 0.1
`)

	rec := &signalRecorder{}
	r := NewRunner(script)
	r.Bind(rec)

	require.NoError(t, r.StartProcess(context.Background(), bridge.StartOptions{
		SessionID: "ses_1",
		Prompt:    "hello",
		Directory: t.TempDir(),
	}))

	require.Eventually(t, rec.hasEnded, 5*time.Second, 10*time.Millisecond)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, []string{"req-1"}, rec.controls)
}

func TestRunnerRequiresBind(t *testing.T) {
	r := NewRunner("/bin/true")
	err := r.StartProcess(context.Background(), bridge.StartOptions{SessionID: "ses_1"})
	assert.Error(t, err)
}

func TestSendInputWithoutProcess(t *testing.T) {
	r := NewRunner("/bin/true")
	r.Bind(&signalRecorder{})
	assert.Error(t, r.SendInput("ses_unknown", "hi"))
}

func TestHandleUnknownSession(t *testing.T) {
	r := NewRunner("/bin/true")
	_, ok := r.Handle("ses_unknown")
	assert.False(t, ok)
}
