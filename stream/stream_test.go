package stream

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bazelment/agentbridge/api"
)

// frame is one parsed event-stream frame.
type frame struct {
	id   string
	data string
}

func parseFrames(t *testing.T, raw string) []frame {
	t.Helper()
	var frames []frame
	for _, block := range strings.Split(strings.TrimSuffix(raw, "\n\n"), "\n\n") {
		if block == "" {
			continue
		}
		var f frame
		for _, line := range strings.Split(block, "\n") {
			switch {
			case strings.HasPrefix(line, "id: "):
				f.id = strings.TrimPrefix(line, "id: ")
			case strings.HasPrefix(line, "data: "):
				f.data = strings.TrimPrefix(line, "data: ")
			}
		}
		frames = append(frames, f)
	}
	return frames
}

func eventType(t *testing.T, data string) string {
	t.Helper()
	var decoded struct {
		Type string `json:"type"`
	}
	require.NoError(t, json.Unmarshal([]byte(data), &decoded))
	return decoded.Type
}

func newIdleTransport(t *testing.T, bufferCap int) *Transport {
	t.Helper()
	tr := NewTransport(bufferCap, time.Hour)
	t.Cleanup(tr.Shutdown)
	return tr
}

func TestConnectedAckFirst(t *testing.T) {
	tr := newIdleTransport(t, 10)
	var buf bytes.Buffer

	_, err := tr.Connect(&buf, ConnectOptions{})
	require.NoError(t, err)

	frames := parseFrames(t, buf.String())
	require.Len(t, frames, 1)
	assert.Equal(t, "0", frames[0].id)
	assert.Equal(t, string(api.EventServerConnected), eventType(t, frames[0].data))
}

func TestBroadcastSequenceAndFraming(t *testing.T) {
	tr := newIdleTransport(t, 10)
	var buf bytes.Buffer
	_, err := tr.Connect(&buf, ConnectOptions{})
	require.NoError(t, err)

	tr.Broadcast("/work", api.NewSessionIdle("ses_1"))
	tr.Broadcast("/work", api.NewSessionIdle("ses_2"))

	frames := parseFrames(t, buf.String())
	require.Len(t, frames, 3)
	assert.Equal(t, "1", frames[1].id)
	assert.Equal(t, "2", frames[2].id)
	assert.Equal(t, string(api.EventSessionIdle), eventType(t, frames[1].data))
}

func TestReplayFromLastSeen(t *testing.T) {
	tr := newIdleTransport(t, 10)

	for i := 1; i <= 5; i++ {
		tr.Broadcast("/work", api.NewSessionIdle(fmt.Sprintf("ses_%d", i)))
	}

	var buf bytes.Buffer
	_, err := tr.Connect(&buf, ConnectOptions{LastSeen: 3})
	require.NoError(t, err)

	frames := parseFrames(t, buf.String())
	require.Len(t, frames, 3)
	assert.Equal(t, "0", frames[0].id)
	assert.Equal(t, "4", frames[1].id)
	assert.Equal(t, "5", frames[2].id)
}

func TestReplayAfterEviction(t *testing.T) {
	tr := newIdleTransport(t, 3)

	for i := 1; i <= 6; i++ {
		tr.Broadcast("/work", api.NewSessionIdle(fmt.Sprintf("ses_%d", i)))
	}

	// Buffer holds 4, 5, 6; asking from 1 only yields what survived.
	var buf bytes.Buffer
	_, err := tr.Connect(&buf, ConnectOptions{LastSeen: 1})
	require.NoError(t, err)

	frames := parseFrames(t, buf.String())
	require.Len(t, frames, 4)
	assert.Equal(t, "4", frames[1].id)
	assert.Equal(t, "5", frames[2].id)
	assert.Equal(t, "6", frames[3].id)
}

func TestEnvelopedEncoding(t *testing.T) {
	tr := newIdleTransport(t, 10)
	var buf bytes.Buffer
	_, err := tr.Connect(&buf, ConnectOptions{Encoding: EncodingEnveloped})
	require.NoError(t, err)

	tr.Broadcast("/work/project", api.NewSessionIdle("ses_1"))

	frames := parseFrames(t, buf.String())
	require.Len(t, frames, 2)

	// Ack carries no directory.
	var ack map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(frames[0].data), &ack))
	_, hasDir := ack["directory"]
	assert.False(t, hasDir)

	var enveloped map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(frames[1].data), &enveloped))
	assert.Equal(t, "/work/project", enveloped["directory"])
	assert.Equal(t, string(api.EventSessionIdle), enveloped["type"])
}

func TestDirectoryFilter(t *testing.T) {
	tr := newIdleTransport(t, 10)
	var scoped, global bytes.Buffer
	_, err := tr.Connect(&scoped, ConnectOptions{Directory: "/work/a"})
	require.NoError(t, err)
	_, err = tr.Connect(&global, ConnectOptions{})
	require.NoError(t, err)

	tr.Broadcast("/work/a", api.NewSessionIdle("ses_a"))
	tr.Broadcast("/work/b", api.NewSessionIdle("ses_b"))

	assert.Len(t, parseFrames(t, scoped.String()), 2)
	assert.Len(t, parseFrames(t, global.String()), 3)
}

// failingWriter errors after the first n successful writes.
type failingWriter struct {
	mu      sync.Mutex
	n       int
	written int
}

func (w *failingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.written >= w.n {
		return 0, errors.New("broken pipe")
	}
	w.written++
	return len(p), nil
}

func TestFailedWriteRemovesOnlyThatConnection(t *testing.T) {
	tr := newIdleTransport(t, 10)

	// Enough writes for the ack, then fail.
	bad := &failingWriter{n: 2}
	conn, err := tr.Connect(bad, ConnectOptions{})
	require.NoError(t, err)

	var good bytes.Buffer
	_, err = tr.Connect(&good, ConnectOptions{})
	require.NoError(t, err)

	tr.Broadcast("/work", api.NewSessionIdle("ses_1"))
	tr.Broadcast("/work", api.NewSessionIdle("ses_2"))

	select {
	case <-conn.Done():
	default:
		t.Fatal("failed connection was not removed")
	}

	frames := parseFrames(t, good.String())
	require.Len(t, frames, 3)
}

func TestShutdown(t *testing.T) {
	tr := NewTransport(10, time.Hour)
	var buf bytes.Buffer
	conn, err := tr.Connect(&buf, ConnectOptions{})
	require.NoError(t, err)

	tr.Broadcast("/work", api.NewSessionIdle("ses_1"))
	tr.Shutdown()

	select {
	case <-conn.Done():
	default:
		t.Fatal("connection not closed at shutdown")
	}

	frames := parseFrames(t, buf.String())
	last := frames[len(frames)-1]
	assert.Equal(t, string(api.EventServerShutdown), eventType(t, last.data))
	assert.Empty(t, last.id)

	// Post-shutdown operations are inert.
	tr.Broadcast("/work", api.NewSessionIdle("ses_2"))
	_, err = tr.Connect(&bytes.Buffer{}, ConnectOptions{})
	assert.Error(t, err)
}

// safeBuffer guards a bytes.Buffer against the keepalive goroutine.
type safeBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *safeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *safeBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestKeepalive(t *testing.T) {
	tr := NewTransport(10, 10*time.Millisecond)
	defer tr.Shutdown()

	buf := &safeBuffer{}
	_, err := tr.Connect(buf, ConnectOptions{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		for _, f := range parseFrames(t, buf.String()) {
			if f.id == "" && strings.Contains(f.data, string(api.EventServerHeartbeat)) {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestDisconnect(t *testing.T) {
	tr := newIdleTransport(t, 10)
	var buf bytes.Buffer
	conn, err := tr.Connect(&buf, ConnectOptions{})
	require.NoError(t, err)

	tr.Disconnect(conn)
	select {
	case <-conn.Done():
	default:
		t.Fatal("disconnect did not close the connection")
	}

	tr.Broadcast("/work", api.NewSessionIdle("ses_1"))
	assert.Len(t, parseFrames(t, buf.String()), 1)
}
