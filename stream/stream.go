// Package stream delivers protocol events to long-lived event-stream
// connections: global sequence numbering, a fixed-capacity replay buffer,
// periodic keepalives, and per-connection failure isolation.
package stream

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/bazelment/agentbridge/api"
)

// Encoding selects the wire shape for one connection.
type Encoding int

const (
	// EncodingBare serializes the event directly as the data line.
	EncodingBare Encoding = iota
	// EncodingEnveloped wraps the event with the originating session
	// directory. The connected ack carries no directory.
	EncodingEnveloped
)

// envelope is the enveloped wire shape.
type envelope struct {
	Directory  string        `json:"directory,omitempty"`
	Type       api.EventType `json:"type"`
	Properties interface{}   `json:"properties"`
}

// bufferedEvent pairs a broadcast event with its sequence number for
// replay. The directory rides along so replay can re-encode per
// connection.
type bufferedEvent struct {
	seq       uint64
	directory string
	event     api.Event
}

// Connection is one live event-stream consumer. Writes are serialized per
// connection; a failed write removes the connection from the transport.
type Connection struct {
	mu        sync.Mutex
	w         io.Writer
	flush     func()
	encoding  Encoding
	directory string
	done      chan struct{}
	closed    bool
}

// Done is closed when the transport drops the connection, either on write
// failure or at shutdown. HTTP handlers block on it.
func (c *Connection) Done() <-chan struct{} { return c.done }

// wants reports whether this connection should receive events for the
// given session directory.
func (c *Connection) wants(directory string) bool {
	return c.directory == "" || directory == "" || c.directory == directory
}

// writeFrame writes one event-stream frame: an optional id line, the data
// line, and the blank separator.
func (c *Connection) writeFrame(seq uint64, withID bool, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if withID {
		if _, err := fmt.Fprintf(c.w, "id: %d\n", seq); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(c.w, "data: %s\n\n", data); err != nil {
		return err
	}
	if c.flush != nil {
		c.flush()
	}
	return nil
}

func (c *Connection) encode(directory string, event api.Event) ([]byte, error) {
	if c.encoding == EncodingEnveloped {
		return json.Marshal(envelope{
			Directory:  directory,
			Type:       event.Type,
			Properties: event.Properties,
		})
	}
	return json.Marshal(event)
}

// ConnectOptions configures a new connection.
type ConnectOptions struct {
	Encoding Encoding
	// Directory, when set, restricts delivery to events from that session
	// directory.
	Directory string
	// LastSeen is the highest sequence number the client already has;
	// buffered events beyond it are replayed on connect. Zero means no
	// replay marker.
	LastSeen uint64
	// Flush is called after each frame, typically http.Flusher.Flush.
	Flush func()
}

// Transport fans protocol events out to all connections. It owns the
// keepalive ticker: started at construction, stopped at Shutdown.
type Transport struct {
	mu     sync.Mutex
	conns  map[*Connection]struct{}
	buffer []bufferedEvent
	cap    int
	seq    uint64
	down   bool

	stopKeepalive chan struct{}
}

// NewTransport creates the transport with a replay buffer of bufferCap
// events and begins emitting keepalives every interval.
func NewTransport(bufferCap int, interval time.Duration) *Transport {
	t := &Transport{
		conns:         make(map[*Connection]struct{}),
		cap:           bufferCap,
		stopKeepalive: make(chan struct{}),
	}
	go t.keepaliveLoop(interval)
	return t
}

func (t *Transport) keepaliveLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.sendToAll("", api.NewServerHeartbeat(), 0, false)
		case <-t.stopKeepalive:
			return
		}
	}
}

// Connect registers a consumer. The first frame is always the synthetic
// connected ack with sequence number 0; buffered events past the client's
// last-seen marker follow in ascending order.
func (t *Transport) Connect(w io.Writer, opts ConnectOptions) (*Connection, error) {
	conn := &Connection{
		w:         w,
		flush:     opts.Flush,
		encoding:  opts.Encoding,
		directory: opts.Directory,
		done:      make(chan struct{}),
	}

	t.mu.Lock()
	if t.down {
		t.mu.Unlock()
		return nil, fmt.Errorf("transport is shut down")
	}
	replay := make([]bufferedEvent, 0, len(t.buffer))
	for _, be := range t.buffer {
		if be.seq > opts.LastSeen && conn.wants(be.directory) {
			replay = append(replay, be)
		}
	}
	t.conns[conn] = struct{}{}
	t.mu.Unlock()

	ack, err := conn.encode("", api.NewServerConnected())
	if err != nil {
		t.remove(conn)
		return nil, err
	}
	if err := conn.writeFrame(0, true, ack); err != nil {
		t.remove(conn)
		return nil, fmt.Errorf("connected ack: %w", err)
	}
	for _, be := range replay {
		data, err := conn.encode(be.directory, be.event)
		if err != nil {
			continue
		}
		if err := conn.writeFrame(be.seq, true, data); err != nil {
			t.remove(conn)
			return nil, fmt.Errorf("replay: %w", err)
		}
	}
	return conn, nil
}

// Broadcast assigns the next sequence number, buffers the event for
// replay, and delivers it to every matching connection. A failed write
// removes that connection only.
func (t *Transport) Broadcast(directory string, event api.Event) {
	t.mu.Lock()
	if t.down {
		t.mu.Unlock()
		return
	}
	t.seq++
	seq := t.seq
	t.buffer = append(t.buffer, bufferedEvent{seq: seq, directory: directory, event: event})
	if len(t.buffer) > t.cap {
		t.buffer = t.buffer[len(t.buffer)-t.cap:]
	}
	t.mu.Unlock()

	t.sendToAll(directory, event, seq, true)
}

// sendToAll writes one frame to every matching connection, dropping the
// ones whose write fails. Keepalives pass withID=false and are not
// buffered.
func (t *Transport) sendToAll(directory string, event api.Event, seq uint64, withID bool) {
	t.mu.Lock()
	targets := make([]*Connection, 0, len(t.conns))
	for conn := range t.conns {
		if conn.wants(directory) {
			targets = append(targets, conn)
		}
	}
	t.mu.Unlock()

	for _, conn := range targets {
		data, err := conn.encode(directory, event)
		if err != nil {
			log.Printf("WARNING: event encode failed: %v", err)
			continue
		}
		if err := conn.writeFrame(seq, withID, data); err != nil {
			t.remove(conn)
		}
	}
}

// remove drops a connection and releases anyone blocked on Done.
func (t *Transport) remove(conn *Connection) {
	t.mu.Lock()
	delete(t.conns, conn)
	t.mu.Unlock()
	conn.closeDone()
}

// Disconnect removes a connection the consumer is done with.
func (t *Transport) Disconnect(conn *Connection) {
	t.remove(conn)
}

// Shutdown sends the terminal frame to every connection, closes them all,
// and clears the registry and replay buffer. The keepalive ticker stops.
func (t *Transport) Shutdown() {
	t.mu.Lock()
	if t.down {
		t.mu.Unlock()
		return
	}
	t.down = true
	conns := make([]*Connection, 0, len(t.conns))
	for conn := range t.conns {
		conns = append(conns, conn)
	}
	t.conns = make(map[*Connection]struct{})
	t.buffer = nil
	t.mu.Unlock()

	close(t.stopKeepalive)

	for _, conn := range conns {
		if data, err := conn.encode("", api.NewServerShutdown()); err == nil {
			_ = conn.writeFrame(0, false, data)
		}
		conn.closeDone()
	}
}

func (c *Connection) closeDone() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
}
