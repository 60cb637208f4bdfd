package api

// EventType discriminates protocol events on the wire.
type EventType string

const (
	EventSessionUpdated     EventType = "session.updated"
	EventSessionDeleted     EventType = "session.deleted"
	EventSessionDiff        EventType = "session.diff"
	EventSessionIdle        EventType = "session.idle"
	EventMessageUpdated     EventType = "message.updated"
	EventMessagePartUpdated EventType = "message.part.updated"
	EventPermissionAsked    EventType = "permission.asked"
	EventQuestionAsked      EventType = "question.asked"
	EventServerConnected    EventType = "server.connected"
	EventServerHeartbeat    EventType = "server.heartbeat"
	EventServerShutdown     EventType = "server.shutdown"
)

// Event is the wire envelope: a type discriminator plus a properties
// object whose shape depends on the type.
type Event struct {
	Type       EventType   `json:"type"`
	Properties interface{} `json:"properties"`
}

// SessionProperties wraps a session snapshot.
type SessionProperties struct {
	Info Session `json:"info"`
}

// MessageProperties wraps a message snapshot.
type MessageProperties struct {
	Info Message `json:"info"`
}

// PartProperties wraps a part snapshot.
type PartProperties struct {
	Part Part `json:"part"`
}

// DiffProperties carries a session's per-file diff summary.
type DiffProperties struct {
	SessionID string     `json:"sessionID"`
	Files     []DiffFile `json:"files"`
}

// SessionIDProperties carries just a session reference.
type SessionIDProperties struct {
	SessionID string `json:"sessionID"`
}

// PermissionProperties describes a pending tool-permission prompt.
type PermissionProperties struct {
	ID        string                 `json:"id"`
	SessionID string                 `json:"sessionID"`
	ToolName  string                 `json:"toolName"`
	Input     map[string]interface{} `json:"input,omitempty"`
}

// QuestionProperties describes a pending question prompt.
type QuestionProperties struct {
	ID        string   `json:"id"`
	SessionID string   `json:"sessionID"`
	Questions []string `json:"questions,omitempty"`
}

// NewSessionUpdated wraps a session snapshot in an event.
func NewSessionUpdated(info Session) Event {
	return Event{Type: EventSessionUpdated, Properties: SessionProperties{Info: info}}
}

// NewSessionDeleted signals session removal.
func NewSessionDeleted(info Session) Event {
	return Event{Type: EventSessionDeleted, Properties: SessionProperties{Info: info}}
}

// NewSessionDiff carries the per-file diff summary for a session.
func NewSessionDiff(sessionID string, files []DiffFile) Event {
	return Event{Type: EventSessionDiff, Properties: DiffProperties{SessionID: sessionID, Files: files}}
}

// NewSessionIdle signals a turn has finished for the session.
func NewSessionIdle(sessionID string) Event {
	return Event{Type: EventSessionIdle, Properties: SessionIDProperties{SessionID: sessionID}}
}

// NewMessageUpdated wraps a message snapshot in an event.
func NewMessageUpdated(info Message) Event {
	return Event{Type: EventMessageUpdated, Properties: MessageProperties{Info: info}}
}

// NewMessagePartUpdated wraps a part snapshot in an event.
func NewMessagePartUpdated(part Part) Event {
	return Event{Type: EventMessagePartUpdated, Properties: PartProperties{Part: part}}
}

// NewPermissionAsked announces a pending tool-permission prompt.
func NewPermissionAsked(id, sessionID, toolName string, input map[string]interface{}) Event {
	return Event{Type: EventPermissionAsked, Properties: PermissionProperties{
		ID: id, SessionID: sessionID, ToolName: toolName, Input: input,
	}}
}

// NewQuestionAsked announces a pending question prompt.
func NewQuestionAsked(id, sessionID string, questions []string) Event {
	return Event{Type: EventQuestionAsked, Properties: QuestionProperties{
		ID: id, SessionID: sessionID, Questions: questions,
	}}
}

// NewServerConnected is the synthetic acknowledgment sent first on every
// new stream connection.
func NewServerConnected() Event {
	return Event{Type: EventServerConnected, Properties: struct{}{}}
}

// NewServerHeartbeat is the periodic keepalive frame.
func NewServerHeartbeat() Event {
	return Event{Type: EventServerHeartbeat, Properties: struct{}{}}
}

// NewServerShutdown is the terminal frame sent when the transport closes.
func NewServerShutdown() Event {
	return Event{Type: EventServerShutdown, Properties: struct{}{}}
}
