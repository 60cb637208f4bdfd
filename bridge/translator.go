// Package bridge converts the upstream agent's chunk stream into the
// downstream session/message/part protocol. The Translator owns per-session
// message state; the Backend owns the session registry and delivery
// decisions.
package bridge

import (
	"time"

	"github.com/bazelment/agentbridge/api"
	"github.com/bazelment/agentbridge/ids"
	"github.com/bazelment/agentbridge/protocol"
)

// Update is one downstream mutation produced by the Translator. Exactly one
// of Message or Part is set. Updates are ordered: the sequence mirrors the
// order the originating chunks were processed.
type Update struct {
	Message *api.Message
	Part    *api.Part
}

// openBlock tracks an in-progress streaming text or reasoning part: which
// part accumulates the content and how much of the cumulative upstream
// string has already been recorded.
type openBlock struct {
	partID string
	sent   int
}

// Translator converts upstream chunks for a single session into downstream
// message and part mutations. One instance exists per session, created with
// the session and discarded with it. It is not safe for concurrent use; the
// Backend serializes access.
type Translator struct {
	sessionID string
	gen       *ids.Generator
	now       func() time.Time

	messages  map[string]*api.Message
	order     []string
	parts     map[string]*api.Part
	partOrder map[string][]string

	// pendingTools indexes un-finalized tool parts by upstream call ID.
	pendingTools map[string]string

	// pendingAssistant is the pre-created assistant shell awaiting its
	// first chunk; currentAssistant is the message actively appended to.
	pendingAssistant string
	currentAssistant string
	needsStepStart   bool
	stepOpen         bool

	openBlocks map[string]*openBlock

	totals    api.TokenCount
	totalCost float64
}

// NewTranslator creates a translator for one session.
func NewTranslator(sessionID string, gen *ids.Generator) *Translator {
	return &Translator{
		sessionID:    sessionID,
		gen:          gen,
		now:          time.Now,
		messages:     make(map[string]*api.Message),
		parts:        make(map[string]*api.Part),
		partOrder:    make(map[string][]string),
		pendingTools: make(map[string]string),
		openBlocks:   make(map[string]*openBlock),
	}
}

func (t *Translator) nowMilli() int64 { return t.now().UnixMilli() }

// BeginUserTurn records the user's input as a message with a single text
// part, independent of agent acknowledgment, and arms the step-start for
// the coming assistant response.
func (t *Translator) BeginUserTurn(text string) (api.Message, api.Part) {
	now := t.nowMilli()

	msg := &api.Message{
		ID:        t.gen.Ascending(ids.KindMessage),
		SessionID: t.sessionID,
		Role:      api.RoleUser,
		Time:      api.MessageTime{Created: now},
	}
	t.messages[msg.ID] = msg
	t.order = append(t.order, msg.ID)

	part := t.appendPart(msg.ID, api.Part{
		Type: api.PartTypeText,
		Text: text,
		Time: &api.TimeRange{Start: now, End: &now},
	})

	t.needsStepStart = true
	return *msg, *part
}

// PrepareAssistant pre-creates an assistant message shell before the agent
// process is confirmed alive, so the client leaves its queued state
// immediately. The shell becomes both the pending and current assistant.
func (t *Translator) PrepareAssistant() api.Message {
	msg := &api.Message{
		ID:        t.gen.Ascending(ids.KindMessage),
		SessionID: t.sessionID,
		Role:      api.RoleAssistant,
		Time:      api.MessageTime{Created: t.nowMilli()},
	}
	t.messages[msg.ID] = msg
	t.order = append(t.order, msg.ID)

	t.pendingAssistant = msg.ID
	t.currentAssistant = msg.ID
	return *msg
}

// EarlyStepStart emits a step-start for the pending assistant before any
// chunk has arrived. Granted at most once per turn; granting clears the
// flag so the in-stream path does not emit a duplicate.
func (t *Translator) EarlyStepStart() (api.Part, bool) {
	if t.pendingAssistant == "" || !t.needsStepStart {
		return api.Part{}, false
	}
	part := t.appendPart(t.pendingAssistant, api.Part{Type: api.PartTypeStepStart})
	t.needsStepStart = false
	t.stepOpen = true
	return *part, true
}

// ProcessChunks applies a batch of upstream chunks and returns the ordered
// downstream updates plus whether a result chunk reported the turn as
// finished. System and user-echo chunks are skipped: both are already
// represented downstream.
func (t *Translator) ProcessChunks(chunks []protocol.Chunk) ([]Update, bool) {
	var updates []Update
	finished := false

	for _, chunk := range chunks {
		switch c := chunk.(type) {
		case protocol.AssistantChunk:
			updates = append(updates, t.applyAssistant(c)...)
		case protocol.ResultChunk:
			updates = append(updates, t.applyResult(c)...)
			finished = true
		}
	}
	return updates, finished
}

// applyAssistant routes an assistant chunk onto the working message:
// the pending assistant if one exists, else the current assistant, else a
// freshly minted message.
func (t *Translator) applyAssistant(c protocol.AssistantChunk) []Update {
	var updates []Update

	msgID := t.workingAssistant()
	msg := t.messages[msgID]

	if c.Message.Model != "" {
		msg.ModelID = c.Message.Model
	}

	if t.needsStepStart {
		part := t.appendPart(msgID, api.Part{Type: api.PartTypeStepStart})
		t.needsStepStart = false
		t.stepOpen = true
		updates = append(updates, Update{Part: t.snapshotPart(part.ID)})
	}

	if c.Message.Usage != (protocol.Usage{}) {
		t.applyUsage(msg, c.Message.Usage)
	}
	updates = append(updates, Update{Message: t.snapshotMessage(msgID)})

	blocks, ok := c.Message.Content.AsBlocks()
	if !ok {
		return updates
	}

	for _, block := range blocks {
		switch b := block.(type) {
		case protocol.TextBlock:
			if part := t.appendStream(msgID, api.PartTypeText, b.Text); part != nil {
				updates = append(updates, Update{Part: part})
			}
		case protocol.ThinkingBlock:
			if part := t.appendStream(msgID, api.PartTypeReasoning, b.Thinking); part != nil {
				updates = append(updates, Update{Part: part})
			}
		case protocol.ToolUseBlock:
			if part := t.applyToolUse(msgID, b); part != nil {
				updates = append(updates, Update{Part: part})
			}
		}
	}
	return updates
}

// applyResult finalizes pending tools named by the result's tool_result
// blocks, applies the trailing usage update, and closes the step bracket.
func (t *Translator) applyResult(c protocol.ResultChunk) []Update {
	var updates []Update
	now := t.nowMilli()

	if blocks, ok := c.Content.AsBlocks(); ok {
		for _, block := range blocks {
			b, ok := block.(protocol.ToolResultBlock)
			if !ok {
				continue
			}
			if part := t.finalizeTool(b, now); part != nil {
				updates = append(updates, Update{Part: part})
			}
		}
	}

	if t.currentAssistant != "" {
		msg := t.messages[t.currentAssistant]
		if c.Usage != (protocol.Usage{}) {
			t.applyUsage(msg, c.Usage)
		}
		if c.TotalCostUSD > 0 {
			msg.Cost = c.TotalCostUSD
			t.totalCost += c.TotalCostUSD
		}
		updates = append(updates, Update{Message: t.snapshotMessage(msg.ID)})

		if t.stepOpen {
			tokens := t.totals
			cost := t.totalCost
			part := t.appendPart(msg.ID, api.Part{
				Type:   api.PartTypeStepFinish,
				Tokens: &tokens,
				Cost:   &cost,
			})
			t.stepOpen = false
			updates = append(updates, Update{Part: t.snapshotPart(part.ID)})
		}
	}
	return updates
}

// finalizeTool moves a pending tool part to completed or error and removes
// it from the pending index. The lifecycle never skips a state: a tool
// still pending passes through running on its way out.
func (t *Translator) finalizeTool(b protocol.ToolResultBlock, now int64) *api.Part {
	partID, ok := t.pendingTools[b.ToolUseID]
	if !ok {
		return nil
	}
	part := t.parts[partID]

	if part.State.Status == api.ToolPending {
		_ = part.State.Advance(api.ToolRunning)
		if part.State.Time == nil {
			part.State.Time = &api.TimeRange{Start: now}
		}
	}

	isErr := b.IsError != nil && *b.IsError
	if isErr {
		if err := part.State.Advance(api.ToolError); err != nil {
			return nil
		}
		part.State.Error = b.Text()
	} else {
		if err := part.State.Advance(api.ToolCompleted); err != nil {
			return nil
		}
		part.State.Output = b.Text()
		part.State.Title = part.Tool
	}
	if part.State.Time != nil {
		part.State.Time.End = &now
	}

	delete(t.pendingTools, b.ToolUseID)
	return t.snapshotPart(partID)
}

// FinalizeAssistant closes the current assistant turn: completion time and
// finish reason are set exactly once, open streaming parts get their end
// time, and the current pointer is cleared. Idempotent: with no current
// assistant it returns nil and no updates, guarding the two finalize paths
// (turn completion and process end) against double-finalizing one turn.
func (t *Translator) FinalizeAssistant() (*api.Message, []api.Part) {
	if t.currentAssistant == "" {
		return nil, nil
	}

	now := t.nowMilli()
	msg := t.messages[t.currentAssistant]
	msg.Finish = "stop"
	msg.Time.Completed = &now

	var closed []api.Part
	for key, ob := range t.openBlocks {
		part := t.parts[ob.partID]
		if part.MessageID != msg.ID {
			continue
		}
		if part.Time != nil && part.Time.End == nil {
			part.Time.End = &now
			closed = append(closed, *t.snapshotPart(part.ID))
		}
		delete(t.openBlocks, key)
	}

	t.pendingAssistant = ""
	t.currentAssistant = ""
	return t.snapshotMessage(msg.ID), closed
}

// ResetTurn clears per-turn streaming state so a resumed session starts
// clean. Historical messages and parts are preserved.
func (t *Translator) ResetTurn() {
	t.pendingAssistant = ""
	t.currentAssistant = ""
	t.needsStepStart = false
	t.stepOpen = false
	t.openBlocks = make(map[string]*openBlock)
}

// Messages returns the full message history in insertion order.
func (t *Translator) Messages() []api.Message {
	result := make([]api.Message, 0, len(t.order))
	for _, id := range t.order {
		result = append(result, *t.snapshotMessage(id))
	}
	return result
}

// PartsFor returns a message's parts in insertion order.
func (t *Translator) PartsFor(messageID string) []api.Part {
	partIDs := t.partOrder[messageID]
	result := make([]api.Part, 0, len(partIDs))
	for _, id := range partIDs {
		result = append(result, *t.snapshotPart(id))
	}
	return result
}

// --- internals --------------------------------------------------------------

// workingAssistant resolves the message ID assistant content attaches to:
// the pending assistant is consumed first, then the current assistant, and
// only then is a fresh message minted.
func (t *Translator) workingAssistant() string {
	if t.pendingAssistant != "" {
		id := t.pendingAssistant
		t.pendingAssistant = ""
		t.currentAssistant = id
		return id
	}
	if t.currentAssistant != "" {
		return t.currentAssistant
	}

	msg := &api.Message{
		ID:        t.gen.Ascending(ids.KindMessage),
		SessionID: t.sessionID,
		Role:      api.RoleAssistant,
		Time:      api.MessageTime{Created: t.nowMilli()},
	}
	t.messages[msg.ID] = msg
	t.order = append(t.order, msg.ID)
	t.currentAssistant = msg.ID
	return msg.ID
}

// applyUsage replaces the message's token counts with the chunk's absolute
// values and folds the delta into the session-wide totals.
func (t *Translator) applyUsage(msg *api.Message, u protocol.Usage) {
	next := api.TokenCount{
		Input:     u.InputTokens,
		Output:    u.OutputTokens,
		Reasoning: u.ReasoningOutputTokens,
		Cache: api.CacheTokens{
			Read:  u.CacheReadInputTokens,
			Write: u.CacheCreationInputTokens,
		},
	}

	t.totals.Input += next.Input - msg.Tokens.Input
	t.totals.Output += next.Output - msg.Tokens.Output
	t.totals.Reasoning += next.Reasoning - msg.Tokens.Reasoning
	t.totals.Cache.Read += next.Cache.Read - msg.Tokens.Cache.Read
	t.totals.Cache.Write += next.Cache.Write - msg.Tokens.Cache.Write

	msg.Tokens = next
}

// appendStream appends the unseen suffix of a cumulative text or reasoning
// string to the open part for (message, kind), creating the part on first
// content. Returns nil when the chunk carried nothing new.
func (t *Translator) appendStream(msgID string, kind api.PartType, cumulative string) *api.Part {
	if cumulative == "" {
		return nil
	}

	key := msgID + "/" + string(kind)
	ob := t.openBlocks[key]
	if ob == nil {
		part := t.appendPart(msgID, api.Part{
			Type: kind,
			Time: &api.TimeRange{Start: t.nowMilli()},
		})
		ob = &openBlock{partID: part.ID}
		t.openBlocks[key] = ob
	}

	if len(cumulative) <= ob.sent {
		return nil
	}

	part := t.parts[ob.partID]
	part.Text += cumulative[ob.sent:]
	ob.sent = len(cumulative)
	return t.snapshotPart(part.ID)
}

// applyToolUse creates a pending tool part for an unseen call ID, or
// promotes a still-pending part to running when the agent re-announces the
// same call.
func (t *Translator) applyToolUse(msgID string, b protocol.ToolUseBlock) *api.Part {
	if partID, ok := t.pendingTools[b.ID]; ok {
		part := t.parts[partID]
		if part.State.Status != api.ToolPending {
			return nil
		}
		_ = part.State.Advance(api.ToolRunning)
		part.State.Time = &api.TimeRange{Start: t.nowMilli()}
		if len(b.Input) > 0 {
			part.State.Input = b.Input
		}
		return t.snapshotPart(partID)
	}

	part := t.appendPart(msgID, api.Part{
		Type:   api.PartTypeTool,
		Tool:   b.Name,
		CallID: b.ID,
		State:  &api.ToolState{Status: api.ToolPending, Input: b.Input},
	})
	t.pendingTools[b.ID] = part.ID
	return t.snapshotPart(part.ID)
}

// appendPart stores a part under messageID, assigning its identifiers and
// insertion-order position.
func (t *Translator) appendPart(msgID string, part api.Part) *api.Part {
	part.ID = t.gen.Ascending(ids.KindPart)
	part.MessageID = msgID
	part.SessionID = t.sessionID

	p := &part
	t.parts[p.ID] = p
	t.partOrder[msgID] = append(t.partOrder[msgID], p.ID)
	return p
}

func (t *Translator) snapshotMessage(id string) *api.Message {
	msg := t.messages[id]
	if msg == nil {
		return nil
	}
	cp := *msg
	if msg.Time.Completed != nil {
		completed := *msg.Time.Completed
		cp.Time.Completed = &completed
	}
	return &cp
}

func (t *Translator) snapshotPart(id string) *api.Part {
	part := t.parts[id]
	if part == nil {
		return nil
	}
	cp := *part
	if part.Time != nil {
		tr := *part.Time
		if part.Time.End != nil {
			end := *part.Time.End
			tr.End = &end
		}
		cp.Time = &tr
	}
	if part.State != nil {
		st := *part.State
		if part.State.Time != nil {
			tr := *part.State.Time
			if part.State.Time.End != nil {
				end := *part.State.Time.End
				tr.End = &end
			}
			st.Time = &tr
		}
		cp.State = &st
	}
	if part.Tokens != nil {
		tok := *part.Tokens
		cp.Tokens = &tok
	}
	if part.Cost != nil {
		cost := *part.Cost
		cp.Cost = &cost
	}
	return &cp
}
