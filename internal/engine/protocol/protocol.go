// Package protocol defines the line-delimited event stream spoken by agent
// vendor subprocesses and the turn-scoping transform applied to item ids.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

type EventType string

const (
	EventThreadStarted EventType = "thread.started"
	EventTurnStarted   EventType = "turn.started"
	EventItemStarted   EventType = "item.started"
	EventItemUpdated   EventType = "item.updated"
	EventItemCompleted EventType = "item.completed"
	EventTurnCompleted EventType = "turn.completed"
	EventTurnFailed    EventType = "turn.failed"
	EventError         EventType = "error"
)

// Item kinds observed across vendors. The set is open: unknown kinds are
// carried through untouched rather than rejected.
const (
	ItemTypeAgentMessage     = "agent_message"
	ItemTypeReasoning        = "reasoning"
	ItemTypeCommandExecution = "command_execution"
	ItemTypeFileChange       = "file_change"
	ItemTypeMCPToolCall      = "mcp_tool_call"
	ItemTypeWebSearch        = "web_search"
	ItemTypeTodoList         = "todo_list"
	ItemTypeError            = "error"
)

// Event is one protocol frame. Exactly which optional fields are set depends
// on Type; consumers must tolerate extra fields from newer vendors.
type Event struct {
	Type     EventType  `json:"type"`
	ThreadID string     `json:"thread_id,omitempty"`
	Item     *Item      `json:"item,omitempty"`
	Usage    *Usage     `json:"usage,omitempty"`
	Error    *ErrorInfo `json:"error,omitempty"`
	Message  string     `json:"message,omitempty"`
}

// Item is a vendor-defined unit of agent output. Only the fields every
// vendor agrees on are promoted to struct fields; the full original object
// is preserved so unknown item kinds round-trip losslessly.
type Item struct {
	ID       string
	ItemType string
	Text     string

	raw map[string]any
}

type Usage struct {
	InputTokens       int64 `json:"input_tokens"`
	CachedInputTokens int64 `json:"cached_input_tokens,omitempty"`
	OutputTokens      int64 `json:"output_tokens"`
}

type ErrorInfo struct {
	Message string `json:"message"`
}

// UserTurn is the frame written to a pooled vendor's stdin to start a turn.
// Model, Effort and Mode are optional per-turn hints; vendors that do not
// understand them ignore the extra fields.
type UserTurn struct {
	Type            string   `json:"type"`
	Text            string   `json:"text"`
	AttachmentPaths []string `json:"attachment_paths,omitempty"`
	Model           string   `json:"model,omitempty"`
	Effort          string   `json:"effort,omitempty"`
	Mode            string   `json:"mode,omitempty"`
}

func NewUserTurn(text string, attachmentPaths []string) UserTurn {
	return UserTurn{Type: "user_turn", Text: text, AttachmentPaths: attachmentPaths}
}

func (it *Item) UnmarshalJSON(data []byte) error {
	if it == nil {
		return errors.New("nil item")
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	it.raw = raw
	it.ID = stringField(raw, "id")
	it.ItemType = stringField(raw, "item_type")
	if it.ItemType == "" {
		it.ItemType = stringField(raw, "type")
	}
	it.Text = stringField(raw, "text")
	return nil
}

func (it Item) MarshalJSON() ([]byte, error) {
	if it.raw != nil {
		// Promoted fields win over the originals so a qualified id survives
		// the round-trip.
		out := make(map[string]any, len(it.raw)+2)
		for k, v := range it.raw {
			out[k] = v
		}
		out["id"] = it.ID
		out["item_type"] = it.ItemType
		if it.Text != "" {
			out["text"] = it.Text
		}
		return json.Marshal(out)
	}
	out := map[string]any{"id": it.ID, "item_type": it.ItemType}
	if it.Text != "" {
		out["text"] = it.Text
	}
	return json.Marshal(out)
}

func stringField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	if v, ok := m[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

// ErrNotEvent marks stdout lines that are not protocol frames (vendor CLIs
// tend to mix human-readable noise into their streams). Callers skip these.
var ErrNotEvent = errors.New("not a protocol event")

// ParseLine decodes one stdout/stdin line into an Event. Blank lines and
// lines that do not look like JSON objects return ErrNotEvent.
func ParseLine(line []byte) (*Event, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 || line[0] != '{' {
		return nil, ErrNotEvent
	}
	var ev Event
	if err := json.Unmarshal(line, &ev); err != nil {
		return nil, fmt.Errorf("malformed event line: %w", err)
	}
	if strings.TrimSpace(string(ev.Type)) == "" {
		return nil, fmt.Errorf("event line missing type")
	}
	return &ev, nil
}

// IsTerminal reports whether ev ends the turn.
func IsTerminal(ev *Event) bool {
	if ev == nil {
		return false
	}
	switch ev.Type {
	case EventTurnCompleted, EventTurnFailed, EventError:
		return true
	}
	return false
}

// QualifyID prefixes a raw vendor item id with the turn scope so ids from
// different turns never collide. Re-qualifying an id already carrying the
// same scope is a no-op.
func QualifyID(scope, raw string) string {
	scope = strings.TrimSpace(scope)
	raw = strings.TrimSpace(raw)
	if raw == "" || scope == "" {
		return raw
	}
	if strings.HasPrefix(raw, scope+"/") {
		return raw
	}
	return scope + "/" + raw
}

// QualifyEvent applies QualifyID to the event's item, if any.
func QualifyEvent(scope string, ev *Event) {
	if ev == nil || ev.Item == nil {
		return
	}
	ev.Item.ID = QualifyID(scope, ev.Item.ID)
}

var reconnectRe = regexp.MustCompile(`(?i)\breconnecting\s+\d+\s*/\s*\d+`)

// ReconnectNotice extracts a transient "reconnecting N/M" notice from a
// failure-shaped event. Vendors emit these while re-establishing their
// side channels; they are noise, not turn failures.
func ReconnectNotice(ev *Event) (string, bool) {
	if ev == nil {
		return "", false
	}
	if ev.Type != EventTurnFailed && ev.Type != EventError {
		return "", false
	}
	for _, s := range []string{errMessage(ev), ev.Message} {
		if reconnectRe.MatchString(s) {
			return strings.TrimSpace(s), true
		}
	}
	return "", false
}

// DowngradeReconnect rewrites a transient reconnect failure into a synthetic
// completed error-shaped item so observers can render it inline. The caller
// assigns the item id before scoping.
func DowngradeReconnect(ev *Event) (*Event, bool) {
	notice, ok := ReconnectNotice(ev)
	if !ok {
		return nil, false
	}
	return &Event{
		Type: EventItemCompleted,
		Item: &Item{ItemType: ItemTypeError, Text: notice},
	}, true
}

func errMessage(ev *Event) string {
	if ev == nil || ev.Error == nil {
		return ""
	}
	return ev.Error.Message
}
