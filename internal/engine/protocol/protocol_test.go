package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestParseLine(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		line    string
		want    EventType
		wantErr bool
		skip    bool
	}{
		{name: "thread started", line: `{"type":"thread.started","thread_id":"rt_1"}`, want: EventThreadStarted},
		{name: "turn completed", line: `{"type":"turn.completed","usage":{"input_tokens":10,"output_tokens":4}}`, want: EventTurnCompleted},
		{name: "item completed", line: `{"type":"item.completed","item":{"id":"item_0","item_type":"agent_message","text":"hi"}}`, want: EventItemCompleted},
		{name: "blank", line: "   ", skip: true},
		{name: "noise", line: "npm WARN deprecated something", skip: true},
		{name: "broken json", line: `{"type":"turn.started"`, wantErr: true},
		{name: "missing type", line: `{"item":{"id":"x"}}`, wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ev, err := ParseLine([]byte(tt.line))
			if tt.skip {
				if !errors.Is(err, ErrNotEvent) {
					t.Fatalf("ParseLine(%q) err = %v, want ErrNotEvent", tt.line, err)
				}
				return
			}
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseLine(%q) expected error, got %+v", tt.line, ev)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseLine(%q) error = %v", tt.line, err)
			}
			if ev.Type != tt.want {
				t.Fatalf("ParseLine(%q) type = %q, want %q", tt.line, ev.Type, tt.want)
			}
		})
	}
}

func TestQualifyIDScopesAreIsolated(t *testing.T) {
	t.Parallel()

	a := QualifyID("turn-a", "item_0")
	b := QualifyID("turn-b", "item_0")
	if a == b {
		t.Fatalf("QualifyID produced colliding ids: %q", a)
	}
	if a != "turn-a/item_0" {
		t.Fatalf("QualifyID = %q, want %q", a, "turn-a/item_0")
	}
}

func TestQualifyIDIsIdempotent(t *testing.T) {
	t.Parallel()

	once := QualifyID("turn-a", "item_0")
	twice := QualifyID("turn-a", once)
	if once != twice {
		t.Fatalf("QualifyID not a fixed point: %q vs %q", once, twice)
	}
}

func TestQualifyIDEmptyInputs(t *testing.T) {
	t.Parallel()

	if got := QualifyID("turn-a", ""); got != "" {
		t.Fatalf("QualifyID(scope, empty) = %q, want empty", got)
	}
	if got := QualifyID("", "item_0"); got != "item_0" {
		t.Fatalf("QualifyID(empty, raw) = %q, want raw unchanged", got)
	}
}

func TestItemRoundTripPreservesUnknownFields(t *testing.T) {
	t.Parallel()

	line := `{"type":"item.completed","item":{"id":"item_3","item_type":"command_execution","command":"go vet ./...","exit_code":0}}`
	ev, err := ParseLine([]byte(line))
	if err != nil {
		t.Fatalf("ParseLine: %v", err)
	}
	if ev.Item == nil {
		t.Fatalf("item missing")
	}

	QualifyEvent("turn-a", ev)
	if ev.Item.ID != "turn-a/item_3" {
		t.Fatalf("qualified id = %q, want %q", ev.Item.ID, "turn-a/item_3")
	}

	out, err := json.Marshal(ev.Item)
	if err != nil {
		t.Fatalf("marshal item: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(out, &m); err != nil {
		t.Fatalf("unmarshal round-trip: %v", err)
	}
	if m["id"] != "turn-a/item_3" {
		t.Fatalf("round-trip id = %v, want qualified id", m["id"])
	}
	if m["command"] != "go vet ./..." {
		t.Fatalf("round-trip lost vendor field command: %v", m)
	}
	if got, ok := m["exit_code"].(float64); !ok || got != 0 {
		t.Fatalf("round-trip lost vendor field exit_code: %v", m)
	}
}

func TestDowngradeReconnect(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		ev   *Event
		want bool
	}{
		{
			name: "error event with reconnect message",
			ev:   &Event{Type: EventError, Error: &ErrorInfo{Message: "stream disconnected; reconnecting 1/3"}},
			want: true,
		},
		{
			name: "turn failed with reconnect message",
			ev:   &Event{Type: EventTurnFailed, Message: "Reconnecting 2 / 5 ..."},
			want: true,
		},
		{
			name: "real failure",
			ev:   &Event{Type: EventTurnFailed, Error: &ErrorInfo{Message: "model refused the request"}},
			want: false,
		},
		{
			name: "reconnect text on non-failure event",
			ev:   &Event{Type: EventItemUpdated, Message: "reconnecting 1/3"},
			want: false,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, ok := DowngradeReconnect(tt.ev)
			if ok != tt.want {
				t.Fatalf("DowngradeReconnect ok = %v, want %v", ok, tt.want)
			}
			if !ok {
				return
			}
			if got.Type != EventItemCompleted {
				t.Fatalf("downgraded type = %q, want item.completed", got.Type)
			}
			if got.Item == nil || got.Item.ItemType != ItemTypeError {
				t.Fatalf("downgraded item = %+v, want error-shaped item", got.Item)
			}
			if !strings.Contains(strings.ToLower(got.Item.Text), "reconnecting") {
				t.Fatalf("downgraded item text = %q, want notice text", got.Item.Text)
			}
		})
	}
}

func TestIsTerminal(t *testing.T) {
	t.Parallel()

	for _, typ := range []EventType{EventTurnCompleted, EventTurnFailed, EventError} {
		if !IsTerminal(&Event{Type: typ}) {
			t.Fatalf("IsTerminal(%q) = false, want true", typ)
		}
	}
	for _, typ := range []EventType{EventThreadStarted, EventTurnStarted, EventItemStarted, EventItemUpdated, EventItemCompleted} {
		if IsTerminal(&Event{Type: typ}) {
			t.Fatalf("IsTerminal(%q) = true, want false", typ)
		}
	}
}
