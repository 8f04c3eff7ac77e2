package logstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ThreadKey identifies a conversation lane: a workspace can hold several
// numbered threads, each with its own queue and run state.
type ThreadKey struct {
	ProjectID   string `json:"project_id"`
	WorkspaceID string `json:"workspace_id"`
	ThreadNum   int64  `json:"thread_num"`
}

func (k ThreadKey) Normalize() ThreadKey {
	k.ProjectID = strings.TrimSpace(k.ProjectID)
	k.WorkspaceID = strings.TrimSpace(k.WorkspaceID)
	return k
}

// Validate rejects empty ids and the '/' and '#' delimiters, which are
// reserved for the runtime key form "project/workspace#num" and its
// workspace prefix.
func (k ThreadKey) Validate() error {
	k = k.Normalize()
	if k.ProjectID == "" {
		return errors.New("missing project_id")
	}
	if strings.ContainsAny(k.ProjectID, "/#") {
		return errors.New("project_id must not contain '/' or '#'")
	}
	if k.WorkspaceID == "" {
		return errors.New("missing workspace_id")
	}
	if strings.ContainsAny(k.WorkspaceID, "/#") {
		return errors.New("workspace_id must not contain '/' or '#'")
	}
	if k.ThreadNum <= 0 {
		return errors.New("invalid thread_num")
	}
	return nil
}

func (k ThreadKey) String() string {
	return fmt.Sprintf("%s/%s#%d", k.ProjectID, k.WorkspaceID, k.ThreadNum)
}

// EntryKind tags the conversation entry variant. The prefix is the family
// (system / user / agent); the suffix is the concrete shape.
type EntryKind string

const (
	KindTaskCreated   EntryKind = "system.task_created"
	KindStatusChanged EntryKind = "system.status_changed"
	KindUserMessage   EntryKind = "user.message"
	KindAgentMessage  EntryKind = "agent.message"
	KindAgentItem     EntryKind = "agent.item"
	KindUsage         EntryKind = "agent.usage"
	KindTurnDuration  EntryKind = "agent.turn_duration"
	KindTurnCanceled  EntryKind = "agent.turn_canceled"
	KindTurnError     EntryKind = "agent.turn_error"
)

func (k EntryKind) Valid() bool {
	switch k {
	case KindTaskCreated, KindStatusChanged, KindUserMessage, KindAgentMessage,
		KindAgentItem, KindUsage, KindTurnDuration, KindTurnCanceled, KindTurnError:
		return true
	}
	return false
}

// Family returns "system", "user" or "agent".
func (k EntryKind) Family() string {
	s := string(k)
	if i := strings.IndexByte(s, '.'); i > 0 {
		return s[:i]
	}
	return ""
}

// Entry is one element of a thread's append-only log. Exactly one of the
// System/User/Agent payloads is set, matching the Kind family.
type Entry struct {
	EntryID         string    `json:"entry_id"`
	Seq             int64     `json:"seq,omitempty"`
	Kind            EntryKind `json:"kind"`
	ItemID          string    `json:"item_id,omitempty"`
	CreatedAtUnixMs int64     `json:"created_at_unix_ms"`

	System *SystemPayload `json:"system,omitempty"`
	User   *UserPayload   `json:"user,omitempty"`
	Agent  *AgentPayload  `json:"agent,omitempty"`
}

type SystemPayload struct {
	Status   string `json:"status,omitempty"`
	AtUnixMs int64  `json:"at_unix_ms"`
}

type UserPayload struct {
	Text        string          `json:"text"`
	Attachments []AttachmentRef `json:"attachments,omitempty"`
}

// AttachmentRef points at user-supplied bytes. Ref is the caller-side
// reference; Path is where the engine staged the bytes, if it has.
type AttachmentRef struct {
	Name string `json:"name"`
	Ref  string `json:"ref,omitempty"`
	Path string `json:"path,omitempty"`
}

type AgentPayload struct {
	Text         string          `json:"text,omitempty"`
	ItemType     string          `json:"item_type,omitempty"`
	Item         json.RawMessage `json:"item,omitempty"`
	Usage        *UsageStats     `json:"usage,omitempty"`
	DurationMs   int64           `json:"duration_ms,omitempty"`
	RunID        string          `json:"run_id,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
}

type UsageStats struct {
	InputTokens       int64 `json:"input_tokens"`
	CachedInputTokens int64 `json:"cached_input_tokens,omitempty"`
	OutputTokens      int64 `json:"output_tokens"`
}

// Thread is the metadata row plus derived fields computed on read.
type Thread struct {
	Key            ThreadKey `json:"key"`
	RemoteThreadID string    `json:"remote_thread_id,omitempty"`
	Title          string    `json:"title"`

	CreatedAtUnixMs int64 `json:"created_at_unix_ms"`
	UpdatedAtUnixMs int64 `json:"updated_at_unix_ms"`

	EntryCount int64 `json:"entry_count"`
	QueueLen   int   `json:"queue_len"`

	Status        ThreadStatus `json:"status"`
	LastRunResult RunResult    `json:"last_run_result,omitempty"`
}

// QueuedPrompt is a pending submission waiting for its turn. RunConfig is
// stored opaquely; the engine owns its shape.
type QueuedPrompt struct {
	PromptID        int64           `json:"prompt_id"`
	Position        int64           `json:"position"`
	Text            string          `json:"text"`
	Attachments     []AttachmentRef `json:"attachments,omitempty"`
	RunConfig       json.RawMessage `json:"run_config,omitempty"`
	CreatedAtUnixMs int64           `json:"created_at_unix_ms"`
}

// Page is one slice of a thread's log. SliceStartSeq is the cursor for the
// next older page: the sequence immediately before the first returned entry
// (0 when the slice starts at the beginning).
type Page struct {
	Entries       []Entry `json:"entries"`
	TotalCount    int64   `json:"total_count"`
	SliceStartSeq int64   `json:"slice_start_seq"`
}
