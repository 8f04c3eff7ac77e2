package engine

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/loomworks/loom/internal/engine/logstore"
	"github.com/loomworks/loom/internal/engine/protocol"
)

// RunnerKind selects how a turn reaches its agent vendor.
type RunnerKind string

const (
	// RunnerPooled drives a warm long-lived CLI subprocess via the pool.
	RunnerPooled RunnerKind = "pooled"
	// RunnerOneShot spawns a fresh CLI subprocess per turn.
	RunnerOneShot RunnerKind = "oneshot"
	// RunnerAnthropicAPI and RunnerOpenAIAPI stream straight from the
	// vendor's HTTP API, bypassing any CLI.
	RunnerAnthropicAPI RunnerKind = "anthropic_api"
	RunnerOpenAIAPI    RunnerKind = "openai_api"
)

func NormalizeRunnerKind(s string) RunnerKind {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", string(RunnerPooled):
		return RunnerPooled
	case string(RunnerOneShot), "one-shot", "one_shot":
		return RunnerOneShot
	case string(RunnerAnthropicAPI):
		return RunnerAnthropicAPI
	case string(RunnerOpenAIAPI):
		return RunnerOpenAIAPI
	default:
		return RunnerPooled
	}
}

// RunConfig is the per-turn agent selection. Zero values fall back to the
// thread's runner profile defaults.
type RunConfig struct {
	Vendor     string `json:"vendor,omitempty"`
	RunnerKind string `json:"runner_kind,omitempty"`
	ModelID    string `json:"model_id,omitempty"`
	Effort     string `json:"effort,omitempty"`
	Mode       string `json:"mode,omitempty"`
}

func (c RunConfig) Normalize() RunConfig {
	c.Vendor = strings.TrimSpace(c.Vendor)
	c.RunnerKind = strings.TrimSpace(strings.ToLower(c.RunnerKind))
	c.ModelID = strings.TrimSpace(c.ModelID)
	c.Effort = strings.TrimSpace(strings.ToLower(c.Effort))
	c.Mode = strings.TrimSpace(strings.ToLower(c.Mode))
	return c
}

func (c RunConfig) marshal() json.RawMessage {
	b, err := json.Marshal(c)
	if err != nil {
		return nil
	}
	return b
}

func runConfigFromJSON(raw json.RawMessage) RunConfig {
	var c RunConfig
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &c)
	}
	return c.Normalize()
}

// SubmitRequest is one user prompt aimed at a thread.
type SubmitRequest struct {
	Key         logstore.ThreadKey
	Text        string
	Attachments []logstore.AttachmentRef
	Config      RunConfig
}

// AttachmentResolver turns a submitted attachment reference into bytes.
// The engine stages the bytes to a file and hands the vendor that path.
type AttachmentResolver func(ctx context.Context, ref string) ([]byte, error)

// WorkdirResolver maps a workspace to the directory its vendor
// subprocesses run in, typically a git worktree checked out elsewhere.
type WorkdirResolver func(ctx context.Context, projectID, workspaceID string) (string, error)

// SubmitResult reports what the orchestrator did with the prompt: started a
// run now, or parked it in the queue.
type SubmitResult struct {
	RunID    string
	Queued   bool
	PromptID int64
}

// ThreadSnapshot is the orchestrator's view of one thread: derived run
// state plus the optimistic entry copy.
type ThreadSnapshot struct {
	Key      logstore.ThreadKey
	State    RunState
	RunID    string
	Paused   bool
	QueueLen int
	Entries  []logstore.Entry
}

type RunState string

const (
	RunStateIdle    RunState = "idle"
	RunStateRunning RunState = "running"
)

// StreamEvent is what fan-out subscribers receive. Entry is set for durable
// appends; Item is set for transient item.started/item.updated frames that
// are never persisted.
type StreamEvent struct {
	Key   logstore.ThreadKey
	RunID string
	Entry *logstore.Entry
	Item  *protocol.Event
}
