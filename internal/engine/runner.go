package engine

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/loomworks/loom/internal/engine/logstore"
	"github.com/loomworks/loom/internal/engine/pool"
	"github.com/loomworks/loom/internal/engine/protocol"
)

const (
	defaultPollInterval = 40 * time.Millisecond
	defaultTurnTimeout  = 10 * time.Minute
)

// NativeProfile configures a direct-API runner: credentials plus the
// defaults applied when a prompt's run config leaves them unset.
type NativeProfile struct {
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int64
	System    string
}

// turnRequest carries one resolved prompt into the runner. The spawn spec
// is only meaningful for subprocess runner kinds. sink, when set, receives
// every entry the turn appends, in append order.
type turnRequest struct {
	key         logstore.ThreadKey
	runID       string
	scope       string
	text        string
	attachments []logstore.AttachmentRef
	config      RunConfig
	spawn       pool.SpawnSpec
	sink        func([]logstore.Entry)
}

// turnState tracks one in-flight turn. completed is a single-use latch:
// once a terminal event is consumed, every later frame from the same
// stream is dropped, so the timing entry is appended at most once.
type turnState struct {
	key       logstore.ThreadKey
	runID     string
	scope     string
	startedAt time.Time
	sink      func([]logstore.Entry)
	log       *slog.Logger

	sawAgentMessage  bool
	completed        bool
	terminalRecorded bool
	finishErr        error
	noticeSeq        int
}

// turnRunner executes turns against a vendor: a warm pooled subprocess, a
// fresh one-shot subprocess, or a native API stream. All paths feed their
// events through the same normalization pipeline into the store and hub.
type turnRunner struct {
	log   *slog.Logger
	store *storeWorker
	pool  *pool.Pool
	hub   *hub

	pollInterval time.Duration
	turnTimeout  time.Duration

	anthropic NativeProfile
	openai    NativeProfile
}

func newTurnRunner(log *slog.Logger, store *storeWorker, pl *pool.Pool, h *hub) *turnRunner {
	if log == nil {
		log = slog.Default()
	}
	return &turnRunner{
		log:          log.With("component", "turn_runner"),
		store:        store,
		pool:         pl,
		hub:          h,
		pollInterval: defaultPollInterval,
		turnTimeout:  defaultTurnTimeout,
	}
}

// Run executes one turn to completion and returns its final error, nil for
// a clean turn. Any failure other than caller cancellation is durably
// recorded as a turn error entry before Run returns, unless the stream
// already produced its own terminal entry.
func (r *turnRunner) Run(ctx context.Context, req turnRequest) error {
	if ctx == nil {
		ctx = context.Background()
	}
	st := &turnState{
		key:       req.key,
		runID:     req.runID,
		scope:     req.scope,
		startedAt: time.Now(),
		sink:      req.sink,
		log:       r.log.With("thread", req.key.String(), "run", req.runID),
	}
	err := r.execute(ctx, st, req)
	if err != nil && !errors.Is(err, context.Canceled) && !st.terminalRecorded {
		r.recordTurnError(st, err)
	}
	return err
}

func (r *turnRunner) execute(ctx context.Context, st *turnState, req turnRequest) error {
	switch NormalizeRunnerKind(req.config.RunnerKind) {
	case RunnerOneShot:
		return r.runOneShot(ctx, st, req)
	case RunnerAnthropicAPI:
		return r.runAnthropic(ctx, st, req)
	case RunnerOpenAIAPI:
		return r.runOpenAI(ctx, st, req)
	default:
		return r.runPooled(ctx, st, req)
	}
}

// runPooled drives a turn on the thread's warm subprocess. Cancellation
// and timeout abandon the turn but leave the process running; it is only
// torn down by an explicit pool shutdown. The pre-send flush discards
// whatever a previous abandoned turn left in the poll buffer.
func (r *turnRunner) runPooled(ctx context.Context, st *turnState, req turnRequest) error {
	key := st.key.String()
	if err := r.pool.Ensure(key, req.spawn); err != nil {
		return err
	}
	if flushed, err := r.pool.Poll(key); err == nil && len(flushed.Events) > 0 {
		st.log.Debug("discarded stale vendor events", "count", len(flushed.Events))
	}
	if err := r.pool.Send(key, userTurn(req)); err != nil {
		return err
	}

	deadline := time.NewTimer(r.turnTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(r.pollInterval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return ErrTurnTimeout
		case <-tick.C:
		}

		status, err := r.pool.Poll(key)
		if err != nil {
			return err
		}
		for i := range status.Events {
			if herr := r.handleEvent(ctx, st, &status.Events[i]); herr != nil {
				return herr
			}
			if st.completed {
				return st.finishErr
			}
		}
		if !status.Alive {
			return errors.New("vendor process exited mid-turn")
		}
	}
}

// runOneShot spawns a fresh subprocess for a single turn. Unlike the
// pooled path, cancellation and timeout kill the process group.
func (r *turnRunner) runOneShot(ctx context.Context, st *turnState, req turnRequest) error {
	if strings.TrimSpace(req.spawn.Command) == "" {
		return errors.New("no vendor command configured for one-shot runner")
	}
	tctx, cancel := context.WithTimeout(ctx, r.turnTimeout)
	defer cancel()

	cmd := exec.Command(req.spawn.Command, req.spawn.Args...)
	cmd.Dir = req.spawn.Workdir
	cmd.Env = append(os.Environ(), req.spawn.Environ()...)
	pool.SetProcessGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start vendor process: %w", err)
	}

	watchDone := make(chan struct{})
	go func() {
		select {
		case <-tctx.Done():
			_ = pool.KillProcessGroup(cmd)
		case <-watchDone:
		}
	}()
	defer func() {
		close(watchDone)
		_ = pool.KillProcessGroup(cmd)
		_ = cmd.Wait()
	}()

	go func() {
		sc := bufio.NewScanner(stderr)
		for sc.Scan() {
			st.log.Debug("vendor stderr", "line", sc.Text())
		}
	}()

	enc := newTurnEncoder(stdin)
	if err := enc.Encode(userTurn(req)); err != nil {
		return fmt.Errorf("write user turn: %w", err)
	}
	_ = stdin.Close()

	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 64*1024), 2*1024*1024)
	for sc.Scan() {
		if tctx.Err() != nil {
			break
		}
		ev, perr := protocol.ParseLine(sc.Bytes())
		if perr != nil {
			if !errors.Is(perr, protocol.ErrNotEvent) {
				st.log.Warn("skipping malformed vendor event", "error", perr)
			}
			continue
		}
		if herr := r.handleEvent(tctx, st, ev); herr != nil {
			return herr
		}
		if st.completed {
			break
		}
	}

	if st.completed {
		return st.finishErr
	}
	if tctx.Err() != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrTurnTimeout
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read vendor stream: %w", err)
	}
	// EOF without a terminal event. A stream that already delivered the
	// agent's message counts as a finished turn; anything less does not.
	if st.sawAgentMessage {
		return r.synthesizeCompletion(ctx, st)
	}
	return fmt.Errorf("%w: stream ended without a terminal event", ErrVendorProtocol)
}

// handleEvent is the shared normalization pipeline: reconnect noise is
// downgraded to an informational item, ids are qualified with the turn
// scope, completed items and terminal events become durable entries, and
// everything visible is fanned out to subscribers.
func (r *turnRunner) handleEvent(ctx context.Context, st *turnState, ev *protocol.Event) error {
	if ev == nil || st.completed {
		return nil
	}
	if notice, ok := protocol.DowngradeReconnect(ev); ok {
		st.noticeSeq++
		notice.Item.ID = protocol.QualifyID(st.scope, fmt.Sprintf("notice_%d", st.noticeSeq))
		st.log.Debug("downgraded reconnect notice", "text", notice.Item.Text)
		return r.recordItem(ctx, st, notice)
	}
	protocol.QualifyEvent(st.scope, ev)

	switch ev.Type {
	case protocol.EventThreadStarted:
		if id := strings.TrimSpace(ev.ThreadID); id != "" {
			if _, err := r.store.SetRemoteThreadIDOnce(ctx, st.key, id); err != nil {
				st.log.Warn("failed to record remote thread id", "error", err)
			}
		}
	case protocol.EventTurnStarted, protocol.EventItemStarted, protocol.EventItemUpdated:
		r.hub.publish(StreamEvent{Key: st.key, RunID: st.runID, Item: ev})
	case protocol.EventItemCompleted:
		return r.recordItem(ctx, st, ev)
	case protocol.EventTurnCompleted:
		return r.finishCompleted(ctx, st, ev)
	case protocol.EventTurnFailed, protocol.EventError:
		return r.failTurn(ctx, st, failureMessage(ev), nil)
	default:
		st.log.Debug("ignoring vendor event", "type", string(ev.Type))
	}
	return nil
}

func (r *turnRunner) recordItem(ctx context.Context, st *turnState, ev *protocol.Event) error {
	item := ev.Item
	if item == nil {
		return nil
	}
	kind := logstore.KindAgentItem
	if item.ItemType == protocol.ItemTypeAgentMessage {
		kind = logstore.KindAgentMessage
		st.sawAgentMessage = true
	}
	raw, err := item.MarshalJSON()
	if err != nil {
		return fmt.Errorf("marshal item %s: %w", item.ID, err)
	}
	stored, err := r.store.Append(ctx, st.key, []logstore.Entry{{
		Kind:   kind,
		ItemID: item.ID,
		Agent: &logstore.AgentPayload{
			Text:     item.Text,
			ItemType: string(item.ItemType),
			Item:     raw,
			RunID:    st.runID,
		},
	}})
	if err != nil {
		return err
	}
	r.publishEntries(st, stored)
	return nil
}

func (r *turnRunner) finishCompleted(ctx context.Context, st *turnState, ev *protocol.Event) error {
	if !st.sawAgentMessage {
		return r.failTurn(ctx, st, "turn completed without an agent message", ErrVendorProtocol)
	}
	st.completed = true

	entries := make([]logstore.Entry, 0, 2)
	if ev.Usage != nil {
		entries = append(entries, logstore.Entry{
			Kind: logstore.KindUsage,
			Agent: &logstore.AgentPayload{
				Usage: &logstore.UsageStats{
					InputTokens:       ev.Usage.InputTokens,
					CachedInputTokens: ev.Usage.CachedInputTokens,
					OutputTokens:      ev.Usage.OutputTokens,
				},
				RunID: st.runID,
			},
		})
	}
	entries = append(entries, logstore.Entry{
		Kind: logstore.KindTurnDuration,
		Agent: &logstore.AgentPayload{
			DurationMs: time.Since(st.startedAt).Milliseconds(),
			RunID:      st.runID,
		},
	})
	stored, err := r.store.Append(ctx, st.key, entries)
	if err != nil {
		return err
	}
	st.terminalRecorded = true
	r.publishEntries(st, stored)
	return nil
}

// failTurn records a vendor-reported failure as a durable error entry and
// latches the turn closed. cause, when set, classifies finishErr.
func (r *turnRunner) failTurn(ctx context.Context, st *turnState, msg string, cause error) error {
	st.completed = true
	if st.finishErr == nil {
		if cause != nil {
			st.finishErr = fmt.Errorf("%w: %s", cause, msg)
		} else {
			st.finishErr = errors.New(msg)
		}
	}
	stored, err := r.store.Append(ctx, st.key, []logstore.Entry{{
		Kind:  logstore.KindTurnError,
		Agent: &logstore.AgentPayload{ErrorMessage: msg, RunID: st.runID},
	}})
	if err != nil {
		return err
	}
	st.terminalRecorded = true
	r.publishEntries(st, stored)
	return nil
}

func (r *turnRunner) synthesizeCompletion(ctx context.Context, st *turnState) error {
	st.completed = true
	st.log.Debug("vendor stream ended before turn.completed, synthesizing completion")
	stored, err := r.store.Append(ctx, st.key, []logstore.Entry{{
		Kind: logstore.KindTurnDuration,
		Agent: &logstore.AgentPayload{
			DurationMs: time.Since(st.startedAt).Milliseconds(),
			RunID:      st.runID,
		},
	}})
	if err != nil {
		return err
	}
	st.terminalRecorded = true
	r.publishEntries(st, stored)
	return nil
}

// recordTurnError persists a failure that never produced its own terminal
// entry, so restarts and readers see why the turn ended. Runs on a fresh
// context: the turn's own context is usually dead by now.
func (r *turnRunner) recordTurnError(st *turnState, cause error) {
	msg := cause.Error()
	if errors.Is(cause, ErrTurnTimeout) {
		msg = fmt.Sprintf("turn timed out after %s", r.turnTimeout)
	}
	stored, err := r.store.Append(context.Background(), st.key, []logstore.Entry{{
		Kind:  logstore.KindTurnError,
		Agent: &logstore.AgentPayload{ErrorMessage: msg, RunID: st.runID},
	}})
	if err != nil {
		st.log.Warn("failed to record turn error", "error", err)
		return
	}
	st.terminalRecorded = true
	r.publishEntries(st, stored)
}

func (r *turnRunner) publishEntries(st *turnState, entries []logstore.Entry) {
	if len(entries) == 0 {
		return
	}
	if st.sink != nil {
		st.sink(entries)
	}
	for i := range entries {
		r.hub.publish(StreamEvent{Key: st.key, RunID: st.runID, Entry: &entries[i]})
	}
}

func failureMessage(ev *protocol.Event) string {
	if ev.Error != nil && strings.TrimSpace(ev.Error.Message) != "" {
		return strings.TrimSpace(ev.Error.Message)
	}
	if strings.TrimSpace(ev.Message) != "" {
		return strings.TrimSpace(ev.Message)
	}
	return "vendor reported a failure"
}

func newTurnEncoder(w io.Writer) *json.Encoder {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return enc
}

func attachmentPaths(refs []logstore.AttachmentRef) []string {
	var out []string
	for _, a := range refs {
		if p := strings.TrimSpace(a.Path); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// userTurn builds the stdin frame for one prompt, carrying the run config
// hints alongside the text.
func userTurn(req turnRequest) protocol.UserTurn {
	turn := protocol.NewUserTurn(req.text, attachmentPaths(req.attachments))
	turn.Model = req.config.ModelID
	turn.Effort = req.config.Effort
	turn.Mode = req.config.Mode
	return turn
}
