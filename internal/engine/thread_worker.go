package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loomworks/loom/internal/engine/logstore"
	"github.com/loomworks/loom/internal/opslog"
	"github.com/loomworks/loom/internal/staging"
)

const (
	workerIdleTimeout = 10 * time.Minute
	cacheLimit        = 200
)

type cmdSubmit struct {
	ctx  context.Context
	req  SubmitRequest
	resp chan submitResult
}

type submitResult struct {
	res SubmitResult
	err error
}

type cmdCancel struct {
	ctx   context.Context
	runID string
	resp  chan error
}

type cmdResume struct {
	ctx  context.Context
	resp chan resumeResult
}

type resumeResult struct {
	runID string
	err   error
}

type cmdReconcile struct {
	snapshot []logstore.Entry
	resp     chan []logstore.Entry
}

type cmdSnapshot struct {
	ctx  context.Context
	resp chan ThreadSnapshot
}

type cmdTurnFinished struct {
	runID string
	err   error
}

type cmdCacheAppend struct {
	runID   string
	entries []logstore.Entry
}

// threadWorker serializes everything that happens to one thread: prompt
// submission, the run/queue state machine, cancellation, and the
// optimistic entry cache. All state below the inbox is owned by the loop
// goroutine and never touched from outside it.
type threadWorker struct {
	mgr *threadManager
	log *slog.Logger
	key logstore.ThreadKey

	store             *storeWorker
	runner            *turnRunner
	hub               *hub
	ops               *opslog.Store
	stage             *staging.Area
	resolveSpawn      spawnResolver
	resolveAttachment AttachmentResolver

	inbox  chan any
	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once

	// loop-owned state
	state       RunState
	activeRunID string
	paused      bool
	runCounter  int64
	cancelRun   context.CancelFunc
	cache       []logstore.Entry
}

func newThreadWorker(mgr *threadManager, key logstore.ThreadKey) *threadWorker {
	return &threadWorker{
		mgr:               mgr,
		log:               mgr.log.With("thread", key.String()),
		key:               key,
		store:             mgr.store,
		runner:            mgr.runner,
		hub:               mgr.hub,
		ops:               mgr.ops,
		stage:             mgr.stage,
		resolveSpawn:      mgr.resolveSpawn,
		resolveAttachment: mgr.resolveAttachment,
		inbox:             make(chan any, 128),
		stopCh:            make(chan struct{}),
		doneCh:            make(chan struct{}),
		state:             RunStateIdle,
	}
}

func (a *threadWorker) alive() bool {
	if a == nil {
		return false
	}
	select {
	case <-a.doneCh:
		return false
	default:
		return true
	}
}

func (a *threadWorker) start() {
	if a == nil {
		return
	}
	go a.loop()
}

func (a *threadWorker) stop() {
	if a == nil {
		return
	}
	a.once.Do(func() {
		close(a.stopCh)
	})
	<-a.doneCh
}

// post delivers a command from a turn goroutine without wedging it if the
// worker is already stopped.
func (a *threadWorker) post(cmd any) {
	select {
	case a.inbox <- cmd:
	case <-a.stopCh:
	}
}

func (a *threadWorker) Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	if a == nil {
		return SubmitResult{}, errors.New("thread worker not ready")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ch := make(chan submitResult, 1)
	cmd := cmdSubmit{ctx: ctx, req: req, resp: ch}

	select {
	case <-a.stopCh:
		return SubmitResult{}, ErrEngineClosed
	case <-ctx.Done():
		return SubmitResult{}, ctx.Err()
	case a.inbox <- cmd:
	}

	select {
	case <-a.stopCh:
		return SubmitResult{}, ErrEngineClosed
	case <-ctx.Done():
		return SubmitResult{}, ctx.Err()
	case res := <-ch:
		return res.res, res.err
	}
}

func (a *threadWorker) Cancel(ctx context.Context, runID string) error {
	if a == nil {
		return errors.New("thread worker not ready")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ch := make(chan error, 1)
	cmd := cmdCancel{ctx: ctx, runID: runID, resp: ch}

	select {
	case <-a.stopCh:
		return ErrEngineClosed
	case <-ctx.Done():
		return ctx.Err()
	case a.inbox <- cmd:
	}

	select {
	case <-a.stopCh:
		return ErrEngineClosed
	case <-ctx.Done():
		return ctx.Err()
	case err := <-ch:
		return err
	}
}

// Resume clears the pause and, when the thread is idle with queued
// prompts, starts the queue front. It returns the started run id, empty
// when nothing started.
func (a *threadWorker) Resume(ctx context.Context) (string, error) {
	if a == nil {
		return "", errors.New("thread worker not ready")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ch := make(chan resumeResult, 1)
	cmd := cmdResume{ctx: ctx, resp: ch}

	select {
	case <-a.stopCh:
		return "", ErrEngineClosed
	case <-ctx.Done():
		return "", ctx.Err()
	case a.inbox <- cmd:
	}

	select {
	case <-a.stopCh:
		return "", ErrEngineClosed
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		return res.runID, res.err
	}
}

// Reconcile merges an externally held entry snapshot with the worker's
// cache and returns the merged view.
func (a *threadWorker) Reconcile(ctx context.Context, snapshot []logstore.Entry) ([]logstore.Entry, error) {
	if a == nil {
		return nil, errors.New("thread worker not ready")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ch := make(chan []logstore.Entry, 1)
	cmd := cmdReconcile{snapshot: snapshot, resp: ch}

	select {
	case <-a.stopCh:
		return nil, ErrEngineClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	case a.inbox <- cmd:
	}

	select {
	case <-a.stopCh:
		return nil, ErrEngineClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	case entries := <-ch:
		return entries, nil
	}
}

func (a *threadWorker) Snapshot(ctx context.Context) (ThreadSnapshot, error) {
	if a == nil {
		return ThreadSnapshot{}, errors.New("thread worker not ready")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ch := make(chan ThreadSnapshot, 1)
	cmd := cmdSnapshot{ctx: ctx, resp: ch}

	select {
	case <-a.stopCh:
		return ThreadSnapshot{}, ErrEngineClosed
	case <-ctx.Done():
		return ThreadSnapshot{}, ctx.Err()
	case a.inbox <- cmd:
	}

	select {
	case <-a.stopCh:
		return ThreadSnapshot{}, ErrEngineClosed
	case <-ctx.Done():
		return ThreadSnapshot{}, ctx.Err()
	case snap := <-ch:
		return snap, nil
	}
}

func (a *threadWorker) loop() {
	defer close(a.doneCh)
	defer func() {
		if a.cancelRun != nil {
			a.cancelRun()
		}
		if a.mgr != nil {
			a.mgr.remove(a.key.String(), a)
		}
	}()

	idleTimer := time.NewTimer(workerIdleTimeout)
	defer idleTimer.Stop()

	resetIdle := func() {
		if !idleTimer.Stop() {
			select {
			case <-idleTimer.C:
			default:
			}
		}
		idleTimer.Reset(workerIdleTimeout)
	}

	for {
		select {
		case <-a.stopCh:
			return
		case <-idleTimer.C:
			// A running turn posts cmdTurnFinished to this inbox later;
			// the loop must outlive it.
			if a.state == RunStateRunning {
				resetIdle()
				continue
			}
			return
		case raw := <-a.inbox:
			resetIdle()
			switch cmd := raw.(type) {
			case cmdSubmit:
				res, err := a.handleSubmit(cmd.ctx, cmd.req)
				cmd.resp <- submitResult{res: res, err: err}
			case cmdCancel:
				cmd.resp <- a.handleCancel(cmd.ctx, cmd.runID)
			case cmdResume:
				rid, err := a.handleResume(cmd.ctx)
				cmd.resp <- resumeResult{runID: rid, err: err}
			case cmdReconcile:
				cmd.resp <- a.handleReconcile(cmd.snapshot)
			case cmdSnapshot:
				cmd.resp <- a.handleSnapshot(cmd.ctx)
			case cmdTurnFinished:
				a.handleTurnFinished(cmd)
			case cmdCacheAppend:
				a.handleCacheAppend(cmd)
			}
		}
	}
}

// handleSubmit decides what a new prompt does: join the queue while a run
// is active or the queue is paused, or start a run now. When the thread is
// idle with waiting prompts, FIFO order holds: the new prompt joins the
// tail and the queue front runs.
func (a *threadWorker) handleSubmit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return SubmitResult{}, errors.New("empty prompt")
	}
	cfg := req.Config.Normalize()

	if a.state == RunStateRunning {
		return a.enqueue(ctx, text, req.Attachments, cfg)
	}

	queue, err := a.store.ListQueue(ctx, a.key)
	if err != nil {
		return SubmitResult{}, err
	}
	if len(queue) > 0 {
		res, err := a.enqueue(ctx, text, req.Attachments, cfg)
		if err != nil {
			return SubmitResult{}, err
		}
		if !a.paused {
			a.startQueuedFront(ctx)
		}
		return res, nil
	}

	// Idle with an empty queue: a stale pause has nothing left to hold.
	a.paused = false
	rid, err := a.startTurn(ctx, text, req.Attachments, cfg)
	if err != nil {
		return SubmitResult{}, err
	}
	return SubmitResult{RunID: rid}, nil
}

func (a *threadWorker) enqueue(ctx context.Context, text string, attachments []logstore.AttachmentRef, cfg RunConfig) (SubmitResult, error) {
	qp, err := a.store.EnqueuePrompt(ctx, a.key, text, attachments, cfg.marshal())
	if err != nil {
		return SubmitResult{}, err
	}
	return SubmitResult{Queued: true, PromptID: qp.PromptID}, nil
}

// stageAttachments materializes bytes for refs that do not already name a
// file. Staged paths live under the state dir and are what the vendor
// reads; they are scratch space, not part of the durable log.
func (a *threadWorker) stageAttachments(ctx context.Context, refs []logstore.AttachmentRef) ([]logstore.AttachmentRef, error) {
	if len(refs) == 0 {
		return nil, nil
	}
	out := make([]logstore.AttachmentRef, len(refs))
	copy(out, refs)
	for i := range out {
		if strings.TrimSpace(out[i].Path) != "" || strings.TrimSpace(out[i].Ref) == "" {
			continue
		}
		if a.resolveAttachment == nil {
			return nil, fmt.Errorf("attachment %q: no attachment resolver configured", out[i].Name)
		}
		if a.stage == nil {
			return nil, fmt.Errorf("attachment %q: no staging area configured", out[i].Name)
		}
		data, err := a.resolveAttachment(ctx, out[i].Ref)
		if err != nil {
			return nil, fmt.Errorf("resolve attachment %q: %w", out[i].Name, err)
		}
		path, err := a.stage.Stage(a.key, out[i].Name, data)
		if err != nil {
			return nil, fmt.Errorf("stage attachment %q: %w", out[i].Name, err)
		}
		out[i].Path = path
	}
	return out, nil
}

// startTurn appends the user message, flips the thread to running, and
// launches the runner goroutine. The run context is detached from the
// submitting caller: a turn outlives the request that started it.
func (a *threadWorker) startTurn(ctx context.Context, text string, attachments []logstore.AttachmentRef, cfg RunConfig) (string, error) {
	a.runCounter++
	rid := runID(a.runCounter)

	stored, err := a.store.Append(ctx, a.key, []logstore.Entry{{
		Kind: logstore.KindUserMessage,
		User: &logstore.UserPayload{Text: text, Attachments: attachments},
	}})
	if err != nil {
		return "", err
	}
	a.appendCache(stored)
	a.publish(rid, stored)

	attachments, err = a.stageAttachments(ctx, attachments)
	if err != nil {
		a.recordStartFailure(ctx, rid, err)
		return "", err
	}

	spawn, err := a.resolveSpawn(ctx, a.key, cfg)
	if err != nil {
		a.recordStartFailure(ctx, rid, err)
		return "", err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	a.state = RunStateRunning
	a.activeRunID = rid
	a.cancelRun = cancel

	treq := turnRequest{
		key:         a.key,
		runID:       rid,
		scope:       newTurnScope(),
		text:        text,
		attachments: attachments,
		config:      cfg,
		spawn:       spawn,
		sink: func(entries []logstore.Entry) {
			a.post(cmdCacheAppend{runID: rid, entries: entries})
		},
	}
	go func() {
		err := a.runner.Run(runCtx, treq)
		a.post(cmdTurnFinished{runID: rid, err: err})
	}()
	a.ops.Append(opslog.Entry{
		Action: opslog.ActionTurnStarted,
		Thread: a.key.String(),
		RunID:  rid,
		Vendor: cfg.Vendor,
	})
	return rid, nil
}

func (a *threadWorker) recordStartFailure(ctx context.Context, rid string, cause error) {
	a.paused = true
	a.ops.Append(opslog.Entry{
		Action: opslog.ActionTurnFailed,
		Thread: a.key.String(),
		RunID:  rid,
		Error:  opslog.SanitizeError(cause),
	})
	a.ops.Append(opslog.Entry{Action: opslog.ActionQueuePaused, Thread: a.key.String(), RunID: rid})
	stored, err := a.store.Append(ctx, a.key, []logstore.Entry{{
		Kind:  logstore.KindTurnError,
		Agent: &logstore.AgentPayload{ErrorMessage: cause.Error(), RunID: rid},
	}})
	if err != nil {
		a.log.Warn("failed to record start failure", "error", err)
		return
	}
	a.appendCache(stored)
	a.publish(rid, stored)
}

func (a *threadWorker) startQueuedFront(ctx context.Context) {
	front, err := a.store.PopQueueFront(ctx, a.key)
	if err != nil {
		a.log.Warn("failed to pop queue front", "error", err)
		return
	}
	if front == nil {
		return
	}
	if _, err := a.startTurn(ctx, front.Text, front.Attachments, runConfigFromJSON(front.RunConfig)); err != nil {
		a.log.Warn("failed to start queued prompt", "prompt_id", front.PromptID, "error", err)
	}
}

// handleCancel stops the active run if and only if the caller names it.
// The pooled subprocess stays up; only the turn's context is cut.
func (a *threadWorker) handleCancel(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if a.state != RunStateRunning || id == "" || id != a.activeRunID {
		return ErrStaleRun
	}
	if a.cancelRun != nil {
		a.cancelRun()
	}
	a.state = RunStateIdle
	a.activeRunID = ""
	a.cancelRun = nil
	a.paused = true
	a.ops.Append(opslog.Entry{Action: opslog.ActionTurnCanceled, Thread: a.key.String(), RunID: id})
	a.ops.Append(opslog.Entry{Action: opslog.ActionQueuePaused, Thread: a.key.String(), RunID: id})

	stored, err := a.store.Append(ctx, a.key, []logstore.Entry{{
		Kind:  logstore.KindTurnCanceled,
		Agent: &logstore.AgentPayload{RunID: id},
	}})
	if err != nil {
		return err
	}
	a.appendCache(stored)
	a.publish(id, stored)
	return nil
}

func (a *threadWorker) handleResume(ctx context.Context) (string, error) {
	if a.paused {
		a.ops.Append(opslog.Entry{Action: opslog.ActionQueueResumed, Thread: a.key.String()})
	}
	a.paused = false
	if a.state != RunStateIdle {
		return "", nil
	}
	front, err := a.store.PopQueueFront(ctx, a.key)
	if err != nil {
		return "", err
	}
	if front == nil {
		return "", nil
	}
	return a.startTurn(ctx, front.Text, front.Attachments, runConfigFromJSON(front.RunConfig))
}

func (a *threadWorker) handleReconcile(snapshot []logstore.Entry) []logstore.Entry {
	a.cache = reconcileEntries(a.cache, snapshot)
	return append([]logstore.Entry(nil), a.cache...)
}

func (a *threadWorker) handleSnapshot(ctx context.Context) ThreadSnapshot {
	queueLen := 0
	if queue, err := a.store.ListQueue(ctx, a.key); err == nil {
		queueLen = len(queue)
	}
	return ThreadSnapshot{
		Key:      a.key,
		State:    a.state,
		RunID:    a.activeRunID,
		Paused:   a.paused,
		QueueLen: queueLen,
		Entries:  append([]logstore.Entry(nil), a.cache...),
	}
}

// handleTurnFinished consumes a run result. Results for runs that are no
// longer active (canceled, replaced) are discarded. A failed run pauses
// the queue; a clean run drains the next prompt unless paused.
func (a *threadWorker) handleTurnFinished(cmd cmdTurnFinished) {
	if a.state != RunStateRunning || cmd.runID != a.activeRunID {
		a.log.Debug("discarding stale run result", "run_id", cmd.runID)
		return
	}
	a.state = RunStateIdle
	a.activeRunID = ""
	a.cancelRun = nil

	a.refreshCache()

	if cmd.err != nil {
		if !errors.Is(cmd.err, context.Canceled) {
			a.log.Warn("turn failed", "run_id", cmd.runID, "error", cmd.err)
		}
		a.paused = true
		a.ops.Append(opslog.Entry{
			Action: opslog.ActionTurnFailed,
			Thread: a.key.String(),
			RunID:  cmd.runID,
			Error:  opslog.SanitizeError(cmd.err),
		})
		a.ops.Append(opslog.Entry{Action: opslog.ActionQueuePaused, Thread: a.key.String(), RunID: cmd.runID})
		return
	}
	a.ops.Append(opslog.Entry{Action: opslog.ActionTurnCompleted, Thread: a.key.String(), RunID: cmd.runID})
	if a.paused {
		return
	}
	a.startQueuedFront(context.Background())
}

func (a *threadWorker) handleCacheAppend(cmd cmdCacheAppend) {
	if cmd.runID != a.activeRunID {
		return
	}
	a.appendCache(cmd.entries)
}

func (a *threadWorker) appendCache(entries []logstore.Entry) {
	if len(entries) == 0 {
		return
	}
	a.cache = append(a.cache, entries...)
	if n := len(a.cache) - cacheLimit; n > 0 {
		a.cache = append([]logstore.Entry(nil), a.cache[n:]...)
	}
}

// refreshCache reconciles the optimistic copy against the durable tail.
// The page wins only when the cache is cleanly contained in it.
func (a *threadWorker) refreshCache() {
	page, err := a.store.LoadPage(context.Background(), a.key, 0, cacheLimit)
	if err != nil {
		a.log.Warn("failed to refresh entry cache", "error", err)
		return
	}
	a.cache = reconcileEntries(a.cache, page.Entries)
}

func (a *threadWorker) publish(rid string, entries []logstore.Entry) {
	for i := range entries {
		a.hub.publish(StreamEvent{Key: a.key, RunID: rid, Entry: &entries[i]})
	}
}
