// Package engine runs turns for conversation threads: a per-thread
// orchestrator on top of a durable conversation log, a warm vendor process
// pool, and pluggable turn runners.
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
	"github.com/loomworks/loom/internal/engine/pool"
	"github.com/loomworks/loom/internal/opslog"
	"github.com/loomworks/loom/internal/staging"
)

// VendorProfile describes how to launch one vendor's CLI and which runner
// kind it defaults to when a prompt does not pick one.
type VendorProfile struct {
	Command    string
	Args       []string
	Env        []string
	Workdir    string
	RunnerKind string
}

type Options struct {
	Logger *slog.Logger
	DBPath string

	DefaultVendor string
	Vendors       map[string]VendorProfile

	Anthropic NativeProfile
	OpenAI    NativeProfile

	// Ops journals lifecycle actions (spawns, turn outcomes, pauses).
	// Optional; a nil journal records nothing.
	Ops *opslog.Store

	// ResolveAttachment materializes attachment references submitted with
	// a prompt. Optional; without it such references fail the turn.
	ResolveAttachment AttachmentResolver

	// ResolveWorkdir picks the working directory for a workspace's vendor
	// subprocesses. Optional; the vendor profile's Workdir applies when
	// unset or when the resolver returns an empty path.
	ResolveWorkdir WorkdirResolver

	// Staging receives resolved attachment bytes so vendor subprocesses
	// can read them by path. Optional.
	Staging *staging.Area

	PollInterval time.Duration
	TurnTimeout  time.Duration
	WarmupGrace  time.Duration
}

// Engine is the public face of the turn engine. It owns the store worker,
// the vendor process pool, the subscriber hub, and the per-thread workers,
// and shuts them down together.
type Engine struct {
	log     *slog.Logger
	store   *storeWorker
	pool    *pool.Pool
	hub     *hub
	runner  *turnRunner
	mgr     *threadManager
	ops     *opslog.Store
	staging *staging.Area

	defaultVendor  string
	vendors        map[string]VendorProfile
	resolveWorkdir WorkdirResolver

	closeOnce sync.Once
}

func New(opts Options) (*Engine, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "engine")

	if strings.TrimSpace(opts.DBPath) == "" {
		return nil, errors.New("missing db path")
	}
	st, err := logstore.Open(opts.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open log store: %w", err)
	}

	e := &Engine{
		log:            log,
		hub:            newHub(),
		ops:            opts.Ops,
		staging:        opts.Staging,
		defaultVendor:  strings.TrimSpace(opts.DefaultVendor),
		vendors:        make(map[string]VendorProfile, len(opts.Vendors)),
		resolveWorkdir: opts.ResolveWorkdir,
	}
	for name, p := range opts.Vendors {
		e.vendors[strings.TrimSpace(name)] = p
	}

	e.store = newStoreWorker(log, st)
	e.pool = pool.New(pool.Options{Logger: log, Journal: opts.Ops, WarmupGrace: opts.WarmupGrace})
	e.runner = newTurnRunner(log, e.store, e.pool, e.hub)
	if opts.PollInterval > 0 {
		e.runner.pollInterval = opts.PollInterval
	}
	if opts.TurnTimeout > 0 {
		e.runner.turnTimeout = opts.TurnTimeout
	}
	e.runner.anthropic = opts.Anthropic
	e.runner.openai = opts.OpenAI

	e.mgr = newThreadManager(log, e.store, e.runner, e.hub, e.resolveSpawn)
	e.mgr.ops = opts.Ops
	e.mgr.stage = opts.Staging
	e.mgr.resolveAttachment = opts.ResolveAttachment
	return e, nil
}

// normalizeConfig fills a prompt's run config from the engine defaults:
// the default vendor, then the vendor profile's runner kind. Queued
// prompts persist the result, so later profile edits do not rewrite what
// a user already submitted.
func (e *Engine) normalizeConfig(cfg RunConfig) RunConfig {
	cfg = cfg.Normalize()
	if cfg.Vendor == "" {
		cfg.Vendor = e.defaultVendor
	}
	if cfg.RunnerKind == "" {
		if p, ok := e.vendors[cfg.Vendor]; ok && strings.TrimSpace(p.RunnerKind) != "" {
			cfg.RunnerKind = strings.TrimSpace(strings.ToLower(p.RunnerKind))
		}
	}
	return cfg
}

func (e *Engine) resolveSpawn(ctx context.Context, key logstore.ThreadKey, cfg RunConfig) (pool.SpawnSpec, error) {
	kind := NormalizeRunnerKind(cfg.RunnerKind)
	if kind == RunnerAnthropicAPI || kind == RunnerOpenAIAPI {
		return pool.SpawnSpec{}, nil
	}
	name := strings.TrimSpace(cfg.Vendor)
	if name == "" {
		name = e.defaultVendor
	}
	if name == "" {
		return pool.SpawnSpec{}, errors.New("no vendor configured")
	}
	p, ok := e.vendors[name]
	if !ok || strings.TrimSpace(p.Command) == "" {
		return pool.SpawnSpec{}, fmt.Errorf("unknown vendor %q", name)
	}
	spec := pool.SpawnSpec{
		Command: p.Command,
		Args:    append([]string(nil), p.Args...),
		Workdir: p.Workdir,
		Env:     append([]string(nil), p.Env...),
	}
	if e.resolveWorkdir != nil {
		dir, err := e.resolveWorkdir(ctx, key.ProjectID, key.WorkspaceID)
		if err != nil {
			return pool.SpawnSpec{}, fmt.Errorf("resolve workdir: %w", err)
		}
		if dir = strings.TrimSpace(dir); dir != "" {
			spec.Workdir = dir
		}
	}
	// A vendor that already named this conversation gets asked to resume
	// it instead of opening a fresh one.
	if th, err := e.store.GetThread(ctx, key); err == nil && th != nil {
		spec.ResumeThreadID = strings.TrimSpace(th.RemoteThreadID)
	}
	if e.staging != nil {
		if dir, err := e.staging.ThreadDir(key); err == nil {
			spec.ExtraDirs = append(spec.ExtraDirs, dir)
		}
	}
	return spec, nil
}

// EnsureThread creates the thread row and its opening entry if missing and
// returns the thread's current metadata either way.
func (e *Engine) EnsureThread(ctx context.Context, key logstore.ThreadKey) (*logstore.Thread, error) {
	key = key.Normalize()
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if _, err := e.store.EnsureThread(ctx, key); err != nil {
		return nil, err
	}
	return e.store.GetThread(ctx, key)
}

func (e *Engine) GetThread(ctx context.Context, key logstore.ThreadKey) (*logstore.Thread, error) {
	return e.store.GetThread(ctx, key.Normalize())
}

func (e *Engine) ListThreads(ctx context.Context, projectID, workspaceID string) ([]logstore.Thread, error) {
	return e.store.ListThreads(ctx, projectID, workspaceID)
}

// LoadPage reads one page of the conversation log, newest page first.
// beforeSeq is the inclusive upper bound, zero for the tail page.
func (e *Engine) LoadPage(ctx context.Context, key logstore.ThreadKey, beforeSeq int64, limit int) (logstore.Page, error) {
	return e.store.LoadPage(ctx, key.Normalize(), beforeSeq, limit)
}

// UpdateTitle renames a thread only while its stored title is still the
// expected one or an unset default.
func (e *Engine) UpdateTitle(ctx context.Context, key logstore.ThreadKey, expected, title string) (bool, error) {
	return e.store.UpdateTitleIfMatches(ctx, key.Normalize(), expected, title)
}

// Submit routes a prompt to its thread's worker: it either starts a run
// now or joins the queue, per the thread's state.
func (e *Engine) Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	req.Config = e.normalizeConfig(req.Config)
	w, err := e.mgr.Get(ctx, req.Key)
	if err != nil {
		return SubmitResult{}, err
	}
	return w.Submit(ctx, req)
}

// Cancel stops the named run if it is still the thread's active run.
func (e *Engine) Cancel(ctx context.Context, key logstore.ThreadKey, runID string) error {
	w, err := e.mgr.Get(ctx, key)
	if err != nil {
		return err
	}
	return w.Cancel(ctx, runID)
}

// Resume lifts a pause and starts the queue front when the thread is
// idle. It returns the started run id, empty when nothing started.
func (e *Engine) Resume(ctx context.Context, key logstore.ThreadKey) (string, error) {
	w, err := e.mgr.Get(ctx, key)
	if err != nil {
		return "", err
	}
	return w.Resume(ctx)
}

func (e *Engine) Snapshot(ctx context.Context, key logstore.ThreadKey) (ThreadSnapshot, error) {
	w, err := e.mgr.Get(ctx, key)
	if err != nil {
		return ThreadSnapshot{}, err
	}
	return w.Snapshot(ctx)
}

// Reconcile merges a caller-held entry snapshot against the worker's
// optimistic copy and returns the merged view.
func (e *Engine) Reconcile(ctx context.Context, key logstore.ThreadKey, snapshot []logstore.Entry) ([]logstore.Entry, error) {
	w, err := e.mgr.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	return w.Reconcile(ctx, snapshot)
}

func (e *Engine) ListQueue(ctx context.Context, key logstore.ThreadKey) ([]logstore.QueuedPrompt, error) {
	return e.store.ListQueue(ctx, key.Normalize())
}

func (e *Engine) RemoveQueued(ctx context.Context, key logstore.ThreadKey, promptID int64) (bool, error) {
	return e.store.RemoveQueued(ctx, key.Normalize(), promptID)
}

func (e *Engine) ReorderQueue(ctx context.Context, key logstore.ThreadKey, orderedIDs []int64) error {
	return e.store.ReorderQueue(ctx, key.Normalize(), orderedIDs)
}

// Subscribe registers a callback for entry appends and transient item
// frames across all threads. The returned func unsubscribes.
func (e *Engine) Subscribe(fn Subscriber) func() {
	return e.hub.subscribe(fn)
}

// CloseThread releases a thread's runtime: its worker stops and its
// pooled vendor process, if any, is torn down. The log stays.
func (e *Engine) CloseThread(key logstore.ThreadKey) error {
	key = key.Normalize()
	if err := key.Validate(); err != nil {
		return err
	}
	id := key.String()
	e.mgr.shut(id)
	e.pool.Shutdown(id)
	return nil
}

// DeleteWorkspace removes every thread under the workspace: workers stop,
// pooled processes die, and the rows go away in one transaction.
func (e *Engine) DeleteWorkspace(ctx context.Context, projectID, workspaceID string) error {
	projectID = strings.TrimSpace(projectID)
	workspaceID = strings.TrimSpace(workspaceID)
	if projectID == "" || workspaceID == "" {
		return errors.New("missing project or workspace id")
	}
	prefix := projectID + "/" + workspaceID + "#"
	e.mgr.shutPrefix(prefix)
	e.pool.ShutdownPrefix(prefix)
	if err := e.store.DeleteWorkspace(ctx, projectID, workspaceID); err != nil {
		return err
	}
	if e.staging != nil {
		if err := e.staging.WipeWorkspace(projectID, workspaceID); err != nil {
			e.log.Warn("failed to wipe workspace staging", "project", projectID, "workspace", workspaceID, "error", err)
		}
	}
	return nil
}

// VendorPids lists the live pooled vendor processes, for monitoring.
func (e *Engine) VendorPids() []int {
	return e.pool.Pids()
}

func (e *Engine) Close() {
	if e == nil {
		return
	}
	e.closeOnce.Do(func() {
		e.mgr.Close()
		e.pool.Close()
		e.store.close()
	})
}
