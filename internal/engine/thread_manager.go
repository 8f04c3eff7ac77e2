package engine

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/loomworks/loom/internal/engine/logstore"
	"github.com/loomworks/loom/internal/engine/pool"
	"github.com/loomworks/loom/internal/opslog"
	"github.com/loomworks/loom/internal/staging"
)

// spawnResolver builds the subprocess spawn spec for one thread's turn.
type spawnResolver func(ctx context.Context, key logstore.ThreadKey, cfg RunConfig) (pool.SpawnSpec, error)

// threadManager provides per-thread serialization without blocking
// unrelated threads. Workers are created on demand and garbage-collected
// after an idle timeout; the durable state they re-seed from is the store.
type threadManager struct {
	log               *slog.Logger
	store             *storeWorker
	runner            *turnRunner
	hub               *hub
	ops               *opslog.Store
	stage             *staging.Area
	resolveSpawn      spawnResolver
	resolveAttachment AttachmentResolver

	mu      sync.Mutex
	workers map[string]*threadWorker // thread key -> worker
	closed  bool
}

func newThreadManager(log *slog.Logger, store *storeWorker, runner *turnRunner, h *hub, resolveSpawn spawnResolver) *threadManager {
	if log == nil {
		log = slog.Default()
	}
	return &threadManager{
		log:          log.With("component", "thread_manager"),
		store:        store,
		runner:       runner,
		hub:          h,
		resolveSpawn: resolveSpawn,
		workers:      make(map[string]*threadWorker),
	}
}

func (m *threadManager) Get(ctx context.Context, key logstore.ThreadKey) (*threadWorker, error) {
	if m == nil {
		return nil, ErrEngineClosed
	}
	key = key.Normalize()
	if err := key.Validate(); err != nil {
		return nil, err
	}
	id := key.String()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrEngineClosed
	}
	if w := m.workers[id]; w != nil && w.alive() {
		m.mu.Unlock()
		return w, nil
	}
	m.mu.Unlock()

	w := newThreadWorker(m, key)
	if err := m.seed(ctx, w); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrEngineClosed
	}
	if existing := m.workers[id]; existing != nil && existing.alive() {
		m.mu.Unlock()
		return existing, nil
	}
	m.workers[id] = w
	m.mu.Unlock()

	w.start()
	return w, nil
}

// seed loads what a fresh worker starts from: a pause persisted in the
// entry tail, and the recent entries for the optimistic cache. It runs
// before the worker's loop starts, so direct field writes are safe.
func (m *threadManager) seed(ctx context.Context, w *threadWorker) error {
	if _, err := m.store.EnsureThread(ctx, w.key); err != nil {
		return err
	}
	th, err := m.store.GetThread(ctx, w.key)
	if err != nil {
		return err
	}
	if th != nil && th.Status == logstore.StatusQueuedPaused {
		w.paused = true
	}
	page, err := m.store.LoadPage(ctx, w.key, 0, cacheLimit)
	if err != nil {
		return err
	}
	w.cache = page.Entries
	return nil
}

func (m *threadManager) remove(id string, w *threadWorker) {
	if m == nil || strings.TrimSpace(id) == "" || w == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing := m.workers[id]; existing == w {
		delete(m.workers, id)
	}
}

// shut stops one thread's worker if it has one. Store data stays.
func (m *threadManager) shut(id string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	w := m.workers[id]
	delete(m.workers, id)
	m.mu.Unlock()
	if w != nil {
		w.stop()
	}
}

// shutPrefix stops every worker whose thread key starts with prefix,
// e.g. "proj/ws#" for a whole workspace.
func (m *threadManager) shutPrefix(prefix string) {
	if m == nil || prefix == "" {
		return
	}
	m.mu.Lock()
	var ws []*threadWorker
	for id, w := range m.workers {
		if strings.HasPrefix(id, prefix) {
			ws = append(ws, w)
			delete(m.workers, id)
		}
	}
	m.mu.Unlock()
	for _, w := range ws {
		w.stop()
	}
}

func (m *threadManager) Close() {
	if m == nil {
		return
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true

	ws := make([]*threadWorker, 0, len(m.workers))
	for _, w := range m.workers {
		if w != nil {
			ws = append(ws, w)
		}
	}
	m.workers = make(map[string]*threadWorker)
	m.mu.Unlock()

	for _, w := range ws {
		w.stop()
	}
}
