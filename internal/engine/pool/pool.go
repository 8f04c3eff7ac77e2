// Package pool keeps at most one warm vendor subprocess per thread key so
// consecutive turns on a thread avoid paying CLI startup cost.
package pool

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/loomworks/loom/internal/engine/protocol"
	"github.com/loomworks/loom/internal/opslog"
)

// ErrProcessNotFound indicates no pooled process exists for the thread key.
// Callers are expected to Ensure before Send/Poll.
var ErrProcessNotFound = errors.New("no pooled process for thread")

// SpawnSpec is everything needed to start (and later respawn) a vendor
// process for one thread.
type SpawnSpec struct {
	Command string
	Args    []string
	Workdir string
	Env     []string

	// ResumeThreadID is the vendor-side conversation to continue when the
	// vendor assigned one on an earlier turn. Passed to the subprocess as
	// LOOM_RESUME_THREAD_ID; turning that into a CLI flag is the vendor
	// wrapper's job.
	ResumeThreadID string

	// ExtraDirs lists directories outside the workdir the vendor is
	// expected to read, such as the staged attachment dir. Passed as
	// LOOM_EXTRA_DIRS, joined with the platform list separator.
	ExtraDirs []string
}

// Environ renders the subprocess environment contribution: the configured
// Env entries followed by the LOOM_* contract variables.
func (s SpawnSpec) Environ() []string {
	env := append([]string(nil), s.Env...)
	if id := strings.TrimSpace(s.ResumeThreadID); id != "" {
		env = append(env, "LOOM_RESUME_THREAD_ID="+id)
	}
	if len(s.ExtraDirs) > 0 {
		env = append(env, "LOOM_EXTRA_DIRS="+strings.Join(s.ExtraDirs, string(os.PathListSeparator)))
	}
	return env
}

// Status is one Poll result: the events drained since the previous Poll,
// whether any of them closed the in-flight turn, and process liveness.
type Status struct {
	Events        []protocol.Event
	TurnCompleted bool
	Alive         bool
}

type Options struct {
	Logger *slog.Logger

	// Journal records spawn/respawn/shutdown events. Optional.
	Journal *opslog.Store

	// WarmupGrace is how long a fresh process must stay up before Ensure
	// considers the spawn successful. Defaults to 250ms.
	WarmupGrace time.Duration
}

type Pool struct {
	log     *slog.Logger
	journal *opslog.Store
	warmup  time.Duration

	mu     sync.Mutex
	slots  map[string]*slot // thread key -> slot
	closed bool

	// startLocks prevents concurrent double-spawns for the same thread key.
	// It intentionally grows with keys and is never pruned to avoid lock
	// lifecycle races.
	startLocks map[string]*sync.Mutex
}

type slot struct {
	proc *proc
	spec SpawnSpec
}

func New(opts Options) *Pool {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	warmup := opts.WarmupGrace
	if warmup <= 0 {
		warmup = 250 * time.Millisecond
	}
	return &Pool{
		log:        logger,
		journal:    opts.Journal,
		warmup:     warmup,
		slots:      make(map[string]*slot),
		startLocks: make(map[string]*sync.Mutex),
	}
}

func (pl *Pool) lockStart(key string) *sync.Mutex {
	k := strings.TrimSpace(key)
	if k == "" {
		// Fallback lock for invalid keys; should not happen because callers validate.
		k = "_"
	}

	pl.mu.Lock()
	lk := pl.startLocks[k]
	if lk == nil {
		lk = &sync.Mutex{}
		pl.startLocks[k] = lk
	}
	pl.mu.Unlock()

	lk.Lock()
	return lk
}

// Ensure starts a vendor process for the key unless a live one already
// exists. The spawn spec is remembered for the single respawn Send may
// perform.
func (pl *Pool) Ensure(key string, spec SpawnSpec) error {
	if pl == nil {
		return errors.New("nil pool")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("missing thread key")
	}
	if strings.TrimSpace(spec.Command) == "" {
		return errors.New("missing spawn command")
	}

	lk := pl.lockStart(key)
	defer lk.Unlock()

	pl.mu.Lock()
	if pl.closed {
		pl.mu.Unlock()
		return errors.New("pool closed")
	}
	existing := pl.slots[key]
	pl.mu.Unlock()

	if existing != nil && existing.proc.alive() {
		// Keep the running process; the new spec takes effect on the next spawn.
		pl.mu.Lock()
		existing.spec = spec
		pl.mu.Unlock()
		return nil
	}

	p, err := pl.spawn(key, spec)
	if err != nil {
		return err
	}

	pl.mu.Lock()
	if pl.closed {
		pl.mu.Unlock()
		p.close()
		return errors.New("pool closed")
	}
	pl.slots[key] = &slot{proc: p, spec: spec}
	pl.mu.Unlock()

	if existing != nil {
		existing.proc.close()
	}
	pl.journal.Append(opslog.Entry{
		Action: opslog.ActionProcessSpawned,
		Thread: key,
		Pid:    p.pid(),
		Detail: map[string]any{"command": spec.Command},
	})
	return nil
}

// Send writes one user turn to the thread's process. A dead process gets
// exactly one respawn from its remembered spec before the send; if that
// spawn fails the error is returned and no further attempt is made.
func (pl *Pool) Send(key string, turn protocol.UserTurn) error {
	if pl == nil {
		return errors.New("nil pool")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("missing thread key")
	}

	lk := pl.lockStart(key)
	defer lk.Unlock()

	pl.mu.Lock()
	sl := pl.slots[key]
	pl.mu.Unlock()
	if sl == nil {
		return fmt.Errorf("%w: %s", ErrProcessNotFound, key)
	}

	if !sl.proc.alive() {
		pl.log.Info("respawning vendor process", "component", "pool", "thread_key", key)
		p, err := pl.spawn(key, sl.spec)
		if err != nil {
			return fmt.Errorf("respawn: %w", err)
		}
		old := sl.proc
		pl.mu.Lock()
		sl.proc = p
		pl.mu.Unlock()
		old.close()
		pl.journal.Append(opslog.Entry{
			Action: opslog.ActionProcessRespawned,
			Thread: key,
			Pid:    p.pid(),
			Detail: map[string]any{"command": sl.spec.Command},
		})
	}

	return sl.proc.send(turn)
}

// Poll drains the events buffered since the last Poll. It never blocks on
// the subprocess.
func (pl *Pool) Poll(key string) (Status, error) {
	if pl == nil {
		return Status{}, errors.New("nil pool")
	}
	key = strings.TrimSpace(key)

	pl.mu.Lock()
	sl := pl.slots[key]
	pl.mu.Unlock()
	if sl == nil {
		return Status{}, fmt.Errorf("%w: %s", ErrProcessNotFound, key)
	}

	pl.mu.Lock()
	p := sl.proc
	pl.mu.Unlock()

	events, terminal := p.drain()
	return Status{
		Events:        events,
		TurnCompleted: terminal,
		Alive:         p.alive(),
	}, nil
}

// Shutdown tears down the thread's process. This is the only path that
// intentionally kills a pooled process; missing keys are a no-op.
func (pl *Pool) Shutdown(key string) {
	if pl == nil {
		return
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return
	}

	lk := pl.lockStart(key)
	defer lk.Unlock()

	pl.mu.Lock()
	sl := pl.slots[key]
	delete(pl.slots, key)
	pl.mu.Unlock()

	if sl != nil {
		pid := sl.proc.pid()
		sl.proc.close()
		pl.journal.Append(opslog.Entry{Action: opslog.ActionProcessShutdown, Thread: key, Pid: pid})
	}
}

// ShutdownPrefix tears down every process whose thread key starts with
// prefix. Used when a workspace is deleted and all of its threads go away.
func (pl *Pool) ShutdownPrefix(prefix string) {
	if pl == nil || strings.TrimSpace(prefix) == "" {
		return
	}
	pl.mu.Lock()
	keys := make([]string, 0, len(pl.slots))
	for key := range pl.slots {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	pl.mu.Unlock()

	for _, key := range keys {
		pl.Shutdown(key)
	}
}

// Close shuts down every pooled process and rejects further Ensure calls.
func (pl *Pool) Close() {
	if pl == nil {
		return
	}
	pl.mu.Lock()
	if pl.closed {
		pl.mu.Unlock()
		return
	}
	pl.closed = true
	keys := make([]string, 0, len(pl.slots))
	for key := range pl.slots {
		keys = append(keys, key)
	}
	pl.mu.Unlock()

	for _, key := range keys {
		pl.Shutdown(key)
	}
}

// Pids lists the live child pids, for resource monitoring.
func (pl *Pool) Pids() []int {
	if pl == nil {
		return nil
	}
	pl.mu.Lock()
	defer pl.mu.Unlock()

	out := make([]int, 0, len(pl.slots))
	for _, sl := range pl.slots {
		if sl != nil && sl.proc.alive() {
			if pid := sl.proc.pid(); pid > 0 {
				out = append(out, pid)
			}
		}
	}
	return out
}

// Count reports how many pooled processes are currently live.
func (pl *Pool) Count() int {
	if pl == nil {
		return 0
	}
	pl.mu.Lock()
	defer pl.mu.Unlock()

	n := 0
	for _, sl := range pl.slots {
		if sl != nil && sl.proc.alive() {
			n++
		}
	}
	return n
}

func (pl *Pool) spawn(key string, spec SpawnSpec) (*proc, error) {
	p, err := startProc(pl.log, key, spec)
	if err != nil {
		return nil, err
	}

	// A process that dies inside the grace window is a failed spawn, not a
	// respawn candidate.
	select {
	case <-p.doneCh:
		p.mu.Lock()
		exitErr := p.exitErr
		p.mu.Unlock()
		p.close()
		if exitErr != nil {
			return nil, fmt.Errorf("vendor process exited during startup: %v", exitErr)
		}
		return nil, errors.New("vendor process exited during startup")
	case <-time.After(pl.warmup):
	}
	return p, nil
}
