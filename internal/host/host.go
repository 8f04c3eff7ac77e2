// Package host assembles the loom daemon: configuration, the
// single-instance state lock, the ops journal, attachment staging, the
// turn engine, and the resource monitor, behind one Run loop.
package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"golang.org/x/term"

	"github.com/loomworks/loom/internal/config"
	"github.com/loomworks/loom/internal/engine"
	"github.com/loomworks/loom/internal/lockfile"
	"github.com/loomworks/loom/internal/monitor"
	"github.com/loomworks/loom/internal/opslog"
	"github.com/loomworks/loom/internal/staging"
)

// DBFileName is the conversation store file under the state dir.
const DBFileName = "threads.db"

// stagingMaxAge bounds how long staged attachment files outlive their
// turn before the startup prune collects them.
const stagingMaxAge = 7 * 24 * time.Hour

type Options struct {
	Config *config.Config

	// RunnersPath points at the vendor registry file. Empty uses the
	// default location.
	RunnersPath string

	// ResolveAttachment overrides how attachment references become
	// bytes. Nil treats a reference as a local file path.
	ResolveAttachment engine.AttachmentResolver

	// ResolveWorkdir maps a workspace to the directory its vendor
	// subprocesses run in. Nil leaves the vendor profile's Workdir in
	// charge.
	ResolveWorkdir engine.WorkdirResolver

	Version   string
	Commit    string
	BuildTime string
}

// Host owns the daemon's wiring. New acquires the state lock, so at most
// one Host exists per state dir across processes.
type Host struct {
	cfg *config.Config
	log *slog.Logger

	version   string
	commit    string
	buildTime string

	stateDir string
	vendors  map[string]config.RunnerProfile

	lock *lockfile.Lock
	ops  *opslog.Store
	area *staging.Area
	eng  *engine.Engine
	mon  *monitor.Service

	closeOnce sync.Once
}

func New(opts Options) (*Host, error) {
	if opts.Config == nil {
		return nil, errors.New("missing config")
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}

	logger, err := newLogger(opts.Config.LogFormat, opts.Config.LogLevel)
	if err != nil {
		return nil, err
	}

	stateDir := opts.Config.ResolvedStateDir()

	lock, err := lockfile.AcquireState(stateDir)
	if err != nil {
		if errors.Is(err, lockfile.ErrAlreadyLocked) {
			if pid, pidErr := lockfile.ReadPid(filepath.Join(stateDir, lockfile.LockFileName)); pidErr == nil {
				return nil, fmt.Errorf("%w (pid %d)", lockfile.ErrAlreadyLocked, pid)
			}
		}
		return nil, err
	}
	ok := false
	defer func() {
		if !ok {
			_ = lock.Release()
		}
	}()

	ops, err := opslog.New(opslog.Options{Logger: logger, StateDir: stateDir})
	if err != nil {
		return nil, fmt.Errorf("open ops journal: %w", err)
	}

	area, err := staging.New(logger, stateDir)
	if err != nil {
		return nil, fmt.Errorf("open staging area: %w", err)
	}

	runnersPath := strings.TrimSpace(opts.RunnersPath)
	if runnersPath == "" {
		runnersPath = config.DefaultRunnersPath()
	}
	vendors, err := config.LoadRunners(runnersPath)
	if err != nil {
		return nil, err
	}

	resolve := opts.ResolveAttachment
	if resolve == nil {
		resolve = resolveLocalFile
	}

	eng, err := engine.New(engine.Options{
		Logger:        logger,
		DBPath:        filepath.Join(stateDir, DBFileName),
		DefaultVendor: opts.Config.DefaultVendor,
		Vendors:       engineVendors(vendors),
		Anthropic: engine.NativeProfile{
			APIKey:    opts.Config.Anthropic.APIKey,
			BaseURL:   opts.Config.Anthropic.BaseURL,
			Model:     opts.Config.Anthropic.Model,
			MaxTokens: opts.Config.Anthropic.MaxTokens,
			System:    opts.Config.Anthropic.System,
		},
		OpenAI: engine.NativeProfile{
			APIKey:    opts.Config.OpenAI.APIKey,
			BaseURL:   opts.Config.OpenAI.BaseURL,
			Model:     opts.Config.OpenAI.Model,
			MaxTokens: opts.Config.OpenAI.MaxTokens,
			System:    opts.Config.OpenAI.System,
		},
		Ops:               ops,
		ResolveAttachment: resolve,
		ResolveWorkdir:    opts.ResolveWorkdir,
		Staging:           area,
		PollInterval:      time.Duration(opts.Config.PollIntervalMs) * time.Millisecond,
		TurnTimeout:       time.Duration(opts.Config.TurnTimeoutSec) * time.Second,
	})
	if err != nil {
		return nil, err
	}

	h := &Host{
		cfg:       opts.Config,
		log:       logger,
		version:   strings.TrimSpace(opts.Version),
		commit:    strings.TrimSpace(opts.Commit),
		buildTime: strings.TrimSpace(opts.BuildTime),
		stateDir:  stateDir,
		vendors:   vendors,
		lock:      lock,
		ops:       ops,
		area:      area,
		eng:       eng,
	}
	h.mon = monitor.New(logger, eng.VendorPids)

	ok = true
	return h, nil
}

// Run blocks until ctx is canceled, then tears the daemon down: workers
// stop, in-flight turns are canceled, pooled processes exit, the store
// closes, and the state lock is released.
func (h *Host) Run(ctx context.Context) error {
	if h == nil {
		return errors.New("nil host")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	h.log.Info("loomd starting",
		"version", h.version,
		"commit", h.commit,
		"build_time", h.buildTime,
		"state_dir", h.stateDir,
		"default_vendor", h.cfg.DefaultVendor,
		"vendors", len(h.vendors),
		"goos", runtime.GOOS,
		"goarch", runtime.GOARCH,
	)
	h.ops.Append(opslog.Entry{
		Action: opslog.ActionDaemonStarted,
		Pid:    os.Getpid(),
		Detail: map[string]any{"version": h.version},
	})

	if removed, err := h.area.Prune(stagingMaxAge); err != nil {
		h.log.Warn("staging prune failed", "error", err)
	} else if removed > 0 {
		h.log.Info("pruned stale staged attachments", "removed", removed)
	}

	<-ctx.Done()

	h.log.Info("loomd stopping")
	h.ops.Append(opslog.Entry{Action: opslog.ActionDaemonStopped, Pid: os.Getpid()})
	h.Close()
	return ctx.Err()
}

// Close is idempotent and safe after Run has already torn down.
func (h *Host) Close() {
	if h == nil {
		return
	}
	h.closeOnce.Do(func() {
		if h.eng != nil {
			h.eng.Close()
		}
		if h.lock != nil {
			if err := h.lock.Release(); err != nil {
				h.log.Warn("failed to release state lock", "error", err)
			}
		}
	})
}

// Engine exposes the turn engine for embedding applications.
func (h *Host) Engine() *engine.Engine {
	if h == nil {
		return nil
	}
	return h.eng
}

// Monitor exposes the resource monitor.
func (h *Host) Monitor() *monitor.Service {
	if h == nil {
		return nil
	}
	return h.mon
}

// StateDir returns the resolved state directory.
func (h *Host) StateDir() string {
	if h == nil {
		return ""
	}
	return h.stateDir
}

func engineVendors(profiles map[string]config.RunnerProfile) map[string]engine.VendorProfile {
	out := make(map[string]engine.VendorProfile, len(profiles))
	for name, p := range profiles {
		out[name] = engine.VendorProfile{
			Command:    p.Command,
			Args:       append([]string(nil), p.Args...),
			Workdir:    p.Workdir,
			Env:        append([]string(nil), p.Env...),
			RunnerKind: p.Kind,
		}
	}
	return out
}

// resolveLocalFile treats an attachment reference as a path on the local
// filesystem, which is what a CLI submission means by it.
func resolveLocalFile(_ context.Context, ref string) ([]byte, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, errors.New("empty attachment reference")
	}
	return os.ReadFile(ref)
}

func newLogger(format string, level string) (*slog.Logger, error) {
	var lvl slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		lvl = slog.LevelInfo
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level: %s", level)
	}

	opts := &slog.HandlerOptions{Level: lvl}

	format = strings.ToLower(strings.TrimSpace(format))
	if format == "" || format == "auto" {
		if term.IsTerminal(int(os.Stdout.Fd())) {
			format = "text"
		} else {
			format = "json"
		}
	}

	var h slog.Handler
	switch format {
	case "json":
		h = slog.NewJSONHandler(os.Stdout, opts)
	case "text":
		h = slog.NewTextHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unknown log format: %s", format)
	}

	return slog.New(h), nil
}
