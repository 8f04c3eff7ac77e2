package host

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/loomworks/loom/internal/config"
	"github.com/loomworks/loom/internal/lockfile"
	"github.com/loomworks/loom/internal/opslog"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.StateDir = filepath.Join(t.TempDir(), "state")
	cfg.LogFormat = "json"
	cfg.LogLevel = "error"
	return cfg
}

func testOptions(cfg *config.Config) Options {
	return Options{
		Config:      cfg,
		RunnersPath: filepath.Join(cfg.StateDir, "runners.yaml"),
		Version:     "test",
	}
}

func TestNewHoldsStateLock(t *testing.T) {
	cfg := testConfig(t)

	h, err := New(testOptions(cfg))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := New(testOptions(cfg)); !errors.Is(err, lockfile.ErrAlreadyLocked) {
		t.Fatalf("second host on the same state dir: err = %v, want ErrAlreadyLocked", err)
	}

	h.Close()
	h2, err := New(testOptions(cfg))
	if err != nil {
		t.Fatalf("New after close: %v", err)
	}
	h2.Close()
}

func TestRunStopsOnCancelAndJournals(t *testing.T) {
	cfg := testConfig(t)
	h, err := New(testOptions(cfg))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not stop on cancel")
	}

	ops, err := opslog.New(opslog.Options{
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		StateDir: h.StateDir(),
	})
	if err != nil {
		t.Fatalf("open ops journal: %v", err)
	}
	entries, err := ops.List(20)
	if err != nil {
		t.Fatalf("list ops journal: %v", err)
	}
	if len(entries) < 2 {
		t.Fatalf("ops journal has %d entries, want at least 2", len(entries))
	}
	if entries[0].Action != opslog.ActionDaemonStopped {
		t.Fatalf("newest ops entry = %q, want %q", entries[0].Action, opslog.ActionDaemonStopped)
	}
	started := false
	for _, e := range entries {
		if e.Action == opslog.ActionDaemonStarted {
			started = true
		}
	}
	if !started {
		t.Fatalf("ops journal is missing a %q entry", opslog.ActionDaemonStarted)
	}

	// Run released the lock on the way out.
	l, err := lockfile.AcquireState(h.StateDir())
	if err != nil {
		t.Fatalf("state lock still held after Run: %v", err)
	}
	_ = l.Release()
}

func TestRunPrunesStaleStaging(t *testing.T) {
	cfg := testConfig(t)

	stale := filepath.Join(cfg.StateDir, "staging", "proj", "ws", "1", "old.txt")
	if err := os.MkdirAll(filepath.Dir(stale), 0o700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(stale, []byte("old"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	past := time.Now().Add(-30 * 24 * time.Hour)
	if err := os.Chtimes(stale, past, past); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	h, err := New(testOptions(cfg))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := h.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run returned %v, want context.Canceled", err)
	}

	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatalf("stale staged file survived the startup prune: %v", err)
	}
}

func TestResolveLocalFile(t *testing.T) {
	t.Parallel()

	p := filepath.Join(t.TempDir(), "a.txt")
	if err := os.WriteFile(p, []byte("bytes"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	data, err := resolveLocalFile(context.Background(), "  "+p+"  ")
	if err != nil {
		t.Fatalf("resolveLocalFile: %v", err)
	}
	if string(data) != "bytes" {
		t.Fatalf("resolved contents = %q", data)
	}

	if _, err := resolveLocalFile(context.Background(), "   "); err == nil {
		t.Fatalf("expected an error for an empty reference")
	}
}

func TestEngineVendorsMapsProfiles(t *testing.T) {
	t.Parallel()

	in := map[string]config.RunnerProfile{
		"claude": {
			Kind:    config.RunnerKindOneShot,
			Command: "claude",
			Args:    []string{"-p"},
			Env:     []string{"A=1"},
		},
		"anthropic": {Kind: config.RunnerKindAnthropicAPI},
	}
	out := engineVendors(in)

	c, ok := out["claude"]
	if !ok {
		t.Fatalf("claude profile missing")
	}
	if c.Command != "claude" || c.RunnerKind != config.RunnerKindOneShot {
		t.Fatalf("claude profile mapped wrong: %+v", c)
	}

	// Mapped slices are copies, not aliases.
	src := in["claude"]
	src.Args[0] = "mutated"
	if c.Args[0] != "-p" {
		t.Fatalf("mapped args alias the source slice")
	}

	if a := out["anthropic"]; a.Command != "" || a.RunnerKind != config.RunnerKindAnthropicAPI {
		t.Fatalf("anthropic profile mapped wrong: %+v", a)
	}
}
