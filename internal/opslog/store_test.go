package opslog

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestStore(t *testing.T, mods ...func(*Options)) *Store {
	t.Helper()
	opts := Options{
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		StateDir: t.TempDir(),
	}
	for _, mod := range mods {
		mod(&opts)
	}
	s, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestAppendAndListNewestFirst(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	s.Append(Entry{Action: ActionTurnStarted, Thread: "proj/ws#1", RunID: "run_1", Vendor: "codex"})
	s.Append(Entry{Action: ActionTurnCompleted, Thread: "proj/ws#1", RunID: "run_1"})
	s.Append(Entry{Action: ActionTurnFailed, Thread: "proj/ws#1", RunID: "run_2", Error: "boom"})

	entries, err := s.List(10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("List returned %d entries, want 3", len(entries))
	}
	if entries[0].Action != ActionTurnFailed || entries[2].Action != ActionTurnStarted {
		t.Fatalf("wrong order: %s .. %s", entries[0].Action, entries[2].Action)
	}
	if entries[0].Status != "failure" {
		t.Fatalf("entry with error has status %q, want failure", entries[0].Status)
	}
	if entries[1].Status != "success" {
		t.Fatalf("entry without error has status %q, want success", entries[1].Status)
	}
	if entries[2].CreatedAt == "" {
		t.Fatalf("created_at not stamped")
	}
}

func TestListHonorsLimit(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	for i := 0; i < 20; i++ {
		s.Append(Entry{Action: ActionProcessSpawned, Pid: 1000 + i})
	}
	entries, err := s.List(5)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 5 {
		t.Fatalf("List returned %d entries, want 5", len(entries))
	}
	if entries[0].Pid != 1019 {
		t.Fatalf("newest entry pid = %d, want 1019", entries[0].Pid)
	}
}

func TestRotationKeepsBoundedBackups(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s := newTestStore(t, func(o *Options) {
		o.StateDir = dir
		o.MaxBytes = 256
		o.MaxBackups = 2
	})

	long := strings.Repeat("x", 120)
	for i := 0; i < 40; i++ {
		s.Append(Entry{Action: ActionTurnCompleted, Thread: "proj/ws#1", Detail: map[string]any{"pad": long}})
	}

	ents, err := os.ReadDir(filepath.Join(dir, "ops"))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	rotated := 0
	active := false
	for _, ent := range ents {
		name := ent.Name()
		switch {
		case name == "events.jsonl":
			active = true
		case strings.HasPrefix(name, "events-") && strings.HasSuffix(name, ".jsonl"):
			rotated++
		}
	}
	if !active {
		t.Fatalf("active journal missing")
	}
	if rotated > 2 {
		t.Fatalf("rotated backups = %d, want <= 2", rotated)
	}

	// Listing spans the active file and backups.
	entries, err := s.List(1000)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) == 0 {
		t.Fatalf("List returned nothing after rotation")
	}
}

func TestAppendOnNilStoreIsSafe(t *testing.T) {
	t.Parallel()

	var s *Store
	s.Append(Entry{Action: ActionDaemonStarted})
	if entries, err := s.List(10); err != nil || entries != nil {
		t.Fatalf("nil store List = %v, %v", entries, err)
	}
}

func TestSkipsMalformedLines(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s := newTestStore(t, func(o *Options) { o.StateDir = dir })
	s.Append(Entry{Action: ActionDaemonStarted})

	path := filepath.Join(dir, "ops", "events.jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	if _, err := f.WriteString("{not json\n"); err != nil {
		t.Fatalf("WriteString: %v", err)
	}
	f.Close()
	s.Append(Entry{Action: ActionDaemonStopped})

	entries, err := s.List(10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("List returned %d entries, want 2", len(entries))
	}
}

func TestSanitizeError(t *testing.T) {
	t.Parallel()

	if got := SanitizeError(nil); got != "" {
		t.Fatalf("SanitizeError(nil) = %q", got)
	}
	got := SanitizeError(errors.New(" line one\nline two\r\n "))
	if strings.ContainsAny(got, "\r\n") {
		t.Fatalf("SanitizeError kept newlines: %q", got)
	}
	long := SanitizeError(errors.New(strings.Repeat("a", 500)))
	if len(long) > 250 || !strings.HasSuffix(long, "...") {
		t.Fatalf("SanitizeError did not bound length: %d", len(long))
	}
}
