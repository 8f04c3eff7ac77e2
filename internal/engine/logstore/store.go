package logstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Store is the SQLite-backed conversation log: append-only entries plus
// thread metadata and the persisted prompt queue.
//
// Notes:
//   - WAL is enabled so observers can read while a turn is streaming writes.
//   - The store has no internal locking. Callers serialize access through a
//     single worker goroutine; the store only guarantees that each call is
//     atomic on disk.
type Store struct {
	db *sql.DB
}

// DefaultTitle is the placeholder installed on thread creation. Title
// updates treat it as "unset".
const DefaultTitle = "New task"

var (
	// ErrConversationNotFound indicates the thread key was never created.
	ErrConversationNotFound = errors.New("conversation not found")
)

func Open(path string) (*Store, error) {
	p := filepath.Clean(strings.TrimSpace(path))
	if p == "" {
		return nil, errors.New("missing db path")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &Store{db: db}, nil
}

// OpenReadOnly opens an existing store for out-of-process inspection while
// a daemon may be writing. WAL keeps such reads consistent. No migrations
// run: the on-disk schema version must match this build exactly, and a
// missing file is an error rather than a fresh store.
func OpenReadOnly(path string) (*Store, error) {
	p := filepath.Clean(strings.TrimSpace(path))
	if p == "" {
		return nil, errors.New("missing db path")
	}
	if _, err := os.Stat(p); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", "file:"+p+"?mode=ro")
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=3000;`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pragma busy_timeout: %w", err)
	}
	var v int
	if err := db.QueryRow(`PRAGMA user_version;`).Scan(&v); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pragma user_version: %w", err)
	}
	if v != targetSchemaVersion {
		_ = db.Close()
		return nil, fmt.Errorf("db schema version %d does not match supported %d", v, targetSchemaVersion)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// EnsureThread creates the thread row if it does not exist. The first
// creation also writes the synthetic TaskCreated system entry; repeat calls
// are no-ops.
func (s *Store) EnsureThread(ctx context.Context, key ThreadKey) (bool, error) {
	if s == nil || s.db == nil {
		return false, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	key = key.Normalize()
	if err := key.Validate(); err != nil {
		return false, err
	}

	now := time.Now().UnixMilli()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
INSERT OR IGNORE INTO threads(
  project_id, workspace_id, thread_num,
  remote_thread_id, title, next_prompt_id,
  created_at_unix_ms, updated_at_unix_ms
) VALUES(?, ?, ?, '', ?, 0, ?, ?)
`, key.ProjectID, key.WorkspaceID, key.ThreadNum, DefaultTitle, now, now)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	created := n > 0

	if created {
		entry := Entry{
			EntryID:         "e_1",
			Seq:             1,
			Kind:            KindTaskCreated,
			CreatedAtUnixMs: now,
			System:          &SystemPayload{AtUnixMs: now},
		}
		raw, err := json.Marshal(entry)
		if err != nil {
			return false, err
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO entries(
  project_id, workspace_id, thread_num,
  seq, entry_id, kind, item_id, created_at_unix_ms, entry_json
) VALUES(?, ?, ?, ?, ?, ?, '', ?, ?)
`, key.ProjectID, key.WorkspaceID, key.ThreadNum, entry.Seq, entry.EntryID, string(entry.Kind), entry.CreatedAtUnixMs, string(raw)); err != nil {
			return false, err
		}
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	return created, nil
}

// GetThread returns the thread metadata with the derived status fields, or
// (nil, nil) when the key is unknown.
func (s *Store) GetThread(ctx context.Context, key ThreadKey) (*Thread, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	key = key.Normalize()
	if err := key.Validate(); err != nil {
		return nil, err
	}

	var t Thread
	t.Key = key
	err := s.db.QueryRowContext(ctx, `
SELECT remote_thread_id, title, created_at_unix_ms, updated_at_unix_ms
FROM threads
WHERE project_id = ? AND workspace_id = ? AND thread_num = ?
`, key.ProjectID, key.WorkspaceID, key.ThreadNum).Scan(
		&t.RemoteThreadID,
		&t.Title,
		&t.CreatedAtUnixMs,
		&t.UpdatedAtUnixMs,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	if err := s.db.QueryRowContext(ctx, `
SELECT COUNT(1) FROM entries
WHERE project_id = ? AND workspace_id = ? AND thread_num = ?
`, key.ProjectID, key.WorkspaceID, key.ThreadNum).Scan(&t.EntryCount); err != nil {
		return nil, err
	}

	var queueLen int
	if err := s.db.QueryRowContext(ctx, `
SELECT COUNT(1) FROM queued_prompts
WHERE project_id = ? AND workspace_id = ? AND thread_num = ?
`, key.ProjectID, key.WorkspaceID, key.ThreadNum).Scan(&queueLen); err != nil {
		return nil, err
	}
	t.QueueLen = queueLen

	kinds, err := s.lastStatusMarker(ctx, key)
	if err != nil {
		return nil, err
	}
	t.Status, t.LastRunResult = deriveStatus(kinds, queueLen)

	return &t, nil
}

// lastStatusMarker returns the thread's newest status-deciding entry kind,
// or an empty slice when none exists. Item and usage entries are filtered
// out in SQL, so a turn that has streamed any number of items since its
// user message still derives as running.
func (s *Store) lastStatusMarker(ctx context.Context, key ThreadKey) ([]EntryKind, error) {
	var k string
	err := s.db.QueryRowContext(ctx, `
SELECT kind FROM entries
WHERE project_id = ? AND workspace_id = ? AND thread_num = ?
  AND kind IN (?, ?, ?, ?)
ORDER BY seq DESC
LIMIT 1
`, key.ProjectID, key.WorkspaceID, key.ThreadNum,
		string(KindUserMessage), string(KindTurnDuration), string(KindTurnError), string(KindTurnCanceled)).Scan(&k)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return []EntryKind{EntryKind(strings.TrimSpace(k))}, nil
}

// ListThreads returns the workspace's threads ordered by last update.
func (s *Store) ListThreads(ctx context.Context, projectID, workspaceID string) ([]Thread, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	projectID = strings.TrimSpace(projectID)
	workspaceID = strings.TrimSpace(workspaceID)
	if projectID == "" || workspaceID == "" {
		return nil, errors.New("invalid request")
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT thread_num FROM threads
WHERE project_id = ? AND workspace_id = ?
ORDER BY updated_at_unix_ms DESC, thread_num DESC
`, projectID, workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	nums := make([]int64, 0, 16)
	for rows.Next() {
		var n int64
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		nums = append(nums, n)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]Thread, 0, len(nums))
	for _, n := range nums {
		t, err := s.GetThread(ctx, ThreadKey{ProjectID: projectID, WorkspaceID: workspaceID, ThreadNum: n})
		if err != nil {
			return nil, err
		}
		if t != nil {
			out = append(out, *t)
		}
	}
	return out, nil
}

// Append inserts entries in order, assigning contiguous sequence numbers and
// bumping the thread's updated-at in the same transaction. The bump is
// strictly increasing even when several writes share one millisecond, so
// workspace listings order by real recency. Entries whose (kind, item_id)
// or entry_id already exist are skipped silently; the returned slice holds
// only the entries actually stored, in stored form.
func (s *Store) Append(ctx context.Context, key ThreadKey, entries []Entry) ([]Entry, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	key = key.Normalize()
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}

	now := time.Now().UnixMilli()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var curTitle string
	if err := tx.QueryRowContext(ctx, `
SELECT title FROM threads
WHERE project_id = ? AND workspace_id = ? AND thread_num = ?
`, key.ProjectID, key.WorkspaceID, key.ThreadNum).Scan(&curTitle); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrConversationNotFound
		}
		return nil, err
	}

	var maxSeq int64
	if err := tx.QueryRowContext(ctx, `
SELECT COALESCE(MAX(seq), 0) FROM entries
WHERE project_id = ? AND workspace_id = ? AND thread_num = ?
`, key.ProjectID, key.WorkspaceID, key.ThreadNum).Scan(&maxSeq); err != nil {
		return nil, err
	}

	stored := make([]Entry, 0, len(entries))
	titleCandidate := ""

	for _, e := range entries {
		if !e.Kind.Valid() {
			return nil, fmt.Errorf("invalid entry kind %q", e.Kind)
		}
		seq := maxSeq + 1
		e.Seq = seq
		e.EntryID = strings.TrimSpace(e.EntryID)
		if e.EntryID == "" {
			e.EntryID = fmt.Sprintf("e_%d", seq)
		}
		e.ItemID = strings.TrimSpace(e.ItemID)
		if e.CreatedAtUnixMs <= 0 {
			e.CreatedAtUnixMs = now
		}

		raw, err := json.Marshal(e)
		if err != nil {
			return nil, err
		}
		res, err := tx.ExecContext(ctx, `
INSERT OR IGNORE INTO entries(
  project_id, workspace_id, thread_num,
  seq, entry_id, kind, item_id, created_at_unix_ms, entry_json
) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
`, key.ProjectID, key.WorkspaceID, key.ThreadNum, e.Seq, e.EntryID, string(e.Kind), e.ItemID, e.CreatedAtUnixMs, string(raw))
		if err != nil {
			return nil, err
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			// Redelivery: the sequence number stays free for the next entry.
			continue
		}
		maxSeq = seq
		stored = append(stored, e)

		if e.Kind == KindUserMessage && e.User != nil && titleCandidate == "" {
			titleCandidate = buildTitleCandidate(e.User.Text)
		}
	}

	if len(stored) > 0 {
		nextTitle := strings.TrimSpace(curTitle)
		if (nextTitle == "" || nextTitle == DefaultTitle) && titleCandidate != "" {
			nextTitle = titleCandidate
		}
		if _, err := tx.ExecContext(ctx, `
UPDATE threads
SET title = ?, updated_at_unix_ms = MAX(updated_at_unix_ms + 1, ?)
WHERE project_id = ? AND workspace_id = ? AND thread_num = ?
`, nextTitle, now, key.ProjectID, key.WorkspaceID, key.ThreadNum); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return stored, nil
}

// LoadPage returns up to limit entries ending at beforeSeq inclusive, the
// total entry count, and the cursor for the next older page. beforeSeq <= 0
// means the tail.
func (s *Store) LoadPage(ctx context.Context, key ThreadKey, beforeSeq int64, limit int) (Page, error) {
	if s == nil || s.db == nil {
		return Page{}, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	key = key.Normalize()
	if err := key.Validate(); err != nil {
		return Page{}, err
	}
	if limit <= 0 {
		limit = 100
	}
	if limit > 500 {
		limit = 500
	}
	if beforeSeq <= 0 {
		beforeSeq = 1<<62 - 1
	}

	var exists int
	if err := s.db.QueryRowContext(ctx, `
SELECT COUNT(1) FROM threads
WHERE project_id = ? AND workspace_id = ? AND thread_num = ?
`, key.ProjectID, key.WorkspaceID, key.ThreadNum).Scan(&exists); err != nil {
		return Page{}, err
	}
	if exists == 0 {
		return Page{}, ErrConversationNotFound
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT entry_json FROM entries
WHERE project_id = ? AND workspace_id = ? AND thread_num = ? AND seq <= ?
ORDER BY seq DESC
LIMIT ?
`, key.ProjectID, key.WorkspaceID, key.ThreadNum, beforeSeq, limit)
	if err != nil {
		return Page{}, err
	}
	defer rows.Close()

	tmp := make([]Entry, 0, limit)
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return Page{}, err
		}
		var e Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return Page{}, fmt.Errorf("corrupt entry row: %w", err)
		}
		tmp = append(tmp, e)
	}
	if err := rows.Err(); err != nil {
		return Page{}, err
	}

	var page Page
	if err := s.db.QueryRowContext(ctx, `
SELECT COUNT(1) FROM entries
WHERE project_id = ? AND workspace_id = ? AND thread_num = ?
`, key.ProjectID, key.WorkspaceID, key.ThreadNum).Scan(&page.TotalCount); err != nil {
		return Page{}, err
	}

	// Reverse to ASC order.
	out := make([]Entry, 0, len(tmp))
	for i := len(tmp) - 1; i >= 0; i-- {
		out = append(out, tmp[i])
	}
	page.Entries = out
	if len(out) > 0 {
		page.SliceStartSeq = out[0].Seq - 1
	}
	return page, nil
}

// UpdateTitleIfMatches writes the title only when the stored title is empty,
// the default placeholder, or equal to expected. Reports whether the write
// happened. This is the guard against two title hints racing.
func (s *Store) UpdateTitleIfMatches(ctx context.Context, key ThreadKey, expected, title string) (bool, error) {
	if s == nil || s.db == nil {
		return false, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	key = key.Normalize()
	if err := key.Validate(); err != nil {
		return false, err
	}
	title = strings.TrimSpace(title)
	expected = strings.TrimSpace(expected)
	if title == "" {
		return false, errors.New("missing title")
	}
	if len(title) > 200 {
		return false, errors.New("title too long")
	}

	now := time.Now().UnixMilli()
	res, err := s.db.ExecContext(ctx, `
UPDATE threads
SET title = ?, updated_at_unix_ms = MAX(updated_at_unix_ms + 1, ?)
WHERE project_id = ? AND workspace_id = ? AND thread_num = ?
  AND (title = '' OR title = ? OR title = ?)
`, title, now, key.ProjectID, key.WorkspaceID, key.ThreadNum, DefaultTitle, expected)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// SetRemoteThreadIDOnce records the vendor-assigned thread id. The first
// write wins; later calls report false and change nothing.
func (s *Store) SetRemoteThreadIDOnce(ctx context.Context, key ThreadKey, remoteThreadID string) (bool, error) {
	if s == nil || s.db == nil {
		return false, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	key = key.Normalize()
	if err := key.Validate(); err != nil {
		return false, err
	}
	remoteThreadID = strings.TrimSpace(remoteThreadID)
	if remoteThreadID == "" {
		return false, errors.New("missing remote thread id")
	}

	res, err := s.db.ExecContext(ctx, `
UPDATE threads
SET remote_thread_id = ?
WHERE project_id = ? AND workspace_id = ? AND thread_num = ? AND remote_thread_id = ''
`, remoteThreadID, key.ProjectID, key.WorkspaceID, key.ThreadNum)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// DeleteWorkspace removes every thread of the (project, workspace) pair:
// entries, queued prompts and metadata in one transaction. Safe to call when
// nothing matches.
func (s *Store) DeleteWorkspace(ctx context.Context, projectID, workspaceID string) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	projectID = strings.TrimSpace(projectID)
	workspaceID = strings.TrimSpace(workspaceID)
	if projectID == "" || workspaceID == "" {
		return errors.New("invalid request")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE project_id = ? AND workspace_id = ?`, projectID, workspaceID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM queued_prompts WHERE project_id = ? AND workspace_id = ?`, projectID, workspaceID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM threads WHERE project_id = ? AND workspace_id = ?`, projectID, workspaceID); err != nil {
		return err
	}
	return tx.Commit()
}

func initSchema(db *sql.DB) error {
	if db == nil {
		return errors.New("nil db")
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return fmt.Errorf("pragma journal_mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=3000;`); err != nil {
		return fmt.Errorf("pragma busy_timeout: %w", err)
	}
	return migrateSchema(db)
}

const targetSchemaVersion = 4

func migrateSchema(db *sql.DB) error {
	if db == nil {
		return errors.New("nil db")
	}

	var v int
	if err := db.QueryRow(`PRAGMA user_version;`).Scan(&v); err != nil {
		return fmt.Errorf("pragma user_version: %w", err)
	}
	if v > targetSchemaVersion {
		// Refuse to touch data written by a newer build.
		return fmt.Errorf("db schema version %d is newer than supported %d", v, targetSchemaVersion)
	}
	if v == targetSchemaVersion {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRow(`
SELECT COUNT(1)
FROM sqlite_master
WHERE type = 'table' AND name = 'threads'
`).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		// Fresh DB: create the latest schema directly.
		if _, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS threads (
  project_id TEXT NOT NULL,
  workspace_id TEXT NOT NULL,
  thread_num INTEGER NOT NULL,
  remote_thread_id TEXT NOT NULL DEFAULT '',
  title TEXT NOT NULL DEFAULT '',
  next_prompt_id INTEGER NOT NULL DEFAULT 0,
  created_at_unix_ms INTEGER NOT NULL,
  updated_at_unix_ms INTEGER NOT NULL,
  PRIMARY KEY (project_id, workspace_id, thread_num)
);
CREATE INDEX IF NOT EXISTS idx_threads_workspace ON threads(project_id, workspace_id, updated_at_unix_ms DESC);
CREATE TABLE IF NOT EXISTS entries (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  project_id TEXT NOT NULL,
  workspace_id TEXT NOT NULL,
  thread_num INTEGER NOT NULL,
  seq INTEGER NOT NULL,
  entry_id TEXT NOT NULL,
  kind TEXT NOT NULL,
  item_id TEXT NOT NULL DEFAULT '',
  created_at_unix_ms INTEGER NOT NULL,
  entry_json TEXT NOT NULL,
  UNIQUE(project_id, workspace_id, thread_num, seq),
  UNIQUE(project_id, workspace_id, thread_num, entry_id)
);
CREATE INDEX IF NOT EXISTS idx_entries_thread_seq ON entries(project_id, workspace_id, thread_num, seq ASC);
CREATE UNIQUE INDEX IF NOT EXISTS idx_entries_item_dedupe ON entries(project_id, workspace_id, thread_num, kind, item_id) WHERE item_id <> '';
CREATE TABLE IF NOT EXISTS queued_prompts (
  project_id TEXT NOT NULL,
  workspace_id TEXT NOT NULL,
  thread_num INTEGER NOT NULL,
  prompt_id INTEGER NOT NULL,
  position INTEGER NOT NULL,
  prompt_text TEXT NOT NULL,
  attachments_json TEXT NOT NULL DEFAULT '',
  run_config_json TEXT NOT NULL DEFAULT '',
  created_at_unix_ms INTEGER NOT NULL,
  PRIMARY KEY (project_id, workspace_id, thread_num, prompt_id)
);
`); err != nil {
			return err
		}
		if _, err := tx.Exec(fmt.Sprintf(`PRAGMA user_version=%d;`, targetSchemaVersion)); err != nil {
			return err
		}
		return tx.Commit()
	}

	// v1 -> v2: queue table plus thread columns for the remote id and the
	// per-thread prompt id counter.
	if v < 2 {
		if has, err := columnExists(tx, "threads", "remote_thread_id"); err != nil {
			return err
		} else if !has {
			if _, err := tx.Exec(`ALTER TABLE threads ADD COLUMN remote_thread_id TEXT NOT NULL DEFAULT ''`); err != nil {
				return err
			}
		}
		if has, err := columnExists(tx, "threads", "next_prompt_id"); err != nil {
			return err
		} else if !has {
			if _, err := tx.Exec(`ALTER TABLE threads ADD COLUMN next_prompt_id INTEGER NOT NULL DEFAULT 0`); err != nil {
				return err
			}
		}
		if _, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS queued_prompts (
  project_id TEXT NOT NULL,
  workspace_id TEXT NOT NULL,
  thread_num INTEGER NOT NULL,
  prompt_id INTEGER NOT NULL,
  position INTEGER NOT NULL,
  prompt_text TEXT NOT NULL,
  attachments_json TEXT NOT NULL DEFAULT '',
  run_config_json TEXT NOT NULL DEFAULT '',
  created_at_unix_ms INTEGER NOT NULL,
  PRIMARY KEY (project_id, workspace_id, thread_num, prompt_id)
);
`); err != nil {
			return err
		}
	}

	// v2 -> v3: one-time rewrite of legacy flat entry rows into the tagged
	// SystemEvent/UserEvent/AgentEvent shape.
	if v < 3 {
		if err := rewriteLegacyEntries(tx); err != nil {
			return err
		}
	}

	// v3 -> v4: promote item_id to a column and enforce (kind, item_id)
	// dedupe with a partial unique index.
	if v < 4 {
		if has, err := columnExists(tx, "entries", "item_id"); err != nil {
			return err
		} else if !has {
			if _, err := tx.Exec(`ALTER TABLE entries ADD COLUMN item_id TEXT NOT NULL DEFAULT ''`); err != nil {
				return err
			}
		}
		if err := backfillItemIDs(tx); err != nil {
			return err
		}
		if _, err := tx.Exec(`
DELETE FROM entries
WHERE item_id <> ''
  AND id NOT IN (
    SELECT MIN(id) FROM entries WHERE item_id <> ''
    GROUP BY project_id, workspace_id, thread_num, kind, item_id
  );
`); err != nil {
			return err
		}
		if _, err := tx.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_entries_item_dedupe ON entries(project_id, workspace_id, thread_num, kind, item_id) WHERE item_id <> ''`); err != nil {
			return err
		}
	}

	if _, err := tx.Exec(fmt.Sprintf(`PRAGMA user_version=%d;`, targetSchemaVersion)); err != nil {
		return err
	}
	return tx.Commit()
}

var legacyKindMap = map[string]EntryKind{
	"task_created":  KindTaskCreated,
	"status":        KindStatusChanged,
	"user_message":  KindUserMessage,
	"agent_message": KindAgentMessage,
	"item":          KindAgentItem,
	"usage":         KindUsage,
	"duration":      KindTurnDuration,
	"canceled":      KindTurnCanceled,
	"error":         KindTurnError,
}

// legacyEntry is the pre-v3 flat row payload.
type legacyEntry struct {
	EntryID         string          `json:"entry_id"`
	Seq             int64           `json:"seq"`
	Kind            string          `json:"kind"`
	CreatedAtUnixMs int64           `json:"created_at_unix_ms"`
	AtUnixMs        int64           `json:"at_unix_ms"`
	Status          string          `json:"status"`
	Text            string          `json:"text"`
	Attachments     []AttachmentRef `json:"attachments"`
	ItemID          string          `json:"item_id"`
	ItemType        string          `json:"item_type"`
	Item            json.RawMessage `json:"item"`
	Usage           *UsageStats     `json:"usage"`
	DurationMs      int64           `json:"duration_ms"`
	RunID           string          `json:"run_id"`
	ErrorMessage    string          `json:"error_message"`
}

func rewriteLegacyEntries(tx *sql.Tx) error {
	rows, err := tx.Query(`SELECT id, seq, kind, entry_json FROM entries`)
	if err != nil {
		return err
	}

	type update struct {
		id   int64
		kind EntryKind
		raw  string
	}
	var updates []update

	for rows.Next() {
		var id, seq int64
		var kind, raw string
		if err := rows.Scan(&id, &seq, &kind, &raw); err != nil {
			_ = rows.Close()
			return err
		}
		newKind, ok := legacyKindMap[strings.TrimSpace(kind)]
		if !ok {
			continue
		}

		var old legacyEntry
		if err := json.Unmarshal([]byte(raw), &old); err != nil {
			_ = rows.Close()
			return fmt.Errorf("legacy entry %d: %w", id, err)
		}

		e := Entry{
			EntryID:         strings.TrimSpace(old.EntryID),
			Seq:             seq,
			Kind:            newKind,
			ItemID:          strings.TrimSpace(old.ItemID),
			CreatedAtUnixMs: old.CreatedAtUnixMs,
		}
		if e.EntryID == "" {
			e.EntryID = fmt.Sprintf("e_%d", seq)
		}
		switch newKind.Family() {
		case "system":
			at := old.AtUnixMs
			if at <= 0 {
				at = old.CreatedAtUnixMs
			}
			e.System = &SystemPayload{Status: strings.TrimSpace(old.Status), AtUnixMs: at}
		case "user":
			e.User = &UserPayload{Text: old.Text, Attachments: old.Attachments}
		case "agent":
			e.Agent = &AgentPayload{
				Text:         old.Text,
				ItemType:     strings.TrimSpace(old.ItemType),
				Item:         old.Item,
				Usage:        old.Usage,
				DurationMs:   old.DurationMs,
				RunID:        strings.TrimSpace(old.RunID),
				ErrorMessage: strings.TrimSpace(old.ErrorMessage),
			}
			if e.ItemID == "" && len(old.Item) > 0 {
				var it struct {
					ID string `json:"id"`
				}
				if json.Unmarshal(old.Item, &it) == nil {
					e.ItemID = strings.TrimSpace(it.ID)
				}
			}
		}

		out, err := json.Marshal(e)
		if err != nil {
			_ = rows.Close()
			return err
		}
		updates = append(updates, update{id: id, kind: newKind, raw: string(out)})
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return err
	}
	_ = rows.Close()

	for _, u := range updates {
		if _, err := tx.Exec(`UPDATE entries SET kind = ?, entry_json = ? WHERE id = ?`, string(u.kind), u.raw, u.id); err != nil {
			return err
		}
	}
	return nil
}

func backfillItemIDs(tx *sql.Tx) error {
	rows, err := tx.Query(`SELECT id, entry_json FROM entries WHERE item_id = '' AND kind LIKE 'agent.%'`)
	if err != nil {
		return err
	}

	type update struct {
		id     int64
		itemID string
	}
	var updates []update

	for rows.Next() {
		var id int64
		var raw string
		if err := rows.Scan(&id, &raw); err != nil {
			_ = rows.Close()
			return err
		}
		var e Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			continue
		}
		if strings.TrimSpace(e.ItemID) != "" {
			updates = append(updates, update{id: id, itemID: strings.TrimSpace(e.ItemID)})
		}
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return err
	}
	_ = rows.Close()

	for _, u := range updates {
		if _, err := tx.Exec(`UPDATE entries SET item_id = ? WHERE id = ?`, u.itemID, u.id); err != nil {
			return err
		}
	}
	return nil
}

func columnExists(tx *sql.Tx, tableName string, colName string) (bool, error) {
	tableName = strings.TrimSpace(tableName)
	colName = strings.TrimSpace(colName)
	if tableName == "" || colName == "" {
		return false, errors.New("invalid table/column")
	}

	rows, err := tx.Query(`PRAGMA table_info(` + tableName + `)`)
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name string
		var ctype string
		var notNull int
		var defaultValue sql.NullString
		var primaryKey int
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &defaultValue, &primaryKey); err != nil {
			return false, err
		}
		if strings.EqualFold(strings.TrimSpace(name), colName) {
			return true, nil
		}
	}
	if err := rows.Err(); err != nil {
		return false, err
	}
	return false, nil
}

func buildTitleCandidate(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	text = strings.ReplaceAll(text, "\n", " ")
	text = strings.ReplaceAll(text, "\r", " ")
	text = strings.TrimSpace(text)
	return truncateRunes(text, 48)
}

func truncateRunes(s string, max int) string {
	if max <= 0 {
		return ""
	}
	n := 0
	for i := range s {
		if n >= max {
			return strings.TrimSpace(s[:i])
		}
		n++
	}
	return strings.TrimSpace(s)
}
