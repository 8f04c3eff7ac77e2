package logstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "threads.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testKey(n int64) ThreadKey {
	return ThreadKey{ProjectID: "proj_1", WorkspaceID: "ws_1", ThreadNum: n}
}

func mustEnsure(t *testing.T, s *Store, key ThreadKey) {
	t.Helper()
	if _, err := s.EnsureThread(context.Background(), key); err != nil {
		t.Fatalf("ensure thread: %v", err)
	}
}

func userEntry(text string) Entry {
	return Entry{Kind: KindUserMessage, User: &UserPayload{Text: text}}
}

func TestEnsureThreadCreatesOnce(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	key := testKey(1)

	created, err := s.EnsureThread(ctx, key)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if !created {
		t.Fatalf("expected first ensure to create")
	}

	created, err = s.EnsureThread(ctx, key)
	if err != nil {
		t.Fatalf("ensure again: %v", err)
	}
	if created {
		t.Fatalf("second ensure must be a no-op")
	}

	th, err := s.GetThread(ctx, key)
	if err != nil {
		t.Fatalf("get thread: %v", err)
	}
	if th == nil {
		t.Fatalf("thread missing after ensure")
	}
	if th.Title != DefaultTitle {
		t.Fatalf("title = %q, want %q", th.Title, DefaultTitle)
	}
	if th.EntryCount != 1 {
		t.Fatalf("entry count = %d, want 1 (task created)", th.EntryCount)
	}
	if th.Status != StatusIdle {
		t.Fatalf("status = %q, want idle", th.Status)
	}

	page, err := s.LoadPage(ctx, key, 0, 10)
	if err != nil {
		t.Fatalf("load page: %v", err)
	}
	if len(page.Entries) != 1 || page.Entries[0].Kind != KindTaskCreated {
		t.Fatalf("unexpected first page: %+v", page.Entries)
	}
	if page.Entries[0].Seq != 1 || page.Entries[0].EntryID != "e_1" {
		t.Fatalf("task created entry got seq=%d id=%q", page.Entries[0].Seq, page.Entries[0].EntryID)
	}
}

func TestGetThreadUnknownReturnsNil(t *testing.T) {
	s := openTestStore(t)
	th, err := s.GetThread(context.Background(), testKey(42))
	if err != nil {
		t.Fatalf("get thread: %v", err)
	}
	if th != nil {
		t.Fatalf("expected nil for unknown thread, got %+v", th)
	}
}

func TestAppendAssignsContiguousSeqs(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	key := testKey(1)
	mustEnsure(t, s, key)

	stored, err := s.Append(ctx, key, []Entry{
		userEntry("first"),
		{Kind: KindAgentMessage, ItemID: "item_a", Agent: &AgentPayload{Text: "reply", ItemType: "agent_message"}},
		{Kind: KindTurnDuration, Agent: &AgentPayload{DurationMs: 1200, RunID: "run_1"}},
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if len(stored) != 3 {
		t.Fatalf("stored %d entries, want 3", len(stored))
	}
	for i, e := range stored {
		wantSeq := int64(i + 2)
		if e.Seq != wantSeq {
			t.Fatalf("entry %d seq = %d, want %d", i, e.Seq, wantSeq)
		}
		if e.EntryID != fmt.Sprintf("e_%d", wantSeq) {
			t.Fatalf("entry %d id = %q", i, e.EntryID)
		}
		if e.CreatedAtUnixMs <= 0 {
			t.Fatalf("entry %d missing timestamp", i)
		}
	}
}

func TestAppendToUnknownThreadFails(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Append(context.Background(), testKey(9), []Entry{userEntry("hello")})
	if !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("err = %v, want ErrConversationNotFound", err)
	}
}

func TestAppendDedupesOnKindAndItemID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	key := testKey(1)
	mustEnsure(t, s, key)

	item := Entry{Kind: KindAgentItem, ItemID: "scope_1/item_1", Agent: &AgentPayload{ItemType: "command_execution"}}

	stored, err := s.Append(ctx, key, []Entry{item})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if len(stored) != 1 || stored[0].Seq != 2 {
		t.Fatalf("first append stored %+v", stored)
	}

	// Redelivered item: silently skipped, nothing stored.
	stored, err = s.Append(ctx, key, []Entry{item})
	if err != nil {
		t.Fatalf("redelivered append: %v", err)
	}
	if len(stored) != 0 {
		t.Fatalf("redelivery stored %d entries, want 0", len(stored))
	}

	// Same raw id under a different kind is a distinct entry.
	other := Entry{Kind: KindAgentMessage, ItemID: "scope_1/item_1", Agent: &AgentPayload{Text: "done", ItemType: "agent_message"}}
	stored, err = s.Append(ctx, key, []Entry{other})
	if err != nil {
		t.Fatalf("append other kind: %v", err)
	}
	if len(stored) != 1 {
		t.Fatalf("other kind stored %d entries, want 1", len(stored))
	}
	if stored[0].Seq != 3 {
		t.Fatalf("seq = %d, want 3 (skips must not burn sequence numbers)", stored[0].Seq)
	}

	th, err := s.GetThread(ctx, key)
	if err != nil {
		t.Fatalf("get thread: %v", err)
	}
	if th.EntryCount != 3 {
		t.Fatalf("entry count = %d, want 3", th.EntryCount)
	}
}

func TestAppendDedupesOnEntryID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	key := testKey(1)
	mustEnsure(t, s, key)

	e := userEntry("hello")
	e.EntryID = "prompt_17"
	if _, err := s.Append(ctx, key, []Entry{e}); err != nil {
		t.Fatalf("append: %v", err)
	}
	stored, err := s.Append(ctx, key, []Entry{e})
	if err != nil {
		t.Fatalf("append repeat: %v", err)
	}
	if len(stored) != 0 {
		t.Fatalf("repeat entry id stored %d entries, want 0", len(stored))
	}
}

func TestLoadPagePagination(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	key := testKey(1)
	mustEnsure(t, s, key)

	const extra = 24
	for i := 0; i < extra; i++ {
		if _, err := s.Append(ctx, key, []Entry{userEntry(fmt.Sprintf("message %d", i))}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	total := int64(extra + 1)

	// Tail page.
	page, err := s.LoadPage(ctx, key, 0, 10)
	if err != nil {
		t.Fatalf("load tail: %v", err)
	}
	if page.TotalCount != total {
		t.Fatalf("total = %d, want %d", page.TotalCount, total)
	}
	if len(page.Entries) != 10 {
		t.Fatalf("tail page has %d entries, want 10", len(page.Entries))
	}
	if got := page.Entries[len(page.Entries)-1].Seq; got != total {
		t.Fatalf("tail last seq = %d, want %d", got, total)
	}
	if page.SliceStartSeq != total-10 {
		t.Fatalf("slice start = %d, want %d", page.SliceStartSeq, total-10)
	}

	// Cursor page: before is inclusive.
	page, err = s.LoadPage(ctx, key, page.SliceStartSeq, 10)
	if err != nil {
		t.Fatalf("load middle: %v", err)
	}
	if got := page.Entries[len(page.Entries)-1].Seq; got != total-10 {
		t.Fatalf("middle last seq = %d, want %d", got, total-10)
	}
	if page.SliceStartSeq != total-20 {
		t.Fatalf("middle slice start = %d, want %d", page.SliceStartSeq, total-20)
	}

	// Walk to the beginning and check ordering along the way.
	collected := make([]int64, 0, total)
	before := int64(0)
	for {
		p, err := s.LoadPage(ctx, key, before, 7)
		if err != nil {
			t.Fatalf("walk load: %v", err)
		}
		if len(p.Entries) == 0 {
			break
		}
		for i := 1; i < len(p.Entries); i++ {
			if p.Entries[i].Seq != p.Entries[i-1].Seq+1 {
				t.Fatalf("page not ascending: %d then %d", p.Entries[i-1].Seq, p.Entries[i].Seq)
			}
		}
		for i := len(p.Entries) - 1; i >= 0; i-- {
			collected = append(collected, p.Entries[i].Seq)
		}
		if p.SliceStartSeq == 0 {
			break
		}
		before = p.SliceStartSeq
	}
	if int64(len(collected)) != total {
		t.Fatalf("walk collected %d entries, want %d", len(collected), total)
	}
	if collected[0] != total || collected[len(collected)-1] != 1 {
		t.Fatalf("walk range [%d..%d], want [%d..1]", collected[0], collected[len(collected)-1], total)
	}
}

func TestLoadPageUnknownThread(t *testing.T) {
	s := openTestStore(t)
	_, err := s.LoadPage(context.Background(), testKey(5), 0, 10)
	if !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("err = %v, want ErrConversationNotFound", err)
	}
}

func TestTitleFromFirstUserMessage(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	key := testKey(1)
	mustEnsure(t, s, key)

	if _, err := s.Append(ctx, key, []Entry{userEntry("Fix the flaky\nwatcher test")}); err != nil {
		t.Fatalf("append: %v", err)
	}
	th, err := s.GetThread(ctx, key)
	if err != nil {
		t.Fatalf("get thread: %v", err)
	}
	if th.Title != "Fix the flaky watcher test" {
		t.Fatalf("title = %q", th.Title)
	}

	// A later user message must not replace an installed title.
	if _, err := s.Append(ctx, key, []Entry{userEntry("and another thing")}); err != nil {
		t.Fatalf("append second: %v", err)
	}
	th, err = s.GetThread(ctx, key)
	if err != nil {
		t.Fatalf("get thread: %v", err)
	}
	if th.Title != "Fix the flaky watcher test" {
		t.Fatalf("title changed to %q", th.Title)
	}
}

func TestTitleCandidateTruncates(t *testing.T) {
	long := strings.Repeat("abcde ", 20)
	got := buildTitleCandidate(long)
	if got == "" || len([]rune(got)) > 48 {
		t.Fatalf("candidate %q (%d runes)", got, len([]rune(got)))
	}
}

func TestUpdateTitleIfMatches(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	key := testKey(1)
	mustEnsure(t, s, key)

	ok, err := s.UpdateTitleIfMatches(ctx, key, DefaultTitle, "Install telemetry")
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if !ok {
		t.Fatalf("expected update over the default title")
	}

	// Stale expectation loses.
	ok, err = s.UpdateTitleIfMatches(ctx, key, DefaultTitle, "Something else")
	if err != nil {
		t.Fatalf("update stale: %v", err)
	}
	if ok {
		t.Fatalf("stale expected title must not win")
	}

	// Matching expectation can rewrite.
	ok, err = s.UpdateTitleIfMatches(ctx, key, "Install telemetry", "Install telemetry v2")
	if err != nil {
		t.Fatalf("update matching: %v", err)
	}
	if !ok {
		t.Fatalf("matching expected title must win")
	}
	th, _ := s.GetThread(ctx, key)
	if th.Title != "Install telemetry v2" {
		t.Fatalf("title = %q", th.Title)
	}
}

func TestSetRemoteThreadIDOnce(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	key := testKey(1)
	mustEnsure(t, s, key)

	ok, err := s.SetRemoteThreadIDOnce(ctx, key, "thr_abc")
	if err != nil {
		t.Fatalf("set: %v", err)
	}
	if !ok {
		t.Fatalf("first set must win")
	}
	ok, err = s.SetRemoteThreadIDOnce(ctx, key, "thr_other")
	if err != nil {
		t.Fatalf("set again: %v", err)
	}
	if ok {
		t.Fatalf("second set must not overwrite")
	}
	th, _ := s.GetThread(ctx, key)
	if th.RemoteThreadID != "thr_abc" {
		t.Fatalf("remote id = %q", th.RemoteThreadID)
	}
}

func TestQueueLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	key := testKey(1)
	mustEnsure(t, s, key)

	var ids []int64
	for _, text := range []string{"A", "B", "C"} {
		p, err := s.EnqueuePrompt(ctx, key, text, nil, nil)
		if err != nil {
			t.Fatalf("enqueue %s: %v", text, err)
		}
		ids = append(ids, p.PromptID)
	}
	if ids[0] == ids[1] || ids[1] == ids[2] {
		t.Fatalf("prompt ids must be distinct: %v", ids)
	}

	list, err := s.ListQueue(ctx, key)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 3 || list[0].Text != "A" || list[1].Text != "B" || list[2].Text != "C" {
		t.Fatalf("queue order wrong: %+v", list)
	}

	front, err := s.PopQueueFront(ctx, key)
	if err != nil {
		t.Fatalf("pop: %v", err)
	}
	if front == nil || front.Text != "A" {
		t.Fatalf("front = %+v, want A", front)
	}

	removed, err := s.RemoveQueued(ctx, key, ids[2])
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if !removed {
		t.Fatalf("expected removal of C")
	}
	removed, err = s.RemoveQueued(ctx, key, ids[0])
	if err != nil {
		t.Fatalf("remove popped: %v", err)
	}
	if removed {
		t.Fatalf("popped id must not remove anything")
	}

	list, _ = s.ListQueue(ctx, key)
	if len(list) != 1 || list[0].Text != "B" {
		t.Fatalf("queue after ops: %+v", list)
	}

	// New prompt ids keep counting up even after pops.
	p, err := s.EnqueuePrompt(ctx, key, "D", nil, nil)
	if err != nil {
		t.Fatalf("enqueue D: %v", err)
	}
	if p.PromptID <= ids[2] {
		t.Fatalf("prompt id %d reused (last was %d)", p.PromptID, ids[2])
	}

	front, err = s.PopQueueFront(ctx, key)
	if err != nil || front == nil || front.Text != "B" {
		t.Fatalf("pop B: %+v, %v", front, err)
	}
	front, err = s.PopQueueFront(ctx, key)
	if err != nil || front == nil || front.Text != "D" {
		t.Fatalf("pop D: %+v, %v", front, err)
	}
	front, err = s.PopQueueFront(ctx, key)
	if err != nil {
		t.Fatalf("pop empty: %v", err)
	}
	if front != nil {
		t.Fatalf("empty queue popped %+v", front)
	}
}

func TestQueueReorder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	key := testKey(1)
	mustEnsure(t, s, key)

	var ids []int64
	for _, text := range []string{"A", "B", "C"} {
		p, err := s.EnqueuePrompt(ctx, key, text, nil, nil)
		if err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		ids = append(ids, p.PromptID)
	}

	if err := s.ReorderQueue(ctx, key, []int64{ids[2], ids[0], ids[1]}); err != nil {
		t.Fatalf("reorder: %v", err)
	}
	list, _ := s.ListQueue(ctx, key)
	if list[0].Text != "C" || list[1].Text != "A" || list[2].Text != "B" {
		t.Fatalf("reordered queue: %+v", list)
	}

	if err := s.ReorderQueue(ctx, key, []int64{ids[0], ids[1]}); err == nil {
		t.Fatalf("partial id set must be rejected")
	}
	if err := s.ReorderQueue(ctx, key, []int64{ids[0], ids[1], 999}); err == nil {
		t.Fatalf("foreign id must be rejected")
	}
}

func TestQueueAttachmentsAndRunConfigRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	key := testKey(1)
	mustEnsure(t, s, key)

	atts := []AttachmentRef{{Name: "log.txt", Ref: "staging://abc", Path: "/tmp/log.txt"}}
	cfg := json.RawMessage(`{"vendor":"anthropic","model_id":"claude-sonnet"}`)
	if _, err := s.EnqueuePrompt(ctx, key, "check the log", atts, cfg); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	front, err := s.PopQueueFront(ctx, key)
	if err != nil {
		t.Fatalf("pop: %v", err)
	}
	if len(front.Attachments) != 1 || front.Attachments[0].Ref != "staging://abc" {
		t.Fatalf("attachments lost: %+v", front.Attachments)
	}
	var got map[string]string
	if err := json.Unmarshal(front.RunConfig, &got); err != nil {
		t.Fatalf("run config: %v", err)
	}
	if got["vendor"] != "anthropic" {
		t.Fatalf("run config lost: %v", got)
	}
}

func TestDeleteWorkspace(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	k1 := ThreadKey{ProjectID: "p", WorkspaceID: "ws_a", ThreadNum: 1}
	k2 := ThreadKey{ProjectID: "p", WorkspaceID: "ws_a", ThreadNum: 2}
	k3 := ThreadKey{ProjectID: "p", WorkspaceID: "ws_b", ThreadNum: 1}
	for _, k := range []ThreadKey{k1, k2, k3} {
		mustEnsure(t, s, k)
		if _, err := s.Append(ctx, k, []Entry{userEntry("hi")}); err != nil {
			t.Fatalf("append: %v", err)
		}
		if _, err := s.EnqueuePrompt(ctx, k, "queued", nil, nil); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	if err := s.DeleteWorkspace(ctx, "p", "ws_a"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	for _, k := range []ThreadKey{k1, k2} {
		th, err := s.GetThread(ctx, k)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if th != nil {
			t.Fatalf("thread %v survived delete", k)
		}
	}
	th, err := s.GetThread(ctx, k3)
	if err != nil || th == nil {
		t.Fatalf("other workspace touched: %+v, %v", th, err)
	}
	if th.EntryCount != 2 || th.QueueLen != 1 {
		t.Fatalf("other workspace data: %+v", th)
	}

	// Deleting again is a no-op.
	if err := s.DeleteWorkspace(ctx, "p", "ws_a"); err != nil {
		t.Fatalf("second delete: %v", err)
	}
}

func TestListThreadsOrdersByUpdate(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for n := int64(1); n <= 3; n++ {
		mustEnsure(t, s, testKey(n))
	}
	if _, err := s.Append(ctx, testKey(2), []Entry{userEntry("bump")}); err != nil {
		t.Fatalf("append: %v", err)
	}

	list, err := s.ListThreads(ctx, "proj_1", "ws_1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("listed %d threads, want 3", len(list))
	}
	// All three threads may be created within one millisecond; the append
	// must still put thread 2 first, with the creation tie between 1 and 3
	// broken by the higher thread number.
	if list[0].Key.ThreadNum != 2 {
		t.Fatalf("most recently updated thread first, got %d", list[0].Key.ThreadNum)
	}
	if list[1].Key.ThreadNum != 3 || list[2].Key.ThreadNum != 1 {
		t.Fatalf("tie order: got %d, %d, want 3, 1", list[1].Key.ThreadNum, list[2].Key.ThreadNum)
	}
}

func TestStatusSeesThroughLongItemStream(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	key := testKey(1)
	mustEnsure(t, s, key)

	if _, err := s.Append(ctx, key, []Entry{userEntry("go")}); err != nil {
		t.Fatalf("append user message: %v", err)
	}
	// A turn can stream hundreds of items after the user message; the
	// user message must stay the deciding marker.
	items := make([]Entry, 0, 80)
	for i := 0; i < 80; i++ {
		items = append(items, Entry{
			Kind:   KindAgentItem,
			ItemID: fmt.Sprintf("scope_1/item_%d", i),
			Agent:  &AgentPayload{ItemType: "command_execution"},
		})
	}
	if _, err := s.Append(ctx, key, items); err != nil {
		t.Fatalf("append items: %v", err)
	}

	th, err := s.GetThread(ctx, key)
	if err != nil || th == nil {
		t.Fatalf("get thread: %+v, %v", th, err)
	}
	if th.Status != StatusRunning {
		t.Fatalf("status = %s, want %s", th.Status, StatusRunning)
	}

	if _, err := s.Append(ctx, key, []Entry{{Kind: KindTurnDuration, Agent: &AgentPayload{DurationMs: 5}}}); err != nil {
		t.Fatalf("append duration: %v", err)
	}
	th, err = s.GetThread(ctx, key)
	if err != nil || th == nil {
		t.Fatalf("get thread after finish: %+v, %v", th, err)
	}
	if th.Status != StatusIdle || th.LastRunResult != RunResultCompleted {
		t.Fatalf("status = %s result = %s after finish", th.Status, th.LastRunResult)
	}
}

func TestMigrateFromLegacySchema(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "threads.db")

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open raw: %v", err)
	}
	if _, err := db.Exec(`
CREATE TABLE threads (
  project_id TEXT NOT NULL,
  workspace_id TEXT NOT NULL,
  thread_num INTEGER NOT NULL,
  title TEXT NOT NULL DEFAULT '',
  created_at_unix_ms INTEGER NOT NULL,
  updated_at_unix_ms INTEGER NOT NULL,
  PRIMARY KEY (project_id, workspace_id, thread_num)
);
CREATE TABLE entries (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  project_id TEXT NOT NULL,
  workspace_id TEXT NOT NULL,
  thread_num INTEGER NOT NULL,
  seq INTEGER NOT NULL,
  entry_id TEXT NOT NULL,
  kind TEXT NOT NULL,
  created_at_unix_ms INTEGER NOT NULL,
  entry_json TEXT NOT NULL,
  UNIQUE(project_id, workspace_id, thread_num, seq),
  UNIQUE(project_id, workspace_id, thread_num, entry_id)
);
INSERT INTO threads VALUES('p', 'w', 1, 'Old task', 100, 300);
INSERT INTO entries(project_id, workspace_id, thread_num, seq, entry_id, kind, created_at_unix_ms, entry_json) VALUES
  ('p', 'w', 1, 1, 'e_1', 'task_created', 100, '{"entry_id":"e_1","seq":1,"kind":"task_created","created_at_unix_ms":100,"at_unix_ms":100}'),
  ('p', 'w', 1, 2, 'e_2', 'user_message', 200, '{"entry_id":"e_2","seq":2,"kind":"user_message","created_at_unix_ms":200,"text":"hello"}'),
  ('p', 'w', 1, 3, 'e_3', 'agent_message', 300, '{"entry_id":"e_3","seq":3,"kind":"agent_message","created_at_unix_ms":300,"text":"hi there","item":{"id":"item_7","item_type":"agent_message","text":"hi there"}}');
PRAGMA user_version=1;
`); err != nil {
		t.Fatalf("seed legacy db: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close raw: %v", err)
	}

	s, err := Open(path)
	if err != nil {
		t.Fatalf("open migrated: %v", err)
	}
	defer func() { _ = s.Close() }()

	ctx := context.Background()
	key := ThreadKey{ProjectID: "p", WorkspaceID: "w", ThreadNum: 1}

	page, err := s.LoadPage(ctx, key, 0, 10)
	if err != nil {
		t.Fatalf("load page: %v", err)
	}
	if len(page.Entries) != 3 {
		t.Fatalf("migrated entries = %d, want 3", len(page.Entries))
	}
	wantKinds := []EntryKind{KindTaskCreated, KindUserMessage, KindAgentMessage}
	for i, e := range page.Entries {
		if e.Kind != wantKinds[i] {
			t.Fatalf("entry %d kind = %q, want %q", i, e.Kind, wantKinds[i])
		}
	}
	if page.Entries[1].User == nil || page.Entries[1].User.Text != "hello" {
		t.Fatalf("user payload lost: %+v", page.Entries[1])
	}
	if page.Entries[2].Agent == nil || page.Entries[2].Agent.Text != "hi there" {
		t.Fatalf("agent payload lost: %+v", page.Entries[2])
	}
	if page.Entries[2].ItemID != "item_7" {
		t.Fatalf("item id not backfilled: %q", page.Entries[2].ItemID)
	}

	// The dedupe index must now guard redeliveries of the migrated item.
	stored, err := s.Append(ctx, key, []Entry{{
		Kind:   KindAgentMessage,
		ItemID: "item_7",
		Agent:  &AgentPayload{Text: "hi there", ItemType: "agent_message"},
	}})
	if err != nil {
		t.Fatalf("append migrated dup: %v", err)
	}
	if len(stored) != 0 {
		t.Fatalf("migrated item redelivered, stored %d", len(stored))
	}

	// v2 additions must be in place too.
	if _, err := s.EnqueuePrompt(ctx, key, "queued after migration", nil, nil); err != nil {
		t.Fatalf("enqueue after migration: %v", err)
	}
	ok, err := s.SetRemoteThreadIDOnce(ctx, key, "thr_x")
	if err != nil || !ok {
		t.Fatalf("remote id after migration: %v ok=%v", err, ok)
	}

	th, err := s.GetThread(ctx, key)
	if err != nil {
		t.Fatalf("get thread: %v", err)
	}
	if th.Title != "Old task" {
		t.Fatalf("title = %q, want preserved", th.Title)
	}
}

func TestRefusesNewerSchema(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "threads.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open raw: %v", err)
	}
	if _, err := db.Exec(`PRAGMA user_version=99;`); err != nil {
		t.Fatalf("bump version: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close raw: %v", err)
	}

	_, err = Open(path)
	if err == nil {
		t.Fatalf("expected refusal for newer schema")
	}
	if !strings.Contains(err.Error(), "newer than supported") {
		t.Fatalf("err = %v", err)
	}
}

func TestReopenKeepsData(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "threads.db")
	ctx := context.Background()
	key := testKey(1)

	s, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	mustEnsure(t, s, key)
	if _, err := s.Append(ctx, key, []Entry{userEntry("persist me")}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = s.Close() }()
	page, err := s.LoadPage(ctx, key, 0, 10)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(page.Entries) != 2 {
		t.Fatalf("entries after reopen = %d, want 2", len(page.Entries))
	}
}

func TestOpenReadOnlySeesLiveWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "threads.db")
	rw, err := Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = rw.Close() })

	ctx := context.Background()
	key := testKey(1)
	mustEnsure(t, rw, key)
	if _, err := rw.Append(ctx, key, []Entry{userEntry("first")}); err != nil {
		t.Fatalf("append: %v", err)
	}

	ro, err := OpenReadOnly(path)
	if err != nil {
		t.Fatalf("open read-only: %v", err)
	}
	t.Cleanup(func() { _ = ro.Close() })

	// Writes through the live handle are visible to the inspector.
	if _, err := rw.Append(ctx, key, []Entry{userEntry("second")}); err != nil {
		t.Fatalf("append after ro open: %v", err)
	}
	page, err := ro.LoadPage(ctx, key, 0, 10)
	if err != nil {
		t.Fatalf("load page read-only: %v", err)
	}
	texts := 0
	for _, e := range page.Entries {
		if e.Kind == KindUserMessage {
			texts++
		}
	}
	if texts != 2 {
		t.Fatalf("read-only page missed entries: %+v", page.Entries)
	}

	if _, err := ro.Append(ctx, key, []Entry{userEntry("nope")}); err == nil {
		t.Fatalf("append through a read-only store must fail")
	}
}

func TestOpenReadOnlyRejectsMissingFile(t *testing.T) {
	if _, err := OpenReadOnly(filepath.Join(t.TempDir(), "absent.db")); err == nil {
		t.Fatalf("expected an error for a missing db file")
	}
}
