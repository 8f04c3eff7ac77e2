package logstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// EnqueuePrompt appends a prompt to the thread's persisted queue. Prompt ids
// come from a per-thread counter and are never reused, so a remove for an
// already-popped id cannot hit a later prompt.
func (s *Store) EnqueuePrompt(ctx context.Context, key ThreadKey, text string, attachments []AttachmentRef, runConfig json.RawMessage) (*QueuedPrompt, error) {
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
	if strings.TrimSpace(text) == "" && len(attachments) == 0 {
		return nil, errors.New("empty prompt")
	}

	now := time.Now().UnixMilli()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
UPDATE threads
SET next_prompt_id = next_prompt_id + 1
WHERE project_id = ? AND workspace_id = ? AND thread_num = ?
`, key.ProjectID, key.WorkspaceID, key.ThreadNum)
	if err != nil {
		return nil, err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return nil, ErrConversationNotFound
	}

	var promptID int64
	if err := tx.QueryRowContext(ctx, `
SELECT next_prompt_id FROM threads
WHERE project_id = ? AND workspace_id = ? AND thread_num = ?
`, key.ProjectID, key.WorkspaceID, key.ThreadNum).Scan(&promptID); err != nil {
		return nil, err
	}

	var maxPos int64
	if err := tx.QueryRowContext(ctx, `
SELECT COALESCE(MAX(position), 0) FROM queued_prompts
WHERE project_id = ? AND workspace_id = ? AND thread_num = ?
`, key.ProjectID, key.WorkspaceID, key.ThreadNum).Scan(&maxPos); err != nil {
		return nil, err
	}

	attachmentsJSON := ""
	if len(attachments) > 0 {
		raw, err := json.Marshal(attachments)
		if err != nil {
			return nil, err
		}
		attachmentsJSON = string(raw)
	}
	runConfigJSON := ""
	if len(runConfig) > 0 {
		runConfigJSON = string(runConfig)
	}

	p := QueuedPrompt{
		PromptID:        promptID,
		Position:        maxPos + 1,
		Text:            text,
		Attachments:     attachments,
		RunConfig:       runConfig,
		CreatedAtUnixMs: now,
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO queued_prompts(
  project_id, workspace_id, thread_num,
  prompt_id, position, prompt_text, attachments_json, run_config_json, created_at_unix_ms
) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
`, key.ProjectID, key.WorkspaceID, key.ThreadNum, p.PromptID, p.Position, p.Text, attachmentsJSON, runConfigJSON, p.CreatedAtUnixMs); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &p, nil
}

// ListQueue returns the thread's queued prompts in dispatch order.
func (s *Store) ListQueue(ctx context.Context, key ThreadKey) ([]QueuedPrompt, error) {
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

	rows, err := s.db.QueryContext(ctx, `
SELECT prompt_id, position, prompt_text, attachments_json, run_config_json, created_at_unix_ms
FROM queued_prompts
WHERE project_id = ? AND workspace_id = ? AND thread_num = ?
ORDER BY position ASC
`, key.ProjectID, key.WorkspaceID, key.ThreadNum)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]QueuedPrompt, 0, 8)
	for rows.Next() {
		p, err := scanQueuedPrompt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// PopQueueFront removes and returns the prompt at the head of the queue, or
// nil when the queue is empty.
func (s *Store) PopQueueFront(ctx context.Context, key ThreadKey) (*QueuedPrompt, error) {
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

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
SELECT prompt_id, position, prompt_text, attachments_json, run_config_json, created_at_unix_ms
FROM queued_prompts
WHERE project_id = ? AND workspace_id = ? AND thread_num = ?
ORDER BY position ASC
LIMIT 1
`, key.ProjectID, key.WorkspaceID, key.ThreadNum)
	p, err := scanQueuedPrompt(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `
DELETE FROM queued_prompts
WHERE project_id = ? AND workspace_id = ? AND thread_num = ? AND prompt_id = ?
`, key.ProjectID, key.WorkspaceID, key.ThreadNum, p.PromptID); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &p, nil
}

// RemoveQueued deletes one queued prompt by id. Reports whether a prompt was
// removed; an id that was already dispatched simply reports false.
func (s *Store) RemoveQueued(ctx context.Context, key ThreadKey, promptID int64) (bool, error) {
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

	res, err := s.db.ExecContext(ctx, `
DELETE FROM queued_prompts
WHERE project_id = ? AND workspace_id = ? AND thread_num = ? AND prompt_id = ?
`, key.ProjectID, key.WorkspaceID, key.ThreadNum, promptID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ReorderQueue rewrites queue positions to match orderedIDs. The id set must
// equal the current queue exactly; otherwise nothing changes and an error is
// returned.
func (s *Store) ReorderQueue(ctx context.Context, key ThreadKey, orderedIDs []int64) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	key = key.Normalize()
	if err := key.Validate(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
SELECT prompt_id FROM queued_prompts
WHERE project_id = ? AND workspace_id = ? AND thread_num = ?
`, key.ProjectID, key.WorkspaceID, key.ThreadNum)
	if err != nil {
		return err
	}
	current := make(map[int64]bool, len(orderedIDs))
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return err
		}
		current[id] = true
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return err
	}
	_ = rows.Close()

	if len(orderedIDs) != len(current) {
		return fmt.Errorf("reorder id set mismatch: got %d ids, queue has %d", len(orderedIDs), len(current))
	}
	seen := make(map[int64]bool, len(orderedIDs))
	for _, id := range orderedIDs {
		if !current[id] {
			return fmt.Errorf("reorder id %d not in queue", id)
		}
		if seen[id] {
			return fmt.Errorf("reorder id %d repeated", id)
		}
		seen[id] = true
	}

	for i, id := range orderedIDs {
		if _, err := tx.ExecContext(ctx, `
UPDATE queued_prompts
SET position = ?
WHERE project_id = ? AND workspace_id = ? AND thread_num = ? AND prompt_id = ?
`, int64(i+1), key.ProjectID, key.WorkspaceID, key.ThreadNum, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanQueuedPrompt(row rowScanner) (QueuedPrompt, error) {
	var p QueuedPrompt
	var attachmentsJSON, runConfigJSON string
	if err := row.Scan(&p.PromptID, &p.Position, &p.Text, &attachmentsJSON, &runConfigJSON, &p.CreatedAtUnixMs); err != nil {
		return QueuedPrompt{}, err
	}
	if strings.TrimSpace(attachmentsJSON) != "" {
		if err := json.Unmarshal([]byte(attachmentsJSON), &p.Attachments); err != nil {
			return QueuedPrompt{}, fmt.Errorf("corrupt queued prompt attachments: %w", err)
		}
	}
	if strings.TrimSpace(runConfigJSON) != "" {
		p.RunConfig = json.RawMessage(runConfigJSON)
	}
	return p, nil
}
