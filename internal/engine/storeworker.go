package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/loomworks/loom/internal/engine/logstore"
)

// storeWorker owns the durable store handle. Every read and write funnels
// through its single command loop, so the store never sees two calls at
// once and needs no internal locking.
type storeWorker struct {
	log   *slog.Logger
	store *logstore.Store

	cmds chan storeCmd

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

type storeCmd struct {
	fn   func(*logstore.Store)
	done chan struct{}
}

func newStoreWorker(log *slog.Logger, store *logstore.Store) *storeWorker {
	w := &storeWorker{
		log:    log,
		store:  store,
		cmds:   make(chan storeCmd, 256),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	go w.loop()
	return w
}

func (w *storeWorker) loop() {
	defer close(w.doneCh)
	for {
		select {
		case <-w.stopCh:
			// Run whatever was already queued, then release the handle.
			for {
				select {
				case cmd := <-w.cmds:
					cmd.fn(w.store)
					close(cmd.done)
				default:
					if err := w.store.Close(); err != nil {
						w.log.Warn("store close failed", "component", "engine", "error", err)
					}
					return
				}
			}
		case cmd := <-w.cmds:
			cmd.fn(w.store)
			close(cmd.done)
		}
	}
}

func (w *storeWorker) close() {
	if w == nil {
		return
	}
	w.stopOnce.Do(func() {
		close(w.stopCh)
	})
	<-w.doneCh
}

// do runs fn on the worker goroutine and waits for it. An enqueue that
// races close may never run; doneCh closing with cmd.done still open means
// the loop exited without seeing the command.
func (w *storeWorker) do(ctx context.Context, fn func(*logstore.Store)) error {
	if w == nil {
		return errors.New("store worker not ready")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	cmd := storeCmd{fn: fn, done: make(chan struct{})}
	select {
	case <-w.stopCh:
		return ErrEngineClosed
	case <-ctx.Done():
		return ctx.Err()
	case w.cmds <- cmd:
	}
	select {
	case <-cmd.done:
		return nil
	case <-w.doneCh:
		select {
		case <-cmd.done:
			return nil
		default:
			return ErrEngineClosed
		}
	}
}

func (w *storeWorker) EnsureThread(ctx context.Context, key logstore.ThreadKey) (bool, error) {
	var created bool
	var err error
	if derr := w.do(ctx, func(s *logstore.Store) {
		created, err = s.EnsureThread(ctx, key)
	}); derr != nil {
		return false, derr
	}
	return created, err
}

func (w *storeWorker) GetThread(ctx context.Context, key logstore.ThreadKey) (*logstore.Thread, error) {
	var th *logstore.Thread
	var err error
	if derr := w.do(ctx, func(s *logstore.Store) {
		th, err = s.GetThread(ctx, key)
	}); derr != nil {
		return nil, derr
	}
	return th, err
}

func (w *storeWorker) ListThreads(ctx context.Context, projectID, workspaceID string) ([]logstore.Thread, error) {
	var out []logstore.Thread
	var err error
	if derr := w.do(ctx, func(s *logstore.Store) {
		out, err = s.ListThreads(ctx, projectID, workspaceID)
	}); derr != nil {
		return nil, derr
	}
	return out, err
}

func (w *storeWorker) Append(ctx context.Context, key logstore.ThreadKey, entries []logstore.Entry) ([]logstore.Entry, error) {
	var stored []logstore.Entry
	var err error
	if derr := w.do(ctx, func(s *logstore.Store) {
		stored, err = s.Append(ctx, key, entries)
	}); derr != nil {
		return nil, derr
	}
	return stored, err
}

func (w *storeWorker) LoadPage(ctx context.Context, key logstore.ThreadKey, beforeSeq int64, limit int) (logstore.Page, error) {
	var page logstore.Page
	var err error
	if derr := w.do(ctx, func(s *logstore.Store) {
		page, err = s.LoadPage(ctx, key, beforeSeq, limit)
	}); derr != nil {
		return logstore.Page{}, derr
	}
	return page, err
}

func (w *storeWorker) UpdateTitleIfMatches(ctx context.Context, key logstore.ThreadKey, expected, title string) (bool, error) {
	var ok bool
	var err error
	if derr := w.do(ctx, func(s *logstore.Store) {
		ok, err = s.UpdateTitleIfMatches(ctx, key, expected, title)
	}); derr != nil {
		return false, derr
	}
	return ok, err
}

func (w *storeWorker) SetRemoteThreadIDOnce(ctx context.Context, key logstore.ThreadKey, remoteThreadID string) (bool, error) {
	var ok bool
	var err error
	if derr := w.do(ctx, func(s *logstore.Store) {
		ok, err = s.SetRemoteThreadIDOnce(ctx, key, remoteThreadID)
	}); derr != nil {
		return false, derr
	}
	return ok, err
}

func (w *storeWorker) EnqueuePrompt(ctx context.Context, key logstore.ThreadKey, text string, attachments []logstore.AttachmentRef, runConfig json.RawMessage) (*logstore.QueuedPrompt, error) {
	var p *logstore.QueuedPrompt
	var err error
	if derr := w.do(ctx, func(s *logstore.Store) {
		p, err = s.EnqueuePrompt(ctx, key, text, attachments, runConfig)
	}); derr != nil {
		return nil, derr
	}
	return p, err
}

func (w *storeWorker) ListQueue(ctx context.Context, key logstore.ThreadKey) ([]logstore.QueuedPrompt, error) {
	var out []logstore.QueuedPrompt
	var err error
	if derr := w.do(ctx, func(s *logstore.Store) {
		out, err = s.ListQueue(ctx, key)
	}); derr != nil {
		return nil, derr
	}
	return out, err
}

func (w *storeWorker) PopQueueFront(ctx context.Context, key logstore.ThreadKey) (*logstore.QueuedPrompt, error) {
	var p *logstore.QueuedPrompt
	var err error
	if derr := w.do(ctx, func(s *logstore.Store) {
		p, err = s.PopQueueFront(ctx, key)
	}); derr != nil {
		return nil, derr
	}
	return p, err
}

func (w *storeWorker) RemoveQueued(ctx context.Context, key logstore.ThreadKey, promptID int64) (bool, error) {
	var ok bool
	var err error
	if derr := w.do(ctx, func(s *logstore.Store) {
		ok, err = s.RemoveQueued(ctx, key, promptID)
	}); derr != nil {
		return false, derr
	}
	return ok, err
}

func (w *storeWorker) ReorderQueue(ctx context.Context, key logstore.ThreadKey, orderedIDs []int64) error {
	var err error
	if derr := w.do(ctx, func(s *logstore.Store) {
		err = s.ReorderQueue(ctx, key, orderedIDs)
	}); derr != nil {
		return derr
	}
	return err
}

func (w *storeWorker) DeleteWorkspace(ctx context.Context, projectID, workspaceID string) error {
	var err error
	if derr := w.do(ctx, func(s *logstore.Store) {
		err = s.DeleteWorkspace(ctx, projectID, workspaceID)
	}); derr != nil {
		return derr
	}
	return err
}
