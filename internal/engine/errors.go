package engine

import (
	"errors"

	"github.com/loomworks/loom/internal/engine/logstore"
	"github.com/loomworks/loom/internal/engine/pool"
)

var (
	// ErrConversationNotFound and ErrProcessNotFound are the store's and
	// pool's sentinels, re-exported so callers only import this package.
	ErrConversationNotFound = logstore.ErrConversationNotFound
	ErrProcessNotFound      = pool.ErrProcessNotFound

	// ErrTurnTimeout marks a turn killed by the hard wall-clock limit.
	ErrTurnTimeout = errors.New("turn timed out")

	// ErrVendorProtocol marks a vendor stream that violated the event
	// contract, e.g. ending a turn without a final agent message.
	ErrVendorProtocol = errors.New("vendor protocol violation")

	// ErrEngineClosed is returned for any operation after Close.
	ErrEngineClosed = errors.New("engine closed")

	// ErrStaleRun rejects a cancel aimed at a run that is no longer (or
	// never was) the thread's active run.
	ErrStaleRun = errors.New("run is not active")
)
