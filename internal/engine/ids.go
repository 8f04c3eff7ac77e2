package engine

import (
	"fmt"

	"github.com/google/uuid"
)

// newTurnScope mints the id mixed into every vendor item id for one turn.
// Scopes must stay unique across daemon restarts so redelivered items from
// an old turn can never collide with a new turn's ids.
func newTurnScope() string {
	return "ts_" + uuid.NewString()
}

// runID formats the thread-local run counter. Run ids only need to be
// unique among the runs of one thread while the daemon is up; they exist to
// tell stale events from a superseded run apart from live ones.
func runID(n int64) string {
	return fmt.Sprintf("run_%d", n)
}
