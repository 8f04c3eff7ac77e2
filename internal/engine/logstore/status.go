package logstore

// ThreadStatus is the derived per-thread state. It is recomputed from the
// entry tail and queue length on every read and never stored, so it cannot
// drift from the log.
type ThreadStatus string

const (
	StatusRunning        ThreadStatus = "running"
	StatusQueuedAwaiting ThreadStatus = "queued_awaiting"
	StatusQueuedPaused   ThreadStatus = "queued_paused"
	StatusIdle           ThreadStatus = "idle"
)

// RunResult is the outcome of the most recent finished run.
type RunResult string

const (
	RunResultCompleted RunResult = "completed"
	RunResultFailed    RunResult = "failed"
)

// deriveStatus inspects the newest entries first. The first marker entry
// decides: a user message with no later terminal marker means a turn is in
// flight; a duration entry means the last run completed; an error entry
// means it failed and the queue is paused; a cancellation marker pauses the
// queue without a result.
func deriveStatus(kindsNewestFirst []EntryKind, queueLen int) (ThreadStatus, RunResult) {
	inFlight := false
	paused := false
	var result RunResult

scan:
	for _, k := range kindsNewestFirst {
		switch k {
		case KindUserMessage:
			inFlight = true
			break scan
		case KindTurnDuration:
			result = RunResultCompleted
			break scan
		case KindTurnError:
			result = RunResultFailed
			paused = true
			break scan
		case KindTurnCanceled:
			paused = true
			break scan
		}
	}

	switch {
	case inFlight:
		return StatusRunning, ""
	case queueLen > 0 && paused:
		return StatusQueuedPaused, result
	case queueLen > 0:
		return StatusQueuedAwaiting, result
	default:
		return StatusIdle, result
	}
}
