package monitor

import (
	"sync"
	"time"
)

type netSample struct {
	recv uint64
	sent uint64
	at   time.Time
}

// rateWindow derives bytes-per-second rates from cumulative interface
// counters by comparing the oldest and newest samples inside a sliding
// window.
type rateWindow struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	samples []netSample
}

func newRateWindow(max int, window time.Duration) *rateWindow {
	if max <= 0 {
		max = 10
	}
	if window <= 0 {
		window = 6 * time.Second
	}
	return &rateWindow{max: max, window: window}
}

func (w *rateWindow) add(s netSample) {
	if w == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	w.samples = append(w.samples, s)
	if len(w.samples) > w.max {
		w.samples = w.samples[len(w.samples)-w.max:]
	}
}

// speed averages over the in-window samples. A counter that went
// backwards (interface reset) yields zero rather than an unsigned wrap.
func (w *rateWindow) speed(now time.Time) (recvPerSec, sentPerSec float64) {
	if w == nil {
		return 0, 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.samples) < 2 {
		return 0, 0
	}

	// Walk back to the oldest sample still inside the window.
	start := len(w.samples) - 1
	for start > 0 && now.Sub(w.samples[start-1].at) <= w.window {
		start--
	}
	if start == len(w.samples)-1 {
		return 0, 0
	}

	oldest := w.samples[start]
	newest := w.samples[len(w.samples)-1]
	dt := newest.at.Sub(oldest.at).Seconds()
	if dt <= 0 {
		return 0, 0
	}

	if newest.recv >= oldest.recv {
		recvPerSec = float64(newest.recv-oldest.recv) / dt
	}
	if newest.sent >= oldest.sent {
		sentPerSec = float64(newest.sent-oldest.sent) / dt
	}
	return recvPerSec, sentPerSec
}
