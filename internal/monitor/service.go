// Package monitor samples host load and vendor subprocess resource usage
// for loomd status reporting.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/load"
	gopsutilNet "github.com/shirou/gopsutil/v4/net"
	"github.com/shirou/gopsutil/v4/process"
)

const (
	snapshotTTL    = 2 * time.Second
	netSpeedWindow = 6 * time.Second
	netHistoryMax  = 10
)

// Service produces resource snapshots. Collection is cached for a short
// TTL so frequent status polling stays cheap.
type Service struct {
	log  *slog.Logger
	pids func() []int

	mu      sync.Mutex
	hasSnap bool
	snap    Snapshot

	netRates *rateWindow
}

// New builds a Service. pids reports the vendor subprocesses to sample;
// a nil source means only host stats are collected.
func New(log *slog.Logger, pids func() []int) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		log:      log,
		pids:     pids,
		netRates: newRateWindow(netHistoryMax, netSpeedWindow),
	}
}

// Snapshot is one monitoring sample.
type Snapshot struct {
	CPUPercent  float64   `json:"cpu_percent"`
	CPUCores    int       `json:"cpu_cores"`
	LoadAverage []float64 `json:"load_average,omitempty"`

	NetRecvBytes  uint64  `json:"net_recv_bytes"`
	NetSentBytes  uint64  `json:"net_sent_bytes"`
	NetRecvPerSec float64 `json:"net_recv_per_sec"`
	NetSentPerSec float64 `json:"net_sent_per_sec"`

	Platform string `json:"platform"`

	Agents        []ProcessStat `json:"agents"`
	CollectedAtMs int64         `json:"collected_at_ms"`
}

// ProcessStat describes one tracked vendor subprocess.
type ProcessStat struct {
	Pid        int     `json:"pid"`
	Name       string  `json:"name"`
	CPUPercent float64 `json:"cpu_percent"`
	RSSBytes   uint64  `json:"rss_bytes"`
}

// Snapshot returns the cached sample, collecting a fresh one when stale.
func (s *Service) Snapshot(ctx context.Context) Snapshot {
	if s == nil {
		return Snapshot{}
	}
	now := time.Now()

	s.mu.Lock()
	if s.hasSnap && now.Sub(time.UnixMilli(s.snap.CollectedAtMs)) < snapshotTTL {
		out := s.snap
		s.mu.Unlock()
		return out
	}
	s.mu.Unlock()

	snap := s.collect(ctx)

	s.mu.Lock()
	s.snap = snap
	s.hasSnap = true
	s.mu.Unlock()

	return snap
}

func (s *Service) collect(ctx context.Context) Snapshot {
	collectedAt := time.Now()
	snap := Snapshot{Platform: runtime.GOOS}

	if usage, err := readCPUPercent(ctx); err == nil {
		snap.CPUPercent = usage
	} else {
		s.log.Warn("monitor: get cpu percent failed", "error", err)
	}

	if cores, err := cpu.CountsWithContext(ctx, true); err == nil {
		snap.CPUCores = cores
	} else {
		s.log.Warn("monitor: get cpu cores failed", "error", err)
	}

	if avg, err := load.AvgWithContext(ctx); err == nil && avg != nil {
		snap.LoadAverage = []float64{avg.Load1, avg.Load5, avg.Load15}
	} else if err != nil {
		s.log.Warn("monitor: get load average failed", "error", err)
	}

	if counters, err := gopsutilNet.IOCountersWithContext(ctx, false); err == nil && len(counters) > 0 {
		snap.NetRecvBytes = counters[0].BytesRecv
		snap.NetSentBytes = counters[0].BytesSent

		s.netRates.add(netSample{
			recv: counters[0].BytesRecv,
			sent: counters[0].BytesSent,
			at:   collectedAt,
		})
		snap.NetRecvPerSec, snap.NetSentPerSec = s.netRates.speed(collectedAt)
	} else if err != nil {
		s.log.Warn("monitor: get network io failed", "error", err)
	}

	snap.Agents = s.sampleAgents(ctx)
	snap.CollectedAtMs = collectedAt.UnixMilli()
	return snap
}

// readCPUPercent prefers non-blocking sampling (diff from the previous
// call); short-interval sampling can report 0 on macOS due to coarse
// aggregated tick updates. A short blocking interval bootstraps the
// first sample.
func readCPUPercent(ctx context.Context) (float64, error) {
	var errs []error

	if p, err := cpu.PercentWithContext(ctx, 0, true); err == nil && len(p) > 0 {
		return average(p), nil
	} else if err != nil {
		errs = append(errs, err)
	}
	if p, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(p) > 0 {
		return p[0], nil
	} else if err != nil {
		errs = append(errs, err)
	}

	if p, err := cpu.PercentWithContext(ctx, 250*time.Millisecond, true); err == nil && len(p) > 0 {
		return average(p), nil
	} else if err != nil {
		errs = append(errs, err)
	}
	if p, err := cpu.PercentWithContext(ctx, 250*time.Millisecond, false); err == nil && len(p) > 0 {
		return p[0], nil
	} else if err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return 0, errors.Join(errs...)
	}
	return 0, fmt.Errorf("cpu percent unavailable")
}

func average(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// sampleAgents reads name/CPU/RSS for each live vendor subprocess. The
// pid set comes straight from the pool's slot table, so a process that
// died since the last snapshot simply drops out of the list.
func (s *Service) sampleAgents(ctx context.Context) []ProcessStat {
	if s.pids == nil {
		return nil
	}
	pids := s.pids()
	if len(pids) == 0 {
		return nil
	}
	sort.Ints(pids)

	out := make([]ProcessStat, 0, len(pids))
	for _, pid := range pids {
		p, err := process.NewProcessWithContext(ctx, int32(pid))
		if err != nil {
			// Exited between listing and sampling.
			continue
		}

		name, err := p.NameWithContext(ctx)
		if err != nil || strings.TrimSpace(name) == "" {
			name = fmt.Sprintf("[%d]", pid)
		}

		cpuPercent, err := p.CPUPercentWithContext(ctx)
		if err != nil {
			cpuPercent = 0
		}

		var rss uint64
		if mem, err := p.MemoryInfoWithContext(ctx); err == nil && mem != nil {
			rss = mem.RSS
		}

		out = append(out, ProcessStat{
			Pid:        pid,
			Name:       strings.TrimSpace(name),
			CPUPercent: cpuPercent,
			RSSBytes:   rss,
		})
	}
	return out
}
