package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/loomworks/loom/internal/config"
	"github.com/loomworks/loom/internal/lockfile"
	"github.com/loomworks/loom/internal/monitor"
	"github.com/loomworks/loom/internal/opslog"
)

func statusCmd(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	events := fs.Int("events", 8, "Recent journal entries to show")
	_ = fs.Parse(args)

	cfg, err := config.Load(filepath.Clean(*cfgPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	stateDir := cfg.ResolvedStateDir()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pid, alive := daemonPid(ctx, stateDir)
	if !alive {
		fmt.Printf("loomd is %s\n", color.RedString("not running"))
		fmt.Printf("  state dir: %s\n", stateDir)
		printRecentEvents(stateDir, *events)
		os.Exit(1)
	}

	fmt.Printf("loomd is %s (pid %d)\n", color.GreenString("running"), pid)
	fmt.Printf("  state dir: %s\n", stateDir)
	if started, ok := processStart(ctx, pid); ok {
		fmt.Printf("  started:   %s\n", humanize.Time(started))
	}

	snap := sampleDaemon(ctx, pid)
	fmt.Printf("  cpu:       %.1f%% of %d cores", snap.CPUPercent, snap.CPUCores)
	if len(snap.LoadAverage) == 3 {
		fmt.Printf(", load %.2f %.2f %.2f", snap.LoadAverage[0], snap.LoadAverage[1], snap.LoadAverage[2])
	}
	fmt.Println()
	fmt.Printf("  net:       rx %s/s, tx %s/s\n",
		humanize.Bytes(uint64(snap.NetRecvPerSec)), humanize.Bytes(uint64(snap.NetSentPerSec)))

	if len(snap.Agents) > 0 {
		fmt.Println("  processes:")
		for _, a := range snap.Agents {
			suffix := ""
			if a.Pid == pid {
				suffix = "  (daemon)"
			}
			fmt.Printf("    %-7d %-14s cpu %5.1f%%  rss %s%s\n",
				a.Pid, a.Name, a.CPUPercent, humanize.IBytes(a.RSSBytes), suffix)
		}
	}

	printRecentEvents(stateDir, *events)
}

// daemonPid reads the state lock file and checks that the recorded process
// is still alive. The lock file survives a crash, so the pid alone is not
// proof of a running daemon.
func daemonPid(ctx context.Context, stateDir string) (int, bool) {
	pid, err := lockfile.ReadPid(filepath.Join(stateDir, lockfile.LockFileName))
	if err != nil || pid <= 0 {
		return 0, false
	}
	alive, err := process.PidExistsWithContext(ctx, int32(pid))
	if err != nil || !alive {
		return pid, false
	}
	return pid, true
}

func processStart(ctx context.Context, pid int) (time.Time, bool) {
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return time.Time{}, false
	}
	ms, err := p.CreateTimeWithContext(ctx)
	if err != nil || ms <= 0 {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

// sampleDaemon takes a one-shot monitor sample over the daemon and its
// vendor subprocesses. status runs outside the daemon, so the pid set
// comes from the process tree rather than the pool.
func sampleDaemon(ctx context.Context, pid int) monitor.Snapshot {
	mon := monitor.New(quietLogger(), func() []int {
		pids := []int{pid}
		p, err := process.NewProcessWithContext(ctx, int32(pid))
		if err != nil {
			return pids
		}
		children, err := p.ChildrenWithContext(ctx)
		if err != nil {
			// No children is reported as an error; the daemon alone is fine.
			return pids
		}
		for _, c := range children {
			pids = append(pids, int(c.Pid))
		}
		return pids
	})
	return mon.Snapshot(ctx)
}

func printRecentEvents(stateDir string, limit int) {
	if limit <= 0 {
		return
	}
	if _, err := os.Stat(stateDir); err != nil {
		return
	}

	ops, err := opslog.New(opslog.Options{Logger: quietLogger(), StateDir: stateDir})
	if err != nil {
		return
	}
	entries, err := ops.List(limit)
	if err != nil || len(entries) == 0 {
		return
	}

	fmt.Println("  recent activity:")
	for _, e := range entries {
		fmt.Println("    " + formatEvent(e))
	}
}

// formatEvent renders one journal entry as a single aligned line. Padding
// happens before coloring so ANSI escapes do not skew the columns.
func formatEvent(e opslog.Entry) string {
	when := e.CreatedAt
	if t, err := time.Parse(time.RFC3339Nano, e.CreatedAt); err == nil {
		when = humanize.Time(t)
	}

	action := fmt.Sprintf("%-18s", e.Action)
	if e.Status == "failure" {
		action = color.RedString(action)
	}

	line := fmt.Sprintf("%-18s %s", when, action)
	if e.Thread != "" {
		line += "  " + e.Thread
	}
	if e.Vendor != "" {
		line += "  vendor=" + e.Vendor
	}
	if e.Error != "" {
		line += "  " + e.Error
	}
	return line
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
