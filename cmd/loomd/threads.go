package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"

	"github.com/loomworks/loom/internal/config"
	"github.com/loomworks/loom/internal/engine/logstore"
	"github.com/loomworks/loom/internal/host"
)

func threadsCmd(args []string) {
	fs := flag.NewFlagSet("threads", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	project := fs.String("project", "", "Project id")
	workspace := fs.String("workspace", "", "Workspace id")
	_ = fs.Parse(args)

	if *project == "" || *workspace == "" {
		fs.Usage()
		os.Exit(2)
	}

	st := openInspectStore(*cfgPath)
	defer st.Close()

	threads, err := st.ListThreads(context.Background(), *project, *workspace)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to list threads: %v\n", err)
		os.Exit(1)
	}
	if len(threads) == 0 {
		fmt.Printf("no threads in %s/%s\n", *project, *workspace)
		return
	}

	for _, th := range threads {
		fmt.Println(formatThread(th))
	}
}

// openInspectStore opens the daemon's thread database read-only, resolved
// from the config's state dir. A running daemon keeps writing; WAL makes
// the reads consistent.
func openInspectStore(cfgPath string) *logstore.Store {
	cfg, err := config.Load(filepath.Clean(cfgPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	dbPath := filepath.Join(cfg.ResolvedStateDir(), host.DBFileName)
	st, err := logstore.OpenReadOnly(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open thread database: %v\n", err)
		os.Exit(1)
	}
	return st
}

// formatThread renders one listing row. Padding happens before coloring so
// ANSI escapes do not skew the columns.
func formatThread(th logstore.Thread) string {
	status := fmt.Sprintf("%-15s", th.Status)
	switch th.Status {
	case logstore.StatusRunning:
		status = color.GreenString(status)
	case logstore.StatusQueuedPaused:
		status = color.YellowString(status)
	}

	line := fmt.Sprintf("#%-4d %-48s %s %4d entries", th.Key.ThreadNum, th.Title, status, th.EntryCount)
	if th.QueueLen > 0 {
		line += fmt.Sprintf("  queue %d", th.QueueLen)
	}
	if th.LastRunResult == logstore.RunResultFailed {
		line += "  " + color.RedString("last run failed")
	}
	line += "  " + humanize.Time(time.UnixMilli(th.UpdatedAtUnixMs))
	return line
}
