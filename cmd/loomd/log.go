package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/loomworks/loom/internal/config"
	"github.com/loomworks/loom/internal/engine/logstore"
)

func logCmd(args []string) {
	fs := flag.NewFlagSet("log", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	project := fs.String("project", "", "Project id")
	workspace := fs.String("workspace", "", "Workspace id")
	threadNum := fs.Int64("thread", 0, "Thread number")
	limit := fs.Int("limit", 50, "Entries per page")
	before := fs.Int64("before", 0, "Upper-bound sequence for older pages (0: newest page)")
	_ = fs.Parse(args)

	key := logstore.ThreadKey{ProjectID: *project, WorkspaceID: *workspace, ThreadNum: *threadNum}
	if err := key.Validate(); err != nil {
		fs.Usage()
		os.Exit(2)
	}

	st := openInspectStore(*cfgPath)
	defer st.Close()

	page, err := st.LoadPage(context.Background(), key, *before, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load log: %v\n", err)
		os.Exit(1)
	}

	for _, e := range page.Entries {
		fmt.Println(formatLogEntry(e))
	}
	if page.SliceStartSeq > 0 {
		fmt.Printf("\n%d older entries; rerun with -before %d\n", page.SliceStartSeq, page.SliceStartSeq)
	}
}

func formatLogEntry(e logstore.Entry) string {
	ts := time.UnixMilli(e.CreatedAtUnixMs).Format("Jan 02 15:04:05")

	switch e.Kind {
	case logstore.KindTaskCreated:
		return fmt.Sprintf("%s  -- thread created", ts)
	case logstore.KindStatusChanged:
		status := ""
		if e.System != nil {
			status = e.System.Status
		}
		return fmt.Sprintf("%s  -- status: %s", ts, status)
	case logstore.KindUserMessage:
		text, suffix := "", ""
		if e.User != nil {
			text = e.User.Text
			if len(e.User.Attachments) > 0 {
				names := make([]string, 0, len(e.User.Attachments))
				for _, a := range e.User.Attachments {
					names = append(names, a.Name)
				}
				suffix = fmt.Sprintf("  [%s]", strings.Join(names, ", "))
			}
		}
		return fmt.Sprintf("%s  %s %s%s", ts, color.CyanString("you>"), text, suffix)
	case logstore.KindAgentMessage:
		text := ""
		if e.Agent != nil {
			text = e.Agent.Text
		}
		return fmt.Sprintf("%s  agent> %s", ts, text)
	case logstore.KindAgentItem:
		itemType := ""
		if e.Agent != nil {
			itemType = e.Agent.ItemType
		}
		return fmt.Sprintf("%s  .. %s %s", ts, itemType, e.ItemID)
	case logstore.KindUsage:
		if e.Agent != nil && e.Agent.Usage != nil {
			u := e.Agent.Usage
			return fmt.Sprintf("%s  -- usage: in %d (cached %d) out %d", ts, u.InputTokens, u.CachedInputTokens, u.OutputTokens)
		}
	case logstore.KindTurnDuration:
		if e.Agent != nil {
			d := time.Duration(e.Agent.DurationMs) * time.Millisecond
			return fmt.Sprintf("%s  -- turn took %s", ts, d)
		}
	case logstore.KindTurnCanceled:
		return fmt.Sprintf("%s  %s", ts, color.YellowString("-- turn canceled"))
	case logstore.KindTurnError:
		msg := ""
		if e.Agent != nil {
			msg = e.Agent.ErrorMessage
		}
		return fmt.Sprintf("%s  %s", ts, color.RedString("!! "+msg))
	}

	// Unknown kinds stay visible rather than hidden.
	return fmt.Sprintf("%s  -- %s", ts, e.Kind)
}
