package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/loomworks/loom/internal/config"
	"github.com/loomworks/loom/internal/host"
)

var (
	// Version is set via -ldflags at build time.
	Version = "dev"
	// Commit is set via -ldflags at build time.
	Commit = "unknown"
	// BuildTime is set via -ldflags at build time.
	BuildTime = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "init":
		initCmd(os.Args[2:])
	case "run":
		runCmd(os.Args[2:])
	case "status":
		statusCmd(os.Args[2:])
	case "threads":
		threadsCmd(os.Args[2:])
	case "log":
		logCmd(os.Args[2:])
	case "version":
		fmt.Printf("loomd %s (%s) %s\n", Version, Commit, BuildTime)
	default:
		printUsage()
		os.Exit(2)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `loomd

Usage:
  loomd init [flags]
  loomd run [flags]
  loomd status [flags]
  loomd threads [flags]
  loomd log [flags]
  loomd version

Commands:
  init      Write the config file and the vendor runner registry, and create the state dir.
  run       Run the daemon using the local config file.
  status    Show whether a daemon owns the state dir, its vendor processes, and recent activity.
  threads   List a workspace's threads from the thread database (read-only).
  log       Print one page of a thread's conversation log (read-only).
  version   Print build information.

`)
}

func initCmd(args []string) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)

	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	runnersPath := fs.String("runners", config.DefaultRunnersPath(), "Runner registry path")
	stateDir := fs.String("state-dir", "", "State directory (empty: keep the config's value)")
	vendor := fs.String("vendor", "", "Default agent vendor (empty: keep the config's value)")

	logFormat := fs.String("log-format", "", "Log format: auto|json|text (empty: keep the config's value)")
	logLevel := fs.String("log-level", "", "Log level: debug|info|warn|error (empty: keep the config's value)")

	force := fs.Bool("force", false, "Rewrite config and runners from the defaults")

	_ = fs.Parse(args)

	cfgOut, runnersOut, err := config.InitState(config.InitArgs{
		ConfigPath:    *cfgPath,
		RunnersPath:   *runnersPath,
		StateDir:      *stateDir,
		DefaultVendor: *vendor,
		LogFormat:     *logFormat,
		LogLevel:      *logLevel,
		Force:         *force,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "init failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Config written: %s\n", cfgOut)
	fmt.Printf("Runner registry: %s\n", runnersOut)
}

func runCmd(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	runnersPath := fs.String("runners", config.DefaultRunnersPath(), "Runner registry path")
	_ = fs.Parse(args)

	cfg, err := config.Load(filepath.Clean(*cfgPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	h, err := host.New(host.Options{
		Config:      cfg,
		RunnersPath: *runnersPath,
		Version:     Version,
		Commit:      Commit,
		BuildTime:   BuildTime,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init daemon: %v\n", err)
		os.Exit(1)
	}

	printWelcomeBanner(os.Stderr, welcomeBannerOptions{
		Version:       Version,
		StateDir:      h.StateDir(),
		DefaultVendor: cfg.DefaultVendor,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown on SIGINT/SIGTERM.
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		cancel()
	}()

	if err := h.Run(ctx); err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "daemon exited with error: %v\n", err)
		os.Exit(1)
	}
}
