package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

type InitArgs struct {
	ConfigPath  string
	RunnersPath string

	StateDir      string
	DefaultVendor string
	LogFormat     string
	LogLevel      string

	// Force rewrites an existing config from the defaults instead of
	// preserving it. The runners file is likewise rewritten.
	Force bool
}

// InitState prepares a loom installation: it writes the config file, writes
// the built-in runner profiles so users have something to edit, and creates
// the state directory. Re-running init preserves an existing config (so
// provider keys already added by hand survive) and only overrides the
// fields set in args.
func InitState(args InitArgs) (configPath string, runnersPath string, err error) {
	cfgPath := strings.TrimSpace(args.ConfigPath)
	if cfgPath == "" {
		cfgPath = DefaultConfigPath()
	}
	runPath := strings.TrimSpace(args.RunnersPath)
	if runPath == "" {
		runPath = DefaultRunnersPath()
	}

	cfg := Default()
	if !args.Force {
		if prev, loadErr := readConfigFile(cfgPath); loadErr == nil {
			cfg = prev
		}
	}
	if v := strings.TrimSpace(args.StateDir); v != "" {
		cfg.StateDir = v
	}
	if v := strings.TrimSpace(args.DefaultVendor); v != "" {
		cfg.DefaultVendor = strings.ToLower(v)
	}
	if v := strings.TrimSpace(args.LogFormat); v != "" {
		cfg.LogFormat = strings.ToLower(v)
	}
	if v := strings.TrimSpace(args.LogLevel); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if err := Save(cfgPath, cfg); err != nil {
		return "", "", err
	}

	if _, statErr := os.Stat(runPath); statErr != nil || args.Force {
		if err := SaveRunners(runPath, DefaultRunners()); err != nil {
			return "", "", err
		}
	}

	if err := os.MkdirAll(cfg.ResolvedStateDir(), 0o700); err != nil {
		return "", "", fmt.Errorf("create state dir: %w", err)
	}
	return filepath.Clean(cfgPath), filepath.Clean(runPath), nil
}
