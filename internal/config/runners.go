package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Runner kinds understood by the engine.
const (
	RunnerKindPooled       = "pooled"
	RunnerKindOneShot      = "oneshot"
	RunnerKindAnthropicAPI = "anthropic_api"
	RunnerKindOpenAIAPI    = "openai_api"
)

// RunnerProfile describes how one agent vendor is invoked.
//
// Pooled and oneshot vendors run Command as a subprocess speaking the
// line-delimited event protocol; the API kinds talk to the provider
// directly and need no command.
type RunnerProfile struct {
	// Kind is "pooled", "oneshot", "anthropic_api" or "openai_api".
	Kind    string   `yaml:"kind"`
	Command string   `yaml:"command,omitempty"`
	Args    []string `yaml:"args,omitempty"`
	// Workdir is where subprocesses run when no per-workspace directory
	// is resolved. Empty inherits the daemon's working directory.
	Workdir string `yaml:"workdir,omitempty"`
	// Env entries are KEY=VALUE pairs appended to the daemon environment.
	Env []string `yaml:"env,omitempty"`
}

func (p RunnerProfile) Validate() error {
	kind := strings.ToLower(strings.TrimSpace(p.Kind))
	switch kind {
	case "", RunnerKindPooled, RunnerKindOneShot, "one-shot", "one_shot":
		if strings.TrimSpace(p.Command) == "" {
			return errors.New("missing command")
		}
	case RunnerKindAnthropicAPI, RunnerKindOpenAIAPI:
	default:
		return fmt.Errorf("invalid kind %q", p.Kind)
	}
	for i, kv := range p.Env {
		if !strings.Contains(kv, "=") {
			return fmt.Errorf("env[%d]: %q is not KEY=VALUE", i, kv)
		}
	}
	return nil
}

func (p RunnerProfile) normalized() RunnerProfile {
	p.Kind = strings.ToLower(strings.TrimSpace(p.Kind))
	if p.Kind == "" {
		p.Kind = RunnerKindPooled
	}
	p.Command = strings.TrimSpace(p.Command)
	p.Workdir = strings.TrimSpace(p.Workdir)
	return p
}

// runnersFile is the on-disk shape of runners.yaml.
type runnersFile struct {
	Version int                      `yaml:"version"`
	Vendors map[string]RunnerProfile `yaml:"vendors"`
}

const runnersFileVersion = 1

// DefaultRunners returns the built-in vendor profiles. The runners file
// only ever adds to or overrides these, so stock vendors work without one.
func DefaultRunners() map[string]RunnerProfile {
	return map[string]RunnerProfile{
		"codex": {
			Kind:    RunnerKindPooled,
			Command: "codex",
			Args:    []string{"proto"},
		},
		"claude": {
			Kind:    RunnerKindOneShot,
			Command: "claude",
			Args:    []string{"-p", "--output-format", "stream-json", "--verbose"},
		},
		"anthropic": {Kind: RunnerKindAnthropicAPI},
		"openai":    {Kind: RunnerKindOpenAIAPI},
	}
}

// DefaultRunnersPath returns the default runner profiles path:
//
//	~/.loom/runners.yaml
func DefaultRunnersPath() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return "loom.runners.yaml"
	}
	return filepath.Join(home, ".loom", "runners.yaml")
}

// LoadRunners reads vendor profiles from path and merges them over the
// built-in defaults. A missing file yields the defaults unchanged.
func LoadRunners(path string) (map[string]RunnerProfile, error) {
	out := DefaultRunners()
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return out, nil
		}
		return nil, err
	}
	var file runnersFile
	if err := yaml.Unmarshal(b, &file); err != nil {
		return nil, fmt.Errorf("invalid runners file: %w", err)
	}
	for name, p := range file.Vendors {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("vendors[%s]: %w", name, err)
		}
		out[name] = p.normalized()
	}
	return out, nil
}

// SaveRunners writes the given vendor profiles to path.
func SaveRunners(path string, vendors map[string]RunnerProfile) error {
	if len(vendors) == 0 {
		return errors.New("no vendors")
	}
	for name, p := range vendors {
		if strings.TrimSpace(name) == "" {
			return errors.New("empty vendor name")
		}
		if err := p.Validate(); err != nil {
			return fmt.Errorf("vendors[%s]: %w", name, err)
		}
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	b, err := yaml.Marshal(runnersFile{Version: runnersFileVersion, Vendors: vendors})
	if err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
