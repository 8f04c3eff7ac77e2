package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadRunnersMissingFileYieldsDefaults(t *testing.T) {
	t.Parallel()

	vendors, err := LoadRunners(filepath.Join(t.TempDir(), "runners.yaml"))
	if err != nil {
		t.Fatalf("LoadRunners: %v", err)
	}
	codex, ok := vendors["codex"]
	if !ok {
		t.Fatalf("missing built-in codex vendor: %v", vendors)
	}
	if codex.Kind != RunnerKindPooled || codex.Command != "codex" {
		t.Fatalf("codex profile = %+v", codex)
	}
	if vendors["anthropic"].Kind != RunnerKindAnthropicAPI {
		t.Fatalf("anthropic profile = %+v", vendors["anthropic"])
	}
}

func TestLoadRunnersMergesOverDefaults(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "runners.yaml")
	body := `version: 1
vendors:
  codex:
    kind: pooled
    command: /opt/codex/bin/codex
    args: [proto, --verbose]
  Aider:
    kind: oneshot
    command: aider
    workdir: /srv/checkouts
    env: [AIDER_NO_BROWSER=1]
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	vendors, err := LoadRunners(path)
	if err != nil {
		t.Fatalf("LoadRunners: %v", err)
	}
	if got := vendors["codex"].Command; got != "/opt/codex/bin/codex" {
		t.Fatalf("codex command = %q, want override", got)
	}
	if len(vendors["codex"].Args) != 2 {
		t.Fatalf("codex args = %v", vendors["codex"].Args)
	}
	// Vendor names are case-insensitive.
	aider, ok := vendors["aider"]
	if !ok {
		t.Fatalf("missing aider vendor: %v", vendors)
	}
	if aider.Kind != RunnerKindOneShot || aider.Command != "aider" {
		t.Fatalf("aider profile = %+v", aider)
	}
	if aider.Workdir != "/srv/checkouts" {
		t.Fatalf("aider workdir = %q", aider.Workdir)
	}
	// Untouched built-ins survive the merge.
	if _, ok := vendors["claude"]; !ok {
		t.Fatalf("built-in claude vendor lost in merge")
	}
}

func TestLoadRunnersRejectsCommandlessSubprocessVendor(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "runners.yaml")
	body := `vendors:
  broken:
    kind: pooled
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := LoadRunners(path); err == nil {
		t.Fatalf("expected validation error for missing command")
	}
}

func TestLoadRunnersRejectsUnknownKind(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "runners.yaml")
	body := `vendors:
  weird:
    kind: grpc
    command: weird
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := LoadRunners(path); err == nil {
		t.Fatalf("expected validation error for unknown kind")
	}
}

func TestLoadRunnersRejectsMalformedEnv(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "runners.yaml")
	body := `vendors:
  bad:
    kind: oneshot
    command: bad
    env: [NOEQUALS]
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := LoadRunners(path); err == nil {
		t.Fatalf("expected validation error for env entry")
	}
}

func TestSaveRunnersRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "runners.yaml")
	if err := SaveRunners(path, DefaultRunners()); err != nil {
		t.Fatalf("SaveRunners: %v", err)
	}

	vendors, err := LoadRunners(path)
	if err != nil {
		t.Fatalf("LoadRunners: %v", err)
	}
	want := DefaultRunners()
	if len(vendors) != len(want) {
		t.Fatalf("vendor count = %d, want %d", len(vendors), len(want))
	}
	for name, p := range want {
		got := vendors[name]
		if got.Kind != p.Kind || got.Command != p.Command {
			t.Fatalf("vendor %s = %+v, want %+v", name, got, p)
		}
	}
}

func TestRunnerProfileDefaultsToPooled(t *testing.T) {
	t.Parallel()

	p := RunnerProfile{Command: "some-agent"}
	if err := p.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if got := p.normalized().Kind; got != RunnerKindPooled {
		t.Fatalf("normalized kind = %q, want pooled", got)
	}
}
