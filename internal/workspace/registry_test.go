package workspace

import (
	"os"
	"path/filepath"
	"testing"

	apperrors "github.com/agentfleet/agentfleet/internal/common/errors"
	"github.com/agentfleet/agentfleet/internal/common/logger"
	v1 "github.com/agentfleet/agentfleet/pkg/api/v1"
)

func TestValidName(t *testing.T) {
	valid := []string{"alice", "agent-1", "a.b_c", "X9"}
	for _, name := range valid {
		if !ValidName(name) {
			t.Errorf("expected %q to be valid", name)
		}
	}
	invalid := []string{"", "a/b", "../evil", "a b", "name!"}
	for _, name := range invalid {
		if ValidName(name) {
			t.Errorf("expected %q to be invalid", name)
		}
	}
}

func TestDiscoverAgentsAndProjects(t *testing.T) {
	root := t.TempDir()
	for _, dir := range []string{"agents/alice", "agents/bob", "projects/webapp"} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	// A stray file under agents/ is not a target.
	os.WriteFile(filepath.Join(root, "agents", "README.md"), []byte("x"), 0o644)

	r, err := NewRegistry(root, "", logger.Default())
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}

	if len(r.Agents()) != 2 {
		t.Errorf("expected 2 agents, got %d", len(r.Agents()))
	}
	if !r.HasAgent("alice") || !r.HasAgent("bob") {
		t.Error("discovered agents missing")
	}

	target, err := r.Resolve(v1.TargetAgent, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if target.Dir != filepath.Join(root, "agents", "alice") {
		t.Errorf("unexpected agent dir: %s", target.Dir)
	}
	if !target.Sandboxed {
		t.Error("discovered agents default to sandboxed")
	}

	project, err := r.Resolve(v1.TargetProject, "webapp")
	if err != nil {
		t.Fatal(err)
	}
	if project.Sandboxed {
		t.Error("projects are not sandboxed by default")
	}
}

func TestResolveOrchestrator(t *testing.T) {
	root := t.TempDir()
	r, err := NewRegistry(root, "", logger.Default())
	if err != nil {
		t.Fatal(err)
	}

	target, err := r.Resolve(v1.TargetOrchestrator, "main")
	if err != nil {
		t.Fatal(err)
	}
	if target.Dir != root {
		t.Errorf("orchestrator executions run at the fleet root, got %s", target.Dir)
	}
}

func TestResolveUnknown(t *testing.T) {
	r, err := NewRegistry(t.TempDir(), "", logger.Default())
	if err != nil {
		t.Fatal(err)
	}

	if _, err := r.Resolve(v1.TargetAgent, "ghost"); !apperrors.IsNotFound(err) {
		t.Errorf("expected a not-found error for an unknown agent, got %v", err)
	}
	if _, err := r.Resolve(v1.TargetType("bogus"), "x"); err == nil {
		t.Error("expected an error for an unknown target type")
	}
}

func TestMalformedManifest(t *testing.T) {
	root := t.TempDir()
	manifest := filepath.Join(root, "fleet.yaml")
	if err := os.WriteFile(manifest, []byte("agents: [not: {valid"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := NewRegistry(root, manifest, logger.Default()); err == nil {
		t.Error("expected an error for a malformed manifest")
	}
}

func TestManifestOverridesDiscovery(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "agents", "alice"), 0o755); err != nil {
		t.Fatal(err)
	}
	manifest := filepath.Join(root, "fleet.yaml")
	yaml := `agents:
  - name: alice
    sandboxed: false
    model: opus
  - name: carol
projects:
  - name: webapp
    path: /srv/webapp
`
	if err := os.WriteFile(manifest, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	r, err := NewRegistry(root, manifest, logger.Default())
	if err != nil {
		t.Fatal(err)
	}

	alice, err := r.Resolve(v1.TargetAgent, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if alice.Sandboxed {
		t.Error("manifest sandboxed=false must win over the discovery default")
	}
	if alice.Model != "opus" {
		t.Errorf("expected manifest model, got %q", alice.Model)
	}

	// Manifest-only agents exist without a directory on disk.
	if !r.HasAgent("carol") {
		t.Error("manifest-declared agent missing")
	}

	webapp, err := r.Resolve(v1.TargetProject, "webapp")
	if err != nil {
		t.Fatal(err)
	}
	if webapp.Dir != "/srv/webapp" {
		t.Errorf("expected manifest path, got %q", webapp.Dir)
	}
}

func TestEnsureAgentDirs(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "agents", "alice"), 0o755); err != nil {
		t.Fatal(err)
	}
	r, err := NewRegistry(root, "", logger.Default())
	if err != nil {
		t.Fatal(err)
	}

	if err := r.EnsureAgentDirs("alice"); err != nil {
		t.Fatal(err)
	}
	for _, sub := range []string{"inbox", filepath.Join("inbox", "processed"), "outbox"} {
		info, err := os.Stat(filepath.Join(root, "agents", "alice", sub))
		if err != nil || !info.IsDir() {
			t.Errorf("missing mailbox directory %s", sub)
		}
	}
}
