// Package workspace resolves execution targets to their filesystem workspaces.
//
// The fleet root contains agents/ and projects/ subdirectories, one per
// target, plus an optional fleet.yaml manifest overriding per-target
// settings. Agents additionally carry inbox/ and outbox/ mailbox directories.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	apperrors "github.com/agentfleet/agentfleet/internal/common/errors"
	"github.com/agentfleet/agentfleet/internal/common/logger"
	v1 "github.com/agentfleet/agentfleet/pkg/api/v1"
)

// validName matches allowed agent and project names.
var validName = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// ValidName reports whether name satisfies the target name grammar.
func ValidName(name string) bool {
	return validName.MatchString(name)
}

// Target is a resolved execution target bound to a workspace directory.
type Target struct {
	Type v1.TargetType `yaml:"-"`
	Name string        `yaml:"name"`

	// Dir is the working directory executions against this target run in.
	Dir string `yaml:"path,omitempty"`

	// Sandboxed targets get a system suffix on every prompt confining the
	// agent to its workspace.
	Sandboxed bool `yaml:"sandboxed,omitempty"`

	// Model optionally pins a model for this target.
	Model string `yaml:"model,omitempty"`
}

// manifest is the fleet.yaml document.
type manifest struct {
	Agents   []*Target `yaml:"agents"`
	Projects []*Target `yaml:"projects"`
}

// Registry maps (targetType, targetName) pairs to workspaces.
type Registry struct {
	root     string
	agents   map[string]*Target
	projects map[string]*Target
	mu       sync.RWMutex
	logger   *logger.Logger
}

// NewRegistry builds a registry from the workspace root and optional
// manifest. Directories under agents/ and projects/ are discovered even when
// the manifest does not mention them.
func NewRegistry(root, manifestPath string, log *logger.Logger) (*Registry, error) {
	r := &Registry{
		root:     root,
		agents:   make(map[string]*Target),
		projects: make(map[string]*Target),
		logger:   log.WithFields(zap.String("component", "workspace")),
	}

	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create workspace root: %w", err)
	}

	if manifestPath != "" {
		if err := r.loadManifest(manifestPath); err != nil {
			return nil, err
		}
	}
	r.discover(v1.TargetAgent, filepath.Join(root, "agents"))
	r.discover(v1.TargetProject, filepath.Join(root, "projects"))

	r.logger.Info("workspace registry loaded",
		zap.String("root", root),
		zap.Int("agents", len(r.agents)),
		zap.Int("projects", len(r.projects)))
	return r, nil
}

func (r *Registry) loadManifest(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read manifest: %w", err)
	}

	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return apperrors.Wrap(err, "failed to parse manifest "+path)
	}

	for _, agent := range m.Agents {
		if !ValidName(agent.Name) {
			r.logger.Warn("skipping agent with invalid name", zap.String("name", agent.Name))
			continue
		}
		agent.Type = v1.TargetAgent
		if agent.Dir == "" {
			agent.Dir = filepath.Join(r.root, "agents", agent.Name)
		}
		r.agents[agent.Name] = agent
	}
	for _, project := range m.Projects {
		if !ValidName(project.Name) {
			r.logger.Warn("skipping project with invalid name", zap.String("name", project.Name))
			continue
		}
		project.Type = v1.TargetProject
		if project.Dir == "" {
			project.Dir = filepath.Join(r.root, "projects", project.Name)
		}
		r.projects[project.Name] = project
	}
	return nil
}

// discover registers directory-only targets the manifest did not declare.
func (r *Registry) discover(targetType v1.TargetType, dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}

	for _, entry := range entries {
		if !entry.IsDir() || !ValidName(entry.Name()) {
			continue
		}
		target := &Target{
			Type:      targetType,
			Name:      entry.Name(),
			Dir:       filepath.Join(dir, entry.Name()),
			Sandboxed: targetType == v1.TargetAgent,
		}
		switch targetType {
		case v1.TargetAgent:
			if _, ok := r.agents[target.Name]; !ok {
				r.agents[target.Name] = target
			}
		case v1.TargetProject:
			if _, ok := r.projects[target.Name]; !ok {
				r.projects[target.Name] = target
			}
		}
	}
}

// Root returns the fleet root directory; orchestrator executions run here.
func (r *Registry) Root() string {
	return r.root
}

// Resolve returns the target for a (type, name) pair.
func (r *Registry) Resolve(targetType v1.TargetType, name string) (*Target, error) {
	if !targetType.Valid() {
		return nil, apperrors.Validation(fmt.Sprintf("unknown target type '%s'", targetType))
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	switch targetType {
	case v1.TargetOrchestrator:
		return &Target{Type: v1.TargetOrchestrator, Name: name, Dir: r.root}, nil
	case v1.TargetAgent:
		if target, ok := r.agents[name]; ok {
			return target, nil
		}
		return nil, apperrors.NotFound("agent", name)
	default:
		if target, ok := r.projects[name]; ok {
			return target, nil
		}
		return nil, apperrors.NotFound("project", name)
	}
}

// HasAgent reports whether an agent with the given name is registered.
func (r *Registry) HasAgent(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.agents[name]
	return ok
}

// Agents returns all registered agents.
func (r *Registry) Agents() []*Target {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*Target, 0, len(r.agents))
	for _, agent := range r.agents {
		result = append(result, agent)
	}
	return result
}

// AgentDir returns an agent's workspace directory.
func (r *Registry) AgentDir(name string) (string, error) {
	target, err := r.Resolve(v1.TargetAgent, name)
	if err != nil {
		return "", err
	}
	return target.Dir, nil
}

// AgentInbox returns an agent's inbox directory.
func (r *Registry) AgentInbox(name string) (string, error) {
	dir, err := r.AgentDir(name)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "inbox"), nil
}

// AgentOutbox returns an agent's outbox directory.
func (r *Registry) AgentOutbox(name string) (string, error) {
	dir, err := r.AgentDir(name)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "outbox"), nil
}

// EnsureAgentDirs creates an agent's workspace and mailbox directories.
func (r *Registry) EnsureAgentDirs(name string) error {
	dir, err := r.AgentDir(name)
	if err != nil {
		return err
	}
	for _, sub := range []string{"", "inbox", filepath.Join("inbox", "processed"), "outbox"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return fmt.Errorf("failed to create agent directory: %w", err)
		}
	}
	return nil
}
