// Package mailbox routes file-based messages between agent workspaces.
//
// A message is a file, and a directory is its state: a file in a sender's
// outbox named PARA-<recipient>_<remainder> becomes, after routing, a file in
// the recipient's inbox named DE-<sender>_<remainder>. Routing is a move,
// never a copy, so a message exists in exactly one mailbox at any time.
package mailbox

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"go.uber.org/zap"

	apperrors "github.com/agentfleet/agentfleet/internal/common/errors"
	"github.com/agentfleet/agentfleet/internal/common/logger"
	"github.com/agentfleet/agentfleet/internal/workspace"
)

const (
	// OutboxPrefix marks a message awaiting delivery: PARA-<recipient>_<remainder>.
	OutboxPrefix = "PARA-"
	// InboxPrefix marks a delivered message: DE-<sender>_<remainder>.
	InboxPrefix = "DE-"
	// ArchiveDir is the inbox subdirectory processed messages move into.
	ArchiveDir = "processed"
)

// outboxPattern splits an outbox filename into recipient and remainder at
// the first underscore. Recipient validation happens during routing so a bad
// recipient is reported, not silently skipped.
var outboxPattern = regexp.MustCompile(`^PARA-([^_]+)_(.+)$`)

// inboxPattern matches delivered messages eligible for inbox listing.
var inboxPattern = regexp.MustCompile(`^DE-.+\.md$`)

// RouteResult summarizes one routing pass over a sender's outbox.
type RouteResult struct {
	// Routed is the number of messages moved into recipient inboxes.
	Routed int `json:"routed"`

	// Errors holds one entry per message that could not be delivered.
	// A failed message stays in the outbox.
	Errors []string `json:"errors,omitempty"`

	// Recipients lists each distinct recipient that received at least one
	// message, in first-delivery order.
	Recipients []string `json:"recipients,omitempty"`
}

// Router moves messages from agent outboxes into recipient inboxes.
type Router struct {
	registry *workspace.Registry
	store    Store
	logger   *logger.Logger
}

// NewRouter creates a router over the given workspace registry.
func NewRouter(registry *workspace.Registry, log *logger.Logger) *Router {
	return &Router{
		registry: registry,
		store:    OSStore{},
		logger:   log.WithFields(zap.String("component", "mailbox")),
	}
}

// NewRouterWithStore creates a router with a custom store backend.
func NewRouterWithStore(registry *workspace.Registry, store Store, log *logger.Logger) *Router {
	return &Router{
		registry: registry,
		store:    store,
		logger:   log.WithFields(zap.String("component", "mailbox")),
	}
}

// RouteFromOutbox delivers every PARA- message in outboxDir. Failures are
// accumulated per file; one bad message never blocks delivery of the rest.
func (r *Router) RouteFromOutbox(outboxDir, sender string) *RouteResult {
	result := &RouteResult{}

	names, err := r.store.List(outboxDir)
	if err != nil {
		// Missing outbox means nothing to deliver.
		return result
	}

	seen := make(map[string]bool)
	for _, name := range names {
		match := outboxPattern.FindStringSubmatch(name)
		if match == nil {
			continue
		}
		recipient, remainder := match[1], match[2]

		dest, err := r.resolveDestination(sender, recipient, remainder)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", name, err))
			continue
		}

		if err := r.store.Move(filepath.Join(outboxDir, name), dest); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: move failed: %v", name, err))
			continue
		}

		result.Routed++
		if !seen[recipient] {
			seen[recipient] = true
			result.Recipients = append(result.Recipients, recipient)
		}
		r.logger.Debug("routed message",
			zap.String("sender", sender),
			zap.String("recipient", recipient),
			zap.String("file", name))
	}

	if len(result.Errors) > 0 {
		r.logger.Warn("mailbox routing finished with errors",
			zap.String("sender", sender),
			zap.Int("routed", result.Routed),
			zap.Strings("errors", result.Errors))
	}
	return result
}

// resolveDestination validates the recipient and computes the inbox path for
// a message, defending against traversal via the filename remainder.
func (r *Router) resolveDestination(sender, recipient, remainder string) (string, error) {
	if !workspace.ValidName(recipient) {
		return "", fmt.Errorf("invalid recipient name %q", recipient)
	}
	if !r.registry.HasAgent(recipient) {
		return "", fmt.Errorf("unknown recipient %q", recipient)
	}

	inbox, err := r.registry.AgentInbox(recipient)
	if err != nil {
		return "", err
	}
	if !r.store.DirExists(inbox) {
		return "", fmt.Errorf("inbox for %q does not exist", recipient)
	}

	dest := filepath.Join(inbox, InboxPrefix+sender+"_"+remainder)
	cleanInbox := filepath.Clean(inbox)
	if filepath.Dir(dest) != cleanInbox || !strings.HasPrefix(dest, cleanInbox+string(filepath.Separator)) {
		return "", apperrors.PathTraversal(remainder)
	}
	return dest, nil
}

// InboxMessages lists an agent's unarchived inbox filenames, sorted.
func (r *Router) InboxMessages(agent string) ([]string, error) {
	inbox, err := r.registry.AgentInbox(agent)
	if err != nil {
		return nil, err
	}

	names, err := r.store.List(inbox)
	if err != nil {
		return nil, nil
	}

	var messages []string
	for _, name := range names {
		if inboxPattern.MatchString(name) {
			messages = append(messages, name)
		}
	}
	return messages, nil
}

// ArchiveInbox moves all unarchived inbox messages into inbox/processed and
// returns how many were moved.
func (r *Router) ArchiveInbox(agent string) (int, error) {
	inbox, err := r.registry.AgentInbox(agent)
	if err != nil {
		return 0, err
	}

	messages, err := r.InboxMessages(agent)
	if err != nil || len(messages) == 0 {
		return 0, err
	}

	archive := filepath.Join(inbox, ArchiveDir)
	if err := r.store.EnsureDir(archive); err != nil {
		return 0, fmt.Errorf("failed to create archive directory: %w", err)
	}

	moved := 0
	for _, name := range messages {
		if err := r.store.Move(filepath.Join(inbox, name), filepath.Join(archive, name)); err != nil {
			r.logger.Warn("failed to archive message",
				zap.String("agent", agent),
				zap.String("file", name),
				zap.Error(err))
			continue
		}
		moved++
	}
	return moved, nil
}

// BuildInboxPrompt synthesizes the instruction an agent receives when its
// inbox has unprocessed mail, or returns "" when there is nothing to process.
func (r *Router) BuildInboxPrompt(agent string) (string, error) {
	inbox, err := r.registry.AgentInbox(agent)
	if err != nil {
		return "", err
	}

	messages, err := r.InboxMessages(agent)
	if err != nil || len(messages) == 0 {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "You have %d new message(s) in your inbox.\n", len(messages))
	for _, name := range messages {
		content, err := r.store.Read(filepath.Join(inbox, name))
		if err != nil {
			r.logger.Warn("failed to read inbox message",
				zap.String("agent", agent),
				zap.String("file", name),
				zap.Error(err))
			continue
		}
		fmt.Fprintf(&b, "\n## %s\n```\n%s\n```\n", name, strings.TrimRight(string(content), "\n"))
	}
	b.WriteString("\nRead and act on each message. To reply, write a markdown file named " +
		"PARA-<recipient>_<topic>.md into your outbox directory; it will be " +
		"delivered automatically.")
	return b.String(), nil
}
