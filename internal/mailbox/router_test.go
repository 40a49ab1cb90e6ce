package mailbox

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	apperrors "github.com/agentfleet/agentfleet/internal/common/errors"
	"github.com/agentfleet/agentfleet/internal/common/logger"
	"github.com/agentfleet/agentfleet/internal/workspace"
)

// newTestFleet builds a workspace with the given agents, mailbox directories
// included.
func newTestFleet(t *testing.T, agents ...string) (*workspace.Registry, *Router) {
	t.Helper()
	root := t.TempDir()
	for _, name := range agents {
		if err := os.MkdirAll(filepath.Join(root, "agents", name), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	registry, err := workspace.NewRegistry(root, "", logger.Default())
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	for _, name := range agents {
		if err := registry.EnsureAgentDirs(name); err != nil {
			t.Fatalf("EnsureAgentDirs failed: %v", err)
		}
	}
	return registry, NewRouter(registry, logger.Default())
}

func writeOutbox(t *testing.T, registry *workspace.Registry, agent, filename, content string) string {
	t.Helper()
	outbox, err := registry.AgentOutbox(agent)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(outbox, filename)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestResolveDestinationRejectsTraversal(t *testing.T) {
	_, router := newTestFleet(t, "alice", "bob")

	// Directory listings cannot produce separators in a remainder, but the
	// destination is re-validated anyway.
	_, err := router.resolveDestination("alice", "bob", "../20240101-escape.md")
	if err == nil {
		t.Fatal("expected a traversal rejection")
	}
	if apperrors.Code(err) != apperrors.ErrCodePathTraversal {
		t.Errorf("expected %s, got %v", apperrors.ErrCodePathTraversal, err)
	}
}

func TestRouteMovesMessage(t *testing.T) {
	registry, router := newTestFleet(t, "alice", "bob")
	src := writeOutbox(t, registry, "alice", "PARA-bob_20240101-subject.md", "hi bob")

	outbox, _ := registry.AgentOutbox("alice")
	result := router.RouteFromOutbox(outbox, "alice")

	if result.Routed != 1 {
		t.Fatalf("expected routed = 1, got %d (errors: %v)", result.Routed, result.Errors)
	}
	if len(result.Errors) != 0 {
		t.Fatalf("expected no errors, got %v", result.Errors)
	}
	if len(result.Recipients) != 1 || result.Recipients[0] != "bob" {
		t.Errorf("expected recipients [bob], got %v", result.Recipients)
	}

	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Error("message still exists in sender outbox")
	}
	inbox, _ := registry.AgentInbox("bob")
	delivered := filepath.Join(inbox, "DE-alice_20240101-subject.md")
	data, err := os.ReadFile(delivered)
	if err != nil {
		t.Fatalf("delivered message missing: %v", err)
	}
	if string(data) != "hi bob" {
		t.Errorf("message content changed in transit: %q", data)
	}
}

func TestRouteRejectsInvalidRecipient(t *testing.T) {
	registry, router := newTestFleet(t, "alice")
	src := writeOutbox(t, registry, "alice", "PARA-bad!name_x.md", "nope")

	outbox, _ := registry.AgentOutbox("alice")
	result := router.RouteFromOutbox(outbox, "alice")

	if result.Routed != 0 {
		t.Errorf("expected routed = 0, got %d", result.Routed)
	}
	if len(result.Errors) != 1 {
		t.Fatalf("expected exactly one error, got %v", result.Errors)
	}
	if _, err := os.Stat(src); err != nil {
		t.Error("rejected message must stay in the outbox")
	}
}

func TestRouteRejectsUnknownRecipient(t *testing.T) {
	registry, router := newTestFleet(t, "alice")
	writeOutbox(t, registry, "alice", "PARA-carol_note.md", "hello?")

	outbox, _ := registry.AgentOutbox("alice")
	result := router.RouteFromOutbox(outbox, "alice")

	if result.Routed != 0 || len(result.Errors) != 1 {
		t.Fatalf("expected one rejection, got routed=%d errors=%v", result.Routed, result.Errors)
	}
	if !strings.Contains(result.Errors[0], "unknown recipient") {
		t.Errorf("unexpected error text: %q", result.Errors[0])
	}
}

func TestRouteRejectsMissingInbox(t *testing.T) {
	registry, router := newTestFleet(t, "alice", "bob")

	inbox, _ := registry.AgentInbox("bob")
	if err := os.RemoveAll(inbox); err != nil {
		t.Fatal(err)
	}
	writeOutbox(t, registry, "alice", "PARA-bob_note.md", "hi")

	outbox, _ := registry.AgentOutbox("alice")
	result := router.RouteFromOutbox(outbox, "alice")

	if result.Routed != 0 || len(result.Errors) != 1 {
		t.Fatalf("expected one rejection, got routed=%d errors=%v", result.Routed, result.Errors)
	}
}

func TestRouteContinuesPastFailures(t *testing.T) {
	registry, router := newTestFleet(t, "alice", "bob")
	writeOutbox(t, registry, "alice", "PARA-carol_bad.md", "undeliverable")
	writeOutbox(t, registry, "alice", "PARA-bob_good.md", "deliverable")
	writeOutbox(t, registry, "alice", "notes.txt", "not a message")

	outbox, _ := registry.AgentOutbox("alice")
	result := router.RouteFromOutbox(outbox, "alice")

	if result.Routed != 1 {
		t.Errorf("expected the good message routed, got %d", result.Routed)
	}
	if len(result.Errors) != 1 {
		t.Errorf("expected one error for the bad message, got %v", result.Errors)
	}
}

func TestRouteDistinctRecipients(t *testing.T) {
	registry, router := newTestFleet(t, "alice", "bob")
	writeOutbox(t, registry, "alice", "PARA-bob_one.md", "1")
	writeOutbox(t, registry, "alice", "PARA-bob_two.md", "2")

	outbox, _ := registry.AgentOutbox("alice")
	result := router.RouteFromOutbox(outbox, "alice")

	if result.Routed != 2 {
		t.Errorf("expected 2 routed, got %d", result.Routed)
	}
	if len(result.Recipients) != 1 {
		t.Errorf("expected one distinct recipient, got %v", result.Recipients)
	}
}

func TestInboxMessagesListsOnlyDelivered(t *testing.T) {
	registry, router := newTestFleet(t, "bob")
	inbox, _ := registry.AgentInbox("bob")

	for _, name := range []string{"DE-alice_b.md", "DE-alice_a.md", "draft.txt", "DE-alice_nomd"} {
		if err := os.WriteFile(filepath.Join(inbox, name), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	messages, err := router.InboxMessages("bob")
	if err != nil {
		t.Fatal(err)
	}
	if len(messages) != 2 {
		t.Fatalf("expected 2 messages, got %v", messages)
	}
	if messages[0] != "DE-alice_a.md" || messages[1] != "DE-alice_b.md" {
		t.Errorf("expected sorted listing, got %v", messages)
	}
}

func TestArchiveInbox(t *testing.T) {
	registry, router := newTestFleet(t, "bob")
	inbox, _ := registry.AgentInbox("bob")
	if err := os.WriteFile(filepath.Join(inbox, "DE-alice_done.md"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	moved, err := router.ArchiveInbox("bob")
	if err != nil {
		t.Fatal(err)
	}
	if moved != 1 {
		t.Fatalf("expected 1 archived, got %d", moved)
	}

	if _, err := os.Stat(filepath.Join(inbox, "processed", "DE-alice_done.md")); err != nil {
		t.Error("archived message missing from inbox/processed")
	}
	messages, _ := router.InboxMessages("bob")
	if len(messages) != 0 {
		t.Errorf("inbox should be empty after archiving, got %v", messages)
	}
}

func TestBuildInboxPrompt(t *testing.T) {
	registry, router := newTestFleet(t, "bob")
	inbox, _ := registry.AgentInbox("bob")
	if err := os.WriteFile(filepath.Join(inbox, "DE-alice_hello.md"), []byte("hello bob\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	prompt, err := router.BuildInboxPrompt("bob")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(prompt, "1 new message(s)") {
		t.Errorf("prompt missing message count: %q", prompt)
	}
	if !strings.Contains(prompt, "DE-alice_hello.md") || !strings.Contains(prompt, "hello bob") {
		t.Errorf("prompt missing message content: %q", prompt)
	}
	if !strings.Contains(prompt, "PARA-") {
		t.Errorf("prompt missing reply instruction: %q", prompt)
	}
}

func TestBuildInboxPromptEmpty(t *testing.T) {
	_, router := newTestFleet(t, "bob")

	prompt, err := router.BuildInboxPrompt("bob")
	if err != nil {
		t.Fatal(err)
	}
	if prompt != "" {
		t.Errorf("expected empty prompt for empty inbox, got %q", prompt)
	}
}
