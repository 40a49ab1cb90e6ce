package history

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/agentfleet/agentfleet/internal/common/logger"
	v1 "github.com/agentfleet/agentfleet/pkg/api/v1"
)

func newTestLog(t *testing.T, maxEntries int) (*Log, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "executions.jsonl")
	return NewLog(path, maxEntries, logger.Default()), path
}

func testEntry(id string) *Entry {
	return &Entry{
		ID:         id,
		Prompt:     "prompt " + id,
		TargetType: v1.TargetAgent,
		TargetName: "alice",
		Status:     v1.ExecutionCompleted,
		StartedAt:  time.Now(),
		Source:     "test",
		SessionID:  "sess-" + id,
	}
}

func TestAppendAndRecent(t *testing.T) {
	log, _ := newTestLog(t, 100)

	for i := 1; i <= 3; i++ {
		if err := log.Append(testEntry(fmt.Sprintf("e%d", i))); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	entries, err := log.Recent(10)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	// Most recent first.
	if entries[0].ID != "e3" || entries[2].ID != "e1" {
		t.Errorf("unexpected order: %s..%s", entries[0].ID, entries[2].ID)
	}
}

func TestRecentLimitsToTail(t *testing.T) {
	log, _ := newTestLog(t, 100)

	for i := 1; i <= 5; i++ {
		log.Append(testEntry(fmt.Sprintf("e%d", i)))
	}

	entries, err := log.Recent(2)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].ID != "e5" || entries[1].ID != "e4" {
		t.Errorf("expected newest tail, got %s, %s", entries[0].ID, entries[1].ID)
	}
}

func TestRecentMissingFile(t *testing.T) {
	log, _ := newTestLog(t, 100)

	entries, err := log.Recent(10)
	if err != nil {
		t.Fatalf("missing log must not error: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected no entries, got %d", len(entries))
	}
}

func TestRecentSkipsTornLines(t *testing.T) {
	log, path := newTestLog(t, 100)

	log.Append(testEntry("good"))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString(`{"id":"torn","prom`)
	f.Close()

	entries, err := log.Recent(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].ID != "good" {
		t.Errorf("expected only the intact entry, got %v", entries)
	}
}

func TestCompactKeepsBoundedTail(t *testing.T) {
	log, path := newTestLog(t, 3)

	for i := 1; i <= 10; i++ {
		log.Append(testEntry(fmt.Sprintf("e%d", i)))
	}
	if err := log.Compact(); err != nil {
		t.Fatalf("Compact failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Count(string(data), "\n")
	if lines != 3 {
		t.Errorf("expected 3 lines after compaction, got %d", lines)
	}

	entries, _ := log.Recent(10)
	if len(entries) != 3 || entries[0].ID != "e10" {
		t.Errorf("compaction must keep the newest tail, got %v", entries)
	}
}

func TestEntryFieldNames(t *testing.T) {
	log, path := newTestLog(t, 100)
	entry := testEntry("e1")
	entry.CostUSD = 0.5
	entry.DurationMS = 900
	if err := log.Append(entry); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	line := string(data)
	for _, field := range []string{`"targetType"`, `"targetName"`, `"startedAt"`, `"costUsd"`, `"durationMs"`, `"sessionId"`} {
		if !strings.Contains(line, field) {
			t.Errorf("log line missing field %s: %s", field, line)
		}
	}
}
