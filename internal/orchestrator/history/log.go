// Package history persists finalized executions as an append-only JSONL log.
//
// The log is the only durable record of past executions: on restart it is
// read tail-first to rebuild the in-memory recent history and the session
// continuity map. It is periodically compacted to a bounded tail so it never
// grows without limit.
package history

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/agentfleet/agentfleet/internal/common/errors"
	"github.com/agentfleet/agentfleet/internal/common/logger"
	v1 "github.com/agentfleet/agentfleet/pkg/api/v1"
)

// compactEvery triggers a compaction check after this many appends.
const compactEvery = 100

// Entry is one JSONL line in the execution history log.
type Entry struct {
	ID          string             `json:"id"`
	Prompt      string             `json:"prompt"`
	TargetType  v1.TargetType      `json:"targetType"`
	TargetName  string             `json:"targetName"`
	Status      v1.ExecutionStatus `json:"status"`
	StartedAt   time.Time          `json:"startedAt"`
	CompletedAt *time.Time         `json:"completedAt,omitempty"`
	CostUSD     float64            `json:"costUsd,omitempty"`
	DurationMS  int64              `json:"durationMs,omitempty"`
	Source      string             `json:"source"`
	Output      string             `json:"output,omitempty"`
	Error       string             `json:"error,omitempty"`
	SessionID   string             `json:"sessionId,omitempty"`
}

// Log is an append-only execution history file.
type Log struct {
	path       string
	maxEntries int

	mu      sync.Mutex
	appends int

	logger *logger.Logger
}

// NewLog creates a history log at path, compacted to at most maxEntries lines.
func NewLog(path string, maxEntries int, log *logger.Logger) *Log {
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	return &Log{
		path:       path,
		maxEntries: maxEntries,
		logger:     log.WithFields(zap.String("component", "history")),
	}
}

// Append writes one entry to the log. Failures are reported as persistence
// errors; callers log them and move on, the in-memory state stays authoritative.
func (l *Log) Append(entry *Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return apperrors.Persistence("failed to marshal history entry", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return apperrors.Persistence("failed to create history directory", err)
	}

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return apperrors.Persistence("failed to open history log", err)
	}
	_, writeErr := f.Write(append(data, '\n'))
	closeErr := f.Close()
	if writeErr != nil {
		return apperrors.Persistence("failed to append history entry", writeErr)
	}
	if closeErr != nil {
		return apperrors.Persistence("failed to close history log", closeErr)
	}

	l.appends++
	if l.appends%compactEvery == 0 {
		if err := l.compactLocked(); err != nil {
			l.logger.Warn("history compaction failed", zap.Error(err))
		}
	}
	return nil
}

// Recent returns up to n entries, most recent first. Unparseable lines are
// skipped so a torn tail write cannot poison a restart.
func (l *Log) Recent(n int) ([]*Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries, err := l.readAllLocked()
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, apperrors.Persistence("failed to read history log", err)
	}

	if n > 0 && len(entries) > n {
		entries = entries[len(entries)-n:]
	}
	// Reverse to most-recent-first.
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

// Compact trims the log to its bounded tail.
func (l *Log) Compact() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.compactLocked()
}

func (l *Log) compactLocked() error {
	entries, err := l.readAllLocked()
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return apperrors.Persistence("failed to read history log", err)
	}
	if len(entries) <= l.maxEntries {
		return nil
	}
	entries = entries[len(entries)-l.maxEntries:]

	tmp := l.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return apperrors.Persistence("failed to create compaction file", err)
	}
	w := bufio.NewWriter(f)
	for _, entry := range entries {
		data, err := json.Marshal(entry)
		if err != nil {
			continue
		}
		w.Write(data)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return apperrors.Persistence("failed to write compaction file", err)
	}
	if err := f.Close(); err != nil {
		return apperrors.Persistence("failed to close compaction file", err)
	}
	if err := os.Rename(tmp, l.path); err != nil {
		return apperrors.Persistence("failed to replace history log", err)
	}

	l.logger.Info("history log compacted", zap.Int("entries", len(entries)))
	return nil
}

func (l *Log) readAllLocked() ([]*Entry, error) {
	f, err := os.Open(l.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []*Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(line, &entry); err != nil {
			continue
		}
		entries = append(entries, &entry)
	}
	return entries, scanner.Err()
}
