// Package executor owns the set of in-flight executions. It enforces the
// single-flight-per-target rule, carries the interactive-question pause
// state, keeps session continuity per target, and emits lifecycle events on
// the event bus.
package executor

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentfleet/agentfleet/internal/common/config"
	apperrors "github.com/agentfleet/agentfleet/internal/common/errors"
	"github.com/agentfleet/agentfleet/internal/common/logger"
	"github.com/agentfleet/agentfleet/internal/events/bus"
	"github.com/agentfleet/agentfleet/internal/mailbox"
	"github.com/agentfleet/agentfleet/internal/orchestrator/history"
	"github.com/agentfleet/agentfleet/internal/workspace"
	"github.com/agentfleet/agentfleet/pkg/agentcli"
	v1 "github.com/agentfleet/agentfleet/pkg/api/v1"
)

// Execution lifecycle event types published on bus.SubjectExecutions.
const (
	EventStart    = "start"
	EventOutput   = "output"
	EventComplete = "complete"
	EventError    = "error"
	EventCancel   = "cancel"
	EventQuestion = "question"
	EventAnswered = "question:answered"
)

// maxRecentExecutions bounds the in-memory finalized-record ring.
const maxRecentExecutions = 100

// sandboxSuffix is appended to every prompt dispatched against a sandboxed
// target.
const sandboxSuffix = "\n\nIMPORTANT: You are confined to your working directory. " +
	"Do not read or modify files outside of it."

// ProcessHandle is the supervision surface of a spawned agent process.
// *agentcli.Handle satisfies it.
type ProcessHandle interface {
	PID() int
	Wait() (*agentcli.Result, error)
	Terminate()
}

// ProcessRunner spawns agent processes. *agentcli.Runner satisfies it via
// CLIRunner; tests substitute a stub.
type ProcessRunner interface {
	Run(ctx context.Context, req agentcli.Request) (ProcessHandle, error)
}

// CLIRunner adapts *agentcli.Runner to the ProcessRunner interface.
type CLIRunner struct {
	Runner *agentcli.Runner
}

func (r CLIRunner) Run(ctx context.Context, req agentcli.Request) (ProcessHandle, error) {
	return r.Runner.Run(ctx, req)
}

// StartOptions describe one execution dispatch request.
type StartOptions struct {
	Source     string
	TargetType v1.TargetType
	TargetName string
	Prompt     string

	// Cwd overrides the target's registered working directory.
	Cwd string

	// ResumeSessionID overrides session continuity; when empty the target's
	// last known session is resumed unless NoResume is set.
	ResumeSessionID string
	NoResume        bool

	Model   string
	Timeout time.Duration
}

// execution is an in-flight record plus its process handle.
type execution struct {
	record *v1.ExecutionRecord
	handle ProcessHandle

	// resumeSessionID is the session the process was started against, kept
	// so a cancelled turn does not break continuity.
	resumeSessionID string
}

// Manager coordinates executions across all targets. At most one execution
// is in flight per target key; callers wanting to dispatch against a busy
// target consult IsTargetActive and queue instead.
type Manager struct {
	cfg      config.AgentConfig
	registry *workspace.Registry
	router   *mailbox.Router
	runner   ProcessRunner
	histLog  *history.Log
	sessions *sessionTracker
	eventBus bus.EventBus
	logger   *logger.Logger

	mu       sync.Mutex
	active   map[string]*execution // execution id -> in-flight entry
	byTarget map[string]string     // target key -> execution id
	recent   []*v1.ExecutionRecord // finalized records, oldest first
}

// NewManager builds the execution manager and replays the last replayLimit
// history entries to rebuild recent-history and session-continuity state.
func NewManager(cfg config.AgentConfig, registry *workspace.Registry, router *mailbox.Router, runner ProcessRunner, histLog *history.Log, replayLimit int, eventBus bus.EventBus, log *logger.Logger) *Manager {
	m := &Manager{
		cfg:      cfg,
		registry: registry,
		router:   router,
		runner:   runner,
		histLog:  histLog,
		sessions: newSessionTracker(),
		eventBus: eventBus,
		logger:   log.WithFields(zap.String("component", "executor")),
		active:   make(map[string]*execution),
		byTarget: make(map[string]string),
	}
	m.replay(replayLimit)
	return m
}

// replay rebuilds the recent ring and session continuity from the on-disk
// history log.
func (m *Manager) replay(limit int) {
	if m.histLog == nil || limit <= 0 {
		return
	}
	entries, err := m.histLog.Recent(limit)
	if err != nil {
		m.logger.Warn("failed to replay execution history", zap.Error(err))
		return
	}
	// Recent returns most-recent-first; replay oldest first so the ring and
	// the continuity tracker end up in chronological order.
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		rec := &v1.ExecutionRecord{
			ID:          e.ID,
			Source:      e.Source,
			TargetType:  e.TargetType,
			TargetName:  e.TargetName,
			Prompt:      e.Prompt,
			Status:      e.Status,
			StartedAt:   e.StartedAt,
			CompletedAt: e.CompletedAt,
			Output:      e.Output,
			Error:       e.Error,
		}
		if e.SessionID != "" {
			rec.Result = &agentcli.Result{
				SessionID:  e.SessionID,
				CostUSD:    e.CostUSD,
				DurationMS: e.DurationMS,
			}
			m.sessions.Record(rec.TargetKey(), e.SessionID)
		}
		m.pushRecentLocked(rec)
	}
	m.logger.Info("replayed execution history", zap.Int("entries", len(entries)))
}

// StartExecution dispatches a prompt against a target and returns the new
// execution id. It fails with a conflict error if the target already has an
// in-flight execution.
func (m *Manager) StartExecution(ctx context.Context, opts StartOptions) (string, error) {
	if !opts.TargetType.Valid() {
		return "", apperrors.Validation("unknown target type: " + string(opts.TargetType))
	}
	target, err := m.registry.Resolve(opts.TargetType, opts.TargetName)
	if err != nil {
		return "", err
	}

	targetKey := v1.TargetKey(opts.TargetType, opts.TargetName)

	cwd := opts.Cwd
	if cwd == "" {
		cwd = target.Dir
	}
	model := opts.Model
	if model == "" {
		model = target.Model
	}
	resumeID := opts.ResumeSessionID
	if resumeID == "" && !opts.NoResume {
		resumeID = m.sessions.Last(targetKey)
	}
	prompt := opts.Prompt
	if target.Sandboxed {
		prompt += sandboxSuffix
	}

	record := &v1.ExecutionRecord{
		ID:         uuid.New().String(),
		Source:     opts.Source,
		TargetType: opts.TargetType,
		TargetName: opts.TargetName,
		Prompt:     opts.Prompt,
		Cwd:        cwd,
		Status:     v1.ExecutionRunning,
		StartedAt:  time.Now(),
	}

	m.mu.Lock()
	if _, busy := m.byTarget[targetKey]; busy {
		m.mu.Unlock()
		return "", apperrors.Conflict("target already has an execution in flight: " + targetKey)
	}
	entry := &execution{record: record, resumeSessionID: resumeID}
	m.active[record.ID] = entry
	m.byTarget[targetKey] = record.ID
	m.mu.Unlock()

	log := m.logger.WithExecutionID(record.ID).WithTarget(string(opts.TargetType), opts.TargetName)
	log.Info("starting execution",
		zap.String("source", opts.Source),
		zap.String("resume_session_id", resumeID))

	m.publish(EventStart, map[string]interface{}{
		"executionId": record.ID,
		"record":      m.snapshot(record),
	})

	handle, err := m.runner.Run(ctx, agentcli.Request{
		Prompt:          prompt,
		Dir:             cwd,
		ResumeSessionID: resumeID,
		Model:           model,
		Timeout:         opts.Timeout,
		OnChunk: func(chunk string) {
			m.handleChunk(record.ID, chunk)
		},
		OnQuestion: func(toolUseID string, questions []agentcli.Question) {
			m.handleQuestion(record.ID, toolUseID, questions)
		},
	})
	if err != nil {
		m.settle(record.ID, nil, err)
		return record.ID, nil
	}

	m.mu.Lock()
	entry.handle = handle
	m.mu.Unlock()

	go func() {
		res, waitErr := handle.Wait()
		m.settle(record.ID, res, waitErr)
	}()

	return record.ID, nil
}

// handleChunk appends streamed output to the live record and forwards the
// chunk to subscribers. The in-memory buffer stops growing at the live cap;
// chunk delivery continues regardless.
func (m *Manager) handleChunk(execID, chunk string) {
	m.mu.Lock()
	if entry, ok := m.active[execID]; ok {
		if len(entry.record.Output) < m.cfg.LiveOutputBytes {
			entry.record.Output = truncate(entry.record.Output+chunk, m.cfg.LiveOutputBytes)
		}
	}
	m.mu.Unlock()

	m.publish(EventOutput, map[string]interface{}{
		"executionId": execID,
		"chunk":       chunk,
	})
}

// handleQuestion pauses an in-flight execution on an interactive question
// from the agent.
func (m *Manager) handleQuestion(execID, toolUseID string, questions []agentcli.Question) {
	m.mu.Lock()
	entry, ok := m.active[execID]
	if !ok {
		m.mu.Unlock()
		return
	}
	entry.record.PendingQuestion = &v1.PendingQuestion{
		ToolUseID: toolUseID,
		Questions: questions,
		AskedAt:   time.Now(),
	}
	snap := m.snapshot(entry.record)
	m.mu.Unlock()

	m.logger.WithExecutionID(execID).Info("execution paused on question",
		zap.String("tool_use_id", toolUseID),
		zap.Int("questions", len(questions)))

	m.publish(EventQuestion, map[string]interface{}{
		"executionId": execID,
		"record":      snap,
	})
}

// settle finalizes an execution once its process has exited. A record
// already finalized by cancellation is left alone.
func (m *Manager) settle(execID string, res *agentcli.Result, runErr error) {
	m.mu.Lock()
	entry, ok := m.active[execID]
	if !ok {
		m.mu.Unlock()
		return
	}
	record := entry.record
	delete(m.active, execID)
	delete(m.byTarget, record.TargetKey())

	now := time.Now()
	record.CompletedAt = &now

	if runErr != nil {
		record.Status = v1.ExecutionError
		record.Error = runErr.Error()
	} else {
		record.Status = v1.ExecutionCompleted
		record.Result = res
		if record.Output == "" && res != nil {
			record.Output = res.Output
		}
	}
	record.Output = truncate(record.Output, m.cfg.RecordOutputBytes)

	if res != nil && res.SessionID != "" {
		m.sessions.Record(record.TargetKey(), res.SessionID)
	}

	// An error-free completion whose permission denials include the question
	// tool is the alternate path into the pause state: the agent asked, the
	// harness refused, and the conversation now waits for a human answer.
	if record.Status == v1.ExecutionCompleted && res != nil && !res.IsError {
		if denial := res.DeniedQuestion(); denial != nil {
			record.PendingQuestion = &v1.PendingQuestion{
				ToolUseID: denial.ToolUseID,
				Questions: agentcli.QuestionsFromInput(denial.ToolInput),
				AskedAt:   now,
			}
		}
	}

	m.pushRecentLocked(record)
	snap := m.snapshot(record)
	m.mu.Unlock()

	m.appendHistory(record)

	log := m.logger.WithExecutionID(execID).WithTarget(string(record.TargetType), record.TargetName)
	data := map[string]interface{}{
		"executionId": execID,
		"record":      snap,
	}
	switch {
	case record.Status == v1.ExecutionError:
		log.Warn("execution failed", zap.String("error", record.Error))
		m.publish(EventError, data)
	default:
		log.Info("execution completed",
			zap.Bool("pending_question", record.PendingQuestion != nil))
		m.publish(EventComplete, data)
		if record.PendingQuestion != nil {
			m.publish(EventQuestion, data)
		}
	}

	if record.Status == v1.ExecutionCompleted && record.TargetType == v1.TargetAgent {
		m.cascade(record.TargetName)
	}
}

// CancelExecution cancels an in-flight execution, or clears the pending
// question of a finalized one. The record transitions to cancelled
// synchronously; the process is terminated in the background with the usual
// escalation. Returns false if id matches neither case.
func (m *Manager) CancelExecution(id string) bool {
	m.mu.Lock()
	if entry, ok := m.active[id]; ok {
		record := entry.record
		delete(m.active, id)
		delete(m.byTarget, record.TargetKey())

		now := time.Now()
		record.Status = v1.ExecutionCancelled
		record.CompletedAt = &now
		record.PendingQuestion = nil
		record.Output = truncate(record.Output, m.cfg.RecordOutputBytes)

		// Preserve continuity: a cancelled turn still belongs to its session.
		sessionID := entry.resumeSessionID
		if sessionID == "" {
			sessionID = m.sessions.Last(record.TargetKey())
		}
		if record.Result == nil {
			record.Result = &agentcli.Result{SessionID: sessionID}
		}
		if sessionID != "" {
			m.sessions.Record(record.TargetKey(), sessionID)
		}

		m.pushRecentLocked(record)
		snap := m.snapshot(record)
		handle := entry.handle
		m.mu.Unlock()

		if handle != nil {
			handle.Terminate()
		}
		m.appendHistory(record)

		m.logger.WithExecutionID(id).Info("execution cancelled")
		m.publish(EventCancel, map[string]interface{}{
			"executionId": id,
			"record":      snap,
		})
		return true
	}

	// Not in flight: maybe a finalized record awaiting an answer.
	for _, record := range m.recent {
		if record.ID == id && record.PendingQuestion != nil {
			record.PendingQuestion = nil
			snap := m.snapshot(record)
			m.mu.Unlock()

			m.publish(EventAnswered, map[string]interface{}{
				"executionId": id,
				"record":      snap,
			})
			return true
		}
	}
	m.mu.Unlock()
	return false
}

// SubmitAnswer resumes a paused conversation: it clears the pending question
// on the finalized record and starts a new execution with the answer as its
// prompt, resuming the same session. Returns the new execution id.
func (m *Manager) SubmitAnswer(ctx context.Context, execID, answer string) (string, error) {
	m.mu.Lock()
	var record *v1.ExecutionRecord
	for _, r := range m.recent {
		if r.ID == execID {
			record = r
			break
		}
	}
	if record == nil {
		if _, running := m.active[execID]; running {
			m.mu.Unlock()
			return "", apperrors.Validation("execution is still running")
		}
		m.mu.Unlock()
		return "", apperrors.NotFound("execution", execID)
	}
	if record.PendingQuestion == nil {
		m.mu.Unlock()
		return "", apperrors.Validation("execution has no pending question")
	}
	record.PendingQuestion = nil
	snap := m.snapshot(record)

	sessionID := ""
	if record.Result != nil {
		sessionID = record.Result.SessionID
	}
	m.mu.Unlock()

	m.publish(EventAnswered, map[string]interface{}{
		"executionId": execID,
		"record":      snap,
	})

	return m.StartExecution(ctx, StartOptions{
		Source:          record.Source,
		TargetType:      record.TargetType,
		TargetName:      record.TargetName,
		Prompt:          answer,
		Cwd:             record.Cwd,
		ResumeSessionID: sessionID,
	})
}

// cascade routes the finished agent's outbound mail and dispatches an
// inbox-processing execution for every idle recipient. Busy recipients are
// skipped; their mail sits in the inbox until their next execution.
func (m *Manager) cascade(sender string) {
	outbox, err := m.registry.AgentOutbox(sender)
	if err != nil {
		return
	}
	result := m.router.RouteFromOutbox(outbox, sender)
	if result.Routed == 0 && len(result.Errors) == 0 {
		return
	}
	log := m.logger.WithFields(zap.String("sender", sender))
	log.Info("routed outbound mail",
		zap.Int("routed", result.Routed),
		zap.Int("errors", len(result.Errors)),
		zap.Strings("recipients", result.Recipients))

	for _, recipient := range result.Recipients {
		if m.IsTargetActive(v1.TargetAgent, recipient) {
			log.Debug("recipient busy, mail left in inbox", zap.String("recipient", recipient))
			continue
		}
		prompt, err := m.router.BuildInboxPrompt(recipient)
		if err != nil {
			log.Warn("failed to build inbox prompt",
				zap.String("recipient", recipient), zap.Error(err))
			continue
		}
		if prompt == "" {
			continue
		}
		if _, err := m.router.ArchiveInbox(recipient); err != nil {
			log.Warn("failed to archive inbox",
				zap.String("recipient", recipient), zap.Error(err))
		}
		if _, err := m.StartExecution(context.Background(), StartOptions{
			Source:     "mailbox",
			TargetType: v1.TargetAgent,
			TargetName: recipient,
			Prompt:     prompt,
		}); err != nil {
			log.Warn("cascade dispatch failed",
				zap.String("recipient", recipient), zap.Error(err))
		}
	}
}

// IsTargetActive reports whether the target currently has an in-flight
// execution. It is the sole authority for the queue-or-dispatch decision.
func (m *Manager) IsTargetActive(targetType v1.TargetType, targetName string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.byTarget[v1.TargetKey(targetType, targetName)]
	return ok
}

// ListActive returns snapshots of every in-flight execution.
func (m *Manager) ListActive() []*v1.ExecutionRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*v1.ExecutionRecord, 0, len(m.active))
	for _, entry := range m.active {
		out = append(out, m.snapshot(entry.record))
	}
	return out
}

// History returns up to n finalized records, most recent first.
func (m *Manager) History(n int) []*v1.ExecutionRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n <= 0 || n > len(m.recent) {
		n = len(m.recent)
	}
	out := make([]*v1.ExecutionRecord, 0, n)
	for i := len(m.recent) - 1; i >= len(m.recent)-n; i-- {
		out = append(out, m.snapshot(m.recent[i]))
	}
	return out
}

// GetExecution returns a snapshot of an in-flight or recent execution.
func (m *Manager) GetExecution(id string) (*v1.ExecutionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry, ok := m.active[id]; ok {
		return m.snapshot(entry.record), nil
	}
	for _, record := range m.recent {
		if record.ID == id {
			return m.snapshot(record), nil
		}
	}
	return nil, apperrors.NotFound("execution", id)
}

// RecentSessions returns the continuity window for a target, most recent
// first.
func (m *Manager) RecentSessions(targetType v1.TargetType, targetName string) []string {
	return m.sessions.Recent(v1.TargetKey(targetType, targetName))
}

// pushRecentLocked appends a finalized record to the ring, evicting the
// oldest. Caller holds m.mu (or is still single-threaded in NewManager).
func (m *Manager) pushRecentLocked(record *v1.ExecutionRecord) {
	m.recent = append(m.recent, record)
	if len(m.recent) > maxRecentExecutions {
		m.recent = m.recent[1:]
	}
}

// appendHistory writes the finalized record to the on-disk log. Persistence
// failures are logged, never fatal.
func (m *Manager) appendHistory(record *v1.ExecutionRecord) {
	if m.histLog == nil {
		return
	}
	entry := &history.Entry{
		ID:          record.ID,
		Prompt:      record.Prompt,
		TargetType:  record.TargetType,
		TargetName:  record.TargetName,
		Status:      record.Status,
		StartedAt:   record.StartedAt,
		CompletedAt: record.CompletedAt,
		Source:      record.Source,
		Output:      truncate(record.Output, m.cfg.LogOutputBytes),
		Error:       record.Error,
	}
	if record.Result != nil {
		entry.CostUSD = record.Result.CostUSD
		entry.DurationMS = record.Result.DurationMS
		entry.SessionID = record.Result.SessionID
	}
	if err := m.histLog.Append(entry); err != nil {
		m.logger.Warn("failed to append execution history", zap.Error(err))
	}
}

// snapshot copies a record so callers and event subscribers never observe
// later mutations.
func (m *Manager) snapshot(record *v1.ExecutionRecord) *v1.ExecutionRecord {
	out := *record
	return &out
}

func (m *Manager) publish(eventType string, data map[string]interface{}) {
	if m.eventBus == nil {
		return
	}
	event := bus.NewEvent(eventType, "executor", data)
	if err := m.eventBus.Publish(context.Background(), bus.SubjectExecutions, event); err != nil {
		m.logger.Warn("failed to publish event", zap.String("type", eventType), zap.Error(err))
	}
}

func truncate(s string, max int) string {
	if max > 0 && len(s) > max {
		return s[:max]
	}
	return s
}
