// Package v1 defines the public API types shared by the execution engine and
// its HTTP/websocket adapters.
package v1

import (
	"time"

	"github.com/agentfleet/agentfleet/pkg/agentcli"
)

// TargetType classifies the logical target of an execution.
type TargetType string

const (
	TargetOrchestrator TargetType = "orchestrator"
	TargetProject      TargetType = "project"
	TargetAgent        TargetType = "agent"
)

// Valid reports whether t is a known target type.
func (t TargetType) Valid() bool {
	switch t {
	case TargetOrchestrator, TargetProject, TargetAgent:
		return true
	}
	return false
}

// TargetKey returns the mutual-exclusion key for a target. At most one
// execution is in flight per key.
func TargetKey(targetType TargetType, targetName string) string {
	return string(targetType) + ":" + targetName
}

// ExecutionStatus is the lifecycle state of an execution record.
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionError     ExecutionStatus = "error"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s ExecutionStatus) Terminal() bool {
	return s != ExecutionRunning
}

// PendingQuestion is an execution's paused state: the agent asked the
// operator something and the conversation waits for an answer.
type PendingQuestion struct {
	ToolUseID string              `json:"tool_use_id"`
	Questions []agentcli.Question `json:"questions"`
	AskedAt   time.Time           `json:"asked_at"`
}

// ExecutionRecord is one dispatched work item. It is owned by the execution
// manager while running and immutable once finalized.
type ExecutionRecord struct {
	ID         string     `json:"id"`
	Source     string     `json:"source"`
	TargetType TargetType `json:"target_type"`
	TargetName string     `json:"target_name"`
	Prompt     string     `json:"prompt"`
	Cwd        string     `json:"cwd"`

	Status      ExecutionStatus `json:"status"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`

	// Output is the live-streamed text, bounded while running and truncated
	// again when the record is finalized.
	Output string `json:"output,omitempty"`

	Result          *agentcli.Result `json:"result,omitempty"`
	Error           string           `json:"error,omitempty"`
	PendingQuestion *PendingQuestion `json:"pending_question,omitempty"`
}

// TargetKey returns the record's mutual-exclusion key.
func (r *ExecutionRecord) TargetKey() string {
	return TargetKey(r.TargetType, r.TargetName)
}

// QueueItem is a work item buffered because its target was busy.
type QueueItem struct {
	ID    string `json:"id"`
	SeqID int64  `json:"seq_id"`

	TargetType TargetType `json:"target_type"`
	TargetName string     `json:"target_name"`

	Prompt string `json:"prompt"`
	Source string `json:"source"`
	Cwd    string `json:"cwd,omitempty"`

	ResumeSessionID string `json:"resume_session_id,omitempty"`
	Model           string `json:"model,omitempty"`

	EnqueuedAt time.Time `json:"enqueued_at"`
}

// TargetKey returns the item's target key.
func (i *QueueItem) TargetKey() string {
	return TargetKey(i.TargetType, i.TargetName)
}
