package api

import (
	v1 "github.com/agentfleet/agentfleet/pkg/api/v1"
)

// StartExecutionRequest dispatches a prompt against a target. A busy target
// queues the request instead of rejecting it.
type StartExecutionRequest struct {
	Source          string `json:"source"`
	TargetType      string `json:"target_type" binding:"required"`
	TargetName      string `json:"target_name" binding:"required"`
	Prompt          string `json:"prompt" binding:"required"`
	Cwd             string `json:"cwd,omitempty"`
	ResumeSessionID string `json:"resume_session_id,omitempty"`
	NoResume        bool   `json:"no_resume,omitempty"`
	Model           string `json:"model,omitempty"`
	TimeoutMS       int64  `json:"timeout_ms,omitempty"`
}

// StartExecutionResponse reports either the started execution or the queue
// position the request landed in.
type StartExecutionResponse struct {
	ExecutionID string `json:"execution_id,omitempty"`
	Queued      bool   `json:"queued"`
	SeqID       int64  `json:"seq_id,omitempty"`
}

// AnswerRequest resumes a paused conversation.
type AnswerRequest struct {
	Answer string `json:"answer" binding:"required"`
}

// AnswerResponse carries the id of the follow-up execution.
type AnswerResponse struct {
	ExecutionID string `json:"execution_id"`
}

// DispatchRequest pops the oldest queued item for a target and executes it.
type DispatchRequest struct {
	TargetType string `json:"target_type" binding:"required"`
	TargetName string `json:"target_name" binding:"required"`
}

// ExecutionListResponse groups in-flight and recently finished executions.
type ExecutionListResponse struct {
	Active []*v1.ExecutionRecord `json:"active"`
	Recent []*v1.ExecutionRecord `json:"recent"`
}

// QueueListResponse is the global queue ordered by seq id.
type QueueListResponse struct {
	Items []*v1.QueueItem `json:"items"`
	Count int             `json:"count"`
}
