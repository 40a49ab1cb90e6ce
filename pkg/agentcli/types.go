// Package agentcli spawns the external agent CLI tool and parses its
// line-delimited stream-json event protocol.
//
// Each stdout line is one JSON event. Assistant text and tool-use events are
// forwarded to the caller as they arrive; a terminal "result" event carries
// the authoritative output, session id, cost and duration. Lines that fail to
// parse are ignored so newer CLI versions can add event kinds freely.
package agentcli

import (
	"encoding/json"
	"time"
)

// Event types emitted by the agent CLI in stream-json mode.
const (
	// EventTypeSystem is the initial system message with session info
	EventTypeSystem = "system"
	// EventTypeAssistant contains text or tool-use blocks from the assistant
	EventTypeAssistant = "assistant"
	// EventTypeResult is the terminal result message
	EventTypeResult = "result"
)

// QuestionToolName is the tool the agent uses to pause and ask the operator
// for clarification. A use (or a permission denial) of this tool puts the
// execution into the pending-question state.
const QuestionToolName = "AskUserQuestion"

// streamEvent is the tagged union decoded from one stdout line.
// The Type field determines which of the remaining fields are populated.
type streamEvent struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`

	// For system and result events
	SessionID string `json:"session_id,omitempty"`

	// For assistant events
	Message *assistantMessage `json:"message,omitempty"`

	// For result events. Result can be a string or an object; keep it raw.
	Result            json.RawMessage    `json:"result,omitempty"`
	TotalCostUSD      float64            `json:"total_cost_usd,omitempty"`
	DurationMS        int64              `json:"duration_ms,omitempty"`
	IsError           bool               `json:"is_error,omitempty"`
	NumTurns          int                `json:"num_turns,omitempty"`
	PermissionDenials []PermissionDenial `json:"permission_denials,omitempty"`
}

// assistantMessage contains the assistant's content blocks.
type assistantMessage struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content,omitempty"`
	Model   string         `json:"model,omitempty"`
}

// contentBlock is one block inside an assistant message.
type contentBlock struct {
	Type string `json:"type"`

	// For text blocks
	Text string `json:"text,omitempty"`

	// For tool_use blocks
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`
}

// resultText returns the result payload as plain text, accepting both the
// string and the object encoding.
func (e *streamEvent) resultText() string {
	if len(e.Result) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(e.Result, &s); err == nil {
		return s
	}
	var obj struct {
		Text string `json:"text,omitempty"`
	}
	if err := json.Unmarshal(e.Result, &obj); err == nil {
		return obj.Text
	}
	return ""
}

// PermissionDenial records a tool use the operator's policy refused.
type PermissionDenial struct {
	ToolName  string         `json:"tool_name"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
	ToolInput map[string]any `json:"tool_input,omitempty"`
}

// Question is one question from an AskUserQuestion tool use.
type Question struct {
	Question    string   `json:"question"`
	Header      string   `json:"header,omitempty"`
	Options     []string `json:"options,omitempty"`
	MultiSelect bool     `json:"multiSelect,omitempty"`
}

// QuestionsFromInput extracts the question set from an AskUserQuestion tool input.
func QuestionsFromInput(input map[string]any) []Question {
	raw, err := json.Marshal(input)
	if err != nil {
		return nil
	}
	var parsed struct {
		Questions []struct {
			Question    string `json:"question"`
			Header      string `json:"header"`
			MultiSelect bool   `json:"multiSelect"`
			Options     []struct {
				Label string `json:"label"`
			} `json:"options"`
		} `json:"questions"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil
	}
	questions := make([]Question, 0, len(parsed.Questions))
	for _, q := range parsed.Questions {
		question := Question{
			Question:    q.Question,
			Header:      q.Header,
			MultiSelect: q.MultiSelect,
		}
		for _, opt := range q.Options {
			question.Options = append(question.Options, opt.Label)
		}
		questions = append(questions, question)
	}
	return questions
}

// Result is the settled outcome of one agent CLI execution.
type Result struct {
	Output            string             `json:"output"`
	SessionID         string             `json:"session_id,omitempty"`
	DurationMS        int64              `json:"duration_ms"`
	CostUSD           float64            `json:"cost_usd"`
	IsError           bool               `json:"is_error"`
	PermissionDenials []PermissionDenial `json:"permission_denials,omitempty"`
}

// DeniedQuestion returns the first permission denial of the question tool,
// or nil. The execution manager treats such a denial as an alternate path
// into the pending-question state.
func (r *Result) DeniedQuestion() *PermissionDenial {
	for i := range r.PermissionDenials {
		if r.PermissionDenials[i].ToolName == QuestionToolName {
			return &r.PermissionDenials[i]
		}
	}
	return nil
}

// ChunkHandler receives streamed output fragments in emission order.
type ChunkHandler func(chunk string)

// QuestionHandler receives an interactive question raised mid-execution.
type QuestionHandler func(toolUseID string, questions []Question)

// Request describes one execution of the agent CLI.
type Request struct {
	// Prompt is the work item text passed via -p.
	Prompt string

	// Dir is the working directory for the process.
	Dir string

	// ResumeSessionID, when set, continues a prior conversation.
	ResumeSessionID string

	// Model optionally overrides the CLI's default model.
	Model string

	// Timeout is the wall-clock limit. Zero means no timeout.
	Timeout time.Duration

	// MaxOutputBytes caps accumulated assistant text; once reached the
	// process is killed and Wait returns a buffer-overflow error.
	// Zero uses the runner default.
	MaxOutputBytes int

	// OnChunk, when set, receives streamed text and tool annotations.
	OnChunk ChunkHandler

	// OnQuestion, when set, is invoked for AskUserQuestion tool uses.
	OnQuestion QuestionHandler
}
