package agentcli

import (
	"strings"
	"testing"
)

func newTestParser(maxBytes int) (*streamParser, *[]string) {
	chunks := &[]string{}
	p := &streamParser{
		maxBytes: maxBytes,
		onChunk: func(chunk string) {
			*chunks = append(*chunks, chunk)
		},
	}
	return p, chunks
}

func TestHandleLineAssistantText(t *testing.T) {
	p, chunks := newTestParser(1024)

	p.handleLine([]byte(`{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"hello"}]}}`))
	p.handleLine([]byte(`{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"world"}]}}`))

	if got := p.text.String(); got != "hello\nworld" {
		t.Errorf("expected synthetic newline between fragments, got %q", got)
	}
	if len(*chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(*chunks))
	}
	// Chunks are forwarded verbatim, without the synthetic newline.
	if (*chunks)[0] != "hello" || (*chunks)[1] != "world" {
		t.Errorf("unexpected chunks: %v", *chunks)
	}
}

func TestHandleLineNoExtraNewline(t *testing.T) {
	p, _ := newTestParser(1024)

	p.handleLine([]byte(`{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"line one\n"}]}}`))
	p.handleLine([]byte(`{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"line two"}]}}`))

	if got := p.text.String(); got != "line one\nline two" {
		t.Errorf("expected no doubled newline, got %q", got)
	}
}

func TestHandleLineToolUse(t *testing.T) {
	p, chunks := newTestParser(1024)

	p.handleLine([]byte(`{"type":"assistant","message":{"role":"assistant","content":[{"type":"tool_use","id":"tu-1","name":"Bash","input":{"command":"ls"}}]}}`))

	if len(*chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(*chunks))
	}
	if (*chunks)[0] != "\n[tool: Bash]\n" {
		t.Errorf("unexpected tool annotation: %q", (*chunks)[0])
	}
	// Tool annotations do not accumulate in the text buffer.
	if p.text.Len() != 0 {
		t.Errorf("expected empty text buffer, got %q", p.text.String())
	}
}

func TestHandleLineQuestionTool(t *testing.T) {
	p, _ := newTestParser(1024)

	var gotToolUseID string
	var gotQuestions []Question
	p.onQuestion = func(toolUseID string, questions []Question) {
		gotToolUseID = toolUseID
		gotQuestions = questions
	}

	p.handleLine([]byte(`{"type":"assistant","message":{"role":"assistant","content":[{"type":"tool_use","id":"tu-7","name":"AskUserQuestion","input":{"questions":[{"question":"Proceed?","header":"Confirm","options":[{"label":"yes"},{"label":"no"}],"multiSelect":false}]}}]}}`))

	if gotToolUseID != "tu-7" {
		t.Fatalf("expected tool use id tu-7, got %q", gotToolUseID)
	}
	if len(gotQuestions) != 1 {
		t.Fatalf("expected 1 question, got %d", len(gotQuestions))
	}
	q := gotQuestions[0]
	if q.Question != "Proceed?" || q.Header != "Confirm" {
		t.Errorf("unexpected question: %+v", q)
	}
	if len(q.Options) != 2 || q.Options[0] != "yes" {
		t.Errorf("unexpected options: %v", q.Options)
	}
}

func TestHandleLineResult(t *testing.T) {
	p, _ := newTestParser(1024)

	p.handleLine([]byte(`{"type":"system","subtype":"init","session_id":"sess-1"}`))
	p.handleLine([]byte(`{"type":"result","result":"all done","total_cost_usd":0.42,"duration_ms":1234,"is_error":false}`))

	if p.result == nil {
		t.Fatal("expected a parsed result")
	}
	if p.result.Output != "all done" {
		t.Errorf("unexpected output: %q", p.result.Output)
	}
	if p.result.SessionID != "sess-1" {
		t.Errorf("expected session id from system event, got %q", p.result.SessionID)
	}
	if p.result.CostUSD != 0.42 || p.result.DurationMS != 1234 {
		t.Errorf("unexpected cost/duration: %v %v", p.result.CostUSD, p.result.DurationMS)
	}
}

func TestHandleLineResultFallsBackToText(t *testing.T) {
	p, _ := newTestParser(1024)

	p.handleLine([]byte(`{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"streamed"}]}}`))
	p.handleLine([]byte(`{"type":"result","session_id":"sess-2"}`))

	if p.result == nil {
		t.Fatal("expected a parsed result")
	}
	if p.result.Output != "streamed" {
		t.Errorf("expected accumulated text as output, got %q", p.result.Output)
	}
}

func TestHandleLinePermissionDenials(t *testing.T) {
	p, _ := newTestParser(1024)

	p.handleLine([]byte(`{"type":"result","result":"ok","permission_denials":[{"tool_name":"AskUserQuestion","tool_use_id":"tu-9","tool_input":{"questions":[{"question":"Which one?"}]}}]}`))

	if p.result == nil {
		t.Fatal("expected a parsed result")
	}
	denial := p.result.DeniedQuestion()
	if denial == nil {
		t.Fatal("expected a denied question")
	}
	if denial.ToolUseID != "tu-9" {
		t.Errorf("unexpected tool use id: %q", denial.ToolUseID)
	}
	questions := QuestionsFromInput(denial.ToolInput)
	if len(questions) != 1 || questions[0].Question != "Which one?" {
		t.Errorf("unexpected questions: %+v", questions)
	}
}

func TestHandleLineIgnoresGarbage(t *testing.T) {
	p, chunks := newTestParser(1024)

	p.handleLine([]byte(``))
	p.handleLine([]byte(`not json at all`))
	p.handleLine([]byte(`{"type":"unknown_event","foo":"bar"}`))
	p.handleLine([]byte(`{"type":"assistant"}`))

	if len(*chunks) != 0 {
		t.Errorf("expected no chunks from unparseable lines, got %v", *chunks)
	}
	if p.result != nil {
		t.Error("expected no result from unparseable lines")
	}
}

func TestAppendTextOverflow(t *testing.T) {
	p, chunks := newTestParser(10)

	p.appendText(strings.Repeat("a", 8))
	if p.overflowed {
		t.Fatal("should not overflow below the cap")
	}
	p.appendText(strings.Repeat("b", 8))
	if !p.overflowed {
		t.Fatal("expected overflow past the cap")
	}
	if p.text.Len() > 10 {
		t.Errorf("buffer exceeded cap: %d bytes", p.text.Len())
	}
	// Later fragments are dropped without growing the buffer.
	before := p.text.Len()
	p.appendText("more")
	if p.text.Len() != before {
		t.Error("overflowed buffer kept growing")
	}
	_ = chunks
}

func TestQuestionsFromInputMalformed(t *testing.T) {
	if qs := QuestionsFromInput(nil); len(qs) != 0 {
		t.Errorf("expected no questions for nil input, got %v", qs)
	}
	if qs := QuestionsFromInput(map[string]any{"questions": "not a list"}); len(qs) != 0 {
		t.Errorf("expected no questions for malformed input, got %v", qs)
	}
}
