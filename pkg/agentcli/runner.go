package agentcli

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/agentfleet/agentfleet/internal/common/config"
	apperrors "github.com/agentfleet/agentfleet/internal/common/errors"
	"github.com/agentfleet/agentfleet/internal/common/logger"
)

const (
	// killGracePeriod is how long a terminated process gets between SIGTERM
	// and SIGKILL.
	killGracePeriod = 5 * time.Second

	// scannerBuffer allows for large single-line JSON events (up to 10MB).
	scannerBuffer = 10 * 1024 * 1024

	// maxStderrBytes bounds the captured stderr used in process errors.
	maxStderrBytes = 8 * 1024

	defaultMaxOutputBytes = 1024 * 1024
)

// Runner spawns agent CLI processes. Construct one at startup and share it;
// each Run call supervises an independent process.
type Runner struct {
	binary         string
	defaultTimeout time.Duration
	maxOutputBytes int
	defaultModel   string
	logger         *logger.Logger
}

// NewRunner creates a runner from the agent CLI configuration.
func NewRunner(cfg config.AgentConfig, log *logger.Logger) *Runner {
	maxOutput := cfg.MaxOutputBytes
	if maxOutput <= 0 {
		maxOutput = defaultMaxOutputBytes
	}
	return &Runner{
		binary:         cfg.Binary,
		defaultTimeout: cfg.Timeout(),
		maxOutputBytes: maxOutput,
		defaultModel:   cfg.Model,
		logger:         log.WithFields(zap.String("component", "agentcli")),
	}
}

// Handle exposes a running agent CLI process and its eventual result.
type Handle struct {
	cmd  *exec.Cmd
	done chan struct{}

	mu         sync.Mutex
	result     *Result
	err        error
	overflowed bool
	timedOut   bool

	termOnce sync.Once
}

// PID returns the process id of the underlying CLI process.
func (h *Handle) PID() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// Done returns a channel closed when the execution settles.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the process settles and returns the result or a typed error.
func (h *Handle) Wait() (*Result, error) {
	<-h.done
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result, h.err
}

// Terminate sends SIGTERM and escalates to SIGKILL after the grace period
// if the process has not exited.
func (h *Handle) Terminate() {
	h.termOnce.Do(func() {
		proc := h.cmd.Process
		if proc == nil {
			return
		}
		_ = proc.Signal(syscall.SIGTERM)
		go func() {
			select {
			case <-h.done:
			case <-time.After(killGracePeriod):
				_ = proc.Kill()
			}
		}()
	})
}

func (h *Handle) markOverflow() {
	h.mu.Lock()
	h.overflowed = true
	h.mu.Unlock()
}

func (h *Handle) markTimeout() {
	h.mu.Lock()
	h.timedOut = true
	h.mu.Unlock()
}

// Run spawns the agent CLI for one work item. It returns once the process has
// started; the Handle settles when the process exits.
func (r *Runner) Run(ctx context.Context, req Request) (*Handle, error) {
	binary, err := exec.LookPath(r.binary)
	if err != nil {
		return nil, apperrors.ToolNotFound(r.binary)
	}

	args := []string{"-p", req.Prompt, "--output-format", "stream-json", "--verbose"}
	if req.ResumeSessionID != "" {
		args = append(args, "--resume", req.ResumeSessionID)
	}
	model := req.Model
	if model == "" {
		model = r.defaultModel
	}
	if model != "" {
		args = append(args, "--model", model)
	}

	// exec.Command rather than CommandContext: context cancellation must go
	// through the SIGTERM escalation below, not an immediate SIGKILL.
	cmd := exec.Command(binary, args...)
	cmd.Dir = req.Dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, apperrors.Internal("failed to create stdout pipe", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, apperrors.Internal("failed to create stderr pipe", err)
	}

	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return nil, apperrors.ToolNotFound(r.binary)
		}
		return nil, apperrors.Internal("failed to start agent process", err)
	}

	maxOutput := req.MaxOutputBytes
	if maxOutput <= 0 {
		maxOutput = r.maxOutputBytes
	}
	timeout := req.Timeout
	if timeout == 0 {
		timeout = r.defaultTimeout
	}

	handle := &Handle{cmd: cmd, done: make(chan struct{})}
	parser := &streamParser{
		maxBytes:   maxOutput,
		onChunk:    req.OnChunk,
		onQuestion: req.OnQuestion,
	}

	r.logger.Debug("agent process started",
		zap.Int("pid", cmd.Process.Pid),
		zap.String("dir", req.Dir),
		zap.String("resume_session", req.ResumeSessionID))

	var timer *time.Timer
	if timeout > 0 {
		timer = time.AfterFunc(timeout, func() {
			handle.markTimeout()
			handle.Terminate()
		})
	}

	// Context cancellation terminates the process with the same escalation.
	go func() {
		select {
		case <-ctx.Done():
			handle.Terminate()
		case <-handle.done:
		}
	}()

	stderrCh := make(chan string, 1)
	go func() {
		data, _ := io.ReadAll(io.LimitReader(stderr, maxStderrBytes))
		// Keep draining past the capture limit so a chatty child never
		// blocks on a full stderr pipe.
		_, _ = io.Copy(io.Discard, stderr)
		stderrCh <- strings.TrimSpace(string(data))
	}()

	go func() {
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), scannerBuffer)
		for scanner.Scan() {
			parser.handleLine(scanner.Bytes())
			if parser.overflowed {
				handle.markOverflow()
				_ = cmd.Process.Kill()
				break
			}
		}
		// Drain so Wait does not block on the pipe.
		_, _ = io.Copy(io.Discard, stdout)

		r.settle(handle, parser, cmd, timer, <-stderrCh, maxOutput)
	}()

	return handle, nil
}

// settle waits for process exit and resolves the handle per the protocol
// contract: parsed result wins, then overflow/timeout, then exit status.
func (r *Runner) settle(handle *Handle, parser *streamParser, cmd *exec.Cmd, timer *time.Timer, stderrText string, maxOutput int) {
	waitErr := cmd.Wait()
	if timer != nil {
		timer.Stop()
	}

	handle.mu.Lock()
	defer func() {
		handle.mu.Unlock()
		close(handle.done)
	}()

	switch {
	case handle.overflowed:
		handle.err = apperrors.BufferOverflow(maxOutput)
	case handle.timedOut:
		handle.err = apperrors.Timeout("agent execution exceeded its wall-clock timeout")
	case parser.result != nil:
		handle.result = parser.result
	case waitErr != nil:
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		handle.err = apperrors.Process(exitCode, stderrText)
	default:
		// Clean exit without a result event: best effort from streamed text.
		handle.result = &Result{
			Output:    parser.text.String(),
			SessionID: parser.sessionID,
		}
	}

	if handle.err != nil {
		r.logger.Warn("agent execution failed",
			zap.Int("pid", handle.PID()),
			zap.Error(handle.err))
	}
}

// streamParser is the line-buffering state machine decoding the CLI's
// stream-json events.
type streamParser struct {
	maxBytes   int
	onChunk    ChunkHandler
	onQuestion QuestionHandler

	text       strings.Builder
	overflowed bool
	sessionID  string
	result     *Result
}

func (p *streamParser) handleLine(line []byte) {
	if len(line) == 0 {
		return
	}

	var event streamEvent
	if err := json.Unmarshal(line, &event); err != nil {
		// Best-effort protocol: unknown or partial lines are skipped.
		return
	}

	switch event.Type {
	case EventTypeSystem:
		if event.SessionID != "" {
			p.sessionID = event.SessionID
		}
	case EventTypeAssistant:
		p.handleAssistant(&event)
	case EventTypeResult:
		p.handleResult(&event)
	}
}

func (p *streamParser) handleAssistant(event *streamEvent) {
	if event.Message == nil {
		return
	}
	for _, block := range event.Message.Content {
		switch block.Type {
		case "text":
			if block.Text == "" {
				continue
			}
			p.appendText(block.Text)
			if p.onChunk != nil {
				p.onChunk(block.Text)
			}
		case "tool_use":
			annotation := fmt.Sprintf("\n[tool: %s]\n", block.Name)
			if p.onChunk != nil {
				p.onChunk(annotation)
			}
			if block.Name == QuestionToolName && p.onQuestion != nil {
				p.onQuestion(block.ID, QuestionsFromInput(block.Input))
			}
		}
	}
}

// appendText grows the bounded text buffer, inserting a synthetic newline
// between fragments that would otherwise run together.
func (p *streamParser) appendText(fragment string) {
	if p.overflowed {
		return
	}
	current := p.text.String()
	if current != "" && !strings.HasSuffix(current, "\n") && !strings.HasPrefix(fragment, "\n") {
		p.text.WriteByte('\n')
	}
	remaining := p.maxBytes - p.text.Len()
	if remaining <= 0 || len(fragment) > remaining {
		p.overflowed = true
		if remaining > 0 {
			p.text.WriteString(fragment[:remaining])
		}
		return
	}
	p.text.WriteString(fragment)
}

func (p *streamParser) handleResult(event *streamEvent) {
	sessionID := event.SessionID
	if sessionID == "" {
		sessionID = p.sessionID
	}
	output := event.resultText()
	if output == "" {
		output = p.text.String()
	}
	p.result = &Result{
		Output:            output,
		SessionID:         sessionID,
		DurationMS:        event.DurationMS,
		CostUSD:           event.TotalCostUSD,
		IsError:           event.IsError,
		PermissionDenials: event.PermissionDenials,
	}
}
