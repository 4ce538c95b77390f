package shard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/sumire/aidev/internal/domain"
)

// maxErrorText caps how much process output ends up in an error message.
const maxErrorText = 16 << 10

// ExecutorConfig holds the settings shared by every run on a shard.
type ExecutorConfig struct {
	AgentPath     string
	WorkspaceRoot string
	// Timeout applies to implement_ticket runs, ShortTimeout to the rest.
	Timeout      time.Duration
	ShortTimeout time.Duration
	// KillGrace is how long a signalled process group may take to exit
	// before its pipes are closed and the run is finalised anyway.
	KillGrace         time.Duration
	CleanupAfterRun   bool
	DefaultMCPServers map[string]json.RawMessage
}

func (c ExecutorConfig) timeoutFor(t domain.TaskType) time.Duration {
	if (t == "" || t == domain.TaskImplementTicket) || c.ShortTimeout <= 0 {
		return c.Timeout
	}
	return c.ShortTimeout
}

// Executor owns one run: its workspace, its agent subprocess and the
// output it produces.
type Executor struct {
	id        string
	req       domain.ExecuteRequest
	cfg       ExecutorConfig
	bus       *EventBus
	ws        *Workspace
	createdAt time.Time

	mu          sync.Mutex
	status      domain.RunStatus
	output      []domain.OutputChunk
	stdout      strings.Builder
	stderr      strings.Builder
	result      *domain.RunResult
	errMsg      string
	startedAt   *time.Time
	completedAt *time.Time
	cancel      context.CancelFunc
	done        chan struct{}
}

// NewExecutor returns a queued run.
func NewExecutor(id string, req domain.ExecuteRequest, cfg ExecutorConfig, bus *EventBus) *Executor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Minute
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = 10 * time.Second
	}
	if cfg.AgentPath == "" {
		cfg.AgentPath = "claude"
	}
	return &Executor{
		id:        id,
		req:       req,
		cfg:       cfg,
		bus:       bus,
		ws:        NewWorkspace(cfg.WorkspaceRoot, id),
		createdAt: time.Now(),
		status:    domain.RunStatusQueued,
		done:      make(chan struct{}),
	}
}

func (e *Executor) ID() string                     { return e.id }
func (e *Executor) Request() domain.ExecuteRequest { return e.req }
func (e *Executor) Workspace() *Workspace          { return e.ws }

// Done is closed once the run reaches a terminal state.
func (e *Executor) Done() <-chan struct{} { return e.done }

func (e *Executor) Status() domain.RunStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Run drives the run to a terminal state. onStart, if set, is called once
// the run has moved to running.
func (e *Executor) Run(ctx context.Context, onStart func()) {
	e.mu.Lock()
	if e.status != domain.RunStatusQueued {
		e.mu.Unlock()
		return
	}
	timeout := e.cfg.timeoutFor(e.req.Task.Type)
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	e.cancel = cancel
	now := time.Now()
	e.startedAt = &now
	e.status = domain.RunStatusRunning
	e.publishLocked(EventStatus, map[string]any{"status": e.status})
	e.mu.Unlock()

	if onStart != nil {
		onStart()
	}

	result, err := e.execute(runCtx)
	if err != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("timed out after %s", timeout)
	}
	e.finish(result, err)

	if e.cfg.CleanupAfterRun {
		if cerr := e.ws.Cleanup(); cerr != nil {
			e.logf("workspace cleanup failed: %v", cerr)
		}
	}
}

func (e *Executor) execute(ctx context.Context) (*domain.RunResult, error) {
	if err := e.ws.Init(); err != nil {
		return nil, err
	}

	task := e.req.Task
	createBranch := false
	if task.RepoURL != "" {
		e.logf("cloning repository")
		err := e.ws.CloneRepo(ctx, task.RepoURL, task.RepoToken, task.Branch)
		if errors.Is(err, ErrBranchNotFound) {
			e.logf("branch %s not found, cloning %s", task.Branch, displayBranch(task.BaseBranch))
			createBranch = true
			err = e.ws.CloneRepo(ctx, task.RepoURL, task.RepoToken, task.BaseBranch)
		}
		if err != nil {
			return nil, err
		}
	}

	if err := e.ws.WriteAgentSettings(mergeMCPServers(e.cfg.DefaultMCPServers, e.req.MCPServers)); err != nil {
		return nil, err
	}

	prompt, err := BuildPrompt(e.req, createBranch)
	if err != nil {
		return nil, err
	}
	return e.runAgent(ctx, prompt)
}

func displayBranch(b string) string {
	if b == "" {
		return "default branch"
	}
	return b
}

func (e *Executor) runAgent(ctx context.Context, prompt string) (*domain.RunResult, error) {
	args := []string{"--print", "--dangerously-skip-permissions"}
	sessionKey := e.req.Task.SessionKey
	if sessionKey == "" {
		sessionKey = e.req.Task.IssueKey
	}
	if sid := SessionID(sessionKey); sid != "" {
		args = append(args, "--session-id", sid)
	}
	if e.req.AnthropicModel != "" {
		args = append(args, "--model", e.req.AnthropicModel)
	}
	args = append(args, prompt)

	cmd := exec.CommandContext(ctx, e.cfg.AgentPath, args...)
	cmd.Dir = e.ws.WorkingDir()
	cmd.Env = append(agentEnviron(),
		"ANTHROPIC_API_KEY="+e.req.AnthropicAPIKey,
		"HOME="+e.ws.Home(),
		"GIT_TERMINAL_PROMPT=0",
	)
	if e.req.AnthropicModel != "" {
		cmd.Env = append(cmd.Env, "ANTHROPIC_MODEL="+e.req.AnthropicModel)
	}

	// Own process group so the agent's descendants go down with it.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
	}
	cmd.WaitDelay = e.cfg.KillGrace
	cmd.Stdout = &streamWriter{e: e, stream: "stdout"}
	cmd.Stderr = &streamWriter{e: e, stream: "stderr"}

	e.logf("starting agent")
	runErr := cmd.Run()

	e.mu.Lock()
	stdout, stderr := e.stdout.String(), e.stderr.String()
	e.mu.Unlock()

	if runErr == nil {
		result, ok := ParseResult(stdout)
		if !ok {
			result = domain.RunResult{Success: true}
		}
		result.ExitCode = 0
		result.RawOutput = stdout
		result.Stderr = stderr
		return &result, nil
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	result := &domain.RunResult{ExitCode: -1, RawOutput: stdout, Stderr: stderr}
	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		result.ExitCode = exitErr.ExitCode()
		msg := strings.TrimSpace(stderr)
		if msg == "" {
			msg = strings.TrimSpace(stdout)
		}
		if msg == "" {
			msg = fmt.Sprintf("agent exited with code %d", result.ExitCode)
		}
		return result, &runError{msg: tail(msg, maxErrorText)}
	}
	return result, fmt.Errorf("run agent: %w", runErr)
}

// runError carries a failure message that already is the complete,
// user-facing description of what went wrong.
type runError struct{ msg string }

func (e *runError) Error() string { return e.msg }

// agentEnviron is the shard's environment minus its own credentials.
func agentEnviron() []string {
	env := os.Environ()
	out := env[:0:0]
	for _, kv := range env {
		if strings.HasPrefix(kv, "SHARD_API_KEY=") {
			continue
		}
		out = append(out, kv)
	}
	return out
}

func mergeMCPServers(defaults, overrides map[string]json.RawMessage) map[string]json.RawMessage {
	merged := make(map[string]json.RawMessage, len(defaults)+len(overrides))
	for name, def := range defaults {
		merged[name] = def
	}
	for name, def := range overrides {
		merged[name] = def
	}
	return merged
}

// tail keeps the last n bytes of s, starting on a rune boundary, behind an
// ellipsis.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	i := len(s) - n
	for i < len(s) && !utf8.RuneStart(s[i]) {
		i++
	}
	return "..." + s[i:]
}

// finish records the outcome unless the run was cancelled meanwhile.
func (e *Executor) finish(result *domain.RunResult, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.status.IsTerminal() {
		return
	}
	if err != nil {
		if result == nil {
			result = &domain.RunResult{ExitCode: -1}
		}
		e.terminateLocked(domain.RunStatusFailed, err.Error(), result)
		return
	}
	e.terminateLocked(domain.RunStatusCompleted, "", result)
}

// terminateLocked moves the run to a terminal state, announces it and ends
// every stream subscription. Must be called with e.mu held.
func (e *Executor) terminateLocked(status domain.RunStatus, errMsg string, result *domain.RunResult) {
	now := time.Now()
	e.status = status
	e.errMsg = errMsg
	e.result = result
	e.completedAt = &now

	switch status {
	case domain.RunStatusCompleted:
		e.publishLocked(EventComplete, map[string]any{"status": status, "result": result})
	default:
		e.publishLocked(EventError, map[string]any{"status": status, "error": errMsg})
	}
	if e.bus != nil {
		e.bus.Close(e.id)
	}
	close(e.done)
}

// Cancel stops a queued or running run. A running agent receives SIGTERM on
// its whole process group; the run counts as cancelled immediately.
func (e *Executor) Cancel() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.status {
	case domain.RunStatusQueued, domain.RunStatusRunning:
		e.terminateLocked(domain.RunStatusCancelled, "cancelled", nil)
		if e.cancel != nil {
			e.cancel()
		}
		return nil
	default:
		return domain.ErrNotCancellable
	}
}

func (e *Executor) appendOutput(stream, text string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.status.IsTerminal() {
		return
	}
	chunk := domain.OutputChunk{Type: stream, Text: text, Timestamp: time.Now()}
	e.output = append(e.output, chunk)
	if stream == "stderr" {
		e.stderr.WriteString(text)
	} else {
		e.stdout.WriteString(text)
	}
	e.publishLocked(EventOutput, chunk)
}

func (e *Executor) logf(format string, args ...any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.publishLocked(EventLog, map[string]any{"message": fmt.Sprintf(format, args...)})
}

// publishLocked must be called with e.mu held so that subscribers see
// events in the same order as the buffered output.
func (e *Executor) publishLocked(t EventType, data any) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(Event{JobID: e.id, Type: t, Data: data})
}

// Attach returns the output produced so far and, for a live run, a channel
// carrying everything produced afterwards. The channel is nil once the run
// is terminal.
func (e *Executor) Attach() (domain.OutputSnapshot, <-chan Event, func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	snap := e.outputSnapshotLocked()
	if e.status.IsTerminal() || e.bus == nil {
		return snap, nil, func() {}
	}
	ch, unsub := e.bus.Subscribe(e.id)
	return snap, ch, unsub
}

// Snapshot returns the run's current state.
func (e *Executor) Snapshot() domain.RunSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return domain.RunSnapshot{
		JobID:       e.id,
		Status:      e.status,
		StartedAt:   e.startedAt,
		CompletedAt: e.completedAt,
		Error:       e.errMsg,
		OutputLines: len(e.output),
		Result:      e.result,
	}
}

// Output returns all buffered output.
func (e *Executor) Output() domain.OutputSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.outputSnapshotLocked()
}

func (e *Executor) outputSnapshotLocked() domain.OutputSnapshot {
	out := make([]domain.OutputChunk, len(e.output))
	copy(out, e.output)
	return domain.OutputSnapshot{
		JobID:  e.id,
		Status: e.status,
		Output: out,
		Error:  e.errMsg,
		Result: e.result,
	}
}

// Elapsed is the time between start and completion, or since start for a
// live run.
func (e *Executor) Elapsed() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.startedAt == nil {
		return 0
	}
	if e.completedAt != nil {
		return e.completedAt.Sub(*e.startedAt)
	}
	return time.Since(*e.startedAt)
}

// finishedBefore reports whether the run reached a terminal state before t.
func (e *Executor) finishedBefore(t time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status.IsTerminal() && e.completedAt != nil && e.completedAt.Before(t)
}

type streamWriter struct {
	e      *Executor
	stream string
}

func (w *streamWriter) Write(p []byte) (int, error) {
	w.e.appendOutput(w.stream, string(p))
	return len(p), nil
}
