package sandbox

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/benediktbwimmer/apphub-controlplane/internal/apperrors"
	"github.com/benediktbwimmer/apphub-controlplane/internal/catalog"
	"github.com/benediktbwimmer/apphub-controlplane/internal/config"
	"github.com/benediktbwimmer/apphub-controlplane/internal/obs"
)

// Runner forks and supervises one sandbox child process per Execute call.
type Runner struct {
	NodeInterpreter   string
	PythonInterpreter string
	MaxLogs           int
	KillGrace         time.Duration
	ScratchDir        string
	Log               *zap.Logger
}

// New builds a Runner from Sandbox config.
func New(cfg config.Sandbox, log *zap.Logger) *Runner {
	grace := cfg.KillGracePeriod
	if grace <= 0 {
		grace = 3 * time.Second
	}
	maxLogs := cfg.MaxLogs
	if maxLogs <= 0 {
		maxLogs = 200
	}
	return &Runner{
		NodeInterpreter:   firstNonEmpty(cfg.NodeInterpreter, "node"),
		PythonInterpreter: firstNonEmpty(cfg.PythonInterpreter, "python3"),
		MaxLogs:           maxLogs,
		KillGrace:         grace,
		ScratchDir:        filepath.Join(os.TempDir(), "apphub-sandbox-harness"),
		Log:               log,
	}
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

// Execute forks the appropriate harness for opts.Job.Runtime, drives its
// start/result protocol to completion, and returns the sandbox's reported
// outcome or a classified apperrors failure (sandbox_timeout, sandbox_crash,
// sandbox_violation, or dependency_failed for anything else).
func (r *Runner) Execute(ctx context.Context, opts SandboxExecutionOptions) (*SandboxResult, error) {
	jsPath, pyPath, err := ensureHarnessScripts(r.ScratchDir)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindDependencyFailed, "prepare sandbox harness", err)
	}

	var interpreter, script string
	switch opts.Job.Runtime {
	case catalog.RuntimePython:
		interpreter, script = r.PythonInterpreter, pyPath
	default:
		interpreter, script = r.NodeInterpreter, jsPath
	}

	timeout := time.Duration(opts.Job.TimeoutMs) * time.Millisecond

	// A plain exec.Command, not CommandContext: CommandContext's default
	// cancel behavior is an immediate SIGKILL with no grace period, but the
	// timeout and cancellation paths below both want SIGTERM-then-SIGKILL.
	cmd := exec.Command(interpreter, script)
	cmd.Dir = opts.Bundle.Dir
	cmd.Env = append(os.Environ(), "SANDBOX_TASK_ID="+opts.Job.RunID)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindDependencyFailed, "open sandbox stdin", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindDependencyFailed, "open sandbox stdout", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindDependencyFailed, "open sandbox stderr", err)
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, apperrors.Wrap(apperrors.KindDependencyFailed, "start sandbox child", err)
	}

	session := &execSession{
		runner:  r,
		opts:    opts,
		stdin:   stdin,
		logs:    make([]LogEntry, 0, r.MaxLogs),
		maxLogs: r.MaxLogs,
	}

	startMsg := startMessage{
		Type:           "start",
		TaskID:         opts.Job.RunID,
		BundleDir:      opts.Bundle.Dir,
		EntryFile:      opts.Bundle.EntryFile,
		ExportName:     opts.Bundle.ExportName,
		Manifest:       opts.Bundle.Manifest,
		Capabilities:   opts.Bundle.Capabilities,
		HostRootPrefix: opts.HostRootPrefix,
		Parameters:     opts.Job.Parameters,
		TimeoutMs:      opts.Job.TimeoutMs,
		WorkflowEvent:  opts.Job.WorkflowEvent,
	}
	if err := session.writeMessage(startMsg); err != nil {
		_ = cmd.Process.Kill()
		return nil, apperrors.Wrap(apperrors.KindDependencyFailed, "send sandbox start message", err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); session.consumeStdout(stdout) }()
	go func() { defer wg.Done(); session.consumeStderr(stderr) }()

	watchdogFired := make(chan struct{})
	stopSupervisor := make(chan struct{})
	supervisorDone := make(chan struct{})
	go func() {
		defer close(supervisorDone)
		var timeoutC <-chan time.Time
		if timeout > 0 {
			timer := time.NewTimer(timeout)
			defer timer.Stop()
			timeoutC = timer.C
		}
		select {
		case <-timeoutC:
			close(watchdogFired)
			r.killGracefully(cmd)
		case <-ctx.Done():
			r.killGracefully(cmd)
		case <-stopSupervisor:
		}
	}()

	waitErr := cmd.Wait()
	close(stopSupervisor)
	<-supervisorDone
	wg.Wait()
	duration := time.Since(start)

	select {
	case <-watchdogFired:
		return nil, apperrors.New(apperrors.KindSandboxTimeout,
			fmt.Sprintf("job exceeded timeout_ms=%d (elapsed %dms)", opts.Job.TimeoutMs, duration.Milliseconds()))
	default:
	}

	if session.result != nil {
		session.result.Logs = session.logs
		session.result.TruncatedLogCount = session.truncated
		session.result.DurationMs = duration.Milliseconds()
		return session.result, nil
	}

	if session.childErr != nil {
		if isViolationMessage(session.childErr.Message) {
			return nil, apperrors.New(apperrors.KindSandboxViolation, session.childErr.Message)
		}
		return nil, apperrors.New(apperrors.KindDependencyFailed, session.childErr.Message)
	}

	// No result and no reported error: the child crashed.
	exitCode, signal := exitInfo(waitErr)
	return nil, apperrors.New(apperrors.KindSandboxCrash,
		fmt.Sprintf("sandbox child exited without a result (code=%d signal=%s)", exitCode, signal))
}

// isViolationMessage reports whether a child-reported error text matches
// the module-guard/capability denial wording the harnesses use, the signal
// that distinguishes a non-retryable sandbox_violation from any other
// handler failure.
func isViolationMessage(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "not permitted") || strings.Contains(lower, "escapes the bundle directory")
}

func (r *Runner) killGracefully(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Signal(syscall.SIGTERM)
	go func() {
		time.Sleep(r.KillGrace)
		_ = cmd.Process.Kill()
	}()
}

func exitInfo(err error) (code int, signal string) {
	if err == nil {
		return 0, ""
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return -1, ""
	}
	if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return exitErr.ExitCode(), ws.Signal().String()
	}
	return exitErr.ExitCode(), ""
}

// execSession tracks the in-flight bookkeeping for one Execute call: the
// pending request/response bridge, captured logs, and the terminal outcome
// reported by the child.
type execSession struct {
	runner    *Runner
	opts      SandboxExecutionOptions
	stdin     io.WriteCloser
	writeMu   sync.Mutex
	logs      []LogEntry
	maxLogs   int
	truncated int
	result    *SandboxResult
	childErr  *childError
}

func (s *execSession) writeMessage(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = s.stdin.Write(append(data, '\n'))
	return err
}

func (s *execSession) appendLog(entry LogEntry) {
	if len(s.logs) >= s.maxLogs {
		s.truncated++
		return
	}
	s.logs = append(s.logs, entry)
}

func (s *execSession) consumeStdout(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		var msg childMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			s.appendLog(LogEntry{Level: "info", Message: string(line), Timestamp: time.Now().UTC()})
			continue
		}
		s.dispatch(msg)
	}
}

func (s *execSession) consumeStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		s.appendLog(LogEntry{Level: "error", Message: scanner.Text(), Timestamp: time.Now().UTC()})
	}
}

func (s *execSession) dispatch(msg childMessage) {
	switch msg.Type {
	case "log":
		s.appendLog(LogEntry{Level: msg.Level, Message: msg.Message, Meta: msg.Meta, Timestamp: time.Now().UTC()})
	case "request":
		s.handleRequest(msg)
	case "result":
		var result map[string]any
		if len(msg.Result) > 0 {
			_ = json.Unmarshal(msg.Result, &result)
		}
		s.result = &SandboxResult{TaskID: s.opts.Job.RunID, Result: normalizeResult(result), ResourceUsage: msg.ResourceUse}
	case "error":
		if msg.Error != nil {
			s.childErr = msg.Error
		}
	}
}

func normalizeResult(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func (s *execSession) handleRequest(msg childMessage) {
	resp := parentResponse{Type: "response", RequestID: msg.RequestID}
	switch msg.Method {
	case "update":
		if s.opts.OnUpdate == nil {
			resp.Error = "update not supported by this sandbox invocation"
			break
		}
		var partial UpdatePartial
		if err := json.Unmarshal(msg.Payload, &partial); err != nil {
			resp.Error = "malformed update payload: " + err.Error()
			break
		}
		result, err := s.opts.OnUpdate(s.opts.Job.RunID, partial)
		if err != nil {
			resp.Error = err.Error()
			break
		}
		resp.Result = result
	case "resolveSecret":
		if s.opts.OnResolveSecret == nil {
			resp.Error = "resolveSecret not supported by this sandbox invocation"
			break
		}
		var reference string
		if err := json.Unmarshal(msg.Payload, &reference); err != nil {
			resp.Error = "malformed resolveSecret payload: " + err.Error()
			break
		}
		value, err := s.opts.OnResolveSecret(reference)
		if err != nil {
			resp.Error = err.Error()
			break
		}
		resp.Result = value
	default:
		resp.Error = "unknown sandbox request method: " + msg.Method
	}
	if resp.Error != "" && s.runner.Log != nil {
		s.runner.Log.Warn("sandbox request failed", obs.String("method", msg.Method), obs.String("error", resp.Error))
	}
	if err := s.writeMessage(resp); err != nil && s.runner.Log != nil {
		s.runner.Log.Warn("failed to write sandbox response", obs.Err(err))
	}
}
