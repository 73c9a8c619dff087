package tools

import (
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

	"github.com/shirou/gopsutil/v4/process"
	"golang.org/x/sys/unix"

	"github.com/floegence/agentloop/internal/sanitize"
)

// RunShellTimeout is the default deadline for shell commands. Far above
// the general tool default because builds and tests legitimately run
// long.
const RunShellTimeout = 300 * time.Second

// RunShell executes a shell command in a fresh session, so the child's
// pid doubles as its process group id and the whole tree can be
// terminated with one signal.
type RunShell struct {
	shell   string
	timeout time.Duration
}

func NewRunShell() *RunShell { return &RunShell{shell: "/bin/sh", timeout: RunShellTimeout} }

// NewRunShellWith overrides the interpreter and the deadline. Zero values
// keep the defaults.
func NewRunShellWith(shell string, timeout time.Duration) *RunShell {
	t := NewRunShell()
	if strings.TrimSpace(shell) != "" {
		t.shell = shell
	}
	if timeout > 0 {
		t.timeout = timeout
	}
	return t
}

type runShellArgs struct {
	Command string `json:"command"`
	Reason  string `json:"reason"`
}

func (t *RunShell) Name() string { return "run_shell" }

func (t *RunShell) Description() string { return "Run a shell command" }

func (t *RunShell) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"command": {"type": "string", "description": "Shell command to execute."},
			"reason": {"type": "string", "description": "Brief explanation of why this command needs to run."}
		},
		"required": ["command"]
	}`)
}

func (t *RunShell) Approval() ApprovalRequirement { return ApprovalAlways }

func (t *RunShell) Effect(json.RawMessage) EffectProfile {
	return EffectSideEffectingAndReadsUserData
}

func (t *RunShell) Timeout() time.Duration { return t.timeout }

func (t *RunShell) Summary(args json.RawMessage) (string, error) {
	var typed runShellArgs
	if err := json.Unmarshal(args, &typed); err != nil {
		return "", fmt.Errorf("Bad args: %v", err)
	}
	return "Run command: " + typed.Command, nil
}

func (t *RunShell) Execute(ctx context.Context, req Request) (string, error) {
	var typed runShellArgs
	if err := json.Unmarshal(req.Args, &typed); err != nil {
		return "", fmt.Errorf("Bad args: %v", err)
	}
	if strings.TrimSpace(typed.Command) == "" {
		return "", errors.New("Bad args: command must not be empty")
	}

	cmd := exec.Command(t.shell, "-c", typed.Command)
	cmd.Dir = req.WorkingDir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("run_shell failed: %v", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return "", fmt.Errorf("run_shell failed: %v", err)
	}

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("run_shell failed: %v", err)
	}
	pid := cmd.Process.Pid

	emitProcessSpawned(ctx, req, pid)

	// Kill the whole process group if the context ends first.
	waitDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = unix.Kill(-pid, unix.SIGKILL)
		case <-waitDone:
		}
	}()

	var wg sync.WaitGroup
	var stdoutContent, stderrContent string
	wg.Add(2)
	go func() {
		defer wg.Done()
		stdoutContent = drainStream(stdout, req, EventStdoutChunk)
	}()
	go func() {
		defer wg.Done()
		stderrContent = drainStream(stderr, req, EventStderrChunk)
	}()
	wg.Wait()

	waitErr := cmd.Wait()
	close(waitDone)

	if ctx.Err() != nil {
		return "", ctx.Err()
	}

	output := stdoutContent
	if strings.TrimSpace(stderrContent) != "" {
		if output != "" {
			output += "\n\n"
		}
		output += "[stderr]\n" + stderrContent
	}

	if waitErr != nil {
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		// Include the output so the model can see what went wrong.
		if strings.TrimSpace(output) == "" {
			return "", fmt.Errorf("run_shell failed: exit code %d", exitCode)
		}
		return "", fmt.Errorf("run_shell failed: exit code %d\n\n%s", exitCode, sanitize.Text(output))
	}

	return sanitize.Text(output), nil
}

// emitProcessSpawned records pid and OS start time before the wait
// begins. When the start time cannot be read no metadata is sent: a pid
// without a verifiable start time must never be killed after a crash.
func emitProcessSpawned(ctx context.Context, req Request, pid int) {
	proc, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return
	}
	startedAt, err := proc.CreateTimeWithContext(ctx)
	if err != nil {
		return
	}
	req.Emit(Event{
		Kind:                   EventProcessSpawned,
		CallID:                 req.CallID,
		Pid:                    pid,
		ProcessStartedAtUnixMs: startedAt,
	})
}

// drainStream forwards chunks as events and collects up to
// req.MaxOutputBytes, reading to EOF regardless so the pipe never blocks
// the child.
func drainStream(r io.Reader, req Request, kind EventKind) string {
	var b strings.Builder
	buf := make([]byte, 8192)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := string(buf[:n])
			req.Emit(Event{Kind: kind, CallID: req.CallID, Chunk: chunk})
			if req.MaxOutputBytes <= 0 || b.Len() < req.MaxOutputBytes {
				b.WriteString(chunk)
			}
		}
		if err != nil {
			return b.String()
		}
	}
}
