package health

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// Execer runs a command for an exec health check. Running it inside a
// container is the runtime's business; HostExecer runs it on the host.
type Execer interface {
	Exec(ctx context.Context, container string, command []string, env []string) (stdout, stderr []byte, err error)
}

// HostExecer executes commands directly on the host
type HostExecer struct{}

// Exec runs command with env appended to the current environment
func (HostExecer) Exec(ctx context.Context, container string, command []string, env []string) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, command[0], command[1:]...)
	cmd.Env = append(os.Environ(), env...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

// maxOutput bounds how much command output is kept in a result message
const maxOutput = 100

// ExecChecker passes when its command exits zero
type ExecChecker struct {
	Command   []string
	Container string
	Env       []string
	Timeout   time.Duration
	Execer    Execer
}

// NewExecChecker creates a new exec health checker running on the host
func NewExecChecker(command []string) *ExecChecker {
	return &ExecChecker{
		Command: command,
		Timeout: 10 * time.Second,
		Execer:  HostExecer{},
	}
}

// Check runs the command and maps its exit status onto a result
func (e *ExecChecker) Check(ctx context.Context) Result {
	start := time.Now()

	if len(e.Command) == 0 {
		return failed(start, "no command specified")
	}

	execCtx, cancel := context.WithTimeout(ctx, e.Timeout)
	defer cancel()

	stdout, stderr, err := e.Execer.Exec(execCtx, e.Container, e.Command, e.Env)

	message := fmt.Sprintf("Command: %v", e.Command)
	if err != nil {
		message = fmt.Sprintf("%s, Error: %v", message, err)
		if len(stderr) > 0 {
			message = fmt.Sprintf("%s, Stderr: %s", message, truncate(stderr))
		}
		return failed(start, message)
	}

	if len(stdout) > 0 {
		message = fmt.Sprintf("%s, Output: %s", message, truncate(stdout))
	}
	return passed(start, message)
}

// Type returns the health check type
func (e *ExecChecker) Type() CheckType {
	return CheckTypeExec
}

// WithTimeout sets the execution timeout
func (e *ExecChecker) WithTimeout(timeout time.Duration) *ExecChecker {
	e.Timeout = timeout
	return e
}

// WithContainer sets the container the command targets
func (e *ExecChecker) WithContainer(container string) *ExecChecker {
	e.Container = container
	return e
}

// WithEnv appends KEY=value pairs to the command environment
func (e *ExecChecker) WithEnv(env ...string) *ExecChecker {
	e.Env = append(e.Env, env...)
	return e
}

// WithExecer replaces the command executor
func (e *ExecChecker) WithExecer(execer Execer) *ExecChecker {
	e.Execer = execer
	return e
}

func truncate(out []byte) string {
	s := strings.TrimSpace(string(out))
	if len(s) > maxOutput {
		s = s[:maxOutput] + "..."
	}
	return s
}
