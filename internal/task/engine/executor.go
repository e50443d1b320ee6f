package engine

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/chjohnst/Tron/internal/node"
)

// Executor runs one rendered command on a node.
type Executor interface {
	Execute(ctx context.Context, n *node.Node, command string) error
}

type ExecutorFunc func(ctx context.Context, n *node.Node, command string) error

func (f ExecutorFunc) Execute(ctx context.Context, n *node.Node, command string) error {
	return f(ctx, n, command)
}

const (
	stderrTail = 2048

	// ExitTempFail (EX_TEMPFAIL from sysexits.h) asks for a retry after
	// ShellExecutor.TempFailDelay instead of the regular backoff.
	ExitTempFail = 75
	// Exit codes the shell uses for a command it could not execute or find.
	exitNotExecutable = 126
	exitNotFound      = 127

	defaultTempFailDelay = 30 * time.Second
)

// ShellExecutor runs commands on the local host through a shell. The target
// node is exported as TRON_NODE and TRON_HOSTNAME.
//
// Exit status 126 and 127 are not retried. Exit status 75 is retried after
// TempFailDelay (default 30s), still capped by the dispatcher's
// retry_max_delay.
type ShellExecutor struct {
	Shell         string // default /bin/sh
	Env           []string
	TempFailDelay time.Duration
}

func (e ShellExecutor) Execute(ctx context.Context, n *node.Node, command string) error {
	shell := strings.TrimSpace(e.Shell)
	if shell == "" {
		shell = "/bin/sh"
	}
	cmd := exec.CommandContext(ctx, shell, "-c", command)
	cmd.Env = append(os.Environ(), e.Env...)
	if n != nil {
		cmd.Env = append(cmd.Env, "TRON_NODE="+n.Name(), "TRON_HOSTNAME="+n.Hostname())
	}
	tail := &tailBuffer{max: stderrTail}
	cmd.Stderr = tail
	cmd.WaitDelay = 5 * time.Second

	err := cmd.Run()
	if err == nil {
		return nil
	}
	if errors.Is(err, exec.ErrNotFound) {
		return NoRetry(err)
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) && ctx.Err() == nil {
		return e.classify(&ExitError{Code: ee.ExitCode(), Stderr: strings.TrimSpace(tail.String())})
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (e ShellExecutor) classify(xe *ExitError) error {
	switch xe.Code {
	case exitNotExecutable, exitNotFound:
		return NoRetry(xe)
	case ExitTempFail:
		d := e.TempFailDelay
		if d <= 0 {
			d = defaultTempFailDelay
		}
		return RetryAfter(xe, d)
	}
	return xe
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = t.buf[over:]
	}
	t.mu.Unlock()
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
