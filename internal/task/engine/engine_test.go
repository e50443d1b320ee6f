package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chjohnst/Tron/internal/action"
	"github.com/chjohnst/Tron/internal/cmdctx"
	"github.com/chjohnst/Tron/internal/job"
	"github.com/chjohnst/Tron/internal/node"
	"github.com/chjohnst/Tron/internal/schedule"
	logx "github.com/chjohnst/Tron/pkg/logx"
)

type recordingExec struct {
	mu   sync.Mutex
	cmds []string
	fn   func(ctx context.Context, command string, call int) error
}

func (e *recordingExec) Execute(ctx context.Context, _ *node.Node, command string) error {
	e.mu.Lock()
	e.cmds = append(e.cmds, command)
	call := len(e.cmds)
	fn := e.fn
	e.mu.Unlock()
	if fn == nil {
		return nil
	}
	return fn(ctx, command, call)
}

func (e *recordingExec) commands() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.cmds...)
}

func newJob(t *testing.T, cleanup *action.Action, defs ...action.Action) *job.JobScheduler {
	t.Helper()
	g, err := action.Build(defs)
	require.NoError(t, err)
	every, err := schedule.NewInterval(time.Hour)
	require.NoError(t, err)
	j := job.New(job.Definition{
		Name:     "backup",
		Target:   node.New("node0", "batch0"),
		Graph:    g,
		Strategy: every,
		Cleanup:  cleanup,
		Context:  map[string]string{"dest": "/srv"},
		Location: time.UTC,
	}, cmdctx.NewLayer(nil), job.Options{})
	return job.NewScheduler(j)
}

func startRun(t *testing.T, js *job.JobScheduler) *job.Run {
	t.Helper()
	r := js.Next()
	require.NotNil(t, r)
	require.True(t, js.StartRun(r))
	return r
}

func startService(t *testing.T, cfg Config, exec Executor) *Service {
	t.Helper()
	svc := New(cfg, exec, logx.Nop(), nil)
	svc.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		svc.Stop(ctx)
	})
	return svc
}

func waitTerminal(t *testing.T, r *job.Run) {
	t.Helper()
	require.Eventually(t, func() bool { return r.State().Terminal() }, 5*time.Second, 5*time.Millisecond)
}

func TestDispatchRunsGraphInOrder(t *testing.T) {
	t.Parallel()
	exec := &recordingExec{}
	svc := startService(t, Config{Workers: 2}, exec)
	js := newJob(t, nil,
		action.Action{Name: "report", Command: "report %(runid)s", Requires: []string{"load"}},
		action.Action{Name: "fetch", Command: "fetch %(dest)s"},
		action.Action{Name: "load", Command: "load", Requires: []string{"fetch"}},
	)
	r := startRun(t, js)
	require.NoError(t, svc.Dispatch(r))
	waitTerminal(t, r)

	assert.Equal(t, job.Succeeded, r.State())
	assert.Equal(t, []string{"fetch /srv", "load", "report backup.0"}, exec.commands())
	require.Eventually(t, func() bool { return len(svc.Snapshot().History) == 1 }, time.Second, 5*time.Millisecond)
	h := svc.Snapshot().History[0]
	assert.Equal(t, "succeeded", h.Result)
	assert.Equal(t, "backup.0", h.Run)
	assert.Equal(t, "node0", h.Node)
	assert.NotEmpty(t, h.ID)
}

func TestRetryThenSucceed(t *testing.T) {
	t.Parallel()
	exec := &recordingExec{fn: func(_ context.Context, _ string, call int) error {
		if call < 3 {
			return errors.New("transient")
		}
		return nil
	}}
	svc := startService(t, Config{Workers: 1, RetryMax: 2, RetryBase: time.Millisecond, RetryMaxDelay: 2 * time.Millisecond}, exec)
	js := newJob(t, nil, action.Action{Name: "sync", Command: "sync"})
	r := startRun(t, js)
	require.NoError(t, svc.Dispatch(r))
	waitTerminal(t, r)

	assert.Equal(t, job.Succeeded, r.State())
	assert.Len(t, exec.commands(), 3)
}

func TestFailureSkipsDependentsAndRunsCleanup(t *testing.T) {
	t.Parallel()
	exec := &recordingExec{fn: func(_ context.Context, command string, _ int) error {
		if command == "extract" {
			return NoRetry(errors.New("permission denied"))
		}
		return nil
	}}
	svc := startService(t, Config{Workers: 1, RetryMax: 3, RetryBase: time.Millisecond}, exec)
	js := newJob(t, &action.Action{Name: "cleanup", Command: "rm -rf %(dest)s/tmp"},
		action.Action{Name: "extract", Command: "extract"},
		action.Action{Name: "load", Command: "load", Requires: []string{"extract"}},
		action.Action{Name: "notify", Command: "notify"},
	)
	r := startRun(t, js)
	require.NoError(t, svc.Dispatch(r))
	waitTerminal(t, r)

	assert.Equal(t, job.Failed, r.State())
	assert.Equal(t, map[string]job.ActionState{
		"extract": job.ActionFailed,
		"load":    job.ActionSkipped,
		"notify":  job.ActionSucceeded,
	}, r.ActionStates())
	assert.Equal(t, job.ActionSucceeded, r.CleanupState())

	cmds := exec.commands()
	assert.Equal(t, []string{"extract", "notify", "rm -rf /srv/tmp"}, cmds, "no retry after NoRetry; cleanup last")
}

func TestCancelRunningRun(t *testing.T) {
	t.Parallel()
	started := make(chan struct{})
	exec := &recordingExec{fn: func(ctx context.Context, command string, _ int) error {
		if command != "long" {
			return nil
		}
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}}
	svc := startService(t, Config{Workers: 1}, exec)
	js := newJob(t, &action.Action{Name: "cleanup", Command: "tidy"},
		action.Action{Name: "long", Command: "long"},
		action.Action{Name: "after", Command: "after", Requires: []string{"long"}},
	)
	r := startRun(t, js)
	require.NoError(t, svc.Dispatch(r))

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("action never started")
	}
	require.True(t, js.CancelRun(r))
	waitTerminal(t, r)

	assert.Equal(t, job.Cancelled, r.State())
	assert.Equal(t, job.ActionSkipped, r.ActionState("after"))
	assert.Equal(t, job.ActionSucceeded, r.CleanupState())
	assert.NotContains(t, exec.commands(), "after")
}

func TestRenderErrorFailsAction(t *testing.T) {
	t.Parallel()
	exec := &recordingExec{}
	svc := startService(t, Config{Workers: 1, RetryMax: 5}, exec)
	js := newJob(t, nil, action.Action{Name: "bad", Command: "echo %(nope)s"})
	r := startRun(t, js)
	require.NoError(t, svc.Dispatch(r))
	waitTerminal(t, r)

	assert.Equal(t, job.Failed, r.State())
	assert.Empty(t, exec.commands())
}

func TestDispatchRejects(t *testing.T) {
	t.Parallel()
	js := newJob(t, nil, action.Action{Name: "a", Command: "a"})

	svc := New(Config{}, &recordingExec{}, logx.Nop(), nil)
	scheduled := js.Next()
	require.ErrorIs(t, svc.Dispatch(scheduled), ErrNotStarting)
	assert.Equal(t, job.Scheduled, scheduled.State())

	require.True(t, js.StartRun(scheduled))
	require.ErrorIs(t, svc.Dispatch(scheduled), ErrStopped)
	assert.Equal(t, job.Cancelled, scheduled.State())
}

func TestQueueFullCancelsRun(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	exec := &recordingExec{fn: func(ctx context.Context, _ string, _ int) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	}}
	svc := startService(t, Config{Workers: 1, QueueSize: 1}, exec)
	js := newJob(t, nil, action.Action{Name: "a", Command: "a"})

	first := startRun(t, js)
	require.NoError(t, svc.Dispatch(first))
	require.Eventually(t, func() bool { return svc.Snapshot().InFlight == 1 }, 5*time.Second, 5*time.Millisecond)

	second := startRun(t, js)
	require.NoError(t, svc.Dispatch(second))

	third := startRun(t, js)
	require.ErrorIs(t, svc.Dispatch(third), ErrQueueFull)
	assert.Equal(t, job.Cancelled, third.State())
	assert.Equal(t, uint64(1), svc.Snapshot().DroppedQueueFull)

	close(release)
	waitTerminal(t, first)
	waitTerminal(t, second)
	assert.Equal(t, job.Succeeded, second.State())
}

func TestBackoffDelay(t *testing.T) {
	t.Parallel()
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}.withDefaults()

	assert.Equal(t, 100*time.Millisecond, backoffDelay(cfg, 1, nil))
	assert.Equal(t, 200*time.Millisecond, backoffDelay(cfg, 2, nil))
	assert.Equal(t, 400*time.Millisecond, backoffDelay(cfg, 3, nil))
	assert.Equal(t, time.Second, backoffDelay(cfg, 6, nil))

	hinted := RetryAfter(errors.New("busy"), 5*time.Second)
	assert.Equal(t, time.Second, backoffDelayWithHint(cfg, 1, hinted, nil))
	assert.True(t, IsNoRetry(NoRetry(hinted)))
}

func TestShellExecutor(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	n := node.New("node0", "batch0")
	sh := ShellExecutor{}

	assert.NoError(t, sh.Execute(ctx, n, `test "$TRON_NODE" = node0 && test "$TRON_HOSTNAME" = batch0`))

	err := sh.Execute(ctx, n, "echo boom >&2; exit 3")
	var ee *ExitError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, 3, ee.Code)
	assert.Equal(t, "boom", ee.Stderr)

	err = ShellExecutor{Shell: "/nonexistent/shell"}.Execute(ctx, n, "true")
	require.Error(t, err)
}

func TestShellExitCodesSteerRetry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	n := node.New("node0", "batch0")

	err := ShellExecutor{}.Execute(ctx, n, "exit 75")
	var ra RetryAfterError
	require.ErrorAs(t, err, &ra)
	assert.Equal(t, 30*time.Second, ra.RetryAfter())
	var ee *ExitError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, ExitTempFail, ee.Code)

	err = ShellExecutor{TempFailDelay: 5 * time.Millisecond}.Execute(ctx, n, "exit 75")
	require.ErrorAs(t, err, &ra)
	assert.Equal(t, 5*time.Millisecond, ra.RetryAfter())

	err = ShellExecutor{}.Execute(ctx, n, "no-such-command-xyz")
	assert.True(t, IsNoRetry(err))
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, 127, ee.Code)

	assert.False(t, IsNoRetry(ShellExecutor{}.Execute(ctx, n, "exit 1")))
}

func TestTempFailRetriesAfterHint(t *testing.T) {
	t.Parallel()
	exec := &recordingExec{fn: func(ctx context.Context, _ string, call int) error {
		if call == 1 {
			return ShellExecutor{TempFailDelay: time.Millisecond}.Execute(ctx, nil, "exit 75")
		}
		return nil
	}}
	svc := startService(t, Config{Workers: 1, RetryMax: 1, RetryBase: time.Hour, RetryMaxDelay: time.Hour}, exec)
	js := newJob(t, nil, action.Action{Name: "sync", Command: "sync"})
	r := startRun(t, js)
	require.NoError(t, svc.Dispatch(r))
	waitTerminal(t, r)

	assert.Equal(t, job.Succeeded, r.State(), "hinted delay replaces the hour-long backoff")
	assert.Len(t, exec.commands(), 2)
}
