package job

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chjohnst/Tron/internal/action"
	"github.com/chjohnst/Tron/internal/cmdctx"
	"github.com/chjohnst/Tron/internal/eventbus"
	"github.com/chjohnst/Tron/internal/node"
	"github.com/chjohnst/Tron/internal/schedule"
)

var t0 = time.Date(2025, 3, 10, 1, 0, 0, 0, time.UTC)

type recorder struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (r *recorder) Publish(e eventbus.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

type fixture struct {
	job    *Job
	sched  *JobScheduler
	events *recorder
	global *cmdctx.Layer
}

func graph(t *testing.T, defs ...action.Action) *action.Graph {
	t.Helper()
	g, err := action.Build(defs)
	require.NoError(t, err)
	return g
}

func strategy(t *testing.T, spec string) schedule.Strategy {
	t.Helper()
	s, err := schedule.ParseSpec(spec, time.UTC)
	require.NoError(t, err)
	return s
}

func newFixture(t *testing.T, spec string, defs ...action.Action) *fixture {
	t.Helper()
	if len(defs) == 0 {
		defs = []action.Action{{Name: "run", Command: "echo %(runid)s"}}
	}
	rec := &recorder{}
	global := cmdctx.NewLayer(map[string]string{"env": "prod"})
	j := New(Definition{
		Name:     "backup",
		Target:   node.New("node0", "batch0"),
		Graph:    graph(t, defs...),
		Strategy: strategy(t, spec),
		Context:  map[string]string{"owner": "ops"},
		Location: time.UTC,
	}, global, Options{
		Emitter: rec,
		Now:     func() time.Time { return t0 },
	})
	return &fixture{job: j, sched: NewScheduler(j), events: rec, global: global}
}

func TestRunLifecycle(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "daily 04:00")
	r := f.sched.Next()
	require.NotNil(t, r)
	assert.Equal(t, Scheduled, r.State())

	assert.False(t, r.MarkRunning(), "cannot skip Starting")
	require.True(t, f.sched.StartRun(r))
	assert.Equal(t, Starting, r.State())
	assert.Equal(t, t0, r.StartTime())
	require.True(t, r.MarkRunning())
	require.True(t, r.ActionStarted("run"))
	require.True(t, r.ActionSucceeded("run"))
	assert.True(t, r.Done())
	require.True(t, r.Finish())
	assert.Equal(t, Succeeded, r.State())
	assert.Equal(t, t0, r.EndTime())

	assert.False(t, r.Cancel(), "terminal runs cannot be cancelled")
	assert.False(t, r.Start())
	assert.Equal(t, []string{"run.scheduled", "run.starting", "run.running", "action.running", "action.succeeded", "run.succeeded"}, f.events.types())
}

func TestRunTransitionsHaveOneWinner(t *testing.T) {
	t.Parallel()
	race := func(fn func(*Run) bool, r *Run) int32 {
		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if fn(r) {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()
		return wins.Load()
	}

	f := newFixture(t, "interval 1m")
	r := f.sched.Next()
	assert.Equal(t, int32(1), race((*Run).Start, r))
	assert.Equal(t, Starting, r.State())
	assert.Equal(t, int32(1), race((*Run).Cancel, r))
	assert.Equal(t, Cancelled, r.State())

	r = f.sched.Next()
	var started, cancelled atomic.Bool
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		started.Store(r.Start())
	}()
	go func() {
		defer wg.Done()
		cancelled.Store(r.Cancel())
	}()
	wg.Wait()
	// Cancel may follow a successful start; start never follows a cancel.
	assert.True(t, cancelled.Load())
	assert.Equal(t, Cancelled, r.State())
	if !started.Load() {
		assert.True(t, r.StartTime().IsZero())
	}
}

func TestActionFailureSkipsDependents(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "interval 1m",
		action.Action{Name: "fetch", Command: "fetch"},
		action.Action{Name: "load", Command: "load", Requires: []string{"fetch"}},
		action.Action{Name: "report", Command: "report", Requires: []string{"load"}},
		action.Action{Name: "lint", Command: "lint"},
	)
	r := f.sched.Next()
	require.True(t, f.sched.StartRun(r))
	require.True(t, r.MarkRunning())

	var names []string
	for _, a := range r.Runnable() {
		names = append(names, a.Name)
	}
	assert.Equal(t, []string{"fetch", "lint"}, names)

	require.True(t, r.ActionStarted("fetch"))
	require.True(t, r.ActionFailed("fetch", errors.New("exit 1")))
	require.True(t, r.ActionStarted("lint"))
	require.True(t, r.ActionSucceeded("lint"))

	states := r.ActionStates()
	assert.Equal(t, ActionFailed, states["fetch"])
	assert.Equal(t, ActionSkipped, states["load"])
	assert.Equal(t, ActionSkipped, states["report"])
	assert.Equal(t, ActionSucceeded, states["lint"])
	assert.Empty(t, r.Runnable())
	assert.True(t, r.Done())

	require.True(t, r.Finish())
	assert.Equal(t, Failed, r.State())
}

func TestCleanupDoesNotChangeOutcome(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "interval 1m")
	f.sched.Reconfigure(Definition{
		Name:     "backup",
		Target:   f.job.Target(),
		Graph:    f.job.Graph(),
		Strategy: f.job.Strategy(),
		Cleanup:  &action.Action{Name: "cleanup", Command: "rm -rf /tmp/backup"},
	}, false)
	r := f.sched.Next()
	require.NotNil(t, r.CleanupAction())
	assert.NotContains(t, r.Graph().ActionMap(), "cleanup")
	assert.Equal(t, ActionPending, r.CleanupState())

	require.True(t, f.sched.StartRun(r))
	require.True(t, r.MarkRunning())
	require.True(t, r.ActionStarted("run"))
	require.True(t, r.ActionSucceeded("run"))
	r.SetCleanupState(ActionFailed, errors.New("boom"))
	require.True(t, r.Finish())
	assert.Equal(t, Succeeded, r.State())
	assert.Equal(t, ActionFailed, r.CleanupState())
}

func TestRunsToScheduleOrdering(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "daily 04:00")

	var got []*Run
	for r := range f.sched.RunsToSchedule() {
		got = append(got, r)
		if len(got) == 3 {
			break
		}
	}
	require.Len(t, got, 3)
	assert.True(t, got[0].RunTime().Equal(time.Date(2025, 3, 10, 4, 0, 0, 0, time.UTC)))
	assert.True(t, got[2].RunTime().Equal(time.Date(2025, 3, 12, 4, 0, 0, 0, time.UTC)))

	runs := f.job.Runs().Runs()
	require.Len(t, runs, 3)
	for i := 1; i < len(runs); i++ {
		assert.Greater(t, runs[i-1].Number(), runs[i].Number())
	}
	assert.Same(t, got[0], f.job.Runs().Head())
	assert.Same(t, got[2], f.job.Runs().Last())
	assert.Equal(t, 3, f.job.NextNumber())

	// restartable: a new pull continues from the newest run
	r := f.sched.Next()
	assert.Equal(t, 3, r.Number())
}

func TestStartRunHeadOnly(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "interval 20s")
	first := f.sched.Next()
	second := f.sched.Next()

	assert.False(t, f.sched.StartRun(second))
	assert.True(t, f.sched.StartRun(first))
	assert.True(t, f.sched.StartRun(second))
}

func TestDisableEnable(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "interval 20s")
	running := f.sched.Next()
	starting := f.sched.Next()
	scheduled := f.sched.Next()
	require.True(t, f.sched.StartRun(running))
	require.True(t, running.MarkRunning())
	require.True(t, f.sched.StartRun(starting))

	f.sched.Disable()
	assert.False(t, f.job.Enabled())
	assert.Equal(t, Running, running.State())
	assert.Equal(t, Cancelled, starting.State())
	assert.Equal(t, Cancelled, scheduled.State())
	assert.Nil(t, f.sched.Next())
	assert.Empty(t, f.job.Runs().Pending())

	f.sched.Enable()
	assert.True(t, f.job.Enabled())
	assert.Equal(t, Cancelled, scheduled.State())
	assert.NotNil(t, f.sched.Next())
	assert.Contains(t, f.events.types(), eventbus.JobDisabled)
	assert.Contains(t, f.events.types(), eventbus.JobEnabled)
}

func TestCancelRunSignalsRunning(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "interval 20s")
	r := f.sched.Next()
	require.True(t, f.sched.StartRun(r))
	require.True(t, r.MarkRunning())

	ctx, cancel := context.WithCancel(context.Background())
	r.AttachCancel(cancel)
	assert.True(t, f.sched.CancelRun(r))
	assert.Equal(t, Running, r.State(), "running runs stay Running until dispatch reports")
	assert.ErrorIs(t, ctx.Err(), context.Canceled)
	assert.True(t, r.Signalled())

	require.True(t, r.Cancel())
	assert.False(t, f.sched.CancelRun(r))

	pending := f.sched.Next()
	assert.True(t, f.sched.CancelRun(pending))
	assert.Equal(t, Cancelled, pending.State())
	assert.Equal(t, ActionSkipped, pending.ActionState("run"))
}

func TestAttachCancelAfterSignal(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "interval 20s")
	r := f.sched.Next()
	require.True(t, r.Signal())

	called := false
	r.AttachCancel(func() { called = true })
	assert.True(t, called)
}

func TestSnapshotIsolation(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "interval 20s",
		action.Action{Name: "a", Command: "a"},
		action.Action{Name: "b", Command: "b", Requires: []string{"a"}},
	)
	r := f.sched.Next()
	before := r.Graph()

	assert.Empty(t, f.sched.Reconfigure(Definition{
		Name:     "backup",
		Target:   f.job.Target(),
		Graph:    graph(t, action.Action{Name: "a", Command: "a"}),
		Strategy: f.job.Strategy(),
	}, false))
	assert.Same(t, before, r.Graph())
	assert.Equal(t, 2, r.Graph().Len())
	assert.Equal(t, 1, f.job.Graph().Len())
	assert.Equal(t, 1, f.sched.Next().Graph().Len())
}

func TestRescheduleDaily(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "daily", action.Action{Name: "old", Command: "old"})
	started := f.sched.Next()
	pending := f.sched.Next()
	require.True(t, f.sched.StartRun(started))

	created := f.sched.Reconfigure(Definition{
		Name:     "backup",
		Target:   f.job.Target(),
		Graph:    graph(t, action.Action{Name: "new", Command: "new"}),
		Strategy: strategy(t, "daily"),
	}, true)
	require.Len(t, created, 1)
	repl := created[0]

	assert.Equal(t, Cancelled, pending.State())
	assert.NotSame(t, pending, repl)
	assert.True(t, pending.RunTime().Equal(repl.RunTime()))
	assert.Contains(t, repl.Graph().ActionMap(), "new")
	assert.Equal(t, Starting, started.State())
	assert.Equal(t, 2, f.job.Runs().Len())
	assert.Same(t, repl, f.job.Runs().Last())
	assert.Greater(t, repl.Number(), pending.Number())
}

func TestRescheduleKeepsStartedRuns(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "daily")
	started := f.sched.Next()
	pending := f.sched.Next()
	require.True(t, f.sched.StartRun(started))

	created := f.sched.Reschedule()
	require.Len(t, created, 1)
	assert.Equal(t, Cancelled, pending.State())
	assert.True(t, pending.RunTime().Equal(created[0].RunTime()))
	assert.Equal(t, Starting, started.State())
	assert.Len(t, f.sched.Reschedule(), 1, "the replacement is itself Scheduled")
}

func TestReconfigureRetargetsScheduledRuns(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "interval 1h")
	pending := f.sched.Next()
	require.Equal(t, "batch0", pending.Node().Hostname())

	created := f.sched.Reconfigure(Definition{
		Name:     "backup",
		Target:   node.New("node0", "batch9"),
		Graph:    f.job.Graph(),
		Strategy: f.job.Strategy(),
		Context:  map[string]string{"owner": "ops"},
		Location: time.UTC,
	}, false)
	require.Len(t, created, 1)
	repl := created[0]
	assert.Equal(t, Cancelled, pending.State())
	assert.True(t, pending.RunTime().Equal(repl.RunTime()), "same time, new node")
	assert.Equal(t, "batch9", repl.Node().Hostname())
	v, ok := repl.Context().Resolve("hostname")
	require.True(t, ok)
	assert.Equal(t, "batch9", v)
	assert.Equal(t, "batch9", f.sched.Next().Node().Hostname())
}

func TestReconfigureIsAtomicWithStartRun(t *testing.T) {
	t.Parallel()
	for i := 0; i < 200; i++ {
		f := newFixture(t, "daily", action.Action{Name: "old", Command: "old"})
		head := f.sched.Next()
		next := Definition{
			Name:     "backup",
			Target:   node.New("node0", "batch9"),
			Graph:    graph(t, action.Action{Name: "new", Command: "new"}),
			Strategy: strategy(t, "daily"),
			Location: time.UTC,
		}

		var started atomic.Bool
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			started.Store(f.sched.StartRun(head))
		}()
		created := f.sched.Reconfigure(next, true)
		wg.Wait()

		if started.Load() {
			// Started before the swap: the old run is left alone.
			assert.Equal(t, Starting, head.State())
			assert.Empty(t, created)
			continue
		}
		assert.Equal(t, Cancelled, head.State())
		require.Len(t, created, 1)
		assert.Contains(t, created[0].Graph().ActionMap(), "new")
		assert.Equal(t, "batch9", created[0].Node().Hostname())
		assert.False(t, f.sched.StartRun(head))
		assert.True(t, f.sched.StartRun(created[0]))
	}
}

func TestRunContext(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "daily 04:00")
	r := f.sched.Next()
	c := r.Context()

	for key, want := range map[string]string{
		"name":       "backup",
		"runid":      "backup.0",
		"run_number": "0",
		"node":       "node0",
		"hostname":   "batch0",
		"shortdate":  "2025-03-10",
		"year":       "2025",
		"month":      "03",
		"day":        "10",
		"daynumber":  "739320",
		"owner":      "ops",
		"env":        "prod",
	} {
		got, ok := c.Resolve(key)
		require.True(t, ok, key)
		assert.Equal(t, want, got, key)
	}

	f.global.Set("added", "later")
	v, ok := c.Resolve("added")
	require.True(t, ok)
	assert.Equal(t, "later", v)

	f.job.ContextLayer().Replace(map[string]string{"owner": "dba"})
	v, _ = c.Resolve("owner")
	assert.Equal(t, "dba", v)
	assert.Same(t, f.job.Context().Layer(0), c.Layer(1))

	cmd, err := cmdctx.Render("echo %(runid)s", c)
	require.NoError(t, err)
	assert.Equal(t, "echo backup.0", cmd)
}

func TestRestoreRun(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "interval 20s")
	old := t0.Add(-time.Hour)

	r0, err := f.job.RestoreRun(4, Succeeded, old, old.Add(-20*time.Second), old, old.Add(time.Second))
	require.NoError(t, err)
	r1, err := f.job.RestoreRun(5, Running, old.Add(20*time.Second), old, old.Add(20*time.Second), time.Time{})
	require.NoError(t, err)
	_, err = f.job.RestoreRun(5, Scheduled, old, old, time.Time{}, time.Time{})
	assert.Error(t, err, "numbers must increase")

	assert.Equal(t, Succeeded, r0.State())
	assert.Equal(t, ActionSucceeded, r0.ActionState("run"))
	assert.Equal(t, Failed, r1.State())
	assert.Equal(t, t0, r1.EndTime())
	assert.Equal(t, 6, f.job.NextNumber())

	// the backlog is not replayed: the next run is computed from now
	next := f.sched.Next()
	assert.Equal(t, 6, next.Number())
	assert.True(t, next.RunTime().Equal(t0.Add(20*time.Second)))
}

func TestTrimKeepsPending(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "interval 20s")
	var runs []*Run
	for i := 0; i < 4; i++ {
		runs = append(runs, f.sched.Next())
	}
	require.True(t, runs[0].Cancel())
	require.True(t, runs[1].Cancel())

	assert.Equal(t, 1, f.job.Runs().Trim(3))
	assert.Equal(t, 3, f.job.Runs().Len())
	assert.Nil(t, f.job.Runs().Get(0))
	assert.Same(t, runs[1], f.job.Runs().Get(1))
}
