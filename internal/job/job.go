package job

import (
	"sync"
	"time"

	"github.com/chjohnst/Tron/internal/action"
	"github.com/chjohnst/Tron/internal/cmdctx"
	"github.com/chjohnst/Tron/internal/eventbus"
	"github.com/chjohnst/Tron/internal/node"
	"github.com/chjohnst/Tron/internal/schedule"
	logx "github.com/chjohnst/Tron/pkg/logx"
)

// Emitter receives lifecycle events. Publish must not block.
type Emitter interface {
	Publish(e eventbus.Event)
}

// Definition is the configured shape of a job, already validated.
type Definition struct {
	Name     string
	Target   node.Target
	Graph    *action.Graph
	Strategy schedule.Strategy
	Cleanup  *action.Action
	Context  map[string]string

	// Location is used for the date variables of the run context.
	// Nil means time.Local.
	Location *time.Location
}

// JobEvent is the payload of job.* events.
type JobEvent struct {
	Job      string
	Enabled  bool
	Schedule string
	Node     string
}

type Options struct {
	Emitter Emitter
	Logger  logx.Logger
	Now     func() time.Time

	// KeepRuns bounds the run history; older terminal runs are dropped.
	// 0 keeps everything.
	KeepRuns int
}

// Job is a named schedulable unit. All mutation goes through its mutex so a
// reconfiguration and a schedule tick on the same job never interleave.
type Job struct {
	mu sync.Mutex

	name     string
	target   node.Target
	graph    *action.Graph
	strategy schedule.Strategy
	cleanup  *action.Action
	enabled  bool

	layer *cmdctx.Layer // job-level context, replaced in place
	ctx   *cmdctx.Chain // job layer over the global layer

	runs       RunCollection
	nextNumber int
	anchor     time.Time // run time of the newest scheduled run

	emit     Emitter
	log      logx.Logger
	now      func() time.Time
	loc      *time.Location
	keepRuns int
}

// New creates an enabled job with no runs. global is the shared outermost
// context layer.
func New(def Definition, global *cmdctx.Layer, opts Options) *Job {
	if opts.Emitter == nil {
		opts.Emitter = eventbus.Nop{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger.IsZero() {
		opts.Logger = logx.Nop()
	}
	layer := cmdctx.NewLayer(def.Context)
	j := &Job{
		name:     def.Name,
		target:   def.Target,
		graph:    def.Graph,
		strategy: def.Strategy,
		cleanup:  copyAction(def.Cleanup),
		enabled:  true,
		layer:    layer,
		ctx:      cmdctx.NewChain(layer, global),
		emit:     opts.Emitter,
		log:      opts.Logger.With(logx.String("job", def.Name)),
		now:      opts.Now,
		loc:      locOrLocal(def.Location),
		keepRuns: opts.KeepRuns,
	}
	return j
}

func locOrLocal(loc *time.Location) *time.Location {
	if loc == nil {
		return time.Local
	}
	return loc
}

func copyAction(a *action.Action) *action.Action {
	if a == nil {
		return nil
	}
	c := *a
	c.Requires = append([]string(nil), a.Requires...)
	return &c
}

func (j *Job) Name() string { return j.name }

// Context is the job's live chain: job layer, then global layer.
func (j *Job) Context() *cmdctx.Chain { return j.ctx }

// ContextLayer is the job-level layer itself.
func (j *Job) ContextLayer() *cmdctx.Layer { return j.layer }

func (j *Job) Runs() *RunCollection { return &j.runs }

func (j *Job) Target() node.Target {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.target
}

func (j *Job) Graph() *action.Graph {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.graph
}

func (j *Job) Strategy() schedule.Strategy {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.strategy
}

func (j *Job) Cleanup() *action.Action {
	j.mu.Lock()
	defer j.mu.Unlock()
	return copyAction(j.cleanup)
}

func (j *Job) Enabled() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.enabled
}

func (j *Job) NextNumber() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.nextNumber
}

func (j *Job) Anchor() time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.anchor
}

// Matches reports whether def would leave the job unchanged. The global
// context layer is live and is not part of the comparison.
func (j *Job) Matches(def Definition) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	switch {
	case !node.Equal(j.target, def.Target):
		return false
	case !j.graph.Equal(def.Graph):
		return false
	case j.strategy == nil || def.Strategy == nil || !j.strategy.Equal(def.Strategy):
		return false
	case (j.cleanup == nil) != (def.Cleanup == nil):
		return false
	case j.cleanup != nil && !j.cleanup.Equal(*def.Cleanup):
		return false
	case j.loc.String() != locOrLocal(def.Location).String():
		return false
	}
	return j.layer.Equal(def.Context)
}

func (j *Job) eventLocked() JobEvent {
	ev := JobEvent{Job: j.name, Enabled: j.enabled}
	if j.strategy != nil {
		ev.Schedule = j.strategy.String()
	}
	if j.target != nil {
		ev.Node = j.target.Name()
	}
	return ev
}

// Event returns the current job summary as published in job.* events.
func (j *Job) Event() JobEvent {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.eventLocked()
}

// Restore reapplies persisted bookkeeping after a restart.
func (j *Job) Restore(enabled bool, nextNumber int, anchor time.Time) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.enabled = enabled
	if nextNumber > j.nextNumber {
		j.nextNumber = nextNumber
	}
	if anchor.After(j.anchor) {
		j.anchor = anchor
	}
}

// RestoreRun re-creates a persisted run. Runs must be restored oldest first.
// A run that was Starting or Running when the process stopped cannot be
// resumed and is recorded as Failed.
func (j *Job) RestoreRun(number int, state RunState, runTime, anchor, start, end time.Time) (*Run, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if state == Starting || state == Running {
		state = Failed
		if end.IsZero() {
			end = j.now()
		}
	}
	r := j.newRunLocked(number, runTime, anchor)
	r.restoreState(state, start, end)
	if err := j.runs.Prepend(r); err != nil {
		return nil, err
	}
	if number >= j.nextNumber {
		j.nextNumber = number + 1
	}
	if runTime.After(j.anchor) {
		j.anchor = runTime
	}
	return r, nil
}
