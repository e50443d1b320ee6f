package job

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chjohnst/Tron/internal/action"
	"github.com/chjohnst/Tron/internal/cmdctx"
	"github.com/chjohnst/Tron/internal/eventbus"
	"github.com/chjohnst/Tron/internal/node"
	logx "github.com/chjohnst/Tron/pkg/logx"
)

type RunState int32

const (
	Scheduled RunState = iota
	Starting
	Running
	Succeeded
	Failed
	Cancelled
)

func (s RunState) String() string {
	switch s {
	case Scheduled:
		return "scheduled"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown(" + strconv.Itoa(int(s)) + ")"
	}
}

// ParseRunState is the inverse of RunState.String.
func ParseRunState(s string) (RunState, error) {
	for st := Scheduled; st <= Cancelled; st++ {
		if st.String() == s {
			return st, nil
		}
	}
	return 0, fmt.Errorf("unknown run state %q", s)
}

func (s RunState) Terminal() bool {
	return s == Succeeded || s == Failed || s == Cancelled
}

type ActionState string

const (
	ActionPending   ActionState = "pending"
	ActionRunning   ActionState = "running"
	ActionSucceeded ActionState = "succeeded"
	ActionFailed    ActionState = "failed"
	ActionSkipped   ActionState = "skipped"
)

// RunEvent is the payload of run.* events.
type RunEvent struct {
	Job       string
	Number    int
	From      RunState
	To        RunState
	RunTime   time.Time
	Anchor    time.Time
	Start     time.Time
	End       time.Time
	Node      string
	GraphHash string
}

// ActionEvent is the payload of action.* events.
type ActionEvent struct {
	Job     string
	Number  int
	Action  string
	State   ActionState
	Cleanup bool
	Err     string
}

// Run is one scheduled execution of a job's action graph.
//
// The state is a single atomic word and every transition is one
// compare-and-swap, so a concurrent start and cancel resolve to exactly one
// winner. The graph is the snapshot taken when the run was created.
type Run struct {
	job     *Job
	number  int
	runTime time.Time
	anchor  time.Time
	graph   *action.Graph
	cleanup *action.Action
	node    *node.Node
	ctx     *cmdctx.Chain

	state atomic.Int32

	mu           sync.Mutex
	start, end   time.Time
	actions      map[string]ActionState
	cleanupState ActionState
	cancel       context.CancelFunc
	signalled    bool

	emit Emitter
	log  logx.Logger
	now  func() time.Time
}

func (j *Job) newRunLocked(number int, runTime, anchor time.Time) *Run {
	var n *node.Node
	if j.target != nil {
		n = j.target.Next()
	}
	r := &Run{
		job:     j,
		number:  number,
		runTime: runTime,
		anchor:  anchor,
		graph:   j.graph,
		node:    n,
		actions: make(map[string]ActionState, j.graph.Len()),
		emit:    j.emit,
		now:     j.now,
	}
	if j.cleanup != nil {
		c := *j.cleanup
		r.cleanup = &c
		r.cleanupState = ActionPending
	}
	for _, name := range j.graph.Names() {
		r.actions[name] = ActionPending
	}
	r.log = j.log.With(logx.String("run", r.ID()))
	r.ctx = j.ctx.Push(cmdctx.NewLayer(r.builtins(j.loc)))
	return r
}

// builtins are the run-level context variables.
func (r *Run) builtins(loc *time.Location) map[string]string {
	t := r.runTime.In(loc)
	vars := map[string]string{
		"name":       r.job.name,
		"runid":      r.ID(),
		"run_number": strconv.Itoa(r.number),
		"shortdate":  t.Format("2006-01-02"),
		"year":       t.Format("2006"),
		"month":      t.Format("01"),
		"day":        t.Format("02"),
		"unixtime":   strconv.FormatInt(t.Unix(), 10),
		"daynumber":  strconv.Itoa(dayNumber(t)),
	}
	if r.node != nil {
		vars["node"] = r.node.Name()
		vars["hostname"] = r.node.Hostname()
	}
	return vars
}

// dayNumber is the proleptic Gregorian ordinal (0001-01-01 is day 1).
func dayNumber(t time.Time) int {
	d := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return int(d.Unix()/86400) + 719163
}

func (r *Run) Job() *Job                     { return r.job }
func (r *Run) JobName() string               { return r.job.name }
func (r *Run) Number() int                   { return r.number }
func (r *Run) ID() string                    { return r.job.name + "." + strconv.Itoa(r.number) }
func (r *Run) RunTime() time.Time            { return r.runTime }
func (r *Run) Anchor() time.Time             { return r.anchor }
func (r *Run) Graph() *action.Graph          { return r.graph }
func (r *Run) Node() *node.Node              { return r.node }
func (r *Run) Context() *cmdctx.Chain        { return r.ctx }
func (r *Run) State() RunState               { return RunState(r.state.Load()) }
func (r *Run) CleanupAction() *action.Action { return r.cleanup }

func (r *Run) StartTime() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.start
}

func (r *Run) EndTime() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.end
}

// ---- run transitions ----

// Start moves Scheduled -> Starting.
func (r *Run) Start() bool { return r.transition(Starting, Scheduled) }

// MarkRunning moves Starting -> Running once dispatch has begun executing.
func (r *Run) MarkRunning() bool { return r.transition(Running, Starting) }

func (r *Run) Succeed() bool { return r.transition(Succeeded, Running) }
func (r *Run) Fail() bool    { return r.transition(Failed, Running) }

// Cancel moves any non-terminal run to Cancelled.
func (r *Run) Cancel() bool { return r.transition(Cancelled, Scheduled, Starting, Running) }

// Finish moves a Running run to Succeeded when every action succeeded and
// to Failed otherwise.
func (r *Run) Finish() bool {
	r.mu.Lock()
	ok := true
	for _, st := range r.actions {
		if st != ActionSucceeded {
			ok = false
			break
		}
	}
	r.mu.Unlock()
	if ok {
		return r.Succeed()
	}
	return r.Fail()
}

func (r *Run) transition(to RunState, from ...RunState) bool {
	var prev RunState
	for {
		prev = RunState(r.state.Load())
		allowed := false
		for _, f := range from {
			if prev == f {
				allowed = true
				break
			}
		}
		if !allowed {
			r.log.Debug("run transition ignored",
				logx.String("from", prev.String()),
				logx.String("to", to.String()),
			)
			return false
		}
		if r.state.CompareAndSwap(int32(prev), int32(to)) {
			break
		}
	}

	now := r.now()
	r.mu.Lock()
	switch {
	case to == Starting:
		r.start = now
	case to.Terminal():
		r.end = now
		if to == Cancelled && prev != Running {
			for name, st := range r.actions {
				if st == ActionPending {
					r.actions[name] = ActionSkipped
				}
			}
		}
	}
	ev := r.eventLocked(prev, to)
	r.mu.Unlock()

	r.log.Debug("run transition", logx.String("from", prev.String()), logx.String("to", to.String()))
	r.emit.Publish(eventbus.Event{Type: eventbus.RunEventType(to.String()), Time: now, Data: ev})
	return true
}

func (r *Run) eventLocked(from, to RunState) RunEvent {
	ev := RunEvent{
		Job:       r.job.name,
		Number:    r.number,
		From:      from,
		To:        to,
		RunTime:   r.runTime,
		Anchor:    r.anchor,
		Start:     r.start,
		End:       r.end,
		GraphHash: r.graph.Hash(),
	}
	if r.node != nil {
		ev.Node = r.node.Name()
	}
	return ev
}

// ---- cancellation signal ----

// AttachCancel registers the dispatcher's cancel func. If the run was
// already signalled, cancel is invoked immediately.
func (r *Run) AttachCancel(cancel context.CancelFunc) {
	r.mu.Lock()
	r.cancel = cancel
	signalled := r.signalled
	r.mu.Unlock()
	if signalled && cancel != nil {
		cancel()
	}
}

// Signal asks the dispatcher to stop a started run. The state is left alone;
// the dispatcher reports the outcome.
func (r *Run) Signal() bool {
	if r.State().Terminal() {
		return false
	}
	r.mu.Lock()
	r.signalled = true
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	r.log.Debug("run signalled")
	return true
}

func (r *Run) Signalled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.signalled
}

// ---- per-action progress ----

// ActionStates returns a copy of the per-action states.
func (r *Run) ActionStates() map[string]ActionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]ActionState, len(r.actions))
	for k, v := range r.actions {
		out[k] = v
	}
	return out
}

func (r *Run) ActionState(name string) ActionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.actions[name]
}

// Runnable returns the pending actions whose requirements have all
// succeeded, in topological order.
func (r *Run) Runnable() []action.Action {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []action.Action
	for _, a := range r.graph.TopologicalOrder() {
		if r.actions[a.Name] != ActionPending {
			continue
		}
		ready := true
		for _, req := range a.Requires {
			if r.actions[req] != ActionSucceeded {
				ready = false
				break
			}
		}
		if ready {
			out = append(out, a)
		}
	}
	return out
}

// Done reports whether no action is pending or running.
func (r *Run) Done() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, st := range r.actions {
		if st == ActionPending || st == ActionRunning {
			return false
		}
	}
	return true
}

func (r *Run) ActionStarted(name string) bool {
	return r.setAction(name, ActionRunning, "", ActionPending)
}

func (r *Run) ActionSucceeded(name string) bool {
	return r.setAction(name, ActionSucceeded, "", ActionRunning)
}

// ActionFailed marks name failed and skips every action that transitively
// requires it.
func (r *Run) ActionFailed(name string, err error) bool {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	if !r.setAction(name, ActionFailed, msg, ActionRunning) {
		return false
	}
	queue := r.graph.Dependents(name)
	for len(queue) > 0 {
		dep := queue[0]
		queue = queue[1:]
		if r.setAction(dep, ActionSkipped, "", ActionPending) {
			queue = append(queue, r.graph.Dependents(dep)...)
		}
	}
	return true
}

// ActionSkipped marks a pending action skipped without touching dependents.
func (r *Run) ActionSkipped(name string) bool {
	return r.setAction(name, ActionSkipped, "", ActionPending)
}

func (r *Run) setAction(name string, to ActionState, errMsg string, from ActionState) bool {
	r.mu.Lock()
	cur, ok := r.actions[name]
	if !ok || cur != from {
		r.mu.Unlock()
		r.log.Debug("action transition ignored",
			logx.String("action", name),
			logx.String("from", string(cur)),
			logx.String("to", string(to)),
		)
		return false
	}
	r.actions[name] = to
	r.mu.Unlock()

	r.emit.Publish(eventbus.Event{
		Type: eventbus.ActionEventType(string(to)),
		Data: ActionEvent{Job: r.job.name, Number: r.number, Action: name, State: to, Err: errMsg},
	})
	return true
}

func (r *Run) CleanupState() ActionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cleanupState
}

// SetCleanupState records progress of the cleanup action. It has no effect on
// the run's own state.
func (r *Run) SetCleanupState(st ActionState, err error) {
	if r.cleanup == nil {
		return
	}
	r.mu.Lock()
	r.cleanupState = st
	r.mu.Unlock()

	msg := ""
	if err != nil {
		msg = err.Error()
	}
	r.emit.Publish(eventbus.Event{
		Type: eventbus.ActionEventType(string(st)),
		Data: ActionEvent{Job: r.job.name, Number: r.number, Action: r.cleanup.Name, State: st, Cleanup: true, Err: msg},
	})
}

// ---- restore ----

// restoreState forces a persisted state without emitting events.
func (r *Run) restoreState(st RunState, start, end time.Time) {
	r.state.Store(int32(st))
	r.mu.Lock()
	r.start, r.end = start, end
	if st.Terminal() {
		fill := ActionSkipped
		if st == Succeeded {
			fill = ActionSucceeded
		}
		for name, s := range r.actions {
			if s == ActionPending {
				r.actions[name] = fill
			}
		}
	}
	r.mu.Unlock()
}

func (r *Run) emitScheduled() {
	r.mu.Lock()
	ev := r.eventLocked(Scheduled, Scheduled)
	r.mu.Unlock()
	r.emit.Publish(eventbus.Event{Type: eventbus.RunEventType(Scheduled.String()), Time: r.now(), Data: ev})
}
