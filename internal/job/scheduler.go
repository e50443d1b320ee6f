package job

import (
	"iter"
	"time"

	"github.com/chjohnst/Tron/internal/eventbus"
	"github.com/chjohnst/Tron/internal/node"
	"github.com/chjohnst/Tron/internal/schedule"
	logx "github.com/chjohnst/Tron/pkg/logx"
)

// JobScheduler is the stable registry entry for a job name. It keeps the same
// *Job for as long as the name stays in the configuration.
type JobScheduler struct {
	job *Job
}

func NewScheduler(j *Job) *JobScheduler { return &JobScheduler{job: j} }

func (s *JobScheduler) Job() *Job    { return s.job }
func (s *JobScheduler) Name() string { return s.job.name }

// Next creates the job's next run from the current strategy and the newest
// scheduled run time, prepends it and returns it. It returns nil when the
// job is disabled or the strategy has no further runs.
func (s *JobScheduler) Next() *Run {
	j := s.job
	j.mu.Lock()
	if !j.enabled || j.strategy == nil {
		j.mu.Unlock()
		return nil
	}
	r := j.nextRunLocked()
	j.mu.Unlock()

	if r != nil {
		r.emitScheduled()
	}
	return r
}

func (j *Job) nextRunLocked() *Run {
	now := j.now()
	ref := j.anchor
	if ref.IsZero() {
		ref = now
	}
	at := j.strategy.Next(ref)
	if at.IsZero() {
		return nil
	}
	// Do not replay a backlog after downtime; one-shots still fire late.
	if at.Before(now) && j.strategy.Kind() != schedule.KindOneShot {
		ref = now
		if at = j.strategy.Next(now); at.IsZero() {
			return nil
		}
	}
	return j.appendRunLocked(at, ref)
}

func (j *Job) appendRunLocked(at, ref time.Time) *Run {
	r := j.newRunLocked(j.nextNumber, at, ref)
	if err := j.runs.Prepend(r); err != nil {
		j.log.Error("run not recorded", logx.Err(err))
		return nil
	}
	j.nextNumber++
	j.anchor = at
	if j.keepRuns > 0 {
		j.runs.Trim(j.keepRuns)
	}
	return r
}

// RunsToSchedule is a lazy sequence over Next. Each pull creates one run;
// the sequence ends when Next returns nil or the consumer stops. Calling it
// again restarts from the job's current state.
func (s *JobScheduler) RunsToSchedule() iter.Seq[*Run] {
	return func(yield func(*Run) bool) {
		for {
			r := s.Next()
			if r == nil || !yield(r) {
				return
			}
		}
	}
}

// Disable stops scheduling and cancels Scheduled and Starting runs.
// Running runs are left alone.
func (s *JobScheduler) Disable() {
	j := s.job
	j.mu.Lock()
	was := j.enabled
	j.enabled = false
	ev := j.eventLocked()
	j.mu.Unlock()

	cancelled := 0
	for _, r := range j.runs.Pending() {
		if r.Cancel() {
			cancelled++
		}
	}
	if was {
		j.log.Info("job disabled", logx.Int("cancelled", cancelled))
		j.emit.Publish(eventbus.Event{Type: eventbus.JobDisabled, Data: ev})
	}
}

// Enable resumes scheduling. Cancelled runs stay cancelled.
func (s *JobScheduler) Enable() {
	j := s.job
	j.mu.Lock()
	was := j.enabled
	j.enabled = true
	ev := j.eventLocked()
	j.mu.Unlock()

	if !was {
		j.log.Info("job enabled")
		j.emit.Publish(eventbus.Event{Type: eventbus.JobEnabled, Data: ev})
	}
}

// StartRun moves r to Starting. Only the oldest Scheduled run of an enabled
// job may start.
func (s *JobScheduler) StartRun(r *Run) bool {
	j := s.job
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.enabled || r.job != j {
		return false
	}
	if j.runs.Head() != r {
		j.log.Debug("run is not head of queue", logx.String("run", r.ID()))
		return false
	}
	return r.Start()
}

// CancelRun cancels a pending run immediately and signals a running one.
func (s *JobScheduler) CancelRun(r *Run) bool {
	switch r.State() {
	case Scheduled, Starting:
		if r.Cancel() {
			return true
		}
		// Lost a race with Start/MarkRunning; fall through to the signal.
		return r.Signal()
	case Running:
		return r.Signal()
	default:
		return false
	}
}

// Reconfigure applies a new definition in place: graph, strategy, cleanup,
// target and job-level context. The enabled flag and run history are
// untouched, and runs keep the graph they were created with.
//
// Scheduled runs are replaced in the same critical section, so a concurrent
// StartRun sees either the old job or the new one. With recompute set the
// replacements get fresh times from the new strategy. Otherwise they are
// only replaced when the target changed, at their old times, so they pick
// up the new node.
func (s *JobScheduler) Reconfigure(def Definition, recompute bool) []*Run {
	j := s.job
	j.mu.Lock()
	retarget := !node.Equal(j.target, def.Target)
	j.target = def.Target
	j.graph = def.Graph
	j.strategy = def.Strategy
	j.cleanup = copyAction(def.Cleanup)
	j.loc = locOrLocal(def.Location)
	j.layer.Replace(def.Context)
	var created []*Run
	if recompute || retarget {
		created = j.replaceScheduledLocked(recompute)
	}
	ev := j.eventLocked()
	j.mu.Unlock()

	j.log.Debug("job updated", logx.String("schedule", ev.Schedule), logx.String("graph", def.Graph.Hash()), logx.Int("replaced", len(created)))
	j.emit.Publish(eventbus.Event{Type: eventbus.JobReconfigured, Data: ev})
	for _, r := range created {
		r.emitScheduled()
	}
	return created
}

// Reschedule replaces every Scheduled run with a fresh run computed from the
// current strategy and the replaced run's anchor.
func (s *JobScheduler) Reschedule() []*Run {
	j := s.job
	j.mu.Lock()
	created := j.replaceScheduledLocked(true)
	j.mu.Unlock()

	for _, r := range created {
		r.emitScheduled()
	}
	if len(created) > 0 {
		j.log.Debug("runs rescheduled", logx.Int("count", len(created)))
	}
	return created
}

// replaceScheduledLocked cancels each Scheduled run, drops it from the
// collection and appends a replacement built from the current definition.
// The replacement keeps the old run time unless recompute is set. Runs that
// leave Scheduled concurrently are kept.
func (j *Job) replaceScheduledLocked(recompute bool) []*Run {
	if j.strategy == nil {
		return nil
	}
	scheduled := j.runs.Scheduled()
	var created []*Run
	for i := len(scheduled) - 1; i >= 0; i-- {
		old := scheduled[i]
		if !old.Cancel() {
			continue
		}
		j.runs.Remove(old)
		at := old.runTime
		if recompute {
			at = j.strategy.Next(old.anchor)
		}
		if at.IsZero() {
			continue
		}
		if r := j.appendRunLocked(at, old.anchor); r != nil {
			created = append(created, r)
		}
	}
	return created
}

// Remove tears the job down: disabled, pending runs cancelled, and a
// job.removed event published. Running runs keep their reference to the job.
func (s *JobScheduler) Remove() {
	s.Disable()
	j := s.job
	j.emit.Publish(eventbus.Event{Type: eventbus.JobRemoved, Data: j.Event()})
	j.log.Info("job removed")
}
