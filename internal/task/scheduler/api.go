package scheduler

import (
	"strings"
	"time"

	"github.com/chjohnst/Tron/internal/job"
	"github.com/chjohnst/Tron/internal/schedule"
	logx "github.com/chjohnst/Tron/pkg/logx"
)

// Arm sets the job's timer for its head Scheduled run, creating the next
// run when none is pending. It reports whether a timer is armed afterwards.
// Disabled jobs, exhausted one-shots and constant jobs with a run in flight
// are left unarmed.
func (s *Service) Arm(name string) bool {
	js, ok := s.reg.Get(name)

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return false
	}
	if !ok {
		s.disarmLocked(name)
		return false
	}
	return s.armLocked(js)
}

// Disarm stops the job's timer. The job's runs are not touched.
func (s *Service) Disarm(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disarmLocked(name)
}

// Sync arms every registered job and drops timers of jobs that are no
// longer registered. It must run after every applied configuration so
// rescheduled runs replace the ones their timers were armed for.
func (s *Service) Sync() int {
	jobs := s.reg.Jobs()

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return 0
	}
	seen := make(map[string]struct{}, len(jobs))
	n := 0
	for _, js := range jobs {
		seen[js.Name()] = struct{}{}
		if s.armLocked(js) {
			n++
		}
	}
	for name := range s.timers {
		if _, ok := seen[name]; !ok {
			s.disarmLocked(name)
			s.log.Debug("timer dropped", logx.String("job", name))
		}
	}
	return n
}

func (s *Service) armAfter(name string, d time.Duration) {
	time.AfterFunc(d, func() { s.Arm(name) })
}

// Call with s.mu held.
func (s *Service) armLocked(js *job.JobScheduler) bool {
	name := js.Name()
	j := js.Job()
	if !j.Enabled() {
		s.disarmLocked(name)
		return false
	}
	st := j.Strategy()
	if st != nil && st.Kind() == schedule.KindConstant && len(j.Runs().Active()) > 0 {
		s.disarmLocked(name)
		return false
	}

	r := j.Runs().Head()
	if r == nil {
		r = js.Next()
	}
	if r == nil {
		s.disarmLocked(name)
		return false
	}
	if cur := s.timers[name]; cur != nil && cur.run == r {
		return true
	}
	s.disarmLocked(name)

	// bump version to ignore stale callbacks from previously armed timers
	ver := s.ver[name] + 1
	s.ver[name] = ver
	delay := max(r.RunTime().Sub(s.now()), 0)
	a := &armed{run: r, ver: ver}
	a.timer = time.AfterFunc(delay, func() { s.fire(name, ver) })
	s.timers[name] = a

	if s.log.Enabled(logx.LevelDebug) {
		args := []logx.Field{
			logx.String("job", name),
			logx.String("run", r.ID()),
			logx.Time("at", r.RunTime()),
			logx.Duration("in", delay),
		}
		if next := formatPreview(upcoming(st, r.RunTime(), s.cfg.PreviewCount)); next != "" {
			args = append(args, logx.String("next", next))
		}
		s.log.Debug("timer armed", args...)
	}
	return true
}

// Call with s.mu held.
func (s *Service) disarmLocked(name string) bool {
	a, ok := s.timers[name]
	if !ok {
		return false
	}
	a.timer.Stop()
	delete(s.timers, name)
	return true
}

func (s *Service) fire(name string, ver uint64) {
	s.mu.Lock()
	a := s.timers[name]
	if !s.started || a == nil || a.ver != ver {
		s.mu.Unlock()
		return
	}
	delete(s.timers, name)
	r := a.run
	s.mu.Unlock()

	js, ok := s.reg.Get(name)
	if !ok {
		return
	}
	if js.StartRun(r) {
		s.fired.Add(1)
		if err := s.disp.Dispatch(r); err != nil {
			s.reportEnqueueError(name, err)
			s.armAfter(name, s.retryDelay())
			return
		}
	} else {
		s.log.Debug("timer fired for a run that can no longer start", logx.String("run", r.ID()), logx.String("state", r.State().String()))
	}
	s.Arm(name)
}

// upcoming lists up to n run times after from, following st.
func upcoming(st schedule.Strategy, from time.Time, n int) []time.Time {
	if st == nil || n <= 0 || st.Kind() == schedule.KindConstant {
		return nil
	}
	out := make([]time.Time, 0, n)
	t := from
	for i := 0; i < n; i++ {
		t = st.Next(t)
		if t.IsZero() {
			break
		}
		out = append(out, t)
	}
	return out
}

func formatPreview(ts []time.Time) string {
	var b strings.Builder
	for i, t := range ts {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(t.Format("2006-01-02 15:04:05"))
	}
	return b.String()
}
