package scheduler

import "time"

func (s *Service) Snapshot() Snapshot {
	jobs := s.reg.Jobs()

	s.mu.Lock()
	running := s.started
	n := s.cfg.PreviewCount
	armedRuns := make(map[string]string, len(s.timers))
	for name, a := range s.timers {
		armedRuns[name] = a.run.ID()
	}
	s.mu.Unlock()

	snap := Snapshot{Running: running, Armed: len(armedRuns), Fired: s.fired.Load()}
	for _, js := range jobs {
		j := js.Job()
		st := j.Strategy()
		it := JobInfo{Name: js.Name(), Enabled: j.Enabled()}
		if st != nil {
			it.Schedule = st.String()
		}
		if id, ok := armedRuns[it.Name]; ok {
			it.Armed = true
			it.NextRun = id
		}
		if head := j.Runs().Head(); head != nil {
			it.Next = head.RunTime()
			it.Upcoming = append([]time.Time{it.Next}, upcoming(st, it.Next, n-1)...)
		}
		snap.Jobs = append(snap.Jobs, it)
	}
	return snap
}
