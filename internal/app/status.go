package app

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/chjohnst/Tron/internal/task/engine"
	"github.com/chjohnst/Tron/internal/task/scheduler"
)

const statusRuns = 5

type RunStatus struct {
	ID      string    `json:"id"`
	State   string    `json:"state"`
	RunTime time.Time `json:"run_time"`
	Start   time.Time `json:"start,omitzero"`
	End     time.Time `json:"end,omitzero"`
	Node    string    `json:"node,omitempty"`
}

type JobStatus struct {
	Name     string      `json:"name"`
	Enabled  bool        `json:"enabled"`
	Schedule string      `json:"schedule"`
	Node     string      `json:"node"`
	Runs     []RunStatus `json:"runs"`
}

// Status is the operator view served at /status.
type Status struct {
	Jobs     []JobStatus        `json:"jobs"`
	Timer    scheduler.Snapshot `json:"timer"`
	Dispatch engine.Snapshot    `json:"dispatch"`
}

func (a *App) Status() Status {
	st := Status{Timer: a.timer.Snapshot(), Dispatch: a.engine.Snapshot()}
	for _, sched := range a.reg.Jobs() {
		j := sched.Job()
		js := JobStatus{Name: j.Name(), Enabled: j.Enabled()}
		if s := j.Strategy(); s != nil {
			js.Schedule = s.String()
		}
		if t := j.Target(); t != nil {
			js.Node = t.Name()
		}
		for i, r := range j.Runs().Runs() {
			if i == statusRuns {
				break
			}
			rs := RunStatus{ID: r.ID(), State: r.State().String(), RunTime: r.RunTime(), Start: r.StartTime(), End: r.EndTime()}
			if n := r.Node(); n != nil {
				rs.Node = n.Name()
			}
			js.Runs = append(js.Runs, rs)
		}
		st.Jobs = append(st.Jobs, js)
	}
	return st
}

func (a *App) statusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(a.Status())
	})
}
