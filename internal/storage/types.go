package storage

import (
	"errors"
	"sort"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (jsonl + snapshot)
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default

	// KeepRuns bounds the persisted history per job; 0 means 100.
	KeepRuns int
}

const defaultKeepRuns = 100

func (c Config) keepRuns() int {
	if c.KeepRuns <= 0 {
		return defaultKeepRuns
	}
	return c.KeepRuns
}

// JobRecord is the persisted bookkeeping of one job.
type JobRecord struct {
	Name       string    `json:"name"`
	Enabled    bool      `json:"enabled"`
	NextNumber int       `json:"next_number"`
	Anchor     time.Time `json:"anchor,omitzero"`
}

// RunRecord is the persisted form of one run. GraphHash identifies the
// action graph snapshot the run was created with.
type RunRecord struct {
	Job       string    `json:"job"`
	Number    int       `json:"number"`
	State     string    `json:"state"`
	RunTime   time.Time `json:"run_time"`
	Anchor    time.Time `json:"anchor,omitzero"`
	Start     time.Time `json:"start,omitzero"`
	End       time.Time `json:"end,omitzero"`
	Node      string    `json:"node,omitempty"`
	GraphHash string    `json:"graph_hash,omitempty"`
}

// State is everything a store holds, as returned by Load.
type State struct {
	Jobs map[string]JobRecord   `json:"jobs"`
	Runs map[string][]RunRecord `json:"runs"` // per job, ascending run number
}

func newState() State {
	return State{Jobs: map[string]JobRecord{}, Runs: map[string][]RunRecord{}}
}

// putRun inserts or replaces rec, keeping the slice ordered and bounded.
func (s *State) putRun(rec RunRecord, keep int) {
	runs := s.Runs[rec.Job]
	i := sort.Search(len(runs), func(i int) bool { return runs[i].Number >= rec.Number })
	if i < len(runs) && runs[i].Number == rec.Number {
		runs[i] = rec
	} else {
		runs = append(runs, RunRecord{})
		copy(runs[i+1:], runs[i:])
		runs[i] = rec
	}
	if keep > 0 && len(runs) > keep {
		runs = append([]RunRecord(nil), runs[len(runs)-keep:]...)
	}
	s.Runs[rec.Job] = runs
}

func (s *State) deleteJob(name string) {
	delete(s.Jobs, name)
	delete(s.Runs, name)
}

// AuditEntry records an operator action or a configuration change.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At     time.Time `json:"at"`
	Action string    `json:"action"`
	Target string    `json:"target,omitempty"`
	OK     bool      `json:"ok"`
	Detail string    `json:"detail,omitempty"`
}
