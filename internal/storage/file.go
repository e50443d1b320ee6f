package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "github.com/chjohnst/Tron/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.audit.jsonl          (append-only JSON Lines)
//   - <prefix>.state.snapshot.json  (periodic snapshot)
//   - <prefix>.state.journal.jsonl  (append-only journal)
//
// The journal is compacted into the snapshot on open and every
// compactEvery writes.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	auditFile *os.File

	snapshotPath string
	journalFile  *os.File
	state        State
	keep         int

	writes int
}

const compactEvery = 1000

type journalOp string

const (
	opJob    journalOp = "job"
	opRun    journalOp = "run"
	opDelete journalOp = "delete"
)

type journalRecord struct {
	Op   journalOp  `json:"op"`
	Job  *JobRecord `json:"job,omitempty"`
	Run  *RunRecord `json:"run,omitempty"`
	Name string     `json:"name,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	auditPath := prefix + ".audit.jsonl"
	snapPath := prefix + ".state.snapshot.json"
	journalPath := prefix + ".state.journal.jsonl"

	af, err := os.OpenFile(auditPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	state := newState()
	if err := loadSnapshot(snapPath, &state); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("state snapshot unreadable; starting from journal", logx.Err(err))
	}
	if err := replayJournal(journalPath, &state, cfg.keepRuns()); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("state journal replay incomplete", logx.Err(err))
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = af.Close()
		return nil, err
	}

	s := &fileStore{
		log:          log,
		auditFile:    af,
		snapshotPath: snapPath,
		journalFile:  jf,
		state:        state,
		keep:         cfg.keepRuns(),
	}
	s.mu.Lock()
	if err := s.compactLocked(); err != nil {
		log.Debug("state compact failed", logx.Err(err))
	}
	s.mu.Unlock()
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.journalFile != nil {
		errs = append(errs, s.compactLocked(), s.journalFile.Close())
		s.journalFile = nil
	}
	if s.auditFile != nil {
		errs = append(errs, s.auditFile.Close())
		s.auditFile = nil
	}
	return errors.Join(errs...)
}

func (s *fileStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return errors.New("audit file closed")
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

func (s *fileStore) SaveJob(ctx context.Context, rec JobRecord) error {
	_ = ctx
	if strings.TrimSpace(rec.Name) == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Jobs[rec.Name] = rec
	return s.appendLocked(journalRecord{Op: opJob, Job: &rec})
}

func (s *fileStore) SaveRun(ctx context.Context, rec RunRecord) error {
	_ = ctx
	if strings.TrimSpace(rec.Job) == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.putRun(rec, s.keep)
	return s.appendLocked(journalRecord{Op: opRun, Run: &rec})
}

func (s *fileStore) DeleteJob(ctx context.Context, name string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.deleteJob(name)
	return s.appendLocked(journalRecord{Op: opDelete, Name: name})
}

// Load returns a deep copy of the current state.
func (s *fileStore) Load(ctx context.Context) (State, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	out := newState()
	for k, v := range s.state.Jobs {
		out.Jobs[k] = v
	}
	for k, v := range s.state.Runs {
		out.Runs[k] = append([]RunRecord(nil), v...)
	}
	return out, nil
}

func (s *fileStore) appendLocked(rec journalRecord) error {
	if s.journalFile == nil {
		return errors.New("state journal closed")
	}
	if err := json.NewEncoder(s.journalFile).Encode(rec); err != nil {
		return err
	}
	s.writes++
	if s.writes%compactEvery == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("state compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.state); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, 2)
	return err
}

func loadSnapshot(path string, out *State) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var st State
	if err := json.NewDecoder(f).Decode(&st); err != nil {
		return err
	}
	for k, v := range st.Jobs {
		out.Jobs[k] = v
	}
	for k, v := range st.Runs {
		out.Runs[k] = v
	}
	return nil
}

func replayJournal(path string, out *State, keep int) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			// torn tail write
			continue
		}
		switch r.Op {
		case opJob:
			if r.Job != nil && r.Job.Name != "" {
				out.Jobs[r.Job.Name] = *r.Job
			}
		case opRun:
			if r.Run != nil && r.Run.Job != "" {
				out.putRun(*r.Run, keep)
			}
		case opDelete:
			out.deleteJob(r.Name)
		}
	}
	return sc.Err()
}
