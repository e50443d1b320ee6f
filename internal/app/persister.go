package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chjohnst/Tron/internal/eventbus"
	"github.com/chjohnst/Tron/internal/job"
	"github.com/chjohnst/Tron/internal/mcp"
	"github.com/chjohnst/Tron/internal/storage"
	logx "github.com/chjohnst/Tron/pkg/logx"
)

const persistTimeout = 5 * time.Second

// jobSource is the part of the registry the persister reads.
type jobSource interface {
	Jobs() []*job.JobScheduler
	Get(name string) (*job.JobScheduler, bool)
}

// persister writes job and run records as their events go by. The
// subscription is taken at construction so no event published after New is
// missed.
type persister struct {
	store storage.Store
	reg   jobSource
	log   logx.Logger

	events <-chan eventbus.Event
	unsub  func()
}

func newPersister(store storage.Store, reg jobSource, bus eventbus.Bus, log logx.Logger) *persister {
	ch, unsub := bus.Subscribe(4096)
	return &persister{
		store:  store,
		reg:    reg,
		log:    log.With(logx.String("comp", "persist")),
		events: ch,
		unsub:  unsub,
	}
}

// Run drains events until ctx is done or Close is called.
func (p *persister) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-p.events:
			if !ok {
				return nil
			}
			p.handle(ev)
		}
	}
}

func (p *persister) Close() { p.unsub() }

func (p *persister) handle(ev eventbus.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	var err error
	switch ev.Type {
	case eventbus.JobRemoved:
		if je, ok := ev.Data.(job.JobEvent); ok {
			err = p.store.DeleteJob(ctx, je.Job)
		}
	case eventbus.JobCreated, eventbus.JobReconfigured, eventbus.JobEnabled, eventbus.JobDisabled:
		if je, ok := ev.Data.(job.JobEvent); ok {
			err = p.saveJob(ctx, je.Job)
		}
	case eventbus.ConfigApplied, eventbus.ConfigRejected:
		if ae, ok := ev.Data.(mcp.ApplyEvent); ok {
			err = p.store.AppendAudit(ctx, auditOf(ev, ae))
		}
	default:
		re, ok := ev.Data.(job.RunEvent)
		if !ok {
			return
		}
		err = p.store.SaveRun(ctx, runRecordOf(re))
		if err == nil && re.To == job.Scheduled {
			// A new run moves the job's counter and anchor.
			err = p.saveJob(ctx, re.Job)
		}
	}
	if err != nil && !errors.Is(err, storage.ErrDisabled) {
		p.log.Warn("persist failed", logx.String("event", ev.Type), logx.Err(err))
	}
}

func (p *persister) saveJob(ctx context.Context, name string) error {
	js, ok := p.reg.Get(name)
	if !ok {
		return nil
	}
	return p.store.SaveJob(ctx, jobRecordOf(js.Job()))
}

// Flush writes every registered job and its runs.
func (p *persister) Flush(ctx context.Context) error {
	var errs []error
	for _, js := range p.reg.Jobs() {
		j := js.Job()
		if err := p.store.SaveJob(ctx, jobRecordOf(j)); err != nil {
			errs = append(errs, err)
			continue
		}
		runs := j.Runs().Runs()
		// oldest first so bounded stores keep the newest
		for i := len(runs) - 1; i >= 0; i-- {
			if err := p.store.SaveRun(ctx, runRecordOfRun(runs[i])); err != nil {
				errs = append(errs, err)
				break
			}
		}
	}
	return errors.Join(errs...)
}

func jobRecordOf(j *job.Job) storage.JobRecord {
	return storage.JobRecord{
		Name:       j.Name(),
		Enabled:    j.Enabled(),
		NextNumber: j.NextNumber(),
		Anchor:     j.Anchor(),
	}
}

func runRecordOf(re job.RunEvent) storage.RunRecord {
	return storage.RunRecord{
		Job:       re.Job,
		Number:    re.Number,
		State:     re.To.String(),
		RunTime:   re.RunTime,
		Anchor:    re.Anchor,
		Start:     re.Start,
		End:       re.End,
		Node:      re.Node,
		GraphHash: re.GraphHash,
	}
}

func runRecordOfRun(r *job.Run) storage.RunRecord {
	rec := storage.RunRecord{
		Job:       r.JobName(),
		Number:    r.Number(),
		State:     r.State().String(),
		RunTime:   r.RunTime(),
		Anchor:    r.Anchor(),
		Start:     r.StartTime(),
		End:       r.EndTime(),
		GraphHash: r.Graph().Hash(),
	}
	if n := r.Node(); n != nil {
		rec.Node = n.Name()
	}
	return rec
}

func auditOf(ev eventbus.Event, ae mcp.ApplyEvent) storage.AuditEntry {
	at := ev.Time
	if at.IsZero() {
		at = time.Now()
	}
	action := "config.load"
	if ae.Reconfigure {
		action = "config.reload"
	}
	e := storage.AuditEntry{At: at, Action: action, OK: ev.Type == eventbus.ConfigApplied}
	if e.OK {
		e.Detail = fmt.Sprintf("added=%d updated=%d removed=%d unchanged=%d rescheduled=%d",
			len(ae.Result.Added), len(ae.Result.Updated), len(ae.Result.Removed), ae.Result.Unchanged, ae.Result.Rescheduled)
	} else {
		e.Detail = ae.Err
	}
	return e
}
