package mcp

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/chjohnst/Tron/internal/action"
	"github.com/chjohnst/Tron/internal/cmdctx"
	"github.com/chjohnst/Tron/internal/config"
	"github.com/chjohnst/Tron/internal/eventbus"
	"github.com/chjohnst/Tron/internal/job"
	"github.com/chjohnst/Tron/internal/node"
	"github.com/chjohnst/Tron/internal/schedule"
	"github.com/chjohnst/Tron/internal/storage"
	logx "github.com/chjohnst/Tron/pkg/logx"
)

const defaultCleanupName = "cleanup"

type Options struct {
	Emitter  job.Emitter
	Logger   logx.Logger
	Now      func() time.Time
	KeepRuns int
}

// Result summarizes one successful Apply.
type Result struct {
	Added       []string
	Updated     []string
	Removed     []string
	Unchanged   int
	Rescheduled int
}

// ApplyEvent is the payload of config.applied and config.rejected.
type ApplyEvent struct {
	Reconfigure bool
	Result      Result
	Err         string
}

// Engine is the job registry. It owns one JobScheduler per configured job
// name, the node set and the global command context layer.
type Engine struct {
	mu     sync.RWMutex
	jobs   map[string]*job.JobScheduler
	nodes  *node.Set
	global *cmdctx.Layer
	loc    *time.Location

	opts job.Options
	log  logx.Logger
	emit job.Emitter
}

func New(opts Options) *Engine {
	if opts.Emitter == nil {
		opts.Emitter = eventbus.Nop{}
	}
	if opts.Logger.IsZero() {
		opts.Logger = logx.Nop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		jobs:   map[string]*job.JobScheduler{},
		nodes:  node.NewSet(),
		global: cmdctx.NewLayer(nil),
		loc:    time.Local,
		opts: job.Options{
			Emitter:  opts.Emitter,
			Logger:   opts.Logger,
			Now:      opts.Now,
			KeepRuns: opts.KeepRuns,
		},
		log:  opts.Logger.With(logx.String("comp", "mcp")),
		emit: opts.Emitter,
	}
}

// plan is the fully validated form of a config. Building it has no side
// effects on the engine.
type plan struct {
	loc    *time.Location
	nodes  *node.Set
	global map[string]string
	defs   []job.Definition
}

// Validate runs the build phase only.
func (e *Engine) Validate(cfg *config.Config) error {
	_, err := build(cfg)
	return err
}

func build(cfg *config.Config) (*plan, error) {
	if cfg == nil {
		return nil, &ConfigError{Err: errors.New("config is nil")}
	}
	var errs []error

	loc, err := cfg.Location()
	if err != nil {
		errs = append(errs, &ConfigError{Err: err})
		loc = time.Local
	}

	nodes := node.NewSet()
	for _, n := range cfg.Nodes {
		hostname := strings.TrimSpace(n.Hostname)
		if hostname == "" {
			hostname = n.Name
		}
		if err := nodes.AddNode(node.New(strings.TrimSpace(n.Name), hostname)); err != nil {
			errs = append(errs, &ConfigError{Err: err})
		}
	}
	for _, p := range cfg.NodePools {
		if err := nodes.AddPool(strings.TrimSpace(p.Name), p.Nodes); err != nil {
			errs = append(errs, &ConfigError{Err: err})
		}
	}

	p := &plan{loc: loc, nodes: nodes, global: cfg.CommandContext}
	seen := map[string]bool{}
	for i, jc := range cfg.Jobs {
		name := strings.TrimSpace(jc.Name)
		if name == "" {
			errs = append(errs, &ConfigError{Err: fmt.Errorf("jobs[%d]: name is required", i)})
			continue
		}
		if seen[name] {
			errs = append(errs, &ConfigError{Job: name, Err: errors.New("duplicate job name")})
			continue
		}
		seen[name] = true

		def, jerrs := buildJob(name, jc, nodes, loc)
		if len(jerrs) > 0 {
			errs = append(errs, jerrs...)
			continue
		}
		p.defs = append(p.defs, def)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return p, nil
}

func buildJob(name string, jc config.JobConfig, nodes *node.Set, loc *time.Location) (job.Definition, []error) {
	var errs []error
	def := job.Definition{Name: name, Context: jc.Context, Location: loc}

	if strings.TrimSpace(jc.Node) == "" {
		errs = append(errs, &ConfigError{Job: name, Err: errors.New("node is required")})
	} else if t, err := nodes.Resolve(strings.TrimSpace(jc.Node)); err != nil {
		errs = append(errs, &ConfigError{Job: name, Err: err})
	} else {
		def.Target = t
	}

	if len(jc.Actions) == 0 {
		errs = append(errs, &ConfigError{Job: name, Err: errors.New("at least one action is required")})
	} else {
		defs := make([]action.Action, 0, len(jc.Actions))
		for i, ac := range jc.Actions {
			an := strings.TrimSpace(ac.Name)
			if an == "" {
				errs = append(errs, &ConfigError{Job: name, Err: fmt.Errorf("actions[%d]: name is required", i)})
				continue
			}
			if strings.TrimSpace(ac.Command) == "" {
				errs = append(errs, &ConfigError{Job: name, Action: an, Err: errors.New("command is required")})
			}
			defs = append(defs, action.Action{Name: an, Command: ac.Command, Requires: ac.Requires})
		}
		if len(defs) == len(jc.Actions) {
			g, err := action.Build(defs)
			if err != nil {
				errs = append(errs, graphError(name, err))
			} else {
				def.Graph = g
			}
		}
	}

	if jc.CleanupAction != nil {
		c, err := buildCleanup(*jc.CleanupAction, jc.Actions)
		if err != nil {
			errs = append(errs, &ConfigError{Job: name, Action: c.Name, Err: err})
		} else {
			def.Cleanup = &c
		}
	}

	s, err := schedule.Parse(jc.Schedule, loc)
	if err != nil {
		errs = append(errs, &ConfigError{Job: name, Err: err})
	} else {
		def.Strategy = s
	}
	return def, errs
}

func buildCleanup(ac config.ActionConfig, actions []config.ActionConfig) (action.Action, error) {
	c := action.Action{Name: strings.TrimSpace(ac.Name), Command: ac.Command}
	if c.Name == "" {
		c.Name = defaultCleanupName
	}
	if strings.TrimSpace(c.Command) == "" {
		return c, errors.New("cleanup command is required")
	}
	if len(ac.Requires) > 0 {
		return c, errors.New("cleanup action cannot require other actions")
	}
	for _, a := range actions {
		if strings.TrimSpace(a.Name) == c.Name {
			return c, errors.New("cleanup action name collides with an action")
		}
	}
	return c, nil
}

// Apply reconciles the registry with cfg. Validation failures leave the
// registry untouched and are returned joined as *ConfigError values.
//
// reconfigure is false for the initial load. When true, newly added jobs get
// their first run scheduled immediately.
func (e *Engine) Apply(cfg *config.Config, reconfigure bool) (Result, error) {
	p, err := build(cfg)
	if err != nil {
		e.log.Warn("config rejected", logx.Err(err), logx.Bool("reconfigure", reconfigure))
		e.emit.Publish(eventbus.Event{Type: eventbus.ConfigRejected, Data: ApplyEvent{Reconfigure: reconfigure, Err: err.Error()}})
		return Result{}, err
	}

	e.mu.Lock()
	res := e.commitLocked(p, reconfigure)
	e.mu.Unlock()

	e.log.Info("config applied",
		logx.Bool("reconfigure", reconfigure),
		logx.Strings("added", res.Added),
		logx.Strings("updated", res.Updated),
		logx.Strings("removed", res.Removed),
		logx.Int("unchanged", res.Unchanged),
		logx.Int("rescheduled", res.Rescheduled),
	)
	e.emit.Publish(eventbus.Event{Type: eventbus.ConfigApplied, Data: ApplyEvent{Reconfigure: reconfigure, Result: res}})
	return res, nil
}

func (e *Engine) commitLocked(p *plan, reconfigure bool) Result {
	var res Result

	e.nodes = p.nodes
	e.loc = p.loc
	e.global.Replace(p.global)

	keep := make(map[string]bool, len(p.defs))
	for _, def := range p.defs {
		keep[def.Name] = true

		if s, ok := e.jobs[def.Name]; ok {
			j := s.Job()
			if j.Matches(def) {
				res.Unchanged++
				continue
			}
			recompute := def.Strategy.RecomputeOnReconfigure()
			replaced := s.Reconfigure(def, recompute)
			res.Updated = append(res.Updated, def.Name)
			if recompute {
				res.Rescheduled += len(replaced)
			}
			continue
		}

		j := job.New(def, e.global, e.opts)
		s := job.NewScheduler(j)
		e.jobs[def.Name] = s
		res.Added = append(res.Added, def.Name)
		e.emit.Publish(eventbus.Event{Type: eventbus.JobCreated, Data: j.Event()})
		if reconfigure {
			s.Next()
		}
	}

	for name, s := range e.jobs {
		if keep[name] {
			continue
		}
		s.Remove()
		delete(e.jobs, name)
		res.Removed = append(res.Removed, name)
	}
	sort.Strings(res.Removed)
	return res
}

// Restore reapplies persisted job bookkeeping and run history. It must run
// after the initial Apply and before any job is armed. Persisted jobs that
// are no longer configured are returned as stale.
func (e *Engine) Restore(st storage.State) (restored int, stale []string) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for name, rec := range st.Jobs {
		s, ok := e.jobs[name]
		if !ok {
			stale = append(stale, name)
			continue
		}
		j := s.Job()
		for _, rr := range st.Runs[name] {
			state, err := job.ParseRunState(rr.State)
			if err != nil {
				e.log.Warn("skipping persisted run", logx.String("job", name), logx.Int("number", rr.Number), logx.Err(err))
				continue
			}
			if _, err := j.RestoreRun(rr.Number, state, rr.RunTime, rr.Anchor, rr.Start, rr.End); err != nil {
				e.log.Warn("skipping persisted run", logx.String("job", name), logx.Int("number", rr.Number), logx.Err(err))
				continue
			}
		}
		j.Restore(rec.Enabled, rec.NextNumber, rec.Anchor)
		if !rec.Enabled {
			s.Disable()
		}
		restored++
	}
	sort.Strings(stale)
	return restored, stale
}

// Jobs returns the registered schedulers ordered by name.
func (e *Engine) Jobs() []*job.JobScheduler {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*job.JobScheduler, 0, len(e.jobs))
	for _, s := range e.jobs {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

func (e *Engine) Get(name string) (*job.JobScheduler, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.jobs[name]
	return s, ok
}

func (e *Engine) Names() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.jobs))
	for k := range e.jobs {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (e *Engine) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.jobs)
}

// Node resolves a node or pool name against the current configuration.
func (e *Engine) Node(name string) (node.Target, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.nodes.Resolve(name)
}

// GlobalContext is the live command_context layer shared by every job.
func (e *Engine) GlobalContext() *cmdctx.Layer { return e.global }

func (e *Engine) Location() *time.Location {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.loc
}
