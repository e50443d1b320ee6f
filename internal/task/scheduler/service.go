package scheduler

import (
	"context"
	"time"

	"github.com/chjohnst/Tron/internal/eventbus"
	"github.com/chjohnst/Tron/internal/job"
	logx "github.com/chjohnst/Tron/pkg/logx"
)

// New returns a stopped timer service. bus may be nil, in which case jobs
// are only re-armed by Sync and after their own timers fire.
func New(cfg Config, reg Registry, disp Dispatcher, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:         cfg.withDefaults(),
		log:         log.With(logx.String("comp", "timer")),
		bus:         bus,
		reg:         reg,
		disp:        disp,
		now:         time.Now,
		timers:      map[string]*armed{},
		ver:         map[string]uint64{},
		lastEnqWarn: map[string]time.Time{},
	}
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
}

func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// Start arms every registered job and starts following job and run events.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	done := make(chan struct{})
	stop := make(chan struct{})
	s.done, s.stop = done, stop
	var events <-chan eventbus.Event
	if s.bus != nil {
		events, s.unsub = s.bus.Subscribe(256)
	}
	resync := s.cfg.ResyncEvery
	s.mu.Unlock()

	go s.loop(ctx, events, resync, stop, done)
	armed := s.Sync()
	s.log.Info("service started", logx.Int("armed", armed))
}

// Stop disarms every timer. Runs already handed to the dispatcher are not
// affected; Scheduled runs stay Scheduled and are picked up by the next Start.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	for name := range s.timers {
		s.disarmLocked(name)
	}
	unsub, done := s.unsub, s.done
	close(s.stop)
	s.unsub, s.done, s.stop = nil, nil, nil
	s.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	select {
	case <-done:
	case <-ctx.Done():
	}
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

func (s *Service) loop(ctx context.Context, events <-chan eventbus.Event, resync time.Duration, stop <-chan struct{}, done chan struct{}) {
	defer close(done)
	t := time.NewTicker(resync)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-t.C:
			s.Sync()
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			s.handle(ev)
		}
	}
}

func (s *Service) handle(ev eventbus.Event) {
	switch ev.Type {
	case eventbus.JobCreated, eventbus.JobEnabled, eventbus.JobReconfigured:
		if je, ok := ev.Data.(job.JobEvent); ok {
			s.Arm(je.Job)
		}
	case eventbus.JobDisabled, eventbus.JobRemoved:
		if je, ok := ev.Data.(job.JobEvent); ok {
			s.Disarm(je.Job)
		}
	default:
		if !eventbus.IsRunEvent(ev.Type) {
			return
		}
		re, ok := ev.Data.(job.RunEvent)
		if !ok || !re.To.Terminal() {
			return
		}
		switch re.From {
		case job.Running:
			// Constant jobs wait for the previous run to finish.
			s.Arm(re.Job)
		case job.Starting:
			// Dropped by the dispatcher before it ran.
			s.armAfter(re.Job, s.retryDelay())
		}
	}
}

func (s *Service) retryDelay() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.RetryDelay
}
