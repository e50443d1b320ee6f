package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/chjohnst/Tron/internal/eventbus"
	"github.com/chjohnst/Tron/internal/job"
	"github.com/chjohnst/Tron/internal/runtime/supervisor"
	logx "github.com/chjohnst/Tron/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

// Service executes Starting runs on a fixed worker pool.
type Service struct {
	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter

	log  logx.Logger
	emit job.Emitter
	exec Executor
	now  func() time.Time

	q        chan queuedRun
	sup      *supervisor.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}

	nodes    nodeLimiter
	inFlight atomic.Int32

	hmu     sync.Mutex
	history []HistoryItem

	dropped          atomic.Uint64
	droppedQueueFull atomic.Uint64
	droppedStale     atomic.Uint64

	lastQueueFullWarnAt atomic.Int64
}

type queuedRun struct {
	id         string
	run        *job.Run
	enqueuedAt time.Time
}

func New(cfg Config, exec Executor, log logx.Logger, emit job.Emitter) *Service {
	if exec == nil {
		exec = ShellExecutor{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if emit == nil {
		emit = eventbus.Nop{}
	}
	cfg = cfg.withDefaults()
	return &Service{
		cfg:     cfg,
		limiter: newLimiter(cfg),
		log:     log.With(logx.String("comp", "dispatch")),
		emit:    emit,
		exec:    exec,
		now:     time.Now,
	}
}

func newLimiter(cfg Config) *rate.Limiter {
	if cfg.RatePerSec <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst)
}

func (s *Service) config() (Config, *rate.Limiter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg, s.limiter
}

// Apply swaps the configuration. Worker or queue size changes restart the
// pool; runs still queued at that point are cancelled.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	s.limiter = newLimiter(cfg)
	running := s.stopCh != nil && s.stopDone == nil
	s.mu.Unlock()

	if running && (prev.Workers != cfg.Workers || prev.QueueSize != cfg.QueueSize) {
		s.log.Info("dispatch pool resized", logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize))
		s.Stop(ctx)
		s.Start(ctx)
	}
}

// Start launches the worker pool. It is idempotent.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh != nil {
		done := s.stopDone
		s.mu.Unlock()
		if done == nil {
			return
		}
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
		if s.stopCh != nil {
			s.mu.Unlock()
			return
		}
	}

	cfg := s.cfg
	s.q = make(chan queuedRun, cfg.QueueSize)
	s.stopCh = make(chan struct{})
	s.stopDone = nil
	stopCh, queue := s.stopCh, s.q
	s.sup = supervisor.New(ctx, supervisor.WithLogger(s.log))
	sup := s.sup
	s.mu.Unlock()

	for i := 0; i < cfg.Workers; i++ {
		idx := i
		sup.GoRestart(fmt.Sprintf("worker.%d", idx), func(c context.Context) error {
			s.worker(c, stopCh, queue, idx)
			select {
			case <-stopCh:
				return nil
			default:
			}
			if c.Err() != nil {
				return nil
			}
			return errors.New("worker exited unexpectedly")
		}, 250*time.Millisecond, 30*time.Second)
	}
	s.log.Info("dispatcher started", logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize))
}

// Stop signals the workers and waits for in-flight runs until ctx is done.
// Runs still queued are cancelled.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	close(s.stopCh)
	sup, queue := s.sup, s.q
	s.mu.Unlock()

	go func() {
		_ = sup.Stop(context.Background())
		for drained := false; !drained; {
			select {
			case qt := <-queue:
				qt.run.Cancel()
			default:
				drained = true
			}
		}
		s.mu.Lock()
		s.q = nil
		s.stopCh = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("dispatcher stopped")
	case <-ctx.Done():
		s.log.Warn("dispatcher stop timed out", logx.Err(ctx.Err()))
	}
}

// Dispatch queues a Starting run without blocking. A run that cannot be
// queued is cancelled and the reason returned.
func (s *Service) Dispatch(r *job.Run) error {
	if r.State() != job.Starting {
		return fmt.Errorf("%w: %s is %s", ErrNotStarting, r.ID(), r.State())
	}

	s.mu.Lock()
	q, stopCh, stopping := s.q, s.stopCh, s.stopDone != nil
	s.mu.Unlock()

	qt := queuedRun{id: uuid.NewString(), run: r, enqueuedAt: s.now()}
	switch {
	case q == nil || stopCh == nil:
		r.Cancel()
		return ErrStopped
	case stopping:
		r.Cancel()
		return ErrStopping
	}

	select {
	case q <- qt:
		s.log.Debug("run queued", logx.String("run", r.ID()), logx.String("id", qt.id))
		return nil
	default:
		r.Cancel()
		s.onQueueFullDropped(qt, q)
		return ErrQueueFull
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg, q, sup := s.cfg, s.q, s.sup
	running := s.stopCh != nil && s.stopDone == nil
	s.mu.Unlock()

	snap := Snapshot{
		Running:          running,
		Workers:          cfg.Workers,
		InFlight:         int(s.inFlight.Load()),
		RatePerSec:       cfg.RatePerSec,
		RetryMax:         cfg.RetryMax,
		Dropped:          s.dropped.Load(),
		DroppedQueueFull: s.droppedQueueFull.Load(),
		DroppedStale:     s.droppedStale.Load(),
	}
	if q != nil {
		snap.QueueLen, snap.QueueCap = len(q), cap(q)
	}
	if sup != nil {
		snap.Goroutines = sup.Snapshot()
	}
	s.hmu.Lock()
	snap.History = append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return snap
}

func (s *Service) record(item HistoryItem, size int) {
	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > size {
		s.history = s.history[len(s.history)-size:]
	}
	s.hmu.Unlock()
}

func (s *Service) shouldWarn(last *atomic.Int64, now time.Time) bool {
	prev := last.Load()
	n := now.UnixNano()
	if prev != 0 && n-prev < int64(warnThrottleEvery) {
		return false
	}
	return last.CompareAndSwap(prev, n)
}

func (s *Service) onQueueFullDropped(qt queuedRun, q chan queuedRun) {
	s.dropped.Add(1)
	s.droppedQueueFull.Add(1)
	s.emit.Publish(eventbus.Event{Type: eventbus.DispatchDropped, Data: DispatchEvent{ID: qt.id, Run: qt.run.ID(), Reason: "queue_full"}})

	if s.shouldWarn(&s.lastQueueFullWarnAt, s.now()) {
		s.log.Warn("run dropped: queue full",
			logx.String("run", qt.run.ID()),
			logx.Int("queue_len", len(q)),
			logx.Int("queue_cap", cap(q)),
			logx.Uint64("dropped_queue_full", s.droppedQueueFull.Load()),
		)
	}
}

func (s *Service) onStaleDropped(qt queuedRun, queueDelay time.Duration) {
	s.dropped.Add(1)
	s.droppedStale.Add(1)
	s.emit.Publish(eventbus.Event{Type: eventbus.DispatchDropped, Data: DispatchEvent{ID: qt.id, Run: qt.run.ID(), Reason: "stale_queue_delay"}})
	s.log.Warn("run dropped: stale queue",
		logx.String("run", qt.run.ID()),
		logx.Duration("queue_delay", queueDelay),
	)
}
