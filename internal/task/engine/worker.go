package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"time"

	"github.com/chjohnst/Tron/internal/action"
	"github.com/chjohnst/Tron/internal/cmdctx"
	"github.com/chjohnst/Tron/internal/job"
	logx "github.com/chjohnst/Tron/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue chan queuedRun, idx int) {
	// Per-worker RNG so concurrent retries do not contend on a global lock.
	rng := rand.New(rand.NewSource(time.Now().UnixNano() ^ int64(idx)<<32))

	for {
		// A closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case qt := <-queue:
			s.inFlight.Add(1)
			s.execRun(ctx, qt, rng)
			s.inFlight.Add(-1)
		}
	}
}

func (s *Service) execRun(ctx context.Context, qt queuedRun, rng *rand.Rand) {
	r := qt.run
	cfg, limiter := s.config()
	start := s.now()
	queueDelay := max(start.Sub(qt.enqueuedAt), 0)

	item := HistoryItem{ID: qt.id, Run: r.ID(), Started: start, QueueDelay: queueDelay}
	if n := r.Node(); n != nil {
		item.Node = n.Name()
	}
	defer func() {
		item.Duration = s.now().Sub(start)
		item.Result = r.State().String()
		s.record(item, cfg.HistorySize)
	}()

	if cfg.MaxQueueDelay > 0 && queueDelay > cfg.MaxQueueDelay {
		r.Cancel()
		s.onStaleDropped(qt, queueDelay)
		item.Error = "stale_queue_delay"
		return
	}
	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			r.Cancel()
			item.Error = err.Error()
			return
		}
	}
	if !r.MarkRunning() {
		// Cancelled while queued.
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.AttachCancel(cancel)

	log := s.log.With(logx.String("run", r.ID()), logx.String("id", qt.id))
	log.Debug("run started", logx.Duration("queue_delay", queueDelay))

	for !r.Done() {
		ready := r.Runnable()
		if len(ready) == 0 {
			break
		}
		for _, a := range ready {
			s.runAction(runCtx, r, a, cfg, rng, log)
		}
	}
	// Whatever a cancel left behind never runs.
	for name, st := range r.ActionStates() {
		if st == job.ActionPending {
			r.ActionSkipped(name)
		}
	}

	if c := r.CleanupAction(); c != nil {
		r.SetCleanupState(job.ActionRunning, nil)
		if err := s.attempt(ctx, r, *c, cfg, rng, log); err != nil {
			r.SetCleanupState(job.ActionFailed, err)
		} else {
			r.SetCleanupState(job.ActionSucceeded, nil)
		}
	}

	if r.Signalled() || ctx.Err() != nil {
		r.Cancel()
	} else {
		r.Finish()
	}

	dur := s.now().Sub(start)
	fields := []logx.Field{logx.String("state", r.State().String()), logx.Duration("dur", dur)}
	if r.State() == job.Failed {
		item.Error = "action failed"
		log.Warn("run finished", fields...)
	} else {
		log.Info("run finished", fields...)
	}
}

func (s *Service) runAction(ctx context.Context, r *job.Run, a action.Action, cfg Config, rng *rand.Rand, log logx.Logger) {
	if ctx.Err() != nil {
		r.ActionSkipped(a.Name)
		return
	}
	if !r.ActionStarted(a.Name) {
		return
	}
	if err := s.attempt(ctx, r, a, cfg, rng, log); err != nil {
		log.Warn("action failed", logx.String("action", a.Name), logx.Err(err))
		r.ActionFailed(a.Name, err)
		return
	}
	r.ActionSucceeded(a.Name)
}

// attempt renders a's command against the run context and executes it,
// retrying with backoff. Render errors are not retried.
func (s *Service) attempt(ctx context.Context, r *job.Run, a action.Action, cfg Config, rng *rand.Rand, log logx.Logger) error {
	command, err := cmdctx.Render(a.Command, r.Context())
	if err != nil {
		return err
	}
	maxAttempts := 1 + cfg.RetryMax
	for n := 1; ; n++ {
		err = s.execOnce(ctx, r, command, cfg)
		if err == nil || ctx.Err() != nil {
			return err
		}
		var nr noRetryError
		if errors.As(err, &nr) {
			return nr.err
		}
		if n >= maxAttempts {
			return err
		}

		delay := backoffDelayWithHint(cfg, n, err, rng)
		log.Debug("action retry scheduled", logx.String("action", a.Name), logx.Int("attempt", n+1), logx.Duration("delay", delay), logx.Err(err))
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (s *Service) execOnce(ctx context.Context, r *job.Run, command string, cfg Config) (err error) {
	n := r.Node()
	nodeName := ""
	if n != nil {
		nodeName = n.Name()
	}
	release, err := s.nodes.acquire(ctx, nodeName, cfg.NodeConcurrency)
	if err != nil {
		return err
	}
	defer release()

	if cfg.ActionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.ActionTimeout)
		defer cancel()
	}
	// One bad executor must not take a worker down.
	defer func() {
		if p := recover(); p != nil {
			s.log.Error("executor panicked", logx.String("run", r.ID()), logx.Any("panic", p), logx.String("stack", string(debug.Stack())))
			err = NoRetry(fmt.Errorf("panic: %v", p))
		}
	}()
	return s.exec.Execute(ctx, n, command)
}

func backoffDelayWithHint(cfg Config, retry int, err error, rng *rand.Rand) time.Duration {
	var ra RetryAfterError
	if !errors.As(err, &ra) {
		return backoffDelay(cfg, retry, rng)
	}
	return jitter(min(max(ra.RetryAfter(), 0), cfg.RetryMaxDelay), cfg, rng)
}

// backoffDelay is RetryBase doubled per retry, capped at RetryMaxDelay,
// then jittered.
func backoffDelay(cfg Config, retry int, rng *rand.Rand) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < retry; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	return jitter(min(d, cfg.RetryMaxDelay), cfg, rng)
}

func jitter(d time.Duration, cfg Config, rng *rand.Rand) time.Duration {
	if rng == nil || cfg.RetryJitter <= 0 || d <= 0 {
		return d
	}
	r := (rng.Float64()*2 - 1) * cfg.RetryJitter
	d = time.Duration(float64(d) * (1 + r))
	return min(max(d, 0), cfg.RetryMaxDelay)
}
