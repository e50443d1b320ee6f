package scheduler

import (
	"errors"
	"time"

	"github.com/chjohnst/Tron/internal/task/engine"
	logx "github.com/chjohnst/Tron/pkg/logx"
)

const enqueueWarnThrottle = 5 * time.Second

func (s *Service) reportEnqueueError(name string, err error) {
	if err == nil {
		return
	}
	// Shutdown races are expected.
	if errors.Is(err, engine.ErrStopping) || errors.Is(err, engine.ErrStopped) {
		s.log.Debug("run not dispatched", logx.String("job", name), logx.Err(err))
		return
	}

	now := time.Now()
	s.enqMu.Lock()
	last := s.lastEnqWarn[name]
	if !last.IsZero() && now.Sub(last) < enqueueWarnThrottle {
		s.enqMu.Unlock()
		return
	}
	s.lastEnqWarn[name] = now
	s.enqMu.Unlock()

	// Queue full is important but can be bursty.
	s.log.Warn("run failed to dispatch", logx.String("job", name), logx.Err(err))
}
