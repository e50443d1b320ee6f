package scheduler

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/chjohnst/Tron/internal/eventbus"
	"github.com/chjohnst/Tron/internal/job"
	logx "github.com/chjohnst/Tron/pkg/logx"
)

// Registry is the set of jobs the timers are armed for.
type Registry interface {
	Jobs() []*job.JobScheduler
	Get(name string) (*job.JobScheduler, bool)
}

// Dispatcher receives runs that just moved to Starting. Dispatch must not
// block.
type Dispatcher interface {
	Dispatch(r *job.Run) error
}

type Config struct {
	// PreviewCount is the number of upcoming run times listed per job in
	// Snapshot. Default 3.
	PreviewCount int
	// RetryDelay is the wait before a job whose run was dropped before it
	// ran is armed again. Default 1s.
	RetryDelay time.Duration
	// ResyncEvery re-arms every job periodically in case an event was lost.
	// Default 30s.
	ResyncEvery time.Duration
}

func (c Config) withDefaults() Config {
	if c.PreviewCount <= 0 {
		c.PreviewCount = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
	if c.ResyncEvery <= 0 {
		c.ResyncEvery = 30 * time.Second
	}
	return c
}

type armed struct {
	timer *time.Timer
	run   *job.Run
	ver   uint64
}

type Service struct {
	mu sync.Mutex

	cfg  Config
	log  logx.Logger
	bus  eventbus.Bus
	reg  Registry
	disp Dispatcher
	now  func() time.Time

	started bool
	unsub   func()
	stop    chan struct{}
	done    chan struct{}

	timers map[string]*armed
	ver    map[string]uint64
	fired  atomic.Uint64

	// Dispatch error throttling: key is job name.
	enqMu       sync.Mutex
	lastEnqWarn map[string]time.Time
}

// JobInfo describes the timer state of one job.
type JobInfo struct {
	Name     string
	Enabled  bool
	Schedule string
	Armed    bool
	NextRun  string // run id of the armed run
	Next     time.Time
	Upcoming []time.Time
}

type Snapshot struct {
	Running bool
	Armed   int
	Fired   uint64
	Jobs    []JobInfo
}
