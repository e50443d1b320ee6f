package engine

import (
	"time"

	"github.com/chjohnst/Tron/internal/runtime/supervisor"
)

// Config controls run dispatch. The app layer maps config.dispatch into it.
type Config struct {
	Workers   int
	QueueSize int

	// RatePerSec limits how many runs may begin executing per second.
	// 0 disables the limiter.
	RatePerSec float64
	Burst      int

	// Per-action retry policy. RetryMax 0 means a single attempt.
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64 // 0.2 = 20%

	// ActionTimeout bounds one attempt of one action. 0 disables it.
	ActionTimeout time.Duration

	// MaxQueueDelay cancels runs that waited longer than this for a worker.
	// 0 disables stale-queue dropping.
	MaxQueueDelay time.Duration

	// NodeConcurrency bounds concurrently executing actions per node.
	NodeConcurrency int

	HistorySize int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = time.Second
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 30 * time.Second
	}
	if c.RetryJitter <= 0 {
		c.RetryJitter = 0.2
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	return c
}

// HistoryItem records one dispatched run.
type HistoryItem struct {
	ID         string        `json:"id"`
	Run        string        `json:"run"`
	Node       string        `json:"node,omitempty"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Result     string        `json:"result"`
	Error      string        `json:"error,omitempty"`
}

// DispatchEvent is the payload of dispatch.dropped.
type DispatchEvent struct {
	ID     string `json:"id"`
	Run    string `json:"run"`
	Reason string `json:"reason"`
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Running  bool
	Workers  int
	QueueLen int
	QueueCap int
	InFlight int

	RatePerSec float64
	RetryMax   int

	Dropped          uint64
	DroppedQueueFull uint64
	DroppedStale     uint64

	History    []HistoryItem
	Goroutines []supervisor.Stats
}
