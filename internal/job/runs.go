package job

import (
	"fmt"
	"sync"
)

// RunCollection is a job's run history, newest first. Run numbers strictly
// decrease from front to back.
type RunCollection struct {
	mu   sync.RWMutex
	runs []*Run
}

// Prepend adds r at the front. r must be numbered above the current front.
func (c *RunCollection) Prepend(r *Run) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.runs) > 0 && r.number <= c.runs[0].number {
		return fmt.Errorf("run %s: number must exceed newest run %d", r.ID(), c.runs[0].number)
	}
	c.runs = append(c.runs, nil)
	copy(c.runs[1:], c.runs)
	c.runs[0] = r
	return nil
}

// Remove drops r from the collection; it reports whether r was present.
func (c *RunCollection) Remove(r *Run) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, x := range c.runs {
		if x == r {
			c.runs = append(c.runs[:i], c.runs[i+1:]...)
			return true
		}
	}
	return false
}

// Runs returns a copy, newest first.
func (c *RunCollection) Runs() []*Run {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]*Run(nil), c.runs...)
}

func (c *RunCollection) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.runs)
}

// Get returns the run with the given number.
func (c *RunCollection) Get(number int) *Run {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, r := range c.runs {
		if r.number == number {
			return r
		}
	}
	return nil
}

// Last returns the newest run.
func (c *RunCollection) Last() *Run {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.runs) == 0 {
		return nil
	}
	return c.runs[0]
}

// Scheduled returns runs in the Scheduled state, newest first.
func (c *RunCollection) Scheduled() []*Run {
	return c.filter(func(s RunState) bool { return s == Scheduled })
}

// Pending returns runs in Scheduled or Starting, newest first.
func (c *RunCollection) Pending() []*Run {
	return c.filter(func(s RunState) bool { return s == Scheduled || s == Starting })
}

// Active returns runs in Starting or Running, newest first.
func (c *RunCollection) Active() []*Run {
	return c.filter(func(s RunState) bool { return s == Starting || s == Running })
}

// Head returns the oldest Scheduled run: the next one due to start.
func (c *RunCollection) Head() *Run {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for i := len(c.runs) - 1; i >= 0; i-- {
		if c.runs[i].State() == Scheduled {
			return c.runs[i]
		}
	}
	return nil
}

// Trim drops the oldest terminal runs beyond keep entries.
func (c *RunCollection) Trim(keep int) int {
	if keep <= 0 {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	dropped := 0
	for i := len(c.runs) - 1; i >= 0 && len(c.runs) > keep; i-- {
		if c.runs[i].State().Terminal() {
			c.runs = append(c.runs[:i], c.runs[i+1:]...)
			dropped++
		}
	}
	return dropped
}

func (c *RunCollection) filter(keep func(RunState) bool) []*Run {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []*Run
	for _, r := range c.runs {
		if keep(r.State()) {
			out = append(out, r)
		}
	}
	return out
}
