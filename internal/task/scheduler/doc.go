// Package scheduler is the timer side of the scheduler: it keeps one timer per
// registered job, armed for the job's head Scheduled run.
//
// When a timer fires the run is moved to Starting and handed to the
// dispatcher; execution happens in internal/task/engine. The service then
// arms the job again for its next run. Timers carry a version so callbacks
// from a replaced or stopped timer are ignored.
package scheduler
