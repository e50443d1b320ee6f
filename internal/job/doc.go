// Package job holds the run state machine, a job's run history and the
// JobScheduler registry entry that produces runs from a schedule strategy.
package job
