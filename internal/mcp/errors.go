package mcp

import (
	"errors"
	"fmt"

	"github.com/chjohnst/Tron/internal/action"
)

// ConfigError identifies the job (and action, when known) that caused a
// configuration to be rejected. Job is empty for global sections.
type ConfigError struct {
	Job    string
	Action string
	Err    error
}

func (e *ConfigError) Error() string {
	switch {
	case e.Job == "":
		return fmt.Sprintf("config: %v", e.Err)
	case e.Action == "":
		return fmt.Sprintf("job %q: %v", e.Job, e.Err)
	default:
		return fmt.Sprintf("job %q action %q: %v", e.Job, e.Action, e.Err)
	}
}

func (e *ConfigError) Unwrap() error { return e.Err }

// graphError attributes an action graph failure to the offending action.
func graphError(jobName string, err error) *ConfigError {
	ce := &ConfigError{Job: jobName, Err: err}
	var (
		dup     *action.DuplicateNameError
		unknown *action.UnknownDependencyError
		cycle   *action.CycleError
	)
	switch {
	case errors.As(err, &dup):
		ce.Action = dup.Name
	case errors.As(err, &unknown):
		ce.Action = unknown.Action
	case errors.As(err, &cycle):
		ce.Action = cycle.Action()
	}
	return ce
}

// ConfigErrors flattens a joined Apply/Validate error into its ConfigErrors.
func ConfigErrors(err error) []*ConfigError {
	if err == nil {
		return nil
	}
	var out []*ConfigError
	var walk func(error)
	walk = func(e error) {
		if ce, ok := e.(*ConfigError); ok {
			out = append(out, ce)
			return
		}
		if j, ok := e.(interface{ Unwrap() []error }); ok {
			for _, inner := range j.Unwrap() {
				walk(inner)
			}
			return
		}
		if inner := errors.Unwrap(e); inner != nil {
			walk(inner)
		}
	}
	walk(err)
	return out
}
