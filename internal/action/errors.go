package action

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidGraph = errors.New("invalid action graph")
	ErrCycle        = errors.New("cycle detected")
)

// DuplicateNameError is returned when two actions share a name.
type DuplicateNameError struct {
	Name string
}

func (e *DuplicateNameError) Error() string {
	return fmt.Sprintf("%s: duplicate action name %q", ErrInvalidGraph, e.Name)
}

func (e *DuplicateNameError) Unwrap() error { return ErrInvalidGraph }

// UnknownDependencyError is returned when an action requires a name that is
// not part of the same graph.
type UnknownDependencyError struct {
	Action   string
	Requires string
}

func (e *UnknownDependencyError) Error() string {
	return fmt.Sprintf("%s: action %q requires unknown action %q", ErrInvalidGraph, e.Action, e.Requires)
}

func (e *UnknownDependencyError) Unwrap() error { return ErrInvalidGraph }

// CycleError carries one deterministic witness path (first == last).
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	if len(e.Path) == 0 {
		return ErrCycle.Error()
	}
	return fmt.Sprintf("%s: %s", ErrCycle, strings.Join(e.Path, " -> "))
}

func (e *CycleError) Is(target error) bool {
	return target == ErrCycle || target == ErrInvalidGraph
}

// Action reports the first action on the cycle path.
func (e *CycleError) Action() string {
	if len(e.Path) == 0 {
		return ""
	}
	return e.Path[0]
}

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInvalidGraph}, args...)...)
}
