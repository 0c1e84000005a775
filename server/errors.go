package server

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
)

// Configuration errors. They are detected before anything is launched and
// are always fatal. Every problem carries one of the kind marks below and
// also matches ErrConfig.
var (
	ErrConfig                = errors.New("invalid stack")
	ErrCyclicDependency      = errors.New("cyclic dependency")
	ErrUnknownPrerequisite   = errors.New("unknown prerequisite")
	ErrConflictingConditions = errors.New("conflicting conditions")
	ErrUnknownResource       = errors.New("unknown resource")
)

// Runtime errors, scoped to a single service and its dependents.
var (
	ErrLaunch          = errors.New("launch failed")
	ErrProbe           = errors.New("readiness probe failed")
	ErrUnexpectedExit  = errors.New("unexpected exit")
	ErrStartupTimeout  = errors.New("startup timeout")
	ErrUnknownService  = errors.New("unknown service")
	ErrAlreadyStarted  = errors.New("already started")
	ErrBackendRequired = errors.New("no launch backend configured")
)

// Problem is a single validation failure.
type Problem struct {
	Kind    error
	Message string
}

// ConfigError aggregates every problem found while validating a stack so
// they can all be fixed in one pass.
type ConfigError struct {
	Problems []Problem
}

func (e *ConfigError) Error() string {
	if len(e.Problems) == 1 {
		return e.Problems[0].Message
	}
	msgs := make([]string, len(e.Problems))
	for i, p := range e.Problems {
		msgs[i] = p.Message
	}
	return fmt.Sprintf("%d problems:\n  %s", len(e.Problems), strings.Join(msgs, "\n  "))
}

// Is matches ErrConfig and the kind of any contained problem.
func (e *ConfigError) Is(target error) bool {
	if target == ErrConfig {
		return true
	}
	for _, p := range e.Problems {
		if p.Kind == target {
			return true
		}
	}
	return false
}

func (e *ConfigError) add(kind error, format string, args ...any) {
	e.Problems = append(e.Problems, Problem{Kind: kind, Message: fmt.Sprintf(format, args...)})
}

func (e *ConfigError) orNil() error {
	if len(e.Problems) == 0 {
		return nil
	}
	return e
}

// launchError wraps a backend start failure.
func launchError(service string, err error) error {
	return errors.Mark(errors.Wrapf(err, "launch %s", service), ErrLaunch)
}
