package commands

import (
	"errors"
	"fmt"

	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/policy"
)

// Exit codes returned by the froyo binary.
const (
	ExitError         = 1
	ExitRunFailed     = 2
	ExitUndefinedType = 3
	ExitPolicy        = 4
)

// exitError carries a process exit code.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

// ExitCode maps an error returned by Execute to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exitError
	if errors.As(err, &exitErr) {
		return exitErr.code
	}
	return ExitError
}

// describe turns engine errors into operator-facing errors with a distinct exit code.
func describe(err error) error {
	if err == nil {
		return nil
	}

	if typeName, ok := engine.UndefinedTypeName(err); ok {
		return &exitError{
			code: ExitUndefinedType,
			err:  fmt.Errorf("undefined resource type %q: no handler is installed for it; install one and re-run", typeName),
		}
	}

	if violations := policy.Violations(err); len(violations) > 0 {
		msg := fmt.Sprintf("run rejected by policy (%d violation(s))", len(violations))
		for _, v := range violations {
			msg += fmt.Sprintf("\n  [%s] %s: %s", v.Policy, v.Resource, v.Message)
		}
		return &exitError{code: ExitPolicy, err: errors.New(msg)}
	}

	return err
}
