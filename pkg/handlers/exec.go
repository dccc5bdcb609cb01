package handlers

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/openfroyo/converge/pkg/config"
	"github.com/openfroyo/converge/pkg/engine"
)

const shell = "/bin/sh"

// ExecHandler runs a shell command unless a guard says it is already done.
//
// Parameters: command (defaults to name), creates (skip when the path exists), unless
// (skip when this command exits 0), cwd, env, timeout.
type ExecHandler struct {
	runner         Runner
	schemas        *config.SchemaRegistry
	defaultTimeout time.Duration
}

// NewExecHandler creates an exec handler.
func NewExecHandler(runner Runner, schemas *config.SchemaRegistry, defaultTimeout time.Duration) *ExecHandler {
	return &ExecHandler{runner: runner, schemas: schemas, defaultTimeout: defaultTimeout}
}

// Validate checks the parameters against the exec schema.
func (h *ExecHandler) Validate(params map[string]interface{}) error {
	if err := h.schemas.ValidateParams(TypeExec, params); err != nil {
		return err
	}
	_, err := h.parse(params)
	return err
}

type execParams struct {
	command string
	creates string
	unless  string
	cwd     string
	env     []string
	timeout time.Duration
}

func (h *ExecHandler) parse(params map[string]interface{}) (execParams, error) {
	var p execParams
	var err error

	name, err := stringParam(params, engine.NameParameter, "")
	if err != nil {
		return p, err
	}
	if p.command, err = stringParam(params, "command", name); err != nil {
		return p, err
	}
	if strings.TrimSpace(p.command) == "" {
		return p, fmt.Errorf("command is required")
	}
	if p.creates, err = stringParam(params, "creates", ""); err != nil {
		return p, err
	}
	if p.unless, err = stringParam(params, "unless", ""); err != nil {
		return p, err
	}
	if p.cwd, err = stringParam(params, "cwd", ""); err != nil {
		return p, err
	}
	if p.env, err = envParam(params, "env"); err != nil {
		return p, err
	}
	if p.timeout, err = durationParam(params, "timeout", h.defaultTimeout); err != nil {
		return p, err
	}
	return p, nil
}

// Apply runs the command when its guards allow it.
func (h *ExecHandler) Apply(ctx context.Context, req *engine.ApplyRequest) (engine.ExecutionResult, error) {
	p, err := h.parse(req.Definition.Parameters)
	if err != nil {
		return engine.ExecutionResult{}, err
	}

	if p.creates != "" {
		_, err := os.Stat(p.creates)
		if err == nil {
			return engine.ExecutionResult{Success: true, Message: p.creates + " exists"}, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return engine.ExecutionResult{}, fmt.Errorf("failed to stat %s: %w", p.creates, err)
		}
	}

	if p.unless != "" {
		res, err := h.run(ctx, p, p.unless)
		if err != nil {
			return engine.ExecutionResult{}, fmt.Errorf("unless guard: %w", err)
		}
		if res.ExitCode == 0 {
			return engine.ExecutionResult{Success: true, Message: "unless guard passed"}, nil
		}
	}

	diff := "run: " + p.command
	if req.DryRun {
		return engine.ExecutionResult{Success: true, Message: "would run", Diff: diff}, nil
	}

	res, err := h.run(ctx, p, p.command)
	if err != nil {
		return engine.ExecutionResult{}, err
	}
	if res.ExitCode != 0 {
		return engine.ExecutionResult{
			Success: false,
			Message: fmt.Sprintf("command exited with status %d: %s", res.ExitCode, lastLine(res.Stderr)),
		}, nil
	}
	return engine.ExecutionResult{
		Success: true,
		Message: fmt.Sprintf("ran in %s", res.Duration.Round(time.Millisecond)),
		Diff:    diff,
	}, nil
}

func (h *ExecHandler) run(ctx context.Context, p execParams, command string) (CommandResult, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var env []string
	if len(p.env) > 0 {
		env = append(os.Environ(), p.env...)
	}

	res, err := h.runner.Run(ctx, Command{
		Name: shell,
		Args: []string{"-c", command},
		Dir:  p.cwd,
		Env:  env,
	})
	if err != nil && ctx.Err() == context.DeadlineExceeded {
		return res, fmt.Errorf("command timed out after %s: %w", p.timeout, err)
	}
	return res, err
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
