package handlers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"

	"github.com/openfroyo/converge/pkg/config"
	"github.com/openfroyo/converge/pkg/engine"
)

// ScriptHandler runs a Starlark program that converges a resource.
//
// The program, given inline as program or read from path, must define
//
//	def converge(args, dry_run):
//	    ...
//	    return {"changed": True, "message": "...", "diff": "..."}
//
// It may call read_file(path), file_exists(path) and write_file(path, content, mode="0644").
// write_file backs the path up before writing and does nothing in dry-run mode; it returns
// whether the content or mode would change. Changes made through write_file are reported
// even if converge returns None.
type ScriptHandler struct {
	schemas   *config.SchemaRegistry
	evaluator *StarlarkEvaluator
}

// NewScriptHandler creates a script handler.
func NewScriptHandler(schemas *config.SchemaRegistry, timeout time.Duration, logger zerolog.Logger) *ScriptHandler {
	return &ScriptHandler{
		schemas:   schemas,
		evaluator: NewStarlarkEvaluator(timeout, logger.With().Str("component", "script").Logger()),
	}
}

// Validate checks the parameters and, for inline programs, the syntax.
func (h *ScriptHandler) Validate(params map[string]interface{}) error {
	if err := h.schemas.ValidateParams(TypeScript, params); err != nil {
		return err
	}
	program, err := stringParam(params, "program", "")
	if err != nil {
		return err
	}
	path, err := stringParam(params, "path", "")
	if err != nil {
		return err
	}
	if (program == "") == (path == "") {
		return fmt.Errorf("exactly one of program or path is required")
	}
	if program != "" {
		if _, err := syntax.Parse("program", program, 0); err != nil {
			return fmt.Errorf("invalid program: %w", err)
		}
	}
	return nil
}

// Apply evaluates the program's converge function.
func (h *ScriptHandler) Apply(ctx context.Context, req *engine.ApplyRequest) (engine.ExecutionResult, error) {
	def := req.Definition
	filename := def.Ref().String()

	src, err := def.StringParam("program", "")
	if err != nil {
		return engine.ExecutionResult{}, err
	}
	if src == "" {
		path, err := def.StringParam("path", "")
		if err != nil {
			return engine.ExecutionResult{}, err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return engine.ExecutionResult{}, fmt.Errorf("failed to read script: %w", err)
		}
		src, filename = string(data), path
	}

	args, err := mapParam(def.Parameters, "args")
	if err != nil {
		return engine.ExecutionResult{}, err
	}
	starArgs, err := toStarlarkValue(args)
	if err != nil {
		return engine.ExecutionResult{}, fmt.Errorf("failed to convert args: %w", err)
	}

	env := &scriptEnv{ctx: ctx, req: req}
	value, err := h.evaluator.Call(ctx, filename, src, env.builtins(), "converge",
		starlark.Tuple{starArgs, starlark.Bool(req.DryRun)})
	if err != nil {
		return engine.ExecutionResult{}, err
	}

	return env.result(value)
}

// scriptEnv holds the state shared by the builtins of one evaluation.
type scriptEnv struct {
	ctx context.Context
	req *engine.ApplyRequest

	mu      sync.Mutex
	changes []string
}

func (e *scriptEnv) builtins() starlark.StringDict {
	return starlark.StringDict{
		"read_file":   starlark.NewBuiltin("read_file", e.readFile),
		"write_file":  starlark.NewBuiltin("write_file", e.writeFile),
		"file_exists": starlark.NewBuiltin("file_exists", e.fileExists),
	}
}

func (e *scriptEnv) readFile(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var path string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "path", &path); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	return starlark.String(data), nil
}

func (e *scriptEnv) fileExists(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var path string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "path", &path); err != nil {
		return nil, err
	}
	_, err := os.Stat(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	return starlark.Bool(err == nil), nil
}

func (e *scriptEnv) writeFile(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var path, content string
	mode := "0644"
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "path", &path, "content", &content, "mode?", &mode); err != nil {
		return nil, err
	}
	if !filepath.IsAbs(path) {
		return nil, fmt.Errorf("%s: path %q must be absolute", b.Name(), path)
	}
	m, err := strconv.ParseUint(mode, 8, 32)
	if err != nil || m > 0o7777 {
		return nil, fmt.Errorf("%s: invalid mode %q", b.Name(), mode)
	}
	perm := os.FileMode(m)

	current, err := os.ReadFile(path)
	exists := err == nil
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	if exists && bytes.Equal(current, []byte(content)) {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", b.Name(), err)
		}
		if info.Mode().Perm() == perm {
			return starlark.False, nil
		}
	}

	change := "write " + path
	if !exists {
		change = "create " + path
	}
	e.mu.Lock()
	e.changes = append(e.changes, change)
	e.mu.Unlock()

	if e.req.DryRun {
		return starlark.True, nil
	}

	if err := e.req.BackupPath(e.ctx, path); err != nil {
		return nil, err
	}
	if err := writeFileAtomic(path, []byte(content), perm); err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	return starlark.True, nil
}

// result converts the value returned by converge.
func (e *scriptEnv) result(value starlark.Value) (engine.ExecutionResult, error) {
	e.mu.Lock()
	diff := strings.Join(e.changes, "\n")
	e.mu.Unlock()

	out, err := fromStarlarkValue(value)
	if err != nil {
		return engine.ExecutionResult{}, fmt.Errorf("converge returned an invalid value: %w", err)
	}

	result := engine.ExecutionResult{Success: true, Diff: diff}
	switch v := out.(type) {
	case nil:
	case map[string]interface{}:
		if msg, ok := v["message"].(string); ok {
			result.Message = msg
		}
		if d, ok := v["diff"].(string); ok && d != "" {
			result.Diff = d
		}
		if changed, ok := v["changed"].(bool); ok && changed && result.Diff == "" {
			result.Diff = "changed"
		}
	default:
		return engine.ExecutionResult{}, fmt.Errorf("converge must return a dict or None, got %T", out)
	}

	if result.Message == "" {
		if result.Changed() {
			result.Message = "changed"
		} else {
			result.Message = "up to date"
		}
	}
	return result, nil
}
