package handlers

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/rs/zerolog"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// StarlarkEvaluator executes Starlark programs with a time limit.
type StarlarkEvaluator struct {
	timeout time.Duration
	logger  zerolog.Logger
}

// NewStarlarkEvaluator creates a new Starlark evaluator.
func NewStarlarkEvaluator(timeout time.Duration, logger zerolog.Logger) *StarlarkEvaluator {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &StarlarkEvaluator{
		timeout: timeout,
		logger:  logger,
	}
}

// Call executes a program and then calls the global function fn with args.
// The evaluation is cancelled when ctx is done or the timeout elapses.
func (se *StarlarkEvaluator) Call(ctx context.Context, filename, src string, predeclared starlark.StringDict, fn string, args starlark.Tuple) (starlark.Value, error) {
	evalCtx, cancel := context.WithTimeout(ctx, se.timeout)
	defer cancel()

	thread := &starlark.Thread{
		Name: filename,
		Print: func(_ *starlark.Thread, msg string) {
			se.logger.Debug().Str("script", filename).Msg(msg)
		},
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-evalCtx.Done():
			thread.Cancel(evalCtx.Err().Error())
		case <-done:
		}
	}()

	env := starlark.StringDict{"struct": starlark.NewBuiltin("struct", starlarkstruct.Make)}
	for k, v := range predeclared {
		env[k] = v
	}

	globals, err := starlark.ExecFile(thread, filename, src, env)
	if err != nil {
		return nil, se.wrap(evalCtx, err)
	}

	callable, ok := globals[fn].(starlark.Callable)
	if !ok {
		return nil, fmt.Errorf("%s does not define a %s function", filename, fn)
	}

	result, err := starlark.Call(thread, callable, args, nil)
	if err != nil {
		return nil, se.wrap(evalCtx, err)
	}
	return result, nil
}

func (se *StarlarkEvaluator) wrap(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("starlark execution timeout after %v", se.timeout)
	}
	var evalErr *starlark.EvalError
	if errors.As(err, &evalErr) {
		return fmt.Errorf("starlark execution failed: %s", evalErr.Backtrace())
	}
	return fmt.Errorf("starlark execution failed: %w", err)
}

// toStarlarkValue converts decoded definition parameters into Starlark values.
// Maps become dicts with sorted keys so scripts see a stable iteration order.
func toStarlarkValue(v interface{}) (starlark.Value, error) {
	switch val := v.(type) {
	case nil:
		return starlark.None, nil
	case starlark.Value:
		return val, nil
	case bool:
		return starlark.Bool(val), nil
	case string:
		return starlark.String(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case uint64:
		return starlark.MakeUint64(val), nil
	case float64:
		return starlark.Float(val), nil
	case []string:
		elems := make([]starlark.Value, len(val))
		for i, s := range val {
			elems[i] = starlark.String(s)
		}
		return starlark.NewList(elems), nil
	case []interface{}:
		elems := make([]starlark.Value, 0, len(val))
		for i, item := range val {
			elem, err := toStarlarkValue(item)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			elems = append(elems, elem)
		}
		return starlark.NewList(elems), nil
	case map[string]interface{}:
		dict := starlark.NewDict(len(val))
		for _, k := range slices.Sorted(maps.Keys(val)) {
			elem, err := toStarlarkValue(val[k])
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			if err := dict.SetKey(starlark.String(k), elem); err != nil {
				return nil, err
			}
		}
		return dict, nil
	}
	return nil, fmt.Errorf("cannot pass %T to a script", v)
}

// fromStarlarkValue converts a script result back into plain Go values.
// Tuples become slices and structs become maps.
func fromStarlarkValue(v starlark.Value) (interface{}, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.String:
		return string(val), nil
	case starlark.Float:
		return float64(val), nil
	case starlark.Int:
		if i, ok := val.Int64(); ok {
			return i, nil
		}
		return nil, fmt.Errorf("integer %s overflows int64", val)
	case starlark.Tuple:
		return fromIterable(val)
	case *starlark.List:
		return fromIterable(val)
	case *starlark.Dict:
		out := make(map[string]interface{}, val.Len())
		for _, kv := range val.Items() {
			key, ok := starlark.AsString(kv[0])
			if !ok {
				return nil, fmt.Errorf("dict key %s is not a string", kv[0])
			}
			elem, err := fromStarlarkValue(kv[1])
			if err != nil {
				return nil, fmt.Errorf("%s: %w", key, err)
			}
			out[key] = elem
		}
		return out, nil
	case *starlarkstruct.Struct:
		fields := starlark.StringDict{}
		val.ToStringDict(fields)
		out := make(map[string]interface{}, len(fields))
		for name, field := range fields {
			elem, err := fromStarlarkValue(field)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", name, err)
			}
			out[name] = elem
		}
		return out, nil
	}
	return nil, fmt.Errorf("cannot return a %s from a script", v.Type())
}

func fromIterable(seq starlark.Indexable) ([]interface{}, error) {
	out := make([]interface{}, seq.Len())
	for i := range out {
		elem, err := fromStarlarkValue(seq.Index(i))
		if err != nil {
			return nil, fmt.Errorf("[%d]: %w", i, err)
		}
		out[i] = elem
	}
	return out, nil
}
