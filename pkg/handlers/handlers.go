// Package handlers implements the built-in resource types: file, exec, package, service
// and script.
//
// Handlers that run commands do so through a Runner, so the host's package manager and
// init system can be replaced in tests. Every handler snapshots a path through
// ApplyRequest.BackupPath before mutating it and makes no changes in dry-run mode.
package handlers

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/converge/pkg/config"
	"github.com/openfroyo/converge/pkg/engine"
)

// Built-in type names.
const (
	TypeFile    = "file"
	TypeExec    = "exec"
	TypePackage = "package"
	TypeService = "service"
	TypeScript  = "script"
)

// Options configures the built-in handlers.
type Options struct {
	// Runner executes commands. Defaults to ExecRunner.
	Runner Runner

	// Schemas validates parameters. Defaults to config.DefaultSchemas.
	Schemas *config.SchemaRegistry

	// ScriptTimeout bounds a single script evaluation. Defaults to 30s.
	ScriptTimeout time.Duration

	// ExecTimeout is the exec handler's default command timeout. Defaults to 5m.
	ExecTimeout time.Duration

	Logger zerolog.Logger
}

func (o Options) withDefaults() Options {
	if o.Runner == nil {
		o.Runner = ExecRunner{}
	}
	if o.Schemas == nil {
		o.Schemas = config.DefaultSchemas()
	}
	if o.ScriptTimeout <= 0 {
		o.ScriptTimeout = 30 * time.Second
	}
	if o.ExecTimeout <= 0 {
		o.ExecTimeout = 5 * time.Minute
	}
	return o
}

// RegisterBuiltins registers every built-in handler.
func RegisterBuiltins(registry *engine.Registry, opts Options) error {
	opts = opts.withDefaults()

	for name, h := range map[string]engine.Handler{
		TypeFile:    NewFileHandler(opts.Schemas),
		TypeExec:    NewExecHandler(opts.Runner, opts.Schemas, opts.ExecTimeout),
		TypePackage: NewPackageHandler(opts.Runner, opts.Schemas),
		TypeService: NewServiceHandler(opts.Runner, opts.Schemas),
		TypeScript:  NewScriptHandler(opts.Schemas, opts.ScriptTimeout, opts.Logger),
	} {
		if err := registry.Register(name, h); err != nil {
			return err
		}
	}
	return nil
}
