// Package engine provides the core types and interfaces for the convergence engine.
//
// # Overview
//
// The engine takes a flat set of desired-state definitions, orders them by their declared
// dependencies and applies each one through a pluggable handler. A run proceeds in two
// phases:
//
//  1. Prepare - Build the dependency graph, resolve every resource type and run the
//     preflight hooks. Nothing is mutated in this phase.
//  2. Execute - Walk the graph with a bounded worker pool, snapshotting paths before
//     handlers mutate them, and aggregate one result per definition.
//
// # Core Domain Types
//
//   - Definition: A desired-state declaration identified by (type, name)
//   - Ref: A (type, name) reference used for dependencies
//   - ExecutionResult: The outcome a handler reports for one definition
//   - BackupRecord: A pre-mutation snapshot taken under a run ID
//   - NodeResult: The terminal status of one definition within a run
//   - RunReport: The aggregated outcome of a run
//
// # Handlers
//
// Resource types are implemented by handlers registered in a Registry:
//
//	type Handler interface {
//	    Validate(params map[string]interface{}) error
//	    Apply(ctx context.Context, req *ApplyRequest) (ExecutionResult, error)
//	}
//
// A handler must call req.BackupPath before mutating a path. If the backup fails the
// handler must not proceed.
//
// # Error Classification
//
// Graph build errors (definition conflict, unresolved dependency, dependency cycle) and
// undefined types abort the run before any handler is invoked:
//
//	report, err := converger.Run(ctx, defs)
//	if name, ok := engine.UndefinedTypeName(err); ok {
//	    // install the handler for name and run again
//	}
//
// Invalid parameters and handler failures only fail the node concerned; its transitive
// dependents are reported as skipped and unrelated nodes keep converging.
//
// # Thread Safety
//
// The Registry may be shared across goroutines and is frozen once execution begins.
// Handlers are invoked concurrently for independent definitions and must be safe for
// concurrent use.
package engine
