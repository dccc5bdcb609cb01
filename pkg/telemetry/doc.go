// Package telemetry provides logging, tracing, metrics, and events for froyo.
//
// Structured logging uses zerolog, tracing uses OpenTelemetry, metrics are exported for
// Prometheus, and events fan out to in-process subscribers.
//
// # Usage
//
// Build the bundle once at startup and shut it down on exit:
//
//	cfg := telemetry.DefaultConfig()
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
// # Converger Integration
//
// RunObserver implements engine.Observer. Register it on the converger to get a
// "run.converge" span per run with a "node.apply" child per handler call, run and
// node metrics, and a stream of run.* and node.* events:
//
//	conv := engine.NewConverger(engine.ConvergerConfig{
//	    Registry:  registry,
//	    Backupper: telemetry.InstrumentBackupper(manager, tel.Metrics),
//	    Observers: []engine.Observer{tel.Observer()},
//	})
//
// The context passed to handlers carries a logger scoped to the run and resource, so
// handlers can call telemetry.FromContext(ctx).
//
// # Metrics
//
// All metrics live under the configured namespace (default "froyo"):
//
//	runs_started_total, runs_completed_total{status}, run_duration_seconds{status},
//	active_runs, nodes_total{type,status}, node_duration_seconds{type},
//	backups_total{result}, backup_bytes_total, errors_by_code_total{code}
//
// A disabled Metrics records nothing. StartMetricsServer serves the registry over HTTP
// until its context is cancelled.
//
// # Tracing
//
// Exporters: "none" (spans are created and dropped), "stdout" for local debugging, and
// "otlp" for an OTLP gRPC collector.
//
// # Events
//
// EventPublisher delivers events from a single goroutine, so every subscriber sees
// them in publish order. Publish never blocks; it returns an error when the buffer
// is full.
package telemetry
