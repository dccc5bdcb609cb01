package telemetry_test

import (
	"context"
	"fmt"
	"io"

	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/telemetry"
)

// Example_runObserver shows a converger reporting to the telemetry bundle.
func Example_runObserver() {
	cfg := telemetry.DefaultConfig()
	cfg.Logging.Writer = io.Discard

	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		panic(err)
	}

	tel.Events.SubscribeWithFilter(func(e telemetry.Event) {
		fmt.Println(e.Type, e.Resource)
	}, telemetry.FilterByType(telemetry.EventTypeNodeFinished, telemetry.EventTypeRunCompleted))

	registry := engine.NewRegistry()
	registry.MustRegister("noop", engine.HandlerFunc(func(ctx context.Context, req *engine.ApplyRequest) (engine.ExecutionResult, error) {
		return engine.ExecutionResult{Message: "ok", Success: true}, nil
	}))

	conv := engine.NewConverger(engine.ConvergerConfig{
		Registry:  registry,
		Observers: []engine.Observer{tel.Observer()},
	})

	if _, err := conv.Run(context.Background(), []engine.Definition{
		engine.NewDefinition("noop", "a", nil),
	}); err != nil {
		panic(err)
	}

	_ = tel.Shutdown(context.Background())

	// Output:
	// node.finished noop[a]
	// run.completed
}

// Example_eventFilters demonstrates filtered subscriptions.
func Example_eventFilters() {
	events, _ := telemetry.NewEventPublisher(telemetry.EventsConfig{Enabled: true, BufferSize: 10})

	events.SubscribeWithFilter(func(e telemetry.Event) {
		fmt.Println("error:", e.Message)
	}, telemetry.FilterByLevel(telemetry.EventLevelError))

	_ = events.Publish(telemetry.Event{Type: telemetry.EventTypeNodeFinished, Message: "file[/etc/motd] written"})
	_ = events.Publish(telemetry.Event{Type: telemetry.EventTypeNodeFailed, Message: "disk full", Level: telemetry.EventLevelError})

	_ = events.Shutdown(context.Background())

	// Output:
	// error: disk full
}
