package handlers

import (
	"context"
	"fmt"
	"strings"

	"github.com/openfroyo/converge/pkg/config"
	"github.com/openfroyo/converge/pkg/engine"
)

// ServiceHandler manages systemd units.
//
// Parameters: name, ensure (running|stopped), enabled (bool). Omitted parameters are
// left as they are.
type ServiceHandler struct {
	runner  Runner
	schemas *config.SchemaRegistry
}

// NewServiceHandler creates a service handler.
func NewServiceHandler(runner Runner, schemas *config.SchemaRegistry) *ServiceHandler {
	return &ServiceHandler{runner: runner, schemas: schemas}
}

// Validate checks the parameters against the service schema.
func (h *ServiceHandler) Validate(params map[string]interface{}) error {
	return h.schemas.ValidateParams(TypeService, params)
}

// Apply converges the unit's active and enabled state.
func (h *ServiceHandler) Apply(ctx context.Context, req *engine.ApplyRequest) (engine.ExecutionResult, error) {
	def := req.Definition
	if err := argName("service", def.Name); err != nil {
		return engine.ExecutionResult{}, err
	}
	ensure, err := def.StringParam("ensure", "")
	if err != nil {
		return engine.ExecutionResult{}, err
	}
	enabled, enabledSet, err := boolParam(def.Parameters, "enabled")
	if err != nil {
		return engine.ExecutionResult{}, err
	}

	active, isEnabled, err := h.status(ctx, def.Name)
	if err != nil {
		return engine.ExecutionResult{}, fmt.Errorf("failed to get service status: %w", err)
	}

	var actions, changes []string
	switch {
	case ensure == "running" && !active:
		actions = append(actions, "start")
		changes = append(changes, "stopped -> running")
	case ensure == "stopped" && active:
		actions = append(actions, "stop")
		changes = append(changes, "running -> stopped")
	}
	switch {
	case enabledSet && enabled && !isEnabled:
		actions = append(actions, "enable")
		changes = append(changes, "disabled -> enabled")
	case enabledSet && !enabled && isEnabled:
		actions = append(actions, "disable")
		changes = append(changes, "enabled -> disabled")
	}

	if len(actions) == 0 {
		return engine.ExecutionResult{Success: true, Message: "up to date"}, nil
	}

	diff := strings.Join(changes, "\n")
	if req.DryRun {
		return engine.ExecutionResult{Success: true, Message: "would " + strings.Join(actions, ", "), Diff: diff}, nil
	}

	for _, action := range actions {
		res, err := h.runner.Run(ctx, Command{Name: "systemctl", Args: []string{action, def.Name}})
		if err != nil {
			return engine.ExecutionResult{}, fmt.Errorf("failed to %s service: %w", action, err)
		}
		if res.ExitCode != 0 {
			return engine.ExecutionResult{
				Success: false,
				Message: fmt.Sprintf("systemctl %s exited with status %d: %s", action, res.ExitCode, lastLine(res.Stderr)),
			}, nil
		}
	}

	return engine.ExecutionResult{Success: true, Message: strings.Join(actions, ", "), Diff: diff}, nil
}

// status reports whether the unit is active and enabled.
func (h *ServiceHandler) status(ctx context.Context, name string) (active, enabled bool, err error) {
	res, err := h.runner.Run(ctx, Command{Name: "systemctl", Args: []string{"is-active", name}})
	if err != nil {
		return false, false, err
	}
	active = strings.TrimSpace(res.Stdout) == "active"

	res, err = h.runner.Run(ctx, Command{Name: "systemctl", Args: []string{"is-enabled", name}})
	if err != nil {
		return false, false, err
	}
	enabled = strings.TrimSpace(res.Stdout) == "enabled"
	return active, enabled, nil
}
