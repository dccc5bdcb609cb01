package handlers

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/openfroyo/converge/pkg/config"
	"github.com/openfroyo/converge/pkg/engine"
)

// PackageHandler manages system packages.
//
// Parameters: name, ensure (present|absent|latest, default present), version, manager
// (apt|dnf|yum|zypper, detected when omitted).
type PackageHandler struct {
	runner  Runner
	schemas *config.SchemaRegistry

	detectOnce sync.Once
	detected   string
	detectErr  error

	// The package database is locked by the manager, so installs are serialized.
	mu sync.Mutex
}

// NewPackageHandler creates a package handler.
func NewPackageHandler(runner Runner, schemas *config.SchemaRegistry) *PackageHandler {
	return &PackageHandler{runner: runner, schemas: schemas}
}

// Validate checks the parameters against the package schema.
func (h *PackageHandler) Validate(params map[string]interface{}) error {
	if err := h.schemas.ValidateParams(TypePackage, params); err != nil {
		return err
	}
	ensure, err := stringParam(params, "ensure", "present")
	if err != nil {
		return err
	}
	version, err := stringParam(params, "version", "")
	if err != nil {
		return err
	}
	if version != "" && ensure != "present" {
		return fmt.Errorf("version can only be pinned with ensure=present")
	}
	return nil
}

// Apply ensures the package is in the desired state.
func (h *PackageHandler) Apply(ctx context.Context, req *engine.ApplyRequest) (engine.ExecutionResult, error) {
	def := req.Definition
	if err := argName("package", def.Name); err != nil {
		return engine.ExecutionResult{}, err
	}
	ensure, err := def.StringParam("ensure", "present")
	if err != nil {
		return engine.ExecutionResult{}, err
	}
	version, err := def.StringParam("version", "")
	if err != nil {
		return engine.ExecutionResult{}, err
	}
	if strings.HasPrefix(version, "-") {
		return engine.ExecutionResult{}, fmt.Errorf("package version %q must not start with '-'", version)
	}
	manager, err := def.StringParam("manager", "")
	if err != nil {
		return engine.ExecutionResult{}, err
	}
	if manager == "" {
		if manager, err = h.detectManager(); err != nil {
			return engine.ExecutionResult{}, err
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	installed, current, err := h.query(ctx, manager, def.Name)
	if err != nil {
		return engine.ExecutionResult{}, fmt.Errorf("failed to check package status: %w", err)
	}

	var action, diff string
	var args []string
	switch ensure {
	case "present":
		switch {
		case !installed:
			action, args = "installed", installArgs(manager, def.Name, version)
			diff = "install " + pkgSpec(manager, def.Name, version)
		case version != "" && !strings.HasPrefix(current, version):
			action, args = "installed", installArgs(manager, def.Name, version)
			diff = fmt.Sprintf("version %s -> %s", current, version)
		default:
			return engine.ExecutionResult{Success: true, Message: "already present at " + current}, nil
		}

	case "absent":
		if !installed {
			return engine.ExecutionResult{Success: true, Message: "already absent"}, nil
		}
		action, args = "removed", []string{"remove", "-y", def.Name}
		diff = "remove " + def.Name + " " + current

	case "latest":
		if !installed {
			action, args = "installed", installArgs(manager, def.Name, "")
			diff = "install " + def.Name
		} else {
			if req.DryRun {
				return engine.ExecutionResult{Success: true, Message: "installed at " + current + ", upgrades are not checked in dry-run"}, nil
			}
			action, args = "upgraded", upgradeArgs(manager, def.Name)
		}

	default:
		return engine.ExecutionResult{}, fmt.Errorf("invalid ensure: %s", ensure)
	}

	if req.DryRun {
		return engine.ExecutionResult{Success: true, Message: "would be " + action, Diff: diff}, nil
	}

	res, err := h.runner.Run(ctx, Command{Name: manager, Args: args})
	if err != nil {
		return engine.ExecutionResult{}, err
	}
	if res.ExitCode != 0 {
		return engine.ExecutionResult{
			Success: false,
			Message: fmt.Sprintf("%s exited with status %d: %s", manager, res.ExitCode, lastLine(res.Stderr)),
		}, nil
	}

	_, after, _ := h.query(ctx, manager, def.Name)
	if action == "upgraded" {
		if after == current {
			return engine.ExecutionResult{Success: true, Message: "already latest at " + current}, nil
		}
		diff = fmt.Sprintf("version %s -> %s", current, after)
	}
	msg := action
	if after != "" && ensure != "absent" {
		msg += " " + after
	}
	return engine.ExecutionResult{Success: true, Message: msg, Diff: diff}, nil
}

// query reports whether the package is installed and its version.
func (h *PackageHandler) query(ctx context.Context, manager, name string) (bool, string, error) {
	var cmd Command
	switch manager {
	case "apt":
		cmd = Command{Name: "dpkg-query", Args: []string{"-W", "-f=${Version}", name}}
	case "dnf", "yum", "zypper":
		cmd = Command{Name: "rpm", Args: []string{"-q", "--queryformat", "%{VERSION}-%{RELEASE}", name}}
	default:
		return false, "", fmt.Errorf("unsupported package manager: %s", manager)
	}

	res, err := h.runner.Run(ctx, cmd)
	if err != nil {
		return false, "", err
	}
	if res.ExitCode != 0 {
		return false, "", nil
	}
	return true, strings.TrimSpace(res.Stdout), nil
}

func (h *PackageHandler) detectManager() (string, error) {
	h.detectOnce.Do(func() {
		for _, mgr := range []string{"apt", "dnf", "yum", "zypper"} {
			if _, err := h.runner.LookPath(mgr); err == nil {
				h.detected = mgr
				return
			}
		}
		h.detectErr = fmt.Errorf("no supported package manager found")
	})
	return h.detected, h.detectErr
}

func pkgSpec(manager, name, version string) string {
	if version == "" {
		return name
	}
	switch manager {
	case "apt":
		return name + "=" + version
	case "dnf", "yum":
		return name + "-" + version
	case "zypper":
		return name + "=" + version
	}
	return name
}

func installArgs(manager, name, version string) []string {
	return []string{"install", "-y", pkgSpec(manager, name, version)}
}

func upgradeArgs(manager, name string) []string {
	switch manager {
	case "apt":
		return []string{"install", "--only-upgrade", "-y", name}
	case "zypper":
		return []string{"update", "-y", name}
	}
	return []string{"upgrade", "-y", name}
}
