package policy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openfroyo/converge/pkg/engine"
)

func newTestEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()

	logger := zerolog.New(nil).Level(zerolog.Disabled)
	eng, err := NewEngine(logger, opts...)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	return eng
}

func writePolicy(t *testing.T, dir, name, content string) string {
	t.Helper()

	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write policy: %v", err)
	}
	return path
}

func TestNewEngine(t *testing.T) {
	eng := newTestEngine(t)

	policies := eng.ListPolicies()
	expected := []string{"absolute-file-paths", "idempotent-exec", "protected-paths"}
	if len(policies) != len(expected) {
		t.Fatalf("Expected %d built-in policies, got: %d", len(expected), len(policies))
	}
	for i, p := range policies {
		if p.Name != expected[i] {
			t.Errorf("policies[%d]: expected %s, got: %s", i, expected[i], p.Name)
		}
		if !p.Builtin || !p.Enabled {
			t.Errorf("Expected %s to be an enabled built-in", p.Name)
		}
	}

	if got := newTestEngine(t, WithoutBuiltins()).ListPolicies(); len(got) != 0 {
		t.Errorf("Expected no policies, got: %d", len(got))
	}
}

func TestEvaluate_BuiltinPolicies(t *testing.T) {
	eng := newTestEngine(t)

	tests := []struct {
		name          string
		def           engine.Definition
		expectAllowed bool
		violations    int
		warnings      int
		policy        string
	}{
		{
			name:          "absolute file path",
			def:           engine.NewDefinition("file", "/etc/motd", map[string]interface{}{"content": "hi"}),
			expectAllowed: true,
		},
		{
			name:          "relative file path",
			def:           engine.NewDefinition("file", "etc/motd", nil),
			expectAllowed: false,
			violations:    1,
			policy:        "absolute-file-paths",
		},
		{
			name:          "relative script path",
			def:           engine.NewDefinition("script", "tune", map[string]interface{}{"path": "scripts/tune.star"}),
			expectAllowed: false,
			violations:    1,
			policy:        "absolute-file-paths",
		},
		{
			name:          "shadow file",
			def:           engine.NewDefinition("file", "/etc/shadow", nil),
			expectAllowed: false,
			violations:    1,
			policy:        "protected-paths",
		},
		{
			name:          "file under boot",
			def:           engine.NewDefinition("file", "/boot/grub/grub.cfg", nil),
			expectAllowed: false,
			violations:    1,
			policy:        "protected-paths",
		},
		{
			name:          "unguarded exec",
			def:           engine.NewDefinition("exec", "reload", map[string]interface{}{"command": "systemctl reload nginx"}),
			expectAllowed: true,
			warnings:      1,
			policy:        "idempotent-exec",
		},
		{
			name:          "guarded exec",
			def:           engine.NewDefinition("exec", "init", map[string]interface{}{"command": "touch /tmp/x", "creates": "/tmp/x"}),
			expectAllowed: true,
		},
		{
			name:          "unrelated type",
			def:           engine.NewDefinition("service", "nginx", map[string]interface{}{"ensure": "running"}),
			expectAllowed: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := eng.EvaluateDefinition(context.Background(), tt.def, Context{RunID: "run-1"})
			if err != nil {
				t.Fatalf("Evaluation failed: %v", err)
			}

			if result.Allowed != tt.expectAllowed {
				t.Errorf("Expected allowed=%v, got %v. Violations: %+v",
					tt.expectAllowed, result.Allowed, result.Violations)
			}
			if len(result.Violations) != tt.violations {
				t.Errorf("Expected %d violations, got: %+v", tt.violations, result.Violations)
			}
			if len(result.Warnings) != tt.warnings {
				t.Errorf("Expected %d warnings, got: %+v", tt.warnings, result.Warnings)
			}

			all := append(append([]Violation{}, result.Violations...), result.Warnings...)
			for _, v := range all {
				if v.Policy != tt.policy {
					t.Errorf("Expected violation of %s, got: %s", tt.policy, v.Policy)
				}
				if v.Resource != tt.def.Ref().String() {
					t.Errorf("Expected resource %s, got: %s", tt.def.Ref(), v.Resource)
				}
			}
		})
	}
}

func TestLoadPolicies_Custom(t *testing.T) {
	eng := newTestEngine(t, WithoutBuiltins())
	dir := t.TempDir()

	writePolicy(t, dir, "no-tmp.rego", `package custom.tmp

import rego.v1

# Files under /tmp are not managed

deny contains violation if {
	startswith(input.definition.name, "/tmp/")
	violation := {
		"message": sprintf("%s is under /tmp", [input.definition.name]),
		"severity": "error",
		"ticket": "OPS-12",
	}
}
`)

	if err := eng.LoadPolicies(context.Background(), []string{dir}); err != nil {
		t.Fatalf("Failed to load policies: %v", err)
	}

	p, err := eng.GetPolicy("no-tmp")
	if err != nil {
		t.Fatalf("Failed to get policy: %v", err)
	}
	if p.Description != "Files under /tmp are not managed" {
		t.Errorf("Unexpected description: %q", p.Description)
	}

	result, err := eng.EvaluateDefinition(context.Background(), engine.NewDefinition("file", "/tmp/x", nil), Context{})
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}
	if result.Allowed {
		t.Fatal("Expected definition to be denied")
	}
	v := result.Violations[0]
	if v.Message != "/tmp/x is under /tmp" {
		t.Errorf("Unexpected message: %q", v.Message)
	}
	if v.Details["ticket"] != "OPS-12" {
		t.Errorf("Expected ticket detail, got: %v", v.Details)
	}
}

func TestLoadPolicies_ContextInput(t *testing.T) {
	eng := newTestEngine(t, WithoutBuiltins())
	dir := t.TempDir()

	writePolicy(t, dir, "dry-run-only.rego", `package custom.dryrun

import rego.v1

deny contains "package changes require a dry run first" if {
	input.definition.type == "package"
	not input.context.dry_run
}
`)
	if err := eng.LoadPolicies(context.Background(), []string{dir}); err != nil {
		t.Fatalf("Failed to load policies: %v", err)
	}

	def := engine.NewDefinition("package", "nginx", map[string]interface{}{"ensure": "present"})

	result, err := eng.EvaluateDefinition(context.Background(), def, Context{DryRun: true})
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}
	if len(result.Warnings)+len(result.Violations) != 0 {
		t.Errorf("Expected no findings in dry run, got: %+v", result)
	}

	result, err = eng.EvaluateDefinition(context.Background(), def, Context{})
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}
	// string entries take the policy default severity
	if len(result.Warnings) != 1 || result.Warnings[0].Severity != SeverityWarning {
		t.Errorf("Expected one warning, got: %+v", result)
	}
}

func TestLoadPolicies_CompileErrorKeepsPrevious(t *testing.T) {
	eng := newTestEngine(t)
	dir := t.TempDir()

	good := writePolicy(t, dir, "good.rego", `package custom.good

import rego.v1

deny contains "never" if false
`)
	if err := eng.LoadPolicies(context.Background(), []string{good}); err != nil {
		t.Fatalf("Failed to load policies: %v", err)
	}

	bad := writePolicy(t, dir, "bad.rego", `package custom.bad

deny contains x if {`)
	if err := eng.LoadPolicies(context.Background(), []string{bad}); err == nil {
		t.Fatal("Expected compile error, got nil")
	}

	if _, err := eng.GetPolicy("good"); err != nil {
		t.Errorf("Expected previous policies to survive a failed load: %v", err)
	}
	if got := eng.Paths(); len(got) != 1 || got[0] != good {
		t.Errorf("Expected paths to be unchanged, got: %v", got)
	}
}

func TestSetPolicies_Errors(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	shadow := Policy{Name: "protected-paths", Rego: "package x\n\ndeny := set()", Enabled: true}
	if err := eng.SetPolicies(ctx, []Policy{shadow}); err == nil {
		t.Error("Expected error for shadowing a built-in, got nil")
	}

	p := Policy{Name: "dup", Rego: "package x\n\ndeny := set()", Enabled: true}
	if err := eng.SetPolicies(ctx, []Policy{p, p}); err == nil {
		t.Error("Expected error for duplicate names, got nil")
	}

	if err := eng.SetPolicies(ctx, []Policy{{Rego: "package x"}}); err == nil {
		t.Error("Expected error for unnamed policy, got nil")
	}
}

func TestEnableDisablePolicy(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	def := engine.NewDefinition("file", "/etc/shadow", nil)

	if err := eng.DisablePolicy("protected-paths"); err != nil {
		t.Fatalf("Failed to disable policy: %v", err)
	}

	result, err := eng.EvaluateDefinition(ctx, def, Context{})
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}
	if !result.Allowed {
		t.Errorf("Expected disabled policy to be skipped, got: %+v", result.Violations)
	}
	for _, name := range result.EvaluatedPolicies {
		if name == "protected-paths" {
			t.Error("Disabled policy should not be evaluated")
		}
	}

	if err := eng.EnablePolicy("protected-paths"); err != nil {
		t.Fatalf("Failed to enable policy: %v", err)
	}
	result, err = eng.EvaluateDefinition(ctx, def, Context{})
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}
	if result.Allowed {
		t.Error("Expected re-enabled policy to deny")
	}

	if err := eng.EnablePolicy("nonexistent"); err == nil {
		t.Error("Expected error for nonexistent policy")
	}
}

func TestReloadPolicies(t *testing.T) {
	eng := newTestEngine(t, WithoutBuiltins())
	ctx := context.Background()

	// Nothing loaded, nothing to reload
	if err := eng.ReloadPolicies(ctx); err != nil {
		t.Fatalf("Failed to reload: %v", err)
	}

	dir := t.TempDir()
	writePolicy(t, dir, "one.rego", "package one\n\nimport rego.v1\n\ndeny contains \"one\" if true\n")
	if err := eng.LoadPolicies(ctx, []string{dir}); err != nil {
		t.Fatalf("Failed to load policies: %v", err)
	}

	writePolicy(t, dir, "two.rego", "package two\n\nimport rego.v1\n\ndeny contains \"two\" if true\n")
	if err := eng.ReloadPolicies(ctx); err != nil {
		t.Fatalf("Failed to reload: %v", err)
	}

	if got := len(eng.ListPolicies()); got != 2 {
		t.Errorf("Expected 2 policies after reload, got: %d", got)
	}
}

func TestEvaluate_Cancelled(t *testing.T) {
	eng := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := eng.Evaluate(ctx, []engine.Definition{engine.NewDefinition("file", "/etc/motd", nil)}, Context{})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got: %v", err)
	}
}
