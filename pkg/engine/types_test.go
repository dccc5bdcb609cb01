package engine

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestNewDefinition_MirrorsName(t *testing.T) {
	params := map[string]interface{}{"content": "hello"}
	def := NewDefinition("file", "/etc/motd", params, ref("package", "a"), ref("package", "a"))

	if def.Parameters["name"] != "/etc/motd" {
		t.Errorf("Expected name mirrored into parameters, got %v", def.Parameters["name"])
	}
	if _, ok := params["name"]; ok {
		t.Error("Expected caller's parameter map to be left untouched")
	}
	if len(def.DependsOn) != 1 {
		t.Errorf("Expected duplicate dependencies removed, got %v", def.DependsOn)
	}
}

func TestDefinition_StringParam(t *testing.T) {
	def := NewDefinition("file", "/etc/motd", map[string]interface{}{"mode": "0644", "size": 3})

	mode, err := def.StringParam("mode", "0600")
	if err != nil || mode != "0644" {
		t.Errorf("Expected 0644, got %q (%v)", mode, err)
	}

	owner, err := def.StringParam("owner", "root")
	if err != nil || owner != "root" {
		t.Errorf("Expected default root, got %q (%v)", owner, err)
	}

	if _, err := def.StringParam("size", ""); err == nil {
		t.Error("Expected type error for non-string parameter")
	}
}

func TestParseRef(t *testing.T) {
	tests := []struct {
		in      string
		want    Ref
		wantErr bool
	}{
		{in: "file[/etc/app.conf]", want: ref("file", "/etc/app.conf")},
		{in: " service[nginx] ", want: ref("service", "nginx")},
		{in: "package[a[b]]", want: ref("package", "a[b]")},
		{in: "nginx", wantErr: true},
		{in: "[nginx]", wantErr: true},
		{in: "service[]", wantErr: true},
		{in: "service[nginx", wantErr: true},
	}

	for _, tt := range tests {
		got, err := ParseRef(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseRef(%q): expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseRef(%q): unexpected error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseRef(%q) = %v, want %v", tt.in, got, tt.want)
		}
		if again, _ := ParseRef(got.String()); again != got {
			t.Errorf("String/ParseRef mismatch for %v", got)
		}
	}
}

func TestRunID(t *testing.T) {
	a, b := NewRunID(), NewRunID()
	if a == b {
		t.Error("Expected unique run IDs")
	}
	if err := ValidateRunID(a); err != nil {
		t.Errorf("Expected generated run ID to be valid, got: %v", err)
	}

	for _, bad := range []string{"", ".", "..", "a/b", `a\b`} {
		if err := ValidateRunID(bad); err == nil {
			t.Errorf("Expected %q to be rejected", bad)
		}
	}
}

func TestEngineError_Format(t *testing.T) {
	err := NewPermanentError("package not found", nil).
		WithCode(ErrCodeNotFound).
		WithResource("package[nginx]")
	if strings.HasSuffix(err.Error(), ": ") {
		t.Errorf("Unexpected trailing separator: %q", err.Error())
	}

	wrapped := NewHandlerFailureError(ref("exec", "x"), "", errors.New("exit status 1"))
	if !strings.Contains(wrapped.Error(), "exit status 1") {
		t.Errorf("Expected inner error in message, got %q", wrapped.Error())
	}
	if !IsPermanent(wrapped) || IsTransient(wrapped) {
		t.Error("Expected handler failure to be permanent")
	}
}

func TestEngineError_BuildErrorClassification(t *testing.T) {
	cycle := NewDependencyCycleError([]Ref{ref("t", "a"), ref("t", "b")})
	if !IsBuildError(cycle) {
		t.Error("Expected cycle to be a build error")
	}
	if IsBuildError(NewUndefinedTypeError("zfs")) {
		t.Error("Expected undefined type not to be a graph build error")
	}
	if ErrorCode(errors.New("plain")) != "" {
		t.Error("Expected no code on plain errors")
	}
}

func TestStatus_JSON(t *testing.T) {
	data, err := json.Marshal(NodeStatusSkipped)
	if err != nil || string(data) != `"skipped"` {
		t.Errorf("Unexpected encoding %s (%v)", data, err)
	}

	var s RunStatus
	if err := json.Unmarshal([]byte(`"exploded"`), &s); err == nil {
		t.Error("Expected invalid run status to be rejected")
	}

	if !RunStatusPending.CanTransitionTo(RunStatusRunning) || RunStatusCompleted.CanTransitionTo(RunStatusRunning) {
		t.Error("Unexpected run status transitions")
	}
}
