package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"
)

// NameParameter is the parameter key every definition mirrors its own name into.
const NameParameter = "name"

// Ref identifies a definition by its (type, name) pair.
type Ref struct {
	// Type is the resource type (e.g., "file", "package").
	Type string `json:"type"`

	// Name is the resource name, unique within its type.
	Name string `json:"name"`
}

// String formats the reference as type[name].
func (r Ref) String() string {
	return fmt.Sprintf("%s[%s]", r.Type, r.Name)
}

// IsZero reports whether the reference is empty.
func (r Ref) IsZero() bool {
	return r.Type == "" && r.Name == ""
}

// ParseRef parses a reference written as type[name].
func ParseRef(s string) (Ref, error) {
	s = strings.TrimSpace(s)
	open := strings.IndexByte(s, '[')
	if open <= 0 || !strings.HasSuffix(s, "]") || open == len(s)-2 {
		return Ref{}, fmt.Errorf("invalid resource reference %q: expected type[name]", s)
	}
	return Ref{Type: s[:open], Name: s[open+1 : len(s)-1]}, nil
}

// Definition is a single desired-state declaration.
// Definitions are immutable once constructed; use NewDefinition to build one.
type Definition struct {
	// Type is the resource kind, used to look up the handler.
	Type string `json:"type"`

	// Name identifies the resource within its type.
	Name string `json:"name"`

	// Parameters are the handler inputs. They always include "name".
	Parameters map[string]interface{} `json:"parameters"`

	// DependsOn lists the definitions that must converge before this one.
	DependsOn []Ref `json:"depends_on,omitempty"`

	// Source is the module location the definition was declared in, if known.
	Source string `json:"source,omitempty"`
}

// NewDefinition creates a definition. The parameter map is copied and the resource name is
// mirrored into it under "name"; duplicate dependency references are dropped.
func NewDefinition(typeName, name string, params map[string]interface{}, deps ...Ref) Definition {
	p := make(map[string]interface{}, len(params)+1)
	for k, v := range params {
		p[k] = v
	}
	p[NameParameter] = name

	var depends []Ref
	seen := make(map[Ref]bool, len(deps))
	for _, d := range deps {
		if seen[d] {
			continue
		}
		seen[d] = true
		depends = append(depends, d)
	}

	return Definition{
		Type:       typeName,
		Name:       name,
		Parameters: p,
		DependsOn:  depends,
	}
}

// WithSource returns a copy of the definition tagged with the location it came from.
func (d Definition) WithSource(source string) Definition {
	d.Source = source
	return d
}

// Ref returns the (type, name) identity of the definition.
func (d Definition) Ref() Ref {
	return Ref{Type: d.Type, Name: d.Name}
}

// Param returns a parameter value.
func (d Definition) Param(key string) (interface{}, bool) {
	v, ok := d.Parameters[key]
	return v, ok
}

// StringParam returns a string parameter, or def when it is absent.
// A present parameter of another type is an error.
func (d Definition) StringParam(key, def string) (string, error) {
	v, ok := d.Parameters[key]
	if !ok || v == nil {
		return def, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("parameter %q must be a string, got %T", key, v)
	}
	return s, nil
}

// SameParameters reports whether two definitions carry identical parameters.
// Values are compared through their canonical JSON encoding so that equal numbers decoded
// as different Go types still compare equal.
func (d Definition) SameParameters(other Definition) bool {
	a, errA := json.Marshal(d.Parameters)
	b, errB := json.Marshal(other.Parameters)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(a, b)
}

// ExecutionResult is the outcome of applying one definition.
type ExecutionResult struct {
	// Message is a human-readable summary.
	Message string `json:"message"`

	// Diff describes what changed. Empty for a no-op convergence.
	Diff string `json:"diff,omitempty"`

	// Success reports whether the resource reached its desired state.
	Success bool `json:"success"`
}

// Changed reports whether the handler changed anything.
func (r ExecutionResult) Changed() bool {
	return r.Diff != ""
}

// BackupRecord describes one pre-mutation snapshot taken during a run.
type BackupRecord struct {
	// RunID is the run the snapshot belongs to.
	RunID string `json:"run_id"`

	// OriginalPath is the absolute path that was about to be mutated.
	OriginalPath string `json:"original_path"`

	// BackupPath is where the snapshot was written.
	BackupPath string `json:"backup_path"`

	// Existed is false when the original path did not exist; nothing was copied and a
	// restore removes whatever the run created there.
	Existed bool `json:"existed"`

	// Size is the number of bytes copied.
	Size int64 `json:"size"`

	// Mode is the permission bits of the original file.
	Mode os.FileMode `json:"mode"`

	// ModTime is the modification time of the original file.
	ModTime time.Time `json:"mod_time"`

	// Checksum is the hex BLAKE2b-256 digest of the copied bytes.
	Checksum string `json:"checksum,omitempty"`

	// CreatedAt is when the snapshot was taken.
	CreatedAt time.Time `json:"created_at"`
}

// NodeResult is the terminal outcome of one definition within a run.
type NodeResult struct {
	// Ref identifies the definition.
	Ref Ref `json:"ref"`

	// Source is the module location of the definition.
	Source string `json:"source,omitempty"`

	// Status is the terminal node status.
	Status NodeStatus `json:"status"`

	// Result is the handler's result, or a synthetic one for skipped and cancelled nodes.
	Result ExecutionResult `json:"result"`

	// Error is the classified error for nodes that did not succeed.
	Error *EngineError `json:"error,omitempty"`

	// Backups lists the snapshots taken by the handler.
	Backups []BackupRecord `json:"backups,omitempty"`

	// StartedAt is when the handler was invoked. Zero for nodes that never ran.
	StartedAt time.Time `json:"started_at,omitempty"`

	// Duration is how long the handler ran.
	Duration time.Duration `json:"duration"`
}

// RunSummary provides aggregate statistics for a run.
type RunSummary struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Cancelled int `json:"cancelled"`
	Changed   int `json:"changed"`
}

// Run describes a convergence run as it starts.
type Run struct {
	// ID is the run identifier shared by every backup taken during the run.
	ID string `json:"id"`

	// Status is the current run status.
	Status RunStatus `json:"status"`

	// StartedAt is when the run was created.
	StartedAt time.Time `json:"started_at"`

	// Total is the number of definitions in the run.
	Total int `json:"total"`

	// DryRun indicates handlers were asked not to mutate anything.
	DryRun bool `json:"dry_run"`
}

// RunReport is the aggregated outcome of a run.
type RunReport struct {
	// RunID is the run identifier.
	RunID string `json:"run_id"`

	// Status is the terminal run status.
	Status RunStatus `json:"status"`

	// DryRun indicates handlers were asked not to mutate anything.
	DryRun bool `json:"dry_run"`

	// StartedAt is when the run was created.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when the last node reached a terminal state.
	CompletedAt time.Time `json:"completed_at"`

	// Duration is the total run time.
	Duration time.Duration `json:"duration"`

	// Results holds one entry per definition, in topological order.
	Results []NodeResult `json:"results"`

	// Summary aggregates the node statuses.
	Summary RunSummary `json:"summary"`
}

// Result returns the node result for a reference.
func (r *RunReport) Result(ref Ref) (NodeResult, bool) {
	for _, res := range r.Results {
		if res.Ref == ref {
			return res, true
		}
	}
	return NodeResult{}, false
}

// Backups returns every snapshot taken during the run.
func (r *RunReport) Backups() []BackupRecord {
	var out []BackupRecord
	for _, res := range r.Results {
		out = append(out, res.Backups...)
	}
	return out
}
