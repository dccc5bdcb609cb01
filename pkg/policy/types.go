package policy

import (
	"sort"
	"time"

	"github.com/openfroyo/converge/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for warnings that should be reviewed.
	SeverityWarning Severity = "warning"

	// SeverityError is for errors that should block operations.
	SeverityError Severity = "error"

	// SeverityCritical is for critical violations that must be addressed immediately.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether a violation of this severity stops a run.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy represents a policy rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code. The policy reports violations through a
	// "deny" set in its package.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Builtin marks policies shipped with froyo.
	Builtin bool `json:"builtin,omitempty"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Source is the file the policy was loaded from.
	Source string `json:"source,omitempty"`
}

// Violation represents a single policy violation.
type Violation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// Resource is the definition reference, type[name].
	Resource string `json:"resource,omitempty"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`

	// Details contains additional fields returned by the policy.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Result represents the result of policy evaluation.
type Result struct {
	// Allowed is false when any violation is blocking.
	Allowed bool `json:"allowed"`

	// Violations lists blocking violations.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists non-blocking violations.
	Warnings []Violation `json:"warnings,omitempty"`

	// EvaluatedPolicies lists the names of policies that were evaluated.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	// EvaluatedAt is when the policy was evaluated.
	EvaluatedAt time.Time `json:"evaluated_at"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}

func (r *Result) add(v Violation) {
	if v.Severity.Blocking() {
		r.Violations = append(r.Violations, v)
		r.Allowed = false
		return
	}
	r.Warnings = append(r.Warnings, v)
}

// Input is the document policies see as "input".
type Input struct {
	Definition DefinitionInput `json:"definition"`
	Context    Context         `json:"context"`
}

// DefinitionInput is the policy view of an engine.Definition.
type DefinitionInput struct {
	Type       string                 `json:"type"`
	Name       string                 `json:"name"`
	Parameters map[string]interface{} `json:"parameters"`
	DependsOn  []string               `json:"depends_on"`
	Source     string                 `json:"source,omitempty"`
}

// Context provides run information to policies.
type Context struct {
	RunID     string    `json:"run_id,omitempty"`
	DryRun    bool      `json:"dry_run"`
	Timestamp time.Time `json:"timestamp"`
}

// NewInput builds the policy input for a definition.
func NewInput(def engine.Definition, ctx Context) Input {
	deps := make([]string, 0, len(def.DependsOn))
	for _, d := range def.DependsOn {
		deps = append(deps, d.String())
	}
	params := def.Parameters
	if params == nil {
		params = map[string]interface{}{}
	}
	return Input{
		Definition: DefinitionInput{
			Type:       def.Type,
			Name:       def.Name,
			Parameters: params,
			DependsOn:  deps,
			Source:     def.Source,
		},
		Context: ctx,
	}
}

// Bundle represents a collection of related policies stored in one JSON file.
type Bundle struct {
	Name        string   `json:"name"`
	Version     string   `json:"version"`
	Description string   `json:"description"`
	Policies    []Policy `json:"policies"`
}

func sortPolicies(policies []Policy) {
	sort.Slice(policies, func(i, j int) bool { return policies[i].Name < policies[j].Name })
}
