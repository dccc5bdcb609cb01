package policy

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage"
	"github.com/open-policy-agent/opa/storage/inmem"
	"github.com/rs/zerolog"

	"github.com/openfroyo/converge/pkg/engine"
)

// Engine compiles Rego policies and evaluates definitions against them.
// It is safe for concurrent use.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	paths    []string
	store    storage.Store
	logger   zerolog.Logger
	builtins bool
}

// compiledPolicy represents a compiled Rego policy.
type compiledPolicy struct {
	policy   *Policy
	module   *ast.Module
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithoutBuiltins starts the engine with no built-in policies.
func WithoutBuiltins() Option {
	return func(e *Engine) { e.builtins = false }
}

// NewEngine creates a new policy engine.
func NewEngine(logger zerolog.Logger, opts ...Option) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		store:    inmem.New(),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
		builtins: true,
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.builtins {
		if err := e.loadBuiltinPolicies(context.Background()); err != nil {
			return nil, fmt.Errorf("failed to load built-in policies: %w", err)
		}
	}

	return e, nil
}

// EvaluateDefinition evaluates every enabled policy against one definition.
func (e *Engine) EvaluateDefinition(ctx context.Context, def engine.Definition, pctx Context) (*Result, error) {
	return e.Evaluate(ctx, []engine.Definition{def}, pctx)
}

// Evaluate evaluates every enabled policy against each definition.
// A policy that fails to evaluate produces a blocking violation.
func (e *Engine) Evaluate(ctx context.Context, defs []engine.Definition, pctx Context) (*Result, error) {
	startTime := time.Now()
	if pctx.Timestamp.IsZero() {
		pctx.Timestamp = startTime.UTC()
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	result := &Result{Allowed: true}
	for _, cp := range e.sortedPolicies() {
		if !cp.policy.Enabled {
			continue
		}
		result.EvaluatedPolicies = append(result.EvaluatedPolicies, cp.policy.Name)

		for _, def := range defs {
			if err := ctx.Err(); err != nil {
				return nil, err
			}

			violations, err := e.evaluatePolicy(ctx, cp, NewInput(def, pctx))
			if err != nil {
				e.logger.Error().Err(err).
					Str("policy", cp.policy.Name).
					Str("resource", def.Ref().String()).
					Msg("Policy evaluation failed")
				result.add(Violation{
					Policy:   cp.policy.Name,
					Resource: def.Ref().String(),
					Message:  fmt.Sprintf("policy evaluation failed: %v", err),
					Severity: SeverityError,
				})
				continue
			}

			for _, v := range violations {
				result.add(v)
			}
		}
	}

	result.EvaluatedAt = time.Now()
	result.Duration = time.Since(startTime)

	e.logger.Debug().
		Int("definitions", len(defs)).
		Int("violations", len(result.Violations)).
		Int("warnings", len(result.Warnings)).
		Dur("duration", result.Duration).
		Msg("Policy evaluation completed")

	return result, nil
}

// LoadPolicies loads policy files and directories, replacing any previously loaded
// custom policies. Built-in policies are kept.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	loader := NewLoader(e.logger)
	policies, err := loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}

	if err := e.SetPolicies(ctx, policies); err != nil {
		return err
	}

	e.mu.Lock()
	e.paths = append([]string(nil), paths...)
	e.mu.Unlock()
	return nil
}

// SetPolicies compiles policies and swaps them in for the current custom policies.
// Nothing changes if any policy fails to compile.
func (e *Engine) SetPolicies(ctx context.Context, policies []Policy) error {
	compiled := make(map[string]*compiledPolicy, len(policies))
	for i := range policies {
		p := policies[i]
		if _, dup := compiled[p.Name]; dup {
			return fmt.Errorf("duplicate policy name: %s", p.Name)
		}
		cp, err := e.compile(ctx, &p)
		if err != nil {
			e.logger.Error().Err(err).
				Str("policy", p.Name).
				Msg("Failed to compile policy")
			return fmt.Errorf("failed to compile policy %s: %w", p.Name, err)
		}
		compiled[p.Name] = cp
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for name := range compiled {
		if existing, ok := e.policies[name]; ok && existing.policy.Builtin {
			return fmt.Errorf("policy %s shadows a built-in policy", name)
		}
	}
	for name, cp := range e.policies {
		if !cp.policy.Builtin {
			delete(e.policies, name)
		}
	}
	for name, cp := range compiled {
		e.policies[name] = cp
	}

	e.logger.Info().
		Int("count", len(compiled)).
		Msg("Policies loaded successfully")

	return nil
}

// evaluatePolicy evaluates a single compiled policy.
func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input Input) ([]Violation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	resource := engine.Ref{Type: input.Definition.Type, Name: input.Definition.Name}.String()

	var violations []Violation
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		// deny is a set, which evaluates to a slice
		denySet, ok := result.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, d := range denySet {
			violations = append(violations, newViolation(cp.policy, d, resource))
		}
	}

	return violations, nil
}

// newViolation creates a Violation from a deny entry.
func newViolation(policy *Policy, result interface{}, resource string) Violation {
	violation := Violation{
		Policy:   policy.Name,
		Resource: resource,
		Severity: policy.Severity,
	}

	switch v := result.(type) {
	case string:
		violation.Message = v
	case map[string]interface{}:
		for key, val := range v {
			switch key {
			case "message":
				violation.Message, _ = val.(string)
			case "severity":
				if sev, ok := val.(string); ok {
					violation.Severity = Severity(sev)
				}
			case "resource":
				if res, ok := val.(string); ok {
					violation.Resource = res
				}
			default:
				if violation.Details == nil {
					violation.Details = make(map[string]interface{})
				}
				violation.Details[key] = val
			}
		}
	default:
		violation.Message = fmt.Sprintf("%v", result)
	}

	return violation
}

// compile parses a policy and prepares its deny query.
func (e *Engine) compile(ctx context.Context, policy *Policy) (*compiledPolicy, error) {
	if policy.Name == "" {
		return nil, fmt.Errorf("policy has no name")
	}
	if policy.Severity == "" {
		policy.Severity = SeverityWarning
	}

	module, err := ast.ParseModuleWithOpts(policy.Name, policy.Rego, ast.ParserOptions{RegoVersion: ast.RegoV1})
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}

	r := rego.New(
		rego.Module(policy.Name, policy.Rego),
		rego.Store(e.store),
		rego.Query(module.Package.Path.String()+".deny"),
		rego.SetRegoVersion(ast.RegoV1),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare query: %w", err)
	}

	e.logger.Debug().
		Str("policy", policy.Name).
		Msg("Policy compiled successfully")

	return &compiledPolicy{
		policy:   policy,
		module:   module,
		query:    query,
		compiled: time.Now(),
	}, nil
}

// loadBuiltinPolicies loads the built-in policies.
func (e *Engine) loadBuiltinPolicies(ctx context.Context) error {
	builtins := GetBuiltinPolicies()
	for i := range builtins {
		cp, err := e.compile(ctx, &builtins[i])
		if err != nil {
			return fmt.Errorf("failed to compile built-in policy %s: %w", builtins[i].Name, err)
		}
		e.policies[builtins[i].Name] = cp
	}

	e.logger.Debug().
		Int("count", len(builtins)).
		Msg("Built-in policies loaded")

	return nil
}

func (e *Engine) sortedPolicies() []*compiledPolicy {
	out := make([]*compiledPolicy, 0, len(e.policies))
	for _, cp := range e.policies {
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].policy.Name < out[j].policy.Name })
	return out
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}

	p := *cp.policy
	return &p, nil
}

// ListPolicies returns all loaded policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, cp := range e.policies {
		policies = append(policies, *cp.policy)
	}
	sortPolicies(policies)

	return policies
}

// Paths returns the paths custom policies were last loaded from.
func (e *Engine) Paths() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]string(nil), e.paths...)
}

// ReloadPolicies re-reads custom policies from the paths they were loaded from.
func (e *Engine) ReloadPolicies(ctx context.Context) error {
	paths := e.Paths()
	if len(paths) == 0 {
		return nil
	}
	return e.LoadPolicies(ctx, paths)
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}

	cp.policy.Enabled = enabled
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy toggled")

	return nil
}

// Watch hot-reloads custom policies when files under their paths change.
// A reload that fails to compile keeps the previous policies.
func (e *Engine) Watch(ctx context.Context, delay time.Duration) error {
	paths := e.Paths()
	if len(paths) == 0 {
		return nil
	}

	loader := NewLoader(e.logger)
	if delay > 0 {
		loader.SetReloadDelay(delay)
	}
	return loader.Watch(ctx, paths, func(policies []Policy) error {
		return e.SetPolicies(ctx, policies)
	})
}
