package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/open-policy-agent/opa/v1/storage/inmem"
	"github.com/openfroyo/devstate/pkg/engine"
	"github.com/rs/zerolog"
)

// Engine evaluates Rego policies against finished run reports. It
// implements engine.PolicyEvaluator.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	order    []string
	loader   *Loader
	base     zerolog.Logger
	logger   zerolog.Logger
}

// compiledPolicy is a parsed module and the query for its deny set.
type compiledPolicy struct {
	policy   *Policy
	module   *ast.Module
	query    string
	compiled time.Time
}

var _ engine.PolicyEvaluator = (*Engine)(nil)

// NewEngine creates a policy engine with the built-in policies loaded.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		base:     logger,
		logger:   logger.With().Str("component", "policy-engine").Logger(),
	}
	e.loader = NewLoader(logger)

	if err := e.loadBuiltinPolicies(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to load built-in policies: %w", err)
	}
	return e, nil
}

// LoadPolicies compiles the .rego files found under paths. A name clash with
// an already loaded policy is an error.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := e.loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for i := range policies {
		if _, exists := e.policies[policies[i].Name]; exists {
			return fmt.Errorf("policy %s from %s is already defined", policies[i].Name, policies[i].Source)
		}
		if err := e.compileAndStorePolicy(ctx, &policies[i]); err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
	}

	e.logger.Info().
		Int("count", len(policies)).
		Msg("Policies loaded successfully")
	return nil
}

// ReloadPolicies drops every user policy and loads paths again. On failure
// the previous set stays in effect.
func (e *Engine) ReloadPolicies(ctx context.Context, paths []string) error {
	next, err := NewEngine(e.base)
	if err != nil {
		return err
	}
	next.loader = e.loader
	if err := next.LoadPolicies(ctx, paths); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.policies = next.policies
	e.order = next.order
	return nil
}

// Files lists the policy files that paths resolve to.
func (e *Engine) Files(paths []string) ([]string, error) {
	return e.loader.Files(paths)
}

// EvaluateReport runs every policy against the report. Violations come back
// in policy load order, each policy's sorted by resource and message.
func (e *Engine) EvaluateReport(ctx context.Context, report *engine.Report, m *engine.Manifest) ([]engine.PolicyViolation, error) {
	startTime := time.Now()

	input, err := toJSONValue(NewInput(report, m))
	if err != nil {
		return nil, fmt.Errorf("failed to encode policy input: %w", err)
	}

	var policiesData interface{}
	if m != nil && m.Policies != nil {
		if policiesData, err = toJSONValue(m.Policies); err != nil {
			return nil, fmt.Errorf("failed to encode manifest policies: %w", err)
		}
	}
	store := inmem.NewFromObject(map[string]interface{}{
		"devstate": map[string]interface{}{
			"policies": policiesData,
		},
	})

	e.mu.RLock()
	defer e.mu.RUnlock()

	violations := []engine.PolicyViolation{}
	for _, name := range e.order {
		cp := e.policies[name]

		r := rego.New(
			rego.ParsedModule(cp.module),
			rego.Query(cp.query),
			rego.Store(store),
			rego.Input(input),
		)
		rs, err := r.Eval(ctx)
		if err != nil {
			e.logger.Error().Err(err).
				Str("policy", name).
				Str("run_id", report.RunID).
				Msg("Policy evaluation failed")
			return nil, fmt.Errorf("policy %s: %w", name, err)
		}

		violations = append(violations, e.collectViolations(cp.policy, rs)...)
	}

	e.logger.Debug().
		Str("run_id", report.RunID).
		Int("policies", len(e.order)).
		Int("violations", len(violations)).
		Dur("duration", time.Since(startTime)).
		Msg("Report policy evaluation completed")

	return violations, nil
}

// collectViolations turns the deny set of one policy into violations.
func (e *Engine) collectViolations(policy *Policy, rs rego.ResultSet) []engine.PolicyViolation {
	var out []engine.PolicyViolation
	for _, result := range rs {
		for _, expr := range result.Expressions {
			denySet, ok := expr.Value.([]interface{})
			if !ok {
				continue
			}
			for _, d := range denySet {
				out = append(out, e.createViolation(policy, d))
			}
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Resource != out[j].Resource {
			return out[i].Resource < out[j].Resource
		}
		return out[i].Message < out[j].Message
	})
	return out
}

// createViolation creates a violation from one deny value. Strings become
// the message; objects may set message, severity and resource.
func (e *Engine) createViolation(policy *Policy, result interface{}) engine.PolicyViolation {
	violation := engine.PolicyViolation{
		Policy:   policy.Name,
		Severity: string(policy.Severity),
	}

	switch v := result.(type) {
	case string:
		violation.Message = v
	case map[string]interface{}:
		if msg, ok := v["message"].(string); ok {
			violation.Message = msg
		}
		if res, ok := v["resource"].(string); ok {
			violation.Resource = res
		}
		if s, ok := v["severity"].(string); ok {
			if sev, err := ParseSeverity(s); err == nil {
				violation.Severity = string(sev)
			} else {
				e.logger.Warn().
					Str("policy", policy.Name).
					Str("severity", s).
					Msg("Ignoring invalid violation severity")
			}
		}
		if violation.Message == "" {
			violation.Message = fmt.Sprintf("%v", v)
		}
	default:
		violation.Message = fmt.Sprintf("%v", result)
	}

	return violation
}

// compileAndStorePolicy parses and compiles a policy and stores it. Callers
// hold the write lock.
func (e *Engine) compileAndStorePolicy(ctx context.Context, policy *Policy) error {
	if _, err := ParseSeverity(string(policy.Severity)); err != nil {
		return err
	}

	module, err := ast.ParseModule(policy.Name+".rego", policy.Rego)
	if err != nil {
		return fmt.Errorf("failed to parse policy: %w", err)
	}
	if module == nil {
		return fmt.Errorf("policy is empty")
	}

	query := module.Package.Path.String() + ".deny"

	// Broken modules fail here rather than at evaluation.
	r := rego.New(
		rego.ParsedModule(module),
		rego.Query(query),
	)
	if _, err := r.PrepareForEval(ctx); err != nil {
		return fmt.Errorf("failed to prepare query: %w", err)
	}

	e.policies[policy.Name] = &compiledPolicy{
		policy:   policy,
		module:   module,
		query:    query,
		compiled: time.Now(),
	}
	e.order = append(e.order, policy.Name)

	e.logger.Debug().
		Str("policy", policy.Name).
		Str("query", query).
		Msg("Policy compiled successfully")

	return nil
}

// loadBuiltinPolicies loads the built-in policies.
func (e *Engine) loadBuiltinPolicies(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	builtins := GetBuiltinPolicies()
	for i := range builtins {
		if err := e.compileAndStorePolicy(ctx, &builtins[i]); err != nil {
			return fmt.Errorf("failed to compile built-in policy %s: %w", builtins[i].Name, err)
		}
	}

	e.logger.Debug().
		Int("count", len(builtins)).
		Msg("Built-in policies loaded")

	return nil
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}
	return cp.policy, nil
}

// ListPolicies returns all loaded policies in load order.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.order))
	for _, name := range e.order {
		policies = append(policies, *e.policies[name].policy)
	}
	return policies
}

// toJSONValue converts v into the plain JSON shapes OPA expects.
func toJSONValue(v interface{}) (interface{}, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var out interface{}
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}
