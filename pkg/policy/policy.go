// Package policy is the write-gate for external-effect actions. Eligibility
// is decided by a CEL expression evaluated over the resolution and the
// runtime flags; the default expression implements the PR confidence gate.
// Evaluation fails closed: a broken expression denies the action.
package policy

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// DefaultPRGate is the expression used when no override is configured: the
// repo must be resolved and the resolution confidence must clear the
// threshold.
const DefaultPRGate = `repo != "" && confidence >= threshold`

// Input carries the variables visible to gate expressions.
type Input struct {
	Repo              string
	Confidence        float64
	Threshold         float64
	Environment       string
	Service           string
	AutomationEnabled bool
}

// Gate evaluates one compiled, cached CEL expression.
type Gate struct {
	env   *cel.Env
	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewGate builds a gate with the expression variables declared.
func NewGate() (*Gate, error) {
	env, err := cel.NewEnv(
		cel.Variable("repo", cel.StringType),
		cel.Variable("confidence", cel.DoubleType),
		cel.Variable("threshold", cel.DoubleType),
		cel.Variable("environment", cel.StringType),
		cel.Variable("service", cel.StringType),
		cel.Variable("automation_enabled", cel.BoolType),
	)
	if err != nil {
		return nil, fmt.Errorf("policy: create CEL environment: %w", err)
	}
	return &Gate{env: env, cache: make(map[string]cel.Program)}, nil
}

// Allow evaluates expr over in. An empty expr uses DefaultPRGate. Compile
// and evaluation errors deny with the error attached; callers record the
// denial reason, they never bypass it.
func (g *Gate) Allow(expr string, in Input) (bool, error) {
	if expr == "" {
		expr = DefaultPRGate
	}
	prg, err := g.program(expr)
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(map[string]any{
		"repo":               in.Repo,
		"confidence":         in.Confidence,
		"threshold":          in.Threshold,
		"environment":        in.Environment,
		"service":            in.Service,
		"automation_enabled": in.AutomationEnabled,
	})
	if err != nil {
		return false, fmt.Errorf("policy: eval: %w", err)
	}
	allowed, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("policy: expression result is not a bool")
	}
	return allowed, nil
}

func (g *Gate) program(expr string) (cel.Program, error) {
	g.mu.RLock()
	prg, hit := g.cache[expr]
	g.mu.RUnlock()
	if hit {
		return prg, nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if prg, hit = g.cache[expr]; hit {
		return prg, nil
	}
	ast, issues := g.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("policy: compile: %w", issues.Err())
	}
	prg, err := g.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("policy: program: %w", err)
	}
	g.cache[expr] = prg
	return prg, nil
}
