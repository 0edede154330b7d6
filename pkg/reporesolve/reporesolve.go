// Package reporesolve converts incident signals into one repository
// identity with a calibrated confidence. Resolution is priority-ordered
// and bounded: mapping rules first (no network), then trace-driven
// verification against the source-control host (hard probe budget), then a
// heuristic fallback, then nothing.
package reporesolve

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/opsrunbook/copilot/pkg/contracts"
	"github.com/opsrunbook/copilot/pkg/traceparse"
)

// MaxVerifyCalls is the absolute budget of file_exists probes per
// resolution. The 2 repos × 2 paths grid already stays under it; the
// counter is the backstop.
const MaxVerifyCalls = 4

const (
	maxVerifyRepos = 2
	maxVerifyPaths = 2
)

// Mapping-rule discriminators.
const (
	RuleExact  = "exact"
	RulePrefix = "prefix"

	SignalService  = "service_name"
	SignalLambda   = "lambda_name"
	SignalLogGroup = "log_group"
	SignalWorkflow = "workflow_name"
)

// MappingRule binds one signal pattern to a repository.
type MappingRule struct {
	Type    string `yaml:"type" json:"type"`       // exact | prefix
	Signal  string `yaml:"signal" json:"signal"`   // service_name | lambda_name | log_group | workflow_name
	Pattern string `yaml:"pattern" json:"pattern"`
	Repo    string `yaml:"repo" json:"repo"`
}

// Matches reports whether the rule matches one signal value.
func (r MappingRule) Matches(value string) bool {
	switch r.Type {
	case RuleExact:
		return value == r.Pattern
	case RulePrefix:
		return strings.HasPrefix(value, r.Pattern)
	}
	return false
}

type rulesFile struct {
	Rules []MappingRule `yaml:"rules" json:"rules"`
}

// LoadRules reads mapping rules from a YAML (or JSON) file. A missing file
// yields no rules; rules without a repo are dropped and an unset type
// defaults to prefix.
func LoadRules(path string) ([]MappingRule, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reporesolve: read rules %s: %w", path, err)
	}
	var file rulesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("reporesolve: parse rules %s: %w", path, err)
	}
	out := make([]MappingRule, 0, len(file.Rules))
	for _, r := range file.Rules {
		if r.Repo == "" {
			continue
		}
		if r.Type == "" {
			r.Type = RulePrefix
		}
		out = append(out, r)
	}
	return out, nil
}

// FileExistsChecker is the one source-control capability verification
// needs. Satisfied by github.Client.
type FileExistsChecker interface {
	FileExists(ctx context.Context, repoFullName, path string) bool
}

// Resolver holds the static resolution inputs.
type Resolver struct {
	Rules     []MappingRule
	Checker   FileExistsChecker // nil skips verification
	Owner     string            // prepended to bare repo names
	LegacyMap map[string]string // service -> repo, tried before suspected owners
}

var (
	lambdaLogGroup  = regexp.MustCompile(`/aws/lambda/([\w-]+)`)
	stateMachineARN = regexp.MustCompile(`arn:aws:states:[^:]+:\d+:stateMachine:([\w-]+)`)
)

// Signals is the matchable signal values extracted from one packet,
// keyed by signal name.
type Signals map[string][]string

func (s Signals) add(signal, value string) {
	for _, existing := range s[signal] {
		if existing == value {
			return
		}
	}
	s[signal] = append(s[signal], value)
}

// ExtractSignals pulls signal values from the packet: the service field,
// lambda names and log groups out of finding text, owner reasons, and
// evidence keys, and workflow names out of state machine arns.
func ExtractSignals(packet *contracts.IncidentPacket) Signals {
	signals := Signals{}
	if packet.Service != "" {
		signals.add(SignalService, packet.Service)
	}

	scan := func(text string) {
		for _, m := range lambdaLogGroup.FindAllStringSubmatch(text, -1) {
			signals.add(SignalLambda, m[1])
			signals.add(SignalLogGroup, "/aws/lambda/"+m[1])
		}
		for _, m := range stateMachineARN.FindAllStringSubmatch(text, -1) {
			signals.add(SignalWorkflow, m[1])
		}
	}

	for _, f := range packet.Findings {
		scan(f.Summary)
		scan(f.Notes)
	}
	for _, o := range packet.SuspectedOwners {
		for _, reason := range o.Reasons {
			scan(reason)
		}
	}
	for _, e := range packet.AllEvidenceRefs {
		scan(e.Key)
	}
	return signals
}

// Resolve runs the priority order: mapping rule, trace-verified candidate,
// heuristic candidate, empty. Steps 1, 3, and 4 make no network calls.
func (r *Resolver) Resolve(ctx context.Context, packet *contracts.IncidentPacket) contracts.RepoResolution {
	signals := ExtractSignals(packet)

	var frames []contracts.TraceFrame
	for _, f := range packet.Findings {
		frames = append(frames, traceparse.ExtractAppFrames(f.Summary+"\n"+f.Notes)...)
	}
	if len(frames) > traceparse.MaxAppFrames {
		frames = frames[:traceparse.MaxAppFrames]
	}

	// 1. Mapping rules: first (rule, value) hit wins.
	for _, rule := range r.Rules {
		for _, value := range signals[rule.Signal] {
			if rule.Matches(value) {
				return contracts.RepoResolution{
					RepoFullName: rule.Repo,
					Confidence:   contracts.ConfidenceMapping,
					Reasons: []string{fmt.Sprintf("mapping rule: %s %s='%s' → %s",
						rule.Type, rule.Signal, rule.Pattern, rule.Repo)},
					Verification: contracts.VerificationMapping,
					TraceFrames:  frames,
				}
			}
		}
	}

	candidates := r.candidateRepos(packet)

	// 2. Trace-driven verification, bounded.
	var paths []string
	for _, f := range frames {
		if f.NormalizedPath != "" {
			paths = append(paths, f.NormalizedPath)
		}
	}
	if r.Checker != nil && len(paths) > 0 && len(candidates) > 0 {
		if repo, reason, ok := r.verify(ctx, candidates, paths); ok {
			return contracts.RepoResolution{
				RepoFullName: repo,
				Confidence:   contracts.ConfidenceVerified,
				Reasons:      []string{reason},
				Verification: contracts.VerificationVerified,
				TraceFrames:  frames,
			}
		}
	}

	// 3. Heuristic fallback: best candidate, unverified.
	if len(candidates) > 0 {
		return contracts.RepoResolution{
			RepoFullName: candidates[0],
			Confidence:   contracts.ConfidenceHeuristic,
			Reasons:      []string{"heuristic: best candidate from suspected_owners / legacy map"},
			Verification: contracts.VerificationUnverified,
			TraceFrames:  frames,
		}
	}

	return contracts.RepoResolution{
		Confidence:   0,
		Reasons:      []string{"no repo could be determined"},
		Verification: contracts.VerificationUnverified,
		TraceFrames:  frames,
	}
}

// candidateRepos orders candidates: legacy map entry for the service
// first, then suspected owners in packet order. "unknown" owners are not
// candidates.
func (r *Resolver) candidateRepos(packet *contracts.IncidentPacket) []string {
	var out []string
	seen := map[string]bool{}
	add := func(repo string) {
		if repo == "" || repo == "unknown" {
			return
		}
		full := repo
		if !strings.Contains(repo, "/") {
			if r.Owner == "" {
				return
			}
			full = r.Owner + "/" + repo
		}
		if !seen[full] {
			seen[full] = true
			out = append(out, full)
		}
	}

	add(r.LegacyMap[packet.Service])
	for _, o := range packet.SuspectedOwners {
		add(o.Repo)
	}
	return out
}

func (r *Resolver) verify(ctx context.Context, candidates, paths []string) (string, string, bool) {
	if len(candidates) > maxVerifyRepos {
		candidates = candidates[:maxVerifyRepos]
	}
	if len(paths) > maxVerifyPaths {
		paths = paths[:maxVerifyPaths]
	}
	calls := 0
	for _, repo := range candidates {
		for _, path := range paths {
			if calls >= MaxVerifyCalls {
				return "", "", false
			}
			calls++
			if r.Checker.FileExists(ctx, repo, path) {
				return repo, fmt.Sprintf("verified: %s exists in %s", path, repo), true
			}
		}
	}
	return "", "", false
}
