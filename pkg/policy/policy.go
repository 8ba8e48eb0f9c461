// Package policy implements the Policy Engine: a pure, deterministic
// evaluator over structured rules, intents, and recorded network traffic.
package policy

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/deterministic-agent-lab/gate/pkg/intent"
)

// Config is the Policy Config data model.
type Config struct {
	Version string `json:"version" yaml:"version"`
	Allow []AllowRule `json:"allow" yaml:"allow"`
	Caps Caps `json:"caps" yaml:"caps"`
	RequireApprovalLabels []string `json:"requireApprovalLabels" yaml:"requireApprovalLabels"`
	TimeWindow *TimeWindow `json:"timeWindow,omitempty" yaml:"timeWindow,omitempty"`
}

// AllowRule is one network-allowlist entry.
type AllowRule struct {
	Domains []string `json:"domains,omitempty" yaml:"domains,omitempty"`
	Methods []string `json:"methods,omitempty" yaml:"methods,omitempty"`
	Paths []string `json:"paths,omitempty" yaml:"paths,omitempty"`
}

// Caps holds numeric caps.
type Caps struct {
	MaxAmount *float64 `json:"maxAmount,omitempty" yaml:"maxAmount,omitempty"`
}

// TimeWindow restricts intents to a window of the day in a timezone.
type TimeWindow struct {
	Start string `json:"start" yaml:"start"` // "HH:MM"
	End string `json:"end" yaml:"end"`
	Timezone string `json:"timezone" yaml:"timezone"`
}

// Stage is the evaluation context's stage.
type Stage string

const (
	StagePlan Stage = "plan"
	StageCommit Stage = "commit"
)

// Context carries the evaluation stage and current time.
type Context struct {
	Stage Stage
	Now time.Time
}

// NetworkEntry is one recorded HAR request, reduced to what policy needs.
type NetworkEntry struct {
	URL string
	Method string
}

// Evaluation is evaluate's full result.
type Evaluation struct {
	Bundle BundleDecision
	Intents []IntentDecision
	Network []NetworkDecision
}

// BundleDecision is the bundle-level aggregate decision.
type BundleDecision struct {
	Allowed bool
	RequiresApproval bool
	Reasons []string
}

// IntentDecision is one intent's decision.
type IntentDecision struct {
	Index int
	Type string
	Allowed bool
	RequiresApproval bool
	Reasons []string
	ApprovalReasons []string
}

// NetworkDecision is one network entry's decision.
type NetworkDecision struct {
	URL string
	Method string
	Allowed bool
	Reasons []string
}

// Evaluate is the Policy Engine's pure, side-effect-free entry point:
// same inputs always produce the same outputs.
func Evaluate(cfg Config, ctx Context, intents []intent.Record, network []NetworkEntry) Evaluation {
	eval := Evaluation{}

	var blockReasons []string

	for _, rec := range intents {
		d := IntentDecision{Index: rec.Index, Type: rec.Type, Allowed: true}

		if cfg.Caps.MaxAmount != nil {
			if amount, ok := intent.Amount(&rec); ok && celAmountExceedsCap(amount, *cfg.Caps.MaxAmount) {
				d.Allowed = false
				reason := fmt.Sprintf("amount %.2f exceeds cap %.2f", amount, *cfg.Caps.MaxAmount)
				d.Reasons = append(d.Reasons, reason)
				blockReasons = append(blockReasons, reason)
			}
		}

		labels := intent.Labels(&rec)
		for _, label := range labels {
			if containsFold(cfg.RequireApprovalLabels, label) {
				d.RequiresApproval = true
				d.ApprovalReasons = append(d.ApprovalReasons, fmt.Sprintf("label %q requires approval", label))
			}
		}

		if cfg.TimeWindow != nil {
			inWindow, err := withinTimeWindow(*cfg.TimeWindow, ctx.Now)
			if err == nil && !inWindow {
				d.RequiresApproval = true
				d.ApprovalReasons = append(d.ApprovalReasons, "outside configured time window")
			}
		}

		eval.Intents = append(eval.Intents, d)
	}

	for _, n := range network {
		d := evaluateNetworkEntry(cfg, n)
		if !d.Allowed {
			blockReasons = append(blockReasons, d.Reasons...)
		}
		eval.Network = append(eval.Network, d)
	}

	requiresApproval := false
	for _, d := range eval.Intents {
		if d.RequiresApproval {
			requiresApproval = true
		}
	}

	eval.Bundle = BundleDecision{
		Allowed: len(blockReasons) == 0,
		RequiresApproval: requiresApproval,
		Reasons: sortedUnique(blockReasons),
	}
	return eval
}

func evaluateNetworkEntry(cfg Config, n NetworkEntry) NetworkDecision {
	d := NetworkDecision{URL: n.URL, Method: n.Method, Allowed: true}
	if len(cfg.Allow) == 0 {
		return d
	}

	host, path := splitURL(n.URL)
	for _, rule := range cfg.Allow {
		if !domainMatches(rule.Domains, host) {
			continue
		}
		if len(rule.Methods) > 0 && !containsFold(rule.Methods, n.Method) {
			continue
		}
		if len(rule.Paths) > 0 && !pathMatchesAny(rule.Paths, path) {
			continue
		}
		return d // allowed
	}

	d.Allowed = false
	d.Reasons = append(d.Reasons, fmt.Sprintf("%s %s not permitted by network allowlist", n.Method, n.URL))
	return d
}

func domainMatches(domains []string, host string) bool {
	if len(domains) == 0 {
		return true
	}
	return containsFold(domains, host)
}

func pathMatchesAny(patterns []string, path string) bool {
	for _, p := range patterns {
		if matchWildcard(p, path) {
			return true
		}
	}
	return false
}

// matchWildcard mirrors httprules' wildcard semantics: literal,
// prefix+"*", or bare "*".
func matchWildcard(pattern, value string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(value, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == value
}

func splitURL(raw string) (host, path string) {
	rest := raw
	if idx := strings.Index(rest, "://"); idx >= 0 {
		rest = rest[idx+3:]
	}
	if idx := strings.Index(rest, "/"); idx >= 0 {
		host = rest[:idx]
		path = rest[idx:]
	} else {
		host = rest
		path = "/"
	}
	return host, path
}

func containsFold(list []string, v string) bool {
	for _, item := range list {
		if strings.EqualFold(item, v) {
			return true
		}
	}
	return false
}

func sortedUnique(in []string) []string {
	set := map[string]struct{}{}
	for _, s := range in {
		set[s] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func withinTimeWindow(tw TimeWindow, now time.Time) (bool, error) {
	loc, err := time.LoadLocation(tw.Timezone)
	if err != nil {
		return true, err
	}
	local := now.In(loc)
	nowMinutes := local.Hour()*60 + local.Minute()

	startMinutes, err := parseHHMM(tw.Start)
	if err != nil {
		return true, err
	}
	endMinutes, err := parseHHMM(tw.End)
	if err != nil {
		return true, err
	}

	return celWithinTimeWindow(nowMinutes, startMinutes, endMinutes), nil
}

func parseHHMM(s string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, err
	}
	return h*60 + m, nil
}
