// Package rules loads the ordered security rule set that the detector
// evaluates. A RuleSet is immutable once built; reloading builds a new one.
package rules

import (
	"fmt"
	"regexp"
	"time"

	"github.com/l0p7/promptguard/internal/decision"
	"github.com/l0p7/promptguard/internal/expr"
)

// Rule is one compiled security rule.
type Rule struct {
	ID          string
	Name        string
	Description string
	Severity    decision.Severity
	Action      decision.Action
	Pattern     string
	Condition   string

	re   *regexp.Regexp
	cond *expr.Program
}

// Valid reports whether the rule takes part in evaluation. Rules whose
// pattern or condition failed to compile stay in the set but never match.
func (r *Rule) Valid() bool {
	return r != nil && r.re != nil && (r.Condition == "" || r.cond != nil)
}

// Match searches text for the rule pattern and, when a condition is
// configured, requires it to hold as well. It returns the matched substring.
// A condition that fails to evaluate counts as no match and the error is
// returned for logging.
func (r *Rule) Match(text string) (string, bool, error) {
	if !r.Valid() {
		return "", false, nil
	}
	loc := r.re.FindStringIndex(text)
	if loc == nil {
		return "", false, nil
	}
	if r.cond != nil {
		ok, err := r.cond.EvalBool(expr.Activation(text))
		if err != nil {
			return "", false, fmt.Errorf("rules: rule %s condition: %w", r.ID, err)
		}
		if !ok {
			return "", false, nil
		}
	}
	return text[loc[0]:loc[1]], true, nil
}

// Metadata describes where a RuleSet came from.
type Metadata struct {
	Version     string    `json:"version,omitempty"`
	TotalRules  int       `json:"totalRules,omitempty"`
	LastUpdated string    `json:"lastUpdated,omitempty"`
	Source      string    `json:"source,omitempty"`
	LoadedAt    time.Time `json:"loadedAt"`
}

// RuleSet is an ordered list of rules. Declaration order is evaluation order.
type RuleSet struct {
	rules []Rule
	meta  Metadata
	inert []string
}

// Len returns the number of rules, including inert ones.
func (s *RuleSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.rules)
}

// At returns the i-th rule in declaration order.
func (s *RuleSet) At(i int) *Rule {
	return &s.rules[i]
}

// Rules returns a copy of the rules in declaration order.
func (s *RuleSet) Rules() []Rule {
	if s == nil {
		return nil
	}
	return append([]Rule(nil), s.rules...)
}

// Metadata returns the source metadata.
func (s *RuleSet) Metadata() Metadata {
	if s == nil {
		return Metadata{}
	}
	return s.meta
}

// Inert lists the ids of rules that will never match because their pattern
// or condition could not be compiled.
func (s *RuleSet) Inert() []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s.inert...)
}

// PatternCompilationError reports a rule whose pattern or condition could not
// be compiled. It is logged, never returned from Load.
type PatternCompilationError struct {
	RuleID  string
	Pattern string
	Err     error
}

func (e *PatternCompilationError) Error() string {
	return fmt.Sprintf("rules: rule %s: compile %q: %v", e.RuleID, e.Pattern, e.Err)
}

func (e *PatternCompilationError) Unwrap() error { return e.Err }
