// Package detector evaluates input text against a rule set.
package detector

import (
	"log/slog"

	"github.com/l0p7/promptguard/internal/decision"
	"github.com/l0p7/promptguard/internal/rules"
)

const (
	matchedTextLimit = 100

	// NoViolationReason is the reason carried by verdicts that matched no rule.
	NoViolationReason = "No security policy violations detected"
)

// Verdict is the detector's answer for a single input.
type Verdict struct {
	Blocked     bool
	RuleID      string
	RuleName    string
	Severity    decision.Severity
	Reason      string
	MatchedText string
	Action      decision.Action
}

// Detector applies first-match-wins evaluation over a RuleSet. It holds no
// mutable state and is safe for concurrent use.
type Detector struct {
	logger *slog.Logger
	rules  *rules.RuleSet
}

// New binds a detector to rs.
func New(logger *slog.Logger, rs *rules.RuleSet) *Detector {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Detector{logger: logger.With(slog.String("agent", "detector")), rules: rs}
}

// RuleSet exposes the rules the detector evaluates.
func (d *Detector) RuleSet() *rules.RuleSet { return d.rules }

// Check walks the rules in declaration order and returns on the first match.
func (d *Detector) Check(text string) Verdict {
	for i := 0; i < d.rules.Len(); i++ {
		rule := d.rules.At(i)
		matched, ok, err := rule.Match(text)
		if err != nil {
			d.logger.Warn("rule condition failed", slog.String("rule_id", rule.ID), slog.Any("error", err))
			continue
		}
		if !ok {
			continue
		}
		d.logger.Debug("rule triggered",
			slog.String("rule_id", rule.ID),
			slog.String("severity", string(rule.Severity)))
		return Verdict{
			Blocked:     true,
			RuleID:      rule.ID,
			RuleName:    rule.Name,
			Severity:    rule.Severity,
			Reason:      rule.Description,
			MatchedText: decision.Truncate(matched, matchedTextLimit),
			Action:      rule.Action,
		}
	}
	return Verdict{
		Severity: decision.SeverityNone,
		Reason:   NoViolationReason,
		Action:   decision.ActionAllow,
	}
}
