// Package decision holds the verdict model shared by the detector, the cache,
// the audit log and the gateway.
package decision

import (
	"strings"
	"time"
	"unicode/utf8"
)

// Severity grades a rule or a decision. Rules only carry the first four
// values; the remaining ones describe decisions that were not produced by a
// rule match.
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
	SeverityLow      Severity = "LOW"

	SeverityNone    Severity = "NONE"
	SeverityError   Severity = "ERROR"
	SeverityWarning Severity = "WARNING"
	SeverityUnsafe  Severity = "UNSAFE"
)

// ParseRuleSeverity accepts the severities a rule may declare, ignoring case.
func ParseRuleSeverity(s string) (Severity, bool) {
	switch sev := Severity(strings.ToUpper(strings.TrimSpace(s))); sev {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow:
		return sev, true
	default:
		return "", false
	}
}

// Action is what a rule asks the gateway to do on a match.
type Action string

const (
	ActionBlock Action = "BLOCK"
	ActionAllow Action = "ALLOW"
	ActionFlag  Action = "FLAG"
)

// ParseAction accepts BLOCK, ALLOW or FLAG, ignoring case.
func ParseAction(s string) (Action, bool) {
	switch a := Action(strings.ToUpper(strings.TrimSpace(s))); a {
	case ActionBlock, ActionAllow, ActionFlag:
		return a, true
	default:
		return "", false
	}
}

// Decision is the outcome of one gateway call.
type Decision struct {
	Blocked        bool      `json:"blocked"`
	RuleID         string    `json:"ruleId"`
	RuleName       string    `json:"ruleName"`
	Severity       Severity  `json:"severity"`
	Reason         string    `json:"reason"`
	MatchedText    string    `json:"matchedText,omitempty"`
	Action         Action    `json:"action"`
	Output         string    `json:"output"`
	ReasoningTrace []string  `json:"reasoningTrace"`
	LatencyMS      float64   `json:"latencyMs"`
	Timestamp      time.Time `json:"timestamp"`
	Context        string    `json:"context"`
	FromCache      bool      `json:"fromCache"`
	Streamed       bool      `json:"streamed,omitempty"`
	UnsafeMode     bool      `json:"unsafeMode,omitempty"`
}

// Clone returns a deep copy so cached decisions cannot be mutated by callers.
func (d Decision) Clone() Decision {
	out := d
	if d.ReasoningTrace != nil {
		out.ReasoningTrace = append([]string(nil), d.ReasoningTrace...)
	}
	return out
}

// Truncate shortens s to at most n characters without splitting a rune.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}
