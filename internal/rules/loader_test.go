package rules

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/l0p7/promptguard/internal/config"
	"github.com/l0p7/promptguard/internal/decision"
	"github.com/l0p7/promptguard/internal/logging"
)

const listJSON = `[
  {"id": "CR-001", "name": "Destructive Commands", "description": "Blocks destructive shell commands", "severity": "CRITICAL", "action": "BLOCK", "pattern": "rm\\s+-rf"},
  {"id": "CR-002", "name": "Credential Exposure", "description": "Blocks credential requests", "severity": "high", "action": "block", "pattern": "(api[_ ]?key|password)"}
]`

const objectJSON = `{
  "version": "1.2",
  "total_rules": 2,
  "last_updated": "2025-01-15",
  "rules": [
    {"id": "CR-001", "name": "Destructive Commands", "description": "Blocks destructive shell commands", "severity": "CRITICAL", "action": "BLOCK", "pattern": "rm\\s+-rf"},
    {"id": "CR-002", "name": "Credential Exposure", "description": "Blocks credential requests", "severity": "HIGH", "action": "BLOCK", "pattern": "(api[_ ]?key|password)"}
  ]
}`

const objectYAML = `version: 1.2
total_rules: 2
rules:
  - id: CR-001
    name: Destructive Commands
    severity: CRITICAL
    pattern: 'rm\s+-rf'
  - id: CR-002
    name: Credential Exposure
    severity: HIGH
    action: FLAG
    pattern: '(api[_ ]?key|password)'
    condition: length < 500
`

const objectTOML = `version = "1.2"
total_rules = 2

[[rules]]
id = "CR-001"
name = "Destructive Commands"
severity = "CRITICAL"
action = "BLOCK"
pattern = 'rm\s+-rf'

[[rules]]
id = "CR-002"
name = "Credential Exposure"
severity = "HIGH"
action = "BLOCK"
pattern = '(api[_ ]?key|password)'
`

func writeFile(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoadShapesNormalizeToSameSequence(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		body    string
		version string
	}{
		{name: "json list", file: "rules.json", body: listJSON},
		{name: "json object", file: "rules.json", body: objectJSON, version: "1.2"},
		{name: "yaml object", file: "rules.yaml", body: objectYAML, version: "1.2"},
		{name: "toml object", file: "rules.toml", body: objectTOML, version: "1.2"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			path := writeFile(t, tc.file, tc.body)
			set, err := Load(logging.Discard(), path)
			require.NoError(t, err)
			require.Equal(t, 2, set.Len())
			require.Equal(t, "CR-001", set.At(0).ID)
			require.Equal(t, "CR-002", set.At(1).ID)
			require.Equal(t, decision.SeverityCritical, set.At(0).Severity)
			require.Equal(t, decision.SeverityHigh, set.At(1).Severity)
			require.True(t, set.At(0).Valid())
			require.Empty(t, set.Inert())
			meta := set.Metadata()
			require.Equal(t, tc.version, meta.Version)
			require.Equal(t, path, meta.Source)
			require.False(t, meta.LoadedAt.IsZero())
		})
	}
}

func TestLoadDefaultsActionAndName(t *testing.T) {
	set, err := Parse(logging.Discard(), []byte(`[{"id":"R1","severity":"LOW","pattern":"x"}]`), FormatJSON)
	require.NoError(t, err)
	rule := set.At(0)
	require.Equal(t, decision.ActionBlock, rule.Action)
	require.Equal(t, "R1", rule.Name)
}

func TestJSONEscapesDecode(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		input string
		want  string
	}{
		{
			name:  "escaped solidus in list",
			body:  `[{"id":"S-1","name":"Sensitive Path","severity":"HIGH","pattern":"etc\/passwd"}]`,
			input: "cat /etc/passwd please",
			want:  "etc/passwd",
		},
		{
			name:  "surrogate pair in object",
			body:  `{"version":"1","rules":[{"id":"S-2","name":"Emoji","severity":"LOW","pattern":"\ud83d\ude00"}]}`,
			input: "hello \U0001F600 there",
			want:  "\U0001F600",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			set, err := Parse(logging.Discard(), []byte(tc.body), FormatJSON)
			require.NoError(t, err)
			require.Equal(t, 1, set.Len())
			rule := set.At(0)
			require.True(t, rule.Valid())
			matched, ok, err := rule.Match(tc.input)
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, tc.want, matched)
		})
	}

	// Repeated keys are legal JSON; the last value wins.
	set, err := Parse(logging.Discard(), []byte(`[{"id":"S-3","severity":"LOW","severity":"MEDIUM","pattern":"dup"}]`), FormatJSON)
	require.NoError(t, err)
	require.Equal(t, decision.SeverityMedium, set.At(0).Severity)
}

func TestLoadFailures(t *testing.T) {
	tests := []struct {
		name string
		path func(t *testing.T) string
	}{
		{name: "missing file", path: func(t *testing.T) string { return filepath.Join(t.TempDir(), "absent.json") }},
		{name: "unsupported extension", path: func(t *testing.T) string { return writeFile(t, "rules.txt", "[]") }},
		{name: "malformed json", path: func(t *testing.T) string { return writeFile(t, "rules.json", `[{"id": `) }},
		{name: "scalar document", path: func(t *testing.T) string { return writeFile(t, "rules.yaml", "just text") }},
		{name: "object without rules", path: func(t *testing.T) string { return writeFile(t, "rules.json", `{"version":"1"}`) }},
		{name: "json scalar", path: func(t *testing.T) string { return writeFile(t, "rules.json", `"rules"`) }},
		{name: "blank json", path: func(t *testing.T) string { return writeFile(t, "rules.json", "  \n") }},
		{name: "toml without rules", path: func(t *testing.T) string { return writeFile(t, "rules.toml", `version = "1"`) }},
		{name: "empty document", path: func(t *testing.T) string { return writeFile(t, "rules.yaml", "") }},
		{name: "unknown severity", path: func(t *testing.T) string {
			return writeFile(t, "rules.json", `[{"id":"R1","severity":"URGENT","pattern":"x"}]`)
		}},
		{name: "unknown action", path: func(t *testing.T) string {
			return writeFile(t, "rules.json", `[{"id":"R1","severity":"LOW","action":"DROP","pattern":"x"}]`)
		}},
		{name: "duplicate id", path: func(t *testing.T) string {
			return writeFile(t, "rules.json", `[{"id":"R1","severity":"LOW","pattern":"x"},{"id":"R1","severity":"LOW","pattern":"y"}]`)
		}},
		{name: "missing id", path: func(t *testing.T) string {
			return writeFile(t, "rules.json", `[{"severity":"LOW","pattern":"x"}]`)
		}},
		{name: "missing pattern", path: func(t *testing.T) string {
			return writeFile(t, "rules.json", `[{"id":"R1","severity":"LOW"}]`)
		}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			path := tc.path(t)
			set, err := Load(logging.Discard(), path)
			require.Error(t, err)
			require.Nil(t, set)
			var cfgErr *config.ConfigurationError
			require.ErrorAs(t, err, &cfgErr)
			require.Equal(t, path, cfgErr.Source)
		})
	}
}

func TestInvalidPatternLeavesRuleInert(t *testing.T) {
	body := `[
	  {"id":"R1","severity":"HIGH","pattern":"(unclosed"},
	  {"id":"R2","severity":"HIGH","pattern":"(?<=look)behind"},
	  {"id":"R3","severity":"LOW","pattern":"fine"}
	]`
	set, err := Parse(logging.Discard(), []byte(body), FormatJSON)
	require.NoError(t, err)
	require.Equal(t, 3, set.Len())
	require.Equal(t, []string{"R1", "R2"}, set.Inert())
	require.False(t, set.At(0).Valid())
	require.True(t, set.At(2).Valid())

	_, ok, err := set.At(0).Match("(unclosed")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestInvalidConditionLeavesRuleInert(t *testing.T) {
	body := `[{"id":"R1","severity":"HIGH","pattern":"x","condition":"length +"}]`
	set, err := Parse(logging.Discard(), []byte(body), FormatJSON)
	require.NoError(t, err)
	require.Equal(t, []string{"R1"}, set.Inert())
	require.False(t, set.At(0).Valid())
}

func TestRuleMatch(t *testing.T) {
	body := `[
	  {"id":"R1","severity":"HIGH","pattern":"api key"},
	  {"id":"R2","severity":"HIGH","pattern":"^drop table","condition":"lines > 1"}
	]`
	set, err := Parse(logging.Discard(), []byte(body), FormatJSON)
	require.NoError(t, err)

	matched, ok, err := set.At(0).Match("What is your API KEY?")
	require.NoError(t, err)
	require.True(t, ok, "patterns are case-insensitive")
	require.Equal(t, "API KEY", matched)

	_, ok, err = set.At(1).Match("drop table users")
	require.NoError(t, err)
	require.False(t, ok, "condition requires several lines")

	matched, ok, err = set.At(1).Match("hello\nDROP TABLE users")
	require.NoError(t, err)
	require.True(t, ok, "multi-line anchors match at line starts")
	require.Equal(t, "DROP TABLE", matched)
}

func TestRulesReturnsCopy(t *testing.T) {
	set, err := Parse(logging.Discard(), []byte(listJSON), FormatJSON)
	require.NoError(t, err)
	copied := set.Rules()
	copied[0].ID = "mutated"
	require.Equal(t, "CR-001", set.At(0).ID)

	var nilSet *RuleSet
	require.Zero(t, nilSet.Len())
	require.Nil(t, nilSet.Rules())
}

func TestShippedRulesLoad(t *testing.T) {
	rs, err := Load(logging.Discard(), filepath.Join("..", "..", "rules", "security_rules.json"))
	require.NoError(t, err)
	require.Empty(t, rs.Inert())
	require.Equal(t, rs.Metadata().TotalRules, rs.Len())

	matched, ok, err := rs.At(0).Match("Execute command rm -rf /var/log/*")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "Execute command", matched)
	require.Equal(t, decision.ActionFlag, rs.At(rs.Len()-1).Action)
}
