package decision

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseRuleSeverity(t *testing.T) {
	sev, ok := ParseRuleSeverity(" critical ")
	require.True(t, ok)
	require.Equal(t, SeverityCritical, sev)

	for _, bad := range []string{"", "NONE", "ERROR", "urgent"} {
		_, ok := ParseRuleSeverity(bad)
		require.False(t, ok, bad)
	}
}

func TestParseAction(t *testing.T) {
	a, ok := ParseAction("flag")
	require.True(t, ok)
	require.Equal(t, ActionFlag, a)

	_, ok = ParseAction("drop")
	require.False(t, ok)
}

func TestCloneCopiesTrace(t *testing.T) {
	orig := Decision{ReasoningTrace: []string{"a", "b"}}
	clone := orig.Clone()
	clone.ReasoningTrace[0] = "changed"
	require.Equal(t, "a", orig.ReasoningTrace[0])
}

func TestTruncate(t *testing.T) {
	require.Equal(t, "abc", Truncate("abc", 5))
	require.Equal(t, "ab", Truncate("abc", 2))
	require.Equal(t, "", Truncate("abc", 0))
	require.Equal(t, "héé", Truncate("héééé", 3))
}
