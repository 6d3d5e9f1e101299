package expr

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConditionOverInput(t *testing.T) {
	env, err := NewEnvironment()
	require.NoError(t, err)

	tests := []struct {
		name       string
		expression string
		text       string
		want       bool
	}{
		{name: "length threshold", expression: "length > 5", text: "abcdef", want: true},
		{name: "length below threshold", expression: "length > 5", text: "abc", want: false},
		{name: "string functions", expression: `text.contains("prod") && lines == 1`, text: "drop prod db", want: true},
		{name: "multi line", expression: "lines >= 2", text: "a\nb", want: true},
		{name: "counts runes", expression: "length == 3", text: "héé", want: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			program, err := env.Compile(tc.expression)
			require.NoError(t, err)
			got, err := program.EvalBool(Activation(tc.text))
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestCompileRejectsInvalidExpressions(t *testing.T) {
	env, err := NewEnvironment()
	require.NoError(t, err)

	_, err = env.Compile("   ")
	require.Error(t, err)

	_, err = env.Compile("length +")
	require.Error(t, err)

	_, err = env.Compile("length + 1")
	require.Error(t, err, "non-boolean expressions are rejected")

	_, err = env.Compile("unknown_var == 1")
	require.Error(t, err)
}

func TestUninitializedProgram(t *testing.T) {
	_, err := Program{}.EvalBool(Activation("x"))
	require.Error(t, err)
}

func TestProgramSource(t *testing.T) {
	env, err := NewEnvironment()
	require.NoError(t, err)
	program, err := env.Compile(`  true `)
	require.NoError(t, err)
	require.Equal(t, "true", program.Source())
}
