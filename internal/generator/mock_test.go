package generator

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMockResponseEchoesPromptPrefix(t *testing.T) {
	prompt := strings.Repeat("x", 150)
	out, err := NewMock().Generate(context.Background(), prompt, Params{})
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(out, "[MOCK RESPONSE - generator unavailable]"))
	require.Contains(t, out, "Analysis of input: "+strings.Repeat("x", 100)+"...")
	require.NotContains(t, out, strings.Repeat("x", 101))
}

func TestMockStreamReassembles(t *testing.T) {
	var b strings.Builder
	var n int
	err := NewMock().Stream(context.Background(), "short prompt", Params{}, func(s string) error {
		n++
		b.WriteString(s)
		return nil
	})
	require.NoError(t, err)
	require.Greater(t, n, 1)
	require.Equal(t, MockResponse("short prompt"), b.String())
}

func TestMockHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewMock().Generate(ctx, "p", Params{})
	require.ErrorIs(t, err, context.Canceled)
}
