package generator

import (
	"context"
	"fmt"
	"strings"

	"github.com/l0p7/promptguard/internal/decision"
)

// Mock answers with a fixed placeholder derived from the prompt. It is used
// when no provider is configured or mock mode is forced.
type Mock struct{}

// NewMock returns the placeholder generator.
func NewMock() Mock { return Mock{} }

func (Mock) Name() string { return "mock" }

func (Mock) Generate(ctx context.Context, prompt string, _ Params) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return MockResponse(prompt), nil
}

// Stream emits the placeholder word by word.
func (m Mock) Stream(ctx context.Context, prompt string, p Params, fn func(string) error) error {
	text, err := m.Generate(ctx, prompt, p)
	if err != nil {
		return err
	}
	words := strings.SplitAfter(text, " ")
	for _, w := range words {
		if err := ctx.Err(); err != nil {
			return err
		}
		if w == "" {
			continue
		}
		if err := fn(w); err != nil {
			return err
		}
	}
	return nil
}

// MockResponse is the placeholder text for prompt.
func MockResponse(prompt string) string {
	return fmt.Sprintf("[MOCK RESPONSE - generator unavailable]\n\nAnalysis of input: %s...\n\n"+
		"This is a simulated response. Configure a generator provider to receive real analysis.",
		decision.Truncate(prompt, 100))
}
