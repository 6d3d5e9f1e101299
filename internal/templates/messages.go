package templates

import (
	"fmt"
	"strings"

	"github.com/l0p7/promptguard/internal/config"
)

// DefaultBlockMessage is returned to callers whose input matched a rule.
const DefaultBlockMessage = `Security Policy Violation Detected

Rule: {{ .RuleName }}
Severity: {{ .Severity }}
Reason: {{ .Reason }}

This input violates constitutional AI safety rules and cannot be processed. For legitimate SOC operations, please rephrase your request without prohibited patterns.`

// DefaultPrompt wraps allowed input before it is sent to the generator.
const DefaultPrompt = `You are a Security Operations Center (SOC) analyst assistant. Provide objective, professional analysis.

Context: {{ .Context }}
Input: {{ .Text }}

Analysis:`

// BlockData feeds the block message template.
type BlockData struct {
	RuleID   string
	RuleName string
	Severity string
	Reason   string
	Context  string
}

// PromptData feeds the prompt template.
type PromptData struct {
	Text    string
	Context string
}

// Messages holds the compiled block message and prompt templates.
type Messages struct {
	block  *Template
	prompt *Template
}

// LoadMessages compiles the configured templates. A value starting with "@"
// names a file inside the templates folder; an empty value selects the
// built-in default.
func LoadMessages(cfg config.TemplatesConfig) (*Messages, error) {
	var sandbox *Sandbox
	if strings.TrimSpace(cfg.TemplatesFolder) != "" {
		sb, err := NewSandbox(cfg.TemplatesFolder, cfg.TemplatesAllowEnv, cfg.TemplatesAllowedEnv)
		if err != nil {
			return nil, &config.ConfigurationError{Source: "server.templates.templatesFolder", Err: err}
		}
		sandbox = sb
	}
	r := NewRenderer(sandbox)

	block, err := compileSetting(r, "block-message", cfg.BlockMessage, DefaultBlockMessage)
	if err != nil {
		return nil, &config.ConfigurationError{Source: "server.templates.blockMessage", Err: err}
	}
	prompt, err := compileSetting(r, "prompt", cfg.Prompt, DefaultPrompt)
	if err != nil {
		return nil, &config.ConfigurationError{Source: "server.templates.prompt", Err: err}
	}
	return &Messages{block: block, prompt: prompt}, nil
}

// DefaultMessages returns the built-in templates.
func DefaultMessages() *Messages {
	m, err := LoadMessages(config.TemplatesConfig{})
	if err != nil {
		panic(fmt.Sprintf("templates: built-in templates do not compile: %v", err))
	}
	return m
}

func compileSetting(r *Renderer, name, value, fallback string) (*Template, error) {
	if path, ok := strings.CutPrefix(strings.TrimSpace(value), "@"); ok {
		t, err := r.CompileFile(path)
		if err == nil && t == nil {
			err = fmt.Errorf("templates: %q is empty", path)
		}
		return t, err
	}
	if strings.TrimSpace(value) == "" {
		value = fallback
	}
	return r.CompileInline(name, value)
}

// Block renders the message returned for a blocked input.
func (m *Messages) Block(data BlockData) (string, error) {
	return m.block.Render(data)
}

// Prompt renders the generator prompt wrapping an allowed input.
func (m *Messages) Prompt(data PromptData) (string, error) {
	return m.prompt.Render(data)
}
