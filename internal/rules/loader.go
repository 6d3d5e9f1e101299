package rules

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/v2"
	"gopkg.in/yaml.v3"

	"github.com/l0p7/promptguard/internal/config"
	"github.com/l0p7/promptguard/internal/decision"
	"github.com/l0p7/promptguard/internal/expr"
)

// Format names a rule document encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

// FormatFor derives the document format from a file extension.
func FormatFor(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".toml", ".tml":
		return FormatTOML, nil
	default:
		return "", fmt.Errorf("rules: unsupported rules file extension %q", filepath.Ext(path))
	}
}

// Definition is a rule as written in the source document.
type Definition struct {
	ID          string `yaml:"id" koanf:"id"`
	Name        string `yaml:"name" koanf:"name"`
	Description string `yaml:"description" koanf:"description"`
	Severity    string `yaml:"severity" koanf:"severity"`
	Action      string `yaml:"action" koanf:"action"`
	Pattern     string `yaml:"pattern" koanf:"pattern"`
	Condition   string `yaml:"condition" koanf:"condition"`
}

// document is the object shape: metadata plus a rules list.
type document struct {
	Version     any          `yaml:"version" koanf:"version"`
	TotalRules  int          `yaml:"total_rules" koanf:"total_rules"`
	LastUpdated any          `yaml:"last_updated" koanf:"last_updated"`
	Rules       []Definition `yaml:"rules" koanf:"rules"`
}

// Load reads and compiles the rule document at path. A missing, unreadable
// or malformed document yields a *config.ConfigurationError. Rules with
// broken patterns are kept inert and logged.
func Load(logger *slog.Logger, path string) (*RuleSet, error) {
	format, err := FormatFor(path)
	if err != nil {
		return nil, &config.ConfigurationError{Source: path, Err: err}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, &config.ConfigurationError{Source: path, Err: fmt.Errorf("rules: file %s not found", path)}
		}
		return nil, &config.ConfigurationError{Source: path, Err: fmt.Errorf("rules: read %s: %w", path, err)}
	}
	set, err := Parse(logger, data, format)
	if err != nil {
		var cfgErr *config.ConfigurationError
		if errors.As(err, &cfgErr) {
			cfgErr.Source = path
		}
		return nil, err
	}
	set.meta.Source = path
	return set, nil
}

// Parse decodes a rule document. Both a bare list of rules and an object
// holding a "rules" list are accepted for JSON and YAML; TOML has no
// top-level arrays so only the object shape applies there.
func Parse(logger *slog.Logger, data []byte, format Format) (*RuleSet, error) {
	var (
		doc document
		err error
	)
	switch format {
	case FormatJSON:
		doc, err = decodeJSON(data)
	case FormatYAML:
		doc, err = decodeYAML(data)
	case FormatTOML:
		doc, err = decodeObject("rules.toml", data)
	default:
		err = fmt.Errorf("rules: unsupported format %q", format)
	}
	if err != nil {
		return nil, &config.ConfigurationError{Err: err}
	}
	meta := Metadata{
		Version:     scalarString(doc.Version),
		TotalRules:  doc.TotalRules,
		LastUpdated: scalarString(doc.LastUpdated),
	}
	return Compile(logger, meta, doc.Rules)
}

func decodeYAML(data []byte) (document, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return document{}, fmt.Errorf("rules: decode: %w", err)
	}
	if root.Kind != yaml.DocumentNode || len(root.Content) == 0 {
		return document{}, errors.New("rules: empty rule document")
	}
	body := root.Content[0]
	var doc document
	switch body.Kind {
	case yaml.SequenceNode:
		if err := body.Decode(&doc.Rules); err != nil {
			return document{}, fmt.Errorf("rules: decode rule list: %w", err)
		}
	case yaml.MappingNode:
		if err := body.Decode(&doc); err != nil {
			return document{}, fmt.Errorf("rules: decode rule document: %w", err)
		}
		if doc.Rules == nil {
			return document{}, errors.New("rules: document has no rules list")
		}
	default:
		return document{}, errors.New("rules: expected a list of rules or an object with a rules list")
	}
	return doc, nil
}

// decodeJSON picks the document shape from the first significant byte. Bare
// lists are wrapped under "rules" so both shapes decode through koanf.
func decodeJSON(data []byte) (document, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return document{}, errors.New("rules: empty rule document")
	}
	switch trimmed[0] {
	case '[':
		var list []any
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return document{}, fmt.Errorf("rules: decode rule list: %w", err)
		}
		return decodeMap(map[string]any{"rules": list})
	case '{':
		return decodeObject("rules.json", trimmed)
	default:
		return document{}, errors.New("rules: expected a list of rules or an object with a rules list")
	}
}

// decodeObject parses an object-shaped document with the koanf parser that
// matches name's extension.
func decodeObject(name string, data []byte) (document, error) {
	parser, err := config.ParserFor(name)
	if err != nil {
		return document{}, err
	}
	raw, err := parser.Unmarshal(data)
	if err != nil {
		return document{}, fmt.Errorf("rules: decode: %w", err)
	}
	if rules, ok := raw["rules"]; !ok || rules == nil {
		return document{}, errors.New("rules: document has no rules list")
	}
	return decodeMap(raw)
}

func decodeMap(raw map[string]any) (document, error) {
	k := koanf.New(".")
	if err := k.Load(confmap.Provider(raw, ""), nil); err != nil {
		return document{}, fmt.Errorf("rules: load document: %w", err)
	}
	var doc document
	if err := k.Unmarshal("", &doc); err != nil {
		return document{}, fmt.Errorf("rules: decode rule document: %w", err)
	}
	return doc, nil
}

// Compile validates definitions and compiles their patterns in order.
// Structural problems (missing id or pattern, unknown severity or action,
// duplicate ids) fail the whole set. Pattern and condition compile failures
// only disable the affected rule.
func Compile(logger *slog.Logger, meta Metadata, defs []Definition) (*RuleSet, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	log := logger.With(slog.String("agent", "rules"))

	var env *expr.Environment
	set := &RuleSet{rules: make([]Rule, 0, len(defs)), meta: meta}
	seen := make(map[string]struct{}, len(defs))

	for i, def := range defs {
		id := strings.TrimSpace(def.ID)
		if id == "" {
			return nil, &config.ConfigurationError{Err: fmt.Errorf("rules: rule #%d: id required", i)}
		}
		if _, dup := seen[id]; dup {
			return nil, &config.ConfigurationError{Err: fmt.Errorf("rules: rule %s: duplicate id", id)}
		}
		seen[id] = struct{}{}

		severity, ok := decision.ParseRuleSeverity(def.Severity)
		if !ok {
			return nil, &config.ConfigurationError{Err: fmt.Errorf("rules: rule %s: unknown severity %q", id, def.Severity)}
		}
		action := decision.ActionBlock
		if strings.TrimSpace(def.Action) != "" {
			if action, ok = decision.ParseAction(def.Action); !ok {
				return nil, &config.ConfigurationError{Err: fmt.Errorf("rules: rule %s: unknown action %q", id, def.Action)}
			}
		}
		if def.Pattern == "" {
			return nil, &config.ConfigurationError{Err: fmt.Errorf("rules: rule %s: pattern required", id)}
		}
		name := strings.TrimSpace(def.Name)
		if name == "" {
			name = id
		}

		rule := Rule{
			ID:          id,
			Name:        name,
			Description: strings.TrimSpace(def.Description),
			Severity:    severity,
			Action:      action,
			Pattern:     def.Pattern,
			Condition:   strings.TrimSpace(def.Condition),
		}

		re, err := regexp.Compile("(?im)" + def.Pattern)
		if err != nil {
			log.Warn("rule pattern disabled", slog.Any("error", &PatternCompilationError{RuleID: id, Pattern: def.Pattern, Err: err}))
			set.inert = append(set.inert, id)
			set.rules = append(set.rules, rule)
			continue
		}
		rule.re = re

		if rule.Condition != "" {
			if env == nil {
				if env, err = expr.NewEnvironment(); err != nil {
					return nil, fmt.Errorf("rules: %w", err)
				}
			}
			program, err := env.Compile(rule.Condition)
			if err != nil {
				log.Warn("rule condition disabled", slog.Any("error", &PatternCompilationError{RuleID: id, Pattern: rule.Condition, Err: err}))
				set.inert = append(set.inert, id)
				set.rules = append(set.rules, rule)
				continue
			}
			rule.cond = &program
		}
		set.rules = append(set.rules, rule)
	}

	if meta.TotalRules > 0 && meta.TotalRules != len(set.rules) {
		log.Warn("rule count differs from document metadata",
			slog.Int("declared", meta.TotalRules),
			slog.Int("loaded", len(set.rules)))
	}
	set.meta.LoadedAt = time.Now().UTC()
	log.Info("rules loaded",
		slog.Int("rules", len(set.rules)),
		slog.Int("inert", len(set.inert)),
		slog.String("version", set.meta.Version))
	return set, nil
}

func scalarString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case time.Time:
		return val.Format(time.RFC3339)
	default:
		return fmt.Sprint(val)
	}
}
