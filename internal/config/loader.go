package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Loader hydrates the runtime configuration while respecting env > file > default precedence.
type Loader struct {
	envPrefix string
	files     []string
}

// NewLoader prepares a config hydrator that honors the env-first contract before touching files or defaults.
func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{
		envPrefix: envPrefix,
		files:     files,
	}
}

// canonicalKeys restores camelCase keys after env names are lower-cased.
var canonicalKeys = map[string]string{
	"server.logging.correlationheader":     "server.logging.correlationHeader",
	"server.rules.rulesfile":               "server.rules.rulesFile",
	"server.templates.templatesfolder":     "server.templates.templatesFolder",
	"server.templates.templatesallowenv":   "server.templates.templatesAllowEnv",
	"server.templates.templatesallowedenv": "server.templates.templatesAllowedEnv",
	"server.templates.blockmessage":        "server.templates.blockMessage",
	"server.cache.maxsize":                 "server.cache.maxSize",
	"server.cache.ttlseconds":              "server.cache.ttlSeconds",
	"server.cache.redis.tls.cafile":        "server.cache.redis.tls.caFile",
	"server.audit.filepath":                "server.audit.filePath",
	"server.audit.maxsizemb":               "server.audit.maxSizeMB",
	"server.audit.maxbackups":              "server.audit.maxBackups",
	"server.audit.maxagedays":              "server.audit.maxAgeDays",
	"server.cors.allowedorigins":           "server.cors.allowedOrigins",
	"generator.mockmode":                   "generator.mockMode",
	"generator.generation.maxtokens":       "generator.generation.maxTokens",
	"generator.generation.topp":            "generator.generation.topP",
	"generator.request.timeoutseconds":     "generator.request.timeoutSeconds",
	"generator.request.maxretries":         "generator.request.maxRetries",
	"generator.request.retrydelayseconds":  "generator.request.retryDelaySeconds",
	"generator.request.retrybackoff":       "generator.request.retryBackoff",
	"generator.request.maxdelayseconds":    "generator.request.maxDelaySeconds",
}

// Load assembles the effective snapshot using the documented precedence rules.
// Every failure is reported as a *ConfigurationError.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	defaultCfg := DefaultConfig()
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(structToMap(defaultCfg), "."), nil); err != nil {
		return Config{}, &ConfigurationError{Err: fmt.Errorf("config: load defaults: %w", err)}
	}

	for _, path := range l.files {
		if path == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		default:
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, &ConfigurationError{Source: path, Err: fmt.Errorf("config: file %s not found", path)}
			}
			return Config{}, &ConfigurationError{Source: path, Err: fmt.Errorf("config: stat %s: %w", path, err)}
		}
		parser, err := ParserFor(path)
		if err != nil {
			return Config{}, &ConfigurationError{Source: path, Err: err}
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			return Config{}, &ConfigurationError{Source: path, Err: fmt.Errorf("config: load file %s: %w", path, err)}
		}
	}

	if l.envPrefix != "" {
		transform := func(s string) string {
			// Double underscores signal a nested path (PROMPTGUARD_SERVER__LISTEN__PORT -> server.listen.port).
			key := strings.TrimPrefix(s, l.envPrefix+"_")
			key = strings.ReplaceAll(key, "__", ".")
			lower := strings.ToLower(key)
			if mapped, ok := canonicalKeys[lower]; ok {
				return mapped
			}
			key = strings.ReplaceAll(key, "_", "")
			return strings.ToLower(key)
		}
		if err := k.Load(env.Provider(l.envPrefix, ".", transform), nil); err != nil {
			return Config{}, &ConfigurationError{Err: fmt.Errorf("config: load env: %w", err)}
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, &ConfigurationError{Err: fmt.Errorf("config: unmarshal: %w", err)}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ParserFor picks the koanf parser matching the file extension.
func ParserFor(path string) (koanf.Parser, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".json":
		return kjson.Parser(), nil
	case ".toml", ".tml":
		return toml.Parser(), nil
	default:
		return nil, fmt.Errorf("config: unsupported file extension %q", ext)
	}
}

// structToMap converts DefaultConfig into a map for the koanf confmap provider.
func structToMap(cfg Config) map[string]any {
	return map[string]any{
		"server": map[string]any{
			"listen": map[string]any{
				"address": cfg.Server.Listen.Address,
				"port":    cfg.Server.Listen.Port,
			},
			"logging": map[string]any{
				"level":             cfg.Server.Logging.Level,
				"format":            cfg.Server.Logging.Format,
				"correlationHeader": cfg.Server.Logging.CorrelationHeader,
			},
			"rules": map[string]any{
				"rulesFile": cfg.Server.Rules.RulesFile,
				"watch":     cfg.Server.Rules.Watch,
			},
			"templates": map[string]any{
				"templatesFolder":     cfg.Server.Templates.TemplatesFolder,
				"templatesAllowEnv":   cfg.Server.Templates.TemplatesAllowEnv,
				"templatesAllowedEnv": cfg.Server.Templates.TemplatesAllowedEnv,
				"blockMessage":        cfg.Server.Templates.BlockMessage,
				"prompt":              cfg.Server.Templates.Prompt,
			},
			"cache": map[string]any{
				"enabled":    cfg.Server.Cache.Enabled,
				"backend":    cfg.Server.Cache.Backend,
				"maxSize":    cfg.Server.Cache.MaxSize,
				"ttlSeconds": cfg.Server.Cache.TTLSeconds,
				"namespace":  cfg.Server.Cache.Namespace,
				"redis": map[string]any{
					"address":  cfg.Server.Cache.Redis.Address,
					"username": cfg.Server.Cache.Redis.Username,
					"password": cfg.Server.Cache.Redis.Password,
					"db":       cfg.Server.Cache.Redis.DB,
					"tls": map[string]any{
						"enabled": cfg.Server.Cache.Redis.TLS.Enabled,
						"caFile":  cfg.Server.Cache.Redis.TLS.CAFile,
					},
				},
			},
			"audit": map[string]any{
				"enabled":    cfg.Server.Audit.Enabled,
				"filePath":   cfg.Server.Audit.FilePath,
				"maxSizeMB":  cfg.Server.Audit.MaxSizeMB,
				"maxBackups": cfg.Server.Audit.MaxBackups,
				"maxAgeDays": cfg.Server.Audit.MaxAgeDays,
				"compress":   cfg.Server.Audit.Compress,
			},
			"cors": map[string]any{
				"allowedOrigins": cfg.Server.CORS.AllowedOrigins,
			},
		},
		"generator": map[string]any{
			"provider": cfg.Generator.Provider,
			"mockMode": cfg.Generator.MockMode,
			"model":    cfg.Generator.Model,
			"region":   cfg.Generator.Region,
			"endpoint": cfg.Generator.Endpoint,
			"token":    cfg.Generator.Token,
			"generation": map[string]any{
				"maxTokens":   cfg.Generator.Generation.MaxTokens,
				"temperature": cfg.Generator.Generation.Temperature,
				"topP":        cfg.Generator.Generation.TopP,
			},
			"request": map[string]any{
				"timeoutSeconds":    cfg.Generator.Request.TimeoutSeconds,
				"maxRetries":        cfg.Generator.Request.MaxRetries,
				"retryDelaySeconds": cfg.Generator.Request.RetryDelaySeconds,
				"retryBackoff":      cfg.Generator.Request.RetryBackoff,
				"maxDelaySeconds":   cfg.Generator.Request.MaxDelaySeconds,
			},
		},
	}
}
