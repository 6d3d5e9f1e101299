package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config holds every server-level option plus the generator settings.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Generator GeneratorConfig `koanf:"generator"`
}

// ServerConfig collects the bootstrap knobs of the gateway process.
type ServerConfig struct {
	Listen    ListenConfig      `koanf:"listen"`
	Logging   LoggingConfig     `koanf:"logging"`
	Rules     RulesConfig       `koanf:"rules"`
	Templates TemplatesConfig   `koanf:"templates"`
	Cache     ServerCacheConfig `koanf:"cache"`
	Audit     AuditConfig       `koanf:"audit"`
	CORS      CORSConfig        `koanf:"cors"`
}

// ListenConfig instructs the HTTP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig expresses log level, format, and correlation ID wiring.
type LoggingConfig struct {
	Level             string `koanf:"level"`
	Format            string `koanf:"format"`
	CorrelationHeader string `koanf:"correlationHeader"`
}

// RulesConfig points at the security rule document.
type RulesConfig struct {
	RulesFile string `koanf:"rulesFile"`
	Watch     bool   `koanf:"watch"`
}

// TemplatesConfig captures the template sandbox root and the optional
// overrides for the block message and the generation prompt. Each override
// is either inline template text or, when prefixed with "@", a path inside
// the templates folder.
type TemplatesConfig struct {
	TemplatesFolder     string   `koanf:"templatesFolder"`
	TemplatesAllowEnv   bool     `koanf:"templatesAllowEnv"`
	TemplatesAllowedEnv []string `koanf:"templatesAllowedEnv"`
	BlockMessage        string   `koanf:"blockMessage"`
	Prompt              string   `koanf:"prompt"`
}

type ServerCacheConfig struct {
	Enabled    bool                   `koanf:"enabled"`
	Backend    string                 `koanf:"backend"`
	MaxSize    int                    `koanf:"maxSize"`
	TTLSeconds int                    `koanf:"ttlSeconds"`
	Namespace  string                 `koanf:"namespace"`
	Redis      ServerRedisCacheConfig `koanf:"redis"`
}

// TTL converts the configured seconds into a duration.
func (c ServerCacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

type ServerRedisCacheConfig struct {
	Address  string               `koanf:"address"`
	Username string               `koanf:"username"`
	Password string               `koanf:"password"`
	DB       int                  `koanf:"db"`
	TLS      ServerRedisTLSConfig `koanf:"tls"`
}

type ServerRedisTLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

// AuditConfig describes the line-delimited decision log and its rotation.
type AuditConfig struct {
	Enabled    bool   `koanf:"enabled"`
	FilePath   string `koanf:"filePath"`
	MaxSizeMB  int    `koanf:"maxSizeMB"`
	MaxBackups int    `koanf:"maxBackups"`
	MaxAgeDays int    `koanf:"maxAgeDays"`
	Compress   bool   `koanf:"compress"`
}

type CORSConfig struct {
	AllowedOrigins []string `koanf:"allowedOrigins"`
}

// GeneratorConfig selects and tunes the text generation backend.
type GeneratorConfig struct {
	Provider   string           `koanf:"provider"`
	MockMode   bool             `koanf:"mockMode"`
	Model      string           `koanf:"model"`
	Region     string           `koanf:"region"`
	Endpoint   string           `koanf:"endpoint"`
	Token      string           `koanf:"token"`
	Generation GenerationConfig `koanf:"generation"`
	Request    RequestConfig    `koanf:"request"`
}

type GenerationConfig struct {
	MaxTokens   int     `koanf:"maxTokens"`
	Temperature float64 `koanf:"temperature"`
	TopP        float64 `koanf:"topP"`
}

// RequestConfig bounds each generator call. Delays are expressed in seconds
// so fractional values such as 0.5 remain readable in YAML and env vars.
type RequestConfig struct {
	TimeoutSeconds    float64 `koanf:"timeoutSeconds"`
	MaxRetries        int     `koanf:"maxRetries"`
	RetryDelaySeconds float64 `koanf:"retryDelaySeconds"`
	RetryBackoff      float64 `koanf:"retryBackoff"`
	MaxDelaySeconds   float64 `koanf:"maxDelaySeconds"`
}

// Timeout returns the per-attempt deadline.
func (c RequestConfig) Timeout() time.Duration { return seconds(c.TimeoutSeconds) }

// RetryDelay returns the delay before the second attempt.
func (c RequestConfig) RetryDelay() time.Duration { return seconds(c.RetryDelaySeconds) }

// MaxDelay caps the exponential backoff.
func (c RequestConfig) MaxDelay() time.Duration { return seconds(c.MaxDelaySeconds) }

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

// EffectiveProvider resolves the provider name with mock mode taking precedence.
func (c GeneratorConfig) EffectiveProvider() string {
	if c.MockMode {
		return ProviderMock
	}
	provider := strings.TrimSpace(strings.ToLower(c.Provider))
	if provider == "" {
		return ProviderMock
	}
	return provider
}

const (
	ProviderMock    = "mock"
	ProviderBedrock = "bedrock"
	ProviderHTTP    = "http"
)

// Validate enforces invariants that keep the gateway predictable before serving traffic.
func (c *Config) Validate() error {
	if c == nil {
		return &ConfigurationError{Err: errors.New("config: nil")}
	}
	if err := c.validate(); err != nil {
		return &ConfigurationError{Err: err}
	}
	return nil
}

func (c *Config) validate() error {
	if c.Server.Listen.Port < 0 || c.Server.Listen.Port > 65535 {
		return fmt.Errorf("config: listen.port invalid: %d", c.Server.Listen.Port)
	}
	if strings.TrimSpace(c.Server.Rules.RulesFile) == "" {
		return errors.New("config: server.rules.rulesFile required")
	}
	if c.Server.Cache.MaxSize < 0 {
		return fmt.Errorf("config: server.cache.maxSize invalid: %d", c.Server.Cache.MaxSize)
	}
	if c.Server.Cache.TTLSeconds < 0 {
		return fmt.Errorf("config: server.cache.ttlSeconds invalid: %d", c.Server.Cache.TTLSeconds)
	}
	backend := strings.TrimSpace(strings.ToLower(c.Server.Cache.Backend))
	switch backend {
	case "", "memory":
	case "redis":
		if strings.TrimSpace(c.Server.Cache.Redis.Address) == "" {
			return errors.New("config: server.cache.redis.address required for redis backend")
		}
	default:
		return fmt.Errorf("config: server.cache.backend unsupported: %s", c.Server.Cache.Backend)
	}
	if c.Server.Audit.Enabled && strings.TrimSpace(c.Server.Audit.FilePath) == "" {
		return errors.New("config: server.audit.filePath required when audit is enabled")
	}

	gen := c.Generator
	switch gen.EffectiveProvider() {
	case ProviderMock:
	case ProviderBedrock:
		if strings.TrimSpace(gen.Model) == "" || strings.TrimSpace(gen.Region) == "" {
			return errors.New("config: generator.model and generator.region required for bedrock provider")
		}
	case ProviderHTTP:
		if strings.TrimSpace(gen.Endpoint) == "" {
			return errors.New("config: generator.endpoint required for http provider")
		}
	default:
		return fmt.Errorf("config: generator.provider unsupported: %s", gen.Provider)
	}
	if gen.Generation.MaxTokens <= 0 {
		return fmt.Errorf("config: generator.generation.maxTokens invalid: %d", gen.Generation.MaxTokens)
	}
	if gen.Request.TimeoutSeconds <= 0 {
		return fmt.Errorf("config: generator.request.timeoutSeconds invalid: %v", gen.Request.TimeoutSeconds)
	}
	if gen.Request.MaxRetries < 1 {
		return fmt.Errorf("config: generator.request.maxRetries must be at least 1: %d", gen.Request.MaxRetries)
	}
	if gen.Request.RetryDelaySeconds < 0 || gen.Request.MaxDelaySeconds < 0 {
		return errors.New("config: generator.request delays must not be negative")
	}
	if gen.Request.RetryBackoff < 1 {
		return fmt.Errorf("config: generator.request.retryBackoff must be at least 1: %v", gen.Request.RetryBackoff)
	}
	return nil
}

// DefaultConfig returns the baseline values.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen: ListenConfig{
				Address: "0.0.0.0",
				Port:    8080,
			},
			Logging: LoggingConfig{
				Level:             "info",
				Format:            "json",
				CorrelationHeader: "X-Request-ID",
			},
			Rules: RulesConfig{
				RulesFile: "./rules/security_rules.json",
				Watch:     true,
			},
			Cache: ServerCacheConfig{
				Enabled:    true,
				Backend:    "memory",
				MaxSize:    1000,
				TTLSeconds: 3600,
				Namespace:  "promptguard:decision:v1",
			},
			Audit: AuditConfig{
				Enabled:    true,
				FilePath:   "./decisions.jsonl",
				MaxSizeMB:  10,
				MaxBackups: 3,
				MaxAgeDays: 28,
			},
		},
		Generator: GeneratorConfig{
			Provider: ProviderMock,
			Generation: GenerationConfig{
				MaxTokens:   512,
				Temperature: 0.1,
				TopP:        0.95,
			},
			Request: RequestConfig{
				TimeoutSeconds:    30,
				MaxRetries:        3,
				RetryDelaySeconds: 1,
				RetryBackoff:      2,
				MaxDelaySeconds:   10,
			},
		},
	}
}
