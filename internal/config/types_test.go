package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "port out of range", mutate: func(c *Config) { c.Server.Listen.Port = 70000 }, wantErr: "listen.port"},
		{name: "rules file required", mutate: func(c *Config) { c.Server.Rules.RulesFile = " " }, wantErr: "rulesFile"},
		{name: "negative ttl", mutate: func(c *Config) { c.Server.Cache.TTLSeconds = -1 }, wantErr: "ttlSeconds"},
		{name: "unknown backend", mutate: func(c *Config) { c.Server.Cache.Backend = "memcached" }, wantErr: "backend unsupported"},
		{name: "redis without address", mutate: func(c *Config) { c.Server.Cache.Backend = "redis" }, wantErr: "redis.address"},
		{name: "audit without path", mutate: func(c *Config) { c.Server.Audit.FilePath = "" }, wantErr: "filePath"},
		{name: "bedrock without model", mutate: func(c *Config) { c.Generator.Provider = ProviderBedrock }, wantErr: "bedrock"},
		{name: "http without endpoint", mutate: func(c *Config) { c.Generator.Provider = ProviderHTTP }, wantErr: "endpoint"},
		{name: "unknown provider", mutate: func(c *Config) { c.Generator.Provider = "carrier-pigeon" }, wantErr: "provider unsupported"},
		{name: "zero retries", mutate: func(c *Config) { c.Generator.Request.MaxRetries = 0 }, wantErr: "maxRetries"},
		{name: "shrinking backoff", mutate: func(c *Config) { c.Generator.Request.RetryBackoff = 0.5 }, wantErr: "retryBackoff"},
		{name: "zero timeout", mutate: func(c *Config) { c.Generator.Request.TimeoutSeconds = 0 }, wantErr: "timeoutSeconds"},
		{
			name: "mock mode skips provider requirements",
			mutate: func(c *Config) {
				c.Generator.Provider = ProviderBedrock
				c.Generator.MockMode = true
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.wantErr)
			var cfgErr *ConfigurationError
			require.ErrorAs(t, err, &cfgErr)
		})
	}
}

func TestRequestDurations(t *testing.T) {
	req := RequestConfig{TimeoutSeconds: 1.5, RetryDelaySeconds: 0.25, MaxDelaySeconds: 4}
	require.Equal(t, 1500*time.Millisecond, req.Timeout())
	require.Equal(t, 250*time.Millisecond, req.RetryDelay())
	require.Equal(t, 4*time.Second, req.MaxDelay())
	require.Equal(t, 90*time.Second, ServerCacheConfig{TTLSeconds: 90}.TTL())
}
