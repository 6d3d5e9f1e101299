package cache

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	valkey "github.com/valkey-io/valkey-go"
)

type RedisTLSConfig struct {
	Enabled bool
	CAFile  string
}

type RedisConfig struct {
	Address  string
	Username string
	Password string
	DB       int
	TLS      RedisTLSConfig

	// Namespace prefixes every key so several gateways can share a server.
	Namespace string
	MaxSize   int
	TTL       time.Duration
}

// storeScript inserts one entry atomically. It prunes index members older
// than the TTL, evicts the oldest members while the index is full and the key
// is new, then writes the payload with a PX expiry and indexes it by its
// creation time.
//
//	KEYS[1] index   KEYS[2] entry key
//	ARGV[1] member  ARGV[2] created (ms)  ARGV[3] payload  ARGV[4] ttl (ms)
//	ARGV[5] max size  ARGV[6] entry key prefix  ARGV[7] expiry cutoff (ms)
var storeScript = valkey.NewLuaScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[7])
if redis.call('EXISTS', KEYS[2]) == 0 and redis.call('ZSCORE', KEYS[1], ARGV[1]) == false then
  local max = tonumber(ARGV[5])
  while redis.call('ZCARD', KEYS[1]) >= max do
    local oldest = redis.call('ZPOPMIN', KEYS[1])
    if #oldest == 0 then break end
    redis.call('DEL', ARGV[6] .. oldest[1])
  end
end
redis.call('SET', KEYS[2], ARGV[3], 'PX', ARGV[4])
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[1])
return 1
`)

type redisCache struct {
	client  valkey.Client
	index   string
	prefix  string
	maxSize int
	ttl     time.Duration
}

// NewRedis connects to a Redis-compatible server and returns a backend that
// shares its entries across gateway instances.
func NewRedis(cfg RedisConfig) (Backend, error) {
	if cfg.Address == "" {
		return nil, errors.New("cache: redis address required")
	}
	if cfg.TTL <= 0 {
		return nil, errors.New("cache: redis ttl must be positive")
	}
	namespace := cfg.Namespace
	if namespace == "" {
		namespace = "promptguard:decision:v1"
	}

	option := valkey.ClientOption{
		InitAddress:       []string{cfg.Address},
		Username:          cfg.Username,
		Password:          cfg.Password,
		SelectDB:          cfg.DB,
		AlwaysRESP2:       true,
		ForceSingleClient: true,
		DisableCache:      true,
	}

	if cfg.TLS.Enabled {
		tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
		if cfg.TLS.CAFile != "" {
			caData, err := os.ReadFile(cfg.TLS.CAFile)
			if err != nil {
				return nil, fmt.Errorf("cache: read redis ca file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(caData) {
				return nil, errors.New("cache: redis ca file contains no certificates")
			}
			tlsConfig.RootCAs = pool
		}
		option.TLSConfig = tlsConfig
	}

	client, err := valkey.NewClient(option)
	if err != nil {
		return nil, fmt.Errorf("cache: redis client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("cache: redis ping: %w", err)
	}

	return &redisCache{
		client:  client,
		index:   namespace + ":index",
		prefix:  namespace + ":entry:",
		maxSize: cfg.MaxSize,
		ttl:     cfg.TTL,
	}, nil
}

func (c *redisCache) Lookup(ctx context.Context, key string) (Entry, bool, error) {
	resp := c.client.Do(ctx, c.client.B().Get().Key(c.prefix+key).Build())
	if err := resp.Error(); err != nil {
		if errors.Is(err, valkey.Nil) {
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("cache: redis get: %w", err)
	}
	payload, err := resp.AsBytes()
	if err != nil {
		return Entry{}, false, fmt.Errorf("cache: redis get bytes: %w", err)
	}
	var entry Entry
	if err := json.Unmarshal(payload, &entry); err != nil {
		return Entry{}, false, fmt.Errorf("cache: redis unmarshal: %w", err)
	}
	return entry, true, nil
}

func (c *redisCache) Store(ctx context.Context, key string, entry Entry) error {
	if c.maxSize <= 0 {
		return nil
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("cache: redis marshal: %w", err)
	}
	created := entry.CreatedAt.UnixMilli()
	args := []string{
		key,
		strconv.FormatInt(created, 10),
		string(payload),
		strconv.FormatInt(c.ttl.Milliseconds(), 10),
		strconv.Itoa(c.maxSize),
		c.prefix,
		strconv.FormatInt(created-c.ttl.Milliseconds(), 10),
	}
	if err := storeScript.Exec(ctx, c.client, []string{c.index, c.prefix + key}, args).Error(); err != nil {
		return fmt.Errorf("cache: redis store: %w", err)
	}
	return nil
}

func (c *redisCache) Delete(ctx context.Context, key string) error {
	cmds := valkey.Commands{
		c.client.B().Del().Key(c.prefix + key).Build(),
		c.client.B().Zrem().Key(c.index).Member(key).Build(),
	}
	for _, resp := range c.client.DoMulti(ctx, cmds...) {
		if err := resp.Error(); err != nil {
			return fmt.Errorf("cache: redis delete: %w", err)
		}
	}
	return nil
}

func (c *redisCache) Purge(ctx context.Context) error {
	members, err := c.client.Do(ctx, c.client.B().Zrange().Key(c.index).Min("0").Max("-1").Build()).AsStrSlice()
	if err != nil {
		return fmt.Errorf("cache: redis purge list: %w", err)
	}
	keys := make([]string, 0, len(members)+1)
	for _, member := range members {
		keys = append(keys, c.prefix+member)
	}
	keys = append(keys, c.index)
	if err := c.client.Do(ctx, c.client.B().Del().Key(keys...).Build()).Error(); err != nil {
		return fmt.Errorf("cache: redis purge: %w", err)
	}
	return nil
}

func (c *redisCache) Size(ctx context.Context) (int64, error) {
	size, err := c.client.Do(ctx, c.client.B().Zcard().Key(c.index).Build()).AsInt64()
	if err != nil {
		return 0, fmt.Errorf("cache: redis zcard: %w", err)
	}
	return size, nil
}

func (c *redisCache) Close(context.Context) error {
	c.client.Close()
	return nil
}
