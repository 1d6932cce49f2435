package grants

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/assetgate/internal/authz"
)

const redisKeyPrefix = "assetgate:grant:"

// RedisCache shares grant lookups between gateway replicas.
type RedisCache struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedisCache instantiates the cache helper.
func NewRedisCache(client *redis.Client, logger *slog.Logger) *RedisCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisCache{client: client, logger: logger}
}

type redisGrant struct {
	ID        string     `json:"id"`
	Ref       string     `json:"ref"`
	AssetID   string     `json:"asset_id,omitempty"`
	GranteeID string     `json:"grantee_id"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Get loads a cached grant. Redis errors are logged and treated as a miss.
func (c *RedisCache) Get(ctx context.Context, key string) (authz.Grant, bool) {
	if c == nil || c.client == nil {
		return authz.Grant{}, false
	}
	payload, err := c.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("grant cache get", slog.Any("error", err))
		}
		return authz.Grant{}, false
	}
	var rg redisGrant
	if err := json.Unmarshal(payload, &rg); err != nil {
		c.logger.Warn("grant cache decode", slog.Any("error", err))
		return authz.Grant{}, false
	}
	return authz.Grant(rg), true
}

// Set stores grant for ttl.
func (c *RedisCache) Set(ctx context.Context, key string, grant authz.Grant, ttl time.Duration) {
	if c == nil || c.client == nil || ttl <= 0 {
		return
	}
	raw, err := json.Marshal(redisGrant(grant))
	if err != nil {
		c.logger.Warn("grant cache encode", slog.Any("error", err))
		return
	}
	if err := c.client.Set(ctx, redisKeyPrefix+key, raw, ttl).Err(); err != nil {
		c.logger.Warn("grant cache set", slog.Any("error", err))
	}
}
