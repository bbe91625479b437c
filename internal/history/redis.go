package history

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/txrisk/internal/risk"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

// DefaultCacheTTL is how long a cached snapshot is served.
const DefaultCacheTTL = 30 * time.Second

var cacheLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "txrisk",
	Subsystem: "history",
	Name:      "cache_lookups_total",
	Help:      "History cache lookups by result (hit, miss, error).",
}, []string{"result"})

func init() {
	prometheus.MustRegister(cacheLookups)
}

// CachedStore is a read-through Redis cache in front of another Store.
// Appends invalidate the user's cached snapshot. Redis failures fall through
// to the backing store.
type CachedStore struct {
	next   Store
	client redis.UniversalClient
	ttl    time.Duration
	logger *slog.Logger
}

// NewCachedStore wraps next with a Redis cache.
func NewCachedStore(next Store, client redis.UniversalClient, ttl time.Duration, logger *slog.Logger) *CachedStore {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedStore{next: next, client: client, ttl: ttl, logger: logger}
}

// NewRedisClient parses a redis:// URL into a client.
func NewRedisClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return redis.NewClient(opts), nil
}

func cacheKey(userID string) string {
	return "txrisk:history:" + strings.ToLower(userID)
}

func (c *CachedStore) History(ctx context.Context, userID string) (*risk.UserHistory, error) {
	key := cacheKey(userID)

	val, err := c.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var h risk.UserHistory
		if jerr := json.Unmarshal(val, &h); jerr == nil {
			cacheLookups.WithLabelValues("hit").Inc()
			return &h, nil
		}
		cacheLookups.WithLabelValues("error").Inc()
	case errors.Is(err, redis.Nil):
		cacheLookups.WithLabelValues("miss").Inc()
	default:
		cacheLookups.WithLabelValues("error").Inc()
		c.logger.Warn("history cache read failed", "user_id", userID, "error", err)
	}

	h, err := c.next.History(ctx, userID)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(h); err == nil {
		if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
			c.logger.Warn("history cache write failed", "user_id", userID, "error", err)
		}
	}
	return h, nil
}

func (c *CachedStore) Append(ctx context.Context, userID string, tx risk.TxSummary) error {
	if err := c.next.Append(ctx, userID, tx); err != nil {
		return err
	}
	if err := c.client.Del(ctx, cacheKey(userID)).Err(); err != nil {
		c.logger.Warn("history cache invalidation failed", "user_id", userID, "error", err)
	}
	return nil
}

func (c *CachedStore) OpenAccount(ctx context.Context, userID string, createdAt time.Time) error {
	if err := c.next.OpenAccount(ctx, userID, createdAt); err != nil {
		return err
	}
	if err := c.client.Del(ctx, cacheKey(userID)).Err(); err != nil {
		c.logger.Warn("history cache invalidation failed", "user_id", userID, "error", err)
	}
	return nil
}

// Ping checks Redis connectivity for readiness checks.
func (c *CachedStore) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
