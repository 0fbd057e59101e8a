package datasource

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

// Cache namespaces. A namespace is the first segment of every key, so
// invalidating one domain can never touch another.
const (
	NamespaceLeads      = "leads"
	NamespaceActivities = "activities"
	NamespaceOrders     = "orders"
	NamespaceSearch     = "search"
)

// TTLs in seconds, tuned per domain.
const (
	TTLList   = 300
	TTLDetail = 600
	TTLSearch = 180
	TTLStats  = 120
)

// redisCmdable is the slice of the go-redis API the cache uses. Narrowed so
// tests can stand in a fake built from redis.New*Result helpers.
type redisCmdable interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Keys(ctx context.Context, pattern string) *redis.StringSliceCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

/*
	Cache is the only component that touches the shared Redis keyspace.

	It is strictly a performance layer: every Redis failure is logged and
	swallowed. Get degrades to a miss, Set and Invalidate to no-ops, so the
	calling operation is never failed by the cache being unreachable.
*/
type Cache struct {
	rdb redisCmdable
	log *logrus.Entry
}

func NewCache(rdb redisCmdable, logger *logrus.Logger) *Cache {
	return &Cache{
		rdb: rdb,
		log: componentLogger(logger, "cache"),
	}
}

/*
	QueryKey canonicalizes filter parameters into a key segment.

	Only the relevant parameter names are kept, they are sorted, and empty
	values are dropped, so two logically identical queries always produce the
	same segment no matter what order the caller assembled them in. With no
	surviving parameters the segment is the literal "all".

	Format: "<k1>=<v1>&<k2>=<v2>" (sorted by key).
*/
func QueryKey(params map[string]string, relevant ...string) string {
	keep := params
	if len(relevant) > 0 {
		keep = map[string]string{}
		for _, name := range relevant {
			if v, ok := params[name]; ok {
				keep[name] = v
			}
		}
	}

	parts := make([]string, 0, len(keep))
	for k, v := range keep {
		if v == "" {
			continue
		}
		parts = append(parts, k+"="+v)
	}
	if len(parts) == 0 {
		return "all"
	}

	sort.Strings(parts)
	return strings.Join(parts, "&")
}

// Get reads a cached value into dest. A false return means miss, whether
// from an absent key, a decode problem, or Redis being unreachable.
func (c *Cache) Get(ctx context.Context, namespace, key string, dest interface{}) bool {
	fullKey := namespace + ":" + key

	raw, err := c.rdb.Get(ctx, fullKey).Result()
	if err == redis.Nil {
		return false
	}
	if err != nil {
		c.log.WithError(err).WithField("key", fullKey).Warn("cache get failed")
		return false
	}

	if err := json.Unmarshal([]byte(raw), dest); err != nil {
		c.log.WithError(err).WithField("key", fullKey).Warn("cache entry undecodable")
		return false
	}

	c.log.WithField("key", fullKey).Debug("cache hit")
	return true
}

// Set stores a value under namespace:key with a TTL. Errors are swallowed
// after logging; expiry bookkeeping is Redis's own TTL, nothing is stored
// alongside the value.
func (c *Cache) Set(ctx context.Context, namespace, key string, value interface{}, ttlSeconds int) {
	fullKey := namespace + ":" + key

	raw, err := json.Marshal(value)
	if err != nil {
		c.log.WithError(err).WithField("key", fullKey).Warn("cache encode failed")
		return
	}

	if err := c.rdb.Set(ctx, fullKey, raw, time.Duration(ttlSeconds)*time.Second).Err(); err != nil {
		c.log.WithError(err).WithField("key", fullKey).Warn("cache set failed")
	}
}

/*
	Invalidate removes entries in a namespace. The pattern supports Redis
	glob wildcards ("*" clears the whole namespace). Matching keys are
	enumerated first and deleted in one bulk call; zero matches is a no-op.
*/
func (c *Cache) Invalidate(ctx context.Context, namespace, pattern string) {
	fullPattern := namespace + ":" + pattern

	if !strings.Contains(pattern, "*") {
		if err := c.rdb.Del(ctx, fullPattern).Err(); err != nil {
			c.log.WithError(err).WithField("key", fullPattern).Warn("cache invalidate failed")
		}
		return
	}

	keys, err := c.rdb.Keys(ctx, fullPattern).Result()
	if err != nil {
		c.log.WithError(err).WithField("pattern", fullPattern).Warn("cache key scan failed")
		return
	}
	if len(keys) == 0 {
		return
	}

	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		c.log.WithError(err).WithField("pattern", fullPattern).Warn("cache invalidate failed")
		return
	}
	c.log.WithFields(logrus.Fields{"pattern": fullPattern, "keys": len(keys)}).Debug("cache invalidated")
}

/*
	CachedQuery is the get-or-compute path: on a hit the producer never runs,
	on a miss it runs exactly once and the result is stored best-effort.

	Two concurrent callers missing on the same key will both run the
	producer. That duplicate work is an accepted tradeoff; the cache makes no
	cluster-wide single-flight promise.
*/
func CachedQuery[T any](ctx context.Context, c *Cache, namespace, key string, ttlSeconds int, producer func(context.Context) (T, error)) (T, error) {
	var cached T
	if c.Get(ctx, namespace, key, &cached) {
		return cached, nil
	}

	value, err := producer(ctx)
	if err != nil {
		return value, err
	}

	c.Set(ctx, namespace, key, value, ttlSeconds)
	return value, nil
}
