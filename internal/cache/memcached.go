package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/bradfitz/gomemcache/memcache"

	"github.com/kjstillabower/forecast-viewer/internal/models"
)

const keyPrefix = "forecast:"

// maxKeyLen keeps keys well under memcached's 250-byte limit; longer keys keep a readable head
// and end in a hash of the full key.
const maxKeyLen = 200

// maxRelativeExp is the largest expiration memcached treats as relative seconds.
const maxRelativeExp = 30 * 24 * 60 * 60

// MemcachedCache implements Cache using memcached. Items outlive their TTL by the stale
// retention; the logical expiry travels in the stored envelope.
type MemcachedCache struct {
	client         *memcache.Client
	staleRetention time.Duration
	now            func() time.Time
}

// envelope is the stored item body.
type envelope struct {
	ExpiresAt time.Time       `json:"expiresAt"`
	Value     models.Forecast `json:"value"`
}

// NewMemcachedCache creates a MemcachedCache. addrs is a comma-separated list
// (e.g. "localhost:11211" or "host1:11211,host2:11211"). timeout and maxIdleConns
// configure the client; both use package defaults if zero.
func NewMemcachedCache(addrs string, timeout time.Duration, maxIdleConns int, staleRetention time.Duration) (*MemcachedCache, error) {
	servers := parseAddrs(addrs)
	if len(servers) == 0 {
		servers = []string{"localhost:11211"}
	}
	client := memcache.New(servers...)
	if timeout > 0 {
		client.Timeout = timeout
	}
	if maxIdleConns > 0 {
		client.MaxIdleConns = maxIdleConns
	}
	return &MemcachedCache{client: client, staleRetention: staleRetention, now: time.Now}, nil
}

func parseAddrs(s string) []string {
	var out []string
	for _, a := range strings.Split(s, ",") {
		a = strings.TrimSpace(a)
		if a != "" {
			out = append(out, a)
		}
	}
	return out
}

// key prefixes k and replaces characters memcached rejects (space, control) in location names.
// Keys over maxKeyLen bytes are shortened to a prefix plus the sha256 of k.
func (c *MemcachedCache) key(k string) string {
	sanitized := keyPrefix + strings.Map(func(r rune) rune {
		if r <= ' ' || r == 0x7f {
			return '_'
		}
		return r
	}, k)
	if len(sanitized) <= maxKeyLen {
		return sanitized
	}
	sum := sha256.Sum256([]byte(k))
	suffix := ":" + hex.EncodeToString(sum[:])
	head := sanitized[:maxKeyLen-len(suffix)]
	for !utf8.ValidString(head) {
		head = head[:len(head)-1]
	}
	return head + suffix
}

// Get implements Cache.Get. Returns false, nil on miss or logical expiry; false, err on error.
func (c *MemcachedCache) Get(ctx context.Context, key string) (models.Forecast, bool, error) {
	env, ok, err := c.load(ctx, key)
	if err != nil || !ok || !c.now().Before(env.ExpiresAt) {
		return models.Forecast{}, false, err
	}
	return env.Value, true, nil
}

// GetStale implements Cache.GetStale.
func (c *MemcachedCache) GetStale(ctx context.Context, key string, maxAge time.Duration) (models.Forecast, bool, error) {
	env, ok, err := c.load(ctx, key)
	if err != nil || !ok || c.now().Sub(env.Value.FetchedAt) > maxAge {
		return models.Forecast{}, false, err
	}
	return env.Value, true, nil
}

func (c *MemcachedCache) load(ctx context.Context, key string) (envelope, bool, error) {
	if ctx.Err() != nil {
		return envelope{}, false, ctx.Err()
	}
	item, err := c.client.Get(c.key(key))
	if err != nil {
		if errors.Is(err, memcache.ErrCacheMiss) {
			return envelope{}, false, nil
		}
		return envelope{}, false, fmt.Errorf("memcached get: %w", err)
	}
	var env envelope
	if err := json.Unmarshal(item.Value, &env); err != nil {
		return envelope{}, false, fmt.Errorf("decode cached forecast: %w", err)
	}
	return env, true, nil
}

// Set implements Cache.Set.
func (c *MemcachedCache) Set(ctx context.Context, key string, value models.Forecast, ttl time.Duration) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	raw, err := json.Marshal(envelope{ExpiresAt: c.now().Add(ttl), Value: value})
	if err != nil {
		return fmt.Errorf("encode forecast: %w", err)
	}
	return c.client.Set(&memcache.Item{
		Key:        c.key(key),
		Value:      raw,
		Expiration: itemExpiration(ttl + c.staleRetention),
	})
}

// itemExpiration converts d to memcached relative seconds, falling back to 1h when out of range.
func itemExpiration(d time.Duration) int32 {
	sec := int64(d / time.Second)
	if sec <= 0 || sec > maxRelativeExp {
		return 3600
	}
	return int32(sec)
}

// Ping checks if memcached is reachable. Used for health checks.
func (c *MemcachedCache) Ping() error {
	return c.client.Ping()
}

// Close closes the memcached client connections. Call during shutdown.
func (c *MemcachedCache) Close() error {
	return c.client.Close()
}
