// Package revalidate caches read routes and drops them after writes.
package revalidate

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"agencyflow/logging"
)

// Route prefixes invalidated by the domain services.
const (
	RouteProspects   = "/api/prospects"
	RouteContacts    = "/api/contacts"
	RouteDisclosures = "/api/disclosures"
	RouteMessages    = "/api/messages"
	RouteTemplates   = "/api/templates"
	RouteTeam        = "/api/team"
	RouteTeamStats   = "/api/team/stats"
	RouteBusiness    = "/api/business"
	RouteProfile     = "/api/me"
)

const keyPrefix = "rc:"

// Revalidator drops cached responses for every route under the given prefixes.
type Revalidator interface {
	Invalidate(ctx context.Context, routes ...string) error
}

// Noop is used when no cache is configured.
type Noop struct{}

func (Noop) Invalidate(context.Context, ...string) error { return nil }

// Middleware returns h unchanged.
func (Noop) Middleware(_ func(*http.Request) string) func(http.Handler) http.Handler {
	return func(h http.Handler) http.Handler { return h }
}

// RedisCache stores successful GET bodies per path, agent and query string.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisCache(url string, ttl time.Duration) (*RedisCache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("revalidate: parse redis url: %w", err)
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &RedisCache{client: redis.NewClient(opts), ttl: ttl}, nil
}

// NewRedisCacheWithClient wraps an existing client.
func NewRedisCacheWithClient(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl}
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func cacheKey(path, agentID, rawQuery string) string {
	return keyPrefix + path + "|" + agentID + "|" + rawQuery
}

func (c *RedisCache) Invalidate(ctx context.Context, routes ...string) error {
	for _, route := range routes {
		var cursor uint64
		match := keyPrefix + route + "*"
		for {
			keys, next, err := c.client.Scan(ctx, cursor, match, 200).Result()
			if err != nil {
				return fmt.Errorf("revalidate: scan %s: %w", route, err)
			}
			if len(keys) > 0 {
				if err := c.client.Del(ctx, keys...).Err(); err != nil {
					return fmt.Errorf("revalidate: del %s: %w", route, err)
				}
			}
			cursor = next
			if cursor == 0 {
				break
			}
		}
	}
	return nil
}

// Middleware serves cached GET responses and stores fresh 200 responses.
// agentOf identifies the caller so cached bodies never cross accounts.
func (c *RedisCache) Middleware(agentOf func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			agentID := agentOf(r)
			if r.Method != http.MethodGet || agentID == "" {
				next.ServeHTTP(w, r)
				return
			}

			key := cacheKey(r.URL.Path, agentID, r.URL.RawQuery)
			body, err := c.client.Get(r.Context(), key).Bytes()
			switch {
			case err == nil:
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("X-Cache", "HIT")
				w.WriteHeader(http.StatusOK)
				_, _ = w.Write(body)
				return
			case err != redis.Nil:
				logging.Logger.WithField("key", key).WithError(err).Warn("route cache read failed")
			}

			rec := &recorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			if rec.status != http.StatusOK || !strings.HasPrefix(rec.header(), "application/json") {
				return
			}
			if err := c.client.Set(r.Context(), key, rec.buf.Bytes(), c.ttl).Err(); err != nil {
				logging.Logger.WithFields(logrus.Fields{"key": key}).WithError(err).Warn("route cache write failed")
			}
		})
	}
}

type recorder struct {
	http.ResponseWriter
	status int
	buf    bytes.Buffer
}

func (r *recorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *recorder) Write(p []byte) (int, error) {
	r.buf.Write(p)
	return r.ResponseWriter.Write(p)
}

func (r *recorder) header() string {
	return r.ResponseWriter.Header().Get("Content-Type")
}

// Run invalidates routes and logs failures; a stale cache never fails the
// write that triggered it.
func Run(ctx context.Context, r Revalidator, routes ...string) {
	if r == nil {
		return
	}
	if err := r.Invalidate(ctx, routes...); err != nil {
		logging.Logger.WithFields(logrus.Fields{"routes": routes}).WithError(err).Warn("revalidate failed")
	}
}
