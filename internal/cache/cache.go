// Package cache holds rendered layer payloads in Redis so repeated map
// loads do not re-scan unchanged tables. Entries are short-lived and every
// failure degrades to a miss; the portal never depends on Redis being up.
package cache

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/cespare/xxhash/v2"
	"github.com/redis/go-redis/v9"

	"github.com/omondi/geoportal/internal/observability"
)

type Option func(*redis.Options)

func WithPoolSize(n int) Option {
	return func(o *redis.Options) { o.PoolSize = n }
}

func WithDialTimeout(d time.Duration) Option {
	return func(o *redis.Options) { o.DialTimeout = d }
}

type Client struct {
	rdb *redis.Client
}

func NewClient(ctx context.Context, addr string, opts ...Option) (*Client, error) {
	if addr == "" {
		return nil, errors.New("redis address is required")
	}

	ro := &redis.Options{
		Addr:         addr,
		PoolSize:     16,
		MinIdleConns: 2,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  1 * time.Second,
		WriteTimeout: 1 * time.Second,
	}
	for _, f := range opts {
		f(ro)
	}

	rdb := redis.NewClient(ro)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Client{rdb: rdb}, nil
}

func (c *Client) Close() error {
	if err := c.rdb.Close(); err != nil {
		return fmt.Errorf("redis close: %w", err)
	}
	return nil
}

// LayerCache stores one rendered GeoJSON body per layer.
type LayerCache struct {
	cli *Client
	ttl time.Duration
}

func NewLayerCache(cli *Client, ttl time.Duration) *LayerCache {
	return &LayerCache{cli: cli, ttl: ttl}
}

// Get returns the cached body for the layer and whether it was present.
// Transport errors count as misses.
func (lc *LayerCache) Get(ctx context.Context, layer string) ([]byte, bool) {
	body, err := lc.cli.rdb.Get(ctx, layerKey(layer)).Bytes()
	if err != nil {
		observability.IncCacheMiss()
		return nil, false
	}
	observability.IncCacheHit()
	return body, true
}

// Put is best effort; a write failure is reported but never fatal.
func (lc *LayerCache) Put(ctx context.Context, layer string, body []byte) error {
	k := layerKey(layer)
	if err := lc.cli.rdb.Set(ctx, k, body, lc.ttl).Err(); err != nil {
		return fmt.Errorf("redis SET %q: %w", k, err)
	}
	return nil
}

// Drop removes the cached body, typically after the layer list changes.
func (lc *LayerCache) Drop(ctx context.Context, layers ...string) error {
	if len(layers) == 0 {
		return nil
	}
	keys := make([]string, len(layers))
	for i, l := range layers {
		keys[i] = layerKey(l)
	}
	if err := lc.cli.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis DEL %d keys: %w", len(keys), err)
	}
	return nil
}

func layerKey(layer string) string {
	name := sanitizeLayer(strings.TrimSpace(layer))
	sum := xxhash.Sum64String(layer)
	var b [8]byte
	for i := range b {
		b[i] = byte(sum >> (56 - 8*i))
	}
	return "geo:" + name + ":" + hex.EncodeToString(b[:])
}

func sanitizeLayer(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	var prev rune
	for _, r := range s {
		var out rune
		switch {
		case isAlphaNum(r) || r == '_' || r == '.':
			out = r
		default:
			out = '-'
		}
		if out == '-' && out == prev {
			continue
		}
		b.WriteRune(out)
		prev = out
	}
	return b.String()
}

func isAlphaNum(r rune) bool {
	return (r >= 'a' && r <= 'z') ||
		(r >= 'A' && r <= 'Z') ||
		unicode.IsDigit(r)
}
