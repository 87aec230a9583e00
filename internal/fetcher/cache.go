package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"candlewatch/internal/market"
)

const defaultCacheTTL = 15 * time.Second

// RedisOptions configure the Redis connection used by the candle cache.
type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	TTL       time.Duration
}

// NewRedisClient connects to Redis and pings it.
func NewRedisClient(ctx context.Context, opts RedisOptions) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

// Cached is a read-through cache in front of another CandleSource. Cache
// failures never fail a fetch; they fall through to the upstream source.
type Cached struct {
	next   CandleSource
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger zerolog.Logger
}

// NewCached wraps next with a Redis cache.
func NewCached(next CandleSource, client *redis.Client, opts RedisOptions, logger zerolog.Logger) *Cached {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = "candlewatch"
	}
	return &Cached{
		next:   next,
		client: client,
		prefix: prefix,
		ttl:    ttl,
		logger: logger.With().Str("component", "candle_cache").Logger(),
	}
}

// FetchCandles serves q from Redis when present, otherwise from the wrapped source.
func (c *Cached) FetchCandles(ctx context.Context, q CandleQuery) ([]market.Candle, error) {
	key := c.cacheKey(q)

	raw, err := c.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var candles []market.Candle
		if decodeErr := json.Unmarshal(raw, &candles); decodeErr == nil {
			return candles, nil
		}
		c.logger.Warn().Str("key", key).Msg("discarding undecodable cache entry")
	case errors.Is(err, redis.Nil):
	default:
		c.logger.Warn().Err(err).Str("key", key).Msg("candle cache read failed")
	}

	candles, err := c.next.FetchCandles(ctx, q)
	if err != nil {
		return nil, err
	}

	if payload, encodeErr := json.Marshal(candles); encodeErr == nil {
		if setErr := c.client.Set(ctx, key, payload, c.ttl).Err(); setErr != nil {
			c.logger.Warn().Err(setErr).Str("key", key).Msg("candle cache write failed")
		}
	}
	return candles, nil
}

func (c *Cached) cacheKey(q CandleQuery) string {
	end := "latest"
	if !q.EndTime.IsZero() {
		end = strconv.FormatInt(q.EndTime.UnixMilli(), 10)
	}
	return fmt.Sprintf("%s:candles:%s:%s:%d:%s", c.prefix, normalizeSymbol(q.Symbol), q.Interval, q.Limit, end)
}

var _ CandleSource = (*Cached)(nil)
