package summary

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var ErrCacheMiss = errors.New("summary cache miss")

// Result is a parsed summary together with the raw analysis text.
type Result struct {
	Summary     Summary   `json:"summary"`
	RawAnalysis string    `json:"raw_analysis"`
	GeneratedAt time.Time `json:"generated_at"`
	Cached      bool      `json:"cached"`
}

// Cache stores summaries per conversation and message count, so a new
// message naturally invalidates the previous entry.
type Cache interface {
	Get(ctx context.Context, conversationID string, messageCount int) (Result, error)
	Set(ctx context.Context, conversationID string, messageCount int, res Result) error
	Close() error
}

func cacheKey(conversationID string, messageCount int) string {
	return fmt.Sprintf("perspectra:summary:%s:%d", conversationID, messageCount)
}

// NoopCache never stores anything.
type NoopCache struct{}

func (NoopCache) Get(context.Context, string, int) (Result, error) { return Result{}, ErrCacheMiss }
func (NoopCache) Set(context.Context, string, int, Result) error { return nil }
func (NoopCache) Close() error { return nil }

// RedisCache keeps summaries in Redis with a fixed TTL.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

func NewRedisCache(ctx context.Context, cfg RedisConfig, logger *zap.Logger) (*RedisCache, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}

	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	logger = logger.With(zap.String("component", "summary_cache"))
	logger.Info("summary cache initialized", zap.String("addr", cfg.Addr), zap.Duration("ttl", ttl))
	return &RedisCache{client: client, ttl: ttl, logger: logger}, nil
}

func (c *RedisCache) Get(ctx context.Context, conversationID string, messageCount int) (Result, error) {
	data, err := c.client.Get(ctx, cacheKey(conversationID, messageCount)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Result{}, ErrCacheMiss
	}
	if err != nil {
		return Result{}, fmt.Errorf("redis get: %w", err)
	}
	var res Result
	if err := json.Unmarshal(data, &res); err != nil {
		return Result{}, fmt.Errorf("decode cached summary: %w", err)
	}
	return res, nil
}

func (c *RedisCache) Set(ctx context.Context, conversationID string, messageCount int, res Result) error {
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}
	if err := c.client.Set(ctx, cacheKey(conversationID, messageCount), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

// NewCache returns a Redis cache when addr is set, otherwise a NoopCache.
func NewCache(ctx context.Context, cfg RedisConfig, logger *zap.Logger) (Cache, error) {
	if cfg.Addr == "" {
		return NoopCache{}, nil
	}
	return NewRedisCache(ctx, cfg, logger)
}
