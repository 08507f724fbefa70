package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/runbook-agent/backend/internal/cache/memory"
	"github.com/runbook-agent/backend/pkg/retry"
)

const deleteBatchSize = 100

type Options struct {
	Addr              string
	Password          string
	DB                int
	KeyPrefix         string
	ConnectionTimeout time.Duration
	// Retry governs Connect only. Per-operation retries are left to the
	// circuit breaker in front of this client.
	Retry  retry.Config
	Logger *zap.Logger
}

// envelope is the stored representation. Value holds the already serialized
// JSON payload verbatim.
type envelope struct {
	Value       json.RawMessage `json:"value"`
	ContentType string          `json:"content_type"`
	StoredAt    time.Time       `json:"stored_at"`
	TTLMS       int64           `json:"ttl_ms"`
}

type Client struct {
	client *redis.Client
	prefix string
	retry  retry.Config
	logger *zap.Logger
}

func NewClient(opts Options) *Client {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.ConnectionTimeout <= 0 {
		opts.ConnectionTimeout = 2 * time.Second
	}
	if opts.Retry.Logger == nil {
		opts.Retry.Logger = opts.Logger
	}

	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  opts.ConnectionTimeout,
		ReadTimeout:  opts.ConnectionTimeout,
		WriteTimeout: opts.ConnectionTimeout,
		MaxRetries:   -1,
	})

	return &Client{
		client: client,
		prefix: opts.KeyPrefix,
		retry:  opts.Retry,
		logger: opts.Logger.With(zap.String("addr", opts.Addr)),
	}
}

// Connect pings the server with exponential backoff. A failure here is not
// fatal for callers running in hybrid mode; the cache degrades to memory.
func (c *Client) Connect(ctx context.Context) error {
	err := retry.Do(ctx, c.retry, func(ctx context.Context) error {
		return c.client.Ping(ctx).Err()
	})
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}

	c.logger.Info("Redis client initialized")
	return nil
}

func (c *Client) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *Client) Close() error {
	return c.client.Close()
}

func (c *Client) Get(ctx context.Context, key string) (memory.Entry, bool, error) {
	data, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return memory.Entry{}, false, nil
	}
	if err != nil {
		return memory.Entry{}, false, fmt.Errorf("failed to get cache key: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return memory.Entry{}, false, fmt.Errorf("failed to unmarshal cache entry: %w", err)
	}

	return memory.Entry{
		Value:       []byte(env.Value),
		ContentType: env.ContentType,
		StoredAt:    env.StoredAt,
		TTL:         time.Duration(env.TTLMS) * time.Millisecond,
	}, true, nil
}

func (c *Client) Set(ctx context.Context, key string, entry memory.Entry) error {
	if entry.TTL <= 0 {
		return nil
	}

	data, err := json.Marshal(envelope{
		Value:       json.RawMessage(entry.Value),
		ContentType: entry.ContentType,
		StoredAt:    entry.StoredAt,
		TTLMS:       entry.TTL.Milliseconds(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal cache entry: %w", err)
	}

	if err := c.client.Set(ctx, c.prefix+key, data, entry.TTL).Err(); err != nil {
		return fmt.Errorf("failed to set cache key: %w", err)
	}

	c.logger.Debug("Cache entry stored", zap.String("key", key), zap.Duration("ttl", entry.TTL))
	return nil
}

func (c *Client) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, c.prefix+key).Err(); err != nil {
		return fmt.Errorf("failed to delete cache key: %w", err)
	}
	return nil
}

// DeletePrefix removes every key under prefix using SCAN, so it never blocks
// the server the way KEYS would.
func (c *Client) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	pattern := escapeGlob(c.prefix+prefix) + "*"
	iter := c.client.Scan(ctx, 0, pattern, deleteBatchSize).Iterator()

	removed := 0
	batch := make([]string, 0, deleteBatchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := c.client.Del(ctx, batch...).Result()
		if err != nil {
			return err
		}
		removed += int(n)
		batch = batch[:0]
		return nil
	}

	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == deleteBatchSize {
			if err := flush(); err != nil {
				return removed, fmt.Errorf("failed to delete cache keys: %w", err)
			}
		}
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("failed to iterate cache keys: %w", err)
	}
	if err := flush(); err != nil {
		return removed, fmt.Errorf("failed to delete cache keys: %w", err)
	}

	c.logger.Info("Cache prefix invalidated", zap.String("prefix", prefix), zap.Int("removed", removed))
	return removed, nil
}

func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
