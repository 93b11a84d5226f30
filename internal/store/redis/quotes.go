package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"quotefeed/internal/model"
)

// DefaultQuoteTTL is the remote tier's key expiry.
const DefaultQuoteTTL = 10 * time.Second

// QuoteStore is the remote cache tier: one JSON CacheEntry per token under
// "ltp:<token>", expiring after ttl.
type QuoteStore struct {
	client *goredis.Client
	ttl    time.Duration
}

// NewQuoteStore wraps client. ttl <= 0 uses DefaultQuoteTTL.
func NewQuoteStore(client *goredis.Client, ttl time.Duration) *QuoteStore {
	if ttl <= 0 {
		ttl = DefaultQuoteTTL
	}
	return &QuoteStore{client: client, ttl: ttl}
}

// Client returns the underlying Redis client for health checks.
func (s *QuoteStore) Client() *goredis.Client { return s.client }

func quoteKey(t model.Token) string { return "ltp:" + t.String() }

// Get loads the entries present for tokens with a single MGET.
// Missing and undecodable keys are absent from the result.
func (s *QuoteStore) Get(ctx context.Context, tokens []model.Token) (map[model.Token]model.CacheEntry, error) {
	out := make(map[model.Token]model.CacheEntry, len(tokens))
	if len(tokens) == 0 {
		return out, nil
	}
	keys := make([]string, len(tokens))
	for i, t := range tokens {
		keys[i] = quoteKey(t)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis MGET: %w", err)
	}
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var e model.CacheEntry
		if json.Unmarshal([]byte(str), &e) != nil {
			continue
		}
		out[tokens[i]] = e
	}
	return out, nil
}

// Set writes entries in one pipeline, each with the store TTL.
func (s *QuoteStore) Set(ctx context.Context, entries []model.CacheEntry) error {
	if len(entries) == 0 {
		return nil
	}
	pipe := s.client.Pipeline()
	for i := range entries {
		pipe.Set(ctx, quoteKey(entries[i].Token), entries[i].JSON(), s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline (%d quotes): %w", len(entries), err)
	}
	return nil
}

// Ping checks the Redis connection.
func (s *QuoteStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
