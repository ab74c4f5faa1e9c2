package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "ticketd:idempotency"

// RedisStore keeps JSON-encoded responses under "<prefix>:<scope>:<hash>"
// and lets Redis expire them.
type RedisStore struct {
	client redis.Cmdable
	prefix string
}

var _ Store = (*RedisStore)(nil)

func NewRedisStore(client redis.Cmdable, prefix string) *RedisStore {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) Lookup(ctx context.Context, scope, key string) (Response, bool, error) {
	fp, err := Fingerprint(scope, key)
	if err != nil {
		return Response{}, false, err
	}
	raw, err := s.client.Get(ctx, s.prefix+":"+fp).Bytes()
	if errors.Is(err, redis.Nil) {
		return Response{}, false, nil
	}
	if err != nil {
		return Response{}, false, fmt.Errorf("idempotency lookup: %w", err)
	}
	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return Response{}, false, fmt.Errorf("decode cached response: %w", err)
	}
	return resp, true, nil
}

func (s *RedisStore) Remember(ctx context.Context, scope, key string, resp Response, ttl time.Duration) error {
	fp, err := Fingerprint(scope, key)
	if err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if resp.StoredAt.IsZero() {
		resp.StoredAt = time.Now().UTC()
	}
	raw, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encode cached response: %w", err)
	}
	if err := s.client.Set(ctx, s.prefix+":"+fp, raw, ttl).Err(); err != nil {
		return fmt.Errorf("idempotency remember: %w", err)
	}
	return nil
}
