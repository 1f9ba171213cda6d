package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/Colombia-Blockchain/snowrail-core/types"
)

// RedisStore keeps each intent as a JSON value plus one id set per status.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// record carries the signature, which the public JSON form omits.
type record struct {
	*types.PaymentIntent
	Signature string `json:"signature,omitempty"`
}

func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "snowrail"
	}
	return &RedisStore{client: client, prefix: prefix}
}

// OpenRedis parses a redis:// URL and verifies the connection.
func OpenRedis(ctx context.Context, url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis unavailable: %w", err)
	}
	return NewRedisStore(client, ""), nil
}

func (s *RedisStore) intentKey(id string) string {
	return s.prefix + ":intent:" + id
}

func (s *RedisStore) statusKey(status types.IntentStatus) string {
	return s.prefix + ":intents:" + string(status)
}

func encodeRecord(p *types.PaymentIntent) ([]byte, error) {
	return json.Marshal(record{PaymentIntent: p, Signature: p.Signature})
}

func decodeRecord(data []byte) (*types.PaymentIntent, error) {
	r := record{PaymentIntent: &types.PaymentIntent{}}
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to decode intent: %w", err)
	}
	r.PaymentIntent.Signature = r.Signature
	return r.PaymentIntent, nil
}

func (s *RedisStore) Insert(ctx context.Context, p *types.PaymentIntent) error {
	data, err := encodeRecord(p)
	if err != nil {
		return err
	}
	ok, err := s.client.SetNX(ctx, s.intentKey(p.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to insert intent: %w", err)
	}
	if !ok {
		return conflict(p.ID)
	}
	return s.client.SAdd(ctx, s.statusKey(p.Status), p.ID).Err()
}

func (s *RedisStore) Get(ctx context.Context, id string) (*types.PaymentIntent, error) {
	data, err := s.client.Get(ctx, s.intentKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, err
	}
	return decodeRecord(data)
}

func (s *RedisStore) Update(ctx context.Context, p *types.PaymentIntent, expected int64) error {
	key := s.intentKey(p.ID)
	data, err := encodeRecord(p)
	if err != nil {
		return err
	}

	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return notFound(p.ID)
		}
		if err != nil {
			return err
		}
		cur, err := decodeRecord(raw)
		if err != nil {
			return err
		}
		if cur.Version != expected {
			return conflict(p.ID)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			if cur.Status != p.Status {
				pipe.SRem(ctx, s.statusKey(cur.Status), p.ID)
				pipe.SAdd(ctx, s.statusKey(p.Status), p.ID)
			}
			return nil
		})
		return err
	}, key)

	if errors.Is(err, redis.TxFailedErr) {
		return conflict(p.ID)
	}
	return err
}

func (s *RedisStore) ListByStatus(ctx context.Context, status types.IntentStatus, limit int) ([]*types.PaymentIntent, error) {
	ids, err := s.client.SMembers(ctx, s.statusKey(status)).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.intentKey(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	out := make([]*types.PaymentIntent, 0, len(vals))
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		p, err := decodeRecord([]byte(str))
		if err != nil {
			return nil, err
		}
		// the set may lag a concurrent update
		if p.Status == status {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
