package sentinel

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// Source is an external data dependency of the evaluator.
type Source interface {
	Name() string
	Ping(ctx context.Context) error
}

// Blacklist answers whether a host or its registrable domain is listed.
type Blacklist interface {
	Source
	Contains(ctx context.Context, host, domain string) (bool, error)
}

// History holds confirmed payment amounts per registrable domain.
type History interface {
	Source
	Record(ctx context.Context, domain string, amount int64) error
	// Median returns the median confirmed amount and the sample count.
	Median(ctx context.Context, domain string) (decimal.Decimal, int, error)
}

// StaticBlacklist is an in-process set loaded from configuration.
type StaticBlacklist struct {
	entries map[string]struct{}
}

func NewStaticBlacklist(entries []string) *StaticBlacklist {
	b := &StaticBlacklist{entries: make(map[string]struct{}, len(entries))}
	for _, e := range entries {
		e = strings.ToLower(strings.TrimSpace(e))
		if e != "" {
			b.entries[e] = struct{}{}
		}
	}
	return b
}

func (b *StaticBlacklist) Name() string               { return "static_blacklist" }
func (b *StaticBlacklist) Ping(context.Context) error { return nil }

func (b *StaticBlacklist) Contains(_ context.Context, host, domain string) (bool, error) {
	if _, ok := b.entries[host]; ok {
		return true, nil
	}
	_, ok := b.entries[domain]
	return ok, nil
}

// RedisBlacklist reads a Redis set shared by every instance.
type RedisBlacklist struct {
	client redis.UniversalClient
	key    string
}

func NewRedisBlacklist(client redis.UniversalClient, key string) *RedisBlacklist {
	return &RedisBlacklist{client: client, key: key}
}

func (b *RedisBlacklist) Name() string { return "redis_blacklist" }

func (b *RedisBlacklist) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *RedisBlacklist) Contains(ctx context.Context, host, domain string) (bool, error) {
	res, err := b.client.SMIsMember(ctx, b.key, host, domain).Result()
	if err != nil {
		return false, fmt.Errorf("redis blacklist lookup: %w", err)
	}
	for _, hit := range res {
		if hit {
			return true, nil
		}
	}
	return false, nil
}

// Add inserts entries into the shared set.
func (b *RedisBlacklist) Add(ctx context.Context, entries ...string) error {
	members := make([]interface{}, 0, len(entries))
	for _, e := range entries {
		members = append(members, strings.ToLower(e))
	}
	return b.client.SAdd(ctx, b.key, members...).Err()
}

// MultiBlacklist reports a hit if any member does. A failing member fails the
// lookup so the check is degraded rather than silently passing.
type MultiBlacklist []Blacklist

func (m MultiBlacklist) Name() string { return "blacklist" }

func (m MultiBlacklist) Ping(ctx context.Context) error {
	for _, b := range m {
		if err := b.Ping(ctx); err != nil {
			return fmt.Errorf("%s: %w", b.Name(), err)
		}
	}
	return nil
}

func (m MultiBlacklist) Contains(ctx context.Context, host, domain string) (bool, error) {
	for _, b := range m {
		hit, err := b.Contains(ctx, host, domain)
		if err != nil {
			return false, err
		}
		if hit {
			return true, nil
		}
	}
	return false, nil
}

const historyWindow = 100

// MemoryHistory keeps the last historyWindow amounts per domain.
type MemoryHistory struct {
	mu      sync.RWMutex
	amounts map[string][]int64
}

func NewMemoryHistory() *MemoryHistory {
	return &MemoryHistory{amounts: make(map[string][]int64)}
}

func (h *MemoryHistory) Name() string               { return "history" }
func (h *MemoryHistory) Ping(context.Context) error { return nil }

func (h *MemoryHistory) Record(_ context.Context, domain string, amount int64) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	list := append(h.amounts[domain], amount)
	if len(list) > historyWindow {
		list = list[len(list)-historyWindow:]
	}
	h.amounts[domain] = list
	return nil
}

func (h *MemoryHistory) Median(_ context.Context, domain string) (decimal.Decimal, int, error) {
	h.mu.RLock()
	sorted := append([]int64(nil), h.amounts[domain]...)
	h.mu.RUnlock()

	n := len(sorted)
	if n == 0 {
		return decimal.Zero, 0, nil
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	if n%2 == 1 {
		return decimal.NewFromInt(sorted[n/2]), n, nil
	}
	sum := decimal.NewFromInt(sorted[n/2-1]).Add(decimal.NewFromInt(sorted[n/2]))
	return sum.Div(decimal.NewFromInt(2)), n, nil
}
