package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/courtsched/internal/queue"
)

// RedisLedger deduplicates across process restarts using SETNX with a TTL
// comfortably longer than any crash-recovery replay horizon.
type RedisLedger struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisLedger(rdb *redis.Client) *RedisLedger {
	return &RedisLedger{rdb: rdb, ttl: 7 * 24 * time.Hour}
}

func (l *RedisLedger) MarkDelivered(ctx context.Context, requestID string, status queue.Status) (bool, error) {
	key := fmt.Sprintf("notified:%s:%s", requestID, status)
	return l.rdb.SetNX(ctx, key, "1", l.ttl).Result()
}

// MemoryLedger is the in-process fallback (and the test double) when Redis is
// not configured. Deduplicates within one process lifetime only.
type MemoryLedger struct {
	mu   sync.Mutex
	seen map[string]bool
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{seen: map[string]bool{}}
}

func (l *MemoryLedger) MarkDelivered(_ context.Context, requestID string, status queue.Status) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := requestID + ":" + string(status)
	if l.seen[key] {
		return false, nil
	}
	l.seen[key] = true
	return true, nil
}
