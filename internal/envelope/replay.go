package envelope

import (
	"context"
	"time"

	"shuma/internal/kv"
)

// KVReplayMarker adapts a kv.Store into a ReplayMarker. The in-memory and
// SQLite backends are not atomic across concurrent requests for the same
// key (a benign gap shared with the rate counter's internal provider,
// acceptable here because a successful concurrent double-submit only wastes
// one solved PoW/challenge, it does not bypass a ban); the Redis backend
// uses a real atomic SETNX.
type KVReplayMarker struct {
	store kv.Store
	now   func() time.Time
}

func NewKVReplayMarker(store kv.Store) *KVReplayMarker {
	return &KVReplayMarker{store: store, now: time.Now}
}

func (m *KVReplayMarker) SetIfAbsent(key string, ttl time.Duration) (bool, error) {
	ctx := context.Background()
	if rs, ok := m.store.(*kv.RedisStore); ok {
		return rs.SetNX(ctx, key, []byte("1"), ttl)
	}
	_, found, err := m.store.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if found {
		return false, nil
	}
	if err := m.store.Set(ctx, key, []byte("1")); err != nil {
		return false, err
	}
	return true, nil
}

// RedisReplayMarker uses the Redis backend's atomic SetNX for a genuine
// race-free replay check.
type RedisReplayMarker struct {
	store *kv.RedisStore
}

func NewRedisReplayMarker(store *kv.RedisStore) *RedisReplayMarker {
	return &RedisReplayMarker{store: store}
}

func (m *RedisReplayMarker) SetIfAbsent(key string, ttl time.Duration) (bool, error) {
	return m.store.SetNX(context.Background(), key, []byte("1"), ttl)
}
