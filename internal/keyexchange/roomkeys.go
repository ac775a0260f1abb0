package keyexchange

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RoomKeys stores one key per room. GetOrCreate returns the stored key, or
// stores candidate and returns it when the room has none yet.
type RoomKeys interface {
	GetOrCreate(ctx context.Context, roomID string, candidate []byte) ([]byte, error)
}

type MemoryRoomKeys struct {
	mu   sync.Mutex
	keys map[string][]byte
}

func NewMemoryRoomKeys() *MemoryRoomKeys {
	return &MemoryRoomKeys{keys: make(map[string][]byte)}
}

func (m *MemoryRoomKeys) GetOrCreate(_ context.Context, roomID string, candidate []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if k, ok := m.keys[roomID]; ok {
		return append([]byte(nil), k...), nil
	}
	m.keys[roomID] = append([]byte(nil), candidate...)
	return append([]byte(nil), candidate...), nil
}

// RoomKeyPrefix is the Redis key prefix for room keys.
const RoomKeyPrefix = "room:key:"

// RedisRoomKeys shares room keys between instances. SETNX makes the first
// writer win when both participants join at once.
type RedisRoomKeys struct {
	client *redis.Client
}

func NewRedisRoomKeys(client *redis.Client) *RedisRoomKeys {
	return &RedisRoomKeys{client: client}
}

func (r *RedisRoomKeys) GetOrCreate(ctx context.Context, roomID string, candidate []byte) ([]byte, error) {
	key := RoomKeyPrefix + roomID
	if err := r.client.SetNX(ctx, key, candidate, 0).Err(); err != nil {
		return nil, fmt.Errorf("keyexchange: store room key: %w", err)
	}
	stored, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		return nil, fmt.Errorf("keyexchange: load room key: %w", err)
	}
	return stored, nil
}
