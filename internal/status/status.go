package status

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// Store persists user online/offline status so it survives the process
// and is visible to the REST side. Live reachability still comes from the
// in-memory presence registry; this is the durable shadow of it.
type Store interface {
	SetOnline(userID string) error
	SetOffline(userID string) error
	IsOnline(userID string) (bool, error)
}

type RedisStore struct {
	rdb *redis.Client
	ctx context.Context
	ttl time.Duration
}

func NewRedisStore(addr string) *RedisStore {
	opt, err := redis.ParseURL(addr)
	var rdb *redis.Client
	if err != nil {
		rdb = redis.NewClient(&redis.Options{
			Addr: addr,
		})
	} else {
		rdb = redis.NewClient(opt)
	}

	return &RedisStore{
		rdb: rdb,
		ctx: context.Background(),
		ttl: 24 * time.Hour,
	}
}

func (s *RedisStore) SetOnline(userID string) error {
	key := fmt.Sprintf("status:%s", userID)
	log.Printf("[Status] %s => online", userID)
	return s.rdb.Set(s.ctx, key, "online", s.ttl).Err()
}

func (s *RedisStore) SetOffline(userID string) error {
	key := fmt.Sprintf("status:%s", userID)
	log.Printf("[Status] %s => offline", userID)
	return s.rdb.Set(s.ctx, key, "offline", s.ttl).Err()
}

func (s *RedisStore) IsOnline(userID string) (bool, error) {
	key := fmt.Sprintf("status:%s", userID)
	val, err := s.rdb.Get(s.ctx, key).Result()
	if err == redis.Nil {
		return false, nil
	} else if err != nil {
		return false, err
	}
	return val == "online", nil
}

// MemoryStore is the fallback when no redis address is configured.
type MemoryStore struct {
	mu     sync.RWMutex
	online map[string]bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		online: make(map[string]bool),
	}
}

func (s *MemoryStore) SetOnline(userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.online[userID] = true
	return nil
}

func (s *MemoryStore) SetOffline(userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.online[userID] = false
	return nil
}

func (s *MemoryStore) IsOnline(userID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.online[userID], nil
}
