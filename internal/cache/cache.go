package cache

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"CircleChat/internal/session"

	"github.com/go-redis/redis/v8"
)

// CachedAnswer is a complete answer that can be replayed for the same question
type CachedAnswer struct {
	Content   string           `json:"content"`
	Sources   []session.Source `json:"sources"`
	Timestamp time.Time        `json:"timestamp"`
}

// Store keeps answers by cache key
type Store interface {
	Get(ctx context.Context, key string) (CachedAnswer, bool, error)
	Set(ctx context.Context, key string, answer CachedAnswer) error
}

// GenerateCacheKey generates a cache key from the collection, the history and
// the question
func GenerateCacheKey(collection string, history []session.Turn, question string) string {
	h := sha256.New()
	h.Write([]byte(collection))
	h.Write([]byte{0})
	for _, turn := range history {
		h.Write([]byte(turn.Role))
		h.Write([]byte{0})
		h.Write([]byte(turn.Content))
		h.Write([]byte{0})
	}
	h.Write([]byte(question))
	return fmt.Sprintf("%x", h.Sum(nil))
}

// Memory is an in-process Store with a fixed time to live
type Memory struct {
	entries sync.Map
	ttl     time.Duration
	now     func() time.Time
}

// NewMemory creates an in-process store. A zero ttl keeps entries forever.
func NewMemory(ttl time.Duration) *Memory {
	return &Memory{ttl: ttl, now: time.Now}
}

func (m *Memory) Get(_ context.Context, key string) (CachedAnswer, bool, error) {
	val, ok := m.entries.Load(key)
	if !ok {
		return CachedAnswer{}, false, nil
	}
	cached := val.(CachedAnswer)
	if m.ttl > 0 && m.now().Sub(cached.Timestamp) > m.ttl {
		m.entries.Delete(key)
		return CachedAnswer{}, false, nil
	}
	return cached, true, nil
}

func (m *Memory) Set(_ context.Context, key string, answer CachedAnswer) error {
	if answer.Timestamp.IsZero() {
		answer.Timestamp = m.now()
	}
	m.entries.Store(key, answer)
	return nil
}

// Redis is a Store shared between server instances
type Redis struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedis creates a store on client; keys expire after ttl
func NewRedis(client *redis.Client, ttl time.Duration) *Redis {
	return &Redis{client: client, ttl: ttl, prefix: "circlechat:answer:"}
}

// DialRedis connects to addr and checks the connection
func DialRedis(ctx context.Context, addr, password string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return client, nil
}

func (r *Redis) Get(ctx context.Context, key string) (CachedAnswer, bool, error) {
	data, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return CachedAnswer{}, false, nil
	}
	if err != nil {
		return CachedAnswer{}, false, fmt.Errorf("failed to get cached answer: %w", err)
	}

	var cached CachedAnswer
	if err := json.Unmarshal(data, &cached); err != nil {
		return CachedAnswer{}, false, fmt.Errorf("failed to unmarshal cached answer: %w", err)
	}
	return cached, true, nil
}

func (r *Redis) Set(ctx context.Context, key string, answer CachedAnswer) error {
	if answer.Timestamp.IsZero() {
		answer.Timestamp = time.Now()
	}
	data, err := json.Marshal(answer)
	if err != nil {
		return fmt.Errorf("failed to marshal cached answer: %w", err)
	}
	if err := r.client.Set(ctx, r.prefix+key, data, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache answer: %w", err)
	}
	return nil
}
