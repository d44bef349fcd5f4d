package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultHistoryTTL is how long an idle conversation is kept in redis.
	DefaultHistoryTTL = 24 * time.Hour

	historyPrefix = "x402:chat:"
)

// Store persists conversation history by session id.
type Store interface {
	Load(ctx context.Context, sessionID string) ([]Message, error)
	Save(ctx context.Context, sessionID string, history []Message) error
	Clear(ctx context.Context, sessionID string) error
}

// trimHistory keeps the newest max messages. max <= 0 keeps everything.
func trimHistory(history []Message, max int) []Message {
	if max > 0 && len(history) > max {
		history = history[len(history)-max:]
	}
	return history
}

// MemoryStore keeps history in process.
type MemoryStore struct {
	mu          sync.RWMutex
	maxMessages int
	sessions    map[string][]Message
}

func NewMemoryStore(maxMessages int) *MemoryStore {
	return &MemoryStore{
		maxMessages: maxMessages,
		sessions:    make(map[string][]Message),
	}
}

func (m *MemoryStore) Load(_ context.Context, sessionID string) ([]Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Message(nil), m.sessions[sessionID]...), nil
}

func (m *MemoryStore) Save(_ context.Context, sessionID string, history []Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[sessionID] = append([]Message(nil), trimHistory(history, m.maxMessages)...)
	return nil
}

func (m *MemoryStore) Clear(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
	return nil
}

// RedisStore keeps history as one JSON document per session with a TTL.
type RedisStore struct {
	rdb         redis.UniversalClient
	ttl         time.Duration
	maxMessages int
}

func NewRedisStore(rdb redis.UniversalClient, maxMessages int, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultHistoryTTL
	}
	return &RedisStore{rdb: rdb, ttl: ttl, maxMessages: maxMessages}
}

// NewRedisStoreFromURL connects using a redis:// URL.
func NewRedisStoreFromURL(ctx context.Context, url string, maxMessages int) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewRedisStore(rdb, maxMessages, DefaultHistoryTTL), nil
}

func historyKey(sessionID string) string {
	return historyPrefix + sessionID
}

func (r *RedisStore) Load(ctx context.Context, sessionID string) ([]Message, error) {
	data, err := r.rdb.Get(ctx, historyKey(sessionID)).Bytes()
	if err == redis.Nil {
		return []Message{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}

	var history []Message
	if err := json.Unmarshal(data, &history); err != nil {
		return nil, fmt.Errorf("failed to unmarshal history: %w", err)
	}
	return history, nil
}

func (r *RedisStore) Save(ctx context.Context, sessionID string, history []Message) error {
	data, err := json.Marshal(trimHistory(history, r.maxMessages))
	if err != nil {
		return fmt.Errorf("failed to marshal history: %w", err)
	}
	if err := r.rdb.Set(ctx, historyKey(sessionID), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save history: %w", err)
	}
	return nil
}

func (r *RedisStore) Clear(ctx context.Context, sessionID string) error {
	if err := r.rdb.Del(ctx, historyKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("failed to clear history: %w", err)
	}
	return nil
}

// Close releases the redis connection.
func (r *RedisStore) Close() error {
	return r.rdb.Close()
}
