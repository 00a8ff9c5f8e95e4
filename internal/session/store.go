// Package session keeps the flat key/value map the backend returns at login
// and derives the account's exposure policy and balances from it.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// ErrNotFound is returned when no session exists for a user.
var ErrNotFound = errors.New("session: not found")

// MemoryStore keeps sessions in process. Expiry is checked on read.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]memEntry
	now  func() time.Time
}

type memEntry struct {
	values  map[string]string
	expires time.Time
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]memEntry), now: time.Now}
}

// Load returns a copy of the user's session.
func (m *MemoryStore) Load(_ context.Context, userID string) (map[string]string, error) {
	m.mu.RLock()
	e, ok := m.data[userID]
	m.mu.RUnlock()
	if !ok || (!e.expires.IsZero() && m.now().After(e.expires)) {
		return nil, ErrNotFound
	}
	out := make(map[string]string, len(e.values))
	for k, v := range e.values {
		out[k] = v
	}
	return out, nil
}

// Save replaces the user's session. A zero ttl never expires.
func (m *MemoryStore) Save(_ context.Context, userID string, values map[string]string, ttl time.Duration) error {
	cp := make(map[string]string, len(values))
	for k, v := range values {
		cp[k] = v
	}
	e := memEntry{values: cp}
	if ttl > 0 {
		e.expires = m.now().Add(ttl)
	}
	m.mu.Lock()
	m.data[userID] = e
	m.mu.Unlock()
	return nil
}

// Delete removes the user's session.
func (m *MemoryStore) Delete(_ context.Context, userID string) error {
	m.mu.Lock()
	delete(m.data, userID)
	m.mu.Unlock()
	return nil
}

// RedisStore keeps each session as a hash at session:<userID>.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func sessionKey(userID string) string { return "session:" + userID }

// Load returns the user's session.
func (s *RedisStore) Load(ctx context.Context, userID string) (map[string]string, error) {
	vals, err := s.client.HGetAll(ctx, sessionKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("session: load %s: %w", userID, err)
	}
	if len(vals) == 0 {
		return nil, ErrNotFound
	}
	return vals, nil
}

// Save replaces the user's session atomically and sets its expiry.
func (s *RedisStore) Save(ctx context.Context, userID string, values map[string]string, ttl time.Duration) error {
	key := sessionKey(userID)
	fields := make(map[string]interface{}, len(values))
	for k, v := range values {
		fields[k] = v
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		if len(fields) > 0 {
			pipe.HSet(ctx, key, fields)
		}
		if ttl > 0 {
			pipe.Expire(ctx, key, ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("session: save %s: %w", userID, err)
	}
	return nil
}

// Delete removes the user's session.
func (s *RedisStore) Delete(ctx context.Context, userID string) error {
	if err := s.client.Del(ctx, sessionKey(userID)).Err(); err != nil {
		return fmt.Errorf("session: delete %s: %w", userID, err)
	}
	return nil
}
