package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store persists sessions by id.
type Store interface {
	// Load returns the session for id, or (nil, nil) when none exists.
	Load(ctx context.Context, id string) (*Session, error)
	// Save writes the session and refreshes its TTL.
	Save(ctx context.Context, s *Session) error
	// Delete removes the session.
	Delete(ctx context.Context, id string) error
}

// RedisStore implements Store on Redis with a fixed TTL per session.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a Redis-backed session store. client may be any
// go-redis universal client, which keeps the store testable against miniredis.
func NewRedisStore(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "portal-auth"
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

func (r *RedisStore) key(id string) string {
	return fmt.Sprintf("%s:session:%s", r.prefix, id)
}

// Load fetches and decodes one session. A missing key is not an error.
func (r *RedisStore) Load(ctx context.Context, id string) (*Session, error) {
	data, err := r.client.Get(ctx, r.key(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("session: load %q: %w", id, err)
	}

	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("session: decode %q: %w", id, err)
	}
	return &s, nil
}

// Save writes the session under its id and resets the TTL, so activity keeps
// a session alive for the configured duration past its last write.
func (r *RedisStore) Save(ctx context.Context, s *Session) error {
	if s == nil || s.ID == "" {
		return errors.New("session: save requires a session with an id")
	}
	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("session: encode %q: %w", s.ID, err)
	}
	if err := r.client.Set(ctx, r.key(s.ID), payload, r.ttl).Err(); err != nil {
		return fmt.Errorf("session: save %q: %w", s.ID, err)
	}
	s.markClean()
	return nil
}

// Delete removes the session. Deleting a missing session is not an error.
func (r *RedisStore) Delete(ctx context.Context, id string) error {
	if err := r.client.Del(ctx, r.key(id)).Err(); err != nil {
		return fmt.Errorf("session: delete %q: %w", id, err)
	}
	return nil
}
