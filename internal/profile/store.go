package profile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned when a key holds no entry, including entries that
// already expired. Callers translate it into invalid_token or a 404; it is
// never a server fault.
var ErrNotFound = errors.New("profile: entry not found")

// Store persists profile entries under code and token keys with a fixed TTL.
type Store struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewStore creates a Redis-backed profile store. The TTL is the session
// duration; entries vanish on their own, which is the intended lifecycle.
func NewStore(client redis.UniversalClient, prefix string, ttl time.Duration) *Store {
	if prefix == "" {
		prefix = "portal-auth"
	}
	return &Store{client: client, prefix: prefix, ttl: ttl}
}

func (s *Store) key(k string) string {
	return fmt.Sprintf("%s:profile:%s", s.prefix, k)
}

// RegisterCode stores the entry under an authorization code. The flow
// exchanges the code for tokens later; at that point the entry migrates to
// the token keys and the code entry is deleted. Any token fields on the
// entry are cleared, the code is the only key.
func (s *Store) RegisterCode(ctx context.Context, code string, e Entry) error {
	if code == "" {
		return errors.New("profile: register requires a code")
	}
	e.AccessToken = ""
	e.RefreshToken = ""
	if e.RegisteredAt.IsZero() {
		e.RegisteredAt = time.Now().UTC()
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("profile: encode entry: %w", err)
	}
	if err := s.client.Set(ctx, s.key(code), payload, s.ttl).Err(); err != nil {
		return fmt.Errorf("profile: register code: %w", err)
	}
	return nil
}

// RegisterTokens stores the entry under its access token and, when present,
// its refresh token, so both map to the same profile. Both writes share one
// transaction.
func (s *Store) RegisterTokens(ctx context.Context, e Entry) error {
	if e.AccessToken == "" {
		return errors.New("profile: register requires an access token")
	}
	if e.RegisteredAt.IsZero() {
		e.RegisteredAt = time.Now().UTC()
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("profile: encode entry: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.key(e.AccessToken), payload, s.ttl)
	if e.RefreshToken != "" {
		pipe.Set(ctx, s.key(e.RefreshToken), payload, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("profile: register tokens: %w", err)
	}
	return nil
}

// Retrieve returns the entry stored under a code or token key.
func (s *Store) Retrieve(ctx context.Context, key string) (*Entry, error) {
	data, err := s.client.Get(ctx, s.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("profile: retrieve: %w", err)
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("profile: decode entry: %w", err)
	}
	return &e, nil
}

// Delete removes the entry under key. Missing keys are not an error; the
// call sites treat deletion as best effort.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("profile: delete: %w", err)
	}
	return nil
}
