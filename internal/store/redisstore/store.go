package redisstore

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// typing indicators expire on their own if the "stopped" frame never comes
const typingTTL = 6 * time.Second

var typingRoles = []string{"user", "persona", "support"}

type Store struct {
	rdb *redis.Client
}

func New(addr, password string, db int) *Store {
	return NewFromClient(redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	}))
}

// NewFromClient wraps an existing client.
func NewFromClient(rdb *redis.Client) *Store { return &Store{rdb: rdb} }

func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.rdb.Close()
}

func cooldownKey(key string) string { return "notify:cooldown:" + key }

func typingKey(sessionID, role string) string { return "typing:" + sessionID + ":" + role }

// AcquireCooldown reports true for the first caller per key until ttl passes.
func (s *Store) AcquireCooldown(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return s.rdb.SetNX(ctx, cooldownKey(key), 1, ttl).Result()
}

func (s *Store) SetTyping(ctx context.Context, sessionID, role string, typing bool) error {
	if !typing {
		return s.rdb.Del(ctx, typingKey(sessionID, role)).Err()
	}
	return s.rdb.Set(ctx, typingKey(sessionID, role), 1, typingTTL).Err()
}

// GetTyping returns which roles are typing in the session right now.
func (s *Store) GetTyping(ctx context.Context, sessionID string) (map[string]bool, error) {
	keys := make([]string, len(typingRoles))
	for i, r := range typingRoles {
		keys[i] = typingKey(sessionID, r)
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	out := make(map[string]bool, len(typingRoles))
	for i, r := range typingRoles {
		out[r] = i < len(vals) && vals[i] != nil
	}
	return out, nil
}
