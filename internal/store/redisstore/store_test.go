package redisstore

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeys(t *testing.T) {
	assert.Equal(t, "notify:cooldown:agents_needed:S1", cooldownKey("agents_needed:S1"))
	assert.Equal(t, "typing:S1:user", typingKey("S1", "user"))
}

func TestUnreachableRedisReturnsErrors(t *testing.T) {
	s := NewFromClient(redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	}))
	defer s.Close()
	ctx := context.Background()

	_, err := s.AcquireCooldown(ctx, "k", time.Minute)
	require.Error(t, err)
	require.Error(t, s.SetTyping(ctx, "S1", "user", true))
	_, err = s.GetTyping(ctx, "S1")
	require.Error(t, err)
}
