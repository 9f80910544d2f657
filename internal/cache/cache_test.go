package cache

import (
	"context"
	"testing"
	"time"

	"CircleChat/internal/session"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateCacheKey(t *testing.T) {
	history := []session.Turn{{Role: session.RoleAssistant, Content: "Hello!"}}

	a := GenerateCacheKey("menopause", history, "What is HRT?")
	assert.Len(t, a, 64)
	assert.Equal(t, a, GenerateCacheKey("menopause", history, "What is HRT?"))

	assert.NotEqual(t, a, GenerateCacheKey("sleep", history, "What is HRT?"))
	assert.NotEqual(t, a, GenerateCacheKey("menopause", nil, "What is HRT?"))
	assert.NotEqual(t, a, GenerateCacheKey("menopause", history, "What is HRT"))

	// field boundaries matter
	assert.NotEqual(t,
		GenerateCacheKey("ab", nil, "c"),
		GenerateCacheKey("a", nil, "bc"))
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(time.Minute)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	_, ok, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, m.Set(ctx, "k", CachedAnswer{Content: "answer"}))
	got, ok, err := m.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "answer", got.Content)
	assert.Equal(t, now, got.Timestamp)

	now = now.Add(2 * time.Minute)
	_, ok, err = m.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok, "entry expired")
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx := context.Background()
	r := NewRedis(client, time.Hour)

	_, ok, err := r.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	src := "https://example.org"
	require.NoError(t, r.Set(ctx, "k", CachedAnswer{
		Content: "answer",
		Sources: []session.Source{{Content: "A", Metadata: session.SourceMetadata{Source: &src}}},
	}))

	got, ok, err := r.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "answer", got.Content)
	require.Len(t, got.Sources, 1)
	assert.Equal(t, src, got.Sources[0].URL())

	assert.Equal(t, time.Hour, mr.TTL("circlechat:answer:k"))

	mr.FastForward(2 * time.Hour)
	_, ok, err = r.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDialRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := DialRedis(context.Background(), mr.Addr(), "")
	require.NoError(t, err)
	client.Close()

	mr.Close()
	_, err = DialRedis(context.Background(), mr.Addr(), "")
	assert.Error(t, err)
}
