package cache

import (
	"context"
	"net/http"
	"testing"
	"time"

	"medsync/internal/config"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisStore(t *testing.T) {
	s, err := miniredis.Run()
	require.NoError(t, err)
	defer s.Close()

	client := NewRedisClient(config.RedisConfig{Address: s.Addr()})
	defer client.Close()

	store := NewRedisStore(client, "test:cache:")
	ctx := context.Background()

	t.Run("PutAndMatch", func(t *testing.T) {
		header := http.Header{"Content-Type": {"text/html; charset=utf-8"}}
		entry := NewEntry(http.StatusOK, header, []byte("<h1>Inventario</h1>"), time.Now())
		require.NoError(t, store.Put(ctx, "pages-v1", Key(http.MethodGet, "/inventario"), entry))

		got, err := store.Match(ctx, "pages-v1", Key(http.MethodGet, "/inventario"))
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, http.StatusOK, got.Status)
		assert.Equal(t, "<h1>Inventario</h1>", string(got.Body))
		assert.Equal(t, "text/html; charset=utf-8", got.Header.Get("Content-Type"))
		assert.True(t, s.Exists("test:cache:p:pages-v1"))
	})

	t.Run("MatchMissing", func(t *testing.T) {
		got, err := store.Match(ctx, "pages-v1", Key(http.MethodGet, "/nope"))
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("PartitionsAndDelete", func(t *testing.T) {
		entry := NewEntry(http.StatusOK, nil, []byte("body{}"), time.Now())
		require.NoError(t, store.Put(ctx, "static-v0", Key(http.MethodGet, "/site.css"), entry))

		names, err := store.Partitions(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"pages-v1", "static-v0"}, names)

		existed, err := store.DeletePartition(ctx, "static-v0")
		require.NoError(t, err)
		assert.True(t, existed)
		assert.False(t, s.Exists("test:cache:p:static-v0"))

		existed, err = store.DeletePartition(ctx, "static-v0")
		require.NoError(t, err)
		assert.False(t, existed)
	})

	t.Run("NilClient", func(t *testing.T) {
		store := NewRedisStore(nil, "")
		_, err := store.Match(ctx, "pages-v1", "GET /")
		assert.ErrorIs(t, err, ErrNilClient)
	})

	t.Run("Ping", func(t *testing.T) {
		assert.NoError(t, Ping(ctx, client))
	})
}

func TestRedisStore_Unavailable(t *testing.T) {
	s, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: s.Addr(), MaxRetries: -1})
	defer client.Close()
	s.Close()

	store := NewRedisStore(client, "")
	_, err = store.Partitions(context.Background())
	assert.Error(t, err)
}
