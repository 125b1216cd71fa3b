package cache

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	entry := NewEntry(http.StatusOK, http.Header{"Content-Type": {"text/html"}}, []byte("<html>inicio</html>"), time.Now())
	require.NoError(t, store.Put(ctx, "pages-v1", Key(http.MethodGet, "/"), entry))

	got, err := store.Match(ctx, "pages-v1", Key("get", "/"))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "<html>inicio</html>", string(got.Body))

	miss, err := store.Match(ctx, "static-v1", Key(http.MethodGet, "/"))
	require.NoError(t, err)
	assert.Nil(t, miss)

	require.NoError(t, store.Put(ctx, "static-v1", Key(http.MethodGet, "/app.js"), entry))
	names, err := store.Partitions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"pages-v1", "static-v1"}, names)

	existed, err := store.DeletePartition(ctx, "pages-v1")
	require.NoError(t, err)
	assert.True(t, existed)
	existed, err = store.DeletePartition(ctx, "pages-v1")
	require.NoError(t, err)
	assert.False(t, existed)

	names, _ = store.Partitions(ctx)
	assert.Equal(t, []string{"static-v1"}, names)
}

func TestNewEntry_DropsHopByHopHeaders(t *testing.T) {
	header := http.Header{}
	header.Set("Content-Type", "text/css")
	header.Set("Set-Cookie", "session=1")
	header.Set("Connection", "keep-alive")

	entry := NewEntry(http.StatusOK, header, nil, time.Now())
	assert.Equal(t, "text/css", entry.Header.Get("Content-Type"))
	assert.Empty(t, entry.Header.Get("Set-Cookie"))
	assert.Empty(t, entry.Header.Get("Connection"))
	assert.Equal(t, "session=1", header.Get("Set-Cookie"), "source header untouched")
}
