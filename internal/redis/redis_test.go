package redis

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rosegarden/internal/models"
	"rosegarden/internal/offline"
	"rosegarden/internal/ws"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)

	c, err := NewClient(context.Background(), "redis://"+mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c, mr
}

func TestNewClientRejectsBadURL(t *testing.T) {
	_, err := NewClient(context.Background(), "not a url")
	assert.Error(t, err)
}

func TestChatReadReachesHub(t *testing.T) {
	c, _ := newTestClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := ws.NewHub()
	go hub.Run(ctx)
	l := hub.Listen(5)
	defer l.Close()

	ready := make(chan struct{})
	go SubscribeToEvents(ctx, c, hub, ready)
	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		t.Fatal("subscription not confirmed")
	}

	require.NoError(t, c.PublishChatRead(ctx, 5, 42))

	select {
	case ev := <-l.Events():
		assert.Equal(t, models.EventChatRead, ev.Type)
		assert.Equal(t, int64(5), ev.RoomId)
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
}

func TestCacheStorage(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()
	storage := c.CacheStorage("offline:")

	v1, err := storage.Open(ctx, "rose-cache-v1")
	require.NoError(t, err)
	v2, err := storage.Open(ctx, "rose-cache-v2")
	require.NoError(t, err)
	assert.Equal(t, "rose-cache-v2", v2.Name())

	_, err = v2.Match(ctx, "/")
	assert.ErrorIs(t, err, offline.ErrNotCached)

	stored := &offline.CachedResponse{
		Key:    "/",
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": {"text/html"}},
		Body:   []byte("<html>roses</html>"),
	}
	require.NoError(t, v2.Put(ctx, "/", stored))
	require.NoError(t, v1.Put(ctx, "/", &offline.CachedResponse{Status: http.StatusOK, Body: []byte("old")}))

	got, err := v2.Match(ctx, "/")
	require.NoError(t, err)
	assert.Equal(t, stored.Body, got.Body)
	assert.Equal(t, "text/html", got.Header.Get("Content-Type"))

	keys, err := v2.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"/"}, keys)

	names, err := storage.Names(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"rose-cache-v1", "rose-cache-v2"}, names)

	ok, err := storage.Delete(ctx, "rose-cache-v1")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = storage.Delete(ctx, "rose-cache-v1")
	require.NoError(t, err)
	assert.False(t, ok)

	has, err := storage.Has(ctx, "rose-cache-v1")
	require.NoError(t, err)
	assert.False(t, has)
}

func TestCacheStorageBacksController(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()
	storage := c.CacheStorage("offline:")

	stale, err := storage.Open(ctx, "rose-cache-v1")
	require.NoError(t, err)
	require.NoError(t, stale.Put(ctx, "/", &offline.CachedResponse{Status: http.StatusOK}))

	ctrl := offline.NewController(offline.Config{Version: "v2", Prefix: "rose-cache", Policy: offline.DefaultPolicy()}, storage, http.DefaultClient)
	deleted, err := ctrl.Activate(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"rose-cache-v1"}, deleted)
}
