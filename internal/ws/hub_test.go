package ws

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rosegarden/internal/models"
)

func receive(t *testing.T, l *Listener) models.Event {
	t.Helper()
	select {
	case ev, ok := <-l.Events():
		require.True(t, ok, "listener closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
		return models.Event{}
	}
}

func TestHubDeliversChatRead(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub()
	go hub.Run(ctx)

	room := hub.Listen(5)
	other := hub.Listen(6)
	all := hub.Listen(AllRooms)
	defer room.Close()
	defer other.Close()
	defer all.Close()

	require.NoError(t, hub.ChatRead(ctx, 5))

	ev := receive(t, room)
	assert.Equal(t, models.EventChatRead, ev.Type)
	assert.Equal(t, int64(5), ev.RoomId)
	assert.Equal(t, int64(5), receive(t, all).RoomId)

	select {
	case ev := <-other.Events():
		t.Fatalf("unexpected event for room 6: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHubUnregister(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub()
	go hub.Run(ctx)

	l := hub.Listen(9)
	assert.Eventually(t, func() bool { return hub.ListenerCount(9) == 1 }, time.Second, 5*time.Millisecond)

	l.Close()
	l.Close()

	_, ok := <-l.Events()
	assert.False(t, ok)
	assert.Equal(t, 0, hub.ListenerCount(9))
}

func TestHubStopReleasesCallers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	hub := NewHub()
	go hub.Run(ctx)

	l := hub.Listen(7)
	cancel()

	select {
	case <-hub.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not stop")
	}

	_, ok := <-l.Events()
	assert.False(t, ok, "listener should be closed when the hub stops")

	closed := make(chan struct{})
	go func() {
		l.Close()
		late := hub.Listen(8)
		_, ok := <-late.Events()
		assert.False(t, ok)
		late.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close or Listen blocked after the hub stopped")
	}

	assert.ErrorIs(t, hub.Publish(context.Background(), &models.Event{Type: models.EventChatRead, RoomId: 7}), ErrHubStopped)
}
