package ws

import (
	"context"
	"testing"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialTest(t *testing.T, url, token string) (*Client, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return Dial(ctx, url, map[string]string{"Authorization": "Bearer " + token, "roomId": "5"})
}

func TestDialSendsConnectHeaders(t *testing.T) {
	broker, url := newFakeBroker(t)

	c, err := dialTest(t, url, "good")
	require.NoError(t, err)
	defer c.Close()

	assert.True(t, c.Connected())
	connect := broker.connectFrames()
	require.Len(t, connect, 1)
	assert.Equal(t, "5", connect[0].Header.Get("roomId"))
	assert.Equal(t, "1.2", connect[0].Header.Get(frame.AcceptVersion))
}

func TestDialRejected(t *testing.T) {
	_, url := newFakeBroker(t)

	_, err := dialTest(t, url, "bad")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBrokerError)
	assert.Contains(t, err.Error(), "invalid token")
}

func TestSubscribePublishRoundTrip(t *testing.T) {
	broker, url := newFakeBroker(t)

	c, err := dialTest(t, url, "good")
	require.NoError(t, err)
	defer c.Close()

	got := make(chan []byte, 1)
	sub, err := c.Subscribe(context.Background(), "/topic/5", func(body []byte) { got <- body })
	require.NoError(t, err)
	assert.Equal(t, "/topic/5", sub.Destination())

	require.NoError(t, c.Publish(context.Background(), "/publish/5", []byte(`{"content":"hello"}`)))

	select {
	case body := <-got:
		assert.JSONEq(t, `{"content":"hello"}`, string(body))
	case <-time.After(5 * time.Second):
		t.Fatal("message not delivered")
	}

	sent := broker.sentFrames()
	require.Len(t, sent, 1)
	assert.Equal(t, "application/json", sent[0].Header.Get(frame.ContentType))

	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, sub.Unsubscribe())
	assert.Eventually(t, func() bool { return broker.subscriptionCount() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestSubscribeError(t *testing.T) {
	_, url := newFakeBroker(t)

	c, err := dialTest(t, url, "good")
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Subscribe(context.Background(), "/topic/forbidden", func([]byte) {})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBrokerError)
	assert.True(t, c.Connected())
}

func TestCloseIsIdempotent(t *testing.T) {
	_, url := newFakeBroker(t)

	c, err := dialTest(t, url, "good")
	require.NoError(t, err)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("done not closed")
	}
	assert.False(t, c.Connected())
	assert.ErrorIs(t, c.Publish(context.Background(), "/publish/5", nil), ErrNotConnected)

	_, err = c.Subscribe(context.Background(), "/topic/5", func([]byte) {})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestDecodeHeartbeat(t *testing.T) {
	f, err := decodeFrame([]byte("\n"))
	require.NoError(t, err)
	assert.Nil(t, f)
}
