package chat

import (
	"context"

	"rosegarden/internal/ws"
)

// StompDialer connects sessions over STOMP-over-WebSocket.
type StompDialer struct{}

func (StompDialer) Dial(ctx context.Context, url string, headers map[string]string) (Conn, error) {
	client, err := ws.Dial(ctx, url, headers)
	if err != nil {
		return nil, err
	}
	return stompConn{Client: client}, nil
}

type stompConn struct {
	*ws.Client
}

func (c stompConn) Subscribe(ctx context.Context, destination string, handler func(body []byte)) (Subscription, error) {
	sub, err := c.Client.Subscribe(ctx, destination, handler)
	if err != nil {
		return nil, err
	}
	return sub, nil
}
