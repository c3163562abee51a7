package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message
	writeWait = 10 * time.Second

	// Time allowed to read next pong message
	pongWait = 60 * time.Second

	// Send pings with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Max message size
	maxMessageSize = 512 * 1024 // 512 KB

	// Time allowed for CONNECTED and subscription receipts
	receiptWait = 10 * time.Second
)

var (
	ErrNotConnected = errors.New("stomp: not connected")
	ErrBrokerError  = errors.New("stomp: broker error")
)

// Handler receives the body of every MESSAGE frame on a subscription. It runs
// on the client's read goroutine.
type Handler func(body []byte)

// Client is a STOMP 1.2 session carried over a single WebSocket.
type Client struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}

	mu       sync.Mutex
	subs     map[string]Handler
	receipts map[string]chan error
	closed   bool
	err      error

	nextID atomic.Int64
	once   sync.Once
}

// Dial opens the WebSocket at url and performs the STOMP CONNECT handshake.
// Headers are sent both on the HTTP upgrade and as CONNECT frame headers, which
// is where Spring-style brokers read the bearer token and room id.
func Dial(ctx context.Context, url string, headers map[string]string) (*Client, error) {
	httpHeader := http.Header{}
	for k, v := range headers {
		httpHeader.Set(k, v)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, httpHeader)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	conn.SetReadLimit(maxMessageSize)

	c := &Client{
		conn:     conn,
		send:     make(chan []byte, 256),
		done:     make(chan struct{}),
		subs:     make(map[string]Handler),
		receipts: make(map[string]chan error),
	}

	if err := c.handshake(ctx, headers); err != nil {
		conn.Close()
		return nil, err
	}

	go c.WritePump()
	go c.ReadPump()

	slog.Info("[STOMP] Connected", "url", url)
	return c, nil
}

func (c *Client) handshake(ctx context.Context, headers map[string]string) error {
	connect := frame.New(frame.CONNECT,
		frame.AcceptVersion, "1.2",
		frame.HeartBeat, "0,0",
	)
	for k, v := range headers {
		connect.Header.Add(k, v)
	}

	payload, err := encodeFrame(connect)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(receiptWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("send CONNECT: %w", err)
	}

	c.conn.SetReadDeadline(deadline)
	defer c.conn.SetReadDeadline(time.Time{})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("await CONNECTED: %w", err)
		}
		f, err := decodeFrame(data)
		if err != nil {
			return err
		}
		if f == nil {
			continue
		}

		switch f.Command {
		case frame.CONNECTED:
			return nil
		case frame.ERROR:
			return brokerError(f)
		default:
			return fmt.Errorf("unexpected %s frame before CONNECTED", f.Command)
		}
	}
}

// ReadPump dispatches frames from the broker until the connection drops.
func (c *Client) ReadPump() {
	defer c.shutdown(ErrNotConnected)

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("[STOMP] Unexpected close", "error", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		f, err := decodeFrame(data)
		if err != nil {
			slog.Error("[STOMP] Dropping malformed frame", "error", err)
			continue
		}
		if f == nil {
			continue
		}
		c.handleFrame(f)
	}
}

// WritePump serializes writes to the WebSocket and keeps it alive with pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				slog.Error("[STOMP] Failed to write frame", "error", err)
				c.shutdown(err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				slog.Error("[STOMP] Failed to send ping", "error", err)
				c.shutdown(err)
				return
			}

		case <-c.done:
			c.drain()
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// drain flushes frames queued before shutdown, such as DISCONNECT.
func (c *Client) drain() {
	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Client) handleFrame(f *frame.Frame) {
	switch f.Command {
	case frame.MESSAGE:
		id := f.Header.Get(frame.Subscription)
		c.mu.Lock()
		handler := c.subs[id]
		c.mu.Unlock()

		if handler == nil {
			slog.Warn("[STOMP] Message for unknown subscription", "subscription", id, "destination", f.Header.Get(frame.Destination))
			return
		}
		handler(f.Body)

	case frame.RECEIPT:
		c.resolveReceipt(f.Header.Get(frame.ReceiptId), nil)

	case frame.ERROR:
		err := brokerError(f)
		slog.Error("[STOMP] Broker error", "error", err)
		if id := f.Header.Get(frame.ReceiptId); id != "" {
			c.resolveReceipt(id, err)
			return
		}
		// An ERROR without a receipt-id ends the session.
		c.shutdown(err)

	default:
		slog.Warn("[STOMP] Unexpected frame", "command", f.Command)
	}
}

func (c *Client) resolveReceipt(id string, err error) {
	c.mu.Lock()
	ch, ok := c.receipts[id]
	delete(c.receipts, id)
	c.mu.Unlock()

	if ok {
		ch <- err
	}
}

// Subscribe registers handler for destination and waits until the broker has
// acknowledged the subscription.
func (c *Client) Subscribe(ctx context.Context, destination string, handler Handler) (*Subscription, error) {
	id := "sub-" + strconv.FormatInt(c.nextID.Add(1), 10)
	receipt := "rcpt-" + id

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	c.subs[id] = handler
	wait := make(chan error, 1)
	c.receipts[receipt] = wait
	c.mu.Unlock()

	f := frame.New(frame.SUBSCRIBE,
		frame.Id, id,
		frame.Destination, destination,
		frame.Ack, "auto",
		frame.Receipt, receipt,
	)
	if err := c.write(f); err != nil {
		c.forget(id, receipt)
		return nil, err
	}

	timer := time.NewTimer(receiptWait)
	defer timer.Stop()

	select {
	case err := <-wait:
		if err != nil {
			c.forget(id, receipt)
			return nil, fmt.Errorf("subscribe %s: %w", destination, err)
		}
	case <-ctx.Done():
		c.forget(id, receipt)
		return nil, ctx.Err()
	case <-timer.C:
		c.forget(id, receipt)
		return nil, fmt.Errorf("subscribe %s: no receipt after %s", destination, receiptWait)
	}

	slog.Debug("[STOMP] Subscribed", "subscription", id, "destination", destination)
	return &Subscription{client: c, id: id, destination: destination}, nil
}

func (c *Client) forget(id, receipt string) {
	c.mu.Lock()
	delete(c.subs, id)
	delete(c.receipts, receipt)
	c.mu.Unlock()
}

// Publish sends a JSON body to destination.
func (c *Client) Publish(ctx context.Context, destination string, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f := frame.New(frame.SEND,
		frame.Destination, destination,
		frame.ContentType, "application/json",
	)
	f.Body = body
	return c.write(f)
}

func (c *Client) write(f *frame.Frame) error {
	payload, err := encodeFrame(f)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrNotConnected
	}

	select {
	case c.send <- payload:
		return nil
	default:
		return fmt.Errorf("stomp: send buffer full")
	}
}

// Connected reports whether the session is still usable.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// Err returns the reason the session ended, if it has.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Done is closed once the session has ended.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close sends DISCONNECT and closes the WebSocket. It is safe to call more
// than once.
func (c *Client) Close() error {
	if err := c.write(frame.New(frame.DISCONNECT)); err != nil && !errors.Is(err, ErrNotConnected) {
		slog.Warn("[STOMP] Failed to queue DISCONNECT", "error", err)
	}
	c.shutdown(nil)
	return nil
}

func (c *Client) shutdown(reason error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.err = reason
		pending := c.receipts
		c.receipts = make(map[string]chan error)
		c.subs = make(map[string]Handler)
		c.mu.Unlock()

		for _, ch := range pending {
			ch <- ErrNotConnected
		}
		close(c.done)
		slog.Info("[STOMP] Session closed", "reason", reason)
	})
}

// Subscription is a live handle on one destination. Unsubscribe releases it.
type Subscription struct {
	client      *Client
	id          string
	destination string
	once        sync.Once
}

func (s *Subscription) Destination() string {
	return s.destination
}

func (s *Subscription) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		s.client.mu.Lock()
		delete(s.client.subs, s.id)
		s.client.mu.Unlock()

		err = s.client.write(frame.New(frame.UNSUBSCRIBE, frame.Id, s.id))
		if errors.Is(err, ErrNotConnected) {
			err = nil
		}
		slog.Debug("[STOMP] Unsubscribed", "subscription", s.id, "destination", s.destination)
	})
	return err
}
