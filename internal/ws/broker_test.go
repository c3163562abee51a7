package ws

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/gorilla/websocket"
)

// fakeBroker is a minimal STOMP broker: SEND to /publish/{room} is delivered
// as MESSAGE to subscribers of /topic/{room}.
type fakeBroker struct {
	t        *testing.T
	upgrader websocket.Upgrader

	mu      sync.Mutex
	conns   []*brokerConn
	connect []*frame.Frame
	sent    []*frame.Frame
}

type brokerConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
	subs map[string]string // subscription id -> destination
}

func newFakeBroker(t *testing.T) (*fakeBroker, string) {
	t.Helper()
	b := &fakeBroker{t: t}
	srv := httptest.NewServer(http.HandlerFunc(b.serve))
	t.Cleanup(srv.Close)
	return b, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func (b *fakeBroker) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	bc := &brokerConn{conn: conn, subs: make(map[string]string)}
	defer conn.Close()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		f, err := decodeFrame(data)
		if err != nil || f == nil {
			continue
		}

		switch f.Command {
		case frame.CONNECT:
			b.mu.Lock()
			b.connect = append(b.connect, f)
			b.mu.Unlock()
			if f.Header.Get("Authorization") != "Bearer good" {
				bc.write(frame.New(frame.ERROR, frame.Message, "invalid token"))
				return
			}
			b.mu.Lock()
			b.conns = append(b.conns, bc)
			b.mu.Unlock()
			bc.write(frame.New(frame.CONNECTED, frame.Version, "1.2"))

		case frame.SUBSCRIBE:
			dest := f.Header.Get(frame.Destination)
			if strings.HasSuffix(dest, "/forbidden") {
				bc.write(frame.New(frame.ERROR,
					frame.Message, "access denied",
					frame.ReceiptId, f.Header.Get(frame.Receipt)))
				continue
			}
			bc.mu.Lock()
			bc.subs[f.Header.Get(frame.Id)] = dest
			bc.mu.Unlock()
			bc.write(frame.New(frame.RECEIPT, frame.ReceiptId, f.Header.Get(frame.Receipt)))

		case frame.UNSUBSCRIBE:
			bc.mu.Lock()
			delete(bc.subs, f.Header.Get(frame.Id))
			bc.mu.Unlock()

		case frame.SEND:
			b.mu.Lock()
			b.sent = append(b.sent, f)
			b.mu.Unlock()
			topic := strings.Replace(f.Header.Get(frame.Destination), "/publish/", "/topic/", 1)
			b.deliver(topic, f.Body)

		case frame.DISCONNECT:
			return
		}
	}
}

func (b *fakeBroker) deliver(topic string, body []byte) {
	b.mu.Lock()
	conns := append([]*brokerConn(nil), b.conns...)
	b.mu.Unlock()

	for _, bc := range conns {
		bc.mu.Lock()
		for id, dest := range bc.subs {
			if dest == topic {
				msg := frame.New(frame.MESSAGE, frame.Subscription, id, frame.Destination, dest)
				msg.Body = body
				bc.writeLocked(msg)
			}
		}
		bc.mu.Unlock()
	}
}

func (b *fakeBroker) subscriptionCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, bc := range b.conns {
		bc.mu.Lock()
		n += len(bc.subs)
		bc.mu.Unlock()
	}
	return n
}

func (b *fakeBroker) connectFrames() []*frame.Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*frame.Frame(nil), b.connect...)
}

func (b *fakeBroker) sentFrames() []*frame.Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*frame.Frame(nil), b.sent...)
}

func (bc *brokerConn) write(f *frame.Frame) {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	bc.writeLocked(f)
}

func (bc *brokerConn) writeLocked(f *frame.Frame) {
	payload, err := encodeFrame(f)
	if err != nil {
		return
	}
	bc.conn.WriteMessage(websocket.TextMessage, payload)
}
