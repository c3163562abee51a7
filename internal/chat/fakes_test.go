package chat

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"rosegarden/internal/auth"
	"rosegarden/internal/models"
)

var base = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func at(minute int) models.Timestamp {
	return models.NewTimestamp(base.Add(time.Duration(minute) * time.Minute))
}

func msg(id int64, minute int) models.ChatMessage {
	return models.ChatMessage{ID: id, RoomID: 5, SenderID: 2, SenderName: "rosa", Content: "m", CreatedAt: at(minute)}
}

func ids(msgs []models.ChatMessage) []int64 {
	out := make([]int64, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}

type fakeAPI struct {
	mu        sync.Mutex
	room      *models.RoomInfo
	roomErr   error
	history   func(cursor *time.Time) ([]models.ChatMessage, error)
	cursors   []*time.Time
	markReads int
}

func (f *fakeAPI) RoomInfo(ctx context.Context, roomID int64) (*models.RoomInfo, error) {
	if f.roomErr != nil {
		return nil, f.roomErr
	}
	return f.room, nil
}

func (f *fakeAPI) History(ctx context.Context, roomID int64, cursor *time.Time) ([]models.ChatMessage, error) {
	f.mu.Lock()
	f.cursors = append(f.cursors, cursor)
	h := f.history
	f.mu.Unlock()
	return h(cursor)
}

func (f *fakeAPI) MarkRead(ctx context.Context, roomID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markReads++
	return nil
}

type fakeTokens struct {
	err   error
	calls int
}

func (f *fakeTokens) Reissue(ctx context.Context) (*auth.Token, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &auth.Token{Raw: "tok", UserID: 1, Nickname: "me"}, nil
}

type fakeDialer struct {
	err     error
	conns   []*fakeConn
	headers []map[string]string
	subErr  error
}

func (f *fakeDialer) Dial(ctx context.Context, url string, headers map[string]string) (Conn, error) {
	f.headers = append(f.headers, headers)
	if f.err != nil {
		return nil, f.err
	}
	c := &fakeConn{done: make(chan struct{}), subErr: f.subErr}
	f.conns = append(f.conns, c)
	return c, nil
}

func (f *fakeDialer) last() *fakeConn {
	return f.conns[len(f.conns)-1]
}

type fakeConn struct {
	mu         sync.Mutex
	handler    func([]byte)
	topic      string
	subErr     error
	publishErr error
	published  [][]byte
	dests      []string
	sub        *fakeSub
	closed     int
	done       chan struct{}
	once       sync.Once
}

func (c *fakeConn) Subscribe(ctx context.Context, destination string, handler func([]byte)) (Subscription, error) {
	if c.subErr != nil {
		return nil, c.subErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = handler
	c.topic = destination
	c.sub = &fakeSub{}
	return c.sub, nil
}

func (c *fakeConn) Publish(ctx context.Context, destination string, body []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.publishErr != nil {
		return c.publishErr
	}
	c.published = append(c.published, body)
	c.dests = append(c.dests, destination)
	return nil
}

func (c *fakeConn) Done() <-chan struct{} {
	return c.done
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed++
	c.mu.Unlock()
	c.drop()
	return nil
}

func (c *fakeConn) drop() {
	c.once.Do(func() { close(c.done) })
}

// push delivers m as if the broker had sent it on the subscription.
func (c *fakeConn) push(m interface{}) {
	body, err := json.Marshal(m)
	if err != nil {
		panic(err)
	}
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	h(body)
}

type fakeSub struct {
	unsubscribed int
}

func (s *fakeSub) Unsubscribe() error {
	s.unsubscribed++
	return nil
}

type fakeSignaler struct {
	mu    sync.Mutex
	rooms []int64
}

func (f *fakeSignaler) ChatRead(ctx context.Context, roomID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rooms = append(f.rooms, roomID)
	return nil
}

// fakeViewport renders every message as one 20-unit row.
type fakeViewport struct {
	rows func() int
	top  int
}

func (v *fakeViewport) ScrollHeight() int   { return v.rows() * 20 }
func (v *fakeViewport) ScrollTop() int      { return v.top }
func (v *fakeViewport) SetScrollTop(top int) { v.top = top }

type alerts struct {
	mu   sync.Mutex
	errs []error
}

func (a *alerts) add(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.errs = append(a.errs, err)
}

func (a *alerts) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.errs)
}

var errOffline = errors.New("offline")

type harness struct {
	api      *fakeAPI
	tokens   *fakeTokens
	dialer   *fakeDialer
	signaler *fakeSignaler
	alerts   *alerts
	session  *Session
}

func newHarness(pages map[string][]models.ChatMessage, opts Options) *harness {
	h := &harness{
		api: &fakeAPI{
			room: &models.RoomInfo{ID: 5, Participants: []models.Participant{
				{ID: 1, Nickname: "me", Avatar: "me.png"},
				{ID: 2, Nickname: "rosa"},
			}},
		},
		tokens:   &fakeTokens{},
		dialer:   &fakeDialer{},
		signaler: &fakeSignaler{},
		alerts:   &alerts{},
	}
	h.api.history = func(cursor *time.Time) ([]models.ChatMessage, error) {
		key := ""
		if cursor != nil {
			key = cursor.UTC().Format("15:04")
		}
		return pages[key], nil
	}

	if opts.PageSize == 0 {
		opts.PageSize = 2
	}
	opts.WSURL = "ws://broker/ws"
	opts.Alert = h.alerts.add
	if opts.Now == nil {
		opts.Now = func() time.Time { return base.Add(time.Hour) }
	}

	h.session = New(5, Deps{API: h.api, Tokens: h.tokens, Dialer: h.dialer, Signaler: h.signaler}, opts)
	return h
}
