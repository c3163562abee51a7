// Package chat keeps one room's message list coherent while the room is open:
// paginated history, a live STOMP subscription, and optimistic sends.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"rosegarden/internal/auth"
	"rosegarden/internal/models"
)

const (
	TopicPrefix   = "/topic/"
	PublishPrefix = "/publish/"

	DefaultPageSize        = 30
	DefaultReconcileWindow = 30 * time.Second
)

var (
	ErrNotConnected   = errors.New("chat: not connected")
	ErrClosed         = errors.New("chat: session closed")
	ErrBlankMessage   = errors.New("chat: message is blank")
	ErrConnectionLost = errors.New("chat: connection lost")
)

type State int

const (
	StateInit State = iota
	StateHistoryLoaded
	StateLive
	StateLoadingOlder
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateHistoryLoaded:
		return "HISTORY_LOADED"
	case StateLive:
		return "LIVE"
	case StateLoadingOlder:
		return "LOADING_OLDER"
	case StateClosed:
		return "CLOSED"
	default:
		return "State(" + strconv.Itoa(int(s)) + ")"
	}
}

type API interface {
	RoomInfo(ctx context.Context, roomID int64) (*models.RoomInfo, error)
	History(ctx context.Context, roomID int64, cursor *time.Time) ([]models.ChatMessage, error)
	MarkRead(ctx context.Context, roomID int64) error
}

type Tokens interface {
	Reissue(ctx context.Context) (*auth.Token, error)
}

type Dialer interface {
	Dial(ctx context.Context, url string, headers map[string]string) (Conn, error)
}

type Conn interface {
	Subscribe(ctx context.Context, destination string, handler func(body []byte)) (Subscription, error)
	Publish(ctx context.Context, destination string, body []byte) error
	Done() <-chan struct{}
	Close() error
}

type Subscription interface {
	Unsubscribe() error
}

// Signaler tells other views that a room has been read.
type Signaler interface {
	ChatRead(ctx context.Context, roomID int64) error
}

// Viewport is the scrollable area rendering the message list. Heights are in
// whatever unit the renderer uses.
type Viewport interface {
	ScrollHeight() int
	ScrollTop() int
	SetScrollTop(top int)
}

type Deps struct {
	API      API
	Tokens   Tokens
	Dialer   Dialer
	Signaler Signaler
}

type Options struct {
	WSURL           string
	PageSize        int
	ReconcileWindow time.Duration

	Viewport Viewport

	// Alert surfaces failures the user must see, such as a lost subscription.
	Alert func(err error)

	// Changed is called after the message list or state changes, outside
	// of the session lock.
	Changed func()

	Now   func() time.Time
	NewID func() string
}

type Session struct {
	roomID int64
	deps   Deps
	opts   Options

	mu           sync.Mutex
	room         *models.RoomInfo
	self         *auth.Token
	messages     []models.ChatMessage
	keys         map[string]bool
	loaded       bool
	hasMore      bool
	loadingOlder bool
	connecting   bool
	subscribed   bool
	closed       bool
	conn         Conn
	sub          Subscription
}

func New(roomID int64, deps Deps, opts Options) *Session {
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.ReconcileWindow <= 0 {
		opts.ReconcileWindow = DefaultReconcileWindow
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	return &Session{
		roomID: roomID,
		deps:   deps,
		opts:   opts,
		keys:   make(map[string]bool),
	}
}

func (s *Session) RoomID() int64 {
	return s.roomID
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.closed:
		return StateClosed
	case s.loadingOlder:
		return StateLoadingOlder
	case s.subscribed:
		return StateLive
	case s.loaded:
		return StateHistoryLoaded
	default:
		return StateInit
	}
}

// Room returns the room metadata fetched by LoadHistory, or nil.
func (s *Session) Room() *models.RoomInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room
}

// Self returns the token the live connection was opened with, or nil.
func (s *Session) Self() *auth.Token {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.self
}

func (s *Session) HasMore() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasMore
}

// Messages returns a copy of the message list in display order.
func (s *Session) Messages() []models.ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.messages)
}

// LoadHistory fetches the room and its newest page of messages, replaces the
// message list, and then connects. A failed fetch leaves the session as it was.
func (s *Session) LoadHistory(ctx context.Context) error {
	if s.isClosed() {
		return ErrClosed
	}

	room, err := s.deps.API.RoomInfo(ctx, s.roomID)
	if err != nil {
		slog.Error("[CHAT] Failed to load room info", "room", s.roomID, "error", err)
		return fmt.Errorf("load room %d: %w", s.roomID, err)
	}

	page, err := s.deps.API.History(ctx, s.roomID, nil)
	if err != nil {
		slog.Error("[CHAT] Failed to load history", "room", s.roomID, "error", err)
		return fmt.Errorf("load history of room %d: %w", s.roomID, err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.room = room
	s.messages = s.messages[:0]
	s.keys = make(map[string]bool, len(page))
	for _, m := range sortedPage(page) {
		if k := m.Key(); k != "" {
			if s.keys[k] {
				continue
			}
			s.keys[k] = true
		}
		s.messages = append(s.messages, m)
	}
	s.loaded = true
	s.hasMore = len(page) >= s.opts.PageSize
	count := len(s.messages)
	s.mu.Unlock()

	slog.Info("[CHAT] History loaded", "room", s.roomID, "messages", count, "hasMore", len(page) >= s.opts.PageSize)
	s.changed()

	return s.Connect(ctx)
}

// Connect reissues the access token, opens the transport and subscribes to the
// room topic. It does nothing while a connection is live or being opened.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.subscribed || s.connecting {
		s.mu.Unlock()
		return nil
	}
	s.connecting = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.connecting = false
		s.mu.Unlock()
	}()

	token, err := s.deps.Tokens.Reissue(ctx)
	if err != nil {
		slog.Error("[CHAT] Token refresh failed, aborting connect", "room", s.roomID, "error", err)
		return fmt.Errorf("connect room %d: %w", s.roomID, err)
	}

	conn, err := s.deps.Dialer.Dial(ctx, s.opts.WSURL, map[string]string{
		"Authorization": token.Bearer(),
		"roomId":        strconv.FormatInt(s.roomID, 10),
	})
	if err != nil {
		return s.transportFailed(fmt.Errorf("connect room %d: %w", s.roomID, err))
	}

	sub, err := conn.Subscribe(ctx, s.topic(), s.handlePush)
	if err != nil {
		conn.Close()
		return s.transportFailed(fmt.Errorf("subscribe room %d: %w", s.roomID, err))
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		sub.Unsubscribe()
		conn.Close()
		return ErrClosed
	}
	s.self = token
	s.conn = conn
	s.sub = sub
	s.subscribed = true
	s.mu.Unlock()

	go s.watch(conn)

	slog.Info("[CHAT] Subscribed", "room", s.roomID, "topic", s.topic(), "user", token.UserID)
	s.changed()
	return nil
}

// watch drops back to HISTORY_LOADED when the transport ends underneath us.
func (s *Session) watch(conn Conn) {
	<-conn.Done()

	s.mu.Lock()
	if s.closed || s.conn != conn {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.sub = nil
	s.subscribed = false
	s.mu.Unlock()

	slog.Warn("[CHAT] Connection lost", "room", s.roomID)
	s.alert(ErrConnectionLost)
	s.changed()
}

func (s *Session) transportFailed(err error) error {
	slog.Error("[CHAT] Transport failure", "room", s.roomID, "error", err)
	s.alert(err)
	return err
}

func (s *Session) handlePush(body []byte) {
	var msg models.ChatMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		slog.Error("[CHAT] Error unmarshaling pushed message", "room", s.roomID, "error", err)
		return
	}

	if s.isClosed() {
		return
	}

	if msg.IsReadReceipt() {
		if s.deps.Signaler != nil {
			if err := s.deps.Signaler.ChatRead(context.Background(), s.roomID); err != nil {
				slog.Error("[CHAT] Failed to signal chat read", "room", s.roomID, "error", err)
			}
		}
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	changed := s.reconcile(msg)
	s.mu.Unlock()

	if changed {
		s.changed()
	}
}

// reconcile merges a pushed message into the list and reports whether the
// list changed. Callers hold s.mu.
func (s *Session) reconcile(msg models.ChatMessage) bool {
	key := msg.Key()
	if key == "" {
		slog.Warn("[CHAT] Pushed message has no identifier, appending without de-duplication", "room", s.roomID, "sender", msg.SenderID)
		s.messages = append(s.messages, msg)
		return true
	}
	if s.keys[key] {
		return false
	}

	if msg.ID != 0 {
		if i := s.pendingMatch(msg); i >= 0 {
			delete(s.keys, s.messages[i].Key())
			s.messages[i] = msg
			s.keys[key] = true
			return true
		}
	}

	s.messages = append(s.messages, msg)
	s.keys[key] = true
	return true
}

// pendingMatch finds the optimistic message a server echo confirms: the one
// carrying the same client id, or else the oldest one from the same sender with
// the same content sent within the reconcile window.
func (s *Session) pendingMatch(msg models.ChatMessage) int {
	if msg.ClientID != "" {
		for i, m := range s.messages {
			if m.IsOptimistic() && m.ClientID == msg.ClientID {
				return i
			}
		}
	}

	for i, m := range s.messages {
		if !m.IsOptimistic() || m.SenderID != msg.SenderID || m.Content != msg.Content {
			continue
		}
		if d := msg.CreatedAt.Sub(m.CreatedAt.Time); d.Abs() <= s.opts.ReconcileWindow {
			return i
		}
	}
	return -1
}

// LoadOlder fetches the page before the oldest held message and prepends the
// messages not already held. It returns how many were added. It does nothing
// when there is no more history or a load is already in flight.
func (s *Session) LoadOlder(ctx context.Context) (int, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, ErrClosed
	}
	if !s.hasMore || s.loadingOlder || len(s.messages) == 0 {
		s.mu.Unlock()
		return 0, nil
	}
	cursor := s.messages[0].CreatedAt.Time
	s.loadingOlder = true
	s.mu.Unlock()
	s.changed()

	page, err := s.deps.API.History(ctx, s.roomID, &cursor)

	var height, top int
	if vp := s.opts.Viewport; vp != nil {
		height, top = vp.ScrollHeight(), vp.ScrollTop()
	}

	s.mu.Lock()
	s.loadingOlder = false
	if s.closed {
		s.mu.Unlock()
		return 0, nil
	}
	if err != nil {
		s.mu.Unlock()
		slog.Error("[CHAT] Failed to load older messages", "room", s.roomID, "cursor", cursor, "error", err)
		s.changed()
		return 0, fmt.Errorf("load older messages of room %d: %w", s.roomID, err)
	}

	fresh := make([]models.ChatMessage, 0, len(page))
	for _, m := range sortedPage(page) {
		if k := m.Key(); k != "" {
			if s.keys[k] {
				continue
			}
			s.keys[k] = true
		}
		fresh = append(fresh, m)
	}
	s.messages = append(fresh, s.messages...)
	s.hasMore = len(page) >= s.opts.PageSize
	s.mu.Unlock()

	s.changed()

	if vp := s.opts.Viewport; vp != nil && len(fresh) > 0 {
		vp.SetScrollTop(top + vp.ScrollHeight() - height)
	}

	slog.Debug("[CHAT] Older messages loaded", "room", s.roomID, "added", len(fresh), "hasMore", len(page) >= s.opts.PageSize)
	return len(fresh), nil
}

// Send publishes text to the room and shows it immediately as an optimistic
// message. Blank text is rejected, and nothing is shown while disconnected.
func (s *Session) Send(ctx context.Context, text string) (models.ChatMessage, error) {
	if strings.TrimSpace(text) == "" {
		return models.ChatMessage{}, ErrBlankMessage
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return models.ChatMessage{}, ErrClosed
	}
	if !s.subscribed || s.conn == nil {
		s.mu.Unlock()
		slog.Error("[CHAT] Cannot send, not connected", "room", s.roomID)
		return models.ChatMessage{}, ErrNotConnected
	}

	msg := s.outgoing(text)
	conn := s.conn
	// Appended before publishing so a fast echo always finds its optimistic twin.
	s.messages = append(s.messages, msg)
	s.keys[msg.Key()] = true
	s.mu.Unlock()
	s.changed()

	body, err := json.Marshal(msg)
	if err == nil {
		err = conn.Publish(ctx, s.publishDestination(), body)
	}
	if err != nil {
		s.mu.Lock()
		s.remove(msg.Key())
		s.mu.Unlock()
		s.changed()

		err = fmt.Errorf("send to room %d: %w", s.roomID, err)
		slog.Error("[CHAT] Failed to publish message", "room", s.roomID, "error", err)
		s.alert(err)
		return models.ChatMessage{}, err
	}

	return msg, nil
}

// outgoing builds an optimistic message. Callers hold s.mu.
func (s *Session) outgoing(text string) models.ChatMessage {
	msg := models.ChatMessage{
		ClientID:  models.TempIDPrefix + s.opts.NewID(),
		RoomID:    s.roomID,
		Content:   text,
		CreatedAt: models.NewTimestamp(s.opts.Now()),
	}
	if s.self != nil {
		msg.SenderID = s.self.UserID
		msg.SenderName = s.self.Nickname
	}
	if s.room != nil {
		if p, ok := s.room.Participant(msg.SenderID); ok {
			msg.SenderName = p.Nickname
			msg.SenderAvatar = p.Avatar
		}
	}
	return msg
}

// remove drops the message with key. Callers hold s.mu.
func (s *Session) remove(key string) {
	i := slices.IndexFunc(s.messages, func(m models.ChatMessage) bool { return m.Key() == key })
	if i >= 0 {
		s.messages = slices.Delete(s.messages, i, i+1)
	}
	delete(s.keys, key)
}

// Close marks the room read, unsubscribes and closes the transport. It is
// safe to call more than once; results of requests still in flight are
// discarded.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	sub, conn := s.sub, s.conn
	s.sub, s.conn = nil, nil
	s.subscribed = false
	s.mu.Unlock()

	if err := s.deps.API.MarkRead(ctx, s.roomID); err != nil {
		slog.Error("[CHAT] Failed to mark room read", "room", s.roomID, "error", err)
	}

	var errs []error
	if sub != nil {
		if err := sub.Unsubscribe(); err != nil {
			errs = append(errs, fmt.Errorf("unsubscribe: %w", err))
		}
	}
	if conn != nil {
		if err := conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close transport: %w", err))
		}
	}

	slog.Info("[CHAT] Session closed", "room", s.roomID)
	s.changed()
	return errors.Join(errs...)
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) topic() string {
	return TopicPrefix + strconv.FormatInt(s.roomID, 10)
}

func (s *Session) publishDestination() string {
	return PublishPrefix + strconv.FormatInt(s.roomID, 10)
}

func (s *Session) alert(err error) {
	if s.opts.Alert != nil {
		s.opts.Alert(err)
	}
}

func (s *Session) changed() {
	if s.opts.Changed != nil {
		s.opts.Changed()
	}
}

// sortedPage returns the page in ascending time order. Server pages may come
// newest first.
func sortedPage(page []models.ChatMessage) []models.ChatMessage {
	sorted := slices.Clone(page)
	slices.SortStableFunc(sorted, func(a, b models.ChatMessage) int {
		return a.CreatedAt.Compare(b.CreatedAt.Time)
	})
	return sorted
}
