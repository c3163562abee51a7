package ws

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"rosegarden/internal/models"
)

// AllRooms registers a listener for events of every room, as the room list
// view does.
const AllRooms int64 = 0

// Hub fans cross-view events (such as "chat read") out to the views
// listening in this process.
type Hub struct {
	// Registered listeners by room ID
	// Map: roomId -> Set of listeners
	rooms map[int64]map[*Listener]bool

	// Lock for thread-safe access
	mu sync.RWMutex

	// Register requests from listeners
	register chan *Listener

	// Unregister requests from listeners
	unregister chan *Listener

	// Events to deliver (exported for Redis pubsub access)
	Broadcast chan *models.Event

	// Closed when Run returns
	done     chan struct{}
	stopOnce sync.Once
}

var ErrHubStopped = errors.New("ws: hub stopped")

// Listener receives the events of one room, or of all rooms.
type Listener struct {
	hub    *Hub
	roomId int64
	send   chan models.Event
	once   sync.Once
}

func NewHub() *Hub {
	return &Hub{
		rooms:      make(map[int64]map[*Listener]bool),
		register:   make(chan *Listener),
		unregister: make(chan *Listener),
		Broadcast:  make(chan *models.Event, 64),
		done:       make(chan struct{}),
	}
}

func (h *Hub) Run(ctx context.Context) {
	slog.Info("[HUB] Starting hub event loop")
	for {
		select {
		case <-ctx.Done():
			h.stop()
			slog.Info("[HUB] Hub event loop stopped")
			return

		case l := <-h.register:
			h.registerListener(l)

		case l := <-h.unregister:
			h.unregisterListener(l)

		case event := <-h.Broadcast:
			slog.Debug("[HUB] Received event", "type", event.Type, "room", event.RoomId)
			h.broadcastToRoom(event)
		}
	}
}

// Listen registers a listener for roomId. Use AllRooms to receive everything.
func (h *Hub) Listen(roomId int64) *Listener {
	l := &Listener{hub: h, roomId: roomId, send: make(chan models.Event, 16)}
	select {
	case h.register <- l:
	case <-h.done:
		close(l.send)
	}
	return l
}

// Publish queues an event for delivery.
func (h *Hub) Publish(ctx context.Context, event *models.Event) error {
	select {
	case <-h.done:
		return ErrHubStopped
	default:
	}

	select {
	case h.Broadcast <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-h.done:
		return ErrHubStopped
	}
}

// Done is closed once the hub has stopped.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

// stop closes every listener and releases callers blocked on the hub.
func (h *Hub) stop() {
	h.stopOnce.Do(func() {
		h.mu.Lock()
		for roomId, listeners := range h.rooms {
			for l := range listeners {
				close(l.send)
			}
			delete(h.rooms, roomId)
		}
		h.mu.Unlock()
		close(h.done)
	})
}

// ChatRead signals other views in this process that roomId has been read.
func (h *Hub) ChatRead(ctx context.Context, roomId int64) error {
	return h.Publish(ctx, &models.Event{
		Type:      models.EventChatRead,
		RoomId:    roomId,
		Timestamp: time.Now().Unix(),
	})
}

func (h *Hub) registerListener(l *Listener) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.rooms[l.roomId] == nil {
		h.rooms[l.roomId] = make(map[*Listener]bool)
	}
	h.rooms[l.roomId][l] = true

	slog.Debug("[HUB] Listener registered", "room", l.roomId, "listeners", len(h.rooms[l.roomId]))
}

func (h *Hub) unregisterListener(l *Listener) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if listeners, ok := h.rooms[l.roomId]; ok {
		if _, ok := listeners[l]; ok {
			delete(listeners, l)
			close(l.send)

			// Clean up empty rooms
			if len(listeners) == 0 {
				delete(h.rooms, l.roomId)
			}
			slog.Debug("[HUB] Listener unregistered", "room", l.roomId, "listeners", len(listeners))
		}
	}
}

func (h *Hub) broadcastToRoom(event *models.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sent := 0
	for _, roomId := range []int64{event.RoomId, AllRooms} {
		for l := range h.rooms[roomId] {
			select {
			case l.send <- *event:
				sent++
			default:
				// Listener buffer full, drop it
				slog.Warn("[HUB] Listener buffer full, dropping", "room", roomId)
				close(l.send)
				delete(h.rooms[roomId], l)
			}
		}
		if event.RoomId == AllRooms {
			break
		}
	}

	slog.Debug("[HUB] Broadcast complete", "type", event.Type, "room", event.RoomId, "sent", sent)
}

// ListenerCount returns the number of listeners registered for roomId.
func (h *Hub) ListenerCount(roomId int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomId])
}

// Events is closed when the listener is unregistered or the hub stops.
func (l *Listener) Events() <-chan models.Event {
	return l.send
}

func (l *Listener) Close() {
	l.once.Do(func() {
		select {
		case l.hub.unregister <- l:
		case <-l.hub.done:
		}
	})
}
