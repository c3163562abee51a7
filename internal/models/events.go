package models

const (
	EventChatRead = "chat:read"
)

type Event struct {
	Type      string      `json:"type"`
	RoomId    int64       `json:"roomId"`
	Timestamp int64       `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

// ChatReadData is carried by chat:read events so other views can clear the
// room's unread badge.
type ChatReadData struct {
	UserId int64 `json:"userId"`
}
