package models

import (
	"strconv"
	"strings"
)

// MessageTypeRead marks a control message telling the room that a participant
// has read it. It is never rendered as chat.
const MessageTypeRead = "READ"

// TempIDPrefix namespaces client-assigned identifiers so they can never be
// confused with server identifiers.
const TempIDPrefix = "tmp-"

type ChatMessage struct {
	ID           int64     `json:"id,omitempty"`
	ClientID     string    `json:"clientId,omitempty"`
	RoomID       int64     `json:"roomId"`
	SenderID     int64     `json:"senderId"`
	SenderName   string    `json:"senderName"`
	SenderAvatar string    `json:"senderAvatar,omitempty"`
	Content      string    `json:"content"`
	CreatedAt    Timestamp `json:"createdAt"`
	Type         string    `json:"type,omitempty"`
}

// Key identifies the message inside a session's message list. Persisted
// messages are keyed by server id, optimistic ones by their temporary id.
// An empty key means the message carries no identifier at all.
func (m ChatMessage) Key() string {
	if m.ID != 0 {
		return "s:" + strconv.FormatInt(m.ID, 10)
	}
	if m.ClientID != "" {
		return "c:" + m.ClientID
	}
	return ""
}

func (m ChatMessage) IsReadReceipt() bool {
	return strings.EqualFold(m.Type, MessageTypeRead)
}

// IsOptimistic reports whether the message was created locally and has not
// been confirmed by the server yet.
func (m ChatMessage) IsOptimistic() bool {
	return m.ID == 0 && strings.HasPrefix(m.ClientID, TempIDPrefix)
}

type Participant struct {
	ID       int64  `json:"id"`
	Nickname string `json:"nickname"`
	Avatar   string `json:"avatar,omitempty"`
}

type RoomInfo struct {
	ID           int64         `json:"id"`
	Name         string        `json:"name"`
	Group        bool          `json:"group"`
	Participants []Participant `json:"participants"`
}

// Participant returns the participant with the given id.
func (r *RoomInfo) Participant(id int64) (Participant, bool) {
	for _, p := range r.Participants {
		if p.ID == id {
			return p, true
		}
	}
	return Participant{}, false
}

// DisplayTitle derives the header title of the room as seen by selfID.
func (r *RoomInfo) DisplayTitle(selfID int64) string {
	if r.Group && r.Name != "" {
		return r.Name
	}

	others := make([]string, 0, len(r.Participants))
	for _, p := range r.Participants {
		if p.ID != selfID {
			others = append(others, p.Nickname)
		}
	}

	switch {
	case !r.Group && len(others) == 1:
		return others[0]
	case r.Name != "":
		return r.Name
	case len(others) > 0:
		return strings.Join(others, ", ")
	default:
		return "Room " + strconv.FormatInt(r.ID, 10)
	}
}
