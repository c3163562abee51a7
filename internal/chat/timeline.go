package chat

import (
	"time"

	"rosegarden/internal/models"
)

const separatorLayout = "Monday, January 2, 2006"

// Item is one rendered row of the message list.
type Item struct {
	Message models.ChatMessage

	// DateSeparator is set on the first message of each calendar day.
	DateSeparator string

	Mine    bool
	Pending bool
}

// BuildTimeline annotates messages with day separators, comparing each
// message's date in loc with the previous message's.
func BuildTimeline(messages []models.ChatMessage, loc *time.Location, selfID int64) []Item {
	if loc == nil {
		loc = time.Local
	}

	items := make([]Item, 0, len(messages))
	var prevY, prevD int
	var prevM time.Month
	for i, m := range messages {
		t := m.CreatedAt.In(loc)
		y, mo, d := t.Date()

		item := Item{
			Message: m,
			Mine:    selfID != 0 && m.SenderID == selfID,
			Pending: m.IsOptimistic(),
		}
		if i == 0 || y != prevY || mo != prevM || d != prevD {
			item.DateSeparator = t.Format(separatorLayout)
		}
		prevY, prevM, prevD = y, mo, d

		items = append(items, item)
	}
	return items
}

// Timeline renders the current message list.
func (s *Session) Timeline(loc *time.Location) []Item {
	var selfID int64
	if self := s.Self(); self != nil {
		selfID = self.UserID
	}
	return BuildTimeline(s.Messages(), loc, selfID)
}
