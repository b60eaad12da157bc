package message

import (
	"context"
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/schoolhub/messaging/store/outbox"
)

type Type string

const (
	TypeText  Type = "text"
	TypeImage Type = "image"
	TypeFile  Type = "file"
)

// Message is an immutable entry in a conversation, ordered by (CreatedAt, ID).
type Message struct {
	ID             int64     `json:"id"`
	ConversationID int64     `json:"conversation_id"`
	SenderID       int64     `json:"sender_id"`
	SenderName     string    `json:"sender_name,omitempty"`
	Content        *string   `json:"content"`
	Type           Type      `json:"message_type"`
	FileURL        *string   `json:"file_url"`
	RepliedToID    *int64    `json:"replied_to_id"`
	CreatedAt      time.Time `json:"created_at"`
}

var (
	ErrMessageNotFound = errors.New("message not found")
	ErrInvalidCursor   = errors.New("invalid cursor")
)

// Cursor is the position of a message in its conversation's total order.
type Cursor struct {
	CreatedAt time.Time
	ID        int64
}

func CursorOf(m Message) Cursor {
	return Cursor{CreatedAt: m.CreatedAt, ID: m.ID}
}

// Less reports whether c sorts before o.
func (c Cursor) Less(o Cursor) bool {
	if !c.CreatedAt.Equal(o.CreatedAt) {
		return c.CreatedAt.Before(o.CreatedAt)
	}
	return c.ID < o.ID
}

// Encode returns the opaque form handed to API clients.
func (c Cursor) Encode() string {
	raw := strconv.FormatInt(c.CreatedAt.UnixMicro(), 10) + ":" + strconv.FormatInt(c.ID, 10)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func ParseCursor(s string) (*Cursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	ts, id, ok := strings.Cut(string(raw), ":")
	if !ok {
		return nil, ErrInvalidCursor
	}
	micros, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	msgID, err := strconv.ParseInt(id, 10, 64)
	if err != nil || msgID <= 0 {
		return nil, ErrInvalidCursor
	}
	return &Cursor{CreatedAt: time.UnixMicro(micros).UTC(), ID: msgID}, nil
}

type Direction string

const (
	Older Direction = "older"
	Newer Direction = "newer"
)

// Query selects one page of a conversation's history. Without a cursor, Older
// starts from the latest message and Newer from the first.
type Query struct {
	ConversationID int64
	Limit          int
	Cursor         *Cursor
	Direction      Direction
}

const (
	DefaultLimit = 30
	MaxLimit     = 100
)

func (q Query) normalize() Query {
	if q.Direction != Newer {
		q.Direction = Older
	}
	if q.Limit <= 0 {
		q.Limit = DefaultLimit
	}
	if q.Limit > MaxLimit {
		q.Limit = MaxLimit
	}
	return q
}

// Page holds messages in ascending order. Next continues in the query's direction;
// for Older it is nil once the beginning of the conversation is reached.
type Page struct {
	Messages []Message
	Next     *Cursor
	HasMore  bool
}

// BuildPage turns up to Limit+1 rows fetched in scan order (descending for Older,
// ascending for Newer) into a Page.
func BuildPage(rows []Message, q Query) Page {
	q = q.normalize()
	hasMore := len(rows) > q.Limit
	if hasMore {
		rows = rows[:q.Limit]
	}
	if q.Direction == Older {
		for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
			rows[i], rows[j] = rows[j], rows[i]
		}
	}

	page := Page{Messages: rows, HasMore: hasMore}
	if len(rows) == 0 {
		page.Messages = []Message{}
		if q.Direction == Newer {
			// Keep the caller's position so polling can resume from it.
			page.Next = q.Cursor
		}
		return page
	}

	var c Cursor
	if q.Direction == Older {
		if !hasMore {
			return page
		}
		c = CursorOf(rows[0])
	} else {
		c = CursorOf(rows[len(rows)-1])
	}
	page.Next = &c
	return page
}

// Store defines message persistence operations.
type Store interface {
	// Create inserts m, bumps the conversation's counters and records the
	// entry from emit, all in one transaction. m.ID and m.CreatedAt are set on
	// success. A sender who is no longer a participant gets
	// conversation.ErrParticipantNotFound.
	Create(ctx context.Context, m *Message, emit outbox.EntryFunc) error
	Get(ctx context.Context, id int64) (*Message, error)
	List(ctx context.Context, q Query) (Page, error)
}
