// Package memory keeps every store in process memory. Each operation runs under
// one mutex, which gives it the same all-or-nothing behavior as the SQL
// transactions. Used by tests and by STORE_DRIVER=memory.
package memory

import (
	"sync"
	"time"

	"github.com/schoolhub/messaging/store/conversation"
	"github.com/schoolhub/messaging/store/message"
	"github.com/schoolhub/messaging/store/outbox"
	"github.com/schoolhub/messaging/store/reaction"
	"github.com/schoolhub/messaging/store/user"
)

type reactionKey struct {
	messageID int64
	userID    int64
}

type outboxRow struct {
	entry       outbox.Entry
	publishedAt *time.Time
	inFlight    bool
}

// DB is the shared state behind the per-entity views.
type DB struct {
	mu sync.Mutex

	nextUserID    int64
	users         map[int64]*user.User
	usersByName   map[string]int64
	nextConvID    int64
	conversations map[int64]*conversation.Conversation
	directKeys    map[string]int64
	participants  map[int64]map[int64]conversation.Participant
	nextMessageID int64
	messages      map[int64]*message.Message
	byConv        map[int64][]int64
	reactions     map[reactionKey]reaction.Reaction
	nextOutboxID  int64
	outbox        []*outboxRow

	now func() time.Time
}

func New() *DB {
	return &DB{
		users:         make(map[int64]*user.User),
		usersByName:   make(map[string]int64),
		conversations: make(map[int64]*conversation.Conversation),
		directKeys:    make(map[string]int64),
		participants:  make(map[int64]map[int64]conversation.Participant),
		messages:      make(map[int64]*message.Message),
		byConv:        make(map[int64][]int64),
		reactions:     make(map[reactionKey]reaction.Reaction),
		now:           func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}
}

func (db *DB) Users() *UserStore                 { return &UserStore{db: db} }
func (db *DB) Conversations() *ConversationStore { return &ConversationStore{db: db} }
func (db *DB) Messages() *MessageStore           { return &MessageStore{db: db} }
func (db *DB) Reactions() *ReactionStore         { return &ReactionStore{db: db} }
func (db *DB) Outbox() *OutboxStore              { return &OutboxStore{db: db} }

var (
	_ user.Store         = (*UserStore)(nil)
	_ conversation.Store = (*ConversationStore)(nil)
	_ message.Store      = (*MessageStore)(nil)
	_ reaction.Store     = (*ReactionStore)(nil)
	_ outbox.Store       = (*OutboxStore)(nil)
)

// record appends the entry built by emit. Callers hold db.mu.
func (db *DB) record(emit outbox.EntryFunc) error {
	if emit == nil {
		return nil
	}
	e, err := emit()
	if err != nil {
		return err
	}
	db.nextOutboxID++
	e.ID = db.nextOutboxID
	if e.CreatedAt.IsZero() {
		e.CreatedAt = db.now()
	}
	db.outbox = append(db.outbox, &outboxRow{entry: e})
	return nil
}
