// Package realtime pushes bus events to the websocket connections of the users
// they concern. It keeps only connection state; history is always read back
// through the API.
package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/schoolhub/messaging/internal/events"
	"github.com/schoolhub/messaging/internal/metrics"
)

// ParticipantLister resolves who should receive a conversation's events.
type ParticipantLister interface {
	ListParticipantIDs(ctx context.Context, conversationID int64) ([]int64, error)
}

// Presence records when users were last connected.
type Presence interface {
	TouchLastSeen(ctx context.Context, id int64, at time.Time) error
}

// Hub tracks connected clients by user. A user may hold several connections
// (tabs, devices); each gets every event.
type Hub struct {
	participants ParticipantLister
	presence     Presence
	log          *zap.Logger
	metrics      *metrics.Metrics
	upgrader     websocket.Upgrader

	mu      sync.RWMutex
	clients map[int64]map[*Client]struct{}
}

func NewHub(participants ParticipantLister, presence Presence, log *zap.Logger, m *metrics.Metrics) *Hub {
	return &Hub{
		participants: participants,
		presence:     presence,
		log:          log,
		metrics:      m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The socket is authenticated by token, not cookies.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[int64]map[*Client]struct{}),
	}
}

// Run feeds events from sub to connected clients until ctx is done.
func (h *Hub) Run(ctx context.Context, sub events.Subscriber, topic string) error {
	h.log.Info("realtime hub subscribed", zap.String("topic", topic))
	return sub.Subscribe(ctx, topic, h.Dispatch)
}

// Dispatch delivers one raw event to every connected participant of its
// conversation. A client whose buffer is full misses the event.
func (h *Hub) Dispatch(payload []byte) {
	var env events.Envelope
	if err := json.Unmarshal(payload, &env); err != nil || env.ConversationID == 0 {
		h.log.Warn("undecodable event ignored", zap.Error(err), zap.Int("bytes", len(payload)))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ids, err := h.participants.ListParticipantIDs(ctx, env.ConversationID)
	if err != nil {
		h.log.Error("list participants for fan-out", zap.Int64("conversation_id", env.ConversationID), zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, id := range ids {
		for c := range h.clients[id] {
			select {
			case c.send <- payload:
			default:
				h.metrics.EventDropped()
				h.log.Warn("client send buffer full, event dropped",
					zap.Int64("user_id", id), zap.String("type", env.Type), zap.Int64("conversation_id", env.ConversationID))
			}
		}
	}
}

// Connected reports how many connections userID has open.
func (h *Hub) Connected(userID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}

// ServeWS upgrades the request and serves userID until the connection drops.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, userID int64) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Int64("user_id", userID), zap.Error(err))
		return
	}

	c := &Client{hub: h, conn: conn, userID: userID, send: make(chan []byte, sendBuffer)}
	h.register(c)
	go c.writePump()
	go c.readPump()
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	if h.clients[c.userID] == nil {
		h.clients[c.userID] = make(map[*Client]struct{})
	}
	h.clients[c.userID][c] = struct{}{}
	h.mu.Unlock()

	h.metrics.ConnectionOpened()
	h.touch(c.userID)
	h.log.Debug("client connected", zap.Int64("user_id", c.userID))
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	conns, ok := h.clients[c.userID]
	if ok {
		if _, ok = conns[c]; ok {
			delete(conns, c)
			if len(conns) == 0 {
				delete(h.clients, c.userID)
			}
			close(c.send)
		}
	}
	h.mu.Unlock()

	if ok {
		h.metrics.ConnectionClosed()
		h.touch(c.userID)
		h.log.Debug("client disconnected", zap.Int64("user_id", c.userID))
	}
}

func (h *Hub) touch(userID int64) {
	if h.presence == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.presence.TouchLastSeen(ctx, userID, time.Now().UTC()); err != nil {
		h.log.Warn("update last seen", zap.Int64("user_id", userID), zap.Error(err))
	}
}

// Close drops every connection.
func (h *Hub) Close() {
	h.mu.RLock()
	var all []*Client
	for _, conns := range h.clients {
		for c := range conns {
			all = append(all, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range all {
		_ = c.conn.Close()
	}
}
