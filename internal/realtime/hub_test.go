package realtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/schoolhub/messaging/internal/events"
	"github.com/schoolhub/messaging/store/memory"
	"github.com/schoolhub/messaging/store/user"
)

type hubFixture struct {
	hub  *Hub
	db   *memory.DB
	srv  *httptest.Server
	ids  map[string]int64
	conv int64
}

func newHubFixture(t *testing.T) *hubFixture {
	t.Helper()
	ctx := context.Background()
	db := memory.New()
	f := &hubFixture{db: db, ids: map[string]int64{}}
	for _, n := range []string{"ana", "ben", "eve"} {
		u := &user.User{Username: n, Name: n, PasswordHash: "x"}
		require.NoError(t, db.Users().Create(ctx, u))
		f.ids[n] = u.ID
	}
	c, _, err := db.Conversations().CreateDirect(ctx, f.ids["ana"], f.ids["ben"])
	require.NoError(t, err)
	f.conv = c.ID

	f.hub = NewHub(db.Conversations(), db.Users(), zap.NewNop(), nil)
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		uid, _ := strconv.ParseInt(r.URL.Query().Get("uid"), 10, 64)
		f.hub.ServeWS(w, r, uid)
	}))
	t.Cleanup(func() {
		f.hub.Close()
		f.srv.Close()
	})
	return f
}

func (f *hubFixture) dial(t *testing.T, name string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/?uid=" + strconv.FormatInt(f.ids[name], 10)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.Eventually(t, func() bool { return f.hub.Connected(f.ids[name]) > 0 }, time.Second, 5*time.Millisecond)
	return conn
}

func readWithin(conn *websocket.Conn, d time.Duration) ([]byte, error) {
	_ = conn.SetReadDeadline(time.Now().Add(d))
	_, p, err := conn.ReadMessage()
	return p, err
}

func (f *hubFixture) event() []byte {
	return []byte(`{"type":"message","conversation_id":` + strconv.FormatInt(f.conv, 10) + `,"id":1}`)
}

func TestDispatchReachesOnlyParticipants(t *testing.T) {
	f := newHubFixture(t)
	ana := f.dial(t, "ana")
	ben := f.dial(t, "ben")
	eve := f.dial(t, "eve")

	f.hub.Dispatch(f.event())

	for _, conn := range []*websocket.Conn{ana, ben} {
		got, err := readWithin(conn, 2*time.Second)
		require.NoError(t, err)
		require.JSONEq(t, string(f.event()), string(got))
	}
	_, err := readWithin(eve, 200*time.Millisecond)
	require.Error(t, err)
}

func TestEveryConnectionOfAUserReceivesEvents(t *testing.T) {
	f := newHubFixture(t)
	tab1 := f.dial(t, "ana")
	tab2 := f.dial(t, "ana")
	require.Eventually(t, func() bool { return f.hub.Connected(f.ids["ana"]) == 2 }, time.Second, 5*time.Millisecond)

	f.hub.Dispatch(f.event())

	for _, conn := range []*websocket.Conn{tab1, tab2} {
		_, err := readWithin(conn, 2*time.Second)
		require.NoError(t, err)
	}
}

type captureSubscriber struct {
	topic   chan string
	handler chan events.Handler
}

func (s captureSubscriber) Subscribe(ctx context.Context, topic string, h events.Handler) error {
	s.topic <- topic
	s.handler <- h
	<-ctx.Done()
	return nil
}

func TestRunForwardsSubscribedEvents(t *testing.T) {
	f := newHubFixture(t)
	ben := f.dial(t, "ben")

	sub := captureSubscriber{topic: make(chan string, 1), handler: make(chan events.Handler, 1)}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.hub.Run(ctx, sub, "chat.events") }()

	require.Equal(t, "chat.events", <-sub.topic)
	(<-sub.handler)(f.event())

	got, err := readWithin(ben, 2*time.Second)
	require.NoError(t, err)
	require.JSONEq(t, string(f.event()), string(got))

	cancel()
	require.NoError(t, <-done)
}

func TestDisconnectUnregistersAndTouchesLastSeen(t *testing.T) {
	f := newHubFixture(t)
	epoch := time.Unix(0, 0).UTC()
	require.NoError(t, f.db.Users().TouchLastSeen(context.Background(), f.ids["ana"], epoch))

	conn := f.dial(t, "ana")
	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool { return f.hub.Connected(f.ids["ana"]) == 0 }, 2*time.Second, 5*time.Millisecond)
	after, err := f.db.Users().Get(context.Background(), f.ids["ana"])
	require.NoError(t, err)
	require.True(t, after.LastSeen.After(epoch))
}

func TestDispatchIgnoresMalformedEvents(t *testing.T) {
	f := newHubFixture(t)
	ana := f.dial(t, "ana")

	f.hub.Dispatch([]byte(`not json`))
	f.hub.Dispatch([]byte(`{"type":"message"}`))

	_, err := readWithin(ana, 200*time.Millisecond)
	require.Error(t, err)
}
