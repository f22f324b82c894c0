package netclient

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hersh/ragerelay/internal/player"
	"github.com/hersh/ragerelay/internal/protocol"
	"github.com/hersh/ragerelay/internal/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

// fakeRelay answers joins and pings and can drop or refuse connections on
// demand.
type fakeRelay struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	refuse atomic.Bool
	silent atomic.Bool
	hits   atomic.Int32
	pings  atomic.Int32

	mu    sync.Mutex
	conns []*websocket.Conn
	joins chan protocol.JoinRoom
}

func newFakeRelay(t *testing.T) *fakeRelay {
	t.Helper()
	f := &fakeRelay{joins: make(chan protocol.JoinRoom, 16)}
	f.srv = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(func() {
		f.dropAll()
		f.srv.Close()
	})
	return f
}

func (f *fakeRelay) url() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws"
}

func (f *fakeRelay) serve(w http.ResponseWriter, r *http.Request) {
	f.hits.Add(1)
	if f.refuse.Load() {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	ws, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	f.mu.Lock()
	f.conns = append(f.conns, ws)
	f.mu.Unlock()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			continue
		}
		switch m := msg.(type) {
		case protocol.JoinRoom:
			select {
			case f.joins <- m:
			default:
			}
			if f.silent.Load() {
				continue
			}
			f.write(ws, protocol.RoomJoined{
				PlayerID: m.PlayerID,
				Players:  []protocol.PlayerState{{ID: m.PlayerID, Name: m.PlayerName, Direction: protocol.Right}},
			})
		case protocol.Ping:
			f.pings.Add(1)
			f.write(ws, protocol.Pong{})
		}
	}
}

func (f *fakeRelay) write(ws *websocket.Conn, msg protocol.Message) {
	data, _ := protocol.Encode(msg)
	ws.WriteMessage(websocket.TextMessage, data)
}

// dropAll kills every live connection without a close handshake.
func (f *fakeRelay) dropAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ws := range f.conns {
		ws.NetConn().Close()
	}
	f.conns = nil
}

// recordingAfter fires immediately and remembers every requested delay.
type recordingAfter struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordingAfter) after(d time.Duration) <-chan time.Time {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- time.Now()
	return ch
}

func (r *recordingAfter) recorded() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

func newTestClient(t *testing.T, cfg Config) (*Client, *recordingAfter) {
	t.Helper()
	c := New(cfg, discard)
	rec := &recordingAfter{}
	c.after = rec.after
	t.Cleanup(func() { c.Close() })
	return c, rec
}

func TestDefaultConfig(t *testing.T) {
	t.Setenv("RELAY_URL", "")
	cfg := DefaultConfig()
	assert.Equal(t, "ws://localhost:8080/ws", cfg.URL)
	assert.Equal(t, 10, cfg.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.InitialDelay)
	assert.Equal(t, 30*time.Second, cfg.MaxDelay)
	assert.True(t, cfg.Jitter)
	assert.Equal(t, 30*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 5*time.Second, cfg.JoinTimeout)

	t.Setenv("RELAY_URL", "ws://relay.example:9000/ws")
	assert.Equal(t, "ws://relay.example:9000/ws", DefaultConfig().URL)
}

func TestClient_DelaySequence(t *testing.T) {
	c := New(Config{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second}, discard)
	c.cfg.Jitter = false

	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
	}
	for attempt, d := range want {
		assert.Equal(t, d, c.Delay(attempt), "attempt %d", attempt)
	}
}

func TestClient_DelayJitter(t *testing.T) {
	c := New(Config{InitialDelay: 500 * time.Millisecond, MaxDelay: 30 * time.Second, Jitter: true}, discard)

	for attempt := range 8 {
		base := min(500*time.Millisecond<<attempt, 30*time.Second)
		d := c.Delay(attempt)
		assert.GreaterOrEqual(t, d, base)
		assert.Less(t, d, base+time.Second)
	}

	c.jitter = func() time.Duration { return 250 * time.Millisecond }
	assert.Equal(t, 750*time.Millisecond, c.Delay(0))
}

func TestClient_ConnectFailure(t *testing.T) {
	f := newFakeRelay(t)
	f.refuse.Store(true)
	c, rec := newTestClient(t, Config{URL: f.url()})

	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, Disconnected, c.State())
	assert.Empty(t, rec.recorded(), "a failed first dial does not retry")
}

func TestClient_ReconnectExhausted(t *testing.T) {
	f := newFakeRelay(t)
	c, rec := newTestClient(t, Config{
		URL:          f.url(),
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     30 * time.Second,
	})
	c.cfg.Jitter = false

	failed := make(chan struct{}, 4)
	c.On(protocol.MsgReconnectFailed, func(protocol.Message) { failed <- struct{}{} })

	require.NoError(t, c.Connect(context.Background()))
	f.refuse.Store(true)
	f.dropAll()

	select {
	case <-failed:
	case <-time.After(5 * time.Second):
		t.Fatal("no reconnect-failed notification")
	}

	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond}, rec.recorded())
	assert.Equal(t, Disconnected, c.State())
	assert.EqualValues(t, 4, f.hits.Load(), "one connect plus three retries")

	err := c.Send(protocol.Ping{})
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.ErrorIs(t, err, ErrReconnectExhausted)

	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 4, f.hits.Load(), "no attempts after giving up")
	assert.Len(t, failed, 0, "notified exactly once")
}

func TestClient_RejoinAfterReconnect(t *testing.T) {
	f := newFakeRelay(t)
	c, rec := newTestClient(t, Config{URL: f.url()})

	require.NoError(t, c.Connect(context.Background()))
	rj, err := c.JoinRoom(context.Background(), "AB12CD", "p1", "Ada")
	require.NoError(t, err)
	assert.Equal(t, "p1", rj.PlayerID)
	<-f.joins

	f.dropAll()

	select {
	case j := <-f.joins:
		assert.Equal(t, protocol.JoinRoom{RoomCode: "AB12CD", PlayerID: "p1", PlayerName: "Ada"}, j)
	case <-time.After(5 * time.Second):
		t.Fatal("client did not re-join")
	}
	assert.Eventually(t, c.Connected, time.Second, 10*time.Millisecond)
	assert.Len(t, rec.recorded(), 1)
}

func TestClient_JoinTimeout(t *testing.T) {
	f := newFakeRelay(t)
	f.silent.Store(true)
	c, _ := newTestClient(t, Config{URL: f.url(), JoinTimeout: 50 * time.Millisecond})
	require.NoError(t, c.Connect(context.Background()))

	start := time.Now()
	_, err := c.JoinRoom(context.Background(), "R", "p1", "Ada")
	assert.ErrorIs(t, err, ErrJoinTimeout)
	assert.Less(t, time.Since(start), time.Second)

	_, ok := c.room()
	assert.False(t, ok, "a timed out join is not remembered")
}

func TestClient_JoinNotConnected(t *testing.T) {
	c, _ := newTestClient(t, Config{URL: "ws://127.0.0.1:1/ws"})
	_, err := c.JoinRoom(context.Background(), "R", "p1", "Ada")
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestClient_Heartbeat(t *testing.T) {
	f := newFakeRelay(t)
	c, _ := newTestClient(t, Config{URL: f.url(), HeartbeatInterval: 10 * time.Millisecond})

	pongs := make(chan struct{}, 16)
	c.On(protocol.MsgPong, func(protocol.Message) {
		select {
		case pongs <- struct{}{}:
		default:
		}
	})
	require.NoError(t, c.Connect(context.Background()))

	assert.Eventually(t, func() bool { return f.pings.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	select {
	case <-pongs:
	case <-time.After(time.Second):
		t.Fatal("pong not delivered to subscriber")
	}
}

func TestClient_CloseStopsReconnect(t *testing.T) {
	f := newFakeRelay(t)
	c, rec := newTestClient(t, Config{URL: f.url()})
	called := false
	c.On(protocol.MsgPong, func(protocol.Message) { called = true })

	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, Closed, c.State())
	assert.Empty(t, rec.recorded())
	assert.EqualValues(t, 1, f.hits.Load())
	assert.ErrorIs(t, c.Send(protocol.Ping{}), ErrClosed)
	assert.ErrorIs(t, c.Connect(context.Background()), ErrClosed)

	c.publish(protocol.Pong{})
	assert.False(t, called, "subscriptions are dropped on close")
}

func TestClient_Subscriptions(t *testing.T) {
	c := New(Config{}, discard)
	var first, second, other int

	sub := c.On(protocol.MsgPlayerLeft, func(protocol.Message) { first++ })
	c.On(protocol.MsgPlayerLeft, func(protocol.Message) { second++ })
	c.On(protocol.MsgPlayerJoined, func(protocol.Message) { other++ })

	c.publish(protocol.PlayerLeft{PlayerID: "x"})
	sub.Unsubscribe()
	sub.Unsubscribe()
	c.publish(protocol.PlayerLeft{PlayerID: "y"})

	assert.Equal(t, 1, first)
	assert.Equal(t, 2, second)
	assert.Zero(t, other)
}

func TestClient_HelpersBeforeJoin(t *testing.T) {
	c := New(Config{}, discard)

	assert.ErrorIs(t, c.Send(protocol.Ping{}), ErrNotConnected)
	assert.NoError(t, c.Move(protocol.Position{X: 1, Y: 1}, protocol.Left))
	assert.NoError(t, c.LevelComplete(2))
	assert.False(t, c.Connected())
	assert.Equal(t, "disconnected", c.State().String())
}

func TestClient_AgainstRelay(t *testing.T) {
	relay := server.NewRelay(player.NewRegistry(), discard)
	srv := httptest.NewServer(server.NewServer(relay, server.DefaultPath, discard).Handler())
	t.Cleanup(func() {
		relay.Shutdown()
		srv.Close()
	})
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + server.DefaultPath

	ada, _ := newTestClient(t, Config{URL: url})
	bob, _ := newTestClient(t, Config{URL: url})
	require.NoError(t, ada.Connect(context.Background()))
	require.NoError(t, bob.Connect(context.Background()))

	events := make(chan protocol.Message, 8)
	for _, kind := range []protocol.MessageType{protocol.MsgPlayerJoined, protocol.MsgPlayerMoved, protocol.MsgLevelAdvance} {
		ada.On(kind, func(m protocol.Message) { events <- m })
	}

	_, err := ada.JoinRoom(context.Background(), "AB12CD", "1", "Ada")
	require.NoError(t, err)
	rj, err := bob.JoinRoom(context.Background(), "AB12CD", "2", "Bob")
	require.NoError(t, err)
	require.Len(t, rj.Players, 2)
	assert.Equal(t, "1", rj.Players[0].ID)
	assert.Equal(t, "2", rj.Players[1].ID)

	next := func() protocol.Message {
		select {
		case m := <-events:
			return m
		case <-time.After(2 * time.Second):
			t.Fatal("no event")
			return nil
		}
	}

	joined, ok := next().(protocol.PlayerJoined)
	require.True(t, ok)
	assert.Equal(t, "2", joined.PlayerID)

	require.NoError(t, bob.Move(protocol.Position{X: 60, Y: 400}, protocol.Right))
	assert.Equal(t, protocol.PlayerMoved{PlayerID: "2", Position: protocol.Position{X: 60, Y: 400}, Direction: protocol.Right}, next())

	require.NoError(t, bob.LevelComplete(2))
	assert.Equal(t, protocol.LevelAdvance{PlayerID: "2", Level: 2}, next())
}
