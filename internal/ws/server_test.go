package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manpreetbhatti/pairpad/internal/coordinator"
	"github.com/manpreetbhatti/pairpad/internal/db"
	"github.com/manpreetbhatti/pairpad/internal/domain"
	"github.com/manpreetbhatti/pairpad/internal/protocol"
	"github.com/manpreetbhatti/pairpad/internal/registry"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type testServer struct {
	db    *db.Database
	coord *coordinator.Coordinator
	http  *httptest.Server
}

func setupServer(t *testing.T, s Settings) *testServer {
	t.Helper()
	database, err := db.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	ctx := context.Background()
	require.NoError(t, database.CreateSession(ctx, &domain.Session{ID: "s1", Name: "Demo", OwnerID: "owner", IsPublic: true}))
	require.NoError(t, database.CreateFile(ctx, &domain.File{ID: "f1", SessionID: "s1", Name: "main.go"}))

	coord := coordinator.New(coordinator.Options{Store: database, Logger: discard})
	srv := httptest.NewServer(NewServer(coord, s, discard))
	t.Cleanup(srv.Close)
	return &testServer{db: database, coord: coord, http: srv}
}

func (ts *testServer) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.http.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func write(t *testing.T, conn *websocket.Conn, kind string, payload any) {
	t.Helper()
	data, err := protocol.Encode(kind, payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

// await reads frames until one of kind arrives.
func await(t *testing.T, conn *websocket.Conn, kind string) protocol.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err, "waiting for %s", kind)
		var env protocol.Envelope
		require.NoError(t, json.Unmarshal(data, &env))
		if env.Type == kind {
			return env
		}
	}
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	assert.Eventually(t, cond, 5*time.Second, 10*time.Millisecond)
}

func TestEndToEndCodeChange(t *testing.T) {
	ts := setupServer(t, DefaultSettings())
	a := ts.dial(t)
	b := ts.dial(t)

	write(t, a, protocol.TypeAuthenticate, protocol.Authenticate{UserID: "alice"})
	write(t, a, protocol.TypeJoinSession, protocol.JoinSession{SessionID: "s1"})
	await(t, a, protocol.TypeSessionState)

	write(t, b, protocol.TypeAuthenticate, protocol.Authenticate{UserID: "bob"})
	write(t, b, protocol.TypeJoinSession, protocol.JoinSession{SessionID: "s1"})
	await(t, b, protocol.TypeSessionState)

	content := "package main"
	write(t, b, protocol.TypeCodeChange, protocol.CodeChange{FileID: "f1", Content: &content})

	env := await(t, a, protocol.TypeCodeChange)
	var change protocol.CodeChangeBroadcast
	require.NoError(t, json.Unmarshal(env.Payload, &change))
	assert.Equal(t, protocol.CodeChangeBroadcast{FileID: "f1", Content: content, UserID: "bob"}, change)

	f, err := ts.db.GetFile(context.Background(), "f1")
	require.NoError(t, err)
	assert.Equal(t, content, f.Content)
}

func TestEndToEndDisconnectUpdatesPresence(t *testing.T) {
	ts := setupServer(t, DefaultSettings())
	a := ts.dial(t)
	b := ts.dial(t)

	write(t, a, protocol.TypeAuthenticate, protocol.Authenticate{UserID: "alice"})
	write(t, a, protocol.TypeJoinSession, protocol.JoinSession{SessionID: "s1"})
	await(t, a, protocol.TypeSessionState)
	write(t, b, protocol.TypeAuthenticate, protocol.Authenticate{UserID: "bob"})
	write(t, b, protocol.TypeJoinSession, protocol.JoinSession{SessionID: "s1"})
	await(t, b, protocol.TypeSessionState)

	require.NoError(t, b.Close())

	eventually(t, func() bool { return ts.coord.Stats().Connections == 1 })
	eventually(t, func() bool {
		p, err := ts.db.GetParticipant(context.Background(), "s1", "bob")
		return err == nil && p != nil && !p.IsActive
	})
}

func TestRateLimitDisconnects(t *testing.T) {
	s := DefaultSettings()
	s.MessagesPerSecond = 0.001
	s.Burst = 1
	s.MaxViolations = 2
	ts := setupServer(t, s)
	conn := ts.dial(t)

	// One accepted, two dropped, the fourth disconnects.
	for i := 0; i < 4; i++ {
		write(t, conn, protocol.TypeLeaveSession, protocol.LeaveSession{})
	}

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	eventually(t, func() bool { return ts.coord.Stats().Connections == 0 })
}

func TestOriginCheck(t *testing.T) {
	s := DefaultSettings()
	s.AllowedOrigins = []string{"https://pairpad.dev"}
	ts := setupServer(t, s)
	url := "ws" + strings.TrimPrefix(ts.http.URL, "http")

	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"https://evil.example"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"https://pairpad.dev"}})
	require.NoError(t, err)
	conn.Close()
}

func TestSendOverflowClosesClient(t *testing.T) {
	s := DefaultSettings()
	s.SendBuffer = 1
	c := newClient(context.Background(), "c1", nil, s, discard)

	assert.True(t, c.Send([]byte("one")))
	assert.False(t, c.Send([]byte("two")), "full queue never blocks")
	assert.False(t, c.Send([]byte("three")), "closed client refuses sends")

	select {
	case <-c.ctx.Done():
	default:
		t.Fatal("overflow should close the client")
	}
}

// countingHandler hands each opened client to the test and counts what the
// pumps deliver.
type countingHandler struct {
	opened    chan *Client
	messages  atomic.Int32
	closed    chan struct{}
	closeOnce sync.Once
}

func newCountingHandler() *countingHandler {
	return &countingHandler{opened: make(chan *Client, 1), closed: make(chan struct{})}
}

func (h *countingHandler) Open(conn registry.Conn) error {
	h.opened <- conn.(*Client)
	return nil
}

func (h *countingHandler) HandleMessage(context.Context, string, []byte) error {
	h.messages.Add(1)
	return nil
}

func (h *countingHandler) HandleClose(context.Context, string) {
	h.closeOnce.Do(func() { close(h.closed) })
}

func TestCloseStopsReadingImmediately(t *testing.T) {
	s := DefaultSettings()
	s.WriteWait = time.Minute
	s.PongWait = time.Minute
	h := newCountingHandler()
	srv := httptest.NewServer(NewServer(h, s, discard))
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	var client *Client
	select {
	case client = <-h.opened:
	case <-time.After(5 * time.Second):
		t.Fatal("connection never opened")
	}

	client.Close()
	select {
	case <-h.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect cleanup waited on the write deadline")
	}

	_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"leave_session"}`))
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, h.messages.Load(), "a closed client dispatches nothing")
}
