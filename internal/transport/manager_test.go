package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/insightloop/insight-client/internal/credentials"
	"github.com/insightloop/insight-client/internal/db"
	"github.com/insightloop/insight-client/internal/events"
	"github.com/insightloop/insight-client/internal/protocol"
	"github.com/insightloop/insight-client/internal/retry"
)

// memKV is an in-memory db.CredentialStore for tests.
type memKV struct {
	mu sync.Mutex
	m  map[string]string
}

func newMemKV() *memKV { return &memKV{m: make(map[string]string)} }

func (s *memKV) GetCredential(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.m[key]
	if !ok {
		return "", db.ErrNotFound
	}
	return v, nil
}

func (s *memKV) SetCredential(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = value
	return nil
}

func (s *memKV) DeleteCredential(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, key)
	return nil
}

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// newSocketServer runs handler for every accepted WebSocket connection and
// returns the ws:// base URL.
func newSocketServer(t *testing.T, handler func(*websocket.Conn)) (string, *atomic.Int32) {
	t.Helper()
	var accepted atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		accepted.Add(1)
		handler(conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http"), &accepted
}

func newTestManager(t *testing.T, baseURL string, policy retry.Policy) (*Manager, *events.Bus) {
	t.Helper()
	kv := newMemKV()
	creds := credentials.NewStore(kv)
	require.NoError(t, creds.Save(context.Background(), credentials.TokenPair{AccessToken: "test-token"}))

	bus := events.NewBus(zap.NewNop())
	m := NewManager(Config{
		BaseURL:           baseURL,
		HeartbeatInterval: time.Second,
		Policy:            policy,
	}, creds, bus, nil, zap.NewNop())
	t.Cleanup(m.Disconnect)
	return m, bus
}

func collect(bus *events.Bus, typ events.Type) <-chan events.Event {
	ch := make(chan events.Event, 16)
	bus.Subscribe(typ, func(ev events.Event) { ch <- ev })
	return ch
}

func waitEvent(t *testing.T, ch <-chan events.Event, what string) events.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		return events.Event{}
	}
}

func TestConnectDeliversFramesInOrder(t *testing.T) {
	baseURL, _ := newSocketServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		for _, raw := range []string{
			`{"type":"connection_established","timestamp":"2026-01-01T00:00:00Z"}`,
			`{"type":"message_received","message":{"id":"m1","sender":"user","content":"hi"}}`,
			`{"type":"typing_indicator","is_typing":true}`,
		} {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(raw)); err != nil {
				return
			}
		}
		// Keep the socket open until the client hangs up.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	m, bus := newTestManager(t, baseURL, retry.Policy{MaxAttempts: 5, BaseDelay: time.Millisecond})
	connected := collect(bus, events.Connected)
	frames := collect(bus, events.FrameReceived)

	require.NoError(t, m.Connect(context.Background(), "conv-1"))
	waitEvent(t, connected, "connected event")

	want := []protocol.FrameType{
		protocol.TypeConnectionEstablished,
		protocol.TypeMessageReceived,
		protocol.TypeTypingIndicator,
	}
	for _, wt := range want {
		ev := waitEvent(t, frames, string(wt))
		frame := ev.Payload.(*protocol.Frame)
		assert.Equal(t, wt, frame.Type)
	}

	assert.Equal(t, StateConnected, m.Status().State)
}

func TestServerPingAnsweredWithPong(t *testing.T) {
	gotPong := make(chan struct{})
	var pongOnce sync.Once
	baseURL, _ := newSocketServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)); err != nil {
			return
		}
		// Keep the connection open after the pong so the client never
		// enters reconnection during this test.
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if strings.Contains(string(data), `"pong"`) {
				pongOnce.Do(func() { close(gotPong) })
			}
		}
	})

	m, bus := newTestManager(t, baseURL, retry.Policy{MaxAttempts: 5, BaseDelay: time.Millisecond})
	frames := collect(bus, events.FrameReceived)

	require.NoError(t, m.Connect(context.Background(), "conv-1"))

	select {
	case <-gotPong:
	case <-time.After(3 * time.Second):
		t.Fatal("server never received pong")
	}

	// Ping and pong stay inside the transport; nothing reaches the bus.
	select {
	case ev := <-frames:
		t.Fatalf("unexpected published frame: %v", ev.Payload.(*protocol.Frame).Type)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestConnectWithoutCredentialsFailsFast(t *testing.T) {
	baseURL, accepted := newSocketServer(t, func(conn *websocket.Conn) { conn.Close() })

	bus := events.NewBus(zap.NewNop())
	m := NewManager(Config{
		BaseURL:           baseURL,
		HeartbeatInterval: time.Second,
		Policy:            retry.Policy{MaxAttempts: 5, BaseDelay: time.Millisecond},
	}, credentials.NewStore(newMemKV()), bus, nil, zap.NewNop())

	err := m.Connect(context.Background(), "conv-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuthentication)
	assert.Equal(t, StateDisconnected, m.Status().State)
	assert.Equal(t, int32(0), accepted.Load())
}

func TestConnectWhileConnectedIsNoOp(t *testing.T) {
	baseURL, accepted := newSocketServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	m, bus := newTestManager(t, baseURL, retry.Policy{MaxAttempts: 5, BaseDelay: time.Millisecond})
	connected := collect(bus, events.Connected)

	require.NoError(t, m.Connect(context.Background(), "conv-1"))
	waitEvent(t, connected, "connected event")
	require.NoError(t, m.Connect(context.Background(), "conv-1"))

	assert.Equal(t, int32(1), accepted.Load())
}

func TestSendQueuesWhileDisconnectedAndFlushesOnConnect(t *testing.T) {
	received := make(chan string, 8)
	baseURL, _ := newSocketServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			received <- string(data)
		}
	})

	m, bus := newTestManager(t, baseURL, retry.Policy{MaxAttempts: 5, BaseDelay: time.Millisecond})
	connected := collect(bus, events.Connected)

	m.SendChatMessage("first", nil)
	m.SendChatMessage("second", nil)
	assert.Equal(t, 2, m.Status().QueuedFrames)

	require.NoError(t, m.Connect(context.Background(), "conv-1"))
	waitEvent(t, connected, "connected event")

	var got []string
	for len(got) < 2 {
		select {
		case data := <-received:
			got = append(got, data)
		case <-time.After(3 * time.Second):
			t.Fatalf("flush incomplete, got %d frames", len(got))
		}
	}
	assert.Contains(t, got[0], "first")
	assert.Contains(t, got[1], "second")
	assert.Equal(t, 0, m.Status().QueuedFrames)
}

func TestBoundedReconnectEmitsSingleFailure(t *testing.T) {
	// The first connection is accepted then dropped; every dial after that
	// is refused outright, so each reconnect attempt fails without ever
	// opening a socket and the attempt counter is never reset.
	var dials atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if dials.Add(1) > 1 {
			http.Error(w, "service unavailable", http.StatusServiceUnavailable)
			return
		}
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = conn.Close()
	}))
	t.Cleanup(srv.Close)

	baseURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	m, bus := newTestManager(t, baseURL, retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond})
	failed := collect(bus, events.ReconnectFailed)

	require.NoError(t, m.Connect(context.Background(), "conv-1"))

	ev := waitEvent(t, failed, "reconnect_failed event")
	failure := ev.Payload.(ReconnectFailure)
	assert.Equal(t, 2, failure.Attempts)

	// Exactly one failure event, no further dials.
	select {
	case <-failed:
		t.Fatal("reconnect_failed emitted more than once")
	case <-time.After(200 * time.Millisecond):
	}
	assert.Equal(t, StateDisconnected, m.Status().State)
	assert.Equal(t, int32(3), dials.Load(), "initial dial plus two refused reconnect attempts")
}

func TestSuccessfulReopenResetsAttemptCounter(t *testing.T) {
	// The first connection is dropped immediately; the second stays open.
	// A reconnect that lands must zero the attempt counter so the next
	// outage gets the full budget again.
	var accepted atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if accepted.Add(1) == 1 {
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	baseURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	m, bus := newTestManager(t, baseURL, retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond})
	connected := collect(bus, events.Connected)

	require.NoError(t, m.Connect(context.Background(), "conv-1"))
	waitEvent(t, connected, "first connected event")
	waitEvent(t, connected, "connected event after reconnect")

	status := m.Status()
	assert.Equal(t, StateConnected, status.State)
	assert.Zero(t, status.ReconnectAttempts)
	assert.Equal(t, int32(2), accepted.Load())
}

func TestDisconnectIsIntentional(t *testing.T) {
	baseURL, accepted := newSocketServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	m, bus := newTestManager(t, baseURL, retry.Policy{MaxAttempts: 5, BaseDelay: time.Millisecond})
	connected := collect(bus, events.Connected)
	disconnected := collect(bus, events.Disconnected)

	require.NoError(t, m.Connect(context.Background(), "conv-1"))
	waitEvent(t, connected, "connected event")

	m.SendChatMessage("will be discarded", nil)
	m.Disconnect()

	ev := waitEvent(t, disconnected, "disconnected event")
	info := ev.Payload.(DisconnectInfo)
	assert.True(t, info.Intentional)

	// No reconnection follows an intentional close.
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, int32(1), accepted.Load())
	assert.Equal(t, StateDisconnected, m.Status().State)
	assert.Equal(t, 0, m.Status().QueuedFrames)
}

func TestDialSendsBearerToken(t *testing.T) {
	tokenCh := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenCh <- r.URL.Query().Get("token")
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	baseURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	m, _ := newTestManager(t, baseURL, retry.Policy{MaxAttempts: 5, BaseDelay: time.Millisecond})
	require.NoError(t, m.Connect(context.Background(), "conv-1"))

	select {
	case token := <-tokenCh:
		assert.Equal(t, "test-token", token)
	case <-time.After(3 * time.Second):
		t.Fatal("server never saw the dial")
	}
}

func TestRejectedTokenIsAuthenticationError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	t.Cleanup(srv.Close)

	baseURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	m, _ := newTestManager(t, baseURL, retry.Policy{MaxAttempts: 5, BaseDelay: time.Millisecond})

	err := m.Connect(context.Background(), "conv-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAuthentication))
}

func TestMaskToken(t *testing.T) {
	masked := maskToken("ws://host:8000/ws/chat/c1/?token=super-secret")
	assert.NotContains(t, masked, "super-secret")
	assert.Contains(t, masked, "token=%2A%2A%2A")

	assert.Equal(t, "ws://host/ws/chat/c1/", maskToken("ws://host/ws/chat/c1/"))
}
