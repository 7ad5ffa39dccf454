package wsclient

import (
	"context"
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

	"github.com/dkeye/voicemesh/internal/signaling"
)

// echoServer answers whoami with the cookie it handed out and echoes
// everything else back with From set.
type echoServer struct {
	upgrader websocket.Upgrader
	failures atomic.Int32
	mu       sync.Mutex
	conns    []*websocket.Conn
	cookies  []string
}

func (s *echoServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.failures.Load() > 0 {
		s.failures.Add(-1)
		http.Error(w, "warming up", http.StatusServiceUnavailable)
		return
	}
	id := "fresh"
	if ck, err := r.Cookie("ct"); err == nil {
		id = ck.Value
	}
	hdr := http.Header{}
	hdr.Add("Set-Cookie", (&http.Cookie{Name: "ct", Value: "token-1", Path: "/"}).String())
	ws, err := s.upgrader.Upgrade(w, r, hdr)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.conns = append(s.conns, ws)
	s.cookies = append(s.cookies, id)
	s.mu.Unlock()

	go func() {
		defer ws.Close()
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			msg, err := signaling.Decode(data)
			if err != nil {
				continue
			}
			switch msg.Type {
			case signaling.EventWhoAmI:
				msg.UserID = id
			case signaling.EventJoin:
				msg = signaling.Errorf("room closed")
			default:
				msg.From = "server"
			}
			out, _ := signaling.Encode(msg)
			if err := ws.WriteMessage(websocket.TextMessage, out); err != nil {
				return
			}
		}
	}()
}

func (s *echoServer) dropAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		_ = c.Close()
	}
}

func (s *echoServer) seenCookies() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.cookies...)
}

func newServer(t *testing.T) (*echoServer, string) {
	t.Helper()
	s := &echoServer{}
	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)
	return s, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func newClient(t *testing.T, url string) *Client {
	t.Helper()
	c, err := New(Options{URL: url, InitialInterval: 10 * time.Millisecond, MaxRetries: 5})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestClient_SendAndDispatch(t *testing.T) {
	_, url := newServer(t)
	c := newClient(t, url)
	require.NoError(t, c.Connect(context.Background()))

	got := make(chan signaling.Message, 2)
	unsub := c.On(signaling.EventPing, func(m signaling.Message) { got <- m })

	require.NoError(t, c.Send(context.Background(), signaling.Message{Type: signaling.EventPing}))
	select {
	case m := <-got:
		assert.Equal(t, "server", m.From)
	case <-time.After(2 * time.Second):
		t.Fatal("no echo")
	}

	unsub()
	require.NoError(t, c.Send(context.Background(), signaling.Message{Type: signaling.EventPing}))
	select {
	case <-got:
		t.Fatal("handler ran after unsubscribe")
	case <-time.After(150 * time.Millisecond):
	}
}

func TestClient_RequestReplyAndError(t *testing.T) {
	_, url := newServer(t)
	c := newClient(t, url)
	require.NoError(t, c.Connect(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	reply, err := c.Request(ctx, signaling.Message{Type: signaling.EventWhoAmI}, signaling.EventWhoAmI)
	require.NoError(t, err)
	assert.Equal(t, "fresh", reply.UserID)

	_, err = c.Request(ctx, signaling.Join("r", "u"), signaling.EventJoined)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "room closed")
}

func TestClient_RetriesUntilServerIsReady(t *testing.T) {
	s, url := newServer(t)
	s.failures.Store(2)
	c := newClient(t, url)

	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, int32(0), s.failures.Load())
}

func TestClient_PermanentFailureStopsRetrying(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	c := newClient(t, "ws"+strings.TrimPrefix(srv.URL, "http"))
	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, int32(1), hits.Load())
}

func TestClient_ReconnectKeepsIdentity(t *testing.T) {
	s, url := newServer(t)
	c := newClient(t, url)
	require.NoError(t, c.Connect(context.Background()))

	reconnected := make(chan struct{}, 1)
	c.OnReconnect(func() { reconnected <- struct{}{} })

	s.dropAll()
	select {
	case <-reconnected:
	case <-time.After(3 * time.Second):
		t.Fatal("no reconnect")
	}
	assert.Equal(t, []string{"fresh", "token-1"}, s.seenCookies())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	reply, err := c.Request(ctx, signaling.Message{Type: signaling.EventWhoAmI}, signaling.EventWhoAmI)
	require.NoError(t, err)
	assert.Equal(t, "token-1", reply.UserID)
}

func TestClient_SendAfterClose(t *testing.T) {
	_, url := newServer(t)
	c := newClient(t, url)
	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	err := c.Send(context.Background(), signaling.Message{Type: signaling.EventPing})
	assert.ErrorIs(t, err, ErrClosed)
}
