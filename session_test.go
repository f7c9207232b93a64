package relayline

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

// ============================================================================
// Fakes
// ============================================================================

type fakeTokenSource struct {
	mu         sync.Mutex
	token      string
	refreshErr error
	refreshes  int
}

func (f *fakeTokenSource) Token(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.token, nil
}

func (f *fakeTokenSource) Refresh(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	if f.refreshErr != nil {
		return "", f.refreshErr
	}
	return f.token, nil
}

func (f *fakeTokenSource) refreshCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshes
}

func writeEnvelope(ctx context.Context, conn *websocket.Conn, env envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// newWSServer starts a test server that completes the authenticated handshake
// and then hands the connection to serve. serve returning ends the connection.
func newWSServer(t *testing.T, serve func(ctx context.Context, conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		ctx := r.Context()
		if err := writeEnvelope(ctx, conn, envelope{Type: eventAuthenticated}); err != nil {
			return
		}
		if serve != nil {
			serve(ctx, conn)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

// ackLoop answers every envelope carrying an ackId with a successful ack.
func ackLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var env envelope
		if json.Unmarshal(data, &env) != nil || env.AckID == "" {
			continue
		}
		resp := envelope{Type: eventAck, AckID: env.AckID, Payload: json.RawMessage(`{"status":"ok"}`)}
		if writeEnvelope(ctx, conn, resp) != nil {
			return
		}
	}
}

func newTestSession(srv *httptest.Server, cfg *SessionConfig) *Session {
	if cfg == nil {
		cfg = &SessionConfig{}
	}
	if cfg.TokenSource == nil {
		cfg.TokenSource = &fakeTokenSource{token: "tok-1"}
	}
	return NewSession(srv.URL, cfg)
}

// ============================================================================
// Tests
// ============================================================================

func TestSessionConnect(t *testing.T) {
	var gotToken string
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		gotToken = r.URL.Query().Get("token")
		mu.Unlock()
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		writeEnvelope(r.Context(), conn, envelope{Type: eventAuthenticated})
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)

	s := newTestSession(srv, nil)
	require.NoError(t, s.Connect(context.Background()))
	defer s.Disconnect()

	assert.Equal(t, StateConnected, s.State())
	mu.Lock()
	assert.Equal(t, "tok-1", gotToken)
	mu.Unlock()

	t.Run("connect is idempotent while connected", func(t *testing.T) {
		require.NoError(t, s.Connect(context.Background()))
	})
}

func TestSessionConnectRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		// Anything other than the authenticated hello means the credential
		// was not accepted.
		writeEnvelope(r.Context(), conn, envelope{Type: "error"})
		conn.Close(websocket.StatusNormalClosure, "")
	}))
	t.Cleanup(srv.Close)

	s := newTestSession(srv, nil)
	err := s.Connect(context.Background())
	assert.ErrorIs(t, err, errUnauthorized)
	assert.Equal(t, StateDisconnected, s.State())
}

func TestSessionRequestAck(t *testing.T) {
	srv := newWSServer(t, ackLoop)
	s := newTestSession(srv, nil)
	require.NoError(t, s.Connect(context.Background()))
	defer s.Disconnect()

	data, err := s.Request(context.Background(), EventMessageSend, map[string]string{"content": "hi"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"ok"}`, string(data))

	t.Run("concurrent requests correlate by ackId", func(t *testing.T) {
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				out, err := s.Request(context.Background(), EventMessageRead, nil)
				assert.NoError(t, err)
				assert.JSONEq(t, `{"status":"ok"}`, string(out))
			}()
		}
		wg.Wait()
	})
}

func TestSessionRequestContextCancelled(t *testing.T) {
	// A server that reads but never acknowledges.
	srv := newWSServer(t, func(ctx context.Context, conn *websocket.Conn) {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	})
	s := newTestSession(srv, nil)
	require.NoError(t, s.Connect(context.Background()))
	defer s.Disconnect()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := s.Request(ctx, EventMessageSend, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSessionRequestFailsOnDrop(t *testing.T) {
	srv := newWSServer(t, func(ctx context.Context, conn *websocket.Conn) {
		// Drop the connection as soon as a request arrives, before acking.
		conn.Read(ctx)
		conn.Close(websocket.StatusGoingAway, "drop")
	})
	s := newTestSession(srv, nil)
	require.NoError(t, s.Connect(context.Background()))
	defer s.Disconnect()

	_, err := s.Request(context.Background(), EventMessageSend, nil)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestSessionDispatch(t *testing.T) {
	srv := newWSServer(t, func(ctx context.Context, conn *websocket.Conn) {
		writeEnvelope(ctx, conn, envelope{
			Type:    EventMessageNew,
			Payload: json.RawMessage(`{"id":"m1","conversationId":"c1"}`),
		})
		<-ctx.Done()
	})

	s := newTestSession(srv, nil)
	received := make(chan json.RawMessage, 1)
	s.On(EventMessageNew, func(_ string, payload json.RawMessage) {
		received <- payload
	})

	require.NoError(t, s.Connect(context.Background()))
	defer s.Disconnect()

	select {
	case payload := <-received:
		assert.JSONEq(t, `{"id":"m1","conversationId":"c1"}`, string(payload))
	case <-time.After(2 * time.Second):
		t.Fatal("event was not dispatched")
	}
}

func TestSessionEmitWhenDisconnected(t *testing.T) {
	srv := newWSServer(t, nil)
	s := newTestSession(srv, nil)
	assert.ErrorIs(t, s.Emit(context.Background(), EventMessageDelivered, nil), ErrNotConnected)
}

func TestSessionReconnect(t *testing.T) {
	var mu sync.Mutex
	connCount := 0
	srv := newWSServer(t, func(ctx context.Context, conn *websocket.Conn) {
		mu.Lock()
		connCount++
		n := connCount
		mu.Unlock()
		if n == 1 {
			// First connection dies right after the handshake.
			conn.Close(websocket.StatusGoingAway, "restart")
			return
		}
		writeEnvelope(ctx, conn, envelope{
			Type:    EventMessageNew,
			Payload: json.RawMessage(`{"id":"m-after","conversationId":"c1"}`),
		})
		ackLoop(ctx, conn)
	})

	ts := &fakeTokenSource{token: "tok-1"}
	s := newTestSession(srv, &SessionConfig{
		TokenSource:        ts,
		AutoReconnect:      true,
		ReconnectBaseDelay: 10 * time.Millisecond,
		ReconnectMaxDelay:  50 * time.Millisecond,
	})

	// Registered once, before the first connect. Must survive the reconnect.
	received := make(chan struct{}, 1)
	s.On(EventMessageNew, func(string, json.RawMessage) {
		received <- struct{}{}
	})

	require.NoError(t, s.Connect(context.Background()))
	defer s.Disconnect()

	select {
	case <-received:
	case <-time.After(5 * time.Second):
		t.Fatal("handler did not fire after reconnect")
	}
	assert.Equal(t, StateConnected, s.State())
	assert.GreaterOrEqual(t, ts.refreshCount(), 1, "credential is refreshed before re-dialing")

	// The restored channel still serves requests.
	_, err := s.Request(context.Background(), EventMessageSend, nil)
	assert.NoError(t, err)
}

func TestSessionExpiresWhenRefreshFails(t *testing.T) {
	srv := newWSServer(t, func(ctx context.Context, conn *websocket.Conn) {
		conn.Close(websocket.StatusGoingAway, "restart")
	})

	expired := make(chan struct{})
	s := newTestSession(srv, &SessionConfig{
		TokenSource:        &fakeTokenSource{token: "tok-1", refreshErr: assert.AnError},
		OnSessionExpired:   func() { close(expired) },
		AutoReconnect:      true,
		ReconnectBaseDelay: 10 * time.Millisecond,
	})

	require.NoError(t, s.Connect(context.Background()))

	select {
	case <-expired:
	case <-time.After(5 * time.Second):
		t.Fatal("session did not expire")
	}
	assert.Equal(t, StateExpired, s.State())
	assert.ErrorIs(t, s.Emit(context.Background(), EventMessageDelivered, nil), ErrSessionExpired)
}

func TestReconnectorBackoff(t *testing.T) {
	r := newReconnector(&SessionConfig{
		ReconnectBaseDelay:   time.Second,
		ReconnectMaxDelay:    10 * time.Second,
		MaxReconnectAttempts: 3,
	})

	first := r.nextDelay()
	second := r.nextDelay()
	assert.GreaterOrEqual(t, first, time.Second)
	assert.Greater(t, second, first)

	assert.True(t, r.shouldReconnect())
	r.nextDelay()
	assert.False(t, r.shouldReconnect(), "attempts are exhausted")

	t.Run("stable connection resets the attempt counter", func(t *testing.T) {
		r.connectedAt = time.Now().Add(-2 * time.Minute)
		d := r.nextDelay()
		assert.LessOrEqual(t, d, time.Second+time.Second/2)
		assert.True(t, r.shouldReconnect())
	})
}
