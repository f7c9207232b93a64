package relayline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// ============================================================================
// Transport contract
// ============================================================================

// EventHandler is the callback type for inbound stream events.
type EventHandler func(event string, payload json.RawMessage)

// Transport is the event channel the reconciliation engine binds to. A
// Session implements it; tests substitute a fake. Handlers registered with On
// remain bound across reconnects; re-subscription after a reconnect is
// unnecessary.
type Transport interface {
	// Emit sends a named event without waiting for an acknowledgement.
	Emit(ctx context.Context, event string, payload any) error
	// Request sends a named event and waits for its acknowledgement.
	Request(ctx context.Context, event string, payload any) (json.RawMessage, error)
	// On registers a handler for a named inbound event.
	On(event string, h EventHandler)
	// Off removes the handlers for a named inbound event.
	Off(event string)
}

// ErrNotConnected is returned when emitting on a session with no live
// connection.
var ErrNotConnected = errors.New("relayline: not connected")

// ErrSessionExpired is returned once credential refresh has failed and the
// session is no longer usable.
var ErrSessionExpired = errors.New("relayline: session expired")

// errUnauthorized marks a connect failure the server attributed to a bad or
// stale credential.
var errUnauthorized = errors.New("relayline: unauthorized")

// ============================================================================
// Wire envelope
// ============================================================================

// envelope is the wire format for every event in both directions. Outbound
// events that expect an acknowledgement carry an ackId; the server answers
// with an "ack" envelope bearing the same ackId.
type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	AckID   string          `json:"ackId,omitempty"`
}

type command struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
	AckID   string `json:"ackId,omitempty"`
}

const eventAck = "ack"
const eventAuthenticated = "authenticated"

// ============================================================================
// Configuration
// ============================================================================

// SessionConfig configures a Session.
type SessionConfig struct {
	// TokenSource supplies the access token for the connection handshake and
	// refreshes it when the server rejects it.
	TokenSource TokenSource
	// OnSessionExpired is invoked once when credential refresh fails or
	// reconnect attempts are exhausted. The caller typically logs out.
	OnSessionExpired func()

	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration

	Logger *zap.Logger
}

func (c *SessionConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// SessionState represents the connection state.
type SessionState string

const (
	StateDisconnected SessionState = "disconnected"
	StateConnecting   SessionState = "connecting"
	StateConnected    SessionState = "connected"
	StateReconnecting SessionState = "reconnecting"
	StateExpired      SessionState = "expired"
)

// ============================================================================
// Event Dispatcher
// ============================================================================

type eventDispatcher struct {
	mu             sync.RWMutex
	handlers       map[string][]EventHandler
	onConnected    []func()
	onDisconnected []func(reason string)
	onReconnecting []func(attempt int, delay time.Duration)
}

func newEventDispatcher() *eventDispatcher {
	return &eventDispatcher{handlers: make(map[string][]EventHandler)}
}

// dispatch runs the handlers for env synchronously, so each inbound event is
// fully processed before the next one is read. The engine's compound
// operations rely on this ordering.
func (d *eventDispatcher) dispatch(env envelope) {
	d.mu.RLock()
	handlers := d.handlers[env.Type]
	d.mu.RUnlock()
	for _, h := range handlers {
		h(env.Type, env.Payload)
	}
}

func (d *eventDispatcher) emitConnected() {
	d.mu.RLock()
	handlers := append([]func(){}, d.onConnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h()
	}
}

func (d *eventDispatcher) emitDisconnected(reason string) {
	d.mu.RLock()
	handlers := append([]func(string){}, d.onDisconnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h(reason)
	}
}

func (d *eventDispatcher) emitReconnecting(attempt int, delay time.Duration) {
	d.mu.RLock()
	handlers := append([]func(int, time.Duration){}, d.onReconnecting...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h(attempt, delay)
	}
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *SessionConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// ============================================================================
// Session
// ============================================================================

// Session is the single logical bidirectional event channel. It owns
// reconnect and re-authentication; the engine only observes connect and
// disconnect and exchanges named events. One Session maps to one logically
// continuous server session even as the underlying socket drops and is
// re-dialed.
type Session struct {
	baseURL string
	config  *SessionConfig
	log     *zap.Logger

	mu               sync.Mutex
	conn             *websocket.Conn
	state            SessionState
	intentionalClose bool
	cancelFn         context.CancelFunc

	dispatcher *eventDispatcher
	recon      *reconnector

	ackCounter  int
	pendingAcks map[string]chan json.RawMessage
	pendingMu   sync.Mutex
}

// NewSession creates a disconnected session for the given HTTP base URL.
// Call Connect to establish the channel.
func NewSession(baseURL string, config *SessionConfig) *Session {
	cfg := *config
	cfg.defaults()
	return &Session{
		baseURL:     strings.TrimRight(baseURL, "/"),
		config:      &cfg,
		log:         cfg.Logger,
		state:       StateDisconnected,
		dispatcher:  newEventDispatcher(),
		recon:       newReconnector(&cfg),
		pendingAcks: make(map[string]chan json.RawMessage),
	}
}

// State returns the current connection state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// On registers a handler for a named inbound event. Handlers persist across
// reconnects.
func (s *Session) On(event string, h EventHandler) {
	s.dispatcher.mu.Lock()
	s.dispatcher.handlers[event] = append(s.dispatcher.handlers[event], h)
	s.dispatcher.mu.Unlock()
}

// Off removes the handlers for a named inbound event.
func (s *Session) Off(event string) {
	s.dispatcher.mu.Lock()
	delete(s.dispatcher.handlers, event)
	s.dispatcher.mu.Unlock()
}

// OnConnected registers a handler for the connected meta-event.
func (s *Session) OnConnected(h func()) {
	s.dispatcher.mu.Lock()
	s.dispatcher.onConnected = append(s.dispatcher.onConnected, h)
	s.dispatcher.mu.Unlock()
}

// OnDisconnected registers a handler for the disconnected meta-event.
func (s *Session) OnDisconnected(h func(reason string)) {
	s.dispatcher.mu.Lock()
	s.dispatcher.onDisconnected = append(s.dispatcher.onDisconnected, h)
	s.dispatcher.mu.Unlock()
}

// OnReconnecting registers a handler for the reconnecting meta-event.
func (s *Session) OnReconnecting(h func(attempt int, delay time.Duration)) {
	s.dispatcher.mu.Lock()
	s.dispatcher.onReconnecting = append(s.dispatcher.onReconnecting, h)
	s.dispatcher.mu.Unlock()
}

// Connect establishes the websocket connection and performs the
// authenticated handshake.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateConnected || s.state == StateConnecting {
		s.mu.Unlock()
		return nil
	}
	s.state = StateConnecting
	s.intentionalClose = false
	s.mu.Unlock()

	token, err := s.config.TokenSource.Token(ctx)
	if err != nil {
		s.setState(StateDisconnected)
		return fmt.Errorf("access token: %w", err)
	}

	wsURL := strings.Replace(s.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/ws?token=" + token

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		s.setState(StateDisconnected)
		return fmt.Errorf("websocket dial: %w", err)
	}

	// First frame must be the authenticated hello; anything else means the
	// credential was rejected.
	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		s.setState(StateDisconnected)
		if websocket.CloseStatus(err) == websocket.StatusPolicyViolation {
			return errUnauthorized
		}
		return fmt.Errorf("read hello: %w", err)
	}
	var hello envelope
	if err := json.Unmarshal(data, &hello); err != nil || hello.Type != eventAuthenticated {
		conn.Close(websocket.StatusNormalClosure, "")
		s.setState(StateDisconnected)
		return errUnauthorized
	}

	s.mu.Lock()
	s.conn = conn
	s.state = StateConnected
	s.mu.Unlock()
	s.recon.markConnected()
	s.log.Info("session connected", zap.String("url", s.baseURL))

	s.dispatcher.dispatch(hello)
	s.dispatcher.emitConnected()

	connCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancelFn = cancel
	s.mu.Unlock()

	go s.readLoop(connCtx, conn)
	return nil
}

// Disconnect gracefully closes the channel. No reconnect is attempted.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	s.intentionalClose = true
	if s.cancelFn != nil {
		s.cancelFn()
		s.cancelFn = nil
	}
	conn := s.conn
	s.conn = nil
	s.state = StateDisconnected
	s.mu.Unlock()

	s.failPendingAcks()

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// Emit sends a named event without waiting for an acknowledgement.
func (s *Session) Emit(ctx context.Context, event string, payload any) error {
	return s.write(ctx, &command{Type: event, Payload: payload})
}

// Request sends a named event carrying an ackId and waits for the matching
// acknowledgement. The wait is bounded only by ctx; a response that never
// arrives leaves the caller blocked until ctx is done.
func (s *Session) Request(ctx context.Context, event string, payload any) (json.RawMessage, error) {
	s.pendingMu.Lock()
	s.ackCounter++
	ackID := fmt.Sprintf("ack-%d", s.ackCounter)
	ch := make(chan json.RawMessage, 1)
	s.pendingAcks[ackID] = ch
	s.pendingMu.Unlock()

	if err := s.write(ctx, &command{Type: event, Payload: payload, AckID: ackID}); err != nil {
		s.dropPending(ackID)
		return nil, err
	}

	select {
	case data, ok := <-ch:
		if !ok {
			return nil, ErrNotConnected
		}
		return data, nil
	case <-ctx.Done():
		s.dropPending(ackID)
		return nil, ctx.Err()
	}
}

func (s *Session) write(ctx context.Context, cmd *command) error {
	s.mu.Lock()
	conn := s.conn
	state := s.state
	s.mu.Unlock()
	if state == StateExpired {
		return ErrSessionExpired
	}
	if conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func (s *Session) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			s.mu.Lock()
			intentional := s.intentionalClose
			if s.conn == conn {
				s.conn = nil
				s.state = StateDisconnected
			}
			s.mu.Unlock()

			s.failPendingAcks()
			if intentional {
				return
			}

			s.log.Warn("session disconnected", zap.Error(err))
			s.dispatcher.emitDisconnected(err.Error())

			if s.config.AutoReconnect {
				go s.reconnectLoop()
			}
			return
		}

		var env envelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}

		if env.Type == eventAck && env.AckID != "" {
			s.pendingMu.Lock()
			ch, ok := s.pendingAcks[env.AckID]
			if ok {
				delete(s.pendingAcks, env.AckID)
			}
			s.pendingMu.Unlock()
			if ok {
				ch <- env.Payload
			}
			continue
		}

		s.dispatcher.dispatch(env)
	}
}

// reconnectLoop re-dials with exponential backoff. Before each attempt the
// credential is refreshed; a refresh failure, or running out of attempts,
// expires the session instead of looping forever.
func (s *Session) reconnectLoop() {
	for s.recon.shouldReconnect() {
		delay := s.recon.nextDelay()
		s.setState(StateReconnecting)
		s.dispatcher.emitReconnecting(s.recon.attempt, delay)
		time.Sleep(delay)

		s.mu.Lock()
		intentional := s.intentionalClose
		s.mu.Unlock()
		if intentional {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if _, err := s.config.TokenSource.Refresh(ctx); err != nil {
			cancel()
			s.log.Error("credential refresh failed", zap.Error(err))
			s.expire()
			return
		}

		err := s.Connect(ctx)
		cancel()
		if err == nil {
			return
		}
		s.log.Warn("reconnect attempt failed",
			zap.Int("attempt", s.recon.attempt), zap.Error(err))
	}
	s.expire()
}

func (s *Session) expire() {
	s.mu.Lock()
	s.state = StateExpired
	s.mu.Unlock()
	s.log.Error("session expired")
	if s.config.OnSessionExpired != nil {
		s.config.OnSessionExpired()
	}
}

func (s *Session) setState(state SessionState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Session) dropPending(ackID string) {
	s.pendingMu.Lock()
	delete(s.pendingAcks, ackID)
	s.pendingMu.Unlock()
}

// failPendingAcks aborts every in-flight Request when the connection drops.
// The send lifecycle treats this the same as an error acknowledgement.
func (s *Session) failPendingAcks() {
	s.pendingMu.Lock()
	for id, ch := range s.pendingAcks {
		close(ch)
		delete(s.pendingAcks, id)
	}
	s.pendingMu.Unlock()
}
