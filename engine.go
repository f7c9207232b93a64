package relayline

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// HistoryFetcher fetches message history for a conversation from the durable
// store. *Client implements it.
type HistoryFetcher interface {
	FetchHistory(ctx context.Context, conversationID string) ([]*Message, error)
}

// ErrSendFailed is reported through OnSendFailed when the server rejects a
// send or the acknowledgement channel fails mid-flight.
var ErrSendFailed = errors.New("relayline: send failed")

// EngineConfig configures an Engine.
type EngineConfig struct {
	// SelfID is the local user's id; messages it authored are never
	// delivery-acknowledged from here.
	SelfID string

	// Fingerprint overrides the default dedup fingerprinter.
	Fingerprint Fingerprinter
	// MaxConversations bounds retained conversation logs (0 = unbounded).
	MaxConversations int

	// OnUpdate is invoked after any visible change to a conversation's log,
	// with that conversation's id. Presentation re-reads Messages from it.
	OnUpdate func(conversationID string)
	// OnSendFailed is invoked when an optimistic message is discarded
	// because its send failed.
	OnSendFailed func(conversationID, clientID string, err error)

	Logger *zap.Logger
}

// Engine is the reconciliation engine. It merges fetched history, applies
// incoming stream events, performs optimistic local inserts, and reconciles
// them against server confirmations. All log mutations funnel through the
// MessageStore, whose compound operations are atomic; inbound stream events
// are dispatched sequentially by the Session, so handlers never interleave.
type Engine struct {
	transport Transport
	history   HistoryFetcher
	store     *MessageStore
	tracker   *AckTracker
	selfID    string
	log       *zap.Logger

	onUpdate     func(string)
	onSendFailed func(string, string, error)

	mu     sync.Mutex
	ctx    context.Context
	active string
}

// NewEngine creates an engine over the given transport and history fetcher.
func NewEngine(transport Transport, history HistoryFetcher, cfg *EngineConfig) *Engine {
	if cfg == nil {
		cfg = &EngineConfig{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		transport: transport,
		history:   history,
		store: NewMessageStore(&StoreOptions{
			Fingerprint:      cfg.Fingerprint,
			MaxConversations: cfg.MaxConversations,
		}),
		tracker:      NewAckTracker(),
		selfID:       cfg.SelfID,
		log:          logger,
		onUpdate:     cfg.OnUpdate,
		onSendFailed: cfg.OnSendFailed,
		ctx:          context.Background(),
	}
}

// Store exposes the underlying message store.
func (e *Engine) Store() *MessageStore {
	return e.store
}

// Messages returns the current visible log for a conversation.
func (e *Engine) Messages(conversationID string) []Message {
	return e.store.Messages(conversationID)
}

// Bind registers the engine's stream handlers on the transport. The handlers
// stay bound across reconnects; Bind is called once. ctx is the engine's
// lifetime: it bounds the asynchronous acknowledgement waits the engine
// starts on its own, such as read-marking and delivery emits.
func (e *Engine) Bind(ctx context.Context) {
	e.mu.Lock()
	e.ctx = ctx
	e.mu.Unlock()

	e.transport.On(EventMessageNew, e.handleMessageNew)
	e.transport.On(EventMessageStatus, e.handleStatusUpdated)
	e.transport.On(EventConversationNew, e.handleConversationNew)
}

func (e *Engine) baseCtx() context.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ctx
}

// ============================================================================
// Conversation activation
// ============================================================================

// ActivateConversation makes a conversation the presented one: joins its
// room, fetches its history into the store, and bulk-marks foreign unread
// messages as read. The fetched history is always applied to the requested
// conversation's log, never to whichever conversation is active when the
// fetch returns.
func (e *Engine) ActivateConversation(ctx context.Context, conversationID string) error {
	e.mu.Lock()
	prev := e.active
	e.active = conversationID
	e.mu.Unlock()
	e.store.SetActive(conversationID)

	if prev != "" && prev != conversationID {
		if err := e.transport.Emit(ctx, EventConversationLeave, JoinPayload{ConversationID: prev}); err != nil {
			e.log.Debug("leave emit failed", zap.String("conversation", prev), zap.Error(err))
		}
	}
	if err := e.transport.Emit(ctx, EventConversationJoin, JoinPayload{ConversationID: conversationID}); err != nil {
		e.log.Debug("join emit failed", zap.String("conversation", conversationID), zap.Error(err))
	}

	messages, err := e.history.FetchHistory(ctx, conversationID)
	if err != nil {
		return err
	}
	e.store.Seed(conversationID, messages)
	// Back-fill the acknowledgement sets from carried statuses so messages
	// already delivered or read are not re-acknowledged.
	for _, m := range messages {
		e.tracker.Observe(m.ID, m.Status)
	}
	e.notify(conversationID)

	e.markRead(conversationID)
	return nil
}

// markRead collects every visible message authored by someone else that is
// neither READ nor already claimed, and issues a single bulk read request
// for them. Ids are claimed before the request goes out; each message's
// status advances to READ only once the acknowledgement arrives.
func (e *Engine) markRead(conversationID string) {
	var candidates []string
	for _, m := range e.store.Messages(conversationID) {
		if m.Sender.ID == e.selfID || m.Status == StatusRead {
			continue
		}
		candidates = append(candidates, m.ID)
	}
	claimed := e.tracker.ClaimRead(candidates)
	if len(claimed) == 0 {
		return
	}

	go func() {
		_, err := e.transport.Request(e.baseCtx(), EventMessageRead, ReadPayload{
			ConversationID: conversationID,
			MessageIDs:     claimed,
		})
		if err != nil {
			e.log.Warn("read acknowledgement failed",
				zap.String("conversation", conversationID), zap.Error(err))
			return
		}
		changed := false
		for _, id := range claimed {
			if e.store.UpdateStatus(conversationID, id, StatusRead) {
				changed = true
			}
		}
		if changed {
			e.notify(conversationID)
		}
	}()
}

// ============================================================================
// Optimistic send
// ============================================================================

// SendMessage inserts an optimistic PENDING message into the conversation's
// log and returns it immediately. The server acknowledgement is handled
// asynchronously: on success the placeholder is replaced in place by the
// confirmed message; on failure it is removed from the log and OnSendFailed
// fires. ctx bounds the wait for the acknowledgement; an ack that never
// arrives leaves the message PENDING until ctx expires. The engine never
// retries; a retry is a new SendMessage call.
func (e *Engine) SendMessage(ctx context.Context, conversationID, content string) (*Message, error) {
	clientID := uuid.NewString()
	msg := &Message{
		ID:             clientID,
		ClientID:       clientID,
		ConversationID: conversationID,
		Sender:         Sender{ID: e.selfID},
		Content:        content,
		Status:         StatusPending,
		CreatedAt:      time.Now(),
	}
	e.store.Append(msg)
	e.notify(conversationID)

	go e.confirmSend(ctx, conversationID, clientID, content)

	out := *msg
	return &out, nil
}

func (e *Engine) confirmSend(ctx context.Context, conversationID, clientID, content string) {
	data, err := e.transport.Request(ctx, EventMessageSend, SendPayload{
		ConversationID: conversationID,
		Message:        SendBody{Content: content, ClientID: clientID},
	})
	if err != nil {
		e.discardSend(conversationID, clientID, err)
		return
	}

	var ack SendAck
	if jsonErr := json.Unmarshal(data, &ack); jsonErr != nil || ack.Status != "ok" || ack.Message == nil {
		e.discardSend(conversationID, clientID, ErrSendFailed)
		return
	}

	e.store.ReconcileOptimistic(ack.Message)
	e.notify(conversationID)
}

func (e *Engine) discardSend(conversationID, clientID string, err error) {
	e.log.Warn("send failed, discarding optimistic message",
		zap.String("conversation", conversationID),
		zap.String("clientId", clientID),
		zap.Error(err))
	if e.store.DiscardPending(conversationID, clientID) {
		e.notify(conversationID)
	}
	if e.onSendFailed != nil {
		e.onSendFailed(conversationID, clientID, err)
	}
}

// ============================================================================
// Inbound stream handlers
// ============================================================================

func (e *Engine) handleMessageNew(_ string, payload json.RawMessage) {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil || msg.ID == "" || msg.ConversationID == "" {
		e.log.Debug("dropping malformed message:new", zap.Error(errOrNil(err)))
		return
	}

	if msg.Sender.ID == e.selfID {
		// Echo of our own send, possibly from another tab or device: run the
		// full reconcile so a matching placeholder is replaced, not
		// duplicated.
		e.store.ReconcileOptimistic(&msg)
		e.notify(msg.ConversationID)
		return
	}

	appended := e.store.Append(&msg)
	if appended {
		e.notify(msg.ConversationID)
	}

	e.tracker.Observe(msg.ID, msg.Status)
	if e.tracker.MarkDelivered(msg.ID) {
		go func() {
			err := e.transport.Emit(e.baseCtx(), EventMessageDelivered, DeliveredPayload{
				MessageID:      msg.ID,
				ConversationID: msg.ConversationID,
			})
			if err != nil {
				e.log.Debug("delivered emit failed", zap.String("message", msg.ID), zap.Error(err))
			}
		}()
	}
}

func (e *Engine) handleStatusUpdated(_ string, payload json.RawMessage) {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil || msg.ID == "" {
		e.log.Debug("dropping malformed message:statusUpdated", zap.Error(errOrNil(err)))
		return
	}

	// Keep the acknowledgement sets consistent with externally observed
	// state; another device may already have acknowledged this message.
	e.tracker.Observe(msg.ID, msg.Status)

	if e.store.UpdateStatus(msg.ConversationID, msg.ID, msg.Status) {
		e.notify(msg.ConversationID)
	}
}

func (e *Engine) handleConversationNew(_ string, payload json.RawMessage) {
	var conv Conversation
	if err := json.Unmarshal(payload, &conv); err != nil || conv.ID == "" {
		e.log.Debug("dropping malformed conversation:new", zap.Error(errOrNil(err)))
		return
	}
	e.store.UpsertConversation(&conv)
	e.notify(conv.ID)
}

func (e *Engine) notify(conversationID string) {
	if e.onUpdate != nil {
		e.onUpdate(conversationID)
	}
}

func errOrNil(err error) error {
	if err != nil {
		return err
	}
	return errors.New("missing required fields")
}
