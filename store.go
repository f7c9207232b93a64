package relayline

import (
	"container/list"
	"sync"
)

// ============================================================================
// Message Store
// ============================================================================

// ReconcileOutcome reports how a server-confirmed message was merged.
type ReconcileOutcome int

const (
	// ReconcileReplacedClientID: an optimistic entry with the same clientId
	// was replaced in place.
	ReconcileReplacedClientID ReconcileOutcome = iota
	// ReconcileReplacedFingerprint: a PENDING entry matching by fingerprint
	// was replaced in place.
	ReconcileReplacedFingerprint
	// ReconcileAlreadyPresent: an entry with the same id already exists.
	ReconcileAlreadyPresent
	// ReconcileAppended: no match; the message was appended as new.
	ReconcileAppended
)

// StoreOptions configures a MessageStore.
type StoreOptions struct {
	// Fingerprint overrides the default dedup fingerprinter.
	Fingerprint Fingerprinter
	// MaxConversations bounds how many conversation logs are retained.
	// When exceeded, the least recently touched inactive log is evicted.
	// Zero means unbounded.
	MaxConversations int
}

// MessageStore is a goroutine-safe, in-memory, per-conversation ordered
// message log. Insertion order is arrival order, not timestamp order. Each
// compound operation holds the store lock for its full duration, so
// read-modify-write sequences like ReconcileOptimistic are atomic with
// respect to every other store operation.
type MessageStore struct {
	mu            sync.RWMutex
	fp            Fingerprinter
	maxConvs      int
	logs          map[string][]*Message
	conversations map[string]*Conversation
	recency       *list.List // front = most recently touched conversation id
	elems         map[string]*list.Element
	active        string
}

// NewMessageStore creates an empty message store.
func NewMessageStore(opts *StoreOptions) *MessageStore {
	s := &MessageStore{
		logs:          make(map[string][]*Message),
		conversations: make(map[string]*Conversation),
		recency:       list.New(),
		elems:         make(map[string]*list.Element),
	}
	if opts != nil {
		s.fp = opts.Fingerprint
		s.maxConvs = opts.MaxConversations
	}
	return s
}

// Seed replaces the full log for a conversation, used after a history fetch.
// The previous log is discarded wholesale; acknowledgement bookkeeping is the
// caller's concern (the engine back-fills its tracker from the returned
// statuses).
func (s *MessageStore) Seed(conversationID string, messages []*Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := make([]*Message, 0, len(messages))
	for _, m := range messages {
		cp := *m
		log = append(log, &cp)
	}
	s.logs[conversationID] = log
	s.touch(conversationID)
}

// Messages returns a snapshot of a conversation's log in insertion order.
func (s *MessageStore) Messages(conversationID string) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log := s.logs[conversationID]
	out := make([]Message, len(log))
	for i, m := range log {
		out[i] = *m
	}
	return out
}

// Append adds the message to the tail of its conversation's log unless an
// existing entry matches by id, by clientId, or by fingerprint. Reports
// whether the message became visible.
func (s *MessageStore) Append(m *Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.findDuplicate(m) != -1 {
		return false
	}
	cp := *m
	s.logs[m.ConversationID] = append(s.logs[m.ConversationID], &cp)
	s.touch(m.ConversationID)
	return true
}

// UpdateStatus replaces the status of the message matching id. It is a no-op
// when the message is absent or when the new status would move the message
// backward through the status order.
func (s *MessageStore) UpdateStatus(conversationID, id string, status Status) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range s.logs[conversationID] {
		if m.ID == id {
			if status.Rank() <= m.Status.Rank() {
				return false
			}
			m.Status = status
			return true
		}
	}
	return false
}

// ReconcileOptimistic merges a server-confirmed message into its
// conversation's log. Resolution order, which is load-bearing:
//
//  1. clientId match: the optimistic placeholder is replaced in place
//     (identity match is authoritative when present).
//  2. PENDING entry with matching fingerprint: replaced the same way
//     (fallback for cross-tab and cross-device echoes).
//  3. entry with the same id exists: no-op (the same server event was
//     already processed).
//  4. otherwise: appended as a new message.
func (s *MessageStore) ReconcileOptimistic(server *Message) ReconcileOutcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.logs[server.ConversationID]

	if server.ClientID != "" {
		for i, m := range log {
			if m.ClientID == server.ClientID {
				s.replaceAt(log, i, server)
				s.touch(server.ConversationID)
				return ReconcileReplacedClientID
			}
		}
	}

	key := s.fp.Key(server)
	for i, m := range log {
		if m.Status == StatusPending && s.fp.Key(m) == key {
			s.replaceAt(log, i, server)
			s.touch(server.ConversationID)
			return ReconcileReplacedFingerprint
		}
	}

	for _, m := range log {
		if m.ID == server.ID {
			return ReconcileAlreadyPresent
		}
	}

	cp := *server
	if cp.Status.Rank() < 0 {
		cp.Status = StatusSent
	}
	s.logs[server.ConversationID] = append(log, &cp)
	s.touch(server.ConversationID)
	return ReconcileAppended
}

// DiscardPending removes the PENDING placeholder with the given clientId from
// the conversation's log. Used when a send acknowledgement reports failure.
func (s *MessageStore) DiscardPending(conversationID, clientID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.logs[conversationID]
	for i, m := range log {
		if m.ClientID == clientID && m.Status == StatusPending {
			s.logs[conversationID] = append(log[:i:i], log[i+1:]...)
			return true
		}
	}
	return false
}

// replaceAt overwrites the entry at index i with the server message,
// preserving the log position. The placeholder's clientId survives when the
// server copy omits it.
func (s *MessageStore) replaceAt(log []*Message, i int, server *Message) {
	cp := *server
	if cp.ClientID == "" {
		cp.ClientID = log[i].ClientID
	}
	if cp.Status.Rank() < 0 {
		cp.Status = StatusSent
	}
	*log[i] = cp
}

// findDuplicate returns the index of an entry that is "the same logical
// send" as m, or -1.
func (s *MessageStore) findDuplicate(m *Message) int {
	key := s.fp.Key(m)
	for i, existing := range s.logs[m.ConversationID] {
		if existing.ID == m.ID {
			return i
		}
		if m.ClientID != "" && existing.ClientID == m.ClientID {
			return i
		}
		if s.fp.Key(existing) == key {
			return i
		}
	}
	return -1
}

// ============================================================================
// Conversation metadata
// ============================================================================

// UpsertConversation stores conversation metadata from conversation:new or a
// list fetch.
func (s *MessageStore) UpsertConversation(c *Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *c
	s.conversations[c.ID] = &cp
	s.touch(c.ID)
}

// Conversation returns a copy of the stored metadata, or nil if unknown.
func (s *MessageStore) Conversation(id string) *Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.conversations[id]
	if !ok {
		return nil
	}
	cp := *c
	return &cp
}

// ============================================================================
// Eviction
// ============================================================================

// SetActive marks the conversation currently presented to the user. The
// active conversation is exempt from eviction.
func (s *MessageStore) SetActive(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.active = conversationID
	if conversationID != "" {
		s.touch(conversationID)
	}
}

// touch moves the conversation to the front of the recency list and evicts
// the least recently touched inactive logs when over capacity. Caller holds
// the lock.
func (s *MessageStore) touch(conversationID string) {
	if e, ok := s.elems[conversationID]; ok {
		s.recency.MoveToFront(e)
	} else {
		s.elems[conversationID] = s.recency.PushFront(conversationID)
	}
	if s.maxConvs <= 0 {
		return
	}
	for e := s.recency.Back(); e != nil && s.recency.Len() > s.maxConvs; {
		id := e.Value.(string)
		prev := e.Prev()
		if id != s.active {
			s.recency.Remove(e)
			delete(s.elems, id)
			delete(s.logs, id)
			delete(s.conversations, id)
		}
		e = prev
	}
}
