package relayline

import (
	"encoding/json"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents a server-reported error.
type APIError struct {
	Code    string `json:"errorCode"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// ============================================================================
// Message Types
// ============================================================================

// Status is the delivery state of a message. Under normal operation a message
// only moves forward through PENDING → SENT → DELIVERED → READ; the client
// never regresses a status on its own.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusSent      Status = "SENT"
	StatusDelivered Status = "DELIVERED"
	StatusRead      Status = "READ"
)

var statusRank = map[Status]int{
	StatusPending:   0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

// Rank returns the position of s in the status order, or -1 for unknown
// status strings (which never overwrite a known one).
func (s Status) Rank() int {
	if r, ok := statusRank[s]; ok {
		return r
	}
	return -1
}

// Sender identifies the author of a message.
type Sender struct {
	ID          string `json:"id"`
	Email       string `json:"email,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
}

// Message is the identity and content unit of a conversation log.
//
// ID is server-assigned once confirmed; for an optimistic message it holds
// the locally generated placeholder id. ClientID is set on every
// locally-originated message and survives server confirmation so the two
// representations of one send stay correlated even when ID changes.
type Message struct {
	ID             string    `json:"id"`
	ClientID       string    `json:"clientId,omitempty"`
	ConversationID string    `json:"conversationId"`
	Sender         Sender    `json:"sender"`
	Content        string    `json:"content"`
	Attachment     string    `json:"attachment,omitempty"`
	Status         Status    `json:"status"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Conversation is conversation metadata as delivered by the server.
type Conversation struct {
	ID         string    `json:"id"`
	Name       string    `json:"name,omitempty"`
	IsGroup    bool      `json:"isGroup,omitempty"`
	Members    []Sender  `json:"members,omitempty"`
	MessageIDs []string  `json:"messageIds,omitempty"`
	CreatedAt  time.Time `json:"createdAt,omitempty"`
}

// ============================================================================
// Wire Payloads
// ============================================================================

// Event names at the transport boundary.
const (
	EventMessageSend       = "message:send"
	EventMessageDelivered  = "message:delivered"
	EventMessageRead       = "message:read"
	EventMessageNew        = "message:new"
	EventMessageStatus     = "message:statusUpdated"
	EventConversationNew   = "conversation:new"
	EventConversationJoin  = "conversation:join"
	EventConversationLeave = "conversation:leave"
)

// SendBody is the message portion of an outbound message:send payload.
type SendBody struct {
	Content  string `json:"content"`
	ClientID string `json:"clientId"`
}

// SendPayload is the outbound message:send payload.
type SendPayload struct {
	ConversationID string   `json:"conversationId"`
	Message        SendBody `json:"message"`
}

// SendAck is the acknowledgement to message:send.
type SendAck struct {
	Status  string   `json:"status"`
	Message *Message `json:"message,omitempty"`
}

// DeliveredPayload is the outbound message:delivered payload.
type DeliveredPayload struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
}

// ReadPayload is the outbound bulk message:read payload.
type ReadPayload struct {
	ConversationID string   `json:"conversationId"`
	MessageIDs     []string `json:"messageIds"`
}

// JoinPayload is the payload for conversation:join and conversation:leave.
type JoinPayload struct {
	ConversationID string `json:"conversationId"`
}

// ============================================================================
// HTTP API Types
// ============================================================================

// LoginResult is the response to a credential login.
type LoginResult struct {
	AccessToken string `json:"accessToken"`
}

// Profile describes the authenticated user.
type Profile struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	FullName string `json:"full_name,omitempty"`
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, err
	}
	return &result, nil
}
