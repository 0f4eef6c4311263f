package models

import (
	"encoding/json"
	"errors"
	"sort"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrUnauthorized = errors.New("unauthorized")
)

type PresenceStatus string

const (
	StatusOnline  PresenceStatus = "online"
	StatusOffline PresenceStatus = "offline"
)

// Peer is another user participating in a conversation. Peer lifecycle is
// owned by the user directory; the chat core only looks peers up by id.
type Peer struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

// Message is a single direct message. Immutable once created.
type Message struct {
	ID          string `json:"id"`
	SenderID    string `json:"senderId"`
	RecipientID string `json:"recipientId"`
	Content     string `json:"content"`
	HTML        string `json:"html,omitempty"`
	CreatedAt   int64  `json:"createdAt"` // Unix timestamp (milliseconds)
	Read        bool   `json:"read"`
}

// PeerOf returns the conversation peer from the point of view of selfID.
func (m Message) PeerOf(selfID string) string {
	if m.SenderID == selfID {
		return m.RecipientID
	}
	return m.SenderID
}

// LastMessage is the conversation-list preview of the newest message.
type LastMessage struct {
	Content   string `json:"content"`
	CreatedAt int64  `json:"createdAt"`
}

// Conversation is one entry of the conversation directory, keyed by the
// other participant's id.
type Conversation struct {
	ID          string       `json:"id"`
	OtherUser   Peer         `json:"otherUser"`
	LastMessage *LastMessage `json:"lastMessage,omitempty"`
	UnreadCount int          `json:"unreadCount"`
}

// PairID returns the deterministic conversation id for two user ids,
// independent of who messaged first.
func PairID(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return "dm_" + ids[0] + "_" + ids[1]
}

const MessageTypeText = "text"

// Live-transport event names. Outbound is client to broker, inbound is
// broker to client.
const (
	EventUserOnline  = "user-online"
	EventSendMessage = "send-message"
	EventTyping      = "typing"
	EventStopTyping  = "stop-typing"

	EventOnlineUsers    = "online-users-list"
	EventStatusChange   = "user-status-change"
	EventReceiveMessage = "receive-message"
	EventMessageSent    = "message-sent"
	EventMessageError   = "message-error"
	EventUserTyping     = "user-typing"
)

// Envelope is the wire frame for every live-transport event.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals payload into an Envelope for event.
func NewEnvelope(event string, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Event: event, Data: data}, nil
}

// UserOnline is sent by a client right after the transport handshake.
type UserOnline struct {
	DisplayName string `json:"displayName"`
}

// SendMessage is the outbound send event and the HTTP fallback request body.
type SendMessage struct {
	PeerID  string `json:"peerId"`
	Content string `json:"content"`
	Type    string `json:"type"`
}

// StatusChange is the incremental presence event.
type StatusChange struct {
	UserID      string         `json:"userId"`
	DisplayName string         `json:"displayName"`
	Status      PresenceStatus `json:"status"`
}

// TypingSignal is the outbound typing / stop-typing payload.
type TypingSignal struct {
	PeerID string `json:"peerId"`
}

// UserTyping is the inbound typing indicator.
type UserTyping struct {
	SenderID   string `json:"senderId"`
	SenderName string `json:"senderName"`
	IsTyping   bool   `json:"isTyping"`
}

// Error reasons carried by message-error events and send failures.
const (
	ReasonInvalid      = "invalid"
	ReasonPeerNotFound = "peer-not-found"
	ReasonUnauthorized = "unauthorized"
	ReasonInternal     = "internal"
)

// MessageError reports a failed send back to its sender.
type MessageError struct {
	Reason string `json:"reason"`
}
