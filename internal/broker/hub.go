package broker

import (
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"quadchat/internal/content"
	"quadchat/internal/models"
)

var ErrEmptyContent = errors.New("message content is empty")

// Store is the slice of persistence the hub needs.
type Store interface {
	UpsertUser(peer models.Peer, lastSeen int64) error
	GetUser(id string) (models.Peer, error)
	AppendMessage(msg models.Message) error
}

// Notifier reaches users who are not connected to the live transport.
type Notifier interface {
	NotifyMessage(recipientID string, msg models.Message, senderName string)
}

// Hub routes live events between connected users: presence fan-out,
// message dispatch and typing relay. One instance per broker process.
type Hub struct {
	store    Store
	notifier Notifier

	// userID -> outbound event channel of the live connection
	connectedUsers map[string]chan models.Envelope

	// userID -> peer info of users currently online
	online map[string]models.Peer

	mu sync.RWMutex

	now func() time.Time
}

func NewHub(store Store, notifier Notifier) *Hub {
	return &Hub{
		store:          store,
		notifier:       notifier,
		connectedUsers: make(map[string]chan models.Envelope),
		online:         make(map[string]models.Peer),
		now:            time.Now,
	}
}

// Join registers a live connection for userID and returns its outbound
// channel. A second connection for the same user replaces the first.
func (h *Hub) Join(userID string) chan models.Envelope {
	h.mu.Lock()
	defer h.mu.Unlock()

	if old, ok := h.connectedUsers[userID]; ok {
		close(old)
	}
	ch := make(chan models.Envelope, 100)
	h.connectedUsers[userID] = ch
	return ch
}

// Leave tears down the connection state registered as ch and broadcasts
// the offline status change. If the user has already been replaced by a
// newer connection, Leave is a no-op so it cannot tear down the successor.
func (h *Hub) Leave(userID string, ch chan models.Envelope) {
	h.mu.Lock()
	if current, ok := h.connectedUsers[userID]; !ok || current != ch {
		h.mu.Unlock()
		return
	}
	peer, wasOnline := h.online[userID]
	delete(h.online, userID)
	close(ch)
	delete(h.connectedUsers, userID)
	h.mu.Unlock()

	if wasOnline {
		if err := h.store.UpsertUser(peer, h.now().UnixMilli()); err != nil {
			slog.Warn("failed to persist last seen", "user_id", userID, "error", err)
		}
		h.broadcast(models.EventStatusChange, models.StatusChange{
			UserID:      userID,
			DisplayName: peer.DisplayName,
			Status:      models.StatusOffline,
		}, userID)
	}
}

// SetOnline handles the user-online handshake event: it records the user,
// sends them the presence snapshot and broadcasts their status change.
func (h *Hub) SetOnline(userID, displayName string) {
	displayName = content.Sanitize(strings.TrimSpace(displayName))
	peer := models.Peer{ID: userID, DisplayName: displayName}

	if err := h.store.UpsertUser(peer, h.now().UnixMilli()); err != nil {
		slog.Warn("failed to persist user", "user_id", userID, "error", err)
	}

	h.mu.Lock()
	h.online[userID] = peer
	snapshot := make([]models.Peer, 0, len(h.online))
	for _, p := range h.online {
		snapshot = append(snapshot, p)
	}
	h.mu.Unlock()

	h.push(userID, models.EventOnlineUsers, snapshot)
	h.broadcast(models.EventStatusChange, models.StatusChange{
		UserID:      userID,
		DisplayName: displayName,
		Status:      models.StatusOnline,
	}, userID)
}

// Send validates, persists and delivers a message from senderID. It is the
// single dispatch path for both the live connection and the HTTP fallback.
// Returns the confirmed message, ErrEmptyContent on blank input, or
// models.ErrNotFound when the peer is unknown.
func (h *Hub) Send(senderID string, req models.SendMessage) (models.Message, error) {
	text := strings.TrimSpace(req.Content)
	if text == "" {
		return models.Message{}, ErrEmptyContent
	}

	recipient, err := h.store.GetUser(req.PeerID)
	if err != nil {
		return models.Message{}, err
	}

	text = content.Sanitize(text)
	msg := models.Message{
		ID:          uuid.NewString(),
		SenderID:    senderID,
		RecipientID: recipient.ID,
		Content:     text,
		HTML:        content.Render(text),
		CreatedAt:   h.now().UnixMilli(),
	}

	if err := h.store.AppendMessage(msg); err != nil {
		return models.Message{}, err
	}

	h.mu.RLock()
	senderName := h.online[senderID].DisplayName
	h.mu.RUnlock()

	if !h.push(recipient.ID, models.EventReceiveMessage, msg) && h.notifier != nil {
		h.notifier.NotifyMessage(recipient.ID, msg, senderName)
	}

	return msg, nil
}

// Typing relays a typing indicator from senderID to peerID. Indicators for
// offline peers are dropped: there is nobody to render them.
func (h *Hub) Typing(senderID, peerID string, isTyping bool) {
	h.mu.RLock()
	senderName := h.online[senderID].DisplayName
	h.mu.RUnlock()

	h.push(peerID, models.EventUserTyping, models.UserTyping{
		SenderID:   senderID,
		SenderName: senderName,
		IsTyping:   isTyping,
	})
}

// Echo delivers an event to userID's own connection, if any.
func (h *Hub) Echo(userID string, event string, payload any) {
	h.push(userID, event, payload)
}

// IsOnline reports whether userID has announced itself on a live connection.
func (h *Hub) IsOnline(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.online[userID]
	return ok
}

func (h *Hub) broadcast(event string, payload any, exceptUserID string) {
	env, err := models.NewEnvelope(event, payload)
	if err != nil {
		slog.Error("failed to encode broadcast", "event", event, "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for userID, ch := range h.connectedUsers {
		if userID == exceptUserID {
			continue
		}
		select {
		case ch <- env:
		default:
			slog.Warn("dropping event for slow consumer", "user_id", userID, "event", event)
		}
	}
}

// push delivers an event to userID's registered channel and reports whether
// the user had a live connection. The channel lookup and the send happen
// under the read lock: Leave closes channels while holding the write lock,
// so a send can never race a close.
func (h *Hub) push(userID string, event string, payload any) bool {
	env, err := models.NewEnvelope(event, payload)
	if err != nil {
		slog.Error("failed to encode event", "event", event, "error", err)
		return false
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	ch, ok := h.connectedUsers[userID]
	if !ok {
		return false
	}
	select {
	case ch <- env:
	default:
		slog.Warn("dropping event for slow consumer", "user_id", userID, "event", event)
	}
	return true
}
