package client

import (
	"context"
	"log/slog"
	"sync"

	"quadchat/internal/models"
)

// historyClient is the slice of the REST surface the store needs.
type historyClient interface {
	History(ctx context.Context, peerID string) ([]models.Message, error)
	MarkRead(ctx context.Context, peerID string) error
}

// MessageStore owns the ordered, deduplicated message sequence of the one
// currently active conversation. Switching conversations discards the
// previous sequence entirely.
type MessageStore struct {
	rest   historyClient
	selfID string

	mu         sync.RWMutex
	activePeer string
	messages   []models.Message
	seen       map[string]struct{}
}

func NewMessageStore(rest historyClient, selfID string) *MessageStore {
	return &MessageStore{
		rest:   rest,
		selfID: selfID,
		seen:   make(map[string]struct{}),
	}
}

// Load makes peerID the active conversation and replaces the local
// sequence with the fetched history. On a fetch error the conversation is
// still switched and the sequence degrades to empty; lingering messages
// from the previous conversation must never bleed into the new one.
func (s *MessageStore) Load(ctx context.Context, peerID string) ([]models.Message, error) {
	history, err := s.rest.History(ctx, peerID)

	s.mu.Lock()
	s.activePeer = peerID
	s.messages = s.messages[:0]
	s.seen = make(map[string]struct{})
	if err == nil {
		for _, msg := range history {
			s.insertLocked(msg)
		}
	}
	result := append([]models.Message(nil), s.messages...)
	s.mu.Unlock()

	if err != nil {
		return []models.Message{}, err
	}
	return result, nil
}

// Append adds one message to the active conversation. It is used for both
// live-pushed and optimistically confirmed messages and reports whether
// the message was actually added: duplicates by id collapse to one entry,
// and messages for other conversations are ignored.
func (s *MessageStore) Append(msg models.Message) bool {
	if msg.ID == "" {
		slog.Debug("dropping message without id")
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.activePeer == "" || msg.PeerOf(s.selfID) != s.activePeer {
		return false
	}
	if _, dup := s.seen[msg.ID]; dup {
		return false
	}
	s.insertLocked(msg)
	return true
}

// insertLocked places msg keeping createdAt ascending. Live pushes arrive
// nearly in order, so the scan from the tail is amortized O(1), but an
// out-of-order arrival is still placed correctly.
func (s *MessageStore) insertLocked(msg models.Message) {
	if _, dup := s.seen[msg.ID]; dup {
		return
	}
	s.seen[msg.ID] = struct{}{}

	i := len(s.messages)
	for i > 0 && s.messages[i-1].CreatedAt > msg.CreatedAt {
		i--
	}
	s.messages = append(s.messages, models.Message{})
	copy(s.messages[i+1:], s.messages[i:])
	s.messages[i] = msg
}

// Messages returns a copy of the active conversation's sequence.
func (s *MessageStore) Messages() []models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.Message(nil), s.messages...)
}

// ActivePeer returns the id of the conversation currently loaded, or "".
func (s *MessageStore) ActivePeer() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activePeer
}

// MarkRead tells the backend the active conversation has been read. Read
// receipts are best-effort: a failure is logged and the next read event
// will try again, the UI is never blocked on it.
func (s *MessageStore) MarkRead(ctx context.Context) {
	peerID := s.ActivePeer()
	if peerID == "" {
		return
	}
	if err := s.rest.MarkRead(ctx, peerID); err != nil {
		slog.Debug("mark read failed", "peer_id", peerID, "error", err)
	}
}

// Clear drops the active conversation and its sequence.
func (s *MessageStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activePeer = ""
	s.messages = nil
	s.seen = make(map[string]struct{})
}
