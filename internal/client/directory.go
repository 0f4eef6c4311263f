package client

import (
	"context"
	"sort"
	"sync"

	"quadchat/internal/models"
)

// directoryClient is the slice of the REST surface the directory needs.
type directoryClient interface {
	Conversations(ctx context.Context) ([]models.Conversation, error)
}

// Directory is the conversation list: peer, last message preview and
// unread count per conversation. It refreshes on demand and is updated
// incrementally as messages arrive for any peer, open or not.
type Directory struct {
	rest   directoryClient
	selfID string

	mu      sync.RWMutex
	entries map[string]*models.Conversation
}

func NewDirectory(rest directoryClient, selfID string) *Directory {
	return &Directory{
		rest:    rest,
		selfID:  selfID,
		entries: make(map[string]*models.Conversation),
	}
}

// List refreshes the directory from the backend. On failure it returns an
// empty sequence together with the error so callers render "no
// conversations" instead of crashing; the previous in-memory entries are
// kept for incremental updates.
func (d *Directory) List(ctx context.Context) ([]models.Conversation, error) {
	conversations, err := d.rest.Conversations(ctx)
	if err != nil {
		return []models.Conversation{}, err
	}

	d.mu.Lock()
	d.entries = make(map[string]*models.Conversation, len(conversations))
	for i := range conversations {
		conv := conversations[i]
		d.entries[conv.OtherUser.ID] = &conv
	}
	d.mu.Unlock()

	return d.Snapshot(), nil
}

// Touch applies one incoming message to the directory: the peer's entry
// gets the new last-message preview, and the unread count grows unless the
// message is the caller's own or belongs to the currently open
// conversation (activePeer), which is presumed read immediately. A message
// from a brand-new conversation partner creates a provisional entry.
func (d *Directory) Touch(msg models.Message, activePeer string) {
	peerID := msg.PeerOf(d.selfID)
	if peerID == "" {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	entry, ok := d.entries[peerID]
	if !ok {
		entry = &models.Conversation{
			ID:        models.PairID(d.selfID, peerID),
			OtherUser: models.Peer{ID: peerID},
		}
		d.entries[peerID] = entry
	}

	entry.LastMessage = &models.LastMessage{
		Content:   msg.Content,
		CreatedAt: msg.CreatedAt,
	}

	switch {
	case msg.SenderID == d.selfID:
		// Own message, nothing unread.
	case peerID == activePeer:
		entry.UnreadCount = 0
	default:
		entry.UnreadCount++
	}
}

// MarkRead zeroes the local unread count for peerID.
func (d *Directory) MarkRead(peerID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if entry, ok := d.entries[peerID]; ok {
		entry.UnreadCount = 0
	}
}

// Snapshot returns the current entries, newest conversation first.
func (d *Directory) Snapshot() []models.Conversation {
	d.mu.RLock()
	defer d.mu.RUnlock()

	result := make([]models.Conversation, 0, len(d.entries))
	for _, entry := range d.entries {
		result = append(result, *entry)
	}
	sort.Slice(result, func(i, j int) bool {
		var ti, tj int64
		if result[i].LastMessage != nil {
			ti = result[i].LastMessage.CreatedAt
		}
		if result[j].LastMessage != nil {
			tj = result[j].LastMessage.CreatedAt
		}
		if ti != tj {
			return ti > tj
		}
		return result[i].OtherUser.ID < result[j].OtherUser.ID
	})
	return result
}

// UnreadTotal sums unread counts over all entries.
func (d *Directory) UnreadTotal() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	total := 0
	for _, entry := range d.entries {
		total += entry.UnreadCount
	}
	return total
}
