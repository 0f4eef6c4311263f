package client

import (
	"encoding/json"
	"log/slog"
	"sync"

	"quadchat/internal/models"
)

// PresenceTracker maintains the set of currently-online peers from the
// broker's snapshot and incremental status events. One instance per
// session, shared by every open conversation.
type PresenceTracker struct {
	mu      sync.RWMutex
	entries map[string]models.Peer
}

func NewPresenceTracker() *PresenceTracker {
	return &PresenceTracker{entries: make(map[string]models.Peer)}
}

// Bind subscribes the tracker to a transport's presence events and returns
// an unsubscribe handle. The local view is reset on connection loss: a
// disconnected client has no authoritative presence knowledge.
func (p *PresenceTracker) Bind(t *Transport) func() {
	unsubs := []func(){
		t.On(models.EventOnlineUsers, p.handleSnapshot),
		t.On(models.EventStatusChange, p.handleStatusChange),
		t.On(EventDisconnected, func(json.RawMessage) { p.Reset() }),
	}
	return func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}
}

// handleSnapshot replaces the whole presence set atomically.
func (p *PresenceTracker) handleSnapshot(data json.RawMessage) {
	var peers []models.Peer
	if err := json.Unmarshal(data, &peers); err != nil {
		slog.Debug("dropping malformed presence snapshot", "error", err)
		return
	}

	entries := make(map[string]models.Peer, len(peers))
	for _, peer := range peers {
		if peer.ID == "" {
			slog.Debug("dropping snapshot entry without id")
			continue
		}
		entries[peer.ID] = peer
	}

	p.mu.Lock()
	p.entries = entries
	p.mu.Unlock()
}

// handleStatusChange upserts or removes a single entry. Later events for
// the same peer win by arrival order; removing an absent peer is a no-op.
func (p *PresenceTracker) handleStatusChange(data json.RawMessage) {
	var change models.StatusChange
	if err := json.Unmarshal(data, &change); err != nil {
		slog.Debug("dropping malformed status change", "error", err)
		return
	}
	if change.UserID == "" {
		slog.Debug("dropping status change without userId")
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	switch change.Status {
	case models.StatusOnline:
		p.entries[change.UserID] = models.Peer{ID: change.UserID, DisplayName: change.DisplayName}
	case models.StatusOffline:
		delete(p.entries, change.UserID)
	default:
		slog.Debug("dropping status change with unknown status", "status", change.Status)
	}
}

// IsOnline is a pure O(1) lookup.
func (p *PresenceTracker) IsOnline(peerID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.entries[peerID]
	return ok
}

// Online returns a copy of the current presence set.
func (p *PresenceTracker) Online() []models.Peer {
	p.mu.RLock()
	defer p.mu.RUnlock()
	peers := make([]models.Peer, 0, len(p.entries))
	for _, peer := range p.entries {
		peers = append(peers, peer)
	}
	return peers
}

// Reset invalidates the local view, e.g. after a connection drop.
func (p *PresenceTracker) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries = make(map[string]models.Peer)
}
