package client

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"quadchat/internal/models"
)

// DefaultTypingDebounce is the quiet period after which typing is
// considered stopped, and the minimum interval between emitted typing
// signals per peer.
const DefaultTypingDebounce = time.Second

// typingTransport is the slice of the transport the coordinator needs.
type typingTransport interface {
	Emit(event string, payload any) error
	On(event string, fn Handler) func()
}

// TypingCoordinator debounces outgoing typing signals and tracks incoming
// ones per peer. Incoming state auto-expires so a lost stop-typing event
// can never wedge the indicator on.
type TypingCoordinator struct {
	transport typingTransport
	debounce  time.Duration
	expiry    time.Duration

	mu         sync.Mutex
	closed     bool
	limiters   map[string]*rate.Limiter
	active     map[string]bool
	stopTimers map[string]*time.Timer
	peers      map[string]*time.Timer
}

func NewTypingCoordinator(transport typingTransport, debounce time.Duration) *TypingCoordinator {
	if debounce <= 0 {
		debounce = DefaultTypingDebounce
	}
	return &TypingCoordinator{
		transport:  transport,
		debounce:   debounce,
		expiry:     2 * debounce,
		limiters:   make(map[string]*rate.Limiter),
		active:     make(map[string]bool),
		stopTimers: make(map[string]*time.Timer),
		peers:      make(map[string]*time.Timer),
	}
}

// Bind subscribes the coordinator to incoming typing indicators and
// returns an unsubscribe handle.
func (tc *TypingCoordinator) Bind() func() {
	return tc.transport.On(models.EventUserTyping, tc.handleUserTyping)
}

// NotifyTyping reports local keystrokes for the conversation with peerID.
// At most one typing event per debounce window reaches the transport, and
// a stop-typing event follows automatically once the window passes with no
// further input.
func (tc *TypingCoordinator) NotifyTyping(peerID string) {
	if peerID == "" {
		return
	}

	tc.mu.Lock()
	if tc.closed {
		tc.mu.Unlock()
		return
	}
	lim, ok := tc.limiters[peerID]
	if !ok {
		lim = rate.NewLimiter(rate.Every(tc.debounce), 1)
		tc.limiters[peerID] = lim
	}
	allowed := lim.Allow()
	tc.active[peerID] = true

	if t := tc.stopTimers[peerID]; t != nil {
		t.Stop()
	}
	tc.stopTimers[peerID] = time.AfterFunc(tc.debounce, func() {
		tc.stop(peerID)
	})
	tc.mu.Unlock()

	if allowed {
		if err := tc.transport.Emit(models.EventTyping, models.TypingSignal{PeerID: peerID}); err != nil {
			slog.Debug("typing signal not sent", "peer_id", peerID, "error", err)
		}
	}
}

// NotifyStopped reports that typing for peerID has stopped, e.g. right
// before a message send. It is a no-op if no typing signal is pending.
func (tc *TypingCoordinator) NotifyStopped(peerID string) {
	tc.stop(peerID)
}

func (tc *TypingCoordinator) stop(peerID string) {
	tc.mu.Lock()
	if tc.closed || !tc.active[peerID] {
		tc.mu.Unlock()
		return
	}
	delete(tc.active, peerID)
	// A fresh limiter lets the next burst of keystrokes signal immediately.
	delete(tc.limiters, peerID)
	if t := tc.stopTimers[peerID]; t != nil {
		t.Stop()
		delete(tc.stopTimers, peerID)
	}
	tc.mu.Unlock()

	if err := tc.transport.Emit(models.EventStopTyping, models.TypingSignal{PeerID: peerID}); err != nil {
		slog.Debug("stop-typing signal not sent", "peer_id", peerID, "error", err)
	}
}

// handleUserTyping consumes an incoming indicator. The coordinator is
// conversation-agnostic: state is tracked for every peer, the UI filters.
func (tc *TypingCoordinator) handleUserTyping(data json.RawMessage) {
	var payload models.UserTyping
	if err := json.Unmarshal(data, &payload); err != nil {
		slog.Debug("dropping malformed typing indicator", "error", err)
		return
	}
	if payload.SenderID == "" {
		slog.Debug("dropping typing indicator without senderId")
		return
	}

	tc.mu.Lock()
	defer tc.mu.Unlock()
	if tc.closed {
		return
	}

	if t := tc.peers[payload.SenderID]; t != nil {
		t.Stop()
	}
	if !payload.IsTyping {
		delete(tc.peers, payload.SenderID)
		return
	}

	peerID := payload.SenderID
	tc.peers[peerID] = time.AfterFunc(tc.expiry, func() {
		tc.mu.Lock()
		defer tc.mu.Unlock()
		delete(tc.peers, peerID)
	})
}

// PeerIsTyping reports whether peerID is currently typing, as far as
// non-expired indicators say.
func (tc *TypingCoordinator) PeerIsTyping(peerID string) bool {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	_, ok := tc.peers[peerID]
	return ok
}

// Close stops all timers; no signals are emitted afterwards.
func (tc *TypingCoordinator) Close() {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.closed = true
	for _, t := range tc.stopTimers {
		t.Stop()
	}
	for _, t := range tc.peers {
		t.Stop()
	}
	tc.stopTimers = make(map[string]*time.Timer)
	tc.peers = make(map[string]*time.Timer)
}
