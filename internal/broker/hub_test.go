package broker

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"quadchat/internal/models"
)

type fakeStore struct {
	mu       sync.Mutex
	users    map[string]models.Peer
	messages []models.Message
}

func newFakeStore() *fakeStore {
	return &fakeStore{users: make(map[string]models.Peer)}
}

func (s *fakeStore) UpsertUser(peer models.Peer, lastSeen int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[peer.ID] = peer
	return nil
}

func (s *fakeStore) GetUser(id string) (models.Peer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	peer, ok := s.users[id]
	if !ok {
		return models.Peer{}, models.ErrNotFound
	}
	return peer, nil
}

func (s *fakeStore) AppendMessage(msg models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msg)
	return nil
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls []string
}

func (n *fakeNotifier) NotifyMessage(recipientID string, msg models.Message, senderName string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, recipientID)
}

func recvEvent(t *testing.T, ch chan models.Envelope, event string) models.Envelope {
	t.Helper()
	for {
		select {
		case env := <-ch:
			if env.Event == event {
				return env
			}
		case <-time.After(1 * time.Second):
			t.Fatalf("timeout waiting for %s event", event)
		}
	}
}

func TestHub_PresenceLifecycle(t *testing.T) {
	store := newFakeStore()
	h := NewHub(store, nil)

	ch1 := h.Join("u1")
	if ch1 == nil {
		t.Fatal("Join returned nil channel")
	}
	h.SetOnline("u1", "Alice")

	if !h.IsOnline("u1") {
		t.Error("u1 should be online after SetOnline")
	}

	// u1's snapshot contains u1 only.
	env := recvEvent(t, ch1, models.EventOnlineUsers)
	var snapshot []models.Peer
	if err := json.Unmarshal(env.Data, &snapshot); err != nil {
		t.Fatalf("bad snapshot payload: %v", err)
	}
	if len(snapshot) != 1 || snapshot[0].ID != "u1" {
		t.Errorf("unexpected snapshot: %+v", snapshot)
	}

	// Second user joining is broadcast to u1.
	ch2 := h.Join("u2")
	h.SetOnline("u2", "Bob")

	env = recvEvent(t, ch1, models.EventStatusChange)
	var change models.StatusChange
	if err := json.Unmarshal(env.Data, &change); err != nil {
		t.Fatalf("bad status change payload: %v", err)
	}
	if change.UserID != "u2" || change.Status != models.StatusOnline || change.DisplayName != "Bob" {
		t.Errorf("unexpected status change: %+v", change)
	}

	// u2's snapshot contains both users.
	env = recvEvent(t, ch2, models.EventOnlineUsers)
	if err := json.Unmarshal(env.Data, &snapshot); err != nil {
		t.Fatalf("bad snapshot payload: %v", err)
	}
	if len(snapshot) != 2 {
		t.Errorf("expected 2 online users, got %d", len(snapshot))
	}

	// Leaving broadcasts offline.
	h.Leave("u2", ch2)
	if h.IsOnline("u2") {
		t.Error("u2 should be offline after Leave")
	}
	env = recvEvent(t, ch1, models.EventStatusChange)
	if err := json.Unmarshal(env.Data, &change); err != nil {
		t.Fatalf("bad status change payload: %v", err)
	}
	if change.UserID != "u2" || change.Status != models.StatusOffline {
		t.Errorf("unexpected status change: %+v", change)
	}

	// Leave with a stale channel is a no-op.
	h.Leave("u2", ch2)
}

func TestHub_SendDelivery(t *testing.T) {
	store := newFakeStore()
	notifier := &fakeNotifier{}
	h := NewHub(store, notifier)

	ch1 := h.Join("u1")
	h.SetOnline("u1", "Alice")
	ch2 := h.Join("u2")
	h.SetOnline("u2", "Bob")
	recvEvent(t, ch1, models.EventOnlineUsers)
	recvEvent(t, ch2, models.EventOnlineUsers)

	msg, err := h.Send("u1", models.SendMessage{PeerID: "u2", Content: "  hello **bob**  ", Type: models.MessageTypeText})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if msg.ID == "" {
		t.Error("confirmed message has no id")
	}
	if msg.Content != "hello **bob**" {
		t.Errorf("content not trimmed: %q", msg.Content)
	}
	if msg.HTML == "" {
		t.Error("expected rendered HTML")
	}
	if msg.SenderID != "u1" || msg.RecipientID != "u2" {
		t.Errorf("wrong participants: %+v", msg)
	}

	env := recvEvent(t, ch2, models.EventReceiveMessage)
	var delivered models.Message
	if err := json.Unmarshal(env.Data, &delivered); err != nil {
		t.Fatalf("bad message payload: %v", err)
	}
	if delivered.ID != msg.ID {
		t.Errorf("delivered id %s, want %s", delivered.ID, msg.ID)
	}

	if len(store.messages) != 1 {
		t.Errorf("expected 1 persisted message, got %d", len(store.messages))
	}

	// Offline recipient goes through the notifier instead.
	h.Leave("u2", ch2)
	if _, err := h.Send("u1", models.SendMessage{PeerID: "u2", Content: "anyone home"}); err != nil {
		t.Fatalf("Send to offline peer failed: %v", err)
	}
	notifier.mu.Lock()
	calls := len(notifier.calls)
	notifier.mu.Unlock()
	if calls != 1 {
		t.Errorf("expected 1 push notification, got %d", calls)
	}
}

func TestHub_SendValidation(t *testing.T) {
	store := newFakeStore()
	h := NewHub(store, nil)
	h.Join("u1")
	h.SetOnline("u1", "Alice")

	if _, err := h.Send("u1", models.SendMessage{PeerID: "u1", Content: "   "}); !errors.Is(err, ErrEmptyContent) {
		t.Errorf("blank content: expected ErrEmptyContent, got %v", err)
	}

	if _, err := h.Send("u1", models.SendMessage{PeerID: "ghost", Content: "hi"}); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("unknown peer: expected ErrNotFound, got %v", err)
	}

	if len(store.messages) != 0 {
		t.Errorf("rejected sends must not be persisted, got %d", len(store.messages))
	}
}

func TestHub_TypingRelay(t *testing.T) {
	store := newFakeStore()
	h := NewHub(store, nil)

	ch1 := h.Join("u1")
	h.SetOnline("u1", "Alice")
	h.Join("u2")
	h.SetOnline("u2", "Bob")
	recvEvent(t, ch1, models.EventOnlineUsers)

	h.Typing("u2", "u1", true)
	env := recvEvent(t, ch1, models.EventUserTyping)
	var typing models.UserTyping
	if err := json.Unmarshal(env.Data, &typing); err != nil {
		t.Fatalf("bad typing payload: %v", err)
	}
	if typing.SenderID != "u2" || typing.SenderName != "Bob" || !typing.IsTyping {
		t.Errorf("unexpected typing payload: %+v", typing)
	}

	h.Typing("u2", "u1", false)
	env = recvEvent(t, ch1, models.EventUserTyping)
	if err := json.Unmarshal(env.Data, &typing); err != nil {
		t.Fatalf("bad typing payload: %v", err)
	}
	if typing.IsTyping {
		t.Error("expected stop-typing relay")
	}

	// Typing at an offline peer is silently dropped.
	h.Typing("u2", "nobody", true)
}

func TestHub_DeliveryDuringConnectionChurn(t *testing.T) {
	store := newFakeStore()
	_ = store.UpsertUser(models.Peer{ID: "u1", DisplayName: "Alice"}, 0)
	_ = store.UpsertUser(models.Peer{ID: "u2", DisplayName: "Bob"}, 0)
	h := NewHub(store, &fakeNotifier{})

	h.Join("u1")
	h.SetOnline("u1", "Alice")

	// u2's connection churns while u1 keeps dispatching at it. A delivery
	// racing a teardown must drop or divert the event, never panic on the
	// closed channel.
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
			}
			ch := h.Join("u2")
			h.SetOnline("u2", "Bob")
			h.Leave("u2", ch)
		}
	}()

	go func() {
		defer wg.Done()
		defer close(done)
		for i := 0; i < 2000; i++ {
			if _, err := h.Send("u1", models.SendMessage{PeerID: "u2", Content: "hi", Type: models.MessageTypeText}); err != nil {
				t.Errorf("send failed mid-churn: %v", err)
				return
			}
			h.Typing("u1", "u2", true)
			h.Echo("u2", models.EventMessageSent, models.Message{ID: "echo"})
		}
	}()

	wg.Wait()
}
