package broker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"quadchat/internal/models"
)

type mockWS struct {
	readCh      chan models.Envelope
	writeCh     chan any
	closeCh     chan struct{}
	closed      bool
	errToReturn error
}

func newMockWS() *mockWS {
	return &mockWS{
		readCh:  make(chan models.Envelope, 10),
		writeCh: make(chan any, 10),
		closeCh: make(chan struct{}),
	}
}

func (m *mockWS) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true
	close(m.closeCh)
	return nil
}

func (m *mockWS) WriteJSON(v any) error {
	if m.errToReturn != nil {
		return m.errToReturn
	}
	m.writeCh <- v
	return nil
}

func (m *mockWS) ReadJSON(v any) error {
	if m.errToReturn != nil {
		return m.errToReturn
	}
	select {
	case env, ok := <-m.readCh:
		if !ok {
			return errors.New("closed")
		}
		if ptr, ok := v.(*models.Envelope); ok {
			*ptr = env
		}
		return nil
	case <-m.closeCh:
		return errors.New("connection closed")
	}
}

type mockHub struct {
	joinCh    chan string
	leaveCh   chan string
	onlineCh  chan string
	sendCh    chan models.SendMessage
	typingCh  chan bool
	userChans map[string]chan models.Envelope
	sendErr   error
}

func newMockHub() *mockHub {
	return &mockHub{
		joinCh:    make(chan string, 10),
		leaveCh:   make(chan string, 10),
		onlineCh:  make(chan string, 10),
		sendCh:    make(chan models.SendMessage, 10),
		typingCh:  make(chan bool, 10),
		userChans: make(map[string]chan models.Envelope),
	}
}

func (m *mockHub) Join(userID string) chan models.Envelope {
	m.joinCh <- userID
	ch := make(chan models.Envelope, 10)
	m.userChans[userID] = ch
	return ch
}

func (m *mockHub) Leave(userID string, ch chan models.Envelope) {
	m.leaveCh <- userID
	if ch, ok := m.userChans[userID]; ok {
		close(ch)
		delete(m.userChans, userID)
	}
}

func (m *mockHub) SetOnline(userID, displayName string) {
	m.onlineCh <- displayName
}

func (m *mockHub) Send(senderID string, req models.SendMessage) (models.Message, error) {
	m.sendCh <- req
	if m.sendErr != nil {
		return models.Message{}, m.sendErr
	}
	return models.Message{ID: "m1", SenderID: senderID, RecipientID: req.PeerID, Content: req.Content}, nil
}

func (m *mockHub) Typing(senderID, peerID string, isTyping bool) {
	m.typingCh <- isTyping
}

func (m *mockHub) Echo(userID string, event string, payload any) {
	if ch, ok := m.userChans[userID]; ok {
		env, _ := models.NewEnvelope(event, payload)
		ch <- env
	}
}

func envelope(t *testing.T, event string, payload any) models.Envelope {
	t.Helper()
	env, err := models.NewEnvelope(event, payload)
	if err != nil {
		t.Fatalf("failed to build envelope: %v", err)
	}
	return env
}

func TestConnection_Lifecycle(t *testing.T) {
	hub := newMockHub()
	ws := newMockWS()
	userID := "user1"

	conn := NewConnection(hub, ws, userID)
	if conn == nil {
		t.Fatal("NewConnection returned nil")
	}

	select {
	case id := <-hub.joinCh:
		if id != userID {
			t.Errorf("Expected Join with %s, got %s", userID, id)
		}
	default:
		t.Error("Join not called on NewConnection")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error)
	go func() {
		done <- conn.Handle(ctx)
	}()

	// 1. Handshake announces the user.
	ws.readCh <- envelope(t, models.EventUserOnline, models.UserOnline{DisplayName: "Alice"})
	select {
	case name := <-hub.onlineCh:
		if name != "Alice" {
			t.Errorf("SetOnline got %s", name)
		}
	case <-time.After(1 * time.Second):
		t.Error("SetOnline not called")
	}

	// 2. Send goes to the hub and the echo comes back on the socket.
	ws.readCh <- envelope(t, models.EventSendMessage, models.SendMessage{PeerID: "p1", Content: "hello"})
	select {
	case req := <-hub.sendCh:
		if req.Content != "hello" {
			t.Errorf("Hub received wrong content: %v", req)
		}
	case <-time.After(1 * time.Second):
		t.Error("Hub did not receive send")
	}

	select {
	case received := <-ws.writeCh:
		env, ok := received.(models.Envelope)
		if !ok {
			t.Fatalf("WS received wrong type: %T", received)
		}
		if env.Event != models.EventMessageSent {
			t.Errorf("expected message-sent echo, got %s", env.Event)
		}
		var msg models.Message
		if err := json.Unmarshal(env.Data, &msg); err != nil || msg.ID != "m1" {
			t.Errorf("bad echo payload: %v %v", msg, err)
		}
	case <-time.After(1 * time.Second):
		t.Error("WS did not receive echo")
	}

	// 3. Typing relays with the right flag.
	ws.readCh <- envelope(t, models.EventTyping, models.TypingSignal{PeerID: "p1"})
	select {
	case isTyping := <-hub.typingCh:
		if !isTyping {
			t.Error("expected typing=true")
		}
	case <-time.After(1 * time.Second):
		t.Error("Typing not relayed")
	}
	ws.readCh <- envelope(t, models.EventStopTyping, models.TypingSignal{PeerID: "p1"})
	select {
	case isTyping := <-hub.typingCh:
		if isTyping {
			t.Error("expected typing=false")
		}
	case <-time.After(1 * time.Second):
		t.Error("Stop typing not relayed")
	}

	// 4. Server push is written to the socket.
	hub.userChans[userID] <- envelope(t, models.EventReceiveMessage, models.Message{ID: "m2", Content: "hi back"})
	select {
	case received := <-ws.writeCh:
		env := received.(models.Envelope)
		if env.Event != models.EventReceiveMessage {
			t.Errorf("expected receive-message, got %s", env.Event)
		}
	case <-time.After(1 * time.Second):
		t.Error("WS did not receive server push")
	}

	// 5. Stop.
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Handle returned error: %v", err)
		}
	case <-time.After(1 * time.Second):
		t.Error("Handle did not return after cancel")
	}

	select {
	case id := <-hub.leaveCh:
		if id != userID {
			t.Errorf("Expected Leave with %s, got %s", userID, id)
		}
	default:
		t.Error("Leave not called")
	}

	if !ws.closed {
		t.Error("WS Close not called")
	}
}

func TestConnection_SendError(t *testing.T) {
	hub := newMockHub()
	hub.sendErr = models.ErrNotFound
	ws := newMockWS()

	conn := NewConnection(hub, ws, "user1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error)
	go func() { done <- conn.Handle(ctx) }()

	ws.readCh <- envelope(t, models.EventSendMessage, models.SendMessage{PeerID: "ghost", Content: "hi"})

	select {
	case received := <-ws.writeCh:
		env := received.(models.Envelope)
		if env.Event != models.EventMessageError {
			t.Fatalf("expected message-error, got %s", env.Event)
		}
		var msgErr models.MessageError
		if err := json.Unmarshal(env.Data, &msgErr); err != nil {
			t.Fatalf("bad error payload: %v", err)
		}
		if msgErr.Reason != models.ReasonPeerNotFound {
			t.Errorf("expected peer-not-found, got %s", msgErr.Reason)
		}
	case <-time.After(1 * time.Second):
		t.Error("no message-error received")
	}

	cancel()
	<-done
}

func TestConnection_MalformedEventDropped(t *testing.T) {
	hub := newMockHub()
	ws := newMockWS()
	conn := NewConnection(hub, ws, "user1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error)
	go func() { done <- conn.Handle(ctx) }()

	// Garbage payload must not kill the connection.
	ws.readCh <- models.Envelope{Event: models.EventUserOnline, Data: json.RawMessage(`{"displayName":42}`)}
	ws.readCh <- envelope(t, models.EventUserOnline, models.UserOnline{DisplayName: "Bob"})

	select {
	case name := <-hub.onlineCh:
		if name != "Bob" {
			t.Errorf("expected Bob after malformed event, got %s", name)
		}
	case <-time.After(1 * time.Second):
		t.Error("connection did not survive malformed event")
	}

	cancel()
	<-done
}

func TestConnection_WSError(t *testing.T) {
	hub := newMockHub()
	ws := newMockWS()

	conn := NewConnection(hub, ws, "user2")
	ws.errToReturn = errors.New("read error")

	done := make(chan error)
	go func() {
		done <- conn.Handle(context.Background())
	}()

	select {
	case err := <-done:
		if err == nil {
			t.Error("Expected error from Handle, got nil")
		}
	case <-time.After(1 * time.Second):
		t.Error("Handle did not return on error")
	}

	if !ws.closed {
		t.Error("WS Close not called")
	}
}
