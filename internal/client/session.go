package client

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"quadchat/internal/models"
)

// Options configures one chat session.
type Options struct {
	// BaseURL is the chat backend root, e.g. "https://chat.example.edu".
	BaseURL string
	// UserID and DisplayName identify the signed-in user.
	UserID      string
	DisplayName string
	// Token authenticates both the HTTP client and the live transport.
	Token string
	// TypingDebounce overrides DefaultTypingDebounce when positive.
	TypingDebounce time.Duration
	// Dialer overrides the websocket dialer, mainly for tests.
	Dialer Dialer
}

// Session is the per-login container for all chat state. Every component
// hangs off it, so logging out and back in as another user starts from a
// clean slate instead of leaking the previous user's presence, history,
// or typing timers.
type Session struct {
	UserID      string
	DisplayName string

	Transport *Transport
	REST      *REST
	Presence  *PresenceTracker
	Store     *MessageStore
	Directory *Directory
	Typing    *TypingCoordinator
	Sender    *Sender

	unsubs []func()
}

// NewSession wires a session's components together. It does not connect;
// call Connect once the caller is ready for live traffic.
func NewSession(opts Options) (*Session, error) {
	if opts.UserID == "" || opts.BaseURL == "" {
		return nil, errors.New("session requires a user id and base url")
	}

	dial := opts.Dialer
	if dial == nil {
		dial = GorillaDialer(opts.BaseURL)
	}
	debounce := opts.TypingDebounce
	if debounce <= 0 {
		debounce = DefaultTypingDebounce
	}

	transport := NewTransport(dial)
	rest := NewREST(opts.BaseURL, opts.Token)

	s := &Session{
		UserID:      opts.UserID,
		DisplayName: opts.DisplayName,
		Transport:   transport,
		REST:        rest,
		Presence:    NewPresenceTracker(),
		Store:       NewMessageStore(rest, opts.UserID),
		Directory:   NewDirectory(rest, opts.UserID),
		Typing:      NewTypingCoordinator(transport, debounce),
		Sender:      NewSender(transport, rest),
	}

	s.unsubs = append(s.unsubs,
		s.Presence.Bind(transport),
		s.Typing.Bind(),
		s.Sender.Bind(),
		transport.On(EventConnected, s.handleConnected),
		transport.On(models.EventReceiveMessage, s.handleReceiveMessage),
		transport.On(models.EventMessageSent, s.handleMessageSent),
	)

	return s, nil
}

// Connect brings up the live transport and announces this user to the
// broker. A false return means the session stays in HTTP-only mode; sends
// still work through the fallback path.
func (s *Session) Connect(ctx context.Context, token string) bool {
	return s.Transport.Connect(ctx, token)
}

// handleConnected re-announces the user on every (re)connect so the broker
// rebuilds its presence entry.
func (s *Session) handleConnected(json.RawMessage) {
	err := s.Transport.Emit(models.EventUserOnline, models.UserOnline{DisplayName: s.DisplayName})
	if err != nil {
		slog.Debug("online announce failed", "error", err)
	}
}

// handleReceiveMessage folds an incoming message into the store and the
// conversation directory. When the sender is the open conversation the
// message is immediately acknowledged as read, best effort.
func (s *Session) handleReceiveMessage(data json.RawMessage) {
	var msg models.Message
	if err := json.Unmarshal(data, &msg); err != nil || msg.ID == "" {
		slog.Debug("dropping malformed incoming message", "error", err)
		return
	}

	activePeer := s.Store.ActivePeer()
	s.Directory.Touch(msg, activePeer)
	if msg.SenderID != activePeer {
		return
	}
	if s.Store.Append(msg) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Store.MarkRead(ctx)
		s.Directory.MarkRead(activePeer)
	}
}

// handleMessageSent folds the server-confirmed copy of an own message into
// local state. The sender's ack matching also consumes this event; here we
// only care about the message body.
func (s *Session) handleMessageSent(data json.RawMessage) {
	var msg models.Message
	if err := json.Unmarshal(data, &msg); err != nil || msg.ID == "" {
		return
	}
	s.Directory.Touch(msg, s.Store.ActivePeer())
	if msg.RecipientID == s.Store.ActivePeer() {
		s.Store.Append(msg)
	}
}

// Open switches the session to the conversation with peerID: loads its
// history, marks it read, and clears any previous conversation's messages.
func (s *Session) Open(ctx context.Context, peerID string) ([]models.Message, error) {
	msgs, err := s.Store.Load(ctx, peerID)
	if err != nil {
		return msgs, err
	}
	s.Store.MarkRead(ctx)
	s.Directory.MarkRead(peerID)
	return msgs, nil
}

// Send delivers content to peerID through the unified send path and folds
// the confirmed message into local state. An authorization failure expires
// the whole session: the token is cleared and the transport torn down, so
// every subsequent call behaves logged-out instead of retrying a dead
// credential.
func (s *Session) Send(ctx context.Context, peerID, content string) (models.Message, error) {
	s.Typing.NotifyStopped(peerID)

	msg, err := s.Sender.Send(ctx, peerID, content)
	if err != nil {
		var failure *SendFailure
		if errors.As(err, &failure) && failure.Reason == ReasonUnauthorized {
			s.expireAuth()
		}
		return models.Message{}, err
	}
	s.Directory.Touch(msg, s.Store.ActivePeer())
	if peerID == s.Store.ActivePeer() {
		s.Store.Append(msg)
	}
	return msg, nil
}

// expireAuth drops the dead credential: the REST client stops sending the
// token and the live transport comes down. Local state is kept so the UI
// can still render until the user signs in again.
func (s *Session) expireAuth() {
	s.REST.ClearToken()
	s.Transport.Disconnect()
}

// Logout tears the session down after an authentication failure or a user
// sign-out: the token is cleared so no further authenticated calls go out.
func (s *Session) Logout() {
	s.REST.ClearToken()
	s.Close()
}

// Close releases everything the session holds. The session must not be
// reused afterwards; a new login builds a new one.
func (s *Session) Close() {
	for _, unsub := range s.unsubs {
		unsub()
	}
	s.unsubs = nil
	s.Typing.Close()
	s.Transport.Disconnect()
	s.Presence.Reset()
	s.Store.Clear()
}
