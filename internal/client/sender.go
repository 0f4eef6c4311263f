package client

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"quadchat/internal/models"
)

// DefaultAckTimeout bounds how long a live-path send waits for the
// broker's echo before it is reported as failed.
const DefaultAckTimeout = 10 * time.Second

// PendingState is the lifecycle of one outgoing message.
type PendingState int

const (
	StatePending PendingState = iota
	StateConfirmed
	StateFailed
)

// PendingSend is an outgoing message between submission and confirmation.
type PendingSend struct {
	LocalID     string
	PeerID      string
	Content     string
	SubmittedAt time.Time
	State       PendingState

	result chan sendResult
}

type sendResult struct {
	msg    models.Message
	reason string
	err    error
}

// senderTransport is the slice of the transport the sender needs.
type senderTransport interface {
	IsConnected() bool
	Emit(event string, payload any) error
	On(event string, fn Handler) func()
}

// fallbackClient is the HTTP path used when the transport is down.
type fallbackClient interface {
	Send(ctx context.Context, req models.SendMessage) (models.Message, error)
}

// Sender unifies the two delivery paths behind one Send call: the live
// connection with an acknowledgment echo when connected, a synchronous
// HTTP POST otherwise. Callers never learn which path was used.
//
// There is no client-generated idempotency key on the wire, so
// acknowledgments are matched to pending sends in FIFO order, and a manual
// retry after a false-negative failure can duplicate a message server
// side. That is a known limitation of the backend contract, not something
// to paper over locally.
type Sender struct {
	transport senderTransport
	rest      fallbackClient
	timeout   time.Duration

	mu      sync.Mutex
	pending []*PendingSend
}

func NewSender(transport senderTransport, rest fallbackClient) *Sender {
	return &Sender{
		transport: transport,
		rest:      rest,
		timeout:   DefaultAckTimeout,
	}
}

// Bind subscribes the sender to ack/error echoes and returns an
// unsubscribe handle.
func (s *Sender) Bind() func() {
	unsubs := []func(){
		s.transport.On(models.EventMessageSent, s.handleMessageSent),
		s.transport.On(models.EventMessageError, s.handleMessageError),
	}
	return func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}
}

// Send delivers content to peerID and returns the confirmed message. On
// failure the returned error is a *SendFailure carrying a classified
// reason and the original content for the composer to restore; nothing is
// retried automatically.
func (s *Sender) Send(ctx context.Context, peerID, content string) (models.Message, error) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return models.Message{}, newSendFailure(ReasonInvalid, content, errors.New("empty content"))
	}
	if peerID == "" {
		return models.Message{}, newSendFailure(ReasonInvalid, content, errors.New("missing peer"))
	}

	req := models.SendMessage{PeerID: peerID, Content: trimmed, Type: models.MessageTypeText}

	if s.transport.IsConnected() {
		msg, err := s.sendLive(ctx, req, content)
		if err == nil || !errors.Is(err, ErrNotConnected) {
			return msg, err
		}
		// Lost the connection mid-submit, use the fallback.
	}

	return s.sendFallback(ctx, req, content)
}

func (s *Sender) sendLive(ctx context.Context, req models.SendMessage, original string) (models.Message, error) {
	p := &PendingSend{
		LocalID:     uuid.NewString(),
		PeerID:      req.PeerID,
		Content:     req.Content,
		SubmittedAt: time.Now(),
		State:       StatePending,
		result:      make(chan sendResult, 1),
	}

	s.mu.Lock()
	s.pending = append(s.pending, p)
	s.mu.Unlock()

	if err := s.transport.Emit(models.EventSendMessage, req); err != nil {
		s.remove(p)
		if errors.Is(err, ErrNotConnected) {
			return models.Message{}, err
		}
		return models.Message{}, newSendFailure(ReasonNetwork, original, err)
	}

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	select {
	case res := <-p.result:
		if res.err != nil {
			p.State = StateFailed
			return models.Message{}, newSendFailure(res.reason, original, res.err)
		}
		p.State = StateConfirmed
		return res.msg, nil
	case <-timer.C:
		s.remove(p)
		p.State = StateFailed
		return models.Message{}, newSendFailure(ReasonNetwork, original, errors.New("acknowledgment timeout"))
	case <-ctx.Done():
		s.remove(p)
		p.State = StateFailed
		return models.Message{}, newSendFailure(ReasonNetwork, original, ctx.Err())
	}
}

func (s *Sender) sendFallback(ctx context.Context, req models.SendMessage, original string) (models.Message, error) {
	msg, err := s.rest.Send(ctx, req)
	switch {
	case err == nil:
		return msg, nil
	case errors.Is(err, models.ErrUnauthorized):
		return models.Message{}, newSendFailure(ReasonUnauthorized, original, err)
	case errors.Is(err, models.ErrNotFound):
		return models.Message{}, newSendFailure(ReasonPeerNotFound, original, err)
	default:
		return models.Message{}, newSendFailure(ReasonNetwork, original, err)
	}
}

// handleMessageSent confirms the oldest pending send with the
// server-assigned message.
func (s *Sender) handleMessageSent(data json.RawMessage) {
	var msg models.Message
	if err := json.Unmarshal(data, &msg); err != nil || msg.ID == "" {
		slog.Debug("dropping malformed message-sent echo", "error", err)
		return
	}
	if p := s.popOldest(); p != nil {
		p.result <- sendResult{msg: msg}
	}
}

// handleMessageError fails the oldest pending send with the broker's
// reason.
func (s *Sender) handleMessageError(data json.RawMessage) {
	var msgErr models.MessageError
	if err := json.Unmarshal(data, &msgErr); err != nil {
		slog.Debug("dropping malformed message-error", "error", err)
		return
	}
	reason := classifyReason(msgErr.Reason)
	if p := s.popOldest(); p != nil {
		p.result <- sendResult{reason: reason, err: errors.New("rejected by server: " + msgErr.Reason)}
	}
}

func (s *Sender) popOldest() *PendingSend {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return nil
	}
	p := s.pending[0]
	s.pending = s.pending[1:]
	return p
}

func (s *Sender) remove(p *PendingSend) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, candidate := range s.pending {
		if candidate == p {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			return
		}
	}
}

func classifyReason(wire string) string {
	switch wire {
	case models.ReasonPeerNotFound:
		return ReasonPeerNotFound
	case models.ReasonUnauthorized:
		return ReasonUnauthorized
	case models.ReasonInvalid:
		return ReasonInvalid
	default:
		return ReasonNetwork
	}
}
