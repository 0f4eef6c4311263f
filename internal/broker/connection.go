package broker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"quadchat/internal/models"
)

type wsConnection interface {
	Close() error
	WriteJSON(v interface{}) error
	ReadJSON(v interface{}) error
}

type messageHub interface {
	Join(userID string) chan models.Envelope
	Leave(userID string, ch chan models.Envelope)
	SetOnline(userID, displayName string)
	Send(senderID string, req models.SendMessage) (models.Message, error)
	Typing(senderID, peerID string, isTyping bool)
	Echo(userID string, event string, payload any)
}

// Connection pumps events between one websocket and the hub.
type Connection struct {
	ws         wsConnection
	hub        messageHub
	userID     string
	fromClient chan models.Envelope
	fromServer chan models.Envelope
	errorCh    chan error
}

func NewConnection(hub messageHub, ws wsConnection, userID string) *Connection {
	return &Connection{
		ws:         ws,
		hub:        hub,
		userID:     userID,
		fromClient: make(chan models.Envelope),
		fromServer: hub.Join(userID),
		errorCh:    make(chan error, 2),
	}
}

func (c *Connection) Handle(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		close(c.fromClient)
		close(c.errorCh)
		c.hub.Leave(c.userID, c.fromServer)
	}()

	var wg sync.WaitGroup
	wg.Go(func() {
		c.errorCh <- c.pumpEvents(ctx)
		cancel()
	})

	wg.Go(func() {
		c.errorCh <- c.mainLoop(ctx)
		cancel()
	})

	var err error
	select {
	case err = <-c.errorCh:
	case <-ctx.Done():
	}
	c.ws.Close()
	wg.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

func (c *Connection) pumpEvents(ctx context.Context) error {
	for {
		var env models.Envelope
		if err := c.ws.ReadJSON(&env); err != nil {
			return err
		}
		select {
		case c.fromClient <- env:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Connection) mainLoop(ctx context.Context) error {
	for {
		select {
		case env := <-c.fromClient:
			c.processClientEvent(env)
		case env, ok := <-c.fromServer:
			if !ok {
				// Hub replaced this connection.
				return nil
			}
			if err := c.ws.WriteJSON(env); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// processClientEvent dispatches a single inbound event. Malformed events
// are dropped with a diagnostic log; they must never take the connection
// down.
func (c *Connection) processClientEvent(env models.Envelope) {
	switch env.Event {
	case models.EventUserOnline:
		var payload models.UserOnline
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			slog.Debug("dropping malformed user-online event", "user_id", c.userID, "error", err)
			return
		}
		c.hub.SetOnline(c.userID, payload.DisplayName)

	case models.EventSendMessage:
		var payload models.SendMessage
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			slog.Debug("dropping malformed send-message event", "user_id", c.userID, "error", err)
			c.hub.Echo(c.userID, models.EventMessageError, models.MessageError{Reason: models.ReasonInvalid})
			return
		}
		msg, err := c.hub.Send(c.userID, payload)
		if err != nil {
			c.hub.Echo(c.userID, models.EventMessageError, models.MessageError{Reason: sendErrorReason(err)})
			return
		}
		c.hub.Echo(c.userID, models.EventMessageSent, msg)

	case models.EventTyping, models.EventStopTyping:
		var payload models.TypingSignal
		if err := json.Unmarshal(env.Data, &payload); err != nil || payload.PeerID == "" {
			slog.Debug("dropping malformed typing event", "user_id", c.userID, "error", err)
			return
		}
		c.hub.Typing(c.userID, payload.PeerID, env.Event == models.EventTyping)

	default:
		slog.Debug("dropping unknown event", "user_id", c.userID, "event", env.Event)
	}
}

func sendErrorReason(err error) string {
	switch {
	case errors.Is(err, ErrEmptyContent):
		return models.ReasonInvalid
	case errors.Is(err, models.ErrNotFound):
		return models.ReasonPeerNotFound
	default:
		return models.ReasonInternal
	}
}
