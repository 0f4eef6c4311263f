package client

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"quadchat/internal/models"
)

// Synthetic transport events, emitted locally alongside the broker's event
// surface so consumers can react to connectivity changes.
const (
	EventConnected    = "transport-connected"
	EventDisconnected = "transport-disconnected"
)

var ErrNotConnected = errors.New("transport not connected")

// socketConn is the minimal surface of one live connection.
type socketConn interface {
	ReadJSON(v interface{}) error
	WriteJSON(v interface{}) error
	Close() error
}

// Dialer opens a new live connection authenticated with token.
type Dialer func(ctx context.Context, token string) (socketConn, error)

// GorillaDialer returns a Dialer for the broker's websocket endpoint under
// baseURL (http/https scheme is rewritten to ws/wss).
func GorillaDialer(baseURL string) Dialer {
	return func(ctx context.Context, token string) (socketConn, error) {
		u, err := url.Parse(baseURL)
		if err != nil {
			return nil, err
		}
		switch u.Scheme {
		case "https":
			u.Scheme = "wss"
		default:
			u.Scheme = "ws"
		}
		u.Path = strings.TrimSuffix(u.Path, "/") + "/api/chat"

		header := http.Header{}
		header.Set("Authorization", "Bearer "+token)

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

// Transport owns the single persistent bidirectional connection of a
// session: connect/disconnect lifecycle, reconnection with exponential
// backoff, and fan-out of inbound events. Subscriptions registered with On
// live on the transport, not on the underlying connection, so they survive
// reconnects.
type Transport struct {
	dial   Dialer
	events *Emitter

	mu         sync.Mutex
	conn       socketConn
	connected  bool
	connecting bool
	closed     bool
	token      string
	cancel     context.CancelFunc
}

func NewTransport(dial Dialer) *Transport {
	return &Transport{
		dial:   dial,
		events: NewEmitter(),
	}
}

// Connect opens the live connection. It is idempotent: while connected it
// returns true without dialing again, and while another Connect is mid-dial
// it returns false without starting a second dial. An empty token is the
// normal logged-out state and yields false without an attempt. A failed
// dial also yields false; the caller may try again later.
func (t *Transport) Connect(ctx context.Context, token string) bool {
	if token == "" {
		return false
	}

	t.mu.Lock()
	if t.connected {
		t.mu.Unlock()
		return true
	}
	if t.connecting {
		t.mu.Unlock()
		return false
	}
	t.connecting = true
	if t.cancel != nil {
		t.cancel()
	}
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t.cancel = cancel
	t.token = token
	t.closed = false
	t.mu.Unlock()

	conn, err := t.dial(ctx, token)
	if err != nil {
		t.mu.Lock()
		t.connecting = false
		t.mu.Unlock()
		slog.Debug("transport dial failed", "error", err)
		return false
	}

	t.attach(loopCtx, conn)
	return true
}

func (t *Transport) attach(ctx context.Context, conn socketConn) {
	t.mu.Lock()
	t.connecting = false
	if t.closed {
		t.mu.Unlock()
		_ = conn.Close()
		return
	}
	t.conn = conn
	t.connected = true
	t.mu.Unlock()

	t.events.Emit(EventConnected, nil)
	go t.readLoop(ctx, conn)
}

// Disconnect is the only sanctioned teardown path. It is idempotent and
// releases the underlying connection; no events fire afterwards.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.connected = false
	t.connecting = false
	conn := t.conn
	t.conn = nil
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	t.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
}

func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// Emit sends one event over the live connection.
func (t *Transport) Emit(event string, payload any) error {
	t.mu.Lock()
	conn := t.conn
	connected := t.connected
	t.mu.Unlock()

	if !connected || conn == nil {
		return ErrNotConnected
	}

	env, err := models.NewEnvelope(event, payload)
	if err != nil {
		return err
	}
	return conn.WriteJSON(env)
}

// On registers a handler for an inbound event name and returns its
// unsubscribe handle.
func (t *Transport) On(event string, fn Handler) func() {
	return t.events.On(event, fn)
}

func (t *Transport) readLoop(ctx context.Context, conn socketConn) {
	for {
		var env models.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			t.handleConnectionLoss(ctx, conn, err)
			return
		}
		if env.Event == "" {
			slog.Debug("dropping frame without event name")
			continue
		}
		t.events.Emit(env.Event, env.Data)
	}
}

func (t *Transport) handleConnectionLoss(ctx context.Context, conn socketConn, cause error) {
	t.mu.Lock()
	// A stale read loop from a connection that was already replaced or
	// closed must not flap the state.
	if t.conn != conn {
		t.mu.Unlock()
		return
	}
	t.connected = false
	t.conn = nil
	closed := t.closed
	token := t.token
	t.mu.Unlock()

	_ = conn.Close()

	if closed {
		return
	}

	slog.Debug("transport connection lost", "error", cause)
	t.events.Emit(EventDisconnected, nil)
	go t.reconnectLoop(ctx, token)
}

func (t *Transport) reconnectLoop(ctx context.Context, token string) {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0 // keep trying until Disconnect

	operation := func() error {
		t.mu.Lock()
		if t.closed || t.connected {
			t.mu.Unlock()
			return backoff.Permanent(errors.New("reconnect no longer needed"))
		}
		t.mu.Unlock()

		conn, err := t.dial(ctx, token)
		if err != nil {
			return err
		}
		t.attach(ctx, conn)
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(bo, ctx)); err != nil {
		slog.Debug("transport reconnect abandoned", "error", err)
	}
}
