package client

import (
	"encoding/json"
	"testing"
)

func TestEmitterDeliversToSubscribers(t *testing.T) {
	e := NewEmitter()

	var got []string
	e.On("ping", func(data json.RawMessage) {
		got = append(got, string(data))
	})
	e.On("ping", func(data json.RawMessage) {
		got = append(got, string(data))
	})

	e.Emit("ping", json.RawMessage(`"hello"`))

	if len(got) != 2 {
		t.Fatalf("expected both handlers invoked, got %d calls", len(got))
	}
	for _, payload := range got {
		if payload != `"hello"` {
			t.Errorf("handler received %q, want %q", payload, `"hello"`)
		}
	}
}

func TestEmitterUnsubscribe(t *testing.T) {
	e := NewEmitter()

	calls := 0
	unsub := e.On("ping", func(json.RawMessage) { calls++ })

	e.Emit("ping", nil)
	unsub()
	e.Emit("ping", nil)

	if calls != 1 {
		t.Errorf("expected 1 call after unsubscribe, got %d", calls)
	}

	// Calling a handle again must be harmless.
	unsub()
	e.Emit("ping", nil)
	if calls != 1 {
		t.Errorf("expected count to stay at 1, got %d", calls)
	}
}

func TestEmitterUnsubscribeDoesNotAffectOthers(t *testing.T) {
	e := NewEmitter()

	first, second := 0, 0
	unsubFirst := e.On("ping", func(json.RawMessage) { first++ })
	e.On("ping", func(json.RawMessage) { second++ })

	unsubFirst()
	e.Emit("ping", nil)

	if first != 0 {
		t.Errorf("unsubscribed handler was invoked %d times", first)
	}
	if second != 1 {
		t.Errorf("remaining handler invoked %d times, want 1", second)
	}
}

func TestEmitterNoSubscribers(t *testing.T) {
	e := NewEmitter()
	// Must not panic.
	e.Emit("nobody-listens", json.RawMessage(`{}`))
}
