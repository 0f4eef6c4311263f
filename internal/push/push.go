package push

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	webpush "github.com/SherClockHolmes/webpush-go"

	"quadchat/internal/models"
)

// SubscriptionStore is the slice of storage the notifier needs.
type SubscriptionStore interface {
	SaveSubscription(userID string, raw []byte) error
	GetSubscription(userID string) ([]byte, error)
}

// Notifier delivers best-effort Web Push notifications to users who are
// not connected to the live transport. Delivery failures are logged and
// never propagated: push is a courtesy, not part of the message contract.
type Notifier struct {
	store      SubscriptionStore
	publicKey  string
	privateKey string
	subject    string
}

func NewNotifier(store SubscriptionStore, publicKey, privateKey, subject string) *Notifier {
	return &Notifier{
		store:      store,
		publicKey:  publicKey,
		privateKey: privateKey,
		subject:    subject,
	}
}

// Enabled reports whether VAPID keys were configured.
func (n *Notifier) Enabled() bool {
	return n.publicKey != "" && n.privateKey != ""
}

// Subscribe validates and stores a browser push subscription.
func (n *Notifier) Subscribe(userID string, raw []byte) error {
	var sub webpush.Subscription
	if err := json.Unmarshal(raw, &sub); err != nil {
		return fmt.Errorf("invalid subscription: %w", err)
	}
	if sub.Endpoint == "" {
		return errors.New("invalid subscription: missing endpoint")
	}
	return n.store.SaveSubscription(userID, raw)
}

// NotifyMessage pushes a new-message notification to the recipient if a
// subscription is on file.
func (n *Notifier) NotifyMessage(recipientID string, msg models.Message, senderName string) {
	if !n.Enabled() {
		return
	}

	raw, err := n.store.GetSubscription(recipientID)
	if err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			slog.Warn("push subscription lookup failed", "user_id", recipientID, "error", err)
		}
		return
	}

	var sub webpush.Subscription
	if err := json.Unmarshal(raw, &sub); err != nil {
		slog.Warn("stored push subscription is corrupt", "user_id", recipientID, "error", err)
		return
	}

	body, err := json.Marshal(map[string]string{
		"title": "New message from " + senderName,
		"body":  msg.Content,
	})
	if err != nil {
		return
	}

	resp, err := webpush.SendNotification(body, &sub, &webpush.Options{
		Subscriber:      n.subject,
		VAPIDPublicKey:  n.publicKey,
		VAPIDPrivateKey: n.privateKey,
		TTL:             3600,
	})
	if err != nil {
		slog.Warn("push delivery failed", "user_id", recipientID, "error", err)
		return
	}
	_ = resp.Body.Close()
}
