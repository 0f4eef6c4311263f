package client

import "fmt"

// Send failure reasons, classifying what the UI should do next: re-login,
// tell the user the peer is gone, or offer a manual retry.
const (
	ReasonInvalid      = "invalid"
	ReasonPeerNotFound = "peer-not-found"
	ReasonUnauthorized = "unauthorized"
	ReasonNetwork      = "network"
)

// SendFailure is a rejected send. It carries the original content so the
// composer can restore it; nothing the user typed is ever silently lost.
type SendFailure struct {
	Reason string
	Err    error

	content  string
	restored bool
}

func newSendFailure(reason, content string, err error) *SendFailure {
	return &SendFailure{Reason: reason, Err: err, content: content}
}

func (f *SendFailure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("send failed (%s): %v", f.Reason, f.Err)
	}
	return fmt.Sprintf("send failed (%s)", f.Reason)
}

func (f *SendFailure) Unwrap() error {
	return f.Err
}

// Restore hands the original content back exactly once. A second call
// returns the empty string so a composer cannot double-restore the text.
func (f *SendFailure) Restore() string {
	if f.restored {
		return ""
	}
	f.restored = true
	return f.content
}
