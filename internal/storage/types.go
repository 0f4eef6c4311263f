package storage

import (
	"encoding"

	"github.com/vmihailenco/msgpack/v5"
)

// Storeable is a record that can place itself in a bucket: it knows its
// own key and its msgpack encoding.
type Storeable interface {
	Key() []byte
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

type DBUser struct {
	ID          string `msgpack:"id"`
	DisplayName string `msgpack:"displayName"`
	LastSeen    int64  `msgpack:"lastSeen"`
}

func (u *DBUser) Key() []byte {
	return []byte(u.ID)
}

func (u *DBUser) MarshalBinary() (data []byte, err error) {
	type alias DBUser
	return msgpack.Marshal((*alias)(u))
}

func (u *DBUser) UnmarshalBinary(data []byte) error {
	type alias DBUser
	return msgpack.Unmarshal(data, (*alias)(u))
}

type DBMessage struct {
	ID          string `msgpack:"id"`
	SenderID    string `msgpack:"senderId"`
	RecipientID string `msgpack:"recipientId"`
	Content     string `msgpack:"content"`
	HTML        string `msgpack:"html"`
	CreatedAt   int64  `msgpack:"createdAt"`
	Read        bool   `msgpack:"read"`
}

func (m *DBMessage) MarshalBinary() (data []byte, err error) {
	type alias DBMessage
	return msgpack.Marshal((*alias)(m))
}

func (m *DBMessage) UnmarshalBinary(data []byte) error {
	type alias DBMessage
	return msgpack.Unmarshal(data, (*alias)(m))
}

// DBConversation is the stored summary of a DM pair. Unread counters are
// kept per participant.
type DBConversation struct {
	ID            string         `msgpack:"id"`
	UserA         string         `msgpack:"userA"`
	UserB         string         `msgpack:"userB"`
	LastContent   string         `msgpack:"lastContent"`
	LastCreatedAt int64          `msgpack:"lastCreatedAt"`
	Unread        map[string]int `msgpack:"unread"`
}

func (c *DBConversation) Key() []byte {
	return []byte(c.ID)
}

func (c *DBConversation) MarshalBinary() (data []byte, err error) {
	type alias DBConversation
	return msgpack.Marshal((*alias)(c))
}

func (c *DBConversation) UnmarshalBinary(data []byte) error {
	type alias DBConversation
	return msgpack.Unmarshal(data, (*alias)(c))
}

// DBSubscription holds a user's Web Push subscription as the browser
// delivered it.
type DBSubscription struct {
	UserID string `msgpack:"userId"`
	Raw    []byte `msgpack:"raw"`
}

func (s *DBSubscription) Key() []byte {
	return []byte(s.UserID)
}

func (s *DBSubscription) MarshalBinary() (data []byte, err error) {
	type alias DBSubscription
	return msgpack.Marshal((*alias)(s))
}

func (s *DBSubscription) UnmarshalBinary(data []byte) error {
	type alias DBSubscription
	return msgpack.Unmarshal(data, (*alias)(s))
}
