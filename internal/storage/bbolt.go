package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"quadchat/internal/models"
)

var (
	bucketUsers         = []byte("users")
	bucketMessages      = []byte("messages")
	bucketConversations = []byte("conversations")
	bucketSubscriptions = []byte("push_subscriptions")
)

type BboltStore struct {
	db *bbolt.DB
}

func NewBboltStore(path string) (*BboltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range [][]byte{bucketUsers, bucketMessages, bucketConversations, bucketSubscriptions} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BboltStore{db: db}, nil
}

func (s *BboltStore) Close() error {
	return s.db.Close()
}

// putRecord marshals a keyed record and stores it under its own key.
func putRecord(b *bbolt.Bucket, rec Storeable) error {
	data, err := rec.MarshalBinary()
	if err != nil {
		return err
	}
	return b.Put(rec.Key(), data)
}

// UpsertUser stores a user known to the broker.
func (s *BboltStore) UpsertUser(peer models.Peer, lastSeen int64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return putRecord(tx.Bucket(bucketUsers), &DBUser{
			ID:          peer.ID,
			DisplayName: peer.DisplayName,
			LastSeen:    lastSeen,
		})
	})
}

// GetUser returns a single user by id or models.ErrNotFound.
func (s *BboltStore) GetUser(id string) (models.Peer, error) {
	var peer models.Peer
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketUsers).Get([]byte(id))
		if data == nil {
			return models.ErrNotFound
		}
		var dbUser DBUser
		if err := dbUser.UnmarshalBinary(data); err != nil {
			return err
		}
		peer = models.Peer{ID: dbUser.ID, DisplayName: dbUser.DisplayName}
		return nil
	})
	return peer, err
}

// AppendMessage persists a message inside its conversation sub-bucket and
// updates the conversation summary: last message preview and the
// recipient's unread counter.
func (s *BboltStore) AppendMessage(msg models.Message) error {
	if msg.SenderID == "" || msg.RecipientID == "" {
		return errors.New("message missing participants")
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		pairID := models.PairID(msg.SenderID, msg.RecipientID)

		convBucket, err := tx.Bucket(bucketMessages).CreateBucketIfNotExists([]byte(pairID))
		if err != nil {
			return fmt.Errorf("failed to create conversation bucket: %w", err)
		}

		dbMsg := DBMessage{
			ID:          msg.ID,
			SenderID:    msg.SenderID,
			RecipientID: msg.RecipientID,
			Content:     msg.Content,
			HTML:        msg.HTML,
			CreatedAt:   msg.CreatedAt,
			Read:        msg.Read,
		}
		data, err := dbMsg.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}

		seq, err := convBucket.NextSequence()
		if err != nil {
			return err
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)
		if err := convBucket.Put(key, data); err != nil {
			return fmt.Errorf("failed to put message: %w", err)
		}

		// Update summary.
		summaries := tx.Bucket(bucketConversations)
		var conv DBConversation
		if existing := summaries.Get([]byte(pairID)); existing != nil {
			if err := conv.UnmarshalBinary(existing); err != nil {
				return fmt.Errorf("failed to unmarshal conversation: %w", err)
			}
		} else {
			conv = DBConversation{
				ID:     pairID,
				UserA:  msg.SenderID,
				UserB:  msg.RecipientID,
				Unread: make(map[string]int),
			}
		}
		if conv.Unread == nil {
			conv.Unread = make(map[string]int)
		}

		conv.LastContent = msg.Content
		conv.LastCreatedAt = msg.CreatedAt
		if !msg.Read {
			conv.Unread[msg.RecipientID]++
		}

		return putRecord(summaries, &conv)
	})
}

// ListMessages returns the full ordered history between two users.
func (s *BboltStore) ListMessages(userA, userB string) ([]models.Message, error) {
	messages := []models.Message{}
	err := s.db.View(func(tx *bbolt.Tx) error {
		convBucket := tx.Bucket(bucketMessages).Bucket([]byte(models.PairID(userA, userB)))
		if convBucket == nil {
			return nil // no history yet
		}
		return convBucket.ForEach(func(k, v []byte) error {
			var dbMsg DBMessage
			if err := dbMsg.UnmarshalBinary(v); err != nil {
				return err
			}
			messages = append(messages, models.Message{
				ID:          dbMsg.ID,
				SenderID:    dbMsg.SenderID,
				RecipientID: dbMsg.RecipientID,
				Content:     dbMsg.Content,
				HTML:        dbMsg.HTML,
				CreatedAt:   dbMsg.CreatedAt,
				Read:        dbMsg.Read,
			})
			return nil
		})
	})
	return messages, err
}

// ListConversations returns conversation summaries involving userID,
// resolving peer display names from the users bucket.
func (s *BboltStore) ListConversations(userID string) ([]models.Conversation, error) {
	conversations := []models.Conversation{}
	err := s.db.View(func(tx *bbolt.Tx) error {
		users := tx.Bucket(bucketUsers)
		return tx.Bucket(bucketConversations).ForEach(func(k, v []byte) error {
			var conv DBConversation
			if err := conv.UnmarshalBinary(v); err != nil {
				return err
			}
			var peerID string
			switch userID {
			case conv.UserA:
				peerID = conv.UserB
			case conv.UserB:
				peerID = conv.UserA
			default:
				return nil
			}

			peer := models.Peer{ID: peerID}
			if data := users.Get([]byte(peerID)); data != nil {
				var dbUser DBUser
				if err := dbUser.UnmarshalBinary(data); err == nil {
					peer.DisplayName = dbUser.DisplayName
				}
			}

			result := models.Conversation{
				ID:          conv.ID,
				OtherUser:   peer,
				UnreadCount: conv.Unread[userID],
			}
			if conv.LastCreatedAt != 0 {
				result.LastMessage = &models.LastMessage{
					Content:   conv.LastContent,
					CreatedAt: conv.LastCreatedAt,
				}
			}
			conversations = append(conversations, result)
			return nil
		})
	})
	return conversations, err
}

// MarkRead clears userID's unread counter for the conversation with peerID
// and flips the read flag on messages addressed to userID.
func (s *BboltStore) MarkRead(userID, peerID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		pairID := models.PairID(userID, peerID)

		summaries := tx.Bucket(bucketConversations)
		if data := summaries.Get([]byte(pairID)); data != nil {
			var conv DBConversation
			if err := conv.UnmarshalBinary(data); err != nil {
				return err
			}
			if conv.Unread[userID] != 0 {
				conv.Unread[userID] = 0
				if err := putRecord(summaries, &conv); err != nil {
					return err
				}
			}
		}

		convBucket := tx.Bucket(bucketMessages).Bucket([]byte(pairID))
		if convBucket == nil {
			return nil
		}
		c := convBucket.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var dbMsg DBMessage
			if err := dbMsg.UnmarshalBinary(v); err != nil {
				return err
			}
			if dbMsg.RecipientID != userID || dbMsg.Read {
				continue
			}
			dbMsg.Read = true
			data, err := dbMsg.MarshalBinary()
			if err != nil {
				return err
			}
			if err := convBucket.Put(k, data); err != nil {
				return err
			}
		}
		return nil
	})
}

// UnreadCount sums userID's unread counters over all conversations.
func (s *BboltStore) UnreadCount(userID string) (int, error) {
	total := 0
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketConversations).ForEach(func(k, v []byte) error {
			var conv DBConversation
			if err := conv.UnmarshalBinary(v); err != nil {
				return err
			}
			total += conv.Unread[userID]
			return nil
		})
	})
	return total, err
}

// SaveSubscription stores a user's Web Push subscription payload.
func (s *BboltStore) SaveSubscription(userID string, raw []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return putRecord(tx.Bucket(bucketSubscriptions), &DBSubscription{UserID: userID, Raw: raw})
	})
}

// GetSubscription returns a user's stored push subscription or
// models.ErrNotFound.
func (s *BboltStore) GetSubscription(userID string) ([]byte, error) {
	var raw []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketSubscriptions).Get([]byte(userID))
		if data == nil {
			return models.ErrNotFound
		}
		var sub DBSubscription
		if err := sub.UnmarshalBinary(data); err != nil {
			return err
		}
		raw = append([]byte(nil), sub.Raw...)
		return nil
	})
	return raw, err
}
