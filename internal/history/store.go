// Package history persists conversations in a local bbolt database and
// enforces the tier's retention and conversation caps.
package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"crowecli/internal/provider"
)

// ErrConversationNotFound is returned when a conversation ID is absent.
var ErrConversationNotFound = errors.New("conversation not found")

var conversationsBucket = []byte("conversations")

// Conversation is a stored chat session.
type Conversation struct {
	ID        string             `json:"id"`
	Title     string             `json:"title"`
	CreatedAt time.Time          `json:"created_at"`
	UpdatedAt time.Time          `json:"updated_at"`
	Messages  []provider.Message `json:"messages"`
}

// Store wraps the bbolt database holding conversation history.
type Store struct {
	db     *bolt.DB
	logger *slog.Logger
	now    func() time.Time
}

// Option customizes a Store.
type Option func(*Store)

// WithClock overrides the time source. Tests use this.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open opens (creating if needed) the history database at path.
func Open(path string, logger *slog.Logger, opts ...Option) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(conversationsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize history database: %w", err)
	}

	s := &Store{db: db, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// New creates and persists an empty conversation.
func (s *Store) New(title string) (*Conversation, error) {
	now := s.now().UTC()
	conv := &Conversation{
		ID:        uuid.NewString(),
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.put(conv); err != nil {
		return nil, err
	}
	return conv, nil
}

// Append adds messages to a conversation and bumps its update time.
func (s *Store) Append(id string, messages ...provider.Message) (*Conversation, error) {
	conv, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	conv.Messages = append(conv.Messages, messages...)
	conv.UpdatedAt = s.now().UTC()
	if err := s.put(conv); err != nil {
		return nil, err
	}
	return conv, nil
}

// Get returns one conversation by ID.
func (s *Store) Get(id string) (*Conversation, error) {
	var conv *Conversation
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(conversationsBucket).Get([]byte(id))
		if raw == nil {
			return fmt.Errorf("%w: %s", ErrConversationNotFound, id)
		}
		conv = &Conversation{}
		return json.Unmarshal(raw, conv)
	})
	if err != nil {
		return nil, err
	}
	return conv, nil
}

// List returns all conversations, most recently updated first.
func (s *Store) List() ([]*Conversation, error) {
	var convs []*Conversation
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(conversationsBucket).ForEach(func(_, raw []byte) error {
			var conv Conversation
			if err := json.Unmarshal(raw, &conv); err != nil {
				return err
			}
			convs = append(convs, &conv)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(convs, func(i, j int) bool {
		return convs[i].UpdatedAt.After(convs[j].UpdatedAt)
	})
	return convs, nil
}

// Delete removes a conversation. Deleting an absent ID is not an error.
func (s *Store) Delete(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(conversationsBucket).Delete([]byte(id))
	})
}

// Enforce applies the tier limits to stored history. Conversations older
// than retentionDays are pruned, then the oldest are dropped until at most
// maxConversations remain. A negative limit means unlimited.
func (s *Store) Enforce(retentionDays, maxConversations int64) error {
	convs, err := s.List()
	if err != nil {
		return err
	}

	var drop []string

	if retentionDays >= 0 {
		cutoff := s.now().UTC().AddDate(0, 0, -int(retentionDays))
		kept := convs[:0]
		for _, conv := range convs {
			if conv.UpdatedAt.Before(cutoff) {
				drop = append(drop, conv.ID)
				continue
			}
			kept = append(kept, conv)
		}
		convs = kept
	}

	if maxConversations >= 0 && int64(len(convs)) > maxConversations {
		// List is newest-first, so the tail holds the oldest sessions.
		for _, conv := range convs[maxConversations:] {
			drop = append(drop, conv.ID)
		}
	}

	if len(drop) == 0 {
		return nil
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(conversationsBucket)
		for _, id := range drop {
			if err := bucket.Delete([]byte(id)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("prune history: %w", err)
	}

	s.logger.Info("history pruned",
		slog.Int("removed", len(drop)),
		slog.Int64("retention_days", retentionDays),
		slog.Int64("max_conversations", maxConversations))
	return nil
}

func (s *Store) put(conv *Conversation) error {
	raw, err := json.Marshal(conv)
	if err != nil {
		return fmt.Errorf("marshal conversation: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(conversationsBucket).Put([]byte(conv.ID), raw)
	})
}
