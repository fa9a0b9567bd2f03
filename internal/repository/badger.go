package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/dgraph-io/badger/v4"

	"inteltrace/pkg/models"
)

const (
	// Key layout:
	//   analysis:{id}                         -> JSON analysis
	//   analysis_ts:{rev_ts}:{id}             -> empty, global newest-first index
	//   analysis_owner:{owner}:{rev_ts}:{id}  -> empty, per-owner index
	//   user_email:{email}                    -> JSON user
	//   conversation:{id}                     -> JSON conversation
	//   conversation_owner:{owner}:{rev_updated}:{id} -> empty
	//   message:{conversation}:{ts}:{id}      -> JSON message
	// rev_ts is MaxInt64 minus UnixNano, zero padded, so forward iteration
	// yields the newest entries first. Messages use the plain timestamp so
	// they come back oldest first.
	prefixAnalysis          = "analysis:"
	prefixAnalysisTS        = "analysis_ts:"
	prefixAnalysisOwner     = "analysis_owner:"
	prefixUserEmail         = "user_email:"
	prefixConversation      = "conversation:"
	prefixConversationOwner = "conversation_owner:"
	prefixMessage           = "message:"
)

// BadgerStore is an embedded Repository for single-node deployments.
type BadgerStore struct {
	db *badger.DB
}

// OpenBadgerStore opens (or creates) a store in dir.
func OpenBadgerStore(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %s: %w", dir, err)
	}
	return &BadgerStore{db: db}, nil
}

// OpenInMemoryBadgerStore opens a store that lives only in memory.
func OpenInMemoryBadgerStore() (*BadgerStore, error) {
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("open in-memory badger: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

// Ping reports whether the store is open.
func (s *BadgerStore) Ping(context.Context) error {
	if s.db.IsClosed() {
		return errors.New("badger store is closed")
	}
	return nil
}

// Close flushes and closes the database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func revTS(t time.Time) string {
	return fmt.Sprintf("%020d", math.MaxInt64-t.UnixNano())
}

// SaveAnalysis stores a new analysis and its index entries in one transaction.
func (s *BadgerStore) SaveAnalysis(_ context.Context, a *models.Analysis) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal analysis: %w", err)
	}
	ts := revTS(a.CreatedAt)

	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(prefixAnalysis+a.ID), data); err != nil {
			return err
		}
		if err := txn.Set([]byte(prefixAnalysisTS+ts+":"+a.ID), nil); err != nil {
			return err
		}
		return txn.Set([]byte(prefixAnalysisOwner+a.Owner+":"+ts+":"+a.ID), nil)
	})
}

// GetAnalysis retrieves an analysis by its ID.
func (s *BadgerStore) GetAnalysis(_ context.Context, id string) (*models.Analysis, error) {
	var a models.Analysis
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, prefixAnalysis+id, &a)
	})
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// ListAnalyses walks the newest-first index and loads each analysis.
func (s *BadgerStore) ListAnalyses(_ context.Context, owner string, limit int) ([]*models.Analysis, error) {
	limit = ClampLimit(limit)
	prefix := []byte(prefixAnalysisTS)
	if owner != "" {
		prefix = []byte(prefixAnalysisOwner + owner + ":")
	}

	var out []*models.Analysis
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid() && len(out) < limit; it.Next() {
			key := it.Item().Key()
			id := lastSegment(key)

			var a models.Analysis
			if err := getJSON(txn, prefixAnalysis+id, &a); err != nil {
				if errors.Is(err, ErrNotFound) {
					continue
				}
				return err
			}
			out = append(out, &a)
		}
		return nil
	})
	return out, err
}

// GetUserByEmail looks up a user.
func (s *BadgerStore) GetUserByEmail(_ context.Context, email string) (*models.User, error) {
	var u models.User
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, prefixUserEmail+email, &u)
	})
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// CreateUser stores a user, failing if the email is already taken.
func (s *BadgerStore) CreateUser(_ context.Context, u *models.User) error {
	prepareUser(u)
	data, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("marshal user: %w", err)
	}
	key := []byte(prefixUserEmail + u.Email)

	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); err == nil {
			return fmt.Errorf("user %s: %w", u.Email, ErrConflict)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(key, data)
	})
}

// CreateConversation stores a new conversation.
func (s *BadgerStore) CreateConversation(_ context.Context, c *models.Conversation) error {
	prepareConversation(c)
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal conversation: %w", err)
	}
	key := []byte(prefixConversation + c.ID)

	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); err == nil {
			return fmt.Errorf("conversation %s: %w", c.ID, ErrConflict)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := txn.Set(key, data); err != nil {
			return err
		}
		return txn.Set(conversationOwnerKey(c), nil)
	})
}

// GetConversation retrieves a conversation by its ID.
func (s *BadgerStore) GetConversation(_ context.Context, id string) (*models.Conversation, error) {
	var c models.Conversation
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, prefixConversation+id, &c)
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ListConversations walks the per-owner index, most recently updated first.
func (s *BadgerStore) ListConversations(_ context.Context, owner string, limit int) ([]*models.Conversation, error) {
	limit = ClampLimit(limit)

	var out []*models.Conversation
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixConversationOwner + owner + ":")
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid() && len(out) < limit; it.Next() {
			var c models.Conversation
			if err := getJSON(txn, prefixConversation+lastSegment(it.Item().Key()), &c); err != nil {
				if errors.Is(err, ErrNotFound) {
					continue
				}
				return err
			}
			out = append(out, &c)
		}
		return nil
	})
	return out, err
}

// AddMessage stores msg and re-indexes its conversation under the new
// update time, all in one transaction.
func (s *BadgerStore) AddMessage(_ context.Context, m *models.Message) error {
	prepareMessage(m)
	stored := *m
	stored.Analysis = nil
	data, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		var c models.Conversation
		if err := getJSON(txn, prefixConversation+m.ConversationID, &c); err != nil {
			return err
		}

		if m.CreatedAt.After(c.UpdatedAt) {
			if err := txn.Delete(conversationOwnerKey(&c)); err != nil {
				return err
			}
			c.UpdatedAt = m.CreatedAt
			conv, err := json.Marshal(&c)
			if err != nil {
				return fmt.Errorf("marshal conversation: %w", err)
			}
			if err := txn.Set([]byte(prefixConversation+c.ID), conv); err != nil {
				return err
			}
			if err := txn.Set(conversationOwnerKey(&c), nil); err != nil {
				return err
			}
		}

		key := fmt.Sprintf("%s%s:%020d:%s", prefixMessage, m.ConversationID, m.CreatedAt.UnixNano(), m.ID)
		return txn.Set([]byte(key), data)
	})
}

// ListMessages returns the messages of a conversation, oldest first.
func (s *BadgerStore) ListMessages(_ context.Context, conversationID string) ([]*models.Message, error) {
	var out []*models.Message
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixMessage + conversationID + ":")

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var m models.Message
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &m)
			}); err != nil {
				return err
			}
			out = append(out, &m)
		}
		return nil
	})
	return out, err
}

func conversationOwnerKey(c *models.Conversation) []byte {
	return []byte(prefixConversationOwner + c.Owner + ":" + revTS(c.UpdatedAt) + ":" + c.ID)
}

// lastSegment returns everything after the last ':' of an index key. IDs are
// UUIDs and contain none.
func lastSegment(key []byte) string {
	return string(key[bytes.LastIndexByte(key, ':')+1:])
}

func getJSON(txn *badger.Txn, key string, dst any) error {
	item, err := txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, dst)
	})
}
