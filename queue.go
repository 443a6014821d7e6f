package presence

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

// ============================================================================
// Store
// ============================================================================

// Key prefixes partition the shared database between the action queue and
// the response cache.
var (
	queuePrefix = []byte("queue:")
	cachePrefix = []byte("cache:")
)

// ErrStoreClosed is returned by operations on a closed Store.
var ErrStoreClosed = errors.New("presence: store is closed")

// Store is the durable local storage shared by the offline queue and the
// response cache. Entries survive process restarts. All operations are
// atomic with respect to each other; no ordering is guaranteed between
// GetAll and concurrent Enqueue/Dequeue from other call sites.
type Store struct {
	db     *badger.DB
	closed atomic.Bool
}

// OpenStore opens (creating if needed) the durable store at dir.
func OpenStore(dir string) (*Store, error) {
	if dir == "" {
		return nil, errors.New("presence: store dir is required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create store directory %s: %w", dir, err)
	}
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return &Store{db: db}, nil
}

// OpenStoreInMemory opens a non-persistent store. Useful for testing.
func OpenStoreInMemory() (*Store, error) {
	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open in-memory store: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database. Safe to call once.
func (s *Store) Close() error {
	s.closed.Store(true)
	return s.db.Close()
}

func queueKey(id string) []byte {
	return append(append([]byte{}, queuePrefix...), id...)
}

// Enqueue assigns the action a fresh unique id, resets its retry count and
// persists it. A storage error propagates to the caller: enqueue failure
// means no guarantee of delivery.
func (s *Store) Enqueue(action *QueuedAction) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	action.ID = uuid.NewString()
	action.RetryCount = 0
	if action.CreatedAt.IsZero() {
		action.CreatedAt = time.Now().UTC()
	}

	data, err := json.Marshal(action)
	if err != nil {
		return fmt.Errorf("marshal queued action: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(queueKey(action.ID), data)
	})
	if err != nil {
		return fmt.Errorf("enqueue action %s: %w", action.ID, err)
	}
	return nil
}

// Dequeue removes the action. Removing a non-existent id is not an error;
// the action may have been resolved concurrently.
func (s *Store) Dequeue(id string) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(queueKey(id))
	})
	if err != nil {
		return fmt.Errorf("dequeue action %s: %w", id, err)
	}
	return nil
}

// GetAll returns all pending actions. Callers must not assume any order.
func (s *Store) GetAll() ([]*QueuedAction, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}
	var actions []*QueuedAction
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = queuePrefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var a QueuedAction
				if err := json.Unmarshal(val, &a); err != nil {
					return fmt.Errorf("unmarshal queued action: %w", err)
				}
				actions = append(actions, &a)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return actions, nil
}

// IncrementRetry bumps the action's retry count inside a single transaction
// and returns the new count. A missing id is a no-op returning 0: the
// action was already resolved concurrently.
func (s *Store) IncrementRetry(id string) (int, error) {
	if s.closed.Load() {
		return 0, ErrStoreClosed
	}
	var count int
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(queueKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		var a QueuedAction
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &a)
		}); err != nil {
			return err
		}
		a.RetryCount++
		count = a.RetryCount
		data, err := json.Marshal(&a)
		if err != nil {
			return err
		}
		return txn.Set(queueKey(id), data)
	})
	if err != nil {
		return 0, fmt.Errorf("increment retry for %s: %w", id, err)
	}
	return count, nil
}

// Size returns the number of pending actions.
func (s *Store) Size() (int, error) {
	if s.closed.Load() {
		return 0, ErrStoreClosed
	}
	count := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = queuePrefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}
