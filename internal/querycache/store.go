package querycache

import (
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// ErrNotFound is returned by a Store for a missing or expired key
var ErrNotFound = errors.New("query result not found")

// Store is the second tier behind the in-memory cache. Values are opaque query results.
type Store interface {
	Get(key string) ([]byte, error)
	Put(key string, value []byte, ttl time.Duration) error
	Delete(key string) error
	Close() error
}

// prefix isolates query results from anything else sharing the database
var prefix = []byte("q:")

func storeKey(key string) []byte {
	k := make([]byte, 0, len(prefix)+len(key))
	k = append(k, prefix...)
	return append(k, key...)
}

// BadgerStore keeps query results in badger so a restarted process serves warm data
// until the first invalidation
type BadgerStore struct {
	db *badger.DB
}

// OpenBadgerStore opens a store under dir. An empty dir keeps everything in memory.
func OpenBadgerStore(dir string) (*BadgerStore, error) {
	options := badger.DefaultOptions(dir)
	if dir == "" {
		options = options.WithInMemory(true)
	}
	options = options.WithLoggingLevel(badger.WARNING)
	options = options.WithSyncWrites(false)

	db, err := badger.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to open query store: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

// Get returns the stored value for key
func (s *BadgerStore) Get(key string) ([]byte, error) {
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(storeKey(key))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("failed to read query result: %w", err)
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

// Put stores value under key. A positive ttl lets badger expire the entry.
func (s *BadgerStore) Put(key string, value []byte, ttl time.Duration) error {
	return s.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry(storeKey(key), value)
		if ttl > 0 {
			e = e.WithTTL(ttl)
		}
		return txn.SetEntry(e)
	})
}

// Delete removes key; deleting a missing key is not an error
func (s *BadgerStore) Delete(key string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(storeKey(key))
	})
}

// Close closes the database
func (s *BadgerStore) Close() error {
	return s.db.Close()
}
