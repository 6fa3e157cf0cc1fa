// Package badger stores engine state in an embedded Badger database.
package badger

import (
	"context"
	"errors"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/goodtune/sitebudget/internal/config"
	"github.com/goodtune/sitebudget/internal/storage"
)

// Store implements storage.Store on Badger.
type Store struct {
	db *badger.DB
}

var _ storage.Store = (*Store)(nil)

// Open opens or creates the database described by cfg.
func Open(cfg config.BadgerConfig) (*Store, error) {
	var opts badger.Options

	if cfg.InMemory || cfg.Path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := storage.EnsureDir(cfg.Path); err != nil {
			return nil, fmt.Errorf("create badger dir: %w", err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}

	// Reduce logging noise
	opts = opts.WithLoggingLevel(badger.ERROR)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &Store{db: db}, nil
}

// Get reads keys in one read transaction.
func (s *Store) Get(_ context.Context, keys ...string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	err := s.db.View(func(txn *badger.Txn) error {
		for _, k := range keys {
			item, err := txn.Get([]byte(k))
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return fmt.Errorf("get %s: %w", k, err)
			}
			val, err := item.ValueCopy(nil)
			if err != nil {
				return fmt.Errorf("read %s: %w", k, err)
			}
			out[k] = val
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Set writes all values in one update transaction.
func (s *Store) Set(_ context.Context, values map[string][]byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		for k, v := range values {
			if err := txn.Set([]byte(k), v); err != nil {
				return fmt.Errorf("set %s: %w", k, err)
			}
		}
		return nil
	})
}

// Delete removes keys.
func (s *Store) Delete(_ context.Context, keys ...string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		for _, k := range keys {
			if err := txn.Delete([]byte(k)); err != nil {
				return fmt.Errorf("delete %s: %w", k, err)
			}
		}
		return nil
	})
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
