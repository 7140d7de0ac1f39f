package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

// BadgerStore is a Store backed by an embedded Badger database. Collections
// are mapped onto the flat keyspace with a "{collection}/" prefix.
// CompareAndSwap relies on Badger's serializable transactions: two racing
// swaps on the same key cannot both commit.
type BadgerStore struct {
	db     *badger.DB
	logger *zap.Logger
}

// OpenBadger opens (or creates) a Badger database at dir.
func OpenBadger(dir string, logger *zap.Logger) (*BadgerStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := badger.DefaultOptions(dir).
		WithLogger(nil).
		WithCompactL0OnClose(true)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger at %s: %w", dir, err)
	}

	return &BadgerStore{db: db, logger: logger}, nil
}

func (b *BadgerStore) Close() error {
	return b.db.Close()
}

// RunGC runs one round of value-log garbage collection. Safe to call
// periodically from a background loop; returns badger.ErrNoRewrite when
// there was nothing to collect.
func (b *BadgerStore) RunGC() error {
	return b.db.RunValueLogGC(0.5)
}

func storageKey(col Collection, key string) []byte {
	return []byte(string(col) + "/" + key)
}

func (b *BadgerStore) Get(_ context.Context, col Collection, key string) ([]byte, error) {
	var value []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(storageKey(col, key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("badger get %s/%s: %w", col, key, err)
	}
	return value, nil
}

func (b *BadgerStore) Put(_ context.Context, col Collection, key string, value []byte) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(storageKey(col, key), value)
	})
	if err != nil {
		return fmt.Errorf("badger put %s/%s: %w", col, key, err)
	}
	return nil
}

func (b *BadgerStore) Delete(_ context.Context, col Collection, key string) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(storageKey(col, key))
	})
	if err != nil {
		return fmt.Errorf("badger delete %s/%s: %w", col, key, err)
	}
	return nil
}

func (b *BadgerStore) CompareAndSwap(_ context.Context, col Collection, key string, expected, value []byte) error {
	sk := storageKey(col, key)
	err := b.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(sk)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
			if expected != nil {
				return ErrConflict
			}
		case err != nil:
			return err
		default:
			if expected == nil {
				return ErrConflict
			}
			current, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if !bytes.Equal(current, expected) {
				return ErrConflict
			}
		}
		return txn.Set(sk, value)
	})
	// A racing writer that committed first surfaces as a transaction
	// conflict; report it the same way as a value mismatch.
	if errors.Is(err, badger.ErrConflict) {
		return ErrConflict
	}
	if errors.Is(err, ErrConflict) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("badger cas %s/%s: %w", col, key, err)
	}
	return nil
}

func (b *BadgerStore) List(_ context.Context, col Collection, prefix string) ([]Entry, error) {
	fullPrefix := storageKey(col, prefix)
	strip := len(string(col)) + 1

	var entries []Entry
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = fullPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.ValidForPrefix(fullPrefix); it.Next() {
			item := it.Item()
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			entries = append(entries, Entry{
				Key:   string(item.Key())[strip:],
				Value: value,
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("badger list %s/%s*: %w", col, prefix, err)
	}
	return entries, nil
}

// Scan seeks to the page boundary and reads at most limit entries, so page
// cost is bounded by the page size rather than the prefix size.
func (b *BadgerStore) Scan(_ context.Context, col Collection, prefix, after string, limit int, reverse bool) ([]Entry, error) {
	fullPrefix := storageKey(col, prefix)
	strip := len(string(col)) + 1

	var entries []Entry
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = fullPrefix
		opts.Reverse = reverse
		it := txn.NewIterator(opts)
		defer it.Close()

		// Forward scans start just past the bound; reverse scans seek to
		// the bound (or past the whole prefix) and skip it if landed on.
		var seek []byte
		switch {
		case reverse && after != "":
			seek = storageKey(col, after)
		case reverse:
			seek = append(append([]byte(nil), fullPrefix...), 0xFF)
		case after != "":
			seek = append(storageKey(col, after), 0x00)
		default:
			seek = fullPrefix
		}

		for it.Seek(seek); it.ValidForPrefix(fullPrefix); it.Next() {
			item := it.Item()
			key := string(item.Key())[strip:]
			if after != "" && key == after {
				continue
			}
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			entries = append(entries, Entry{Key: key, Value: value})
			if limit > 0 && len(entries) >= limit {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("badger scan %s/%s*: %w", col, prefix, err)
	}
	return entries, nil
}
