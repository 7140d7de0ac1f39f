// Package store defines the persistence contract the rest of the system is
// written against. The core only needs get/put/list and a compare-and-swap
// primitive over named collections; anything that can provide those (an
// embedded Badger database, an in-memory map for tests, a shared document
// store) can back a server.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Collection names the keyspaces the server uses.
type Collection string

const (
	CollectionUsers           Collection = "users"
	CollectionGroups          Collection = "groups"
	CollectionGroupMembers    Collection = "group_members"
	CollectionChannels        Collection = "channels"
	CollectionMessages        Collection = "messages"
	CollectionDeviceKeys      Collection = "device_keys"
	CollectionIdempotencyKeys Collection = "idempotency_keys"
)

var (
	ErrNotFound = errors.New("key not found")

	// ErrConflict is returned by CompareAndSwap when the stored value does
	// not match the expected value, including when expected is nil and the
	// key already exists. The exclusivity guarantee of the idempotent write
	// path rests on this error being raised atomically at the storage
	// boundary, not on an in-process lock.
	ErrConflict = errors.New("compare-and-swap conflict")
)

// Store is the injected persistence collaborator.
type Store interface {
	// Get returns the value stored under (collection, key) or ErrNotFound.
	Get(ctx context.Context, col Collection, key string) ([]byte, error)

	// Put unconditionally writes the value under (collection, key).
	Put(ctx context.Context, col Collection, key string, value []byte) error

	// Delete removes the key. Deleting an absent key is not an error.
	Delete(ctx context.Context, col Collection, key string) error

	// CompareAndSwap writes value iff the current stored value equals
	// expected. A nil expected requires the key to be absent, which gives
	// the unique-insert semantic used for idempotency reservations.
	// Returns ErrConflict on mismatch.
	CompareAndSwap(ctx context.Context, col Collection, key string, expected, value []byte) error

	// List returns key/value pairs whose keys start with prefix, in
	// ascending key order.
	List(ctx context.Context, col Collection, prefix string) ([]Entry, error)

	// Scan returns up to limit prefixed entries in key order, descending
	// when reverse is set. A non-empty after bounds the scan strictly: only
	// keys after it (before it, when reverse) are returned. limit <= 0
	// means unbounded. This is the pagination primitive; implementations
	// seek rather than read the whole prefix.
	Scan(ctx context.Context, col Collection, prefix, after string, limit int, reverse bool) ([]Entry, error)
}

// Entry is one result of a List call.
type Entry struct {
	Key   string
	Value []byte
}

// GetJSON reads and unmarshals a stored JSON document.
func GetJSON(ctx context.Context, s Store, col Collection, key string, v interface{}) error {
	data, err := s.Get(ctx, col, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode %s/%s: %w", col, key, err)
	}
	return nil
}

// PutJSON marshals and stores a JSON document.
func PutJSON(ctx context.Context, s Store, col Collection, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s/%s: %w", col, key, err)
	}
	return s.Put(ctx, col, key, data)
}
