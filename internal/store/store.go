// Package store persists transfer records so the key registry can be rebuilt
// after a restart. Two backends are provided: Postgres for shared deployments
// and an embedded bbolt file for single-box installs.
package store

import (
	"context"
	"errors"
	"time"

	"file-relay/internal/keys"
)

var (
	// ErrNotFound is returned by Find and Delete when no record has the key.
	ErrNotFound = errors.New("record not found")
	// ErrUnavailable wraps any failure to reach the backing store.
	ErrUnavailable = errors.New("metadata store unavailable")
	// ErrDuplicate is returned by Insert when the key already has a record.
	ErrDuplicate = errors.New("record already exists")
)

// Record is the persisted form of one transfer.
type Record struct {
	Key       keys.Key
	CreatedAt time.Time
	FilePath  string
}

// Expired reports whether the record has lived at least ttl as of now.
func (r Record) Expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(r.CreatedAt) >= ttl
}

// Store is the metadata store used by the upload/download pipelines and the
// expiry scheduler.
type Store interface {
	// Ping checks that the store can be reached.
	Ping(ctx context.Context) error
	// Insert persists a new record.
	Insert(ctx context.Context, rec Record) error
	// Find returns the record for key or ErrNotFound.
	Find(ctx context.Context, key keys.Key) (Record, error)
	// Delete removes the record for key or returns ErrNotFound.
	Delete(ctx context.Context, key keys.Key) error
	// Scan streams every record to fn without loading the whole table.
	// Returning an error from fn stops the scan with that error.
	Scan(ctx context.Context, fn func(Record) error) error
	// Close releases the underlying connection or file.
	Close() error
}
