// Package index stores history record metadata and the blob ledger
// behind a single Backend interface.
//
// Two implementations are provided: a durable SQLite backend in the
// sqlite subpackage and an in-memory backend (NewMemory) for tests and
// callers that do not need persistence. Record and ledger state live in
// the same backend so a record mutation and its refcount update commit
// together.
package index

import (
	"context"
	"errors"
)

// ErrNotFound is returned by mutating operations that reference an
// unknown record where absence is not an accepted outcome.
var ErrNotFound = errors.New("index: record not found")

// Backend is the metadata persistence contract. Implementations must
// guarantee that a read immediately following a committed write
// observes that write, and must be safe for concurrent use.
//
// Refcount bookkeeping is strict: ReleaseBlobRef on an unknown hash or
// a zero refcount indicates a ledger bug and panics rather than
// clamping.
type Backend interface {
	// Insert stores a new record and returns its assigned ID. The
	// record's ID field is ignored on input. IDs are unique and
	// monotonic; they are never reused, even after DeleteAll.
	Insert(ctx context.Context, rec HistoryRecord) (uint64, error)

	// GetByID returns the record with the given ID, or ok == false
	// when no such record exists.
	GetByID(ctx context.Context, id uint64) (HistoryRecord, bool, error)

	// FindByBlobHash returns a record referencing the given blob hash,
	// or ok == false when none exists. When multiple records share the
	// hash (ref-counted dedup), the lowest ID wins.
	FindByBlobHash(ctx context.Context, hash string) (HistoryRecord, bool, error)

	// UpdateLastAccessed sets the record's last-accessed timestamp.
	// Returns ErrNotFound for an unknown ID.
	UpdateLastAccessed(ctx context.Context, id uint64, ts int64) error

	// DeleteByID removes the record. Reports whether a record existed;
	// deleting an absent ID is not an error.
	DeleteByID(ctx context.Context, id uint64) (bool, error)

	// DeleteAll removes every record and every ledger row.
	DeleteAll(ctx context.Context) error

	// Count returns the number of history records.
	Count(ctx context.Context) (int, error)

	// CountByBlobHash returns the number of records referencing hash.
	CountByBlobHash(ctx context.Context, hash string) (int, error)

	// OldestByLastAccessed returns the least-recently-accessed record,
	// or ok == false when the index is empty. Ties break by ID
	// ascending so eviction order is deterministic.
	OldestByLastAccessed(ctx context.Context) (HistoryRecord, bool, error)

	// Records returns the records matching q, ordered per q.Sort (or
	// the default most-recent-first ordering when q.Sort is nil).
	// Case-insensitive matching is only guaranteed for ASCII: the
	// SQLite backend folds case with LOWER(), which leaves non-ASCII
	// runes untouched.
	Records(ctx context.Context, q Query) ([]HistoryRecord, error)

	// LookupBlob returns the ledger row for hash, or ok == false when
	// the blob is unknown.
	LookupBlob(ctx context.Context, hash string) (BlobRecord, bool, error)

	// CreateBlob inserts a ledger row with RefCount == 1. The payload
	// bytes must already be durably stored when this is called.
	CreateBlob(ctx context.Context, hash string, sizeBytes int64) error

	// AddBlobRef increments the refcount of an existing ledger row.
	// Panics if the blob is unknown.
	AddBlobRef(ctx context.Context, hash string) error

	// ReleaseBlobRef decrements the refcount and returns the remaining
	// count. When the count reaches zero the ledger row is deleted in
	// the same operation; the caller then removes the backing file.
	// Panics on an unknown hash or a zero refcount.
	ReleaseBlobRef(ctx context.Context, hash string) (int, error)

	// TotalBlobSize returns the summed size of all ledger rows: the
	// bytes of distinct stored payloads, counting deduplicated blobs
	// once.
	TotalBlobSize(ctx context.Context) (int64, error)

	// Close releases backend resources.
	Close() error
}
