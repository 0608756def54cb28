package histstore

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"github.com/quillmail/histstore/cas"
	"github.com/quillmail/histstore/index"
	"github.com/quillmail/histstore/index/sqlite"
)

const (
	defaultDisplayName = "Untitled"
	maxBodyPreview     = 500 // characters
)

// Store is the history store orchestrator. One Store instance owns its
// base directory exclusively: the cas/ payload tree and the metadata
// backend must not be touched by another writer.
//
// All mutations are serialized through a single mutex. Queries read the
// committed state of the backend and never observe a partially applied
// mutation.
type Store struct {
	cas     *cas.Store
	backend index.Backend
	clock   Clock
	logger  *slog.Logger

	maxEntries  int
	refCounted  bool
	ownsBackend bool
	casOpts     []cas.Option

	mu     sync.Mutex // serializes all mutations
	closed bool

	snapMu  sync.RWMutex
	snap    []HistoryRecord
	subs    map[uint64]chan []HistoryRecord
	nextSub uint64
}

// New creates a store rooted at dir. Payloads live under dir/cas and,
// unless [WithBackend] overrides it, record metadata in dir/history.db.
func New(dir string, opts ...Option) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("histstore: dir is empty")
	}
	s := &Store{
		clock: realClock{},
		subs:  make(map[uint64]chan []HistoryRecord),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	cs, err := cas.New(filepath.Join(dir, "cas"), s.casOpts...)
	if err != nil {
		return nil, fmt.Errorf("histstore: opening payload store: %w", err)
	}
	s.cas = cs

	if s.backend == nil {
		backend, err := sqlite.Open(filepath.Join(dir, "history.db"))
		if err != nil {
			return nil, fmt.Errorf("histstore: opening index: %w", err)
		}
		s.backend = backend
		s.ownsBackend = true
	}

	// Materialize the initial snapshot so Snapshot and new subscribers
	// see pre-existing records before the first mutation.
	records, err := s.backend.Records(context.Background(), Query{})
	if err != nil {
		if s.ownsBackend {
			_ = s.backend.Close()
		}
		return nil, fmt.Errorf("histstore: loading snapshot: %w", err)
	}
	s.snap = records
	return s, nil
}

// Close releases the store. Subscriptions are closed; a backend opened
// by the store itself is closed too.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	s.snapMu.Lock()
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
	s.snapMu.Unlock()

	if s.ownsBackend {
		return s.backend.Close()
	}
	return nil
}

// Ingest stores content and returns its history record. The payload is
// written to disk before any index state referencing it is committed.
//
// Identical bytes deduplicate: under the default policy the existing
// record is returned with a refreshed last-accessed time and unchanged
// identity; under the ref-counted policy a new record is inserted and
// the blob's refcount grows. A blank displayName falls back to
// "Untitled". A nil meta means all metadata fields default to
// empty/zero/false.
func (s *Store) Ingest(ctx context.Context, content []byte, displayName, sourceRef string, meta *EmailMetadata) (HistoryRecord, error) {
	if len(content) == 0 {
		return HistoryRecord{}, ErrEmptyContent
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return HistoryRecord{}, ErrClosed
	}

	hash := cas.Sum(content)
	now := s.clock.Now().UnixMilli()

	_, known, err := s.backend.LookupBlob(ctx, hash)
	if err != nil {
		return HistoryRecord{}, err
	}

	if known && !s.refCounted {
		existing, found, err := s.backend.FindByBlobHash(ctx, hash)
		if err != nil {
			return HistoryRecord{}, err
		}
		if found {
			if err := s.backend.UpdateLastAccessed(ctx, existing.ID, now); err != nil {
				return HistoryRecord{}, err
			}
			existing.LastAccessed = now
			s.log().DebugContext(ctx, "ingest deduplicated", "hash", hash, "id", existing.ID)
			s.publish(ctx)
			return existing, nil
		}
		// Ledger row without a record only occurs on data produced by
		// the ref-counted policy; fall through and attach a record.
	}

	var wroteBlob bool
	if known {
		if err := s.backend.AddBlobRef(ctx, hash); err != nil {
			return HistoryRecord{}, err
		}
	} else {
		// Write-before-register: the payload file must be durable
		// before the ledger row that makes it visible exists.
		if _, err := s.cas.Write(content); err != nil {
			return HistoryRecord{}, fmt.Errorf("histstore: writing payload: %w", err)
		}
		wroteBlob = true
		if err := s.backend.CreateBlob(ctx, hash, int64(len(content))); err != nil {
			s.discardBlob(hash)
			return HistoryRecord{}, err
		}
	}

	rec := s.newRecord(hash, displayName, sourceRef, now, meta)
	id, err := s.backend.Insert(ctx, rec)
	if err != nil {
		if remaining, relErr := s.backend.ReleaseBlobRef(ctx, hash); relErr == nil && remaining == 0 && wroteBlob {
			s.discardBlob(hash)
		}
		return HistoryRecord{}, err
	}
	rec.ID = id

	if err := s.evict(ctx); err != nil {
		return HistoryRecord{}, err
	}

	s.log().DebugContext(ctx, "ingested payload",
		"hash", hash, "id", rec.ID, "size", len(content), "dedup", known)
	s.publish(ctx)

	// The new record may itself have been evicted when the retention
	// bound is smaller than the insert rate; report what remains.
	if s.maxEntries > 0 {
		if current, ok, err := s.backend.GetByID(ctx, rec.ID); err == nil && ok {
			return current, nil
		}
	}
	return rec, nil
}

// Access bumps the record's last-accessed time and returns the updated
// record. An unknown ID reports ok == false, not an error.
func (s *Store) Access(ctx context.Context, id uint64) (HistoryRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return HistoryRecord{}, false, ErrClosed
	}

	rec, ok, err := s.backend.GetByID(ctx, id)
	if err != nil || !ok {
		return HistoryRecord{}, false, err
	}
	now := s.clock.Now().UnixMilli()
	if err := s.backend.UpdateLastAccessed(ctx, id, now); err != nil {
		return HistoryRecord{}, false, err
	}
	rec.LastAccessed = now
	s.publish(ctx)
	return rec, true, nil
}

// Delete removes the record and drops its blob reference; the payload
// file is deleted when no record references it anymore. Deleting an
// absent ID is a no-op.
func (s *Store) Delete(ctx context.Context, id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	rec, ok, err := s.backend.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if err := s.deleteLocked(ctx, rec); err != nil {
		return err
	}
	s.publish(ctx)
	return nil
}

// ClearAll removes every record, every ledger row, and every payload
// file.
func (s *Store) ClearAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	if err := s.backend.DeleteAll(ctx); err != nil {
		return err
	}
	if err := s.cas.Clear(); err != nil {
		return fmt.Errorf("histstore: clearing payload store: %w", err)
	}
	s.publish(ctx)
	return nil
}

// Stats returns the record count and the total size of distinct stored
// payloads. Deduplicated blobs count once regardless of how many
// records share them.
func (s *Store) Stats(ctx context.Context) (CacheStats, error) {
	count, err := s.backend.Count(ctx)
	if err != nil {
		return CacheStats{}, err
	}
	size, err := s.backend.TotalBlobSize(ctx)
	if err != nil {
		return CacheStats{}, err
	}
	return CacheStats{EntryCount: count, TotalSizeBytes: size}, nil
}

// Open returns a reader over the stored payload with the given hash, or
// ok == false when no such payload is stored. The caller must close the
// reader.
func (s *Store) Open(hash string) (io.ReadCloser, bool) {
	return s.cas.Open(hash)
}

// deleteLocked removes a record and releases its blob reference. The
// ledger row and the payload file go together: the row disappears when
// the refcount reaches zero, and the file is removed in the same
// mutation.
func (s *Store) deleteLocked(ctx context.Context, rec HistoryRecord) error {
	deleted, err := s.backend.DeleteByID(ctx, rec.ID)
	if err != nil {
		return err
	}
	if !deleted {
		return nil
	}
	remaining, err := s.backend.ReleaseBlobRef(ctx, rec.BlobHash)
	if err != nil {
		return err
	}
	refs, err := s.backend.CountByBlobHash(ctx, rec.BlobHash)
	if err == nil && refs != remaining {
		panic(fmt.Sprintf("histstore: ledger drift for blob %s: refcount %d, %d records reference it",
			rec.BlobHash, remaining, refs))
	}
	if remaining == 0 {
		if err := s.cas.Delete(rec.BlobHash); err != nil {
			return fmt.Errorf("histstore: deleting payload %s: %w", rec.BlobHash, err)
		}
	}
	return nil
}

// evict removes least-recently-accessed records until the retention
// bound holds. Never removes more than necessary, and never a record
// more recently accessed than one left behind.
func (s *Store) evict(ctx context.Context) error {
	if s.maxEntries <= 0 {
		return nil
	}
	for {
		count, err := s.backend.Count(ctx)
		if err != nil {
			return err
		}
		if count <= s.maxEntries {
			return nil
		}
		oldest, ok, err := s.backend.OldestByLastAccessed(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := s.deleteLocked(ctx, oldest); err != nil {
			return err
		}
		s.log().DebugContext(ctx, "evicted record",
			"id", oldest.ID, "hash", oldest.BlobHash, "last_accessed", oldest.LastAccessed)
	}
}

// discardBlob removes a payload file written by a failed ingest so no
// orphan outlives the mutation. Best effort: an orphan without a ledger
// row is unreachable and harmless.
func (s *Store) discardBlob(hash string) {
	if err := s.cas.Delete(hash); err != nil {
		s.log().Warn("discarding orphaned payload failed", "hash", hash, "error", err)
	}
}

func (s *Store) newRecord(hash, displayName, sourceRef string, now int64, meta *EmailMetadata) HistoryRecord {
	if strings.TrimSpace(displayName) == "" {
		displayName = defaultDisplayName
	}
	var m EmailMetadata
	if meta != nil {
		m = *meta
	}
	return HistoryRecord{
		BlobHash:        hash,
		DisplayName:     displayName,
		SourceRef:       sourceRef,
		LastAccessed:    now,
		Subject:         m.Subject,
		SenderEmail:     m.SenderEmail,
		SenderName:      m.SenderName,
		RecipientEmails: m.RecipientEmails,
		RecipientNames:  m.RecipientNames,
		EmailDate:       m.EmailDate,
		HasAttachments:  m.HasAttachments,
		BodyPreview:     truncate(m.BodyPreview, maxBodyPreview),
	}
}

func (s *Store) log() *slog.Logger {
	if s.logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return s.logger
}

func truncate(s string, max int) string {
	if max <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
