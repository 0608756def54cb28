package histstore

import (
	"errors"
	"log/slog"

	"github.com/quillmail/histstore/cas"
	"github.com/quillmail/histstore/index"
)

// Option configures a Store.
type Option func(*Store) error

// WithLogger sets the logger for store operations. Defaults to a
// discard logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) error {
		s.logger = logger
		return nil
	}
}

// WithClock sets the time source used for last-accessed timestamps.
func WithClock(clock Clock) Option {
	return func(s *Store) error {
		if clock == nil {
			return errors.New("histstore: clock is nil")
		}
		s.clock = clock
		return nil
	}
}

// WithMaxEntries bounds retention: after each insert, the least
// recently accessed records are evicted until at most n remain. Values
// <= 0 disable eviction (the default).
func WithMaxEntries(n int) Option {
	return func(s *Store) error {
		s.maxEntries = n
		return nil
	}
}

// WithRefCountedDedup selects the legacy dedup policy: every ingest
// inserts a new history record, and the ledger refcount tracks how many
// records share each blob. The default policy keeps exactly one record
// per unique payload and treats re-ingestion as an access bump.
func WithRefCountedDedup() Option {
	return func(s *Store) error {
		s.refCounted = true
		return nil
	}
}

// WithBackend supplies the metadata backend. The caller retains
// ownership and must close it after the store. By default the store
// opens a SQLite database under its base directory and closes it
// itself.
func WithBackend(backend index.Backend) Option {
	return func(s *Store) error {
		if backend == nil {
			return errors.New("histstore: backend is nil")
		}
		s.backend = backend
		return nil
	}
}

// WithCompression selects the payload store's on-disk encoding. A
// directory must always be reopened with the encoding it was written
// with.
func WithCompression(c Compression) Option {
	return func(s *Store) error {
		s.casOpts = append(s.casOpts, cas.WithCompression(c))
		return nil
	}
}

// WithVerifyOnOpen re-hashes payload content when it is opened and
// fails reads with ErrHashMismatch on corruption.
func WithVerifyOnOpen(enabled bool) Option {
	return func(s *Store) error {
		s.casOpts = append(s.casOpts, cas.WithVerifyOnOpen(enabled))
		return nil
	}
}

// WithShardPrefixLen sets the number of hex characters used to shard
// the payload directory. Use 0 to disable sharding. Defaults to 2.
func WithShardPrefixLen(n int) Option {
	return func(s *Store) error {
		s.casOpts = append(s.casOpts, cas.WithShardPrefixLen(n))
		return nil
	}
}
