package histstore

import (
	"errors"

	"github.com/quillmail/histstore/cas"
	"github.com/quillmail/histstore/index"
)

// Sentinel errors.
var (
	// ErrClosed is returned by mutations on a closed store.
	ErrClosed = errors.New("histstore: store is closed")

	// ErrEmptyContent is returned when Ingest is called with no bytes.
	ErrEmptyContent = errors.New("histstore: empty content")
)

// Errors re-exported from subpackages.
var (
	// ErrHashMismatch is returned when a stored payload no longer
	// matches its content hash (only with verification enabled).
	ErrHashMismatch = cas.ErrHashMismatch

	// ErrNotFound is returned when an operation references an unknown
	// record where absence is not an accepted outcome.
	ErrNotFound = index.ErrNotFound
)
