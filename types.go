package histstore

import (
	"github.com/quillmail/histstore/cas"
	"github.com/quillmail/histstore/index"
)

// --- Re-exports from index ---

type (
	// HistoryRecord is one user-facing history entry.
	HistoryRecord = index.HistoryRecord

	// BlobRecord is one ledger row tracking a stored payload.
	BlobRecord = index.BlobRecord

	// EmailMetadata is the parsed projection of an email payload; the
	// zero value is the defined default when no metadata is available.
	EmailMetadata = index.EmailMetadata

	// Filter narrows a query; set conditions compose by AND.
	Filter = index.Filter

	// Query combines search, filter, and sort.
	Query = index.Query

	// Sort pairs a sort field with a direction.
	Sort = index.Sort

	// SortField selects the record attribute used for ordering.
	SortField = index.SortField

	// SortDirection selects ascending or descending order.
	SortDirection = index.SortDirection
)

// Sort fields.
const (
	SortByDate    = index.SortByDate
	SortBySubject = index.SortBySubject
	SortBySender  = index.SortBySender
)

// Sort directions.
const (
	Ascending  = index.Ascending
	Descending = index.Descending
)

// --- Re-exports from cas ---

// Compression identifies the on-disk payload encoding.
type Compression = cas.Compression

const (
	CompressionNone = cas.CompressionNone
	CompressionZstd = cas.CompressionZstd
)

// CacheStats summarizes store contents. TotalSizeBytes sums the sizes
// of distinct stored payloads: a blob shared by several records counts
// once.
type CacheStats struct {
	EntryCount     int
	TotalSizeBytes int64
}
