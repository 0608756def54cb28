package index

import "strings"

// HistoryRecord is one user-facing history entry. Each record references
// exactly one stored payload by content hash; under the default dedup
// policy at most one record exists per hash.
type HistoryRecord struct {
	// ID is the unique, monotonically assigned record identifier. It is
	// stable for the lifetime of the record and never reused.
	ID uint64

	// BlobHash is the hex SHA-256 of the payload this record references.
	BlobHash string

	// DisplayName is the caller-supplied name shown in lists. Never
	// empty in storage; blank names are replaced with "Untitled" at
	// ingest time.
	DisplayName string

	// SourceRef records where the payload came from (a URI, a file
	// path). Empty when unknown.
	SourceRef string

	// LastAccessed is the wall-clock time of the most recent ingest or
	// access, in milliseconds since the Unix epoch.
	LastAccessed int64

	// Parsed email metadata. All fields default to empty/zero/false
	// when no metadata was supplied at ingest.
	Subject         string
	SenderEmail     string
	SenderName      string
	RecipientEmails string // comma-joined
	RecipientNames  string // comma-joined
	EmailDate       int64  // milliseconds; 0 means unparseable/unknown
	HasAttachments  bool
	BodyPreview     string
}

// EffectiveDate returns the record's email date when known, falling back
// to the last-accessed time. 0 never denotes a real epoch-start date.
func (r HistoryRecord) EffectiveDate() int64 {
	if r.EmailDate > 0 {
		return r.EmailDate
	}
	return r.LastAccessed
}

// DisplaySender returns the sender name when present, else the sender
// email address.
func (r HistoryRecord) DisplaySender() string {
	if r.SenderName != "" {
		return r.SenderName
	}
	return r.SenderEmail
}

// BlobRecord tracks one stored payload in the ledger. RefCount is the
// exact number of history records currently referencing Hash; a ledger
// row with RefCount == 0 never exists.
type BlobRecord struct {
	Hash      string
	SizeBytes int64
	RefCount  int
}

// EmailMetadata is the already-parsed projection of an email payload,
// produced by an external parser. The zero value (all fields empty,
// zero, false) is the defined default when no metadata is available.
type EmailMetadata struct {
	Subject         string
	SenderEmail     string
	SenderName      string
	RecipientEmails string
	RecipientNames  string
	EmailDate       int64
	HasAttachments  bool
	BodyPreview     string
}

// SortField selects the record attribute used for explicit ordering.
type SortField uint8

const (
	// SortByDate orders by effective date (email date, falling back to
	// last-accessed).
	SortByDate SortField = iota

	// SortBySubject orders case-insensitively by subject.
	SortBySubject

	// SortBySender orders case-insensitively by display sender.
	SortBySender
)

func (f SortField) String() string {
	switch f {
	case SortByDate:
		return "date"
	case SortBySubject:
		return "subject"
	case SortBySender:
		return "sender"
	default:
		return "unknown"
	}
}

// SortDirection selects ascending or descending order.
type SortDirection uint8

const (
	Ascending SortDirection = iota
	Descending
)

func (d SortDirection) String() string {
	if d == Descending {
		return "descending"
	}
	return "ascending"
}

// Sort pairs a field with a direction. Explicit sorts break ties by ID
// ascending so repeated calls over identical data return identical
// orderings.
type Sort struct {
	Field     SortField
	Direction SortDirection
}

// Filter narrows a query. Zero-valued filter conditions are ignored;
// set conditions compose by logical AND.
type Filter struct {
	// HasAttachments, when non-nil, requires the record's attachment
	// flag to equal the pointed-to value.
	HasAttachments *bool

	// DateFrom and DateTo, when non-nil, bound the record's effective
	// date inclusively (milliseconds since the Unix epoch).
	DateFrom *int64
	DateTo   *int64

	// SenderContains, when non-empty, requires the sender email or
	// sender name to contain the substring, case-insensitively.
	SenderContains string
}

// Query combines search, filter, and sort. All set parts compose by
// logical AND. When Sort is nil, results are ordered by effective date
// descending with ties broken by ID descending (most recent first).
type Query struct {
	// Search is a case-insensitive substring matched against subject,
	// sender email, sender name, recipient emails, recipient names,
	// and body preview (OR semantics). Empty or blank matches all.
	Search string

	Filter Filter

	Sort *Sort
}

// matchSearch reports whether the record matches the search string under
// the query's OR-across-fields substring semantics.
func matchSearch(r HistoryRecord, search string) bool {
	search = strings.TrimSpace(search)
	if search == "" {
		return true
	}
	needle := strings.ToLower(search)
	for _, field := range []string{
		r.Subject,
		r.SenderEmail,
		r.SenderName,
		r.RecipientEmails,
		r.RecipientNames,
		r.BodyPreview,
	} {
		if strings.Contains(strings.ToLower(field), needle) {
			return true
		}
	}
	return false
}

// matchFilter reports whether the record satisfies every set condition.
func matchFilter(r HistoryRecord, f Filter) bool {
	if f.HasAttachments != nil && r.HasAttachments != *f.HasAttachments {
		return false
	}
	if f.DateFrom != nil && r.EffectiveDate() < *f.DateFrom {
		return false
	}
	if f.DateTo != nil && r.EffectiveDate() > *f.DateTo {
		return false
	}
	if f.SenderContains != "" {
		needle := strings.ToLower(f.SenderContains)
		if !strings.Contains(strings.ToLower(r.SenderEmail), needle) &&
			!strings.Contains(strings.ToLower(r.SenderName), needle) {
			return false
		}
	}
	return true
}

// less orders two records for the given sort, or for the default
// most-recent-first ordering when sort is nil.
func less(a, b HistoryRecord, sort *Sort) bool {
	if sort == nil {
		if a.EffectiveDate() != b.EffectiveDate() {
			return a.EffectiveDate() > b.EffectiveDate()
		}
		return a.ID > b.ID
	}

	var cmp int
	switch sort.Field {
	case SortBySubject:
		cmp = strings.Compare(strings.ToLower(a.Subject), strings.ToLower(b.Subject))
	case SortBySender:
		cmp = strings.Compare(strings.ToLower(a.DisplaySender()), strings.ToLower(b.DisplaySender()))
	default:
		switch {
		case a.EffectiveDate() < b.EffectiveDate():
			cmp = -1
		case a.EffectiveDate() > b.EffectiveDate():
			cmp = 1
		}
	}
	if sort.Direction == Descending {
		cmp = -cmp
	}
	if cmp != 0 {
		return cmp < 0
	}
	return a.ID < b.ID
}
