package histstore

import (
	"context"

	"github.com/quillmail/histstore/index"
)

// Search returns records whose subject, sender email, sender name,
// recipient emails, recipient names, or body preview contains query as
// a case-insensitive substring. An empty or blank query matches every
// record. Results are ordered most recent first (effective date
// descending, ties by ID descending).
func (s *Store) Search(ctx context.Context, query string) ([]HistoryRecord, error) {
	return s.backend.Records(ctx, Query{Search: query})
}

// SortBy returns all records ordered by the given field and direction,
// with ties broken by ID ascending for reproducible orderings.
func (s *Store) SortBy(ctx context.Context, field SortField, direction SortDirection) ([]HistoryRecord, error) {
	return s.backend.Records(ctx, Query{Sort: &index.Sort{Field: field, Direction: direction}})
}

// Filter returns the records satisfying every set condition of f,
// ordered most recent first.
func (s *Store) Filter(ctx context.Context, f Filter) ([]HistoryRecord, error) {
	return s.backend.Records(ctx, Query{Filter: f})
}

// Query runs a combined search/filter/sort query. All set parts compose
// by logical AND.
func (s *Store) Query(ctx context.Context, q Query) ([]HistoryRecord, error) {
	return s.backend.Records(ctx, q)
}
