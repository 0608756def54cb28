package index

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryInsertAndGet(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory()

	id, err := m.Insert(ctx, HistoryRecord{BlobHash: "aa", DisplayName: "first", LastAccessed: 10})
	require.NoError(t, err)
	require.Equal(t, uint64(1), id)

	rec, ok, err := m.GetByID(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "first", rec.DisplayName)
	assert.Equal(t, "aa", rec.BlobHash)

	_, ok, err = m.GetByID(ctx, 999)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryIDsMonotonicAcrossDeleteAll(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory()

	first, err := m.Insert(ctx, HistoryRecord{BlobHash: "aa"})
	require.NoError(t, err)
	require.NoError(t, m.DeleteAll(ctx))

	second, err := m.Insert(ctx, HistoryRecord{BlobHash: "bb"})
	require.NoError(t, err)
	assert.Greater(t, second, first, "IDs must never be reused")
}

func TestMemoryUpdateLastAccessed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory()

	id, err := m.Insert(ctx, HistoryRecord{BlobHash: "aa", LastAccessed: 10})
	require.NoError(t, err)

	require.NoError(t, m.UpdateLastAccessed(ctx, id, 42))
	rec, ok, err := m.GetByID(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(42), rec.LastAccessed)

	assert.ErrorIs(t, m.UpdateLastAccessed(ctx, 999, 42), ErrNotFound)
}

func TestMemoryDeleteByID(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory()

	id, err := m.Insert(ctx, HistoryRecord{BlobHash: "aa"})
	require.NoError(t, err)

	deleted, err := m.DeleteByID(ctx, id)
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = m.DeleteByID(ctx, id)
	require.NoError(t, err)
	assert.False(t, deleted, "deleting an absent id reports false, not an error")
}

func TestMemoryFindByBlobHashLowestID(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory()

	first, err := m.Insert(ctx, HistoryRecord{BlobHash: "shared"})
	require.NoError(t, err)
	_, err = m.Insert(ctx, HistoryRecord{BlobHash: "shared"})
	require.NoError(t, err)

	rec, ok, err := m.FindByBlobHash(ctx, "shared")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, first, rec.ID)

	n, err := m.CountByBlobHash(ctx, "shared")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestMemoryOldestByLastAccessed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory()

	_, err := m.Insert(ctx, HistoryRecord{BlobHash: "aa", LastAccessed: 30})
	require.NoError(t, err)
	oldest, err := m.Insert(ctx, HistoryRecord{BlobHash: "bb", LastAccessed: 10})
	require.NoError(t, err)
	_, err = m.Insert(ctx, HistoryRecord{BlobHash: "cc", LastAccessed: 20})
	require.NoError(t, err)

	rec, ok, err := m.OldestByLastAccessed(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, oldest, rec.ID)
}

func TestMemoryLedgerLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.CreateBlob(ctx, "aa", 128))
	blob, ok, err := m.LookupBlob(ctx, "aa")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, blob.RefCount)
	assert.Equal(t, int64(128), blob.SizeBytes)

	require.NoError(t, m.AddBlobRef(ctx, "aa"))
	blob, _, err = m.LookupBlob(ctx, "aa")
	require.NoError(t, err)
	assert.Equal(t, 2, blob.RefCount)

	remaining, err := m.ReleaseBlobRef(ctx, "aa")
	require.NoError(t, err)
	assert.Equal(t, 1, remaining)

	remaining, err = m.ReleaseBlobRef(ctx, "aa")
	require.NoError(t, err)
	assert.Equal(t, 0, remaining)

	_, ok, err = m.LookupBlob(ctx, "aa")
	require.NoError(t, err)
	assert.False(t, ok, "ledger row must be deleted when refcount reaches zero")
}

func TestMemoryRefcountUnderflowPanics(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory()

	assert.Panics(t, func() { _, _ = m.ReleaseBlobRef(ctx, "never-created") })
	assert.Panics(t, func() { _ = m.AddBlobRef(ctx, "never-created") })

	require.NoError(t, m.CreateBlob(ctx, "aa", 1))
	_, err := m.ReleaseBlobRef(ctx, "aa")
	require.NoError(t, err)
	assert.Panics(t, func() { _, _ = m.ReleaseBlobRef(ctx, "aa") })
}

func TestMemoryTotalBlobSize(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.CreateBlob(ctx, "aa", 100))
	require.NoError(t, m.CreateBlob(ctx, "bb", 50))
	require.NoError(t, m.AddBlobRef(ctx, "aa"))

	total, err := m.TotalBlobSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(150), total, "deduplicated blobs count once")
}

func TestMemoryQuerySearch(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory()

	subjects := []string{"Important Meeting Tomorrow", "Weekly Report", "Meeting Notes"}
	for i, subject := range subjects {
		_, err := m.Insert(ctx, HistoryRecord{
			BlobHash:     subject,
			Subject:      subject,
			LastAccessed: int64(i + 1),
		})
		require.NoError(t, err)
	}

	got, err := m.Records(ctx, Query{Search: "meeting"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	for _, rec := range got {
		assert.Contains(t, []string{"Important Meeting Tomorrow", "Meeting Notes"}, rec.Subject)
	}

	all, err := m.Records(ctx, Query{Search: "   "})
	require.NoError(t, err)
	assert.Len(t, all, 3, "blank search matches everything")
}

func TestMemoryQuerySearchAcrossFields(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory()

	_, err := m.Insert(ctx, HistoryRecord{BlobHash: "aa", SenderEmail: "alice@example.com"})
	require.NoError(t, err)
	_, err = m.Insert(ctx, HistoryRecord{BlobHash: "bb", RecipientNames: "Alice Smith, Bob"})
	require.NoError(t, err)
	_, err = m.Insert(ctx, HistoryRecord{BlobHash: "cc", BodyPreview: "alice mentioned the audit"})
	require.NoError(t, err)
	_, err = m.Insert(ctx, HistoryRecord{BlobHash: "dd", Subject: "unrelated"})
	require.NoError(t, err)

	got, err := m.Records(ctx, Query{Search: "ALICE"})
	require.NoError(t, err)
	assert.Len(t, got, 3, "search ORs across all text fields, case-insensitively")
}

func TestMemoryQueryDefaultOrdering(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory()

	// EmailDate wins when set; LastAccessed is the fallback. Ties break
	// by ID descending.
	ids := make([]uint64, 0, 3)
	for _, rec := range []HistoryRecord{
		{BlobHash: "aa", EmailDate: 1000, LastAccessed: 9000},
		{BlobHash: "bb", EmailDate: 0, LastAccessed: 2000},
		{BlobHash: "cc", EmailDate: 2000, LastAccessed: 1},
	} {
		id, err := m.Insert(ctx, rec)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	got, err := m.Records(ctx, Query{})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, ids[2], got[0].ID, "effective date 2000, higher id wins the tie")
	assert.Equal(t, ids[1], got[1].ID)
	assert.Equal(t, ids[0], got[2].ID)
}

func TestMemoryQuerySorts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory()

	_, err := m.Insert(ctx, HistoryRecord{BlobHash: "aa", Subject: "banana", SenderName: "Zoe", EmailDate: 1000})
	require.NoError(t, err)
	_, err = m.Insert(ctx, HistoryRecord{BlobHash: "bb", Subject: "Apple", SenderEmail: "mike@example.com", EmailDate: 3000})
	require.NoError(t, err)
	_, err = m.Insert(ctx, HistoryRecord{BlobHash: "cc", Subject: "cherry", SenderName: "adam", EmailDate: 2000})
	require.NoError(t, err)

	byDate, err := m.Records(ctx, Query{Sort: &Sort{Field: SortByDate, Direction: Descending}})
	require.NoError(t, err)
	dates := []int64{byDate[0].EmailDate, byDate[1].EmailDate, byDate[2].EmailDate}
	assert.Equal(t, []int64{3000, 2000, 1000}, dates)

	bySubject, err := m.Records(ctx, Query{Sort: &Sort{Field: SortBySubject, Direction: Ascending}})
	require.NoError(t, err)
	subjects := []string{bySubject[0].Subject, bySubject[1].Subject, bySubject[2].Subject}
	assert.Equal(t, []string{"Apple", "banana", "cherry"}, subjects, "subject sort is case-insensitive")

	bySender, err := m.Records(ctx, Query{Sort: &Sort{Field: SortBySender, Direction: Ascending}})
	require.NoError(t, err)
	senders := []string{bySender[0].DisplaySender(), bySender[1].DisplaySender(), bySender[2].DisplaySender()}
	assert.Equal(t, []string{"adam", "mike@example.com", "Zoe"}, senders,
		"sender sort uses name when set, email otherwise")
}

func TestMemoryQueryFilters(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory()

	_, err := m.Insert(ctx, HistoryRecord{BlobHash: "aa", SenderEmail: "billing@shop.example", EmailDate: 1000, HasAttachments: true})
	require.NoError(t, err)
	_, err = m.Insert(ctx, HistoryRecord{BlobHash: "bb", SenderName: "Billing Dept", EmailDate: 2000})
	require.NoError(t, err)
	_, err = m.Insert(ctx, HistoryRecord{BlobHash: "cc", SenderEmail: "friend@example.com", EmailDate: 3000})
	require.NoError(t, err)

	hasAtt := true
	got, err := m.Records(ctx, Query{Filter: Filter{HasAttachments: &hasAtt}})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "aa", got[0].BlobHash)

	from, to := int64(1000), int64(2000)
	got, err = m.Records(ctx, Query{Filter: Filter{DateFrom: &from, DateTo: &to}})
	require.NoError(t, err)
	assert.Len(t, got, 2, "date range bounds are inclusive")

	got, err = m.Records(ctx, Query{Filter: Filter{SenderContains: "billing"}})
	require.NoError(t, err)
	assert.Len(t, got, 2, "sender filter matches email or name, case-insensitively")

	got, err = m.Records(ctx, Query{Filter: Filter{SenderContains: "billing", DateFrom: &from, DateTo: &to}, Search: "dept"})
	require.NoError(t, err)
	require.Len(t, got, 1, "search and filters compose by AND")
	assert.Equal(t, "bb", got[0].BlobHash)
}
