package index

import (
	"context"
	"fmt"
	"slices"
	"sync"
)

// Memory is an in-memory Backend. It keeps the same semantics as the
// SQLite backend (monotonic IDs, strict refcounts, deterministic query
// ordering) without durability. Safe for concurrent use.
type Memory struct {
	mu      sync.RWMutex
	records map[uint64]HistoryRecord
	blobs   map[string]BlobRecord
	nextID  uint64
}

// NewMemory creates an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{
		records: make(map[uint64]HistoryRecord),
		blobs:   make(map[string]BlobRecord),
		nextID:  1,
	}
}

func (m *Memory) Insert(_ context.Context, rec HistoryRecord) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.ID = m.nextID
	m.nextID++
	m.records[rec.ID] = rec
	return rec.ID, nil
}

func (m *Memory) GetByID(_ context.Context, id uint64) (HistoryRecord, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	return rec, ok, nil
}

func (m *Memory) FindByBlobHash(_ context.Context, hash string) (HistoryRecord, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var (
		found HistoryRecord
		ok    bool
	)
	for _, rec := range m.records {
		if rec.BlobHash != hash {
			continue
		}
		if !ok || rec.ID < found.ID {
			found = rec
			ok = true
		}
	}
	return found, ok, nil
}

func (m *Memory) UpdateLastAccessed(_ context.Context, id uint64, ts int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return ErrNotFound
	}
	rec.LastAccessed = ts
	m.records[id] = rec
	return nil
}

func (m *Memory) DeleteByID(_ context.Context, id uint64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[id]; !ok {
		return false, nil
	}
	delete(m.records, id)
	return true, nil
}

func (m *Memory) DeleteAll(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clear(m.records)
	clear(m.blobs)
	return nil
}

func (m *Memory) Count(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records), nil
}

func (m *Memory) CountByBlobHash(_ context.Context, hash string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, rec := range m.records {
		if rec.BlobHash == hash {
			n++
		}
	}
	return n, nil
}

func (m *Memory) OldestByLastAccessed(_ context.Context) (HistoryRecord, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var (
		oldest HistoryRecord
		ok     bool
	)
	for _, rec := range m.records {
		if !ok ||
			rec.LastAccessed < oldest.LastAccessed ||
			(rec.LastAccessed == oldest.LastAccessed && rec.ID < oldest.ID) {
			oldest = rec
			ok = true
		}
	}
	return oldest, ok, nil
}

func (m *Memory) Records(_ context.Context, q Query) ([]HistoryRecord, error) {
	m.mu.RLock()
	out := make([]HistoryRecord, 0, len(m.records))
	for _, rec := range m.records {
		if matchSearch(rec, q.Search) && matchFilter(rec, q.Filter) {
			out = append(out, rec)
		}
	}
	m.mu.RUnlock()

	slices.SortFunc(out, func(a, b HistoryRecord) int {
		switch {
		case less(a, b, q.Sort):
			return -1
		case less(b, a, q.Sort):
			return 1
		default:
			return 0
		}
	})
	return out, nil
}

func (m *Memory) LookupBlob(_ context.Context, hash string) (BlobRecord, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	blob, ok := m.blobs[hash]
	return blob, ok, nil
}

func (m *Memory) CreateBlob(_ context.Context, hash string, sizeBytes int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.blobs[hash]; ok {
		return fmt.Errorf("index: blob %s already exists", hash)
	}
	m.blobs[hash] = BlobRecord{Hash: hash, SizeBytes: sizeBytes, RefCount: 1}
	return nil
}

func (m *Memory) AddBlobRef(_ context.Context, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	blob, ok := m.blobs[hash]
	if !ok {
		panic(fmt.Sprintf("index: AddBlobRef on unknown blob %s", hash))
	}
	blob.RefCount++
	m.blobs[hash] = blob
	return nil
}

func (m *Memory) ReleaseBlobRef(_ context.Context, hash string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	blob, ok := m.blobs[hash]
	if !ok || blob.RefCount <= 0 {
		panic(fmt.Sprintf("index: ReleaseBlobRef underflow for blob %s", hash))
	}
	blob.RefCount--
	if blob.RefCount == 0 {
		delete(m.blobs, hash)
		return 0, nil
	}
	m.blobs[hash] = blob
	return blob.RefCount, nil
}

func (m *Memory) TotalBlobSize(_ context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var total int64
	for _, blob := range m.blobs {
		total += blob.SizeBytes
	}
	return total, nil
}

func (m *Memory) Close() error { return nil }
