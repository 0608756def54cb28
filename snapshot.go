package histstore

import "context"

// Snapshot returns the current ordered record set (effective date
// descending, ties by ID descending), materialized after the last
// committed mutation. The returned slice is immutable; callers must not
// modify it.
func (s *Store) Snapshot() []HistoryRecord {
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()
	return s.snap
}

// Subscribe registers an observer. The channel immediately carries the
// current snapshot, then a fresh immutable snapshot after every
// committed mutation. A slow consumer only ever misses intermediate
// states: pending snapshots are coalesced so the latest one is always
// deliverable without blocking a mutation.
//
// The returned cancel function unregisters the observer and closes the
// channel. Closing the store cancels all subscriptions.
func (s *Store) Subscribe() (<-chan []HistoryRecord, func()) {
	s.snapMu.Lock()
	defer s.snapMu.Unlock()

	id := s.nextSub
	s.nextSub++
	ch := make(chan []HistoryRecord, 1)
	ch <- s.snap
	s.subs[id] = ch

	cancel := func() {
		s.snapMu.Lock()
		defer s.snapMu.Unlock()
		if sub, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// publish materializes the post-mutation snapshot and fans it out.
// Called with the mutation lock held, so observers always receive fully
// committed states in commit order.
func (s *Store) publish(ctx context.Context) {
	records, err := s.backend.Records(ctx, Query{})
	if err != nil {
		// Keep the previous snapshot; the next successful mutation
		// republishes.
		s.log().ErrorContext(ctx, "snapshot refresh failed", "error", err)
		return
	}

	s.snapMu.Lock()
	defer s.snapMu.Unlock()
	s.snap = records
	for _, ch := range s.subs {
		// Coalesce: displace an undelivered snapshot with the newer one.
		select {
		case ch <- records:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- records:
			default:
			}
		}
	}
}
