package history

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/tributary-ai/health-router/internal/types"
)

// MemoryStore keeps history in process. It backs tests and single-node runs
// that do not need durability.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []types.HistoryEntry
	ids     map[string]bool
	closed  bool
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{ids: make(map[string]bool)}
}

func (s *MemoryStore) Save(_ context.Context, entry types.HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.ids[entry.RequestID] {
		return fmt.Errorf("%w: %s", ErrDuplicate, entry.RequestID)
	}
	s.ids[entry.RequestID] = true
	s.entries = append(s.entries, entry)
	return nil
}

func (s *MemoryStore) Query(_ context.Context, filter types.HistoryFilter) ([]types.HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	limit := normalizeLimit(filter.Limit)
	out := make([]types.HistoryEntry, 0)

	// newest first: latest timestamp, then latest insertion
	for _, idx := range s.newestFirst() {
		e := s.entries[idx]
		if e.RequesterID != filter.RequesterID {
			continue
		}
		if filter.SessionID != "" && e.SessionID != filter.SessionID {
			continue
		}
		if filter.Destination != "" && e.Destination != filter.Destination {
			continue
		}
		out = append(out, e)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) Analytics(_ context.Context, filter types.AnalyticsFilter) (types.AnalyticsSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return types.AnalyticsSnapshot{}, ErrClosed
	}

	var (
		snap     types.AnalyticsSnapshot
		timed    int64
		timeSum  int64
		byUser   = make(map[string]int64)
		byTarget = make(map[string]int64)
	)

	for _, e := range s.entries {
		if !matches(e, filter) {
			continue
		}
		snap.TotalCount++
		if e.Success {
			snap.SuccessCount++
		}
		if e.ResponseTimeMs != nil {
			timed++
			timeSum += *e.ResponseTimeMs
		}
		byUser[e.RequesterID]++
		byTarget[string(e.Destination)]++
	}

	if timed > 0 {
		snap.AvgResponseTimeMs = float64(timeSum) / float64(timed)
	}
	if filter.RequesterID == "" {
		top := topKey(byUser)
		snap.TopRequester = &top
	}
	snap.TopDestination = topKey(byTarget)
	snap.Success = true
	return snap, nil
}

func (s *MemoryStore) Ping(context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *MemoryStore) newestFirst() []int {
	idx := make([]int, len(s.entries))
	for i := range idx {
		idx[i] = len(s.entries) - 1 - i
	}
	// stable so equal timestamps keep reverse insertion order
	sort.SliceStable(idx, func(a, b int) bool {
		return s.entries[idx[a]].Timestamp.After(s.entries[idx[b]].Timestamp)
	})
	return idx
}

func matches(e types.HistoryEntry, f types.AnalyticsFilter) bool {
	if f.RequesterID != "" && e.RequesterID != f.RequesterID {
		return false
	}
	if !f.From.IsZero() && e.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && e.Timestamp.After(f.To) {
		return false
	}
	return true
}
