// Package history persists handled requests and answers history and
// analytics queries over them.
package history

import (
	"context"
	"errors"
	"sort"

	"github.com/tributary-ai/health-router/internal/types"
)

const (
	DefaultLimit = 10
	MaxLimit     = 1000
)

var (
	ErrClosed    = errors.New("history: store closed")
	ErrDuplicate = errors.New("history: entry already recorded")
)

// Store is the persistence backend. Entries are write-once.
type Store interface {
	Save(ctx context.Context, entry types.HistoryEntry) error
	Query(ctx context.Context, filter types.HistoryFilter) ([]types.HistoryEntry, error)
	Analytics(ctx context.Context, filter types.AnalyticsFilter) (types.AnalyticsSnapshot, error)
	Ping(ctx context.Context) error
	Close() error
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

// topKey picks the key with the highest count. Ties go to the smallest key
// so results do not depend on storage order.
func topKey(counts map[string]int64) string {
	if len(counts) == 0 {
		return types.NoneLabel
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	best := keys[0]
	for _, k := range keys[1:] {
		if counts[k] > counts[best] {
			best = k
		}
	}
	return best
}
