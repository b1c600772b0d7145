package logsink

import "github.com/tributary-ai/health-router/internal/types"

// Ring is a fixed-capacity FIFO of log records. The oldest record is
// overwritten once the ring is full. It is not safe for concurrent use.
type Ring struct {
	records []types.LogRecord
	head    int
	size    int
}

// NewRing creates a ring holding at most capacity records
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ring{records: make([]types.LogRecord, capacity)}
}

// Append adds rec, evicting the oldest record when full
func (r *Ring) Append(rec types.LogRecord) {
	idx := (r.head + r.size) % len(r.records)
	if r.size == len(r.records) {
		r.records[r.head] = rec
		r.head = (r.head + 1) % len(r.records)
		return
	}
	r.records[idx] = rec
	r.size++
}

// Len returns the number of records held
func (r *Ring) Len() int { return r.size }

// Cap returns the ring capacity
func (r *Ring) Cap() int { return len(r.records) }

// All returns every record oldest first
func (r *Ring) All() []types.LogRecord {
	out := make([]types.LogRecord, 0, r.size)
	for i := 0; i < r.size; i++ {
		out = append(out, r.records[(r.head+i)%len(r.records)])
	}
	return out
}

// Recent returns up to limit records for requester, newest first. An empty
// requester matches every record.
func (r *Ring) Recent(requester string, limit int) []types.LogRecord {
	out := make([]types.LogRecord, 0)
	for i := r.size - 1; i >= 0 && len(out) < limit; i-- {
		rec := r.records[(r.head+i)%len(r.records)]
		if requester == "" || rec.RequesterID == requester {
			out = append(out, rec)
		}
	}
	return out
}
