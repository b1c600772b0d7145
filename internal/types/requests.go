package types

import (
	"sync"
	"sync/atomic"
	"time"
)

// Request is one classified unit of work travelling from the router to a processor
type Request struct {
	ID          string    `json:"id"`
	Text        string    `json:"text"`
	RequesterID string    `json:"requester_id"`
	ReceivedAt  time.Time `json:"received_at"`

	// ReplyTo is how the final answer reaches the original caller
	ReplyTo ReplyTo `json:"-"`
}

// ReplyTo is a one-shot handle for delivering a final response.
// Copies share the same underlying delivery, so whichever holder
// delivers first wins and every later attempt is a no-op.
type ReplyTo struct {
	d *delivery
}

type delivery struct {
	once      sync.Once
	fn        func(Response)
	delivered atomic.Bool
}

// NewReplyTo wraps fn so it is invoked at most once
func NewReplyTo(fn func(Response)) ReplyTo {
	return ReplyTo{d: &delivery{fn: fn}}
}

// ChannelReplyTo returns a reply handle and the buffered channel it delivers to
func ChannelReplyTo() (ReplyTo, <-chan Response) {
	ch := make(chan Response, 1)
	return NewReplyTo(func(r Response) { ch <- r }), ch
}

// Deliver sends resp to the caller. It reports false if the handle was
// empty or a response had already been delivered.
func (r ReplyTo) Deliver(resp Response) bool {
	if r.d == nil {
		return false
	}
	sent := false
	r.d.once.Do(func() {
		r.d.delivered.Store(true)
		sent = true
		if r.d.fn != nil {
			r.d.fn(resp)
		}
	})
	return sent
}

// Delivered reports whether a response went out through this handle
func (r ReplyTo) Delivered() bool {
	return r.d != nil && r.d.delivered.Load()
}

// Valid reports whether the handle can deliver at all
func (r ReplyTo) Valid() bool {
	return r.d != nil
}

// HistoryFilter selects history entries for a requester
type HistoryFilter struct {
	RequesterID string      `json:"userId"`
	SessionID   string      `json:"sessionId,omitempty"`
	Destination Destination `json:"department,omitempty"`
	Limit       int         `json:"limit"`
}

// AnalyticsFilter narrows an analytics aggregation. Zero values disable a filter.
type AnalyticsFilter struct {
	RequesterID string    `json:"userId,omitempty"`
	From        time.Time `json:"startDate,omitempty"`
	To          time.Time `json:"endDate,omitempty"`
}
