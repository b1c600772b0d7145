package history

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/health-router/internal/actor"
	"github.com/tributary-ai/health-router/internal/types"
)

// DefaultAskTimeout bounds history and analytics reads from the HTTP layer
const DefaultAskTimeout = 10 * time.Second

// Recorder is the history driver unit. Every store call runs on its
// goroutine, so writes reach the backend in the order they were sent.
type Recorder struct {
	box    *actor.Mailbox[message]
	store  Store
	logger *logrus.Logger
}

type message interface{}

type saveMsg struct {
	entry types.HistoryEntry
	reply func(bool)
}

type queryMsg struct {
	filter types.HistoryFilter
	reply  func(queryResult)
}

type queryResult struct {
	entries []types.HistoryEntry
	err     error
}

type analyticsMsg struct {
	filter types.AnalyticsFilter
	reply  func(types.AnalyticsSnapshot)
}

// NewRecorder starts a driver over store. The recorder does not own the
// store; the caller closes it after Stop.
func NewRecorder(ctx context.Context, store Store, logger *logrus.Logger) *Recorder {
	r := &Recorder{store: store, logger: logger}
	r.box = actor.Spawn[message](ctx, "history", func() actor.Receiver[message] {
		return &driver{store: store, logger: logger}
	}, logger)
	return r
}

// Record saves entry without waiting. Failures are logged by the driver.
func (r *Recorder) Record(entry types.HistoryEntry) {
	if !r.box.Tell(saveMsg{entry: entry}) {
		r.logger.WithField("query_id", entry.RequestID).Warn("History driver stopped, dropping entry")
	}
}

// Save stores entry and reports whether it was persisted
func (r *Recorder) Save(ctx context.Context, entry types.HistoryEntry) bool {
	ok, err := actor.Ask(ctx, func(reply func(bool)) bool {
		return r.box.Tell(saveMsg{entry: entry, reply: reply})
	})
	return err == nil && ok
}

// Query returns matching entries newest first
func (r *Recorder) Query(ctx context.Context, filter types.HistoryFilter) ([]types.HistoryEntry, error) {
	res, err := actor.Ask(ctx, func(reply func(queryResult)) bool {
		return r.box.Tell(queryMsg{filter: filter, reply: reply})
	})
	if err != nil {
		return nil, err
	}
	return res.entries, res.err
}

// Analytics aggregates over matching entries. It never returns an error
// to the caller; a failed aggregation is reported inside the snapshot.
func (r *Recorder) Analytics(ctx context.Context, filter types.AnalyticsFilter) types.AnalyticsSnapshot {
	snap, err := actor.Ask(ctx, func(reply func(types.AnalyticsSnapshot)) bool {
		return r.box.Tell(analyticsMsg{filter: filter, reply: reply})
	})
	if err != nil {
		return types.FailedSnapshot(err)
	}
	return snap
}

// Ping checks the backend directly. Readiness must not queue behind writes.
func (r *Recorder) Ping(ctx context.Context) error {
	return r.store.Ping(ctx)
}

// Stop drains pending writes and stops the unit
func (r *Recorder) Stop() {
	r.box.Stop()
}

type driver struct {
	store  Store
	logger *logrus.Logger
}

func (d *driver) Receive(ctx context.Context, msg message) {
	switch m := msg.(type) {
	case saveMsg:
		ok := d.save(ctx, m.entry)
		if m.reply != nil {
			m.reply(ok)
		}
	case queryMsg:
		entries, err := d.store.Query(ctx, m.filter)
		if err != nil {
			d.logger.WithError(err).WithField("user_id", m.filter.RequesterID).Error("History query failed")
		}
		m.reply(queryResult{entries: entries, err: err})
	case analyticsMsg:
		snap, err := d.store.Analytics(ctx, m.filter)
		if err != nil {
			d.logger.WithError(err).Error("Analytics aggregation failed")
			snap = types.FailedSnapshot(err)
		}
		m.reply(snap)
	}
}

func (d *driver) save(ctx context.Context, e types.HistoryEntry) bool {
	// a cancelled unit context still lets queued writes land while draining
	if ctx.Err() != nil {
		ctx = context.WithoutCancel(ctx)
	}
	if err := d.store.Save(ctx, e); err != nil {
		d.logger.WithError(err).WithField("query_id", e.RequestID).Error("Failed to save chat history")
		return false
	}
	d.logger.WithFields(logrus.Fields{
		"query_id":   e.RequestID,
		"user_id":    e.RequesterID,
		"department": e.Destination,
	}).Debug("Chat history saved")
	return true
}
