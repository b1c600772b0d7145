// Package logsink keeps a bounded in-memory record of handled requests and
// can relay a final response to the caller after logging it.
package logsink

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/health-router/internal/actor"
	"github.com/tributary-ai/health-router/internal/types"
)

const (
	DefaultCapacity = 1000
	DefaultLimit    = 10
)

// Sink is the log unit. All ring access happens on its goroutine.
type Sink struct {
	box    *actor.Mailbox[message]
	logger *logrus.Logger
}

type message interface{}

type appendMsg struct {
	record types.LogRecord
}

type relayMsg struct {
	response types.Response
	record   types.LogRecord
	replyTo  types.ReplyTo
}

type recentMsg struct {
	requester string
	limit     int
	reply     func([]types.LogRecord)
}

type allMsg struct {
	reply func([]types.LogRecord)
}

// New starts a sink holding at most capacity records
func New(ctx context.Context, capacity int, logger *logrus.Logger) *Sink {
	s := &Sink{logger: logger}
	s.box = actor.Spawn[message](ctx, "log-sink", func() actor.Receiver[message] {
		return &keeper{ring: NewRing(capacity), logger: logger}
	}, logger)
	return s
}

// Append records rec without waiting
func (s *Sink) Append(rec types.LogRecord) {
	if !s.box.Tell(appendMsg{record: rec}) {
		s.logger.WithField("query_id", rec.RequestID).Warn("Log sink stopped, dropping record")
	}
}

// Relay records rec and then delivers resp through replyTo. The sink needs no
// reply mechanism of its own; the caller's handle travels with the message.
func (s *Sink) Relay(resp types.Response, rec types.LogRecord, replyTo types.ReplyTo) {
	if !s.box.Tell(relayMsg{response: resp, record: rec, replyTo: replyTo}) {
		// still answer the caller even if the record is lost
		replyTo.Deliver(resp)
	}
}

// Recent returns up to limit records for requester, newest first. An empty
// requester reads every user.
func (s *Sink) Recent(ctx context.Context, requester string, limit int) ([]types.LogRecord, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return actor.Ask(ctx, func(reply func([]types.LogRecord)) bool {
		return s.box.Tell(recentMsg{requester: requester, limit: limit, reply: reply})
	})
}

// All returns every retained record, oldest first
func (s *Sink) All(ctx context.Context) ([]types.LogRecord, error) {
	return actor.Ask(ctx, func(reply func([]types.LogRecord)) bool {
		return s.box.Tell(allMsg{reply: reply})
	})
}

// Stop drains queued records and stops the unit
func (s *Sink) Stop() {
	s.box.Stop()
}

type keeper struct {
	ring   *Ring
	logger *logrus.Logger
}

func (k *keeper) Receive(_ context.Context, msg message) {
	switch m := msg.(type) {
	case appendMsg:
		k.append(m.record)
	case relayMsg:
		k.append(m.record)
		if !m.replyTo.Deliver(m.response) {
			k.logger.WithField("query_id", m.record.RequestID).Warn("Reply handle already used, relay dropped")
		}
	case recentMsg:
		m.reply(k.ring.Recent(m.requester, m.limit))
	case allMsg:
		m.reply(k.ring.All())
	}
}

func (k *keeper) append(rec types.LogRecord) {
	k.ring.Append(rec)
	k.logger.WithFields(logrus.Fields{
		"query_id":   rec.RequestID,
		"user_id":    rec.RequesterID,
		"department": rec.Destination,
		"success":    rec.Success,
		"retained":   k.ring.Len(),
	}).Info("Query logged")
}
