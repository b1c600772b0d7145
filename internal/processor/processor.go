// Package processor answers classified requests for one destination by
// asking the generation gateway and delivering the outcome.
package processor

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/health-router/internal/actor"
	"github.com/tributary-ai/health-router/internal/gateway"
	"github.com/tributary-ai/health-router/internal/types"
)

// DefaultGenerationTimeout bounds each gateway call
const DefaultGenerationTimeout = 180 * time.Second

// Generations issues asynchronous generation calls
type Generations interface {
	Ask(call gateway.Call, cont gateway.Continuation) string
}

// LogSink receives records and relays responses
type LogSink interface {
	Append(rec types.LogRecord)
	Relay(resp types.Response, rec types.LogRecord, replyTo types.ReplyTo)
}

// HistoryRecorder persists entries without waiting
type HistoryRecorder interface {
	Record(entry types.HistoryEntry)
}

// Deps are the units a processor talks to
type Deps struct {
	Gateway Generations
	LogSink LogSink
	History HistoryRecorder
}

// Processor is the unit for one destination
type Processor struct {
	box     *actor.Mailbox[message]
	profile types.Profile
	logger  *logrus.Logger
}

type message interface{}

type requestMsg struct {
	request  types.Request
	received time.Time
}

// resultMsg carries its request so any worker generation can answer it
type resultMsg struct {
	request  types.Request
	received time.Time
	result   gateway.Result
}

// callTable holds calls waiting on the gateway. It survives worker
// restarts and is only touched from the processor goroutine.
type callTable struct {
	inflight map[string]requestMsg
}

// New starts a processor for profile. A zero timeout uses DefaultGenerationTimeout.
func New(ctx context.Context, profile types.Profile, deps Deps, timeout time.Duration, logger *logrus.Logger) *Processor {
	if timeout <= 0 {
		timeout = DefaultGenerationTimeout
	}
	p := &Processor{profile: profile, logger: logger}
	calls := &callTable{inflight: make(map[string]requestMsg)}
	p.box = actor.Spawn[message](ctx, "processor-"+string(profile.Destination), func() actor.Receiver[message] {
		return &worker{
			proc:    p,
			deps:    deps,
			timeout: timeout,
			calls:   calls,
		}
	}, logger)
	return p
}

// Handle enqueues req. It reports false once the processor is stopped.
func (p *Processor) Handle(req types.Request) bool {
	return p.box.Tell(requestMsg{request: req, received: time.Now()})
}

// Destination reports which destination this processor serves
func (p *Processor) Destination() types.Destination {
	return p.profile.Destination
}

// Profile returns the profile this processor was built with
func (p *Processor) Profile() types.Profile {
	return p.profile
}

// Stop drains queued requests and stops the unit. Calls still waiting on
// the gateway are answered through its own shutdown.
func (p *Processor) Stop() {
	p.box.Stop()
}

// Done is closed once the unit has exited
func (p *Processor) Done() <-chan struct{} {
	return p.box.Done()
}

type worker struct {
	proc    *Processor
	deps    Deps
	timeout time.Duration
	calls   *callTable
}

func (w *worker) Receive(_ context.Context, msg message) {
	switch m := msg.(type) {
	case requestMsg:
		w.ask(m)
	case resultMsg:
		w.complete(m)
	}
}

func (w *worker) ask(m requestMsg) {
	profile := w.proc.profile
	id := gateway.NewCorrelationID()
	w.calls.inflight[id] = m

	w.proc.logger.WithFields(logrus.Fields{
		"query_id":       m.request.ID,
		"department":     profile.Destination,
		"correlation_id": id,
	}).Info("Processing query")

	w.deps.Gateway.Ask(gateway.Call{
		Prompt:        m.request.Text,
		Context:       profile.Context,
		CorrelationID: id,
		Deadline:      w.timeout,
	}, func(r gateway.Result) {
		if !w.proc.box.Tell(resultMsg{request: m.request, received: m.received, result: r}) {
			w.proc.deliverLate(m.request, r)
		}
	})
}

func (w *worker) complete(m resultMsg) {
	r := m.result
	delete(w.calls.inflight, r.CorrelationID)

	profile := w.proc.profile
	resp, rec, entry := w.proc.outcome(m.request, r, time.Since(m.received))

	fields := logrus.Fields{
		"query_id":   m.request.ID,
		"department": profile.Destination,
		"success":    resp.Success,
		"elapsed_ms": *entry.ResponseTimeMs,
	}
	if r.Err != nil {
		w.proc.logger.WithFields(fields).WithError(r.Err).Warn("Generation failed, using fallback")
	} else {
		w.proc.logger.WithFields(fields).Info("Query processed")
	}

	// the caller is answered before history so a failing recorder cannot swallow the reply
	switch profile.Delivery {
	case types.DeliverViaLogSink:
		w.deps.LogSink.Relay(resp, rec, m.request.ReplyTo)
	default:
		m.request.ReplyTo.Deliver(resp)
		w.deps.LogSink.Append(rec)
	}
	w.deps.History.Record(entry)
}

// Stopped answers requests whose result can no longer reach this unit
func (w *worker) Stopped() {
	for id, call := range w.calls.inflight {
		delete(w.calls.inflight, id)
		resp, _, _ := w.proc.outcome(call.request, gateway.Result{Err: actor.ErrStopped}, time.Since(call.received))
		call.request.ReplyTo.Deliver(resp)
	}
}

// deliverLate runs on the gateway goroutine when the processor already exited
func (p *Processor) deliverLate(req types.Request, r gateway.Result) {
	resp, _, _ := p.outcome(req, r, 0)
	req.ReplyTo.Deliver(resp)
}

func (p *Processor) outcome(req types.Request, r gateway.Result, elapsed time.Duration) (types.Response, types.LogRecord, types.HistoryEntry) {
	text := p.profile.Fallback
	if r.Success {
		text = r.Text
	}

	now := time.Now()
	resp := types.Response{
		Response:   text,
		Department: p.profile.Destination,
		QueryID:    req.ID,
		Success:    r.Success,
	}
	rec := types.LogRecord{
		RequestID:    req.ID,
		RequesterID:  req.RequesterID,
		Text:         req.Text,
		Destination:  p.profile.Destination,
		ResponseText: text,
		Timestamp:    now,
		Success:      r.Success,
	}
	rt := elapsed.Milliseconds()
	entry := types.HistoryEntry{
		RequestID:      req.ID,
		RequesterID:    req.RequesterID,
		SessionID:      SessionID(p.profile.Destination, now),
		Text:           req.Text,
		Destination:    p.profile.Destination,
		ResponseText:   text,
		Timestamp:      now,
		Success:        r.Success,
		ResponseTimeMs: &rt,
	}
	return resp, rec, entry
}

// SessionID groups entries by destination and wall-clock millisecond
func SessionID(dest types.Destination, at time.Time) string {
	return fmt.Sprintf("%s-session-%d", dest, at.UnixMilli())
}
