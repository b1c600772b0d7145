// Package gateway wraps the outbound generation call in an ask/timeout
// discipline. Every call gets a correlation id and a deadline; whichever of
// the real result or the deadline arrives first settles the call, once.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/health-router/internal/actor"
	"github.com/tributary-ai/health-router/internal/providers"
)

var (
	ErrTimeout              = errors.New("gateway: generation deadline exceeded")
	ErrDuplicateCorrelation = errors.New("gateway: correlation id already in flight")
	ErrStopped              = errors.New("gateway: stopped before the call settled")
)

// DefaultTimeout applies when a call carries no deadline
const DefaultTimeout = 180 * time.Second

// Call is one generation request
type Call struct {
	Prompt        string
	Context       string
	CorrelationID string
	Deadline      time.Duration
}

// Result is the terminal outcome of a call. It is never retried.
type Result struct {
	CorrelationID string
	Text          string
	Err           error
	Success       bool
	TimedOut      bool
	Elapsed       time.Duration
}

// Continuation receives the result of a call exactly once
type Continuation func(Result)

// Gateway is the driver unit in front of a providers.Generator
type Gateway struct {
	box       *actor.Mailbox[message]
	generator providers.Generator
	logger    *logrus.Logger
	cancel    context.CancelFunc
}

type message interface{}

type askMsg struct {
	call   Call
	cont   Continuation
	issued time.Time
}

type resultMsg struct {
	id   string
	text string
	err  error
}

type timeoutMsg struct {
	id string
}

type pendingMsg struct {
	reply func(int)
}

type pendingCall struct {
	cont   Continuation
	timer  *time.Timer
	issued time.Time
}

// New starts a gateway unit. It stops when ctx is cancelled or Stop is called.
func New(ctx context.Context, generator providers.Generator, logger *logrus.Logger) *Gateway {
	ctx, cancel := context.WithCancel(ctx)
	g := &Gateway{
		generator: generator,
		logger:    logger,
		cancel:    cancel,
	}
	// calls outlive a crashed driver so their timers and results still settle
	calls := &callTable{pending: make(map[string]*pendingCall)}
	g.box = actor.Spawn[message](ctx, "generation-gateway", func() actor.Receiver[message] {
		return &driver{gateway: g, calls: calls}
	}, logger)
	return g
}

// Ask issues a call and returns its correlation id. cont runs on the gateway
// goroutine, so it should only enqueue work for the caller.
func (g *Gateway) Ask(call Call, cont Continuation) string {
	if call.CorrelationID == "" {
		call.CorrelationID = NewCorrelationID()
	}
	if call.Deadline <= 0 {
		call.Deadline = DefaultTimeout
	}

	if !g.box.Tell(askMsg{call: call, cont: cont, issued: time.Now()}) {
		cont(Result{
			CorrelationID: call.CorrelationID,
			Text:          providers.FallbackText(ErrStopped),
			Err:           ErrStopped,
		})
	}
	return call.CorrelationID
}

// CheckBackend checks the generation backend. It is diagnostic only.
func (g *Gateway) CheckBackend(ctx context.Context) error {
	if err := g.generator.HealthCheck(ctx); err != nil {
		return fmt.Errorf("%s unavailable: %w", g.generator.Name(), err)
	}
	return nil
}

// Pending returns the number of calls that have not settled
func (g *Gateway) Pending(ctx context.Context) (int, error) {
	return actor.Ask(ctx, func(reply func(int)) bool {
		return g.box.Tell(pendingMsg{reply: reply})
	})
}

// Backend returns the generator name
func (g *Gateway) Backend() string {
	return g.generator.Name()
}

// Stop settles every pending call with ErrStopped, waits for the unit to
// exit and then cancels outbound calls still running.
func (g *Gateway) Stop() {
	g.box.Stop()
	g.cancel()
}

// NewCorrelationID returns a fresh, lexically sortable id
func NewCorrelationID() string {
	return ulid.Make().String()
}

// callTable is only touched from the gateway goroutine
type callTable struct {
	pending map[string]*pendingCall
}

type driver struct {
	gateway *Gateway
	calls   *callTable
}

func (d *driver) Receive(ctx context.Context, msg message) {
	switch m := msg.(type) {
	case askMsg:
		d.start(ctx, m)
	case resultMsg:
		if m.err != nil {
			d.settle(m.id, Result{Text: providers.FallbackText(m.err), Err: m.err})
			return
		}
		d.settle(m.id, Result{Text: m.text, Success: true})
	case timeoutMsg:
		d.settle(m.id, Result{Text: providers.FallbackText(ErrTimeout), Err: ErrTimeout, TimedOut: true})
	case pendingMsg:
		m.reply(len(d.calls.pending))
	}
}

func (d *driver) start(ctx context.Context, m askMsg) {
	id := m.call.CorrelationID
	if _, exists := d.calls.pending[id]; exists {
		m.cont(Result{CorrelationID: id, Text: providers.FallbackText(ErrDuplicateCorrelation), Err: ErrDuplicateCorrelation})
		return
	}

	box := d.gateway.box
	d.calls.pending[id] = &pendingCall{
		cont:   m.cont,
		issued: m.issued,
		timer: time.AfterFunc(m.call.Deadline, func() {
			box.Tell(timeoutMsg{id: id})
		}),
	}

	go d.gateway.invoke(ctx, m.call)
}

// settle delivers r to the pending continuation for id. A second settlement
// for the same id finds nothing and is dropped.
func (d *driver) settle(id string, r Result) {
	p, ok := d.calls.pending[id]
	if !ok {
		d.gateway.logger.WithField("correlation_id", id).Debug("Dropping result for settled call")
		return
	}
	delete(d.calls.pending, id)
	p.timer.Stop()

	r.CorrelationID = id
	r.Elapsed = time.Since(p.issued)

	d.gateway.logger.WithFields(logrus.Fields{
		"correlation_id": id,
		"success":        r.Success,
		"timed_out":      r.TimedOut,
		"duration_ms":    r.Elapsed.Milliseconds(),
	}).Debug("Generation call settled")

	p.cont(r)
}

// Stopped fails every call still in flight
func (d *driver) Stopped() {
	for id := range d.calls.pending {
		d.settle(id, Result{Text: providers.FallbackText(ErrStopped), Err: ErrStopped})
	}
}

// invoke performs the single outbound call off the gateway goroutine and
// reports back as an ordinary message.
func (g *Gateway) invoke(ctx context.Context, call Call) {
	callCtx, cancel := context.WithTimeout(ctx, call.Deadline)
	defer cancel()

	text, err := g.generator.Generate(callCtx, providers.GenerateRequest{
		Prompt:  BuildPrompt(call.Prompt, call.Context),
		Context: call.Context,
		Query:   call.Prompt,
	})
	if err != nil {
		g.logger.WithError(err).WithFields(logrus.Fields{
			"correlation_id": call.CorrelationID,
			"backend":        g.generator.Name(),
		}).Warn("Generation call failed")
	}

	g.box.Tell(resultMsg{id: call.CorrelationID, text: text, err: err})
}
