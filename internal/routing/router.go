// Package routing classifies incoming requests and dispatches them to the
// processor for their destination.
package routing

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/health-router/internal/actor"
	"github.com/tributary-ai/health-router/internal/types"
)

// Classifier maps request text to a destination
type Classifier interface {
	Classify(text string) types.Destination
	DefaultDestination() types.Destination
}

// Handler accepts dispatched requests. Handle reports false when the
// handler no longer accepts work.
type Handler interface {
	Handle(req types.Request) bool
}

// Router is the dispatch unit. Its handler map is owned by its goroutine.
type Router struct {
	box        *actor.Mailbox[message]
	classifier Classifier
	logger     *logrus.Logger
	observer   func(RoutingDecision)
}

type message interface{}

type routeMsg struct {
	text      string
	requester string
	replyTo   types.ReplyTo
	received  time.Time
}

type registerMsg struct {
	dest    types.Destination
	handler Handler
}

type lookupMsg struct {
	dest  types.Destination
	reply func(Handler)
}

type listMsg struct {
	reply func([]types.Destination)
}

type statsMsg struct {
	reply func(Stats)
}

// Option configures a Router
type Option func(*Router)

// WithObserver calls fn with every decision, on the router goroutine
func WithObserver(fn func(RoutingDecision)) Option {
	return func(r *Router) { r.observer = fn }
}

// NewRouter starts a router with the given initial handlers
func NewRouter(ctx context.Context, classifier Classifier, handlers map[types.Destination]Handler, logger *logrus.Logger, opts ...Option) *Router {
	r := &Router{classifier: classifier, logger: logger}
	for _, opt := range opts {
		opt(r)
	}

	initial := make(map[types.Destination]Handler, len(handlers))
	for d, h := range handlers {
		initial[d] = h
	}

	// the handler table is configuration, so a restarted dispatcher keeps
	// it; per-request state is not kept at all
	table := &handlerTable{handlers: initial}
	r.box = actor.Spawn[message](ctx, "router", func() actor.Receiver[message] {
		return &dispatcher{router: r, table: table, stats: newStats()}
	}, logger)
	return r
}

// RegisterProcessor adds or replaces the handler for dest
func (r *Router) RegisterProcessor(dest types.Destination, h Handler) {
	r.box.Tell(registerMsg{dest: dest, handler: h})
	r.logger.WithField("department", dest).Info("Processor registered")
}

// GetProcessor returns the handler registered for dest
func (r *Router) GetProcessor(ctx context.Context, dest types.Destination) (Handler, bool, error) {
	h, err := actor.Ask(ctx, func(reply func(Handler)) bool {
		return r.box.Tell(lookupMsg{dest: dest, reply: reply})
	})
	if err != nil {
		return nil, false, err
	}
	return h, h != nil, nil
}

// ListDestinations returns the registered destinations in sorted order
func (r *Router) ListDestinations(ctx context.Context) ([]types.Destination, error) {
	return actor.Ask(ctx, func(reply func([]types.Destination)) bool {
		return r.box.Tell(listMsg{reply: reply})
	})
}

// Stats returns counters for this router instance
func (r *Router) Stats(ctx context.Context) (Stats, error) {
	return actor.Ask(ctx, func(reply func(Stats)) bool {
		return r.box.Tell(statsMsg{reply: reply})
	})
}

// Route hands a request to the router without waiting. The final response
// arrives through replyTo. It reports false if the router is stopped.
func (r *Router) Route(text, requesterID string, replyTo types.ReplyTo) bool {
	return r.box.Tell(routeMsg{
		text:      text,
		requester: requesterID,
		replyTo:   replyTo,
		received:  time.Now(),
	})
}

// Stop drains queued requests and stops the unit
func (r *Router) Stop() {
	r.box.Stop()
}

// Done is closed once the router has exited
func (r *Router) Done() <-chan struct{} {
	return r.box.Done()
}

type handlerTable struct {
	handlers map[types.Destination]Handler
}

type dispatcher struct {
	router *Router
	table  *handlerTable
	stats  Stats
}

func newStats() Stats {
	return Stats{ByDestination: make(map[types.Destination]int64), Started: time.Now()}
}

func (d *dispatcher) Receive(_ context.Context, msg message) {
	switch m := msg.(type) {
	case routeMsg:
		d.route(m)
	case registerMsg:
		d.table.handlers[m.dest] = m.handler
	case lookupMsg:
		m.reply(d.table.handlers[m.dest])
	case listMsg:
		m.reply(d.destinations())
	case statsMsg:
		s := d.stats
		s.ByDestination = make(map[types.Destination]int64, len(d.stats.ByDestination))
		for k, v := range d.stats.ByDestination {
			s.ByDestination[k] = v
		}
		m.reply(s)
	}
}

func (d *dispatcher) route(m routeMsg) {
	req := types.Request{
		ID:          uuid.NewString(),
		Text:        m.text,
		RequesterID: m.requester,
		ReceivedAt:  m.received,
		ReplyTo:     m.replyTo,
	}

	classified := d.router.classifier.Classify(m.text)
	decision := RoutingDecision{
		RequestID:  req.ID,
		Classified: classified,
		Timestamp:  time.Now(),
	}

	if d.dispatch(classified, req) {
		decision.Destination = classified
		decision.Reasoning = []string{fmt.Sprintf("classified as %s", classified)}
	} else if fallback := d.router.classifier.DefaultDestination(); fallback != classified && d.dispatch(fallback, req) {
		decision.Destination = fallback
		decision.FallbackUsed = true
		decision.Reasoning = []string{
			fmt.Sprintf("classified as %s", classified),
			fmt.Sprintf("no processor for %s, fell back to %s", classified, fallback),
		}
	} else {
		decision.Destination = types.DestinationError
		decision.Reasoning = []string{fmt.Sprintf("no processor for %s or %s", classified, fallback)}
		req.ReplyTo.Deliver(types.ErrorResponse(req.ID, types.ServiceUnavailableText))
	}

	d.record(decision)
}

func (d *dispatcher) dispatch(dest types.Destination, req types.Request) bool {
	h, ok := d.table.handlers[dest]
	if !ok || h == nil {
		return false
	}
	return h.Handle(req)
}

func (d *dispatcher) record(decision RoutingDecision) {
	d.stats.Routed++
	if decision.FallbackUsed {
		d.stats.Fallbacks++
	}
	if !decision.Delivered() {
		d.stats.Undeliverable++
	}
	d.stats.ByDestination[decision.Destination]++

	fields := logrus.Fields{
		"query_id":      decision.RequestID,
		"classified":    decision.Classified,
		"department":    decision.Destination,
		"fallback_used": decision.FallbackUsed,
	}
	if decision.Delivered() {
		d.router.logger.WithFields(fields).Info("Query routed")
	} else {
		d.router.logger.WithFields(fields).Warn("No processor available")
	}

	if d.router.observer != nil {
		d.router.observer(decision)
	}
}

func (d *dispatcher) destinations() []types.Destination {
	out := make([]types.Destination, 0, len(d.table.handlers))
	for dest := range d.table.handlers {
		out = append(out, dest)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
