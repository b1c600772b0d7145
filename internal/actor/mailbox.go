// Package actor runs independent sequential units, each draining a private
// FIFO queue on its own goroutine. Units talk only by enqueueing messages.
package actor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// ErrStopped is returned when a message is sent to a unit that no longer accepts work
var ErrStopped = errors.New("actor: unit stopped")

// Receiver handles the messages of one unit. Receive is never called concurrently.
type Receiver[M any] interface {
	Receive(ctx context.Context, msg M)
}

// ReceiverFunc adapts a plain function to Receiver
type ReceiverFunc[M any] func(ctx context.Context, msg M)

func (f ReceiverFunc[M]) Receive(ctx context.Context, msg M) { f(ctx, msg) }

// Factory builds a fresh receiver. It is called at start and after every crash.
type Factory[M any] func() Receiver[M]

// Stopper is implemented by receivers that must settle state when the unit exits
type Stopper interface {
	Stopped()
}

// Mailbox is an unbounded queue plus the goroutine that drains it
type Mailbox[M any] struct {
	name    string
	factory Factory[M]
	logger  *logrus.Logger

	mu     sync.Mutex
	queue  []M
	closed bool
	signal chan struct{}
	done   chan struct{}

	processed atomic.Int64
	restarts  atomic.Int64
}

// Spawn creates a unit and starts draining its queue. The unit stops when
// ctx is cancelled or Stop is called, after handling what was already queued.
func Spawn[M any](ctx context.Context, name string, factory Factory[M], logger *logrus.Logger) *Mailbox[M] {
	m := &Mailbox[M]{
		name:    name,
		factory: factory,
		logger:  logger,
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}

	go m.run(ctx)

	logger.WithField("unit", name).Debug("Unit started")
	return m
}

// Tell enqueues msg without waiting. It reports false once the unit is stopped.
func (m *Mailbox[M]) Tell(msg M) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.queue = append(m.queue, msg)
	m.mu.Unlock()

	select {
	case m.signal <- struct{}{}:
	default:
	}
	return true
}

// Stop refuses new messages, drains the queue and waits for the loop to exit
func (m *Mailbox[M]) Stop() {
	m.close()
	<-m.done
}

// Done is closed once the unit has exited
func (m *Mailbox[M]) Done() <-chan struct{} {
	return m.done
}

// Name returns the unit name
func (m *Mailbox[M]) Name() string {
	return m.name
}

// Len returns the number of queued messages
func (m *Mailbox[M]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// Processed returns how many messages were handled without a crash
func (m *Mailbox[M]) Processed() int64 {
	return m.processed.Load()
}

// Restarts returns how many times the receiver was rebuilt after a crash
func (m *Mailbox[M]) Restarts() int64 {
	return m.restarts.Load()
}

func (m *Mailbox[M]) close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	select {
	case m.signal <- struct{}{}:
	default:
	}
}

func (m *Mailbox[M]) run(ctx context.Context) {
	defer close(m.done)

	receiver := m.factory()
	for {
		batch, open := m.next(ctx)
		for _, msg := range batch {
			receiver = m.deliver(ctx, receiver, msg)
		}
		if !open {
			if s, ok := receiver.(Stopper); ok {
				s.Stopped()
			}
			m.logger.WithFields(logrus.Fields{
				"unit":      m.name,
				"processed": m.processed.Load(),
				"restarts":  m.restarts.Load(),
			}).Debug("Unit stopped")
			return
		}
	}
}

// next blocks until there is work. It returns open=false once the unit is
// closed and the queue is empty.
func (m *Mailbox[M]) next(ctx context.Context) ([]M, bool) {
	for {
		m.mu.Lock()
		if len(m.queue) > 0 {
			batch := m.queue
			m.queue = nil
			m.mu.Unlock()
			return batch, true
		}
		if m.closed {
			m.mu.Unlock()
			return nil, false
		}
		m.mu.Unlock()

		select {
		case <-m.signal:
		case <-ctx.Done():
			m.close()
		}
	}
}

// deliver runs one message and replaces the receiver if it panics
func (m *Mailbox[M]) deliver(ctx context.Context, r Receiver[M], msg M) (next Receiver[M]) {
	next = r
	defer func() {
		if p := recover(); p != nil {
			n := m.restarts.Add(1)
			m.logger.WithFields(logrus.Fields{
				"unit":     m.name,
				"panic":    fmt.Sprint(p),
				"restarts": n,
			}).Error("Unit crashed, restarting with fresh state")
			next = m.factory()
		}
	}()

	r.Receive(ctx, msg)
	m.processed.Add(1)
	return next
}
