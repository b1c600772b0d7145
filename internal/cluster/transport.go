package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/health-router/internal/types"
)

// DefaultSubject carries forwarded queries to the leader
const DefaultSubject = "health.router.query"

// RouteFunc hands a request to the active router
type RouteFunc func(text, requesterID string, replyTo types.ReplyTo) bool

// Transport moves requests from any node to the leader
type Transport interface {
	// Forward sends a request to the leader and waits for its response
	Forward(ctx context.Context, text, requesterID string) (types.Response, error)
	// Serve makes this node answer forwarded requests until the returned stop is called
	Serve(route RouteFunc) (stop func() error, err error)
}

type forwardRequest struct {
	Query  string `json:"query"`
	UserID string `json:"userId"`
}

// NATSTransport forwards over NATS request/reply. The reply subject of the
// inbound message acts as the caller's reply capability.
type NATSTransport struct {
	nc      *nats.Conn
	subject string
	logger  *logrus.Logger
}

// NewNATSTransport uses subject, or DefaultSubject when empty
func NewNATSTransport(nc *nats.Conn, subject string, logger *logrus.Logger) *NATSTransport {
	if subject == "" {
		subject = DefaultSubject
	}
	return &NATSTransport{nc: nc, subject: subject, logger: logger}
}

func (t *NATSTransport) Forward(ctx context.Context, text, requesterID string) (types.Response, error) {
	data, err := json.Marshal(forwardRequest{Query: text, UserID: requesterID})
	if err != nil {
		return types.Response{}, fmt.Errorf("encode forwarded query: %w", err)
	}

	msg, err := t.nc.RequestWithContext(ctx, t.subject, data)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) {
			return types.Response{}, ErrNoLeader
		}
		return types.Response{}, fmt.Errorf("forward query: %w", err)
	}

	var resp types.Response
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return types.Response{}, fmt.Errorf("decode forwarded response: %w", err)
	}
	return resp, nil
}

func (t *NATSTransport) Serve(route RouteFunc) (func() error, error) {
	// a queue group keeps a request from being handled twice while an old
	// leader is still unsubscribing
	sub, err := t.nc.QueueSubscribe(t.subject, "health-router-leader", func(msg *nats.Msg) {
		reply := types.NewReplyTo(func(resp types.Response) {
			data, err := json.Marshal(resp)
			if err != nil {
				t.logger.WithError(err).Error("Failed to encode forwarded response")
				return
			}
			if err := msg.Respond(data); err != nil {
				t.logger.WithError(err).Warn("Failed to answer forwarded query")
			}
		})

		var req forwardRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			t.logger.WithError(err).Warn("Malformed forwarded query")
			reply.Deliver(types.ErrorResponse(uuid.NewString(), types.ProcessingErrorText))
			return
		}
		if !route(req.Query, req.UserID, reply) {
			reply.Deliver(types.ErrorResponse(uuid.NewString(), types.ServiceUnavailableText))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", t.subject, err)
	}

	t.logger.WithField("subject", t.subject).Info("Serving forwarded queries")
	return sub.Unsubscribe, nil
}

// MemoryTransport connects singletons inside one process
type MemoryTransport struct {
	mu    sync.RWMutex
	route RouteFunc
	token uint64
}

// NewMemoryTransport creates a transport with no leader attached
func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{}
}

func (t *MemoryTransport) Forward(ctx context.Context, text, requesterID string) (types.Response, error) {
	t.mu.RLock()
	route := t.route
	t.mu.RUnlock()

	if route == nil {
		return types.Response{}, ErrNoLeader
	}

	reply, ch := types.ChannelReplyTo()
	if !route(text, requesterID, reply) {
		return types.Response{}, ErrNoLeader
	}
	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return types.Response{}, ctx.Err()
	}
}

func (t *MemoryTransport) Serve(route RouteFunc) (func() error, error) {
	t.mu.Lock()
	t.token++
	mine := t.token
	t.route = route
	t.mu.Unlock()

	return func() error {
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.token == mine {
			t.route = nil
		}
		return nil
	}, nil
}
