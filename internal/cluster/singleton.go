package cluster

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/health-router/internal/types"
)

const (
	DefaultLeaseTTL      = 15 * time.Second
	DefaultQueryTimeout  = 180 * time.Second
	defaultRenewDivision = 3
)

// Dispatcher is the unit that exists once cluster-wide
type Dispatcher interface {
	Route(text, requesterID string, replyTo types.ReplyTo) bool
	Stop()
}

// Factory builds a fresh dispatcher each time this node becomes leader
type Factory func(ctx context.Context) Dispatcher

// Config tunes the campaign loop
type Config struct {
	NodeID        string
	LeaseTTL      time.Duration
	RenewInterval time.Duration
	QueryTimeout  time.Duration
}

// Singleton campaigns for the lease and runs the dispatcher while it holds it
type Singleton struct {
	cfg       Config
	store     LeaseStore
	factory   Factory
	transport Transport
	logger    *logrus.Logger

	mu          sync.RWMutex
	active      Dispatcher
	unserve     func() error
	lastRenewal time.Time

	leader atomic.Bool
	terms  atomic.Int64
}

// NewSingleton wires a campaign. transport may be nil for a single node.
func NewSingleton(cfg Config, store LeaseStore, factory Factory, transport Transport, logger *logrus.Logger) *Singleton {
	if cfg.NodeID == "" {
		cfg.NodeID = uuid.NewString()
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = DefaultLeaseTTL
	}
	if cfg.RenewInterval <= 0 || cfg.RenewInterval >= cfg.LeaseTTL {
		cfg.RenewInterval = cfg.LeaseTTL / defaultRenewDivision
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = DefaultQueryTimeout
	}
	return &Singleton{
		cfg:       cfg,
		store:     store,
		factory:   factory,
		transport: transport,
		logger:    logger,
	}
}

// Run campaigns until ctx is cancelled, then steps down and releases the lease
func (s *Singleton) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.RenewInterval)
	defer ticker.Stop()
	// guard fires when the local hold window runs out without a renewal
	guard := time.NewTimer(s.cfg.LeaseTTL)
	guard.Stop()
	defer guard.Stop()

	s.logger.WithFields(logrus.Fields{
		"node_id":        s.cfg.NodeID,
		"lease_ttl":      s.cfg.LeaseTTL,
		"renew_interval": s.cfg.RenewInterval,
	}).Info("Starting leader campaign")

	s.campaign(ctx)
	s.arm(guard)
	for {
		select {
		case <-ctx.Done():
			s.resign()
			return nil
		case <-ticker.C:
			s.campaign(ctx)
			s.arm(guard)
		case <-guard.C:
			if s.IsLeader() && s.holdExpired() {
				s.demote("lease hold window expired without renewal")
			}
		}
	}
}

// holdWindow is how long a leader keeps its router after the last renewal.
// It ends one renew interval before the lease itself so a successor, whose
// clock may run ahead, never overlaps.
func (s *Singleton) holdWindow() time.Duration {
	return s.cfg.LeaseTTL - s.cfg.RenewInterval
}

func (s *Singleton) holdExpired() bool {
	return time.Since(s.renewedAt()) >= s.holdWindow()
}

// arm points guard at the end of the current hold window
func (s *Singleton) arm(guard *time.Timer) {
	guard.Stop()
	if !s.IsLeader() {
		return
	}
	guard.Reset(time.Until(s.renewedAt().Add(s.holdWindow())))
}

// Submit routes one query and waits for its single response. Expiry of the
// overall deadline yields the processing error envelope.
func (s *Singleton) Submit(ctx context.Context, text, requesterID string) types.Response {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.QueryTimeout)
	defer cancel()

	if d := s.dispatcher(); d != nil {
		reply, ch := types.ChannelReplyTo()
		if d.Route(text, requesterID, reply) {
			select {
			case resp := <-ch:
				return resp
			case <-ctx.Done():
				s.logger.WithField("user_id", requesterID).Warn("Query deadline exceeded")
				return types.ErrorResponse(uuid.NewString(), types.ProcessingErrorText)
			}
		}
	}

	if s.transport == nil {
		s.logger.WithError(ErrNotLeader).Warn("No active router on this node")
		return types.ErrorResponse(uuid.NewString(), types.ServiceUnavailableText)
	}

	resp, err := s.transport.Forward(ctx, text, requesterID)
	switch {
	case err == nil:
		return resp
	case errors.Is(err, ErrNoLeader):
		s.logger.WithError(err).Warn("Query could not be forwarded")
		return types.ErrorResponse(uuid.NewString(), types.ServiceUnavailableText)
	default:
		s.logger.WithError(err).Warn("Forwarded query failed")
		return types.ErrorResponse(uuid.NewString(), types.ProcessingErrorText)
	}
}

// IsLeader reports whether this node runs the active dispatcher
func (s *Singleton) IsLeader() bool {
	return s.leader.Load()
}

// NodeID is this node's lease holder name
func (s *Singleton) NodeID() string {
	return s.cfg.NodeID
}

// Leader returns the current lease holder as seen by the store
func (s *Singleton) Leader(ctx context.Context) (string, error) {
	return s.store.Holder(ctx)
}

// Terms counts how many times this node has become leader
func (s *Singleton) Terms() int64 {
	return s.terms.Load()
}

func (s *Singleton) dispatcher() Dispatcher {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

func (s *Singleton) campaign(ctx context.Context) {
	var (
		held bool
		err  error
	)
	if s.IsLeader() {
		held, err = s.store.Renew(ctx, s.cfg.NodeID, s.cfg.LeaseTTL)
	} else {
		held, err = s.store.Acquire(ctx, s.cfg.NodeID, s.cfg.LeaseTTL)
	}

	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.logger.WithError(err).WithField("node_id", s.cfg.NodeID).Warn("Lease store error")
		if s.IsLeader() && s.holdExpired() {
			s.demote("lease could not be renewed")
		}
		return
	}

	switch {
	case held && !s.IsLeader():
		s.promote(ctx)
	case held:
		s.mu.Lock()
		s.lastRenewal = time.Now()
		s.mu.Unlock()
	case s.IsLeader():
		s.demote("lease lost")
	}
}

func (s *Singleton) promote(ctx context.Context) {
	d := s.factory(ctx)

	var unserve func() error
	if s.transport != nil {
		stop, err := s.transport.Serve(d.Route)
		if err != nil {
			s.logger.WithError(err).Error("Cannot serve forwarded queries, giving up leadership")
			d.Stop()
			if err := s.store.Release(context.WithoutCancel(ctx), s.cfg.NodeID); err != nil {
				s.logger.WithError(err).Warn("Failed to release lease")
			}
			return
		}
		unserve = stop
	}

	s.mu.Lock()
	s.active = d
	s.unserve = unserve
	s.lastRenewal = time.Now()
	s.mu.Unlock()
	s.leader.Store(true)

	term := s.terms.Add(1)
	s.logger.WithFields(logrus.Fields{
		"node_id": s.cfg.NodeID,
		"term":    term,
	}).Info("Leadership acquired, router started")
}

func (s *Singleton) demote(reason string) {
	s.mu.Lock()
	d, unserve := s.active, s.unserve
	s.active, s.unserve = nil, nil
	s.mu.Unlock()
	s.leader.Store(false)

	if unserve != nil {
		if err := unserve(); err != nil {
			s.logger.WithError(err).Warn("Failed to stop serving forwarded queries")
		}
	}
	if d != nil {
		d.Stop()
	}

	s.logger.WithFields(logrus.Fields{
		"node_id": s.cfg.NodeID,
		"reason":  reason,
	}).Warn("Leadership lost, router stopped")
}

func (s *Singleton) resign() {
	if !s.IsLeader() {
		return
	}
	s.demote("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.Release(ctx, s.cfg.NodeID); err != nil {
		s.logger.WithError(err).Warn("Failed to release lease")
	}
}

func (s *Singleton) renewedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastRenewal
}
