package cluster

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tributary-ai/health-router/internal/types"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	return logger
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestMemoryLeaseStore(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	store := NewMemoryLeaseStore()
	store.now = clock.Now

	ok, err := store.Acquire(ctx, "a", 10*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _ = store.Acquire(ctx, "b", 10*time.Second)
	assert.False(t, ok, "held lease cannot be taken")

	ok, _ = store.Renew(ctx, "b", 10*time.Second)
	assert.False(t, ok, "only the holder renews")

	clock.Advance(8 * time.Second)
	ok, _ = store.Renew(ctx, "a", 10*time.Second)
	assert.True(t, ok)

	clock.Advance(8 * time.Second)
	holder, _ := store.Holder(ctx)
	assert.Equal(t, "a", holder, "renewal extended the lease")

	clock.Advance(3 * time.Second)
	holder, _ = store.Holder(ctx)
	assert.Empty(t, holder)

	ok, _ = store.Renew(ctx, "a", 10*time.Second)
	assert.False(t, ok, "expired lease cannot be renewed")
	ok, _ = store.Acquire(ctx, "b", 10*time.Second)
	assert.True(t, ok, "expired lease can be taken")

	require.NoError(t, store.Release(ctx, "a"))
	holder, _ = store.Holder(ctx)
	assert.Equal(t, "b", holder, "release by a non-holder is a no-op")

	require.NoError(t, store.Release(ctx, "b"))
	holder, _ = store.Holder(ctx)
	assert.Empty(t, holder)
}

// countingDispatcher answers immediately and tracks live instances
type countingDispatcher struct {
	node    string
	live    *atomic.Int32
	stopped atomic.Bool
}

func (d *countingDispatcher) Route(text, requesterID string, replyTo types.ReplyTo) bool {
	if d.stopped.Load() {
		return false
	}
	replyTo.Deliver(types.Response{Response: d.node + ":" + text, Department: types.GeneralMedicine, QueryID: "q", Success: true})
	return true
}

func (d *countingDispatcher) Stop() {
	if d.stopped.CompareAndSwap(false, true) {
		d.live.Add(-1)
	}
}

func factoryFor(node string, live *atomic.Int32) Factory {
	return func(context.Context) Dispatcher {
		live.Add(1)
		return &countingDispatcher{node: node, live: live}
	}
}

func startNode(t *testing.T, node string, store LeaseStore, transport Transport, live *atomic.Int32) (*Singleton, context.CancelFunc, <-chan struct{}) {
	t.Helper()
	s := NewSingleton(Config{
		NodeID:        node,
		LeaseTTL:      300 * time.Millisecond,
		RenewInterval: 50 * time.Millisecond,
		QueryTimeout:  time.Second,
	}, store, factoryFor(node, live), transport, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, s.Run(ctx))
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return s, cancel, done
}

func TestSingleton_SingleNode(t *testing.T) {
	var live atomic.Int32
	s, cancel, done := startNode(t, "solo", NewMemoryLeaseStore(), nil, &live)

	require.Eventually(t, s.IsLeader, time.Second, 10*time.Millisecond)
	resp := s.Submit(context.Background(), "hello", "user-1")
	assert.True(t, resp.Success)
	assert.Equal(t, "solo:hello", resp.Response)

	cancel()
	<-done
	assert.False(t, s.IsLeader())
	assert.Equal(t, int32(0), live.Load())

	holder, err := s.Leader(context.Background())
	require.NoError(t, err)
	assert.Empty(t, holder, "lease released on shutdown")
}

func TestSingleton_ExactlyOneLeaderAndForwarding(t *testing.T) {
	var live atomic.Int32
	store := NewMemoryLeaseStore()
	transport := NewMemoryTransport()

	a, cancelA, doneA := startNode(t, "node-a", store, transport, &live)
	b, cancelB, doneB := startNode(t, "node-b", store, transport, &live)

	require.Eventually(t, func() bool { return a.IsLeader() || b.IsLeader() }, time.Second, 10*time.Millisecond)

	// observe for a few renewal rounds
	for i := 0; i < 10; i++ {
		assert.False(t, a.IsLeader() && b.IsLeader(), "two leaders")
		assert.LessOrEqual(t, live.Load(), int32(1))
		time.Sleep(20 * time.Millisecond)
	}

	leader, follower := a, b
	stopLeader, leaderDone := cancelA, doneA
	if b.IsLeader() {
		leader, follower = b, a
		stopLeader, leaderDone = cancelB, doneB
	}

	resp := follower.Submit(context.Background(), "ping", "user-1")
	assert.True(t, resp.Success)
	assert.Equal(t, leader.NodeID()+":ping", resp.Response, "follower forwards to leader")

	// failover: stop the leader, the other node builds a fresh router
	stopLeader()
	<-leaderDone
	require.Eventually(t, follower.IsLeader, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(1), follower.Terms())
	assert.Equal(t, int32(1), live.Load())

	resp = follower.Submit(context.Background(), "after", "user-1")
	assert.Equal(t, follower.NodeID()+":after", resp.Response)
}

type silentDispatcher struct{}

func (silentDispatcher) Route(string, string, types.ReplyTo) bool { return true }
func (silentDispatcher) Stop()                                    {}

// unreachableStore grants the first lease and then fails every renewal
type unreachableStore struct {
	*MemoryLeaseStore
	down atomic.Bool
}

func (u *unreachableStore) Renew(ctx context.Context, holder string, ttl time.Duration) (bool, error) {
	if u.down.Load() {
		return false, errors.New("nats: timeout")
	}
	return u.MemoryLeaseStore.Renew(ctx, holder, ttl)
}

func TestSingleton_StepsDownBeforeLeaseExpires(t *testing.T) {
	var live atomic.Int32
	store := &unreachableStore{MemoryLeaseStore: NewMemoryLeaseStore()}
	const ttl = 400 * time.Millisecond
	s := NewSingleton(Config{
		NodeID:        "leader",
		LeaseTTL:      ttl,
		RenewInterval: 150 * time.Millisecond,
	}, store, factoryFor("leader", &live), nil, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, s.Run(ctx))
	}()
	defer func() {
		cancel()
		<-done
	}()

	require.Eventually(t, s.IsLeader, time.Second, 5*time.Millisecond)
	store.down.Store(true)

	require.Eventually(t, func() bool { return !s.IsLeader() }, 2*time.Second, 5*time.Millisecond)
	stepDown := time.Since(s.renewedAt())
	assert.Less(t, stepDown, ttl, "router must stop before the lease can expire elsewhere")
	assert.Equal(t, int32(0), live.Load())
}

func TestSingleton_HoldWindow(t *testing.T) {
	s := NewSingleton(Config{NodeID: "n", LeaseTTL: 15 * time.Second, RenewInterval: 5 * time.Second},
		NewMemoryLeaseStore(), func(context.Context) Dispatcher { return silentDispatcher{} }, nil, testLogger())
	assert.Equal(t, 10*time.Second, s.holdWindow())
}

func TestSingleton_SubmitDeadline(t *testing.T) {
	s := NewSingleton(Config{NodeID: "n", QueryTimeout: 50 * time.Millisecond}, NewMemoryLeaseStore(),
		func(context.Context) Dispatcher { return silentDispatcher{} }, nil, testLogger())
	s.campaign(context.Background())
	require.True(t, s.IsLeader())

	resp := s.Submit(context.Background(), "anything", "user-1")
	assert.False(t, resp.Success)
	assert.Equal(t, types.DestinationError, resp.Department)
	assert.Equal(t, types.ProcessingErrorText, resp.Response)
	assert.NotEmpty(t, resp.QueryID)
}

func TestSingleton_NoLeader(t *testing.T) {
	s := NewSingleton(Config{NodeID: "n"}, NewMemoryLeaseStore(),
		func(context.Context) Dispatcher { return silentDispatcher{} }, NewMemoryTransport(), testLogger())

	resp := s.Submit(context.Background(), "anything", "user-1")
	assert.False(t, resp.Success)
	assert.Equal(t, types.ServiceUnavailableText, resp.Response)
}

func TestMemoryTransport_StaleStop(t *testing.T) {
	tr := NewMemoryTransport()
	route := func(text, _ string, reply types.ReplyTo) bool {
		return reply.Deliver(types.Response{Response: text})
	}

	stopOld, _ := tr.Serve(route)
	_, _ = tr.Serve(route)
	require.NoError(t, stopOld())

	resp, err := tr.Forward(context.Background(), "still served", "u")
	require.NoError(t, err)
	assert.Equal(t, "still served", resp.Response)
}

func TestNATSLeaseStore_Live(t *testing.T) {
	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("NATS_URL not set")
	}

	nc, err := nats.Connect(url)
	require.NoError(t, err)
	defer nc.Close()
	js, err := nc.JetStream()
	require.NoError(t, err)

	bucket := "health_router_test_" + time.Now().Format("150405")
	defer js.DeleteKeyValue(bucket)

	store, err := NewNATSLeaseStore(js, bucket, "", time.Minute)
	require.NoError(t, err)
	ctx := context.Background()

	ok, err := store.Acquire(ctx, "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.Acquire(ctx, "b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = store.Renew(ctx, "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	holder, err := store.Holder(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", holder)

	require.NoError(t, store.Release(ctx, "a"))
	ok, err = store.Acquire(ctx, "b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestNATSTransport_Live(t *testing.T) {
	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("NATS_URL not set")
	}

	nc, err := nats.Connect(url)
	require.NoError(t, err)
	defer nc.Close()

	tr := NewNATSTransport(nc, "health.router.test."+time.Now().Format("150405"), testLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err = tr.Forward(ctx, "nobody home", "u")
	assert.ErrorIs(t, err, ErrNoLeader)

	stop, err := tr.Serve(func(text, requesterID string, reply types.ReplyTo) bool {
		return reply.Deliver(types.Response{Response: requesterID + ":" + text, Success: true})
	})
	require.NoError(t, err)
	defer stop()
	require.NoError(t, nc.Flush())

	resp, err := tr.Forward(ctx, "hello", "u")
	require.NoError(t, err)
	assert.Equal(t, "u:hello", resp.Response)
}
