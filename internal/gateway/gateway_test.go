package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tributary-ai/health-router/internal/providers"
)

type stubGenerator struct {
	generate func(ctx context.Context, req providers.GenerateRequest) (string, error)
	health   error
	calls    atomic.Int32
}

func (s *stubGenerator) Name() string { return "stub" }

func (s *stubGenerator) Generate(ctx context.Context, req providers.GenerateRequest) (string, error) {
	s.calls.Add(1)
	return s.generate(ctx, req)
}

func (s *stubGenerator) HealthCheck(context.Context) error { return s.health }

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	return logger
}

func await(t *testing.T, ch <-chan Result) Result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("continuation was not invoked")
		return Result{}
	}
}

func TestGateway_Success(t *testing.T) {
	var prompt string
	gen := &stubGenerator{generate: func(_ context.Context, req providers.GenerateRequest) (string, error) {
		prompt = req.Prompt
		return "Rest and fluids.", nil
	}}
	g := New(context.Background(), gen, testLogger())
	defer g.Stop()

	results := make(chan Result, 1)
	id := g.Ask(Call{Prompt: "I have a cold", Context: "general context"}, func(r Result) { results <- r })

	r := await(t, results)
	assert.True(t, r.Success)
	assert.Equal(t, "Rest and fluids.", r.Text)
	assert.Equal(t, id, r.CorrelationID)
	assert.NotEmpty(t, id)
	assert.Equal(t, BuildPrompt("I have a cold", "general context"), prompt)
}

func TestGateway_FailureCarriesFallback(t *testing.T) {
	gen := &stubGenerator{generate: func(context.Context, providers.GenerateRequest) (string, error) {
		return "", providers.NewGenerationError(providers.ErrorStatus, errors.New("503"))
	}}
	g := New(context.Background(), gen, testLogger())
	defer g.Stop()

	results := make(chan Result, 1)
	g.Ask(Call{Prompt: "x"}, func(r Result) { results <- r })

	r := await(t, results)
	assert.False(t, r.Success)
	assert.Equal(t, providers.FallbackFor(providers.ErrorStatus), r.Text)
	assert.Error(t, r.Err)
}

func TestGateway_TimeoutFiresOnceAndDropsLateResult(t *testing.T) {
	release := make(chan struct{})
	gen := &stubGenerator{generate: func(context.Context, providers.GenerateRequest) (string, error) {
		// ignores ctx so the real result arrives after the deadline
		<-release
		return "too late", nil
	}}
	g := New(context.Background(), gen, testLogger())
	defer g.Stop()

	var calls atomic.Int32
	results := make(chan Result, 2)
	g.Ask(Call{Prompt: "x", Deadline: 20 * time.Millisecond}, func(r Result) {
		calls.Add(1)
		results <- r
	})

	r := await(t, results)
	assert.False(t, r.Success)
	assert.True(t, r.TimedOut)
	assert.ErrorIs(t, r.Err, ErrTimeout)

	close(release)
	time.Sleep(50 * time.Millisecond)

	pending, err := g.Pending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, pending)
	assert.Equal(t, int32(1), calls.Load())
}

func TestGateway_ConcurrentCallsNeverCross(t *testing.T) {
	gen := &stubGenerator{generate: func(_ context.Context, req providers.GenerateRequest) (string, error) {
		time.Sleep(time.Millisecond)
		return "echo:" + req.Query, nil
	}}
	g := New(context.Background(), gen, testLogger())
	defer g.Stop()

	const n = 200
	var wg sync.WaitGroup
	var mu sync.Mutex
	ids := make(map[string]bool)
	mismatches := atomic.Int32{}

	for i := 0; i < n; i++ {
		wg.Add(1)
		query := fmt.Sprintf("q-%d", i)
		go func() {
			done := make(chan struct{})
			id := g.Ask(Call{Prompt: query}, func(r Result) {
				if r.Text != "echo:"+query {
					mismatches.Add(1)
				}
				close(done)
			})
			mu.Lock()
			ids[id] = true
			mu.Unlock()
			<-done
			wg.Done()
		}()
	}
	wg.Wait()

	assert.Len(t, ids, n)
	assert.Equal(t, int32(0), mismatches.Load())
	assert.Equal(t, int32(n), gen.calls.Load())
}

func TestGateway_DuplicateCorrelationID(t *testing.T) {
	release := make(chan struct{})
	gen := &stubGenerator{generate: func(context.Context, providers.GenerateRequest) (string, error) {
		<-release
		return "ok", nil
	}}
	g := New(context.Background(), gen, testLogger())
	defer g.Stop()

	first := make(chan Result, 1)
	second := make(chan Result, 1)
	g.Ask(Call{Prompt: "a", CorrelationID: "same"}, func(r Result) { first <- r })
	g.Ask(Call{Prompt: "b", CorrelationID: "same"}, func(r Result) { second <- r })

	r := await(t, second)
	assert.ErrorIs(t, r.Err, ErrDuplicateCorrelation)

	close(release)
	assert.True(t, await(t, first).Success)
}

func TestGateway_StopSettlesPending(t *testing.T) {
	gen := &stubGenerator{generate: func(ctx context.Context, _ providers.GenerateRequest) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}}
	g := New(context.Background(), gen, testLogger())

	results := make(chan Result, 1)
	g.Ask(Call{Prompt: "x"}, func(r Result) { results <- r })

	assert.Eventually(t, func() bool {
		n, _ := g.Pending(context.Background())
		return n == 1
	}, time.Second, 5*time.Millisecond)

	g.Stop()

	r := await(t, results)
	assert.False(t, r.Success)
	assert.ErrorIs(t, r.Err, ErrStopped)

	// asks after stop are settled immediately
	late := make(chan Result, 1)
	g.Ask(Call{Prompt: "y"}, func(r Result) { late <- r })
	assert.ErrorIs(t, await(t, late).Err, ErrStopped)
}

func TestGateway_RestartKeepsPendingCalls(t *testing.T) {
	release := make(chan struct{})
	gen := &stubGenerator{generate: func(ctx context.Context, req providers.GenerateRequest) (string, error) {
		if req.Query == "slow" {
			select {
			case <-release:
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
		return "done " + req.Query, nil
	}}
	g := New(context.Background(), gen, testLogger())
	defer g.Stop()

	slow := make(chan Result, 1)
	g.Ask(Call{Prompt: "slow", Deadline: 5 * time.Second}, func(r Result) { slow <- r })

	// a continuation that panics takes the driver down with it
	crashed := make(chan struct{})
	g.Ask(Call{Prompt: "boom", Deadline: 5 * time.Second}, func(Result) {
		close(crashed)
		panic("caller blew up")
	})
	<-crashed
	assert.Eventually(t, func() bool { return g.box.Restarts() == 1 }, time.Second, 5*time.Millisecond)

	n, err := g.Pending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	close(release)
	r := await(t, slow)
	assert.True(t, r.Success)
	assert.Equal(t, "done slow", r.Text)

	n, err = g.Pending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestGateway_RestartKeepsDeadlines(t *testing.T) {
	gen := &stubGenerator{generate: func(ctx context.Context, req providers.GenerateRequest) (string, error) {
		if req.Query == "slow" {
			<-ctx.Done()
			return "", ctx.Err()
		}
		return "ok", nil
	}}
	g := New(context.Background(), gen, testLogger())
	defer g.Stop()

	slow := make(chan Result, 1)
	g.Ask(Call{Prompt: "slow", Deadline: 200 * time.Millisecond}, func(r Result) { slow <- r })
	g.Ask(Call{Prompt: "boom", Deadline: time.Second}, func(Result) { panic("caller blew up") })

	r := await(t, slow)
	assert.True(t, r.TimedOut)
	assert.ErrorIs(t, r.Err, ErrTimeout)
	assert.Equal(t, int64(1), g.box.Restarts())
}

func TestGateway_CheckBackend(t *testing.T) {
	gen := &stubGenerator{health: errors.New("connection refused")}
	g := New(context.Background(), gen, testLogger())
	defer g.Stop()

	err := g.CheckBackend(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stub unavailable")
	assert.Equal(t, "stub", g.Backend())
}

func TestBuildPrompt(t *testing.T) {
	prompt := BuildPrompt("What is an MRI?", "You are a radiology assistant.")

	assert.True(t, strings.HasPrefix(prompt, "You are a helpful medical assistant. Context: You are a radiology assistant.\n\n"))
	assert.Contains(t, prompt, "serious medical concerns.\n\n")
	assert.True(t, strings.HasSuffix(prompt, "Query: What is an MRI?"))

	noContext := BuildPrompt("hi", "")
	assert.NotContains(t, noContext, "Context:")
}
