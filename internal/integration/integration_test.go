package integration_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tributary-ai/health-router/internal/classifier"
	"github.com/tributary-ai/health-router/internal/cluster"
	"github.com/tributary-ai/health-router/internal/gateway"
	"github.com/tributary-ai/health-router/internal/history"
	"github.com/tributary-ai/health-router/internal/logsink"
	"github.com/tributary-ai/health-router/internal/processor"
	"github.com/tributary-ai/health-router/internal/providers"
	"github.com/tributary-ai/health-router/internal/routing"
	"github.com/tributary-ai/health-router/internal/server"
	"github.com/tributary-ai/health-router/internal/types"
)

// echoGenerator answers with the query it was given
type echoGenerator struct {
	calls atomic.Int64
}

func (g *echoGenerator) Name() string { return "echo" }

func (g *echoGenerator) Generate(_ context.Context, req providers.GenerateRequest) (string, error) {
	g.calls.Add(1)
	return "echo: " + req.Query, nil
}

func (g *echoGenerator) HealthCheck(context.Context) error { return nil }

// stack is one process worth of units shared by every node in a test
type stack struct {
	generator *echoGenerator
	gateway   *gateway.Gateway
	sink      *logsink.Sink
	recorder  *history.Recorder
	factory   cluster.Factory
	logger    *logrus.Logger
}

func newStack(t *testing.T) *stack {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	ctx, cancel := context.WithCancel(context.Background())
	s := &stack{generator: &echoGenerator{}, logger: logger}
	s.gateway = gateway.New(ctx, s.generator, logger)
	s.sink = logsink.New(ctx, logsink.DefaultCapacity, logger)
	store := history.NewMemoryStore()
	s.recorder = history.NewRecorder(ctx, store, logger)

	cls, err := classifier.New(classifier.DefaultRules())
	require.NoError(t, err)

	handlers := make(map[types.Destination]routing.Handler)
	var procs []*processor.Processor
	deps := processor.Deps{Gateway: s.gateway, LogSink: s.sink, History: s.recorder}
	for _, profile := range types.DefaultProfiles() {
		p := processor.New(ctx, profile, deps, 5*time.Second, logger)
		procs = append(procs, p)
		handlers[profile.Destination] = p
	}
	s.factory = func(ctx context.Context) cluster.Dispatcher {
		return routing.NewRouter(ctx, cls, handlers, logger)
	}

	t.Cleanup(func() {
		s.gateway.Stop()
		for _, p := range procs {
			p.Stop()
		}
		s.sink.Stop()
		s.recorder.Stop()
		_ = store.Close()
		cancel()
	})
	return s
}

// node starts a singleton and returns it once the campaign loop is running
func (s *stack) node(t *testing.T, id string, leases cluster.LeaseStore, transport cluster.Transport) *cluster.Singleton {
	t.Helper()
	single := cluster.NewSingleton(cluster.Config{
		NodeID:        id,
		LeaseTTL:      300 * time.Millisecond,
		RenewInterval: 50 * time.Millisecond,
		QueryTimeout:  5 * time.Second,
	}, leases, s.factory, transport, s.logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = single.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return single
}

func (s *stack) serve(t *testing.T, queries server.Submitter) *httptest.Server {
	t.Helper()
	srv, err := server.NewServer(server.Deps{
		Queries:    queries,
		History:    s.recorder,
		Logs:       s.sink,
		Generation: s.gateway,
	}, &server.ServerConfig{SpecPath: "../../docs/openapi.yaml"}, s.logger)
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func postQuery(t *testing.T, base, query, userID string) types.Response {
	t.Helper()
	body, err := json.Marshal(server.QueryRequest{Query: query, UserID: userID})
	require.NoError(t, err)

	resp, err := http.Post(base+"/query", "application/json", strings.NewReader(string(body)))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out types.Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func getJSON(t *testing.T, url string, out interface{}) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func TestQueryRoundTrip(t *testing.T) {
	s := newStack(t)
	single := s.node(t, "solo", cluster.NewMemoryLeaseStore(), nil)
	require.Eventually(t, single.IsLeader, 2*time.Second, 10*time.Millisecond)
	ts := s.serve(t, single)

	tests := []struct {
		name       string
		query      string
		department types.Destination
	}{
		{"pharmacy", "What is the dosage for ibuprofen?", types.Pharmacy},
		{"radiology", "How should I prepare for an MRI?", types.Radiology},
		{"general fallback", "I have had a headache for two days", types.GeneralMedicine},
		{"empty query", "", types.GeneralMedicine},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postQuery(t, ts.URL, tt.query, "alice")
			assert.True(t, resp.Success)
			assert.Equal(t, tt.department, resp.Department)
			assert.Equal(t, "echo: "+tt.query, resp.Response)
			assert.NotEmpty(t, resp.QueryID)
		})
	}
	assert.Equal(t, int64(len(tests)), s.generator.calls.Load())

	t.Run("history is recorded", func(t *testing.T) {
		require.Eventually(t, func() bool {
			var out server.HistoryResponse
			getJSON(t, ts.URL+"/api/chat-history/alice/history", &out)
			return len(out.Entries) == len(tests)
		}, 2*time.Second, 20*time.Millisecond)

		var out server.HistoryResponse
		getJSON(t, ts.URL+"/api/chat-history/alice/history?department=pharmacy", &out)
		require.Len(t, out.Entries, 1)
		assert.Equal(t, "What is the dosage for ibuprofen?", out.Entries[0].Text)
		assert.True(t, out.Entries[0].Success)
		assert.NotNil(t, out.Entries[0].ResponseTimeMs)
	})

	t.Run("log sink keeps records", func(t *testing.T) {
		var out server.LogsResponse
		getJSON(t, ts.URL+"/api/logs/alice", &out)
		assert.Len(t, out.Records, len(tests))

		getJSON(t, ts.URL+"/api/logs/bob", &out)
		assert.Empty(t, out.Records)
	})

	t.Run("analytics", func(t *testing.T) {
		var snap types.AnalyticsSnapshot
		getJSON(t, ts.URL+"/api/chat-history/analytics", &snap)
		assert.True(t, snap.Success)
		assert.Equal(t, int64(len(tests)), snap.TotalCount)
		assert.Equal(t, string(types.GeneralMedicine), snap.TopDestination)
	})
}

func TestFollowerForwardsToLeader(t *testing.T) {
	s := newStack(t)
	leases := cluster.NewMemoryLeaseStore()
	transport := cluster.NewMemoryTransport()

	a := s.node(t, "node-a", leases, transport)
	require.Eventually(t, a.IsLeader, 2*time.Second, 10*time.Millisecond)
	b := s.node(t, "node-b", leases, transport)
	assert.False(t, b.IsLeader())

	ts := s.serve(t, b)
	resp := postQuery(t, ts.URL, "Is an x-ray safe during pregnancy?", "carol")
	assert.True(t, resp.Success)
	assert.Equal(t, types.Radiology, resp.Department)
	assert.Equal(t, int64(1), s.generator.calls.Load())

	var ready map[string]interface{}
	getJSON(t, ts.URL+"/ready", &ready)
	assert.Equal(t, "node-b", ready["node_id"])
	assert.Equal(t, false, ready["leader"])
}
