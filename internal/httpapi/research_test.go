package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/loomworks/deepresearch/internal/engine"
	"github.com/loomworks/deepresearch/internal/models"
	"github.com/loomworks/deepresearch/internal/reasoning"
	"github.com/loomworks/deepresearch/internal/streaming"
	"github.com/loomworks/deepresearch/internal/tasks"
)

// stubReasoner drives the full pipeline with canned outputs. A non-nil
// blockSynth makes synthesis signal once and then park until cancellation.
type stubReasoner struct {
	planErr    error
	blockSynth chan struct{}
}

func (s *stubReasoner) Plan(ctx context.Context, in reasoning.PlanInput) (*models.PlanResult, error) {
	if s.planErr != nil {
		return nil, s.planErr
	}
	return &models.PlanResult{
		Queries: []models.PlannedQuery{{Query: in.Query, Tools: []models.ToolID{models.ToolWebSearch}}},
	}, nil
}

func (s *stubReasoner) Synthesize(ctx context.Context, in reasoning.SynthesisInput) (*models.SynthesisResult, error) {
	if s.blockSynth != nil {
		select {
		case s.blockSynth <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if in.OnToken != nil {
		in.OnToken("partial ")
		in.OnToken("report")
	}
	return &models.SynthesisResult{
		Report:    "final report",
		Citations: []models.Citation{{ID: 1, Claim: "c", SourceURL: "https://example.com", SourceType: models.SourceWeb}},
	}, nil
}

func (s *stubReasoner) Grade(ctx context.Context, in reasoning.GradeInput) (*models.QualityResult, error) {
	return &models.QualityResult{Passed: true, Action: models.ActionApprove}, nil
}

type stubGatherer struct{}

func (stubGatherer) Execute(ctx context.Context, queries []models.PlannedQuery) []models.SearchBatch {
	return []models.SearchBatch{{
		Query: "q", Tool: models.ToolWebSearch, SourceType: models.SourceWeb,
		Results: []models.SearchResult{{Title: "t", URL: "https://example.com", Content: "c"}},
	}}
}

type testStack struct {
	server  *httptest.Server
	manager *tasks.Manager
	streams *streaming.Manager
	started chan string // session ids, as their first event is published
}

// capturePublisher forwards to the streaming manager and reports each
// session's started event so tests can learn session ids mid-run.
type capturePublisher struct {
	inner *streaming.Manager
	ids   chan string
}

func (p *capturePublisher) Publish(sessionID string, evt streaming.Event) {
	if evt.Type == streaming.EventStarted {
		select {
		case p.ids <- sessionID:
		default:
		}
	}
	p.inner.Publish(sessionID, evt)
}

func newStack(t *testing.T, reasoner *stubReasoner) *testStack {
	t.Helper()
	logger := zap.NewNop()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	streams := streaming.NewManager(logger)
	started := make(chan string, 8)
	engines := engine.NewCache(func(provider, model string) (*engine.Engine, error) {
		return engine.New(engine.Config{
			Planner:     reasoner,
			Synthesizer: reasoner,
			Grader:      reasoner,
			Gatherer:    stubGatherer{},
			Publisher:   &capturePublisher{inner: streams, ids: started},
			Logger:      logger,
		}), nil
	}, logger)

	manager := tasks.NewManager(tasks.Config{
		Store:                tasks.NewStore(client, time.Hour, logger),
		Engines:              engines,
		Streams:              streams,
		Logger:               logger,
		DefaultMaxIterations: 2,
		DefaultProvider:      "openai",
		DefaultModel:         "test-model",
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = manager.Shutdown(ctx)
	})

	mux := http.NewServeMux()
	NewResearchHandler(manager, logger).RegisterRoutes(mux)
	NewStreamingHandler(streams, manager, logger).RegisterRoutes(mux)
	NewHealthHandler(client).RegisterRoutes(mux)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return &testStack{server: srv, manager: manager, streams: streams, started: started}
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func TestSyncResearchEndpoint(t *testing.T) {
	st := newStack(t, &stubReasoner{})

	resp := postJSON(t, st.server.URL+"/api/v1/research", map[string]interface{}{
		"query": "what is raft",
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out researchResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "final report", out.Report)
	assert.True(t, out.Complete)
	assert.Equal(t, 1, out.Iterations)
	assert.Len(t, out.Citations, 1)
	assert.NotEmpty(t, out.SessionID)
}

func TestSyncResearchRejectsEmptyQuery(t *testing.T) {
	st := newStack(t, &stubReasoner{})

	resp := postJSON(t, st.server.URL+"/api/v1/research", map[string]interface{}{
		"query": "   ",
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSyncResearchCancelledDistinctFromFailed(t *testing.T) {
	reasoner := &stubReasoner{blockSynth: make(chan struct{}, 1)}
	st := newStack(t, reasoner)

	respCh := make(chan *http.Response, 1)
	errCh := make(chan error, 1)
	go func() {
		data, _ := json.Marshal(map[string]interface{}{"query": "q"})
		resp, err := http.Post(st.server.URL+"/api/v1/research", "application/json", bytes.NewReader(data))
		if err != nil {
			errCh <- err
			return
		}
		respCh <- resp
	}()

	var sessionID string
	select {
	case sessionID = <-st.started:
	case <-time.After(5 * time.Second):
		t.Fatal("run never started")
	}
	select {
	case <-reasoner.blockSynth:
	case <-time.After(5 * time.Second):
		t.Fatal("synthesis never started")
	}

	r, err := http.Post(st.server.URL+"/api/v1/research/cancel/"+sessionID, "application/json", nil)
	require.NoError(t, err)
	var cancelOut map[string]string
	require.NoError(t, json.NewDecoder(r.Body).Decode(&cancelOut))
	r.Body.Close()
	require.Equal(t, string(tasks.CancelRequested), cancelOut["result"])

	select {
	case resp := <-respCh:
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var out map[string]string
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
		assert.Equal(t, string(models.TaskStatusCancelled), out["status"])
		assert.Equal(t, sessionID, out["session_id"])
		assert.Empty(t, out["error"])
	case err := <-errCh:
		t.Fatalf("sync request failed: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("sync request did not return after cancel")
	}
}

func TestAsyncLifecycle(t *testing.T) {
	st := newStack(t, &stubReasoner{})

	resp := postJSON(t, st.server.URL+"/api/v1/research/async", map[string]interface{}{
		"query": "what is raft",
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var accepted map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&accepted))
	taskID := accepted["task_id"]
	require.NotEmpty(t, taskID)
	require.NotEmpty(t, accepted["session_id"])

	var rec models.TaskRecord
	require.Eventually(t, func() bool {
		r, err := http.Get(st.server.URL + "/api/v1/research/status/" + taskID)
		if err != nil {
			return false
		}
		defer r.Body.Close()
		if r.StatusCode != http.StatusOK {
			return false
		}
		if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
			return false
		}
		return rec.Status == models.TaskStatusCompleted
	}, 5*time.Second, 20*time.Millisecond)

	require.NotNil(t, rec.Result)
	assert.Equal(t, "final report", rec.Result.Report)
}

func TestStatusUnknownTask(t *testing.T) {
	st := newStack(t, &stubReasoner{})

	resp, err := http.Get(st.server.URL + "/api/v1/research/status/nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCancelUnknownSession(t *testing.T) {
	st := newStack(t, &stubReasoner{})

	resp, err := http.Post(st.server.URL+"/api/v1/research/cancel/nope", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	var out map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, string(tasks.CancelNotFound), out["result"])
}

func TestCancelFinishedSession(t *testing.T) {
	st := newStack(t, &stubReasoner{})

	resp := postJSON(t, st.server.URL+"/api/v1/research/async", map[string]interface{}{
		"query": "q",
	})
	var accepted map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&accepted))
	resp.Body.Close()

	require.Eventually(t, func() bool {
		r, err := http.Get(st.server.URL + "/api/v1/research/status/" + accepted["task_id"])
		if err != nil {
			return false
		}
		defer r.Body.Close()
		var rec models.TaskRecord
		if json.NewDecoder(r.Body).Decode(&rec) != nil {
			return false
		}
		return rec.Status.Terminal()
	}, 5*time.Second, 20*time.Millisecond)

	r, err := http.Post(st.server.URL+"/api/v1/research/cancel/"+accepted["session_id"], "application/json", nil)
	require.NoError(t, err)
	defer r.Body.Close()
	require.Equal(t, http.StatusOK, r.StatusCode)

	var out map[string]string
	require.NoError(t, json.NewDecoder(r.Body).Decode(&out))
	assert.Equal(t, string(tasks.CancelAlreadyFinished), out["result"])
}

func TestHealthEndpoints(t *testing.T) {
	st := newStack(t, &stubReasoner{})

	resp, err := http.Get(st.server.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(st.server.URL + "/readyz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMethodNotAllowed(t *testing.T) {
	st := newStack(t, &stubReasoner{})

	resp, err := http.Get(st.server.URL + "/api/v1/research")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	req, err := http.NewRequest(http.MethodDelete, fmt.Sprintf("%s/api/v1/research/status/t1", st.server.URL), nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
