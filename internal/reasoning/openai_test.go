package reasoning

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/loomworks/deepresearch/internal/models"
)

// chatServer fakes an OpenAI-compatible chat-completions endpoint returning
// the given message content.
func chatServer(t *testing.T, content string, capture *string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/completions", r.URL.Path)
		if capture != nil {
			var req struct {
				Messages []struct {
					Content string `json:"content"`
				} `json:"messages"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			require.NotEmpty(t, req.Messages)
			*capture = req.Messages[0].Content
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"id":     "chatcmpl-1",
			"object": "chat.completion",
			"model":  "test-model",
			"choices": []map[string]interface{}{
				{
					"index":         0,
					"finish_reason": "stop",
					"message": map[string]interface{}{
						"role":    "assistant",
						"content": content,
					},
				},
			},
		})
	}))
}

func newTestClient(t *testing.T, baseURL string) *OpenAIClient {
	t.Helper()
	c, err := NewOpenAIClient(OpenAIConfig{
		APIKey:  "test-key",
		BaseURL: baseURL,
		Model:   "test-model",
		Timeout: 5 * time.Second,
	}, zap.NewNop())
	require.NoError(t, err)
	return c
}

func TestNewOpenAIClientRequiresKey(t *testing.T) {
	_, err := NewOpenAIClient(OpenAIConfig{}, zap.NewNop())
	require.Error(t, err)
}

func TestPlanParsesWire(t *testing.T) {
	var prompt string
	srv := chatServer(t, `{"queries":[{"query":"raft leader election","tools":["web-search","wikipedia"]},{"query":"raft paper","tools":["arxiv"]}],"rationale":"split by source"}`, &prompt)
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	plan, err := c.Plan(context.Background(), PlanInput{Query: "how does raft work", Depth: models.DepthDeep})
	require.NoError(t, err)

	require.Len(t, plan.Queries, 2)
	assert.Equal(t, "raft leader election", plan.Queries[0].Query)
	assert.Equal(t, []models.ToolID{models.ToolWebSearch, models.ToolWikipedia}, plan.Queries[0].Tools)
	assert.Equal(t, []models.ToolID{models.ToolArxiv}, plan.Queries[1].Tools)
	assert.Equal(t, "split by source", plan.Rationale)

	assert.Contains(t, prompt, "how does raft work")
	assert.Contains(t, prompt, string(models.DepthDeep))
}

func TestPlanRejectsEmptyQueries(t *testing.T) {
	srv := chatServer(t, `{"queries":[],"rationale":"nothing to do"}`, nil)
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.Plan(context.Background(), PlanInput{Query: "q", Depth: models.DepthShallow})
	require.Error(t, err)
}

func TestPlanRejectsMalformedOutput(t *testing.T) {
	srv := chatServer(t, `the model ignored the format instructions`, nil)
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.Plan(context.Background(), PlanInput{Query: "q", Depth: models.DepthShallow})
	require.Error(t, err)
}

func TestSynthesizeParsesResult(t *testing.T) {
	var prompt string
	srv := chatServer(t, `{"report":"# Findings\nRaft elects a leader [1].","citations":[{"id":1,"claim":"Raft elects a leader","source_url":"https://raft.github.io","source_type":"web","confidence":"high"}],"metadata":{"word_count":6,"num_sources":1}}`, &prompt)
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	out, err := c.Synthesize(context.Background(), SynthesisInput{
		Query: "how does raft work",
		Results: []models.SearchBatch{{
			Query: "raft", Tool: models.ToolWebSearch, SourceType: models.SourceWeb,
			Results: []models.SearchResult{{Title: "Raft", URL: "https://raft.github.io", Content: "leader election"}},
		}},
	})
	require.NoError(t, err)

	assert.Contains(t, out.Report, "[1]")
	require.Len(t, out.Citations, 1)
	assert.Equal(t, models.SourceWeb, out.Citations[0].SourceType)

	// Evidence rendered into the prompt, numbered.
	assert.Contains(t, prompt, "[1] Raft")
	assert.Contains(t, prompt, "leader election")
}

func TestSynthesizeIncludesRevisionInstructions(t *testing.T) {
	var prompt string
	srv := chatServer(t, `{"report":"revised","citations":[],"metadata":{}}`, &prompt)
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.Synthesize(context.Background(), SynthesisInput{
		Query:                "q",
		RevisionInstructions: "cite the primary sources",
	})
	require.NoError(t, err)
	assert.Contains(t, prompt, "cite the primary sources")
	assert.Contains(t, prompt, "(no search results gathered)")
}

func TestGradeParsesResult(t *testing.T) {
	var prompt string
	srv := chatServer(t, `{"passed":false,"scores":{"citation_accuracy":0.8,"coverage":0.4,"coherence":0.9},"action":"research_more","coverage_gaps":["performance numbers"],"next_steps":{"additional_queries":[{"query":"raft benchmarks","tools":["arxiv"]}]}}`, &prompt)
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	out, err := c.Grade(context.Background(), GradeInput{
		Query:         "how does raft work",
		Report:        "draft",
		Iteration:     0,
		MaxIterations: 3,
	})
	require.NoError(t, err)

	assert.False(t, out.Passed)
	assert.Equal(t, models.ActionResearchMore, out.Action)
	require.NotNil(t, out.NextSteps)
	require.Len(t, out.NextSteps.AdditionalQueries, 1)
	assert.Equal(t, "raft benchmarks", out.NextSteps.AdditionalQueries[0].Query)
	assert.InDelta(t, 0.4, out.Scores.Coverage, 1e-9)

	// The grading pass counter is 1-based in the prompt.
	assert.Contains(t, prompt, "grading pass 1 of at most 3")
}

func TestFormatResultsNumbersAcrossBatches(t *testing.T) {
	out := formatResults([]models.SearchBatch{
		{Tool: models.ToolWebSearch, Results: []models.SearchResult{
			{Title: "A", URL: "https://a", Content: "alpha"},
			{Title: "B", URL: "https://b", Content: "beta"},
		}},
		{Tool: models.ToolArxiv, Results: []models.SearchResult{
			{Title: "C", URL: "https://c", Content: "gamma"},
		}},
	})
	assert.Contains(t, out, "[1] A")
	assert.Contains(t, out, "[2] B")
	assert.Contains(t, out, "[3] C")
}
