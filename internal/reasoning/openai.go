package reasoning

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
	"go.uber.org/zap"

	"github.com/loomworks/deepresearch/internal/models"
)

// OpenAIClient implements Planner, Synthesizer and Grader against any
// OpenAI-compatible chat-completions endpoint using JSON-mode structured
// outputs.
type OpenAIClient struct {
	client *openai.Client
	model  string
	logger *zap.Logger
}

// OpenAIConfig configures an OpenAIClient.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string // optional, for compatible endpoints
	Model   string
	Timeout time.Duration
}

// NewOpenAIClient creates a reasoning client.
func NewOpenAIClient(cfg OpenAIConfig, logger *zap.Logger) (*OpenAIClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai api key not configured")
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := openai.NewClient(opts...)

	return &OpenAIClient{
		client: &client,
		model:  cfg.Model,
		logger: logger,
	}, nil
}

const plannerPrompt = `You are a research planner. Given a user query and a
research depth, produce 2-4 search queries, each with the tools best suited
to answer it. Available tools: "web-search" (general web), "wikipedia"
(encyclopedia), "arxiv" (academic papers), "web-scrape" (fetch one specific
URL; use it with the URL as the query).

Respond with JSON only, in this shape:
{"queries":[{"query":"...","tools":["web-search"]}],"rationale":"..."}

Depth guidance: shallow = 2 queries, moderate = 2-3 queries, deep = 3-4
queries spanning multiple source types.

Query: %s
Depth: %s`

// planWire mirrors the planner's JSON output.
type planWire struct {
	Queries []struct {
		Query string   `json:"query"`
		Tools []string `json:"tools"`
	} `json:"queries"`
	Rationale string `json:"rationale"`
}

// Plan implements Planner.
func (c *OpenAIClient) Plan(ctx context.Context, in PlanInput) (*models.PlanResult, error) {
	raw, err := c.completeJSON(ctx, fmt.Sprintf(plannerPrompt, in.Query, in.Depth))
	if err != nil {
		return nil, fmt.Errorf("plan call failed: %w", err)
	}

	var wire planWire
	if err := json.Unmarshal([]byte(raw), &wire); err != nil {
		return nil, fmt.Errorf("plan output not parseable: %w", err)
	}
	if len(wire.Queries) == 0 {
		return nil, fmt.Errorf("planner returned no queries")
	}

	plan := &models.PlanResult{Rationale: wire.Rationale}
	for _, q := range wire.Queries {
		pq := models.PlannedQuery{Query: q.Query}
		for _, t := range q.Tools {
			pq.Tools = append(pq.Tools, models.ToolID(t))
		}
		plan.Queries = append(plan.Queries, pq)
	}

	c.logger.Debug("Plan generated",
		zap.String("query", in.Query),
		zap.Int("planned_queries", len(plan.Queries)),
	)
	return plan, nil
}

const synthesisPrompt = `You are a research synthesizer. Write a complete
markdown research report answering the original query, using only the search
results below as evidence. Mark every claim with inline citation markers
[1], [2], etc., and list each citation.

Respond with JSON only, in this shape:
{"report":"...","citations":[{"id":1,"claim":"...","source_url":"...",
"source_type":"web","quote":"...","confidence":"high"}],
"metadata":{"word_count":0,"num_sources":0,"self_assessment":"..."}}

If the evidence is sparse, say so in the report rather than inventing facts.
%s
Original query: %s

Search results:
%s`

// Synthesize implements Synthesizer. When OnToken is set the completion is
// streamed and each content delta is forwarded before the full JSON payload
// is parsed.
func (c *OpenAIClient) Synthesize(ctx context.Context, in SynthesisInput) (*models.SynthesisResult, error) {
	revision := ""
	if in.RevisionInstructions != "" {
		revision = "Revision instructions from the previous review: " + in.RevisionInstructions + "\n"
	}
	prompt := fmt.Sprintf(synthesisPrompt, revision, in.Query, formatResults(in.Results))

	var raw string
	var err error
	if in.OnToken != nil {
		raw, err = c.completeJSONStreaming(ctx, prompt, in.OnToken)
	} else {
		raw, err = c.completeJSON(ctx, prompt)
	}
	if err != nil {
		return nil, fmt.Errorf("synthesis call failed: %w", err)
	}

	var out models.SynthesisResult
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("synthesis output not parseable: %w", err)
	}
	return &out, nil
}

const gradePrompt = `You are a research quality reviewer. Assess the report
below against the original query and the gathered evidence. Score citation
accuracy, coverage and coherence in [0,1], then decide one action:
"approve" (report is ready), "revise" (rewrite from the same evidence, give
revision_instructions), or "research_more" (evidence is missing, give
additional_queries with tools). Set additional_queries only for
research_more and revision_instructions only for revise.

Respond with JSON only, in this shape:
{"passed":true,"scores":{"citation_accuracy":0.9,"coverage":0.8,
"coherence":0.9},"action":"approve","coverage_gaps":[],
"next_steps":{"additional_queries":[{"query":"...","tools":["arxiv"]}],
"revision_instructions":""}}

This is grading pass %d of at most %d.

Original query: %s

Report:
%s

Citations:
%s

Search results:
%s`

// Grade implements Grader.
func (c *OpenAIClient) Grade(ctx context.Context, in GradeInput) (*models.QualityResult, error) {
	citations, _ := json.Marshal(in.Citations)
	prompt := fmt.Sprintf(gradePrompt,
		in.Iteration+1, in.MaxIterations,
		in.Query, in.Report, string(citations), formatResults(in.Results))

	raw, err := c.completeJSON(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("grade call failed: %w", err)
	}

	var out models.QualityResult
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("grade output not parseable: %w", err)
	}
	return &out, nil
}

func (c *OpenAIClient) params(prompt string) openai.ChatCompletionNewParams {
	return openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(prompt),
		},
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		},
	}
}

func (c *OpenAIClient) completeJSON(ctx context.Context, prompt string) (string, error) {
	resp, err := c.client.Chat.Completions.New(ctx, c.params(prompt))
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("empty completion")
	}
	return resp.Choices[0].Message.Content, nil
}

func (c *OpenAIClient) completeJSONStreaming(ctx context.Context, prompt string, onToken func(string)) (string, error) {
	stream := c.client.Chat.Completions.NewStreaming(ctx, c.params(prompt))
	var sb strings.Builder
	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		sb.WriteString(delta)
		onToken(delta)
	}
	if err := stream.Err(); err != nil {
		return "", err
	}
	return sb.String(), nil
}

// formatResults renders accumulated batches as numbered evidence for prompts.
func formatResults(batches []models.SearchBatch) string {
	if len(batches) == 0 {
		return "(no search results gathered)"
	}
	var sb strings.Builder
	n := 0
	for _, b := range batches {
		for _, r := range b.Results {
			n++
			fmt.Fprintf(&sb, "[%d] %s (%s, %s)\n%s\n\n", n, r.Title, b.Tool, r.URL, r.Content)
		}
	}
	return sb.String()
}
