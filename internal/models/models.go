package models

import (
	"time"
)

// Depth is the caller-supplied research depth hint. It is passed through to
// the planner and influences how many queries get planned; the engine itself
// does not enforce it.
type Depth string

const (
	DepthShallow  Depth = "shallow"
	DepthModerate Depth = "moderate"
	DepthDeep     Depth = "deep"
)

// ParseDepth maps a free-form string to a Depth, defaulting to moderate.
func ParseDepth(s string) Depth {
	switch Depth(s) {
	case DepthShallow, DepthModerate, DepthDeep:
		return Depth(s)
	default:
		return DepthModerate
	}
}

// Action is the grader's routing decision.
type Action string

const (
	ActionApprove      Action = "approve"
	ActionRevise       Action = "revise"
	ActionResearchMore Action = "research_more"
)

// Stage identifies a step of the research cycle.
type Stage string

const (
	StagePlanning     Stage = "planning"
	StageGathering    Stage = "gathering"
	StageSynthesizing Stage = "synthesizing"
	StageGrading      Stage = "grading"
	StageTerminal     Stage = "terminal"
)

// ToolID identifies a registered search tool.
type ToolID string

const (
	ToolWebSearch ToolID = "web-search"
	ToolWebScrape ToolID = "web-scrape"
	ToolWikipedia ToolID = "wikipedia"
	ToolArxiv     ToolID = "arxiv"
)

// SourceType classifies where a search result came from.
type SourceType string

const (
	SourceWeb          SourceType = "web"
	SourceEncyclopedia SourceType = "encyclopedia"
	SourceAcademic     SourceType = "academic"
)

// PlannedQuery is a single query with its assigned tools. Immutable once
// produced by the planner.
type PlannedQuery struct {
	Query string   `json:"query"`
	Tools []ToolID `json:"tools"`
}

// PlanResult is the planner's output.
type PlanResult struct {
	Queries   []PlannedQuery `json:"queries"`
	Rationale string         `json:"rationale,omitempty"`
}

// SearchResult is the normalized shape every tool's raw payload is translated
// into before it enters the session.
type SearchResult struct {
	Title      string                 `json:"title"`
	URL        string                 `json:"url"`
	Content    string                 `json:"content"`
	RawContent string                 `json:"raw_content,omitempty"`
	Score      *float64               `json:"score,omitempty"`
	Date       string                 `json:"date,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// SearchBatch holds the results of one successful (query, tool) fetch.
type SearchBatch struct {
	Query      string         `json:"query"`
	Tool       ToolID         `json:"tool"`
	SourceType SourceType     `json:"source_type"`
	Timestamp  time.Time      `json:"timestamp"`
	Results    []SearchResult `json:"results"`
}

// Citation maps a claim in the report to its supporting source.
type Citation struct {
	ID         int        `json:"id"`
	Claim      string     `json:"claim"`
	SourceURL  string     `json:"source_url"`
	SourceType SourceType `json:"source_type"`
	Quote      string     `json:"quote,omitempty"`
	Confidence string     `json:"confidence,omitempty"` // high | medium | low
}

// SynthesisMetadata describes the synthesized report.
type SynthesisMetadata struct {
	WordCount      int    `json:"word_count"`
	NumSources     int    `json:"num_sources"`
	SelfAssessment string `json:"self_assessment,omitempty"`
}

// SynthesisResult is the synthesizer's output: a markdown report with inline
// citation markers plus the citation list backing them.
type SynthesisResult struct {
	Report    string            `json:"report"`
	Citations []Citation        `json:"citations"`
	Metadata  SynthesisMetadata `json:"metadata"`
}

// QualityScores are the grader's per-dimension assessments in [0,1].
type QualityScores struct {
	CitationAccuracy float64 `json:"citation_accuracy"`
	Coverage         float64 `json:"coverage"`
	Coherence        float64 `json:"coherence"`
}

// NextSteps carries the grader's follow-up work. AdditionalQueries is set
// only for research_more, RevisionInstructions only for revise; the grader
// must not leave stale queries behind on a revise decision.
type NextSteps struct {
	AdditionalQueries    []PlannedQuery `json:"additional_queries,omitempty"`
	RevisionInstructions string         `json:"revision_instructions,omitempty"`
}

// QualityResult is the grader's output for one iteration.
type QualityResult struct {
	Passed       bool          `json:"passed"`
	Scores       QualityScores `json:"scores"`
	Action       Action        `json:"action"`
	CoverageGaps []string      `json:"coverage_gaps,omitempty"`
	NextSteps    *NextSteps    `json:"next_steps,omitempty"`
}

// ResearchSession is the unit of work for one query. It is exclusively owned
// by the one engine run driving it; no other component mutates it.
//
// Per-field merge policy:
//   - OriginalQuery, Depth, MaxIterations: immutable after creation
//   - SearchPlan: written once by the plan stage
//   - SearchResults: append-only across iterations
//   - Synthesis, QualityCheck: replaced on every synthesize/grade stage
//   - IterationCount: incremented by exactly one per grade stage
type ResearchSession struct {
	ID            string `json:"id"`
	OriginalQuery string `json:"original_query"`
	Depth         Depth  `json:"depth"`

	IterationCount int `json:"iteration_count"`
	MaxIterations  int `json:"max_iterations"`

	SearchPlan    *PlanResult      `json:"search_plan,omitempty"`
	SearchResults []SearchBatch    `json:"search_results"`
	Synthesis     *SynthesisResult `json:"synthesis,omitempty"`
	QualityCheck  *QualityResult   `json:"quality_check,omitempty"`

	IsComplete bool   `json:"is_complete"`
	Action     Action `json:"action,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// NewSession creates a session for one query run.
func NewSession(id, query string, depth Depth, maxIterations int) *ResearchSession {
	if maxIterations < 1 {
		maxIterations = 1
	}
	return &ResearchSession{
		ID:            id,
		OriginalQuery: query,
		Depth:         depth,
		MaxIterations: maxIterations,
		SearchResults: make([]SearchBatch, 0),
		CreatedAt:     time.Now(),
	}
}

// ResultCount returns the total number of normalized results gathered so far.
func (s *ResearchSession) ResultCount() int {
	n := 0
	for _, b := range s.SearchResults {
		n += len(b.Results)
	}
	return n
}
