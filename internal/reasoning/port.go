package reasoning

import (
	"context"

	"github.com/loomworks/deepresearch/internal/models"
)

// The reasoning port is the boundary to the external structured-output
// generation steps. Each call is treated as a pure function with latency and
// failure modes; any retry policy lives behind these interfaces, never in
// the engine.

// PlanInput is the planner's input.
type PlanInput struct {
	Query string
	Depth models.Depth
}

// Planner turns a query into a search plan. Failure is session-fatal.
type Planner interface {
	Plan(ctx context.Context, in PlanInput) (*models.PlanResult, error)
}

// SynthesisInput is the synthesizer's input. OnToken, when non-nil, receives
// incremental output while the underlying call streams; it is opaque
// pass-through for the streaming adapter.
type SynthesisInput struct {
	Query                string
	Results              []models.SearchBatch
	RevisionInstructions string
	OnToken              func(content string)
}

// Synthesizer produces a cited report from the accumulated evidence. It must
// tolerate a sparse or empty result set.
type Synthesizer interface {
	Synthesize(ctx context.Context, in SynthesisInput) (*models.SynthesisResult, error)
}

// GradeInput is the grader's input.
type GradeInput struct {
	Query         string
	Report        string
	Citations     []models.Citation
	Results       []models.SearchBatch
	Iteration     int
	MaxIterations int
}

// Grader scores the report and decides the next action. The output contract
// requires NextSteps.AdditionalQueries to be set only for research_more;
// the engine does not re-derive that invariant.
type Grader interface {
	Grade(ctx context.Context, in GradeInput) (*models.QualityResult, error)
}
