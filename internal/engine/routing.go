package engine

import (
	"github.com/loomworks/deepresearch/internal/models"
)

// Route decides the state following a completed grade stage. It is evaluated
// in strict priority order:
//
//  1. iteration budget exhausted or grader approved -> terminal
//  2. grader supplied explicit additional queries   -> gathering
//  3. action revise                                 -> synthesizing
//  4. action research_more without queries          -> gathering (re-run plan)
//  5. anything else                                 -> terminal
//
// The budget check dominates every other signal so the loop terminates in at
// most MaxIterations grading passes. Explicit queries are checked before the
// action label: a research_more decision normally carries its own queries,
// while a revise decision must never trigger new searches.
//
// Route expects IterationCount to already reflect the just-finished grading
// pass (the Nth pass sees IterationCount == N).
func Route(s *models.ResearchSession) models.Stage {
	if s.IterationCount >= s.MaxIterations || s.IsComplete {
		return models.StageTerminal
	}

	if qc := s.QualityCheck; qc != nil && qc.NextSteps != nil && len(qc.NextSteps.AdditionalQueries) > 0 {
		return models.StageGathering
	}

	switch s.Action {
	case models.ActionRevise:
		return models.StageSynthesizing
	case models.ActionResearchMore:
		// Degenerate case: research_more with no queries re-runs the plan.
		return models.StageGathering
	default:
		return models.StageTerminal
	}
}
