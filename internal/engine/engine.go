package engine

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/loomworks/deepresearch/internal/metrics"
	"github.com/loomworks/deepresearch/internal/models"
	"github.com/loomworks/deepresearch/internal/reasoning"
	"github.com/loomworks/deepresearch/internal/streaming"
)

// Gatherer runs the concurrent search fan-out for one batch of queries.
type Gatherer interface {
	Execute(ctx context.Context, queries []models.PlannedQuery) []models.SearchBatch
}

// Publisher receives the engine's lifecycle events.
type Publisher interface {
	Publish(sessionID string, evt streaming.Event)
}

// Checkpointer snapshots session state after each applied stage update.
// Checkpoint failures are logged, never fatal.
type Checkpointer interface {
	Save(ctx context.Context, sess *models.ResearchSession) error
}

// Engine drives one session through the plan -> gather -> synthesize ->
// grade cycle until the routing policy reaches terminal. The engine owns the
// session exclusively while Run is executing; stages compute updates that
// are applied before the next stage begins.
type Engine struct {
	planner     reasoning.Planner
	synthesizer reasoning.Synthesizer
	grader      reasoning.Grader
	gatherer    Gatherer
	publisher   Publisher
	checkpoints Checkpointer // optional
	logger      *zap.Logger
	tracer      trace.Tracer
}

// Config wires an Engine's collaborators.
type Config struct {
	Planner     reasoning.Planner
	Synthesizer reasoning.Synthesizer
	Grader      reasoning.Grader
	Gatherer    Gatherer
	Publisher   Publisher
	Checkpoints Checkpointer
	Logger      *zap.Logger
}

// New creates an Engine.
func New(cfg Config) *Engine {
	return &Engine{
		planner:     cfg.Planner,
		synthesizer: cfg.Synthesizer,
		grader:      cfg.Grader,
		gatherer:    cfg.Gatherer,
		publisher:   cfg.Publisher,
		checkpoints: cfg.Checkpoints,
		logger:      cfg.Logger,
		tracer:      otel.Tracer("deepresearch/engine"),
	}
}

// Run executes the session to its terminal state. It returns nil on a normal
// terminal (approved or budget exhausted), ErrCancelled when the context is
// cancelled, and a *StageError when a reasoning stage fails. Exactly one of
// completed, cancelled or error is published as the final event.
func (e *Engine) Run(ctx context.Context, sess *models.ResearchSession) error {
	metrics.SessionsActive.Inc()
	defer metrics.SessionsActive.Dec()

	e.publish(sess.ID, streaming.Event{
		Type:  streaming.EventStarted,
		Query: sess.OriginalQuery,
	})

	// Queries for the next gather pass when the grader overrides the plan.
	// Scoped to one iteration: consumed by the next gather, then reset.
	var override []models.PlannedQuery

	state := models.StagePlanning
	for state != models.StageTerminal {
		if err := ctx.Err(); err != nil {
			return e.cancelled(sess)
		}

		var err error
		switch state {
		case models.StagePlanning:
			err = e.runStage(ctx, sess, models.StagePlanning, func(ctx context.Context) error {
				return e.plan(ctx, sess)
			})
			if err == nil {
				state = models.StageGathering
			}

		case models.StageGathering:
			queries := override
			override = nil
			if len(queries) == 0 {
				queries = sess.SearchPlan.Queries
			}
			err = e.runStage(ctx, sess, models.StageGathering, func(ctx context.Context) error {
				return e.gather(ctx, sess, queries)
			})
			if err == nil {
				state = models.StageSynthesizing
			}

		case models.StageSynthesizing:
			err = e.runStage(ctx, sess, models.StageSynthesizing, func(ctx context.Context) error {
				return e.synthesize(ctx, sess)
			})
			if err == nil {
				state = models.StageGrading
			}

		case models.StageGrading:
			err = e.runStage(ctx, sess, models.StageGrading, func(ctx context.Context) error {
				return e.grade(ctx, sess)
			})
			if err == nil {
				state = Route(sess)
				if state == models.StageGathering {
					if ns := sess.QualityCheck.NextSteps; ns != nil {
						override = ns.AdditionalQueries
					}
				}
			}
		}

		if err != nil {
			if ctx.Err() != nil {
				return e.cancelled(sess)
			}
			stageErr := &StageError{Stage: state, Err: err}
			e.publish(sess.ID, streaming.Event{
				Type:    streaming.EventError,
				Message: stageErr.Error(),
			})
			e.logger.Error("Session failed",
				zap.String("session_id", sess.ID),
				zap.String("stage", string(state)),
				zap.Error(err),
			)
			return stageErr
		}

		e.checkpoint(ctx, sess)
	}

	metrics.SessionIterations.Observe(float64(sess.IterationCount))
	evt := streaming.Event{
		Type:       streaming.EventCompleted,
		Iterations: sess.IterationCount,
	}
	if sess.Synthesis != nil {
		evt.Report = sess.Synthesis.Report
		evt.Citations = sess.Synthesis.Citations
	}
	e.publish(sess.ID, evt)

	e.logger.Info("Session completed",
		zap.String("session_id", sess.ID),
		zap.Int("iterations", sess.IterationCount),
		zap.Bool("is_complete", sess.IsComplete),
		zap.String("action", string(sess.Action)),
	)
	return nil
}

// runStage brackets a stage with entered/exited events, a trace span and a
// duration metric. Gathering's internal fan-out runs inside this bracket.
func (e *Engine) runStage(ctx context.Context, sess *models.ResearchSession, stage models.Stage, fn func(context.Context) error) error {
	e.publish(sess.ID, streaming.Event{Type: streaming.EventStageEntered, Stage: string(stage)})

	ctx, span := e.tracer.Start(ctx, string(stage),
		trace.WithAttributes(attribute.String("session.id", sess.ID)))
	start := time.Now()
	err := fn(ctx)
	span.End()
	metrics.StageDuration.WithLabelValues(string(stage)).Observe(time.Since(start).Seconds())

	e.publish(sess.ID, streaming.Event{Type: streaming.EventStageExited, Stage: string(stage)})
	return err
}

// plan runs the planner and writes the session's one-time search plan.
func (e *Engine) plan(ctx context.Context, sess *models.ResearchSession) error {
	plan, err := e.planner.Plan(ctx, reasoning.PlanInput{
		Query: sess.OriginalQuery,
		Depth: sess.Depth,
	})
	if err != nil {
		return err
	}
	if len(plan.Queries) == 0 {
		return errEmptyPlan
	}
	sess.SearchPlan = plan
	return nil
}

// gather fans out the batch and appends the results; an empty result set is
// acceptable and never an error.
func (e *Engine) gather(ctx context.Context, sess *models.ResearchSession, queries []models.PlannedQuery) error {
	batches := e.gatherer.Execute(ctx, queries)
	sess.SearchResults = append(sess.SearchResults, batches...)
	return nil
}

// synthesize replaces the session's report, passing incremental tokens
// through to subscribers while the reasoning call streams.
func (e *Engine) synthesize(ctx context.Context, sess *models.ResearchSession) error {
	in := reasoning.SynthesisInput{
		Query:   sess.OriginalQuery,
		Results: sess.SearchResults,
		OnToken: func(content string) {
			e.publish(sess.ID, streaming.Event{Type: streaming.EventToken, Content: content})
		},
	}
	if qc := sess.QualityCheck; qc != nil && qc.Action == models.ActionRevise && qc.NextSteps != nil {
		in.RevisionInstructions = qc.NextSteps.RevisionInstructions
	}

	synth, err := e.synthesizer.Synthesize(ctx, in)
	if err != nil {
		return err
	}
	sess.Synthesis = synth
	return nil
}

// grade replaces the session's quality check and increments the iteration
// counter before the routing decision reads it.
func (e *Engine) grade(ctx context.Context, sess *models.ResearchSession) error {
	qc, err := e.grader.Grade(ctx, reasoning.GradeInput{
		Query:         sess.OriginalQuery,
		Report:        sess.Synthesis.Report,
		Citations:     sess.Synthesis.Citations,
		Results:       sess.SearchResults,
		Iteration:     sess.IterationCount,
		MaxIterations: sess.MaxIterations,
	})
	if err != nil {
		return err
	}

	sess.QualityCheck = qc
	sess.Action = qc.Action
	if qc.Action == models.ActionApprove {
		sess.IsComplete = true
	}
	sess.IterationCount++
	return nil
}

func (e *Engine) cancelled(sess *models.ResearchSession) error {
	e.publish(sess.ID, streaming.Event{Type: streaming.EventCancelled})
	e.logger.Info("Session cancelled", zap.String("session_id", sess.ID))
	return ErrCancelled
}

func (e *Engine) checkpoint(ctx context.Context, sess *models.ResearchSession) {
	if e.checkpoints == nil {
		return
	}
	// Snapshots are diagnostics, not correctness; use a detached context so
	// a cancelled run still records its last state.
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := e.checkpoints.Save(saveCtx, sess); err != nil {
		e.logger.Warn("Checkpoint save failed",
			zap.String("session_id", sess.ID),
			zap.Error(err),
		)
	}
}

func (e *Engine) publish(sessionID string, evt streaming.Event) {
	if e.publisher != nil {
		e.publisher.Publish(sessionID, evt)
	}
}
