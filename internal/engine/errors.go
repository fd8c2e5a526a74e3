package engine

import (
	"errors"
	"fmt"

	"github.com/loomworks/deepresearch/internal/models"
)

// ErrCancelled marks a cooperative cancellation. It is a distinct successful
// abort, not a failure; callers must report it separately from fatal errors.
var ErrCancelled = errors.New("session cancelled")

// errEmptyPlan is fatal: without at least one planned query the session can
// never gather evidence.
var errEmptyPlan = errors.New("planner returned no queries")

// StageError is a fatal failure in one of the reasoning stages. Gather-level
// failures never produce a StageError; they are absorbed by the fan-out
// executor.
type StageError struct {
	Stage models.Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }
