package db

import (
	"time"

	"github.com/loomworks/deepresearch/internal/models"
)

// RunRecord is one row of the research_runs history table.
type RunRecord struct {
	TaskID        string     `db:"task_id"`
	SessionID     string     `db:"session_id"`
	Query         string     `db:"query"`
	Status        string     `db:"status"`
	Report        string     `db:"report"`
	CitationCount int        `db:"citation_count"`
	Iterations    int        `db:"iterations"`
	SearchCount   int        `db:"search_count"`
	Error         string     `db:"error"`
	StartedAt     time.Time  `db:"started_at"`
	CompletedAt   *time.Time `db:"completed_at"`
	CreatedAt     time.Time  `db:"created_at"`
}

func newRunRow(rec *models.TaskRecord, startedAt time.Time) RunRecord {
	row := RunRecord{
		TaskID:      rec.TaskID,
		SessionID:   rec.SessionID,
		Query:       rec.Query,
		Status:      string(rec.Status),
		Error:       rec.Error,
		StartedAt:   startedAt,
		CompletedAt: rec.CompletedAt,
		CreatedAt:   rec.CreatedAt,
	}
	if rec.Result != nil {
		row.Report = rec.Result.Report
		row.CitationCount = len(rec.Result.Citations)
		row.Iterations = rec.Result.Iterations
		row.SearchCount = rec.Result.SearchCount
	}
	return row
}
