package db

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/loomworks/deepresearch/internal/metrics"
	"github.com/loomworks/deepresearch/internal/models"
)

// Config holds database configuration.
type Config struct {
	DSN             string
	MaxConnections  int
	IdleConnections int
	MaxLifetime     time.Duration
}

// Client persists run history to Postgres. Writes go through an async queue
// so a slow or degraded database never blocks the runner goroutine driving a
// session; Redis remains the source of truth for task polling.
type Client struct {
	db     *sqlx.DB
	logger *zap.Logger

	writeQueue chan writeRequest
	workers    int
	stopCh     chan struct{}
	workerWg   sync.WaitGroup
}

type writeRequest struct {
	record    *models.TaskRecord
	startedAt time.Time
}

// NewClient opens the connection pool and starts the write workers.
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = 25
	}
	if cfg.IdleConnections == 0 {
		cfg.IdleConnections = 5
	}
	if cfg.MaxLifetime == 0 {
		cfg.MaxLifetime = 5 * time.Minute
	}

	db, err := sqlx.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(cfg.IdleConnections)
	db.SetConnMaxLifetime(cfg.MaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	c := &Client{
		db:         db,
		logger:     logger,
		writeQueue: make(chan writeRequest, 256),
		workers:    4,
		stopCh:     make(chan struct{}),
	}
	c.startWorkers()

	logger.Info("Database client initialized",
		zap.Int("max_connections", cfg.MaxConnections),
		zap.Int("workers", c.workers),
	)
	return c, nil
}

// NewClientWithDB wraps an existing connection without starting a pool of
// its own. Used by tests.
func NewClientWithDB(db *sqlx.DB, logger *zap.Logger) *Client {
	c := &Client{
		db:         db,
		logger:     logger,
		writeQueue: make(chan writeRequest, 256),
		workers:    1,
		stopCh:     make(chan struct{}),
	}
	c.startWorkers()
	return c
}

func (c *Client) startWorkers() {
	for i := 0; i < c.workers; i++ {
		c.workerWg.Add(1)
		go c.writeWorker(i)
	}
}

func (c *Client) writeWorker(id int) {
	defer c.workerWg.Done()
	for {
		select {
		case req := <-c.writeQueue:
			c.processWrite(req)
		case <-c.stopCh:
			// Drain what is already queued before exiting.
			for {
				select {
				case req := <-c.writeQueue:
					c.processWrite(req)
				default:
					c.logger.Debug("History write worker stopped", zap.Int("worker_id", id))
					return
				}
			}
		}
	}
}

func (c *Client) processWrite(req writeRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := c.saveRun(ctx, req.record, req.startedAt); err != nil {
		metrics.HistoryWrites.WithLabelValues("error").Inc()
		c.logger.Error("Failed to persist run history",
			zap.String("task_id", req.record.TaskID),
			zap.Error(err),
		)
		return
	}
	metrics.HistoryWrites.WithLabelValues("ok").Inc()
}

// RecordRun queues a finished run for persistence. Non-blocking: when the
// queue is full the record is dropped with a warning rather than stalling
// the caller.
func (c *Client) RecordRun(rec *models.TaskRecord, startedAt time.Time) {
	select {
	case c.writeQueue <- writeRequest{record: rec, startedAt: startedAt}:
	default:
		metrics.HistoryWrites.WithLabelValues("dropped").Inc()
		c.logger.Warn("History write queue full, dropping record",
			zap.String("task_id", rec.TaskID),
		)
	}
}

// saveRun upserts one run row, idempotent by task_id so a retried terminal
// write does not duplicate history.
func (c *Client) saveRun(ctx context.Context, rec *models.TaskRecord, startedAt time.Time) error {
	row := newRunRow(rec, startedAt)

	const query = `
		INSERT INTO research_runs (
			task_id, session_id, query, status,
			report, citation_count, iterations, search_count,
			error, started_at, completed_at, created_at
		) VALUES (
			:task_id, :session_id, :query, :status,
			:report, :citation_count, :iterations, :search_count,
			:error, :started_at, :completed_at, :created_at
		)
		ON CONFLICT (task_id) DO UPDATE SET
			status = EXCLUDED.status,
			report = EXCLUDED.report,
			citation_count = EXCLUDED.citation_count,
			iterations = EXCLUDED.iterations,
			search_count = EXCLUDED.search_count,
			error = EXCLUDED.error,
			completed_at = EXCLUDED.completed_at`

	if _, err := c.db.NamedExecContext(ctx, query, row); err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	return nil
}

// GetRun reads the history row for a task id.
func (c *Client) GetRun(ctx context.Context, taskID string) (*RunRecord, error) {
	var row RunRecord
	const query = `
		SELECT task_id, session_id, query, status,
			report, citation_count, iterations, search_count,
			error, started_at, completed_at, created_at
		FROM research_runs
		WHERE task_id = $1`

	if err := c.db.GetContext(ctx, &row, query, taskID); err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return &row, nil
}

// ListRecentRuns returns the newest runs, most recent first.
func (c *Client) ListRecentRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	var rows []RunRecord
	const query = `
		SELECT task_id, session_id, query, status,
			report, citation_count, iterations, search_count,
			error, started_at, completed_at, created_at
		FROM research_runs
		ORDER BY created_at DESC
		LIMIT $1`

	if err := c.db.SelectContext(ctx, &rows, query, limit); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return rows, nil
}

// Close stops the write workers (draining queued records) and closes the
// connection pool.
func (c *Client) Close() error {
	close(c.stopCh)
	c.workerWg.Wait()
	return c.db.Close()
}
