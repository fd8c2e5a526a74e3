package tasks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/loomworks/deepresearch/internal/engine"
	"github.com/loomworks/deepresearch/internal/metrics"
	"github.com/loomworks/deepresearch/internal/models"
)

// CancelResult is the outcome of a cancellation request.
type CancelResult string

const (
	CancelRequested       CancelResult = "requested"
	CancelAlreadyFinished CancelResult = "already_finished"
	CancelNotFound        CancelResult = "not_found"
)

// How long finished handles stay in the registry so a late cancel request
// gets "already_finished" instead of "not_found".
const finishedHandleRetention = 10 * time.Minute

// HistoryWriter records finished runs to long-term storage. Implementations
// must be non-blocking and best-effort.
type HistoryWriter interface {
	RecordRun(rec *models.TaskRecord, startedAt time.Time)
}

// StreamReleaser frees per-session replay state. The manager calls it when a
// finished session's handle leaves the registry, so late subscribers can
// still replay for the retention window but rings do not accumulate forever.
type StreamReleaser interface {
	DropHistory(sessionID string)
}

// StartRequest describes one research run.
type StartRequest struct {
	Query         string
	Depth         string
	MaxIterations int
	Provider      string
	Model         string
}

// Manager owns the task lifecycle: detached runs tracked by durable task
// records, plus the in-memory registry of cancellable session handles that
// sync and streamed runs also register with.
type Manager struct {
	store   *Store
	engines *engine.Cache
	history HistoryWriter  // optional
	streams StreamReleaser // optional
	logger  *zap.Logger

	defaultMaxIterations int
	defaultProvider      string
	defaultModel         string
	defaultDepth         string

	mu     sync.Mutex
	active map[string]*runHandle // keyed by session id

	wg     sync.WaitGroup
	stopCh chan struct{}
}

type runHandle struct {
	cancel     context.CancelFunc
	done       bool
	finishedAt time.Time
}

// Config wires a Manager.
type Config struct {
	Store                *Store
	Engines              *engine.Cache
	History              HistoryWriter
	Streams              StreamReleaser
	Logger               *zap.Logger
	DefaultMaxIterations int
	DefaultProvider      string
	DefaultModel         string
	DefaultDepth         string
}

// NewManager creates a task lifecycle manager.
func NewManager(cfg Config) *Manager {
	if cfg.DefaultMaxIterations < 1 {
		cfg.DefaultMaxIterations = 2
	}
	m := &Manager{
		store:                cfg.Store,
		engines:              cfg.Engines,
		history:              cfg.History,
		streams:              cfg.Streams,
		logger:               cfg.Logger,
		defaultMaxIterations: cfg.DefaultMaxIterations,
		defaultProvider:      cfg.DefaultProvider,
		defaultModel:         cfg.DefaultModel,
		defaultDepth:         cfg.DefaultDepth,
		active:               make(map[string]*runHandle),
		stopCh:               make(chan struct{}),
	}
	go m.pruneLoop()
	return m
}

func (m *Manager) normalize(req *StartRequest) {
	if req.MaxIterations < 1 {
		req.MaxIterations = m.defaultMaxIterations
	}
	if req.Provider == "" {
		req.Provider = m.defaultProvider
	}
	if req.Model == "" {
		req.Model = m.defaultModel
	}
	if req.Depth == "" {
		req.Depth = m.defaultDepth
	}
}

// Start schedules a detached run and returns immediately with the new task
// and session identifiers. The initial pending record is written durably
// before this returns.
func (m *Manager) Start(ctx context.Context, req StartRequest) (taskID, sessionID string, err error) {
	m.normalize(&req)
	taskID = uuid.New().String()
	sessionID = uuid.New().String()

	rec := &models.TaskRecord{
		TaskID:    taskID,
		SessionID: sessionID,
		Query:     req.Query,
		Status:    models.TaskStatusPending,
		CreatedAt: time.Now(),
	}
	if err := m.store.Put(ctx, rec); err != nil {
		return "", "", fmt.Errorf("write pending record: %w", err)
	}

	metrics.TasksSubmitted.Inc()
	metrics.SessionsStarted.WithLabelValues("detached").Inc()

	m.wg.Add(1)
	go m.run(rec, req)

	m.logger.Info("Task scheduled",
		zap.String("task_id", taskID),
		zap.String("session_id", sessionID),
	)
	return taskID, sessionID, nil
}

// run drives one detached session in the background, independent of the
// originating connection.
func (m *Manager) run(rec *models.TaskRecord, req StartRequest) {
	defer m.wg.Done()

	// The run's lifetime is owned here, not by any caller context.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.register(rec.SessionID, cancel)
	defer m.finish(rec.SessionID)

	startedAt := time.Now()

	// Status goes durable before the engine advances, so a crash leaves the
	// record at processing rather than silently completed.
	rec.Status = models.TaskStatusProcessing
	if err := m.store.Put(ctx, rec); err != nil {
		m.logger.Error("Failed to mark task processing",
			zap.String("task_id", rec.TaskID),
			zap.Error(err),
		)
		return
	}

	sess := models.NewSession(rec.SessionID, req.Query, models.ParseDepth(req.Depth), req.MaxIterations)
	err := m.execute(ctx, req, sess)

	now := time.Now()
	rec.CompletedAt = &now
	switch {
	case err == nil:
		rec.Status = models.TaskStatusCompleted
		rec.Result = &models.TaskResult{
			Iterations:  sess.IterationCount,
			SearchCount: sess.ResultCount(),
		}
		if sess.Synthesis != nil {
			rec.Result.Report = sess.Synthesis.Report
			rec.Result.Citations = sess.Synthesis.Citations
		}
		metrics.SessionsCompleted.WithLabelValues("detached", "completed").Inc()
	case errors.Is(err, engine.ErrCancelled):
		rec.Status = models.TaskStatusCancelled
		metrics.SessionsCompleted.WithLabelValues("detached", "cancelled").Inc()
	default:
		// Partial state is discarded; the record carries the message only.
		rec.Status = models.TaskStatusFailed
		rec.Error = err.Error()
		rec.Result = nil
		metrics.SessionsCompleted.WithLabelValues("detached", "failed").Inc()
	}

	// The record write must survive run cancellation.
	writeCtx, cancelWrite := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelWrite()
	if err := m.store.Put(writeCtx, rec); err != nil {
		m.logger.Error("Failed to write terminal task record",
			zap.String("task_id", rec.TaskID),
			zap.String("status", string(rec.Status)),
			zap.Error(err),
		)
	}

	if m.history != nil {
		m.history.RecordRun(rec, startedAt)
	}
}

// execute resolves the engine for the request and runs the session.
func (m *Manager) execute(ctx context.Context, req StartRequest, sess *models.ResearchSession) error {
	eng, err := m.engines.Get(req.Provider, req.Model)
	if err != nil {
		return fmt.Errorf("engine unavailable: %w", err)
	}
	return eng.Run(ctx, sess)
}

// RunSync executes a session synchronously on the caller's goroutine,
// returning when the session reaches its terminal state. The session is
// still registered for cancellation under its session id, so streamed and
// synchronous runs can be cancelled like detached ones.
func (m *Manager) RunSync(ctx context.Context, req StartRequest) (*models.ResearchSession, error) {
	m.normalize(&req)
	sessionID := uuid.New().String()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	m.register(sessionID, cancel)
	defer m.finish(sessionID)

	metrics.SessionsStarted.WithLabelValues("sync").Inc()
	sess := models.NewSession(sessionID, req.Query, models.ParseDepth(req.Depth), req.MaxIterations)

	err := m.execute(runCtx, req, sess)
	switch {
	case err == nil:
		metrics.SessionsCompleted.WithLabelValues("sync", "completed").Inc()
	case errors.Is(err, engine.ErrCancelled):
		metrics.SessionsCompleted.WithLabelValues("sync", "cancelled").Inc()
	default:
		metrics.SessionsCompleted.WithLabelValues("sync", "failed").Inc()
	}
	return sess, err
}

// StartStreamed allocates a session id and runs the engine in the
// background without a task record. Used by streamed runs, where the
// subscriber is the only consumer of the outcome. beforeRun, if non-nil, is
// invoked with the session id before the engine launches so the caller can
// subscribe without missing the first events.
func (m *Manager) StartStreamed(req StartRequest, beforeRun func(sessionID string)) string {
	m.normalize(&req)
	sessionID := uuid.New().String()

	ctx, cancel := context.WithCancel(context.Background())
	m.register(sessionID, cancel)
	metrics.SessionsStarted.WithLabelValues("streamed").Inc()
	if beforeRun != nil {
		beforeRun(sessionID)
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()
		defer m.finish(sessionID)

		sess := models.NewSession(sessionID, req.Query, models.ParseDepth(req.Depth), req.MaxIterations)
		err := m.execute(ctx, req, sess)
		switch {
		case err == nil:
			metrics.SessionsCompleted.WithLabelValues("streamed", "completed").Inc()
		case errors.Is(err, engine.ErrCancelled):
			metrics.SessionsCompleted.WithLabelValues("streamed", "cancelled").Inc()
		default:
			metrics.SessionsCompleted.WithLabelValues("streamed", "failed").Inc()
		}
	}()
	return sessionID
}

// GetStatus reads the durable record for a task.
func (m *Manager) GetStatus(ctx context.Context, taskID string) (*models.TaskRecord, error) {
	return m.store.Get(ctx, taskID)
}

// Cancel signals cancellation of a running session. Safe to repeat: a
// session that already finished reports already_finished, an unknown (or
// long-cleaned-up) session reports not_found, and no path panics or emits a
// second cancelled event.
func (m *Manager) Cancel(sessionID string) CancelResult {
	m.mu.Lock()
	h, ok := m.active[sessionID]
	var result CancelResult
	switch {
	case !ok:
		result = CancelNotFound
	case h.done:
		result = CancelAlreadyFinished
	default:
		h.cancel()
		result = CancelRequested
	}
	m.mu.Unlock()

	metrics.CancelRequests.WithLabelValues(string(result)).Inc()
	m.logger.Info("Cancel requested",
		zap.String("session_id", sessionID),
		zap.String("result", string(result)),
	)
	return result
}

func (m *Manager) register(sessionID string, cancel context.CancelFunc) {
	m.mu.Lock()
	m.active[sessionID] = &runHandle{cancel: cancel}
	m.mu.Unlock()
}

// finish marks the handle done. Idempotent, tolerating cancel-after-finish
// races; the handle itself is pruned later.
func (m *Manager) finish(sessionID string) {
	m.mu.Lock()
	if h, ok := m.active[sessionID]; ok && !h.done {
		h.done = true
		h.finishedAt = time.Now()
	}
	m.mu.Unlock()
}

// pruneLoop evicts finished handles after the retention window.
func (m *Manager) pruneLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.prune(time.Now().Add(-finishedHandleRetention))
		}
	}
}

// prune evicts handles that finished before cutoff and releases their
// streaming replay state with them.
func (m *Manager) prune(cutoff time.Time) {
	var evicted []string
	m.mu.Lock()
	for id, h := range m.active {
		if h.done && h.finishedAt.Before(cutoff) {
			delete(m.active, id)
			evicted = append(evicted, id)
		}
	}
	m.mu.Unlock()

	if m.streams != nil {
		for _, id := range evicted {
			m.streams.DropHistory(id)
		}
	}
}

// Shutdown stops accepting background work and waits for in-flight runs.
func (m *Manager) Shutdown(ctx context.Context) error {
	close(m.stopCh)

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
