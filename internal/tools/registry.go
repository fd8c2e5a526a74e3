package tools

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/loomworks/deepresearch/internal/models"
)

// ErrToolNotFound is returned when a lookup names an unregistered tool.
var ErrToolNotFound = errors.New("tool not found")

// Fetcher executes one search call and normalizes the tool-specific payload
// into the shared result shape. Implementations must be safe for concurrent
// use; the fan-out executor calls them from many goroutines.
type Fetcher interface {
	Fetch(ctx context.Context, query string) ([]models.SearchResult, error)
	SourceType() models.SourceType
}

// Registry maps tool identifiers to fetchers. Safe for concurrent access.
type Registry struct {
	mu       sync.RWMutex
	fetchers map[models.ToolID]Fetcher
	logger   *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		fetchers: make(map[models.ToolID]Fetcher),
		logger:   logger,
	}
}

// Register adds or replaces the fetcher for a tool.
func (r *Registry) Register(id models.ToolID, f Fetcher) {
	r.mu.Lock()
	r.fetchers[id] = f
	r.mu.Unlock()
	r.logger.Info("Registered tool", zap.String("tool", string(id)))
}

// Lookup returns the fetcher for a tool, or ErrToolNotFound.
func (r *Registry) Lookup(id models.ToolID) (Fetcher, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.fetchers[id]
	if !ok {
		return nil, ErrToolNotFound
	}
	return f, nil
}

// IDs returns the registered tool identifiers.
func (r *Registry) IDs() []models.ToolID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]models.ToolID, 0, len(r.fetchers))
	for id := range r.fetchers {
		ids = append(ids, id)
	}
	return ids
}
