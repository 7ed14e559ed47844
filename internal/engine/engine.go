// Package engine provides the core memory engine for per-tenant structured
// memory. It orchestrates profile merges, episode logging, concern tracking,
// and view rendering behind a single transactional ingest entry point, plus
// plain read paths for callers that do not need transactional semantics.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/scrypster/keepsake/internal/render"
	"github.com/scrypster/keepsake/internal/storage"
	"github.com/scrypster/keepsake/pkg/types"
)

// Config holds configuration for the memory engine.
type Config struct {
	// RenderEpisodeCount is how many recent episodes the rendered memory
	// document includes (default: 10).
	RenderEpisodeCount int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		RenderEpisodeCount: render.DefaultEpisodeCount,
	}
}

// Validate checks if the config is valid.
func (c *Config) Validate() error {
	if c.RenderEpisodeCount < 1 {
		return fmt.Errorf("RenderEpisodeCount must be >= 1, got %d", c.RenderEpisodeCount)
	}
	return nil
}

// Engine is the core orchestrator for tenant memory. All writes funnel
// through Ingest; the remaining methods are read paths delegated to the store.
type Engine struct {
	config Config
	store  storage.Store

	mu sync.RWMutex

	// Callbacks
	onRendered     func(tenantID, content string)
	onConcernAlert func(tenantID, concernKey string, severity types.Severity)
	tracer         func(TraceEvent)
}

// NewEngine creates a new memory engine backed by store.
// Use DefaultConfig() for sensible defaults.
func NewEngine(store storage.Store, config Config) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("storage backend is required")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Engine{config: config, store: store}, nil
}

// SetOnRendered sets a callback fired after a transaction that produced a new
// rendered memory document has committed. It runs outside the transaction.
func (e *Engine) SetOnRendered(callback func(tenantID, content string)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onRendered = callback
}

// SetOnConcernAlert sets a callback fired after a committed ingest recorded a
// mention of a high or critical concern, once per alerting concern in the
// batch. It runs outside the transaction.
func (e *Engine) SetOnConcernAlert(callback func(tenantID, concernKey string, severity types.Severity)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onConcernAlert = callback
}

// SetTracer sets a callback receiving structured trace events for every
// ingest. Tracing is best-effort observability; the tracer must not block.
func (e *Engine) SetTracer(tracer func(TraceEvent)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tracer = tracer
}

func (e *Engine) emit(ev TraceEvent) {
	e.mu.RLock()
	tracer := e.tracer
	e.mu.RUnlock()
	if tracer != nil {
		tracer(ev)
	}
}

func (e *Engine) notifyRendered(tenantID, content string) {
	e.mu.RLock()
	cb := e.onRendered
	e.mu.RUnlock()
	if cb != nil {
		cb(tenantID, content)
	}
}

func (e *Engine) notifyConcernAlert(tenantID, concernKey string, severity types.Severity) {
	e.mu.RLock()
	cb := e.onConcernAlert
	e.mu.RUnlock()
	if cb != nil {
		cb(tenantID, concernKey, severity)
	}
}

// GetProfile returns the tenant's current profile.
func (e *Engine) GetProfile(ctx context.Context, tenantID string) (*types.Profile, error) {
	return e.store.GetProfile(ctx, tenantID)
}

// GetRecentEpisodes returns recent non-superseded episodes, newest-first.
func (e *Engine) GetRecentEpisodes(ctx context.Context, tenantID string, q storage.EpisodeQuery) ([]types.Episode, error) {
	return e.store.GetRecentEpisodes(ctx, tenantID, q)
}

// GetEpisodesSince returns episodes created at or after since.
func (e *Engine) GetEpisodesSince(ctx context.Context, tenantID string, since time.Time, q storage.SinceQuery) ([]types.Episode, error) {
	return e.store.GetEpisodesSince(ctx, tenantID, since, q)
}

// GetActiveConcerns returns the tenant's open concerns.
func (e *Engine) GetActiveConcerns(ctx context.Context, tenantID string) ([]types.Concern, error) {
	return e.store.GetActiveConcerns(ctx, tenantID)
}

// GetAllConcerns returns every concern for the tenant, any status.
func (e *Engine) GetAllConcerns(ctx context.Context, tenantID string) ([]types.Concern, error) {
	return e.store.GetAllConcerns(ctx, tenantID)
}

// UpdateConcernStatus moves a concern between statuses and returns the number
// of rows changed (0 for unknown concerns or rejected status values).
func (e *Engine) UpdateConcernStatus(ctx context.Context, tenantID, concernKey string, status types.ConcernStatus) (int64, error) {
	return e.store.UpdateConcernStatus(ctx, tenantID, concernKey, status)
}

// GetMemoryFile returns the last rendered memory document for the tenant.
func (e *Engine) GetMemoryFile(ctx context.Context, tenantID string) (string, error) {
	return e.store.GetArtifact(ctx, tenantID, render.MemoryFileName)
}

// RenderMemoryFile recompiles the memory document from current state and
// stores it. Non-transactional: it reads committed state only. Returns
// whether a document was produced.
func (e *Engine) RenderMemoryFile(ctx context.Context, tenantID string) (bool, error) {
	content, err := e.compile(ctx, e.store, tenantID)
	if err != nil {
		return false, err
	}
	if content == "" {
		return false, nil
	}
	if err := e.store.UpsertArtifact(ctx, tenantID, render.MemoryFileName, content); err != nil {
		return false, err
	}
	e.notifyRendered(tenantID, content)
	return true, nil
}

// compile gathers the render inputs through q, which is either the store
// itself or a transaction-bound view of it.
func (e *Engine) compile(ctx context.Context, q storage.Tx, tenantID string) (string, error) {
	profile, err := q.GetProfile(ctx, tenantID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return "", fmt.Errorf("engine: failed to read profile for render: %w", err)
	}
	concerns, err := q.GetActiveConcerns(ctx, tenantID)
	if err != nil {
		return "", fmt.Errorf("engine: failed to read concerns for render: %w", err)
	}
	episodes, err := q.GetRecentEpisodes(ctx, tenantID, storage.EpisodeQuery{Limit: e.config.RenderEpisodeCount})
	if err != nil {
		return "", fmt.Errorf("engine: failed to read episodes for render: %w", err)
	}
	return render.Compile(profile, concerns, episodes), nil
}

// Close releases the underlying storage.
func (e *Engine) Close() error {
	return e.store.Close()
}
