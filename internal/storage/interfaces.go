// Package storage provides composable storage interfaces for the Keepsake
// memory engine.
//
// The layer is split into small, focused interfaces (profile, episodes,
// concerns, rendered artifacts) that backends implement independently and the
// engine composes. Store bundles them together with transaction support; Tx
// is the same surface bound to one open transaction, which is how the ingest
// orchestrator gets its all-or-nothing semantics.
package storage

import (
	"context"
	"time"

	"github.com/scrypster/keepsake/pkg/types"
)

// ProfileStore manages the single versioned profile document per tenant.
type ProfileStore interface {
	// GetProfile retrieves a tenant's profile.
	// Returns ErrNotFound if the tenant has no profile row yet.
	GetProfile(ctx context.Context, tenantID string) (*types.Profile, error)

	// GetProfileForUpdate retrieves a tenant's profile holding an exclusive
	// row lock. It is only meaningful inside RunInTx; concurrent ingests for
	// the same tenant serialize on this call. Returns ErrNotFound (without
	// acquiring a lock) if no row exists.
	GetProfileForUpdate(ctx context.Context, tenantID string) (*types.Profile, error)

	// UpsertProfile applies updates as a shallow merge-patch gated on
	// expectedVersion. expectedVersion == 0 means insert-or-merge: the first
	// writer inserts at version 1, a racing writer merges against the current
	// row instead. A stale expectedVersion is recovered internally by one
	// re-read-and-retry; only a conflict on the retry surfaces as
	// ErrVersionConflict.
	UpsertProfile(ctx context.Context, tenantID string, updates types.ProfileData, expectedVersion int64) (ProfileWrite, error)
}

// EpisodeLog is the append-only per-tenant event log.
type EpisodeLog interface {
	// InsertEpisode appends one episode and returns its store-assigned ID.
	// There is no deduplication.
	InsertEpisode(ctx context.Context, tenantID string, ep EpisodeInsert) (int64, error)

	// GetRecentEpisodes returns episodes newest-first, excluding superseded
	// rows, optionally filtered by episode type. Default limit is 20.
	GetRecentEpisodes(ctx context.Context, tenantID string, q EpisodeQuery) ([]types.Episode, error)

	// GetEpisodesSince returns episodes with createdAt >= since, newest-first,
	// excluding superseded rows. Default limit is 100.
	GetEpisodesSince(ctx context.Context, tenantID string, since time.Time, q SinceQuery) ([]types.Episode, error)

	// MarkEpisodeSuperseded hides an episode from reads. Content is never
	// rewritten; this flag is the only mutation episodes support.
	// Returns ErrNotFound if the episode does not exist for the tenant.
	MarkEpisodeSuperseded(ctx context.Context, tenantID string, id int64) error
}

// ConcernStore tracks recurring issues keyed by (tenant, concern key).
type ConcernStore interface {
	// UpsertConcern inserts a concern on first mention or folds a repeat
	// mention into the existing row: mention count +1, one appended evidence
	// entry, severity escalated to the max of stored and incoming, and a
	// resolved concern reopened to active. The whole upsert is a single
	// atomic statement.
	UpsertConcern(ctx context.Context, tenantID string, c ConcernUpsert) (ConcernWrite, error)

	// GetActiveConcerns returns concerns with open status (active, improving,
	// escalated), ordered by severity descending then last seen descending.
	GetActiveConcerns(ctx context.Context, tenantID string) ([]types.Concern, error)

	// GetAllConcerns returns every concern for the tenant ordered by status
	// priority (active, improving, escalated, resolved), then severity, then
	// recency.
	GetAllConcerns(ctx context.Context, tenantID string) ([]types.Concern, error)

	// UpdateConcernStatus moves a concern to improving, resolved or
	// escalated. Resolved sets resolvedAt; the other two clear it. Any other
	// status value is a deliberate no-op guard: 0 rows, nil error.
	UpdateConcernStatus(ctx context.Context, tenantID, concernKey string, status types.ConcernStatus) (int64, error)
}

// ArtifactStore persists named rendered documents per tenant, keyed
// (tenant, name). The rendered memory file is not a source of truth; it is
// overwritten on every successful render.
type ArtifactStore interface {
	UpsertArtifact(ctx context.Context, tenantID, name, content string) error

	// GetArtifact returns the stored document content.
	// Returns ErrNotFound if no artifact with that name exists.
	GetArtifact(ctx context.Context, tenantID, name string) (string, error)
}

// Tx is the full storage surface bound to a single open transaction.
type Tx interface {
	ProfileStore
	EpisodeLog
	ConcernStore
	ArtifactStore
}

// Store is a storage backend. Methods called directly on the Store run in
// auto-commit mode; RunInTx runs fn against a transaction-bound Tx and
// commits only if fn returns nil, rolling back otherwise.
type Store interface {
	Tx

	// RunInTx executes fn inside one transaction. If fn returns an error the
	// transaction is rolled back and that error is returned; if rollback
	// itself fails, the rollback error is returned instead.
	RunInTx(ctx context.Context, fn func(tx Tx) error) error

	// Retryable reports whether err is a transient lock conflict (deadlock or
	// lock-wait timeout) worth retrying on a fresh transaction.
	Retryable(err error) bool

	// Close releases any resources held by the store.
	Close() error
}
