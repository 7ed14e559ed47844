package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/scrypster/keepsake/internal/render"
	"github.com/scrypster/keepsake/internal/storage"
	"github.com/scrypster/keepsake/pkg/types"
)

// maxIngestAttempts bounds the deadlock retry loop. The second attempt runs
// on a fresh transaction with all state re-read; a lock conflict on the
// second attempt propagates to the caller.
const maxIngestAttempts = 2

// EpisodeInput is the caller-facing shape of one episode to log.
type EpisodeInput struct {
	EpisodeType string         `json:"episode_type"`
	Channel     string         `json:"channel"`
	Content     string         `json:"content"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// IngestOptions selects which sub-writes one ingest call performs. All fields
// are optional; an all-nil options value is a no-op that may still render.
type IngestOptions struct {
	// ProfileUpdates is a shallow merge-patch against the profile document.
	ProfileUpdates *types.ProfileData

	// Episode, when set, is appended to the episode log.
	Episode *EpisodeInput

	// Concerns are upserted in order; each entry folds one mention into its
	// concern row.
	Concerns []storage.ConcernUpsert

	// Render controls recomputation of the memory document. nil and true
	// both render; only an explicit false skips it.
	Render *bool
}

func (o IngestOptions) shouldRender() bool {
	return o.Render == nil || *o.Render
}

// ConcernResult reports one concern upsert outcome, in input order.
type ConcernResult struct {
	ConcernKey   string
	ID           int64
	MentionCount int
}

// IngestResult reports what one ingest call wrote.
type IngestResult struct {
	TraceID string

	// Profile is set when ProfileUpdates was provided.
	Profile *storage.ProfileWrite

	// EpisodeID is set when an episode was logged.
	EpisodeID *int64

	// Concerns has one entry per input concern, same order.
	Concerns []ConcernResult

	// Rendered reports whether a memory document was (re)written.
	Rendered bool

	// Attempts is how many transactions were tried (2 means one deadlock
	// retry happened).
	Attempts int

	// renderedContent carries the committed document to the post-commit
	// onRendered callback without an extra read.
	renderedContent string
}

// Ingest applies the requested sub-writes for one tenant in a single
// transaction: lock profile row, merge updates, append episode, upsert
// concerns in order, recompute the rendered view from in-transaction state,
// commit. On a lock-conflict error the whole operation is retried once on a
// fresh transaction; any other error rolls back and propagates.
func (e *Engine) Ingest(ctx context.Context, tenantID string, opts IngestOptions) (*IngestResult, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenant ID is required", storage.ErrInvalidInput)
	}

	traceID := NewTraceID()
	e.emit(EventIngestStarted(traceID, tenantID, opts))

	var result *IngestResult
	var err error
	for attempt := 1; attempt <= maxIngestAttempts; attempt++ {
		result, err = e.ingestOnce(ctx, traceID, tenantID, opts)
		if err == nil {
			result.Attempts = attempt
			break
		}
		if attempt < maxIngestAttempts && e.store.Retryable(err) {
			e.emit(EventTxRetried(traceID, tenantID, attempt, err))
			continue
		}
		e.emit(EventIngestFailed(traceID, tenantID, err))
		return nil, err
	}

	e.emit(EventIngestCommitted(traceID, tenantID, result))
	for _, c := range opts.Concerns {
		if c.Severity.IsAlerting() {
			e.notifyConcernAlert(tenantID, c.ConcernKey, c.Severity)
		}
	}
	if result.Rendered && result.renderedContent != "" {
		e.notifyRendered(tenantID, result.renderedContent)
	}
	return result, nil
}

// ingestOnce runs one full attempt inside one transaction.
func (e *Engine) ingestOnce(ctx context.Context, traceID, tenantID string, opts IngestOptions) (*IngestResult, error) {
	result := &IngestResult{TraceID: traceID}

	err := e.store.RunInTx(ctx, func(tx storage.Tx) error {
		if opts.ProfileUpdates != nil && opts.ProfileUpdates.HasUpdates() {
			if err := e.applyProfileUpdates(ctx, tx, traceID, tenantID, *opts.ProfileUpdates, result); err != nil {
				return err
			}
		}

		if opts.Episode != nil {
			id, err := tx.InsertEpisode(ctx, tenantID, storage.EpisodeInsert{
				EpisodeType: opts.Episode.EpisodeType,
				Channel:     opts.Episode.Channel,
				Content:     opts.Episode.Content,
				Metadata:    opts.Episode.Metadata,
			})
			if err != nil {
				return err
			}
			result.EpisodeID = &id
			e.emit(EventEpisodeLogged(traceID, tenantID, id))
		}

		for _, c := range opts.Concerns {
			w, err := tx.UpsertConcern(ctx, tenantID, c)
			if err != nil {
				return err
			}
			result.Concerns = append(result.Concerns, ConcernResult{
				ConcernKey:   c.ConcernKey,
				ID:           w.ID,
				MentionCount: w.MentionCount,
			})
			e.emit(EventConcernUpserted(traceID, tenantID, c.ConcernKey, w))
		}

		if opts.shouldRender() {
			// Read back through the transaction so the document reflects
			// this call's own uncommitted writes.
			content, err := e.compile(ctx, tx, tenantID)
			if err != nil {
				return err
			}
			if content != "" {
				if err := tx.UpsertArtifact(ctx, tenantID, render.MemoryFileName, content); err != nil {
					return err
				}
				result.Rendered = true
				result.renderedContent = content
				e.emit(EventViewRendered(traceID, tenantID, len(content)))
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// applyProfileUpdates locks the profile row, merges fact lists against the
// locked snapshot, and writes at the locked version. New tenants take the
// insert path with no lock to hold.
func (e *Engine) applyProfileUpdates(ctx context.Context, tx storage.Tx, traceID, tenantID string, updates types.ProfileData, result *IngestResult) error {
	var lockedVersion int64
	current, err := tx.GetProfileForUpdate(ctx, tenantID)
	switch {
	case err == nil:
		lockedVersion = current.Version
		e.emit(EventProfileLocked(traceID, tenantID, lockedVersion))
		// Medical facts dedupe against the locked snapshot so a fact already
		// stored by a concurrent writer is not appended twice. Every other
		// field, next_actions included, follows plain replacement.
		if updates.MedicalFacts != nil {
			updates.MedicalFacts = types.MergeFacts(current.Data.MedicalFacts, updates.MedicalFacts)
			e.emit(EventFactsMerged(traceID, tenantID, len(updates.MedicalFacts)))
		}
	case errors.Is(err, storage.ErrNotFound):
		lockedVersion = 0
	default:
		return err
	}

	w, err := tx.UpsertProfile(ctx, tenantID, updates, lockedVersion)
	if err != nil {
		return err
	}
	result.Profile = &w
	e.emit(EventProfileWritten(traceID, tenantID, w))
	return nil
}
