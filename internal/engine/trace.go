package engine

import (
	"time"

	"github.com/google/uuid"

	"github.com/scrypster/keepsake/internal/storage"
)

// TraceEventKind classifies each trace event by type.
type TraceEventKind string

const (
	// KindIngestStarted is emitted once at the beginning of an ingest call.
	KindIngestStarted TraceEventKind = "ingest_started"

	// KindProfileLocked is emitted after the profile row lock is acquired.
	KindProfileLocked TraceEventKind = "profile_locked"

	// KindFactsMerged is emitted after fact lists are deduplicated against
	// the locked profile snapshot.
	KindFactsMerged TraceEventKind = "facts_merged"

	// KindProfileWritten is emitted after the profile upsert lands.
	KindProfileWritten TraceEventKind = "profile_written"

	// KindEpisodeLogged is emitted once per appended episode.
	KindEpisodeLogged TraceEventKind = "episode_logged"

	// KindConcernUpserted is emitted once per concern upsert, in input order.
	KindConcernUpserted TraceEventKind = "concern_upserted"

	// KindViewRendered is emitted when a memory document was compiled and
	// written inside the transaction.
	KindViewRendered TraceEventKind = "view_rendered"

	// KindTxRetried is emitted when a lock conflict triggers the single
	// full-operation retry.
	KindTxRetried TraceEventKind = "tx_retried"

	// KindIngestCommitted is emitted after a successful commit.
	KindIngestCommitted TraceEventKind = "ingest_committed"

	// KindIngestFailed is emitted when the operation gives up.
	KindIngestFailed TraceEventKind = "ingest_failed"
)

// TraceEvent is a single structured event emitted during an ingest operation.
type TraceEvent struct {
	// Kind identifies the event type.
	Kind TraceEventKind `json:"kind"`

	// TraceID groups every event belonging to one ingest call.
	TraceID string `json:"trace_id"`

	// At is the wall-clock time the event was recorded.
	At time.Time `json:"at"`

	// TenantID is the tenant the operation applies to.
	TenantID string `json:"tenant_id"`

	// Version is the locked or written profile version, where applicable.
	Version int64 `json:"version,omitempty"`

	// Count is a kind-specific cardinality: merged facts, rendered bytes,
	// or the attempt number for tx_retried.
	Count int `json:"count,omitempty"`

	// ConcernKey is populated for concern_upserted events.
	ConcernKey string `json:"concern_key,omitempty"`

	// MentionCount is populated for concern_upserted events.
	MentionCount int `json:"mention_count,omitempty"`

	// EpisodeID is populated for episode_logged events.
	EpisodeID int64 `json:"episode_id,omitempty"`

	// Error is a human-readable failure description for tx_retried and
	// ingest_failed events.
	Error string `json:"error,omitempty"`

	// HasProfile, HasEpisode and Rendered summarize the call shape for
	// ingest_started and ingest_committed events.
	HasProfile bool `json:"has_profile,omitempty"`
	HasEpisode bool `json:"has_episode,omitempty"`
	Rendered   bool `json:"rendered,omitempty"`
}

// NewTraceID returns a fresh identifier grouping one ingest call's events.
func NewTraceID() string {
	return uuid.NewString()
}

func newTraceEvent(kind TraceEventKind, traceID, tenantID string) TraceEvent {
	return TraceEvent{Kind: kind, TraceID: traceID, TenantID: tenantID, At: time.Now()}
}

// EventIngestStarted creates an ingest_started trace event.
func EventIngestStarted(traceID, tenantID string, opts IngestOptions) TraceEvent {
	e := newTraceEvent(KindIngestStarted, traceID, tenantID)
	e.HasProfile = opts.ProfileUpdates != nil
	e.HasEpisode = opts.Episode != nil
	e.Count = len(opts.Concerns)
	return e
}

// EventProfileLocked creates a profile_locked trace event.
func EventProfileLocked(traceID, tenantID string, version int64) TraceEvent {
	e := newTraceEvent(KindProfileLocked, traceID, tenantID)
	e.Version = version
	return e
}

// EventFactsMerged creates a facts_merged trace event.
func EventFactsMerged(traceID, tenantID string, mergedCount int) TraceEvent {
	e := newTraceEvent(KindFactsMerged, traceID, tenantID)
	e.Count = mergedCount
	return e
}

// EventProfileWritten creates a profile_written trace event.
func EventProfileWritten(traceID, tenantID string, w storage.ProfileWrite) TraceEvent {
	e := newTraceEvent(KindProfileWritten, traceID, tenantID)
	e.Version = w.NewVersion
	return e
}

// EventEpisodeLogged creates an episode_logged trace event.
func EventEpisodeLogged(traceID, tenantID string, episodeID int64) TraceEvent {
	e := newTraceEvent(KindEpisodeLogged, traceID, tenantID)
	e.EpisodeID = episodeID
	return e
}

// EventConcernUpserted creates a concern_upserted trace event.
func EventConcernUpserted(traceID, tenantID, concernKey string, w storage.ConcernWrite) TraceEvent {
	e := newTraceEvent(KindConcernUpserted, traceID, tenantID)
	e.ConcernKey = concernKey
	e.MentionCount = w.MentionCount
	return e
}

// EventViewRendered creates a view_rendered trace event.
func EventViewRendered(traceID, tenantID string, contentLen int) TraceEvent {
	e := newTraceEvent(KindViewRendered, traceID, tenantID)
	e.Count = contentLen
	return e
}

// EventTxRetried creates a tx_retried trace event.
func EventTxRetried(traceID, tenantID string, attempt int, err error) TraceEvent {
	e := newTraceEvent(KindTxRetried, traceID, tenantID)
	e.Count = attempt
	if err != nil {
		e.Error = err.Error()
	}
	return e
}

// EventIngestCommitted creates an ingest_committed trace event.
func EventIngestCommitted(traceID, tenantID string, result *IngestResult) TraceEvent {
	e := newTraceEvent(KindIngestCommitted, traceID, tenantID)
	if result != nil {
		e.HasProfile = result.Profile != nil
		e.HasEpisode = result.EpisodeID != nil
		e.Count = len(result.Concerns)
		e.Rendered = result.Rendered
	}
	return e
}

// EventIngestFailed creates an ingest_failed trace event.
func EventIngestFailed(traceID, tenantID string, err error) TraceEvent {
	e := newTraceEvent(KindIngestFailed, traceID, tenantID)
	if err != nil {
		e.Error = err.Error()
	}
	return e
}
