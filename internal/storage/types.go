package storage

import (
	"errors"
	"fmt"

	"github.com/scrypster/keepsake/pkg/types"
)

var (
	// ErrNotFound indicates that the requested resource was not found.
	ErrNotFound = errors.New("resource not found")

	// ErrInvalidInput indicates that the input parameters are invalid.
	ErrInvalidInput = errors.New("invalid input")

	// ErrVersionConflict indicates that a profile write lost the optimistic
	// concurrency race even after its internal re-read retry. Under the
	// ingest orchestrator's row lock this cannot happen; it can surface for
	// direct UpsertProfile callers racing outside a lock.
	ErrVersionConflict = errors.New("profile version conflict")
)

// ProfileWrite is the result of an UpsertProfile call.
type ProfileWrite struct {
	// Updated is true when a row was written (insert or update).
	Updated bool `json:"updated"`

	// NewVersion is the profile version after the write.
	NewVersion int64 `json:"new_version"`
}

// EpisodeInsert carries the caller-supplied fields of a new episode.
type EpisodeInsert struct {
	EpisodeType string         `json:"episode_type"`
	Channel     string         `json:"channel"`
	Content     string         `json:"content"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// EpisodeQuery filters and bounds GetRecentEpisodes.
type EpisodeQuery struct {
	// Limit is the maximum number of episodes to return (default: 20, max: 200).
	Limit int

	// EpisodeType restricts results to one episode type. Empty means no filter.
	EpisodeType string
}

// Normalize applies defaults and caps to the query.
func (q *EpisodeQuery) Normalize() {
	if q.Limit < 1 {
		q.Limit = 20
	}
	if q.Limit > 200 {
		q.Limit = 200
	}
}

// SinceQuery bounds GetEpisodesSince.
type SinceQuery struct {
	// Limit is the maximum number of episodes to return (default: 100, max: 500).
	Limit int
}

// Normalize applies defaults and caps to the query.
func (q *SinceQuery) Normalize() {
	if q.Limit < 1 {
		q.Limit = 100
	}
	if q.Limit > 500 {
		q.Limit = 500
	}
}

// ConcernUpsert carries one concern mention into UpsertConcern.
type ConcernUpsert struct {
	ConcernKey   string         `json:"concern_key"`
	DisplayName  string         `json:"display_name"`
	Severity     types.Severity `json:"severity"`
	EvidenceText string         `json:"evidence_text"`
	Source       string         `json:"source"`
}

// Validate performs the basic shape checks the transactional core does
// defensively before touching a row.
func (c ConcernUpsert) Validate() error {
	if c.ConcernKey == "" {
		return fmt.Errorf("%w: concern key is required", ErrInvalidInput)
	}
	if !c.Severity.IsValid() {
		return fmt.Errorf("%w: unrecognized severity %q", ErrInvalidInput, c.Severity)
	}
	return nil
}

// ConcernWrite is the result of one UpsertConcern call.
type ConcernWrite struct {
	ID           int64 `json:"id"`
	MentionCount int   `json:"mention_count"`
}
