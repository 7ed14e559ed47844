package types

import "time"

// Common episode type tags. EpisodeType is free-form; these are the values
// the conversation ingestor and seed importer emit.
const (
	EpisodeConversation = "conversation"
	EpisodeCheckin      = "checkin"
	EpisodeSeed         = "seed"
)

// Episode is an immutable timestamped event record for a tenant. Rows are
// never updated or deleted once written, except for the IsSuperseded flag
// which future invalidation passes may set to hide a row from reads.
type Episode struct {
	ID           int64          `json:"id"`
	TenantID     string         `json:"tenant_id"`
	EpisodeType  string         `json:"episode_type"`
	Channel      string         `json:"channel"`
	Content      string         `json:"content"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	IsSuperseded bool           `json:"is_superseded"`
	CreatedAt    time.Time      `json:"created_at"`
}
