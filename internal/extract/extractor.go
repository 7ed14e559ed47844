// Package extract turns raw conversation transcripts into structured memory
// updates. The Extractor interface is the seam for the model-backed
// implementation; this package supplies the plumbing around it (rate
// limiting, circuit breaking, raw-transcript fallback).
package extract

import (
	"context"
	"fmt"
	"strings"

	"github.com/scrypster/keepsake/pkg/types"
)

// Message is one turn of a conversation transcript.
type Message struct {
	// Role is "parent" or "agent".
	Role string `json:"role"`

	// Content is the message text.
	Content string `json:"content"`
}

// ConcernCandidate is one concern mention surfaced from a conversation.
type ConcernCandidate struct {
	ConcernKey   string         `json:"concern_key"`
	DisplayName  string         `json:"display_name"`
	Severity     types.Severity `json:"severity"`
	EvidenceText string         `json:"evidence_text"`
}

// Extraction is the structured output of one conversation pass.
type Extraction struct {
	// ProfileUpdates is a merge-patch against the profile, or nil when the
	// conversation carried no durable facts.
	ProfileUpdates *types.ProfileData `json:"profile_updates,omitempty"`

	// Concerns lists concern mentions in the order they came up.
	Concerns []ConcernCandidate `json:"concerns,omitempty"`

	// Summary is a short description of the conversation used as the
	// episode content. Empty means "store the raw transcript".
	Summary string `json:"summary,omitempty"`
}

// Extractor produces an Extraction from a conversation transcript.
type Extractor interface {
	Extract(ctx context.Context, messages []Message) (*Extraction, error)
}

// Transcript flattens messages into the stored episode form, one "role:
// content" line per message.
func Transcript(messages []Message) string {
	var b strings.Builder
	for i, m := range messages {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "%s: %s", m.Role, m.Content)
	}
	return b.String()
}
