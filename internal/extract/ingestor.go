package extract

import (
	"context"
	"fmt"
	"log"

	"golang.org/x/time/rate"

	"github.com/scrypster/keepsake/internal/engine"
	"github.com/scrypster/keepsake/internal/storage"
	"github.com/scrypster/keepsake/pkg/types"
)

// IngestorConfig holds the configuration for the conversation ingestor.
type IngestorConfig struct {
	// RatePerMinute caps how many conversations are extracted per minute
	// (default: 30).
	RatePerMinute int

	// Burst is the rate limiter burst size (default: 5).
	Burst int
}

// DefaultIngestorConfig returns an IngestorConfig with sensible defaults.
func DefaultIngestorConfig() IngestorConfig {
	return IngestorConfig{
		RatePerMinute: 30,
		Burst:         5,
	}
}

// Validate checks if the config is valid.
func (c *IngestorConfig) Validate() error {
	if c.RatePerMinute < 1 {
		return fmt.Errorf("RatePerMinute must be >= 1, got %d", c.RatePerMinute)
	}
	if c.Burst < 1 {
		return fmt.Errorf("Burst must be >= 1, got %d", c.Burst)
	}
	return nil
}

// ConversationIngestor feeds conversations through an Extractor and into the
// memory engine. Extraction failures degrade to logging the raw transcript as
// an episode, so a broken extractor never loses conversation history.
type ConversationIngestor struct {
	engine    *engine.Engine
	extractor Extractor
	breaker   *CircuitBreaker
	limiter   *rate.Limiter
}

// NewConversationIngestor creates a conversation ingestor.
func NewConversationIngestor(eng *engine.Engine, extractor Extractor, config IngestorConfig) (*ConversationIngestor, error) {
	if eng == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if extractor == nil {
		return nil, fmt.Errorf("extractor is required")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &ConversationIngestor{
		engine:    eng,
		extractor: extractor,
		breaker:   NewCircuitBreaker(),
		limiter:   rate.NewLimiter(rate.Limit(float64(config.RatePerMinute)/60.0), config.Burst),
	}, nil
}

// IngestConversation extracts structured updates from one conversation and
// writes them through the engine's transactional ingest. The episode content
// is the extractor's summary when available, the raw transcript otherwise.
func (ci *ConversationIngestor) IngestConversation(ctx context.Context, tenantID, channel string, messages []Message) (*engine.IngestResult, error) {
	if len(messages) == 0 {
		return nil, fmt.Errorf("%w: conversation has no messages", storage.ErrInvalidInput)
	}

	if err := ci.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("extract: rate limit wait aborted: %w", err)
	}

	extraction, err := ci.breaker.Execute(ctx, func() (*Extraction, error) {
		return ci.extractor.Extract(ctx, messages)
	})
	if err != nil {
		// Degraded path: keep the conversation as a raw episode so nothing
		// is lost while the extractor is down.
		log.Printf("extract: extraction failed for tenant %s, storing raw transcript: %v", tenantID, err)
		return ci.engine.Ingest(ctx, tenantID, engine.IngestOptions{
			Episode: &engine.EpisodeInput{
				EpisodeType: types.EpisodeConversation,
				Channel:     channel,
				Content:     Transcript(messages),
				Metadata:    map[string]any{"extraction_failed": true},
			},
		})
	}

	return ci.engine.Ingest(ctx, tenantID, ci.buildOptions(channel, messages, extraction))
}

func (ci *ConversationIngestor) buildOptions(channel string, messages []Message, extraction *Extraction) engine.IngestOptions {
	content := extraction.Summary
	metadata := map[string]any{"summarized": true}
	if content == "" {
		content = Transcript(messages)
		metadata = nil
	}

	opts := engine.IngestOptions{
		ProfileUpdates: extraction.ProfileUpdates,
		Episode: &engine.EpisodeInput{
			EpisodeType: types.EpisodeConversation,
			Channel:     channel,
			Content:     content,
			Metadata:    metadata,
		},
	}
	for _, c := range extraction.Concerns {
		opts.Concerns = append(opts.Concerns, storage.ConcernUpsert{
			ConcernKey:   c.ConcernKey,
			DisplayName:  c.DisplayName,
			Severity:     c.Severity,
			EvidenceText: c.EvidenceText,
			Source:       "conversation:" + channel,
		})
	}
	return opts
}

// BreakerState exposes the circuit state for health reporting.
func (ci *ConversationIngestor) BreakerState() string {
	return ci.breaker.State()
}
