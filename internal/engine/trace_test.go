package engine

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/keepsake/internal/storage"
	"github.com/scrypster/keepsake/internal/storage/sqlite"
	"github.com/scrypster/keepsake/pkg/types"
)

// traceCollector records every emitted event under a lock so concurrent
// ingests can share it.
type traceCollector struct {
	mu     sync.Mutex
	events []TraceEvent
}

func (c *traceCollector) record(ev TraceEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *traceCollector) kinds() []TraceEventKind {
	c.mu.Lock()
	defer c.mu.Unlock()
	kinds := make([]TraceEventKind, len(c.events))
	for i, ev := range c.events {
		kinds[i] = ev.Kind
	}
	return kinds
}

func TestIngestEmitsTraceSequence(t *testing.T) {
	eng := newTestEngine(t)
	collector := &traceCollector{}
	eng.SetTracer(collector.record)

	_, err := eng.Ingest(context.Background(), "t1", IngestOptions{
		ProfileUpdates: &types.ProfileData{
			MedicalFacts: []types.FactEntry{{Fact: "A"}},
		},
		Episode: &EpisodeInput{
			EpisodeType: types.EpisodeConversation, Channel: "sms", Content: "hello",
		},
		Concerns: []storage.ConcernUpsert{{
			ConcernKey: "rash", DisplayName: "Diaper rash",
			Severity: types.SeverityLow, EvidenceText: "x", Source: "seed",
		}},
	})
	require.NoError(t, err)

	assert.Equal(t, []TraceEventKind{
		KindIngestStarted,
		KindProfileWritten, // new tenant, no row to lock
		KindEpisodeLogged,
		KindConcernUpserted,
		KindViewRendered,
		KindIngestCommitted,
	}, collector.kinds())

	// All events share the one trace ID.
	first := collector.events[0].TraceID
	require.NotEmpty(t, first)
	for _, ev := range collector.events {
		assert.Equal(t, first, ev.TraceID)
		assert.Equal(t, "t1", ev.TenantID)
		assert.False(t, ev.At.IsZero())
	}

	committed := collector.events[len(collector.events)-1]
	assert.True(t, committed.HasProfile)
	assert.True(t, committed.HasEpisode)
	assert.True(t, committed.Rendered)
	assert.Equal(t, 1, committed.Count)
}

func TestIngestEmitsProfileLockedForExistingTenant(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	_, err := eng.Ingest(ctx, "t1", IngestOptions{
		ProfileUpdates: &types.ProfileData{
			MedicalFacts: []types.FactEntry{{Fact: "A"}},
		},
		Render: boolPtr(false),
	})
	require.NoError(t, err)

	collector := &traceCollector{}
	eng.SetTracer(collector.record)

	_, err = eng.Ingest(ctx, "t1", IngestOptions{
		ProfileUpdates: &types.ProfileData{
			MedicalFacts: []types.FactEntry{{Fact: "B"}},
		},
		Render: boolPtr(false),
	})
	require.NoError(t, err)

	kinds := collector.kinds()
	assert.Contains(t, kinds, KindProfileLocked)
	assert.Contains(t, kinds, KindFactsMerged)

	for _, ev := range collector.events {
		if ev.Kind == KindProfileLocked {
			assert.Equal(t, int64(1), ev.Version)
		}
		if ev.Kind == KindProfileWritten {
			assert.Equal(t, int64(2), ev.Version)
		}
		if ev.Kind == KindFactsMerged {
			assert.Equal(t, 2, ev.Count)
		}
	}
}

func TestIngestEmitsRetryEvent(t *testing.T) {
	store, err := sqlite.NewStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	flaky := &flakyStore{Store: store, failures: 1}
	eng, err := NewEngine(flaky, DefaultConfig())
	require.NoError(t, err)

	collector := &traceCollector{}
	eng.SetTracer(collector.record)

	_, err = eng.Ingest(context.Background(), "t1", IngestOptions{
		ProfileUpdates: &types.ProfileData{
			MedicalFacts: []types.FactEntry{{Fact: "A"}},
		},
	})
	require.NoError(t, err)

	kinds := collector.kinds()
	assert.Contains(t, kinds, KindTxRetried)
	assert.Contains(t, kinds, KindIngestCommitted)
	assert.NotContains(t, kinds, KindIngestFailed)
}
