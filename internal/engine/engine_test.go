package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/keepsake/internal/storage"
	"github.com/scrypster/keepsake/internal/storage/sqlite"
	"github.com/scrypster/keepsake/pkg/types"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	store, err := sqlite.NewStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	eng, err := NewEngine(store, DefaultConfig())
	require.NoError(t, err)
	return eng
}

func boolPtr(b bool) *bool { return &b }

func TestNewEngineValidation(t *testing.T) {
	_, err := NewEngine(nil, DefaultConfig())
	assert.Error(t, err)

	store, err := sqlite.NewStore(":memory:")
	require.NoError(t, err)
	defer store.Close()

	_, err = NewEngine(store, Config{RenderEpisodeCount: 0})
	assert.Error(t, err)
}

func TestIngestFullBatch(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	result, err := eng.Ingest(ctx, "t1", IngestOptions{
		ProfileUpdates: &types.ProfileData{
			MedicalFacts: []types.FactEntry{{Fact: "Peanut allergy"}},
			BabyProfile:  map[string]string{"name": "Ada"},
		},
		Episode: &EpisodeInput{
			EpisodeType: types.EpisodeConversation,
			Channel:     "whatsapp",
			Content:     "Parent reported a possible peanut allergy",
		},
		Concerns: []storage.ConcernUpsert{{
			ConcernKey:   "peanut_allergy",
			DisplayName:  "Peanut allergy",
			Severity:     types.SeverityHigh,
			EvidenceText: "reaction after peanut butter",
			Source:       "conversation:whatsapp",
		}},
	})
	require.NoError(t, err)

	assert.Equal(t, 1, result.Attempts)
	require.NotNil(t, result.Profile)
	assert.Equal(t, int64(1), result.Profile.NewVersion)
	require.NotNil(t, result.EpisodeID)
	require.Len(t, result.Concerns, 1)
	assert.Equal(t, "peanut_allergy", result.Concerns[0].ConcernKey)
	assert.Equal(t, 1, result.Concerns[0].MentionCount)
	assert.True(t, result.Rendered)

	doc, err := eng.GetMemoryFile(ctx, "t1")
	require.NoError(t, err)
	assert.Contains(t, doc, "Peanut allergy")
	assert.Contains(t, doc, "[!] Peanut allergy")
	assert.Contains(t, doc, "(whatsapp)")
}

func TestIngestDeduplicatesFactsAcrossCalls(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	r1, err := eng.Ingest(ctx, "t1", IngestOptions{
		ProfileUpdates: &types.ProfileData{
			MedicalFacts: []types.FactEntry{{Fact: "A"}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), r1.Profile.NewVersion)

	r2, err := eng.Ingest(ctx, "t1", IngestOptions{
		ProfileUpdates: &types.ProfileData{
			MedicalFacts: []types.FactEntry{{Fact: "A"}, {Fact: "B"}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), r2.Profile.NewVersion)

	profile, err := eng.GetProfile(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, profile.Data.MedicalFacts, 2)
	assert.Equal(t, "A", profile.Data.MedicalFacts[0].Fact)
	assert.Equal(t, "B", profile.Data.MedicalFacts[1].Fact)
}

func TestIngestReplacesNextActions(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	_, err := eng.Ingest(ctx, "t1", IngestOptions{
		ProfileUpdates: &types.ProfileData{
			NextActions: []types.FactEntry{{Fact: "old action"}},
		},
	})
	require.NoError(t, err)

	// next_actions is plain merge-patch: a present field replaces the stored
	// list outright, unlike the medical-fact dedupe.
	_, err = eng.Ingest(ctx, "t1", IngestOptions{
		ProfileUpdates: &types.ProfileData{
			NextActions: []types.FactEntry{{Fact: "new action"}},
		},
	})
	require.NoError(t, err)

	profile, err := eng.GetProfile(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, []types.FactEntry{{Fact: "new action"}}, profile.Data.NextActions)

	// An explicit empty list clears it.
	_, err = eng.Ingest(ctx, "t1", IngestOptions{
		ProfileUpdates: &types.ProfileData{
			NextActions: []types.FactEntry{},
		},
	})
	require.NoError(t, err)

	profile, err = eng.GetProfile(ctx, "t1")
	require.NoError(t, err)
	assert.Empty(t, profile.Data.NextActions)
}

func TestIngestRenderFalseSkipsArtifact(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	result, err := eng.Ingest(ctx, "t1", IngestOptions{
		ProfileUpdates: &types.ProfileData{
			MedicalFacts: []types.FactEntry{{Fact: "A"}},
		},
		Render: boolPtr(false),
	})
	require.NoError(t, err)
	assert.False(t, result.Rendered)

	_, err = eng.GetMemoryFile(ctx, "t1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestIngestEmptyTenantRejected(t *testing.T) {
	eng := newTestEngine(t)

	_, err := eng.Ingest(context.Background(), "", IngestOptions{})
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}

func TestIngestRollsBackWholeBatchOnFailure(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	_, err := eng.Ingest(ctx, "t1", IngestOptions{
		Episode: &EpisodeInput{
			EpisodeType: types.EpisodeConversation,
			Channel:     "sms",
			Content:     "should not survive",
		},
		Concerns: []storage.ConcernUpsert{{
			ConcernKey: "bad", DisplayName: "Bad", Severity: "urgent",
		}},
	})
	require.ErrorIs(t, err, storage.ErrInvalidInput)

	// The episode insert that preceded the failing concern must have rolled
	// back with the rest of the transaction.
	eps, err := eng.GetRecentEpisodes(ctx, "t1", storage.EpisodeQuery{})
	require.NoError(t, err)
	assert.Empty(t, eps)

	_, err = eng.GetMemoryFile(ctx, "t1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestIngestConcurrentDistinctFacts(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	facts := []string{"fact from writer one", "fact from writer two"}
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = eng.Ingest(ctx, "t1", IngestOptions{
				ProfileUpdates: &types.ProfileData{
					MedicalFacts: []types.FactEntry{{Fact: facts[i]}},
				},
				Render: boolPtr(false),
			})
		}(i)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	profile, err := eng.GetProfile(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), profile.Version)

	var got []string
	for _, f := range profile.Data.MedicalFacts {
		got = append(got, f.Fact)
	}
	assert.ElementsMatch(t, facts, got)
}

func TestRenderMemoryFile(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	// Nothing stored yet: no document.
	rendered, err := eng.RenderMemoryFile(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, rendered)

	_, err = eng.Ingest(ctx, "t1", IngestOptions{
		ProfileUpdates: &types.ProfileData{
			MedicalFacts: []types.FactEntry{{Fact: "A"}},
		},
		Render: boolPtr(false),
	})
	require.NoError(t, err)

	rendered, err = eng.RenderMemoryFile(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, rendered)

	doc, err := eng.GetMemoryFile(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(doc, "# Memory"))
}

func TestRenderedViewReflectsUncommittedWrites(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	// Everything written in this one call must already be in the document it
	// rendered, even though the render read ran before commit.
	_, err := eng.Ingest(ctx, "t1", IngestOptions{
		ProfileUpdates: &types.ProfileData{
			MedicalFacts: []types.FactEntry{{Fact: "brand new fact"}},
		},
		Episode: &EpisodeInput{
			EpisodeType: types.EpisodeConversation,
			Channel:     "sms",
			Content:     "brand new episode",
		},
	})
	require.NoError(t, err)

	doc, err := eng.GetMemoryFile(ctx, "t1")
	require.NoError(t, err)
	assert.Contains(t, doc, "brand new fact")
	assert.Contains(t, doc, "brand new episode")
}

func TestOnRenderedCallbackFiresAfterCommit(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	var mu sync.Mutex
	var gotTenant, gotContent string
	eng.SetOnRendered(func(tenantID, content string) {
		mu.Lock()
		defer mu.Unlock()
		gotTenant, gotContent = tenantID, content
	})

	_, err := eng.Ingest(ctx, "t1", IngestOptions{
		ProfileUpdates: &types.ProfileData{
			MedicalFacts: []types.FactEntry{{Fact: "A"}},
		},
	})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "t1", gotTenant)
	assert.Contains(t, gotContent, "- A")
}

func TestOnConcernAlertFiresForAlertingSeverities(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	type alert struct {
		tenantID   string
		concernKey string
		severity   types.Severity
	}
	var mu sync.Mutex
	var alerts []alert
	eng.SetOnConcernAlert(func(tenantID, concernKey string, severity types.Severity) {
		mu.Lock()
		defer mu.Unlock()
		alerts = append(alerts, alert{tenantID, concernKey, severity})
	})

	_, err := eng.Ingest(ctx, "t1", IngestOptions{
		Concerns: []storage.ConcernUpsert{
			{ConcernKey: "rash", DisplayName: "Diaper rash",
				Severity: types.SeverityLow, EvidenceText: "x", Source: "seed"},
			{ConcernKey: "fever", DisplayName: "Fever spikes",
				Severity: types.SeverityCritical, EvidenceText: "39.5C", Source: "checkin"},
			{ConcernKey: "allergy", DisplayName: "Peanut allergy",
				Severity: types.SeverityHigh, EvidenceText: "hives", Source: "conversation:sms"},
		},
	})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, alerts, 2)
	assert.Equal(t, alert{"t1", "fever", types.SeverityCritical}, alerts[0])
	assert.Equal(t, alert{"t1", "allergy", types.SeverityHigh}, alerts[1])
}

func TestOnConcernAlertNotFiredOnRollback(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	fired := false
	eng.SetOnConcernAlert(func(tenantID, concernKey string, severity types.Severity) {
		fired = true
	})

	// The high concern is valid but a later batch entry fails, so nothing
	// commits and no alert may fire.
	_, err := eng.Ingest(ctx, "t1", IngestOptions{
		Concerns: []storage.ConcernUpsert{
			{ConcernKey: "fever", DisplayName: "Fever spikes",
				Severity: types.SeverityHigh, EvidenceText: "39.5C", Source: "checkin"},
			{ConcernKey: "bad", DisplayName: "Bad", Severity: "urgent"},
		},
	})
	require.ErrorIs(t, err, storage.ErrInvalidInput)
	assert.False(t, fired)
}

func TestUpdateConcernStatusThroughEngine(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	_, err := eng.Ingest(ctx, "t1", IngestOptions{
		Concerns: []storage.ConcernUpsert{{
			ConcernKey: "rash", DisplayName: "Diaper rash",
			Severity: types.SeverityLow, EvidenceText: "x", Source: "seed",
		}},
	})
	require.NoError(t, err)

	n, err := eng.UpdateConcernStatus(ctx, "t1", "rash", types.ConcernResolved)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	active, err := eng.GetActiveConcerns(ctx, "t1")
	require.NoError(t, err)
	assert.Empty(t, active)

	all, err := eng.GetAllConcerns(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, types.ConcernResolved, all[0].Status)
}

// errLocked simulates a backend lock conflict.
var errLocked = errors.New("simulated: database is deadlocked")

// flakyStore fails the first N transactions with a retryable error, then
// delegates to the real store.
type flakyStore struct {
	storage.Store
	mu       sync.Mutex
	failures int
	calls    int
}

func (f *flakyStore) RunInTx(ctx context.Context, fn func(tx storage.Tx) error) error {
	f.mu.Lock()
	f.calls++
	fail := f.calls <= f.failures
	f.mu.Unlock()
	if fail {
		return errLocked
	}
	return f.Store.RunInTx(ctx, fn)
}

func (f *flakyStore) Retryable(err error) bool {
	return errors.Is(err, errLocked) || f.Store.Retryable(err)
}

func TestIngestRetriesOnceOnLockConflict(t *testing.T) {
	inner, err := sqlite.NewStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = inner.Close() })

	flaky := &flakyStore{Store: inner, failures: 1}
	eng, err := NewEngine(flaky, DefaultConfig())
	require.NoError(t, err)

	result, err := eng.Ingest(context.Background(), "t1", IngestOptions{
		ProfileUpdates: &types.ProfileData{
			MedicalFacts: []types.FactEntry{{Fact: "A"}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Attempts)

	profile, err := eng.GetProfile(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), profile.Version)
}

func TestIngestGivesUpAfterSecondLockConflict(t *testing.T) {
	inner, err := sqlite.NewStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = inner.Close() })

	flaky := &flakyStore{Store: inner, failures: 2}
	eng, err := NewEngine(flaky, DefaultConfig())
	require.NoError(t, err)

	_, err = eng.Ingest(context.Background(), "t1", IngestOptions{
		ProfileUpdates: &types.ProfileData{
			MedicalFacts: []types.FactEntry{{Fact: "A"}},
		},
	})
	require.ErrorIs(t, err, errLocked)
	assert.Equal(t, 2, flaky.calls)
}

func TestIngestDoesNotRetryNonLockErrors(t *testing.T) {
	eng := newTestEngine(t)

	_, err := eng.Ingest(context.Background(), "t1", IngestOptions{
		Episode: &EpisodeInput{EpisodeType: types.EpisodeConversation, Channel: "sms"},
	})
	// Empty content is invalid input, not a lock conflict; no retry happens
	// and the error surfaces directly.
	require.ErrorIs(t, err, storage.ErrInvalidInput)
}
