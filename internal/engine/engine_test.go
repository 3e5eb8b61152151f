package engine

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dynarisk/riskengine/internal/cascade"
	"github.com/dynarisk/riskengine/internal/history"
	"github.com/dynarisk/riskengine/internal/index"
	"github.com/dynarisk/riskengine/internal/metrics"
	"github.com/dynarisk/riskengine/internal/model"
	"github.com/dynarisk/riskengine/internal/policy"
	"github.com/dynarisk/riskengine/internal/scoring"
	"github.com/dynarisk/riskengine/internal/store"
	"github.com/dynarisk/riskengine/internal/triage"
)

var bucket = time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestEngine(t *testing.T) (*Engine, *store.MemoryStore) {
	t.Helper()
	logger := testLogger()
	st := store.NewMemoryStore()

	policies := policy.NewManager(st, nil, logger)
	_, err := policies.EnsureActive(context.Background(), "t1", policy.Default("t1"), "test")
	require.NoError(t, err)

	recorder := history.NewRecorder(st, logger)
	eng := New(Config{TenantID: "t1"}, st, policies,
		index.NewComputer(logger), scoring.NewScorer(logger),
		triage.NewEngine(st, recorder, logger), recorder,
		cascade.NewPropagator(logger), nil, nil, metrics.New(), logger)
	return eng, st
}

func seedSignal(t *testing.T, st *store.MemoryStore, id, service string, source model.SignalSource, severity, confidence float64, occurred time.Time) {
	t.Helper()
	require.NoError(t, st.UpsertSignal(context.Background(), model.SignalRecord{
		ID:           id,
		Source:       source,
		ServiceID:    service,
		Identifier:   "CVE-2026-" + id,
		SeverityNorm: severity,
		Confidence:   confidence,
		OccurredAt:   occurred,
		IngestedAt:   occurred,
	}))
}

func activePolicy(t *testing.T, eng *Engine) policy.Policy {
	t.Helper()
	pol, err := eng.policies.Active(context.Background(), "t1")
	require.NoError(t, err)
	return pol
}

func TestRunService_CreatesRiskAndHistory(t *testing.T) {
	eng, st := newTestEngine(t)
	ctx := context.Background()

	seedSignal(t, st, "v1", "svc-payments", model.SourceVulnerability, 95, 0.95, bucket.Add(-time.Hour))
	seedSignal(t, st, "e1", "svc-payments", model.SourceSecurityEvent, 90, 0.9, bucket.Add(-2*time.Hour))
	seedSignal(t, st, "b1", "svc-payments", model.SourceBusinessContext, 90, 1.0, bucket.Add(-24*time.Hour))

	require.NoError(t, eng.RunService(ctx, "svc-payments", bucket, activePolicy(t, eng)))

	risks, err := st.ListRisks(ctx, store.RiskFilter{TenantID: "t1", ServiceID: "svc-payments"})
	require.NoError(t, err)
	require.Len(t, risks, 1)

	r := risks[0]
	assert.Greater(t, r.CompositeScore, 0.0)
	assert.NotEmpty(t, r.TopFactors)
	assert.Equal(t, 1, r.PolicyVersion)
	// The title names the strongest signal for the analyst.
	assert.Contains(t, r.Title, "CVE-2026-v1")

	entries, err := st.ListHistory(ctx, r.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, history.ReasonCreated, entries[0].ChangeReason)

	snap, err := st.LatestIndexSnapshot(ctx, "svc-payments")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Empty(t, snap.StaleIndices)
}

func TestRunService_NoSignalsSkipsTriage(t *testing.T) {
	eng, st := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, eng.RunService(ctx, "svc-empty", bucket, activePolicy(t, eng)))

	// A zero-signal run still records the (all-zero) index snapshot.
	snap, err := st.LatestIndexSnapshot(ctx, "svc-empty")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, model.IndexSet{}, snap.Indices)

	risks, err := st.ListRisks(ctx, store.RiskFilter{TenantID: "t1"})
	require.NoError(t, err)
	assert.Empty(t, risks)
}

func TestRunService_RepeatRunRescoresInPlace(t *testing.T) {
	eng, st := newTestEngine(t)
	ctx := context.Background()

	seedSignal(t, st, "v1", "svc-payments", model.SourceVulnerability, 95, 0.95, bucket.Add(-time.Hour))
	pol := activePolicy(t, eng)

	require.NoError(t, eng.RunService(ctx, "svc-payments", bucket, pol))
	require.NoError(t, eng.RunService(ctx, "svc-payments", bucket.Add(time.Hour), pol))

	open, err := st.ListOpenRisks(ctx, "t1", "svc-payments", model.CategorySecurity)
	require.NoError(t, err)
	require.Len(t, open, 1, "identical evidence must fold into the existing risk")

	// Recomputing the same evidence updates the one record; no row accrual.
	all, err := st.ListRisks(ctx, store.RiskFilter{TenantID: "t1", ServiceID: "svc-payments"})
	require.NoError(t, err)
	require.Len(t, all, 1)

	// One hour of extra decay lowers the score, which the history explains.
	entries, err := st.ListHistory(ctx, open[0].ID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, history.ReasonRescored, entries[1].ChangeReason)
	assert.Less(t, entries[1].NewScore, entries[1].OldScore)
}

func TestRunService_Deterministic(t *testing.T) {
	score := func() float64 {
		eng, st := newTestEngine(t)
		ctx := context.Background()
		seedSignal(t, st, "v1", "svc", model.SourceVulnerability, 88, 0.9, bucket.Add(-3*time.Hour))
		seedSignal(t, st, "x1", "svc", model.SourceExternalSignal, 40, 0.6, bucket.Add(-30*time.Hour))
		require.NoError(t, eng.RunService(ctx, "svc", bucket, activePolicy(t, eng)))

		risks, err := st.ListRisks(ctx, store.RiskFilter{TenantID: "t1"})
		require.NoError(t, err)
		require.Len(t, risks, 1)
		return risks[0].CompositeScore
	}

	assert.Equal(t, score(), score())
}

func TestRunAll_IsolatesServices(t *testing.T) {
	eng, st := newTestEngine(t)
	ctx := context.Background()

	seedSignal(t, st, "v1", "svc-a", model.SourceVulnerability, 95, 0.95, bucket.Add(-time.Hour))
	seedSignal(t, st, "v2", "svc-b", model.SourceVulnerability, 70, 0.8, bucket.Add(-time.Hour))

	eng.RunAll(ctx, bucket)

	risks, err := st.ListRisks(ctx, store.RiskFilter{TenantID: "t1"})
	require.NoError(t, err)
	assert.Len(t, risks, 2)
}

func TestComputeSnapshot_TimeoutServesStale(t *testing.T) {
	eng, st := newTestEngine(t)
	eng.cfg.ComputationTimeout = time.Nanosecond
	ctx := context.Background()

	// Seed a prior snapshot for the stale fallback to reuse.
	prior := model.ServiceIndexSnapshot{
		ServiceID:       "svc",
		BucketTimestamp: bucket.Add(-time.Hour),
		Indices:         model.IndexSet{SVI: 42, SEI: 10},
		PolicyVersion:   1,
	}
	require.NoError(t, st.AppendIndexSnapshot(ctx, prior))

	signals := []model.SignalRecord{{
		ID: "v1", Source: model.SourceVulnerability, ServiceID: "svc",
		SeverityNorm: 50, Confidence: 0.5, OccurredAt: bucket.Add(-time.Hour),
	}}

	snap, err := eng.computeSnapshot(ctx, "svc", bucket, signals, policy.Default("t1"))
	require.NoError(t, err)
	assert.Equal(t, allIndexNames, snap.StaleIndices)
	assert.Equal(t, 42.0, snap.Indices.SVI, "stale bucket reuses the last known indices")
}

func TestComputeSnapshot_CancelledContextIsNotStale(t *testing.T) {
	eng, _ := newTestEngine(t)
	eng.cfg.ComputationTimeout = time.Nanosecond

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := eng.computeSnapshot(ctx, "svc", bucket, nil, policy.Default("t1"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBuildInput_Derivations(t *testing.T) {
	signals := []model.SignalRecord{
		{ID: "v1", Source: model.SourceVulnerability, Identifier: "CVE-2026-1111",
			SeverityNorm: 90, Confidence: 0.9, OccurredAt: bucket.Add(-time.Hour)},
		{ID: "e1", Source: model.SourceSecurityEvent, Identifier: "brute-force",
			SeverityNorm: 60, Confidence: 0.5, OccurredAt: bucket.Add(-5 * time.Hour)},
		{ID: "b1", Source: model.SourceBusinessContext, Identifier: "tier-0",
			SeverityNorm: 85, Confidence: 1.0, OccurredAt: bucket.Add(-48 * time.Hour)},
	}
	snap := model.ServiceIndexSnapshot{Indices: model.IndexSet{SVI: 50, SEI: 20, BCI: 30, ERI: 10}}

	in := buildInput("t1", "svc", bucket, signals, snap, nil)

	// Likelihood is the strongest severity-times-confidence among threat
	// sources; business context feeds impact instead.
	assert.InDelta(t, 81.0, in.Likelihood, 1e-9)
	assert.Equal(t, 85.0, in.Impact)
	assert.Equal(t, 0.9, in.Confidence)
	assert.Equal(t, "vulnerability: CVE-2026-1111", in.Title)
	assert.Equal(t, model.CategorySecurity, in.Category)

	// Three distinct sources of four possible.
	assert.InDelta(t, 75.0, in.EvidenceQuality, 1e-9)

	// Newest signal is one hour old; freshness is just under 100.
	assert.Greater(t, in.Freshness, 99.0)
	assert.LessOrEqual(t, in.Freshness, 100.0)
}

func TestBuildInput_ImpactFallsBackToMaxSeverity(t *testing.T) {
	signals := []model.SignalRecord{
		{ID: "v1", Source: model.SourceVulnerability, Identifier: "CVE-2026-2222",
			SeverityNorm: 70, Confidence: 0.8, OccurredAt: bucket.Add(-time.Hour)},
	}

	in := buildInput("t1", "svc", bucket, signals, model.ServiceIndexSnapshot{}, nil)
	assert.Equal(t, 70.0, in.Impact)
}

func TestDominantCategory(t *testing.T) {
	assert.Equal(t, model.CategorySecurity,
		dominantCategory(model.IndexSet{SVI: 80, BCI: 50}))
	assert.Equal(t, model.CategoryOperational,
		dominantCategory(model.IndexSet{SVI: 30, BCI: 70}))
	assert.Equal(t, model.CategoryStrategic,
		dominantCategory(model.IndexSet{SEI: 20, ERI: 60}))
	// Ties break toward security.
	assert.Equal(t, model.CategorySecurity,
		dominantCategory(model.IndexSet{SVI: 50, BCI: 50, ERI: 50}))
}

func TestRunCascade_RaisesDependentRisk(t *testing.T) {
	eng, st := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, st.UpsertEdge(ctx, model.ServiceDependencyEdge{
		ParentServiceID: "svc-auth", DependentServiceID: "svc-checkout", ImpactWeight: 0.8}))

	parent := model.Risk{
		ID: "risk-parent", TenantID: "t1", ServiceID: "svc-auth",
		Category: model.CategorySecurity, Title: "auth compromise",
		Status: model.StatusActive, CompositeScore: 90, Band: model.BandCritical,
		PolicyVersion: 1, CreatedAt: bucket.Add(-time.Hour),
	}
	dependent := model.Risk{
		ID: "risk-dep", TenantID: "t1", ServiceID: "svc-checkout",
		Category: model.CategorySecurity, Title: "checkout exposure",
		Status: model.StatusActive, CompositeScore: 20, Band: model.BandLow,
		PolicyVersion: 1, CreatedAt: bucket.Add(-time.Hour),
	}
	require.NoError(t, st.InsertRisk(ctx, parent))
	require.NoError(t, st.InsertRisk(ctx, dependent))

	require.NoError(t, eng.RunCascade(ctx, bucket))

	// weighted_sum default: 20 direct + 90 * 0.8 = 92.
	updated, err := st.GetRisk(ctx, "risk-dep")
	require.NoError(t, err)
	assert.InDelta(t, 92.0, updated.CompositeScore, 1e-9)
	assert.Equal(t, model.BandCritical, updated.Band)

	entries, err := st.ListHistory(ctx, "risk-dep")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, history.ReasonCascade, entries[0].ChangeReason)
	assert.Equal(t, 20.0, entries[0].OldScore)

	// The parent's own score is untouched.
	p, err := st.GetRisk(ctx, "risk-parent")
	require.NoError(t, err)
	assert.Equal(t, 90.0, p.CompositeScore)
	parentHistory, err := st.ListHistory(ctx, "risk-parent")
	require.NoError(t, err)
	assert.Empty(t, parentHistory)
}

func TestRunCascade_MigratesPolicyVersion(t *testing.T) {
	eng, st := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, st.UpsertEdge(ctx, model.ServiceDependencyEdge{
		ParentServiceID: "svc-auth", DependentServiceID: "svc-checkout", ImpactWeight: 0.8}))

	parent := model.Risk{
		ID: "risk-parent", TenantID: "t1", ServiceID: "svc-auth",
		Category: model.CategorySecurity, Title: "auth compromise",
		Status: model.StatusActive, CompositeScore: 90, Band: model.BandCritical,
		PolicyVersion: 1, CreatedAt: bucket.Add(-time.Hour),
	}
	dependent := model.Risk{
		ID: "risk-dep", TenantID: "t1", ServiceID: "svc-checkout",
		Category: model.CategorySecurity, Title: "checkout exposure",
		Status: model.StatusActive, CompositeScore: 20, Band: model.BandLow,
		PolicyVersion: 1, CreatedAt: bucket.Add(-time.Hour),
	}
	require.NoError(t, st.InsertRisk(ctx, parent))
	require.NoError(t, st.InsertRisk(ctx, dependent))

	// Activate a second version before the cascade runs; the rescored
	// dependent is re-banded under it and must record that version.
	pol := activePolicy(t, eng)
	doc := pol
	doc.Bands.Critical = 80
	created, err := eng.policies.CreateVersion(ctx, doc, pol.Version, "test")
	require.NoError(t, err)
	require.NoError(t, eng.policies.Activate(ctx, "t1", created.Version, "test"))

	require.NoError(t, eng.RunCascade(ctx, bucket))

	updated, err := st.GetRisk(ctx, "risk-dep")
	require.NoError(t, err)
	assert.InDelta(t, 92.0, updated.CompositeScore, 1e-9)
	assert.Equal(t, model.BandCritical, updated.Band)
	assert.Equal(t, created.Version, updated.PolicyVersion,
		"the stored version must explain the stored band")

	entries, err := st.ListHistory(ctx, "risk-dep")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, created.Version, entries[0].PolicyVersion)
}

func TestRunCascade_RaisesZeroScoreRisk(t *testing.T) {
	eng, st := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, st.UpsertEdge(ctx, model.ServiceDependencyEdge{
		ParentServiceID: "svc-auth", DependentServiceID: "svc-checkout", ImpactWeight: 0.5}))

	parent := model.Risk{
		ID: "risk-parent", TenantID: "t1", ServiceID: "svc-auth",
		Category: model.CategorySecurity, Title: "auth compromise",
		Status: model.StatusActive, CompositeScore: 90, Band: model.BandCritical,
		PolicyVersion: 1, CreatedAt: bucket.Add(-time.Hour),
	}
	// A fully discounted open risk still participates in the cascade.
	dependent := model.Risk{
		ID: "risk-dep", TenantID: "t1", ServiceID: "svc-checkout",
		Category: model.CategorySecurity, Title: "checkout exposure",
		Status: model.StatusActive, CompositeScore: 0, Band: model.BandLow,
		PolicyVersion: 1, CreatedAt: bucket.Add(-time.Hour),
	}
	require.NoError(t, st.InsertRisk(ctx, parent))
	require.NoError(t, st.InsertRisk(ctx, dependent))

	require.NoError(t, eng.RunCascade(ctx, bucket))

	updated, err := st.GetRisk(ctx, "risk-dep")
	require.NoError(t, err)
	assert.InDelta(t, 45.0, updated.CompositeScore, 1e-9)
}

func TestRunAll_RefreshesOpenRiskGauge(t *testing.T) {
	eng, st := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, st.InsertRisk(ctx, model.Risk{
		ID: "r1", TenantID: "t1", ServiceID: "svc-a",
		Category: model.CategorySecurity, Status: model.StatusActive,
		CompositeScore: 70, Band: model.BandHigh, PolicyVersion: 1,
		CreatedAt: bucket.Add(-time.Hour),
	}))
	require.NoError(t, st.InsertRisk(ctx, model.Risk{
		ID: "r2", TenantID: "t1", ServiceID: "svc-b",
		Category: model.CategorySecurity, Status: model.StatusSuppressed,
		CompositeScore: 20, Band: model.BandLow, PolicyVersion: 1,
		CreatedAt: bucket.Add(-time.Hour),
	}))

	eng.RunAll(ctx, bucket)

	// Only open statuses count; the suppressed risk stays off the gauge.
	assert.Equal(t, 1.0, testutil.ToFloat64(eng.metrics.OpenRisks.WithLabelValues(string(model.BandHigh))))
	assert.Equal(t, 0.0, testutil.ToFloat64(eng.metrics.OpenRisks.WithLabelValues(string(model.BandLow))))
}

func TestRunCascade_NeverLowersScores(t *testing.T) {
	eng, st := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, st.UpsertEdge(ctx, model.ServiceDependencyEdge{
		ParentServiceID: "svc-auth", DependentServiceID: "svc-checkout", ImpactWeight: 0.1}))

	dependent := model.Risk{
		ID: "risk-dep", TenantID: "t1", ServiceID: "svc-checkout",
		Category: model.CategorySecurity, Title: "checkout exposure",
		Status: model.StatusActive, CompositeScore: 80, Band: model.BandHigh,
		PolicyVersion: 1, CreatedAt: bucket.Add(-time.Hour),
	}
	require.NoError(t, st.InsertRisk(ctx, dependent))

	// With a max strategy and a weak parent, the combined score equals the
	// direct score and no rescore happens.
	pol := activePolicy(t, eng)
	doc := pol
	doc.Cascade.Strategy = policy.CascadeMax
	created, err := eng.policies.CreateVersion(ctx, doc, pol.Version, "test")
	require.NoError(t, err)
	require.NoError(t, eng.policies.Activate(ctx, "t1", created.Version, "test"))

	require.NoError(t, eng.RunCascade(ctx, bucket))

	updated, err := st.GetRisk(ctx, "risk-dep")
	require.NoError(t, err)
	assert.Equal(t, 80.0, updated.CompositeScore)

	entries, err := st.ListHistory(ctx, "risk-dep")
	require.NoError(t, err)
	assert.Empty(t, entries, "an unchanged score must not accrue history")
}

func TestRunCascade_NoEdgesIsNoop(t *testing.T) {
	eng, _ := newTestEngine(t)
	assert.NoError(t, eng.RunCascade(context.Background(), bucket))
}
