package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dynarisk/riskengine/internal/model"
	"github.com/dynarisk/riskengine/internal/policy"
)

var base = time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC)

func risk(id, service string, status model.RiskStatus, createdAt time.Time) model.Risk {
	return model.Risk{
		ID:        id,
		TenantID:  "t1",
		ServiceID: service,
		Category:  model.CategorySecurity,
		Title:     "test risk " + id,
		Status:    status,
		Band:      model.BandHigh,
		CreatedAt: createdAt,
	}
}

func TestMemoryStore_UpsertSignalSupersedes(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	first := model.SignalRecord{ID: "sig-1", Source: model.SourceVulnerability,
		ServiceID: "svc", SeverityNorm: 50, IngestedAt: base}
	require.NoError(t, st.UpsertSignal(ctx, first))

	revised := first
	revised.SeverityNorm = 80
	revised.IngestedAt = base.Add(time.Hour)
	require.NoError(t, st.UpsertSignal(ctx, revised))

	signals, err := st.ListSignals(ctx, "svc")
	require.NoError(t, err)
	require.Len(t, signals, 1, "same ID must supersede, not duplicate")
	assert.Equal(t, 80.0, signals[0].SeverityNorm)
}

func TestMemoryStore_ListServiceIDs(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	for _, sig := range []model.SignalRecord{
		{ID: "a", ServiceID: "svc-z"},
		{ID: "b", ServiceID: "svc-a"},
		{ID: "c", ServiceID: "svc-a"},
	} {
		require.NoError(t, st.UpsertSignal(ctx, sig))
	}

	ids, err := st.ListServiceIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"svc-a", "svc-z"}, ids)
}

func TestMemoryStore_LatestIndexSnapshot(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, st.AppendIndexSnapshot(ctx, model.ServiceIndexSnapshot{
		ServiceID: "svc", BucketTimestamp: base, Indices: model.IndexSet{SVI: 10}}))
	require.NoError(t, st.AppendIndexSnapshot(ctx, model.ServiceIndexSnapshot{
		ServiceID: "svc", BucketTimestamp: base.Add(time.Hour), Indices: model.IndexSet{SVI: 20}}))
	require.NoError(t, st.AppendIndexSnapshot(ctx, model.ServiceIndexSnapshot{
		ServiceID: "other", BucketTimestamp: base.Add(2 * time.Hour), Indices: model.IndexSet{SVI: 99}}))

	latest, err := st.LatestIndexSnapshot(ctx, "svc")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, 20.0, latest.Indices.SVI)

	missing, err := st.LatestIndexSnapshot(ctx, "unknown")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestMemoryStore_ListOpenRisks(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, st.InsertRisk(ctx, risk("r1", "svc", model.StatusActive, base)))
	require.NoError(t, st.InsertRisk(ctx, risk("r2", "svc", model.StatusPending, base.Add(time.Hour))))
	require.NoError(t, st.InsertRisk(ctx, risk("r3", "svc", model.StatusMitigated, base.Add(2*time.Hour))))
	require.NoError(t, st.InsertRisk(ctx, risk("r4", "other", model.StatusActive, base)))

	crossCategory := risk("r5", "svc", model.StatusActive, base)
	crossCategory.Category = model.CategoryOperational
	require.NoError(t, st.InsertRisk(ctx, crossCategory))

	open, err := st.ListOpenRisks(ctx, "t1", "svc", model.CategorySecurity)
	require.NoError(t, err)
	require.Len(t, open, 2)
	// Oldest first, so dedupe prefers long-lived survivors.
	assert.Equal(t, "r1", open[0].ID)
	assert.Equal(t, "r2", open[1].ID)
}

func TestMemoryStore_ListSuppressedRisks(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, st.InsertRisk(ctx, risk("r1", "svc", model.StatusSuppressed, base.Add(time.Hour))))
	require.NoError(t, st.InsertRisk(ctx, risk("r2", "svc", model.StatusSuppressed, base)))
	require.NoError(t, st.InsertRisk(ctx, risk("r3", "svc", model.StatusActive, base)))
	require.NoError(t, st.InsertRisk(ctx, risk("r4", "other", model.StatusSuppressed, base)))

	suppressed, err := st.ListSuppressedRisks(ctx, "t1", "svc", model.CategorySecurity)
	require.NoError(t, err)
	require.Len(t, suppressed, 2)
	assert.Equal(t, "r2", suppressed[0].ID, "oldest first")
	assert.Equal(t, "r1", suppressed[1].ID)
}

func TestMemoryStore_ListRisksFilters(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	r1 := risk("r1", "svc", model.StatusActive, base)
	r2 := risk("r2", "svc", model.StatusSuppressed, base.Add(time.Hour))
	r2.Band = model.BandLow
	r3 := risk("r3", "other", model.StatusActive, base.Add(2*time.Hour))
	for _, r := range []model.Risk{r1, r2, r3} {
		require.NoError(t, st.InsertRisk(ctx, r))
	}

	all, err := st.ListRisks(ctx, RiskFilter{TenantID: "t1"})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "r3", all[0].ID, "newest first")

	byService, err := st.ListRisks(ctx, RiskFilter{TenantID: "t1", ServiceID: "svc"})
	require.NoError(t, err)
	assert.Len(t, byService, 2)

	byStatus, err := st.ListRisks(ctx, RiskFilter{
		TenantID: "t1", Statuses: []model.RiskStatus{model.StatusSuppressed}})
	require.NoError(t, err)
	require.Len(t, byStatus, 1)
	assert.Equal(t, "r2", byStatus[0].ID)

	byBand, err := st.ListRisks(ctx, RiskFilter{TenantID: "t1", Band: model.BandHigh})
	require.NoError(t, err)
	assert.Len(t, byBand, 2)

	limited, err := st.ListRisks(ctx, RiskFilter{TenantID: "t1", Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestMemoryStore_LatestPosture(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, st.AppendPosture(ctx, model.SecurityPostureSnapshot{
		ServiceID: "svc", PatchCompliance: 50, AssessedAt: base}))
	require.NoError(t, st.AppendPosture(ctx, model.SecurityPostureSnapshot{
		ServiceID: "svc", PatchCompliance: 90, AssessedAt: base.Add(time.Hour)}))

	latest, err := st.LatestPosture(ctx, "svc")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, 90.0, latest.PatchCompliance)
}

func TestMemoryStore_UpsertEdgeReplacesByEndpoints(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, st.UpsertEdge(ctx, model.ServiceDependencyEdge{
		ParentServiceID: "a", DependentServiceID: "b", ImpactWeight: 0.5}))
	require.NoError(t, st.UpsertEdge(ctx, model.ServiceDependencyEdge{
		ParentServiceID: "a", DependentServiceID: "b", ImpactWeight: 0.7}))

	edges, err := st.ListEdges(ctx)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, 0.7, edges[0].ImpactWeight)
}

func TestMemoryStore_PolicySingleActiveSwap(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	v1 := policy.Default("t1")
	v1.Version = 1
	v1.IsActive = true
	require.NoError(t, st.InsertPolicy(ctx, v1))

	v2 := policy.Default("t1")
	v2.Version = 2
	require.NoError(t, st.InsertPolicy(ctx, v2))

	require.NoError(t, st.ActivatePolicy(ctx, "t1", 2))

	active, err := st.GetActivePolicy(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, 2, active.Version)

	old, err := st.GetPolicy(ctx, "t1", 1)
	require.NoError(t, err)
	require.NotNil(t, old)
	assert.False(t, old.IsActive)
}

func TestMemoryStore_InsertPolicyRejectsDuplicateVersion(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	v1 := policy.Default("t1")
	v1.Version = 1
	require.NoError(t, st.InsertPolicy(ctx, v1))

	err := st.InsertPolicy(ctx, v1)
	require.Error(t, err)
	verr, ok := err.(*policy.ValidationError)
	require.True(t, ok)
	assert.Equal(t, "version", verr.Field)
}

func TestMemoryStore_ActivateUnknownVersion(t *testing.T) {
	st := NewMemoryStore()
	assert.Error(t, st.ActivatePolicy(context.Background(), "t1", 42))
}

func TestMemoryStore_HistoryOrderedOldestFirst(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, st.AppendHistory(ctx, model.RiskScoreHistoryEntry{
		ID: "h2", RiskID: "r1", NewScore: 60, CreatedAt: base.Add(time.Hour)}))
	require.NoError(t, st.AppendHistory(ctx, model.RiskScoreHistoryEntry{
		ID: "h1", RiskID: "r1", NewScore: 50, CreatedAt: base}))
	require.NoError(t, st.AppendHistory(ctx, model.RiskScoreHistoryEntry{
		ID: "h3", RiskID: "other", NewScore: 10, CreatedAt: base}))

	entries, err := st.ListHistory(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "h1", entries[0].ID)
	assert.Equal(t, "h2", entries[1].ID)
}
