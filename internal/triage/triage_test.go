package triage

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dynarisk/riskengine/internal/history"
	"github.com/dynarisk/riskengine/internal/model"
	"github.com/dynarisk/riskengine/internal/policy"
	"github.com/dynarisk/riskengine/internal/scoring"
	"github.com/dynarisk/riskengine/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestEngine(t *testing.T) (*Engine, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	recorder := history.NewRecorder(st, testLogger())
	return NewEngine(st, recorder, testLogger()), st
}

func candidate(title string, score, confidence float64, pol policy.Policy) model.RiskCandidate {
	return model.RiskCandidate{
		TenantID:       "t1",
		ServiceID:      "svc-payments",
		Category:       model.CategorySecurity,
		Title:          title,
		CompositeScore: score,
		Confidence:     confidence,
		Band:           pol.BandFor(score),
		DedupeKey:      scoring.DedupeKey("svc-payments", model.CategorySecurity, title),
		PolicyVersion:  pol.Version,
		TopFactors: []model.Factor{
			{Name: "likelihood", Contribution: score / 2, Reason: "test factor"},
		},
	}
}

var now = time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)

func TestProcessCandidate_RoutingBoundariesInclusive(t *testing.T) {
	pol := policy.Default("t1")

	tests := []struct {
		name       string
		score      float64
		confidence float64
		decision   Decision
		status     model.RiskStatus
	}{
		{"exactly at auto-approve", 80, 0.8, DecisionAutoApproved, model.StatusActive},
		{"above auto-approve low confidence", 95, 0.7, DecisionPendingReview, model.StatusPending},
		{"exactly at pending", 50, 0.5, DecisionPendingReview, model.StatusPending},
		{"pending score low confidence", 60, 0.4, DecisionSuppressed, model.StatusSuppressed},
		{"below pending", 30, 0.99, DecisionSuppressed, model.StatusSuppressed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng, st := newTestEngine(t)
			cand := candidate("RCE in gateway", tt.score, tt.confidence, pol)

			outcome, err := eng.ProcessCandidate(context.Background(), cand, pol, now)
			require.NoError(t, err)
			assert.Equal(t, tt.decision, outcome.Decision)
			assert.Equal(t, tt.status, outcome.Risk.Status)

			stored, err := st.GetRisk(context.Background(), outcome.Risk.ID)
			require.NoError(t, err)
			require.NotNil(t, stored)

			entries, err := st.ListHistory(context.Background(), outcome.Risk.ID)
			require.NoError(t, err)
			require.Len(t, entries, 1)
			assert.Equal(t, history.ReasonCreated, entries[0].ChangeReason)
			assert.Zero(t, entries[0].OldScore)
			assert.Equal(t, tt.score, entries[0].NewScore)
		})
	}
}

func TestProcessCandidate_MergesNearDuplicate(t *testing.T) {
	eng, st := newTestEngine(t)
	pol := policy.Default("t1")

	first, err := eng.ProcessCandidate(context.Background(),
		candidate("Critical RCE in payment gateway", 85, 0.9, pol), pol, now)
	require.NoError(t, err)
	require.Equal(t, DecisionAutoApproved, first.Decision)

	// Same tokens, one extra word: similarity 5/6 > 0.6 threshold.
	second, err := eng.ProcessCandidate(context.Background(),
		candidate("Critical RCE in payment gateway exploit", 90, 0.95, pol), pol, now.Add(time.Hour))
	require.NoError(t, err)

	assert.Equal(t, DecisionMerged, second.Decision)
	assert.Equal(t, model.StatusMerged, second.Risk.Status)
	assert.Equal(t, first.Risk.ID, second.Risk.MergedIntoID)

	survivor, err := st.GetRisk(context.Background(), first.Risk.ID)
	require.NoError(t, err)
	assert.Equal(t, 90.0, survivor.CompositeScore, "stronger evidence must win")
	assert.Equal(t, 0.95, survivor.Confidence)

	entries, err := st.ListHistory(context.Background(), first.Risk.ID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, history.ReasonMerged, entries[1].ChangeReason)
	assert.Equal(t, 85.0, entries[1].OldScore)
	assert.Equal(t, 90.0, entries[1].NewScore)

	// The merged record is terminal: no history of its own beyond none.
	mergedHistory, err := st.ListHistory(context.Background(), second.Risk.ID)
	require.NoError(t, err)
	assert.Empty(t, mergedHistory)
}

func TestProcessCandidate_MergeNeverLowersSurvivor(t *testing.T) {
	eng, st := newTestEngine(t)
	pol := policy.Default("t1")

	first, err := eng.ProcessCandidate(context.Background(),
		candidate("Critical RCE in payment gateway", 90, 0.95, pol), pol, now)
	require.NoError(t, err)

	weaker, err := eng.ProcessCandidate(context.Background(),
		candidate("Critical RCE in payment gateway again", 60, 0.6, pol), pol, now.Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, DecisionMerged, weaker.Decision)

	survivor, err := st.GetRisk(context.Background(), first.Risk.ID)
	require.NoError(t, err)
	assert.Equal(t, 90.0, survivor.CompositeScore)
	assert.Equal(t, 0.95, survivor.Confidence)
}

func TestProcessCandidate_BelowThresholdStaysDistinct(t *testing.T) {
	eng, _ := newTestEngine(t)
	pol := policy.Default("t1")

	first, err := eng.ProcessCandidate(context.Background(),
		candidate("Critical RCE in payment gateway", 85, 0.9, pol), pol, now)
	require.NoError(t, err)

	// Disjoint titles share no tokens: similarity 0.
	second, err := eng.ProcessCandidate(context.Background(),
		candidate("Expired TLS certificate on edge", 85, 0.9, pol), pol, now.Add(time.Hour))
	require.NoError(t, err)

	assert.NotEqual(t, DecisionMerged, second.Decision)
	assert.NotEqual(t, first.Risk.ID, second.Risk.ID)
	assert.Empty(t, second.Risk.MergedIntoID)
}

func TestProcessCandidate_ExactThresholdDoesNotMerge(t *testing.T) {
	eng, _ := newTestEngine(t)
	pol := policy.Default("t1")
	pol.Dedupe.SimilarityThreshold = 0.5

	_, err := eng.ProcessCandidate(context.Background(),
		candidate("alpha beta gamma delta", 85, 0.9, pol), pol, now)
	require.NoError(t, err)

	// Jaccard 2/6 against the open risk, below the 0.5 threshold.
	second, err := eng.ProcessCandidate(context.Background(),
		candidate("alpha beta epsilon zeta", 85, 0.9, pol), pol, now.Add(time.Hour))
	require.NoError(t, err)
	assert.NotEqual(t, DecisionMerged, second.Decision)

	pol.Dedupe.SimilarityThreshold = 1.0 / 3.0
	third, err := eng.ProcessCandidate(context.Background(),
		candidate("alpha beta theta iota", 85, 0.9, pol), pol, now.Add(2*time.Hour))
	require.NoError(t, err)
	assert.NotEqual(t, DecisionMerged, third.Decision,
		"similarity exactly at the threshold must not merge")
}

func TestProcessCandidate_OutsideWindowStaysDistinct(t *testing.T) {
	eng, _ := newTestEngine(t)
	pol := policy.Default("t1")

	_, err := eng.ProcessCandidate(context.Background(),
		candidate("Critical RCE in payment gateway", 85, 0.9, pol), pol, now)
	require.NoError(t, err)

	afterWindow := now.Add(time.Duration(pol.Dedupe.WindowHours)*time.Hour + time.Minute)
	second, err := eng.ProcessCandidate(context.Background(),
		candidate("Critical RCE in payment gateway", 85, 0.9, pol), pol, afterWindow)
	require.NoError(t, err)

	assert.NotEqual(t, DecisionMerged, second.Decision)
}

func TestProcessCandidate_MergeConflictFallsBackToRouting(t *testing.T) {
	eng, st := newTestEngine(t)
	pol := policy.Default("t1")

	first, err := eng.ProcessCandidate(context.Background(),
		candidate("Critical RCE in payment gateway", 85, 0.9, pol), pol, now)
	require.NoError(t, err)

	// Simulate a concurrent actor closing the survivor between the dedupe
	// search and the commit.
	survivor, err := st.GetRisk(context.Background(), first.Risk.ID)
	require.NoError(t, err)
	stale := *survivor
	closed := *survivor
	closed.Status = model.StatusMitigated
	require.NoError(t, st.UpdateRisk(context.Background(), closed))

	_, err = eng.merge(context.Background(),
		candidate("Critical RCE in payment gateway", 88, 0.9, pol),
		stale, pol, now.Add(time.Hour))
	assert.ErrorIs(t, err, ErrMergeConflict)

	// ProcessCandidate recovers by routing the candidate as a new risk.
	outcome, err := eng.ProcessCandidate(context.Background(),
		candidate("Critical RCE in payment gateway", 88, 0.9, pol), pol, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, DecisionAutoApproved, outcome.Decision)
}

func TestProcessCandidate_MergeMigratesPolicyVersion(t *testing.T) {
	eng, st := newTestEngine(t)
	pol := policy.Default("t1")

	first, err := eng.ProcessCandidate(context.Background(),
		candidate("Critical RCE in payment gateway", 60, 0.6, pol), pol, now)
	require.NoError(t, err)
	require.Equal(t, 1, first.Risk.PolicyVersion)
	require.Equal(t, model.BandMedium, first.Risk.Band)

	// A later version redraws the critical cutoff below the survivor's
	// score. The merge re-bands under it, so the survivor must carry it.
	pol2 := pol
	pol2.Version = 2
	pol2.Bands.Critical = 50

	merged, err := eng.ProcessCandidate(context.Background(),
		candidate("Critical RCE in payment gateway exploit", 55, 0.6, pol2), pol2, now.Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, DecisionMerged, merged.Decision)

	survivor, err := st.GetRisk(context.Background(), first.Risk.ID)
	require.NoError(t, err)
	assert.Equal(t, 60.0, survivor.CompositeScore)
	assert.Equal(t, model.BandCritical, survivor.Band)
	assert.Equal(t, 2, survivor.PolicyVersion,
		"the stored version must explain the stored band")
	assert.Equal(t, survivor.Band, pol2.BandFor(survivor.CompositeScore))

	entries, err := st.ListHistory(context.Background(), first.Risk.ID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, history.ReasonMerged, entries[1].ChangeReason)
	assert.Equal(t, 2, entries[1].PolicyVersion)
}

func TestProcessCandidate_SameKeyRescoresInPlace(t *testing.T) {
	eng, st := newTestEngine(t)
	pol := policy.Default("t1")

	first, err := eng.ProcessCandidate(context.Background(),
		candidate("Critical RCE in payment gateway", 85, 0.9, pol), pol, now)
	require.NoError(t, err)
	require.Equal(t, DecisionAutoApproved, first.Decision)

	// The same dedupe key recomputed is the same risk with decayed
	// evidence, not a duplicate: the score drops in place.
	second, err := eng.ProcessCandidate(context.Background(),
		candidate("Critical RCE in payment gateway", 70, 0.8, pol), pol, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, DecisionRescored, second.Decision)
	assert.Equal(t, first.Risk.ID, second.Risk.ID)
	assert.Equal(t, 70.0, second.Risk.CompositeScore)
	assert.Equal(t, model.StatusActive, second.Risk.Status,
		"a rescore never changes lifecycle status")

	all, err := st.ListRisks(context.Background(), store.RiskFilter{TenantID: "t1"})
	require.NoError(t, err)
	assert.Len(t, all, 1, "a recomputation must not add rows")

	entries, err := st.ListHistory(context.Background(), first.Risk.ID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, history.ReasonRescored, entries[1].ChangeReason)
	assert.Equal(t, 85.0, entries[1].OldScore)
	assert.Equal(t, 70.0, entries[1].NewScore)

	// An unchanged score accrues no history.
	_, err = eng.ProcessCandidate(context.Background(),
		candidate("Critical RCE in payment gateway", 70, 0.8, pol), pol, now.Add(2*time.Hour))
	require.NoError(t, err)
	entries, err = st.ListHistory(context.Background(), first.Risk.ID)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestProcessCandidate_RepeatedSuppressionReusesRecord(t *testing.T) {
	eng, st := newTestEngine(t)
	pol := policy.Default("t1")

	first, err := eng.ProcessCandidate(context.Background(),
		candidate("Low noise finding", 20, 0.9, pol), pol, now)
	require.NoError(t, err)
	require.Equal(t, DecisionSuppressed, first.Decision)

	// A scheduler re-submitting the same low-scoring evidence every tick
	// must not accrete one suppressed row per tick.
	for i := 1; i <= 3; i++ {
		repeat, err := eng.ProcessCandidate(context.Background(),
			candidate("Low noise finding", 20, 0.9, pol), pol, now.Add(time.Duration(i)*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, DecisionRescored, repeat.Decision)
		assert.Equal(t, first.Risk.ID, repeat.Risk.ID)
		assert.Equal(t, model.StatusSuppressed, repeat.Risk.Status)
	}

	all, err := st.ListRisks(context.Background(), store.RiskFilter{TenantID: "t1"})
	require.NoError(t, err)
	assert.Len(t, all, 1)

	// Outside the dedupe window the record is stale and a fresh one is
	// created for audit.
	afterWindow := now.Add(time.Duration(pol.Dedupe.WindowHours)*time.Hour + time.Minute)
	later, err := eng.ProcessCandidate(context.Background(),
		candidate("Low noise finding", 20, 0.9, pol), pol, afterWindow)
	require.NoError(t, err)
	assert.Equal(t, DecisionSuppressed, later.Decision)
	assert.NotEqual(t, first.Risk.ID, later.Risk.ID)
}

func TestLifecycleTransitions(t *testing.T) {
	eng, _ := newTestEngine(t)
	pol := policy.Default("t1")

	pending, err := eng.ProcessCandidate(context.Background(),
		candidate("Suspicious login pattern", 60, 0.6, pol), pol, now)
	require.NoError(t, err)
	require.Equal(t, DecisionPendingReview, pending.Decision)

	// pending -> active via approve, then active -> mitigated.
	approved, err := eng.Approve(context.Background(), pending.Risk.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, approved.Status)

	mitigated, err := eng.Mitigate(context.Background(), pending.Risk.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, model.StatusMitigated, mitigated.Status)

	// Terminal risks reject further transitions.
	_, err = eng.Approve(context.Background(), pending.Risk.ID, "alice")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestReject(t *testing.T) {
	eng, _ := newTestEngine(t)
	pol := policy.Default("t1")

	pending, err := eng.ProcessCandidate(context.Background(),
		candidate("Suspicious login pattern", 60, 0.6, pol), pol, now)
	require.NoError(t, err)

	rejected, err := eng.Reject(context.Background(), pending.Risk.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, model.StatusRejected, rejected.Status)

	// Rejected risks cannot be mitigated.
	_, err = eng.Mitigate(context.Background(), pending.Risk.ID, "alice")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestSimilarity(t *testing.T) {
	keyA := scoring.DedupeKey("svc", model.CategorySecurity, "critical rce payment gateway")
	keyB := scoring.DedupeKey("svc", model.CategorySecurity, "critical rce payment gateway exploit")
	keyC := scoring.DedupeKey("svc", model.CategoryOperational, "critical rce payment gateway")
	keyD := scoring.DedupeKey("other", model.CategorySecurity, "critical rce payment gateway")

	assert.Equal(t, 1.0, Similarity(keyA, keyA))
	assert.InDelta(t, 0.8, Similarity(keyA, keyB), 1e-9) // 4 shared of 5 union
	assert.Zero(t, Similarity(keyA, keyC), "category mismatch never matches")
	assert.Zero(t, Similarity(keyA, keyD), "service mismatch never matches")
}
