package index

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dynarisk/riskengine/internal/model"
	"github.com/dynarisk/riskengine/internal/policy"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

var bucket = time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC)

func signal(id string, source model.SignalSource, severity, confidence float64, occurred, ingested time.Time) model.SignalRecord {
	return model.SignalRecord{
		ID:           id,
		Source:       source,
		ServiceID:    "svc-payments",
		Identifier:   id,
		SeverityNorm: severity,
		Confidence:   confidence,
		OccurredAt:   occurred,
		IngestedAt:   ingested,
	}
}

func TestCompute_EmptySignalsYieldZeroIndices(t *testing.T) {
	c := NewComputer(testLogger())

	snap := c.Compute("svc-payments", bucket, nil, policy.Default("t1"))

	assert.Equal(t, model.IndexSet{}, snap.Indices)
	assert.Empty(t, snap.TopFactors)
	assert.Equal(t, bucket, snap.BucketTimestamp)
}

func TestCompute_IndicesStayInRange(t *testing.T) {
	c := NewComputer(testLogger())
	pol := policy.Default("t1")
	pol.FactorCaps = map[string]float64{"default": 100}

	var signals []model.SignalRecord
	for i := 0; i < 10; i++ {
		signals = append(signals, signal(
			"vulnerability:CVE-2024-"+string(rune('a'+i)),
			model.SourceVulnerability, 100, 1.0, bucket, bucket))
	}

	snap := c.Compute("svc-payments", bucket, signals, pol)
	assert.GreaterOrEqual(t, snap.Indices.SVI, 0.0)
	assert.LessOrEqual(t, snap.Indices.SVI, 100.0)
}

func TestCompute_Deterministic(t *testing.T) {
	c := NewComputer(testLogger())
	pol := policy.Default("t1")
	signals := []model.SignalRecord{
		signal("vulnerability:CVE-2024-1", model.SourceVulnerability, 80, 0.9, bucket.Add(-24*time.Hour), bucket),
		signal("security_event:evt-7", model.SourceSecurityEvent, 60, 0.7, bucket.Add(-2*time.Hour), bucket),
		signal("external_signal:geo-1", model.SourceExternalSignal, 40, 0.5, bucket.Add(-48*time.Hour), bucket),
	}

	a := c.Compute("svc-payments", bucket, signals, pol)
	b := c.Compute("svc-payments", bucket, signals, pol)
	assert.Equal(t, a, b, "recomputing the same bucket must be bit-identical")
}

func TestCompute_Monotonic(t *testing.T) {
	c := NewComputer(testLogger())
	pol := policy.Default("t1")

	low := []model.SignalRecord{
		signal("security_event:evt-1", model.SourceSecurityEvent, 50, 0.8, bucket.Add(-time.Hour), bucket),
	}
	high := []model.SignalRecord{
		signal("security_event:evt-1", model.SourceSecurityEvent, 70, 0.8, bucket.Add(-time.Hour), bucket),
	}

	snapLow := c.Compute("svc-payments", bucket, low, pol)
	snapHigh := c.Compute("svc-payments", bucket, high, pol)
	assert.GreaterOrEqual(t, snapHigh.Indices.SEI, snapLow.Indices.SEI)
}

func TestCompute_KEVCap(t *testing.T) {
	c := NewComputer(testLogger())
	pol := policy.Default("t1")

	kev := signal("vulnerability:CVE-2024-1", model.SourceVulnerability, 90, 0.95, bucket, bucket)
	kev.Metadata = map[string]any{"kev": true}

	snap := c.Compute("svc-payments", bucket, []model.SignalRecord{kev}, pol)

	// A lone KEV signal contributes at most the policy's kev cap.
	assert.LessOrEqual(t, snap.Indices.SVI, pol.FactorCaps["kev"])
	assert.Greater(t, snap.Indices.SVI, 0.0)
	require.Len(t, snap.TopFactors, 1)
	assert.Contains(t, snap.TopFactors[0].Reason, "capped")
}

func TestCompute_ReingestedSignalDoesNotDoubleCount(t *testing.T) {
	c := NewComputer(testLogger())
	pol := policy.Default("t1")

	first := signal("vulnerability:CVE-2024-1", model.SourceVulnerability, 80, 0.9, bucket.Add(-time.Hour), bucket.Add(-30*time.Minute))
	replay := signal("vulnerability:CVE-2024-1", model.SourceVulnerability, 80, 0.9, bucket.Add(-time.Hour), bucket)

	once := c.Compute("svc-payments", bucket, []model.SignalRecord{first}, pol)
	twice := c.Compute("svc-payments", bucket, []model.SignalRecord{first, replay}, pol)

	assert.Equal(t, once.Indices.SVI, twice.Indices.SVI)
	assert.Len(t, twice.TopFactors, 1)
}

func TestCompute_SupersedeKeepsLatestIngestion(t *testing.T) {
	c := NewComputer(testLogger())
	pol := policy.Default("t1")

	old := signal("vulnerability:CVE-2024-1", model.SourceVulnerability, 90, 0.9, bucket.Add(-time.Hour), bucket.Add(-time.Hour))
	updated := signal("vulnerability:CVE-2024-1", model.SourceVulnerability, 40, 0.9, bucket.Add(-time.Hour), bucket)

	snap := c.Compute("svc-payments", bucket, []model.SignalRecord{old, updated}, pol)

	lower := c.Compute("svc-payments", bucket, []model.SignalRecord{updated}, pol)
	assert.Equal(t, lower.Indices.SVI, snap.Indices.SVI, "latest ingestion must win")
}

func TestCompute_DecayReducesOldSignals(t *testing.T) {
	c := NewComputer(testLogger())
	pol := policy.Default("t1")

	fresh := signal("security_event:evt-1", model.SourceSecurityEvent, 70, 0.9, bucket, bucket)
	stale := signal("security_event:evt-1", model.SourceSecurityEvent, 70, 0.9, bucket.Add(-72*time.Hour), bucket)

	freshSnap := c.Compute("svc-payments", bucket, []model.SignalRecord{fresh}, pol)
	staleSnap := c.Compute("svc-payments", bucket, []model.SignalRecord{stale}, pol)

	assert.Greater(t, freshSnap.Indices.SEI, staleSnap.Indices.SEI)
}

func TestCompute_PostureSignalsSkipIndices(t *testing.T) {
	c := NewComputer(testLogger())
	pol := policy.Default("t1")

	posture := signal("posture:assess-1", model.SourcePosture, 90, 1.0, bucket, bucket)

	snap := c.Compute("svc-payments", bucket, []model.SignalRecord{posture}, pol)
	assert.Equal(t, model.IndexSet{}, snap.Indices)
}

func TestCompute_SourcesRouteToDistinctIndices(t *testing.T) {
	c := NewComputer(testLogger())
	pol := policy.Default("t1")

	signals := []model.SignalRecord{
		signal("vulnerability:v1", model.SourceVulnerability, 50, 1.0, bucket, bucket),
		signal("security_event:e1", model.SourceSecurityEvent, 50, 1.0, bucket, bucket),
		signal("business_context:b1", model.SourceBusinessContext, 50, 1.0, bucket, bucket),
		signal("external_signal:x1", model.SourceExternalSignal, 50, 1.0, bucket, bucket),
	}

	snap := c.Compute("svc-payments", bucket, signals, pol)
	assert.Greater(t, snap.Indices.SVI, 0.0)
	assert.Greater(t, snap.Indices.SEI, 0.0)
	assert.Greater(t, snap.Indices.BCI, 0.0)
	assert.Greater(t, snap.Indices.ERI, 0.0)
}
