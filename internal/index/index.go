// Package index computes the four per-service risk indices (SVI, SEI, BCI,
// ERI) from normalized signals with exponential time decay and per-factor
// contribution caps.
package index

import (
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/dynarisk/riskengine/internal/model"
	"github.com/dynarisk/riskengine/internal/policy"
)

// topFactorCount is the fixed size of the explainability factor list.
const topFactorCount = 5

// Computer aggregates signals into index snapshots. Computation is anchored
// to the bucket timestamp, never the wall clock, so recomputing a bucket
// with the same signal set and policy version is bit-identical.
type Computer struct {
	logger *slog.Logger
}

// NewComputer creates an index computer.
func NewComputer(logger *slog.Logger) *Computer {
	return &Computer{logger: logger}
}

// Compute builds the index snapshot for one service and bucket. Missing
// signal categories yield index 0; absence of data is a valid low-risk
// state, not an error.
func (c *Computer) Compute(serviceID string, bucket time.Time, signals []model.SignalRecord, pol policy.Policy) model.ServiceIndexSnapshot {
	effective := supersede(signals)

	var indices model.IndexSet
	var factors []model.Factor

	for _, sig := range effective {
		indexName, ok := indexFor(sig.Source)
		if !ok {
			// Posture records feed the posture store, not the indices.
			continue
		}

		contribution, reason := c.contribution(sig, indexName, bucket, pol)
		if contribution <= 0 {
			continue
		}

		switch indexName {
		case "svi":
			indices.SVI += contribution
		case "sei":
			indices.SEI += contribution
		case "bci":
			indices.BCI += contribution
		case "eri":
			indices.ERI += contribution
		}

		factors = append(factors, model.Factor{
			Name:         indexName,
			SignalID:     sig.ID,
			Contribution: contribution,
			Reason:       reason,
		})
	}

	indices.SVI = model.ClampScore(indices.SVI)
	indices.SEI = model.ClampScore(indices.SEI)
	indices.BCI = model.ClampScore(indices.BCI)
	indices.ERI = model.ClampScore(indices.ERI)

	snapshot := model.ServiceIndexSnapshot{
		ServiceID:       serviceID,
		BucketTimestamp: bucket.UTC(),
		Indices:         indices,
		TopFactors:      topFactors(factors),
		PolicyVersion:   pol.Version,
		CreatedAt:       bucket.UTC(),
	}

	c.logger.Debug("Index snapshot computed",
		"service_id", serviceID,
		"bucket", bucket,
		"svi", indices.SVI,
		"sei", indices.SEI,
		"bci", indices.BCI,
		"eri", indices.ERI,
		"signals", len(effective))

	return snapshot
}

// contribution is severity × confidence × decay, capped by the policy's
// per-factor limit so one maximal fresh signal cannot saturate an index
// unless policy allows it.
func (c *Computer) contribution(sig model.SignalRecord, indexName string, bucket time.Time, pol policy.Policy) (float64, string) {
	age := bucket.Sub(sig.OccurredAt)
	if age < 0 {
		age = 0
	}
	halfLife := pol.HalfLife(indexName)
	decay := 1.0
	if halfLife > 0 {
		decay = math.Pow(0.5, float64(age)/float64(halfLife))
	}

	raw := sig.SeverityNorm * sig.Confidence * decay

	kind := factorKind(sig)
	limit := pol.FactorCap(kind)
	capped := raw
	if capped > limit {
		capped = limit
	}

	reason := fmt.Sprintf("%s signal %s: severity %.1f × confidence %.2f × decay %.3f",
		sig.Source, sig.Identifier, sig.SeverityNorm, sig.Confidence, decay)
	if capped < raw {
		reason += fmt.Sprintf(", capped at %.1f (%s)", limit, kind)
	}

	return capped, reason
}

// supersede collapses re-ingestions of the same external identifier so a
// signal never double-counts. The latest ingestion wins.
func supersede(signals []model.SignalRecord) []model.SignalRecord {
	latest := make(map[string]model.SignalRecord, len(signals))
	for _, sig := range signals {
		prior, exists := latest[sig.ID]
		if !exists || sig.IngestedAt.After(prior.IngestedAt) {
			latest[sig.ID] = sig
		}
	}

	effective := make([]model.SignalRecord, 0, len(latest))
	for _, sig := range latest {
		effective = append(effective, sig)
	}
	// Stable order keeps the computation deterministic regardless of map
	// iteration.
	sort.Slice(effective, func(i, j int) bool { return effective[i].ID < effective[j].ID })
	return effective
}

// topFactors keeps the highest contributions, ties broken by signal ID.
func topFactors(factors []model.Factor) []model.Factor {
	sort.Slice(factors, func(i, j int) bool {
		if factors[i].Contribution != factors[j].Contribution {
			return factors[i].Contribution > factors[j].Contribution
		}
		return factors[i].SignalID < factors[j].SignalID
	})
	if len(factors) > topFactorCount {
		factors = factors[:topFactorCount]
	}
	return factors
}

func indexFor(source model.SignalSource) (string, bool) {
	switch source {
	case model.SourceVulnerability:
		return "svi", true
	case model.SourceSecurityEvent:
		return "sei", true
	case model.SourceBusinessContext:
		return "bci", true
	case model.SourceExternalSignal:
		return "eri", true
	default:
		return "", false
	}
}

func factorKind(sig model.SignalRecord) string {
	if sig.KnownExploited() {
		return "kev"
	}
	if kind, ok := sig.Metadata["factor_kind"].(string); ok && kind != "" {
		return kind
	}
	return "default"
}
