package policy

import (
	"fmt"
	"math"
	"time"

	"github.com/dynarisk/riskengine/internal/model"
)

// weightSumTolerance absorbs float drift when checking that scoring weights
// sum to 1.0.
const weightSumTolerance = 1e-6

// Weights are the tenant scoring weights. The nine factor weights must sum
// to 1.0; activation is rejected otherwise.
type Weights struct {
	Likelihood      float64 `json:"likelihood" yaml:"likelihood"`
	Impact          float64 `json:"impact" yaml:"impact"`
	Confidence      float64 `json:"confidence" yaml:"confidence"`
	Freshness       float64 `json:"freshness" yaml:"freshness"`
	EvidenceQuality float64 `json:"evidence_quality" yaml:"evidence_quality"`
	SVI             float64 `json:"svi" yaml:"svi"`
	SEI             float64 `json:"sei" yaml:"sei"`
	BCI             float64 `json:"bci" yaml:"bci"`
	ERI             float64 `json:"eri" yaml:"eri"`
}

// Sum returns the total of all factor weights.
func (w Weights) Sum() float64 {
	return w.Likelihood + w.Impact + w.Confidence + w.Freshness +
		w.EvidenceQuality + w.SVI + w.SEI + w.BCI + w.ERI
}

// Thresholds are the triage routing cutoffs. Score boundaries are
// inclusive-lower and must satisfy suppress < pending < auto_approve.
type Thresholds struct {
	AutoApprove              float64 `json:"auto_approve" yaml:"auto_approve"`
	Pending                  float64 `json:"pending" yaml:"pending"`
	Suppress                 float64 `json:"suppress" yaml:"suppress"`
	AutoApproveConfidenceMin float64 `json:"auto_approve_confidence_min" yaml:"auto_approve_confidence_min"`
	PendingConfidenceMin     float64 `json:"pending_confidence_min" yaml:"pending_confidence_min"`
}

// DiscountCaps bound the controls discount. Each dimension cap and the
// total cap are fractions of the raw score (0-1).
type DiscountCaps struct {
	PatchCompliance float64 `json:"patch_compliance" yaml:"patch_compliance"`
	EDRCoverage     float64 `json:"edr_coverage" yaml:"edr_coverage"`
	MFACoverage     float64 `json:"mfa_coverage" yaml:"mfa_coverage"`
	Segmentation    float64 `json:"segmentation" yaml:"segmentation"`
	BackupTest      float64 `json:"backup_test" yaml:"backup_test"`
	Total           float64 `json:"total" yaml:"total"`
}

// DecayHalfLives hold the per-index exponential decay half-lives in hours.
// Vulnerability exposure decays slower than a live security event.
type DecayHalfLives struct {
	SVIHours float64 `json:"svi_hours" yaml:"svi_hours"`
	SEIHours float64 `json:"sei_hours" yaml:"sei_hours"`
	BCIHours float64 `json:"bci_hours" yaml:"bci_hours"`
	ERIHours float64 `json:"eri_hours" yaml:"eri_hours"`
}

// BandCutoffs are the inclusive lower bounds for each qualitative band.
// Scores below Medium map to low.
type BandCutoffs struct {
	Critical float64 `json:"critical" yaml:"critical"`
	High     float64 `json:"high" yaml:"high"`
	Medium   float64 `json:"medium" yaml:"medium"`
}

// DedupeConfig governs candidate merging. Similarity strictly greater than
// the threshold merges; a candidate exactly at the threshold does not.
type DedupeConfig struct {
	SimilarityThreshold float64 `json:"similarity_threshold" yaml:"similarity_threshold"`
	WindowHours         float64 `json:"window_hours" yaml:"window_hours"`
}

// Cascade combination strategies.
const (
	CascadeMax         = "max"
	CascadeWeightedSum = "weighted_sum"
	CascadeProbOr      = "prob_or"
)

// CascadeConfig selects how cascaded contributions combine with a dependent
// service's own direct score.
type CascadeConfig struct {
	Strategy string `json:"strategy" yaml:"strategy"`
}

// Policy is one immutable version of a tenant's scoring configuration.
// Versions are append-only; exactly one version is active per tenant.
type Policy struct {
	TenantID        string                           `json:"tenant_id" yaml:"tenant_id"`
	Version         int                              `json:"version" yaml:"version"`
	Weights         Weights                          `json:"weights" yaml:"weights"`
	Thresholds      Thresholds                       `json:"thresholds" yaml:"thresholds"`
	DiscountCaps    DiscountCaps                     `json:"discount_caps" yaml:"discount_caps"`
	Decay           DecayHalfLives                   `json:"decay" yaml:"decay"`
	FactorCaps      map[string]float64               `json:"factor_caps" yaml:"factor_caps"`
	TypeMultipliers map[model.RiskCategory]float64   `json:"type_multipliers" yaml:"type_multipliers"`
	Bands           BandCutoffs                      `json:"bands" yaml:"bands"`
	Dedupe          DedupeConfig                     `json:"dedupe" yaml:"dedupe"`
	Cascade         CascadeConfig                    `json:"cascade" yaml:"cascade"`
	EffectiveDate   time.Time                        `json:"effective_date" yaml:"effective_date"`
	IsActive        bool                             `json:"is_active" yaml:"is_active"`
	CreatedBy       string                           `json:"created_by" yaml:"created_by"`
	CreatedAt       time.Time                        `json:"created_at" yaml:"created_at"`
}

// ValidationError reports an invalid policy document.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// FactorCap returns the per-signal contribution cap for a factor kind,
// falling back to the "default" cap, then to no cap at all.
func (p *Policy) FactorCap(kind string) float64 {
	if limit, ok := p.FactorCaps[kind]; ok {
		return limit
	}
	if limit, ok := p.FactorCaps["default"]; ok {
		return limit
	}
	return 100
}

// TypeMultiplier returns the category baseline multiplier, defaulting to 1.
func (p *Policy) TypeMultiplier(cat model.RiskCategory) float64 {
	if m, ok := p.TypeMultipliers[cat]; ok {
		return m
	}
	return 1.0
}

// HalfLife returns the decay half-life for the named index.
func (p *Policy) HalfLife(index string) time.Duration {
	var hours float64
	switch index {
	case "svi":
		hours = p.Decay.SVIHours
	case "sei":
		hours = p.Decay.SEIHours
	case "bci":
		hours = p.Decay.BCIHours
	case "eri":
		hours = p.Decay.ERIHours
	}
	return time.Duration(hours * float64(time.Hour))
}

// BandFor maps a composite score to its qualitative band. Boundaries are
// inclusive-lower.
func (p *Policy) BandFor(score float64) model.Band {
	switch {
	case score >= p.Bands.Critical:
		return model.BandCritical
	case score >= p.Bands.High:
		return model.BandHigh
	case score >= p.Bands.Medium:
		return model.BandMedium
	default:
		return model.BandLow
	}
}

// Validate checks a policy document for activation. It enforces the weight
// sum, threshold ordering, cap ranges, decay positivity, and band ordering.
func (p *Policy) Validate() error {
	if p.TenantID == "" {
		return &ValidationError{Field: "tenant_id", Message: "tenant ID is required"}
	}

	for _, w := range []struct {
		name  string
		value float64
	}{
		{"weights.likelihood", p.Weights.Likelihood},
		{"weights.impact", p.Weights.Impact},
		{"weights.confidence", p.Weights.Confidence},
		{"weights.freshness", p.Weights.Freshness},
		{"weights.evidence_quality", p.Weights.EvidenceQuality},
		{"weights.svi", p.Weights.SVI},
		{"weights.sei", p.Weights.SEI},
		{"weights.bci", p.Weights.BCI},
		{"weights.eri", p.Weights.ERI},
	} {
		if w.value < 0 {
			return &ValidationError{Field: w.name, Message: "weight must not be negative"}
		}
	}
	if sum := p.Weights.Sum(); math.Abs(sum-1.0) > weightSumTolerance {
		return &ValidationError{
			Field:   "weights",
			Message: fmt.Sprintf("weights must sum to 1.0, got %.6f", sum),
		}
	}

	t := p.Thresholds
	if !(t.Suppress < t.Pending && t.Pending < t.AutoApprove) {
		return &ValidationError{
			Field:   "thresholds",
			Message: "must satisfy suppress < pending < auto_approve",
		}
	}
	if t.AutoApprove > 100 || t.Suppress < 0 {
		return &ValidationError{Field: "thresholds", Message: "score thresholds must lie in [0, 100]"}
	}
	if t.AutoApproveConfidenceMin < 0 || t.AutoApproveConfidenceMin > 1 {
		return &ValidationError{Field: "thresholds.auto_approve_confidence_min", Message: "must lie in [0, 1]"}
	}
	if t.PendingConfidenceMin < 0 || t.PendingConfidenceMin > 1 {
		return &ValidationError{Field: "thresholds.pending_confidence_min", Message: "must lie in [0, 1]"}
	}

	caps := []struct {
		name  string
		value float64
	}{
		{"discount_caps.patch_compliance", p.DiscountCaps.PatchCompliance},
		{"discount_caps.edr_coverage", p.DiscountCaps.EDRCoverage},
		{"discount_caps.mfa_coverage", p.DiscountCaps.MFACoverage},
		{"discount_caps.segmentation", p.DiscountCaps.Segmentation},
		{"discount_caps.backup_test", p.DiscountCaps.BackupTest},
		{"discount_caps.total", p.DiscountCaps.Total},
	}
	for _, c := range caps {
		if c.value < 0 || c.value > 1 {
			return &ValidationError{Field: c.name, Message: "discount cap must lie in [0, 1]"}
		}
	}

	for _, d := range []struct {
		name  string
		value float64
	}{
		{"decay.svi_hours", p.Decay.SVIHours},
		{"decay.sei_hours", p.Decay.SEIHours},
		{"decay.bci_hours", p.Decay.BCIHours},
		{"decay.eri_hours", p.Decay.ERIHours},
	} {
		if d.value <= 0 {
			return &ValidationError{Field: d.name, Message: "half-life must be positive"}
		}
	}

	for name, limit := range p.FactorCaps {
		if limit < 0 || limit > 100 {
			return &ValidationError{
				Field:   "factor_caps." + name,
				Message: "factor cap must lie in [0, 100]",
			}
		}
	}

	for cat, mult := range p.TypeMultipliers {
		if mult <= 0 {
			return &ValidationError{
				Field:   "type_multipliers." + string(cat),
				Message: "multiplier must be positive",
			}
		}
	}

	b := p.Bands
	if !(b.Medium < b.High && b.High < b.Critical) {
		return &ValidationError{Field: "bands", Message: "must satisfy medium < high < critical"}
	}
	if b.Medium < 0 || b.Critical > 100 {
		return &ValidationError{Field: "bands", Message: "band cutoffs must lie in [0, 100]"}
	}

	if p.Dedupe.SimilarityThreshold < 0 || p.Dedupe.SimilarityThreshold > 1 {
		return &ValidationError{Field: "dedupe.similarity_threshold", Message: "must lie in [0, 1]"}
	}
	if p.Dedupe.WindowHours <= 0 {
		return &ValidationError{Field: "dedupe.window_hours", Message: "merge window must be positive"}
	}

	switch p.Cascade.Strategy {
	case CascadeMax, CascadeWeightedSum, CascadeProbOr:
	default:
		return &ValidationError{
			Field:   "cascade.strategy",
			Message: "must be one of max, weighted_sum, prob_or",
		}
	}

	return nil
}

// Default returns the baseline policy for a tenant, used to seed version 1
// when no template applies.
func Default(tenantID string) Policy {
	return Policy{
		TenantID: tenantID,
		Version:  1,
		Weights: Weights{
			Likelihood:      0.20,
			Impact:          0.25,
			Confidence:      0.05,
			Freshness:       0.05,
			EvidenceQuality: 0.05,
			SVI:             0.15,
			SEI:             0.10,
			BCI:             0.10,
			ERI:             0.05,
		},
		Thresholds: Thresholds{
			AutoApprove:              80,
			Pending:                  50,
			Suppress:                 25,
			AutoApproveConfidenceMin: 0.8,
			PendingConfidenceMin:     0.5,
		},
		DiscountCaps: DiscountCaps{
			PatchCompliance: 0.08,
			EDRCoverage:     0.08,
			MFACoverage:     0.06,
			Segmentation:    0.06,
			BackupTest:      0.04,
			Total:           0.30,
		},
		Decay: DecayHalfLives{
			SVIHours: 24 * 14, // vulnerability exposure decays over weeks
			SEIHours: 12,      // live events go quiet within hours
			BCIHours: 24 * 30,
			ERIHours: 24 * 7,
		},
		FactorCaps: map[string]float64{
			"kev":     20,
			"default": 60,
		},
		TypeMultipliers: map[model.RiskCategory]float64{
			model.CategorySecurity:    1.0,
			model.CategoryOperational: 0.9,
			model.CategoryCompliance:  0.85,
			model.CategoryStrategic:   0.8,
		},
		Bands: BandCutoffs{
			Critical: 85,
			High:     65,
			Medium:   40,
		},
		Dedupe: DedupeConfig{
			SimilarityThreshold: 0.6,
			WindowHours:         72,
		},
		Cascade: CascadeConfig{
			Strategy: CascadeWeightedSum,
		},
	}
}
