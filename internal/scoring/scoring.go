// Package scoring combines likelihood, impact, confidence, freshness,
// evidence quality, and the four service indices into a tenant-weighted
// composite risk score with a capped controls discount and a category type
// multiplier.
package scoring

import (
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"

	"github.com/dynarisk/riskengine/internal/model"
	"github.com/dynarisk/riskengine/internal/policy"
)

// topFactorCount is the fixed size of the explainability factor list.
const topFactorCount = 5

// Input carries every factor the composite formula consumes. All 0-100
// except Confidence (0-1).
type Input struct {
	TenantID        string
	ServiceID       string
	Category        model.RiskCategory
	Title           string
	Likelihood      float64
	Impact          float64
	Confidence      float64
	Freshness       float64
	EvidenceQuality float64
	Indices         model.IndexSet
	// Posture is the latest control-coverage snapshot for the service;
	// nil means no controls discount applies.
	Posture *model.SecurityPostureSnapshot
}

// Scorer computes risk candidates from scoring inputs and a policy
// snapshot. It holds no mutable state; the policy is passed by value so an
// activation mid-computation cannot change an in-flight result.
type Scorer struct {
	logger *slog.Logger
}

// NewScorer creates a composite scorer.
func NewScorer(logger *slog.Logger) *Scorer {
	return &Scorer{logger: logger}
}

// Score produces the risk candidate for one input under one policy version.
//
//	final = clamp(0, 100, raw_weighted × (1 - controls_discount) × type_multiplier)
func (s *Scorer) Score(in Input, pol policy.Policy) model.RiskCandidate {
	terms := []struct {
		name   string
		value  float64 // already on the 0-100 scale
		weight float64
	}{
		{"likelihood", model.ClampScore(in.Likelihood), pol.Weights.Likelihood},
		{"impact", model.ClampScore(in.Impact), pol.Weights.Impact},
		{"confidence", model.ClampConfidence(in.Confidence) * 100, pol.Weights.Confidence},
		{"freshness", model.ClampScore(in.Freshness), pol.Weights.Freshness},
		{"evidence_quality", model.ClampScore(in.EvidenceQuality), pol.Weights.EvidenceQuality},
		{"svi", model.ClampScore(in.Indices.SVI), pol.Weights.SVI},
		{"sei", model.ClampScore(in.Indices.SEI), pol.Weights.SEI},
		{"bci", model.ClampScore(in.Indices.BCI), pol.Weights.BCI},
		{"eri", model.ClampScore(in.Indices.ERI), pol.Weights.ERI},
	}

	var raw float64
	factors := make([]model.Factor, 0, len(terms))
	for _, t := range terms {
		contribution := t.value * t.weight
		raw += contribution
		if contribution > 0 {
			factors = append(factors, model.Factor{
				Name:         t.name,
				Contribution: contribution,
				Reason:       fmt.Sprintf("%s %.1f × weight %.2f", t.name, t.value, t.weight),
			})
		}
	}

	discount := controlsDiscount(in.Posture, pol.DiscountCaps)
	multiplier := pol.TypeMultiplier(in.Category)
	final := model.ClampScore(raw * (1 - discount) * multiplier)

	sort.Slice(factors, func(i, j int) bool {
		if factors[i].Contribution != factors[j].Contribution {
			return factors[i].Contribution > factors[j].Contribution
		}
		return factors[i].Name < factors[j].Name
	})
	if len(factors) > topFactorCount {
		factors = factors[:topFactorCount]
	}

	candidate := model.RiskCandidate{
		TenantID:         in.TenantID,
		ServiceID:        in.ServiceID,
		Category:         in.Category,
		Title:            in.Title,
		Likelihood:       in.Likelihood,
		Impact:           in.Impact,
		Confidence:       model.ClampConfidence(in.Confidence),
		Freshness:        in.Freshness,
		EvidenceQuality:  in.EvidenceQuality,
		Indices:          in.Indices,
		CompositeScore:   final,
		ControlsDiscount: discount,
		Band:             pol.BandFor(final),
		DedupeKey:        DedupeKey(in.ServiceID, in.Category, in.Title),
		TopFactors:       factors,
		PolicyVersion:    pol.Version,
	}

	s.logger.Debug("Composite score computed",
		"service_id", in.ServiceID,
		"category", in.Category,
		"raw_score", raw,
		"controls_discount", discount,
		"type_multiplier", multiplier,
		"final_score", final,
		"band", candidate.Band)

	return candidate
}

// controlsDiscount earns a capped reduction per control dimension, bounded
// by the policy's total cap so strong controls cannot discount a score away.
func controlsDiscount(posture *model.SecurityPostureSnapshot, caps policy.DiscountCaps) float64 {
	if posture == nil {
		return 0
	}

	dims := []struct {
		coverage float64 // 0-100
		cap      float64 // fraction of raw score
	}{
		{posture.PatchCompliance, caps.PatchCompliance},
		{posture.EDRCoverage, caps.EDRCoverage},
		{posture.MFACoverage, caps.MFACoverage},
		{posture.SegmentationScore, caps.Segmentation},
		{posture.BackupTestRecency, caps.BackupTest},
	}

	var total float64
	for _, d := range dims {
		total += model.Clamp(0, 100, d.coverage) / 100 * d.cap
	}
	if total > caps.Total {
		total = caps.Total
	}
	return total
}

var titleTokenPattern = regexp.MustCompile(`[a-z0-9]+`)

// DedupeKey derives the near-duplicate signature for a candidate:
// service, category, and the sorted unique tokens of the normalized title.
func DedupeKey(serviceID string, category model.RiskCategory, title string) string {
	tokens := TitleSignature(title)
	return serviceID + "|" + string(category) + "|" + strings.Join(tokens, " ")
}

// TitleSignature normalizes a title into its sorted unique token set.
// Deterministic by construction so dedup comparisons are testable.
func TitleSignature(title string) []string {
	raw := titleTokenPattern.FindAllString(strings.ToLower(title), -1)
	seen := make(map[string]bool, len(raw))
	tokens := make([]string, 0, len(raw))
	for _, tok := range raw {
		if !seen[tok] {
			seen[tok] = true
			tokens = append(tokens, tok)
		}
	}
	sort.Strings(tokens)
	return tokens
}
