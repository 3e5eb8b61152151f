package model

import (
	"time"
)

// SignalSource identifies which class of feed produced a signal.
type SignalSource string

const (
	SourceVulnerability   SignalSource = "vulnerability"
	SourceSecurityEvent   SignalSource = "security_event"
	SourceBusinessContext SignalSource = "business_context"
	SourceExternalSignal  SignalSource = "external_signal"
	SourcePosture         SignalSource = "posture"
)

// ValidSource reports whether s is a known signal source.
func ValidSource(s SignalSource) bool {
	switch s {
	case SourceVulnerability, SourceSecurityEvent, SourceBusinessContext, SourceExternalSignal, SourcePosture:
		return true
	}
	return false
}

// SignalRecord is a normalized signal. Records are immutable once ingested;
// a re-ingestion with the same Source and Identifier supersedes the earlier
// record rather than mutating it.
type SignalRecord struct {
	ID           string         `json:"id"`
	Source       SignalSource   `json:"source"`
	ServiceID    string         `json:"service_id"`
	Identifier   string         `json:"identifier"`
	SeverityNorm float64        `json:"severity_norm"` // 0-100
	Confidence   float64        `json:"confidence"`    // 0-1
	OccurredAt   time.Time      `json:"occurred_at"`
	IngestedAt   time.Time      `json:"ingested_at"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// KnownExploited reports whether the signal carries a KEV-style
// exploit-available marker in its metadata.
func (s *SignalRecord) KnownExploited() bool {
	for _, key := range []string{"kev", "known_exploited", "exploit_available"} {
		if v, ok := s.Metadata[key]; ok {
			if b, ok := v.(bool); ok && b {
				return true
			}
		}
	}
	return false
}

// Factor is one contribution to an index or composite score, kept small and
// ordered so explainability output can be queried structurally.
type Factor struct {
	Name         string  `json:"name"`
	SignalID     string  `json:"signal_id,omitempty"`
	Contribution float64 `json:"contribution"`
	Reason       string  `json:"reason"`
}

// IndexSet holds the four per-service risk indices, each 0-100.
type IndexSet struct {
	SVI float64 `json:"svi"` // vulnerability
	SEI float64 `json:"sei"` // security event
	BCI float64 `json:"bci"` // business context
	ERI float64 `json:"eri"` // external
}

// ServiceIndexSnapshot is one immutable per-service, per-bucket index
// computation. Superseding snapshots append; they never overwrite history.
type ServiceIndexSnapshot struct {
	ServiceID       string    `json:"service_id"`
	BucketTimestamp time.Time `json:"bucket_timestamp"`
	Indices         IndexSet  `json:"indices"`
	TopFactors      []Factor  `json:"top_factors"`
	PolicyVersion   int       `json:"policy_version"`
	StaleIndices    []string  `json:"stale_indices,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// RiskCategory classifies a risk for type-multiplier purposes.
type RiskCategory string

const (
	CategorySecurity    RiskCategory = "security"
	CategoryOperational RiskCategory = "operational"
	CategoryCompliance  RiskCategory = "compliance"
	CategoryStrategic   RiskCategory = "strategic"
)

// Band is the qualitative risk level derived from a composite score.
type Band string

const (
	BandCritical Band = "critical"
	BandHigh     Band = "high"
	BandMedium   Band = "medium"
	BandLow      Band = "low"
)

// RiskStatus is the lifecycle state of a persisted risk.
type RiskStatus string

const (
	StatusPending    RiskStatus = "pending"
	StatusActive     RiskStatus = "active"
	StatusSuppressed RiskStatus = "suppressed"
	StatusMerged     RiskStatus = "merged"
	StatusMitigated  RiskStatus = "mitigated"
	StatusRejected   RiskStatus = "rejected"
)

// Terminal reports whether a status admits no further transitions.
func (s RiskStatus) Terminal() bool {
	switch s {
	case StatusMerged, StatusMitigated, StatusRejected:
		return true
	}
	return false
}

// Open reports whether a risk in this status is a dedup merge target.
func (s RiskStatus) Open() bool {
	return s == StatusPending || s == StatusActive
}

// RiskCandidate is the ephemeral output of the composite scorer, consumed by
// the triage engine. It is never persisted as-is.
type RiskCandidate struct {
	TenantID        string       `json:"tenant_id"`
	ServiceID       string       `json:"service_id"`
	Category        RiskCategory `json:"category"`
	Title           string       `json:"title"`
	Likelihood      float64      `json:"likelihood"`       // 0-100
	Impact          float64      `json:"impact"`           // 0-100
	Confidence      float64      `json:"confidence"`       // 0-1
	Freshness       float64      `json:"freshness"`        // 0-100
	EvidenceQuality float64      `json:"evidence_quality"` // 0-100
	Indices         IndexSet     `json:"indices"`
	CompositeScore  float64      `json:"composite_score"`
	ControlsDiscount float64     `json:"controls_discount"`
	Band            Band         `json:"band"`
	DedupeKey       string       `json:"dedupe_key"`
	TopFactors      []Factor     `json:"top_factors"`
	PolicyVersion   int          `json:"policy_version"`
}

// Risk is the persisted risk entity. Risks are never deleted; terminal
// states are retained for audit.
type Risk struct {
	ID               string       `json:"id"`
	TenantID         string       `json:"tenant_id"`
	ServiceID        string       `json:"service_id"`
	Category         RiskCategory `json:"category"`
	Title            string       `json:"title"`
	Status           RiskStatus   `json:"status"`
	CompositeScore   float64      `json:"composite_score"`
	ControlsDiscount float64      `json:"controls_discount"`
	Band             Band         `json:"band"`
	Confidence       float64      `json:"confidence"`
	DedupeKey        string       `json:"dedupe_key"`
	PolicyVersion    int          `json:"policy_version"`
	MergedIntoID     string       `json:"merged_into_id,omitempty"`
	Narrative        string       `json:"narrative,omitempty"`
	TopFactors       []Factor     `json:"top_factors"`
	CreatedAt        time.Time    `json:"created_at"`
	LastScoredAt     time.Time    `json:"last_scored_at"`
}

// RiskScoreHistoryEntry is one append-only record of a score change.
type RiskScoreHistoryEntry struct {
	ID            string    `json:"id"`
	RiskID        string    `json:"risk_id"`
	OldScore      float64   `json:"old_score"`
	NewScore      float64   `json:"new_score"`
	ChangeReason  string    `json:"change_reason"`
	TopFactors    []Factor  `json:"top_factors"`
	PolicyVersion int       `json:"policy_version"`
	CreatedAt     time.Time `json:"created_at"`
}

// SecurityPostureSnapshot holds per-service control coverage percentages
// (each 0-100). The latest snapshot per service is authoritative for
// discount calculation; older snapshots are retained for trends.
type SecurityPostureSnapshot struct {
	ServiceID           string    `json:"service_id"`
	PatchCompliance     float64   `json:"patch_compliance"`
	EDRCoverage         float64   `json:"edr_coverage"`
	MFACoverage         float64   `json:"mfa_coverage"`
	SegmentationScore   float64   `json:"segmentation_score"`
	BackupTestRecency   float64   `json:"backup_test_recency"`
	AssessedAt          time.Time `json:"assessed_at"`
	Source              string    `json:"source"`
}

// ServiceDependencyEdge is a directed edge in the service dependency graph:
// risk flows from the parent to services that depend on it.
type ServiceDependencyEdge struct {
	ParentServiceID    string  `json:"parent_service_id"`
	DependentServiceID string  `json:"dependent_service_id"`
	ImpactWeight       float64 `json:"impact_weight"` // 0-1
	DependencyType     string  `json:"dependency_type"`
}

// PolicyAuditEntry records one policy change for the audit trail.
type PolicyAuditEntry struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Version   int       `json:"version"`
	Action    string    `json:"action"` // created | activated | deactivated
	Actor     string    `json:"actor"`
	Diff      string    `json:"diff,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Clamp bounds v to the [lo, hi] interval.
func Clamp(lo, hi, v float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// ClampScore bounds a score or index to [0, 100].
func ClampScore(v float64) float64 { return Clamp(0, 100, v) }

// ClampConfidence bounds a confidence to [0, 1].
func ClampConfidence(v float64) float64 { return Clamp(0, 1, v) }
