// Package triage routes scored risk candidates to auto-approved, pending
// review, or suppressed, and merges near-duplicate candidates into existing
// open risks before creating new ones.
package triage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dynarisk/riskengine/internal/history"
	"github.com/dynarisk/riskengine/internal/model"
	"github.com/dynarisk/riskengine/internal/policy"
)

// ErrMergeConflict means the chosen merge survivor changed state between
// the dedupe search and the commit. The caller falls back to normal
// routing; at most one merge wins.
var ErrMergeConflict = errors.New("merge survivor no longer open")

// ErrInvalidTransition rejects a lifecycle transition the state machine
// does not allow.
var ErrInvalidTransition = errors.New("invalid risk status transition")

// Decision is the triage outcome for a candidate.
type Decision string

const (
	DecisionAutoApproved  Decision = "auto_approved"
	DecisionPendingReview Decision = "pending_review"
	DecisionSuppressed    Decision = "suppressed"
	DecisionMerged        Decision = "merged"
	// DecisionRescored means the candidate re-observed an existing risk
	// (identical dedupe key) and updated it in place instead of creating
	// a new record.
	DecisionRescored Decision = "rescored"
)

// Outcome reports what triage did with a candidate.
type Outcome struct {
	Decision Decision
	// Risk is the record created for the candidate (for merges, the
	// terminal merged record).
	Risk model.Risk
	// Survivor is the updated existing risk when Decision is merged.
	Survivor *model.Risk
}

// Store is the persistence surface triage needs.
type Store interface {
	ListOpenRisks(ctx context.Context, tenantID, serviceID string, category model.RiskCategory) ([]model.Risk, error)
	ListSuppressedRisks(ctx context.Context, tenantID, serviceID string, category model.RiskCategory) ([]model.Risk, error)
	GetRisk(ctx context.Context, id string) (*model.Risk, error)
	InsertRisk(ctx context.Context, r model.Risk) error
	UpdateRisk(ctx context.Context, r model.Risk) error
}

// Engine applies tenant thresholds and dedup policy to scored candidates.
// Callers must serialize ProcessCandidate per service; the engine re-checks
// dedupe state before committing a merge as the MergeConflict guard.
type Engine struct {
	store    Store
	recorder *history.Recorder
	logger   *slog.Logger
}

// NewEngine creates a triage engine.
func NewEngine(store Store, recorder *history.Recorder, logger *slog.Logger) *Engine {
	return &Engine{store: store, recorder: recorder, logger: logger}
}

// ProcessCandidate dedups then routes one scored candidate under one policy
// snapshot.
func (e *Engine) ProcessCandidate(ctx context.Context, cand model.RiskCandidate, pol policy.Policy, now time.Time) (Outcome, error) {
	survivor, err := e.findMergeTarget(ctx, cand, pol, now)
	if err != nil {
		return Outcome{}, err
	}
	if survivor != nil {
		var outcome Outcome
		if survivor.DedupeKey == cand.DedupeKey {
			// Identical key means the same underlying risk recomputed, not
			// new evidence: rescore it in place, even downward (decay).
			outcome, err = e.rescore(ctx, cand, *survivor, pol, now)
		} else {
			outcome, err = e.merge(ctx, cand, *survivor, pol, now)
		}
		if err == nil {
			return outcome, nil
		}
		if !errors.Is(err, ErrMergeConflict) {
			return Outcome{}, err
		}
		e.logger.Warn("Merge conflict detected, falling back to routing",
			"service_id", cand.ServiceID,
			"survivor_id", survivor.ID)
	}

	return e.route(ctx, cand, pol, now)
}

// findMergeTarget searches open risks for the best near-duplicate within
// the merge window. Similarity exactly at the threshold does not merge:
// wrongly conflating two distinct risks is worse than a duplicate.
func (e *Engine) findMergeTarget(ctx context.Context, cand model.RiskCandidate, pol policy.Policy, now time.Time) (*model.Risk, error) {
	open, err := e.store.ListOpenRisks(ctx, cand.TenantID, cand.ServiceID, cand.Category)
	if err != nil {
		return nil, fmt.Errorf("searching open risks: %w", err)
	}

	window := time.Duration(pol.Dedupe.WindowHours * float64(time.Hour))
	var best *model.Risk
	var bestSim float64

	for i := range open {
		r := open[i]
		if now.Sub(r.CreatedAt) > window {
			continue
		}
		sim := Similarity(cand.DedupeKey, r.DedupeKey)
		if sim <= pol.Dedupe.SimilarityThreshold {
			continue
		}
		// Deterministic choice: highest similarity, then oldest, then ID.
		if best == nil || sim > bestSim ||
			(sim == bestSim && (r.CreatedAt.Before(best.CreatedAt) ||
				(r.CreatedAt.Equal(best.CreatedAt) && r.ID < best.ID))) {
			copied := r
			best = &copied
			bestSim = sim
		}
	}

	return best, nil
}

// merge folds the candidate's evidence into the survivor and records the
// candidate as a terminal merged risk pointing at it.
func (e *Engine) merge(ctx context.Context, cand model.RiskCandidate, survivor model.Risk, pol policy.Policy, now time.Time) (Outcome, error) {
	// Re-check under the caller's per-service lock: a concurrent cycle may
	// already have claimed or closed the survivor.
	current, err := e.store.GetRisk(ctx, survivor.ID)
	if err != nil {
		return Outcome{}, fmt.Errorf("re-checking merge survivor: %w", err)
	}
	if current == nil || !current.Status.Open() {
		return Outcome{}, ErrMergeConflict
	}
	survivor = *current

	// Combined-evidence re-score: the stronger observation of each factor
	// wins, so a merge never lowers the surviving risk.
	oldScore := survivor.CompositeScore
	if cand.CompositeScore > survivor.CompositeScore {
		survivor.CompositeScore = cand.CompositeScore
		survivor.ControlsDiscount = cand.ControlsDiscount
		survivor.TopFactors = cand.TopFactors
	}
	if cand.Confidence > survivor.Confidence {
		survivor.Confidence = cand.Confidence
	}
	// The merge migrates the survivor to the policy it was re-banded under,
	// so its stored version always explains its band on replay.
	survivor.PolicyVersion = pol.Version
	survivor.Band = pol.BandFor(survivor.CompositeScore)
	survivor.LastScoredAt = now.UTC()

	if err := e.store.UpdateRisk(ctx, survivor); err != nil {
		return Outcome{}, fmt.Errorf("updating merge survivor: %w", err)
	}
	if err := e.recorder.Record(ctx, survivor.ID, oldScore, survivor.CompositeScore,
		history.ReasonMerged, survivor.TopFactors, survivor.PolicyVersion); err != nil {
		return Outcome{}, err
	}

	// The merged record is terminal: it accrues no further score history.
	merged := riskFromCandidate(cand, now)
	merged.Status = model.StatusMerged
	merged.MergedIntoID = survivor.ID
	if err := e.store.InsertRisk(ctx, merged); err != nil {
		return Outcome{}, fmt.Errorf("inserting merged risk: %w", err)
	}

	e.logger.Info("Candidate merged into existing risk",
		"tenant_id", cand.TenantID,
		"service_id", cand.ServiceID,
		"survivor_id", survivor.ID,
		"merged_id", merged.ID,
		"old_score", oldScore,
		"new_score", survivor.CompositeScore)

	return Outcome{Decision: DecisionMerged, Risk: merged, Survivor: &survivor}, nil
}

// rescore replaces an existing risk's score with the candidate's. Unlike a
// merge, a rescore may lower the score: decayed evidence is supposed to
// drop. Status is untouched; lifecycle transitions belong to actors.
func (e *Engine) rescore(ctx context.Context, cand model.RiskCandidate, prior model.Risk, pol policy.Policy, now time.Time) (Outcome, error) {
	current, err := e.store.GetRisk(ctx, prior.ID)
	if err != nil {
		return Outcome{}, fmt.Errorf("re-checking rescore target: %w", err)
	}
	if current == nil || current.Status != prior.Status {
		return Outcome{}, ErrMergeConflict
	}

	oldScore := current.CompositeScore
	current.CompositeScore = cand.CompositeScore
	current.ControlsDiscount = cand.ControlsDiscount
	current.Confidence = cand.Confidence
	current.TopFactors = cand.TopFactors
	current.PolicyVersion = pol.Version
	current.Band = pol.BandFor(current.CompositeScore)
	current.LastScoredAt = now.UTC()

	if err := e.store.UpdateRisk(ctx, *current); err != nil {
		return Outcome{}, fmt.Errorf("updating rescored risk: %w", err)
	}
	if current.CompositeScore != oldScore {
		if err := e.recorder.Record(ctx, current.ID, oldScore, current.CompositeScore,
			history.ReasonRescored, current.TopFactors, current.PolicyVersion); err != nil {
			return Outcome{}, err
		}
	}

	e.logger.Info("Risk rescored in place",
		"tenant_id", cand.TenantID,
		"service_id", cand.ServiceID,
		"risk_id", current.ID,
		"old_score", oldScore,
		"new_score", current.CompositeScore)

	return Outcome{Decision: DecisionRescored, Risk: *current}, nil
}

// route applies the threshold state machine. Score boundaries are
// inclusive: a candidate exactly at auto_approve with sufficient confidence
// is auto-approved.
func (e *Engine) route(ctx context.Context, cand model.RiskCandidate, pol policy.Policy, now time.Time) (Outcome, error) {
	risk := riskFromCandidate(cand, now)

	var decision Decision
	t := pol.Thresholds
	switch {
	case cand.CompositeScore >= t.AutoApprove && cand.Confidence >= t.AutoApproveConfidenceMin:
		decision = DecisionAutoApproved
		risk.Status = model.StatusActive
	case cand.CompositeScore >= t.Pending && cand.Confidence >= t.PendingConfidenceMin:
		decision = DecisionPendingReview
		risk.Status = model.StatusPending
	default:
		// Retained for audit, not surfaced for action.
		decision = DecisionSuppressed
		risk.Status = model.StatusSuppressed
	}

	// A suppressed key already on record within the dedupe window is
	// rescored rather than re-inserted; a per-cycle scheduler would
	// otherwise accrete one suppressed row per tick.
	if decision == DecisionSuppressed {
		prior, err := e.recentSuppressed(ctx, cand, pol, now)
		if err != nil {
			return Outcome{}, err
		}
		if prior != nil {
			outcome, err := e.rescore(ctx, cand, *prior, pol, now)
			if err == nil {
				return outcome, nil
			}
			if !errors.Is(err, ErrMergeConflict) {
				return Outcome{}, err
			}
		}
	}

	if err := e.store.InsertRisk(ctx, risk); err != nil {
		return Outcome{}, fmt.Errorf("inserting risk: %w", err)
	}
	if err := e.recorder.Record(ctx, risk.ID, 0, risk.CompositeScore,
		history.ReasonCreated, risk.TopFactors, risk.PolicyVersion); err != nil {
		return Outcome{}, err
	}

	e.logger.Info("Candidate triaged",
		"tenant_id", cand.TenantID,
		"service_id", cand.ServiceID,
		"risk_id", risk.ID,
		"decision", decision,
		"score", risk.CompositeScore,
		"band", risk.Band)

	return Outcome{Decision: decision, Risk: risk}, nil
}

// recentSuppressed finds the newest suppressed risk with the candidate's
// exact dedupe key inside the dedupe window.
func (e *Engine) recentSuppressed(ctx context.Context, cand model.RiskCandidate, pol policy.Policy, now time.Time) (*model.Risk, error) {
	suppressed, err := e.store.ListSuppressedRisks(ctx, cand.TenantID, cand.ServiceID, cand.Category)
	if err != nil {
		return nil, fmt.Errorf("searching suppressed risks: %w", err)
	}

	window := time.Duration(pol.Dedupe.WindowHours * float64(time.Hour))
	var best *model.Risk
	for i := range suppressed {
		r := suppressed[i]
		if r.DedupeKey != cand.DedupeKey || now.Sub(r.CreatedAt) > window {
			continue
		}
		if best == nil || r.CreatedAt.After(best.CreatedAt) ||
			(r.CreatedAt.Equal(best.CreatedAt) && r.ID < best.ID) {
			copied := r
			best = &copied
		}
	}
	return best, nil
}

// Approve transitions a pending risk to active.
func (e *Engine) Approve(ctx context.Context, riskID, actor string) (*model.Risk, error) {
	return e.transition(ctx, riskID, actor, model.StatusPending, model.StatusActive)
}

// Reject declines a pending risk.
func (e *Engine) Reject(ctx context.Context, riskID, actor string) (*model.Risk, error) {
	return e.transition(ctx, riskID, actor, model.StatusPending, model.StatusRejected)
}

// Mitigate closes an active risk as mitigated.
func (e *Engine) Mitigate(ctx context.Context, riskID, actor string) (*model.Risk, error) {
	return e.transition(ctx, riskID, actor, model.StatusActive, model.StatusMitigated)
}

func (e *Engine) transition(ctx context.Context, riskID, actor string, from, to model.RiskStatus) (*model.Risk, error) {
	risk, err := e.store.GetRisk(ctx, riskID)
	if err != nil {
		return nil, fmt.Errorf("loading risk %s: %w", riskID, err)
	}
	if risk == nil {
		return nil, fmt.Errorf("risk not found: %s", riskID)
	}
	if risk.Status != from {
		return nil, fmt.Errorf("%w: %s -> %s (risk is %s)", ErrInvalidTransition, from, to, risk.Status)
	}

	risk.Status = to
	if err := e.store.UpdateRisk(ctx, *risk); err != nil {
		return nil, fmt.Errorf("updating risk %s: %w", riskID, err)
	}

	e.logger.Info("Risk status transition",
		"risk_id", riskID,
		"from", from,
		"to", to,
		"actor", actor)
	return risk, nil
}

func riskFromCandidate(cand model.RiskCandidate, now time.Time) model.Risk {
	return model.Risk{
		ID:               uuid.New().String(),
		TenantID:         cand.TenantID,
		ServiceID:        cand.ServiceID,
		Category:         cand.Category,
		Title:            cand.Title,
		CompositeScore:   cand.CompositeScore,
		ControlsDiscount: cand.ControlsDiscount,
		Band:             cand.Band,
		Confidence:       cand.Confidence,
		DedupeKey:        cand.DedupeKey,
		PolicyVersion:    cand.PolicyVersion,
		TopFactors:       cand.TopFactors,
		CreatedAt:        now.UTC(),
		LastScoredAt:     now.UTC(),
	}
}
