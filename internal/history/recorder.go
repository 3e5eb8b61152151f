// Package history records the explainability trail: one append-only entry
// per score change, carrying the top contributing factors and the policy
// version in force so any historical score can be replayed exactly.
package history

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dynarisk/riskengine/internal/model"
)

// Change reasons written by the engine.
const (
	ReasonCreated  = "created"
	ReasonRescored = "rescored"
	ReasonMerged   = "merged"
	ReasonCascade  = "cascade"
)

// Store is the slice of persistence the recorder needs.
type Store interface {
	AppendHistory(ctx context.Context, entry model.RiskScoreHistoryEntry) error
	ListHistory(ctx context.Context, riskID string) ([]model.RiskScoreHistoryEntry, error)
}

// Recorder appends score history entries.
type Recorder struct {
	store  Store
	logger *slog.Logger
}

// NewRecorder creates a history recorder.
func NewRecorder(store Store, logger *slog.Logger) *Recorder {
	return &Recorder{store: store, logger: logger}
}

// Record appends one entry for a score change. Factors come straight from
// the index computer and composite scorer; the recorder never re-derives
// them.
func (r *Recorder) Record(ctx context.Context, riskID string, oldScore, newScore float64, reason string, topFactors []model.Factor, policyVersion int) error {
	entry := model.RiskScoreHistoryEntry{
		ID:            uuid.New().String(),
		RiskID:        riskID,
		OldScore:      oldScore,
		NewScore:      newScore,
		ChangeReason:  reason,
		TopFactors:    topFactors,
		PolicyVersion: policyVersion,
		CreatedAt:     time.Now().UTC(),
	}
	if err := r.store.AppendHistory(ctx, entry); err != nil {
		return fmt.Errorf("appending history for risk %s: %w", riskID, err)
	}

	r.logger.Debug("Score history recorded",
		"risk_id", riskID,
		"old_score", oldScore,
		"new_score", newScore,
		"change_reason", reason,
		"policy_version", policyVersion)
	return nil
}

// Trail returns a risk's full history, oldest first.
func (r *Recorder) Trail(ctx context.Context, riskID string) ([]model.RiskScoreHistoryEntry, error) {
	return r.store.ListHistory(ctx, riskID)
}

// ScoreDelta summarizes the most recent change for a risk, or zero deltas
// when it has no history yet.
func (r *Recorder) ScoreDelta(ctx context.Context, riskID string) (oldScore, newScore float64, reason string, err error) {
	entries, err := r.store.ListHistory(ctx, riskID)
	if err != nil || len(entries) == 0 {
		return 0, 0, "", err
	}
	last := entries[len(entries)-1]
	return last.OldScore, last.NewScore, last.ChangeReason, nil
}
