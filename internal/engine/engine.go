// Package engine orchestrates the scoring pipeline: per-service index
// computation, composite scoring, triage, cascade propagation, and history
// recording, on independent per-index schedules.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/dynarisk/riskengine/internal/cascade"
	"github.com/dynarisk/riskengine/internal/feed"
	"github.com/dynarisk/riskengine/internal/history"
	"github.com/dynarisk/riskengine/internal/index"
	"github.com/dynarisk/riskengine/internal/metrics"
	"github.com/dynarisk/riskengine/internal/model"
	"github.com/dynarisk/riskengine/internal/policy"
	"github.com/dynarisk/riskengine/internal/scoring"
	"github.com/dynarisk/riskengine/internal/store"
	"github.com/dynarisk/riskengine/internal/triage"
)

// ErrComputationTimeout means an index computation exceeded its budget
// twice; the bucket is served from the last snapshot and retried on the
// next schedule.
var ErrComputationTimeout = errors.New("index computation exceeded budget")

// freshnessHalfLife converts the age of the newest signal into the 0-100
// freshness factor.
const freshnessHalfLife = 7 * 24 * time.Hour

var allIndexNames = []string{"svi", "sei", "bci", "eri"}

// Config holds engine tuning knobs.
type Config struct {
	TenantID string
	// ComputationTimeout bounds one index computation; exceeded twice, the
	// bucket is marked stale.
	ComputationTimeout time.Duration
}

// Engine wires the pipeline stages together. Each per-service run loads one
// policy snapshot and passes it by value end-to-end.
type Engine struct {
	cfg        Config
	store      store.Store
	policies   *policy.Manager
	computer   *index.Computer
	scorer     *scoring.Scorer
	triage     *triage.Engine
	recorder   *history.Recorder
	propagator *cascade.Propagator
	publisher  *feed.Publisher
	narrative  *feed.NarrativeClient
	metrics    *metrics.Metrics
	logger     *slog.Logger
	locks      *keyedMutex
}

// New creates the engine. publisher and narrative may be nil when no bus is
// configured; the pipeline degrades to store-only operation.
func New(cfg Config, st store.Store, policies *policy.Manager, computer *index.Computer,
	scorer *scoring.Scorer, tri *triage.Engine, recorder *history.Recorder,
	propagator *cascade.Propagator, publisher *feed.Publisher,
	narrative *feed.NarrativeClient, m *metrics.Metrics, logger *slog.Logger) *Engine {
	if cfg.ComputationTimeout <= 0 {
		cfg.ComputationTimeout = 30 * time.Second
	}
	return &Engine{
		cfg:        cfg,
		store:      st,
		policies:   policies,
		computer:   computer,
		scorer:     scorer,
		triage:     tri,
		recorder:   recorder,
		propagator: propagator,
		publisher:  publisher,
		narrative:  narrative,
		metrics:    m,
		logger:     logger,
		locks:      newKeyedMutex(),
	}
}

// RunAll scores every known service for one bucket. Per-service failures
// are isolated: one bad service never blocks the rest.
func (e *Engine) RunAll(ctx context.Context, bucket time.Time) {
	pol, err := e.policies.Active(ctx, e.cfg.TenantID)
	if err != nil {
		if errors.Is(err, policy.ErrPolicyNotFound) {
			e.logger.Error("No active policy, skipping computation cycle",
				"tenant_id", e.cfg.TenantID)
			return
		}
		e.logger.Error("Failed to load active policy", "error", err)
		return
	}

	services, err := e.store.ListServiceIDs(ctx)
	if err != nil {
		e.logger.Error("Failed to list services", "error", err)
		return
	}

	for _, serviceID := range services {
		if err := e.RunService(ctx, serviceID, bucket, pol); err != nil {
			e.logger.Error("Service computation failed",
				"service_id", serviceID, "error", err)
		}
	}

	e.refreshOpenRisks(ctx)
}

// refreshOpenRisks recounts open risks per band into the gauge.
func (e *Engine) refreshOpenRisks(ctx context.Context) {
	open, err := e.store.ListRisks(ctx, store.RiskFilter{
		TenantID: e.cfg.TenantID,
		Statuses: []model.RiskStatus{model.StatusPending, model.StatusActive},
	})
	if err != nil {
		e.logger.Warn("Failed to refresh open risk gauge", "error", err)
		return
	}

	counts := map[model.Band]int{}
	for _, r := range open {
		counts[r.Band]++
	}
	for _, band := range []model.Band{model.BandLow, model.BandMedium, model.BandHigh, model.BandCritical} {
		e.metrics.OpenRisks.WithLabelValues(string(band)).Set(float64(counts[band]))
	}
}

// RunService executes one full compute-score-triage pass for a service
// under its per-service lock. The policy snapshot is fixed for the whole
// pass.
func (e *Engine) RunService(ctx context.Context, serviceID string, bucket time.Time, pol policy.Policy) error {
	unlock := e.locks.Lock(serviceID)
	defer unlock()

	start := time.Now()
	defer func() {
		e.metrics.ScoreDuration.Observe(time.Since(start).Seconds())
	}()

	signals, err := e.store.ListSignals(ctx, serviceID)
	if err != nil {
		return fmt.Errorf("listing signals for %s: %w", serviceID, err)
	}

	snap, err := e.computeSnapshot(ctx, serviceID, bucket, signals, pol)
	if err != nil {
		return err
	}
	if err := e.store.AppendIndexSnapshot(ctx, snap); err != nil {
		return fmt.Errorf("appending index snapshot for %s: %w", serviceID, err)
	}

	// No signals means a valid low-risk state; nothing to triage.
	if len(signals) == 0 {
		return nil
	}

	posture, err := e.store.LatestPosture(ctx, serviceID)
	if err != nil {
		return fmt.Errorf("loading posture for %s: %w", serviceID, err)
	}

	input := buildInput(e.cfg.TenantID, serviceID, bucket, signals, snap, posture)
	candidate := e.scorer.Score(input, pol)

	outcome, err := e.triage.ProcessCandidate(ctx, candidate, pol, bucket)
	if err != nil {
		return fmt.Errorf("triaging candidate for %s: %w", serviceID, err)
	}
	e.metrics.TriageDecisions.WithLabelValues(string(outcome.Decision)).Inc()
	if outcome.Decision == triage.DecisionMerged {
		e.metrics.RisksMerged.Inc()
	}

	e.publish(outcome)
	e.enrichNarrative(ctx, outcome)
	return nil
}

// computeSnapshot runs the index computation within the timeout budget,
// retries once, and falls back to the last snapshot marked stale when both
// attempts blow the budget.
func (e *Engine) computeSnapshot(ctx context.Context, serviceID string, bucket time.Time, signals []model.SignalRecord, pol policy.Policy) (model.ServiceIndexSnapshot, error) {
	for attempt := 0; attempt < 2; attempt++ {
		snap, err := e.computeOnce(ctx, serviceID, bucket, signals, pol)
		if err == nil {
			return snap, nil
		}
		if !errors.Is(err, ErrComputationTimeout) {
			return model.ServiceIndexSnapshot{}, err
		}
		e.logger.Warn("Index computation timed out",
			"service_id", serviceID, "attempt", attempt+1)
	}

	last, err := e.store.LatestIndexSnapshot(ctx, serviceID)
	if err != nil {
		return model.ServiceIndexSnapshot{}, fmt.Errorf("loading last snapshot for %s: %w", serviceID, err)
	}

	stale := model.ServiceIndexSnapshot{
		ServiceID:       serviceID,
		BucketTimestamp: bucket.UTC(),
		PolicyVersion:   pol.Version,
		StaleIndices:    allIndexNames,
		CreatedAt:       bucket.UTC(),
	}
	if last != nil {
		stale.Indices = last.Indices
		stale.TopFactors = last.TopFactors
	}
	for _, name := range allIndexNames {
		e.metrics.StaleIndices.WithLabelValues(name).Inc()
	}
	e.logger.Warn("Serving stale indices after repeated timeout",
		"service_id", serviceID, "bucket", bucket)
	return stale, nil
}

func (e *Engine) computeOnce(ctx context.Context, serviceID string, bucket time.Time, signals []model.SignalRecord, pol policy.Policy) (model.ServiceIndexSnapshot, error) {
	budget, cancel := context.WithTimeout(ctx, e.cfg.ComputationTimeout)
	defer cancel()

	done := make(chan model.ServiceIndexSnapshot, 1)
	go func() {
		done <- e.computer.Compute(serviceID, bucket, signals, pol)
	}()

	select {
	case snap := <-done:
		return snap, nil
	case <-budget.Done():
		if ctx.Err() != nil {
			return model.ServiceIndexSnapshot{}, ctx.Err()
		}
		return model.ServiceIndexSnapshot{}, ErrComputationTimeout
	}
}

// buildInput derives the composite scoring factors from the signal set and
// the fresh snapshot. Derivations are pure functions of the inputs so a
// replay with the same snapshot and policy reproduces the score.
func buildInput(tenantID, serviceID string, bucket time.Time, signals []model.SignalRecord, snap model.ServiceIndexSnapshot, posture *model.SecurityPostureSnapshot) scoring.Input {
	var likelihood, impact, maxSeverity, confidence float64
	var newest time.Time
	sources := map[model.SignalSource]bool{}
	var strongest *model.SignalRecord

	for i := range signals {
		sig := signals[i]
		sources[sig.Source] = true
		if sig.OccurredAt.After(newest) {
			newest = sig.OccurredAt
		}
		if sig.SeverityNorm > maxSeverity {
			maxSeverity = sig.SeverityNorm
		}
		if sig.Confidence > confidence {
			confidence = sig.Confidence
		}

		weighted := sig.SeverityNorm * sig.Confidence
		switch sig.Source {
		case model.SourceVulnerability, model.SourceSecurityEvent, model.SourceExternalSignal:
			if weighted > likelihood {
				likelihood = model.ClampScore(weighted)
			}
		case model.SourceBusinessContext:
			if sig.SeverityNorm > impact {
				impact = sig.SeverityNorm
			}
		}

		if strongest == nil || weighted > strongest.SeverityNorm*strongest.Confidence ||
			(weighted == strongest.SeverityNorm*strongest.Confidence && sig.ID < strongest.ID) {
			copied := sig
			strongest = &copied
		}
	}

	// Without business-context evidence, impact falls back to the worst
	// observed severity rather than a hidden default.
	if impact == 0 {
		impact = maxSeverity
	}

	freshness := 0.0
	if !newest.IsZero() {
		age := bucket.Sub(newest)
		if age < 0 {
			age = 0
		}
		freshness = 100 * math.Pow(0.5, float64(age)/float64(freshnessHalfLife))
	}

	// Evidence quality grows with source diversity: corroborated risks
	// carry more weight than single-feed ones.
	evidence := float64(len(sources)) / 4 * 100
	if evidence > 100 {
		evidence = 100
	}

	category := dominantCategory(snap.Indices)
	title := "Aggregate service risk"
	if strongest != nil {
		title = fmt.Sprintf("%s: %s", strongest.Source, strongest.Identifier)
	}

	return scoring.Input{
		TenantID:        tenantID,
		ServiceID:       serviceID,
		Category:        category,
		Title:           title,
		Likelihood:      likelihood,
		Impact:          impact,
		Confidence:      confidence,
		Freshness:       freshness,
		EvidenceQuality: evidence,
		Indices:         snap.Indices,
		Posture:         posture,
	}
}

// dominantCategory maps the strongest index to a risk category. Ties break
// toward security, the most conservative classification.
func dominantCategory(indices model.IndexSet) model.RiskCategory {
	category := model.CategorySecurity
	strongest := math.Max(indices.SVI, indices.SEI)
	if indices.BCI > strongest {
		category = model.CategoryOperational
		strongest = indices.BCI
	}
	if indices.ERI > strongest {
		category = model.CategoryStrategic
	}
	return category
}

// RunCascade propagates open-risk scores across the dependency graph and
// rescored dependents get a cascade history entry.
func (e *Engine) RunCascade(ctx context.Context, bucket time.Time) error {
	pol, err := e.policies.Active(ctx, e.cfg.TenantID)
	if err != nil {
		return fmt.Errorf("loading policy for cascade: %w", err)
	}

	start := time.Now()
	defer func() {
		e.metrics.CascadeDuration.Observe(time.Since(start).Seconds())
	}()

	edges, err := e.store.ListEdges(ctx)
	if err != nil {
		return fmt.Errorf("listing dependency edges: %w", err)
	}
	if len(edges) == 0 {
		return nil
	}

	graph, err := cascade.NewGraph(edges)
	if err != nil {
		return fmt.Errorf("building dependency graph: %w", err)
	}

	direct, topRisk, err := e.directScores(ctx)
	if err != nil {
		return err
	}

	result := e.propagator.Propagate(graph, direct, pol)
	for range result.Skipped {
		e.metrics.CascadeCycles.Inc()
	}

	// Deterministic application order.
	services := make([]string, 0, len(result.Scores))
	for serviceID := range result.Scores {
		services = append(services, serviceID)
	}
	sort.Strings(services)

	for _, serviceID := range services {
		combined := result.Scores[serviceID]
		risk, ok := topRisk[serviceID]
		if !ok || combined <= risk.CompositeScore {
			continue
		}
		if err := e.applyCascade(ctx, risk, combined, pol, bucket); err != nil {
			e.logger.Error("Cascade update failed",
				"service_id", serviceID, "risk_id", risk.ID, "error", err)
		}
	}

	e.refreshOpenRisks(ctx)
	return nil
}

// directScores returns each service's strongest open-risk score and the
// risk carrying it.
func (e *Engine) directScores(ctx context.Context) (map[string]float64, map[string]model.Risk, error) {
	open, err := e.store.ListRisks(ctx, store.RiskFilter{
		TenantID: e.cfg.TenantID,
		Statuses: []model.RiskStatus{model.StatusPending, model.StatusActive},
	})
	if err != nil {
		return nil, nil, fmt.Errorf("listing open risks for cascade: %w", err)
	}

	direct := make(map[string]float64, len(open))
	topRisk := make(map[string]model.Risk, len(open))
	for _, r := range open {
		// Seed on first sight so a zero-score open risk is still a valid
		// cascade target.
		best, seen := topRisk[r.ServiceID]
		if !seen || r.CompositeScore > best.CompositeScore ||
			(r.CompositeScore == best.CompositeScore && r.ID < best.ID) {
			direct[r.ServiceID] = r.CompositeScore
			topRisk[r.ServiceID] = r
		}
	}
	return direct, topRisk, nil
}

func (e *Engine) applyCascade(ctx context.Context, risk model.Risk, combined float64, pol policy.Policy, bucket time.Time) error {
	unlock := e.locks.Lock(risk.ServiceID)
	defer unlock()

	current, err := e.store.GetRisk(ctx, risk.ID)
	if err != nil {
		return fmt.Errorf("reloading risk: %w", err)
	}
	if current == nil || !current.Status.Open() || combined <= current.CompositeScore {
		return nil
	}

	oldScore := current.CompositeScore
	current.CompositeScore = model.ClampScore(combined)
	// Re-banding migrates the risk to the cascading policy version, so the
	// stored version always explains the stored band on replay.
	current.PolicyVersion = pol.Version
	current.Band = pol.BandFor(current.CompositeScore)
	current.LastScoredAt = bucket.UTC()

	if err := e.store.UpdateRisk(ctx, *current); err != nil {
		return fmt.Errorf("updating cascaded risk: %w", err)
	}
	if err := e.recorder.Record(ctx, current.ID, oldScore, current.CompositeScore,
		history.ReasonCascade, current.TopFactors, current.PolicyVersion); err != nil {
		return err
	}

	if e.publisher != nil {
		if err := e.publisher.PublishRiskUpdate(history.ReasonCascade, *current, oldScore, current.CompositeScore); err != nil {
			e.logger.Warn("Failed to publish cascade update", "risk_id", current.ID, "error", err)
		}
	}

	e.logger.Info("Cascade rescored risk",
		"service_id", current.ServiceID,
		"risk_id", current.ID,
		"old_score", oldScore,
		"new_score", current.CompositeScore)
	return nil
}

func (e *Engine) publish(outcome triage.Outcome) {
	if e.publisher == nil {
		return
	}

	eventType := history.ReasonCreated
	risk := outcome.Risk
	var oldScore float64
	if outcome.Decision == triage.DecisionMerged && outcome.Survivor != nil {
		eventType = history.ReasonMerged
		risk = *outcome.Survivor
	}
	if outcome.Decision == triage.DecisionRescored {
		eventType = history.ReasonRescored
	}
	if err := e.publisher.PublishRiskUpdate(eventType, risk, oldScore, risk.CompositeScore); err != nil {
		e.logger.Warn("Failed to publish risk update", "risk_id", risk.ID, "error", err)
	}
}

// enrichNarrative asks the narrative service for a summary in the
// background. Advisory only: the score and triage decision are already
// committed.
func (e *Engine) enrichNarrative(ctx context.Context, outcome triage.Outcome) {
	if e.narrative == nil {
		return
	}
	risk := outcome.Risk
	if outcome.Decision == triage.DecisionMerged && outcome.Survivor != nil {
		risk = *outcome.Survivor
	}
	if risk.Status == model.StatusSuppressed {
		return
	}

	go func() {
		start := time.Now()
		text, err := e.narrative.Request(context.WithoutCancel(ctx), risk)
		e.metrics.NarrativeLatency.Observe(time.Since(start).Seconds())
		if err != nil || text == "" {
			if err != nil {
				e.metrics.NarrativeFailed.Inc()
				e.logger.Debug("Narrative enrichment failed", "risk_id", risk.ID, "error", err)
			}
			return
		}

		unlock := e.locks.Lock(risk.ServiceID)
		defer unlock()

		current, err := e.store.GetRisk(context.WithoutCancel(ctx), risk.ID)
		if err != nil || current == nil {
			return
		}
		current.Narrative = text
		if err := e.store.UpdateRisk(context.WithoutCancel(ctx), *current); err != nil {
			e.logger.Warn("Failed to store narrative", "risk_id", risk.ID, "error", err)
		}
	}()
}
