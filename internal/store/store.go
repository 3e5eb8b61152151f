// Package store persists the engine's entities. The relational layout keeps
// every history table append-only and enforces a single active policy
// version per tenant.
package store

import (
	"context"

	"github.com/dynarisk/riskengine/internal/model"
	"github.com/dynarisk/riskengine/internal/policy"
)

// RiskFilter narrows risk listings. Zero fields match everything.
type RiskFilter struct {
	TenantID  string
	ServiceID string
	Statuses  []model.RiskStatus
	Band      model.Band
	Limit     int
}

// Store is the persistence surface for the whole engine. PostgresStore is
// the production implementation; MemoryStore backs tests and single-node
// runs.
type Store interface {
	policy.Store

	// Signals. Upsert supersedes by record ID so a re-ingested external
	// identifier never double-counts.
	UpsertSignal(ctx context.Context, sig model.SignalRecord) error
	ListSignals(ctx context.Context, serviceID string) ([]model.SignalRecord, error)
	ListServiceIDs(ctx context.Context) ([]string, error)

	// Index snapshots, append-only.
	AppendIndexSnapshot(ctx context.Context, snap model.ServiceIndexSnapshot) error
	LatestIndexSnapshot(ctx context.Context, serviceID string) (*model.ServiceIndexSnapshot, error)

	// Risks. Never deleted; terminal states retained for audit.
	InsertRisk(ctx context.Context, r model.Risk) error
	UpdateRisk(ctx context.Context, r model.Risk) error
	GetRisk(ctx context.Context, id string) (*model.Risk, error)
	ListRisks(ctx context.Context, filter RiskFilter) ([]model.Risk, error)
	// ListOpenRisks returns pending/active risks for one service and
	// category, the dedup merge search space.
	ListOpenRisks(ctx context.Context, tenantID, serviceID string, category model.RiskCategory) ([]model.Risk, error)
	// ListSuppressedRisks returns suppressed risks for one service and
	// category, so repeat suppressions reuse the existing record.
	ListSuppressedRisks(ctx context.Context, tenantID, serviceID string, category model.RiskCategory) ([]model.Risk, error)

	// Score history, append-only.
	AppendHistory(ctx context.Context, entry model.RiskScoreHistoryEntry) error
	ListHistory(ctx context.Context, riskID string) ([]model.RiskScoreHistoryEntry, error)

	// Posture snapshots: history retained, latest is authoritative.
	AppendPosture(ctx context.Context, snap model.SecurityPostureSnapshot) error
	LatestPosture(ctx context.Context, serviceID string) (*model.SecurityPostureSnapshot, error)

	// Dependency graph.
	UpsertEdge(ctx context.Context, edge model.ServiceDependencyEdge) error
	ListEdges(ctx context.Context) ([]model.ServiceDependencyEdge, error)

	Health() error
	Close() error
}
