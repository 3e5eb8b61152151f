package store

import (
	"context"
	"sort"
	"sync"

	"github.com/dynarisk/riskengine/internal/model"
	"github.com/dynarisk/riskengine/internal/policy"
)

// MemoryStore is a thread-safe in-memory Store used by tests and
// single-node runs without Postgres.
type MemoryStore struct {
	mu sync.RWMutex

	signals   map[string]model.SignalRecord // keyed by record ID
	snapshots []model.ServiceIndexSnapshot
	risks     map[string]model.Risk
	history   []model.RiskScoreHistoryEntry
	posture   []model.SecurityPostureSnapshot
	edges     map[string]model.ServiceDependencyEdge // keyed parent->dependent
	policies  map[string][]policy.Policy             // keyed by tenant, ordered by version
	audit     []model.PolicyAuditEntry
}

// NewMemoryStore creates an empty memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		signals:  make(map[string]model.SignalRecord),
		risks:    make(map[string]model.Risk),
		edges:    make(map[string]model.ServiceDependencyEdge),
		policies: make(map[string][]policy.Policy),
	}
}

// UpsertSignal stores a signal, superseding any prior record with the same ID.
func (s *MemoryStore) UpsertSignal(_ context.Context, sig model.SignalRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signals[sig.ID] = sig
	return nil
}

// ListSignals returns all signals for a service, ordered by record ID.
func (s *MemoryStore) ListSignals(_ context.Context, serviceID string) ([]model.SignalRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.SignalRecord
	for _, sig := range s.signals {
		if sig.ServiceID == serviceID {
			out = append(out, sig)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ListServiceIDs returns every service that has at least one signal.
func (s *MemoryStore) ListServiceIDs(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]bool)
	var out []string
	for _, sig := range s.signals {
		if !seen[sig.ServiceID] {
			seen[sig.ServiceID] = true
			out = append(out, sig.ServiceID)
		}
	}
	sort.Strings(out)
	return out, nil
}

// AppendIndexSnapshot appends a snapshot; history is never overwritten.
func (s *MemoryStore) AppendIndexSnapshot(_ context.Context, snap model.ServiceIndexSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots = append(s.snapshots, snap)
	return nil
}

// LatestIndexSnapshot returns the most recent snapshot for a service.
func (s *MemoryStore) LatestIndexSnapshot(_ context.Context, serviceID string) (*model.ServiceIndexSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *model.ServiceIndexSnapshot
	for i := range s.snapshots {
		snap := s.snapshots[i]
		if snap.ServiceID != serviceID {
			continue
		}
		if latest == nil || snap.BucketTimestamp.After(latest.BucketTimestamp) {
			copied := snap
			latest = &copied
		}
	}
	return latest, nil
}

// InsertRisk stores a new risk.
func (s *MemoryStore) InsertRisk(_ context.Context, r model.Risk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.risks[r.ID] = r
	return nil
}

// UpdateRisk replaces an existing risk.
func (s *MemoryStore) UpdateRisk(_ context.Context, r model.Risk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.risks[r.ID] = r
	return nil
}

// GetRisk returns a risk by ID, nil when absent.
func (s *MemoryStore) GetRisk(_ context.Context, id string) (*model.Risk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.risks[id]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

// ListRisks returns risks matching the filter, newest first.
func (s *MemoryStore) ListRisks(_ context.Context, filter RiskFilter) ([]model.Risk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Risk
	for _, r := range s.risks {
		if filter.TenantID != "" && r.TenantID != filter.TenantID {
			continue
		}
		if filter.ServiceID != "" && r.ServiceID != filter.ServiceID {
			continue
		}
		if filter.Band != "" && r.Band != filter.Band {
			continue
		}
		if len(filter.Statuses) > 0 && !containsStatus(filter.Statuses, r.Status) {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// ListOpenRisks returns pending/active risks for one service and category.
func (s *MemoryStore) ListOpenRisks(_ context.Context, tenantID, serviceID string, category model.RiskCategory) ([]model.Risk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Risk
	for _, r := range s.risks {
		if r.TenantID == tenantID && r.ServiceID == serviceID && r.Category == category && r.Status.Open() {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// ListSuppressedRisks returns suppressed risks for one service and category.
func (s *MemoryStore) ListSuppressedRisks(_ context.Context, tenantID, serviceID string, category model.RiskCategory) ([]model.Risk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Risk
	for _, r := range s.risks {
		if r.TenantID == tenantID && r.ServiceID == serviceID && r.Category == category && r.Status == model.StatusSuppressed {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// AppendHistory appends a score history entry.
func (s *MemoryStore) AppendHistory(_ context.Context, entry model.RiskScoreHistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, entry)
	return nil
}

// ListHistory returns history entries for a risk, oldest first.
func (s *MemoryStore) ListHistory(_ context.Context, riskID string) ([]model.RiskScoreHistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.RiskScoreHistoryEntry
	for _, entry := range s.history {
		if entry.RiskID == riskID {
			out = append(out, entry)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// AppendPosture appends a posture snapshot; history is retained for trends.
func (s *MemoryStore) AppendPosture(_ context.Context, snap model.SecurityPostureSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.posture = append(s.posture, snap)
	return nil
}

// LatestPosture returns the authoritative (most recently assessed) posture
// snapshot for a service, nil when the service has never been assessed.
func (s *MemoryStore) LatestPosture(_ context.Context, serviceID string) (*model.SecurityPostureSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *model.SecurityPostureSnapshot
	for i := range s.posture {
		snap := s.posture[i]
		if snap.ServiceID != serviceID {
			continue
		}
		if latest == nil || snap.AssessedAt.After(latest.AssessedAt) {
			copied := snap
			latest = &copied
		}
	}
	return latest, nil
}

// UpsertEdge stores a dependency edge keyed by its endpoints.
func (s *MemoryStore) UpsertEdge(_ context.Context, edge model.ServiceDependencyEdge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.edges[edge.ParentServiceID+"->"+edge.DependentServiceID] = edge
	return nil
}

// ListEdges returns all dependency edges in stable order.
func (s *MemoryStore) ListEdges(_ context.Context) ([]model.ServiceDependencyEdge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.edges))
	for k := range s.edges {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]model.ServiceDependencyEdge, 0, len(keys))
	for _, k := range keys {
		out = append(out, s.edges[k])
	}
	return out, nil
}

// GetActivePolicy returns the tenant's active policy, nil when none.
func (s *MemoryStore) GetActivePolicy(_ context.Context, tenantID string) (*policy.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := range s.policies[tenantID] {
		if s.policies[tenantID][i].IsActive {
			p := s.policies[tenantID][i]
			return &p, nil
		}
	}
	return nil, nil
}

// GetPolicy returns a specific policy version, nil when absent.
func (s *MemoryStore) GetPolicy(_ context.Context, tenantID string, version int) (*policy.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := range s.policies[tenantID] {
		if s.policies[tenantID][i].Version == version {
			p := s.policies[tenantID][i]
			return &p, nil
		}
	}
	return nil, nil
}

// InsertPolicy appends a policy version. Versions are immutable once
// stored; inserting an existing version is rejected.
func (s *MemoryStore) InsertPolicy(_ context.Context, p policy.Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.policies[p.TenantID] {
		if s.policies[p.TenantID][i].Version == p.Version {
			return &policy.ValidationError{
				Field:   "version",
				Message: "policy version already exists and is immutable",
			}
		}
	}
	s.policies[p.TenantID] = append(s.policies[p.TenantID], p)
	return nil
}

// ActivatePolicy atomically swaps the single active version for a tenant.
func (s *MemoryStore) ActivatePolicy(_ context.Context, tenantID string, version int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	found := false
	for i := range s.policies[tenantID] {
		if s.policies[tenantID][i].Version == version {
			found = true
			break
		}
	}
	if !found {
		return &policy.ValidationError{Field: "version", Message: "policy version not found"}
	}

	for i := range s.policies[tenantID] {
		s.policies[tenantID][i].IsActive = s.policies[tenantID][i].Version == version
	}
	return nil
}

// AppendPolicyAudit appends a policy audit entry.
func (s *MemoryStore) AppendPolicyAudit(_ context.Context, entry model.PolicyAuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, entry)
	return nil
}

// ListPolicyAudit returns a tenant's audit entries, newest first.
func (s *MemoryStore) ListPolicyAudit(_ context.Context, tenantID string) ([]model.PolicyAuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.PolicyAuditEntry
	for _, entry := range s.audit {
		if entry.TenantID == tenantID {
			out = append(out, entry)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Health always succeeds for the memory store.
func (s *MemoryStore) Health() error { return nil }

// Close is a no-op for the memory store.
func (s *MemoryStore) Close() error { return nil }

func containsStatus(statuses []model.RiskStatus, status model.RiskStatus) bool {
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}
