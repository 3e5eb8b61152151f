package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dynarisk/riskengine/internal/model"
)

// ErrPolicyNotFound means a tenant has no active policy version. Computation
// cycles for that tenant are skipped with an alert, never silently defaulted.
var ErrPolicyNotFound = errors.New("no active policy for tenant")

// Store is the persistence surface the manager needs. Implemented by
// internal/store.
type Store interface {
	GetActivePolicy(ctx context.Context, tenantID string) (*Policy, error)
	GetPolicy(ctx context.Context, tenantID string, version int) (*Policy, error)
	InsertPolicy(ctx context.Context, p Policy) error
	// ActivatePolicy atomically deactivates the prior active version and
	// activates the given one.
	ActivatePolicy(ctx context.Context, tenantID string, version int) error
	AppendPolicyAudit(ctx context.Context, entry model.PolicyAuditEntry) error
	ListPolicyAudit(ctx context.Context, tenantID string) ([]model.PolicyAuditEntry, error)
}

// Notifier is told about policy lifecycle changes so downstream consumers
// can refresh. The NATS-backed implementation lives in internal/feed.
type Notifier interface {
	PolicyChanged(tenantID string, version int, action string)
}

// Manager owns versioned tenant policies: strict append-only versioning,
// validation at creation and activation, and an audit entry per change.
type Manager struct {
	store    Store
	notifier Notifier
	logger   *slog.Logger
}

// NewManager creates a policy manager. notifier may be nil.
func NewManager(store Store, notifier Notifier, logger *slog.Logger) *Manager {
	return &Manager{store: store, notifier: notifier, logger: logger}
}

// Active returns the tenant's active policy by value so in-flight
// computations hold one immutable snapshot end-to-end.
func (m *Manager) Active(ctx context.Context, tenantID string) (Policy, error) {
	p, err := m.store.GetActivePolicy(ctx, tenantID)
	if err != nil {
		return Policy{}, fmt.Errorf("loading active policy for %s: %w", tenantID, err)
	}
	if p == nil {
		return Policy{}, ErrPolicyNotFound
	}
	return *p, nil
}

// Version returns a specific historical policy version by value.
func (m *Manager) Version(ctx context.Context, tenantID string, version int) (Policy, error) {
	p, err := m.store.GetPolicy(ctx, tenantID, version)
	if err != nil {
		return Policy{}, fmt.Errorf("loading policy %s/v%d: %w", tenantID, version, err)
	}
	if p == nil {
		return Policy{}, ErrPolicyNotFound
	}
	return *p, nil
}

// CreateVersion appends a new, inactive policy version. The caller must name
// the previous active version; a mismatch means the caller acted on stale
// state and the create is rejected.
func (m *Manager) CreateVersion(ctx context.Context, doc Policy, previousVersion int, actor string) (Policy, error) {
	if err := doc.Validate(); err != nil {
		return Policy{}, err
	}

	active, err := m.store.GetActivePolicy(ctx, doc.TenantID)
	if err != nil {
		return Policy{}, fmt.Errorf("checking active policy: %w", err)
	}

	var diff string
	if active != nil {
		if active.Version != previousVersion {
			return Policy{}, &ValidationError{
				Field:   "previous_version",
				Message: fmt.Sprintf("expected active version %d, got %d", active.Version, previousVersion),
			}
		}
		doc.Version = active.Version + 1
		diff = summarizeDiff(*active, doc)
	} else {
		if previousVersion != 0 {
			return Policy{}, &ValidationError{
				Field:   "previous_version",
				Message: "tenant has no active policy, previous_version must be 0",
			}
		}
		doc.Version = 1
		diff = "initial version"
	}

	doc.IsActive = false
	doc.CreatedBy = actor
	doc.CreatedAt = time.Now().UTC()
	if doc.EffectiveDate.IsZero() {
		doc.EffectiveDate = doc.CreatedAt
	}

	if err := m.store.InsertPolicy(ctx, doc); err != nil {
		return Policy{}, fmt.Errorf("inserting policy version: %w", err)
	}
	m.audit(ctx, doc.TenantID, doc.Version, "created", actor, diff)

	m.logger.Info("Policy version created",
		"tenant_id", doc.TenantID,
		"version", doc.Version,
		"actor", actor)

	return doc, nil
}

// Activate makes the given version the single active one for the tenant.
// The document is re-validated so a version created under older rules cannot
// go live in an invalid state.
func (m *Manager) Activate(ctx context.Context, tenantID string, version int, actor string) error {
	p, err := m.store.GetPolicy(ctx, tenantID, version)
	if err != nil {
		return fmt.Errorf("loading policy %s/v%d: %w", tenantID, version, err)
	}
	if p == nil {
		return ErrPolicyNotFound
	}
	if err := p.Validate(); err != nil {
		return err
	}

	prior, err := m.store.GetActivePolicy(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("checking active policy: %w", err)
	}

	if err := m.store.ActivatePolicy(ctx, tenantID, version); err != nil {
		return fmt.Errorf("activating policy %s/v%d: %w", tenantID, version, err)
	}

	if prior != nil && prior.Version != version {
		m.audit(ctx, tenantID, prior.Version, "deactivated", actor, "")
	}
	m.audit(ctx, tenantID, version, "activated", actor, "")

	if m.notifier != nil {
		m.notifier.PolicyChanged(tenantID, version, "activated")
	}

	m.logger.Info("Policy version activated",
		"tenant_id", tenantID,
		"version", version,
		"actor", actor)

	return nil
}

// EnsureActive seeds and activates a default policy when the tenant has
// none, so new tenants get a working baseline without a manual step.
func (m *Manager) EnsureActive(ctx context.Context, tenantID string, seed Policy, actor string) (Policy, error) {
	active, err := m.store.GetActivePolicy(ctx, tenantID)
	if err != nil {
		return Policy{}, fmt.Errorf("checking active policy: %w", err)
	}
	if active != nil {
		return *active, nil
	}

	seed.TenantID = tenantID
	created, err := m.CreateVersion(ctx, seed, 0, actor)
	if err != nil {
		return Policy{}, err
	}
	if err := m.Activate(ctx, tenantID, created.Version, actor); err != nil {
		return Policy{}, err
	}
	created.IsActive = true
	return created, nil
}

// AuditTrail returns the tenant's policy audit entries, newest first.
func (m *Manager) AuditTrail(ctx context.Context, tenantID string) ([]model.PolicyAuditEntry, error) {
	return m.store.ListPolicyAudit(ctx, tenantID)
}

func (m *Manager) audit(ctx context.Context, tenantID string, version int, action, actor, diff string) {
	entry := model.PolicyAuditEntry{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		Version:   version,
		Action:    action,
		Actor:     actor,
		Diff:      diff,
		CreatedAt: time.Now().UTC(),
	}
	if err := m.store.AppendPolicyAudit(ctx, entry); err != nil {
		m.logger.Error("Failed to append policy audit entry",
			"tenant_id", tenantID,
			"version", version,
			"action", action,
			"error", err)
	}
}

// summarizeDiff names the top-level policy sections that changed between
// two versions. The audit trail needs a human-scannable summary, not a
// field-level patch.
func summarizeDiff(prev, next Policy) string {
	var changed []string
	sections := []struct {
		name       string
		prev, next any
	}{
		{"weights", prev.Weights, next.Weights},
		{"thresholds", prev.Thresholds, next.Thresholds},
		{"discount_caps", prev.DiscountCaps, next.DiscountCaps},
		{"decay", prev.Decay, next.Decay},
		{"factor_caps", prev.FactorCaps, next.FactorCaps},
		{"type_multipliers", prev.TypeMultipliers, next.TypeMultipliers},
		{"bands", prev.Bands, next.Bands},
		{"dedupe", prev.Dedupe, next.Dedupe},
		{"cascade", prev.Cascade, next.Cascade},
	}
	for _, s := range sections {
		prevJSON, _ := json.Marshal(s.prev)
		nextJSON, _ := json.Marshal(s.next)
		if string(prevJSON) != string(nextJSON) {
			changed = append(changed, s.name)
		}
	}
	if len(changed) == 0 {
		return "no section changes"
	}
	return "changed: " + strings.Join(changed, ", ")
}
