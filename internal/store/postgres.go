package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq"

	"github.com/dynarisk/riskengine/internal/model"
	"github.com/dynarisk/riskengine/internal/policy"
)

// PostgresStore is the production Store backed by PostgreSQL.
type PostgresStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresStore opens a connection pool and verifies connectivity.
func NewPostgresStore(host, port, user, password, dbname string, logger *slog.Logger) (*PostgresStore, error) {
	dsn := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		host, port, user, password, dbname)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &PostgresStore{db: db, logger: logger}, nil
}

// EnsureSchema creates the relational layout. History tables are
// append-only by convention (no UPDATE issued against them) and the policy
// table enforces single-active-version-per-tenant with a partial unique
// index.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS signals (
			id TEXT PRIMARY KEY,
			source TEXT NOT NULL,
			service_id TEXT NOT NULL,
			identifier TEXT NOT NULL,
			severity_norm DOUBLE PRECISION NOT NULL,
			confidence DOUBLE PRECISION NOT NULL,
			occurred_at TIMESTAMPTZ NOT NULL,
			ingested_at TIMESTAMPTZ NOT NULL,
			metadata JSONB
		)`,
		`CREATE INDEX IF NOT EXISTS signals_service_idx ON signals (service_id)`,
		`CREATE TABLE IF NOT EXISTS index_snapshots (
			service_id TEXT NOT NULL,
			bucket_timestamp TIMESTAMPTZ NOT NULL,
			svi DOUBLE PRECISION NOT NULL,
			sei DOUBLE PRECISION NOT NULL,
			bci DOUBLE PRECISION NOT NULL,
			eri DOUBLE PRECISION NOT NULL,
			top_factors JSONB NOT NULL,
			policy_version INTEGER NOT NULL,
			stale_indices JSONB,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS index_snapshots_service_idx ON index_snapshots (service_id, bucket_timestamp)`,
		`CREATE TABLE IF NOT EXISTS risks (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			service_id TEXT NOT NULL,
			category TEXT NOT NULL,
			title TEXT NOT NULL,
			status TEXT NOT NULL,
			composite_score DOUBLE PRECISION NOT NULL,
			controls_discount DOUBLE PRECISION NOT NULL,
			band TEXT NOT NULL,
			confidence DOUBLE PRECISION NOT NULL,
			dedupe_key TEXT NOT NULL,
			policy_version INTEGER NOT NULL,
			merged_into_id TEXT,
			narrative TEXT NOT NULL DEFAULT '',
			top_factors JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			last_scored_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS risks_open_idx ON risks (tenant_id, service_id, category, status)`,
		`CREATE TABLE IF NOT EXISTS risk_score_history (
			id TEXT PRIMARY KEY,
			risk_id TEXT NOT NULL,
			old_score DOUBLE PRECISION NOT NULL,
			new_score DOUBLE PRECISION NOT NULL,
			change_reason TEXT NOT NULL,
			top_factors JSONB NOT NULL,
			policy_version INTEGER NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS risk_score_history_risk_idx ON risk_score_history (risk_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS posture_snapshots (
			service_id TEXT NOT NULL,
			patch_compliance DOUBLE PRECISION NOT NULL,
			edr_coverage DOUBLE PRECISION NOT NULL,
			mfa_coverage DOUBLE PRECISION NOT NULL,
			segmentation_score DOUBLE PRECISION NOT NULL,
			backup_test_recency DOUBLE PRECISION NOT NULL,
			assessed_at TIMESTAMPTZ NOT NULL,
			source TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS posture_service_idx ON posture_snapshots (service_id, assessed_at)`,
		`CREATE TABLE IF NOT EXISTS dependency_edges (
			parent_service_id TEXT NOT NULL,
			dependent_service_id TEXT NOT NULL,
			impact_weight DOUBLE PRECISION NOT NULL,
			dependency_type TEXT NOT NULL,
			PRIMARY KEY (parent_service_id, dependent_service_id)
		)`,
		`CREATE TABLE IF NOT EXISTS tenant_policies (
			tenant_id TEXT NOT NULL,
			version INTEGER NOT NULL,
			document JSONB NOT NULL,
			is_active BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (tenant_id, version)
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS tenant_policies_single_active
			ON tenant_policies (tenant_id) WHERE is_active`,
		`CREATE TABLE IF NOT EXISTS policy_audit (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			version INTEGER NOT NULL,
			action TEXT NOT NULL,
			actor TEXT NOT NULL,
			diff TEXT,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS policy_audit_tenant_idx ON policy_audit (tenant_id, created_at)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure schema: %w", err)
		}
	}
	return nil
}

// UpsertSignal supersedes any prior record with the same ID.
func (s *PostgresStore) UpsertSignal(ctx context.Context, sig model.SignalRecord) error {
	metadata, err := json.Marshal(sig.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal signal metadata: %w", err)
	}

	query := `
		INSERT INTO signals (id, source, service_id, identifier, severity_norm, confidence, occurred_at, ingested_at, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			severity_norm = EXCLUDED.severity_norm,
			confidence = EXCLUDED.confidence,
			occurred_at = EXCLUDED.occurred_at,
			ingested_at = EXCLUDED.ingested_at,
			metadata = EXCLUDED.metadata
	`
	if _, err := s.db.ExecContext(ctx, query,
		sig.ID, sig.Source, sig.ServiceID, sig.Identifier,
		sig.SeverityNorm, sig.Confidence, sig.OccurredAt, sig.IngestedAt, metadata); err != nil {
		return fmt.Errorf("failed to upsert signal: %w", err)
	}
	return nil
}

// ListSignals returns all signals for a service.
func (s *PostgresStore) ListSignals(ctx context.Context, serviceID string) ([]model.SignalRecord, error) {
	query := `
		SELECT id, source, service_id, identifier, severity_norm, confidence, occurred_at, ingested_at, metadata
		FROM signals WHERE service_id = $1 ORDER BY id
	`
	rows, err := s.db.QueryContext(ctx, query, serviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query signals: %w", err)
	}
	defer rows.Close()

	var out []model.SignalRecord
	for rows.Next() {
		var sig model.SignalRecord
		var metadata []byte
		if err := rows.Scan(&sig.ID, &sig.Source, &sig.ServiceID, &sig.Identifier,
			&sig.SeverityNorm, &sig.Confidence, &sig.OccurredAt, &sig.IngestedAt, &metadata); err != nil {
			return nil, fmt.Errorf("failed to scan signal: %w", err)
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &sig.Metadata); err != nil {
				return nil, fmt.Errorf("failed to unmarshal signal metadata: %w", err)
			}
		}
		out = append(out, sig)
	}
	return out, rows.Err()
}

// ListServiceIDs returns every service with at least one signal.
func (s *PostgresStore) ListServiceIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT service_id FROM signals ORDER BY service_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query service IDs: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan service ID: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// AppendIndexSnapshot appends one immutable snapshot row.
func (s *PostgresStore) AppendIndexSnapshot(ctx context.Context, snap model.ServiceIndexSnapshot) error {
	factors, err := json.Marshal(snap.TopFactors)
	if err != nil {
		return fmt.Errorf("failed to marshal top factors: %w", err)
	}
	stale, err := json.Marshal(snap.StaleIndices)
	if err != nil {
		return fmt.Errorf("failed to marshal stale indices: %w", err)
	}

	query := `
		INSERT INTO index_snapshots (service_id, bucket_timestamp, svi, sei, bci, eri, top_factors, policy_version, stale_indices, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	if _, err := s.db.ExecContext(ctx, query,
		snap.ServiceID, snap.BucketTimestamp,
		snap.Indices.SVI, snap.Indices.SEI, snap.Indices.BCI, snap.Indices.ERI,
		factors, snap.PolicyVersion, stale, snap.CreatedAt); err != nil {
		return fmt.Errorf("failed to append index snapshot: %w", err)
	}
	return nil
}

// LatestIndexSnapshot returns the newest snapshot for a service.
func (s *PostgresStore) LatestIndexSnapshot(ctx context.Context, serviceID string) (*model.ServiceIndexSnapshot, error) {
	query := `
		SELECT service_id, bucket_timestamp, svi, sei, bci, eri, top_factors, policy_version, stale_indices, created_at
		FROM index_snapshots WHERE service_id = $1
		ORDER BY bucket_timestamp DESC LIMIT 1
	`
	var snap model.ServiceIndexSnapshot
	var factors, stale []byte
	err := s.db.QueryRowContext(ctx, query, serviceID).Scan(
		&snap.ServiceID, &snap.BucketTimestamp,
		&snap.Indices.SVI, &snap.Indices.SEI, &snap.Indices.BCI, &snap.Indices.ERI,
		&factors, &snap.PolicyVersion, &stale, &snap.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query index snapshot: %w", err)
	}
	if err := json.Unmarshal(factors, &snap.TopFactors); err != nil {
		return nil, fmt.Errorf("failed to unmarshal top factors: %w", err)
	}
	if len(stale) > 0 {
		if err := json.Unmarshal(stale, &snap.StaleIndices); err != nil {
			return nil, fmt.Errorf("failed to unmarshal stale indices: %w", err)
		}
	}
	return &snap, nil
}

// InsertRisk stores a new risk row.
func (s *PostgresStore) InsertRisk(ctx context.Context, r model.Risk) error {
	return s.writeRisk(ctx, r, `
		INSERT INTO risks (id, tenant_id, service_id, category, title, status, composite_score,
			controls_discount, band, confidence, dedupe_key, policy_version, merged_into_id,
			narrative, top_factors, created_at, last_scored_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`)
}

// UpdateRisk replaces a risk row's mutable fields.
func (s *PostgresStore) UpdateRisk(ctx context.Context, r model.Risk) error {
	factors, err := json.Marshal(r.TopFactors)
	if err != nil {
		return fmt.Errorf("failed to marshal top factors: %w", err)
	}
	query := `
		UPDATE risks SET status = $2, composite_score = $3, controls_discount = $4, band = $5,
			confidence = $6, merged_into_id = NULLIF($7, ''), narrative = $8, top_factors = $9,
			last_scored_at = $10
		WHERE id = $1
	`
	if _, err := s.db.ExecContext(ctx, query,
		r.ID, r.Status, r.CompositeScore, r.ControlsDiscount, r.Band,
		r.Confidence, r.MergedIntoID, r.Narrative, factors, r.LastScoredAt); err != nil {
		return fmt.Errorf("failed to update risk: %w", err)
	}
	return nil
}

func (s *PostgresStore) writeRisk(ctx context.Context, r model.Risk, query string) error {
	factors, err := json.Marshal(r.TopFactors)
	if err != nil {
		return fmt.Errorf("failed to marshal top factors: %w", err)
	}
	var mergedInto any
	if r.MergedIntoID != "" {
		mergedInto = r.MergedIntoID
	}
	if _, err := s.db.ExecContext(ctx, query,
		r.ID, r.TenantID, r.ServiceID, r.Category, r.Title, r.Status,
		r.CompositeScore, r.ControlsDiscount, r.Band, r.Confidence, r.DedupeKey,
		r.PolicyVersion, mergedInto, r.Narrative, factors, r.CreatedAt, r.LastScoredAt); err != nil {
		return fmt.Errorf("failed to write risk: %w", err)
	}
	return nil
}

// GetRisk returns a risk by ID, nil when absent.
func (s *PostgresStore) GetRisk(ctx context.Context, id string) (*model.Risk, error) {
	query := riskSelect + ` WHERE id = $1`
	row := s.db.QueryRowContext(ctx, query, id)
	r, err := scanRisk(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query risk: %w", err)
	}
	return r, nil
}

const riskSelect = `
	SELECT id, tenant_id, service_id, category, title, status, composite_score,
		controls_discount, band, confidence, dedupe_key, policy_version,
		COALESCE(merged_into_id, ''), narrative, top_factors, created_at, last_scored_at
	FROM risks
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRisk(row rowScanner) (*model.Risk, error) {
	var r model.Risk
	var factors []byte
	if err := row.Scan(&r.ID, &r.TenantID, &r.ServiceID, &r.Category, &r.Title, &r.Status,
		&r.CompositeScore, &r.ControlsDiscount, &r.Band, &r.Confidence, &r.DedupeKey,
		&r.PolicyVersion, &r.MergedIntoID, &r.Narrative, &factors, &r.CreatedAt, &r.LastScoredAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(factors, &r.TopFactors); err != nil {
		return nil, fmt.Errorf("failed to unmarshal top factors: %w", err)
	}
	return &r, nil
}

// ListRisks returns risks matching the filter, newest first.
func (s *PostgresStore) ListRisks(ctx context.Context, filter RiskFilter) ([]model.Risk, error) {
	query := riskSelect + ` WHERE 1=1`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.TenantID != "" {
		query += ` AND tenant_id = ` + arg(filter.TenantID)
	}
	if filter.ServiceID != "" {
		query += ` AND service_id = ` + arg(filter.ServiceID)
	}
	if filter.Band != "" {
		query += ` AND band = ` + arg(string(filter.Band))
	}
	if len(filter.Statuses) > 0 {
		query += ` AND status IN (`
		for i, status := range filter.Statuses {
			if i > 0 {
				query += `, `
			}
			query += arg(string(status))
		}
		query += `)`
	}
	query += ` ORDER BY created_at DESC, id`
	if filter.Limit > 0 {
		query += ` LIMIT ` + arg(filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query risks: %w", err)
	}
	defer rows.Close()

	var out []model.Risk
	for rows.Next() {
		r, err := scanRisk(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan risk: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// ListOpenRisks returns pending/active risks for one service and category.
func (s *PostgresStore) ListOpenRisks(ctx context.Context, tenantID, serviceID string, category model.RiskCategory) ([]model.Risk, error) {
	query := riskSelect + `
		WHERE tenant_id = $1 AND service_id = $2 AND category = $3 AND status IN ('pending', 'active')
		ORDER BY created_at, id
	`
	rows, err := s.db.QueryContext(ctx, query, tenantID, serviceID, category)
	if err != nil {
		return nil, fmt.Errorf("failed to query open risks: %w", err)
	}
	defer rows.Close()

	var out []model.Risk
	for rows.Next() {
		r, err := scanRisk(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan risk: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// ListSuppressedRisks returns suppressed risks for one service and category.
func (s *PostgresStore) ListSuppressedRisks(ctx context.Context, tenantID, serviceID string, category model.RiskCategory) ([]model.Risk, error) {
	query := riskSelect + `
		WHERE tenant_id = $1 AND service_id = $2 AND category = $3 AND status = 'suppressed'
		ORDER BY created_at, id
	`
	rows, err := s.db.QueryContext(ctx, query, tenantID, serviceID, category)
	if err != nil {
		return nil, fmt.Errorf("failed to query suppressed risks: %w", err)
	}
	defer rows.Close()

	var out []model.Risk
	for rows.Next() {
		r, err := scanRisk(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan risk: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// AppendHistory appends a score history row.
func (s *PostgresStore) AppendHistory(ctx context.Context, entry model.RiskScoreHistoryEntry) error {
	factors, err := json.Marshal(entry.TopFactors)
	if err != nil {
		return fmt.Errorf("failed to marshal top factors: %w", err)
	}
	query := `
		INSERT INTO risk_score_history (id, risk_id, old_score, new_score, change_reason, top_factors, policy_version, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	if _, err := s.db.ExecContext(ctx, query,
		entry.ID, entry.RiskID, entry.OldScore, entry.NewScore,
		entry.ChangeReason, factors, entry.PolicyVersion, entry.CreatedAt); err != nil {
		return fmt.Errorf("failed to append history entry: %w", err)
	}
	return nil
}

// ListHistory returns a risk's history, oldest first.
func (s *PostgresStore) ListHistory(ctx context.Context, riskID string) ([]model.RiskScoreHistoryEntry, error) {
	query := `
		SELECT id, risk_id, old_score, new_score, change_reason, top_factors, policy_version, created_at
		FROM risk_score_history WHERE risk_id = $1 ORDER BY created_at
	`
	rows, err := s.db.QueryContext(ctx, query, riskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var out []model.RiskScoreHistoryEntry
	for rows.Next() {
		var entry model.RiskScoreHistoryEntry
		var factors []byte
		if err := rows.Scan(&entry.ID, &entry.RiskID, &entry.OldScore, &entry.NewScore,
			&entry.ChangeReason, &factors, &entry.PolicyVersion, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan history entry: %w", err)
		}
		if err := json.Unmarshal(factors, &entry.TopFactors); err != nil {
			return nil, fmt.Errorf("failed to unmarshal top factors: %w", err)
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

// AppendPosture appends a posture snapshot row.
func (s *PostgresStore) AppendPosture(ctx context.Context, snap model.SecurityPostureSnapshot) error {
	query := `
		INSERT INTO posture_snapshots (service_id, patch_compliance, edr_coverage, mfa_coverage, segmentation_score, backup_test_recency, assessed_at, source)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	if _, err := s.db.ExecContext(ctx, query,
		snap.ServiceID, snap.PatchCompliance, snap.EDRCoverage, snap.MFACoverage,
		snap.SegmentationScore, snap.BackupTestRecency, snap.AssessedAt, snap.Source); err != nil {
		return fmt.Errorf("failed to append posture snapshot: %w", err)
	}
	return nil
}

// LatestPosture returns the most recently assessed snapshot for a service.
func (s *PostgresStore) LatestPosture(ctx context.Context, serviceID string) (*model.SecurityPostureSnapshot, error) {
	query := `
		SELECT service_id, patch_compliance, edr_coverage, mfa_coverage, segmentation_score, backup_test_recency, assessed_at, source
		FROM posture_snapshots WHERE service_id = $1 ORDER BY assessed_at DESC LIMIT 1
	`
	var snap model.SecurityPostureSnapshot
	err := s.db.QueryRowContext(ctx, query, serviceID).Scan(
		&snap.ServiceID, &snap.PatchCompliance, &snap.EDRCoverage, &snap.MFACoverage,
		&snap.SegmentationScore, &snap.BackupTestRecency, &snap.AssessedAt, &snap.Source)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query posture: %w", err)
	}
	return &snap, nil
}

// UpsertEdge stores a dependency edge keyed by its endpoints.
func (s *PostgresStore) UpsertEdge(ctx context.Context, edge model.ServiceDependencyEdge) error {
	query := `
		INSERT INTO dependency_edges (parent_service_id, dependent_service_id, impact_weight, dependency_type)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (parent_service_id, dependent_service_id) DO UPDATE SET
			impact_weight = EXCLUDED.impact_weight,
			dependency_type = EXCLUDED.dependency_type
	`
	if _, err := s.db.ExecContext(ctx, query,
		edge.ParentServiceID, edge.DependentServiceID, edge.ImpactWeight, edge.DependencyType); err != nil {
		return fmt.Errorf("failed to upsert edge: %w", err)
	}
	return nil
}

// ListEdges returns all dependency edges.
func (s *PostgresStore) ListEdges(ctx context.Context) ([]model.ServiceDependencyEdge, error) {
	query := `
		SELECT parent_service_id, dependent_service_id, impact_weight, dependency_type
		FROM dependency_edges ORDER BY parent_service_id, dependent_service_id
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query edges: %w", err)
	}
	defer rows.Close()

	var out []model.ServiceDependencyEdge
	for rows.Next() {
		var edge model.ServiceDependencyEdge
		if err := rows.Scan(&edge.ParentServiceID, &edge.DependentServiceID,
			&edge.ImpactWeight, &edge.DependencyType); err != nil {
			return nil, fmt.Errorf("failed to scan edge: %w", err)
		}
		out = append(out, edge)
	}
	return out, rows.Err()
}

// GetActivePolicy returns the tenant's active policy, nil when none.
func (s *PostgresStore) GetActivePolicy(ctx context.Context, tenantID string) (*policy.Policy, error) {
	return s.queryPolicy(ctx,
		`SELECT document, is_active FROM tenant_policies WHERE tenant_id = $1 AND is_active`, tenantID)
}

// GetPolicy returns a specific version, nil when absent.
func (s *PostgresStore) GetPolicy(ctx context.Context, tenantID string, version int) (*policy.Policy, error) {
	return s.queryPolicy(ctx,
		`SELECT document, is_active FROM tenant_policies WHERE tenant_id = $1 AND version = $2`, tenantID, version)
}

func (s *PostgresStore) queryPolicy(ctx context.Context, query string, args ...any) (*policy.Policy, error) {
	var document []byte
	var isActive bool
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&document, &isActive)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query policy: %w", err)
	}
	var p policy.Policy
	if err := json.Unmarshal(document, &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal policy document: %w", err)
	}
	p.IsActive = isActive
	return &p, nil
}

// InsertPolicy appends a new, immutable policy version. A duplicate version
// violates the primary key and is rejected.
func (s *PostgresStore) InsertPolicy(ctx context.Context, p policy.Policy) error {
	document, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal policy document: %w", err)
	}
	query := `
		INSERT INTO tenant_policies (tenant_id, version, document, is_active, created_at)
		VALUES ($1, $2, $3, FALSE, $4)
	`
	if _, err := s.db.ExecContext(ctx, query, p.TenantID, p.Version, document, p.CreatedAt); err != nil {
		return fmt.Errorf("failed to insert policy version: %w", err)
	}
	return nil
}

// ActivatePolicy swaps the single active version inside one transaction.
func (s *PostgresStore) ActivatePolicy(ctx context.Context, tenantID string, version int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE tenant_policies SET is_active = FALSE WHERE tenant_id = $1 AND is_active`, tenantID); err != nil {
		return fmt.Errorf("failed to deactivate prior version: %w", err)
	}

	result, err := tx.ExecContext(ctx,
		`UPDATE tenant_policies SET is_active = TRUE WHERE tenant_id = $1 AND version = $2`, tenantID, version)
	if err != nil {
		return fmt.Errorf("failed to activate version: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("policy version not found: %s/v%d", tenantID, version)
	}

	return tx.Commit()
}

// AppendPolicyAudit appends one audit row.
func (s *PostgresStore) AppendPolicyAudit(ctx context.Context, entry model.PolicyAuditEntry) error {
	query := `
		INSERT INTO policy_audit (id, tenant_id, version, action, actor, diff, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	if _, err := s.db.ExecContext(ctx, query,
		entry.ID, entry.TenantID, entry.Version, entry.Action, entry.Actor, entry.Diff, entry.CreatedAt); err != nil {
		return fmt.Errorf("failed to append policy audit: %w", err)
	}
	return nil
}

// ListPolicyAudit returns a tenant's audit entries, newest first.
func (s *PostgresStore) ListPolicyAudit(ctx context.Context, tenantID string) ([]model.PolicyAuditEntry, error) {
	query := `
		SELECT id, tenant_id, version, action, actor, COALESCE(diff, ''), created_at
		FROM policy_audit WHERE tenant_id = $1 ORDER BY created_at DESC
	`
	rows, err := s.db.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query policy audit: %w", err)
	}
	defer rows.Close()

	var out []model.PolicyAuditEntry
	for rows.Next() {
		var entry model.PolicyAuditEntry
		if err := rows.Scan(&entry.ID, &entry.TenantID, &entry.Version, &entry.Action,
			&entry.Actor, &entry.Diff, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

// Health checks database connectivity.
func (s *PostgresStore) Health() error {
	return s.db.Ping()
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
