// Package feed publishes risk and policy change events to NATS for
// downstream consumers (dashboards, ticketing, notification fan-out).
package feed

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/dynarisk/riskengine/internal/model"
)

const (
	// SubjectRisksUpdated carries every risk create, rescore, and merge.
	SubjectRisksUpdated = "risks.updated"
	// SubjectPolicyChanged announces policy version activations.
	SubjectPolicyChanged = "policy.changed"
)

// RiskEvent is the wire shape published on risks.updated.
type RiskEvent struct {
	EventType string     `json:"event_type"`
	Risk      model.Risk `json:"risk"`
	OldScore  float64    `json:"old_score"`
	NewScore  float64    `json:"new_score"`
	TS        time.Time  `json:"ts"`
}

// PolicyEvent is the wire shape published on policy.changed.
type PolicyEvent struct {
	TenantID string    `json:"tenant_id"`
	Version  int       `json:"version"`
	Action   string    `json:"action"`
	TS       time.Time `json:"ts"`
}

// Publisher emits engine events to NATS.
type Publisher struct {
	natsConn *nats.Conn
	logger   *slog.Logger
}

// NewPublisher creates a feed publisher.
func NewPublisher(natsConn *nats.Conn, logger *slog.Logger) *Publisher {
	return &Publisher{natsConn: natsConn, logger: logger}
}

// PublishRiskUpdate publishes one risk change. eventType is the history
// change reason (created, rescored, merged, cascade) or a lifecycle verb.
func (p *Publisher) PublishRiskUpdate(eventType string, risk model.Risk, oldScore, newScore float64) error {
	if p.natsConn == nil || !p.natsConn.IsConnected() {
		return fmt.Errorf("NATS connection not available")
	}

	event := RiskEvent{
		EventType: eventType,
		Risk:      risk,
		OldScore:  oldScore,
		NewScore:  newScore,
		TS:        time.Now().UTC(),
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal risk event: %w", err)
	}

	headers := nats.Header{}
	headers.Set("x-risk-id", risk.ID)
	headers.Set("x-tenant-id", risk.TenantID)
	headers.Set("x-service-id", risk.ServiceID)
	headers.Set("x-event-type", eventType)
	headers.Set("x-band", string(risk.Band))

	msg := &nats.Msg{
		Subject: SubjectRisksUpdated,
		Data:    data,
		Header:  headers,
	}
	if err := p.natsConn.PublishMsg(msg); err != nil {
		return fmt.Errorf("failed to publish risk event: %w", err)
	}

	p.logger.Debug("Published risk update",
		"risk_id", risk.ID,
		"service_id", risk.ServiceID,
		"event_type", eventType,
		"subject", SubjectRisksUpdated)
	return nil
}

// PolicyChanged implements the policy manager's notifier. Failures are
// logged, not returned: an activation must not roll back because the bus
// hiccuped.
func (p *Publisher) PolicyChanged(tenantID string, version int, action string) {
	if p.natsConn == nil || !p.natsConn.IsConnected() {
		p.logger.Warn("Skipping policy change notification, NATS not connected",
			"tenant_id", tenantID, "version", version)
		return
	}

	event := PolicyEvent{
		TenantID: tenantID,
		Version:  version,
		Action:   action,
		TS:       time.Now().UTC(),
	}
	data, err := json.Marshal(event)
	if err != nil {
		p.logger.Error("Failed to marshal policy event", "error", err)
		return
	}

	headers := nats.Header{}
	headers.Set("x-tenant-id", tenantID)
	headers.Set("x-policy-version", strconv.Itoa(version))

	msg := &nats.Msg{
		Subject: SubjectPolicyChanged,
		Data:    data,
		Header:  headers,
	}
	if err := p.natsConn.PublishMsg(msg); err != nil {
		p.logger.Error("Failed to publish policy event",
			"tenant_id", tenantID, "version", version, "error", err)
		return
	}

	p.logger.Info("Published policy change",
		"tenant_id", tenantID,
		"version", version,
		"subject", SubjectPolicyChanged)
}
