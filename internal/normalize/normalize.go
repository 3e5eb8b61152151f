// Package normalize converts raw, source-specific signal payloads into the
// common SignalRecord schema with a 0-100 severity and 0-1 confidence.
package normalize

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dynarisk/riskengine/internal/model"
)

// RawSignal is the inbound payload shape accepted from external connectors.
type RawSignal struct {
	Source        string         `json:"source"`
	ServiceID     string         `json:"service_id"`
	Identifier    string         `json:"identifier"`
	SeverityRaw   any            `json:"severity_raw"`
	SeverityScale string         `json:"severity_scale"`
	Confidence    float64        `json:"confidence"`
	OccurredAt    time.Time      `json:"occurred_at"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// ValidationError reports a malformed or unmappable raw signal. The record
// is dropped with a logged reason; the batch continues.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// Severity scales understood by the normalizer.
const (
	ScaleCVSS        = "cvss"        // 0-10 numeric
	ScaleQualitative = "qualitative" // critical/high/medium/low/info/negligible
	ScalePercentile  = "percentile"  // 0-1 numeric, e.g. EPSS
	ScaleScore100    = "score100"    // already 0-100
)

// qualitativeSeverity maps labels to normalized severities. The ordering is
// monotonic: a higher label never yields a lower score.
var qualitativeSeverity = map[string]float64{
	"critical":   95,
	"high":       80,
	"medium":     55,
	"low":        30,
	"info":       10,
	"negligible": 5,
}

// Normalizer converts raw signals into SignalRecords. Mapping tables are
// fixed per build, so the same raw input always yields the same output.
type Normalizer struct {
	logger *slog.Logger
}

// New creates a normalizer.
func New(logger *slog.Logger) *Normalizer {
	return &Normalizer{logger: logger}
}

// Normalize converts one raw signal. ingestedAt is stamped by the caller so
// replays remain deterministic.
func (n *Normalizer) Normalize(raw RawSignal, ingestedAt time.Time) (model.SignalRecord, error) {
	source := model.SignalSource(raw.Source)
	if !model.ValidSource(source) {
		return model.SignalRecord{}, &ValidationError{Field: "source", Message: "unknown signal source: " + raw.Source}
	}
	if raw.ServiceID == "" {
		return model.SignalRecord{}, &ValidationError{Field: "service_id", Message: "service ID is required"}
	}
	if raw.Identifier == "" {
		return model.SignalRecord{}, &ValidationError{Field: "identifier", Message: "external identifier is required"}
	}
	if raw.Confidence < 0 || raw.Confidence > 1 {
		return model.SignalRecord{}, &ValidationError{
			Field:   "confidence",
			Message: fmt.Sprintf("must lie in [0, 1], got %v", raw.Confidence),
		}
	}
	if raw.OccurredAt.IsZero() {
		return model.SignalRecord{}, &ValidationError{Field: "occurred_at", Message: "timestamp is required"}
	}

	severity, err := n.normalizeSeverity(raw.SeverityRaw, raw.SeverityScale)
	if err != nil {
		return model.SignalRecord{}, err
	}

	return model.SignalRecord{
		// Source-scoped identifier: re-ingesting the same external ID
		// supersedes the earlier record instead of duplicating it.
		ID:           raw.Source + ":" + raw.Identifier,
		Source:       source,
		ServiceID:    raw.ServiceID,
		Identifier:   raw.Identifier,
		SeverityNorm: severity,
		Confidence:   raw.Confidence,
		OccurredAt:   raw.OccurredAt.UTC(),
		IngestedAt:   ingestedAt.UTC(),
		Metadata:     raw.Metadata,
	}, nil
}

// NormalizeBatch converts a batch, dropping invalid records with a logged
// reason. One malformed record never aborts the batch.
func (n *Normalizer) NormalizeBatch(raws []RawSignal, ingestedAt time.Time) ([]model.SignalRecord, int) {
	records := make([]model.SignalRecord, 0, len(raws))
	dropped := 0
	for _, raw := range raws {
		rec, err := n.Normalize(raw, ingestedAt)
		if err != nil {
			dropped++
			n.logger.Warn("Dropping unmappable signal",
				"source", raw.Source,
				"service_id", raw.ServiceID,
				"identifier", raw.Identifier,
				"error", err)
			continue
		}
		records = append(records, rec)
	}
	return records, dropped
}

func (n *Normalizer) normalizeSeverity(raw any, scale string) (float64, error) {
	switch scale {
	case ScaleCVSS:
		v, err := numericSeverity(raw)
		if err != nil {
			return 0, err
		}
		if v < 0 || v > 10 {
			return 0, &ValidationError{Field: "severity_raw", Message: fmt.Sprintf("CVSS score out of range: %v", v)}
		}
		return v * 10, nil

	case ScalePercentile:
		v, err := numericSeverity(raw)
		if err != nil {
			return 0, err
		}
		if v < 0 || v > 1 {
			return 0, &ValidationError{Field: "severity_raw", Message: fmt.Sprintf("percentile out of range: %v", v)}
		}
		return v * 100, nil

	case ScaleScore100:
		v, err := numericSeverity(raw)
		if err != nil {
			return 0, err
		}
		if v < 0 || v > 100 {
			return 0, &ValidationError{Field: "severity_raw", Message: fmt.Sprintf("score out of range: %v", v)}
		}
		return v, nil

	case ScaleQualitative:
		label, ok := raw.(string)
		if !ok {
			return 0, &ValidationError{Field: "severity_raw", Message: "qualitative severity must be a string"}
		}
		score, ok := qualitativeSeverity[strings.ToLower(strings.TrimSpace(label))]
		if !ok {
			return 0, &ValidationError{Field: "severity_raw", Message: "unknown qualitative severity: " + label}
		}
		return score, nil

	default:
		return 0, &ValidationError{Field: "severity_scale", Message: "unknown severity scale: " + scale}
	}
}

// numericSeverity accepts the numeric shapes JSON decoding produces.
func numericSeverity(raw any) (float64, error) {
	switch v := raw.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	default:
		return 0, &ValidationError{Field: "severity_raw", Message: fmt.Sprintf("expected a number, got %T", raw)}
	}
}
