package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/dynarisk/riskengine/internal/model"
)

// SubjectNarrativeRequest is the request/reply subject for narrative
// enrichment. The responder is an external service; replies are advisory.
const SubjectNarrativeRequest = "risks.narrative.request"

// narrativeRequest is the request payload sent to the enrichment service.
type narrativeRequest struct {
	RiskID     string         `json:"risk_id"`
	ServiceID  string         `json:"service_id"`
	Title      string         `json:"title"`
	Score      float64        `json:"score"`
	Band       model.Band     `json:"band"`
	TopFactors []model.Factor `json:"top_factors"`
}

// narrativeReply is the expected reply payload.
type narrativeReply struct {
	Narrative string `json:"narrative"`
}

// NarrativeClient asks an external enrichment service for a human-readable
// narrative of a scored risk. The engine never blocks a scoring pass on it:
// requests run on a bounded timeout and a miss just leaves the field empty.
type NarrativeClient struct {
	natsConn *nats.Conn
	timeout  time.Duration
	logger   *slog.Logger
}

// NewNarrativeClient creates a narrative client with the given per-request
// timeout.
func NewNarrativeClient(natsConn *nats.Conn, timeout time.Duration, logger *slog.Logger) *NarrativeClient {
	return &NarrativeClient{natsConn: natsConn, timeout: timeout, logger: logger}
}

// Request fetches a narrative for the risk. Returns an empty string without
// error when the responder is absent or slow.
func (c *NarrativeClient) Request(ctx context.Context, risk model.Risk) (string, error) {
	if c.natsConn == nil || !c.natsConn.IsConnected() {
		return "", nil
	}

	payload, err := json.Marshal(narrativeRequest{
		RiskID:     risk.ID,
		ServiceID:  risk.ServiceID,
		Title:      risk.Title,
		Score:      risk.CompositeScore,
		Band:       risk.Band,
		TopFactors: risk.TopFactors,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal narrative request: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	msg, err := c.natsConn.RequestWithContext(reqCtx, SubjectNarrativeRequest, payload)
	if err != nil {
		// No responders or timeout: the score stands on its own.
		c.logger.Debug("Narrative request unanswered",
			"risk_id", risk.ID, "error", err)
		return "", nil
	}

	var reply narrativeReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return "", fmt.Errorf("failed to parse narrative reply: %w", err)
	}
	return reply.Narrative, nil
}
