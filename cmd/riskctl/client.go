package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/dynarisk/riskengine/internal/model"
	"github.com/dynarisk/riskengine/internal/policy"
)

// Client talks to the riskd HTTP API.
type Client struct {
	baseURL string
	tenant  string
	http    *http.Client
}

// NewClient creates an API client.
func NewClient(baseURL, tenant string) *Client {
	return &Client{
		baseURL: baseURL,
		tenant:  tenant,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *Client) get(path string, query url.Values, out any) error {
	if query == nil {
		query = url.Values{}
	}
	if c.tenant != "" {
		query.Set("tenant_id", c.tenant)
	}
	u := c.baseURL + path
	if encoded := query.Encode(); encoded != "" {
		u += "?" + encoded
	}

	resp, err := c.http.Get(u)
	if err != nil {
		return fmt.Errorf("requesting %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s returned %d: %s", path, resp.StatusCode, string(body))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}

// ListRisks fetches risks matching the filters.
func (c *Client) ListRisks(serviceID, status, band string, limit int) ([]model.Risk, error) {
	query := url.Values{}
	if serviceID != "" {
		query.Set("service_id", serviceID)
	}
	if status != "" {
		query.Set("status", status)
	}
	if band != "" {
		query.Set("band", band)
	}
	if limit > 0 {
		query.Set("limit", fmt.Sprintf("%d", limit))
	}

	var out struct {
		Risks []model.Risk `json:"risks"`
	}
	if err := c.get("/risks", query, &out); err != nil {
		return nil, err
	}
	return out.Risks, nil
}

// GetRisk fetches one risk by ID.
func (c *Client) GetRisk(id string) (*model.Risk, error) {
	var risk model.Risk
	if err := c.get("/risks/"+id, nil, &risk); err != nil {
		return nil, err
	}
	return &risk, nil
}

// RiskHistory fetches the score history for a risk.
func (c *Client) RiskHistory(id string) ([]model.RiskScoreHistoryEntry, error) {
	var out struct {
		History []model.RiskScoreHistoryEntry `json:"history"`
	}
	if err := c.get("/risks/"+id+"/history", nil, &out); err != nil {
		return nil, err
	}
	return out.History, nil
}

// ActivePolicy fetches the tenant's active policy.
func (c *Client) ActivePolicy() (*policy.Policy, error) {
	var pol policy.Policy
	if err := c.get("/policies/active", nil, &pol); err != nil {
		return nil, err
	}
	return &pol, nil
}

// PolicyVersion fetches a specific policy version.
func (c *Client) PolicyVersion(version int) (*policy.Policy, error) {
	var pol policy.Policy
	if err := c.get(fmt.Sprintf("/policies/%d", version), nil, &pol); err != nil {
		return nil, err
	}
	return &pol, nil
}

// PolicyAudit fetches the tenant's policy audit trail.
func (c *Client) PolicyAudit() ([]model.PolicyAuditEntry, error) {
	var out struct {
		Audit []model.PolicyAuditEntry `json:"audit"`
	}
	if err := c.get("/policies/audit", nil, &out); err != nil {
		return nil, err
	}
	return out.Audit, nil
}
