package main

import (
	"fmt"
	"io"
	"strings"

	aqtable "github.com/aquasecurity/table"
	"github.com/fatih/color"

	"github.com/dynarisk/riskengine/internal/model"
	"github.com/dynarisk/riskengine/internal/policy"
)

const timeLayout = "2006-01-02 15:04:05"

// bandLabel colors the band for terminal output.
func bandLabel(band model.Band) string {
	switch band {
	case model.BandCritical:
		return color.New(color.FgRed, color.Bold).Sprint("CRITICAL")
	case model.BandHigh:
		return color.New(color.FgRed).Sprint("HIGH")
	case model.BandMedium:
		return color.New(color.FgYellow).Sprint("MEDIUM")
	case model.BandLow:
		return color.New(color.FgGreen).Sprint("LOW")
	default:
		return strings.ToUpper(string(band))
	}
}

func renderRisks(w io.Writer, risks []model.Risk) {
	if len(risks) == 0 {
		fmt.Fprintln(w, "No risks found.")
		return
	}

	t := aqtable.New(w)
	t.SetHeaders("ID", "Service", "Category", "Status", "Score", "Band", "Last Scored")
	for _, r := range risks {
		t.AddRow(
			shortID(r.ID),
			r.ServiceID,
			string(r.Category),
			string(r.Status),
			fmt.Sprintf("%.1f", r.CompositeScore),
			bandLabel(r.Band),
			r.LastScoredAt.Format(timeLayout),
		)
	}
	t.Render()
}

func renderRiskDetail(w io.Writer, risk model.Risk, history []model.RiskScoreHistoryEntry) {
	fmt.Fprintf(w, "Risk:      %s\n", risk.ID)
	fmt.Fprintf(w, "Service:   %s\n", risk.ServiceID)
	fmt.Fprintf(w, "Title:     %s\n", risk.Title)
	fmt.Fprintf(w, "Category:  %s\n", risk.Category)
	fmt.Fprintf(w, "Status:    %s\n", risk.Status)
	fmt.Fprintf(w, "Score:     %.1f (%s), controls discount %.0f%%\n",
		risk.CompositeScore, bandLabel(risk.Band), risk.ControlsDiscount*100)
	fmt.Fprintf(w, "Policy:    v%d\n", risk.PolicyVersion)
	if risk.MergedIntoID != "" {
		fmt.Fprintf(w, "Merged into: %s\n", risk.MergedIntoID)
	}
	if risk.Narrative != "" {
		fmt.Fprintf(w, "Narrative: %s\n", risk.Narrative)
	}

	if len(risk.TopFactors) > 0 {
		fmt.Fprintln(w, "\nTop factors:")
		t := aqtable.New(w)
		t.SetHeaders("Factor", "Contribution", "Reason")
		for _, f := range risk.TopFactors {
			t.AddRow(f.Name, fmt.Sprintf("%.2f", f.Contribution), f.Reason)
		}
		t.Render()
	}

	if len(history) > 0 {
		fmt.Fprintln(w, "\nScore history:")
		t := aqtable.New(w)
		t.SetHeaders("When", "Old", "New", "Reason", "Policy")
		for _, h := range history {
			t.AddRow(
				h.CreatedAt.Format(timeLayout),
				fmt.Sprintf("%.1f", h.OldScore),
				fmt.Sprintf("%.1f", h.NewScore),
				h.ChangeReason,
				fmt.Sprintf("v%d", h.PolicyVersion),
			)
		}
		t.Render()
	}
}

func renderPolicy(w io.Writer, pol policy.Policy) {
	active := "no"
	if pol.IsActive {
		active = "yes"
	}
	fmt.Fprintf(w, "Tenant:  %s\n", pol.TenantID)
	fmt.Fprintf(w, "Version: %d (active: %s)\n", pol.Version, active)
	fmt.Fprintf(w, "Created: %s by %s\n\n", pol.CreatedAt.Format(timeLayout), pol.CreatedBy)

	weights := aqtable.New(w)
	weights.SetHeaders("Weight", "Value")
	weights.AddRow("likelihood", fmt.Sprintf("%.2f", pol.Weights.Likelihood))
	weights.AddRow("impact", fmt.Sprintf("%.2f", pol.Weights.Impact))
	weights.AddRow("confidence", fmt.Sprintf("%.2f", pol.Weights.Confidence))
	weights.AddRow("freshness", fmt.Sprintf("%.2f", pol.Weights.Freshness))
	weights.AddRow("evidence_quality", fmt.Sprintf("%.2f", pol.Weights.EvidenceQuality))
	weights.AddRow("svi", fmt.Sprintf("%.2f", pol.Weights.SVI))
	weights.AddRow("sei", fmt.Sprintf("%.2f", pol.Weights.SEI))
	weights.AddRow("bci", fmt.Sprintf("%.2f", pol.Weights.BCI))
	weights.AddRow("eri", fmt.Sprintf("%.2f", pol.Weights.ERI))
	weights.Render()

	fmt.Fprintf(w, "\nThresholds: auto-approve %.0f (conf >= %.2f), pending %.0f (conf >= %.2f), suppress < %.0f\n",
		pol.Thresholds.AutoApprove, pol.Thresholds.AutoApproveConfidenceMin,
		pol.Thresholds.Pending, pol.Thresholds.PendingConfidenceMin,
		pol.Thresholds.Suppress)
	fmt.Fprintf(w, "Bands: critical >= %.0f, high >= %.0f, medium >= %.0f\n",
		pol.Bands.Critical, pol.Bands.High, pol.Bands.Medium)
	fmt.Fprintf(w, "Discount cap: %.0f%% total\n", pol.DiscountCaps.Total*100)
	fmt.Fprintf(w, "Dedupe: similarity > %.2f within %.0fh\n",
		pol.Dedupe.SimilarityThreshold, pol.Dedupe.WindowHours)
	fmt.Fprintf(w, "Cascade strategy: %s\n", pol.Cascade.Strategy)
}

func renderAudit(w io.Writer, entries []model.PolicyAuditEntry) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "No audit entries.")
		return
	}

	t := aqtable.New(w)
	t.SetHeaders("When", "Version", "Action", "Actor", "Diff")
	for _, e := range entries {
		t.AddRow(
			e.CreatedAt.Format(timeLayout),
			fmt.Sprintf("v%d", e.Version),
			e.Action,
			e.Actor,
			e.Diff,
		)
	}
	t.Render()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
