package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mbd888/riskdesk/pkg/riskdesk"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *riskdesk.Client
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *riskdesk.Client) *Handlers {
	return &Handlers{client: client}
}

// HandleListRiskTypes describes the available assessments.
func (h *Handlers) HandleListRiskTypes(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	types, err := h.client.RiskTypes(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list risk types: %v", err)), nil
	}
	return mcp.NewToolResultText(formatRiskTypes(types)), nil
}

// HandleRunAssessment starts a run.
func (h *Handlers) HandleRunAssessment(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	riskType := req.GetString("risk_type", "")
	if riskType == "" {
		return mcp.NewToolResultError("risk_type is required"), nil
	}

	var input map[string]any
	if raw := req.GetArguments()["input"]; raw != nil {
		m, ok := raw.(map[string]any)
		if !ok {
			return mcp.NewToolResultError("input must be an object"), nil
		}
		input = m
	}

	a, err := h.client.Start(ctx, riskType, input)
	if err != nil {
		var apiErr *riskdesk.APIError
		switch {
		case riskdesk.IsInFlight(err) && errors.As(err, &apiErr) && apiErr.Assessment != nil:
			return mcp.NewToolResultError("An assessment of this type is already running.\n\n" +
				formatAssessment(apiErr.Assessment)), nil
		case errors.As(err, &apiErr) && len(apiErr.Details) > 0:
			var sb strings.Builder
			sb.WriteString("Input rejected:\n")
			for _, d := range apiErr.Details {
				fmt.Fprintf(&sb, "  %s: %s\n", d.Field, d.Message)
			}
			return mcp.NewToolResultError(sb.String()), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("Failed to start assessment: %v", err)), nil
	}

	return mcp.NewToolResultText("Assessment started. Results usually take several minutes; " +
		"check back with get_assessment.\n\n" + formatAssessment(a)), nil
}

// HandleGetAssessment shows one or all workflows.
func (h *Handlers) HandleGetAssessment(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if riskType := req.GetString("risk_type", ""); riskType != "" {
		a, err := h.client.Assessment(ctx, riskType)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to get assessment: %v", err)), nil
		}
		return mcp.NewToolResultText(formatAssessment(a)), nil
	}

	all, err := h.client.Assessments(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get assessments: %v", err)), nil
	}
	parts := make([]string, 0, len(all))
	for i := range all {
		parts = append(parts, formatAssessment(&all[i]))
	}
	return mcp.NewToolResultText(strings.Join(parts, "\n")), nil
}

// HandleGetLatestResult returns the most recent completed result.
func (h *Handlers) HandleGetLatestResult(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	p, err := h.client.Latest(ctx)
	if err != nil {
		if riskdesk.IsNotFound(err) {
			return mcp.NewToolResultText("No assessment has completed yet."), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get latest result: %v", err)), nil
	}
	return mcp.NewToolResultText(formatPresentation(p)), nil
}

// HandleListRuns lists run history.
func (h *Handlers) HandleListRuns(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	riskType := req.GetString("risk_type", "")
	if riskType == "" {
		return mcp.NewToolResultError("risk_type is required"), nil
	}
	limit := req.GetInt("limit", 10)

	runs, err := h.client.Runs(ctx, riskType, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list runs: %v", err)), nil
	}
	return mcp.NewToolResultText(formatRuns(riskType, runs)), nil
}

// ============================================================
// Formatting
// ============================================================

func formatRiskTypes(types []riskdesk.RiskType) string {
	if len(types) == 0 {
		return "No risk types available."
	}
	var sb strings.Builder
	for i, t := range types {
		fmt.Fprintf(&sb, "%d. %s (%s)\n", i+1, t.Title, t.RiskType)
		for _, f := range t.Fields {
			req := ""
			if f.Required {
				req = ", required"
			}
			fmt.Fprintf(&sb, "   - %s (%s%s)", f.Name, f.Kind, req)
			if f.Description != "" {
				fmt.Fprintf(&sb, ": %s", f.Description)
			}
			if v, ok := t.Preset[f.Name]; ok {
				fmt.Fprintf(&sb, " [preset: %v]", v)
			}
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

func formatAssessment(a *riskdesk.Assessment) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s: %s\n", a.RiskType, stateLabel(a.State))
	if a.JobID != "" {
		fmt.Fprintf(&sb, "  Job: %s\n", a.JobID)
	}
	if a.JobStatus != nil {
		fmt.Fprintf(&sb, "  Agent status: %s (payment %s)\n", a.JobStatus.Status, a.JobStatus.PaymentStatus)
	}
	if a.PollCount > 0 {
		fmt.Fprintf(&sb, "  Polls: %d\n", a.PollCount)
	}
	if a.Error != "" {
		fmt.Fprintf(&sb, "  Error: %s\n", a.Error)
	}
	if a.Result != nil {
		sb.WriteString(formatResult(a.Result))
	}
	return sb.String()
}

func formatPresentation(p *riskdesk.Presentation) string {
	return fmt.Sprintf("Latest result (%s):\n%s", p.Type, formatResult(&p.Data))
}

func formatResult(r *riskdesk.Result) string {
	var sb strings.Builder
	if r.RiskScoreRaw != nil {
		fmt.Fprintf(&sb, "  Score: %.0f", *r.RiskScoreRaw)
		if r.Band != "" {
			fmt.Fprintf(&sb, " (%s)", r.Band)
		}
		sb.WriteString("\n")
	}
	if r.RiskScorePercentage != "" {
		fmt.Fprintf(&sb, "  Rating: %s\n", r.RiskScorePercentage)
	}
	if len(r.InputData) > 0 {
		keys := make([]string, 0, len(r.InputData))
		for k := range r.InputData {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteString("  Input:")
		for _, k := range keys {
			fmt.Fprintf(&sb, " %s=%v", k, r.InputData[k])
		}
		sb.WriteString("\n")
	}
	if r.DetailedAssessment != "" {
		fmt.Fprintf(&sb, "\n%s\n", r.DetailedAssessment)
	} else if len(r.Raw) > 0 && r.RiskScoreRaw == nil {
		fmt.Fprintf(&sb, "\n%s\n", formatJSON(r.Raw))
	}
	return sb.String()
}

func formatRuns(riskType string, runs []riskdesk.Run) string {
	if len(runs) == 0 {
		return fmt.Sprintf("No %s runs yet.", riskType)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d %s run(s):\n\n", len(runs), riskType)
	for i, r := range runs {
		fmt.Fprintf(&sb, "%d. %s  %s  %s", i+1, r.StartedAt.Format("2006-01-02 15:04"), stateLabel(r.State), r.ID)
		switch {
		case r.Result != nil && r.Result.RiskScoreRaw != nil:
			fmt.Fprintf(&sb, "  score %.0f", *r.Result.RiskScoreRaw)
		case r.Error != "":
			fmt.Fprintf(&sb, "  %s", r.Error)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func stateLabel(state string) string {
	switch state {
	case riskdesk.StateAwaitingPaymentConfirmation:
		return "awaiting payment"
	case "":
		return "unknown"
	}
	return state
}

func formatJSON(raw json.RawMessage) string {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		return string(raw)
	}
	return pretty.String()
}
