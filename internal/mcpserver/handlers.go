package mcpserver

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mbd888/txrisk/internal/risk"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *Client
	now    func() time.Time
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *Client) *Handlers {
	return &Handlers{client: client, now: time.Now}
}

// HandleAssessTransaction scores a transaction.
func (h *Handlers) HandleAssessTransaction(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sender := req.GetString("sender", "")
	recipient := req.GetString("recipient", "")
	if sender == "" || recipient == "" {
		return mcp.NewToolResultError("sender and recipient are required"), nil
	}
	amount := req.GetFloat("amount_usd", -1)
	if amount < 0 {
		return mcp.NewToolResultError("amount_usd must be a non-negative number"), nil
	}

	tx := risk.TransactionRecord{
		UserID:             req.GetString("user_id", ""),
		Sender:             sender,
		Recipient:          recipient,
		AmountUSD:          amount,
		RecipientRiskScore: req.GetFloat("recipient_risk_score", 0),
		KYCLevel:           req.GetInt("kyc_level", 0),
		CrossChain:         req.GetBool("cross_chain", false),
	}

	stored, err := h.client.AssessTransaction(ctx, tx, req.GetBool("record", false))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to assess transaction: %v", err)), nil
	}
	return mcp.NewToolResultText(formatAssessment(stored)), nil
}

// HandleListAssessments lists a user's recent assessments.
func (h *Handlers) HandleListAssessments(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID := req.GetString("user_id", "")
	if userID == "" {
		return mcp.NewToolResultError("user_id is required"), nil
	}

	list, err := h.client.ListAssessments(ctx, userID, req.GetInt("limit", 10))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list assessments: %v", err)), nil
	}
	if len(list) == 0 {
		return mcp.NewToolResultText(fmt.Sprintf("No assessments recorded for %s.", userID)), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d assessment(s) for %s:\n", len(list), userID)
	for _, a := range list {
		fmt.Fprintf(&b, "- %s  %s  score %d (%s)  %s → %s  $%.2f",
			a.EvaluatedAt.UTC().Format(time.RFC3339), a.ID,
			a.Assessment.AnomalyScore, a.Assessment.RiskLevel,
			a.Transaction.Sender, a.Transaction.Recipient, a.Transaction.AmountUSD)
		if a.Degraded {
			b.WriteString("  [degraded]")
		}
		b.WriteString("\n")
	}
	return mcp.NewToolResultText(b.String()), nil
}

// HandleGetUserHistory summarizes a user's history.
func (h *Handlers) HandleGetUserHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID := req.GetString("user_id", "")
	if userID == "" {
		return mcp.NewToolResultError("user_id is required"), nil
	}

	hist, err := h.client.GetHistory(ctx, userID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get history: %v", err)), nil
	}
	return mcp.NewToolResultText(formatHistory(userID, hist)), nil
}

// HandleRecordTransaction appends a transaction to a user's history.
func (h *Handlers) HandleRecordTransaction(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID := req.GetString("user_id", "")
	recipient := req.GetString("recipient", "")
	if userID == "" || recipient == "" {
		return mcp.NewToolResultError("user_id and recipient are required"), nil
	}
	amount := req.GetFloat("amount_usd", -1)
	if amount < 0 {
		return mcp.NewToolResultError("amount_usd must be a non-negative number"), nil
	}

	tx := risk.TxSummary{Recipient: recipient, AmountUSD: amount, Timestamp: h.now().UnixMilli()}
	if err := h.client.RecordTransaction(ctx, userID, tx); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to record transaction: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Recorded $%.2f to %s for %s.", amount, recipient, userID)), nil
}

// HandleEngineInfo lists analyzer strategies.
func (h *Handlers) HandleEngineInfo(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	strategies, err := h.client.Strategies(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get engine info: %v", err)), nil
	}

	names := make([]string, 0, len(strategies))
	for name := range strategies {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("Analyzer strategies:\n")
	for _, name := range names {
		fmt.Fprintf(&b, "- %s: %s\n", name, strategies[name])
	}
	return mcp.NewToolResultText(b.String()), nil
}

// --- Formatting ---

func formatAssessment(a *risk.StoredAssessment) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Risk assessment %s for %s\n", a.ID, a.UserID)
	fmt.Fprintf(&b, "Score: %d/100 (%s)\n", a.Assessment.AnomalyScore, a.Assessment.RiskLevel)
	fmt.Fprintf(&b, "Confidence: %.2f\n", a.Assessment.Confidence)
	if a.Degraded {
		b.WriteString("WARNING: scoring degraded, result is a safe default and needs manual review\n")
	}
	if len(a.Assessment.Indicators) > 0 {
		fmt.Fprintf(&b, "Indicators: %s\n", strings.Join(a.Assessment.Indicators, "; "))
	} else {
		b.WriteString("Indicators: none\n")
	}
	if len(a.Assessment.Recommendations) > 0 {
		b.WriteString("Recommendations:\n")
		for _, r := range a.Assessment.Recommendations {
			fmt.Fprintf(&b, "  - %s\n", r)
		}
	}
	if v := a.Compliance; v != nil {
		fmt.Fprintf(&b, "Compliance: %s\n", v.Status)
		for _, f := range v.Flags {
			fmt.Fprintf(&b, "  - [%s] %s\n", f.Severity, f.Description)
		}
	}
	return b.String()
}

func formatHistory(userID string, h *risk.UserHistory) string {
	if len(h.Transactions) == 0 {
		return fmt.Sprintf("No transactions recorded for %s.", userID)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "History for %s\n", userID)
	fmt.Fprintf(&b, "Transactions: %d  Distinct recipients: %d\n", len(h.Transactions), len(h.Recipients))
	fmt.Fprintf(&b, "Account age: %d day(s)  Total volume: $%.2f\n", h.AccountAge, h.TotalVolume)

	recent := h.Transactions
	if len(recent) > 5 {
		recent = recent[len(recent)-5:]
	}
	b.WriteString("Most recent:\n")
	for i := len(recent) - 1; i >= 0; i-- {
		tx := recent[i]
		fmt.Fprintf(&b, "  - %s  $%.2f → %s\n",
			time.UnixMilli(tx.Timestamp).UTC().Format(time.RFC3339), tx.AmountUSD, tx.Recipient)
	}
	return b.String()
}
