package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the txrisk MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolAssessTransaction = mcp.NewTool("assess_transaction",
	mcp.WithDescription(
		"Score a proposed transaction for fraud and anomaly risk before it is sent. "+
			"Returns an anomaly score from 0 to 100, a risk level (low, medium, high, critical), "+
			"the indicators that fired, and recommended actions. "+
			"Use this before moving funds to an unfamiliar recipient."),
	mcp.WithString("sender",
		mcp.Required(),
		mcp.Description("Sending address or account identifier")),
	mcp.WithString("recipient",
		mcp.Required(),
		mcp.Description("Receiving address or account identifier")),
	mcp.WithNumber("amount_usd",
		mcp.Required(),
		mcp.Description("Transaction amount in USD (e.g. 250.00)")),
	mcp.WithString("user_id",
		mcp.Description("User whose history the transaction is compared against. Defaults to the sender.")),
	mcp.WithNumber("recipient_risk_score",
		mcp.Description("Known risk score of the recipient from 0 to 100, if any")),
	mcp.WithNumber("kyc_level",
		mcp.Description("KYC level of the user: 0 (none) to 3 (full)")),
	mcp.WithBoolean("cross_chain",
		mcp.Description("Whether the transaction crosses chains or networks")),
	mcp.WithBoolean("record",
		mcp.Description("Also append the transaction to the user's history after scoring")),
)

var ToolListAssessments = mcp.NewTool("list_assessments",
	mcp.WithDescription(
		"List the most recent risk assessments for a user, newest first. "+
			"Use this to see how a user's risk has trended."),
	mcp.WithString("user_id",
		mcp.Required(),
		mcp.Description("User identifier")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of assessments to return (default 10, max 500)")),
)

var ToolGetUserHistory = mcp.NewTool("get_user_history",
	mcp.WithDescription(
		"Get the transaction history the risk engine holds for a user: "+
			"recent transactions, distinct recipients, account age, and total volume."),
	mcp.WithString("user_id",
		mcp.Required(),
		mcp.Description("User identifier")),
)

var ToolRecordTransaction = mcp.NewTool("record_transaction",
	mcp.WithDescription(
		"Record a completed transaction in a user's history so future assessments "+
			"compare against it. Does not score the transaction."),
	mcp.WithString("user_id",
		mcp.Required(),
		mcp.Description("User identifier")),
	mcp.WithString("recipient",
		mcp.Required(),
		mcp.Description("Receiving address or account identifier")),
	mcp.WithNumber("amount_usd",
		mcp.Required(),
		mcp.Description("Transaction amount in USD")),
)

var ToolEngineInfo = mcp.NewTool("engine_info",
	mcp.WithDescription(
		"Show which strategy each analyzer in the risk engine is running with "+
			"(external model or built-in rules)."),
)
