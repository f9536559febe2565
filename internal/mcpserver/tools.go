package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the riskdesk MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var riskTypeEnum = mcp.Enum("trading", "lending_borrowing", "protocol_security", "liquidity_concentration")

var ToolListRiskTypes = mcp.NewTool("list_risk_types",
	mcp.WithDescription(
		"List the four crypto risk assessments the desk can run, with their input fields and the "+
			"preset values used when no input is given. Call this before run_assessment to learn the inputs."),
)

var ToolRunAssessment = mcp.NewTool("run_assessment",
	mcp.WithDescription(
		"Start a paid risk assessment. The desk submits the job to the risk agent, purchases it on "+
			"Cardano and then polls every two minutes until the result is ready, so results take minutes. "+
			"Only one run per risk type can be in flight. Use get_assessment to follow progress."),
	mcp.WithString("risk_type",
		mcp.Required(),
		mcp.Description("Which assessment to run"),
		riskTypeEnum),
	mcp.WithObject("input",
		mcp.Description("Input fields, e.g. {\"token_symbol\": \"ADA\", \"time_period\": \"6 months\"}. Omit to use the presets.")),
)

var ToolGetAssessment = mcp.NewTool("get_assessment",
	mcp.WithDescription(
		"Show the current state of an assessment: idle, submitting, awaiting payment, polling, completed "+
			"or error, with the result or the error message. Without risk_type all four are shown."),
	mcp.WithString("risk_type",
		mcp.Description("Limit to one assessment"),
		riskTypeEnum),
)

var ToolGetLatestResult = mcp.NewTool("get_latest_result",
	mcp.WithDescription(
		"Get the most recently completed assessment result with its risk score and detailed write-up."),
)

var ToolListRuns = mcp.NewTool("list_runs",
	mcp.WithDescription("List past runs of one assessment, newest first."),
	mcp.WithString("risk_type",
		mcp.Required(),
		mcp.Description("Which assessment's history to list"),
		riskTypeEnum),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of runs to return (default 10, max 100)")),
)
