package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/riskdesk/pkg/riskdesk"
)

// Config holds the configuration for connecting to a riskdesk server.
type Config struct {
	APIURL string // Base URL, e.g. "http://localhost:8080"
}

// NewMCPServer creates a configured MCP server with all riskdesk tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("riskdesk", "0.1.0", server.WithToolCapabilities(false))
	h := NewHandlers(riskdesk.New(cfg.APIURL))

	s.AddTool(ToolListRiskTypes, h.HandleListRiskTypes)
	s.AddTool(ToolRunAssessment, h.HandleRunAssessment)
	s.AddTool(ToolGetAssessment, h.HandleGetAssessment)
	s.AddTool(ToolGetLatestResult, h.HandleGetLatestResult)
	s.AddTool(ToolListRuns, h.HandleListRuns)

	return s
}
