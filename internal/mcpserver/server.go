// Package mcpserver exposes the txrisk API as MCP tools so LLM agents can
// check a transaction before sending it.
package mcpserver

import (
	"log/slog"

	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all txrisk tools registered.
func NewMCPServer(cfg Config, version string, logger *slog.Logger) *server.MCPServer {
	s := server.NewMCPServer("txrisk", version)
	h := NewHandlers(NewClient(cfg, logger))

	s.AddTool(ToolAssessTransaction, h.HandleAssessTransaction)
	s.AddTool(ToolListAssessments, h.HandleListAssessments)
	s.AddTool(ToolGetUserHistory, h.HandleGetUserHistory)
	s.AddTool(ToolRecordTransaction, h.HandleRecordTransaction)
	s.AddTool(ToolEngineInfo, h.HandleEngineInfo)

	return s
}
