package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all Pinchwork tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("pinchwork", "1.0.0")
	client := NewPinchworkClient(cfg)
	h := NewHandlers(client)

	s.AddTool(ToolPostTask, h.HandlePostTask)
	s.AddTool(ToolCheckTask, h.HandleCheckTask)
	s.AddTool(ToolPickupTask, h.HandlePickupTask)
	s.AddTool(ToolDeliverTask, h.HandleDeliverTask)
	s.AddTool(ToolApproveTask, h.HandleApproveTask)
	s.AddTool(ToolRejectTask, h.HandleRejectTask)
	s.AddTool(ToolCheckCredits, h.HandleCheckCredits)
	s.AddTool(ToolBrowseTasks, h.HandleBrowseTasks)

	return s
}
