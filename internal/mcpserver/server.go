// Package mcpserver exposes the enforcement surface over the Model Context
// Protocol on stdio, for hosts that integrate via MCP instead of the local
// HTTP endpoint.
package mcpserver

import (
	"context"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/wardenlabs/warden/internal/runtime"
)

// CheckInput defines parameters for the warden_check tool.
type CheckInput struct {
	Tool       string `json:"tool" jsonschema:"tool name the agent wants to invoke"`
	AgentID    string `json:"agent_id,omitempty" jsonschema:"calling agent identifier"`
	SessionKey string `json:"session_key,omitempty" jsonschema:"agent session key"`
}

// CheckOutput contains the policy verdict.
type CheckOutput struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`
}

// ReportInput defines parameters for the warden_report tool.
type ReportInput struct {
	Tool       string         `json:"tool" jsonschema:"tool name that was executed"`
	Outcome    string         `json:"outcome" jsonschema:"execution outcome (success/error)"`
	AgentID    string         `json:"agent_id,omitempty" jsonschema:"calling agent identifier"`
	SessionKey string         `json:"session_key,omitempty" jsonschema:"agent session key"`
	Metadata   map[string]any `json:"metadata,omitempty" jsonschema:"extra outcome details"`
}

// ReportOutput confirms the report was recorded.
type ReportOutput struct {
	Recorded bool `json:"recorded"`
}

// StatusInput is empty — no parameters needed.
type StatusInput struct{}

// Server wraps the MCP SDK server around the orchestrator.
type Server struct {
	mcpServer *mcpsdk.Server
	orch      *runtime.Orchestrator
	logger    *zap.Logger
}

// New creates an MCP server exposing the check, report, and status tools.
func New(orch *runtime.Orchestrator, version string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		orch:   orch,
		logger: logger.Named("mcp"),
	}

	s.mcpServer = mcpsdk.NewServer(
		&mcpsdk.Implementation{
			Name:    "warden",
			Version: version,
		},
		nil,
	)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "warden_check",
		Description: "Check whether a tool call is permitted by the organization's policy. Must be called before executing any tool.",
	}, s.handleCheck)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "warden_report",
		Description: "Report the outcome of a tool call that was previously permitted.",
	}, s.handleReport)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "warden_status",
		Description: "Show the sidecar's connection state, policy version, and kill-switch status.",
	}, s.handleStatus)

	return s
}

// Run serves MCP on stdio. Blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	return s.mcpServer.Run(ctx, &mcpsdk.StdioTransport{})
}

func (s *Server) handleCheck(ctx context.Context, req *mcpsdk.CallToolRequest, input CheckInput) (*mcpsdk.CallToolResult, CheckOutput, error) {
	verdict := s.orch.Decide(input.Tool, input.AgentID, input.SessionKey)
	return nil, CheckOutput{
		Allowed: verdict.Allowed,
		Reason:  verdict.Reason,
		Message: verdict.Message,
	}, nil
}

func (s *Server) handleReport(ctx context.Context, req *mcpsdk.CallToolRequest, input ReportInput) (*mcpsdk.CallToolResult, ReportOutput, error) {
	s.orch.RecordOutcome(input.Tool, input.AgentID, input.SessionKey, input.Outcome, input.Metadata)
	return nil, ReportOutput{Recorded: true}, nil
}

func (s *Server) handleStatus(ctx context.Context, req *mcpsdk.CallToolRequest, input StatusInput) (*mcpsdk.CallToolResult, runtime.Summary, error) {
	return nil, s.orch.Status(), nil
}
