package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/isdmx/starbox/config"
	"github.com/isdmx/starbox/sandbox"
	"github.com/isdmx/starbox/workspace"
)

// MCPServer represents the MCP server
type MCPServer struct {
	config    *config.Config
	logger    *zap.Logger
	policy    *sandbox.Policy
	runner    sandbox.Runner
	workspace *workspace.Manager
	mcpServer *server.MCPServer
}

// New creates a new MCPServer
func New(cfg *config.Config, logger *zap.Logger, policy *sandbox.Policy, runner sandbox.Runner, ws *workspace.Manager) (*MCPServer, error) {
	s := &MCPServer{
		config:    cfg,
		logger:    logger,
		policy:    policy,
		runner:    runner,
		workspace: ws,
	}

	// Log configuration parameters on startup
	logger.Info("configuration loaded",
		zap.String("server.transport", s.config.Server.Transport),
		zap.Int("server.http_port", s.config.Server.HTTPPort),
		zap.String("sandbox.backend", s.config.Sandbox.Backend),
		zap.Int("sandbox.timeout_sec", s.config.Sandbox.TimeoutSec),
		zap.Int("sandbox.memory_mb", s.config.Sandbox.MemoryMB),
		zap.Int("sandbox.max_output_kb", s.config.Sandbox.MaxOutputKB),
		zap.Strings("sandbox.allowed_modules", policy.AllowedModules()),
		zap.String("workspace.runs_dir", s.config.Workspace.RunsDir),
	)

	// Create the MCP server
	s.mcpServer = server.NewMCPServer("starbox", "A restricted code-execution sandbox server")

	s.registerExecuteCodeTool()
	s.registerValidateCodeTool()
	s.registerCreateRunTool()

	return s, nil
}

// registerExecuteCodeTool registers the execute_code tool
func (s *MCPServer) registerExecuteCodeTool() {
	tool := mcp.Tool{
		Name:        "execute_code",
		Description: "Execute Starlark code in a restricted sandbox and return stdout, stderr, and rendered figures",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"source": map[string]any{
					"type":        "string",
					"description": "Starlark source code to execute",
				},
				"timeout_seconds": map[string]any{
					"type":        "number",
					"description": "Execution timeout in seconds; honored only if smaller than the configured limit (optional)",
				},
				"run_id": map[string]any{
					"type":        "string",
					"description": "Workspace run to persist the source and figures under (optional)",
				},
			},
			Required: []string{"source"},
		},
	}

	s.mcpServer.AddTool(tool, s.handleExecuteCode)
}

// registerValidateCodeTool registers the validate_code tool
func (s *MCPServer) registerValidateCodeTool() {
	tool := mcp.Tool{
		Name:        "validate_code",
		Description: "Statically validate Starlark code against the sandbox policy without executing it",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"source": map[string]any{
					"type":        "string",
					"description": "Starlark source code to validate",
				},
			},
			Required: []string{"source"},
		},
	}

	s.mcpServer.AddTool(tool, s.handleValidateCode)
}

// registerCreateRunTool registers the create_run tool
func (s *MCPServer) registerCreateRunTool() {
	tool := mcp.Tool{
		Name:        "create_run",
		Description: "Create a workspace run directory for persisting execution artifacts",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"name": map[string]any{
					"type":        "string",
					"description": "Human-readable run name",
				},
				"metadata": map[string]any{
					"type":        "object",
					"description": "Arbitrary metadata stored in the run's metadata.json (optional)",
				},
			},
			Required: []string{"name"},
		},
	}

	s.mcpServer.AddTool(tool, s.handleCreateRun)
}

// handleExecuteCode handles the execute_code tool. Every property of the
// executed code comes back as data in the response payload; only a failure
// of the sandbox itself is reported as a tool error.
func (s *MCPServer) handleExecuteCode(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	source, err := request.RequireString("source")
	if err != nil {
		return nil, fmt.Errorf("source parameter is required: %w", err)
	}

	timeoutSeconds := request.GetFloat("timeout_seconds", 0)
	runID := request.GetString("run_id", "")

	s.logger.Info("code execution requested",
		zap.Int("source_len", len(source)),
		zap.Float64("timeout_seconds", timeoutSeconds),
		zap.String("run_id", runID))

	outcome, err := s.runner.Run(ctx, sandbox.Request{
		Source:  source,
		Timeout: time.Duration(timeoutSeconds * float64(time.Second)),
	})
	if err != nil {
		// The sandbox itself is broken; this is not an execution outcome.
		s.logger.Error("sandbox system failure", zap.Error(err))
		return &mcp.CallToolResult{
			Content: []mcp.Content{
				mcp.TextContent{
					Type: "text",
					Text: fmt.Sprintf("sandbox failure: %v", err),
				},
			},
			IsError: true,
		}, nil
	}

	response := sandbox.Assemble(outcome)

	s.logger.Info("code execution finished",
		zap.String("status", string(response.Status)),
		zap.Int64("duration_ms", response.DurationMS),
		zap.Int("figures", len(response.Figures)),
		zap.Int("findings", len(response.Findings)))

	if runID != "" {
		s.persistRun(runID, source, outcome)
	}

	return textResult(response)
}

// handleValidateCode handles the validate_code tool
func (s *MCPServer) handleValidateCode(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	source, err := request.RequireString("source")
	if err != nil {
		return nil, fmt.Errorf("source parameter is required: %w", err)
	}

	findings := sandbox.Validate(source, s.policy)
	s.logger.Info("code validation requested", zap.Int("findings", len(findings)))

	var response sandbox.Response
	if len(findings) > 0 {
		response = sandbox.Assemble(sandbox.NewRejected(findings))
	} else {
		response = sandbox.Assemble(sandbox.NewCompleted("", "", nil, 0))
	}
	return textResult(response)
}

// handleCreateRun handles the create_run tool
func (s *MCPServer) handleCreateRun(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := request.RequireString("name")
	if err != nil {
		return nil, fmt.Errorf("name parameter is required: %w", err)
	}

	metadata, _ := request.GetArguments()["metadata"].(map[string]any)

	info, err := s.workspace.CreateRun(name, metadata)
	if err != nil {
		s.logger.Error("run creation failed", zap.Error(err), zap.String("name", name))
		return &mcp.CallToolResult{
			Content: []mcp.Content{
				mcp.TextContent{
					Type: "text",
					Text: fmt.Sprintf("run creation failed: %v", err),
				},
			},
			IsError: true,
		}, nil
	}

	return textResult(info)
}

// persistRun hands the executed source and rendered figures to the
// workspace. Persistence problems are logged, never folded into the
// execution result.
func (s *MCPServer) persistRun(runID, source string, outcome sandbox.Outcome) {
	if _, err := s.workspace.SaveSource(runID, source); err != nil {
		s.logger.Warn("source persistence failed", zap.Error(err), zap.String("run_id", runID))
	}
	if len(outcome.Figures) > 0 {
		if _, err := s.workspace.SaveFigures(runID, outcome.Figures); err != nil {
			s.logger.Warn("figure persistence failed", zap.Error(err), zap.String("run_id", runID))
		}
	}
}

func textResult(payload any) (*mcp.CallToolResult, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: string(encoded),
			},
		},
	}, nil
}

// ServeStdio starts the server on stdio
func (s *MCPServer) ServeStdio() error {
	s.logger.Info("starting MCP server on stdio")
	return server.ServeStdio(s.mcpServer)
}

// ServeHTTP starts the server on HTTP
func (s *MCPServer) ServeHTTP() error {
	port := s.config.Server.HTTPPort
	s.logger.Info("starting MCP server on HTTP", zap.Int("port", port))

	httpServer := server.NewStreamableHTTPServer(s.mcpServer)
	return httpServer.Start(fmt.Sprintf(":%d", port))
}

// GetMCPServer returns the underlying MCP server for fx
func (s *MCPServer) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}
