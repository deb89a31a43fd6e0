// Package mcp exposes run management as MCP tools so agent clients can
// submit and inspect workflow runs over the Model Context Protocol.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"buildtriage/backend/internal/engine"
)

type Server struct {
	mcpServer *server.MCPServer
	runs      *engine.Manager
}

func NewServer(runs *engine.Manager) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer(
			"Build Triage",
			"1.0.0",
			server.WithToolCapabilities(true),
		),
		runs: runs,
	}

	s.registerTools()
	return s
}

func (s *Server) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcp.NewTool(
			"submit_run",
			mcp.WithDescription("Start a workflow run"),
			mcp.WithString("workflow_id", mcp.Required(), mcp.Description("The id of the workflow to run")),
			mcp.WithString("input", mcp.Description("JSON object seeding the run context")),
		),
		s.handleSubmitRun,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"run_status",
			mcp.WithDescription("Get the status of a run"),
			mcp.WithString("run_id", mcp.Required(), mcp.Description("The id of the run")),
		),
		s.handleRunStatus,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"run_history",
			mcp.WithDescription("Get the ordered step records of a run"),
			mcp.WithString("run_id", mcp.Required(), mcp.Description("The id of the run")),
		),
		s.handleRunHistory,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"cancel_run",
			mcp.WithDescription("Cancel a running run"),
			mcp.WithString("run_id", mcp.Required(), mcp.Description("The id of the run")),
		),
		s.handleCancelRun,
	)
}

func (s *Server) handleSubmitRun(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return mcp.NewToolResultError("Invalid arguments type"), nil
	}

	workflowID, ok := args["workflow_id"].(string)
	if !ok || workflowID == "" {
		return mcp.NewToolResultError("Missing required parameter: workflow_id"), nil
	}

	input := map[string]any{}
	if raw, ok := args["input"].(string); ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &input); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("input is not a JSON object: %v", err)), nil
		}
	}

	runID, err := s.runs.Submit(workflowID, input)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to submit run: %v", err)), nil
	}

	jsonBytes, _ := json.Marshal(map[string]string{"run_id": runID})
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

func (s *Server) handleRunStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, result := s.runIDArg(request)
	if result != nil {
		return result, nil
	}

	summary, err := s.runs.Status(runID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get status: %v", err)), nil
	}

	jsonBytes, _ := json.Marshal(summary)
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

func (s *Server) handleRunHistory(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, result := s.runIDArg(request)
	if result != nil {
		return result, nil
	}

	history, err := s.runs.History(runID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get history: %v", err)), nil
	}

	jsonBytes, _ := json.Marshal(history)
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

func (s *Server) handleCancelRun(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, result := s.runIDArg(request)
	if result != nil {
		return result, nil
	}

	err := s.runs.Cancel(runID)
	switch {
	case err == nil:
		return mcp.NewToolResultText("Cancellation requested"), nil
	case errors.Is(err, engine.ErrRunFinished):
		return mcp.NewToolResultError("Run already reached a terminal status"), nil
	default:
		return mcp.NewToolResultError(fmt.Sprintf("Failed to cancel: %v", err)), nil
	}
}

func (s *Server) runIDArg(request mcp.CallToolRequest) (string, *mcp.CallToolResult) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return "", mcp.NewToolResultError("Invalid arguments type")
	}
	runID, ok := args["run_id"].(string)
	if !ok || runID == "" {
		return "", mcp.NewToolResultError("Missing required parameter: run_id")
	}
	return runID, nil
}

func MountHTTPHandlers(mux *http.ServeMux, mcpServer *server.MCPServer) {
	// Use SSE server for /mcp/sse and /mcp/message endpoints
	sseServer := server.NewSSEServer(mcpServer, server.WithStaticBasePath("/mcp"))

	mux.HandleFunc("/mcp", func(w http.ResponseWriter, r *http.Request) {
		// Direct POST for tool calls
		if r.Method == http.MethodPost {
			sseServer.ServeHTTP(w, r)
			return
		}
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	})

	// SSE endpoints
	mux.HandleFunc("/mcp/sse", sseServer.ServeHTTP)
	mux.HandleFunc("/mcp/message", sseServer.ServeHTTP)
}
