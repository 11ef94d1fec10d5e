package server

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/bebsworthy/sidecar/internal/buffer"
)

// Tool names exposed over MCP
const (
	ToolStatus = "sidecar_status"
	ToolLogs   = "sidecar_logs"
)

// MCPServer exposes the supervisor's status and history as MCP tools over stdio
type MCPServer struct {
	source    Source
	mcpServer *server.MCPServer
}

// NewMCPServer creates an MCP server backed by source
func NewMCPServer(source Source, version string) *MCPServer {
	mcpServer := server.NewMCPServer(
		"sidecar",
		version,
		server.WithToolCapabilities(true),
	)

	s := &MCPServer{
		source:    source,
		mcpServer: mcpServer,
	}
	s.registerTools()
	return s
}

func (s *MCPServer) registerTools() {
	s.mcpServer.AddTool(
		mcp.NewTool(ToolStatus,
			mcp.WithDescription("Report the supervised sidecar's state, PID, exit status and relay counters"),
		),
		s.handleStatus,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(ToolLogs,
			mcp.WithDescription("Get recent lines relayed from the sidecar"),
			mcp.WithNumber("lines",
				mcp.Description("Number of lines to return"),
			),
			mcp.WithString("since",
				mcp.Description("RFC3339 timestamp"),
			),
			mcp.WithString("stream",
				mcp.Description("Stream type filter"),
				mcp.Enum("stdout", "stderr", "both"),
			),
			mcp.WithString("pattern",
				mcp.Description("Regex pattern to filter lines"),
			),
		),
		s.handleLogs,
	)
}

// Serve runs the MCP protocol on stdin/stdout until stdin closes
func (s *MCPServer) Serve() error {
	return server.ServeStdio(s.mcpServer)
}

func (s *MCPServer) handleStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(s.source.Health())
}

func (s *MCPServer) handleLogs(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	opts := buffer.GetOptions{Lines: 100}

	if lines, ok := args["lines"]; ok {
		linesFloat, ok := lines.(float64)
		if !ok || linesFloat < 0 {
			return nil, fmt.Errorf("lines must be a non-negative number")
		}
		opts.Lines = int(linesFloat)
	}

	if since, ok := args["since"]; ok {
		sinceStr, ok := since.(string)
		if !ok {
			return nil, fmt.Errorf("since must be a string")
		}
		t, err := time.Parse(time.RFC3339, sinceStr)
		if err != nil {
			return nil, fmt.Errorf("invalid since timestamp: %w", err)
		}
		opts.Since = t
	}

	if stream, ok := args["stream"]; ok {
		if streamStr, ok := stream.(string); ok {
			opts.Stream = streamStr
		}
	}

	if pattern, ok := args["pattern"]; ok {
		if patternStr, ok := pattern.(string); ok {
			opts.Pattern = patternStr
		}
	}

	resp, err := queryLogs(s.source, opts)
	if err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	return jsonResult(resp)
}

func jsonResult(v interface{}) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal response: %w", err)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: string(data),
			},
		},
	}, nil
}
