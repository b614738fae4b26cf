package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/inboxd/internal/failure"
	"github.com/kalambet/inboxd/internal/storage"
)

// MCPDeps holds dependencies for the MCP diagnostics server.
type MCPDeps struct {
	Store *storage.Store
}

// NewMCPServer creates an MCP server exposing read-only error diagnostics.
// The LLM side of the mail pipeline uses these tools to inspect what has
// been failing before deciding how to proceed.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"inboxd",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions("inboxd: error audit log for the mail automation pipeline."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("recent_errors",
			mcp.WithDescription("List recent pipeline errors, newest first, optionally filtered by category or resolution state."),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 10)")),
			mcp.WithString("category", mcp.Description("Filter by category (imap, ai, validation, filesystem, database, network, configuration, parsing, integration, unknown)")),
			mcp.WithBoolean("unresolved_only", mcp.Description("Only return unresolved errors")),
		),
		mcpRecentErrors(deps),
	)

	s.AddTool(
		mcp.NewTool("get_error",
			mcp.WithDescription("Fetch one error record by ID or unique ID prefix, including its traceback and context."),
			mcp.WithString("id", mcp.Description("Record ID or prefix"), mcp.Required()),
		),
		mcpGetError(deps),
	)

	s.AddTool(
		mcp.NewTool("error_stats",
			mcp.WithDescription("Aggregate error counts by category, severity, and resolution state."),
		),
		mcpErrorStats(deps),
	)

	return s
}

func mcpRecentErrors(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := req.GetInt("limit", 10)
		if limit <= 0 {
			limit = 10
		}
		if limit > 100 {
			limit = 100
		}

		var filter storage.Filter
		if c := req.GetString("category", ""); c != "" {
			cat := failure.Category(c)
			if !cat.Valid() {
				return mcpError(fmt.Sprintf("unknown category %q", c)), nil
			}
			filter.Category = cat
		}
		if req.GetBool("unresolved_only", false) {
			resolved := false
			filter.Resolved = &resolved
		}

		records, err := deps.Store.GetRecentErrors(limit, filter)
		if err != nil {
			return mcpError(fmt.Sprintf("listing errors: %v", err)), nil
		}
		if len(records) == 0 {
			return mcpText("[]"), nil
		}

		// Tracebacks are noisy in a list; get_error returns them.
		type summary struct {
			ID       string `json:"id"`
			Time     string `json:"time"`
			Category string `json:"category"`
			Severity string `json:"severity"`
			Message  string `json:"message"`
			Resolved bool   `json:"resolved"`
		}
		out := make([]summary, len(records))
		for i, r := range records {
			out[i] = summary{
				ID:       r.ID,
				Time:     r.Timestamp.Format("2006-01-02 15:04:05"),
				Category: string(r.Category),
				Severity: string(r.Severity),
				Message:  r.ExceptionMessage,
				Resolved: r.Resolved,
			}
		}

		b, err := json.Marshal(out)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpGetError(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}

		rec, err := deps.Store.GetErrorByPrefix(id)
		switch err {
		case nil:
		case storage.ErrNotFound:
			return mcpError(fmt.Sprintf("no error record matches %q", id)), nil
		case storage.ErrAmbiguousID:
			return mcpError(fmt.Sprintf("%q matches more than one record", id)), nil
		default:
			return mcpError(fmt.Sprintf("loading error record: %v", err)), nil
		}

		b, err := json.Marshal(rec)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal record: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpErrorStats(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		stats, err := deps.Store.GetErrorStats()
		if err != nil {
			return mcpError(fmt.Sprintf("computing stats: %v", err)), nil
		}
		b, err := json.Marshal(stats)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal stats: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
