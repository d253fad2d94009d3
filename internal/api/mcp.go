package api

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/recallos/recall/internal/memstore"
	"github.com/recallos/recall/internal/storage"
)

// MCPSearcher abstracts the manager's read surface for the MCP layer.
type MCPSearcher interface {
	Search(ctx context.Context, req memstore.SearchRequest) ([]memstore.SearchResult, error)
	Stats(ctx context.Context) (*memstore.Stats, error)
}

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Manager MCPSearcher
}

// NewMCPServer creates an MCP server exposing the retrieval surface to a
// local LLM client.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"recall",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions("recall — local personal memory store; search ingested browsing, clipboard, calendar, email, document, and screenshot history."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("recall_search",
			mcp.WithDescription("Semantically search the personal memory store and return ranked items with the matching chunk."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 5)")),
			mcp.WithString("modality", mcp.Description("text, visual, or both (default text)")),
			mcp.WithString("source", mcp.Description("Restrict to one source (browser, clipboard, gmail, ...)")),
		),
		mcpSearch(deps),
	)

	s.AddTool(
		mcp.NewTool("memory_stats",
			mcp.WithDescription("Report item, chunk, and vector counts in the memory store."),
		),
		mcpStats(deps),
	)

	return s
}

func mcpSearch(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		limit := req.GetInt("limit", 5)
		if limit <= 0 {
			limit = 5
		}

		modality := memstore.SearchModality(req.GetString("modality", string(memstore.SearchText)))

		results, err := deps.Manager.Search(ctx, memstore.SearchRequest{
			Query:    query,
			TopK:     limit,
			Modality: modality,
			Filter:   storage.Filter{Source: storage.Source(req.GetString("source", ""))},
		})
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}
		if len(results) == 0 {
			return mcpText("No matching memories found."), nil
		}

		var b strings.Builder
		for i, res := range results {
			payload := res.Chunk.Text
			if payload == "" {
				payload = res.Chunk.FrameRef
			}
			fmt.Fprintf(&b, "%d. [%s/%s] (score %.3f) %s\n   %s\n",
				i+1, res.Item.ContentType, res.Item.Source, res.Score, res.Item.Preview, payload)
		}
		return mcpText(b.String()), nil
	}
}

func mcpStats(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		stats, err := deps.Manager.Stats(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("stats failed: %v", err)), nil
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
