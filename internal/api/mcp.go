package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/testbrain/testbrain/internal/chunker"
	"github.com/testbrain/testbrain/internal/retrieval"
)

// MCPRetriever abstracts semantic search for the MCP layer.
type MCPRetriever interface {
	Retrieve(ctx context.Context, query string, topK int) ([]retrieval.ContextChunk, error)
}

// MCPGenerator abstracts the two generation operations for the MCP layer.
type MCPGenerator interface {
	TestCases(ctx context.Context, query string, topK int) (TestCaseArtifact, error)
	Script(ctx context.Context, testCase string, topK int) (ScriptArtifact, error)
}

// TestCaseArtifact and ScriptArtifact mirror the orchestrator's result
// types; the indirection keeps this package's MCP surface independent of the
// orchestrator's concrete structs.
type TestCaseArtifact struct {
	Table string
	Cases int
}

type ScriptArtifact struct {
	Script     string
	MarkupName string
}

// MCPIngester abstracts knowledge-base mutation for the MCP layer.
type MCPIngester interface {
	IngestDocument(ctx context.Context, doc chunker.Document) (chunks int, err error)
	ResetKB(ctx context.Context) error
	IndexedCount() (int, error)
}

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Retriever MCPRetriever
	Generator MCPGenerator
	Ingester  MCPIngester
	TopK      int
}

// NewMCPServer creates an MCP server exposing the knowledge base and both
// generation operations as tools.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"testbrain",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions("testbrain: grounded QA artifact generation over an ingested project knowledge base."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("kb_add",
			mcp.WithDescription("Add a document to the knowledge base. Content is chunked, embedded, and indexed."),
			mcp.WithString("name", mcp.Description("Source name, e.g. promotions.md"), mcp.Required()),
			mcp.WithString("content", mcp.Description("Document text"), mcp.Required()),
		),
		mcpKBAdd(deps),
	)

	s.AddTool(
		mcp.NewTool("kb_search",
			mcp.WithDescription("Semantically search the knowledge base and return the most relevant chunks."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results")),
		),
		mcpKBSearch(deps),
	)

	s.AddTool(
		mcp.NewTool("kb_reset",
			mcp.WithDescription("Clear the knowledge base: all indexed chunks and the stored checkout markup."),
		),
		mcpKBReset(deps),
	)

	s.AddTool(
		mcp.NewTool("generate_test_cases",
			mcp.WithDescription("Generate a grounded test-case table for a feature described in the knowledge base."),
			mcp.WithString("query", mcp.Description("Feature or behavior under test"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Context chunks to retrieve")),
		),
		mcpGenerateTestCases(deps),
	)

	s.AddTool(
		mcp.NewTool("generate_script",
			mcp.WithDescription("Generate a browser automation script for a test case, grounded in the knowledge base and the stored checkout page."),
			mcp.WithString("test_case", mcp.Description("Test case description"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Context chunks to retrieve")),
		),
		mcpGenerateScript(deps),
	)

	return s
}

func mcpKBAdd(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		name, err := req.RequireString("name")
		if err != nil {
			return mcpError("name is required"), nil
		}
		content, err := req.RequireString("content")
		if err != nil {
			return mcpError("content is required"), nil
		}

		doc := chunker.Document{
			Source:  name,
			Format:  chunker.FormatForFile(name),
			Content: []byte(content),
		}
		chunks, err := deps.Ingester.IngestDocument(ctx, doc)
		if err != nil {
			return mcpError(fmt.Sprintf("ingest failed: %v", err)), nil
		}

		return mcpText(fmt.Sprintf("Indexed %s: %d chunks", name, chunks)), nil
	}
}

func mcpKBSearch(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		limit := req.GetInt("limit", deps.TopK)
		if limit <= 0 {
			limit = deps.TopK
		}
		if limit > 50 {
			limit = 50
		}

		chunks, err := deps.Retriever.Retrieve(ctx, query, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}
		if len(chunks) == 0 {
			return mcpText("[]"), nil
		}

		b, err := json.Marshal(chunks)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpKBReset(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		before, err := deps.Ingester.IndexedCount()
		if err != nil {
			return mcpError(fmt.Sprintf("reset failed: %v", err)), nil
		}
		if err := deps.Ingester.ResetKB(ctx); err != nil {
			return mcpError(fmt.Sprintf("reset failed: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Knowledge base cleared at %s (%d entries removed)", time.Now().UTC().Format(time.RFC3339), before)), nil
	}
}

func mcpGenerateTestCases(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}
		limit := req.GetInt("limit", deps.TopK)

		artifact, err := deps.Generator.TestCases(ctx, query, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("generation failed: %v", err)), nil
		}
		return mcpText(artifact.Table), nil
	}
}

func mcpGenerateScript(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		testCase, err := req.RequireString("test_case")
		if err != nil {
			return mcpError("test_case is required"), nil
		}
		limit := req.GetInt("limit", deps.TopK)

		artifact, err := deps.Generator.Script(ctx, testCase, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("generation failed: %v", err)), nil
		}
		return mcpText(artifact.Script), nil
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
