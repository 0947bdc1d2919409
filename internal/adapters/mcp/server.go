// Package mcp exposes guidance search to MCP clients over stdio.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kirillkom/guidance-retrieval/internal/core/domain"
	"github.com/kirillkom/guidance-retrieval/internal/core/ports"
)

const (
	Version        = "0.1.0"
	SearchToolName = "search_guidance"
	// ToolContext is passed to the classifier so that pattern files can pin
	// a route for MCP callers.
	ToolContext = "mcp.search_guidance"
)

var ErrMissingSearcher = errors.New("mcp: guidance searcher is required")

type Server struct {
	searcher ports.GuidanceSearcher
	server   *server.MCPServer
}

func NewServer(searcher ports.GuidanceSearcher) (*Server, error) {
	if searcher == nil {
		return nil, ErrMissingSearcher
	}
	s := &Server{
		searcher: searcher,
		server:   server.NewMCPServer("guidance-retrieval", Version, server.WithToolCapabilities(false)),
	}
	s.server.AddTool(searchTool(), s.handleSearch)
	return s, nil
}

// Run serves over stdio until stdin closes.
func (s *Server) Run() error {
	return server.ServeStdio(s.server)
}

func searchTool() mcp.Tool {
	return mcp.NewTool(SearchToolName,
		mcp.WithDescription("Search clinical guidance, formularies and regulatory policies. "+
			"Results carry provenance, a confidence score and any conflicts between sources."),
		mcp.WithString("query", mcp.Required(), mcp.Description("Free text or identifiers such as DINs, fee codes or ICD-10 codes")),
		mcp.WithArray("organization_filter", mcp.WithStringItems(), mcp.Description("Limit results to these organizations")),
		mcp.WithArray("document_type_filter", mcp.WithStringItems(), mcp.Description("Limit results to these document types")),
		mcp.WithString("entity_name", mcp.Description("Named entity to look up, e.g. a drug or procedure")),
		mcp.WithString("effective_after", mcp.Description("Only documents effective on or after this date (YYYY-MM-DD)")),
		mcp.WithString("effective_before", mcp.Description("Only documents effective on or before this date (YYYY-MM-DD)")),
		mcp.WithBoolean("include_superseded", mcp.Description("Include documents replaced by newer versions")),
		mcp.WithNumber("result_count", mcp.Description("Number of results to return (default 5)")),
	)
}

func (s *Server) handleSearch(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := request.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	req := domain.QueryRequest{
		Query:              query,
		ToolContext:        ToolContext,
		Hints:              domain.QueryHints{EntityName: request.GetString("entity_name", "")},
		OrganizationFilter: request.GetStringSlice("organization_filter", nil),
		DocumentTypeFilter: request.GetStringSlice("document_type_filter", nil),
		IncludeSuperseded:  request.GetBool("include_superseded", false),
		ResultCount:        request.GetInt("result_count", 0),
	}
	if req.EffectiveAfter, err = parseDate(request.GetString("effective_after", "")); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if req.EffectiveBefore, err = parseDate(request.GetString("effective_before", "")); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	resp, err := s.searcher.Search(ctx, req)
	if err != nil {
		// Caller mistakes and outages are reported to the model as tool
		// errors; the protocol call itself still succeeds.
		return mcp.NewToolResultError(err.Error()), nil
	}
	raw, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("marshal search response: %w", err)
	}
	return mcp.NewToolResultText(string(raw)), nil
}

func parseDate(value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	t, err := time.Parse(time.DateOnly, value)
	if err != nil {
		return nil, fmt.Errorf("invalid date %q, expected YYYY-MM-DD", value)
	}
	return &t, nil
}
