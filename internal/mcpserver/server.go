// Package mcpserver exposes the archive's downstream queries as MCP tools
// over stdio.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/starford/lexarchive/internal/apperr"
	"github.com/starford/lexarchive/internal/catalog"
)

// Server wraps the MCP server with the archive tools.
type Server struct {
	mcp *server.MCPServer
	cat *catalog.Service
}

// New creates a server with every tool registered.
func New(cat *catalog.Service, version string) *Server {
	s := &Server{cat: cat}

	s.mcp = server.NewMCPServer(
		"lexarchive",
		version,
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	instrument := mcp.WithString("instrument_name", mcp.Required(), mcp.Description("Instrument external identifier, e.g. C-12"))
	fragment := mcp.WithString("fragment_code", mcp.Description("Fragment code, e.g. se:1; empty for every fragment of the instrument"))

	s.mcp.AddTool(mcp.NewTool(toolName(catalog.CurrentByFragment),
		mcp.WithDescription("Current extracted content pointer of a fragment: reference, sha256 and extraction time."),
		instrument, fragment,
	), s.query(catalog.CurrentByFragment))

	s.mcp.AddTool(mcp.NewTool(toolName(catalog.SnapshotsByFragment),
		mcp.WithDescription("Dated snapshots of a fragment, oldest first."),
		instrument, fragment,
	), s.query(catalog.SnapshotsByFragment))

	s.mcp.AddTool(mcp.NewTool(toolName(catalog.InstrumentsByJurisdiction),
		mcp.WithDescription("Instruments filed under a jurisdiction."),
		mcp.WithString("jurisdiction_code", mcp.Required(), mcp.Description("Jurisdiction code, e.g. QC")),
	), s.query(catalog.InstrumentsByJurisdiction))

	s.mcp.AddTool(mcp.NewTool(toolName(catalog.AnnexesByFragment),
		mcp.WithDescription("Latest PDF annex conversion outcomes of a fragment, most recent first."),
		instrument, fragment,
	), s.query(catalog.AnnexesByFragment))

	s.mcp.AddTool(mcp.NewTool("get_fragment",
		mcp.WithDescription("Everything known about one fragment: ancestors, tags, current pointer, latest snapshot and counts."),
		instrument,
		mcp.WithString("fragment_code", mcp.Required(), mcp.Description("Fragment code, e.g. se:1")),
	), s.getFragment)

	s.mcp.AddTool(mcp.NewTool("get_query_contract",
		mcp.WithDescription("Describes the archive model and the columns each query tool returns."),
	), s.getContract)

	s.mcp.AddResource(
		mcp.NewResource(ContractURI, "Query Contract",
			mcp.WithResourceDescription("Archive model and query column sets."),
			mcp.WithMIMEType("text/markdown"),
		),
		s.readContractResource,
	)

	return s
}

// ServeStdio runs the server on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// MCPServer returns the underlying server for testing.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

func (s *Server) query(q catalog.Query) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		p := catalog.Params{
			Instrument:   optString(req, "instrument_name"),
			Fragment:     optString(req, "fragment_code"),
			Jurisdiction: optString(req, "jurisdiction_code"),
		}
		table, err := s.cat.Run(ctx, q, p)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(table.Records())
	}
}

func (s *Server) getFragment(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	inst, err := req.RequireString("instrument_name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	code, err := req.RequireString("fragment_code")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	d, err := s.cat.Fragment(ctx, inst, code)
	if errors.Is(err, apperr.ErrNotFound) {
		return mcp.NewToolResultError("not found: " + inst + "/" + code), nil
	}
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(d)
}

func (s *Server) getContract(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(QueryContract()), nil
}

func (s *Server) readContractResource(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      ContractURI,
			MIMEType: "text/markdown",
			Text:     QueryContract(),
		},
	}, nil
}

func optString(req mcp.CallToolRequest, key string) string {
	if v, err := req.RequireString(key); err == nil {
		return v
	}
	return ""
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(out)), nil
}
