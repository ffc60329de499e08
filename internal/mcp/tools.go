package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/deepgraphlabs/graphd/internal/graph"
)

type listGraphsArgs struct {
	GraphID string `json:"graphId,omitempty" jsonschema:"Override the configured graph ID for this call"`
	RepoURL string `json:"repoUrl,omitempty" jsonschema:"Override the target repository URL (multi-repository mode only)"`
}

type getCodeArgs struct {
	Name    string `json:"name" jsonschema:"required,Exact name of the node (function, class, method) to retrieve"`
	Path    string `json:"path,omitempty" jsonschema:"File path to disambiguate nodes with the same name"`
	GraphID string `json:"graphId,omitempty" jsonschema:"Override the configured graph ID for this call"`
	RepoURL string `json:"repoUrl,omitempty" jsonschema:"Override the target repository URL (multi-repository mode only)"`
}

type findDirectConnectionsArgs struct {
	Name    string `json:"name" jsonschema:"required,Exact name of the node whose direct connections to list"`
	Path    string `json:"path,omitempty" jsonschema:"File path to disambiguate nodes with the same name"`
	GraphID string `json:"graphId,omitempty" jsonschema:"Override the configured graph ID for this call"`
	RepoURL string `json:"repoUrl,omitempty" jsonschema:"Override the target repository URL (multi-repository mode only)"`
}

type semanticSearchArgs struct {
	Query   string `json:"query" jsonschema:"required,Natural-language query to search for"`
	GraphID string `json:"graphId,omitempty" jsonschema:"Override the configured graph ID for this call"`
	RepoURL string `json:"repoUrl,omitempty" jsonschema:"Override the target repository URL (multi-repository mode only)"`
}

type folderTreeArgs struct {
	Path    string `json:"path,omitempty" jsonschema:"Folder path to start from; defaults to the repository root"`
	GraphID string `json:"graphId,omitempty" jsonschema:"Override the configured graph ID for this call"`
	RepoURL string `json:"repoUrl,omitempty" jsonschema:"Override the target repository URL (multi-repository mode only)"`
}

type usageLinksArgs struct {
	Name    string `json:"name" jsonschema:"required,Exact name of the node whose usage and dependency links to trace"`
	Path    string `json:"path,omitempty" jsonschema:"File path to disambiguate nodes with the same name"`
	GraphID string `json:"graphId,omitempty" jsonschema:"Override the configured graph ID for this call"`
	RepoURL string `json:"repoUrl,omitempty" jsonschema:"Override the target repository URL (multi-repository mode only)"`
}

// target resolves the graph id and repository for one call. Overrides win
// over configured values; the repository override is honored only in
// multi-repo mode.
func (s *Server) target(graphID, repoURL string) (string, string) {
	g := graphID
	if g == "" {
		g = s.cfg.GraphID
	}
	r := s.cfg.RepoURL
	if s.cfg.MultiRepo {
		r = repoURL
	}
	return g, r
}

func (s *Server) query(graphID, repoURL string, params map[string]any) graph.Query {
	g, r := s.target(graphID, repoURL)
	return graph.Query{GraphID: g, RepoURL: r, Params: params}
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}
}

// remoteFailure converts a remote call error into a successful text result
// so the calling agent sees a readable message instead of a protocol fault.
func (s *Server) remoteFailure(toolName string, err error) *mcp.CallToolResult {
	s.logger.Warn("remote graph call failed",
		zap.String("tool", toolName),
		zap.Error(err),
	)
	return textResult(fmt.Sprintf("Error querying graph: %v", err))
}

func contentOrFallback(content string) string {
	if content == "" {
		return "No response data available"
	}
	return content
}

// prettyJSON indents a raw JSON document for readability. Falls back to the
// raw bytes when indentation fails.
func prettyJSON(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return string(raw)
	}
	return buf.String()
}

func requireString(field, value string) error {
	if value == "" {
		return fmt.Errorf("%s is required", field)
	}
	return nil
}

// instrument wraps the start/finish bookkeeping shared by every handler.
// The returned func records the invocation; remoteErr keeps swallowed remote
// failures visible in the error counter.
func (s *Server) instrument(ctx context.Context, toolName string) func(remoteErr error) {
	start := time.Now()
	if s.metrics != nil {
		s.metrics.IncrementActive(ctx, toolName)
	}
	return func(remoteErr error) {
		if s.metrics != nil {
			s.metrics.DecrementActive(ctx, toolName)
			s.metrics.RecordInvocation(ctx, toolName, time.Since(start), remoteErr)
		}
	}
}

func (s *Server) registerTools() {
	repoLabel := s.cfg.RepoLabel()

	// list-graphs is only useful before a graph or repository is pinned;
	// with a fixed target it would just restate configuration.
	if s.cfg.GraphID == "" && s.cfg.RepoURL == "" && !s.cfg.MultiRepo {
		mcp.AddTool(s.mcp, &mcp.Tool{
			Name:        "list-graphs",
			Description: "List all code graphs available to the configured API key, with their IDs and repository names.",
		}, func(ctx context.Context, req *mcp.CallToolRequest, args listGraphsArgs) (*mcp.CallToolResult, any, error) {
			var toolErr error
			done := s.instrument(ctx, "list-graphs")
			defer func() { done(toolErr) }()

			raw, err := s.client.ListGraphs(ctx)
			if err != nil {
				toolErr = err
				return s.remoteFailure("list-graphs", err), nil, nil
			}
			if len(raw) == 0 || string(raw) == "null" {
				return textResult("No graphs available"), nil, nil
			}
			return textResult(prettyJSON(raw)), nil, nil
		})
	}

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "get-code",
		Description: fmt.Sprintf("Retrieve the full source code of a node (function, class, method) from %s by exact name.", repoLabel),
	}, func(ctx context.Context, req *mcp.CallToolRequest, args getCodeArgs) (*mcp.CallToolResult, any, error) {
		var toolErr error
		done := s.instrument(ctx, "get-code")
		defer func() { done(toolErr) }()

		if toolErr = requireString("name", args.Name); toolErr != nil {
			return nil, nil, toolErr
		}

		q := s.query(args.GraphID, args.RepoURL, namePathParams(args.Name, args.Path))
		content, err := s.client.GetCode(ctx, q)
		if err != nil {
			toolErr = err
			return s.remoteFailure("get-code", err), nil, nil
		}
		return textResult(contentOrFallback(content)), nil, nil
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "find-direct-connections",
		Description: fmt.Sprintf("List the nodes directly connected to a named node in %s: callers, callees, and containment relationships one hop away.", repoLabel),
	}, func(ctx context.Context, req *mcp.CallToolRequest, args findDirectConnectionsArgs) (*mcp.CallToolResult, any, error) {
		var toolErr error
		done := s.instrument(ctx, "find-direct-connections")
		defer func() { done(toolErr) }()

		if toolErr = requireString("name", args.Name); toolErr != nil {
			return nil, nil, toolErr
		}

		q := s.query(args.GraphID, args.RepoURL, namePathParams(args.Name, args.Path))
		content, err := s.client.FindDirectConnections(ctx, q)
		if err != nil {
			toolErr = err
			return s.remoteFailure("find-direct-connections", err), nil, nil
		}
		return textResult(contentOrFallback(content)), nil, nil
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "nodes-semantic-search",
		Description: fmt.Sprintf("Semantically search code nodes in %s using a natural-language query.", repoLabel),
	}, func(ctx context.Context, req *mcp.CallToolRequest, args semanticSearchArgs) (*mcp.CallToolResult, any, error) {
		var toolErr error
		done := s.instrument(ctx, "nodes-semantic-search")
		defer func() { done(toolErr) }()

		if toolErr = requireString("query", args.Query); toolErr != nil {
			return nil, nil, toolErr
		}

		q := s.query(args.GraphID, args.RepoURL, map[string]any{"query": args.Query})
		content, err := s.client.NodesSemanticSearch(ctx, q)
		if err != nil {
			toolErr = err
			return s.remoteFailure("nodes-semantic-search", err), nil, nil
		}
		return textResult(contentOrFallback(content)), nil, nil
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "docs-semantic-search",
		Description: fmt.Sprintf("Semantically search documentation in %s using a natural-language query.", repoLabel),
	}, func(ctx context.Context, req *mcp.CallToolRequest, args semanticSearchArgs) (*mcp.CallToolResult, any, error) {
		var toolErr error
		done := s.instrument(ctx, "docs-semantic-search")
		defer func() { done(toolErr) }()

		if toolErr = requireString("query", args.Query); toolErr != nil {
			return nil, nil, toolErr
		}

		q := s.query(args.GraphID, args.RepoURL, map[string]any{"query": args.Query})
		content, err := s.client.DocsSemanticSearch(ctx, q)
		if err != nil {
			toolErr = err
			return s.remoteFailure("docs-semantic-search", err), nil, nil
		}
		return textResult(contentOrFallback(content)), nil, nil
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "folder-tree-structure",
		Description: fmt.Sprintf("Return the folder tree of %s, optionally rooted at a given path.", repoLabel),
	}, func(ctx context.Context, req *mcp.CallToolRequest, args folderTreeArgs) (*mcp.CallToolResult, any, error) {
		var toolErr error
		done := s.instrument(ctx, "folder-tree-structure")
		defer func() { done(toolErr) }()

		params := map[string]any{}
		if args.Path != "" {
			params["path"] = args.Path
		}
		q := s.query(args.GraphID, args.RepoURL, params)
		raw, err := s.client.FolderTreeStructure(ctx, q)
		if err != nil {
			toolErr = err
			return s.remoteFailure("folder-tree-structure", err), nil, nil
		}
		if len(raw) == 0 || string(raw) == "null" {
			return textResult("No response data available"), nil, nil
		}
		return textResult(prettyJSON(raw)), nil, nil
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "get-usage-dependency-links",
		Description: fmt.Sprintf("Trace every usage and dependency link of a named node across %s, following transitive references.", repoLabel),
	}, func(ctx context.Context, req *mcp.CallToolRequest, args usageLinksArgs) (*mcp.CallToolResult, any, error) {
		var toolErr error
		done := s.instrument(ctx, "get-usage-dependency-links")
		defer func() { done(toolErr) }()

		if toolErr = requireString("name", args.Name); toolErr != nil {
			return nil, nil, toolErr
		}

		q := s.query(args.GraphID, args.RepoURL, namePathParams(args.Name, args.Path))
		content, err := s.client.UsageDependencyLinks(ctx, q)
		if err != nil {
			toolErr = err
			return s.remoteFailure("get-usage-dependency-links", err), nil, nil
		}
		return textResult(contentOrFallback(content)), nil, nil
	})
}

func namePathParams(name, path string) map[string]any {
	params := map[string]any{"name": name}
	if path != "" {
		params["path"] = path
	}
	return params
}
