package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/deepgraphlabs/graphd/internal/config"
	"github.com/deepgraphlabs/graphd/internal/graph"
)

// GraphClient is the remote graph API surface the tool handlers call.
// Implemented by *graph.Client; faked in tests.
type GraphClient interface {
	ListGraphs(ctx context.Context) (json.RawMessage, error)
	GetCode(ctx context.Context, q graph.Query) (string, error)
	FindDirectConnections(ctx context.Context, q graph.Query) (string, error)
	NodesSemanticSearch(ctx context.Context, q graph.Query) (string, error)
	DocsSemanticSearch(ctx context.Context, q graph.Query) (string, error)
	FolderTreeStructure(ctx context.Context, q graph.Query) (json.RawMessage, error)
	UsageDependencyLinks(ctx context.Context, q graph.Query) (string, error)
}

// Server exposes the remote code graph as MCP tools. Each Server is bound to
// one effective configuration; HTTP sessions get their own instance.
type Server struct {
	mcp     *mcp.Server
	client  GraphClient
	cfg     *config.Config
	logger  *zap.Logger
	metrics *Metrics
}

// Options configures the MCP server.
type Options struct {
	// Name is the server implementation name (default: "graphd").
	Name string

	// Version is the server version reported during initialize.
	Version string

	// Logger for structured logging.
	Logger *zap.Logger

	// Metrics records tool invocations. Optional.
	Metrics *Metrics
}

// NewServer creates an MCP server bound to cfg and registers its tools.
func NewServer(cfg *config.Config, client GraphClient, opts *Options) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if client == nil {
		return nil, fmt.Errorf("graph client is required")
	}
	if opts == nil {
		opts = &Options{}
	}
	if opts.Name == "" {
		opts.Name = "graphd"
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	mcpServer := mcp.NewServer(
		&mcp.Implementation{
			Name:    opts.Name,
			Version: opts.Version,
		},
		nil,
	)

	s := &Server{
		mcp:     mcpServer,
		client:  client,
		cfg:     cfg,
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}
	s.registerTools()

	return s, nil
}

// Run serves the MCP protocol on the stdio transport until ctx is cancelled
// or the client disconnects.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting MCP server on stdio transport")
	if err := s.mcp.Run(ctx, &mcp.StdioTransport{}); err != nil {
		return fmt.Errorf("server run failed: %w", err)
	}
	return nil
}

// Connect binds the MCP server to an arbitrary transport. The HTTP session
// layer uses this to attach one server per session.
func (s *Server) Connect(ctx context.Context, transport mcp.Transport) (*mcp.ServerSession, error) {
	return s.mcp.Connect(ctx, transport, nil)
}
