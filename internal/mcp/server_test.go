package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/deepgraphlabs/graphd/internal/config"
	"github.com/deepgraphlabs/graphd/internal/graph"
)

// fakeGraphClient records queries and returns canned responses.
type fakeGraphClient struct {
	calls      int
	lastOp     string
	lastQuery  graph.Query
	text       string
	raw        json.RawMessage
	err        error
	listGraphs json.RawMessage
}

func (f *fakeGraphClient) record(op string, q graph.Query) {
	f.calls++
	f.lastOp = op
	f.lastQuery = q
}

func (f *fakeGraphClient) ListGraphs(ctx context.Context) (json.RawMessage, error) {
	f.record("list-graphs", graph.Query{})
	return f.listGraphs, f.err
}

func (f *fakeGraphClient) GetCode(ctx context.Context, q graph.Query) (string, error) {
	f.record("get-code", q)
	return f.text, f.err
}

func (f *fakeGraphClient) FindDirectConnections(ctx context.Context, q graph.Query) (string, error) {
	f.record("find-direct-connections", q)
	return f.text, f.err
}

func (f *fakeGraphClient) NodesSemanticSearch(ctx context.Context, q graph.Query) (string, error) {
	f.record("nodes-semantic-search", q)
	return f.text, f.err
}

func (f *fakeGraphClient) DocsSemanticSearch(ctx context.Context, q graph.Query) (string, error) {
	f.record("docs-semantic-search", q)
	return f.text, f.err
}

func (f *fakeGraphClient) FolderTreeStructure(ctx context.Context, q graph.Query) (json.RawMessage, error) {
	f.record("folder-tree-structure", q)
	return f.raw, f.err
}

func (f *fakeGraphClient) UsageDependencyLinks(ctx context.Context, q graph.Query) (string, error) {
	f.record("get-usage-dependency-links", q)
	return f.text, f.err
}

// connect spins up a server over in-memory transports and returns a connected
// client session.
func connect(t *testing.T, cfg *config.Config, client GraphClient) *mcp.ClientSession {
	t.Helper()

	srv, err := NewServer(cfg, client, &Options{Logger: zap.NewNop(), Version: "test"})
	require.NoError(t, err)

	clientTransport, serverTransport := mcp.NewInMemoryTransports()

	ctx := context.Background()
	_, err = srv.Connect(ctx, serverTransport)
	require.NoError(t, err)

	c := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "0.0.0"}, nil)
	cs, err := c.Connect(ctx, clientTransport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cs.Close() })

	return cs
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, res.Content)
	tc, ok := res.Content[0].(*mcp.TextContent)
	require.True(t, ok, "expected text content, got %T", res.Content[0])
	return tc.Text
}

func toolNames(t *testing.T, cs *mcp.ClientSession) []string {
	t.Helper()
	list, err := cs.ListTools(context.Background(), nil)
	require.NoError(t, err)
	names := make([]string, 0, len(list.Tools))
	for _, tool := range list.Tools {
		names = append(names, tool.Name)
	}
	return names
}

func TestNewServer_Validation(t *testing.T) {
	t.Run("nil config", func(t *testing.T) {
		_, err := NewServer(nil, &fakeGraphClient{}, nil)
		require.Error(t, err)
	})

	t.Run("nil client", func(t *testing.T) {
		_, err := NewServer(config.Default(), nil, nil)
		require.Error(t, err)
	})

	t.Run("defaults applied", func(t *testing.T) {
		srv, err := NewServer(config.Default(), &fakeGraphClient{}, nil)
		require.NoError(t, err)
		require.NotNil(t, srv)
	})
}

func TestListGraphsRegistration(t *testing.T) {
	t.Run("registered when nothing pinned", func(t *testing.T) {
		cs := connect(t, config.Default(), &fakeGraphClient{})
		assert.Contains(t, toolNames(t, cs), "list-graphs")
	})

	t.Run("absent with fixed graph id", func(t *testing.T) {
		cfg := config.Default()
		cfg.GraphID = "g-1"
		cs := connect(t, cfg, &fakeGraphClient{})
		assert.NotContains(t, toolNames(t, cs), "list-graphs")
	})

	t.Run("absent with fixed repo URL", func(t *testing.T) {
		cfg := config.Default()
		cfg.RepoURL = "https://github.com/acme/api"
		cs := connect(t, cfg, &fakeGraphClient{})
		assert.NotContains(t, toolNames(t, cs), "list-graphs")
	})

	t.Run("absent in multi-repo mode", func(t *testing.T) {
		cfg := config.Default()
		cfg.Repos = []string{"acme/api", "acme/web"}
		cfg.MultiRepo = true
		cs := connect(t, cfg, &fakeGraphClient{})

		names := toolNames(t, cs)
		assert.NotContains(t, names, "list-graphs")
		assert.Contains(t, names, "get-code")
		assert.Contains(t, names, "find-direct-connections")
		assert.Contains(t, names, "nodes-semantic-search")
		assert.Contains(t, names, "docs-semantic-search")
		assert.Contains(t, names, "folder-tree-structure")
		assert.Contains(t, names, "get-usage-dependency-links")
	})
}

func TestGetCode(t *testing.T) {
	t.Run("passes name and resolved graph id", func(t *testing.T) {
		cfg := config.Default()
		cfg.GraphID = "g-configured"
		fake := &fakeGraphClient{text: "func Foo() {}"}
		cs := connect(t, cfg, fake)

		res, err := cs.CallTool(context.Background(), &mcp.CallToolParams{
			Name:      "get-code",
			Arguments: map[string]any{"name": "Foo"},
		})
		require.NoError(t, err)
		assert.False(t, res.IsError)
		assert.Equal(t, "func Foo() {}", resultText(t, res))

		assert.Equal(t, 1, fake.calls)
		assert.Equal(t, "g-configured", fake.lastQuery.GraphID)
		assert.Empty(t, fake.lastQuery.RepoURL)
		assert.Equal(t, map[string]any{"name": "Foo"}, fake.lastQuery.Params)
	})

	t.Run("path forwarded when present", func(t *testing.T) {
		fake := &fakeGraphClient{text: "x"}
		cs := connect(t, config.Default(), fake)

		_, err := cs.CallTool(context.Background(), &mcp.CallToolParams{
			Name:      "get-code",
			Arguments: map[string]any{"name": "Foo", "path": "internal/foo.go"},
		})
		require.NoError(t, err)
		assert.Equal(t, "internal/foo.go", fake.lastQuery.Params["path"])
	})

	t.Run("graphId override wins", func(t *testing.T) {
		cfg := config.Default()
		cfg.GraphID = "g-configured"
		fake := &fakeGraphClient{text: "x"}
		cs := connect(t, cfg, fake)

		_, err := cs.CallTool(context.Background(), &mcp.CallToolParams{
			Name:      "get-code",
			Arguments: map[string]any{"name": "Foo", "graphId": "g-override"},
		})
		require.NoError(t, err)
		assert.Equal(t, "g-override", fake.lastQuery.GraphID)
	})

	t.Run("missing name fails before any network call", func(t *testing.T) {
		fake := &fakeGraphClient{}
		cs := connect(t, config.Default(), fake)

		res, err := cs.CallTool(context.Background(), &mcp.CallToolParams{
			Name:      "get-code",
			Arguments: map[string]any{},
		})
		if err == nil {
			assert.True(t, res.IsError)
		}
		assert.Zero(t, fake.calls)
	})

	t.Run("empty content substitutes fallback", func(t *testing.T) {
		fake := &fakeGraphClient{text: ""}
		cs := connect(t, config.Default(), fake)

		res, err := cs.CallTool(context.Background(), &mcp.CallToolParams{
			Name:      "get-code",
			Arguments: map[string]any{"name": "Foo"},
		})
		require.NoError(t, err)
		assert.Equal(t, "No response data available", resultText(t, res))
	})
}

func TestRepoURLResolution(t *testing.T) {
	t.Run("single-repo mode ignores override", func(t *testing.T) {
		cfg := config.Default()
		cfg.RepoURL = "https://github.com/acme/api"
		fake := &fakeGraphClient{text: "x"}
		cs := connect(t, cfg, fake)

		_, err := cs.CallTool(context.Background(), &mcp.CallToolParams{
			Name:      "get-code",
			Arguments: map[string]any{"name": "Foo", "repoUrl": "https://github.com/evil/other"},
		})
		require.NoError(t, err)
		assert.Equal(t, "https://github.com/acme/api", fake.lastQuery.RepoURL)
	})

	t.Run("multi-repo mode uses override", func(t *testing.T) {
		cfg := config.Default()
		cfg.Repos = []string{"acme/api", "acme/web"}
		cfg.MultiRepo = true
		fake := &fakeGraphClient{text: "x"}
		cs := connect(t, cfg, fake)

		_, err := cs.CallTool(context.Background(), &mcp.CallToolParams{
			Name:      "get-code",
			Arguments: map[string]any{"name": "Foo", "repoUrl": "https://github.com/acme/web"},
		})
		require.NoError(t, err)
		assert.Equal(t, "https://github.com/acme/web", fake.lastQuery.RepoURL)
	})
}

func TestRemoteFailureBecomesTextResult(t *testing.T) {
	fake := &fakeGraphClient{err: errors.New("connection refused")}
	cs := connect(t, config.Default(), fake)

	res, err := cs.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "find-direct-connections",
		Arguments: map[string]any{"name": "Foo"},
	})
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Contains(t, resultText(t, res), "Error querying graph:")
	assert.Contains(t, resultText(t, res), "connection refused")
}

func TestSemanticSearchTools(t *testing.T) {
	for _, toolName := range []string{"nodes-semantic-search", "docs-semantic-search"} {
		t.Run(toolName, func(t *testing.T) {
			fake := &fakeGraphClient{text: "results"}
			cs := connect(t, config.Default(), fake)

			res, err := cs.CallTool(context.Background(), &mcp.CallToolParams{
				Name:      toolName,
				Arguments: map[string]any{"query": "auth middleware"},
			})
			require.NoError(t, err)
			assert.Equal(t, "results", resultText(t, res))
			assert.Equal(t, toolName, fake.lastOp)
			assert.Equal(t, map[string]any{"query": "auth middleware"}, fake.lastQuery.Params)
		})

		t.Run(toolName+" requires query", func(t *testing.T) {
			fake := &fakeGraphClient{}
			cs := connect(t, config.Default(), fake)

			res, err := cs.CallTool(context.Background(), &mcp.CallToolParams{
				Name:      toolName,
				Arguments: map[string]any{},
			})
			if err == nil {
				assert.True(t, res.IsError)
			}
			assert.Zero(t, fake.calls)
		})
	}
}

func TestFolderTreeStructure(t *testing.T) {
	t.Run("pretty prints JSON", func(t *testing.T) {
		fake := &fakeGraphClient{raw: json.RawMessage(`{"name":"root","children":[]}`)}
		cs := connect(t, config.Default(), fake)

		res, err := cs.CallTool(context.Background(), &mcp.CallToolParams{
			Name:      "folder-tree-structure",
			Arguments: map[string]any{},
		})
		require.NoError(t, err)
		text := resultText(t, res)
		assert.Contains(t, text, "\"name\": \"root\"")
		assert.Empty(t, fake.lastQuery.Params)
	})

	t.Run("path param forwarded", func(t *testing.T) {
		fake := &fakeGraphClient{raw: json.RawMessage(`{}`)}
		cs := connect(t, config.Default(), fake)

		_, err := cs.CallTool(context.Background(), &mcp.CallToolParams{
			Name:      "folder-tree-structure",
			Arguments: map[string]any{"path": "cmd"},
		})
		require.NoError(t, err)
		assert.Equal(t, "cmd", fake.lastQuery.Params["path"])
	})

	t.Run("null payload substitutes fallback", func(t *testing.T) {
		fake := &fakeGraphClient{raw: json.RawMessage(`null`)}
		cs := connect(t, config.Default(), fake)

		res, err := cs.CallTool(context.Background(), &mcp.CallToolParams{
			Name:      "folder-tree-structure",
			Arguments: map[string]any{},
		})
		require.NoError(t, err)
		assert.Equal(t, "No response data available", resultText(t, res))
	})
}

func TestListGraphs(t *testing.T) {
	t.Run("pretty prints graph list", func(t *testing.T) {
		fake := &fakeGraphClient{listGraphs: json.RawMessage(`[{"id":"g-1","name":"api"}]`)}
		cs := connect(t, config.Default(), fake)

		res, err := cs.CallTool(context.Background(), &mcp.CallToolParams{
			Name:      "list-graphs",
			Arguments: map[string]any{},
		})
		require.NoError(t, err)
		assert.Contains(t, resultText(t, res), "\"id\": \"g-1\"")
	})

	t.Run("null payload substitutes fallback", func(t *testing.T) {
		fake := &fakeGraphClient{listGraphs: json.RawMessage(`null`)}
		cs := connect(t, config.Default(), fake)

		res, err := cs.CallTool(context.Background(), &mcp.CallToolParams{
			Name:      "list-graphs",
			Arguments: map[string]any{},
		})
		require.NoError(t, err)
		assert.Equal(t, "No graphs available", resultText(t, res))
	})

	t.Run("remote failure becomes text result", func(t *testing.T) {
		fake := &fakeGraphClient{err: errors.New("status 500")}
		cs := connect(t, config.Default(), fake)

		res, err := cs.CallTool(context.Background(), &mcp.CallToolParams{
			Name:      "list-graphs",
			Arguments: map[string]any{},
		})
		require.NoError(t, err)
		assert.Contains(t, resultText(t, res), "Error querying graph:")
	})
}

func TestUsageDependencyLinks(t *testing.T) {
	fake := &fakeGraphClient{text: "links"}
	cs := connect(t, config.Default(), fake)

	res, err := cs.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "get-usage-dependency-links",
		Arguments: map[string]any{"name": "Foo", "path": "pkg/foo.go"},
	})
	require.NoError(t, err)
	assert.Equal(t, "links", resultText(t, res))
	assert.Equal(t, "get-usage-dependency-links", fake.lastOp)
	assert.Equal(t, "Foo", fake.lastQuery.Params["name"])
	assert.Equal(t, "pkg/foo.go", fake.lastQuery.Params["path"])
}
