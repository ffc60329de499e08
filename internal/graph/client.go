// Package graph provides the HTTP client for the remote code-graph API.
//
// Every exposed MCP tool maps to exactly one operation here. The package
// holds no graph state of its own: graphs are stored, indexed, and searched
// entirely by the remote service.
package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrInvalidConfig indicates invalid client configuration.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// maxErrorBodyBytes bounds how much of a failed response body is carried
// into the returned error.
const maxErrorBodyBytes = 512

// Config holds configuration for the graph API client.
type Config struct {
	// BaseURL is the remote graph API root, e.g. https://api.codegpt.co/api/v1.
	BaseURL string

	// APIKey is the bearer token sent with every call.
	APIKey string

	// OrgID is the organization scope sent with every call.
	OrgID string

	// Timeout bounds each remote call. Zero selects a 60s default.
	Timeout time.Duration
}

// Validate validates the configuration.
func (c Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("%w: base URL required", ErrInvalidConfig)
	}
	return nil
}

// Query identifies the target of a graph operation.
type Query struct {
	// GraphID selects the graph to query.
	GraphID string

	// RepoURL selects the repository within the graph. Serialized only
	// when non-empty.
	RepoURL string

	// Params carries the operation-specific parameters.
	Params map[string]any
}

// Client issues authenticated calls against the remote graph API.
type Client struct {
	baseURL string
	apiKey  string
	orgID   string
	http    *http.Client
	logger  *zap.Logger
}

// NewClient creates a graph API client.
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		orgID:   cfg.OrgID,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}, nil
}

// ListGraphs returns the raw JSON document describing all graphs visible to
// the configured organization.
func (c *Client) ListGraphs(ctx context.Context) (json.RawMessage, error) {
	return c.doGet(ctx, "/graphs")
}

// GetCode retrieves the source of a named node.
func (c *Client) GetCode(ctx context.Context, q Query) (string, error) {
	return c.textOp(ctx, "/graph/get-code", q)
}

// FindDirectConnections lists nodes directly connected to a named node.
func (c *Client) FindDirectConnections(ctx context.Context, q Query) (string, error) {
	return c.textOp(ctx, "/graph/find-direct-connections", q)
}

// NodesSemanticSearch performs semantic search over code nodes.
func (c *Client) NodesSemanticSearch(ctx context.Context, q Query) (string, error) {
	return c.textOp(ctx, "/graph/nodes-semantic-search", q)
}

// DocsSemanticSearch performs semantic search over documentation.
func (c *Client) DocsSemanticSearch(ctx context.Context, q Query) (string, error) {
	return c.textOp(ctx, "/graph/docs-semantic-search", q)
}

// FolderTreeStructure returns the raw JSON folder tree of the repository.
func (c *Client) FolderTreeStructure(ctx context.Context, q Query) (json.RawMessage, error) {
	return c.doPost(ctx, "/graph/folder-tree-structure", q)
}

// UsageDependencyLinks lists usage dependency links of a named node.
func (c *Client) UsageDependencyLinks(ctx context.Context, q Query) (string, error) {
	return c.textOp(ctx, "/graph/usage-dependency-links", q)
}

// textResponse is the payload shape of text-returning operations.
type textResponse struct {
	Content string `json:"content"`
}

// textOp issues a POST and extracts the content field of the response. An
// empty content field is not an error; the tool layer substitutes a fallback.
func (c *Client) textOp(ctx context.Context, path string, q Query) (string, error) {
	raw, err := c.doPost(ctx, path, q)
	if err != nil {
		return "", err
	}
	var parsed textResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("malformed response from %s: %w", path, err)
	}
	return parsed.Content, nil
}

// body assembles the JSON request body for a query.
func (q Query) body() map[string]any {
	body := make(map[string]any, len(q.Params)+2)
	for k, v := range q.Params {
		body[k] = v
	}
	body["graphId"] = q.GraphID
	if q.RepoURL != "" {
		body["repoUrl"] = q.RepoURL
	}
	return body
}

func (c *Client) doPost(ctx context.Context, path string, q Query) (json.RawMessage, error) {
	payload, err := json.Marshal(q.body())
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("accept", "application/json")
	req.Header.Set("content-type", "application/json")
	req.Header.Set("authorization", "Bearer "+c.apiKey)
	req.Header.Set("CodeGPT-Org-Id", c.orgID)

	return c.send(req, path)
}

func (c *Client) doGet(ctx context.Context, path string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("accept", "application/json")
	req.Header.Set("authorization", "Bearer "+c.apiKey)
	req.Header.Set("CodeGPT-Org-Id", c.orgID)

	return c.send(req, path)
}

func (c *Client) send(req *http.Request, path string) (json.RawMessage, error) {
	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("graph API call %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response from %s: %w", path, err)
	}

	c.logger.Debug("graph API call",
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start)))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("graph API %s returned %d: %s", path, resp.StatusCode, truncate(raw, maxErrorBodyBytes))
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("malformed response from %s: invalid JSON", path)
	}
	return raw, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
