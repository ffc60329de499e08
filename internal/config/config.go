// Package config provides configuration loading for graphd.
//
// The effective configuration is assembled from three sources, lowest to
// highest precedence: an optional YAML file, environment variables, and
// positional command-line arguments. In HTTP mode a fourth source exists:
// per-request query parameter overrides, which produce a derived copy and
// never touch process-wide state.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

const (
	// DefaultGraphBaseURL is the remote code-graph API endpoint.
	DefaultGraphBaseURL = "https://api.codegpt.co/api/v1"

	// DefaultGraphTimeout bounds each remote graph call.
	DefaultGraphTimeout = 60 * time.Second
)

// Config holds the complete graphd configuration.
type Config struct {
	// APIKey authenticates against the remote graph API.
	APIKey Secret `koanf:"api_key"`

	// OrgID is the organization scope sent with every remote call.
	OrgID string `koanf:"org_id"`

	// GraphID fixes the target graph. Tool calls may override it per call.
	GraphID string `koanf:"graph_id"`

	// RepoURL fixes a single target repository.
	RepoURL string `koanf:"repo_url"`

	// Repos is the repository list for multi-repo mode. Populated from
	// positional arguments or the CODEGPT_REPOS comma-separated list.
	Repos []string `koanf:"-"`

	// MultiRepo is true when the repository to target is supplied per call
	// rather than fixed at startup. Derived: at least two repos configured.
	MultiRepo bool `koanf:"-"`

	Server    ServerConfig    `koanf:"server"`
	Log       LogConfig       `koanf:"log"`
	Graph     GraphConfig     `koanf:"graph"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

// ServerConfig holds HTTP server configuration. A zero Port selects stdio
// mode; any positive port selects self-hosted HTTP mode.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// GraphConfig holds remote graph client configuration.
type GraphConfig struct {
	BaseURL string   `koanf:"base_url"`
	Timeout Duration `koanf:"timeout"`
}

// TelemetryConfig holds metrics configuration.
type TelemetryConfig struct {
	Enabled     bool   `koanf:"enabled"`
	ServiceName string `koanf:"service_name"`
}

// Default returns the defaults every other source layers on top of.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "localhost",
			Port:            0,
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Graph: GraphConfig{
			BaseURL: DefaultGraphBaseURL,
			Timeout: Duration(DefaultGraphTimeout),
		},
		Telemetry: TelemetryConfig{
			Enabled:     true,
			ServiceName: "graphd",
		},
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 0-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout.Duration() <= 0 {
		return errors.New("shutdown timeout must be positive")
	}
	if c.Graph.BaseURL == "" {
		return errors.New("graph base URL cannot be empty")
	}
	if c.Graph.Timeout.Duration() <= 0 {
		return errors.New("graph timeout must be positive")
	}
	return nil
}

// HTTPMode reports whether a listen port was configured. Absence of a port
// selects stdio mode.
func (c *Config) HTTPMode() bool {
	return c.Server.Port > 0
}

// HasCredentials reports whether enough configuration is present to serve in
// stdio mode: an API key, a fixed repository, or multi-repo mode.
func (c *Config) HasCredentials() bool {
	return c.APIKey.IsSet() || c.RepoURL != "" || c.MultiRepo
}

// RepoLabel returns a human-readable label for the configured repository
// scope, used to parameterize tool descriptions.
func (c *Config) RepoLabel() string {
	switch {
	case c.MultiRepo:
		return fmt.Sprintf("%d configured repositories", len(c.Repos))
	case c.RepoURL != "":
		return c.RepoURL
	default:
		return "the configured graph"
	}
}

// Query parameter names accepted on the HTTP protocol endpoint.
const (
	QueryAPIKey  = "config.apiKey"
	QueryOrgID   = "config.orgId"
	QueryGraphID = "config.graphId"
	QueryRepoURL = "config.repoUrl"
)

// WithQueryOverrides returns a derived copy of the configuration with any
// recognized query parameters applied. The receiver is never mutated, so
// concurrent requests with different credentials cannot race.
func (c *Config) WithQueryOverrides(values url.Values) *Config {
	derived := *c
	derived.Repos = append([]string(nil), c.Repos...)

	if v := values.Get(QueryAPIKey); v != "" {
		derived.APIKey = Secret(v)
	}
	if v := values.Get(QueryOrgID); v != "" {
		derived.OrgID = v
	}
	if v := values.Get(QueryGraphID); v != "" {
		derived.GraphID = v
	}
	if v := values.Get(QueryRepoURL); v != "" {
		derived.RepoURL = v
	}
	return &derived
}

// ApplyArgs resolves positional command-line arguments into the config.
//
// Every argument containing a slash is a repository reference. A single
// repository fixes RepoURL; two or more populate the repository list and
// activate multi-repo mode. The first argument without a slash is taken as
// the API key and a second one as the graph id.
func (c *Config) ApplyArgs(args []string) {
	var repos []string
	var plain []string
	for _, arg := range args {
		if arg == "" {
			continue
		}
		if strings.Contains(arg, "/") {
			repos = append(repos, arg)
		} else {
			plain = append(plain, arg)
		}
	}

	if len(plain) > 0 {
		c.APIKey = Secret(plain[0])
	}
	if len(plain) > 1 {
		c.GraphID = plain[1]
	}

	switch len(repos) {
	case 0:
	case 1:
		c.RepoURL = repos[0]
	default:
		c.Repos = repos
		c.RepoURL = ""
	}
	c.normalize()
}

// normalize derives MultiRepo from the repository list.
func (c *Config) normalize() {
	c.MultiRepo = len(c.Repos) >= 2
	if len(c.Repos) == 1 && c.RepoURL == "" {
		c.RepoURL = c.Repos[0]
		c.Repos = nil
	}
}
