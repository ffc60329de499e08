package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const maxConfigFileSize = 1024 * 1024 // 1MB

// envKeys maps recognized environment variables to koanf paths. Variables not
// listed here are ignored so unrelated process environment never leaks into
// the configuration.
var envKeys = map[string]string{
	"CODEGPT_API_KEY":         "api_key",
	"CODEGPT_ORG_ID":          "org_id",
	"CODEGPT_GRAPH_ID":        "graph_id",
	"CODEGPT_REPO_URL":        "repo_url",
	"GRAPHD_PORT":             "server.port",
	"SERVER_PORT":             "server.port",
	"SERVER_HOST":             "server.host",
	"SERVER_SHUTDOWN_TIMEOUT": "server.shutdown_timeout",
	"LOG_LEVEL":               "log.level",
	"LOG_FORMAT":              "log.format",
	"GRAPH_BASE_URL":          "graph.base_url",
	"GRAPH_TIMEOUT":           "graph.timeout",
	"TELEMETRY_ENABLED":       "telemetry.enabled",
	"TELEMETRY_SERVICE_NAME":  "telemetry.service_name",
}

// reposEnvKey carries a comma-separated repository list. It is handled
// outside koanf because it unmarshals into a slice.
const reposEnvKey = "CODEGPT_REPOS"

// Load builds the effective configuration.
//
// Precedence, lowest to highest:
//  1. Hardcoded defaults
//  2. YAML config file (configPath, or ~/.config/graphd/config.yaml)
//  3. Environment variables
//  4. Positional command-line arguments
func Load(configPath string, args []string) (*Config, error) {
	cfg := Default()
	k := koanf.New(".")

	if configPath == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			configPath = filepath.Join(home, ".config", "graphd", "config.yaml")
		}
	}

	if configPath != "" {
		if err := loadFile(k, configPath); err != nil {
			return nil, err
		}
	}

	if err := k.Load(env.Provider("", ".", func(s string) string {
		return envKeys[s]
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if repos := os.Getenv(reposEnvKey); repos != "" {
		cfg.Repos = splitRepos(repos)
	}
	cfg.normalize()
	cfg.ApplyArgs(args)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// loadFile loads a YAML config file into k if the file exists. A missing file
// is not an error; an unreadable or oversized one is.
func loadFile(k *koanf.Koanf, path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat config file: %w", err)
	}
	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file %s exceeds %d bytes", path, maxConfigFileSize)
	}

	content, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// splitRepos splits a comma-separated repository list, trimming whitespace
// and dropping empty entries.
func splitRepos(s string) []string {
	var repos []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			repos = append(repos, part)
		}
	}
	return repos
}
