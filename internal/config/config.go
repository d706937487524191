// Package config resolves project paths and API credentials for a flowsyncd
// project. Credentials resolve in a fixed order: command-line flags, then
// environment variables, then the .n8n-auth file at the repository root.
// Only credential names and locations are handled here, never secret values
// beyond passing them through to the API client.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment variables consulted when no flag is given.
const (
	EnvAPIURL = "N8N_API_URL"
	EnvAPIKey = "N8N_API_KEY"
)

// AuthFileName is the optional credentials file at the repository root.
const AuthFileName = ".n8n-auth"

// Config holds the resolved project configuration for one command
// invocation.
type Config struct {
	RepoRoot string
	APIURL   string
	APIKey   string
}

// authFile is the on-disk shape of .n8n-auth.
type authFile struct {
	APIURL string `yaml:"api_url"`
	APIKey string `yaml:"api_key"`
}

// Load resolves the configuration. flagURL and flagKey are the values given
// on the command line (empty when absent). A .env file at the repository
// root is loaded into the process environment first, so both the environment
// lookup and env schema validation see it.
func Load(repoRoot, flagURL, flagKey string) (*Config, error) {
	root, err := filepath.Abs(os.ExpandEnv(repoRoot))
	if err != nil {
		return nil, fmt.Errorf("resolve repository root: %w", err)
	}

	// Best-effort: a missing .env is the normal case.
	_ = godotenv.Load(filepath.Join(root, ".env"))

	cfg := &Config{
		RepoRoot: root,
		APIURL:   strings.TrimSpace(flagURL),
		APIKey:   strings.TrimSpace(flagKey),
	}
	if cfg.APIURL == "" {
		cfg.APIURL = strings.TrimSpace(os.Getenv(EnvAPIURL))
	}
	if cfg.APIKey == "" {
		cfg.APIKey = strings.TrimSpace(os.Getenv(EnvAPIKey))
	}

	if cfg.APIURL == "" || cfg.APIKey == "" {
		if err := cfg.loadAuthFile(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func (c *Config) loadAuthFile() error {
	data, err := os.ReadFile(filepath.Join(c.RepoRoot, AuthFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read %s: %w", AuthFileName, err)
	}
	var af authFile
	if err := yaml.Unmarshal(data, &af); err != nil {
		return fmt.Errorf("parse %s: %w", AuthFileName, err)
	}
	if c.APIURL == "" {
		c.APIURL = strings.TrimSpace(af.APIURL)
	}
	if c.APIKey == "" {
		c.APIKey = strings.TrimSpace(af.APIKey)
	}
	return nil
}

// RequireAuth validates that API credentials were resolved. Commands that
// talk to the remote server call this before constructing a client.
func (c *Config) RequireAuth() error {
	if c.APIURL == "" {
		return fmt.Errorf("n8n API URL not configured (use --api-url, %s, or %s)", EnvAPIURL, AuthFileName)
	}
	if c.APIKey == "" {
		return fmt.Errorf("n8n API key not configured (use --api-key, %s, or %s)", EnvAPIKey, AuthFileName)
	}
	return nil
}

// N8nRoot returns the n8n project directory.
func (c *Config) N8nRoot() string {
	return filepath.Join(c.RepoRoot, "n8n")
}

// WorkflowsDir returns the directory holding workflow documents.
func (c *Config) WorkflowsDir() string {
	return filepath.Join(c.N8nRoot(), "workflows")
}

// ManifestsDir returns the directory holding the manifest and env schema.
func (c *Config) ManifestsDir() string {
	return filepath.Join(c.N8nRoot(), "manifests")
}

// ScriptsDir returns the externalized-code directory.
func (c *Config) ScriptsDir() string {
	return filepath.Join(c.N8nRoot(), "scripts")
}

// ManifestPath returns the manifest file path.
func (c *Config) ManifestPath() string {
	return filepath.Join(c.ManifestsDir(), "workflows.yaml")
}

// CredentialsPath returns the generated credential documentation path.
func (c *Config) CredentialsPath() string {
	return filepath.Join(c.N8nRoot(), "credentials.yaml")
}

// EnvSchemaPath returns the optional env schema path.
func (c *Config) EnvSchemaPath() string {
	return filepath.Join(c.ManifestsDir(), "env.schema.json")
}
