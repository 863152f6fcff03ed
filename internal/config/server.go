package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// secretEnvPrefix marks environment variables that feed the secrets.*
// expression context, e.g. GANTRY_SECRET_KAGGLE_API_KEY.
const secretEnvPrefix = "GANTRY_SECRET_"

// ServerConfig is the daemon configuration. All fields are optional;
// the Get* methods provide fallback defaults for anything omitted from
// the JSON file, so partial configs are safe.
type ServerConfig struct {
	// HTTP
	ListenAddr    *string `json:"listen_addr,omitempty"`
	WebhookSecret *string `json:"webhook_secret,omitempty"` // HMAC key for X-Hub-Signature-256, empty disables verification

	// Storage
	DatabasePath *string `json:"database_path,omitempty"`
	WorkflowsDir *string `json:"workflows_dir,omitempty"`

	// Execution
	WorkspacesRoot *string `json:"workspaces_root,omitempty"`
	KeepWorkspaces *bool   `json:"keep_workspaces,omitempty"`
	MaxParallel    *int    `json:"max_parallel,omitempty"`
	SupersedeRuns  *bool   `json:"supersede_runs,omitempty"`

	// Checkout
	RepoURL       *string `json:"repo_url,omitempty"`
	DefaultBranch *string `json:"default_branch,omitempty"`

	// Container execution
	DockerEnabled *bool             `json:"docker_enabled,omitempty"`
	DockerImage   *string           `json:"docker_image,omitempty"`
	DockerImages  map[string]string `json:"docker_images,omitempty"` // platform name to image

	// Secrets for the secrets.* expression context. GANTRY_SECRET_*
	// environment variables overlay these at load time.
	Secrets map[string]string `json:"secrets,omitempty"`
}

// Helper functions to create pointers
func ptrString(v string) *string { return &v }
func ptrBool(v bool) *bool       { return &v }
func ptrInt(v int) *int          { return &v }

// EmptyServerConfig returns a ServerConfig with all fields set to nil.
func EmptyServerConfig() *ServerConfig {
	return &ServerConfig{}
}

// LoadServerConfig loads a ServerConfig from a JSON file.
// The file is validated to ensure it has a .json extension and is under the max file size.
func LoadServerConfig(path string) (*ServerConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	// Check file size for safety (max 1MB)
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyServerConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration values are valid.
func (c *ServerConfig) Validate() error {
	if c.ListenAddr != nil && *c.ListenAddr == "" {
		return fmt.Errorf("listen_addr must not be empty when set")
	}

	if c.MaxParallel != nil && *c.MaxParallel < 1 {
		return fmt.Errorf("max_parallel must be at least 1, got %d", *c.MaxParallel)
	}

	if c.WorkflowsDir != nil && *c.WorkflowsDir == "" {
		return fmt.Errorf("workflows_dir must not be empty when set")
	}

	if c.DockerEnabled != nil && *c.DockerEnabled {
		if c.DockerImage != nil && *c.DockerImage == "" {
			return fmt.Errorf("docker_image must not be empty when docker is enabled")
		}
	}

	return nil
}

// GetListenAddr returns the listen address or the default.
func (c *ServerConfig) GetListenAddr() string {
	if c.ListenAddr == nil {
		return ":8080"
	}
	return *c.ListenAddr
}

// GetWebhookSecret returns the webhook HMAC key, empty when verification
// is disabled.
func (c *ServerConfig) GetWebhookSecret() string {
	if c.WebhookSecret == nil {
		return ""
	}
	return *c.WebhookSecret
}

// GetDatabasePath returns the SQLite database path or the default.
func (c *ServerConfig) GetDatabasePath() string {
	if c.DatabasePath == nil {
		return "gantry.db"
	}
	return *c.DatabasePath
}

// GetWorkflowsDir returns the directory scanned for workflow YAML files.
func (c *ServerConfig) GetWorkflowsDir() string {
	if c.WorkflowsDir == nil {
		return ".gantry/workflows"
	}
	return *c.WorkflowsDir
}

// GetWorkspacesRoot returns the root directory for per-instance scratch
// workspaces.
func (c *ServerConfig) GetWorkspacesRoot() string {
	if c.WorkspacesRoot == nil || *c.WorkspacesRoot == "" {
		return filepath.Join(os.TempDir(), "gantry-workspaces")
	}
	return *c.WorkspacesRoot
}

// GetKeepWorkspaces reports whether workspaces survive run completion.
func (c *ServerConfig) GetKeepWorkspaces() bool {
	if c.KeepWorkspaces == nil {
		return false
	}
	return *c.KeepWorkspaces
}

// GetMaxParallel returns the job instance concurrency bound.
func (c *ServerConfig) GetMaxParallel() int {
	if c.MaxParallel == nil {
		return 4
	}
	return *c.MaxParallel
}

// GetSupersedeRuns reports whether a new push cancels queued and running
// runs on the same ref.
func (c *ServerConfig) GetSupersedeRuns() bool {
	if c.SupersedeRuns == nil {
		return true
	}
	return *c.SupersedeRuns
}

// GetRepoURL returns the repository URL cloned by checkout steps, empty
// when checkout should reuse the existing workspace.
func (c *ServerConfig) GetRepoURL() string {
	if c.RepoURL == nil {
		return ""
	}
	return *c.RepoURL
}

// GetDefaultBranch returns the branch used when an event carries no ref.
func (c *ServerConfig) GetDefaultBranch() string {
	if c.DefaultBranch == nil {
		return "master"
	}
	return *c.DefaultBranch
}

// GetDockerEnabled reports whether Linux job instances run in containers.
func (c *ServerConfig) GetDockerEnabled() bool {
	if c.DockerEnabled == nil {
		return false
	}
	return *c.DockerEnabled
}

// GetDockerImage returns the fallback container image.
func (c *ServerConfig) GetDockerImage() string {
	if c.DockerImage == nil || *c.DockerImage == "" {
		return "ubuntu:22.04"
	}
	return *c.DockerImage
}

// GetDockerImages returns the per-platform container image overrides.
func (c *ServerConfig) GetDockerImages() map[string]string {
	return c.DockerImages
}

// GetSecrets returns configured secrets overlaid with GANTRY_SECRET_*
// entries from environ. An env entry GANTRY_SECRET_KAGGLE_API_KEY=x
// becomes secret KAGGLE_API_KEY, shadowing any file value.
func (c *ServerConfig) GetSecrets(environ []string) map[string]string {
	secrets := map[string]string{}
	for k, v := range c.Secrets {
		secrets[k] = v
	}
	for _, entry := range environ {
		if !strings.HasPrefix(entry, secretEnvPrefix) {
			continue
		}
		name, value, ok := strings.Cut(strings.TrimPrefix(entry, secretEnvPrefix), "=")
		if !ok || name == "" {
			continue
		}
		secrets[name] = value
	}
	return secrets
}
