package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"
)

const (
	// AppName is the application name
	AppName = "MarkSync"

	// AppVersion is the current version
	AppVersion = "1.0.0"

	// KeyringService is the service name used for keychain entries
	KeyringService = "com.marksync.app"

	// DBFileName is the SQLite file name
	DBFileName = "marksync_data.db"

	// DefaultCallbackPort is the preferred loopback port for OAuth redirects
	DefaultCallbackPort = 9877

	// DefaultBackupKeep is how many migration backups are retained by default
	DefaultBackupKeep = 5

	// DefaultMigrationBatchSize controls how many documents are migrated per batch
	DefaultMigrationBatchSize = 25
)

// DataDir returns the root data directory of the app
func DataDir() string {
	base, err := os.UserConfigDir()
	if err != nil {
		base = os.TempDir()
	}
	return filepath.Join(base, AppName)
}

// DBPath returns the SQLite file path
func DBPath() string {
	return filepath.Join(DataDir(), DBFileName)
}

// WorkspaceDir returns the directory where markdown documents are exported
// for external editing; the file watcher monitors it.
func WorkspaceDir() string {
	return filepath.Join(DataDir(), "workspace")
}

// EnsureDataDirs creates the required directories if they do not exist
func EnsureDataDirs() error {
	dirs := []string{
		DataDir(),
		WorkspaceDir(),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return err
		}
	}
	return nil
}

// Providers holds OAuth client credentials per Git host, loaded from the
// environment. An empty client id means the provider is not configured.
type Providers struct {
	GitHubClientID     string `env:"MARKSYNC_GITHUB_CLIENT_ID"`
	GitHubClientSecret string `env:"MARKSYNC_GITHUB_CLIENT_SECRET"`

	GitLabClientID     string `env:"MARKSYNC_GITLAB_CLIENT_ID"`
	GitLabClientSecret string `env:"MARKSYNC_GITLAB_CLIENT_SECRET"`

	BitbucketClientID     string `env:"MARKSYNC_BITBUCKET_CLIENT_ID"`
	BitbucketClientSecret string `env:"MARKSYNC_BITBUCKET_CLIENT_SECRET"`

	// Self-hosted forge (Gitea/Forgejo/Codeberg style).
	GenericBaseURL      string `env:"MARKSYNC_GENERIC_BASE_URL"`
	GenericClientID     string `env:"MARKSYNC_GENERIC_CLIENT_ID"`
	GenericClientSecret string `env:"MARKSYNC_GENERIC_CLIENT_SECRET"`
}

// LoadProviders parses provider credentials from environment variables.
func LoadProviders() (Providers, error) {
	var p Providers
	if err := env.Parse(&p); err != nil {
		return Providers{}, fmt.Errorf("parse provider env: %w", err)
	}
	return p, nil
}
