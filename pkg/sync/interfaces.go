// Package sync provides the contracts shared by the tenant repository
// synchronizer and its collaborators.
//
// External projects embedding the synchronizer implement TenantConfigProvider
// to supply per-tenant repository settings from their own storage, and
// SecretProvider to supply the deployment-wide service account credential from
// their own secret management system.
package sync

import "context"

// TenantRepo is the repository configuration of one tenant. A later
// configuration replaces the previous one entirely.
type TenantRepo struct {
	// RemoteURL is the URL of the tenant's source repository. SSH URLs may be
	// given in the scp-like form (git@host:org/repo.git).
	RemoteURL string `json:"remote_url"`

	// ContentPath is the directory, relative to the repository root, holding
	// the tenant's documents and optional config.json.
	ContentPath string `json:"content_path"`

	// PrivateKey is an optional PEM encoded SSH private key.
	PrivateKey []byte `json:"-"`
}

// FetchResult holds transfer statistics of a fetch. It is diagnostic only.
type FetchResult struct {
	IndexedObjects int   `json:"indexed_objects"`
	TotalObjects   int   `json:"total_objects"`
	ReceivedBytes  int64 `json:"received_bytes"`
	LocalObjects   int   `json:"local_objects"`
}

// TenantConfigProvider reads and writes tenant repository configuration.
type TenantConfigProvider interface {
	// GetTenantConfig returns the stored configuration. A missing
	// configuration is reported as an *Error of KindConfig.
	GetTenantConfig(ctx context.Context, tenantID string) (*TenantRepo, error)

	// SetTenantConfig stores the configuration, replacing any previous one.
	SetTenantConfig(ctx context.Context, tenantID string, repo *TenantRepo) error
}

// SecretProvider defines the interface for retrieving secrets from external systems.
//
// GetSecret returns a map with credential data. The map must include a "type"
// field and the fields required by that type:
//
//   - "password": {"password": "..."}, paired with the configured service account username
//   - "basic_auth": {"username": "...", "password": "...", "headers": ["Name: value"]}
//   - "token_auth": {"token": "..."}
//   - "github_app_auth": {"integration_id": 1, "installation_id": 2, "private_key": "/path/to/key.pem"}
//
// Returns an error if the secret cannot be retrieved or does not exist.
type SecretProvider interface {
	GetSecret(ctx context.Context, name string) (map[string]any, error)
}
