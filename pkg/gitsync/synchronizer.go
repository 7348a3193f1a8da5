package gitsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-viper/mapstructure/v2"

	"github.com/taskpdf/taskpdf/internal/config"
	"github.com/taskpdf/taskpdf/internal/gitsync"
	pkgsync "github.com/taskpdf/taskpdf/pkg/sync"
)

// Synchronizer maintains the local mirrors of tenant repositories.
type Synchronizer interface {
	// Sync brings the tenant's mirror up to date with its configured remote
	// and returns where it is.
	Sync(ctx context.Context, tenantID string) (*Result, error)

	// Invalidate deletes the tenant's mirror. Call it after changing the
	// tenant's configuration outside of the TenantConfigProvider.
	Invalidate(ctx context.Context, tenantID string) error
}

// Result describes a synchronized mirror.
type Result struct {
	Path  string              // mirror directory
	Mode  string              // "cloned", "fetched" or "recloned"
	Head  string              // checked out commit
	Fetch pkgsync.FetchResult // diagnostic transfer statistics
}

// options is the decoded gitConfig map of NewFromConfig.
type options struct {
	Timeout        string   `mapstructure:"timeout"`
	AllowFileURLs  bool     `mapstructure:"allow_file_urls"`
	KnownHosts     string   `mapstructure:"known_hosts"`
	Fingerprints   []string `mapstructure:"fingerprints"`
	ServiceAccount *struct {
		Username   string   `mapstructure:"username"`
		Credential string   `mapstructure:"credential"`
		Hosts      []string `mapstructure:"hosts"`
	} `mapstructure:"service_account"`
}

// NewFromConfig creates a Synchronizer for external users. Mirrors are kept
// under root; tenant repositories are read from tenants.
//
// The gitConfig map may contain the following fields:
//   - "timeout" (string, optional): bound on each clone or fetch, e.g. "30s"
//   - "known_hosts" (string, optional): path of an OpenSSH known_hosts file
//   - "fingerprints" ([]string, optional): accepted SSH host key fingerprints
//   - "service_account" (map, optional): "credential" (required), "username" and "hosts"
//
// The secretProvider is required if a service account is configured. It is
// called with the credential name to retrieve the actual credential.
func NewFromConfig(root string, gitConfig map[string]any, tenants pkgsync.TenantConfigProvider, provider SecretProvider) (Synchronizer, error) {
	if root == "" {
		return nil, errors.New("git config: root directory is required")
	}
	if tenants == nil {
		return nil, errors.New("git config: tenant config provider is required")
	}

	var opts options
	if err := mapstructure.Decode(gitConfig, &opts); err != nil {
		return nil, fmt.Errorf("git config: %w", err)
	}

	cfg := config.Git{
		SSH:           config.SSH{KnownHosts: opts.KnownHosts, Fingerprints: opts.Fingerprints},
		AllowFileURLs: opts.AllowFileURLs,
	}

	if sa := opts.ServiceAccount; sa != nil {
		if sa.Credential == "" {
			return nil, errors.New("git config: 'service_account.credential' field is required")
		}
		if provider == nil {
			return nil, errors.New("git config: a secret provider is required for the service account")
		}
		cfg.ServiceAccount = &config.ServiceAccount{
			Username:    sa.Username,
			Credentials: &config.SecretRef{Name: sa.Credential},
			Hosts:       sa.Hosts,
		}
	}

	mirrors := gitsync.New(root, cfg)
	if opts.Timeout != "" {
		d, err := time.ParseDuration(opts.Timeout)
		if err != nil {
			return nil, fmt.Errorf("git config: invalid timeout: %w", err)
		}
		mirrors.WithTimeout(d)
	}
	if provider != nil {
		mirrors.WithSecretProvider(provider)
	}

	return &synchronizer{mirrors: mirrors, tenants: tenants}, nil
}

type synchronizer struct {
	mirrors *gitsync.Mirrors
	tenants pkgsync.TenantConfigProvider
}

func (s *synchronizer) Sync(ctx context.Context, tenantID string) (*Result, error) {
	m, err := s.mirrors.WithLoader(ctx, tenantID, s.tenants.GetTenantConfig, nil)
	if err != nil {
		return nil, err
	}

	return &Result{Path: m.Path, Mode: m.Mode.String(), Head: m.Head, Fetch: m.Fetch}, nil
}

func (s *synchronizer) Invalidate(ctx context.Context, tenantID string) error {
	return s.mirrors.Invalidate(ctx, tenantID)
}
