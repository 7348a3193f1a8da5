package gitsync_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/taskpdf/taskpdf/internal/test/gitrepo"
	"github.com/taskpdf/taskpdf/pkg/gitsync"
	pkgsync "github.com/taskpdf/taskpdf/pkg/sync"
)

// mockSecretProvider implements pkgsync.SecretProvider for testing
type mockSecretProvider struct {
	secrets map[string]map[string]any
}

func (m *mockSecretProvider) GetSecret(_ context.Context, name string) (map[string]any, error) {
	if secret, ok := m.secrets[name]; ok {
		return secret, nil
	}
	return nil, errors.New("secret not found: " + name)
}

// memTenants implements pkgsync.TenantConfigProvider for testing
type memTenants map[string]*pkgsync.TenantRepo

func (m memTenants) GetTenantConfig(_ context.Context, id string) (*pkgsync.TenantRepo, error) {
	repo, ok := m[id]
	if !ok {
		return nil, pkgsync.NewError(pkgsync.KindConfig, id, "", errors.New("no repository configured"))
	}
	return repo, nil
}

func (m memTenants) SetTenantConfig(_ context.Context, id string, repo *pkgsync.TenantRepo) error {
	m[id] = repo
	return nil
}

func TestNewFromConfig(t *testing.T) {
	provider := &mockSecretProvider{
		secrets: map[string]map[string]any{
			"github-token": {
				"type":  "token_auth",
				"token": "ghp_test123",
			},
		},
	}

	tests := []struct {
		name        string
		config      map[string]any
		provider    pkgsync.SecretProvider
		expectError bool
		errorMsg    string
	}{
		{
			name:   "empty config",
			config: map[string]any{},
		},
		{
			name: "timeout and ssh settings",
			config: map[string]any{
				"timeout":      "30s",
				"fingerprints": []string{"SHA256:abc"},
			},
		},
		{
			name: "service account",
			config: map[string]any{
				"service_account": map[string]any{
					"credential": "github-token",
					"hosts":      []string{"github.com"},
				},
			},
			provider: provider,
		},
		{
			name: "service account without provider",
			config: map[string]any{
				"service_account": map[string]any{"credential": "github-token"},
			},
			expectError: true,
			errorMsg:    "secret provider is required",
		},
		{
			name: "service account without credential",
			config: map[string]any{
				"service_account": map[string]any{"username": "bot"},
			},
			provider:    provider,
			expectError: true,
			errorMsg:    "'service_account.credential' field is required",
		},
		{
			name:        "invalid timeout",
			config:      map[string]any{"timeout": "soon"},
			expectError: true,
			errorMsg:    "invalid timeout",
		},
		{
			name:        "wrong type",
			config:      map[string]any{"fingerprints": 42},
			expectError: true,
			errorMsg:    "git config",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			syncer, err := gitsync.NewFromConfig(t.TempDir(), tt.config, memTenants{}, tt.provider)

			if tt.expectError {
				if err == nil {
					t.Fatal("expected error")
				}
				if !strings.Contains(err.Error(), tt.errorMsg) {
					t.Fatalf("expected error containing %q, got %q", tt.errorMsg, err.Error())
				}
				return
			}

			if err != nil {
				t.Fatalf("expected no error, got %v", err)
			}
			if syncer == nil {
				t.Fatal("expected non-nil synchronizer")
			}
		})
	}
}

func TestSynchronizer(t *testing.T) {
	ctx := t.Context()
	root := t.TempDir()

	remote := gitrepo.New(t, map[string]string{"contest/A.md": "# A"})
	tenants := memTenants{"acme": {RemoteURL: remote.URL(), ContentPath: "contest"}}

	syncer, err := gitsync.NewFromConfig(root, map[string]any{"allow_file_urls": true}, tenants, nil)
	if err != nil {
		t.Fatal(err)
	}

	result, err := syncer.Sync(ctx, "acme")
	if err != nil {
		t.Fatal(err)
	}
	if result.Mode != "cloned" || result.Head != remote.Head() || result.Path != filepath.Join(root, "acme") {
		t.Fatalf("unexpected result %+v", result)
	}

	head := remote.Commit(map[string]string{"contest/B.md": "# B"}, "add B")

	result, err = syncer.Sync(ctx, "acme")
	if err != nil {
		t.Fatal(err)
	}
	if result.Mode != "fetched" || result.Head != head.String() {
		t.Fatalf("unexpected result %+v", result)
	}
	if _, err := os.Stat(filepath.Join(result.Path, "contest", "B.md")); err != nil {
		t.Fatal(err)
	}

	if err := syncer.Invalidate(ctx, "acme"); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(result.Path); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected mirror to be removed, got %v", err)
	}

	if _, err := syncer.Sync(ctx, "unknown"); pkgsync.KindOf(err) != pkgsync.KindConfig {
		t.Fatalf("expected configuration error, got %v", err)
	}
}
