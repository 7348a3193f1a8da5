// Package gitsync keeps per-tenant local mirrors of remote git repositories.
//
// Each tenant owns exactly one remote. A Synchronizer reads the tenant's
// repository configuration from a TenantConfigProvider and brings the mirror
// under its root directory up to date: the first call clones, later calls
// fetch and fast-forward. A mirror cloned from a different remote or
// credential is deleted and cloned again, so nothing from a previous
// configuration stays readable.
//
// Supported remotes:
//   - SSH, authenticated with the tenant's private key
//   - HTTP(S), anonymous or through a deployment-wide service account
//     (password, basic_auth, token_auth or github_app_auth secrets)
//
// Example usage:
//
//	import "github.com/taskpdf/taskpdf/pkg/gitsync"
//
//	gitConfig := map[string]any{
//	    "timeout": "30s",
//	    "service_account": map[string]any{
//	        "credential": "github-app",
//	        "hosts":      []string{"github.com"},
//	    },
//	}
//	syncer, err := gitsync.NewFromConfig("/var/lib/mirrors", gitConfig, tenantStore, vault)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	result, err := syncer.Sync(ctx, "acme")
//
// Failures are *sync.Error values tagged with a sync.Kind.
//
// Thread Safety: calls for the same tenant are serialized with a lock file
// under the root directory, also across processes. Calls for different
// tenants run independently.
package gitsync
