package gitsync

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"strings"
	"syscall"

	"github.com/go-git/go-git/v5/plumbing/transport"

	pkgsync "github.com/taskpdf/taskpdf/pkg/sync"
)

// ErrNonFastForward is wrapped by merge errors raised when the local branch
// is not an ancestor of the fetched one.
var ErrNonFastForward = errors.New("local history is not an ancestor of the fetched history")

// classify tags a clone or fetch failure with the kind of corrective action
// it needs.
func classify(ctx context.Context, op string, err error) error {
	var tagged *pkgsync.Error
	if errors.As(err, &tagged) {
		return err
	}

	kind := pkgsync.KindTransport

	var netErr net.Error
	var pathErr *fs.PathError

	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		err = fmt.Errorf("timed out: %w", err)
	case errors.Is(err, context.Canceled):
	case errors.Is(err, transport.ErrAuthenticationRequired),
		errors.Is(err, transport.ErrAuthorizationFailed),
		errors.Is(err, transport.ErrInvalidAuthMethod),
		errors.Is(err, transport.ErrRepositoryNotFound):
		kind = pkgsync.KindAuth
	case errors.Is(err, transport.ErrEmptyRemoteRepository):
		kind = pkgsync.KindConfig
	case isHostKeyFailure(err):
		kind = pkgsync.KindConfig
	case isSSHAuthFailure(err):
		kind = pkgsync.KindAuth
	case errors.As(err, &netErr):
	case errors.As(err, &pathErr):
		kind = pkgsync.KindLocalState
	}

	return pkgsync.NewError(kind, "", op, err)
}

// The ssh transport reports handshake failures as plain strings.
func isSSHAuthFailure(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "unable to authenticate") || strings.Contains(msg, "no supported methods remain")
}

func isHostKeyFailure(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "unknown fingerprint") || strings.Contains(msg, "knownhosts:")
}

// ReadError tags a failure to read what inside a tenant's mirror. Missing
// files and paths leading out of the mirror are the tenant's configuration
// to fix; failures of the operating system are local state errors.
func ReadError(tenant, what string, err error) error {
	var errno syscall.Errno
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return pkgsync.NewError(pkgsync.KindConfig, tenant, "read", fmt.Errorf("%s not found", what))
	case errors.As(err, &errno):
		return pkgsync.NewError(pkgsync.KindLocalState, tenant, "read", err)
	default:
		return pkgsync.NewError(pkgsync.KindConfig, tenant, "read", fmt.Errorf("%s leaves the repository: %w", what, err))
	}
}

func localStateError(op string, err error) error {
	return pkgsync.NewError(pkgsync.KindLocalState, "", op, err)
}

func mergeError(err error) error {
	return pkgsync.NewError(pkgsync.KindMerge, "", "integrate", err)
}

// withTenant fills in the tenant of a tagged error.
func withTenant(err error, tenant string) error {
	var tagged *pkgsync.Error
	if errors.As(err, &tagged) && tagged.Tenant == "" {
		tagged.Tenant = tenant
	}
	return err
}
