package sync

import (
	"errors"
	"fmt"
)

// Kind classifies a synchronization failure by the corrective action it needs.
type Kind int

const (
	KindUnknown Kind = iota

	// KindConfig: the tenant has no stored configuration, the configuration is
	// unusable, or a requested document does not exist. Not retryable.
	KindConfig

	// KindAuth: the remote rejected the credential, or one is missing. Not
	// retryable without operator action.
	KindAuth

	// KindTransport: network failure or timeout. Retryable by the caller.
	KindTransport

	// KindLocalState: filesystem failure. The mirror is deleted.
	KindLocalState

	// KindMerge: fetched history cannot be fast-forwarded. The mirror is left as-is.
	KindMerge
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "configuration"
	case KindAuth:
		return "authentication"
	case KindTransport:
		return "transport"
	case KindLocalState:
		return "local state"
	case KindMerge:
		return "merge"
	default:
		return "unknown"
	}
}

func (k Kind) hint() string {
	switch k {
	case KindConfig:
		return "check the tenant configuration and run config again"
	case KindAuth:
		return "the repository may be private and require a private key"
	case KindMerge:
		return "the remote history was rewritten; the mirror must be recloned"
	default:
		return ""
	}
}

// Error is the tagged error returned by tenant synchronization and document
// access.
type Error struct {
	Kind   Kind
	Tenant string
	Op     string // e.g. "clone", "fetch", "integrate", "read"
	Err    error
}

func NewError(kind Kind, tenant, op string, err error) *Error {
	return &Error{Kind: kind, Tenant: tenant, Op: op, Err: err}
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s error", e.Kind)
	if e.Tenant != "" {
		msg += fmt.Sprintf(" for tenant %q", e.Tenant)
	}
	if e.Op != "" {
		msg += " during " + e.Op
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if h := e.Kind.hint(); h != "" {
		msg += " (" + h + ")"
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether retrying the same call may succeed.
func (e *Error) Retryable() bool {
	return e.Kind == KindTransport
}

// KindOf returns the Kind of the first *Error in err's chain, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
