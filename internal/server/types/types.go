// Package types holds the request and response bodies of the HTTP API.
package types

import (
	"time"

	"github.com/taskpdf/taskpdf/internal/database"
	pkgsync "github.com/taskpdf/taskpdf/pkg/sync"
)

const (
	ParamsErr      = "invalid_parameter"
	NotFoundErr    = "not_found"
	NotAuthorized  = "not_authorized"
	Forbidden      = "forbidden"
	Conflict       = "conflict"
	Unavailable    = "upstream_unavailable"
	InternalErr    = "internal_error"
	NotImplemented = "not_implemented"
)

type ErrorV1 struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewErrorV1(code, message string) *ErrorV1 {
	return &ErrorV1{Code: code, Message: message}
}

// TenantConfigV1 is the body of PUT /v1/tenants/{tenant}/config. The private
// key is write-only.
type TenantConfigV1 struct {
	RemoteURL   string `json:"remote_url"`
	ContentPath string `json:"content_path,omitempty"`
	PrivateKey  string `json:"private_key,omitempty"`
}

type SyncStatusV1 struct {
	At      time.Time `json:"at"`
	Status  string    `json:"status"`
	Message string    `json:"message,omitempty"`
	Commit  string    `json:"commit,omitempty"`
}

type TenantV1 struct {
	ID          string        `json:"id"`
	RemoteURL   string        `json:"remote_url"`
	ContentPath string        `json:"content_path"`
	HasKey      bool          `json:"has_private_key"`
	UpdatedAt   time.Time     `json:"updated_at"`
	LastSync    *SyncStatusV1 `json:"last_sync,omitempty"`
}

func NewTenantV1(t *database.Tenant) TenantV1 {
	v := TenantV1{
		ID:          t.ID,
		RemoteURL:   t.Repo.RemoteURL,
		ContentPath: t.Repo.ContentPath,
		HasKey:      t.HasKey,
		UpdatedAt:   t.UpdatedAt,
	}
	if s := t.LastSync; s != nil {
		v.LastSync = &SyncStatusV1{At: s.At, Status: s.Status, Message: s.Message, Commit: s.Commit}
	}
	return v
}

type TenantsListResponseV1 struct {
	Result []TenantV1 `json:"result"`
}

type TenantGetResponseV1 struct {
	Result TenantV1 `json:"result"`
}

type TenantPutResponseV1 struct{}

type TenantDeleteResponseV1 struct{}

type SyncResultV1 struct {
	Mode  string              `json:"mode"`
	Head  string              `json:"head"`
	Fetch pkgsync.FetchResult `json:"fetch"`
}

type SyncResponseV1 struct {
	Result SyncResultV1 `json:"result"`
}

type DocumentsListResponseV1 struct {
	Result []string `json:"result"`
}

type HealthResponse struct{}
