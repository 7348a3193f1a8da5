// Package server exposes the chat commands and tenant administration over
// HTTP.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/taskpdf/taskpdf/internal/commands"
	"github.com/taskpdf/taskpdf/internal/config"
	"github.com/taskpdf/taskpdf/internal/database"
	"github.com/taskpdf/taskpdf/internal/logging"
	"github.com/taskpdf/taskpdf/internal/server/types"
	"github.com/taskpdf/taskpdf/internal/service"
	pkgsync "github.com/taskpdf/taskpdf/pkg/sync"
)

const (
	maxBodySize     = 1 << 20
	contentTypePDF  = "application/pdf"
	contentTypeJSON = "application/json"
	shutdownTimeout = 10 * time.Second
)

type Server struct {
	router   *http.ServeMux
	svc      *service.Service
	commands *commands.Handler
	tokens   []string
	prefix   string
	log      *logging.Logger
}

func New() *Server {
	return &Server{log: logging.NewNoOpLogger()}
}

func (s *Server) WithRouter(router *http.ServeMux) *Server {
	s.router = router
	return s
}

func (s *Server) WithService(svc *service.Service) *Server {
	s.svc = svc
	return s
}

func (s *Server) WithLogger(log *logging.Logger) *Server {
	s.log = log
	return s
}

// WithConfig takes the API prefix and tokens from cfg.
func (s *Server) WithConfig(cfg *config.Root) *Server {
	if cfg.Service != nil {
		s.prefix = cfg.Service.ApiPrefix
	}
	s.tokens = s.tokens[:0]
	for _, t := range cfg.SortedTokens() {
		if key := t.Key(); key != "" {
			s.tokens = append(s.tokens, key)
		}
	}
	return s
}

func (s *Server) Init() *Server {
	if s.router == nil {
		s.router = http.NewServeMux()
	}
	s.commands = commands.New(s.svc).WithLogger(s.log)

	s.handle("POST /v1/commands/{name}", s.v1CommandsPost)
	s.handle("GET /v1/tenants", s.v1TenantsList)
	s.handle("GET /v1/tenants/{tenant}/config", s.v1TenantsConfigGet)
	s.handle("PUT /v1/tenants/{tenant}/config", s.v1TenantsConfigPut)
	s.handle("DELETE /v1/tenants/{tenant}/config", s.v1TenantsConfigDelete)
	s.handle("POST /v1/tenants/{tenant}/sync", s.v1TenantsSync)
	s.handle("GET /v1/tenants/{tenant}/documents", s.v1DocumentsList)
	s.handle("POST /v1/tenants/{tenant}/documents/{document}/pdf", s.v1DocumentsPDF)

	s.router.HandleFunc("GET "+s.prefix+"/health", s.health)
	s.router.Handle("GET "+s.prefix+"/metrics", promhttp.Handler())

	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.log.Infof("listening on %s", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handle(pattern string, fn http.HandlerFunc) {
	method, path, _ := strings.Cut(pattern, " ")
	s.router.HandleFunc(method+" "+s.prefix+path, s.authenticated(fn))
}

func (s *Server) authenticated(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if len(s.tokens) == 0 {
			next(w, r)
			return
		}

		key, ok := bearer(r)
		if !ok {
			errorAuth(w, "missing bearer token")
			return
		}
		for _, t := range s.tokens {
			if subtle.ConstantTimeCompare([]byte(t), []byte(key)) == 1 {
				next(w, r)
				return
			}
		}
		errorAuth(w, "invalid bearer token")
	}
}

func bearer(r *http.Request) (string, bool) {
	scheme, key, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") || key == "" {
		return "", false
	}
	return strings.TrimSpace(key), true
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	JSONOK(w, types.HealthResponse{}, false)
}

func (s *Server) v1CommandsPost(w http.ResponseWriter, r *http.Request) {
	var in commands.Interaction
	if err := decode(r, &in); err != nil {
		errorParams(w, err)
		return
	}
	in.Command = r.PathValue("name")

	resp := s.commands.Handle(r.Context(), in)

	if resp.Attachment != nil && accepts(r, contentTypePDF) {
		writePDF(w, resp.Attachment.Name, resp.Attachment.Data)
		return
	}
	JSONOK(w, resp, pretty(r))
}

func (s *Server) v1TenantsList(w http.ResponseWriter, r *http.Request) {
	tenants, err := s.svc.ListTenants(r.Context())
	if err != nil {
		s.errorAny(w, err)
		return
	}

	resp := types.TenantsListResponseV1{Result: make([]types.TenantV1, 0, len(tenants))}
	for _, t := range tenants {
		resp.Result = append(resp.Result, types.NewTenantV1(t))
	}
	JSONOK(w, resp, pretty(r))
}

func (s *Server) v1TenantsConfigGet(w http.ResponseWriter, r *http.Request) {
	t, err := s.svc.GetConfig(r.Context(), r.PathValue("tenant"))
	if err != nil {
		s.errorAny(w, err)
		return
	}
	JSONOK(w, types.TenantGetResponseV1{Result: types.NewTenantV1(t)}, pretty(r))
}

func (s *Server) v1TenantsConfigPut(w http.ResponseWriter, r *http.Request) {
	var body types.TenantConfigV1
	if err := decode(r, &body); err != nil {
		errorParams(w, err)
		return
	}

	repo := pkgsync.TenantRepo{RemoteURL: body.RemoteURL, ContentPath: body.ContentPath}
	if body.PrivateKey != "" {
		repo.PrivateKey = []byte(body.PrivateKey)
	}

	if err := s.svc.SetConfig(r.Context(), r.PathValue("tenant"), repo); err != nil {
		s.errorAny(w, err)
		return
	}
	JSONOK(w, types.TenantPutResponseV1{}, pretty(r))
}

func (s *Server) v1TenantsConfigDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.DeleteConfig(r.Context(), r.PathValue("tenant")); err != nil {
		s.errorAny(w, err)
		return
	}
	JSONOK(w, types.TenantDeleteResponseV1{}, pretty(r))
}

func (s *Server) v1TenantsSync(w http.ResponseWriter, r *http.Request) {
	mirror, err := s.svc.Sync(r.Context(), r.PathValue("tenant"))
	if err != nil {
		s.errorAny(w, err)
		return
	}
	JSONOK(w, types.SyncResponseV1{Result: types.SyncResultV1{
		Mode:  mirror.Mode.String(),
		Head:  mirror.Head,
		Fetch: mirror.Fetch,
	}}, pretty(r))
}

func (s *Server) v1DocumentsList(w http.ResponseWriter, r *http.Request) {
	names, err := s.svc.ListDocuments(r.Context(), r.PathValue("tenant"), r.URL.Query().Get("pattern"))
	if err != nil {
		s.errorAny(w, err)
		return
	}
	if names == nil {
		names = []string{}
	}
	JSONOK(w, types.DocumentsListResponseV1{Result: names}, pretty(r))
}

func (s *Server) v1DocumentsPDF(w http.ResponseWriter, r *http.Request) {
	artifact, err := s.svc.GeneratePDF(r.Context(), r.PathValue("tenant"), r.PathValue("document"))
	if err != nil {
		s.errorAny(w, err)
		return
	}
	w.Header().Set("X-Artifact-Digest", artifact.Digest)
	writePDF(w, artifact.Name, artifact.Data)
}

// errorAny maps the error taxonomy onto status codes.
func (s *Server) errorAny(w http.ResponseWriter, err error) {
	if errors.Is(err, database.ErrNotFound) {
		writeError(w, http.StatusNotFound, types.NotFoundErr, err)
		return
	}

	switch pkgsync.KindOf(err) {
	case pkgsync.KindConfig:
		writeError(w, http.StatusBadRequest, types.ParamsErr, err)
	case pkgsync.KindAuth:
		writeError(w, http.StatusForbidden, types.Forbidden, err)
	case pkgsync.KindTransport:
		writeError(w, http.StatusBadGateway, types.Unavailable, err)
	case pkgsync.KindMerge:
		writeError(w, http.StatusConflict, types.Conflict, err)
	default:
		s.log.Errorf("internal error: %v", err)
		writeError(w, http.StatusInternalServerError, types.InternalErr, err)
	}
}

func errorParams(w http.ResponseWriter, err error) {
	writeError(w, http.StatusBadRequest, types.ParamsErr, err)
}

func errorAuth(w http.ResponseWriter, msg string) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	JSON(w, http.StatusUnauthorized, types.NewErrorV1(types.NotAuthorized, msg), false)
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	JSON(w, status, types.NewErrorV1(code, err.Error()), false)
}

func writePDF(w http.ResponseWriter, name string, data []byte) {
	w.Header().Set("Content-Type", contentTypePDF)
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func JSONOK(w http.ResponseWriter, v any, pretty bool) {
	JSON(w, http.StatusOK, v, pretty)
}

func JSON(w http.ResponseWriter, code int, v any, pretty bool) {
	enc := json.NewEncoder(w)
	if pretty {
		enc.SetIndent("", "  ")
	}
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(code)
	_ = enc.Encode(v)
}

func decode(r *http.Request, v any) error {
	dec := newJSONDecoder(io.LimitReader(r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func newJSONDecoder(r io.Reader) *json.Decoder {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	return dec
}

func accepts(r *http.Request, contentType string) bool {
	for _, v := range r.Header.Values("Accept") {
		for _, part := range strings.Split(v, ",") {
			mediaType, _, _ := strings.Cut(strings.TrimSpace(part), ";")
			if mediaType == contentType {
				return true
			}
		}
	}
	return false
}

func pretty(r *http.Request) bool {
	p, _ := strconv.ParseBool(r.URL.Query().Get("pretty"))
	return p
}
