// Package service ties tenant configuration, mirrors and rendering together.
// Every tenant facing operation of the command layer and the HTTP API goes
// through a Service.
package service

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/glob"
	"golang.org/x/sync/errgroup"

	"github.com/taskpdf/taskpdf/internal/config"
	"github.com/taskpdf/taskpdf/internal/database"
	taskpdf_fs "github.com/taskpdf/taskpdf/internal/fs"
	"github.com/taskpdf/taskpdf/internal/gitsync"
	"github.com/taskpdf/taskpdf/internal/logging"
	"github.com/taskpdf/taskpdf/internal/metrics"
	"github.com/taskpdf/taskpdf/internal/pool"
	"github.com/taskpdf/taskpdf/internal/render"
	"github.com/taskpdf/taskpdf/internal/s3"
	pkgsync "github.com/taskpdf/taskpdf/pkg/sync"
)

const (
	documentExt = ".md"
	configFile  = "config.json"

	// StatusOK is recorded for successful synchronizations. Failures record
	// the error kind.
	StatusOK = "ok"
)

type Service struct {
	config         *config.Root
	db             *database.Database
	mirrors        *gitsync.Mirrors
	renderer       *render.Client
	storage        s3.ObjectStorage
	secretProvider pkgsync.SecretProvider
	log            *logging.Logger

	mu      sync.Mutex // guards pool and workers
	pool    *pool.Pool
	workers map[string]*MirrorWorker
}

func New() *Service {
	return &Service{
		config: &config.Root{},
		log:    logging.NewNoOpLogger(),
	}
}

func (s *Service) WithConfig(config *config.Root) *Service {
	s.config = config
	return s
}

func (s *Service) WithDatabase(db *database.Database) *Service {
	s.db = db
	return s
}

func (s *Service) WithLogger(log *logging.Logger) *Service {
	s.log = log
	return s
}

func (s *Service) WithMirrors(mirrors *gitsync.Mirrors) *Service {
	s.mirrors = mirrors
	return s
}

func (s *Service) WithRenderer(renderer *render.Client) *Service {
	s.renderer = renderer
	return s
}

func (s *Service) WithStorage(storage s3.ObjectStorage) *Service {
	s.storage = storage
	return s
}

// WithSecretProvider resolves the git service account credential through
// provider. It only applies to mirrors created by Init.
func (s *Service) WithSecretProvider(provider pkgsync.SecretProvider) *Service {
	s.secretProvider = provider
	return s
}

// Init creates the collaborators not supplied with the With* methods.
func (s *Service) Init(ctx context.Context) error {
	if s.db == nil {
		return errors.New("service: no database")
	}

	if s.config.Git.DebugHTTP {
		gitsync.InstallDebugTransport(s.log)
	}

	if s.mirrors == nil {
		s.mirrors = gitsync.New(s.config.Mirrors.RootDir(), s.config.Git).
			WithTimeout(s.config.Mirrors.SyncTimeout()).
			WithLogger(s.log)
		if s.secretProvider != nil {
			s.mirrors.WithSecretProvider(s.secretProvider)
		}
	}

	if s.renderer == nil {
		r, err := render.New(s.config.Renderer)
		if err != nil {
			return err
		}
		s.renderer = r.WithLogger(s.log)
	}

	if s.storage == nil && s.config.Archive != nil {
		storage, err := s3.New(ctx, *s.config.Archive)
		if err != nil {
			return fmt.Errorf("archive: %w", err)
		}
		s.storage = storage
	}

	return nil
}

func (s *Service) Mirrors() *gitsync.Mirrors {
	return s.mirrors
}

// SetConfig validates and stores the tenant's repository configuration. The
// tenant's mirror is deleted so that nothing from the previous remote or
// credential stays readable.
func (s *Service) SetConfig(ctx context.Context, tenant string, repo pkgsync.TenantRepo) error {
	repo.ContentPath = cleanContentPath(repo.ContentPath)

	if err := s.mirrors.Validate(tenant, repo); err != nil {
		return err
	}

	if err := s.db.SetTenantConfig(ctx, tenant, &repo); err != nil {
		return err
	}

	if err := s.mirrors.Invalidate(ctx, tenant); err != nil {
		return err
	}
	metrics.MirrorRemoved(tenant)

	s.log.Infof("tenant %q configured with remote %s", tenant, repo.RemoteURL)
	s.scheduleRefresh(tenant)
	return nil
}

func (s *Service) GetConfig(ctx context.Context, tenant string) (*database.Tenant, error) {
	t, err := s.db.GetTenant(ctx, tenant)
	if errors.Is(err, database.ErrNotFound) {
		return nil, notConfigured(tenant, err)
	}
	return t, err
}

// DeleteConfig removes the tenant's configuration, mirror and refresh task.
func (s *Service) DeleteConfig(ctx context.Context, tenant string) error {
	if err := s.db.DeleteTenant(ctx, tenant); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return notConfigured(tenant, err)
		}
		return err
	}

	s.stopRefresh(tenant)

	if err := s.mirrors.Invalidate(ctx, tenant); err != nil {
		return err
	}
	metrics.MirrorRemoved(tenant)

	s.log.Infof("tenant %q deleted", tenant)
	return nil
}

func (s *Service) ListTenants(ctx context.Context) ([]*database.Tenant, error) {
	return s.db.ListTenants(ctx)
}

// Sync brings the tenant's mirror up to date and records the outcome.
func (s *Service) Sync(ctx context.Context, tenant string) (*gitsync.Mirror, error) {
	mirror, err := s.mirrors.WithLoader(ctx, tenant, s.db.GetTenantConfig, nil)
	s.recordStatus(ctx, tenant, mirror, err)
	return mirror, err
}

// SyncAll synchronizes the given tenants, at most parallel at a time. done is
// called after each tenant. The returned map holds the failures.
func (s *Service) SyncAll(ctx context.Context, tenants []string, parallel int, done func(tenant string, err error)) map[string]error {
	var mu sync.Mutex
	failures := map[string]error{}

	var g errgroup.Group
	g.SetLimit(max(parallel, 1))

	for _, tenant := range tenants {
		g.Go(func() error {
			_, err := s.Sync(ctx, tenant)
			if err != nil {
				mu.Lock()
				failures[tenant] = err
				mu.Unlock()
			}
			if done != nil {
				done(tenant, err)
			}
			return nil // one tenant failing does not stop the others
		})
	}

	_ = g.Wait()
	return failures
}

// ListDocuments returns the names of the tenant's documents matching the
// glob pattern. An empty pattern matches everything.
func (s *Service) ListDocuments(ctx context.Context, tenant, pattern string) ([]string, error) {
	matcher, err := compilePattern(pattern)
	if err != nil {
		return nil, pkgsync.NewError(pkgsync.KindConfig, tenant, "list", err)
	}

	var names []string
	mirror, err := s.mirrors.WithLoader(ctx, tenant, s.db.GetTenantConfig, func(m *gitsync.Mirror) error {
		content, err := m.OpenContent()
		if err != nil {
			return err
		}
		defer content.Close()

		fsys, err := content.FS()
		if err != nil {
			return pkgsync.NewError(pkgsync.KindConfig, tenant, "list", err)
		}

		all, err := taskpdf_fs.Names(fsys, ".", documentExt)
		if err != nil {
			return gitsync.ReadError(tenant, "content path "+strconv.Quote(m.ContentPath), err)
		}

		for _, name := range all {
			if matcher.Match(name) {
				names = append(names, name)
			}
		}
		return nil
	})
	s.recordStatus(ctx, tenant, mirror, syncErr(mirror, err))
	return names, err
}

// GeneratePDF renders the tenant's document to a PDF. The mirror is brought
// up to date first.
func (s *Service) GeneratePDF(ctx context.Context, tenant, document string) (*render.Artifact, error) {
	if err := validateDocumentName(document); err != nil {
		return nil, pkgsync.NewError(pkgsync.KindConfig, tenant, "read", err)
	}

	var req render.Request
	mirror, err := s.mirrors.WithLoader(ctx, tenant, s.db.GetTenantConfig, func(m *gitsync.Mirror) error {
		var err error
		req, err = readDocument(m, document)
		return err
	})
	s.recordStatus(ctx, tenant, mirror, syncErr(mirror, err))
	if err != nil {
		return nil, err
	}

	artifact, err := s.renderer.Render(ctx, req)
	if errors.Is(err, render.ErrInvalidConfig) {
		return nil, pkgsync.NewError(pkgsync.KindConfig, tenant, "render", err)
	} else if err != nil {
		return nil, fmt.Errorf("render %s: %w", document, err)
	}

	s.archive(ctx, tenant, document, mirror, artifact)
	return artifact, nil
}

// Ping describes the tenant's configuration as seen from channel.
func (s *Service) Ping(ctx context.Context, tenant, channel string) (string, error) {
	repo, err := s.db.GetTenantConfig(ctx, tenant)
	if err != nil {
		return "", err
	}
	return channel + " | " + repo.RemoteURL + " | " + repo.ContentPath, nil
}

func (s *Service) archive(ctx context.Context, tenant, document string, mirror *gitsync.Mirror, artifact *render.Artifact) {
	if s.storage == nil || artifact.Cached {
		return
	}

	key := s3.ArtifactKey(tenant, document, artifact.Digest)
	if err := s.storage.Upload(ctx, key, artifact.Data, map[string]string{"commit": mirror.Head}); err != nil {
		s.log.Warnf("failed to archive %s for tenant %q: %v", key, tenant, err)
		return
	}
	s.log.Debugf("archived %s", key)
}

// recordStatus stores the outcome of a synchronization. Failures to record
// are logged only.
func (s *Service) recordStatus(ctx context.Context, tenant string, mirror *gitsync.Mirror, err error) {
	status := database.SyncStatus{At: time.Now(), Status: StatusOK}
	if err != nil {
		status.Status = pkgsync.KindOf(err).String()
		status.Message = err.Error()
	}
	if mirror != nil {
		status.Commit = mirror.Head
	}

	if err := s.db.UpdateSyncStatus(context.WithoutCancel(ctx), tenant, status); err != nil {
		s.log.Warnf("failed to record sync status of tenant %q: %v", tenant, err)
	}
}

// syncErr separates synchronization failures from failures of the read that
// followed: With returns a mirror only when synchronization succeeded.
func syncErr(mirror *gitsync.Mirror, err error) error {
	if mirror != nil {
		return nil
	}
	return err
}

func readDocument(m *gitsync.Mirror, document string) (render.Request, error) {
	content, err := m.OpenContent()
	if err != nil {
		return render.Request{}, err
	}
	defer content.Close()

	md, err := content.ReadFile(document + documentExt)
	if err != nil {
		return render.Request{}, gitsync.ReadError(m.Tenant, fmt.Sprintf("document %q", document), err)
	}

	cfg, err := content.ReadFile(configFile)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return render.Request{}, gitsync.ReadError(m.Tenant, configFile, err)
	}

	return render.Request{TaskName: document, Content: md, Config: cfg}, nil
}

func validateDocumentName(document string) error {
	if document == "" || !filepath.IsLocal(document) || strings.ContainsAny(document, `/\`) {
		return fmt.Errorf("invalid document name %q", document)
	}
	return nil
}

func compilePattern(pattern string) (glob.Glob, error) {
	if pattern == "" {
		pattern = "*"
	}
	g, err := glob.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}
	return g, nil
}

func cleanContentPath(p string) string {
	if p == "" {
		return "."
	}
	return filepath.ToSlash(filepath.Clean(filepath.FromSlash(p)))
}

func notConfigured(tenant string, err error) error {
	return pkgsync.NewError(pkgsync.KindConfig, tenant, "", fmt.Errorf("no repository configured: %w", err))
}
