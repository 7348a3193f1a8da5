// Package gitsync maintains a local working copy of each tenant's source
// repository under a shared mirror root. Calls for the same tenant are
// serialized with a lock file; calls for different tenants run in parallel.
package gitsync

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	iofs "io/fs"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"time"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/protocol/packp/capability"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/gofrs/flock"
	"golang.org/x/crypto/ssh"

	"github.com/taskpdf/taskpdf/internal/config"
	"github.com/taskpdf/taskpdf/internal/fs"
	"github.com/taskpdf/taskpdf/internal/logging"
	"github.com/taskpdf/taskpdf/internal/metrics"
	pkgsync "github.com/taskpdf/taskpdf/pkg/sync"
)

const (
	// markerFile records the configuration a mirror was cloned from. It lives
	// inside .git so it never shows up among the tenant's documents.
	markerFile = "taskpdf-mirror"
	remoteName = "origin"
	keysDir    = ".keys"
	locksDir   = ".locks"

	lockRetryDelay = 50 * time.Millisecond
)

var fetchRefSpec = gitconfig.RefSpec("+refs/heads/*:refs/remotes/" + remoteName + "/*")

var tenantIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

func init() {
	// For Azure DevOps compatibility. More details: https://github.com/go-git/go-git/issues/64
	transport.UnsupportedCapabilities = []capability.Capability{
		capability.ThinPack,
	}
}

// SecretProvider is an alias to pkg/sync.SecretProvider.
type SecretProvider = pkgsync.SecretProvider

// ValidateTenantID reports whether id can name a mirror directory.
func ValidateTenantID(id string) error {
	if !tenantIDPattern.MatchString(id) {
		return fmt.Errorf("invalid tenant id %q: must be 1-128 characters of [A-Za-z0-9_-]", id)
	}
	return nil
}

type Mode int

const (
	ModeCloned Mode = iota + 1
	ModeFetched
	ModeRecloned
)

func (m Mode) String() string {
	switch m {
	case ModeCloned:
		return "cloned"
	case ModeFetched:
		return "fetched"
	case ModeRecloned:
		return "recloned"
	default:
		return "unknown"
	}
}

// Mirror describes a synchronized tenant working copy.
type Mirror struct {
	Tenant      string
	Path        string
	ContentPath string
	Mode        Mode
	Head        string
	Fetch       pkgsync.FetchResult
}

// OpenContent opens the mirror's content directory. Reads through the
// returned Content cannot leave the mirror, not even through symlinks
// committed to the tenant's repository.
func (m *Mirror) OpenContent() (*Content, error) {
	rel, err := contentDir(m.ContentPath)
	if err != nil {
		return nil, pkgsync.NewError(pkgsync.KindConfig, m.Tenant, "read", err)
	}

	root, err := os.OpenRoot(m.Path)
	if err != nil {
		return nil, pkgsync.NewError(pkgsync.KindLocalState, m.Tenant, "read", err)
	}
	return &Content{root: root, dir: filepath.ToSlash(rel)}, nil
}

// Content reads files below a mirror's content directory.
type Content struct {
	root *os.Root
	dir  string
}

// ReadFile reads name, relative to the content directory.
func (c *Content) ReadFile(name string) ([]byte, error) {
	return c.root.ReadFile(path.Join(c.dir, name))
}

// FS returns the content directory as a file system.
func (c *Content) FS() (iofs.FS, error) {
	return iofs.Sub(c.root.FS(), c.dir)
}

func (c *Content) Close() error {
	return c.root.Close()
}

// contentDir returns contentPath as a local path relative to the mirror root.
func contentDir(contentPath string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(contentPath))
	if clean != "." && !filepath.IsLocal(clean) {
		return "", fmt.Errorf("content path %q escapes the repository", contentPath)
	}
	return clean, nil
}

// Validate checks repo before it is stored: the remote must be reachable
// with the supplied credential kind and the content path must stay inside
// the repository.
func (m *Mirrors) Validate(tenant string, repo pkgsync.TenantRepo) error {
	if err := ValidateTenantID(tenant); err != nil {
		return pkgsync.NewError(pkgsync.KindConfig, "", "configure", err)
	}

	ep, err := ParseRemote(repo.RemoteURL, m.config.AllowFileURLs)
	if err != nil {
		return pkgsync.NewError(pkgsync.KindConfig, tenant, "configure", err)
	}

	if len(repo.PrivateKey) > 0 {
		if ep.Protocol != "ssh" {
			return pkgsync.NewError(pkgsync.KindConfig, tenant, "configure",
				fmt.Errorf("a private key was supplied but the remote uses %s, not ssh", ep.Protocol))
		}
		if _, err := ssh.ParseRawPrivateKey(repo.PrivateKey); err != nil {
			return pkgsync.NewError(pkgsync.KindConfig, tenant, "configure", fmt.Errorf("invalid private key: %w", err))
		}
	}

	if _, err := contentDir(repo.ContentPath); err != nil {
		return pkgsync.NewError(pkgsync.KindConfig, tenant, "configure", err)
	}
	return nil
}

// Mirrors manages the mirror root shared by all tenants.
type Mirrors struct {
	root           string
	config         config.Git
	timeout        time.Duration
	gh             github
	secretProvider SecretProvider
	log            *logging.Logger
}

// New returns a Mirrors rooted at root. The directory is created on first use.
func New(root string, cfg config.Git) *Mirrors {
	return &Mirrors{
		root:    root,
		config:  cfg,
		timeout: config.DefaultMirrorTimeout,
		log:     logging.NewNoOpLogger(),
	}
}

// WithTimeout bounds each clone or fetch.
func (m *Mirrors) WithTimeout(d time.Duration) *Mirrors {
	if d > 0 {
		m.timeout = d
	}
	return m
}

func (m *Mirrors) WithLogger(log *logging.Logger) *Mirrors {
	m.log = log
	return m
}

// WithSecretProvider resolves the service account credential through provider
// instead of the configuration file.
func (m *Mirrors) WithSecretProvider(provider SecretProvider) *Mirrors {
	m.secretProvider = provider
	return m
}

func (m *Mirrors) Root() string {
	return m.root
}

// Path returns the mirror directory of tenant.
func (m *Mirrors) Path(tenant string) (string, error) {
	if err := ValidateTenantID(tenant); err != nil {
		return "", pkgsync.NewError(pkgsync.KindConfig, "", "", err)
	}
	return filepath.Join(m.root, tenant), nil
}

// Sync brings the tenant's mirror up to date with repo.
func (m *Mirrors) Sync(ctx context.Context, tenant string, repo pkgsync.TenantRepo) (*Mirror, error) {
	return m.With(ctx, tenant, repo, nil)
}

// With synchronizes the tenant's mirror and then calls fn with it while the
// tenant lock is still held. A nil fn only synchronizes.
func (m *Mirrors) With(ctx context.Context, tenant string, repo pkgsync.TenantRepo, fn func(*Mirror) error) (*Mirror, error) {
	load := func(context.Context, string) (*pkgsync.TenantRepo, error) { return &repo, nil }
	return m.WithLoader(ctx, tenant, load, fn)
}

// Loader reads the repository configuration of a tenant.
type Loader func(ctx context.Context, tenant string) (*pkgsync.TenantRepo, error)

// WithLoader is With for a configuration read by load once the tenant lock is
// held. A synchronization waiting for the lock therefore never restores the
// mirror of a configuration that was replaced or deleted meanwhile.
func (m *Mirrors) WithLoader(ctx context.Context, tenant string, load Loader, fn func(*Mirror) error) (*Mirror, error) {
	path, err := m.Path(tenant)
	if err != nil {
		return nil, err
	}

	unlock, err := m.lock(ctx, tenant)
	if err != nil {
		return nil, err
	}
	defer unlock()

	repo, err := load(ctx, tenant)
	if err != nil {
		return nil, withTenant(err, tenant)
	}

	startTime := time.Now()

	mirror, err := m.sync(ctx, tenant, path, *repo)
	if err != nil {
		err = withTenant(err, tenant)
		metrics.MirrorSyncFailed(pkgsync.KindOf(err).String())
		return nil, err
	}

	metrics.MirrorSyncSucceeded(tenant, mirror.Mode.String(), mirror.Fetch.ReceivedBytes, startTime)
	m.log.Debugf("tenant %q mirror %s at %s", tenant, mirror.Mode, mirror.Head)

	if fn != nil {
		if err := fn(mirror); err != nil {
			return mirror, err
		}
	}

	return mirror, nil
}

// Invalidate deletes the tenant's mirror. The next synchronization clones.
func (m *Mirrors) Invalidate(ctx context.Context, tenant string) error {
	path, err := m.Path(tenant)
	if err != nil {
		return err
	}

	unlock, err := m.lock(ctx, tenant)
	if err != nil {
		return err
	}
	defer unlock()

	if err := os.RemoveAll(path); err != nil {
		return pkgsync.NewError(pkgsync.KindLocalState, tenant, "invalidate", err)
	}

	return nil
}

func (m *Mirrors) lock(ctx context.Context, tenant string) (func(), error) {
	dir := filepath.Join(m.root, locksDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, pkgsync.NewError(pkgsync.KindLocalState, tenant, "lock", err)
	}

	fl := flock.New(filepath.Join(dir, tenant+".lock"))
	ok, err := fl.TryLockContext(ctx, lockRetryDelay)
	switch {
	case err == nil && !ok:
		err = ctx.Err()
		fallthrough
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		// Waiting gave up; another call for the tenant still runs.
		return nil, pkgsync.NewError(pkgsync.KindTransport, tenant, "lock", fmt.Errorf("waiting for tenant lock: %w", err))
	case err != nil:
		return nil, pkgsync.NewError(pkgsync.KindLocalState, tenant, "lock", err)
	}

	return func() {
		if err := fl.Unlock(); err != nil {
			m.log.Warnf("failed to release lock of tenant %q: %v", tenant, err)
		}
	}, nil
}

func (m *Mirrors) sync(ctx context.Context, tenant, path string, repo pkgsync.TenantRepo) (*Mirror, error) {
	ep, err := ParseRemote(repo.RemoteURL, m.config.AllowFileURLs)
	if err != nil {
		return nil, pkgsync.NewError(pkgsync.KindConfig, tenant, "configure", err)
	}

	cred, err := StageCredential(filepath.Join(m.root, keysDir), tenant, repo.PrivateKey, m.log)
	if err != nil {
		return nil, localStateError("stage credential", err)
	}
	defer cred.Close()

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	auth, err := m.auth(ctx, ep, cred)
	if err != nil {
		return nil, err
	}

	want := newMarker(repo)

	r, state, err := inspect(path, want)
	if err != nil {
		return nil, localStateError("inspect", err)
	}

	var mirror *Mirror

	switch state {
	case stateValid:
		mirror, err = m.fetch(ctx, path, repo.RemoteURL, r, auth)
		if pkgsync.KindOf(err) == pkgsync.KindLocalState {
			m.removeMirror(tenant, path)
		}
	case stateInvalid:
		m.log.Infof("mirror of tenant %q is stale or corrupt, recloning", tenant)
		if err := os.RemoveAll(path); err != nil {
			return nil, localStateError("remove", err)
		}
		mirror, err = m.clone(ctx, path, repo.RemoteURL, want, auth)
		if mirror != nil {
			mirror.Mode = ModeRecloned
		}
	default:
		if err := os.RemoveAll(path); err != nil {
			return nil, localStateError("remove", err)
		}
		mirror, err = m.clone(ctx, path, repo.RemoteURL, want, auth)
	}

	if err != nil {
		return nil, err
	}

	mirror.Tenant = tenant
	mirror.ContentPath = repo.ContentPath
	return mirror, nil
}

func (m *Mirrors) removeMirror(tenant, path string) {
	if err := os.RemoveAll(path); err != nil {
		m.log.Errorf("failed to remove mirror of tenant %q: %v", tenant, err)
	}
}

func (m *Mirrors) clone(ctx context.Context, path, url string, want marker, auth transport.AuthMethod) (*Mirror, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, localStateError("clone", err)
	}

	r, err := git.PlainCloneContext(ctx, path, false, &git.CloneOptions{
		URL:        url,
		RemoteName: remoteName,
		Auth:       auth,
		Tags:       git.NoTags,
	})
	if err != nil {
		_ = os.RemoveAll(path)
		return nil, classify(ctx, "clone", err)
	}

	mirror, err := describe(r, path, ModeCloned, objectStats{})
	if err == nil {
		err = want.write(path)
	}
	if err != nil {
		_ = os.RemoveAll(path)
		return nil, localStateError("clone", err)
	}

	return mirror, nil
}

func (m *Mirrors) fetch(ctx context.Context, path, url string, r *git.Repository, auth transport.AuthMethod) (*Mirror, error) {
	if err := setRemoteURL(r, url); err != nil {
		return nil, localStateError("fetch", err)
	}

	before, err := statObjects(r, path)
	if err != nil {
		return nil, localStateError("fetch", err)
	}

	err = r.FetchContext(ctx, &git.FetchOptions{
		RemoteName: remoteName,
		RemoteURL:  url,
		Auth:       auth,
		Force:      true,
		Tags:       git.NoTags,
		RefSpecs:   []gitconfig.RefSpec{fetchRefSpec},
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return nil, classify(ctx, "fetch", err)
	}

	if _, err := integrate(r); err != nil {
		return nil, err
	}

	return describe(r, path, ModeFetched, before)
}

// describe reports the mirror's HEAD and object statistics relative to before.
func describe(r *git.Repository, path string, mode Mode, before objectStats) (*Mirror, error) {
	head, err := r.Head()
	if err != nil {
		return nil, err
	}

	after, err := statObjects(r, path)
	if err != nil {
		return nil, err
	}

	return &Mirror{
		Path:  path,
		Mode:  mode,
		Head:  head.Hash().String(),
		Fetch: after.since(before),
	}, nil
}

func setRemoteURL(r *git.Repository, url string) error {
	cfg, err := r.Config()
	if err != nil {
		return err
	}

	rc, ok := cfg.Remotes[remoteName]
	if !ok {
		rc = &gitconfig.RemoteConfig{Name: remoteName, Fetch: []gitconfig.RefSpec{fetchRefSpec}}
		cfg.Remotes[remoteName] = rc
	} else if len(rc.URLs) == 1 && rc.URLs[0] == url {
		return nil
	}

	rc.URLs = []string{url}
	return r.SetConfig(cfg)
}

type state int

const (
	stateAbsent state = iota
	stateValid
	stateInvalid
)

// inspect classifies the directory at path. It returns the opened repository
// for valid mirrors.
func inspect(path string, want marker) (*git.Repository, state, error) {
	if _, err := os.Stat(path); errors.Is(err, iofs.ErrNotExist) {
		return nil, stateAbsent, nil
	} else if err != nil {
		return nil, stateAbsent, err
	}

	if ok, err := fs.ContainsFiles(path); err != nil {
		return nil, stateAbsent, err
	} else if !ok {
		return nil, stateAbsent, nil
	}

	got, err := readMarker(path)
	if err != nil || got != want {
		return nil, stateInvalid, nil
	}

	r, err := git.PlainOpen(path)
	if err != nil {
		return nil, stateInvalid, nil
	}

	if _, err := r.Head(); err != nil {
		return nil, stateInvalid, nil
	}

	return r, stateValid, nil
}

// marker fingerprints the configuration a mirror was cloned from. Key
// material is only stored as a digest.
type marker struct {
	RemoteURL  string `json:"remote_url"`
	Credential string `json:"credential_sha256,omitempty"`
}

func newMarker(repo pkgsync.TenantRepo) marker {
	mk := marker{RemoteURL: repo.RemoteURL}
	if len(repo.PrivateKey) > 0 {
		sum := sha256.Sum256(repo.PrivateKey)
		mk.Credential = hex.EncodeToString(sum[:])
	}
	return mk
}

func readMarker(path string) (marker, error) {
	var mk marker
	data, err := os.ReadFile(filepath.Join(path, git.GitDirName, markerFile))
	if err != nil {
		return mk, err
	}
	err = json.Unmarshal(data, &mk)
	return mk, err
}

func (mk marker) write(path string) error {
	data, err := json.Marshal(mk)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(path, git.GitDirName, markerFile), data, 0o644)
}

type objectStats struct {
	objects int
	bytes   int64
}

func statObjects(r *git.Repository, path string) (objectStats, error) {
	var s objectStats

	iter, err := r.Storer.IterEncodedObjects(plumbing.AnyObject)
	if err != nil {
		return s, err
	}
	if err := iter.ForEach(func(plumbing.EncodedObject) error {
		s.objects++
		return nil
	}); err != nil {
		return s, err
	}

	err = filepath.WalkDir(filepath.Join(path, git.GitDirName, "objects"), func(_ string, d iofs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		s.bytes += info.Size()
		return nil
	})

	return s, err
}

func (s objectStats) since(before objectStats) pkgsync.FetchResult {
	return pkgsync.FetchResult{
		IndexedObjects: max(s.objects-before.objects, 0),
		TotalObjects:   s.objects,
		ReceivedBytes:  max(s.bytes-before.bytes, 0),
		LocalObjects:   before.objects,
	}
}
