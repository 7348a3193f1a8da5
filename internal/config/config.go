package config

import (
	"bytes"
	"cmp"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/goccy/go-yaml"
)

// Deployment configuration for taskpdf. Tenant repository settings are not
// part of it; those live in the database and are managed through the config
// command.

const (
	DefaultMirrorTimeout   = 60 * time.Second
	DefaultRendererTimeout = 30 * time.Second
	DefaultCacheSize       = 64
	DefaultRefreshWorkers  = 4
)

// Root is the top-level configuration structure used by taskpdf.
type Root struct {
	Database *Database          `json:"database,omitempty"`
	Mirrors  Mirrors            `json:"mirrors,omitzero"`
	Git      Git                `json:"git,omitzero"`
	Renderer Renderer           `json:"renderer,omitzero"`
	Archive  *ObjectStorage     `json:"archive,omitempty"`
	Secrets  map[string]*Secret `json:"secrets,omitempty"` // Schema validation overrides Secret to object type.
	Tokens   map[string]*Token  `json:"tokens,omitempty"`
	Service  *Service           `json:"service,omitempty"`

	_ struct{} `additionalProperties:"false"`
}

// SetSQLitePersistentByDefault sets the database configuration to use a SQLite
// database stored in the given persistence directory if no other database configuration
// exists. The 'run' command uses this so tenant configuration survives restarts.
func (r *Root) SetSQLitePersistentByDefault(persistenceDir string) bool {
	if r.Database == nil {
		r.Database = &Database{}
	}

	if r.Database.SQL == nil {
		r.Database.SQL = &SQLDatabase{}
	}

	switch r.Database.SQL.Driver {
	case "", "sqlite3", "sqlite":
		if r.Database.SQL.DSN == "" {
			r.Database.SQL.Driver = "sqlite"
			r.Database.SQL.DSN = filepath.Join(persistenceDir, "taskpdf.db")
		}
		return true
	}
	return false
}

// UnmarshalYAML names secrets and tokens after their keys and binds every
// secret reference to the secret it names.
func (r *Root) UnmarshalYAML(bs []byte) error {
	type rawRoot Root // avoid recursive calls to UnmarshalYAML by type aliasing
	var raw rawRoot

	if err := yaml.Unmarshal(bs, &raw); err != nil {
		return fmt.Errorf("failed to decode Root: %w", err)
	}

	*r = Root(raw)
	return r.unmarshal()
}

func (r *Root) UnmarshalJSON(bs []byte) error {
	type rawRoot Root
	var raw rawRoot

	if err := json.Unmarshal(bs, &raw); err != nil {
		return fmt.Errorf("failed to decode Root: %w", err)
	}

	*r = Root(raw)
	return r.unmarshal()
}

func (r *Root) unmarshal() error {
	for name := range r.Tokens {
		r.Tokens[name] = cmp.Or(r.Tokens[name], &Token{})
		r.Tokens[name].Name = name
	}

	for name := range r.Secrets {
		r.Secrets[name] = cmp.Or(r.Secrets[name], &Secret{})
		r.Secrets[name].Name = name
	}

	for _, ref := range r.secretRefs() {
		if ref != nil {
			ref.value = r.Secrets[ref.Name]
		}
	}

	return r.validate()
}

func (r *Root) secretRefs() []*SecretRef {
	refs := []*SecretRef{r.Renderer.Credentials}
	if r.Git.ServiceAccount != nil {
		refs = append(refs, r.Git.ServiceAccount.Credentials)
	}
	if r.Database != nil {
		refs = append(refs, r.Database.EncryptionKey)
	}
	if r.Archive != nil && r.Archive.AmazonS3 != nil {
		refs = append(refs, r.Archive.AmazonS3.Credentials)
	}
	return refs
}

func (r *Root) validate() error {
	for _, ref := range r.secretRefs() {
		if ref != nil && ref.value == nil {
			return fmt.Errorf("secret %q referenced but not defined", ref.Name)
		}
	}

	if r.Git.ServiceAccount != nil && r.Git.ServiceAccount.Credentials == nil {
		return errors.New("git service account requires credentials")
	}

	if r.Archive != nil {
		return r.Archive.validate()
	}

	return nil
}

func (r *Root) SortedSecrets() iter.Seq2[int, *Secret] {
	return iterator(r.Secrets, func(s *Secret) string { return s.Name })
}

func (r *Root) SortedTokens() iter.Seq2[int, *Token] {
	return iterator(r.Tokens, func(t *Token) string { return t.Name })
}

func iterator[V any](m map[string]V, name func(V) string) func(func(int, V) bool) {
	names := make([]string, 0, len(m))
	for _, v := range m {
		names = append(names, name(v))
	}

	sort.Strings(names)

	return func(yield func(int, V) bool) {
		for i, name := range names {
			if !yield(i, m[name]) {
				return
			}
		}
	}
}

func Validate(data []byte) error {
	var config any
	if err := yaml.Unmarshal(data, &config); err != nil {
		return err
	}

	if config == nil { // empty file
		config = map[string]any{}
	}

	return rootSchema.Validate(config)
}

func ParseFile(filename string) (root *Root, err error) {
	bs, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", filename, err)
	}

	return Parse(bs)
}

func Parse(bs []byte) (*Root, error) {
	if err := Validate(bs); err != nil {
		return nil, err
	}

	var root Root
	if len(bytes.TrimSpace(bs)) == 0 {
		return &root, nil
	}

	if err := yaml.Unmarshal(bs, &root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &root, nil
}

// Mirrors configures the on-disk cache of tenant repositories.
type Mirrors struct {
	Root            string   `json:"root,omitempty"`            // defaults to $TMPDIR/taskpdf-mirrors
	Timeout         Duration `json:"timeout,omitzero"`          // bounds each clone or fetch
	RefreshInterval Duration `json:"refresh_interval,omitzero"` // zero disables background refresh
	RefreshWorkers  int      `json:"refresh_workers,omitempty" minimum:"1"`

	_ struct{} `additionalProperties:"false"`
}

func (m Mirrors) RootDir() string {
	if m.Root != "" {
		return os.ExpandEnv(m.Root)
	}
	return filepath.Join(os.TempDir(), "taskpdf-mirrors")
}

func (m Mirrors) SyncTimeout() time.Duration {
	return cmp.Or(time.Duration(m.Timeout), DefaultMirrorTimeout)
}

func (m Mirrors) Workers() int {
	return cmp.Or(m.RefreshWorkers, DefaultRefreshWorkers)
}

// Git configures how tenant remotes are reached.
type Git struct {
	SSH            SSH             `json:"ssh,omitzero"`
	ServiceAccount *ServiceAccount `json:"service_account,omitempty"`
	AllowFileURLs  bool            `json:"allow_file_urls,omitempty"` // only for tests and local development
	DebugHTTP      bool            `json:"debug_http,omitempty"`

	_ struct{} `additionalProperties:"false"`
}

// SSH configures host key verification. KnownHosts takes precedence over
// Fingerprints; with neither set, well-known fingerprints of public hosting
// services are accepted.
type SSH struct {
	KnownHosts   string    `json:"known_hosts,omitempty"`
	Fingerprints StringSet `json:"fingerprints,omitempty"`

	_ struct{} `additionalProperties:"false"`
}

func (s SSH) HostFingerprints() []string {
	if len(s.Fingerprints) > 0 {
		return s.Fingerprints
	}
	return wellknownFingerprints
}

// ServiceAccount is the deployment-wide identity used for HTTP(S) remotes of
// tenants that did not supply a private key.
type ServiceAccount struct {
	Username    string     `json:"username,omitempty"`
	Credentials *SecretRef `json:"credentials"` // Note, JSON schema validation overrides this to string type.
	Hosts       StringSet  `json:"hosts,omitempty"`

	_ struct{} `additionalProperties:"false"`
}

// Renderer configures the remote rendering service.
type Renderer struct {
	URL         string            `json:"url,omitempty"`
	Timeout     Duration          `json:"timeout,omitzero"`
	Headers     map[string]string `json:"headers,omitempty"`
	Credentials *SecretRef        `json:"credentials,omitempty"`
	CacheSize   int               `json:"cache_size,omitempty" minimum:"0"`

	_ struct{} `additionalProperties:"false"`
}

func (r Renderer) RequestTimeout() time.Duration {
	return cmp.Or(time.Duration(r.Timeout), DefaultRendererTimeout)
}

func (r Renderer) Cache() int {
	if r.CacheSize == 0 {
		return DefaultCacheSize
	}
	return r.CacheSize
}

// Instead of marshaling and unmarshaling as int64 it uses strings, like "5m" or "0.5s".
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	val, err := time.ParseDuration(str)
	*d = Duration(val)
	return err
}

func (d *Duration) UnmarshalYAML(bs []byte) error {
	var s string
	if err := yaml.Unmarshal(bs, &s); err != nil {
		return err
	}
	val, err := time.ParseDuration(s)
	*d = Duration(val)
	return err
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

type StringSet []string

func (a StringSet) Contains(s string) bool {
	for _, v := range a {
		if v == s {
			return true
		}
	}
	return false
}

// Token represents an API key accepted by the HTTP API.
type Token struct {
	Name   string `json:"-"`
	APIKey string `json:"api_key"`

	_ struct{} `additionalProperties:"false"`
}

// Key returns the API key with environment variables expanded.
func (t *Token) Key() string {
	return os.ExpandEnv(t.APIKey)
}

// ObjectStorage configures where rendered artifacts are archived.
type ObjectStorage struct {
	AmazonS3 *AmazonS3 `json:"aws,omitempty"`

	_ struct{} `additionalProperties:"false"`
}

func (o *ObjectStorage) validate() error {
	return o.AmazonS3.validate()
}

// AmazonS3 defines the configuration for an Amazon S3-compatible object storage.
type AmazonS3 struct {
	Bucket      string     `json:"bucket"`
	Prefix      string     `json:"prefix,omitempty"`
	Region      string     `json:"region,omitempty"`
	Credentials *SecretRef `json:"credentials,omitempty"` // If nil, use default credentials chain: environment variables,
	// shared credentials file, ECS or EC2 instance role.
	URL string `json:"url,omitempty"` // for test purposes
}

func (a *AmazonS3) validate() error {
	if a == nil {
		return nil
	}

	if a.Bucket == "" {
		return errors.New("amazon s3 bucket is required")
	}

	return nil
}

type Database struct {
	SQL           *SQLDatabase `json:"sql,omitempty"`
	EncryptionKey *SecretRef   `json:"encryption_key,omitempty"` // seals stored tenant private keys
	LogQueries    bool         `json:"log_queries,omitempty"`
}

type SQLDatabase struct {
	Driver string `json:"driver" enum:"sqlite,sqlite3,postgres,pgx,mysql"`
	DSN    string `json:"dsn"`
}

type Service struct {
	// ApiPrefix prefixes all endpoints (including health and metrics) with its value. It is important to start with `/` and not end with `/`.
	// For example `/my/path` will make health endpoint be accessible under `/my/path/health`
	ApiPrefix string   `json:"api_prefix,omitempty" pattern:"^/([^/].*[^/])?$"`
	Addr      string   `json:"addr,omitempty"`
	_         struct{} `additionalProperties:"false"`
}
