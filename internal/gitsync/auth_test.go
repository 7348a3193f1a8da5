package gitsync

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	gliderssh "github.com/gliderlabs/ssh"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"golang.org/x/crypto/ssh"

	"github.com/taskpdf/taskpdf/internal/config"
	pkgsync "github.com/taskpdf/taskpdf/pkg/sync"
)

// startSSHServer runs an SSH server that rejects every public key. It
// returns the address and the host key fingerprint.
func startSSHServer(t *testing.T) (string, string) {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	hostKey, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatal(err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	srv := &gliderssh.Server{
		Handler: func(s gliderssh.Session) {
			_ = s.Exit(1)
		},
		PublicKeyHandler: func(gliderssh.Context, gliderssh.PublicKey) bool {
			return false
		},
	}
	srv.AddHostKey(hostKey)

	go func() {
		_ = srv.Serve(ln)
	}()
	t.Cleanup(func() {
		_ = srv.Close()
	})

	return ln.Addr().String(), ssh.FingerprintSHA256(hostKey.PublicKey())
}

func TestSyncRejectedKey(t *testing.T) {
	addr, fingerprint := startSSHServer(t)
	root := t.TempDir()

	m := New(root, config.Git{SSH: config.SSH{Fingerprints: config.StringSet{fingerprint}}})

	_, err := m.Sync(t.Context(), "t1", pkgsync.TenantRepo{
		RemoteURL:  fmt.Sprintf("ssh://git@%s/example/private.git", addr),
		PrivateKey: newPrivateKey(t),
	})
	if pkgsync.KindOf(err) != pkgsync.KindAuth {
		t.Fatalf("expected authentication error, got %v", err)
	}
	if !strings.Contains(err.Error(), "private key") {
		t.Fatalf("expected hint about private key, got %v", err)
	}

	assertNoKeys(t, root)
}

func TestSyncUnknownHostKey(t *testing.T) {
	addr, _ := startSSHServer(t)
	root := t.TempDir()

	m := New(root, config.Git{SSH: config.SSH{Fingerprints: config.StringSet{"SHA256:unknown"}}})

	_, err := m.Sync(t.Context(), "t1", pkgsync.TenantRepo{
		RemoteURL:  fmt.Sprintf("ssh://git@%s/example/private.git", addr),
		PrivateKey: newPrivateKey(t),
	})
	if pkgsync.KindOf(err) != pkgsync.KindConfig {
		t.Fatalf("expected configuration error, got %v", err)
	}

	assertNoKeys(t, root)
}

func TestServiceAccountApplies(t *testing.T) {
	sa := &config.ServiceAccount{Username: "bot", Hosts: config.StringSet{"git.example.com"}}

	for _, tc := range []struct {
		url string
		sa  *config.ServiceAccount
		exp bool
	}{
		{url: "https://git.example.com/org/repo.git", sa: sa, exp: true},
		{url: "https://github.com/org/repo.git", sa: sa, exp: false},
		{url: "git@git.example.com:org/repo.git", sa: sa, exp: false},
		{url: "https://github.com/org/repo.git", sa: &config.ServiceAccount{}, exp: true},
		{url: "https://github.com/org/repo.git", sa: nil, exp: false},
	} {
		m := New(t.TempDir(), config.Git{ServiceAccount: tc.sa})
		ep, err := ParseRemote(tc.url, false)
		if err != nil {
			t.Fatal(err)
		}
		if got := m.serviceAccountApplies(ep); got != tc.exp {
			t.Errorf("%s: expected %v, got %v", tc.url, tc.exp, got)
		}
	}
}

func TestAuthFromTyped(t *testing.T) {
	ctx := context.Background()
	var gh github

	for _, tc := range []struct {
		note     string
		username string
		value    any
		check    func(*testing.T, transport.AuthMethod)
		err      string
	}{
		{
			note:     "password",
			username: "bot",
			value:    config.SecretPassword{Password: "pw"},
			check: func(t *testing.T, m transport.AuthMethod) {
				basic, ok := m.(*githttp.BasicAuth)
				if !ok || basic.Username != "bot" || basic.Password != "pw" {
					t.Fatalf("unexpected auth %v", m)
				}
			},
		},
		{
			note:  "password without username",
			value: config.SecretPassword{Password: "pw"},
			err:   "require a username",
		},
		{
			note:  "basic auth with headers",
			value: config.SecretBasicAuth{Username: "u", Password: "p", Headers: []string{"X-Org: acme"}},
			check: func(t *testing.T, m transport.AuthMethod) {
				req, _ := http.NewRequest(http.MethodGet, "https://example.com", nil)
				m.(*basicAuth).SetAuth(req)
				if u, p, ok := req.BasicAuth(); !ok || u != "u" || p != "p" {
					t.Fatalf("unexpected basic auth %v %v", u, p)
				}
				if req.Header.Get("X-Org") != "acme" {
					t.Fatalf("expected header to be set, got %v", req.Header)
				}
				if strings.Contains(m.String(), "p]") {
					t.Fatalf("expected password to be masked: %v", m)
				}
			},
		},
		{
			note:  "token",
			value: config.SecretTokenAuth{Token: "tok"},
			check: func(t *testing.T, m transport.AuthMethod) {
				req, _ := http.NewRequest(http.MethodGet, "https://example.com", nil)
				m.(*githttp.TokenAuth).SetAuth(req)
				if got := req.Header.Get("Authorization"); got != "Bearer tok" {
					t.Fatalf("unexpected authorization header %q", got)
				}
			},
		},
		{
			note:  "unsupported",
			value: config.SecretAWS{AccessKeyID: "a", SecretAccessKey: "b"},
			err:   "unsupported authentication type",
		},
	} {
		t.Run(tc.note, func(t *testing.T) {
			m, err := authFromTyped(ctx, &gh, tc.username, tc.value)
			if tc.err != "" {
				if err == nil || !strings.Contains(err.Error(), tc.err) {
					t.Fatalf("expected error containing %q, got %v", tc.err, err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			tc.check(t, m)
		})
	}
}

type staticSecrets map[string]map[string]any

func (s staticSecrets) GetSecret(_ context.Context, name string) (map[string]any, error) {
	v, ok := s[name]
	if !ok {
		return nil, errors.New("not found")
	}
	return v, nil
}

func TestServiceAccountSecretProvider(t *testing.T) {
	m := New(t.TempDir(), config.Git{
		ServiceAccount: &config.ServiceAccount{Credentials: &config.SecretRef{Name: "sa"}},
	}).WithSecretProvider(staticSecrets{"sa": {"type": "token_auth", "token": "from-provider"}})

	ep, err := ParseRemote("https://git.example.com/org/repo.git", false)
	if err != nil {
		t.Fatal(err)
	}

	cred, err := StageCredential(t.TempDir(), "t1", nil, m.log)
	if err != nil {
		t.Fatal(err)
	}

	method, err := m.auth(t.Context(), ep, cred)
	if err != nil {
		t.Fatal(err)
	}
	if tok, ok := method.(*githttp.TokenAuth); !ok || tok.Token != "from-provider" {
		t.Fatalf("unexpected auth %v", method)
	}
}

// blockingSecrets answers only when the context is done.
type blockingSecrets struct{}

func (blockingSecrets) GetSecret(ctx context.Context, _ string) (map[string]any, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestServiceAccountLookupTimesOut(t *testing.T) {
	m := New(t.TempDir(), config.Git{
		ServiceAccount: &config.ServiceAccount{Credentials: &config.SecretRef{Name: "sa"}},
	}).WithSecretProvider(blockingSecrets{}).WithTimeout(100 * time.Millisecond)

	start := time.Now()
	_, err := m.Sync(t.Context(), "t1", pkgsync.TenantRepo{RemoteURL: "https://git.example.com/org/repo.git"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if d := time.Since(start); d > 5*time.Second {
		t.Fatalf("expected the mirror timeout to bound the lookup, took %v", d)
	}
}

func TestParseRemote(t *testing.T) {
	for _, tc := range []struct {
		url   string
		allow bool
		proto string
		err   bool
	}{
		{url: "git@github.com:org/repo.git", proto: "ssh"},
		{url: "ssh://git@example.com:2222/org/repo.git", proto: "ssh"},
		{url: "https://github.com/org/repo.git", proto: "https"},
		{url: "file:///srv/repo", err: true},
		{url: "/srv/repo", err: true},
		{url: "file:///srv/repo", allow: true, proto: "file"},
		{url: "", err: true},
		{url: "ftp://example.com/repo", err: true},
	} {
		ep, err := ParseRemote(tc.url, tc.allow)
		if tc.err {
			if err == nil {
				t.Errorf("%q: expected error", tc.url)
			}
			continue
		}
		if err != nil {
			t.Errorf("%q: unexpected error %v", tc.url, err)
			continue
		}
		if ep.Protocol != tc.proto {
			t.Errorf("%q: expected protocol %q, got %q", tc.url, tc.proto, ep.Protocol)
		}
	}
}

func TestClassify(t *testing.T) {
	ctx := context.Background()
	expired, cancel := context.WithTimeout(ctx, 0)
	defer cancel()
	<-expired.Done()

	for _, tc := range []struct {
		note string
		ctx  context.Context
		err  error
		kind pkgsync.Kind
	}{
		{"auth required", ctx, transport.ErrAuthenticationRequired, pkgsync.KindAuth},
		{"not found", ctx, fmt.Errorf("clone: %w", transport.ErrRepositoryNotFound), pkgsync.KindAuth},
		{"ssh handshake", ctx, errors.New("ssh: handshake failed: ssh: unable to authenticate, attempted methods [none publickey]"), pkgsync.KindAuth},
		{"empty remote", ctx, transport.ErrEmptyRemoteRepository, pkgsync.KindConfig},
		{"deadline", expired, errors.New("read: i/o timeout"), pkgsync.KindTransport},
		{"network", ctx, &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}, pkgsync.KindTransport},
		{"other", ctx, errors.New("boom"), pkgsync.KindTransport},
	} {
		t.Run(tc.note, func(t *testing.T) {
			err := classify(tc.ctx, "fetch", tc.err)
			if got := pkgsync.KindOf(err); got != tc.kind {
				t.Fatalf("expected %v, got %v (%v)", tc.kind, got, err)
			}
			if !errors.Is(err, tc.err) {
				t.Fatal("expected cause to be preserved")
			}
		})
	}
}

func TestRedact(t *testing.T) {
	dump := []byte("GET /info/refs HTTP/1.1\r\nHost: example.com\r\nAuthorization: Basic dXNlcjpwYXNz\r\n\r\n")
	got := string(redact(dump))
	if strings.Contains(got, "dXNlcjpwYXNz") || !strings.Contains(got, "Authorization: <redacted>") {
		t.Fatalf("unexpected redaction: %q", got)
	}
}
