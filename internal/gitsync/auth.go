package gitsync

import (
	"bytes"
	"cmp"
	"context"
	"errors"
	"fmt"
	"net"
	gohttp "net/http"
	"os"
	"strings"
	"sync"

	"github.com/bradleyfalzon/ghinstallation/v2"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
	gitssh "github.com/go-git/go-git/v5/plumbing/transport/ssh"
	"golang.org/x/crypto/ssh"

	"github.com/taskpdf/taskpdf/internal/config"
	pkgsync "github.com/taskpdf/taskpdf/pkg/sync"
)

const defaultSSHUser = "git"

var errSSHKeyRequired = errors.New("ssh remotes require a private key")

// ParseRemote parses a tenant remote URL. Supported protocols are ssh,
// http(s) and git; file URLs and local paths are accepted only when
// allowFile is set.
func ParseRemote(remoteURL string, allowFile bool) (*transport.Endpoint, error) {
	if strings.TrimSpace(remoteURL) == "" {
		return nil, errors.New("remote URL is empty")
	}

	ep, err := transport.NewEndpoint(remoteURL)
	if err != nil {
		return nil, fmt.Errorf("invalid remote URL %q: %w", remoteURL, err)
	}

	switch ep.Protocol {
	case "ssh", "http", "https", "git":
	case "file":
		if !allowFile {
			return nil, fmt.Errorf("local remote %q is not allowed", remoteURL)
		}
	default:
		return nil, fmt.Errorf("unsupported remote protocol %q", ep.Protocol)
	}

	return ep, nil
}

// auth selects how to authenticate against ep. A staged key always wins and
// requires an ssh remote. HTTP(S) remotes on service account hosts use the
// service account. Everything else is anonymous.
func (m *Mirrors) auth(ctx context.Context, ep *transport.Endpoint, cred *Credential) (transport.AuthMethod, error) {
	switch {
	case !cred.Anonymous():
		if ep.Protocol != "ssh" {
			return nil, pkgsync.NewError(pkgsync.KindConfig, "", "authenticate",
				fmt.Errorf("a private key was supplied but the remote uses %s, not ssh", ep.Protocol))
		}

		hostKey, err := m.hostKeyCallback()
		if err != nil {
			return nil, pkgsync.NewError(pkgsync.KindConfig, "", "authenticate", err)
		}

		pk, err := cred.PublicKeys(cmp.Or(ep.User, defaultSSHUser), hostKey)
		if err != nil {
			return nil, pkgsync.NewError(pkgsync.KindAuth, "", "authenticate", fmt.Errorf("invalid private key: %w", err))
		}
		return pk, nil

	case ep.Protocol == "ssh":
		return nil, pkgsync.NewError(pkgsync.KindAuth, "", "authenticate", errSSHKeyRequired)

	case m.serviceAccountApplies(ep):
		method, err := m.serviceAccountAuth(ctx)
		if err != nil {
			return nil, pkgsync.NewError(pkgsync.KindConfig, "", "authenticate", fmt.Errorf("service account: %w", err))
		}
		return method, nil
	}

	return nil, nil
}

func (m *Mirrors) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if m.config.SSH.KnownHosts != "" {
		return gitssh.NewKnownHostsCallback(os.ExpandEnv(m.config.SSH.KnownHosts))
	}
	return newCheckFingerprints(m.config.SSH.HostFingerprints()), nil
}

func (m *Mirrors) serviceAccountApplies(ep *transport.Endpoint) bool {
	sa := m.config.ServiceAccount
	if sa == nil || (ep.Protocol != "http" && ep.Protocol != "https") {
		return false
	}
	return len(sa.Hosts) == 0 || sa.Hosts.Contains(ep.Host)
}

func (m *Mirrors) serviceAccountAuth(ctx context.Context) (transport.AuthMethod, error) {
	sa := m.config.ServiceAccount

	var typed any

	if m.secretProvider != nil {
		value, err := m.secretProvider.GetSecret(ctx, sa.Credentials.Name)
		if err != nil {
			return nil, err
		}
		secret := &config.Secret{Name: sa.Credentials.Name, Value: value}
		if typed, err = secret.Typed(ctx); err != nil {
			return nil, err
		}
	} else {
		var err error
		if typed, err = sa.Credentials.Resolve(ctx); err != nil {
			return nil, err
		}
	}

	return authFromTyped(ctx, &m.gh, sa.Username, typed)
}

// authFromTyped converts a typed config credential to transport.AuthMethod.
func authFromTyped(ctx context.Context, gh *github, username string, value any) (transport.AuthMethod, error) {
	switch value := value.(type) {
	case config.SecretPassword:
		if username == "" {
			return nil, errors.New("password credentials require a username")
		}
		return &http.BasicAuth{Username: username, Password: value.Password}, nil

	case config.SecretBasicAuth:
		return &basicAuth{
			Username: cmp.Or(value.Username, username),
			Password: value.Password,
			Headers:  value.Headers,
		}, nil

	case config.SecretTokenAuth:
		return &http.TokenAuth{Token: value.Token}, nil

	case config.SecretGitHubApp:
		token, err := gh.Token(ctx, value.IntegrationID, value.InstallationID, value.PrivateKey)
		if err != nil {
			return nil, err
		}
		return &http.BasicAuth{Username: "x-access-token", Password: token}, nil

	default:
		return nil, fmt.Errorf("unsupported authentication type for git: %T", value)
	}
}

// github handles GitHub App authentication by managing installation tokens.
type github struct {
	integrationID  int64
	installationID int64
	privateKey     []byte
	tr             *ghinstallation.Transport
	mu             sync.Mutex
}

func (gh *github) Token(ctx context.Context, integrationID, installationID int64, privateKeyFile string) (string, error) {
	privateKey, err := os.ReadFile(privateKeyFile)
	if err != nil {
		return "", err
	}

	tr, err := gh.transport(integrationID, installationID, privateKey)
	if err != nil {
		return "", err
	}

	return tr.Token(ctx)
}

// transport returns the cached installation transport, replacing it when the
// app identity changed.
func (gh *github) transport(integrationID, installationID int64, privateKey []byte) (*ghinstallation.Transport, error) {
	gh.mu.Lock()
	defer gh.mu.Unlock()

	if gh.tr == nil || gh.integrationID != integrationID || gh.installationID != installationID || !bytes.Equal(gh.privateKey, privateKey) {
		tr, err := ghinstallation.New(gohttp.DefaultTransport, integrationID, installationID, privateKey)
		if err != nil {
			return nil, err
		}

		gh.integrationID = integrationID
		gh.installationID = installationID
		gh.privateKey = privateKey
		gh.tr = tr
	}

	return gh.tr, nil
}

func newCheckFingerprints(fingerprints []string) ssh.HostKeyCallback {
	m := make(map[string]bool, len(fingerprints))
	for _, fp := range fingerprints {
		m[fp] = true
	}

	return func(hostname string, _ net.Addr, key ssh.PublicKey) error {
		fingerprint := ssh.FingerprintSHA256(key)
		if _, ok := m[fingerprint]; !ok {
			return fmt.Errorf("ssh: unknown fingerprint (%s) for %s", fingerprint, hostname)
		}
		return nil
	}
}

// basicAuth provides HTTP basic authentication but in addition can set
// extra headers required for authentication.
type basicAuth struct {
	Username string
	Password string
	Headers  []string
}

func (a *basicAuth) String() string {
	masked := "*******"
	if a.Password == "" {
		masked = "<empty>"
	}
	return fmt.Sprintf("%s - %s:%s [%s]", a.Name(), a.Username, masked, strings.Join(a.Headers, ", "))
}

func (*basicAuth) Name() string {
	return "http-basic-auth-extra"
}

func (a *basicAuth) SetAuth(r *gohttp.Request) {
	r.SetBasicAuth(a.Username, a.Password)
	for _, header := range a.Headers {
		name, value, found := strings.Cut(header, ":")
		if found {
			r.Header.Set(strings.TrimSpace(name), strings.TrimSpace(value))
		}
	}
}
