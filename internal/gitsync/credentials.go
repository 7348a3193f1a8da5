package gitsync

import (
	"errors"
	"io/fs"
	"os"
	"sync"

	gitssh "github.com/go-git/go-git/v5/plumbing/transport/ssh"
	"golang.org/x/crypto/ssh"

	"github.com/taskpdf/taskpdf/internal/logging"
)

var errCredentialClosed = errors.New("credential already released")

// Credential is private key material staged in a file for the duration of a
// single synchronization. The file is owned by the Credential and removed by
// Close, which callers defer right after staging.
type Credential struct {
	mu     sync.Mutex
	path   string
	closed bool
	log    *logging.Logger
}

// StageCredential writes key to a new file under dir. The file name starts
// with the tenant id and ends with a random component, so concurrent calls
// never collide. An empty key stages nothing and yields an anonymous
// credential.
func StageCredential(dir, tenant string, key []byte, log *logging.Logger) (*Credential, error) {
	c := &Credential{log: log}
	if len(key) == 0 {
		return c, nil
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}

	// CreateTemp opens the file with O_EXCL and mode 0600.
	f, err := os.CreateTemp(dir, tenant+"-*.key")
	if err != nil {
		return nil, err
	}
	c.path = f.Name()

	if _, err := f.Write(key); err != nil {
		f.Close()
		c.Close()
		return nil, err
	}

	if err := f.Close(); err != nil {
		c.Close()
		return nil, err
	}

	return c, nil
}

// Anonymous reports whether no key material was staged.
func (c *Credential) Anonymous() bool {
	return c.path == ""
}

// Path returns the location of the staged key, or "" for anonymous credentials.
func (c *Credential) Path() string {
	return c.path
}

// PublicKeys resolves the staged key into an SSH auth method for one
// connection attempt. It reads the file each time it is called.
func (c *Credential) PublicKeys(user string, hostKey ssh.HostKeyCallback) (*sshKeyAuth, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, errCredentialClosed
	}
	if c.path == "" {
		return nil, errors.New("no private key staged")
	}

	auth, err := gitssh.NewPublicKeysFromFile(user, c.path, "")
	if err != nil {
		return nil, err
	}
	auth.HostKeyCallback = hostKey

	return &sshKeyAuth{PublicKeys: auth}, nil
}

var hostKeyAlgorithms = []string{
	ssh.KeyAlgoED25519,
	ssh.KeyAlgoECDSA256,
	ssh.KeyAlgoECDSA384,
	ssh.KeyAlgoECDSA521,
	ssh.KeyAlgoRSASHA512,
	ssh.KeyAlgoRSASHA256,
	ssh.KeyAlgoRSA,
}

// sshKeyAuth pins the host key algorithms. Without them the ssh transport
// derives the list from the user's known_hosts files and fails when there
// are none.
type sshKeyAuth struct {
	*gitssh.PublicKeys
}

func (a *sshKeyAuth) ClientConfig() (*ssh.ClientConfig, error) {
	cfg, err := a.PublicKeys.ClientConfig()
	if err != nil {
		return nil, err
	}
	if cfg.HostKeyAlgorithms == nil {
		cfg.HostKeyAlgorithms = hostKeyAlgorithms
	}
	return cfg, nil
}

// Close removes the staged key. It is safe to call more than once. A failed
// removal leaves key material on disk and is logged as a warning.
func (c *Credential) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	if c.path == "" {
		return nil
	}

	if err := os.Remove(c.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		c.log.Warnf("degraded security: staged private key %s could not be removed: %v", c.path, err)
		return err
	}

	return nil
}
