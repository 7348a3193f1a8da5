package gitsync

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"golang.org/x/crypto/ssh"

	"github.com/taskpdf/taskpdf/internal/logging"
)

func newPrivateKey(t *testing.T) []byte {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	block, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		t.Fatal(err)
	}

	return pem.EncodeToMemory(block)
}

func TestStageCredential(t *testing.T) {
	dir := filepath.Join(t.TempDir(), ".keys")
	key := newPrivateKey(t)

	cred, err := StageCredential(dir, "t1", key, logging.NewNoOpLogger())
	if err != nil {
		t.Fatal(err)
	}

	if cred.Anonymous() {
		t.Fatal("expected staged credential")
	}

	name := filepath.Base(cred.Path())
	if !strings.HasPrefix(name, "t1-") || !strings.HasSuffix(name, ".key") {
		t.Fatalf("unexpected key file name %q", name)
	}

	info, err := os.Stat(cred.Path())
	if err != nil {
		t.Fatal(err)
	}
	if runtime.GOOS != "windows" && info.Mode().Perm() != 0o600 {
		t.Fatalf("expected owner-only permissions, got %v", info.Mode().Perm())
	}

	auth, err := cred.PublicKeys("git", ssh.InsecureIgnoreHostKey())
	if err != nil {
		t.Fatal(err)
	}
	if auth.User != "git" {
		t.Fatalf("unexpected user %q", auth.User)
	}

	if err := cred.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(cred.Path()); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected key file to be removed, got %v", err)
	}

	if _, err := cred.PublicKeys("git", ssh.InsecureIgnoreHostKey()); !errors.Is(err, errCredentialClosed) {
		t.Fatalf("expected closed credential error, got %v", err)
	}

	if err := cred.Close(); err != nil {
		t.Fatalf("expected repeated close to succeed, got %v", err)
	}
}

func TestStageCredentialUnique(t *testing.T) {
	dir := t.TempDir()
	key := newPrivateKey(t)

	a, err := StageCredential(dir, "t1", key, logging.NewNoOpLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	b, err := StageCredential(dir, "t1", key, logging.NewNoOpLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	if a.Path() == b.Path() {
		t.Fatalf("expected distinct key files, got %q twice", a.Path())
	}
}

func TestStageCredentialAnonymous(t *testing.T) {
	dir := filepath.Join(t.TempDir(), ".keys")

	cred, err := StageCredential(dir, "t1", nil, logging.NewNoOpLogger())
	if err != nil {
		t.Fatal(err)
	}
	if !cred.Anonymous() {
		t.Fatal("expected anonymous credential")
	}
	if _, err := os.Stat(dir); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected nothing to be written, got %v", err)
	}
	if err := cred.Close(); err != nil {
		t.Fatal(err)
	}
}
