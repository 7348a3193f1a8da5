package cmd

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/taskpdf/taskpdf/internal/test/gitrepo"
)

func renderer(t *testing.T) string {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		out := "%PDF " + body["task_name"].(string)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": base64.StdEncoding.EncodeToString([]byte(out))})
	}))
	t.Cleanup(ts.Close)
	return ts.URL
}

type cli struct {
	t    *testing.T
	args []string
}

func newCLI(t *testing.T) *cli {
	t.Helper()

	dir := t.TempDir()
	configFile := filepath.Join(dir, "config.yaml")
	config := "git:\n  allow_file_urls: true\n" +
		"mirrors:\n  root: " + filepath.Join(dir, "mirrors") + "\n" +
		"renderer:\n  url: " + renderer(t) + "\n"
	if err := os.WriteFile(configFile, []byte(config), 0o644); err != nil {
		t.Fatal(err)
	}

	return &cli{t: t, args: []string{"--config", configFile, "--data-dir", filepath.Join(dir, "data")}}
}

func (c *cli) run(args ...string) (string, error) {
	c.t.Helper()

	var stdout, stderr bytes.Buffer
	root := RootCommand()
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs(append(append([]string{}, c.args...), args...))
	err := root.ExecuteContext(c.t.Context())
	return stdout.String(), err
}

func (c *cli) mustRun(args ...string) string {
	c.t.Helper()
	out, err := c.run(args...)
	if err != nil {
		c.t.Fatalf("%v: %v", args, err)
	}
	return out
}

func TestCLI(t *testing.T) {
	c := newCLI(t)
	remote := gitrepo.New(t, map[string]string{
		"contest/A.md":  "# A",
		"contest/B.md":  "# B",
		"contest/X.txt": "not a document",
	})

	if _, err := c.run("genpdf", "T1", "A", "-o", "-"); err == nil || !strings.Contains(err.Error(), "no repository configured") {
		t.Fatalf("expected configuration error, got %v", err)
	}

	if out := c.mustRun("config", "set", "T1", remote.URL(), "--path", "contest"); out != "tenant T1 configured\n" {
		t.Fatalf("unexpected output %q", out)
	}

	if out := c.mustRun("docs", "T1"); out != "A\nB\n" {
		t.Fatalf("unexpected documents %q", out)
	}

	if out := c.mustRun("genpdf", "T1", "B", "-o", "-"); out != "%PDF B" {
		t.Fatalf("unexpected pdf %q", out)
	}

	output := filepath.Join(t.TempDir(), "a.pdf")
	c.mustRun("genpdf", "T1", "A", "-o", output)
	if bs, err := os.ReadFile(output); err != nil || string(bs) != "%PDF A" {
		t.Fatalf("unexpected file contents %q (%v)", bs, err)
	}

	if out := c.mustRun("sync", "--all"); out != "1 tenants synchronized\n" {
		t.Fatalf("unexpected output %q", out)
	}

	out := c.mustRun("tenants", "list")
	for _, s := range []string{"T1", "contest", remote.Head()[:12]} {
		if !strings.Contains(out, s) {
			t.Fatalf("expected %q in tenant list:\n%s", s, out)
		}
	}

	var tenant struct {
		ID       string `json:"id"`
		LastSync struct {
			Status string `json:"status"`
			Commit string `json:"commit"`
		} `json:"last_sync"`
	}
	if err := json.Unmarshal([]byte(c.mustRun("config", "get", "T1")), &tenant); err != nil {
		t.Fatal(err)
	}
	if tenant.ID != "T1" || tenant.LastSync.Status != "ok" || tenant.LastSync.Commit != remote.Head() {
		t.Fatalf("unexpected tenant %+v", tenant)
	}

	c.mustRun("config", "delete", "T1")
	if _, err := c.run("config", "get", "T1"); err == nil {
		t.Fatal("expected error for deleted tenant")
	}
}

func TestCLISyncFailures(t *testing.T) {
	c := newCLI(t)
	remote := gitrepo.New(t, map[string]string{"A.md": "# A"})

	c.mustRun("config", "set", "good", remote.URL())

	_, err := c.run("sync", "good", "missing")
	if err == nil || err.Error() != "1 of 2 tenants failed to synchronize" {
		t.Fatalf("unexpected error %v", err)
	}

	if _, err := c.run("sync"); err == nil {
		t.Fatal("expected error without tenants")
	}
}

func TestCLIConfigValidation(t *testing.T) {
	c := newCLI(t)

	if _, err := c.run("config", "set", "T1", "ftp://example.com/r.git"); err == nil {
		t.Fatal("expected error for unsupported remote")
	}
	if _, err := c.run("config", "set", "T1", "https://example.com/r.git", "--path", "../x"); err == nil {
		t.Fatal("expected error for escaping content path")
	}
	if _, err := c.run("--log-level", "loud", "migrate"); err == nil {
		t.Fatal("expected error for unknown log level")
	}
	if out := c.mustRun("--log-level", "debug", "migrate"); out != "sqlite database is up to date\n" {
		t.Fatalf("unexpected output %q", out)
	}
}
