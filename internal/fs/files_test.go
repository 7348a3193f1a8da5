package fs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestContainsFiles(t *testing.T) {
	dir := t.TempDir()

	ok, err := ContainsFiles(filepath.Join(dir, "missing"))
	if err != nil || ok {
		t.Fatalf("expected missing directory to contain no files, got %v, %v", ok, err)
	}

	if err := os.MkdirAll(filepath.Join(dir, "a", "b"), 0o755); err != nil {
		t.Fatal(err)
	}

	ok, err = ContainsFiles(dir)
	if err != nil || ok {
		t.Fatalf("expected empty directories to contain no files, got %v, %v", ok, err)
	}

	if err := os.WriteFile(filepath.Join(dir, "a", "b", "f"), nil, 0o644); err != nil {
		t.Fatal(err)
	}

	ok, err = ContainsFiles(dir)
	if err != nil || !ok {
		t.Fatalf("expected a file to be found, got %v, %v", ok, err)
	}
}

func TestNames(t *testing.T) {
	fsys := MapFS(map[string]string{
		"contest/B.md":        "b",
		"contest/A.md":        "a",
		"contest/config.json": "{}",
		"contest/sub/C.md":    "c",
	})

	names, err := Names(fsys, "contest", ".md")
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff([]string{"A", "B"}, names); diff != "" {
		t.Fatalf("unexpected names (-want, +got):\n%s", diff)
	}
}
