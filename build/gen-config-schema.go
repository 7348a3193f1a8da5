//go:build ignore

// Command gen-config-schema writes the JSON schema of the taskpdf
// configuration file.
package main

import (
	"log"
	"os"
	"path/filepath"

	"github.com/taskpdf/taskpdf/internal/config"
)

func main() {
	if len(os.Args) != 2 {
		log.Fatalf("usage: %s docs/config.schema.json", filepath.Base(os.Args[0]))
	}

	bs, err := config.ReflectSchema()
	if err != nil {
		log.Fatalf("reflect schema: %v", err)
	}

	out := os.Args[1]
	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		log.Fatal(err)
	}
	if err := os.WriteFile(out, append(bs, '\n'), 0o644); err != nil {
		log.Fatal(err)
	}
}
