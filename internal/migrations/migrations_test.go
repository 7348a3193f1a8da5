package migrations_test

import (
	"io/fs"
	"strings"
	"testing"

	"github.com/testcontainers/testcontainers-go"

	"github.com/taskpdf/taskpdf/internal/migrations"
	"github.com/taskpdf/taskpdf/internal/test/dbs"
)

func TestSchemaFiles(t *testing.T) {
	for _, dialect := range []string{"sqlite", "postgresql", "mysql"} {
		t.Run(dialect, func(t *testing.T) {
			files, err := migrations.Schema(dialect)
			if err != nil {
				t.Fatal(err)
			}

			names, err := fs.Glob(files, "*.up.sql")
			if err != nil {
				t.Fatal(err)
			}
			if len(names) != 2 {
				t.Fatalf("expected 2 migrations, got %v", names)
			}

			bs, err := fs.ReadFile(files, "000_tenants.up.sql")
			if err != nil {
				t.Fatal(err)
			}
			if !strings.Contains(string(bs), "CONSTRAINT taskpdf_v1_tenants_tenant_id_pkey PRIMARY KEY (tenant_id)") {
				t.Fatalf("unexpected schema: %s", bs)
			}
		})
	}

	if _, err := migrations.Schema("oracle"); err == nil {
		t.Fatal("expected error for unsupported dialect")
	}
}

func TestMigrateTwice(t *testing.T) {
	for databaseType, databaseConfig := range dbs.Configs(t) {
		t.Run(databaseType, func(t *testing.T) {
			t.Parallel()
			var ctr testcontainers.Container
			if databaseConfig.Setup != nil {
				ctr = databaseConfig.Setup(t)
				t.Cleanup(databaseConfig.Cleanup(t, ctr))
			}

			cfg := databaseConfig.Database(t, ctr).Database

			for range 2 {
				db, err := migrations.New().WithConfig(cfg).WithMigrate(true).Run(t.Context())
				if err != nil {
					t.Fatalf("expected no error, got %v", err)
				}

				if _, err := db.DB().ExecContext(t.Context(), "SELECT tenant_id, last_sync_at, last_commit FROM tenants"); err != nil {
					t.Fatalf("expected tenants table with sync columns: %v", err)
				}
				db.CloseDB()
			}
		})
	}
}

func TestRunWithoutMigrate(t *testing.T) {
	db, err := migrations.New().Run(t.Context())
	if err != nil {
		t.Fatal(err)
	}
	defer db.CloseDB()

	if dialect, err := db.Dialect(); err != nil || dialect != "sqlite" {
		t.Fatalf("expected sqlite, got %q (%v)", dialect, err)
	}
}
