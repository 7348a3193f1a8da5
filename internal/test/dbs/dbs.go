// Package dbs provides the database matrix used by tests. SQLite is always
// included; PostgreSQL and MySQL run in containers when
// TASKPDF_TEST_CONTAINERS is set.
package dbs

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/mysql"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/taskpdf/taskpdf/internal/config"
)

const containersEnv = "TASKPDF_TEST_CONTAINERS"

type Config struct {
	Setup    func(*testing.T) testcontainers.Container
	Cleanup  func(*testing.T, testcontainers.Container) func()
	Database func(*testing.T, testcontainers.Container) *config.Root
}

func Configs(t *testing.T) map[string]Config {
	t.Helper()

	configs := map[string]Config{
		"sqlite": {
			Database: func(t *testing.T, _ testcontainers.Container) *config.Root {
				return &config.Root{
					Database: &config.Database{
						SQL: &config.SQLDatabase{
							Driver: "sqlite",
							DSN:    filepath.Join(t.TempDir(), "test.db"),
						},
					},
				}
			},
		},
	}

	if os.Getenv(containersEnv) == "" {
		return configs
	}

	configs["postgres"] = Config{
		Setup: func(t *testing.T) testcontainers.Container {
			ctr, err := postgres.Run(t.Context(), "postgres:17-alpine",
				postgres.WithDatabase("taskpdf"),
				postgres.WithUsername("taskpdf"),
				postgres.WithPassword("password"),
				postgres.BasicWaitStrategies(),
			)
			if err != nil {
				t.Fatal(err)
			}
			return ctr
		},
		Cleanup: terminate,
		Database: func(t *testing.T, ctr testcontainers.Container) *config.Root {
			dsn, err := ctr.(*postgres.PostgresContainer).ConnectionString(t.Context(), "sslmode=disable")
			if err != nil {
				t.Fatal(err)
			}
			return &config.Root{
				Database: &config.Database{
					SQL: &config.SQLDatabase{Driver: "pgx", DSN: dsn},
				},
			}
		},
	}

	configs["mysql"] = Config{
		Setup: func(t *testing.T) testcontainers.Container {
			ctr, err := mysql.Run(t.Context(), "mysql:8.4",
				mysql.WithDatabase("taskpdf"),
				mysql.WithUsername("root"),
				mysql.WithPassword("password"),
			)
			if err != nil {
				t.Fatal(err)
			}
			return ctr
		},
		Cleanup: terminate,
		Database: func(t *testing.T, ctr testcontainers.Container) *config.Root {
			dsn, err := ctr.(*mysql.MySQLContainer).ConnectionString(t.Context())
			if err != nil {
				t.Fatal(err)
			}
			return &config.Root{
				Database: &config.Database{
					SQL: &config.SQLDatabase{Driver: "mysql", DSN: dsn},
				},
			}
		},
	}

	return configs
}

func terminate(t *testing.T, ctr testcontainers.Container) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := ctr.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	}
}
