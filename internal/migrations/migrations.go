// Package migrations owns the database schema and applies it with
// golang-migrate before handing out a ready database.Database.
package migrations

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	migratedb "github.com/golang-migrate/migrate/v4/database"
	migratemysql "github.com/golang-migrate/migrate/v4/database/mysql"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/taskpdf/taskpdf/internal/config"
	"github.com/taskpdf/taskpdf/internal/database"
	taskpdf_fs "github.com/taskpdf/taskpdf/internal/fs"
	"github.com/taskpdf/taskpdf/internal/logging"
)

const migrationsTable = "schema_migrations"

type Migrator struct {
	config  *config.Database
	log     *logging.Logger
	migrate bool
}

func New() *Migrator {
	return &Migrator{}
}

func (m *Migrator) WithConfig(config *config.Database) *Migrator {
	m.config = config
	return m
}

func (m *Migrator) WithLogger(log *logging.Logger) *Migrator {
	m.log = log
	return m
}

// WithMigrate controls whether pending migrations are applied. Without it,
// Run only connects.
func (m *Migrator) WithMigrate(yes bool) *Migrator {
	m.migrate = yes
	return m
}

func (m *Migrator) Run(ctx context.Context) (*database.Database, error) {
	if m.log == nil {
		m.log = logging.NewNoOpLogger()
	}

	db := (&database.Database{}).WithConfig(m.config).WithLogger(m.log)
	if err := db.InitDB(ctx); err != nil {
		return nil, err
	}

	if !m.migrate {
		return db, nil
	}

	if err := m.up(db); err != nil {
		db.CloseDB()
		return nil, fmt.Errorf("migrations: %w", err)
	}

	return db, nil
}

func (m *Migrator) up(db *database.Database) error {
	dialect, err := db.Dialect()
	if err != nil {
		return err
	}

	files, err := Schema(dialect)
	if err != nil {
		return err
	}

	src, err := iofs.New(files, ".")
	if err != nil {
		return err
	}
	defer src.Close()

	// The drivers close the *sql.DB they wrap on Close, and the database
	// outlives the migration run, so only the source is closed here.
	var drv migratedb.Driver
	switch dialect {
	case "sqlite":
		drv, err = migratesqlite.WithInstance(db.DB(), &migratesqlite.Config{MigrationsTable: migrationsTable})
	case "postgresql":
		drv, err = migratepgx.WithInstance(db.DB(), &migratepgx.Config{MigrationsTable: migrationsTable})
	case "mysql":
		drv, err = migratemysql.WithInstance(db.DB(), &migratemysql.Config{MigrationsTable: migrationsTable})
	}
	if err != nil {
		return err
	}

	mg, err := migrate.NewWithInstance("iofs", src, dialect, drv)
	if err != nil {
		return err
	}
	mg.Log = &logger{log: m.log}

	if err := mg.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}

	version, dirty, err := mg.Version()
	if err != nil {
		return err
	}
	m.log.Debugf("database schema at version %d (dirty: %t)", version, dirty)
	return nil
}

// Schema returns the migration files for the given dialect, named the way
// golang-migrate expects.
func Schema(dialect string) (fs.FS, error) {
	kind, err := dialectKind(dialect)
	if err != nil {
		return nil, err
	}

	m := map[string]string{
		"000_tenants.up.sql":                 tenantsTable.SQL(kind),
		"001_add_tenants_sync_status.up.sql": addSyncStatus(kind),
	}
	return taskpdf_fs.MapFS(m), nil
}

var tenantsTable = createSQLTable("tenants").
	KeyColumn("tenant_id").
	TextNonNullColumn("remote_url").
	TextNonNullColumn("content_path").
	TextColumn("private_key").
	KeyNonNullColumn("updated_at")

func addSyncStatus(kind int) string {
	switch kind {
	case sqlite: // NB: sqlite doesn't support adding multiple columns in one statement
		return `ALTER TABLE tenants ADD last_sync_at TEXT; ALTER TABLE tenants ADD last_sync_status TEXT; ALTER TABLE tenants ADD last_sync_message TEXT; ALTER TABLE tenants ADD last_commit TEXT`
	case postgres:
		return `ALTER TABLE tenants ADD last_sync_at TEXT, ADD last_sync_status TEXT, ADD last_sync_message TEXT, ADD last_commit TEXT`
	case mysql:
		return `ALTER TABLE tenants ADD last_sync_at VARCHAR(255), ADD last_sync_status VARCHAR(255), ADD last_sync_message TEXT, ADD last_commit VARCHAR(255)`
	}
	panic("unknown kind")
}

// logger adapts the service logger to migrate.Logger.
type logger struct {
	log *logging.Logger
}

func (l *logger) Printf(format string, v ...any) {
	l.log.Debugf("migrate: "+format, v...)
}

func (l *logger) Verbose() bool {
	return false
}
