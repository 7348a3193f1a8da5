package database

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/achille-roussel/sqlrange"
	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib" // database/sql compatible driver for pgx
	sqldblogger "github.com/simukti/sqldb-logger"
	"github.com/simukti/sqldb-logger/logadapter/zerologadapter"
	moderncsqlite "modernc.org/sqlite"

	"github.com/taskpdf/taskpdf/internal/config"
	"github.com/taskpdf/taskpdf/internal/crypto"
	"github.com/taskpdf/taskpdf/internal/logging"
	pkgsync "github.com/taskpdf/taskpdf/pkg/sync"
)

const (
	sqlite = iota
	postgres
	mysql
)

const SQLiteMemoryOnlyDSN = "file::memory:?cache=shared"

// Prefixes of the stored private_key column.
const (
	sealedPrefix = "v1:"
	rawPrefix    = "raw:"
)

// Database implements the database operations. It will hide any differences between the varying SQL databases from the rest of the codebase.
type Database struct {
	db     *sql.DB
	config *config.Database
	kind   int
	log    *logging.Logger
	sealer *crypto.Sealer
}

var _ pkgsync.TenantConfigProvider = (*Database)(nil)

func (d *Database) DB() *sql.DB {
	return d.db
}

func (d *Database) Dialect() (string, error) {
	switch d.kind {
	case sqlite:
		return "sqlite", nil
	case postgres:
		return "postgresql", nil
	case mysql:
		return "mysql", nil
	default:
		return "", fmt.Errorf("unknown kind: %d", d.kind)
	}
}

func (d *Database) WithConfig(config *config.Database) *Database {
	d.config = config
	return d
}

func (d *Database) WithLogger(log *logging.Logger) *Database {
	d.log = log
	return d
}

func (d *Database) InitDB(ctx context.Context) error {
	if d.log == nil {
		d.log = logging.NewNoOpLogger()
	}

	var sqlConfig *config.SQLDatabase
	if d.config != nil {
		sqlConfig = d.config.SQL
	}

	var err error
	switch {
	case sqlConfig == nil:
		// Default to memory-only SQLite if no config is provided.
		fallthrough
	case sqlConfig.Driver == "sqlite3" || sqlConfig.Driver == "sqlite":
		dsn := SQLiteMemoryOnlyDSN
		if sqlConfig != nil && sqlConfig.DSN != "" {
			dsn = os.ExpandEnv(sqlConfig.DSN)
		}
		d.kind = sqlite
		if d.db, err = d.open("sqlite", &moderncsqlite.Driver{}, dsn); err != nil {
			return err
		}
		// Writers would otherwise fail with SQLITE_BUSY.
		d.db.SetMaxOpenConns(1)

	case sqlConfig.Driver == "postgres" || sqlConfig.Driver == "pgx":
		dsn := os.ExpandEnv(sqlConfig.DSN)
		if _, err := pgx.ParseConfig(dsn); err != nil {
			return err
		}
		d.kind = postgres
		if d.db, err = d.open("pgx", stdlib.GetDefaultDriver(), dsn); err != nil {
			return err
		}

	case sqlConfig.Driver == "mysql":
		dsn := os.ExpandEnv(sqlConfig.DSN)
		if _, err := mysqldriver.ParseDSN(dsn); err != nil {
			return err
		}
		d.kind = mysql
		if d.db, err = d.open("mysql", &mysqldriver.MySQLDriver{}, dsn); err != nil {
			return err
		}

	default:
		return errors.New("unsupported database connection type")
	}

	if err := d.db.PingContext(ctx); err != nil {
		d.db.Close()
		return err
	}

	return d.initSealer(ctx)
}

// open connects through the query logger when database.log_queries is set.
func (d *Database) open(name string, drv driver.Driver, dsn string) (*sql.DB, error) {
	if d.config != nil && d.config.LogQueries {
		return sqldblogger.OpenDriver(dsn, drv, zerologadapter.New(d.log.Zerolog()),
			sqldblogger.WithMinimumLevel(sqldblogger.LevelDebug),
			sqldblogger.WithSQLQueryAsMessage(true),
			sqldblogger.WithLogArguments(false), // arguments carry key material
		), nil
	}
	return sql.Open(name, dsn)
}

func (d *Database) initSealer(ctx context.Context) error {
	if d.config == nil || d.config.EncryptionKey == nil {
		d.log.Warnf("database.encryption_key is not configured: tenant private keys are stored unencrypted")
		return nil
	}

	value, err := d.config.EncryptionKey.Resolve(ctx)
	if err != nil {
		return err
	}

	key, ok := value.(config.SecretEncryptionKey)
	if !ok {
		return fmt.Errorf("unsupported secret type '%T' for database encryption key", value)
	}

	bs, err := key.Bytes()
	if err != nil {
		return err
	}

	d.sealer, err = crypto.NewSealer(bs)
	return err
}

func (d *Database) CloseDB() {
	d.db.Close()
}

// Tenant is a stored tenant row.
type Tenant struct {
	ID        string
	Repo      pkgsync.TenantRepo
	UpdatedAt time.Time
	LastSync  *SyncStatus
	HasKey    bool
}

// SyncStatus records the outcome of the most recent synchronization.
type SyncStatus struct {
	At      time.Time `json:"at"`
	Status  string    `json:"status"` // "ok" or the error kind
	Message string    `json:"message,omitempty"`
	Commit  string    `json:"commit,omitempty"`
}

type tenantRow struct {
	ID          string           `sql:"tenant_id"`
	RemoteURL   string           `sql:"remote_url"`
	ContentPath string           `sql:"content_path"`
	PrivateKey  sql.Null[string] `sql:"private_key"`
	UpdatedAt   string           `sql:"updated_at"`
	SyncAt      sql.Null[string] `sql:"last_sync_at"`
	SyncStatus  sql.Null[string] `sql:"last_sync_status"`
	SyncMessage sql.Null[string] `sql:"last_sync_message"`
	SyncCommit  sql.Null[string] `sql:"last_commit"`
}

const tenantColumns = "tenant_id, remote_url, content_path, private_key, updated_at, last_sync_at, last_sync_status, last_sync_message, last_commit"

func (d *Database) tenant(row tenantRow) (*Tenant, error) {
	t := &Tenant{
		ID: row.ID,
		Repo: pkgsync.TenantRepo{
			RemoteURL:   row.RemoteURL,
			ContentPath: row.ContentPath,
		},
	}

	var err error
	if t.UpdatedAt, err = time.Parse(time.RFC3339Nano, row.UpdatedAt); err != nil {
		return nil, fmt.Errorf("tenant %q: invalid updated_at: %w", row.ID, err)
	}

	if row.PrivateKey.Valid && row.PrivateKey.V != "" {
		t.HasKey = true
		if t.Repo.PrivateKey, err = d.openKey(row.PrivateKey.V); err != nil {
			return nil, fmt.Errorf("tenant %q: %w", row.ID, err)
		}
	}

	if row.SyncAt.Valid {
		at, err := time.Parse(time.RFC3339Nano, row.SyncAt.V)
		if err != nil {
			return nil, fmt.Errorf("tenant %q: invalid last_sync_at: %w", row.ID, err)
		}
		t.LastSync = &SyncStatus{
			At:      at,
			Status:  row.SyncStatus.V,
			Message: row.SyncMessage.V,
			Commit:  row.SyncCommit.V,
		}
	}

	return t, nil
}

// UpsertTenant stores repo as the tenant's configuration, replacing any
// previous one. The recorded sync status is cleared.
func (d *Database) UpsertTenant(ctx context.Context, id string, repo *pkgsync.TenantRepo) error {
	var key any
	if len(repo.PrivateKey) > 0 {
		sealed, err := d.sealKey(repo.PrivateKey)
		if err != nil {
			return err
		}
		key = sealed
	}

	return tx1(ctx, d, func(tx *sql.Tx) error {
		return d.upsertRel(ctx, tx, "tenants", strings.Split(tenantColumns, ", "), []string{"tenant_id"},
			id, repo.RemoteURL, repo.ContentPath, key, formatTime(time.Now()), nil, nil, nil, nil)
	})
}

func (d *Database) GetTenant(ctx context.Context, id string) (*Tenant, error) {
	query := fmt.Sprintf("SELECT %s FROM tenants WHERE tenant_id = %s", tenantColumns, d.arg(0))

	for row, err := range sqlrange.QueryContext[tenantRow](ctx, d.db, query, id) {
		if err != nil {
			return nil, err
		}
		return d.tenant(row)
	}

	return nil, ErrNotFound
}

// ListTenants returns all tenants ordered by id.
func (d *Database) ListTenants(ctx context.Context) ([]*Tenant, error) {
	query := fmt.Sprintf("SELECT %s FROM tenants ORDER BY tenant_id", tenantColumns)

	var tenants []*Tenant
	for row, err := range sqlrange.QueryContext[tenantRow](ctx, d.db, query) {
		if err != nil {
			return nil, err
		}
		t, err := d.tenant(row)
		if err != nil {
			return nil, err
		}
		tenants = append(tenants, t)
	}

	return tenants, nil
}

func (d *Database) DeleteTenant(ctx context.Context, id string) error {
	return tx1(ctx, d, func(tx *sql.Tx) error {
		n, err := d.delete(ctx, tx, "tenants", "tenant_id", id)
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// UpdateSyncStatus records the outcome of a synchronization. It is a no-op
// for tenants deleted in the meantime.
func (d *Database) UpdateSyncStatus(ctx context.Context, id string, status SyncStatus) error {
	query := fmt.Sprintf("UPDATE tenants SET last_sync_at = %s, last_sync_status = %s, last_sync_message = %s, last_commit = %s WHERE tenant_id = %s",
		d.arg(0), d.arg(1), d.arg(2), d.arg(3), d.arg(4))

	var commit any
	if status.Commit != "" {
		commit = status.Commit
	}

	_, err := d.db.ExecContext(ctx, query, formatTime(status.At), status.Status, status.Message, commit, id)
	return err
}

// GetTenantConfig implements pkg/sync.TenantConfigProvider.
func (d *Database) GetTenantConfig(ctx context.Context, id string) (*pkgsync.TenantRepo, error) {
	t, err := d.GetTenant(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, pkgsync.NewError(pkgsync.KindConfig, id, "", fmt.Errorf("no repository configured: %w", err))
	} else if err != nil {
		return nil, err
	}
	return &t.Repo, nil
}

// SetTenantConfig implements pkg/sync.TenantConfigProvider.
func (d *Database) SetTenantConfig(ctx context.Context, id string, repo *pkgsync.TenantRepo) error {
	return d.UpsertTenant(ctx, id, repo)
}

func (d *Database) sealKey(key []byte) (string, error) {
	if d.sealer == nil {
		return rawPrefix + base64.StdEncoding.EncodeToString(key), nil
	}

	sealed, err := d.sealer.Seal(key)
	if err != nil {
		return "", err
	}
	return sealedPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

func (d *Database) openKey(stored string) ([]byte, error) {
	switch {
	case strings.HasPrefix(stored, sealedPrefix):
		if d.sealer == nil {
			return nil, errors.New("private key is sealed but database.encryption_key is not configured")
		}
		sealed, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, sealedPrefix))
		if err != nil {
			return nil, err
		}
		return d.sealer.Open(sealed)

	case strings.HasPrefix(stored, rawPrefix):
		return base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, rawPrefix))

	default:
		return nil, errors.New("unrecognized private key encoding")
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func (d *Database) upsertRel(ctx context.Context, tx *sql.Tx, table string, columns []string, primaryKey []string, values ...any) error {
	var query string
	switch d.kind {
	case sqlite:
		query = fmt.Sprintf(`INSERT OR REPLACE INTO %s (%s) VALUES (%s)`, table, strings.Join(columns, ", "),
			strings.Join(d.args(len(columns)), ", "))

	case postgres:
		set := make([]string, 0, len(columns))
		for i := range columns {
			if !slices.Contains(primaryKey, columns[i]) { // do not update primary key columns
				set = append(set, fmt.Sprintf("%s = EXCLUDED.%s", columns[i], columns[i]))
			}
		}

		query = fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s`, table, strings.Join(columns, ", "),
			strings.Join(d.args(len(columns)), ", "),
			strings.Join(primaryKey, ", "),
			strings.Join(set, ", "))

	case mysql:
		set := make([]string, 0, len(columns))
		for i := range columns {
			set = append(set, fmt.Sprintf("%s = VALUES(%s)", columns[i], columns[i]))
		}

		query = fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s) ON DUPLICATE KEY UPDATE %s`, table, strings.Join(columns, ", "),
			strings.Join(d.args(len(columns)), ", "),
			strings.Join(set, ", "))
	}

	_, err := tx.ExecContext(ctx, query, values...)
	return err
}

func (d *Database) delete(ctx context.Context, tx *sql.Tx, table, keyColumn string, keyValue any) (int64, error) {
	query := fmt.Sprintf("DELETE FROM %s WHERE %s = %s", table, keyColumn, d.arg(0))
	res, err := tx.ExecContext(ctx, query, keyValue)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (d *Database) arg(i int) string {
	if d.kind == postgres {
		return "$" + strconv.Itoa(i+1)
	}
	return "?"
}

func (d *Database) args(n int) []string {
	args := make([]string, n)
	for i := range n {
		args[i] = d.arg(i)
	}

	return args
}

func tx1(ctx context.Context, db *Database, f func(*sql.Tx) error) error {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	defer func() {
		_ = tx.Rollback()
	}()

	if err := f(tx); err != nil {
		return err
	}

	return tx.Commit()
}
