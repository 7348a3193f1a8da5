// Package cmd implements the taskpdf command line.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/thediveo/enumflag/v2"

	"github.com/taskpdf/taskpdf/internal/config"
	"github.com/taskpdf/taskpdf/internal/database"
	"github.com/taskpdf/taskpdf/internal/logging"
	"github.com/taskpdf/taskpdf/internal/migrations"
	"github.com/taskpdf/taskpdf/internal/service"
)

const defaultDataDir = ".taskpdf"

var logLevelIds = map[logging.Level][]string{
	logging.LevelDebug: {"debug"},
	logging.LevelInfo:  {"info"},
	logging.LevelWarn:  {"warn"},
	logging.LevelError: {"error"},
}

var logFormatIds = map[logging.Format][]string{
	logging.FormatJSON: {"json"},
	logging.FormatText: {"text"},
}

type globalParams struct {
	configFile string
	dataDir    string
	logLevel   logging.Level
	logFormat  logging.Format
}

func addGlobalFlags(fs *pflag.FlagSet, p *globalParams) {
	fs.StringVarP(&p.configFile, "config", "c", "", "path to the configuration file")
	fs.StringVar(&p.dataDir, "data-dir", defaultDataDir, "directory of the default SQLite database")
	fs.Var(enumflag.New(&p.logLevel, "level", logLevelIds, enumflag.EnumCaseInsensitive), "log-level", "log level: debug, info, warn or error")
	fs.Var(enumflag.New(&p.logFormat, "format", logFormatIds, enumflag.EnumCaseInsensitive), "log-format", "log format: json or text")
}

func (p *globalParams) logger() *logging.Logger {
	return logging.NewLogger(logging.Config{Level: p.logLevel, Format: p.logFormat})
}

// loadConfig reads the configuration file, if any. Without a database
// section, tenant configuration is kept in a SQLite file under the data
// directory so that it survives between invocations.
func (p *globalParams) loadConfig() (*config.Root, error) {
	cfg := &config.Root{}
	if p.configFile != "" {
		var err error
		if cfg, err = config.ParseFile(p.configFile); err != nil {
			return nil, err
		}
	}

	if cfg.Database == nil || cfg.Database.SQL == nil || cfg.Database.SQL.DSN == "" {
		if cfg.SetSQLitePersistentByDefault(p.dataDir) {
			if err := os.MkdirAll(p.dataDir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create data directory: %w", err)
			}
		}
	}

	return cfg, nil
}

// openService connects to the database, applying migrations, and returns a
// ready service. The caller closes the database.
func (p *globalParams) openService(ctx context.Context, log *logging.Logger) (*service.Service, *config.Root, *database.Database, error) {
	cfg, err := p.loadConfig()
	if err != nil {
		return nil, nil, nil, err
	}

	db, err := migrations.New().
		WithConfig(cfg.Database).
		WithLogger(log).
		WithMigrate(true).
		Run(ctx)
	if err != nil {
		return nil, nil, nil, err
	}

	svc := service.New().WithConfig(cfg).WithDatabase(db).WithLogger(log)
	if err := svc.Init(ctx); err != nil {
		db.CloseDB()
		return nil, nil, nil, err
	}

	return svc, cfg, db, nil
}

func RootCommand() *cobra.Command {
	var params globalParams
	params.logLevel = logging.LevelWarn

	root := &cobra.Command{
		Use:           "taskpdf",
		Short:         "Render task statements from tenant git repositories to PDF",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	addGlobalFlags(root.PersistentFlags(), &params)

	root.AddCommand(
		runCommand(&params),
		migrateCommand(&params),
		configCommand(&params),
		tenantsCommand(&params),
		syncCommand(&params),
		genpdfCommand(&params),
		docsCommand(&params),
	)

	return root
}

func Execute() {
	if err := RootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
