package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/taskpdf/taskpdf/internal/migrations"
)

func migrateCommand(p *globalParams) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := p.loadConfig()
			if err != nil {
				return err
			}

			db, err := migrations.New().
				WithConfig(cfg.Database).
				WithLogger(p.logger()).
				WithMigrate(true).
				Run(cmd.Context())
			if err != nil {
				return err
			}
			defer db.CloseDB()

			dialect, err := db.Dialect()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s database is up to date\n", dialect)
			return nil
		},
	}
}
