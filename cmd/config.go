package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/taskpdf/taskpdf/internal/server/types"
	pkgsync "github.com/taskpdf/taskpdf/pkg/sync"
)

func configCommand(p *globalParams) *cobra.Command {
	c := &cobra.Command{
		Use:   "config",
		Short: "Manage tenant repository configuration",
	}

	c.AddCommand(configSetCommand(p), configGetCommand(p), configDeleteCommand(p))
	return c
}

func configSetCommand(p *globalParams) *cobra.Command {
	var (
		contentPath string
		keyFile     string
	)

	c := &cobra.Command{
		Use:   "set TENANT URL",
		Short: "Set the repository of a tenant, replacing any previous configuration",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo := pkgsync.TenantRepo{RemoteURL: args[1], ContentPath: contentPath}
			if keyFile != "" {
				key, err := os.ReadFile(keyFile)
				if err != nil {
					return fmt.Errorf("failed to read private key: %w", err)
				}
				repo.PrivateKey = key
			}

			svc, _, db, err := p.openService(cmd.Context(), p.logger())
			if err != nil {
				return err
			}
			defer db.CloseDB()

			if err := svc.SetConfig(cmd.Context(), args[0], repo); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "tenant %s configured\n", args[0])
			return nil
		},
	}

	c.Flags().StringVar(&contentPath, "path", ".", "directory of the documents inside the repository")
	c.Flags().StringVar(&keyFile, "private-key-file", "", "PEM encoded SSH private key for ssh remotes")
	return c
}

func configGetCommand(p *globalParams) *cobra.Command {
	return &cobra.Command{
		Use:   "get TENANT",
		Short: "Print the configuration and last sync status of a tenant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, _, db, err := p.openService(cmd.Context(), p.logger())
			if err != nil {
				return err
			}
			defer db.CloseDB()

			t, err := svc.GetConfig(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(types.NewTenantV1(t))
		},
	}
}

func configDeleteCommand(p *globalParams) *cobra.Command {
	return &cobra.Command{
		Use:   "delete TENANT",
		Short: "Delete the configuration and mirror of a tenant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, _, db, err := p.openService(cmd.Context(), p.logger())
			if err != nil {
				return err
			}
			defer db.CloseDB()

			if err := svc.DeleteConfig(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "tenant %s deleted\n", args[0])
			return nil
		},
	}
}
