package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func docsCommand(p *globalParams) *cobra.Command {
	var pattern string

	c := &cobra.Command{
		Use:   "docs TENANT",
		Short: "List the documents of a tenant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, _, db, err := p.openService(cmd.Context(), p.logger())
			if err != nil {
				return err
			}
			defer db.CloseDB()

			names, err := svc.ListDocuments(cmd.Context(), args[0], pattern)
			if err != nil {
				return err
			}
			for _, name := range names {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	}

	c.Flags().StringVar(&pattern, "pattern", "*", "glob matched against document names")
	return c
}
