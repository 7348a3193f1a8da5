package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func genpdfCommand(p *globalParams) *cobra.Command {
	var output string

	c := &cobra.Command{
		Use:   "genpdf TENANT DOCUMENT",
		Short: "Render a document of a tenant to PDF",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, _, db, err := p.openService(cmd.Context(), p.logger())
			if err != nil {
				return err
			}
			defer db.CloseDB()

			artifact, err := svc.GeneratePDF(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}

			if output == "-" {
				_, err := cmd.OutOrStdout().Write(artifact.Data)
				return err
			}
			if output == "" {
				output = artifact.Name
			}
			if err := os.WriteFile(output, artifact.Data, 0o644); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "wrote %s (%d bytes)\n", output, len(artifact.Data))
			return nil
		},
	}

	c.Flags().StringVarP(&output, "output", "o", "", `output file, "-" for stdout (default DOCUMENT.pdf)`)
	return c
}
