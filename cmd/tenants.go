package cmd

import (
	"io"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/taskpdf/taskpdf/internal/database"
)

func tenantsCommand(p *globalParams) *cobra.Command {
	c := &cobra.Command{
		Use:   "tenants",
		Short: "Inspect configured tenants",
	}

	c.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List tenants with their last sync status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, _, db, err := p.openService(cmd.Context(), p.logger())
			if err != nil {
				return err
			}
			defer db.CloseDB()

			tenants, err := svc.ListTenants(cmd.Context())
			if err != nil {
				return err
			}
			return printTenants(cmd.OutOrStdout(), tenants)
		},
	})

	return c
}

func printTenants(w io.Writer, tenants []*database.Tenant) error {
	table := tablewriter.NewWriter(w)
	table.Header("Tenant", "Remote", "Path", "Key", "Last sync", "Status", "Commit")

	for _, t := range tenants {
		key := "no"
		if t.HasKey {
			key = "yes"
		}

		row := []string{t.ID, t.Repo.RemoteURL, t.Repo.ContentPath, key, "never", "", ""}
		if s := t.LastSync; s != nil {
			row[4] = s.At.Format(time.RFC3339)
			row[5] = s.Status
			row[6] = shortCommit(s.Commit)
		}
		if err := table.Append(row); err != nil {
			return err
		}
	}

	return table.Render()
}

func shortCommit(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
