package cmd

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

func syncCommand(p *globalParams) *cobra.Command {
	var (
		all      bool
		parallel int
	)

	c := &cobra.Command{
		Use:   "sync [TENANT...]",
		Short: "Synchronize tenant mirrors with their remotes",
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) > 0) {
				return errors.New("give either tenants or --all")
			}

			svc, _, db, err := p.openService(cmd.Context(), p.logger())
			if err != nil {
				return err
			}
			defer db.CloseDB()

			tenants := args
			if all {
				list, err := svc.ListTenants(cmd.Context())
				if err != nil {
					return err
				}
				for _, t := range list {
					tenants = append(tenants, t.ID)
				}
			}

			bar := progressbar.NewOptions(len(tenants),
				progressbar.OptionSetWriter(os.Stderr),
				progressbar.OptionSetDescription("syncing"),
				progressbar.OptionShowCount(),
				progressbar.OptionClearOnFinish(),
			)

			failures := svc.SyncAll(cmd.Context(), tenants, parallel, func(string, error) {
				_ = bar.Add(1)
			})
			_ = bar.Finish()

			if len(failures) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "%d tenants synchronized\n", len(tenants))
				return nil
			}

			failed := make([]string, 0, len(failures))
			for tenant := range failures {
				failed = append(failed, tenant)
			}
			sort.Strings(failed)
			for _, tenant := range failed {
				fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", tenant, failures[tenant])
			}
			return fmt.Errorf("%d of %d tenants failed to synchronize", len(failures), len(tenants))
		},
	}

	c.Flags().BoolVar(&all, "all", false, "synchronize all configured tenants")
	c.Flags().IntVar(&parallel, "parallel", 4, "number of tenants synchronized at a time")
	return c
}
