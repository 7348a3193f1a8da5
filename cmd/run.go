package cmd

import (
	"cmp"
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/taskpdf/taskpdf/internal/server"
)

const defaultAddr = "localhost:8282"

func runCommand(p *globalParams) *cobra.Command {
	var addr string

	c := &cobra.Command{
		Use:   "run",
		Short: "Serve the HTTP API and refresh tenant mirrors in the background",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, p, addr)
		},
	}

	c.Flags().StringVar(&addr, "addr", "", "listen address (default service.addr or "+defaultAddr+")")
	return c
}

func run(ctx context.Context, p *globalParams, addr string) error {
	log := p.logger()

	svc, cfg, db, err := p.openService(ctx, log)
	if err != nil {
		return err
	}
	defer db.CloseDB()

	if cfg.Service != nil {
		addr = cmp.Or(addr, cfg.Service.Addr)
	}
	addr = cmp.Or(addr, defaultAddr)

	if err := svc.StartRefresher(ctx); err != nil {
		return err
	}
	defer svc.WaitRefresher()

	return server.New().
		WithConfig(cfg).
		WithService(svc).
		WithLogger(log).
		Init().
		ListenAndServe(ctx, addr)
}
