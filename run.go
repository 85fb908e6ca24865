package main

import (
	"log/slog"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/driftsync/driftsync/internal/api"
	"github.com/driftsync/driftsync/internal/watcher"
)

var flagAPI bool

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Watch the sync directory and sync continuously",
		Long: `Run the sync client in the foreground.

Performs a full reconciliation scan on startup, then watches the sync
directory for changes and uploads them as they settle. Ctrl-C once to
drain and exit, twice to force-quit.`,
		RunE: runRun,
	}

	cmd.Flags().BoolVar(&flagAPI, "api", false, "serve the local HTTP API")

	return cmd
}

func runRun(cmd *cobra.Command, _ []string) error {
	logger := buildLogger()
	ctx := shutdownContext(cmd.Context(), logger)

	unlock, err := writePIDFile(pidFilePath(resolvedCfg.DBPath))
	if err != nil {
		return err
	}
	defer unlock()

	a, err := newApp(resolvedCfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	w, err := watcher.New(a.cat.Root(), resolvedCfg.Debounce(), a.ignore, logger)
	if err != nil {
		return err
	}

	logger.Info("starting sync client",
		slog.String("sync_dir", a.cat.Root()),
		slog.String("service", resolvedCfg.FilesServiceURL),
	)

	// Reconcile anything that changed while we were not running before the
	// watch pipeline takes over.
	if err := a.eng.RunOnce(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return w.Run(gctx) })
	g.Go(func() error { return a.eng.Run(gctx, w) })

	if flagAPI {
		srv := api.NewServer(a.cat, a.eng, a.client, logger)
		g.Go(func() error { return srv.Serve(gctx, resolvedCfg.APIAddr) })
	}

	return g.Wait()
}
