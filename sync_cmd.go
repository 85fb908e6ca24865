package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one reconciliation pass and exit",
		Long: `Scan the sync directory, upload everything new or modified, apply
deletions, and retry files with pending chunks. Exits when the pass
completes.`,
		RunE: runSync,
	}
}

func runSync(cmd *cobra.Command, _ []string) error {
	logger := buildLogger()
	ctx := shutdownContext(cmd.Context(), logger)

	a, err := newApp(resolvedCfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.eng.RunOnce(ctx); err != nil {
		return fmt.Errorf("sync pass: %w", err)
	}

	return nil
}
