package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show catalog counts and service reachability",
		RunE:  runStatus,
	}
}

type statusReport struct {
	SyncDir       string `json:"sync_dir"`
	ServiceURL    string `json:"service_url"`
	ServiceState  string `json:"service_state"`
	Files         int    `json:"files"`
	Folders       int    `json:"folders"`
	PendingChunks int    `json:"pending_chunks"`
}

func runStatus(cmd *cobra.Command, _ []string) error {
	logger := buildLogger()
	ctx := cmd.Context()

	a, err := newApp(resolvedCfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	files, err := a.cat.ListFiles(ctx)
	if err != nil {
		return err
	}

	folders, err := a.cat.ListFolders(ctx)
	if err != nil {
		return err
	}

	pending, err := a.cat.CountPendingChunks(ctx)
	if err != nil {
		return err
	}

	report := statusReport{
		SyncDir:       a.cat.Root(),
		ServiceURL:    resolvedCfg.FilesServiceURL,
		ServiceState:  "ok",
		Files:         len(files),
		Folders:       len(folders),
		PendingChunks: pending,
	}

	if err := a.client.Health(ctx); err != nil {
		report.ServiceState = fmt.Sprintf("unreachable: %v", err)
	}

	if flagJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		return enc.Encode(report)
	}

	fmt.Printf("Sync dir: %s\n", report.SyncDir)
	fmt.Printf("Service:  %s (%s)\n", report.ServiceURL, report.ServiceState)
	fmt.Printf("Files:    %d\n", report.Files)
	fmt.Printf("Folders:  %d\n", report.Folders)
	fmt.Printf("Pending:  %d chunks\n", report.PendingChunks)

	return nil
}
