package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

func newLsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls",
		Short: "List files in the catalog",
		Long: `List every file the catalog knows about, with size and content hash.

Output is columnar on a terminal and tab-separated when piped. Use
--json for machine-readable output.`,
		RunE: runLs,
	}
}

type lsEntry struct {
	FileID   string `json:"file_id"`
	FilePath string `json:"file_path"`
	FileHash string `json:"file_hash"`
	Size     int64  `json:"size"`
}

func runLs(cmd *cobra.Command, _ []string) error {
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

	entries := make([]lsEntry, 0, len(files))
	for _, f := range files {
		entries = append(entries, lsEntry{
			FileID:   f.FileID,
			FilePath: f.FilePath,
			FileHash: f.FileHash,
			Size:     f.Size,
		})
	}

	if flagJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		return enc.Encode(entries)
	}

	tty := isatty.IsTerminal(os.Stdout.Fd())
	for _, e := range entries {
		if tty {
			fmt.Printf("%10s  %-12s  %s\n", humanize.IBytes(uint64(e.Size)), e.FileHash[:12], e.FilePath)
		} else {
			fmt.Printf("%d\t%s\t%s\n", e.Size, e.FileHash, e.FilePath)
		}
	}

	return nil
}
