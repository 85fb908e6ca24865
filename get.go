package main

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
)

func newGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <path> [dest]",
		Short: "Download a synced file from the remote",
		Long: `Reassemble a file from the remote service and write it to dest.

The path is resolved against the sync root unless absolute. Dest
defaults to the file's base name in the current directory. Chunks
already present in the staging area are reused instead of fetched.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: runGet,
	}
}

func runGet(cmd *cobra.Command, args []string) error {
	logger := buildLogger()
	ctx := shutdownContext(cmd.Context(), logger)

	a, err := newApp(resolvedCfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	canonical := filepath.ToSlash(args[0])
	if !strings.HasPrefix(canonical, "/") {
		canonical = path.Join(a.cat.Root(), canonical)
	}

	file, err := a.cat.FileByPath(ctx, canonical)
	if err != nil {
		return fmt.Errorf("looking up %s: %w", canonical, err)
	}

	dest := file.FileName
	if len(args) == 2 {
		dest = args[1]
	}

	if err := a.eng.Download(ctx, file.FileID, dest); err != nil {
		return err
	}

	a.eng.CleanupDownload(file.FileID)

	fmt.Printf("%s -> %s\n", canonical, dest)

	return nil
}
