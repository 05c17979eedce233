// Package cli wires diskimg's cobra command tree.
package cli

import (
	"fmt"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"kestrel/cmd/diskimg/internal/image"
)

var rootCmd = &cobra.Command{
	Use:   "diskimg",
	Short: "Build the flat block-device image kernel/fs mounts at boot",
}

var buildCmd = &cobra.Command{
	Use:   "build <source-dir> <output-image>",
	Short: "Build an image from a host directory tree",
	Args:  cobra.ExactArgs(2),
	RunE:  runBuild,
}

var (
	totalBlocks uint32
	inodeCount  uint32
)

func init() {
	buildCmd.Flags().Uint32Var(&totalBlocks, "total-blocks", 2048, "total 4 KiB blocks in the image")
	buildCmd.Flags().Uint32Var(&inodeCount, "inode-count", 64, "maximum number of files and directories the image can hold")
	rootCmd.AddCommand(buildCmd)
}

// Execute runs the diskimg command tree.
func Execute() error {
	return rootCmd.Execute()
}

func runBuild(cmd *cobra.Command, args []string) error {
	sourceDir, outPath := args[0], args[1]

	hostFS := afero.NewOsFs()

	buf, err := image.Build(hostFS, image.Options{
		TotalBlocks: totalBlocks,
		InodeCount:  inodeCount,
		SourceDir:   sourceDir,
	})
	if err != nil {
		return fmt.Errorf("diskimg: %w", err)
	}

	if err := afero.WriteFile(hostFS, outPath, buf, 0o644); err != nil {
		return fmt.Errorf("diskimg: writing %s: %w", outPath, err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%d bytes, %d blocks)\n", outPath, len(buf), totalBlocks)
	return nil
}
