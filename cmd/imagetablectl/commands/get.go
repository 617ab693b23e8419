package commands

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/marmos91/imagetable/pkg/imagetable"
)

var getOutputPath string

var getCmd = &cobra.Command{
	Use:   "get <entity-uuid> <source-uuid>",
	Short: "Fetch an entry and write its raw pixel bytes to a file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		entity, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("entity uuid: %w", err)
		}
		source, err := uuid.Parse(args[1])
		if err != nil {
			return fmt.Errorf("source uuid: %w", err)
		}

		desc, err := resolveDescriptor()
		if err != nil {
			return err
		}
		dir, err := resolveDir()
		if err != nil {
			return err
		}
		tbl, err := imagetable.Open(desc, dir)
		if err != nil {
			return err
		}
		defer tbl.Close()

		view, err := tbl.Get(entity, source, false)
		if err != nil {
			return err
		}
		if view == nil {
			fmt.Fprintln(cmd.OutOrStdout(), "miss")
			return nil
		}
		defer view.Release()

		if getOutputPath == "" {
			fmt.Fprintf(cmd.OutOrStdout(), "hit: %d bytes, row_bytes=%d height=%d\n",
				len(view.PixelRegion()), view.RowBytes(), view.Height())
			return nil
		}
		if err := os.WriteFile(getOutputPath, view.PixelRegion(), 0644); err != nil {
			return fmt.Errorf("write output file: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "hit: wrote %d bytes to %s\n", len(view.PixelRegion()), getOutputPath)
		return nil
	},
}

func init() {
	getCmd.Flags().StringVarP(&getOutputPath, "output", "o", "", "write pixel bytes to this file instead of printing a summary")
}
