package commands

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/marmos91/imagetable/pkg/imagetable"
)

var putCmd = &cobra.Command{
	Use:   "put <entity-uuid> <source-uuid> <pixels-file>",
	Short: "Draw raw pixel bytes from a file into the table under entity-uuid",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		entity, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("entity uuid: %w", err)
		}
		source, err := uuid.Parse(args[1])
		if err != nil {
			return fmt.Errorf("source uuid: %w", err)
		}
		pixels, err := os.ReadFile(args[2])
		if err != nil {
			return fmt.Errorf("read pixels file: %w", err)
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

		err = tbl.Put(entity, source, func(ctx *imagetable.DrawContext) error {
			n := copy(ctx.Pixels, pixels)
			if n < len(ctx.Pixels) {
				return fmt.Errorf("pixels file too short: got %d bytes, entry needs %d", len(pixels), len(ctx.Pixels))
			}
			return nil
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "put %s (source %s)\n", entity, source)
		return nil
	},
}
