package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marmos91/imagetable/pkg/imagetable"
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Discard the table's file and sidecar, starting from empty",
	RunE: func(cmd *cobra.Command, args []string) error {
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

		if err := tbl.Reset(); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "reset complete")
		return nil
	},
}
