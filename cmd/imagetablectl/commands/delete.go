package commands

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/marmos91/imagetable/pkg/imagetable"
)

var deleteCmd = &cobra.Command{
	Use:   "delete <entity-uuid>",
	Short: "Remove an entity's entry from the table, if present",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		entity, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("entity uuid: %w", err)
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

		if err := tbl.Delete(entity); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", entity)
		return nil
	},
}
