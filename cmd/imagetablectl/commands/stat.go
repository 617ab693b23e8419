package commands

import (
	"strconv"

	"github.com/spf13/cobra"

	"github.com/marmos91/imagetable/internal/cliutil"
	"github.com/marmos91/imagetable/pkg/imagetable"
)

var statCmd = &cobra.Command{
	Use:   "stat",
	Short: "Print occupancy and mapped-chunk counts for a table",
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

		stats := tbl.Stats()
		table := cliutil.NewKeyValueTable("FIELD", "VALUE")
		table.AddRow("format", stats.Format)
		table.AddRow("occupied", strconv.Itoa(stats.Occupied))
		table.AddRow("max_entries", strconv.FormatUint(uint64(stats.MaxEntries), 10))
		table.AddRow("mapped_chunks", strconv.Itoa(stats.MappedChunks))
		return cliutil.PrintTable(cmd.OutOrStdout(), table)
	},
}
