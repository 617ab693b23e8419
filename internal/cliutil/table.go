// Package cliutil holds small helpers shared by cmd/imagetablectl's
// subcommands, adapted from the reference codebase's internal/cli/output
// table renderer.
package cliutil

import (
	"io"

	"github.com/olekukonko/tablewriter"
)

// TableRenderer is implemented by types that can describe themselves as a
// table of rows under a fixed set of headers.
type TableRenderer interface {
	Headers() []string
	Rows() [][]string
}

// PrintTable renders data to w as a borderless, left-aligned table.
func PrintTable(w io.Writer, data TableRenderer) error {
	table := tablewriter.NewWriter(w)
	table.SetHeader(data.Headers())
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("  ")
	table.SetNoWhiteSpace(true)

	for _, row := range data.Rows() {
		table.Append(row)
	}
	table.Render()
	return nil
}

// KeyValueTable is a TableRenderer over a fixed set of named rows.
type KeyValueTable struct {
	headers []string
	rows    [][]string
}

// NewKeyValueTable builds a KeyValueTable with the given column headers.
func NewKeyValueTable(headers ...string) *KeyValueTable {
	return &KeyValueTable{headers: headers}
}

// AddRow appends a row of values.
func (t *KeyValueTable) AddRow(values ...string) {
	t.rows = append(t.rows, values)
}

// Headers implements TableRenderer.
func (t *KeyValueTable) Headers() []string { return t.headers }

// Rows implements TableRenderer.
func (t *KeyValueTable) Rows() [][]string { return t.rows }
