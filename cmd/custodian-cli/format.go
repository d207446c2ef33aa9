package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
)

// Output formats accepted by --format.
const (
	fmtJSON  = "json"
	fmtTable = "table"
	fmtQuiet = "quiet"
)

func formatJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	if err := enc.Encode(v); err != nil {
		fatal("encode json", err)
	}
}

// formatTable prints rows under a header and a dashed rule, columns
// separated by at least two spaces.
func formatTable(headers []string, rows [][]string) {
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)

	writeRow(tw, headers)

	rule := make([]string, len(headers))
	for i, h := range headers {
		rule[i] = strings.Repeat("-", len(h))
	}

	writeRow(tw, rule)

	for _, row := range rows {
		writeRow(tw, row)
	}

	if err := tw.Flush(); err != nil {
		fatal("write table", err)
	}
}

func writeRow(w io.Writer, cells []string) {
	fmt.Fprintln(w, strings.Join(cells, "\t")) //nolint:errcheck // surfaced by Flush.
}

// output prints v in the selected format. Quiet mode prints only the
// identifier a script would pipe onward; table mode falls back to JSON for
// values without a tabular layout.
func output(v any, quietVal string) {
	if flagFmt == fmtQuiet {
		fmt.Println(quietVal)
		return
	}

	formatJSON(v)
}
