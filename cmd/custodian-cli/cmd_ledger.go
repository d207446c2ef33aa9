package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/persistorai/custodian/client"
)

func newLedgerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Read the tenant ledger, anchors and incidents",
	}
	cmd.AddCommand(ledgerEntriesCmd())
	cmd.AddCommand(ledgerExportCmd())
	cmd.AddCommand(ledgerAnchorsCmd())
	cmd.AddCommand(ledgerAnchorCmd())
	cmd.AddCommand(ledgerIncidentsCmd())
	return cmd
}

func addRangeFlags(cmd *cobra.Command, from, to *int64) {
	cmd.Flags().Int64Var(from, "from", 0, "First sequence number (default: 1)")
	cmd.Flags().Int64Var(to, "to", 0, "Last sequence number (default: head)")
}

func addListFlags(cmd *cobra.Command, limit, offset *int) {
	cmd.Flags().IntVar(limit, "limit", 0, "Max results")
	cmd.Flags().IntVar(offset, "offset", 0, "Offset")
}

func checkList(limit, offset int) error {
	if limit < 0 {
		return fmt.Errorf("--limit must be non-negative")
	}
	if offset < 0 {
		return fmt.Errorf("--offset must be non-negative")
	}
	return nil
}

func optional(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func ledgerEntriesCmd() *cobra.Command {
	var from, to int64
	var limit int
	cmd := &cobra.Command{
		Use:   "entries",
		Short: "List ledger entries in sequence order",
		Run: func(cmd *cobra.Command, args []string) {
			if limit < 0 {
				fatal("list entries", fmt.Errorf("--limit must be non-negative"))
			}
			entries, more, err := apiClient.Ledger.Entries(context.Background(), from, to, limit)
			if err != nil {
				fatal("list entries", err)
			}
			switch flagFmt {
			case fmtTable:
				rows := make([][]string, 0, len(entries))
				for _, e := range entries {
					rows = append(rows, []string{
						strconv.FormatInt(e.SequenceNo, 10), e.EventName, e.ActorID,
						e.TargetType + "/" + e.TargetID, e.EntryHash[:min(12, len(e.EntryHash))],
					})
				}
				formatTable([]string{"SEQ", "EVENT", "ACTOR", "TARGET", "HASH"}, rows)
				if more {
					fmt.Println("(more entries available)")
				}
			case fmtQuiet:
				for _, e := range entries {
					fmt.Println(e.SequenceNo)
				}
			default:
				output(map[string]any{"items": entries, "has_more": more}, "")
			}
		},
	}
	addRangeFlags(cmd, &from, &to)
	cmd.Flags().IntVar(&limit, "limit", 0, "Max results")
	return cmd
}

func ledgerExportCmd() *cobra.Command {
	var from, to int64
	var out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Download a self-verifying ledger bundle (zip)",
		Run: func(cmd *cobra.Command, args []string) {
			if out == "" {
				fatal("export ledger", fmt.Errorf("--out is required"))
			}
			body, err := apiClient.Ledger.ExportArchive(context.Background(), from, to)
			if err != nil {
				fatal("export ledger", err)
			}
			defer body.Close()

			n, err := writeFile(out, body)
			if err != nil {
				fatal("write bundle", err)
			}
			fmt.Fprintf(os.Stderr, "wrote %d bytes to %s\n", n, out)
		},
	}
	addRangeFlags(cmd, &from, &to)
	cmd.Flags().StringVarP(&out, "out", "o", "", "Output file")
	return cmd
}

func writeFile(path string, r io.Reader) (int64, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return n, err
}

func ledgerAnchorsCmd() *cobra.Command {
	var limit, offset int
	cmd := &cobra.Command{
		Use:   "anchors",
		Short: "List Merkle anchors",
		Run: func(cmd *cobra.Command, args []string) {
			if err := checkList(limit, offset); err != nil {
				fatal("list anchors", err)
			}
			anchors, _, err := apiClient.Ledger.Anchors(context.Background(), &client.ListOptions{Limit: limit, Offset: offset})
			if err != nil {
				fatal("list anchors", err)
			}
			if flagFmt == fmtTable {
				rows := make([][]string, 0, len(anchors))
				for _, a := range anchors {
					rows = append(rows, []string{
						a.Period, fmt.Sprintf("%d-%d", a.FirstSeq, a.LastSeq), a.MerkleRoot, optional(a.ExternalAnchorRef),
					})
				}
				formatTable([]string{"PERIOD", "SEQ", "ROOT", "EXTERNAL"}, rows)
				return
			}
			output(anchors, "")
		},
	}
	addListFlags(cmd, &limit, &offset)
	return cmd
}

func ledgerAnchorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "anchor <period>",
		Short: "Anchor a closed period now (owner/admin)",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			a, err := apiClient.Ledger.TriggerAnchor(context.Background(), args[0])
			if err != nil {
				fatal("anchor period", err)
			}
			if a == nil {
				fmt.Fprintln(os.Stderr, "no entries in period")
				return
			}
			output(a, a.MerkleRoot)
		},
	}
}

func ledgerIncidentsCmd() *cobra.Command {
	var limit, offset int
	cmd := &cobra.Command{
		Use:   "incidents",
		Short: "List recorded integrity incidents",
		Run: func(cmd *cobra.Command, args []string) {
			if err := checkList(limit, offset); err != nil {
				fatal("list incidents", err)
			}
			incidents, _, err := apiClient.Ledger.Incidents(context.Background(), &client.ListOptions{Limit: limit, Offset: offset})
			if err != nil {
				fatal("list incidents", err)
			}
			output(incidents, "")
		},
	}
	addListFlags(cmd, &limit, &offset)
	return cmd
}
