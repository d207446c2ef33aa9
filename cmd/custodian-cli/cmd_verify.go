package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/persistorai/custodian/client"
	"github.com/persistorai/custodian/internal/ledger"
)

func newVerifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify ledger integrity",
	}
	cmd.AddCommand(verifyRangeCmd())
	cmd.AddCommand(verifyEntryCmd())
	cmd.AddCommand(verifyPeriodCmd())
	cmd.AddCommand(verifyReceiptCmd())

	bundle := verifyBundleCmd()
	bundle.PersistentPreRun = func(cmd *cobra.Command, args []string) {} // offline
	cmd.AddCommand(bundle)
	return cmd
}

// printReport writes the report and fails the command when it is invalid.
func printReport(r *client.VerificationReport) {
	if flagFmt == fmtTable {
		breakAt := ""
		if r.BreakAt != nil {
			breakAt = strconv.FormatInt(*r.BreakAt, 10)
		}
		formatTable(
			[]string{"VALID", "CHAIN", "ANCHORED", "RANGE", "ENTRIES", "BREAK"},
			[][]string{{
				strconv.FormatBool(r.Valid), strconv.FormatBool(r.ChainIntact), strconv.FormatBool(r.Anchored),
				fmt.Sprintf("%d-%d", r.FromSeq, r.ToSeq), strconv.Itoa(r.EntriesChecked), breakAt,
			}},
		)
		for _, d := range r.Details {
			fmt.Println("  " + d)
		}
	} else {
		output(r, strconv.FormatBool(r.Valid))
	}
	if !r.Valid {
		os.Exit(2)
	}
}

func verifyRangeCmd() *cobra.Command {
	var from, to int64
	cmd := &cobra.Command{
		Use:   "range",
		Short: "Recompute the hash chain over a sequence range",
		Run: func(cmd *cobra.Command, args []string) {
			r, err := apiClient.Verify.Range(context.Background(), from, to)
			if err != nil {
				fatal("verify range", err)
			}
			printReport(r)
		},
	}
	addRangeFlags(cmd, &from, &to)
	return cmd
}

func verifyEntryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "entry <seq|id>",
		Short: "Verify one entry against its predecessor",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			var (
				r   *client.VerificationReport
				err error
			)
			if seq, perr := strconv.ParseInt(args[0], 10, 64); perr == nil {
				if seq < 1 {
					fatal("parse seq", fmt.Errorf("sequence must be a positive integer, got %q", args[0]))
				}
				r, err = apiClient.Verify.Entry(context.Background(), seq)
			} else {
				r, err = apiClient.Verify.EntryByID(context.Background(), args[0])
			}
			if err != nil {
				fatal("verify entry", err)
			}
			printReport(r)
		},
	}
}

func verifyPeriodCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "period <period>",
		Short: "Verify an anchored period's chain and Merkle root",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			r, err := apiClient.Verify.Period(context.Background(), args[0])
			if err != nil {
				fatal("verify period", err)
			}
			printReport(r)
		},
	}
}

func verifyReceiptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "receipt <ref>",
		Short: "Check an export receipt against the public endpoint",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			v, err := apiClient.Verify.Receipt(context.Background(), args[0])
			if err != nil {
				if client.IsNotFound(err) {
					fmt.Fprintln(os.Stderr, "receipt not recognised")
					os.Exit(2)
				}
				fatal("verify receipt", err)
			}
			output(v, strconv.FormatBool(v.Valid))
			if !v.Valid {
				os.Exit(2)
			}
		},
	}
}

func verifyBundleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "bundle <file.zip>",
		Short: "Verify a downloaded ledger bundle offline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerifyBundle(args[0])
		},
	}
}

func runVerifyBundle(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return err
	}

	b, err := ledger.ReadArchive(f, st.Size())
	if err != nil {
		return fmt.Errorf("read bundle: %w", err)
	}

	if err := ledger.VerifyBundle(b); err != nil {
		return fmt.Errorf("bundle does not verify: %w", err)
	}

	output(map[string]any{
		"valid":       true,
		"tenant_id":   b.Manifest.TenantID,
		"from_seq":    b.Manifest.FromSeq,
		"to_seq":      b.Manifest.ToSeq,
		"entry_count": len(b.Entries),
		"merkle_root": b.Manifest.MerkleRoot,
	}, "true")
	return nil
}
