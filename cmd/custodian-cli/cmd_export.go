package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/persistorai/custodian/client"
)

func newExportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Request and download evidence exports",
	}
	cmd.AddCommand(exportRequestCmd())
	cmd.AddCommand(exportListCmd())
	cmd.AddCommand(exportGetCmd())
	cmd.AddCommand(exportCancelCmd())
	cmd.AddCommand(exportWaitCmd())
	cmd.AddCommand(exportDownloadCmd())
	return cmd
}

func printJobs(jobs []client.ExportJob) {
	switch flagFmt {
	case fmtTable:
		rows := make([][]string, 0, len(jobs))
		for _, j := range jobs {
			rows = append(rows, []string{
				j.ID, j.State, strconv.Itoa(j.Attempts), j.CreatedAt.Format(time.RFC3339), optional(j.ReceiptRef),
			})
		}
		formatTable([]string{"ID", "STATE", "ATTEMPTS", "CREATED", "RECEIPT"}, rows)
	case fmtQuiet:
		for _, j := range jobs {
			fmt.Println(j.ID)
		}
	default:
		output(jobs, "")
	}
}

func exportRequestCmd() *cobra.Command {
	var from, to int64
	var events []string
	var key string
	cmd := &cobra.Command{
		Use:   "request",
		Short: "Queue a ledger bundle export",
		Run: func(cmd *cobra.Command, args []string) {
			filters := client.ExportFilters{FromSeq: from, ToSeq: to, EventNames: events}
			res, err := apiClient.Exports.Request(context.Background(), filters, commandOpts(key))
			if err != nil {
				fatal("request export", err)
			}
			output(res, res.TargetID)
		},
	}
	addRangeFlags(cmd, &from, &to)
	cmd.Flags().StringSliceVar(&events, "event", nil, "Only include these event names (repeatable)")
	addKeyFlag(cmd, &key)
	return cmd
}

func exportListCmd() *cobra.Command {
	var limit, offset int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List export jobs",
		Run: func(cmd *cobra.Command, args []string) {
			if err := checkList(limit, offset); err != nil {
				fatal("list exports", err)
			}
			jobs, _, err := apiClient.Exports.List(context.Background(), &client.ListOptions{Limit: limit, Offset: offset})
			if err != nil {
				fatal("list exports", err)
			}
			printJobs(jobs)
		},
	}
	addListFlags(cmd, &limit, &offset)
	return cmd
}

func exportGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <job-id>",
		Short: "Show an export job",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			job, err := apiClient.Exports.Get(context.Background(), args[0])
			if err != nil {
				fatal("get export", err)
			}
			output(job, job.State)
		},
	}
}

func exportCancelCmd() *cobra.Command {
	var key string
	cmd := &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Request cancellation of an export job",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			res, err := apiClient.Exports.Cancel(context.Background(), args[0], commandOpts(key))
			if err != nil {
				fatal("cancel export", err)
			}
			output(res, res.TargetID)
		},
	}
	addKeyFlag(cmd, &key)
	return cmd
}

func exportWaitCmd() *cobra.Command {
	var interval, timeout time.Duration
	cmd := &cobra.Command{
		Use:   "wait <job-id>",
		Short: "Poll until an export job reaches a terminal state",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			job, err := apiClient.Exports.Wait(ctx, args[0], interval)
			if err != nil {
				fatal("wait for export", err)
			}
			output(job, job.State)
			if job.State != "ready" {
				os.Exit(2)
			}
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "Poll interval")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Minute, "Give up after this long")
	return cmd
}

func exportDownloadCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "download <job-id>",
		Short: "Download a ready artifact and check its SHA-256",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			art, err := apiClient.Exports.Download(context.Background(), args[0])
			if err != nil {
				return fmt.Errorf("download export: %w", err)
			}
			defer art.Body.Close()

			if out == "" {
				out = fmt.Sprintf("custodian-export-%s.zip", args[0])
			}

			h := sha256.New()
			n, err := writeFile(out, io.TeeReader(art.Body, h))
			if err != nil {
				return fmt.Errorf("write artifact: %w", err)
			}

			sum := hex.EncodeToString(h.Sum(nil))
			if art.SHA256 != "" && sum != art.SHA256 {
				os.Remove(out) //nolint:errcheck
				return fmt.Errorf("artifact hash mismatch: got %s, server reported %s", sum, art.SHA256)
			}

			fmt.Fprintf(os.Stderr, "wrote %d bytes to %s (sha256 %s)\n", n, out, sum)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "Output file (default: custodian-export-<job-id>.zip)")
	return cmd
}
