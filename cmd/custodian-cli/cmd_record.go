package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/persistorai/custodian/client"
)

func newRecordCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Mutate and read domain records through the command runner",
	}
	cmd.AddCommand(recordCreateCmd())
	cmd.AddCommand(recordUpdateCmd())
	cmd.AddCommand(recordDeleteCmd())
	cmd.AddCommand(recordGetCmd())
	return cmd
}

func addKeyFlag(cmd *cobra.Command, key *string) {
	cmd.Flags().StringVar(key, "idempotency-key", "", "Idempotency key (generated when empty)")
}

func commandOpts(key string) *client.CommandOptions {
	return &client.CommandOptions{IdempotencyKey: key}
}

// parseData accepts a JSON document for --data.
func parseData(raw string) (json.RawMessage, error) {
	if raw == "" {
		return nil, fmt.Errorf("--data is required")
	}
	if !json.Valid([]byte(raw)) {
		return nil, fmt.Errorf("--data must be valid JSON")
	}
	return json.RawMessage(raw), nil
}

func parseVersion(s string) (int64, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v < 1 {
		return 0, fmt.Errorf("version must be a positive integer, got %q", s)
	}
	return v, nil
}

func printResult(res *client.CommandResult) {
	if flagFmt == fmtTable {
		formatTable(
			[]string{"SEQ", "ACTION", "TARGET", "VERSION", "REPLAYED"},
			[][]string{{
				strconv.FormatInt(res.SequenceNo, 10), res.Action, res.TargetID,
				strconv.FormatInt(res.Version, 10), strconv.FormatBool(res.Replayed),
			}},
		)
		return
	}
	output(res, res.TargetID)
}

func recordCreateCmd() *cobra.Command {
	var data, key string
	cmd := &cobra.Command{
		Use:   "create <record-type>",
		Short: "Create a record",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			raw, err := parseData(data)
			if err != nil {
				fatal("parse data", err)
			}
			res, err := apiClient.Commands.CreateRecord(context.Background(), args[0], raw, commandOpts(key))
			if err != nil {
				fatal("create record", err)
			}
			printResult(res)
		},
	}
	cmd.Flags().StringVar(&data, "data", "", "Record data as JSON")
	addKeyFlag(cmd, &key)
	return cmd
}

func recordUpdateCmd() *cobra.Command {
	var data, key string
	cmd := &cobra.Command{
		Use:   "update <id> <expected-version>",
		Short: "Update a record guarded by its current version",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			v, err := parseVersion(args[1])
			if err != nil {
				fatal("parse version", err)
			}
			raw, err := parseData(data)
			if err != nil {
				fatal("parse data", err)
			}
			res, err := apiClient.Commands.UpdateRecord(context.Background(), args[0], v, raw, commandOpts(key))
			if err != nil {
				fatal("update record", err)
			}
			printResult(res)
		},
	}
	cmd.Flags().StringVar(&data, "data", "", "Record data as JSON")
	addKeyFlag(cmd, &key)
	return cmd
}

func recordDeleteCmd() *cobra.Command {
	var key string
	cmd := &cobra.Command{
		Use:   "delete <id> <expected-version>",
		Short: "Delete a record guarded by its current version",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			v, err := parseVersion(args[1])
			if err != nil {
				fatal("parse version", err)
			}
			res, err := apiClient.Commands.DeleteRecord(context.Background(), args[0], v, commandOpts(key))
			if err != nil {
				fatal("delete record", err)
			}
			printResult(res)
		},
	}
	addKeyFlag(cmd, &key)
	return cmd
}

func recordGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show a record's current state",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			rec, err := apiClient.Ledger.Record(context.Background(), args[0])
			if err != nil {
				fatal("get record", err)
			}
			output(rec, rec.ID)
		},
	}
}
