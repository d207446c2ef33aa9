package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/spf13/cobra"
)

// executeArgs runs the given root command with args and returns any error.
// It suppresses cobra's usage/error output so test output stays clean.
func executeArgs(t *testing.T, root *cobra.Command, args ...string) error {
	t.Helper()
	root.SetOut(&strings.Builder{})
	root.SetErr(&strings.Builder{})
	root.SetArgs(args)
	_, err := root.ExecuteC()
	return err
}

// newTestRoot builds the real command tree with client setup stubbed out.
// Only argument validation may run against it: Run funcs need apiClient.
func newTestRoot() *cobra.Command {
	root := newRootCmd()
	root.PersistentPreRun = func(cmd *cobra.Command, args []string) {}
	return root
}

func TestArgValidation(t *testing.T) {
	resetFlags(t)

	rejected := [][]string{
		{"record", "create"},
		{"record", "create", "contract", "extra"},
		{"record", "update", "id-only"},
		{"record", "delete", "id", "1", "extra"},
		{"record", "get"},
		{"ledger", "anchor"},
		{"verify", "entry"},
		{"verify", "period"},
		{"verify", "receipt"},
		{"verify", "bundle"},
		{"export", "get"},
		{"export", "cancel"},
		{"export", "wait", "a", "b"},
		{"export", "download"},
	}

	for _, args := range rejected {
		t.Run(strings.Join(args, " "), func(t *testing.T) {
			if err := executeArgs(t, newTestRoot(), args...); err == nil {
				t.Errorf("expected arg error for %v", args)
			}
		})
	}
}

func TestFlagRegistration(t *testing.T) {
	cases := []struct {
		cmd   *cobra.Command
		flags []string
	}{
		{recordCreateCmd(), []string{"data", "idempotency-key"}},
		{recordUpdateCmd(), []string{"data", "idempotency-key"}},
		{ledgerEntriesCmd(), []string{"from", "to", "limit"}},
		{ledgerExportCmd(), []string{"from", "to", "out"}},
		{exportRequestCmd(), []string{"from", "to", "event", "idempotency-key"}},
		{exportWaitCmd(), []string{"interval", "timeout"}},
		{exportDownloadCmd(), []string{"out"}},
	}

	for _, tc := range cases {
		for _, name := range tc.flags {
			if tc.cmd.Flags().Lookup(name) == nil {
				t.Errorf("--%s flag not found on %s", name, tc.cmd.Use)
			}
		}
	}
}

func TestFormatFlagDefault(t *testing.T) {
	resetFlags(t)

	f := newRootCmd().PersistentFlags().Lookup("format")
	if f == nil {
		t.Fatal("--format flag not found")
	}
	if f.DefValue != "json" {
		t.Errorf("default format: got %q, want %q", f.DefValue, "json")
	}
}

func TestParseVersion(t *testing.T) {
	if v, err := parseVersion("3"); err != nil || v != 3 {
		t.Errorf("parseVersion(3) = %d, %v", v, err)
	}
	for _, bad := range []string{"0", "-1", "x", ""} {
		if _, err := parseVersion(bad); err == nil {
			t.Errorf("parseVersion(%q) should fail", bad)
		}
	}
}

func TestParseData(t *testing.T) {
	if _, err := parseData(`{"a":1}`); err != nil {
		t.Errorf("valid JSON rejected: %v", err)
	}
	for _, bad := range []string{"", "{", "not json"} {
		if _, err := parseData(bad); err == nil {
			t.Errorf("parseData(%q) should fail", bad)
		}
	}
}

func TestRecordCreate_EndToEnd(t *testing.T) {
	isolate(t, "")

	var gotAuth string
	var gotBody map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v1/commands" {
			http.NotFound(w, r)
			return
		}
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&gotBody) //nolint:errcheck
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"sequence_no":1,"action":"record.create","target_id":"rec-1","version":1}`)) //nolint:errcheck
	}))
	defer srv.Close()

	var err error
	out := captureStdout(t, func() {
		err = executeArgs(t, newRootCmd(),
			"--url", srv.URL, "--api-key", "k", "--format", "quiet",
			"record", "create", "contract", "--data", `{"n":1}`)
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	if strings.TrimSpace(out) != "rec-1" {
		t.Errorf("quiet output: got %q, want rec-1", out)
	}
	if gotAuth != "Bearer k" {
		t.Errorf("auth header: got %q", gotAuth)
	}
	if gotBody["action"] != "record.create" {
		t.Errorf("body: %v", gotBody)
	}
}
