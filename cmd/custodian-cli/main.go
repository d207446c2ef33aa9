package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/persistorai/custodian/client"
)

// Build-time variables set via ldflags.
var (
	version   = "0.1.0"
	commit    = ""
	buildDate = ""
)

const defaultURL = "http://localhost:3030"

var (
	apiClient *client.Client
	flagURL   string
	flagKey   string
	flagFmt   string
)

func versionString() string {
	if commit != "" && buildDate != "" {
		return fmt.Sprintf("custodian version %s (commit: %s, built: %s)", version, commit, buildDate)
	}
	return fmt.Sprintf("custodian version %s-dev", version)
}

type configFile struct {
	// Flat format
	URL    string `yaml:"url,omitempty"`
	APIKey string `yaml:"api_key,omitempty"`
	// Profile format
	Profiles      map[string]configProfile `yaml:"profiles"`
	ActiveProfile string                   `yaml:"active_profile"`
}

type configProfile struct {
	URL    string `yaml:"url"`
	APIKey string `yaml:"api_key"`
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "custodian",
		Short:   "Custodian CLI: tamper-evident audit ledger and evidence exports",
		Version: versionString(),
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			resolveConfig()
			var opts []client.Option
			if flagKey != "" {
				opts = append(opts, client.WithAPIKey(flagKey))
			}
			apiClient = client.New(flagURL, opts...)
		},
		SilenceUsage: true,
	}
	rootCmd.SetVersionTemplate("{{.Version}}\n")

	rootCmd.PersistentFlags().StringVar(&flagURL, "url", defaultURL, "Custodian server URL (env: CUSTODIAN_URL)")
	rootCmd.PersistentFlags().StringVar(&flagKey, "api-key", "", "API key or bearer token (env: CUSTODIAN_API_KEY)")
	rootCmd.PersistentFlags().StringVar(&flagFmt, "format", fmtJSON, "Output format: json|table|quiet")

	skip := func(cmd *cobra.Command, args []string) {}

	initCmd := newInitCmd()
	initCmd.PersistentPreRun = skip
	doctorCmd := newDoctorCmd()
	doctorCmd.PersistentPreRun = skip

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(doctorCmd)
	rootCmd.AddCommand(newRecordCmd())
	rootCmd.AddCommand(newLedgerCmd())
	rootCmd.AddCommand(newVerifyCmd())
	rootCmd.AddCommand(newExportCmd())

	return rootCmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func configPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".custodian", "config.yaml"), nil
}

func resolveConfig() {
	// Flag takes precedence, then env, then config file.
	if flagURL == defaultURL {
		if v := os.Getenv("CUSTODIAN_URL"); v != "" {
			flagURL = v
		}
	}
	if flagKey == "" {
		flagKey = os.Getenv("CUSTODIAN_API_KEY")
	}

	cfgPath, err := configPath()
	if err != nil {
		return
	}
	data, err := os.ReadFile(cfgPath)
	if err != nil {
		return
	}
	var cfg configFile
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return
	}

	resolvedURL, resolvedKey := cfg.resolve()
	if flagURL == defaultURL && resolvedURL != "" {
		flagURL = resolvedURL
	}
	if flagKey == "" && resolvedKey != "" {
		flagKey = resolvedKey
	}
}

// resolve returns the active profile's settings, falling back to the flat
// top-level fields.
func (c *configFile) resolve() (url, apiKey string) {
	url, apiKey = c.URL, c.APIKey
	if c.Profiles == nil {
		return url, apiKey
	}
	name := c.ActiveProfile
	if name == "" {
		name = "default"
	}
	if p, ok := c.Profiles[name]; ok {
		if p.URL != "" {
			url = p.URL
		}
		if p.APIKey != "" {
			apiKey = p.APIKey
		}
	}
	return url, apiKey
}

func fatal(msg string, err error) {
	fmt.Fprintf(os.Stderr, "Error: %s: %v\n", msg, err)
	os.Exit(1)
}
