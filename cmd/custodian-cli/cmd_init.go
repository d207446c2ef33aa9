package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/persistorai/custodian/client"
)

func newInitCmd() *cobra.Command {
	var (
		initURL     string
		initAPIKey  string
		initProfile string
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Set up Custodian CLI configuration",
		Long:  "Interactive setup wizard that writes a profile to ~/.custodian/config.yaml",
		RunE: func(cmd *cobra.Command, args []string) error {
			nonInteractive := initURL != "" || initAPIKey != ""
			return runInit(initURL, initAPIKey, initProfile, nonInteractive)
		},
	}

	cmd.Flags().StringVar(&initURL, "url", "", "Server URL (non-interactive mode)")
	cmd.Flags().StringVar(&initAPIKey, "api-key", "", "API key (non-interactive mode)")
	cmd.Flags().StringVar(&initProfile, "profile", "default", "Profile name to write and activate")
	return cmd
}

func runInit(url, apiKey, profile string, nonInteractive bool) error {
	if !nonInteractive {
		fmt.Println("\n  Custodian Setup")
		fmt.Println("  ---------------")
		fmt.Println()

		reader := bufio.NewReader(os.Stdin)

		fmt.Printf("  Server URL [%s]: ", defaultURL)
		line, _ := reader.ReadString('\n')
		if line = strings.TrimSpace(line); line != "" {
			url = line
		}

		fmt.Print("  API Key: ")
		keyLine, _ := reader.ReadString('\n')
		apiKey = strings.TrimSpace(keyLine)
	}

	if url == "" {
		url = defaultURL
	}

	if apiKey == "" {
		return fmt.Errorf("API key is required")
	}

	if !nonInteractive {
		fmt.Print("\n  Testing connection... ")
	}

	ver, err := testConnection(url, apiKey)
	if err != nil {
		if !nonInteractive {
			fmt.Println("failed")
		}
		return fmt.Errorf("connection failed: %w", err)
	}

	if !nonInteractive {
		fmt.Printf("connected (v%s)\n", ver)
	}

	cfgPath, err := writeConfig(url, apiKey, profile)
	if err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	if nonInteractive {
		fmt.Printf("Config saved to %s\n", cfgPath)
		return nil
	}

	fmt.Printf("\n  Config saved to %s\n", cfgPath)
	fmt.Println()
	fmt.Println("  Next steps:")
	fmt.Println("    custodian doctor          # Full diagnostic check")
	fmt.Println("    custodian ledger entries  # Read the ledger")
	fmt.Println("    custodian verify range    # Check chain integrity")
	fmt.Println()

	return nil
}

// testConnection checks the key against an authenticated endpoint and
// returns the server version.
func testConnection(url, apiKey string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c := client.New(url, client.WithAPIKey(apiKey), client.WithRetry(0, 0))

	health, err := c.Health(ctx)
	if err != nil {
		return "", err
	}

	if _, _, err := c.Ledger.Entries(ctx, 0, 0, 1); err != nil {
		return "", err
	}

	if health.Version == "" {
		return "unknown", nil
	}
	return health.Version, nil
}

// writeConfig merges the profile into any existing config file.
func writeConfig(url, apiKey, profile string) (string, error) {
	cfgPath, err := configPath()
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(filepath.Dir(cfgPath), 0o700); err != nil {
		return "", err
	}

	var cfg configFile
	if data, err := os.ReadFile(cfgPath); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return "", fmt.Errorf("existing config is not valid YAML: %w", err)
		}
	}

	if cfg.Profiles == nil {
		cfg.Profiles = map[string]configProfile{}
	}
	if profile == "" {
		profile = "default"
	}
	cfg.Profiles[profile] = configProfile{URL: url, APIKey: apiKey}
	cfg.ActiveProfile = profile

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", err
	}

	if err := os.WriteFile(cfgPath, data, 0o600); err != nil {
		return "", err
	}

	return cfgPath, nil
}
