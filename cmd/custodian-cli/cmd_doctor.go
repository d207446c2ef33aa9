package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/persistorai/custodian/client"
)

func newDoctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Diagnose configuration, connectivity and ledger health",
		Long:  "Run diagnostic checks against config, server, auth and recorded integrity incidents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDoctor()
		},
	}
}

type checkResult struct {
	Name   string
	Passed bool
	Detail string
	Hint   string
}

func runDoctor() error {
	fmt.Println("\nCustodian Doctor")
	fmt.Println("================")

	var results []checkResult

	// 1. Config file.
	cfgPath, cfg, cfgErr := doctorLoadConfig()
	if cfgErr != nil {
		results = append(results, checkResult{
			Name: "Config file", Passed: false,
			Detail: cfgPath,
			Hint:   "Run: custodian init",
		})
	} else {
		results = append(results, checkResult{
			Name: "Config file", Passed: true,
			Detail: fmt.Sprintf("found (%s)", cfgPath),
		})
	}

	url, apiKey := doctorResolveSettings(cfg)

	// 2. Server URL.
	if url == "" {
		results = append(results, checkResult{
			Name: "Server URL", Passed: false,
			Hint: "Set --url, CUSTODIAN_URL, or run custodian init",
		})
	} else {
		results = append(results, checkResult{Name: "Server URL", Passed: true, Detail: url})
	}

	// 3. API key.
	if apiKey == "" {
		results = append(results, checkResult{
			Name: "API key", Passed: false,
			Hint: "Set --api-key, CUSTODIAN_API_KEY, or run custodian init",
		})
	} else {
		results = append(results, checkResult{Name: "API key", Passed: true, Detail: "configured"})
	}

	c := client.New(url, client.WithAPIKey(apiKey), client.WithRetry(0, 0))

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	// 4. Server reachable.
	reachable := false
	if url != "" {
		results = append(results, doctorCheckHealth(ctx, c, url))
		reachable = results[len(results)-1].Passed
	}

	// 5. Authentication, 6. integrity incidents.
	if reachable && apiKey != "" {
		auth := doctorCheckAuth(ctx, c)
		results = append(results, auth)
		if auth.Passed {
			results = append(results, doctorCheckIncidents(ctx, c))
		}
	}

	fmt.Println()
	allPassed := true
	for _, r := range results {
		mark := "[ok]  "
		if !r.Passed {
			mark = "[fail]"
			allPassed = false
		}
		if r.Detail != "" {
			fmt.Printf("%s %s: %s\n", mark, r.Name, r.Detail)
		} else {
			fmt.Printf("%s %s\n", mark, r.Name)
		}
		if !r.Passed && r.Hint != "" {
			fmt.Printf("       Hint: %s\n", r.Hint)
		}
	}

	fmt.Println()
	if !allPassed {
		fmt.Println("Some checks failed.")
		return fmt.Errorf("doctor found issues")
	}

	fmt.Println("All checks passed!")
	return nil
}

func doctorLoadConfig() (string, *configFile, error) {
	cfgPath, err := configPath()
	if err != nil {
		return "", nil, err
	}
	data, err := os.ReadFile(cfgPath)
	if err != nil {
		return cfgPath, nil, err
	}
	var cfg configFile
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfgPath, nil, err
	}
	return cfgPath, &cfg, nil
}

// doctorResolveSettings applies the same precedence as resolveConfig
// without mutating the global flags.
func doctorResolveSettings(cfg *configFile) (url, apiKey string) {
	url = flagURL
	apiKey = flagKey

	if url == defaultURL {
		if v := os.Getenv("CUSTODIAN_URL"); v != "" {
			url = v
		}
	}
	if apiKey == "" {
		apiKey = os.Getenv("CUSTODIAN_API_KEY")
	}

	if cfg != nil {
		fileURL, fileKey := cfg.resolve()
		if url == defaultURL && fileURL != "" {
			url = fileURL
		}
		if apiKey == "" && fileKey != "" {
			apiKey = fileKey
		}
	}

	return url, apiKey
}

func doctorCheckHealth(ctx context.Context, c *client.Client, url string) checkResult {
	h, err := c.Health(ctx)
	if err != nil {
		return checkResult{
			Name: "Server reachable", Passed: false, Detail: url,
			Hint: fmt.Sprintf("Is the Custodian server running? Try: systemctl status custodian\n       Error: %v", err),
		}
	}

	detail := url
	if h.Version != "" {
		detail = fmt.Sprintf("v%s (database %s)", h.Version, h.Database)
	}
	return checkResult{Name: "Server reachable", Passed: true, Detail: detail}
}

func doctorCheckAuth(ctx context.Context, c *client.Client) checkResult {
	if _, _, err := c.Ledger.Entries(ctx, 0, 0, 1); err != nil {
		var apiErr *client.APIError
		if errors.As(err, &apiErr) && (apiErr.StatusCode == 401 || apiErr.StatusCode == 403) {
			return checkResult{
				Name: "Authentication", Passed: false,
				Hint: fmt.Sprintf("Check your API key. Error: %v", err),
			}
		}
		return checkResult{Name: "Authentication", Passed: false, Hint: err.Error()}
	}
	return checkResult{Name: "Authentication", Passed: true, Detail: "valid"}
}

func doctorCheckIncidents(ctx context.Context, c *client.Client) checkResult {
	incidents, more, err := c.Ledger.Incidents(ctx, &client.ListOptions{Limit: 10})
	if err != nil {
		return checkResult{Name: "Integrity incidents", Passed: false, Hint: err.Error()}
	}
	if len(incidents) == 0 {
		return checkResult{Name: "Integrity incidents", Passed: true, Detail: "none recorded"}
	}

	n := fmt.Sprintf("%d", len(incidents))
	if more {
		n += "+"
	}
	latest := incidents[0]
	return checkResult{
		Name: "Integrity incidents", Passed: false,
		Detail: fmt.Sprintf("%s recorded, latest: %s (%s)", n, latest.Reason, latest.Scope),
		Hint:   "Run: custodian ledger incidents --format table, then custodian verify range",
	}
}
