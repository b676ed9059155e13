package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

var serverURL string

var rootCmd = &cobra.Command{
	Use:   "bridgectl",
	Short: "Agentbridge operator CLI",
	Long: `bridgectl talks to a running agentbridge instance.

Trigger sync runs, poll their status, run validation reports, inspect
data freshness, and browse the dead letter queue.`,
	Version: "0.1.0",
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8091", "agentbridge base URL")
}

var httpClient = &http.Client{Timeout: 30 * time.Second}

// call performs one API request and pretty-prints the JSON response. Non-2xx
// responses are printed too, then reported as an error.
func call(method, path string, body any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequest(method, serverURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("call %s: %w", path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		fmt.Println(string(raw))
	} else {
		fmt.Println(pretty.String())
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s returned %s", path, resp.Status)
	}
	return nil
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Workflow run management",
}

var syncTriggerCmd = &cobra.Command{
	Use:   "trigger",
	Short: "Trigger a sync run across the agent roster",
	RunE: func(cmd *cobra.Command, args []string) error {
		scope, _ := cmd.Flags().GetString("scope")
		by, _ := cmd.Flags().GetString("triggered-by")
		return call(http.MethodPost, "/sync/trigger", map[string]string{
			"syncScope":   scope,
			"triggeredBy": by,
		})
	},
}

var syncStatusCmd = &cobra.Command{
	Use:   "status [correlation-id]",
	Short: "Show the current state of a workflow run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(http.MethodGet, "/sync/status/"+args[0], nil)
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Run the layered validation report",
	Long:  "Without --correlation-id an ambient freshness and consistency check runs instead.",
	RunE: func(cmd *cobra.Command, args []string) error {
		id, _ := cmd.Flags().GetString("correlation-id")
		path := "/validate"
		if id != "" {
			path += "?correlationId=" + id
		}
		return call(http.MethodGet, path, nil)
	},
}

var freshnessCmd = &cobra.Command{
	Use:   "freshness",
	Short: "Data freshness inspection and repair",
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(http.MethodGet, "/freshness", nil)
	},
}

var freshnessCheckCmd = &cobra.Command{
	Use:   "check [agent-id]",
	Short: "Classify one agent's data age",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(http.MethodGet, "/freshness/"+args[0], nil)
	},
}

var freshnessRefreshCmd = &cobra.Command{
	Use:   "refresh [agent-id]",
	Short: "Refresh stale agents, or one agent when named",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		body := map[string]string{}
		if len(args) == 1 {
			body["agentId"] = args[0]
		}
		return call(http.MethodPost, "/freshness/refresh", body)
	},
}

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Dead letter queue inspection",
}

var dlqStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show quarantine stream counters",
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(http.MethodGet, "/dlq/stats", nil)
	},
}

var dlqEventsCmd = &cobra.Command{
	Use:   "events",
	Short: "List quarantined payloads",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		return call(http.MethodGet, fmt.Sprintf("/dlq/events?limit=%d", limit), nil)
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
	syncCmd.AddCommand(syncTriggerCmd)
	syncCmd.AddCommand(syncStatusCmd)

	rootCmd.AddCommand(validateCmd)

	rootCmd.AddCommand(freshnessCmd)
	freshnessCmd.AddCommand(freshnessCheckCmd)
	freshnessCmd.AddCommand(freshnessRefreshCmd)

	rootCmd.AddCommand(dlqCmd)
	dlqCmd.AddCommand(dlqStatsCmd)
	dlqCmd.AddCommand(dlqEventsCmd)

	syncTriggerCmd.Flags().StringP("scope", "s", "full", "sync scope: quick or full")
	syncTriggerCmd.Flags().String("triggered-by", "bridgectl", "trigger attribution")
	validateCmd.Flags().StringP("correlation-id", "c", "", "workflow run to validate")
	dlqEventsCmd.Flags().IntP("limit", "l", 20, "max events to list")
}
