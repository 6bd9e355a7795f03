package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

type healthResponse struct {
	Status        string            `json:"status"`
	Checks        map[string]string `json:"checks"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Host          *struct {
		CPUPercent    float64 `json:"cpu_percent"`
		MemoryPercent float64 `json:"memory_percent"`
	} `json:"host,omitempty"`
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check mlserve health",
	RunE:  runHealth,
}

func init() {
	rootCmd.AddCommand(healthCmd)
}

func runHealth(cmd *cobra.Command, args []string) error {
	var resp healthResponse
	err := apiDo(cmd.Context(), "GET", "/health", nil, &resp)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == 503 {
		// degraded still carries the check results
		if json.Unmarshal(apiErr.Body, &resp) != nil || resp.Status == "" {
			resp = healthResponse{Status: "degraded", Checks: map[string]string{"server": apiErr.Message}}
		}
	} else if err != nil {
		return err
	}

	if err := render(cmd.OutOrStdout(), resp, func(t *tablewriter.Table) {
		names := make([]string, 0, len(resp.Checks))
		for n := range resp.Checks {
			names = append(names, n)
		}
		sort.Strings(names)
		t.Header("Check", "Result")
		for _, n := range names {
			t.Append(n, resp.Checks[n])
		}
	}); err != nil {
		return err
	}
	if outputFormat == "table" {
		fmt.Fprintf(cmd.OutOrStdout(), "\nStatus: %s (up %s)\n", resp.Status, (time.Duration(resp.UptimeSeconds) * time.Second).String())
		if resp.Host != nil {
			fmt.Fprintf(cmd.OutOrStdout(), "Host: %.1f%% CPU, %.1f%% memory\n", resp.Host.CPUPercent, resp.Host.MemoryPercent)
		}
	}
	if resp.Status != "healthy" {
		return fmt.Errorf("server is %s", resp.Status)
	}
	return nil
}
