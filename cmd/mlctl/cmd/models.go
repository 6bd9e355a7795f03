package cmd

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/psantana5/ml-orchestrator/pkg/models"
)

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "Inspect the model registry",
}

var modelsVersionsCmd = &cobra.Command{
	Use:   "versions <model>",
	Short: "List registered versions of a model",
	Args:  cobra.ExactArgs(1),
	RunE:  runModelsVersions,
}

func init() {
	rootCmd.AddCommand(modelsCmd)
	modelsCmd.AddCommand(modelsVersionsCmd)
}

func runModelsVersions(cmd *cobra.Command, args []string) error {
	var resp struct {
		Model    string                 `json:"model"`
		Versions []models.ModelMetadata `json:"versions"`
	}
	if err := apiDo(cmd.Context(), "GET", "/v1/models/"+url.PathEscape(args[0])+"/versions", nil, &resp); err != nil {
		return err
	}
	if len(resp.Versions) == 0 && outputFormat == "table" {
		fmt.Fprintf(cmd.OutOrStdout(), "No versions registered for %s\n", args[0])
		return nil
	}
	return render(cmd.OutOrStdout(), resp.Versions, func(t *tablewriter.Table) {
		t.Header("Version", "Algorithm", "Target", "Features", "Metrics", "Run", "Created")
		for _, m := range resp.Versions {
			t.Append(m.Version, m.Algorithm, orDash(m.Target), strconv.Itoa(len(m.Schema.Features)),
				formatMetrics(m.Metrics), orDash(m.RunID), formatTime(&m.CreatedAt))
		}
	})
}

func formatMetrics(m map[string]float64) string {
	if len(m) == 0 {
		return "-"
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + strconv.FormatFloat(m[k], 'g', 4, 64)
	}
	return strings.Join(parts, " ")
}
