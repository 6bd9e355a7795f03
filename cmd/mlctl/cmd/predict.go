package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/psantana5/ml-orchestrator/pkg/models"
	"github.com/psantana5/ml-orchestrator/pkg/objectstore"
)

var (
	predictVersion   string
	predictInput     string
	predictInstances []string
)

var predictCmd = &cobra.Command{
	Use:   "predict <model>",
	Short: "Score instances against a registered model",
	Long: `Score one or more instances against a model. Instances come from a
JSONL file (--input, "-" for stdin) and/or --instance flags.`,
	Example: `  mlctl predict churn --instance '{"age": 41, "plan": "pro"}'
  mlctl predict churn --version 2 --input customers.jsonl -o json`,
	Args: cobra.ExactArgs(1),
	RunE: runPredict,
}

func init() {
	rootCmd.AddCommand(predictCmd)
	predictCmd.Flags().StringVar(&predictVersion, "version", "", "model version (default: latest)")
	predictCmd.Flags().StringVarP(&predictInput, "input", "i", "", "JSONL file of instances, - for stdin")
	predictCmd.Flags().StringArrayVar(&predictInstances, "instance", nil, "one instance as a JSON object (repeatable)")
}

func readInstances(stdin io.Reader) ([]models.Record, error) {
	var records []models.Record
	if predictInput != "" {
		r := stdin
		if predictInput != "-" {
			f, err := os.Open(predictInput)
			if err != nil {
				return nil, fmt.Errorf("failed to open input: %w", err)
			}
			defer f.Close()
			r = f
		}
		recs, err := objectstore.ReadJSONL(r)
		if err != nil {
			return nil, fmt.Errorf("failed to read input: %w", err)
		}
		records = append(records, recs...)
	}
	for i, raw := range predictInstances {
		var rec models.Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("instance %d: %w", i+1, err)
		}
		records = append(records, rec)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("no instances given (use --input or --instance)")
	}
	return records, nil
}

func runPredict(cmd *cobra.Command, args []string) error {
	instances, err := readInstances(cmd.InOrStdin())
	if err != nil {
		return err
	}

	path := "/v1/models/" + url.PathEscape(args[0]) + "/predict"
	if predictVersion != "" {
		path += "?version=" + url.QueryEscape(predictVersion)
	}
	var resp struct {
		ModelName    string          `json:"model_name"`
		ModelVersion string          `json:"model_version"`
		Predictions  []models.Record `json:"predictions"`
		Failed       int             `json:"failed"`
		LatencyMs    float64         `json:"latency_ms"`
	}
	if err := apiDo(cmd.Context(), "POST", path, map[string]interface{}{"instances": instances}, &resp); err != nil {
		return err
	}

	err = render(cmd.OutOrStdout(), resp, func(t *tablewriter.Table) {
		t.Header("#", "Prediction")
		for i, p := range resp.Predictions {
			data, _ := json.Marshal(p)
			t.Append(fmt.Sprintf("%d", i+1), string(data))
		}
	})
	if err != nil {
		return err
	}
	if outputFormat == "table" {
		fmt.Fprintf(cmd.OutOrStdout(), "\nModel %s version %s: %d scored, %d failed in %.2fms\n",
			resp.ModelName, resp.ModelVersion, len(resp.Predictions)-resp.Failed, resp.Failed, resp.LatencyMs)
	}
	return nil
}
