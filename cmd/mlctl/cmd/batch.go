package cmd

import (
	"fmt"
	"net/url"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/psantana5/ml-orchestrator/pkg/models"
)

var (
	batchFile         string
	batchModel        string
	batchVersion      string
	batchInput        string
	batchInputQuery   string
	batchOutput       string
	batchOutputPath   string
	batchFollowStatus bool
	batchPollInterval time.Duration
)

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Manage batch-prediction jobs",
}

var batchSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a batch-prediction job",
	Example: `  mlctl batch submit --model churn --input scoring/in.jsonl --output scoring
  mlctl batch submit -f batch.yaml --version 3`,
	RunE: runBatchSubmit,
}

var batchStatusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show a batch-prediction job",
	Args:  cobra.ExactArgs(1),
	RunE:  runBatchStatus,
}

var batchListCmd = &cobra.Command{
	Use:   "list",
	Short: "List batch-prediction jobs",
	RunE:  runBatchList,
}

var batchCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a queued or running batch-prediction job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return cancelJob(cmd, "/v1/batch-prediction-jobs/", args[0])
	},
}

var batchDeleteCmd = &cobra.Command{
	Use:   "delete <job-id>",
	Short: "Delete a finished batch-prediction job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return deleteJob(cmd, "/v1/batch-prediction-jobs/", args[0])
	},
}

func init() {
	rootCmd.AddCommand(batchCmd)
	batchCmd.AddCommand(batchSubmitCmd, batchStatusCmd, batchListCmd, batchCancelCmd, batchDeleteCmd)

	f := batchSubmitCmd.Flags()
	f.StringVarP(&batchFile, "file", "f", "", "request file (YAML or JSON)")
	f.StringVar(&batchModel, "model", "", "model name")
	f.StringVar(&batchVersion, "version", "", "model version (default: latest)")
	f.StringVar(&batchInput, "input", "", "input location")
	f.StringVar(&batchInputQuery, "input-query", "", "query applied by the data store")
	f.StringVar(&batchOutput, "output", "", "output location")
	f.StringVar(&batchOutputPath, "output-path", "", "output object path (default: derived from the job ID)")

	batchStatusCmd.Flags().BoolVar(&batchFollowStatus, "follow", false, "poll until the job finishes")
	batchStatusCmd.Flags().DurationVar(&batchPollInterval, "interval", 2*time.Second, "poll interval with --follow")
	addListFlags(batchListCmd)
}

func buildBatchRequest() (*models.BatchPredictionRequest, error) {
	req := &models.BatchPredictionRequest{}
	if batchFile != "" {
		if err := loadRequestFile(batchFile, req); err != nil {
			return nil, err
		}
	}
	for dst, v := range map[*string]string{
		&req.ModelName:      batchModel,
		&req.ModelVersion:   batchVersion,
		&req.InputLocation:  batchInput,
		&req.InputQuery:     batchInputQuery,
		&req.OutputLocation: batchOutput,
		&req.OutputPath:     batchOutputPath,
	} {
		if v != "" {
			*dst = v
		}
	}
	if req.ModelName == "" || req.InputLocation == "" || req.OutputLocation == "" {
		return nil, fmt.Errorf("model, input and output are required (--model, --input, --output or --file)")
	}
	return req, nil
}

func runBatchSubmit(cmd *cobra.Command, args []string) error {
	req, err := buildBatchRequest()
	if err != nil {
		return err
	}
	var job models.BatchPredictionJob
	if err := apiDo(cmd.Context(), "POST", "/v1/batch-prediction-jobs", req, &job); err != nil {
		return err
	}
	if err := printBatchJob(cmd, &job); err != nil {
		return err
	}
	if outputFormat == "table" {
		fmt.Fprintf(cmd.OutOrStdout(), "\nBatch job submitted: %s\n", job.ID)
	}
	return nil
}

func runBatchStatus(cmd *cobra.Command, args []string) error {
	for {
		var job models.BatchPredictionJob
		if err := apiDo(cmd.Context(), "GET", "/v1/batch-prediction-jobs/"+url.PathEscape(args[0]), nil, &job); err != nil {
			return err
		}
		if err := printBatchJob(cmd, &job); err != nil {
			return err
		}
		if !batchFollowStatus || models.IsTerminalState(job.Status.State) {
			return nil
		}
		select {
		case <-cmd.Context().Done():
			return nil
		case <-time.After(batchPollInterval):
		}
		fmt.Fprintln(cmd.OutOrStdout())
	}
}

func printBatchJob(cmd *cobra.Command, job *models.BatchPredictionJob) error {
	return render(cmd.OutOrStdout(), job, func(t *tablewriter.Table) {
		s := job.Status
		version := s.ResolvedModelVersion
		if version == "" {
			version = orDash(job.Request.ModelVersion)
		}
		t.Header("Field", "Value")
		t.Append("ID", job.ID)
		t.Append("Model", job.Request.ModelName)
		t.Append("Version", version)
		t.Append("State", string(s.State))
		t.Append("Progress", fmt.Sprintf("%d%%", s.Progress))
		t.Append("Records", fmt.Sprintf("%d total, %d ok, %d failed", s.Stats.TotalRecords, s.Stats.SuccessfulRecords, s.Stats.FailedRecords))
		t.Append("Avg Time", fmt.Sprintf("%.2fms", s.Stats.AverageProcessingTimeMs))
		t.Append("Created", formatTime(&s.CreatedAt))
		t.Append("Started", formatTime(s.StartedAt))
		t.Append("Completed", formatTime(s.CompletedAt))
		t.Append("Duration", formatDuration(s.StartedAt, s.CompletedAt))
		t.Append("Output", orDash(s.OutputPath))
		if s.ErrorMessage != "" {
			t.Append("Error", s.ErrorMessage)
		}
	})
}

func runBatchList(cmd *cobra.Command, args []string) error {
	var resp struct {
		Jobs []*models.BatchPredictionJob `json:"jobs"`
	}
	if err := apiDo(cmd.Context(), "GET", "/v1/batch-prediction-jobs"+listQuery(), nil, &resp); err != nil {
		return err
	}
	if len(resp.Jobs) == 0 && outputFormat == "table" {
		fmt.Fprintln(cmd.OutOrStdout(), "No batch jobs found")
		return nil
	}
	return render(cmd.OutOrStdout(), resp.Jobs, func(t *tablewriter.Table) {
		t.Header("ID", "Model", "State", "Progress", "Records", "Failed", "Created")
		for _, j := range resp.Jobs {
			t.Append(j.ID, j.Request.ModelName, string(j.Status.State), fmt.Sprintf("%d%%", j.Status.Progress),
				fmt.Sprintf("%d", j.Status.Stats.TotalRecords), fmt.Sprintf("%d", j.Status.Stats.FailedRecords),
				formatTime(&j.Status.CreatedAt))
		}
	})
}
