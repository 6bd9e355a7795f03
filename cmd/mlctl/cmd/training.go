package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/psantana5/ml-orchestrator/pkg/models"
)

var (
	trainFile       string
	trainName       string
	trainAlgorithm  string
	trainTask       string
	trainTarget     string
	trainData       string
	trainQuery      string
	trainValidation string
	trainExperiment string
	trainHyper      map[string]string
	trainParams     map[string]string

	listState string
	listModel string
	listSkip  int
	listTake  int

	followStatus bool
	pollInterval time.Duration
)

var trainingCmd = &cobra.Command{
	Use:     "training",
	Aliases: []string{"train"},
	Short:   "Manage training jobs",
}

var trainingSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a training job",
	Long: `Submit a training job. The request can come from a YAML or JSON file
(--file) and be overridden by flags.`,
	RunE: runTrainingSubmit,
}

var trainingStatusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show a training job",
	Args:  cobra.ExactArgs(1),
	RunE:  runTrainingStatus,
}

var trainingListCmd = &cobra.Command{
	Use:   "list",
	Short: "List training jobs",
	RunE:  runTrainingList,
}

var trainingCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a queued or running training job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return cancelJob(cmd, "/v1/training-jobs/", args[0])
	},
}

var trainingDeleteCmd = &cobra.Command{
	Use:   "delete <job-id>",
	Short: "Delete a finished training job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return deleteJob(cmd, "/v1/training-jobs/", args[0])
	},
}

func init() {
	rootCmd.AddCommand(trainingCmd)
	trainingCmd.AddCommand(trainingSubmitCmd, trainingStatusCmd, trainingListCmd, trainingCancelCmd, trainingDeleteCmd)

	f := trainingSubmitCmd.Flags()
	f.StringVarP(&trainFile, "file", "f", "", "request file (YAML or JSON)")
	f.StringVar(&trainName, "name", "", "model name")
	f.StringVar(&trainAlgorithm, "algorithm", "", "training algorithm")
	f.StringVar(&trainTask, "task", "", "task, e.g. regression or classification")
	f.StringVar(&trainTarget, "target", "", "target column")
	f.StringVar(&trainData, "data", "", "training data source, e.g. datasets/churn/train.jsonl")
	f.StringVar(&trainQuery, "query", "", "query applied by the data store")
	f.StringVar(&trainValidation, "validation", "", "validation data source")
	f.StringVar(&trainExperiment, "experiment", "", "experiment name (default: model name)")
	f.StringToStringVar(&trainHyper, "hp", nil, "hyperparameters, key=value")
	f.StringToStringVar(&trainParams, "param", nil, "extra run parameters, key=value")

	trainingStatusCmd.Flags().BoolVar(&followStatus, "follow", false, "poll until the job finishes")
	trainingStatusCmd.Flags().DurationVar(&pollInterval, "interval", 2*time.Second, "poll interval with --follow")
	addListFlags(trainingListCmd)
}

func addListFlags(c *cobra.Command) {
	c.Flags().StringVar(&listState, "state", "", "only jobs in this state")
	c.Flags().StringVar(&listModel, "model", "", "only jobs for this model")
	c.Flags().IntVar(&listSkip, "skip", 0, "jobs to skip")
	c.Flags().IntVar(&listTake, "take", 50, "jobs to return")
}

func listQuery() string {
	q := url.Values{}
	if listState != "" {
		q.Set("state", listState)
	}
	if listModel != "" {
		q.Set("model", listModel)
	}
	q.Set("skip", strconv.Itoa(listSkip))
	q.Set("take", strconv.Itoa(listTake))
	return "?" + q.Encode()
}

// loadRequestFile decodes a YAML or JSON file into out through JSON, so
// that json tags apply to both formats
func loadRequestFile(path string, out interface{}) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	var generic interface{}
	if err := yaml.Unmarshal(raw, &generic); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	data, err := json.Marshal(generic)
	if err != nil {
		return fmt.Errorf("failed to convert %s: %w", path, err)
	}
	return json.Unmarshal(data, out)
}

func buildTrainingRequest() (*models.TrainingJobRequest, error) {
	req := &models.TrainingJobRequest{}
	if trainFile != "" {
		if err := loadRequestFile(trainFile, req); err != nil {
			return nil, err
		}
	}
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&req.Definition.Name, trainName)
	set(&req.Definition.Algorithm, trainAlgorithm)
	set(&req.Definition.Task, trainTask)
	set(&req.Definition.Target, trainTarget)
	set(&req.DataSourceID, trainData)
	set(&req.DataQuery, trainQuery)
	set(&req.ValidationDataSourceID, trainValidation)
	set(&req.ExperimentName, trainExperiment)
	if len(trainHyper) > 0 {
		if req.Definition.Hyperparameters == nil {
			req.Definition.Hyperparameters = map[string]string{}
		}
		for k, v := range trainHyper {
			req.Definition.Hyperparameters[k] = v
		}
	}
	if len(trainParams) > 0 {
		if req.Parameters == nil {
			req.Parameters = map[string]string{}
		}
		for k, v := range trainParams {
			req.Parameters[k] = v
		}
	}
	if req.Definition.Name == "" || req.DataSourceID == "" {
		return nil, fmt.Errorf("a model name and a data source are required (--name, --data or --file)")
	}
	return req, nil
}

func runTrainingSubmit(cmd *cobra.Command, args []string) error {
	req, err := buildTrainingRequest()
	if err != nil {
		return err
	}
	var job models.TrainingJob
	if err := apiDo(cmd.Context(), "POST", "/v1/training-jobs", req, &job); err != nil {
		return err
	}
	if err := printTrainingJob(cmd, &job); err != nil {
		return err
	}
	if outputFormat == "table" {
		fmt.Fprintf(cmd.OutOrStdout(), "\nTraining job submitted: %s\n", job.ID)
	}
	return nil
}

func runTrainingStatus(cmd *cobra.Command, args []string) error {
	for {
		var job models.TrainingJob
		if err := apiDo(cmd.Context(), "GET", "/v1/training-jobs/"+url.PathEscape(args[0]), nil, &job); err != nil {
			return err
		}
		if err := printTrainingJob(cmd, &job); err != nil {
			return err
		}
		if !followStatus || models.IsTerminalState(job.Status.State) {
			return nil
		}
		select {
		case <-cmd.Context().Done():
			return nil
		case <-time.After(pollInterval):
		}
		fmt.Fprintln(cmd.OutOrStdout())
	}
}

func printTrainingJob(cmd *cobra.Command, job *models.TrainingJob) error {
	return render(cmd.OutOrStdout(), job, func(t *tablewriter.Table) {
		t.Header("Field", "Value")
		t.Append("ID", job.ID)
		t.Append("Model", job.Request.Definition.Name)
		t.Append("Algorithm", orDash(job.Request.Definition.Algorithm))
		t.Append("State", string(job.Status.State))
		t.Append("Progress", fmt.Sprintf("%d%%", job.Status.Progress))
		t.Append("Created", formatTime(&job.Status.CreatedAt))
		t.Append("Started", formatTime(job.Status.StartedAt))
		t.Append("Completed", formatTime(job.Status.CompletedAt))
		t.Append("Duration", formatDuration(job.Status.StartedAt, job.Status.CompletedAt))
		if job.Status.RunID != "" {
			t.Append("Run", job.Status.RunID)
		}
		if job.Status.ModelVersion != "" {
			t.Append("Model Version", job.Status.ModelVersion)
		}
		keys := make([]string, 0, len(job.Status.Metrics))
		for k := range job.Status.Metrics {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			t.Append("Metric "+k, strconv.FormatFloat(job.Status.Metrics[k], 'g', 6, 64))
		}
		if job.Status.ErrorMessage != "" {
			t.Append("Error", job.Status.ErrorMessage)
		}
	})
}

func runTrainingList(cmd *cobra.Command, args []string) error {
	var resp struct {
		Jobs []*models.TrainingJob `json:"jobs"`
	}
	if err := apiDo(cmd.Context(), "GET", "/v1/training-jobs"+listQuery(), nil, &resp); err != nil {
		return err
	}
	if len(resp.Jobs) == 0 && outputFormat == "table" {
		fmt.Fprintln(cmd.OutOrStdout(), "No training jobs found")
		return nil
	}
	return render(cmd.OutOrStdout(), resp.Jobs, func(t *tablewriter.Table) {
		t.Header("ID", "Model", "State", "Progress", "Created", "Version")
		for _, j := range resp.Jobs {
			t.Append(j.ID, j.Request.Definition.Name, string(j.Status.State),
				fmt.Sprintf("%d%%", j.Status.Progress), formatTime(&j.Status.CreatedAt), orDash(j.Status.ModelVersion))
		}
	})
}

func cancelJob(cmd *cobra.Command, prefix, id string) error {
	err := apiDo(cmd.Context(), "POST", prefix+url.PathEscape(id)+"/cancel", nil, nil)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == 409 {
		fmt.Fprintf(cmd.OutOrStdout(), "Job %s is not active; nothing to cancel\n", id)
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Job %s cancelled\n", id)
	return nil
}

func deleteJob(cmd *cobra.Command, prefix, id string) error {
	if err := apiDo(cmd.Context(), "DELETE", prefix+url.PathEscape(id), nil, nil); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Job %s deleted\n", id)
	return nil
}
