package cmd

import (
	"fmt"
	"runtime"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/psantana5/ml-orchestrator/pkg/config"
	"github.com/psantana5/ml-orchestrator/pkg/metrics"
)

var serverConfigFile string

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and generate mlserve configuration",
}

var configViewCmd = &cobra.Command{
	Use:   "view",
	Short: "Print the effective mlserve configuration with secrets masked",
	Long: `Loads mlserve configuration the way the server does (file, then MLORCH_*
environment variables, then defaults) and prints it as YAML.`,
	RunE: runConfigView,
}

var configRecommendCmd = &cobra.Command{
	Use:   "recommend",
	Short: "Suggest worker counts for this host",
	Long: `Reads CPU and memory on this host and prints worker and cache settings
sized for it. Training workers get a larger share of each core than batch
workers because a training call holds its worker for the whole remote run.`,
	RunE: runConfigRecommend,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configViewCmd, configRecommendCmd)

	configCmd.PersistentFlags().StringVar(&serverConfigFile, "server-config", "", "mlserve config file (default ./mlorch.yaml or /etc/mlorch/mlorch.yaml)")
}

func runConfigView(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(serverConfigFile)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", err)
	}
	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(cfg.Redacted())
}

// Recommendation is what config recommend prints
type Recommendation struct {
	CPUs           int           `json:"cpus" yaml:"cpus"`
	MemoryGB       float64       `json:"memory_gb" yaml:"memory_gb"`
	Workers        workerCounts  `json:"workers" yaml:"workers"`
	CacheTTL       time.Duration `json:"cache_ttl" yaml:"cache_ttl"`
	RateLimitRPS   float64       `json:"rate_limit_rps" yaml:"rate_limit_rps"`
	RateLimitBurst int           `json:"rate_limit_burst" yaml:"rate_limit_burst"`
}

type workerCounts struct {
	Training int `json:"training" yaml:"training"`
	Batch    int `json:"batch" yaml:"batch"`
}

// recommend sizes workers from the host. Batch scoring runs in-process, so
// its workers are bounded by memory as well as cores.
func recommend(cpus int, memTotal uint64) Recommendation {
	memGB := float64(memTotal) / (1 << 30)
	training := max(1, cpus/4)
	batch := max(1, cpus/2)
	if memGB > 0 {
		batch = max(1, min(batch, int(memGB/2)))
	}

	rec := Recommendation{
		CPUs:     cpus,
		MemoryGB: float64(int(memGB*10)) / 10,
		Workers:  workerCounts{Training: training, Batch: batch},
		CacheTTL: time.Hour,
	}
	rec.RateLimitRPS = float64(50 * cpus)
	rec.RateLimitBurst = int(rec.RateLimitRPS) * 2
	if memGB > 0 && memGB < 4 {
		rec.CacheTTL = 15 * time.Minute
	}
	return rec
}

func runConfigRecommend(cmd *cobra.Command, args []string) error {
	host := metrics.ReadHostStats(0)
	rec := recommend(runtime.NumCPU(), host.MemoryTotal)

	if outputFormat != "table" {
		return render(cmd.OutOrStdout(), rec, nil)
	}

	snippet := map[string]interface{}{
		"workers": map[string]int{
			"training": rec.Workers.Training,
			"batch":    rec.Workers.Batch,
		},
		"cache": map[string]string{"ttl": rec.CacheTTL.String()},
		"rate_limit": map[string]interface{}{
			"enabled": true,
			"rps":     rec.RateLimitRPS,
			"burst":   rec.RateLimitBurst,
		},
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "# %d CPUs, %.1f GB memory\n", rec.CPUs, rec.MemoryGB)
	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(snippet)
}
