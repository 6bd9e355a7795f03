package cmd

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile      string
	serverURL    string
	apiKey       string
	caFile       string
	outputFormat string
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:           "mlctl",
	Short:         "CLI for the ML orchestration server",
	Long:          `mlctl submits and inspects training and batch-prediction jobs and requests predictions from an mlserve instance.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.mlctl/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "mlserve URL (default from config or http://localhost:8080)")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "API key (default from config or MLCTL_API_KEY)")
	rootCmd.PersistentFlags().StringVar(&caFile, "ca", "", "CA certificate for a TLS server")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "output format: table, json or yaml")
}

// initConfig fills unset flags from the config file and MLCTL_* variables
func initConfig() {
	v := viper.New()
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".mlctl"))
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
	v.SetEnvPrefix("MLCTL")
	v.AutomaticEnv()
	v.SetDefault("server_url", "http://localhost:8080")

	_ = v.ReadInConfig()

	if serverURL == "" {
		serverURL = v.GetString("server_url")
	}
	if apiKey == "" {
		apiKey = v.GetString("api_key")
	}
	if caFile == "" {
		caFile = v.GetString("ca_file")
	}
}

// GetServerURL returns the configured server URL with trailing slashes removed
func GetServerURL() string {
	return strings.TrimRight(serverURL, "/")
}
