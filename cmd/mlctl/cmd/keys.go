package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/psantana5/ml-orchestrator/pkg/auth"
)

var keysHash bool

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage API keys",
}

var keysGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a new API key",
	Long: `Generates a random API key. With --hash the bcrypt hash is printed as
well; put the hash in auth.api_keys and hand the key to the client.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := auth.GenerateAPIKey()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if !keysHash {
			fmt.Fprintln(out, key)
			return nil
		}
		hash, err := auth.HashAPIKey(key)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "key:  %s\nhash: %s\n", key, hash)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(keysCmd)
	keysCmd.AddCommand(keysGenerateCmd)
	keysGenerateCmd.Flags().BoolVar(&keysHash, "hash", false, "also print the bcrypt hash for server config")
}
