// Command mlserve runs the training and batch-prediction orchestrators, their
// workers and the HTTP API.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/psantana5/ml-orchestrator/pkg/config"
	"github.com/psantana5/ml-orchestrator/pkg/tlsutil"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgFile string

	root := &cobra.Command{
		Use:           "mlserve",
		Short:         "ML job orchestration and model serving",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			v := config.New(cfgFile)
			if err := v.BindPFlags(cmd.Flags()); err != nil {
				return err
			}
			cfg, err := config.FromViper(v)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	root.Flags().StringVar(&cfgFile, "config", "", "config file (default ./mlorch.yaml or /etc/mlorch/mlorch.yaml)")
	root.Flags().String("server.addr", ":8080", "API listen address")
	root.Flags().Bool("server.tls", false, "serve the API over TLS")
	root.Flags().String("log.level", "info", "log level: debug, info, warn, error")
	root.Flags().Bool("log.json", false, "log in JSON")

	root.AddCommand(newGenCertCmd())
	return root
}

func newGenCertCmd() *cobra.Command {
	var certFile, keyFile, commonName, sans string
	cmd := &cobra.Command{
		Use:   "gen-cert",
		Short: "Generate a self-signed certificate for the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			var extra []string
			for _, s := range strings.Split(sans, ",") {
				if s = strings.TrimSpace(s); s != "" {
					extra = append(extra, s)
				}
			}
			if err := tlsutil.GenerateSelfSignedCert(certFile, keyFile, commonName, extra...); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Certificate: %s\nKey: %s\n", certFile, keyFile)
			return nil
		},
	}
	cmd.Flags().StringVar(&certFile, "cert", "certs/mlserve.crt", "certificate output file")
	cmd.Flags().StringVar(&keyFile, "key", "certs/mlserve.key", "key output file")
	cmd.Flags().StringVar(&commonName, "cn", "mlserve", "certificate common name")
	cmd.Flags().StringVar(&sans, "sans", "", "comma-separated extra IPs or hostnames")
	return cmd
}

// run blocks until the process is told to stop
func run(ctx context.Context, cfg config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	app, err := build(ctx, cfg)
	if err != nil {
		return err
	}
	return app.serve(ctx)
}
