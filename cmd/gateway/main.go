package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"qazna.org/gateway/internal/config"
)

var (
	version = "0.1.0"
	commit  = "none"
)

func main() {
	var (
		cfgPath string
		envFile string
	)

	root := &cobra.Command{
		Use:           "gateway",
		Short:         "Qazna edge gateway: token verification, rate limiting, field filtering and webhooks",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if envFile != "" {
				if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
					return fmt.Errorf("load %s: %w", envFile, err)
				}
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", os.Getenv("GATEWAY_CONFIG"), "Path to YAML config (env GATEWAY_CONFIG)")
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Optional dotenv file loaded before config")

	load := func() (*config.Config, error) { return config.Load(cfgPath) }

	root.AddCommand(
		newServeCmd(load),
		newMigrateCmd(load),
		newSmokeCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Printf("gateway %s (%s)\n", version, commit)
			},
		},
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
