package cmd

import (
	"github.com/spf13/cobra"

	"github.com/AvaProtocol/ap-bundler/server"
)

var (
	runBundlerCmd = &cobra.Command{
		Use:   "run",
		Short: "Run bundler",
		Long: `Initialize and run the bundler.

Use --config=path-to-your-config-file. default is=./config/bundler.yaml
Environment variables such as RPC_URL or PRIVATE_KEY override the file.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return server.RunWithConfig(config)
		},
	}
)

func init() {
	rootCmd.AddCommand(runBundlerCmd)
}
