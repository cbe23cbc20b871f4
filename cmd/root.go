package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands
var (
	config  = "./config/bundler.yaml"
	rootCmd = &cobra.Command{
		Use:   "ap-bundler",
		Short: "AP ERC-4337 bundler",
		Long: `Run and operate an ERC-4337 bundler for EntryPoint v0.7.

Such as "ap-bundler run" or "ap-bundler status" and so on
`,
	}
)

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&config, "config", "c", "config/bundler.yaml", "Path to config file")
}
