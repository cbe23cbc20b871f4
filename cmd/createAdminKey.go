package cmd

import (
	"github.com/spf13/cobra"

	"github.com/AvaProtocol/ap-bundler/server"
)

var (
	apiKeyOption = server.CreateApiKeyOption{}
	createApiKey = &cobra.Command{
		Use:   "create-api-key",
		Short: "Create a long live JWT key for the admin routes of the bundler",
		Long:  `Create a JWT key signed with jwt_secret. A key with the admin role can clear the mempool, dump it, force a bundle and switch the bundling mode.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return server.CreateAdminKey(config, apiKeyOption, cmd.OutOrStdout())
		},
	}
)

func init() {
	createApiKey.Flags().StringArrayVar(&(apiKeyOption.Roles), "role", []string{"admin"}, "Role for API Key")
	createApiKey.Flags().StringVarP(&(apiKeyOption.Subject), "subject", "s", "admin", "subject name to be use for jwt api key")
	createApiKey.Flags().DurationVar(&(apiKeyOption.TTL), "ttl", 0, "key lifetime, default one year")
	rootCmd.AddCommand(createApiKey)
}
