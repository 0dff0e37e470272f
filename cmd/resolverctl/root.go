package main

import (
	"os"
	"strings"

	"github.com/spf13/cobra"

	"storyhub/resolverservice/internal/client"
)

const defaultServerURL = "http://localhost:8095"

type commandContext struct {
	serverFlag *string
	jsonFlag   *bool
}

func (c *commandContext) client() *client.Client {
	server := ""
	if c.serverFlag != nil {
		server = strings.TrimSpace(*c.serverFlag)
	}
	if server == "" {
		server = defaultServerURL
	}
	return client.New(server)
}

func (c *commandContext) jsonOutput() bool {
	return c.jsonFlag != nil && *c.jsonFlag
}

func newRootCommand() *cobra.Command {
	serverFlag := os.Getenv("RESOLVER_URL")
	var jsonFlag bool
	ctx := &commandContext{serverFlag: &serverFlag, jsonFlag: &jsonFlag}

	rootCmd := &cobra.Command{
		Use:           "resolverctl",
		Short:         "Operate the content resolver service",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVar(&serverFlag, "server", serverFlag, "Resolver service base URL (default "+defaultServerURL+", env RESOLVER_URL)")
	rootCmd.PersistentFlags().BoolVar(&jsonFlag, "json", false, "Print raw JSON instead of tables")

	rootCmd.AddCommand(newHealthCommand(ctx))
	rootCmd.AddCommand(newResolveCommand(ctx))
	rootCmd.AddCommand(newSearchCommand(ctx))
	rootCmd.AddCommand(newPlatformsCommand(ctx))
	rootCmd.AddCommand(newAcquireCommand(ctx))
	rootCmd.AddCommand(newTasksCommand(ctx))
	rootCmd.AddCommand(newCatalogCommand(ctx))
	rootCmd.AddCommand(newSemanticCommand(ctx))

	return rootCmd
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}
