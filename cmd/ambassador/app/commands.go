// Package app provides the entry point for the ambassador command-line
// application.
package app

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mcp-ambassador/ambassador/pkg/logger"
)

var rootCmd = &cobra.Command{
	Use:               "ambassador",
	DisableAutoGenTag: true,
	Short:             "Ambassador is a trusted intermediary between AI agent hosts and MCP tool servers",
	Long: `Ambassador sits between AI agent hosts and downstream MCP (Model Context
Protocol) tool servers. Every tool invocation passes through its AAA
pipeline: authenticate the session, authorize the tool against the client's
profile, validate the arguments, route to the owning server and audit the
outcome.`,
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		logger.Initialize(viper.GetString("log-level"))
	},
	Run: func(cmd *cobra.Command, _ []string) {
		if err := cmd.Help(); err != nil {
			logger.Errorf("Error displaying help: %v", err)
		}
	},
}

// NewRootCmd creates the root command for the ambassador CLI.
func NewRootCmd() *cobra.Command {
	flags := rootCmd.PersistentFlags()
	flags.String("data-dir", "", "Data directory (defaults to the XDG data dir)")
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")

	for _, name := range []string{"data-dir", "log-level"} {
		if err := viper.BindPFlag(name, flags.Lookup(name)); err != nil {
			logger.Fatalf("Failed to bind %s flag: %v", name, err)
		}
	}
	viper.SetEnvPrefix("AMBASSADOR")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newAdminCmd())

	return rootCmd
}
