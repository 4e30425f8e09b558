package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/switchboard-dev/switchboard/pkg/config"
	"github.com/switchboard-dev/switchboard/pkg/logger"
	"github.com/switchboard-dev/switchboard/pkg/version"
)

var rootCmd = &cobra.Command{
	Use:   "switchboard",
	Short: "Multi-provider LLM gateway with agentic tool execution",
	Long: `Switchboard sits between chat frontends and the LLM providers. It
normalizes requests into a canonical conversation model, runs the tool-use
loop (web search, sandboxed code execution, image generation, memories,
document recall), and records usage and cost for every request.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if err := logger.SetLogLevel(cfg.LogLevel); err != nil {
			return err
		}
		logger.SetLogFormat(cfg.LogFormat)
		return nil
	},
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version.String())
	},
}

func main() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(purgeCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		logger.G(context.Background()).WithError(err).Error("command failed")
		os.Exit(1)
	}
}
