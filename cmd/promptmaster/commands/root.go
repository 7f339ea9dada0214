// Package commands implements the promptmaster CLI.
package commands

import (
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/vnmchuo/promptmaster/config"
	"github.com/vnmchuo/promptmaster/internal/telemetry"
)

func NewRootCmd(version string) *cobra.Command {
	telemetry.ServiceVersion = version

	rootCmd := &cobra.Command{
		Use:   "promptmaster",
		Short: "PromptMaster completion gateway",
		Long: `PromptMaster improves text and teaches prompt writing through Gemini,
falling back to OpenRouter when Gemini is unavailable.

Examples:
  promptmaster serve
  promptmaster improve --lang en "hello worl how are u"
  echo "write a poem" | promptmaster teach`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newCompleteCmd("improve", "Improve a piece of text"),
		newCompleteCmd("teach", "Review a prompt like a prompt-engineering tutor"),
	)

	return rootCmd
}

// loadConfig reads the environment and configures the standard logger.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)
	log.SetOutput(os.Stderr)
	if strings.EqualFold(cfg.LogFormat, "json") {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	return cfg, nil
}
