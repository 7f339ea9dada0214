package commands

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/vnmchuo/promptmaster/internal/credentials"
	"github.com/vnmchuo/promptmaster/internal/orchestrator"
)

// newCompleteCmd builds the one-shot improve and teach commands. Text comes
// from the arguments, or from stdin when there are none.
func newCompleteCmd(mode, short string) *cobra.Command {
	var (
		lang        string
		temperature float64
		maxTokens   int
		geminiKey   string
		openRouter  string
		verbose     bool
	)

	cmd := &cobra.Command{
		Use:   mode + " [text]",
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			text := strings.Join(args, " ")
			if text == "" {
				b, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("read stdin: %w", err)
				}
				text = string(b)
			}

			m, ok := orchestrator.ParseMode(mode)
			if !ok {
				return fmt.Errorf("unknown mode %q", mode)
			}

			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			req := &orchestrator.Request{
				Text:     text,
				Language: lang,
				Mode:     m,
				Override: credentials.Credentials{PrimaryKey: geminiKey, FallbackKey: openRouter},
			}
			if cmd.Flags().Changed("temperature") {
				req.Temperature = &temperature
			}
			if cmd.Flags().Changed("max-tokens") {
				req.MaxTokens = &maxTokens
			}

			res, err := a.orch.Orchestrate(cmd.Context(), req, "cli:"+hostname())
			if err != nil {
				return err
			}

			if verbose {
				for _, at := range res.Attempts {
					fmt.Fprintf(cmd.ErrOrStderr(), "%s/%s: %s (%s)\n", at.Provider, at.Model, at.Outcome, at.Latency)
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), res.Output)
			return nil
		},
	}

	cmd.Flags().StringVarP(&lang, "lang", "l", orchestrator.DefaultLanguage, "output language: uz, en, ru or tr")
	cmd.Flags().Float64VarP(&temperature, "temperature", "t", 0, "sampling temperature, clamped to [0, 2]")
	cmd.Flags().IntVar(&maxTokens, "max-tokens", 0, "output token limit, clamped to [1, 8192]")
	cmd.Flags().StringVar(&geminiKey, "gemini-key", "", "Gemini API key (overrides GOOGLE_GEMINI_API_KEY)")
	cmd.Flags().StringVar(&openRouter, "openrouter-key", "", "OpenRouter API key (overrides OPENROUTER_API_KEY)")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "print provider attempts to stderr")
	return cmd
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "local"
	}
	return h
}
