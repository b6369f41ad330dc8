package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lkarlslund/tutorrouter/pkg/budget"
	"github.com/lkarlslund/tutorrouter/pkg/chat"
	"github.com/lkarlslund/tutorrouter/pkg/config"
	"github.com/lkarlslund/tutorrouter/pkg/sanitize"
)

var (
	budgetAttachmentPath string
	budgetAnalysisType   string
	budgetMaxTokens      int
	sanitizeTrace        bool
)

func init() {
	budgetCmd := &cobra.Command{
		Use:   "budget [prompt]",
		Short: "Print the token budget and timeout computed for a prompt",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := configOrDefault(cmd)
			prompt, err := argsOrStdin(cmd, args)
			if err != nil {
				return err
			}
			var att *chat.Attachment
			if budgetAttachmentPath != "" {
				b, err := os.ReadFile(budgetAttachmentPath)
				if err != nil {
					return fmt.Errorf("read attachment: %w", err)
				}
				att = &chat.Attachment{
					Name:         filepath.Base(budgetAttachmentPath),
					Content:      string(b),
					AnalysisType: budgetAnalysisType,
				}
			}
			prefs := chat.Preferences{}
			if budgetMaxTokens > 0 {
				prefs.MaxTokens = &budgetMaxTokens
			}
			resolved := prefs.Resolve(cfg.Defaults)
			turns := chat.BuildTurns(resolved, nil, prompt)
			b := budget.NewCalculator(cfg.Budget).Compute(turns, att, resolved)
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(b)
		},
	}
	budgetCmd.Flags().StringVar(&budgetAttachmentPath, "attachment", "", "Extracted document text to attach")
	budgetCmd.Flags().StringVar(&budgetAnalysisType, "analysis", "", "Attachment analysis type (analysis or summary)")
	budgetCmd.Flags().IntVar(&budgetMaxTokens, "max-tokens", 0, "Preference maxTokens ceiling")

	sanitizeCmd := &cobra.Command{
		Use:   "sanitize [text]",
		Short: "Clean model output read from the arguments or stdin",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := configOrDefault(cmd)
			raw, err := argsOrStdin(cmd, args)
			if err != nil {
				return err
			}
			s := sanitize.New(sanitize.Options{
				AssistantName: cfg.Assistant.Name,
				Fallback:      cfg.Assistant.FallbackMessage,
				MinLength:     cfg.Assistant.MinContentLength,
				Leaks:         []string{cfg.Defaults.SystemPrompt},
			})
			out := cmd.OutOrStdout()
			if sanitizeTrace {
				for _, st := range s.Trace(raw) {
					mark := " "
					if st.Changed {
						mark = "*"
					}
					fmt.Fprintf(out, "%s %-22s %q\n", mark, st.Stage, st.Output)
				}
			}
			fmt.Fprintln(out, s.Sanitize(raw))
			return nil
		},
	}
	sanitizeCmd.Flags().BoolVar(&sanitizeTrace, "trace", false, "Print the text after each stage of the first pass")

	rootCmd.AddCommand(budgetCmd, sanitizeCmd)
}

// configOrDefault lets the offline tools run before any config exists.
func configOrDefault(cmd *cobra.Command) *config.ServerConfig {
	cfg, err := config.LoadServerConfig(rootConfigPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v, using defaults\n", err)
		}
		return config.NewDefaultServerConfig()
	}
	return cfg
}

func argsOrStdin(cmd *cobra.Command, args []string) (string, error) {
	if len(args) > 0 {
		return strings.Join(args, " "), nil
	}
	b, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	return strings.TrimRight(string(b), "\n"), nil
}
