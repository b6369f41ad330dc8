package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/lkarlslund/tutorrouter/pkg/config"
	"github.com/lkarlslund/tutorrouter/pkg/logutil"
)

var (
	rootConfigPath string
	rootLogLevel   string
	rootEnvFiles   []string
)

var rootCmd = &cobra.Command{
	Use:   "tutord",
	Short: "AI response proxy for the tutoring platform",
	Long:  "tutord routes tutoring chat requests to inference endpoints with failover, token budgets and response cleaning.",
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.SetOut(os.Stdout)
	rootCmd.SetErr(os.Stderr)
	rootCmd.SilenceUsage = true
	rootCmd.PersistentFlags().StringVar(&rootConfigPath, "config", config.DefaultServerConfigPath(), "Server config TOML path")
	rootCmd.PersistentFlags().StringVar(&rootLogLevel, "loglevel", "", "Log level (trace, debug, info, warn, error); overrides [logs] level")
	rootCmd.PersistentFlags().StringSliceVar(&rootEnvFiles, "env-file", []string{".env"}, "Environment files loaded before the config is read")
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if err := loadEnvFiles(rootEnvFiles); err != nil {
			return err
		}
		if os.Geteuid() == 0 {
			fmt.Fprintln(cmd.ErrOrStderr(), "warning: running as root")
		}
		return logutil.Configure(rootLogLevel, "")
	}
}

// loadEnvFiles never overrides variables already set in the environment.
// Missing files are skipped.
func loadEnvFiles(paths []string) error {
	for _, p := range paths {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load env file %s: %w", p, err)
		}
		slog.Debug("loaded environment file", "path", p)
	}
	return nil
}

// loadConfig reads the server config and applies its logging section. The
// --loglevel flag wins over the file.
func loadConfig(cmd *cobra.Command) (*config.ServerConfig, error) {
	cfg, err := config.LoadServerConfig(rootConfigPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("no server config at %s, run `tutord config init` first", rootConfigPath)
		}
		return nil, fmt.Errorf("load server config: %w", err)
	}
	level := cfg.Logs.Level
	if cmd.Flags().Changed("loglevel") {
		level = rootLogLevel
	}
	if err := logutil.Configure(level, cfg.Logs.Format); err != nil {
		return nil, err
	}
	return cfg, nil
}
