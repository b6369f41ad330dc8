package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lkarlslund/tutorrouter/pkg/proxy"
)

var serveListenAddrOverride string

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the AI proxy server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("listen-addr") {
				cfg.ListenAddr = serveListenAddrOverride
			}
			if len(cfg.Endpoints) == 0 {
				slog.Warn("no inference endpoints configured, every AI request will fall back")
			}

			srv, err := proxy.NewServer(rootConfigPath, cfg)
			if err != nil {
				return fmt.Errorf("create server: %w", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return srv.Run(ctx)
		},
	}
	serveCmd.Flags().StringVar(&serveListenAddrOverride, "listen-addr", "", "Override listen address from config (e.g. 127.0.0.1:8080)")
	rootCmd.AddCommand(serveCmd)
}
