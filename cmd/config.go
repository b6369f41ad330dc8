package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/lkarlslund/tutorrouter/pkg/config"
)

var (
	configInitForce  bool
	configShowFormat string
)

func init() {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the server configuration file",
	}

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default server config",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(rootConfigPath); err == nil && !configInitForce {
				return fmt.Errorf("%s already exists, use --force to overwrite", rootConfigPath)
			} else if err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}
			cfg := config.NewDefaultServerConfig()
			cfg.Endpoints = []config.EndpointConfig{{
				Name:     "local",
				URL:      "http://127.0.0.1:11434/v1/chat/completions",
				Model:    "llama3.1",
				Shape:    config.ShapeChat,
				Priority: 1,
			}}
			cfg.Normalize()
			if err := config.Save(rootConfigPath, cfg); err != nil {
				return fmt.Errorf("write config: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", rootConfigPath)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&configInitForce, "force", false, "Overwrite an existing config")

	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "Validate the server config and list its endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "config ok: %s\n", rootConfigPath)
			for _, e := range cfg.Endpoints {
				state := "enabled"
				if e.Disabled {
					state = "disabled"
				}
				fmt.Fprintf(out, "  %-16s priority=%d shape=%s model=%s %s\n", e.Name, e.Priority, e.Shape, e.Model, state)
			}
			return nil
		},
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective server config with secrets masked",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return writeConfig(cmd.OutOrStdout(), maskSecrets(*cfg), configShowFormat)
		},
	}
	showCmd.Flags().StringVar(&configShowFormat, "format", "toml", "Output format (toml, yaml, json)")

	configCmd.AddCommand(initCmd, checkCmd, showCmd)
	rootCmd.AddCommand(configCmd)
}

func maskSecrets(cfg config.ServerConfig) config.ServerConfig {
	endpoints := append([]config.EndpointConfig(nil), cfg.Endpoints...)
	for i := range endpoints {
		if endpoints[i].APIKey != "" {
			endpoints[i].APIKey = "***"
		}
	}
	cfg.Endpoints = endpoints
	tokens := append([]config.IncomingAPIToken(nil), cfg.IncomingTokens...)
	for i := range tokens {
		tokens[i].Key = "***"
	}
	cfg.IncomingTokens = tokens
	return cfg
}

// writeConfig goes through the TOML form so every format uses the same keys.
func writeConfig(w io.Writer, cfg config.ServerConfig, format string) error {
	raw, err := toml.Marshal(cfg)
	if err != nil {
		return err
	}
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "toml":
		_, err = w.Write(raw)
		return err
	case "yaml", "json":
	default:
		return fmt.Errorf("unknown format %q", format)
	}
	var generic map[string]any
	if err := toml.Unmarshal(raw, &generic); err != nil {
		return err
	}
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(generic)
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(generic); err != nil {
		return err
	}
	return enc.Close()
}
