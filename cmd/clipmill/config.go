package main

import (
	"os"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"
)

func configCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration as TOML",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			cfg.Server.Secret = redact(cfg.Server.Secret)
			return toml.NewEncoder(os.Stdout).Encode(cfg)
		},
	})
	return cmd
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return "********"
}
