package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/cwygoda/clipmill/internal/adapter/sqlite"
	"github.com/cwygoda/clipmill/internal/config"
	"github.com/cwygoda/clipmill/internal/logging"
)

// flags shared by every command
type globalFlags struct {
	configPath string
	dbPath     string
	logLevel   string
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           "clipmill",
		Short:         "Multi-account video generation pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&g.configPath, "config", config.DefaultConfigPath(), "config file")
	root.PersistentFlags().StringVar(&g.dbPath, "db", "", "database path (overrides config)")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "log level (overrides config)")

	root.AddCommand(serveCmd(g))
	root.AddCommand(jobsCmd(g))
	root.AddCommand(accountsCmd(g))
	root.AddCommand(configCmd(g))
	return root
}

// load reads the config and applies command-line overrides.
func (g *globalFlags) load() (*config.Config, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, err
	}
	if g.dbPath != "" {
		cfg.Database.Path = config.ExpandPath(g.dbPath)
	}
	if g.logLevel != "" {
		cfg.Log.Level = g.logLevel
	}
	return cfg, cfg.Validate()
}

func (g *globalFlags) logger(cfg *config.Config) (*logrus.Logger, error) {
	return logging.New(cfg.Log.Level, cfg.Log.Format)
}

// open loads the config, builds the logger and opens the database.
func (g *globalFlags) open() (*config.Config, *logrus.Logger, *sqlite.Repository, error) {
	cfg, err := g.load()
	if err != nil {
		return nil, nil, nil, err
	}
	log, err := g.logger(cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	repo, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open database: %w", err)
	}
	return cfg, log, repo, nil
}
