package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ericvicenti/botical-sub001/internal/config"
	"github.com/ericvicenti/botical-sub001/internal/logging"
	"github.com/ericvicenti/botical-sub001/internal/processstore"
)

var (
	configPath string
	rootCmd    = &cobra.Command{
		Use:   "procd",
		Short: "procd - terminal process supervisor",
		Long: `procd runs commands and long-lived services on pseudo-terminals through a
dedicated worker process, records their output in SQLite and serves their
lifecycle over HTTP.`,
		SilenceUsage: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	return config.Load(path)
}

// setup loads the config and builds the logger every command shares
func setup() (*config.Config, *zap.SugaredLogger, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return nil, nil, fmt.Errorf("building logger: %w", err)
	}
	return cfg, logger, nil
}

func openStore(cfg *config.Config) (*processstore.Store, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.General.DatabasePath), 0o755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}
	store, err := processstore.New(cfg.General.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return store, nil
}
