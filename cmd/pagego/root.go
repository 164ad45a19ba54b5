package main

import (
	"fmt"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/cjeanneret/PageGo/internal/config"
	"github.com/cjeanneret/PageGo/internal/debug"
)

// globalOptions are the flags shared by every command.
type globalOptions struct {
	configPath string
	debugLevel int
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	cmd := &cobra.Command{
		Use:   "pagego",
		Short: "Book scanner capture station",
		Long: `PageGo drives one or more cameras to scan a book page by page.

An operator starts a capture session from the web UI (or the capture
command), triggers shots, retakes the last one when needed, and watches
throughput in pages per hour. Pages are kept per workflow in SQLite.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Load .env file if present (ignore errors)
			_ = godotenv.Load()
		},
	}

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", filepath.Join("configs", "default.yaml"), "path to config file")
	cmd.PersistentFlags().IntVar(&opts.debugLevel, "debug", -1, "debug level 0-4, overrides the config value")

	cmd.AddCommand(
		newServeCmd(opts),
		newCaptureCmd(opts),
		newSessionsCmd(opts),
		newImagesCmd(opts),
	)
	return cmd
}

// loadConfig validates and loads the config file and initializes the
// debug logger.
func loadConfig(opts *globalOptions) (*config.Config, error) {
	if err := config.ValidateConfigPath(opts.configPath); err != nil {
		return nil, fmt.Errorf("invalid config path: %w", err)
	}
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if opts.debugLevel >= 0 {
		if opts.debugLevel > 4 {
			return nil, fmt.Errorf("debug level must be between 0 and 4, got %d", opts.debugLevel)
		}
		cfg.Defaults.DebugLevel = opts.debugLevel
	}

	debug.Init(cfg.Defaults.DebugLevel)
	debug.Section("Initialization")
	debug.Value("Config path", opts.configPath)
	debug.Value("Debug level", cfg.Defaults.DebugLevel)
	debug.Value("Workflow", cfg.Workflow.Name)
	debug.Value("Images", cfg.WorkflowDir())
	debug.Value("Database", cfg.Workflow.Database)
	return cfg, nil
}
