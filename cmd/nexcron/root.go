package main

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/spf13/cobra"

	"github.com/aatumaykin/nexcron/internal/config"
	"github.com/aatumaykin/nexcron/internal/logger"
	"github.com/aatumaykin/nexcron/internal/version"
)

const (
	defaultConfigPath = "./config.toml"
	defaultEnvPath    = "./.env"
)

// rootOptions are the persistent flags shared by every command.
type rootOptions struct {
	configPath string
	envPath    string
	logLevel   string
	workspace  string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "nexcron",
		Short: "nexcron - recurring jobs for agents",
		Long: `nexcron runs recurring jobs on behalf of agents: periodic heartbeat
checks and prompted agent turns on one-shot, fixed-interval or cron schedules.
Every attempt is recorded in a SQLite run history.`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", defaultConfigPath, "path to config file")
	flags.StringVar(&opts.envPath, "env", defaultEnvPath, "path to .env file loaded before the config")
	flags.StringVar(&opts.logLevel, "log-level", "", "override logging.level")
	flags.StringVarP(&opts.workspace, "workspace", "w", "", "override workspace.path")

	root.AddCommand(
		newVersionCmd(),
		newInitCmd(opts),
		newConfigCmd(opts),
		newServeCmd(opts),
		newJobsCmd(opts),
		newHistoryCmd(opts),
		newCleanupCmd(opts),
	)
	return root
}

// loadConfig loads .env and the config file. A missing config file is only
// an error when --config was given explicitly.
func (o *rootOptions) loadConfig(cmd *cobra.Command) (*config.Config, error) {
	if err := config.LoadEnvOptional(o.envPath); err != nil {
		return nil, err
	}

	cfg, err := config.Load(o.configPath)
	if err != nil {
		explicit := cmd.Flags().Changed("config")
		if explicit || !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		cfg = config.Default()
	}

	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	if o.workspace != "" {
		cfg.Workspace.Path = o.workspace
	}
	return cfg, nil
}

// cliLogger writes text records to stderr so command output stays clean.
// Only warnings and errors are shown unless --log-level is set.
func (o *rootOptions) cliLogger() (*logger.Logger, error) {
	level := o.logLevel
	if level == "" {
		level = "warn"
	}
	log, err := logger.New(logger.Config{Level: level, Format: "text", Output: "stderr"})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return log, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version information",
		Long:  `Display the version, build time, git commit and Go version of nexcron.`,
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprint(cmd.OutOrStdout(), version.Format())
		},
	}
}
