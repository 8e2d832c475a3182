package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"autoreply/internal/config"
	"autoreply/internal/logging"
)

type rootOptions struct {
	configPath string
	envFiles   []string
	verbose    bool

	cfg    config.Config
	logger *zap.Logger
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "autoreply",
		Short: "Keyword auto-responder for social post comments",
		Long: `autoreply stores keyword rules per post plus global fallback rules and
answers comments with the first matching rule's response.

Run "autoreply serve" to start the JSON API used by the admin panel.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if opts.logger != nil {
				_ = opts.logger.Sync()
			}
		},
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "config.json", "path to config file (.json, .yaml or .toml)")
	root.PersistentFlags().StringSliceVar(&opts.envFiles, "env-file", []string{".env"}, "dotenv files loaded before the config")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(
		newServeCmd(opts),
		newMatchCmd(opts),
		newImportCmd(opts),
		newPruneCmd(opts),
		newConfigCmd(opts),
	)
	return root
}

// load reads .env files and the config, then builds the logger. created
// reports that a default config file was just written.
func (o *rootOptions) load() (created bool, err error) {
	if err := config.LoadDotEnv(o.envFiles...); err != nil {
		return false, err
	}
	o.cfg, created, err = config.LoadOrInit(o.configPath)
	if err != nil {
		return false, err
	}
	o.logger, err = logging.New(o.cfg.LogLevel, o.verbose)
	if err != nil {
		return false, err
	}
	return created, nil
}
