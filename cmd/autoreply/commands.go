package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"autoreply/internal/config"
	"autoreply/internal/model"
	"autoreply/internal/rules"
	"autoreply/internal/scheduler"
)

// withApp loads config and wires the components for one-shot commands.
func withApp(cmd *cobra.Command, opts *rootOptions, fn func(ctx context.Context, a *app) error) error {
	created, err := opts.load()
	if err != nil {
		return err
	}
	if created {
		fmt.Fprintf(cmd.ErrOrStderr(), "Created default config at %s.\n", opts.configPath)
	}
	a, err := newApp(opts.cfg, opts.logger)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()
	return fn(cmd.Context(), a)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newMatchCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "match <post_id> <comment text>",
		Short: "Evaluate a comment against the stored rules without recording it",
		Example: `  autoreply match 17895695668004550 "¿cuál es el precio?"
  autoreply match global "hacen envíos"`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				res, err := a.rules.Match(ctx, args[0], strings.Join(args[1:], " "))
				if err != nil {
					return err
				}
				return printJSON(cmd, res)
			})
		},
	}
}

func newImportCmd(opts *rootOptions) *cobra.Command {
	var postID string
	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Import a legacy keywords file ({\"keywords\": {...}, \"default_response\": ...})",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := os.ReadFile(filepath.Clean(args[0]))
			if err != nil {
				return err
			}
			var legacy rules.LegacyConfig
			if err := json.Unmarshal(b, &legacy); err != nil {
				return fmt.Errorf("parse %s: %w", args[0], err)
			}
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				n, err := a.rules.ImportLegacy(ctx, postID, legacy)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "imported %d keyword(s) into %s\n", n, postID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&postID, "post-id", model.GlobalPostID, "post to import the keywords into")
	return cmd
}

func newPruneCmd(opts *rootOptions) *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete reply log entries older than the retention window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				if cmd.Flags().Changed("days") {
					if days <= 0 {
						return errors.New("--days must be positive")
					}
					job := scheduler.RetentionJob{Store: a.store, Days: days, Log: opts.logger}
					a.scheduler = scheduler.New(opts.cfg.MaintenanceTime, job, opts.logger)
				}
				if err := a.scheduler.RunNow(ctx); err != nil {
					return err
				}
				counts, err := a.store.Counts(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "reply log entries remaining: %d\n", counts.Replies)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&days, "days", 0, "override reply_retention_days")
	return cmd
}

func newConfigCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or create the config file",
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a config file with default values",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(opts.configPath); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", opts.configPath)
			}
			if err := config.Write(opts.configPath, config.Default()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", opts.configPath)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "Validate the config file and list keys that fall back to defaults",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.LoadDotEnv(opts.envFiles...); err != nil {
				return err
			}
			if _, err := config.Load(opts.configPath); err != nil {
				return err
			}
			missing, err := config.MissingKeys(opts.configPath)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s is valid\n", opts.configPath)
			if len(missing) > 0 {
				fmt.Fprintf(out, "using defaults for: %s\n", strings.Join(missing, ", "))
			}
			return nil
		},
	}

	cmd.AddCommand(initCmd, checkCmd)
	return cmd
}
