package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"toolmart/internal/app"
	"toolmart/internal/domain"
	"toolmart/internal/infra/telemetry"
)

type cliOptions struct {
	configPath string
	logLevel   string
	jsonOutput bool

	logger  *zap.Logger
	appCtx  *app.Context
	service *app.Service
}

func newRootCommand() *cobra.Command {
	opts := cliOptions{logger: zap.NewNop()}

	root := &cobra.Command{
		Use:           "toolmart",
		Short:         "Local marketplace for small developer tools",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := app.LoadConfig(opts.configPath)
			if err != nil {
				return err
			}
			if opts.logLevel != "" {
				cfg.LogLevel = opts.logLevel
			}
			logger, err := app.NewLogger(cfg.LogLevel)
			if err != nil {
				return err
			}
			appCtx, err := app.NewContext(cfg, logger,
				app.WithMetrics(telemetry.NewPrometheusMetrics(nil)))
			if err != nil {
				return err
			}
			appCtx.StartWatcher(cmd.Context())

			opts.logger = logger
			opts.appCtx = appCtx
			opts.service = app.NewService(appCtx)
			return nil
		},
		PersistentPostRun: func(_ *cobra.Command, _ []string) {
			if opts.appCtx != nil {
				if err := opts.appCtx.Close(); err != nil {
					opts.logger.Warn("close failed", zap.Error(err))
				}
			}
			_ = opts.logger.Sync()
		},
	}

	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to config file (YAML)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	root.PersistentFlags().BoolVar(&opts.jsonOutput, "json", false, "output JSON")

	root.AddCommand(
		newSearchCmd(&opts),
		newListCmd(&opts),
		newInfoCmd(&opts),
		newInstallCmd(&opts),
		newUpdateCmd(&opts),
		newInstalledCmd(&opts),
		newUninstallCmd(&opts),
		newRefreshCmd(&opts),
		newDoctorCmd(&opts),
	)

	return root
}

func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}

// commandError turns a failed operation into an exit error carrying the
// taxonomy code, so scripts can match on the printed prefix.
func commandError(err error) error {
	if err == nil {
		return nil
	}
	if code, ok := domain.CodeFrom(err); ok {
		return exitWithMessage(1, fmt.Sprintf("[%s] %s", code, err.Error()))
	}
	return err
}

func newSearchCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "search <query>",
		Short: "Search the registry by name, description, or tags",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()
			entries, err := opts.service.Search(ctx, args[0])
			if err != nil {
				return commandError(err)
			}
			return printEntries(entries, opts.jsonOutput)
		},
	}
}

func newListCmd(opts *cliOptions) *cobra.Command {
	var category string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registry tools, optionally filtered by category",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()
			var (
				entries []domain.RegistryEntry
				err     error
			)
			if category != "" {
				entries, err = opts.service.ListByCategory(ctx, category)
			} else {
				entries, err = opts.service.List(ctx)
			}
			if err != nil {
				return commandError(err)
			}
			return printEntries(entries, opts.jsonOutput)
		},
	}
	cmd.Flags().StringVar(&category, "category", "", "filter by category")
	return cmd
}

func newInfoCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "info <tool-id>",
		Short: "Show registry and install details for a tool",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()
			info, err := opts.service.Info(ctx, args[0])
			if err != nil {
				return commandError(err)
			}
			return printToolInfo(info, opts.jsonOutput)
		},
	}
}

func newInstallCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "install <tool-id>",
		Short: "Download, verify, and install a tool",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()
			record, err := opts.service.Install(ctx, args[0])
			if err != nil {
				return commandError(err)
			}
			return printRecord(record, opts.jsonOutput)
		},
	}
}

func newUpdateCmd(opts *cliOptions) *cobra.Command {
	var all bool
	var planOnly bool
	cmd := &cobra.Command{
		Use:   "update [tool-id]",
		Short: "Update an installed tool, or all with --all",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()
			switch {
			case planOnly:
				plan, err := opts.service.PlanUpdates(ctx)
				if err != nil {
					return commandError(err)
				}
				return printPlan(plan, opts.jsonOutput)
			case all:
				if len(args) > 0 {
					return exitWithMessage(1, "--all cannot be combined with a tool id")
				}
				results, err := opts.service.UpdateAll(ctx)
				if err != nil {
					return commandError(err)
				}
				return printUpdateResults(results, opts.jsonOutput)
			case len(args) == 1:
				record, err := opts.service.Update(ctx, args[0])
				if err != nil {
					return commandError(err)
				}
				return printRecord(record, opts.jsonOutput)
			default:
				return exitWithMessage(1, "a tool id, --all, or --plan is required")
			}
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "update every tool with a newer version")
	cmd.Flags().BoolVar(&planOnly, "plan", false, "show the update plan without installing")
	return cmd
}

func newInstalledCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "installed",
		Short: "List installed tools",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			records, err := opts.service.ListInstalled()
			if err != nil {
				return commandError(err)
			}
			return printRecords(records, opts.jsonOutput)
		},
	}
}

func newUninstallCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall <tool-id>",
		Short: "Remove an installed tool",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if err := opts.service.Uninstall(args[0]); err != nil {
				return commandError(err)
			}
			fmt.Printf("uninstalled %s\n", args[0])
			return nil
		},
	}
}

func newRefreshCmd(opts *cliOptions) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Re-fetch the tool registry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()
			snap, err := opts.service.RefreshRegistry(ctx, force)
			if err != nil {
				return commandError(err)
			}
			return printSnapshotSummary(snap, opts.jsonOutput)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "bypass cache freshness")
	return cmd
}

func newDoctorCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Report inconsistencies between the ledger and the tool directory",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			problems, err := opts.service.Doctor()
			if err != nil {
				return commandError(err)
			}
			if err := printInconsistencies(problems, opts.jsonOutput); err != nil {
				return err
			}
			if len(problems) > 0 {
				return exitError{code: 1, silent: true}
			}
			return nil
		},
	}
}
