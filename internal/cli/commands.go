package cli

import (
	"context"
	"encoding/json"
	"os"

	"lifeline-offline/internal/domain"

	"github.com/spf13/cobra"
)

// withEngine opens the engine for a one-shot command and closes it after fn.
func withEngine(cmd *cobra.Command, opts *RootOptions, fn func(ctx context.Context, e *Engine) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	logger := newLogger(opts.Config.Logging, opts.Verbose, cmd.ErrOrStderr())

	engine, err := OpenEngine(ctx, opts.Config, logger)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open engine", err)
	}
	defer engine.Close()

	return fn(ctx, engine)
}

func NewStatsCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show storage usage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, opts, func(ctx context.Context, e *Engine) error {
				stats, err := e.Quota.GetStorageStats(ctx)
				if err != nil {
					return WrapExitError(ExitFailure, "failed to compute storage stats", err)
				}
				return printJSON(cmd.OutOrStdout(), stats)
			})
		},
	}
}

func NewCleanupCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Free space when usage is over the cleanup threshold",
		Long: `Delete synced records older than the retention period, oldest first,
until usage drops under the threshold. Records that were never delivered are
kept. The dynamic cache is cleared if usage is still too high.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, opts, func(ctx context.Context, e *Engine) error {
				report, err := e.Quota.PerformCleanup(ctx)
				if err != nil {
					return WrapExitError(ExitFailure, "cleanup failed", err)
				}
				return printJSON(cmd.OutOrStdout(), report)
			})
		},
	}
}

type BackupOptions struct {
	*RootOptions
	Name string
	File string
}

func NewExportCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &BackupOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export every store to the backup sink or a file",
		Long: `Export all records. Encrypted payloads stay sealed.

Examples:
  lifeline export
  lifeline export --file ./lifeline.json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, rootOpts, func(ctx context.Context, e *Engine) error {
				backup, err := e.Store.ExportAll(ctx)
				if err != nil {
					return WrapExitError(ExitFailure, "export failed", err)
				}

				if opts.File != "" {
					data, err := json.MarshalIndent(backup, "", "  ")
					if err != nil {
						return WrapExitError(ExitFailure, "export failed", err)
					}
					if err := os.WriteFile(opts.File, data, 0o600); err != nil {
						return WrapExitError(ExitCommandError, "failed to write export", err)
					}
				} else {
					sink, err := e.Backups(ctx)
					if err != nil {
						return WrapExitError(ExitCommandError, "failed to open backup sink", err)
					}
					if err := sink.Save(ctx, backupName(opts), backup); err != nil {
						return WrapExitError(ExitFailure, "failed to save backup", err)
					}
				}

				return printJSON(cmd.OutOrStdout(), map[string]interface{}{
					"exported_at": backup.ExportedAt,
					"records":     countRecords(backup),
				})
			})
		},
	}

	cmd.Flags().StringVar(&opts.Name, "name", "", "backup name in the sink (default BACKUP_NAME)")
	cmd.Flags().StringVarP(&opts.File, "file", "f", "", "write a JSON file instead of using the sink")

	return cmd
}

func NewImportCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &BackupOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "import",
		Short: "Replace every store with a backup",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, rootOpts, func(ctx context.Context, e *Engine) error {
				var backup *domain.Backup
				if opts.File != "" {
					data, err := os.ReadFile(opts.File)
					if err != nil {
						return WrapExitError(ExitCommandError, "failed to read import", err)
					}
					backup = &domain.Backup{}
					if err := json.Unmarshal(data, backup); err != nil {
						return WrapExitError(ExitCommandError, "invalid import file", err)
					}
				} else {
					sink, err := e.Backups(ctx)
					if err != nil {
						return WrapExitError(ExitCommandError, "failed to open backup sink", err)
					}
					if backup, err = sink.Load(ctx, backupName(opts)); err != nil {
						return WrapExitError(ExitFailure, "failed to load backup", err)
					}
				}

				if err := e.Store.ImportAll(ctx, backup); err != nil {
					return WrapExitError(ExitFailure, "import failed", err)
				}
				return printJSON(cmd.OutOrStdout(), map[string]interface{}{
					"exported_at": backup.ExportedAt,
					"records":     countRecords(backup),
				})
			})
		},
	}

	cmd.Flags().StringVar(&opts.Name, "name", "", "backup name in the sink (default BACKUP_NAME)")
	cmd.Flags().StringVarP(&opts.File, "file", "f", "", "read a JSON file instead of using the sink")

	return cmd
}

func NewRulesCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rules",
		Short: "Print the active cache rules and crisis allowlist",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, opts, func(ctx context.Context, e *Engine) error {
				return printJSON(cmd.OutOrStdout(), map[string]interface{}{
					"cache_version": e.Caches.Version(),
					"rules":         e.RuleTable(),
					"crisis_urls":   e.Crisis.URLs(),
				})
			})
		},
	}
}

func backupName(opts *BackupOptions) string {
	if opts.Name != "" {
		return opts.Name
	}
	return opts.Config.Backup.Name
}

func countRecords(backup *domain.Backup) int {
	n := 0
	for _, records := range backup.Stores {
		n += len(records)
	}
	return n
}
