// Package cli exposes the pipeline operations as cobra commands.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"TrialStreamer/internal/app"
	"TrialStreamer/internal/config"
	"TrialStreamer/internal/domain"
	"TrialStreamer/internal/logging"
)

const configPathEnv = "TRIALSTREAMER_CONFIG"

// Runner is the application surface the commands drive.
type Runner interface {
	Migrate(ctx context.Context) error
	Baseline(ctx context.Context, force bool) error
	Incremental(ctx context.Context) error
	Update(ctx context.Context) error
	Annotate(ctx context.Context, force bool, limitTo string) error
	Validate(ctx context.Context) (map[domain.Collection][]string, error)
	Schedule(ctx context.Context) error
	Close() error
}

// Factory builds a Runner from the loaded configuration.
type Factory func(cfg config.Config, logger *slog.Logger) (Runner, error)

// DefaultFactory wires the production application.
func DefaultFactory(cfg config.Config, logger *slog.Logger) (Runner, error) {
	a, err := app.New(cfg, logger)
	if err != nil {
		return nil, err
	}
	return a, nil
}

type rootOptions struct {
	configPath string
	factory    Factory
	stdout     io.Writer
	stderr     io.Writer
}

// NewRootCommand assembles the trialstreamer command tree.
func NewRootCommand(factory Factory, stdout, stderr io.Writer) *cobra.Command {
	opts := &rootOptions{factory: factory, stdout: stdout, stderr: stderr}

	root := &cobra.Command{
		Use:   "trialstreamer",
		Short: "Ingest PubMed citations and classify randomized controlled trials",
		Long: `
Downloads the PubMed baseline and daily update files, classifies every
citation with a RobotReviewer service and keeps the trial database current.
`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", os.Getenv(configPathEnv), "path to the YAML configuration file")

	root.AddCommand(
		newBaselineCommand(opts),
		newIncrementalCommand(opts),
		newUpdateCommand(opts),
		newAnnotateCommand(opts),
		newValidateCommand(opts),
		newScheduleCommand(opts),
		newMigrateCommand(opts),
	)
	return root
}

// run loads configuration, builds the runner and executes fn.
func (o *rootOptions) run(cmd *cobra.Command, name string, fn func(ctx context.Context, r Runner) error) error {
	cfg, err := config.LoadFile(o.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := logging.NewWithWriter(o.stderr, cfg.Logging.Level).With("command", name)

	runner, err := o.factory(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := runner.Close(); cerr != nil {
			logger.Warn("close failed", "error", cerr)
		}
	}()

	return fn(cmd.Context(), runner)
}

func newBaselineCommand(opts *rootOptions) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "baseline",
		Short: "Load the PubMed baseline",
		Long: `
Downloads, validates, classifies and stores every baseline file. Refuses to
run when a baseline is already recorded unless --force is given, which first
deletes every stored citation.
`,
		Args: cobra.NoArgs,
		RunE: func(c *cobra.Command, args []string) error {
			return opts.run(c, "baseline", func(ctx context.Context, r Runner) error {
				return r.Baseline(ctx, force)
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "reload even if a baseline is recorded (destructive)")
	return cmd
}

func newIncrementalCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "incremental",
		Short: "Apply pending PubMed update files",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, args []string) error {
			return opts.run(c, "incremental", func(ctx context.Context, r Runner) error {
				return r.Incremental(ctx)
			})
		},
	}
}

func newUpdateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "update",
		Short: "Run the baseline if needed, pending updates, annotation and count refresh",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, args []string) error {
			return opts.run(c, "update", func(ctx context.Context, r Runner) error {
				return r.Update(ctx)
			})
		},
	}
}

func newAnnotateCommand(opts *rootOptions) *cobra.Command {
	var (
		force   bool
		limitTo string
	)
	cmd := &cobra.Command{
		Use:   "annotate",
		Short: "Extract PICO spans, sample size, bias and punchlines for included trials",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, args []string) error {
			if limitTo != "" && !domain.ValidTierColumn(limitTo) {
				return fmt.Errorf("--limit-to must be one of %s, %s, %s", domain.ColumnPrecise, domain.ColumnBalanced, domain.ColumnSensitive)
			}
			return opts.run(c, "annotate", func(ctx context.Context, r Runner) error {
				return r.Annotate(ctx, force, limitTo)
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "delete stored annotations and annotate everything again (destructive)")
	cmd.Flags().StringVar(&limitTo, "limit-to", "", "tier column selecting candidates (default from config)")
	return cmd
}

func newValidateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check cached archives against their digests without modifying them",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, args []string) error {
			return opts.run(c, "validate", func(ctx context.Context, r Runner) error {
				report, err := r.Validate(ctx)
				if err != nil {
					return err
				}
				collections := make([]string, 0, len(report))
				for collection := range report {
					collections = append(collections, string(collection))
				}
				sort.Strings(collections)
				for _, collection := range collections {
					bad := report[domain.Collection(collection)]
					fmt.Fprintf(opts.stdout, "%s: %d corrupt\n", collection, len(bad))
					for _, name := range bad {
						fmt.Fprintf(opts.stdout, "  %s\n", name)
					}
				}
				return nil
			})
		},
	}
}

func newScheduleCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "schedule",
		Short: "Run the update now and then periodically until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, args []string) error {
			return opts.run(c, "schedule", func(ctx context.Context, r Runner) error {
				return r.Schedule(ctx)
			})
		},
	}
}

func newMigrateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, args []string) error {
			return opts.run(c, "migrate", func(ctx context.Context, r Runner) error {
				return r.Migrate(ctx)
			})
		},
	}
}
