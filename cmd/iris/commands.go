package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/Ramsey-B/iris/config"
	"github.com/Ramsey-B/iris/internal/app"
)

type rootOptions struct {
	envFile string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:           "iris",
		Short:         "Identity reconciliation service",
		Long:          `Iris links contact records that share an email or phone number into one identity.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "optional env file loaded before the environment")

	rootCmd.AddCommand(
		newServeCommand(opts),
		newMigrateCommand(opts),
		newIdentifyCommand(opts),
		newStatsCommand(opts),
	)
	return rootCmd
}

func (o *rootOptions) load() (*app.App, error) {
	cfg, err := config.Load(o.envFile)
	if err != nil {
		return nil, err
	}
	if cfg.Version == "dev" {
		cfg.Version = version
	}
	return app.New(cfg)
}

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := opts.load()
			if err != nil {
				return err
			}
			defer a.Sync()
			return a.Serve(cmd.Context())
		},
	}
}

func newMigrateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := opts.load()
			if err != nil {
				return err
			}
			defer a.Sync()
			return a.Migrate(cmd.Context())
		},
	}
}

func newIdentifyCommand(opts *rootOptions) *cobra.Command {
	var email, phone string

	cmd := &cobra.Command{
		Use:   "identify",
		Short: "Reconcile one observation and print the consolidated contact",
		Example: `  iris identify --email lorraine@hillvalley.edu --phone 1234567890
  iris identify --phone 1234567890`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := opts.load()
			if err != nil {
				return err
			}
			defer a.Sync()

			s := a.Startup(false)
			if err := s.Start(cmd.Context()); err != nil {
				return err
			}
			defer s.Stop(cmd.Context())

			view, err := a.Engine().Identify(cmd.Context(), flagValue(cmd, "email", email), flagValue(cmd, "phone", phone))
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{"contact": view})
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "email address")
	cmd.Flags().StringVar(&phone, "phone", "", "phone number")
	return cmd
}

func newStatsCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print contact counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := opts.load()
			if err != nil {
				return err
			}
			defer a.Sync()

			s := a.Startup(false)
			if err := s.Start(cmd.Context()); err != nil {
				return err
			}
			defer s.Stop(cmd.Context())

			stats, err := a.Engine().Stats(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), stats)
		},
	}
}

// flagValue is nil when the flag was not given, so an omitted value stays absent
func flagValue(cmd *cobra.Command, name, value string) *string {
	if !cmd.Flags().Changed(name) {
		return nil
	}
	return &value
}

func printJSON(w io.Writer, v any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(v); err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	return nil
}
