package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"ideamic/internal/bootstrap"
	"ideamic/internal/config"
	"ideamic/internal/ports"
)

type rootOptions struct {
	configPath string
	verbose    bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "ideamic",
		Short: "Capture spoken ideas from the microphone",
		Long: `ideamic records short voice captures from the default microphone,
optionally transcribes them with Deepgram and files the transcript as an
idea, task, diary entry or contact using local rules.

Recordings stop on their own after the configured duration or chunk cap.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (default $IDEAMIC_CONFIG or ~/.config/ideamic/config.yaml)")
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "log at debug level")

	cmd.AddCommand(
		newRecordCmd(opts),
		newFormatsCmd(opts),
		newVersionCmd(),
	)
	return cmd
}

// build assembles the services for a subcommand. Logs go to stderr and stay
// quiet unless --verbose is set.
func (o *rootOptions) build(cmd *cobra.Command, events ports.EventSink, configure func(*config.Config)) (bootstrap.Services, error) {
	services, err := bootstrap.Build(events, bootstrap.Options{
		ConfigPath: o.configPath,
		LogWriter:  cmd.ErrOrStderr(),
		Configure: func(cfg *config.Config) {
			cfg.Log.Level = "warn"
			if o.verbose {
				cfg.Log.Level = "debug"
			}
			if configure != nil {
				configure(cfg)
			}
		},
	})
	if err != nil {
		return bootstrap.Services{}, fmt.Errorf("initialize: %w", err)
	}
	return services, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "ideamic %s\n", version)
		},
	}
}
