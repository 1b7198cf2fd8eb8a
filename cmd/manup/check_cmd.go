package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	"github.com/stepherg/manup"
	"github.com/stepherg/manup/runtime"
	"github.com/stepherg/manup/translate"
)

// Exit codes reported by manup check.
const (
	exitCodeLatest      = 0
	exitCodeError       = 1
	exitCodeSupported   = 10
	exitCodeUnsupported = 20
	exitCodeDisabled    = 30
)

func exitCodeFor(status manup.Status) int {
	switch status {
	case manup.StatusLatest:
		return exitCodeLatest
	case manup.StatusSupported:
		return exitCodeSupported
	case manup.StatusUnsupported:
		return exitCodeUnsupported
	case manup.StatusDisabled:
		return exitCodeDisabled
	}
	return exitCodeError
}

func newCheckCommand(v *viper.Viper, baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Fetch the policy once and report the update status",
		Long: `Fetch the configuration document once, evaluate --app-version against the --platform entry
and print the result. The exit code encodes the status: 0 latest, 10 update available,
20 update required, 30 maintenance, 1 error.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := commandLogger(v, baseLogger, "cli.check")
			s, err := readSettings(v)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			src, closeSrc, err := openSource(ctx, s, false, logger)
			if err != nil {
				return err
			}
			defer closeSrc()

			opts := manup.DefaultOptions()
			opts.Platform = s.Platform
			opts.Refresh.Interval = 0
			opts.Refresh.RequestTimeout = s.RequestTimeout
			orc, err := runtime.NewOrchestrator(runtime.OrchestratorOptions{
				Source:   src,
				Versions: manup.StaticVersion(s.AppVersion),
				Options:  opts,
				Logger:   logger,
			})
			if err != nil {
				return err
			}
			defer orc.Close()

			state, err := orc.Refresh(ctx)
			if err != nil {
				return &exitError{code: exitCodeError, err: fmt.Errorf("fetch configuration: %w", err)}
			}

			out := cmd.OutOrStdout()
			if v.GetBool("json") {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(translate.NewSnapshot(state)); err != nil {
					return err
				}
			} else {
				fmt.Fprintf(out, "status: %s\n", state.Status)
				if state.Message != "" {
					fmt.Fprintf(out, "message: %s\n", state.Message)
				}
				if state.Settings != nil && state.Settings.URL != "" {
					fmt.Fprintf(out, "url: %s\n", state.Settings.URL)
				}
			}
			if code := exitCodeFor(state.Status); code != exitCodeLatest {
				return &exitError{code: code}
			}
			return nil
		},
	}
	cmd.Flags().Bool("json", false, "print the full state as JSON")
	return cmd
}
