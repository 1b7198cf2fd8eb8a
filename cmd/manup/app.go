package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	"github.com/stepherg/manup"
	"github.com/stepherg/manup/internal/logging"
)

// exitError carries a process exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("MANUP_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "manup")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		var exit *exitError
		if errors.As(err, &exit) {
			if exit.err != nil {
				fmt.Fprintf(os.Stderr, "%s\n", exit.err)
			}
			return exit.code
		}
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "%s\n", err)
		}
		return 1
	}
	return 0
}

// settings is the resolved flag, environment and config file view shared by commands.
type settings struct {
	Source         string
	Platform       string
	AppVersion     string
	Authorization  string
	RedisKey       string
	RedisField     string
	S3Region       string
	S3AccessKey    string
	S3SecretKey    string
	S3Insecure     bool
	RequestTimeout time.Duration
}

func readSettings(v *viper.Viper) (settings, error) {
	s := settings{
		Source:         strings.TrimSpace(v.GetString("source")),
		Platform:       strings.TrimSpace(v.GetString("platform")),
		AppVersion:     strings.TrimSpace(v.GetString("app-version")),
		Authorization:  v.GetString("authorization"),
		RedisKey:       v.GetString("redis-key"),
		RedisField:     v.GetString("redis-field"),
		S3Region:       v.GetString("s3-region"),
		S3AccessKey:    v.GetString("s3-access-key"),
		S3SecretKey:    v.GetString("s3-secret-key"),
		S3Insecure:     v.GetBool("s3-insecure"),
		RequestTimeout: v.GetDuration("timeout"),
	}
	if s.Source == "" {
		return s, errors.New("--source is required")
	}
	if s.AppVersion == "" {
		return s, errors.New("--app-version is required")
	}
	if s.RequestTimeout < 0 {
		return s, fmt.Errorf("%w: timeout must not be negative", manup.ErrInvalidOptions)
	}
	return s, nil
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:           "manup",
		Short:         "manup checks a running app version against a remote mandatory-update policy",
		SilenceErrors: true,
		SilenceUsage:  true,
		Example: `
  # One-shot check against an HTTP endpoint
  manup check --source https://config.example.com/mobile.json --platform ios --app-version 2.3.0

  # Policy stored in Redis under a hash field
  manup check --source redis://localhost:6379/0 --redis-key remote-config --redis-field mobile --app-version 2.3.0

  # Serve the status API from a watched local file
  manup serve --source file:///etc/manup/config.json --app-version 2.3.0 --listen :8090
`,
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to a YAML/JSON/TOML config file")
	persistentFlags.StringP("source", "s", "", "configuration source (http(s)://, redis://, s3://, file://, ws(s)://)")
	persistentFlags.StringP("platform", "p", manup.DefaultPlatform(), "platform entry to evaluate (e.g. ios, android)")
	persistentFlags.String("app-version", "", "running application version (semver)")
	persistentFlags.String("authorization", "", "Authorization header value for http and websocket sources")
	persistentFlags.String("redis-key", manup.DefaultQueryKey, "redis key holding the document")
	persistentFlags.String("redis-field", "", "redis hash field holding the document (plain GET when empty)")
	persistentFlags.String("s3-region", "", "region for s3:// sources")
	persistentFlags.String("s3-access-key", "", "access key for s3:// sources (default credential chain when empty)")
	persistentFlags.String("s3-secret-key", "", "secret key for s3:// sources")
	persistentFlags.Bool("s3-insecure", false, "use plain HTTP for s3:// sources")
	persistentFlags.Duration("timeout", manup.DefaultRequestTimeout, "per-fetch timeout")
	persistentFlags.String("log-level", "", "log level (trace, debug, info, warn, error)")

	v.SetEnvPrefix("MANUP")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	bindFlags(v, persistentFlags)

	cmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		// Subcommand flags only exist once cobra has resolved the command.
		bindFlags(v, cmd.Flags())
		path, err := loadConfigFile(v)
		if err != nil {
			return err
		}
		if path != "" {
			logging.WithSubsystem(baseLogger, "cli.root").Debug("loaded config file", "path", path)
		}
		return nil
	}

	cmd.AddCommand(newCheckCommand(v, baseLogger))
	cmd.AddCommand(newServeCommand(v, baseLogger))
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) {
	flags.VisitAll(func(flag *pflag.Flag) {
		if err := v.BindPFlag(flag.Name, flag); err != nil {
			panic(err)
		}
	})
}

// commandLogger applies --log-level on top of the environment-derived logger.
func commandLogger(v *viper.Viper, base pslog.Logger, subsystem string) pslog.Logger {
	logger := base
	if level, ok := pslog.ParseLevel(strings.TrimSpace(v.GetString("log-level"))); ok {
		logger = logger.LogLevel(level)
	}
	return logging.WithSubsystem(logger, subsystem)
}

func loadConfigFile(v *viper.Viper) (string, error) {
	cfgPath := strings.TrimSpace(v.GetString("config"))
	if cfgPath == "" {
		return "", nil
	}
	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}
	v.SetConfigFile(expanded)
	if err := v.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	return filepath.Abs(p)
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
