package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/openmined/s3rotate/internal/backup"
	"github.com/openmined/s3rotate/internal/blob"
	"github.com/openmined/s3rotate/internal/config"
	"github.com/openmined/s3rotate/internal/metrics"
	"github.com/openmined/s3rotate/internal/utils"
	"github.com/openmined/s3rotate/internal/version"
	"github.com/spf13/cobra"
)

// newBlobClient is swapped in tests for a client over an in-memory store
var newBlobClient = func(ctx context.Context, cfg *blob.S3Config) (blob.IBlobClient, error) {
	client, err := blob.NewBlobClientWithS3Config(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return client, nil
}

type options struct {
	confPath  string
	authPath  string
	envFile   string
	verbosity int
	dryRun    bool
	ls        bool
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   version.AppName,
		Short: "Copy the newest database backups to S3 and rotate the older ones",
		Long: `Copies the newest rotate_lvl files of the backup directory to the destination
prefix, verifying every upload against the ETag the store reports, then deletes
the older files locally and remotely. Remote objects that match no local file
are reported and left untouched.`,
		Version: version.Detailed(),
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, closeLog, err := opts.setup(cmd)
			if err != nil {
				return err
			}
			defer closeLog()

			cmd.SilenceUsage = true
			if opts.ls {
				return listBackups(cmd.Context(), cmd.OutOrStdout(), cfg, false)
			}
			return runRotation(cmd.Context(), cfg, opts.dryRun)
		},
	}

	cmd.Flags().SortFlags = false
	cmd.PersistentFlags().StringVarP(&opts.confPath, "conf", "c", "", "JSON conf file with the destination and backup settings")
	cmd.PersistentFlags().StringVarP(&opts.authPath, "auth", "a", "", "JSON auth file with the endpoint and S3 keys")
	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", "", "Load S3ROTATE_* variables from a .env file")
	cmd.PersistentFlags().CountVarP(&opts.verbosity, "debug", "d", "Verbosity, repeat for more (-d actions, -dd decisions, -ddd remote listing)")
	cmd.Flags().BoolVarP(&opts.dryRun, "dry-run", "n", false, "Log what would be uploaded and deleted without changing anything")
	cmd.Flags().BoolVar(&opts.ls, "ls", false, "List the stored backups and exit (same as the ls command)")

	cmd.AddCommand(newLsCmd(opts))
	cmd.AddCommand(newVersionCmd())
	return cmd
}

// setup loads the env file and the configuration, then installs the logger
func (o *options) setup(cmd *cobra.Command) (*config.Config, func(), error) {
	if o.envFile != "" {
		if err := godotenv.Load(o.envFile); err != nil {
			return nil, nil, fmt.Errorf("load env file %s: %w", o.envFile, err)
		}
	}

	cfg, err := config.Load(o.confPath, o.authPath)
	if err != nil {
		return nil, nil, err
	}

	closeLog, err := setupLogger(cmd.ErrOrStderr(), o.verbosity, cfg.LogFile)
	if err != nil {
		return nil, nil, err
	}

	slog.Debug("config", "version", version.Short(), "config", cfg)
	return cfg, closeLog, nil
}

func runRotation(ctx context.Context, cfg *config.Config, dryRun bool) error {
	params := cfg.RotateParams(dryRun)

	// a dry run changes nothing, it may overlap a real run
	if !dryRun {
		lock := backup.NewPrefixLock(cfg.LockPath())
		if err := lock.Lock(); err != nil {
			return err
		}
		defer func() {
			if err := lock.Unlock(); err != nil {
				slog.Warn("unlock", "path", lock.Path(), "error", err)
			}
		}()
	}

	client, err := newBlobClient(ctx, cfg.S3Config())
	if err != nil {
		return err
	}

	dest := utils.HostOf(cfg.DestEndpoint) + "/" + blob.JoinKey(cfg.DestBucket, params.Prefix)
	report, runErr := backup.NewRotator(client).Reconcile(ctx, params)
	if runErr != nil {
		slog.Error("rotation stopped", "dest", dest, "report", report, "error", runErr)
	} else {
		slog.Info("rotation done", "dest", dest, "report", report)
	}

	if cfg.MetricsFile != "" {
		m := metrics.NewRunMetrics(cfg.DestBucket, params.Prefix)
		m.Observe(report, runErr)
		if err := m.WriteTextfile(cfg.MetricsFile); err != nil {
			slog.Error("metrics", "path", cfg.MetricsFile, "error", err)
		}
	}

	if runErr != nil {
		return runErr
	}
	if !report.OK() {
		return fmt.Errorf("%d backups not verified: %s", len(report.Failed), strings.Join(report.FailedNames(), ", "))
	}
	return nil
}

// logLevel maps the -d count: none warns only, -d logs actions, -dd decisions, -ddd every listed object
func logLevel(verbosity int) slog.Level {
	switch {
	case verbosity <= 0:
		return slog.LevelWarn
	case verbosity == 1:
		return slog.LevelInfo
	case verbosity == 2:
		return slog.LevelDebug
	default:
		return backup.LevelTrace
	}
}

// setupLogger sends records to w, and to logFile when set. The returned func flushes and closes the file.
func setupLogger(w io.Writer, verbosity int, logFile string) (func(), error) {
	level := logLevel(verbosity)

	var handler slog.Handler = tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: "2006-01-02T15:04:05.000Z07:00",
		NoColor:    !isTerminal(w),
	})
	closeFn := func() {}

	if logFile != "" {
		if err := utils.EnsureParent(logFile); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}

		logInterceptor := utils.NewLogInterceptor(file)
		fileHandler := slog.NewTextHandler(logInterceptor, &slog.HandlerOptions{
			Level: level,
			// the interceptor stamps each line with its own time
			ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
				if len(groups) > 0 {
					return a
				}
				switch a.Key {
				case slog.TimeKey:
					return slog.Attr{}
				case slog.LevelKey:
					if lvl, ok := a.Value.Any().(slog.Level); ok && lvl <= backup.LevelTrace {
						return slog.String(slog.LevelKey, "TRACE")
					}
				}
				return a
			},
		})

		handler = utils.NewMultiLogHandler(handler, fileHandler)
		closeFn = func() {
			_ = logInterceptor.Close()
			_ = file.Close()
		}
	}

	slog.SetDefault(slog.New(handler))
	return closeFn, nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && isatty.IsTerminal(f.Fd())
}

func main() {
	// Setup root context with signal handling
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}
