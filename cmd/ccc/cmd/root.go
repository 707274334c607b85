package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"computecannon/internal/config"
	"computecannon/internal/engines"
	"computecannon/internal/logger"
	"computecannon/internal/observability"
	"computecannon/internal/store"
	"computecannon/internal/store/postgres"
	"computecannon/pkg/job"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "ccc",
	Short: "ccc runs commands on local or remote compute engines",
	Long: `ccc runs a shell command with a set of input files on a compute engine and
collects its stdout, stderr and output files.

Engines:

  - subprocess: a local shell in a fresh temporary directory (default)
  - docker:     a container on the local or a remote Docker daemon
  - remote:     a JSON-RPC job service (see ccc-server for a local one)
  - kubernetes: a batch Job in a cluster

Common workflows:

  Run a command and wait for it:
    ccc run --input data.csv -- "sort data.csv > sorted.csv"

  Run in a container and keep the outputs:
    ccc run --engine docker --image alpine -o out/ -- "gzip -k data.csv"

  Submit a job described in YAML without waiting:
    ccc submit -f job.yaml

  Check on or stop a submitted job:
    ccc status <job-id>
    ccc kill <job-id>

Configuration:
  Settings come from flags, CCC_* environment variables and $HOME/.ccc.yaml:
    CCC_ENGINE          engine name (default: subprocess)
    CCC_REMOTE_URL      remote job service URL
    CCC_DATABASE_URL    PostgreSQL URL for the run history (optional)`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// ExitError carries a job's non-zero exit code out of Execute.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string { return fmt.Sprintf("job exited with code %d", e.Code) }

func Execute() error {
	return rootCmd.Execute()
}

func initConfig() {
	bindFlags()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			// Search config in home directory with name ".ccc"
			viper.AddConfigPath(home)
			viper.SetConfigName(".ccc")
			viper.SetConfigType("yaml")
		}
	}

	if err := viper.ReadInConfig(); err == nil {
		slog.Debug("using config file", "path", viper.ConfigFileUsed())
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	cobra.OnFinalize(flushTracing)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.ccc.yaml)")
	flags.String("engine", "", "engine to run jobs on: subprocess, docker, remote, kubernetes")
	flags.String("remote-url", "", "remote job service URL")
	flags.String("log-level", "", "log level: debug, info, warn, error")
	flags.String("cache-dir", "", "directory for downloaded files")
	flags.String("database-url", "", "PostgreSQL URL for the run history")
}

// bindFlags maps the persistent flags onto config keys. Unset flags leave
// the config file, environment and defaults in charge.
func bindFlags() {
	flags := rootCmd.PersistentFlags()
	viper.BindPFlag("engine", flags.Lookup("engine"))
	viper.BindPFlag("remote_url", flags.Lookup("remote-url"))
	viper.BindPFlag("log_level", flags.Lookup("log-level"))
	viper.BindPFlag("cache_dir", flags.Lookup("cache-dir"))
	viper.BindPFlag("database_url", flags.Lookup("database-url"))
}

func loadConfig() (*config.Config, error) {
	return config.FromViper(viper.GetViper())
}

func newLogger(cmd *cobra.Command, cfg *config.Config) *slog.Logger {
	return logger.NewWithWriter(cmd.ErrOrStderr(), cfg.LogLevel)
}

// newEngine is replaced in tests.
var newEngine = func(cfg *config.Config, log *slog.Logger) (job.Engine, error) {
	return engines.New(cfg, log)
}

// setup loads the configuration and builds the engine every job command needs.
func setup(cmd *cobra.Command) (*config.Config, *slog.Logger, job.Engine, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, nil, err
	}
	log := newLogger(cmd, cfg)
	initTracing(cmd.Context(), cfg, log)
	engine, err := newEngine(cfg, log)
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, log, engine, nil
}

var shutdownTracer func(context.Context) error

// initTracing exports job spans when otel_endpoint is set. Failures only
// cost the traces.
func initTracing(ctx context.Context, cfg *config.Config, log *slog.Logger) {
	if cfg.OTELEndpoint == "" || shutdownTracer != nil {
		return
	}
	shutdown, err := observability.InitTracer(ctx, "ccc", cfg.OTELEndpoint)
	if err != nil {
		log.Warn("tracing disabled", "error", err)
		return
	}
	shutdownTracer = shutdown
}

func flushTracing() {
	if shutdownTracer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdownTracer(ctx); err != nil {
		slog.Debug("failed to flush traces", "error", err)
	}
	shutdownTracer = nil
}

// openHistory is replaced in tests.
var openHistory = func(ctx context.Context, cfg *config.Config) (store.RunStore, func() error, error) {
	if cfg.DatabaseURL == "" {
		return nil, func() error { return nil }, nil
	}
	s, err := postgres.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	return s, s.Close, nil
}
