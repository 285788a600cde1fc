// Package cmd implements the quarry CLI.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"regexp"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/quarryhq/quarry/internal/config"
	"github.com/quarryhq/quarry/internal/observability"
	"github.com/quarryhq/quarry/pkg/jobcache"
	"github.com/quarryhq/quarry/pkg/provider"
	"github.com/quarryhq/quarry/pkg/provider/httpfile"
	"github.com/quarryhq/quarry/pkg/provider/localdir"
	s3provider "github.com/quarryhq/quarry/pkg/provider/s3"
	"github.com/quarryhq/quarry/pkg/scheduler"
)

// versionInfo holds build metadata injected at link time.
var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "HEAD",
	BuildDate: "unknown",
}

// SetVersionInfo records build metadata before Execute runs.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

var (
	cfgPath string
	verbose bool

	// cfg is loaded once in the persistent pre-run and shared by all
	// subcommands.
	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "quarry",
	Short: "Download job manager",
	Long: `quarry manages download jobs: queueing, bounded concurrency,
stop/resume, filename templating, and crash-safe queue persistence.

Sources are matched to providers by URL: http(s) file URLs, s3://
object or prefix URLs, and file:// paths.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgPath)
		if err != nil {
			return err
		}
		observability.InitCLILogger(cfg.Logging.Level, verbose)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "Path to config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
}

// exitCodePattern extracts the code from errors built by exitError.
var exitCodePattern = regexp.MustCompile(`\(exit code (\d+)\)$`)

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.Version = fmt.Sprintf("%s (commit %s, built %s)", versionInfo.Version, versionInfo.Commit, versionInfo.BuildDate)

	err := rootCmd.ExecuteContext(ctx)
	observability.Sync()
	if err == nil {
		return 0
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	if m := exitCodePattern.FindStringSubmatch(err.Error()); m != nil {
		if code, perr := strconv.Atoi(m[1]); perr == nil {
			return code
		}
	}
	return 1
}

// exitError creates an error that will cause the CLI to exit with the given code.
func exitError(code int, message string, err error) error {
	return fmt.Errorf("%s: %w (exit code %d)", message, err, code)
}

// buildRegistry wires every provider the build knows about. S3 client
// construction reads local AWS config only; no network traffic happens
// until a job runs.
func buildRegistry(ctx context.Context) (*provider.Registry, error) {
	reg := provider.NewRegistry()
	reg.Register(httpfile.New(httpfile.Config{
		UserAgent:         cfg.HTTP.UserAgent,
		Timeout:           cfg.HTTP.Timeout,
		RequestsPerSecond: cfg.HTTP.RequestsPerSecond,
		Burst:             cfg.HTTP.Burst,
	}))
	reg.Register(localdir.New())

	s3p, err := s3provider.New(ctx, s3provider.Config{
		Region:         cfg.S3.Region,
		Endpoint:       cfg.S3.Endpoint,
		Profile:        cfg.S3.Profile,
		ForcePathStyle: cfg.S3.ForcePathStyle,
		MaxKeys:        cfg.S3.MaxKeys,
	})
	if err != nil {
		return nil, err
	}
	reg.Register(s3p)
	return reg, nil
}

// newScheduler assembles the scheduler stack from the loaded config.
// The returned cleanup closes the cache and provider registry.
func newScheduler(ctx context.Context) (*scheduler.Scheduler, *jobcache.Cache, func(), error) {
	reg, err := buildRegistry(ctx)
	if err != nil {
		return nil, nil, nil, err
	}

	cache, err := jobcache.Open(cfg.Cache.Path, observability.CLILogger)
	if err != nil {
		_ = reg.Close()
		return nil, nil, nil, err
	}

	sched := scheduler.New(scheduler.Config{
		ConcurrencyLimit: cfg.Downloads.ConcurrencyLimit,
		Autostart:        cfg.Downloads.Autostart,
	}, reg, cache, observability.CLILogger)

	cleanup := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := sched.Shutdown(shutdownCtx); err != nil {
			observability.CLILogger.Warn("scheduler shutdown incomplete", zap.Error(err))
		}
		if err := cache.Close(); err != nil {
			observability.CLILogger.Warn("cache close failed", zap.Error(err))
		}
		_ = reg.Close()
	}
	return sched, cache, cleanup, nil
}
