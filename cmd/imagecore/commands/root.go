// Package commands implements the imagecore command line.
package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/ironsheep/imagecore/internal/config"
	"github.com/ironsheep/imagecore/internal/logger"
	"github.com/ironsheep/imagecore/internal/metrics"
)

var (
	// Version information injected at build time.
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"

	// Global flags.
	cfgFile  string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "imagecore",
	Short: "imagecore - prioritized image loading with a RAW decode process pool",
	Long: `imagecore schedules image loading work for an image browser: a strict
three-lane thread pool, a pool of RAW decode worker processes, a memory-aware
cache and a direction-aware preloader.

Configuration is read from --config (or $XDG_CONFIG_HOME/imagecore/config.yaml)
and IMAGECORE_* environment variables. Unset sizes come from the detected
hardware profile.

Use "imagecore [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $XDG_CONFIG_HOME/imagecore/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override logging.level (DEBUG, INFO, WARN, ERROR)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(browseCmd)
	rootCmd.AddCommand(decodeCmd)
	rootCmd.AddCommand(profileCmd)

	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

// runtimeEnv is what every long-running command needs.
type runtimeEnv struct {
	cfg     *config.Config
	profile config.Profile
	logger  *slog.Logger
	metrics *metrics.Collectors
	close   func()
}

// setup loads configuration, initializes logging and, when enabled, starts the
// metrics endpoint.
func setup(ctx context.Context) (*runtimeEnv, error) {
	cfg, prof, err := config.Load(ctx, cfgFile)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	log, err := logger.Init(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	log.Debug("configuration loaded", "tier", prof.Tier, "cpus", prof.CPUs, "total_memory", prof.TotalMemory)

	env := &runtimeEnv{cfg: cfg, profile: prof, logger: log, close: func() {}}
	if !cfg.Metrics.Enabled {
		return env, nil
	}

	env.metrics = metrics.New()
	srv := &http.Server{
		Addr:              cfg.Metrics.Address,
		Handler:           env.metrics.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server failed", "address", cfg.Metrics.Address, "error", err)
		}
	}()
	log.Info("metrics endpoint listening", "address", cfg.Metrics.Address)

	env.close = func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}
	return env, nil
}
