package commands

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kgofron/ADTimePix3/internal/config"
	"github.com/kgofron/ADTimePix3/internal/driver"
	"github.com/kgofron/ADTimePix3/pkg/utils"
)

const shutdownTimeout = 30 * time.Second

var (
	serveConfigPath string
	serveLogLevel   string
	serveLogFormat  string
	serveNoWatch    bool
)

func newServeCommand(build BuildInfo) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the detector driver until interrupted",
		RunE:  runServe(build),
		Args:  cobra.NoArgs,
	}

	cmd.Flags().StringVarP(&serveConfigPath, "config", "c", "", "path to the YAML configuration file")
	cmd.Flags().StringVar(&serveLogLevel, "log-level", "", "override the configured log level (trace, debug, info, warn, error)")
	cmd.Flags().StringVar(&serveLogFormat, "log-format", "", "override the configured log format (text or json)")
	cmd.Flags().BoolVar(&serveNoWatch, "no-watch", false, "disable configuration hot reload")
	return cmd
}

// loadConfiguration layers defaults, the optional file, environment
// overrides, and command line overrides, then validates the result.
func loadConfiguration(path string) (*config.Configuration, error) {
	cfg := config.NewDefault()
	if path != "" {
		if err := cfg.LoadFromFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}
	if serveLogLevel != "" {
		cfg.Logging.Level = serveLogLevel
	}
	if serveLogFormat != "" {
		cfg.Logging.Format = serveLogFormat
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runServe(build BuildInfo) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfiguration(serveConfigPath)
		if err != nil {
			return err
		}

		logger, err := driver.NewLogger(cfg.Logging)
		if err != nil {
			return err
		}
		defer logger.Close()
		log := logger.WithComponent("daemon")

		// TPX3_DEBUG opens a capture session before the stack comes up, so
		// the first poll cycles are recorded. A numeric value sets the event
		// cap. Drain it with DELETE /api/v1/debug/sessions/boot.
		if raw := os.Getenv("TPX3_DEBUG"); raw != "" {
			maxEvents := 0
			if n, err := strconv.Atoi(raw); err == nil {
				maxEvents = n
			}
			utils.GetDebugManager().StartSession("boot", nil, maxEvents)
			log.Info("Boot debug capture started", map[string]interface{}{
				"session": "boot",
			})
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		// logrotate convention: SIGHUP reopens the log file.
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)
		go func() {
			for {
				select {
				case <-hup:
					if err := logger.Rotate(); err != nil {
						log.Warn("Log rotation failed", map[string]interface{}{
							"error": err.Error(),
						})
					}
				case <-ctx.Done():
					return
				}
			}
		}()

		d, err := driver.New(ctx, cfg, driver.Options{
			Logger:  logger,
			Version: build.Version,
		})
		if err != nil {
			return err
		}

		if err := d.Start(ctx); err != nil {
			return err
		}

		log.Info("tpx3d running", map[string]interface{}{
			"version": build.Version,
			"pid":     os.Getpid(),
		})

		if serveConfigPath != "" && !serveNoWatch {
			go watchConfig(ctx, serveConfigPath, d, log)
		}

		<-ctx.Done()
		log.Info("Shutdown signal received", nil)

		// The signal context is already canceled; shutdown gets its own
		// budget so in-flight uploads can still drain.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return d.Stop(shutdownCtx)
	}
}

// watchConfig reloads the file on change and applies whatever can change
// live. Invalid files and frozen settings are logged, never fatal: the
// running driver keeps its current configuration.
func watchConfig(ctx context.Context, path string, d *driver.Driver, log *utils.StructuredLogger) {
	err := config.Watch(ctx, path, log, func() {
		next, err := loadConfiguration(path)
		if err != nil {
			log.Warn("Ignoring invalid configuration change", map[string]interface{}{
				"path":  path,
				"error": err.Error(),
			})
			return
		}

		reloadCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		frozen, err := d.ApplyReloadable(reloadCtx, next)
		if err != nil {
			log.Warn("Configuration reload failed", map[string]interface{}{
				"error": err.Error(),
			})
			return
		}
		if len(frozen) > 0 {
			log.Warn("Changed settings need a restart to apply", map[string]interface{}{
				"frozen": strings.Join(frozen, ", "),
			})
		}
	})
	if err != nil && ctx.Err() == nil {
		log.Warn("Configuration watcher stopped", map[string]interface{}{
			"error": err.Error(),
		})
	}
}
