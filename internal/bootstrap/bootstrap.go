// Package bootstrap runs procflow as a background-only worker: the scheduler
// runs, the API does not.
package bootstrap

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/cordum/procflow/internal/app"
	"github.com/cordum/procflow/internal/infra/config"
	"github.com/cordum/procflow/internal/infra/logging"
)

const (
	// DefaultHeartbeatInterval is how often the idle loop reports liveness.
	DefaultHeartbeatInterval = 60 * time.Second

	MsgStarting  = "Starting background processing only..."
	MsgRunning   = "Background scheduler is running..."
	MsgHeartbeat = "Background processing is active..."
	MsgShutdown  = "Shutting down background processing..."
)

// Application is what the factory hands back.
type Application interface {
	Close() error
}

// Factory constructs the application from configuration.
type Factory func(cfg *config.Config) (Application, error)

// Options configures RunBackgroundOnly.
type Options struct {
	Factory  Factory
	Interval time.Duration
	Out      io.Writer
}

// DefaultFactory builds the real application.
func DefaultFactory(cfg *config.Config) (Application, error) {
	return app.Create(cfg)
}

// SetBackgroundOnlyFlags disables the API and enables the scheduler for the
// application about to be created.
func SetBackgroundOnlyFlags() error {
	if err := os.Setenv(config.EnvRunAPIEndpoints, "false"); err != nil {
		return err
	}
	return os.Setenv(config.EnvRunBackgroundSchedulerInCreateApp, "true")
}

// RunBackgroundOnly creates the application with background-only flags, then
// idles until ctx is done. Factory errors are returned unchanged in meaning.
func RunBackgroundOnly(ctx context.Context, opts Options) error {
	if opts.Factory == nil {
		opts.Factory = DefaultFactory
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultHeartbeatInterval
	}
	if opts.Out == nil {
		opts.Out = os.Stdout
	}

	if err := SetBackgroundOnlyFlags(); err != nil {
		return fmt.Errorf("set flags: %w", err)
	}
	application, err := opts.Factory(config.Load())
	if err != nil {
		return fmt.Errorf("create app: %w", err)
	}

	fmt.Fprintln(opts.Out, MsgStarting)
	fmt.Fprintln(opts.Out, MsgRunning)

	ticker := time.NewTicker(opts.Interval)
	defer ticker.Stop()
	for {
		fmt.Fprintln(opts.Out, MsgHeartbeat)
		select {
		case <-ctx.Done():
			fmt.Fprintln(opts.Out, MsgShutdown)
			if err := application.Close(); err != nil {
				logging.Error("bootstrap", "close app", "error", err)
			}
			return nil
		case <-ticker.C:
		}
	}
}
