// Package cli holds the plumbing shared by the calcmir commands: common
// flags, configuration loading, the metrics endpoint and signal handling.
package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/calcmir/calcmir/pkg/config"
	"github.com/calcmir/calcmir/pkg/metrics"
)

// MetricsPath is where the Prometheus endpoint is mounted.
const MetricsPath = "/metrics"

const shutdownTimeout = 5 * time.Second

// AddCommonFlags registers --config and the logging flags on fs.
func AddCommonFlags(fs *pflag.FlagSet) {
	d := config.DefaultLog()
	fs.String("config", "", "YAML configuration file")
	fs.String("log-level", d.Level, "log level: debug, info, warn, error")
	fs.String("log-format", d.Format, "log format: console or json")
	fs.StringSlice("log-outputs", d.Outputs, "log outputs: stdout, stderr or file paths")
	fs.Bool("log-development", d.Development, "development logging (stack traces on warnings)")
}

// Viper returns a viper instance bound to the flags of cmd and the
// configuration file named by --config.
func Viper(cmd *cobra.Command) (*viper.Viper, string, error) {
	v := config.NewViper()
	if err := config.BindFlags(v, cmd.Flags()); err != nil {
		return nil, "", err
	}
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, "", err
	}
	return v, path, nil
}

// ServeMetrics runs the Prometheus endpoint on addr inside g until ctx is
// done. It does nothing when addr is empty.
func ServeMetrics(ctx context.Context, g *errgroup.Group, addr string, m *metrics.Metrics, logger *zap.Logger) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle(MetricsPath, m.Handler())
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: shutdownTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g.Go(func() error {
		ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", addr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", addr, err)
		}
		logger.Info("metricsListening", zap.String("localAddr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics endpoint: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
}

// Main executes cmd with a context that is canceled on SIGINT or SIGTERM and
// exits with status 1 when the command fails.
func Main(cmd *cobra.Command) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := cmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}
