// Command calc-server evaluates expressions sent over the calcmir protocol.
package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/calcmir/calcmir/internal/calculator"
	"github.com/calcmir/calcmir/internal/cli"
	"github.com/calcmir/calcmir/internal/server"
	"github.com/calcmir/calcmir/pkg/config"
	"github.com/calcmir/calcmir/pkg/logging"
	"github.com/calcmir/calcmir/pkg/metrics"
	"github.com/calcmir/calcmir/pkg/protocol"
)

func main() {
	cli.Main(newRootCmd())
}

func newRootCmd() *cobra.Command {
	d := config.DefaultServer()
	cmd := &cobra.Command{
		Use:   "calc-server",
		Short: "Evaluate expressions sent over the calcmir protocol",
		Long: `calc-server listens for calcmir requests, evaluates the expression each one
carries and answers with the result and, when asked, the evaluation steps.

Examples:
  calc-server                          # listen on 127.0.0.1:9999
  calc-server -H 0.0.0.0 -p 8888       # listen on every interface
  calc-server --cache-control 60       # results stay fresh for a minute
  calc-server --metrics-addr :9090     # expose Prometheus metrics`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE:         runServer,
	}

	fs := cmd.Flags()
	fs.StringP("host", "H", d.Host, "address to listen on")
	fs.IntP("port", "p", d.Port, "port to listen on")
	fs.Bool("cache-result", d.CacheResult, "allow proxies to cache responses")
	fs.Int("cache-control", d.CacheControl, "seconds a response stays fresh (65535 means forever)")
	fs.Duration("read-timeout", d.ReadTimeout, "idle time allowed between requests")
	fs.Duration("write-timeout", d.WriteTimeout, "time allowed to write a response")
	fs.String("metrics-addr", d.MetricsAddr, "serve Prometheus metrics on this address")
	cli.AddCommonFlags(fs)
	return cmd
}

func runServer(cmd *cobra.Command, _ []string) error {
	v, path, err := cli.Viper(cmd)
	if err != nil {
		return err
	}
	cfg, err := config.LoadServer(v, path)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting",
		zap.String("addr", cfg.Address()),
		zap.Bool("cacheResult", cfg.CacheResult),
		zap.Int("cacheControl", cfg.CacheControl),
	)

	m := metrics.New()
	policy := protocol.Policy{
		CacheResult:  cfg.CacheResult,
		CacheControl: uint16(cfg.CacheControl),
	}
	srv := server.New(calculator.New(policy, logger, m), server.Config{
		Role:         metrics.RoleServer,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		Policy:       policy,
		Logger:       logger,
		Metrics:      m,
	})

	g, ctx := errgroup.WithContext(cmd.Context())
	cli.ServeMetrics(ctx, g, cfg.MetricsAddr, m, logger)
	g.Go(func() error { return srv.ListenAndServe(ctx, cfg.Address()) })

	if err := g.Wait(); err != nil {
		logger.Error("serverFailed", zap.Error(err))
		return err
	}
	logger.Info("serverStopped")
	return nil
}
