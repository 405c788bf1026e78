// Command calc-proxy caches calcmir responses in front of one or more
// calc-server instances.
package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/calcmir/calcmir/internal/cli"
	"github.com/calcmir/calcmir/internal/proxy"
	"github.com/calcmir/calcmir/internal/server"
	"github.com/calcmir/calcmir/pkg/cache"
	"github.com/calcmir/calcmir/pkg/config"
	"github.com/calcmir/calcmir/pkg/hash"
	"github.com/calcmir/calcmir/pkg/logging"
	"github.com/calcmir/calcmir/pkg/metrics"
	"github.com/calcmir/calcmir/pkg/protocol"
)

func main() {
	cli.Main(newRootCmd())
}

func newRootCmd() *cobra.Command {
	d := config.DefaultProxy()
	cmd := &cobra.Command{
		Use:   "calc-proxy",
		Short: "Cache calcmir responses in front of calc-server",
		Long: `calc-proxy accepts calcmir requests, answers them from its cache when both
the server and the client freshness horizons allow it, and forwards them to
an origin server otherwise.

Examples:
  calc-proxy                                        # 127.0.0.1:9998 -> 127.0.0.1:9999
  calc-proxy --server-host 10.0.0.5 --server-port 9999
  calc-proxy --origin 10.0.0.5:9999 --origin 10.0.0.6:9999`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE:         runProxy,
	}

	fs := cmd.Flags()
	fs.String("proxy-host", d.Host, "address to listen on")
	fs.Int("proxy-port", d.Port, "port to listen on")
	fs.String("server-host", d.ServerHost, "origin server host")
	fs.Int("server-port", d.ServerPort, "origin server port")
	fs.StringSlice("origin", d.Origins, "origin server host:port, repeatable; overrides --server-host and --server-port")
	fs.Int("virtual-nodes", d.VirtualNodes, "hash ring positions per origin")
	fs.Duration("conn-timeout", d.ConnTimeout, "time allowed to connect to an origin")
	fs.Duration("read-timeout", d.ReadTimeout, "idle time allowed between requests")
	fs.Duration("write-timeout", d.WriteTimeout, "time allowed to write a message")
	fs.String("metrics-addr", d.MetricsAddr, "serve Prometheus metrics on this address")
	cli.AddCommonFlags(fs)
	return cmd
}

func runProxy(cmd *cobra.Command, _ []string) error {
	v, path, err := cli.Viper(cmd)
	if err != nil {
		return err
	}
	cfg, err := config.LoadProxy(v, path)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ring := hash.New(cfg.VirtualNodes, cfg.OriginAddresses()...)
	logger.Info("starting",
		zap.String("addr", cfg.Address()),
		zap.Strings("origins", ring.Origins()),
		zap.Int("originCount", ring.Len()),
	)

	m := metrics.New()
	handler := proxy.New(cache.New(), proxy.NewForwarder(ring, cfg, logger, m), logger, m)
	srv := server.New(handler, server.Config{
		Role:         metrics.RoleProxy,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		Policy:       protocol.NoCache,
		Logger:       logger,
		Metrics:      m,
	})

	g, ctx := errgroup.WithContext(cmd.Context())
	cli.ServeMetrics(ctx, g, cfg.MetricsAddr, m, logger)
	g.Go(func() error { return srv.ListenAndServe(ctx, cfg.Address()) })

	if err := g.Wait(); err != nil {
		logger.Error("proxyFailed", zap.Error(err))
		return err
	}
	logger.Info("proxyStopped")
	return nil
}
