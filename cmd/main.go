package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/eglochon/lan-mesh/config"
	"github.com/eglochon/lan-mesh/pkg/comms"
	"github.com/eglochon/lan-mesh/pkg/discovery"
)

func main() {
	cfg, rejected := config.FromEnv()

	log, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	for _, setting := range rejected {
		log.Warn("ignoring invalid setting", zap.String("setting", setting))
	}

	app := fx.New(
		fx.Supply(cfg, log),
		fx.WithLogger(func(l *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: l.Named("fx").WithOptions(zap.IncreaseLevel(zapcore.WarnLevel))}
		}),
		// the manager bounds its own wait by ShutdownGrace
		fx.StopTimeout(cfg.ShutdownGrace+time.Second),
		fx.Provide(
			newRegistry,
			newMetrics,
			newPeerManager,
		),
		fx.Invoke(
			registerPeerManager,
			registerDiscovery,
			registerMetricsEndpoint,
			registerConsole,
		),
	)
	app.Run()
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	zcfg.Encoding = "console"
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return zcfg.Build()
}

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func newMetrics(reg *prometheus.Registry) *comms.Metrics {
	return comms.NewMetrics(reg)
}

func newPeerManager(cfg *config.Config, log *zap.Logger, m *comms.Metrics) (*comms.PeerManager, error) {
	return comms.NewPeerManager(cfg, comms.WithLogger(log), comms.WithMetrics(m))
}

func registerPeerManager(lc fx.Lifecycle, pm *comms.PeerManager) {
	lc.Append(fx.Hook{
		OnStart: pm.Start,
		OnStop:  pm.Shutdown,
	})
}

func registerDiscovery(lc fx.Lifecycle, cfg *config.Config, pm *comms.PeerManager, log *zap.Logger) error {
	if !cfg.Discovery {
		return nil
	}
	self, err := discovery.NewSelfAddress(cfg.BindAddr)
	if err != nil {
		return fmt.Errorf("discovery needs our address: %w", err)
	}
	svc := discovery.NewService(cfg, self.IP, pm, nil, log)
	lc.Append(fx.Hook{
		OnStart: svc.Start,
		OnStop: func(context.Context) error {
			return svc.Stop()
		},
	})
	return nil
}

func registerMetricsEndpoint(lc fx.Lifecycle, cfg *config.Config, reg *prometheus.Registry, log *zap.Logger) {
	if cfg.MetricsAddr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ln, err := net.Listen("tcp", cfg.MetricsAddr)
			if err != nil {
				return fmt.Errorf("metrics listen: %w", err)
			}
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("metrics endpoint failed", zap.Error(err))
				}
			}()
			log.Info("serving metrics", zap.Stringer("addr", ln.Addr()))
			return nil
		},
		OnStop: srv.Shutdown,
	})
}

func registerConsole(lc fx.Lifecycle, cfg *config.Config, pm *comms.PeerManager, log *zap.Logger) {
	c := newConsole(pm, os.Stdout, log)
	pm.OnMessage(c.printMessage)
	pm.OnPeerDisconnected(c.printDisconnect)

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			if self, err := discovery.NewSelfAddress(cfg.BindAddr); err == nil {
				c.printf("Node (%s) %s. Type \"<ip> <message>\", \"* <message>\" or /peers.\n", self.Hostname, self.Addr(cfg.Port))
			}
			// stdin has no cancellation, the reader dies with the process
			go c.run(os.Stdin)
			return nil
		},
	})
}
