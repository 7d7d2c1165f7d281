package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ggoodman/bayeux-server-go/broker"
	"github.com/ggoodman/bayeux-server-go/broker/redis"
	"github.com/ggoodman/bayeux-server-go/config"
	"github.com/ggoodman/bayeux-server-go/internal/logctx"
	"github.com/ggoodman/bayeux-server-go/internal/metrics"
	"github.com/ggoodman/bayeux-server-go/longpoll"
	"github.com/ggoodman/bayeux-server-go/server"
)

const shutdownGrace = 10 * time.Second

type rootFlags struct {
	configPath string
	debug      bool
	watch      bool
}

func newRootCmd() *cobra.Command {
	var f rootFlags
	root := &cobra.Command{
		Use:           "bayeuxd",
		Short:         "Bayeux long-polling publish/subscribe server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&f.configPath, "config", "c", "", "YAML configuration file overlaid on BAYEUX_* environment variables")
	root.PersistentFlags().BoolVar(&f.debug, "debug", false, "enable debug logging")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Start the server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), f)
		},
	}
	serve.Flags().BoolVar(&f.watch, "watch", true, "reload tunables when the configuration file changes")

	validate := &cobra.Command{
		Use:   "validate",
		Short: "Load and validate the configuration, then print it",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(f.configPath)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%+v\n", cfg)
			return err
		},
	}

	root.AddCommand(serve, validate)
	return root
}

func newLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	h := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	return slog.New(logctx.Handler{Handler: h})
}

func runServe(ctx context.Context, f rootFlags) error {
	log := newLogger(f.debug)
	slog.SetDefault(log)

	cfg, err := config.Load(f.configPath)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	sink := metrics.NewPrometheus(reg, "bayeux")

	srvOpts := []server.Option{
		server.WithLogger(log),
		server.WithMetrics(sink),
		server.WithDefaults(cfg.SessionDefaults()),
		server.WithSweepPeriod(cfg.SweepPeriod),
	}
	var b broker.Broker
	if cfg.RedisAddr != "" {
		b = redis.New(redis.Config{Addr: cfg.RedisAddr, Logger: log})
		srvOpts = append(srvOpts, server.WithBroker(b))
		log.InfoContext(ctx, "bayeuxd.broker.redis", slog.String("addr", cfg.RedisAddr))
	}
	srv := server.New(srvOpts...)
	tr := longpoll.New(srv,
		longpoll.WithLogger(log),
		longpoll.WithMetrics(sink),
		longpoll.WithSettings(cfg.TransportSettings()),
	)

	mux := http.NewServeMux()
	mux.Handle(cfg.Path, tr)
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	httpSrv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ignoreCanceled(srv.Run(gctx)) })
	g.Go(func() error { return tr.Run(gctx) })
	if f.watch && f.configPath != "" {
		g.Go(func() error {
			return config.Watch(gctx, f.configPath, log, func(next config.Config) {
				srv.Apply(next.SessionDefaults())
				tr.Apply(next.TransportSettings())
			})
		})
	}
	g.Go(func() error {
		log.InfoContext(gctx, "bayeuxd.listen", slog.String("addr", cfg.Addr), slog.String("path", cfg.Path))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		err := httpSrv.Shutdown(shutdownCtx)
		if b != nil {
			err = errors.Join(err, b.Close())
		}
		log.Info("bayeuxd.shutdown", slog.Any("err", err))
		return err
	})

	return g.Wait()
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
