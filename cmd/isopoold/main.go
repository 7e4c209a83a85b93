package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/isopool/isopool/internal/config"
	"github.com/isopool/isopool/internal/deployment"
	"github.com/isopool/isopool/internal/events"
	"github.com/isopool/isopool/internal/isolate"
	"github.com/isopool/isopool/internal/logx"
	"github.com/isopool/isopool/internal/metrics"
	"github.com/isopool/isopool/internal/server"
)

var (
	version   = "dev"
	buildSHA  = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	var cfg config.Config
	// Resolve config with precedence: defaults < file < env < args
	cfg.SetDefaults()
	cfg.ApplyEnv() // allows CONFIG_FILE from env
	// Allow --config to override the file path before loading it
	for i := 1; i < len(os.Args); i++ {
		a := os.Args[i]
		if a == "--config" && i+1 < len(os.Args) {
			cfg.ConfigFile = os.Args[i+1]
			break
		}
		if strings.HasPrefix(a, "--config=") {
			cfg.ConfigFile = strings.TrimPrefix(a, "--config=")
			break
		}
	}
	if cfg.ConfigFile != "" {
		if err := cfg.LoadFile(cfg.ConfigFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			logx.Log.Fatal().Err(err).Str("path", cfg.ConfigFile).Msg("load config")
		}
	}
	cfg.ApplyEnv()
	cfg.BindFlagsFromCurrent()
	flag.Parse()

	if *showVersion {
		fmt.Printf("isopoold %s (%s, %s)\n", version, buildSHA, buildDate)
		return
	}

	logx.Configure(cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		logx.Log.Fatal().Err(err).Msg("invalid configuration")
	}

	var factory isolate.Factory
	if cfg.WorkerCommand != "" {
		factory = isolate.ProcessFactory(cfg.WorkerCommand)
	} else {
		factory = isolate.WSFactory
	}
	sup := isolate.NewSupervisor(factory)
	bus := events.NewBus()

	store := deployment.NewMemoryStore()
	if cfg.RedisAddr != "" {
		var err error
		store, err = deployment.NewRedisStore(cfg.RedisAddr)
		if err != nil {
			logx.Log.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("connect redis")
		}
	}

	dep, err := deployment.New(cfg, sup, bus, store)
	if err != nil {
		logx.Log.Fatal().Err(err).Msg("build deployment")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := dep.Deploy(ctx); err != nil {
		logx.Log.Fatal().Err(err).Msg("deploy initial pool")
	}

	preg := prometheus.NewRegistry()
	metrics.Register(preg)
	metrics.SetBuildInfo(version, buildSHA, buildDate)

	// Serve metrics on a separate listener when it differs from the API port.
	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" && cfg.MetricsAddr != fmt.Sprintf(":%d", cfg.Port) {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(preg, promhttp.HandlerOpts{}))
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			logx.Log.Info().Str("addr", cfg.MetricsAddr).Msg("metrics server starting")
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logx.Log.Error().Err(err).Msg("metrics server")
			}
		}()
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           server.New(cfg, dep, preg),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logx.Log.Info().Int("port", cfg.Port).Str("strategy", cfg.Strategy).Msg("coordinator listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logx.Log.Error().Err(err).Msg("http server")
			stop()
		}
	}()

	<-ctx.Done()
	logx.Log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logx.Log.Warn().Err(err).Msg("http shutdown")
	}
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			logx.Log.Warn().Err(err).Msg("metrics shutdown")
		}
	}
	if err := dep.Shutdown(shutdownCtx); err != nil {
		logx.Log.Warn().Err(err).Msg("deployment shutdown")
	}
	bus.Close()
}
