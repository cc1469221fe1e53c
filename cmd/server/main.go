package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/trafficlab/clickgate/internal/analytics"
	"github.com/trafficlab/clickgate/internal/classifier"
	"github.com/trafficlab/clickgate/internal/config"
	"github.com/trafficlab/clickgate/internal/db"
	"github.com/trafficlab/clickgate/internal/fanout"
	"github.com/trafficlab/clickgate/internal/gateway"
	"github.com/trafficlab/clickgate/internal/geoip"
	"github.com/trafficlab/clickgate/internal/observability"
	"github.com/trafficlab/clickgate/internal/outbound"
	"github.com/trafficlab/clickgate/internal/selector"
)

func main() {
	cfg := config.Load()

	logger, err := observability.InitLogger(cfg.ServiceName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if err := logger.Sync(); err != nil {
			fmt.Fprintf(os.Stderr, "failed to sync logger: %v\n", err)
		}
	}()

	if err := run(logger, cfg); err != nil {
		logger.Error("server error", zap.Error(err))
		os.Exit(1)
	}
}

func run(logger *zap.Logger, cfg config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.TracingEnabled {
		shutdown, err := observability.InitTracing(ctx, logger, cfg.ServiceName, cfg.TracingEndpoint, cfg.TracingSampleRate)
		if err != nil {
			return fmt.Errorf("init tracing: %w", err)
		}
		defer shutdown()
	}

	pg, err := db.InitPostgres(cfg.PostgresDSN, cfg.DBMaxOpenConns, cfg.DBMaxIdleConns, cfg.DBConnMaxLifetime, cfg.DBConnMaxIdleTime)
	if err != nil {
		return fmt.Errorf("failed to connect postgres: %w", err)
	}
	defer pg.Close()

	redis, err := db.InitRedis(cfg.RedisAddr)
	if err != nil {
		return fmt.Errorf("failed to connect redis: %w", err)
	}
	defer redis.Close()

	metricsRegistry := observability.NewPrometheusRegistry()

	var analyticsSvc analytics.Service
	if cfg.ClickHouseDSN != "" {
		ch, err := analytics.InitClickHouse(cfg.ClickHouseDSN)
		if err != nil {
			return fmt.Errorf("failed to connect clickhouse: %w", err)
		}
		defer ch.Close()
		analyticsSvc = ch
	} else {
		logger.Warn("clickhouse not configured, click logging disabled")
	}

	var geoSvc *geoip.GeoIP
	if cfg.GeoIPDB != "" {
		geoSvc, err = geoip.Init(cfg.GeoIPDB)
		if err != nil {
			return fmt.Errorf("failed to load geoip db: %w", err)
		}
		defer func() { _ = geoSvc.Close() }()
	} else {
		logger.Warn("geoip db not configured, geo fallback disabled")
	}

	cls := classifier.NewClient(
		cfg.ClassifierURL,
		cfg.ClassifierToken,
		cfg.ClassifierCampaignID,
		cfg.ClassifierCampaignToken,
		cfg.ClassifierTimeout,
		logger.Named("classifier"),
		metricsRegistry,
	)
	sel := selector.New(pg.Reader(), cls, logger.Named("selector"), metricsRegistry)

	events := outbound.NewEventServiceClient(cfg.EventServiceURL, cfg.ServiceTag, cfg.ServiceName, cfg.FanoutTimeout, logger.Named("events"))
	attribution := outbound.NewAttributionClient(cfg.AttributionServiceURL, cfg.ServiceTag, cfg.ServiceName, cfg.FanoutTimeout, logger.Named("attribution"))
	stats := outbound.NewStatsClient(cfg.StatsServiceURL, cfg.FanoutTimeout, logger.Named("stats"))

	exec := fanout.New(cfg.FanoutWorkers, cfg.FanoutQueueSize, cfg.FanoutTimeout, logger.Named("fanout"), metricsRegistry)
	exec.Start()

	srv := gateway.NewServer(logger, pg, redis, analyticsSvc, geoSvc, cls, sel, events, attribution, stats, exec, metricsRegistry, cfg)

	httpSrv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      srv.Router(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	logger.Info("Click gateway running", zap.String("addr", httpSrv.Addr))

	errCh := make(chan error, 1)
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("listen: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	if err := exec.Shutdown(shutdownCtx); err != nil {
		logger.Warn("fanout shutdown", zap.Error(err))
	}

	return nil
}
