package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"callmesh/internal/core/domain"
	"callmesh/internal/core/services"
	httphandlers "callmesh/internal/handlers/http"
	"callmesh/internal/infrastructure/middleware"
	"callmesh/internal/infrastructure/monitoring"
	"callmesh/internal/infrastructure/probe"
	"callmesh/internal/infrastructure/transport"
	nativewebrtc "callmesh/internal/infrastructure/webrtc"
	"callmesh/pkg/backoff"
	"callmesh/pkg/config"
	"callmesh/pkg/logger"
	"callmesh/pkg/tracing"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	zl, err := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer zl.Sync()
	sugar := zl.Sugar()

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "callmesh",
		JaegerURL:   cfg.Tracing.JaegerURL,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		sugar.Fatalw("initializing tracing", "error", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		tp.Shutdown(ctx)
	}()

	engine, err := buildEngine(cfg, sugar)
	if err != nil {
		sugar.Fatalw("building engine", "error", err)
	}

	collector := monitoring.NewPrometheusCollector()
	wireMetrics(engine, collector)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	initCtx, initSpan := tracing.StartSpan(ctx, "engine.init")
	err = engine.Init(initCtx)
	initSpan.End()
	if err != nil {
		sugar.Fatalw("engine init failed", "error", err)
	}

	if cfg.HTTP.Enabled {
		go serveAPI(cfg, engine, sugar)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	sugar.Infow("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := engine.EndCall(shutdownCtx); err != nil {
		sugar.Warnw("end call during shutdown", "error", err)
	}
}

func buildEngine(cfg *config.Config, sugar *zap.SugaredLogger) (*services.Orchestrator, error) {
	servers := make([]domain.RelayServer, 0, len(cfg.Relay.Servers))
	for _, srv := range cfg.Relay.Servers {
		servers = append(servers, domain.RelayServer{
			URLs:       srv.URLs,
			Username:   srv.Username,
			Credential: srv.Credential,
			Region:     srv.Region,
			Priority:   srv.Priority,
		})
	}

	selector := services.NewRelaySelector(servers, probe.NewTCPProber(sugar), services.RelaySelectorConfig{
		ProbeTTL:          cfg.Relay.ProbeTTL,
		ProbeTimeout:      cfg.Relay.ProbeTimeout,
		ProbeBatchSize:    cfg.Relay.ProbeBatchSize,
		GoodEnoughLatency: cfg.Relay.GoodEnoughLatency,
	}, sugar)

	relayTransport, err := transport.New(cfg, sugar)
	if err != nil {
		return nil, err
	}

	signals := services.NewSignalChannel(relayTransport, services.SignalChannelConfig{
		RoomID:            domain.RoomID(cfg.Room.ID),
		LocalID:           domain.PeerID(cfg.Room.UserID),
		HeartbeatInterval: cfg.Signal.HeartbeatInterval,
		ConnectPolicy: backoff.Policy{
			Strategy:     backoff.Linear,
			MaxAttempts:  cfg.Signal.ConnectAttempts,
			InitialDelay: cfg.Signal.ConnectDelay,
			MaxDelay:     10 * cfg.Signal.ConnectDelay,
		},
		MessagesPerMinute: cfg.Signal.MessagesPerMinute,
		RetryQueueSize:    cfg.Signal.RetryQueueSize,
	}, sugar)

	native, err := nativewebrtc.NewFactory(sugar)
	if err != nil {
		return nil, err
	}

	preset, err := domain.PresetByName(cfg.Media.QualityPreset)
	if err != nil {
		return nil, err
	}

	bitrate := services.NewBitrateController(services.BitratePolicy{
		Cadence:       cfg.Bitrate.Cadence,
		LossThreshold: cfg.Bitrate.LossThreshold,
		RTTThreshold:  cfg.Bitrate.RTTThreshold,
		Hysteresis:    cfg.Bitrate.Hysteresis,
	}, preset)

	return services.NewOrchestrator(
		services.OrchestratorConfig{
			RoomID:            domain.RoomID(cfg.Room.ID),
			LocalID:           domain.PeerID(cfg.Room.UserID),
			MaxPeers:          cfg.Room.MaxPeers,
			TelemetryInterval: cfg.Telemetry.Interval,
			ReconnectPolicy: backoff.Policy{
				Strategy:     backoff.Exponential,
				MaxAttempts:  cfg.Reconnect.MaxAttempts,
				InitialDelay: cfg.Reconnect.BaseDelay,
				MaxDelay:     cfg.Reconnect.MaxDelay,
				JitterFrac:   0.3,
			},
			DisconnectedGrace: cfg.Reconnect.DisconnectedGrace,
			Preset:            preset,
			Features: domain.MediaFeatures{
				ScalableCoding: cfg.Media.ScalableCoding,
				Simulcast:      cfg.Media.Simulcast,
				DTX:            cfg.Media.DTX,
			},
			MaxBandwidth: cfg.Media.MaxBandwidth,
		},
		selector,
		signals,
		native,
		nativewebrtc.NewTrackSource(sugar),
		services.NewSamplerFactory(sugar),
		bitrate,
		nativewebrtc.NewOutputGain(),
		sugar,
	), nil
}

func wireMetrics(engine *services.Orchestrator, collector *monitoring.PrometheusCollector) {
	engine.On(domain.EventPeerJoined, func(interface{}) {
		collector.RecordPeerJoined()
	})
	engine.On(domain.EventPeerLeft, func(payload interface{}) {
		if ev, ok := payload.(domain.PeerEvent); ok {
			collector.RecordPeerLeft(ev.UserID)
		}
	})
	engine.On(domain.EventReconnectAttempt, func(interface{}) {
		collector.RecordReconnectAttempt()
	})
	engine.On(domain.EventReconnectFailed, func(interface{}) {
		collector.RecordReconnectFailure()
	})
	engine.On(domain.EventBandwidthWarning, func(interface{}) {
		collector.RecordBandwidthWarning()
	})
	engine.On(domain.EventError, func(interface{}) {
		collector.RecordError()
	})
	engine.On(domain.EventStatsUpdate, func(payload interface{}) {
		if ev, ok := payload.(domain.StatsEvent); ok {
			collector.RecordStats(ev.UserID, ev.Report)
		}
	})
}

func serveAPI(cfg *config.Config, engine *services.Orchestrator, sugar *zap.SugaredLogger) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	router.Use(middleware.RecoveryMiddleware(sugar))
	router.Use(middleware.ErrorHandlerMiddleware(sugar))
	router.Use(middleware.RateLimitMiddleware(50, 100))
	if cfg.Tracing.Enabled {
		router.Use(middleware.TracingMiddleware())
	}

	httphandlers.NewEngineHandler(engine).SetupRoutes(router)

	sugar.Infow("introspection api listening", "address", cfg.HTTP.Address)
	if err := router.Run(cfg.HTTP.Address); err != nil {
		sugar.Errorw("introspection api stopped", "error", err)
	}
}
