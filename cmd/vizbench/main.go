// Command vizbench benchmarks time-series visualization methods.
//
// vizbench drives a visualization session against a downsampling backend:
//  1. Loads the method catalog and dataset metadata from the backend
//  2. Fetches every selected method instance for the visible window
//  3. Records query, networking and rendering times in the query history
//  4. Scores each method against the reference rendering with SSIM
//  5. Exposes the session through an HTTP API, a websocket event stream and
//     an optional YAML scenario replay
//
// Usage:
//
//	vizbench \
//	  -backend=middleware \
//	  -schema=public -table=intel_lab \
//	  -quality \
//	  -scenario=pan-zoom.yaml -export=history.csv.zst
//
// Environment variables:
//
//	LISTEN           - HTTP listen address (default: :8090)
//	GRPC_LISTEN      - gRPC health listen address (default: disabled)
//	BACKEND          - middleware, prometheus or victoriametrics
//	BACKEND_*        - Backend settings, e.g. BACKEND_URL
//	DATASOURCE       - Datasource name (default: influx)
//	SCHEMA, TABLE    - Dataset loaded at startup
//	DEBOUNCE         - Input debounce delay (default: 300ms)
//	QUALITY          - Enable SSIM scoring at startup
//	STORAGE          - Baseline storage: memory or redis
//	REDIS_ADDR       - Redis address when STORAGE=redis
//	HISTORY_DB       - SQLite file mirroring the query history
//	SCENARIO         - YAML scenario to replay
//	EXPORT           - History CSV written after the scenario
//	LOG_LEVEL        - Logging level: debug, info, warn, error (default: info)
//	LOG_FORMAT       - Logging format: text, json (default: text)
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/HatiCode/vizbench/cmd/vizbench/config"
	"github.com/HatiCode/vizbench/cmd/vizbench/logger"
	"github.com/HatiCode/vizbench/cmd/vizbench/metrics"
	"github.com/HatiCode/vizbench/cmd/vizbench/router"
	"github.com/HatiCode/vizbench/cmd/vizbench/scenario"
	"github.com/HatiCode/vizbench/cmd/vizbench/store"
	"github.com/HatiCode/vizbench/pkg/backend"
	"github.com/HatiCode/vizbench/pkg/baseline"
	"github.com/HatiCode/vizbench/pkg/events"
	"github.com/HatiCode/vizbench/pkg/history"
	"github.com/HatiCode/vizbench/pkg/httpx"
	"github.com/HatiCode/vizbench/pkg/orchestrator"
	"github.com/HatiCode/vizbench/pkg/render"
	"github.com/HatiCode/vizbench/pkg/scoring"
	"github.com/HatiCode/vizbench/pkg/storage"
)

// version is set via ldflags at build time
var version = "dev"

func main() {
	cfg := config.ParseFlags()

	logger := logger.New(cfg)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("vizbench failed", "error", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	logger.Info("starting vizbench",
		"version", version,
		"backend", cfg.Backend,
		"datasource", cfg.Datasource,
		"storage", cfg.Storage,
	)

	httpClient, err := httpx.NewClient(cfg.BackendTLS, cfg.BackendTimeout)
	if err != nil {
		return fmt.Errorf("backend http client: %w", err)
	}
	client, err := backend.New(cfg.Backend, cfg.BackendConfig, httpClient)
	if err != nil {
		return fmt.Errorf("backend: %w", err)
	}

	snapshots, err := store.New(cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore(snapshots, logger)

	scaleMode, err := scoring.ParseScaleMode(cfg.ScaleMode)
	if err != nil {
		return err
	}

	baselines := baseline.NewManager(client, snapshots, logger)
	defer baselines.Close()

	session := orchestrator.NewSession(orchestrator.Config{
		Datasource:      cfg.Datasource,
		Schema:          cfg.Schema,
		Table:           cfg.Table,
		Canvas:          orchestrator.Canvas{Width: cfg.CanvasWidth, Height: cfg.CanvasHeight},
		Debounce:        cfg.Debounce,
		InitialRange:    cfg.InitialRange,
		ReferenceMethod: cfg.ReferenceMethod,
		ScaleMode:       scaleMode,
	}, client, baselines, logger)
	defer session.Close()

	charts := render.NewChartRenderer(session.Baseline, session.Registry().Label, logger)
	session.SetRenderer(charts)
	session.SetMetrics(metrics.New(nil, cfg.Datasource))

	var previous *history.Store
	if cfg.HistoryDB != "" {
		sink, loaded, err := openHistory(cfg.HistoryDB, logger)
		if err != nil {
			return err
		}
		defer func() {
			if err := sink.Close(); err != nil {
				logger.Error("failed to close history database", "error", err)
			}
		}()
		session.History().SetSink(sink)
		previous = loaded
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := events.NewHub(logger)
	go hub.Run(ctx)
	unsubscribe := session.Subscribe(func(e orchestrator.Event) {
		if err := hub.Publish(e); err != nil {
			logger.Warn("failed to publish event", "type", e.Type, "error", err)
		}
	})
	defer unsubscribe()

	initCtx, initCancel := context.WithTimeout(ctx, cfg.BackendTimeout)
	err = session.Init(initCtx)
	initCancel()
	if err != nil {
		return fmt.Errorf("initializing session: %w", err)
	}

	if cfg.Quality {
		if err := session.EnableQuality(ctx, true); err != nil {
			logger.Warn("quality scoring unavailable at startup", "error", err)
		}
	}

	if cfg.Scenario != "" {
		if err := replay(ctx, session, cfg, logger); err != nil {
			if !cfg.Serve {
				return err
			}
			logger.Error("scenario replay failed", "error", err)
		}
		if !cfg.Serve {
			return nil
		}
	}

	mux := router.SetupRoutes(router.Options{
		Session:  session,
		Charts:   charts,
		Events:   hub,
		Previous: previous,
		Logger:   logger,
	})
	httpServer := httpx.NewServer(cfg.Listen, mux, logger)
	if cfg.TLS.Enabled {
		tlsCfg, err := cfg.TLS.Server()
		if err != nil {
			return fmt.Errorf("server TLS: %w", err)
		}
		httpServer.SetTLSConfig(tlsCfg)
	}

	serverErr := make(chan error, 2)
	go func() {
		serverErr <- httpServer.Start()
	}()

	var grpcServer *grpc.Server
	var healthServer *health.Server
	if cfg.GRPCListen != "" {
		lis, err := net.Listen("tcp", cfg.GRPCListen)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", cfg.GRPCListen, err)
		}
		grpcServer = grpc.NewServer()
		healthServer = health.NewServer()
		grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
		healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
		reflection.Register(grpcServer)

		go func() {
			logger.Info("grpc health server listening", "address", cfg.GRPCListen)
			if err := grpcServer.Serve(lis); err != nil {
				serverErr <- fmt.Errorf("grpc server: %w", err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	var runErr error
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
	case err := <-serverErr:
		if err != nil {
			runErr = err
		}
	}

	logger.Info("shutting down")
	if healthServer != nil {
		healthServer.Shutdown()
	}
	cancel()

	if err := httpServer.Stop(10 * time.Second); err != nil {
		runErr = errors.Join(runErr, err)
	}
	if grpcServer != nil {
		grpcServer.GracefulStop()
	}
	return runErr
}

// openHistory opens the history database and reads the entries of earlier
// runs into a separate store. A database that cannot be read still records
// this run.
func openHistory(path string, logger *slog.Logger) (*history.SQLiteSink, *history.Store, error) {
	sink, err := history.OpenSQLite(path)
	if err != nil {
		return nil, nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	previous := history.NewStore(logger)
	entries, err := sink.Load(ctx)
	if err != nil {
		logger.Warn("failed to read history database", "path", path, "error", err)
		return sink, previous, nil
	}
	for _, e := range entries {
		previous.Append(e)
	}
	logger.Info("history database opened", "path", path, "previous_entries", previous.Len())
	return sink, previous, nil
}

func replay(ctx context.Context, session *orchestrator.Session, cfg *config.Config, logger *slog.Logger) error {
	sc, err := scenario.Load(cfg.Scenario)
	if err != nil {
		return err
	}
	report, replayErr := scenario.Replay(ctx, session, sc, logger)
	if report != nil {
		logger.Info("scenario finished",
			"scenario", cfg.Scenario,
			"steps", len(report.Steps),
			"history_entries", session.History().Len(),
		)
	}
	if cfg.ExportPath != "" {
		if err := export(session.History(), cfg.ExportPath); err != nil {
			return errors.Join(replayErr, err)
		}
		logger.Info("history exported", "path", cfg.ExportPath)
	}
	return replayErr
}

func export(h *history.Store, path string) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating export file: %w", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("closing export file: %w", cerr)
		}
	}()
	if strings.HasSuffix(path, ".zst") {
		return h.ExportCompressed(f)
	}
	return h.Export(f)
}

func closeStore(s storage.Store, logger *slog.Logger) {
	switch st := s.(type) {
	case *storage.MemoryStore:
		st.Stop()
	case io.Closer:
		if err := st.Close(); err != nil {
			logger.Error("failed to close store", "error", err)
		}
	}
}
