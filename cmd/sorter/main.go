package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/AaronLay10/SorterEngine/internal/api"
	"github.com/AaronLay10/SorterEngine/internal/config"
	"github.com/AaronLay10/SorterEngine/internal/events"
	"github.com/AaronLay10/SorterEngine/internal/execution"
	"github.com/AaronLay10/SorterEngine/internal/failure"
	"github.com/AaronLay10/SorterEngine/internal/logging"
	"github.com/AaronLay10/SorterEngine/internal/mqtt"
	"github.com/AaronLay10/SorterEngine/internal/orchestrator"
	"github.com/AaronLay10/SorterEngine/internal/reroute"
	"github.com/AaronLay10/SorterEngine/internal/storage/postgres"
	"github.com/AaronLay10/SorterEngine/internal/storage/sqlite"
	"github.com/AaronLay10/SorterEngine/internal/topology"
	"github.com/AaronLay10/SorterEngine/internal/upstream"
	"github.com/AaronLay10/SorterEngine/internal/version"
	"github.com/AaronLay10/SorterEngine/internal/wheel"
)

const (
	healthCheckInterval = 5 * time.Second
	alertCheckInterval  = 10 * time.Second
)

type resultStore interface {
	orchestrator.ResultStore
	api.ResultHistory
	Close() error
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "sorter: %v\n", err)
		os.Exit(1)
	}
}

func run() (err error) {
	_ = godotenv.Load()

	linePath := pflag.String("line", "config/line.yaml", "line configuration file")
	topoPath := pflag.String("topology", "config/topology.yaml", "route table file")
	logLevel := pflag.String("log-level", config.EnvString("SORTER_LOG_LEVEL", "info"), "log level (debug, info, warn, error)")
	dev := pflag.Bool("dev", false, "human-readable development logging")
	pflag.Parse()

	logger, err := logging.New(*logLevel, *dev)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	cfg, err := config.LoadLineConfig(*linePath)
	if err != nil {
		return fmt.Errorf("load %s: %w", *linePath, err)
	}
	if err := cfg.ApplyEnv(); err != nil {
		return err
	}
	topo, err := topology.Load(*topoPath)
	if err != nil {
		return fmt.Errorf("load %s: %w", *topoPath, err)
	}
	mode, err := orchestrator.ParseMode(cfg.Sorting.Mode)
	if err != nil {
		return err
	}

	sessionID := uuid.NewString()
	events.SetSessionID(sessionID)
	logger = logger.With(zap.String("line_id", cfg.Line.ID))

	api.InitMetrics()
	api.SetLineID(cfg.Line.ID)
	api.InitTLS()
	if err := api.InitAuth(); err != nil {
		return err
	}
	if err := api.InitAlerts(); err != nil {
		return err
	}
	if !api.IsAuthEnabled() {
		logger.Warn("api authentication disabled: SORTER_ADMIN_USER/SORTER_ADMIN_PASS not set")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Postgres holds the event log. It is required only when it also stores results.
	var pg *postgres.Client
	pgRequired := cfg.ResultStore() == "postgres"
	if pgRequired || os.Getenv("PGHOST") != "" {
		pg, err = postgres.New(cfg.Line.ID)
		switch {
		case err != nil && pgRequired:
			return fmt.Errorf("postgres: %w", err)
		case err != nil:
			logger.Warn("postgres unavailable, events will not be persisted", zap.Error(err))
		default:
			events.SetStore(pg)
		}
	}
	api.SetPostgresState(pg != nil, !pgRequired)

	var store resultStore
	switch cfg.ResultStore() {
	case "postgres":
		store = pg
	case "sqlite":
		if store, err = sqlite.Open(cfg.Storage.SQLitePath); err != nil {
			return err
		}
	}
	defer func() {
		events.SetStore(nil)
		if store != nil {
			err = multierr.Append(err, store.Close())
		}
		if pg != nil && cfg.ResultStore() != "postgres" {
			err = multierr.Append(err, pg.Close())
		}
	}()

	events.Emit("info", "system.startup", "sorter starting", map[string]interface{}{
		"version":    version.Version,
		"line_id":    cfg.Line.ID,
		"session_id": sessionID,
		"mode":       string(mode),
	})
	if pg != nil {
		rec, scanned, err := orchestrator.ReconcileFromEvents(pg, orchestrator.DefaultRestoreLimit)
		if err != nil {
			logger.Warn("startup reconciliation failed", zap.Error(err))
		} else {
			orchestrator.EmitLostParcels(rec, scanned, cfg.Line.ID)
		}
	}

	// Broker, diverters and controllers.
	clientID := cfg.Network.ClientID
	if clientID == "" {
		clientID = "sorter-" + cfg.Line.ID
	}
	mqttPassword, err := config.ResolveSecret("MQTT_PASSWORD")
	if err != nil {
		return err
	}
	client := mqtt.NewClient(cfg.Network.MQTTURL, clientID, logger.Named("mqtt"),
		mqtt.WithCredentials(config.EnvString("MQTT_USERNAME", ""), mqttPassword))
	registry := mqtt.NewDiverterRegistry(topo.Diverters(), client)
	monitor := mqtt.NewMonitor(registry, cfg.HeartbeatTimeout())
	subscriber := mqtt.NewControllerSubscriber(client, registry, monitor)
	if err := subscriber.SubscribeAll(); err != nil {
		return err
	}
	sensors, err := mqtt.NewSensorListener(client, 0)
	if err != nil {
		return err
	}

	// Operators may switch to upstream mode at runtime, so the client always exists.
	upstreamClient, err := upstream.NewMQTTClient(client, upstream.Topics{
		Detected: cfg.Upstream.DetectedTopic,
		Assigned: cfg.Upstream.AssignedTopic,
	}, logger.Named("upstream"))
	if err != nil {
		return err
	}

	// Routing core.
	commands := wheel.NewExecutor(registry,
		wheel.WithDefaultTimeout(cfg.WheelTimeout()),
		wheel.WithMaxConcurrent(cfg.Wheel.MaxConcurrentPerDiverter),
		wheel.WithLogger(logger.Named("wheel")))
	var planner failure.Planner
	if cfg.RerouteEnabled() {
		planner = reroute.NewPlanner(topo,
			reroute.WithMaxPathAge(cfg.MaxPathAge()),
			reroute.WithLogger(logger.Named("reroute")))
	}
	failures := failure.NewHandler(topo, planner, logger.Named("failure"))
	engine := execution.NewEngine(
		execution.NewHardwareExecutor(commands, logger.Named("hardware")),
		failures,
		execution.WithRerouteExecution(cfg.Sorting.Reroute.Execute),
		execution.WithEngineLogger(logger.Named("execution")))

	controls := orchestrator.NewControls(mode, cfg.Sorting.FixedChute, cfg.Sorting.RoundRobinChutes)
	deps := orchestrator.Dependencies{
		Controls:   controls,
		Upstream:   upstreamClient,
		Generator:  topo,
		Exceptions: failures,
		Engine:     engine,
		Logger:     logger.Named("coordinator"),
	}
	apiOpts := api.Options{
		Controls:  controls,
		Diverters: registry,
		Logger:    logger.Named("api"),
	}
	if store != nil {
		deps.Store = store
		apiOpts.History = store
	}
	coord, err := orchestrator.NewCoordinator(orchestrator.Config{
		ExceptionChuteID: topo.ExceptionChute(),
		UpstreamTimeout:  cfg.UpstreamTimeout(),
		ResultTTL:        cfg.ResultTTL(),
	}, deps)
	if err != nil {
		return err
	}
	defer coord.Close()

	apiOpts.Sorter = coord
	server, err := api.NewServer(apiOpts)
	if err != nil {
		return err
	}

	if !client.StartWithRetry() {
		logger.Warn("starting without broker; diverters stay offline until controllers register")
	}
	api.SetMQTTState(client.IsConnected(), false)
	api.SetOrchestratorReady(true)
	api.StartAlertMonitor(ctx, alertCheckInterval)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.ListenAndServe(gctx, cfg.APIPort())
	})
	g.Go(func() error {
		return monitor.Run(gctx, healthCheckInterval)
	})
	g.Go(func() error {
		ticker := time.NewTicker(healthCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				api.SetMQTTState(client.IsConnected(), false)
			}
		}
	})
	g.Go(func() error {
		return sensors.Run(gctx, func(ctx context.Context, parcelID int64, sensorID string) {
			if _, err := coord.ProcessParcel(ctx, parcelID, sensorID); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("parcel processing interrupted", zap.Int64("parcel_id", parcelID), zap.Error(err))
			}
		})
	})

	logger.Info("sorter running",
		zap.String("version", version.Version),
		zap.String("mode", string(mode)),
		zap.Int("diverters", len(topo.Diverters())),
		zap.Int("chutes", len(topo.ChuteIDs())))

	err = g.Wait()
	api.SetOrchestratorReady(false)
	events.Emit("info", "system.shutdown", "sorter stopping", map[string]interface{}{
		"session_id": sessionID,
	})
	client.Disconnect()
	return err
}
