// Signpost Core - fleet server for directional signs.
//
// Signs report telemetry over HTTP or MQTT and poll for their assigned
// direction. Operators set directions through the REST API, and observers
// follow the fleet live over Server-Sent Events or WebSocket.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nerrad567/signpost-core/internal/api"
	"github.com/nerrad567/signpost-core/internal/audit"
	"github.com/nerrad567/signpost-core/internal/bridges/signmqtt"
	"github.com/nerrad567/signpost-core/internal/broadcast"
	"github.com/nerrad567/signpost-core/internal/infrastructure/config"
	"github.com/nerrad567/signpost-core/internal/infrastructure/database"
	"github.com/nerrad567/signpost-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/signpost-core/internal/infrastructure/logging"
	"github.com/nerrad567/signpost-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/signpost-core/internal/sign"
	"github.com/nerrad567/signpost-core/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the application logic, separated from main for testability.
// Deferred cleanups run in reverse start order on return.
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting Signpost Core",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	db, err := database.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	if migrateErr := db.Migrate(ctx, migrations.FS); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	// Fleet state: registry, hub and audit trail.
	threshold := cfg.StalenessThreshold()
	hub := broadcast.NewHub(broadcast.Options{
		SendBuffer:        cfg.Stream.SendBuffer,
		HeartbeatInterval: cfg.HeartbeatInterval(),
	}, log)

	registry := sign.NewRegistry(sign.NewSQLiteRepository(db.DB), threshold)
	registry.SetLogger(log)
	registry.SetPublisher(hub)
	if loadErr := registry.Load(ctx); loadErr != nil {
		return fmt.Errorf("loading sign registry: %w", loadErr)
	}

	seeded, err := sign.SeedIfEmpty(ctx, registry, seedsFromConfig(cfg.Fleet.Seed))
	if err != nil {
		return fmt.Errorf("seeding fleet: %w", err)
	}
	log.Info("sign registry initialised", "signs", registry.Count(), "seeded", seeded)

	auditRepo := audit.NewSQLiteRepository(db.DB)
	dispatcher := sign.NewDispatcher(registry, audit.NewRecorder(auditRepo))
	dispatcher.SetLogger(log)

	// Telemetry history (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		registry.SetTelemetrySink(influxClient)
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
	} else {
		log.Info("InfluxDB disabled")
	}

	// The hub must run before the bridge and API subscribe so heartbeats
	// flow. It stops only in its deferred cleanup, after the server and
	// bridge have let go of their subscriptions.
	hubCtx, stopHub := context.WithCancel(context.WithoutCancel(ctx))
	hubDone := make(chan struct{})
	go func() {
		defer close(hubDone)
		hub.Run(hubCtx)
	}()
	defer func() {
		stopHub()
		<-hubDone
	}()

	// MQTT transport (optional)
	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		var bridge *signmqtt.Bridge
		mqttClient, bridge, err = startMQTT(cfg, registry, hub, log)
		if err != nil {
			return err
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		defer func() {
			log.Info("stopping MQTT bridge")
			bridge.Stop()
		}()
	} else {
		log.Info("MQTT disabled")
	}

	monitor := sign.NewMonitor(registry, sign.MonitorConfig{
		Threshold: threshold,
		Interval:  cfg.SweepInterval(),
	})
	monitor.SetLogger(log)
	monitor.Start(ctx)
	defer func() {
		log.Info("stopping staleness monitor")
		monitor.Stop()
	}()

	deps := api.Deps{
		Config:     cfg.API,
		Stream:     cfg.Stream,
		Logger:     log,
		Registry:   registry,
		Dispatcher: dispatcher,
		Hub:        hub,
		Audit:      auditRepo,
		DB:         db,
		Version:    version,
	}
	// Leave the interfaces nil rather than holding a nil pointer.
	if mqttClient != nil {
		deps.MQTT = mqttClient
	}
	if influxClient != nil {
		deps.InfluxDB = influxClient
		deps.Telemetry = influxClient
	}

	server, err := api.New(deps)
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if startErr := server.Start(ctx); startErr != nil {
		return fmt.Errorf("starting API server: %w", startErr)
	}
	defer func() {
		log.Info("stopping API server")
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error stopping API server", "error", closeErr)
		}
	}()

	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")
	<-ctx.Done()
	log.Info("shutdown signal received, cleaning up")

	return nil
}

// getConfigPath returns the configuration file path.
// Uses SIGNPOST_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("SIGNPOST_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

func seedsFromConfig(in []config.SeedSign) []sign.Seed {
	seeds := make([]sign.Seed, 0, len(in))
	for _, s := range in {
		seeds = append(seeds, sign.Seed{ID: s.ID, Name: s.Name, Heading: s.Heading})
	}
	return seeds
}

// startMQTT connects to the broker and starts the sign bridge.
// The caller must stop the bridge before closing the client.
func startMQTT(cfg *config.Config, registry *sign.Registry, hub *broadcast.Hub, log *logging.Logger) (*mqtt.Client, *signmqtt.Bridge, error) {
	client, err := mqtt.Connect(cfg.MQTT)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to MQTT: %w", err)
	}
	client.SetLogger(log)
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	bridge, err := signmqtt.New(signmqtt.Options{
		Client:   client,
		Registry: registry,
		Hub:      hub,
		Logger:   log.With("component", "mqtt-bridge"),
		QoS:      byte(cfg.MQTT.QoS), //nolint:gosec // QoS validated to 0-2 by config
	})
	if err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("creating MQTT bridge: %w", err)
	}
	if err := bridge.Start(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("starting MQTT bridge: %w", err)
	}

	// Retained state may have been lost with the broker; republish it.
	client.SetOnConnect(func() {
		log.Info("MQTT reconnected")
		bridge.Resync()
	})
	client.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})

	return client, bridge, nil
}

// healthCheck verifies infrastructure connections. The optional clients
// may be nil when disabled.
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if mqttClient != nil {
		if err := mqttClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
	}

	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}

	return nil
}
