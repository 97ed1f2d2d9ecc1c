// devlink - onboarding and live-channel gateway for ESPWiFi devices
//
// devlink pairs devices over a BLE gateway, redeems cloud claim codes,
// keeps the resulting device records, and multiplexes each device's
// WebSocket channels to dashboards through a REST and WebSocket API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/nerrad567/devlink-core/migrations"

	"github.com/nerrad567/devlink-core/internal/api"
	"github.com/nerrad567/devlink-core/internal/audit"
	"github.com/nerrad567/devlink-core/internal/channel"
	"github.com/nerrad567/devlink-core/internal/claim"
	"github.com/nerrad567/devlink-core/internal/device"
	"github.com/nerrad567/devlink-core/internal/discovery"
	"github.com/nerrad567/devlink-core/internal/infrastructure/config"
	"github.com/nerrad567/devlink-core/internal/infrastructure/database"
	"github.com/nerrad567/devlink-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/devlink-core/internal/infrastructure/logging"
	"github.com/nerrad567/devlink-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/devlink-core/internal/pairing"
	"github.com/nerrad567/devlink-core/internal/pairing/mqttlink"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

const (
	// Default configuration file path
	defaultConfigPath = "configs/devlink.yaml"

	// announceService is the mDNS service devlink advertises itself under.
	announceService = "_devlink._tcp"
)

func main() {
	issueToken := flag.String("issue-token", "", "print a bearer token for `subject` and exit")
	tokenTTL := flag.Duration("token-ttl", 30*24*time.Hour, "lifetime of a token printed by -issue-token")
	flag.Parse()

	if *issueToken != "" {
		if err := printToken(*issueToken, *tokenTTL); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	// Cancel on Ctrl+C and SIGTERM for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// printToken signs a token with the configured secret so operators can
// hand dashboards a credential.
func printToken(subject string, ttl time.Duration) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	token, err := api.IssueToken(cfg.Security.JWT.Secret, subject, ttl)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

// run is the actual application logic, separated from main for testability.
// It returns nil on clean shutdown.
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting devlink",
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

	// Open database
	db, err := database.Open(ctx, database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
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

	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	// Device records
	devices := device.NewStore(device.NewSQLiteRepository(db.DB))
	devices.SetLogger(log.With("component", "device"))
	if refreshErr := devices.Refresh(ctx); refreshErr != nil {
		return fmt.Errorf("loading device records: %w", refreshErr)
	}
	log.Info("device store initialised", "devices", len(devices.List()))

	// MQTT (optional)
	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(cfg.MQTT)
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		mqttClient.SetLogger(log.With("component", "mqtt"))
		mqttClient.SetOnConnect(func() {
			log.Info("MQTT reconnected")
		})
		mqttClient.SetOnDisconnect(func(err error) {
			log.Warn("MQTT disconnected", "error", err)
		})
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)
	} else {
		log.Info("MQTT disabled")
	}

	// InfluxDB (optional)
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
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
	} else {
		log.Info("InfluxDB disabled")
	}

	tel := newTelemetry(mqttClient, influxClient, log.With("component", "telemetry"))

	// Channel registry, seeded from stored modules
	modules := channel.NewSQLiteModuleRepository(db.DB)
	frames := channel.NewHandleAllocator()
	registry := channel.NewRegistry(channel.Options{
		Origin:           cfg.Dashboard.Origin,
		DebounceWindow:   cfg.Channels.DebounceWindow,
		ReconnectDelay:   cfg.Channels.ReconnectDelay,
		HandshakeTimeout: cfg.Channels.HandshakeTimeout,
	}, modules, frames)
	registry.SetLogger(log.With("component", "channel"))
	defer func() {
		log.Info("closing channels")
		registry.CloseAll()
	}()
	registry.AddObserver(tel)

	stored, err := modules.List(ctx)
	if err != nil {
		return fmt.Errorf("loading channel modules: %w", err)
	}
	registry.Seed(stored)
	log.Info("channel registry initialised", "modules", len(stored))

	// Claim broker
	claims := claim.NewBroker(time.Duration(cfg.Cloud.RequestTimeout) * time.Second)
	claims.SetLogger(log.With("component", "claim"))
	claims.SetOnOutcome(tel.ClaimOutcome)

	// Pairing controller
	transport, closeTransport, err := pairingTransport(cfg, mqttClient, log)
	if err != nil {
		return fmt.Errorf("starting pairing transport: %w", err)
	}
	defer closeTransport()
	pairer := pairing.NewController(transport, pairing.Config{
		RelayBaseURL:    cfg.Cloud.BaseURL,
		PollInterval:    cfg.Pairing.PollInterval,
		WifiDeadline:    cfg.Pairing.WifiDeadline,
		SettleDelay:     cfg.Pairing.SettleDelay,
		ResponseTimeout: cfg.Pairing.ResponseTimeout,
	})
	pairer.SetLogger(log.With("component", "pairing"))
	defer pairer.Close()

	// Local discovery
	resolver := discovery.NewResolver(cfg.Discovery)
	resolver.SetLogger(log.With("component", "discovery"))

	// API server
	deps := api.Deps{
		Config:   cfg.API,
		WS:       cfg.WebSocket,
		Security: cfg.Security,
		Cloud:    cfg.Cloud,
		Logger:   log,
		Devices:  devices,
		Channels: registry,
		Modules:  modules,
		Frames:   frames,
		Pairing:  pairer,
		Claims:   claims,
		Resolver: resolver,
		DB:       db.DB,
		Activity: audit.NewSQLiteRepository(db.DB),
		Version:  version,
	}
	if mqttClient != nil {
		deps.MQTT = mqttClient
	}
	apiServer, err := api.New(deps)
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	hub := apiServer.Hub()
	registry.AddObserver(hub)
	pairer.SetOnStatus(func(snap pairing.Snapshot) {
		hub.PairingStatus(snap)
		tel.PairingStatus(snap)
	})
	pairer.SetOnComplete(tel.DevicePaired)

	if startErr := apiServer.Start(ctx); startErr != nil {
		return fmt.Errorf("starting API server: %w", startErr)
	}
	defer func() {
		if closeErr := apiServer.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()
	log.Info("API server started",
		"address", fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port),
		"auth", cfg.Security.JWT.Secret != "",
	)

	if cfg.Discovery.Enabled {
		withdraw, announceErr := discovery.Announce("devlink", announceService, cfg.Discovery.Domain, cfg.API.Port, version)
		if announceErr != nil {
			log.Warn("mDNS announcement failed", "error", announceErr)
		} else {
			defer withdraw()
			log.Info("mDNS announcement published", "service", announceService)
		}
	}

	// Live log level changes
	go func() {
		watchErr := config.Watch(ctx, configPath, func(next *config.Config) {
			log.SetLevel(next.Logging.Level)
			log.Info("configuration reloaded", "level", next.Logging.Level)
		}, func(err error) {
			log.Warn("configuration reload rejected", "error", err)
		})
		if watchErr != nil {
			log.Warn("config watcher stopped", "error", watchErr)
		}
	}()

	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")
	<-ctx.Done()
	log.Info("shutdown signal received, cleaning up")

	// Deferred closes run in reverse: mDNS, API, pairing, channels,
	// InfluxDB, MQTT, database.
	log.Info("devlink stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses DEVLINK_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("DEVLINK_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// pairingTransport builds the configured short-range transport. A nil
// transport makes every pairing attempt fail as unsupported.
func pairingTransport(cfg *config.Config, mqttClient *mqtt.Client, log *logging.Logger) (pairing.Transport, func(), error) {
	noop := func() {}
	if cfg.Pairing.Transport != "mqtt" {
		log.Info("pairing transport disabled")
		return nil, noop, nil
	}
	if mqttClient == nil {
		return nil, noop, errors.New("mqtt transport requires an MQTT connection")
	}

	t, err := mqttlink.New(mqttClient, cfg.Pairing.GatewayID, byte(cfg.MQTT.QoS))
	if err != nil {
		return nil, noop, err
	}
	t.SetLogger(log.With("component", "mqttlink"))
	log.Info("pairing via BLE gateway", "gateway", cfg.Pairing.GatewayID)
	return t, func() {
		if err := t.Close(); err != nil {
			log.Warn("error closing pairing transport", "error", err)
		}
	}, nil
}

// healthCheck verifies all infrastructure connections are healthy.
// mqttClient and influxClient may be nil when disabled.
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
