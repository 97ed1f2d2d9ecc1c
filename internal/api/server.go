package api

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nerrad567/devlink-core/internal/audit"
	"github.com/nerrad567/devlink-core/internal/channel"
	"github.com/nerrad567/devlink-core/internal/claim"
	"github.com/nerrad567/devlink-core/internal/device"
	"github.com/nerrad567/devlink-core/internal/infrastructure/config"
	"github.com/nerrad567/devlink-core/internal/infrastructure/logging"
	"github.com/nerrad567/devlink-core/internal/pairing"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// defaultDeviceTimeout bounds calls proxied to a device's local API.
const defaultDeviceTimeout = 10 * time.Second

// LocalResolver finds a paired device on the LAN by hostname.
// Implemented by discovery.Resolver.
type LocalResolver interface {
	Lookup(ctx context.Context, hostname string) (string, error)
}

// ConnectionStatus reports broker connectivity for the metrics endpoint.
type ConnectionStatus interface {
	IsConnected() bool
}

// FrameReader looks up the bytes behind a live frame handle.
// Implemented by channel.HandleAllocator.
type FrameReader interface {
	Lookup(id string) ([]byte, bool)
	Live() int
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config    config.APIConfig
	WS        config.WebSocketConfig
	Security  config.SecurityConfig
	Cloud     config.CloudConfig
	Logger    *logging.Logger
	Devices   *device.Store
	Channels  *channel.Registry
	Modules   channel.ModuleRepository // optional: channels are not persisted without it
	Frames    FrameReader              // optional: frame downloads return 404 without it
	Pairing   *pairing.Controller      // optional: pairing endpoints return 501 without it
	Claims    *claim.Broker            // optional: claim endpoint returns 501 without it
	Resolver  LocalResolver            // optional: local lookup returns 501 without it
	MQTT      ConnectionStatus         // optional
	DB        *sql.DB                  // optional: database pool stats in /metrics
	Activity  audit.Repository         // optional: activity is not recorded without it
	Hub       *Hub                     // if set, used instead of creating one
	Version   string
	DeviceAPI time.Duration // timeout for device-local API calls
}

// Server is the HTTP API server for devlink.
//
// It manages the HTTP listener, routes, middleware, and the dashboard
// WebSocket hub. The server is created with New() and started with Start().
type Server struct {
	cfg           config.APIConfig
	wsCfg         config.WebSocketConfig
	secCfg        config.SecurityConfig
	cloudCfg      config.CloudConfig
	logger        *logging.Logger
	devices       *device.Store
	channels      *channel.Registry
	modules       channel.ModuleRepository
	frames        FrameReader
	pairing       *pairing.Controller
	claims        *claim.Broker
	resolver      LocalResolver
	mqtt          ConnectionStatus
	db            *sql.DB
	deviceTimeout time.Duration
	version       string
	startTime     time.Time
	server        *http.Server
	hub           *Hub
	tickets       *ticketStore
	activity      audit.Repository
	activityCh    chan *audit.Entry
	cancel        context.CancelFunc // cancels background goroutines on Close()
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Devices == nil {
		return nil, fmt.Errorf("device store is required")
	}
	if deps.Channels == nil {
		return nil, fmt.Errorf("channel registry is required")
	}

	timeout := deps.DeviceAPI
	if timeout <= 0 {
		timeout = defaultDeviceTimeout
	}

	s := &Server{
		cfg:           deps.Config,
		wsCfg:         deps.WS,
		secCfg:        deps.Security,
		cloudCfg:      deps.Cloud,
		logger:        deps.Logger,
		devices:       deps.Devices,
		channels:      deps.Channels,
		modules:       deps.Modules,
		frames:        deps.Frames,
		pairing:       deps.Pairing,
		claims:        deps.Claims,
		resolver:      deps.Resolver,
		mqtt:          deps.MQTT,
		db:            deps.DB,
		deviceTimeout: timeout,
		version:       deps.Version,
		startTime:     time.Now(),
		hub:           deps.Hub,
		tickets:       newTicketStore(),
		activity:      deps.Activity,
	}
	if s.activity != nil {
		s.activityCh = make(chan *audit.Entry, activityChanSize)
	}
	if s.hub == nil {
		s.hub = NewHub(s.wsCfg, s.logger)
	}
	return s, nil
}

// Hub returns the dashboard hub so other components can publish to it.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start begins listening for HTTP connections.
//
// It sets up the router, starts the hub, and launches the HTTP listener
// in a background goroutine. The server can be stopped with Close().
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	go s.hub.Run(srvCtx)
	go s.cleanTicketsLoop(srvCtx)
	if s.activity != nil {
		go s.drainActivity(srvCtx)
	}

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			s.logger.Info("API server starting with TLS",
				"address", s.server.Addr,
				"cert", s.cfg.TLS.CertFile,
			)
			err = s.server.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			s.logger.Info("API server starting", "address", s.server.Addr)
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running and responsive.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}
	return nil
}
