package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/nerrad567/signpost-core/internal/audit"
	"github.com/nerrad567/signpost-core/internal/broadcast"
	"github.com/nerrad567/signpost-core/internal/infrastructure/config"
	"github.com/nerrad567/signpost-core/internal/infrastructure/database"
	"github.com/nerrad567/signpost-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/signpost-core/internal/infrastructure/logging"
	"github.com/nerrad567/signpost-core/internal/sign"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// ConnectionStatus reports whether an optional backend is connected.
// Satisfied by the MQTT and InfluxDB clients.
type ConnectionStatus interface {
	IsConnected() bool
}

// TelemetryQuerier reads stored telemetry history.
// Satisfied by the InfluxDB client.
type TelemetryQuerier interface {
	QueryTelemetry(ctx context.Context, signID string, window time.Duration, limit int) ([]influxdb.TelemetrySample, error)
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config     config.APIConfig
	Stream     config.StreamConfig
	Logger     *logging.Logger
	Registry   *sign.Registry
	Dispatcher *sign.Dispatcher
	Hub        *broadcast.Hub
	Audit      audit.Repository // optional: enables /signs/{id}/commands
	DB         *database.DB     // optional: pool stats in /metrics
	MQTT       ConnectionStatus // optional
	InfluxDB   ConnectionStatus // optional
	Telemetry  TelemetryQuerier // optional: enables /signs/{id}/telemetry
	Version    string
}

// Server is the HTTP API server.
//
// It is created with New() and started with Start(). The broadcast hub is
// owned by the caller, which runs it; the server only subscribes.
type Server struct {
	cfg        config.APIConfig
	streamCfg  config.StreamConfig
	logger     *logging.Logger
	registry   *sign.Registry
	dispatcher *sign.Dispatcher
	hub        *broadcast.Hub
	audit      audit.Repository
	db         *database.DB
	mqtt       ConnectionStatus
	influx     ConnectionStatus
	telemetry  TelemetryQuerier
	version    string
	startTime  time.Time

	server *http.Server
	addr   net.Addr
	cancel context.CancelFunc
}

// New creates a new API server with the given dependencies.
//
// Returns:
//   - *Server: Configured server ready to start
//   - error: If required dependencies are missing
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Registry == nil {
		return nil, fmt.Errorf("sign registry is required")
	}
	if deps.Hub == nil {
		return nil, fmt.Errorf("broadcast hub is required")
	}
	if deps.Dispatcher == nil {
		deps.Dispatcher = sign.NewDispatcher(deps.Registry, nil)
	}

	return &Server{
		cfg:        deps.Config,
		streamCfg:  deps.Stream,
		logger:     deps.Logger.With("component", "api"),
		registry:   deps.Registry,
		dispatcher: deps.Dispatcher,
		hub:        deps.Hub,
		audit:      deps.Audit,
		db:         deps.DB,
		mqtt:       deps.MQTT,
		influx:     deps.InfluxDB,
		telemetry:  deps.Telemetry,
		version:    deps.Version,
		startTime:  time.Now(),
	}, nil
}

// Handler returns the routed HTTP handler without starting a listener.
func (s *Server) Handler() http.Handler {
	return s.buildRouter()
}

// Start binds the listener and serves in a background goroutine.
// The listener is bound before Start returns, so a port conflict is
// reported here rather than logged later.
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
		BaseContext:       func(net.Listener) context.Context { return srvCtx },
	}

	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		s.cancel()
		return fmt.Errorf("listening on %s: %w", s.server.Addr, err)
	}
	s.addr = ln.Addr()

	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			s.logger.Info("API server starting with TLS", "address", s.addr.String(), "cert", s.cfg.TLS.CertFile)
			err = s.server.ServeTLS(ln, s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			s.logger.Info("API server starting", "address", s.addr.String())
			err = s.server.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Addr returns the bound listener address, or nil before Start.
func (s *Server) Addr() net.Addr {
	return s.addr
}

// Close gracefully shuts down the API server.
//
// Open streams end when their base context is cancelled; ordinary
// requests get up to 10 seconds to finish.
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

// HealthCheck verifies the API server is running.
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
