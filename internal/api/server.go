package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/hearthgrid/hearth-core/internal/audit"
	"github.com/hearthgrid/hearth-core/internal/credstore"
	"github.com/hearthgrid/hearth-core/internal/hub"
	"github.com/hearthgrid/hearth-core/internal/infrastructure/config"
	"github.com/hearthgrid/hearth-core/internal/infrastructure/database"
	"github.com/hearthgrid/hearth-core/internal/infrastructure/logging"
	"github.com/hearthgrid/hearth-core/internal/operator"
	"github.com/hearthgrid/hearth-core/internal/stepup"
	"github.com/hearthgrid/hearth-core/internal/trust"
	"github.com/hearthgrid/hearth-core/internal/vault"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight
// requests to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config      config.APIConfig
	Security    config.SecurityConfig
	Logger      *logging.Logger
	DB          *database.DB
	Vault       *vault.Vault
	Hubs        hub.Repository
	Handshake   *hub.Handshake
	Ledger      *hub.Ledger
	Users       operator.Repository
	Trust       trust.Registry
	Leases      *stepup.LeaseManager
	Challenges  *stepup.ChallengeFlow
	Credentials *credstore.Store
	Audit       audit.Repository
	Version     string
}

// Server is the HTTP API server for Hearth Core.
//
// It is created with New() and started with Start(); all methods are
// safe for concurrent use.
type Server struct {
	cfg     config.APIConfig
	secCfg  config.SecurityConfig
	logger  *logging.Logger
	db      *database.DB
	vault   *vault.Vault
	hubs    hub.Repository
	pairing *hub.Handshake
	ledger  *hub.Ledger
	users   operator.Repository
	trust   trust.Registry
	leases  *stepup.LeaseManager
	flow    *stepup.ChallengeFlow
	creds   *credstore.Store
	audit   audit.Repository
	version string

	server *http.Server
	watch  *challengeWatch
}

// New creates a new API server with the given dependencies.
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Handshake == nil || deps.Ledger == nil {
		return nil, fmt.Errorf("hub services are required")
	}
	if deps.Users == nil || deps.Trust == nil || deps.Challenges == nil || deps.Leases == nil {
		return nil, fmt.Errorf("account services are required")
	}

	s := &Server{
		cfg:     deps.Config,
		secCfg:  deps.Security,
		logger:  deps.Logger,
		db:      deps.DB,
		vault:   deps.Vault,
		hubs:    deps.Hubs,
		pairing: deps.Handshake,
		ledger:  deps.Ledger,
		users:   deps.Users,
		trust:   deps.Trust,
		leases:  deps.Leases,
		flow:    deps.Challenges,
		creds:   deps.Credentials,
		audit:   deps.Audit,
		version: deps.Version,
		watch:   newChallengeWatch(),
	}

	// Status transitions reach waiting websocket clients through the watch.
	s.flow.SetNotifier(s.watch.notify)

	return s, nil
}

// Start begins listening for HTTP connections in a background goroutine.
func (s *Server) Start(_ context.Context) error {
	router := s.buildRouter()

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           router,
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

// Close gracefully shuts down the API server, waiting for in-flight
// requests up to gracefulShutdownTimeout.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	s.watch.closeAll()
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

// recordAudit writes an audit event, logging instead of failing the
// request if the write itself breaks.
func (s *Server) recordAudit(ctx context.Context, event *audit.Event) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, event); err != nil {
		s.logger.Error("audit write failed", "event_type", event.EventType, "error", err)
	}
}
