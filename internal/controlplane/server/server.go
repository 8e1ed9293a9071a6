// Package server wires together all playbook-engine subsystems into one
// HTTP server. main() builds a Server, calls Run, done.
package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/marlinsec/playbookd/internal/controlplane/approvals"
	"github.com/marlinsec/playbookd/internal/controlplane/audit"
	"github.com/marlinsec/playbookd/internal/controlplane/auth"
	"github.com/marlinsec/playbookd/internal/controlplane/config"
	"github.com/marlinsec/playbookd/internal/controlplane/connectors"
	"github.com/marlinsec/playbookd/internal/controlplane/events"
	"github.com/marlinsec/playbookd/internal/controlplane/executions"
	"github.com/marlinsec/playbookd/internal/controlplane/metrics"
	"github.com/marlinsec/playbookd/internal/controlplane/playbooks"
	"github.com/marlinsec/playbookd/internal/controlplane/sla"
	"github.com/marlinsec/playbookd/internal/controlplane/webhooks"
)

// Build information, set via -ldflags at release time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

const (
	auditMemoryLimit = 10000
	eventBusBuffer   = 256
	sweepInterval    = 30 * time.Second
)

// Server owns every subsystem of the playbook engine and the HTTP
// front door that exposes them.
type Server struct {
	cfg    config.Config
	logger *zap.Logger

	metrics *metrics.Metrics
	bus     *events.Bus
	auditor *audit.Store

	playbookStore  *playbooks.Store
	webhookStore   *webhooks.Store
	executionStore *executions.Store
	approvalStore  *approvals.Store
	connectorStore *connectors.Store
	slaStore       *sla.Store
	keyStore       *auth.KeyStore

	registry *connectors.Registry
	invoker  *connectors.Invoker
	engine   *executions.Engine
	ingress  *webhooks.Ingress
	monitor  *sla.Monitor
	sweeper  *approvals.Sweeper

	httpServer *http.Server
}

// New builds a fully wired server from the configuration. All stores
// live under cfg.DataDir.
func New(cfg config.Config, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	s := &Server{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics.New(),
		bus:     events.NewBus(eventBusBuffer),
	}

	if err := s.initStores(); err != nil {
		s.Close()
		return nil, err
	}
	s.initConnectors()
	s.initEngine()

	handler := s.routes()
	handler = maxBodySizeMiddleware(handler)
	if cfg.AuthEnabled() {
		mw := auth.NewMiddleware(s.keyStore, cfg.APIKeyHashes, []string{
			"/healthz",
			"/metrics",
			"/webhook/*",
		})
		handler = mw.Wrap(handler)
	}

	s.httpServer = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s, nil
}

func (s *Server) initStores() error {
	dir := s.cfg.DataDir
	var err error

	if s.auditor, err = audit.NewStore(filepath.Join(dir, "audit.db"), auditMemoryLimit); err != nil {
		return fmt.Errorf("open audit store: %w", err)
	}
	if s.playbookStore, err = playbooks.NewStore(filepath.Join(dir, "playbooks.db")); err != nil {
		return fmt.Errorf("open playbook store: %w", err)
	}
	if s.webhookStore, err = webhooks.NewStore(filepath.Join(dir, "webhooks.db")); err != nil {
		return fmt.Errorf("open webhook store: %w", err)
	}
	if s.executionStore, err = executions.NewStore(filepath.Join(dir, "executions.db")); err != nil {
		return fmt.Errorf("open execution store: %w", err)
	}
	if s.approvalStore, err = approvals.NewStore(filepath.Join(dir, "approvals.db")); err != nil {
		return fmt.Errorf("open approval store: %w", err)
	}
	if s.connectorStore, err = connectors.NewStore(filepath.Join(dir, "connectors.db")); err != nil {
		return fmt.Errorf("open connector store: %w", err)
	}
	fallback := sla.Thresholds{
		AcknowledgeMs: s.cfg.SLA.Acknowledge.Std().Milliseconds(),
		ContainmentMs: s.cfg.SLA.Containment.Std().Milliseconds(),
		ResolutionMs:  s.cfg.SLA.Resolution.Std().Milliseconds(),
	}
	if s.slaStore, err = sla.NewStore(filepath.Join(dir, "sla.db"), fallback); err != nil {
		return fmt.Errorf("open sla store: %w", err)
	}
	if s.keyStore, err = auth.NewKeyStore(filepath.Join(dir, "auth.db")); err != nil {
		return fmt.Errorf("open key store: %w", err)
	}
	return nil
}

func (s *Server) initConnectors() {
	s.registry = connectors.NewRegistry()
	_ = s.registry.Register(connectors.NoopConnector{})
	_ = s.registry.Register(connectors.HTTPConnector{})
	_ = s.registry.Register(connectors.DatabaseConnector{})
	s.registry.Seal()

	s.invoker = connectors.NewInvoker(s.connectorStore, s.registry, s.metrics,
		s.logger, s.cfg.Engine.DefaultStepTimeout.Std())
}

func (s *Server) initEngine() {
	engineCfg := executions.Config{
		MaxStepExecutions:  s.cfg.Engine.MaxStepExecutions,
		DefaultStepTimeout: s.cfg.Engine.DefaultStepTimeout.Std(),
		Workers:            s.cfg.Engine.Workers,
	}
	s.engine = executions.NewEngine(s.executionStore, s.playbookStore, s.approvalStore,
		s.slaStore, s.invoker, engineCfg, s.metrics, s.auditor, s.bus, s.logger)

	s.monitor = sla.NewMonitor(s.cfg.SLA.HealthSchedule, sla.DefaultMonitorThresholds(),
		s.metrics, s.bus, s.logger)
	s.monitor.Backlog = func() int {
		n, err := s.executionStore.CountActive()
		if err != nil {
			return 0
		}
		return n
	}
	s.monitor.StaleApprovals = func() int {
		overdue, err := s.approvalStore.ListOverdue()
		if err != nil {
			return 0
		}
		return len(overdue)
	}
	s.engine.SetMonitor(s.monitor)

	s.sweeper = approvals.NewSweeper(s.approvalStore, s.engine, sweepInterval,
		s.metrics, s.auditor, s.bus, s.logger)

	ingressCfg := webhooks.IngressConfig{
		MaxBodyBytes:           s.cfg.Ingress.MaxBodyBytes,
		FreshnessWindow:        s.cfg.Ingress.FreshnessWindow.Std(),
		PerSourceBurst:         s.cfg.Ingress.PerSourceBurst,
		GlobalPerWindow:        s.cfg.Ingress.GlobalPerWindow,
		PlaybookFloodPerMinute: s.cfg.Ingress.PlaybookFloodPerMinute,
		GlobalFloodPerMinute:   s.cfg.Ingress.GlobalFloodPerMinute,
	}
	s.ingress = webhooks.NewIngress(s.webhookStore, s.engine, ingressCfg,
		s.metrics, s.auditor, s.bus, s.logger)
}

// Run starts the workers and the HTTP listener and blocks until ctx is
// cancelled or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	s.engine.StartWorkers()
	s.sweeper.Start()
	if err := s.monitor.Start(); err != nil {
		return fmt.Errorf("start health monitor: %w", err)
	}

	s.logger.Info("starting playbook engine",
		zap.String("addr", s.cfg.ListenAddr),
		zap.String("version", Version),
		zap.Bool("tls", s.cfg.HasTLS()),
		zap.Bool("auth", s.cfg.AuthEnabled()),
		zap.Int("workers", s.cfg.Engine.Workers),
	)

	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.cfg.HasTLS() {
			err = s.httpServer.ListenAndServeTLS(s.cfg.TLSCert, s.cfg.TLSKey)
		} else {
			err = s.httpServer.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := s.httpServer.Shutdown(shutdownCtx)

	s.monitor.Stop()
	s.sweeper.Stop()
	s.engine.Stop()
	return err
}

// Close releases all store handles.
func (s *Server) Close() {
	if s.keyStore != nil {
		_ = s.keyStore.Close()
	}
	if s.slaStore != nil {
		_ = s.slaStore.Close()
	}
	if s.connectorStore != nil {
		_ = s.connectorStore.Close()
	}
	if s.approvalStore != nil {
		_ = s.approvalStore.Close()
	}
	if s.executionStore != nil {
		_ = s.executionStore.Close()
	}
	if s.webhookStore != nil {
		_ = s.webhookStore.Close()
	}
	if s.playbookStore != nil {
		_ = s.playbookStore.Close()
	}
	if s.auditor != nil {
		_ = s.auditor.Close()
	}
}

// Engine exposes the execution engine (tests and seeding).
func (s *Server) Engine() *executions.Engine { return s.engine }

// PlaybookStore exposes the playbook store (seed loading).
func (s *Server) PlaybookStore() *playbooks.Store { return s.playbookStore }
