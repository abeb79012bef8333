package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"reflect"
	"sync/atomic"
	"syscall"
	"time"

	"fleetalert/internal/api"
	"fleetalert/internal/clock"
	"fleetalert/internal/config"
	"fleetalert/internal/ingest"
	"fleetalert/internal/logging"
	"fleetalert/internal/metrics"
	"fleetalert/internal/notify"
	"fleetalert/internal/state"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Service composes runtime dependencies and process lifecycle.
// Params: config source and shared runtime components.
// Returns: runnable fleet alerting service.
type Service struct {
	source     config.ConfigSource
	cfg        config.Config
	logger     *slog.Logger
	closeLog   func()
	store      state.Store
	manager    *Manager
	dispatcher *notify.Dispatcher
	met        *metrics.Metrics
	httpSrv    *http.Server
	natsSub    interface{ Close() error }
	readyFlag  atomic.Bool
	clock      clock.Clock
}

// NewService builds service instance from config source.
// Params: config source and clock implementation.
// Returns: initialized service or setup error.
func NewService(source config.ConfigSource, clk clock.Clock) (*Service, error) {
	cfg, err := config.LoadSnapshot(source)
	if err != nil {
		return nil, err
	}

	logger, closeLog, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}

	store, err := buildStore(context.Background(), cfg)
	if err != nil {
		closeLog()
		return nil, err
	}

	met := metrics.New(prometheus.DefaultRegisterer)
	dispatcher := notify.NewDispatcher(cfg.Notify, clk, logger, met)
	manager := NewManager(store, clk, dispatcher, logger, met, cfg)
	if err := manager.RestoreTracking(context.Background(), clk.Now()); err != nil {
		_ = store.Close()
		closeLog()
		return nil, err
	}

	service := &Service{
		source:     source,
		cfg:        cfg,
		logger:     logger,
		closeLog:   closeLog,
		store:      store,
		manager:    manager,
		dispatcher: dispatcher,
		met:        met,
		clock:      clk,
	}

	service.buildHTTPServer()
	if err := service.buildNATSSubscriber(); err != nil {
		service.cleanupInitResources()
		return nil, err
	}
	return service, nil
}

// Run starts service lifecycle and blocks until shutdown signal.
// Params: root context for service runtime.
// Returns: terminal run error.
func (s *Service) Run(ctx context.Context) error {
	shutdownCtx, shutdownCancel := context.WithCancel(ctx)
	defer shutdownCancel()

	s.dispatcher.Start()

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("http server starting", "listen", s.cfg.Ingest.HTTP.Listen)
		err := s.httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	scanInterval := time.Duration(s.cfg.Service.OfflineScanSeconds) * time.Second
	scanTicker := time.NewTicker(scanInterval)
	defer scanTicker.Stop()
	go func() {
		for {
			select {
			case <-shutdownCtx.Done():
				return
			case <-scanTicker.C:
				if err := s.manager.ScanOffline(shutdownCtx, s.clock.Now()); err != nil && !errors.Is(err, context.Canceled) {
					s.logger.Error("offline scan failed", "error", err.Error())
				}
			}
		}
	}()

	if s.cfg.Service.ReloadEnabled {
		reloadInterval := time.Duration(s.cfg.Service.ReloadIntervalSec) * time.Second
		reloadTicker := time.NewTicker(reloadInterval)
		defer reloadTicker.Stop()
		go func() {
			for {
				select {
				case <-shutdownCtx.Done():
					return
				case <-reloadTicker.C:
					if err := s.reloadConfig(); err != nil {
						s.logger.Error("reload failed", "error", err.Error())
					}
				}
			}
		}()
	}

	s.readyFlag.Store(true)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case <-ctx.Done():
		return s.shutdown()
	case err := <-errChan:
		_ = s.shutdown()
		return fmt.Errorf("http server failed: %w", err)
	case <-sigChan:
		return s.shutdown()
	}
}

// shutdown closes runtime resources in dependency order.
// Params: none.
// Returns: first close error.
func (s *Service) shutdown() error {
	s.readyFlag.Store(false)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var firstErr error
	markErr := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("http shutdown failed", "error", err.Error())
		markErr(fmt.Errorf("http shutdown: %w", err))
	}
	if s.natsSub != nil {
		if err := s.natsSub.Close(); err != nil {
			s.logger.Error("nats subscriber close failed", "error", err.Error())
			markErr(fmt.Errorf("nats subscriber close: %w", err))
		}
	}
	if err := s.dispatcher.Close(); err != nil {
		s.logger.Error("dispatcher close failed", "error", err.Error())
		markErr(fmt.Errorf("dispatcher close: %w", err))
	}
	if err := s.store.Close(); err != nil {
		s.logger.Error("store close failed", "error", err.Error())
		markErr(fmt.Errorf("store close: %w", err))
	}
	if s.closeLog != nil {
		s.closeLog()
	}
	return firstErr
}

// cleanupInitResources closes partially initialized resources on startup failures.
// Params: none.
// Returns: all acquired resources closed best-effort.
func (s *Service) cleanupInitResources() {
	if s.natsSub != nil {
		_ = s.natsSub.Close()
		s.natsSub = nil
	}
	if s.httpSrv != nil {
		_ = s.httpSrv.Close()
		s.httpSrv = nil
	}
	if s.store != nil {
		_ = s.store.Close()
		s.store = nil
	}
	if s.closeLog != nil {
		s.closeLog()
		s.closeLog = nil
	}
}

// buildHTTPServer wires router with ingest, health, metrics, and API endpoints.
// Params: none.
// Returns: server assigned on the service.
func (s *Service) buildHTTPServer() {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Ingest.HTTP.HealthPath, func(writer http.ResponseWriter, _ *http.Request) {
		writer.WriteHeader(http.StatusOK)
		_, _ = writer.Write([]byte("ok"))
	})
	mux.HandleFunc(s.cfg.Ingest.HTTP.ReadyPath, func(writer http.ResponseWriter, _ *http.Request) {
		if !s.readyFlag.Load() {
			writer.WriteHeader(http.StatusServiceUnavailable)
			_, _ = writer.Write([]byte("not-ready"))
			return
		}
		writer.WriteHeader(http.StatusOK)
		_, _ = writer.Write([]byte("ready"))
	})
	mux.Handle(s.cfg.Ingest.HTTP.MetricsPath, promhttp.Handler())

	if s.cfg.Ingest.HTTP.Enabled {
		handler := ingest.NewHeartbeatHandler(s.cfg.Ingest.HTTP, s.manager, s.logger, s.met)
		mux.Handle("POST "+s.cfg.Ingest.HTTP.HeartbeatPath, handler)
	}
	api.NewAlertHandler(s.manager, s.logger).Register(mux)

	s.httpSrv = &http.Server{
		Addr:              s.cfg.Ingest.HTTP.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// buildNATSSubscriber starts NATS heartbeat ingest when enabled.
// Params: none.
// Returns: initialization error.
func (s *Service) buildNATSSubscriber() error {
	if !s.cfg.Ingest.NATS.Enabled {
		return nil
	}
	subscriber, err := ingest.NewNATSSubscriber(s.cfg.Ingest.NATS, s.manager, s.logger, s.met)
	if err != nil {
		return err
	}
	s.natsSub = subscriber
	return nil
}

// reloadConfig reloads the config source and applies the evaluation policy.
// Params: none.
// Returns: reload error; transport and storage settings require a restart.
func (s *Service) reloadConfig() error {
	nextCfg, err := config.LoadSnapshot(s.source)
	if err != nil {
		return err
	}
	if err := validateReload(s.cfg, nextCfg); err != nil {
		return err
	}
	s.manager.UpdatePolicy(nextCfg)
	s.cfg.Threshold = nextCfg.Threshold
	s.cfg.Offline = nextCfg.Offline
	s.cfg.Cooldown = nextCfg.Cooldown
	s.cfg.Notify.OnRemediation = nextCfg.Notify.OnRemediation
	s.logger.Info("evaluation policy reloaded")
	return nil
}

// validateReload rejects config changes that cannot apply to a running process.
// Params: active config and freshly loaded snapshot.
// Returns: error naming the section that requires a restart.
func validateReload(current, next config.Config) error {
	if next.Storage != current.Storage {
		return fmt.Errorf("storage settings change requires restart")
	}
	if !reflect.DeepEqual(next.Ingest, current.Ingest) {
		return fmt.Errorf("ingest settings change requires restart")
	}
	// The remediation toggle is part of the live policy; everything else under
	// notify is bound to senders and queue built at startup.
	nextNotify := next.Notify
	nextNotify.OnRemediation = current.Notify.OnRemediation
	if !reflect.DeepEqual(nextNotify, current.Notify) {
		return fmt.Errorf("notification settings change requires restart")
	}
	return nil
}

// buildStore creates runtime state backend from config.
// Params: startup context and root config snapshot.
// Returns: selected store backend.
func buildStore(ctx context.Context, cfg config.Config) (state.Store, error) {
	switch cfg.Storage.Driver {
	case config.StoragePostgres:
		return state.OpenPostgres(ctx, cfg.Storage.DSN)
	default:
		return state.NewMemoryStore(), nil
	}
}
