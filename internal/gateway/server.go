// Package gateway assembles the edge server: listeners, the request
// pipeline, the admin surface and configuration reload.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/alphagov/govuk-edge/config"
	"github.com/alphagov/govuk-edge/internal/admission"
	"github.com/alphagov/govuk-edge/internal/logging"
	"github.com/alphagov/govuk-edge/internal/metrics"
	"github.com/alphagov/govuk-edge/internal/pipeline"
	"github.com/alphagov/govuk-edge/internal/proxy"
)

// TLSHeader is the marker header the fronting TLS terminator sets on
// requests that arrived over HTTPS.
const TLSHeader = "Fastly-SSL"

// Server runs the edge. A configuration reload swaps the whole pipeline
// atomically; in-flight requests finish on the snapshot they started with.
type Server struct {
	configPath string
	collector  *metrics.Collector
	tls        admission.TLSIndicator

	current atomic.Pointer[pipeline.Pipeline]

	main    *http.Server
	admin   *http.Server
	watcher *config.Watcher

	startTime time.Time
}

// NewServer creates a Server from an initial configuration snapshot.
// configPath is the YAML file to watch and reload; empty disables reload.
func NewServer(cfg *config.Config, configPath string) (*Server, error) {
	s := &Server{
		configPath: configPath,
		collector:  metrics.NewCollector(),
		tls:        admission.HeaderTLSIndicator(TLSHeader),
		startTime:  time.Now(),
	}

	if err := s.rebuild(cfg); err != nil {
		return nil, err
	}

	s.main = &http.Server{
		Addr:              cfg.Listen.Address,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	if cfg.Listen.AdminAddress != "" {
		s.admin = &http.Server{
			Addr:         cfg.Listen.AdminAddress,
			Handler:      s.adminHandler(),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
	}

	return s, nil
}

// Handler returns the client-facing handler, always serving on the most
// recent pipeline.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.current.Load().ServeHTTP(w, r)
	})
}

// rebuild compiles a configuration snapshot into a fresh pipeline and
// swaps it in. The metrics collector survives reloads.
func (s *Server) rebuild(cfg *config.Config) error {
	dispatcher, err := proxy.NewDispatcher(cfg)
	if err != nil {
		return err
	}
	s.current.Store(pipeline.New(cfg, dispatcher, s.tls, s.collector))
	return nil
}

// adminHandler serves metrics and health probes on the admin listener.
func (s *Server) adminHandler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status": "ok",
			"uptime": time.Since(s.startTime).String(),
		})
	})

	mux.HandleFunc("GET /metrics", func(w http.ResponseWriter, r *http.Request) {
		s.collector.WritePrometheus(w)
	})

	mux.HandleFunc("GET /metrics.json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(s.collector.Snapshot())
	})

	return mux
}

// watch starts following the configuration file for changes.
func (s *Server) watch() error {
	w, err := config.NewWatcher(s.configPath)
	if err != nil {
		return err
	}
	w.OnChange(func(cfg *config.Config) {
		if err := s.rebuild(cfg); err != nil {
			logging.Error("rejecting reloaded config, keeping previous pipeline",
				zap.Error(err))
		}
	})
	if err := w.Start(); err != nil {
		w.Stop()
		return err
	}
	s.watcher = w
	return nil
}

// reload loads the configuration file once, outside the watcher.
func (s *Server) reload() error {
	cfg, err := config.NewLoader().Load(s.configPath)
	if err != nil {
		return err
	}
	return s.rebuild(cfg)
}

// Start begins serving on the configured listeners.
func (s *Server) Start() error {
	errCh := make(chan error, 2)

	go func() {
		logging.Info("listening for client traffic", zap.String("address", s.main.Addr))
		if err := s.main.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("main listener: %w", err)
		}
	}()

	if s.admin != nil {
		go func() {
			logging.Info("admin listener up", zap.String("address", s.admin.Addr))
			if err := s.admin.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("admin listener: %w", err)
			}
		}()
	}

	select {
	case err := <-errCh:
		return err
	case <-time.After(100 * time.Millisecond):
	}

	if s.configPath != "" {
		if err := s.watch(); err != nil {
			// Reload is best-effort; serve on the initial snapshot.
			logging.Warn("config watching unavailable", zap.Error(err))
		}
	}

	return nil
}

// Run starts the server and blocks until shutdown. SIGHUP forces a config
// reload; SIGINT/SIGTERM drain and stop.
func (s *Server) Run() error {
	if err := s.Start(); err != nil {
		return err
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range quit {
		switch sig {
		case syscall.SIGHUP:
			if err := s.reload(); err != nil {
				logging.Error("config reload failed", zap.Error(err))
			} else {
				logging.Info("config reloaded", zap.String("path", s.configPath))
			}
		default:
			logging.Info("shutting down", zap.String("signal", sig.String()))
			return s.Shutdown()
		}
	}
	return nil
}

// Shutdown drains in-flight requests and stops all listeners.
func (s *Server) Shutdown() error {
	if s.watcher != nil {
		s.watcher.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := s.main.Shutdown(ctx)
	if s.admin != nil {
		if aerr := s.admin.Shutdown(ctx); err == nil {
			err = aerr
		}
	}
	return err
}
