// Package server wires configuration, transports, and tunnels into the
// running tunnel server process.
package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/below/SimpleTunnel/internal/certutil"
	"github.com/below/SimpleTunnel/internal/config"
	"github.com/below/SimpleTunnel/internal/logging"
	"github.com/below/SimpleTunnel/internal/metrics"
	"github.com/below/SimpleTunnel/internal/poller"
	"github.com/below/SimpleTunnel/internal/transport"
	"github.com/below/SimpleTunnel/internal/tunnel"
)

// Server accepts tunnel connections on the configured listeners and runs
// a tunnel instance per client.
type Server struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	poller  *poller.Poller

	listeners []transport.Listener

	metricsLn  net.Listener
	metricsSrv *http.Server

	mu      sync.Mutex
	tunnels map[*tunnel.Tunnel]struct{}

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a server from a validated configuration.
func New(cfg *config.Config, logger *slog.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		cfg:     cfg,
		logger:  logger.With(slog.String(logging.KeyComponent, "server")),
		metrics: metrics.Default(),
		tunnels: make(map[*tunnel.Tunnel]struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start opens the listeners and begins accepting tunnels.
func (s *Server) Start() error {
	if s.running.Swap(true) {
		return fmt.Errorf("server already started")
	}

	p, err := poller.New()
	if err != nil {
		s.running.Store(false)
		return fmt.Errorf("start poller: %w", err)
	}
	s.poller = p

	for i, lc := range s.cfg.Listeners {
		l, err := s.openListener(lc)
		if err != nil {
			s.abortStart()
			return fmt.Errorf("listeners[%d]: %w", i, err)
		}
		s.listeners = append(s.listeners, l)

		s.logger.Info("listener started",
			logging.KeyTransport, string(l.Type()),
			logging.KeyAddress, l.Addr().String())

		s.wg.Add(1)
		go s.acceptLoop(l)
	}

	if s.cfg.Metrics.Enabled {
		if err := s.startMetrics(); err != nil {
			s.abortStart()
			return err
		}
	}

	return nil
}

// abortStart unwinds a partially completed Start.
func (s *Server) abortStart() {
	s.cancel()
	s.closeListeners()
	s.wg.Wait()
	s.poller.Close()
	s.poller = nil
	s.running.Store(false)
}

func (s *Server) openListener(lc config.ListenerConfig) (transport.Listener, error) {
	opts := transport.DefaultOptions()
	opts.Path = lc.Path
	opts.PlainText = lc.PlainText

	if !lc.PlainText {
		tlsConfig, err := s.listenerTLSConfig(lc)
		if err != nil {
			return nil, err
		}
		opts.TLSConfig = tlsConfig
	}

	return transport.Listen(transport.Type(lc.Transport), lc.Address, opts)
}

// listenerTLSConfig loads the configured certificate, or generates an
// ephemeral self-signed one when the listener has no cert configured.
func (s *Server) listenerTLSConfig(lc config.ListenerConfig) (*tls.Config, error) {
	if lc.TLS.Cert != "" {
		return transport.LoadTLSConfig(lc.TLS.Cert, lc.TLS.Key)
	}

	cert, err := certutil.GenerateServerCert("simpletunnel", 90*24*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("generate ephemeral certificate: %w", err)
	}

	s.logger.Warn("no certificate configured, using ephemeral self-signed certificate",
		slog.String("fingerprint", cert.Fingerprint()))

	return transport.TLSConfigFromBytes(cert.CertPEM, cert.KeyPEM)
}

// acceptLoop accepts connections from one listener until shutdown.
func (s *Server) acceptLoop(l transport.Listener) {
	defer s.wg.Done()

	for {
		conn, err := l.Accept(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.logger.Warn("accept failed",
				logging.KeyTransport, string(l.Type()),
				logging.KeyError, err)
			return
		}

		s.wg.Add(1)
		go s.serveTunnel(conn, string(l.Type()))
	}
}

// serveTunnel runs one tunnel to completion.
func (s *Server) serveTunnel(conn net.Conn, transportName string) {
	defer s.wg.Done()

	s.mu.Lock()
	atCapacity := s.cfg.Server.MaxTunnels > 0 && len(s.tunnels) >= s.cfg.Server.MaxTunnels
	s.mu.Unlock()

	tcfg := tunnel.Config{
		AuthRequired:     s.cfg.Auth.Required,
		SecretHash:       s.cfg.Auth.SecretHash,
		MaxFlows:         s.cfg.UDP.MaxFlowsPerTunnel,
		IdleTimeout:      s.cfg.UDP.IdleTimeout,
		KeepaliveTimeout: s.cfg.Keepalive.Timeout,
		RateLimit:        s.cfg.RateLimitBytes(),
		AtCapacity:       atCapacity,
	}

	tun := tunnel.New(conn, transportName, s.poller, tcfg, s.metrics, s.logger)

	s.mu.Lock()
	s.tunnels[tun] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.tunnels, tun)
		s.mu.Unlock()
	}()

	if err := tun.Serve(s.ctx); err != nil {
		s.logger.Debug("tunnel ended with error", logging.KeyError, err)
	}
}

// startMetrics serves Prometheus metrics and a health endpoint.
func (s *Server) startMetrics() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", s.handleHealthz)

	ln, err := net.Listen("tcp", s.cfg.Metrics.Address)
	if err != nil {
		return fmt.Errorf("metrics listen: %w", err)
	}
	s.metricsLn = ln

	s.metricsSrv = &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go s.metricsSrv.Serve(ln)

	s.logger.Info("metrics endpoint started",
		logging.KeyAddress, ln.Addr().String())

	return nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"tunnels": s.TunnelCount(),
	})
}

// TunnelCount returns the number of connected tunnels.
func (s *Server) TunnelCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tunnels)
}

// MetricsAddr returns the metrics endpoint address, or nil when disabled.
func (s *Server) MetricsAddr() net.Addr {
	if s.metricsLn == nil {
		return nil
	}
	return s.metricsLn.Addr()
}

// ListenerAddrs returns the bound addresses of all tunnel listeners.
func (s *Server) ListenerAddrs() []net.Addr {
	addrs := make([]net.Addr, 0, len(s.listeners))
	for _, l := range s.listeners {
		addrs = append(addrs, l.Addr())
	}
	return addrs
}

func (s *Server) closeListeners() {
	for _, l := range s.listeners {
		l.Close()
	}
	s.listeners = nil
}

// Stop shuts the server down: listeners first, then tunnels, then the
// shared poller.
func (s *Server) Stop() error {
	if !s.running.Swap(false) {
		return nil
	}

	s.logger.Info("shutting down", logging.KeyCount, s.TunnelCount())

	s.cancel()
	s.closeListeners()

	s.mu.Lock()
	tunnels := make([]*tunnel.Tunnel, 0, len(s.tunnels))
	for tun := range s.tunnels {
		tunnels = append(tunnels, tun)
	}
	s.mu.Unlock()

	for _, tun := range tunnels {
		tun.Close("server shutdown")
	}

	if s.metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		s.metricsSrv.Shutdown(ctx)
		cancel()
	}

	s.wg.Wait()

	if s.poller != nil {
		s.poller.Close()
	}

	s.logger.Info("shutdown complete")
	return nil
}
