package api

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/psaab/netfw/pkg/firewall"
)

// Config configures the API server.
type Config struct {
	Addr      string
	HTTPSAddr string      // HTTPS listen address (empty = no HTTPS)
	CertDir   string      // where the self-signed certificate is kept
	Auth      *AuthConfig // nil = no authentication
	Firewall  *firewall.Service
}

// Server is the HTTP API server.
type Server struct {
	httpServer  *http.Server
	httpsServer *http.Server
	handler     http.Handler
	fw          *firewall.Service
	startTime   time.Time
}

// NewServer creates a new API server.
func NewServer(cfg Config) *Server {
	s := &Server{
		fw:        cfg.Firewall,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.healthHandler)

	// Prometheus metrics with isolated registry
	registry := prometheus.NewRegistry()
	registry.MustRegister(newCollector(s.fw))
	registry.MustRegister(collectors.NewGoCollector())
	mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	// REST API v1
	mux.HandleFunc("GET /api/v1/status", s.statusHandler)
	mux.HandleFunc("GET /api/v1/tables/{direction}", s.tablesHandler)
	mux.HandleFunc("GET /api/v1/rules", s.rulesHandler)
	mux.HandleFunc("POST /api/v1/rules", s.setRulesHandler)
	mux.HandleFunc("POST /api/v1/rules/check", s.checkRulesHandler)
	mux.HandleFunc("POST /api/v1/rules/rollback", s.rollbackHandler)
	mux.HandleFunc("GET /api/v1/rules/history", s.historyHandler)
	mux.HandleFunc("POST /api/v1/default-action", s.defaultActionHandler)
	mux.HandleFunc("POST /api/v1/current-user", s.currentUserHandler)
	mux.HandleFunc("POST /api/v1/clear", s.clearHandler)
	mux.HandleFunc("POST /api/v1/classify", s.classifyHandler)
	mux.HandleFunc("GET /api/v1/domains", s.domainsHandler)
	mux.HandleFunc("POST /api/v1/domains", s.setDomainRulesHandler)
	mux.HandleFunc("POST /api/v1/dns/answer", s.dnsAnswerHandler)
	mux.HandleFunc("POST /api/v1/dns/query", s.dnsQueryHandler)
	mux.HandleFunc("GET /api/v1/events", s.eventsHandler)

	// SSE streaming
	mux.HandleFunc("GET /api/v1/events/stream", s.eventStreamHandler)

	var handler http.Handler = mux
	if cfg.Auth != nil {
		handler = authMiddleware(*cfg.Auth, mux)
	}
	s.handler = handler

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if cfg.HTTPSAddr != "" {
		tlsCert, err := loadOrCreateCert(cfg.CertDir)
		if err != nil {
			slog.Warn("failed to set up self-signed certificate", "err", err)
		} else {
			s.httpsServer = &http.Server{
				Addr:              cfg.HTTPSAddr,
				Handler:           handler,
				ReadHeaderTimeout: 10 * time.Second,
				TLSConfig: &tls.Config{
					Certificates: []tls.Certificate{tlsCert},
					MinVersion:   tls.VersionTLS12,
				},
			}
		}
	}

	return s
}

// Handler returns the root handler, including authentication.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run starts the HTTP (and optionally HTTPS) server and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 2)
	go func() {
		slog.Info("HTTP API server listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	if s.httpsServer != nil {
		go func() {
			slog.Info("HTTPS API server listening", "addr", s.httpsServer.Addr)
			if err := s.httpsServer.ListenAndServeTLS("", ""); !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if s.httpsServer != nil {
		s.httpsServer.Shutdown(shutdownCtx)
	}
	return s.httpServer.Shutdown(shutdownCtx)
}

// DefaultCertDir holds the generated certificate when Config.CertDir is
// empty.
const DefaultCertDir = "/etc/netfw/tls"

// loadOrCreateCert loads cert.pem/key.pem from dir, or generates an ECDSA
// P-256 self-signed certificate and persists it for reuse across restarts.
func loadOrCreateCert(dir string) (tls.Certificate, error) {
	if dir == "" {
		dir = DefaultCertDir
	}
	certPath := filepath.Join(dir, "cert.pem")
	keyPath := filepath.Join(dir, "key.pem")
	if cert, err := tls.LoadX509KeyPair(certPath, keyPath); err == nil {
		return cert, nil
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "netfw"
	}

	template := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: hostname, Organization: []string{"netfw"}},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(10 * 365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{hostname, "localhost"},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, err
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return tls.Certificate{}, err
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	if err := os.MkdirAll(dir, 0o700); err != nil {
		slog.Warn("certificate not persisted", "dir", dir, "err", err)
	} else if err := os.WriteFile(certPath, certPEM, 0o644); err != nil {
		slog.Warn("certificate not persisted", "path", certPath, "err", err)
	} else if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		slog.Warn("certificate key not persisted", "path", keyPath, "err", err)
	}

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("load generated certificate: %w", err)
	}
	return cert, nil
}
