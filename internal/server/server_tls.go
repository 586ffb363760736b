package server

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/crypto/acme/autocert"

	"github.com/koltyakov/relayhub/internal/config"
)

type tlsSetup struct {
	config  *tls.Config
	manager *autocert.Manager
}

func (s *Server) prepareTLS() (tlsSetup, error) {
	switch s.cfg.TLSMode {
	case config.TLSModeAuto:
		manager := &autocert.Manager{
			Cache:      autocert.DirCache(s.cfg.CertCacheDir),
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(s.cfg.Domain),
		}
		cfg := manager.TLSConfig()
		cfg.MinVersion = tls.VersionTLS12
		s.log.Info("TLS via ACME", "domain", s.cfg.Domain, "cache_dir", s.cfg.CertCacheDir)
		return tlsSetup{config: cfg, manager: manager}, nil
	case config.TLSModeStatic:
		cert, err := loadStaticCertificate(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
		if err != nil {
			return tlsSetup{}, err
		}
		s.log.Info("static TLS certificate loaded", "cert_file", s.cfg.TLSCertFile, "subject", cert.subject())
		return tlsSetup{config: &tls.Config{
			MinVersion:   tls.VersionTLS12,
			Certificates: []tls.Certificate{cert.cert},
		}}, nil
	default:
		return tlsSetup{}, nil
	}
}

type staticCertificate struct {
	cert tls.Certificate
	leaf *x509.Certificate
}

func loadStaticCertificate(certFile, keyFile string) (*staticCertificate, error) {
	certFile = strings.TrimSpace(certFile)
	keyFile = strings.TrimSpace(keyFile)
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("load TLS key pair: %w", err)
	}
	var leaf *x509.Certificate
	if len(cert.Certificate) > 0 {
		leaf, _ = x509.ParseCertificate(cert.Certificate[0])
	}
	return &staticCertificate{cert: cert, leaf: leaf}, nil
}

func (c *staticCertificate) subject() string {
	if c == nil || c.leaf == nil {
		return ""
	}
	return c.leaf.Subject.String()
}

// httpsServerErrorLogWriter routes net/http's error log through slog and
// demotes the TLS handshake noise every public listener attracts.
type httpsServerErrorLogWriter struct {
	log                  *slog.Logger
	dynamicACME          bool
	provisioningHintOnce sync.Once
}

func newHTTPSErrorLogWriter(logger *slog.Logger, dynamicACME bool) *httpsServerErrorLogWriter {
	return &httpsServerErrorLogWriter{log: logger, dynamicACME: dynamicACME}
}

func (w *httpsServerErrorLogWriter) Write(p []byte) (n int, err error) {
	line := strings.TrimSpace(string(p))
	if line == "" {
		return len(p), nil
	}
	if w.logTLSHandshakeLine(line) {
		return len(p), nil
	}
	w.log.Warn("http server error", "err", line)
	return len(p), nil
}

func (w *httpsServerErrorLogWriter) logTLSHandshakeLine(line string) bool {
	const marker = "TLS handshake error from "
	idx := strings.Index(line, marker)
	if idx < 0 {
		return false
	}
	payload := line[idx+len(marker):]
	addr, reason, ok := strings.Cut(payload, ": ")
	if !ok {
		w.log.Debug("tls handshake dropped", "detail", payload)
		return true
	}
	addr = strings.TrimSpace(addr)
	reason = strings.TrimSpace(reason)
	if isLikelyScannerTLSReason(reason) {
		w.log.Debug("tls handshake rejected", "remote_addr", addr, "reason", reason)
		return true
	}
	if w.dynamicACME && isLikelyTLSProvisioningReason(reason) {
		w.provisioningHintOnce.Do(func() {
			w.log.Info("TLS certificate provisioning in progress; initial handshake retries are expected")
		})
		w.log.Info("tls handshake retried during certificate provisioning", "remote_addr", addr, "reason", reason)
		return true
	}
	w.log.Warn("tls handshake failed", "remote_addr", addr, "reason", reason)
	return true
}

func isLikelyTLSProvisioningReason(reason string) bool {
	reason = strings.ToLower(strings.TrimSpace(reason))
	if reason == "" {
		return false
	}
	return strings.Contains(reason, "bad certificate") ||
		strings.Contains(reason, "failed to verify certificate") ||
		strings.Contains(reason, "x509:")
}

func isLikelyScannerTLSReason(reason string) bool {
	reason = strings.ToLower(strings.TrimSpace(reason))
	if reason == "" {
		return false
	}
	return reason == "eof" ||
		strings.Contains(reason, "missing server name") ||
		strings.Contains(reason, "unsupported application protocols") ||
		strings.Contains(reason, "offered only unsupported versions") ||
		strings.Contains(reason, "no cipher suite supported by both client and server") ||
		strings.Contains(reason, "not configured in hostwhitelist") ||
		strings.Contains(reason, "connection reset by peer") ||
		strings.Contains(reason, "i/o timeout") ||
		strings.Contains(reason, "first record does not look like a tls handshake") ||
		strings.Contains(reason, "http request to an https server")
}
