package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/koltyakov/relayhub/internal/config"
)

const (
	httpReadHeaderTimeout = 10 * time.Second
	httpIdleTimeout       = 2 * time.Minute
	httpMaxHeaderBytes    = 64 * 1024
)

// Run starts the relay listener (plus the ACME challenge listener in auto
// TLS mode) and the janitor. It blocks until ctx is cancelled or a
// listener fails, then closes every relay connection and waits for their
// read loops.
func (s *Server) Run(ctx context.Context) error {
	if err := s.reconcile(ctx); err != nil {
		return fmt.Errorf("reset presence: %w", err)
	}
	s.ctx = ctx

	go s.runJanitor(ctx)

	tlsSetup, err := s.prepareTLS()
	if err != nil {
		return err
	}

	mainServer := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: httpReadHeaderTimeout,
		IdleTimeout:       httpIdleTimeout,
		MaxHeaderBytes:    httpMaxHeaderBytes,
		TLSConfig:         tlsSetup.config,
		ErrorLog:          log.New(newHTTPSErrorLogWriter(s.log, tlsSetup.manager != nil), "", 0),
	}

	errCh := make(chan error, 2)

	var challengeServer *http.Server
	if tlsSetup.manager != nil {
		challengeServer = &http.Server{
			Addr:              s.cfg.ListenHTTP,
			Handler:           tlsSetup.manager.HTTPHandler(http.NotFoundHandler()),
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       httpIdleTimeout,
			MaxHeaderBytes:    httpMaxHeaderBytes,
		}
		go func() {
			s.log.Info("starting ACME challenge server", "addr", s.cfg.ListenHTTP)
			if err := challengeServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("challenge server: %w", err)
			}
		}()
	}

	go func() {
		var err error
		if s.cfg.TLSMode == config.TLSModeOff {
			s.log.Info("starting relay hub", "addr", s.cfg.Listen, "tls", false)
			err = mainServer.ListenAndServe()
		} else {
			s.log.Info("starting relay hub", "addr", s.cfg.Listen, "tls", true, "tls_mode", s.cfg.TLSMode)
			err = mainServer.ListenAndServeTLS("", "")
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("relay server: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	s.closeAllConns()
	if err := shutdownServer(mainServer, 5*time.Second); err != nil && runErr == nil {
		runErr = err
	}
	if challengeServer != nil {
		if err := shutdownServer(challengeServer, 5*time.Second); err != nil && runErr == nil {
			runErr = err
		}
	}
	if !waitGroupWait(&s.hub.wg, shutdownWaitTimeout) {
		s.log.Warn("relay connections still draining at shutdown")
	}
	return runErr
}
