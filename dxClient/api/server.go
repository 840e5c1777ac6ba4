// Package api serves the directory over HTTP: the request operations, the
// read-only queries, node status and Prometheus metrics.
package api

import (
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/rs/zerolog"

	"github.com/pushchain/dxdirectory/dxClient/metrics"
)

// Server provides HTTP endpoints
type Server struct {
	client  DirectoryClient
	metrics *metrics.Metrics
	logger  zerolog.Logger
	server  *http.Server
}

// NewServer creates a new Server instance. m may be nil.
func NewServer(client DirectoryClient, m *metrics.Metrics, logger zerolog.Logger, port int) *Server {
	s := &Server{
		client:  client,
		metrics: m,
		logger:  logger.With().Str("component", "query_server").Logger(),
	}

	router := s.setupRoutes()
	recovery := handlers.RecoveryHandler(
		handlers.RecoveryLogger(recoveryLogger{logger: s.logger}),
		handlers.PrintRecoveryStack(false),
	)

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           recovery(router),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// Start starts the HTTP server
func (s *Server) Start() error {
	if s.server == nil {
		return fmt.Errorf("query server is nil")
	}

	// Channel to signal server startup result
	startupChan := make(chan error, 1)

	go func() {
		// Verify the port is available before serving
		ln, err := net.Listen("tcp", s.server.Addr)
		if err != nil {
			startupChan <- fmt.Errorf("failed to bind to address %s: %w", s.server.Addr, err)
			return
		}
		ln.Close()

		startupChan <- nil

		err = s.server.ListenAndServe()
		switch err {
		case nil:
			s.logger.Info().Msg("Query server stopped normally")
		case http.ErrServerClosed:
			s.logger.Info().Msg("Query server closed gracefully")
		default:
			s.logger.Error().Err(err).Msg("Query server error")
		}
	}()

	select {
	case err := <-startupChan:
		if err != nil {
			return err
		}
		s.logger.Info().Str("addr", s.server.Addr).Msg("Query server started")
		return nil
	case <-time.After(5 * time.Second):
		return fmt.Errorf("server startup timeout")
	}
}

// Stop shuts down the HTTP server
func (s *Server) Stop() error {
	if s.server != nil {
		return s.server.Close()
	}
	return nil
}
