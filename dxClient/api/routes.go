package api

import (
	"net/http"

	"github.com/gorilla/mux"
)

// setupRoutes configures all HTTP routes for the API server
func (s *Server) setupRoutes() *mux.Router {
	router := mux.NewRouter()
	router.Use(s.instrument)

	// Health check and metrics endpoints
	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	router.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)

	// API v1 endpoints
	v1 := router.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	v1.HandleFunc("/operations", s.handleOperations).Methods(http.MethodGet)
	v1.HandleFunc("/entries", s.handleQueryEntries).Methods(http.MethodGet)
	v1.HandleFunc("/entries/count", s.handleEntryCount).Methods(http.MethodGet)
	v1.HandleFunc("/users/{userType}/{userID}/entries", s.handleUserEntries).Methods(http.MethodGet)
	v1.HandleFunc("/audit", s.handleAudit).Methods(http.MethodGet)
	v1.HandleFunc("/nonce/{address}", s.handleNonce).Methods(http.MethodGet)
	v1.HandleFunc("/requests/{operation}", s.handleRequest).Methods(http.MethodPost)

	return router
}
