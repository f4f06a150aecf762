// Package server exposes the book processing service over HTTP.
//
// The gateway is deliberately thin: it validates requests, translates them
// into state store and artifact store operations, and reports job state. It
// never waits on processing; submission returns as soon as the job record
// and input artifact are durable.
package server

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shelfware/bindery/blob"
	"github.com/shelfware/bindery/config"
	"github.com/shelfware/bindery/errors"
	"github.com/shelfware/bindery/internal/httpclient"
	"github.com/shelfware/bindery/logger"
	"github.com/shelfware/bindery/pipeline"
	"github.com/shelfware/bindery/state"
)

// Server is the HTTP gateway
type Server struct {
	cfg    *config.Config
	store  *state.Store
	blobs  blob.Store
	keys   blob.Keys
	engine *pipeline.Engine

	// urlCheck rejects SSRF-prone source URLs at submission time, before
	// a worker would ever fetch them.
	urlCheck *httpclient.SaferClient

	httpServer *http.Server
}

// New assembles the gateway. The engine is only consulted for stage names;
// execution belongs to the worker pool.
func New(cfg *config.Config, store *state.Store, blobs blob.Store, engine *pipeline.Engine) *Server {
	s := &Server{
		cfg:    cfg,
		store:  store,
		blobs:  blobs,
		keys:   blob.Keys{Prefix: cfg.Blob.Prefix},
		engine: engine,
		urlCheck: httpclient.New(30*time.Second, httpclient.Options{
			MaxBodyBytes: cfg.Server.MaxUploadBytes,
		}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/books", s.requireAPIKey(s.handleSubmit))
	mux.HandleFunc("GET /api/books", s.requireAPIKey(s.handleList))
	mux.HandleFunc("GET /api/books/{id}", s.requireAPIKey(s.handleStatus))
	mux.HandleFunc("GET /api/books/{id}/result", s.requireAPIKey(s.handleResult))
	mux.HandleFunc("DELETE /api/books/{id}", s.requireAPIKey(s.handleCancel))
	mux.HandleFunc("GET /ws/jobs", s.requireAPIKey(s.handleJobEvents))
	mux.HandleFunc("GET /health", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout(),
		WriteTimeout: cfg.Server.WriteTimeout(),
	}

	return s
}

// Start runs the HTTP listener until it is shut down
func (s *Server) Start() error {
	logger.Infow("HTTP gateway listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return errors.Wrap(err, "http server failed")
	}
	return nil
}

// Shutdown drains in-flight requests within the configured grace period
func (s *Server) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, s.cfg.Server.ShutdownTimeout())
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

// Handler exposes the routed handler for tests
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// requireAPIKey enforces the static API key. WebSocket clients cannot set
// headers from browsers, so the key is also accepted as a query parameter
// on upgrade requests.
func (s *Server) requireAPIKey(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-API-Key")
		if key == "" && isWebSocketUpgrade(r) {
			key = r.URL.Query().Get("api_key")
		}

		if subtle.ConstantTimeCompare([]byte(key), []byte(s.cfg.Server.APIKey)) != 1 {
			writeError(w, errors.Wrap(errors.ErrUnauthorized, "missing or invalid API key"))
			return
		}
		next(w, r)
	}
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}
