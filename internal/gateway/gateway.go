// Package gateway exposes read-only HTTP access to the catalog: a
// health check, the file listing and streaming reconstruction of a
// single file.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/maneesh/octo-potato/internal/catalog"
	"github.com/maneesh/octo-potato/internal/pipeline"
)

// Server serves the read-only gateway.
type Server struct {
	catalog  *catalog.Catalog
	pipeline *pipeline.Pipeline
	log      logrus.FieldLogger
}

// NewServer creates a gateway over the catalog and the reconstruction
// pipeline.
func NewServer(cat *catalog.Catalog, p *pipeline.Pipeline) *Server {
	return &Server{
		catalog:  cat,
		pipeline: p,
		log:      logrus.StandardLogger(),
	}
}

// Router builds the HTTP routes.
func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()
	router.Use(s.requestID)

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods("GET")

	router.Handle("/files", otelhttp.NewHandler(http.HandlerFunc(s.listFiles), "GET /files")).Methods("GET")
	router.Handle("/files/{file_id}", otelhttp.NewHandler(http.HandlerFunc(s.getFile), "GET /files/{file_id}")).Methods("GET")

	return router
}

// requestID tags every request with a correlation id.
func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) listFiles(w http.ResponseWriter, r *http.Request) {
	files, err := s.catalog.ListFiles(r.Context())
	if err != nil {
		s.log.WithError(err).Error("listing files failed")
		http.Error(w, "failed to list files", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(files)
}

func (s *Server) getFile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	fileID, err := strconv.ParseInt(mux.Vars(r)["file_id"], 10, 64)
	if err != nil {
		http.Error(w, "invalid file id", http.StatusBadRequest)
		return
	}

	file, err := s.catalog.GetFile(ctx, fileID)
	if errors.Is(err, catalog.ErrNotFound) {
		http.Error(w, "file not found", http.StatusNotFound)
		return
	} else if err != nil {
		s.log.WithError(err).Error("file lookup failed")
		http.Error(w, "failed to look up file", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", file.Filename))
	w.Header().Set("Content-Length", strconv.FormatInt(file.Size, 10))

	if err := s.pipeline.Export(ctx, fileID, w); err != nil {
		// Headers are already out; all we can do is log and cut the
		// stream short.
		s.log.WithField("file_id", fileID).WithError(err).Error("reconstruction failed mid-stream")
	}
}

// Serve runs the gateway until SIGINT/SIGTERM, then drains with a
// timeout.
func (s *Server) Serve(addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("addr", addr).Info("gateway listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("gateway failed: %w", err)
	case <-quit:
	}

	s.log.Info("shutting down gateway")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("gateway forced to shut down: %w", err)
	}
	return nil
}
