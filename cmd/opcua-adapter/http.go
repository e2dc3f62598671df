package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/clearblade/opcua-command-adapter/internal/dispatcher"
)

type healthResponse struct {
	Status        string `json:"status"`
	Server        string `json:"server"`
	Continuations int    `json:"continuations"`
}

func healthHandler(a *dispatcher.Adapter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(healthResponse{
			Status:        "ok",
			Server:        a.ServerState().String(),
			Continuations: a.Continuations(),
		})
	}
}

// runHTTPServer serves /metrics and /health until ctx is cancelled. The
// returned channel receives the error that stopped the server.
func runHTTPServer(ctx context.Context, addr string, a *dispatcher.Adapter) <-chan error {
	errCh := make(chan error, 1)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Get("/health", healthHandler(a))

	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	go func() {
		log.Printf("[INFO] runHTTPServer - Serving metrics on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()
	return errCh
}
