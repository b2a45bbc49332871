// Package server is the HTTP and websocket surface over an App.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// shutdownGrace bounds how long in-flight requests get on shutdown.
const shutdownGrace = 5 * time.Second

// Server routes requests to the App's handlers.
type Server struct {
	addr   string
	app    *App
	router *mux.Router
	logger zerolog.Logger
}

func NewServer(addr string, app *App) *Server {
	srv := &Server{
		addr:   addr,
		app:    app,
		router: mux.NewRouter(),
		logger: app.logger.With().Str("component", "server").Logger(),
	}
	srv.routes()
	return srv
}

func (srv *Server) routes() {
	r := srv.router
	r.Use(srv.logRequests)

	r.HandleFunc("/predict-action/{version}", srv.app.predictAction).Methods(http.MethodPost)
	r.HandleFunc("/add-reward/", srv.app.addReward).Methods(http.MethodPost)
	r.HandleFunc("/death/", srv.app.death).Methods(http.MethodPost)
	r.HandleFunc("/register/", srv.app.register).Methods(http.MethodPost)
	r.HandleFunc("/leave/", srv.app.leave).Methods(http.MethodPost)
	r.HandleFunc("/send-command/", srv.app.sendCommand).Methods(http.MethodPost)
	r.HandleFunc("/training-logs/", srv.app.trainingLogs).Methods(http.MethodGet)
	r.HandleFunc("/bot-metrics/", srv.app.botMetrics).Methods(http.MethodGet)
	r.HandleFunc("/bot-metrics/{bot}", srv.app.botMetrics).Methods(http.MethodGet)
	r.HandleFunc("/ws/training-logs", srv.app.streamTrainingLogs)
}

// Handler exposes the router, mainly for tests.
func (srv *Server) Handler() http.Handler {
	return srv.router
}

// Serve listens until ctx is cancelled, then shuts down gracefully. Request
// contexts derive from ctx, so open websocket streams end with it.
func (srv *Server) Serve(ctx context.Context) error {
	httpSrv := &http.Server{
		Addr:              srv.addr,
		Handler:           srv.router,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		srv.logger.Info().Str("addr", srv.addr).Msg("listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})
	return group.Wait()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(status int) {
	rec.status = status
	rec.ResponseWriter.WriteHeader(status)
}

func (srv *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The websocket upgrade needs the raw writer's Hijacker.
		if r.URL.Path == "/ws/training-logs" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		srv.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	})
}
