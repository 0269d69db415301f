// Package server exposes the push webhook and the account endpoints over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/ajramos/gizreply/internal/services"
	"github.com/ajramos/gizreply/internal/workers"
	"github.com/google/uuid"
	"golang.org/x/net/netutil"
)

// Options configures a Server
type Options struct {
	Notifications services.NotificationService
	Accounts      services.AccountService
	Watch         services.WatchService
	Pool          *workers.Pool
	Generator     services.GeneratorHealth

	PushToken           string
	MaxBodyBytes        int64
	NotificationTimeout time.Duration
	ReadTimeout         time.Duration
	MaxConnections      int
	Logger              *slog.Logger
}

// Server routes HTTP requests to the services
type Server struct {
	notifications services.NotificationService
	accounts      services.AccountService
	watch         services.WatchService
	pool          *workers.Pool
	generator     services.GeneratorHealth

	pushToken     string
	maxBodyBytes  int64
	notifyTimeout time.Duration
	readTimeout   time.Duration
	maxConns      int
	logger        *slog.Logger
	mux           *http.ServeMux
}

// New builds the server and its routes
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxBody := opts.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = services.DefaultMaxPushBytes
	}
	s := &Server{
		notifications: opts.Notifications,
		accounts:      opts.Accounts,
		watch:         opts.Watch,
		pool:          opts.Pool,
		generator:     opts.Generator,
		pushToken:     opts.PushToken,
		maxBodyBytes:  maxBody,
		notifyTimeout: opts.NotificationTimeout,
		readTimeout:   opts.ReadTimeout,
		maxConns:      opts.MaxConnections,
		logger:        logger,
		mux:           http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /gmail/webhook", s.handleWebhook)
	s.mux.HandleFunc("GET /login", s.handleLogin)
	s.mux.HandleFunc("GET /oauth2callback", s.handleCallback)
	s.mux.HandleFunc("GET /accounts", s.handleListAccounts)
	s.mux.HandleFunc("POST /accounts/{id}/watch", s.handleRegisterWatch)
	s.mux.HandleFunc("DELETE /accounts/{id}/watch", s.handleUnwatch)
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
}

// Handler returns the root handler with request logging
func (s *Server) Handler() http.Handler {
	return s.withRequestID(s.mux)
}

// Serve accepts connections on ln until ctx is done, then shuts down within
// shutdownTimeout. Connections beyond the configured maximum wait in accept.
func (s *Server) Serve(ctx context.Context, ln net.Listener, shutdownTimeout time.Duration) error {
	if s.maxConns > 0 {
		ln = netutil.LimitListener(ln, s.maxConns)
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       s.readTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", slog.String("addr", ln.Addr().String()), slog.Int("max_connections", s.maxConns))
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type ctxKey struct{}

// RequestID returns the id assigned to the request, if any
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		w.Header().Set("X-Request-Id", id)
		ctx := context.WithValue(r.Context(), ctxKey{}, id)

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))
		s.logger.DebugContext(ctx, "http request",
			slog.String("request_id", id),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rec.status),
			slog.Duration("duration", time.Since(start)))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
