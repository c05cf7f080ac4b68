// Package ops serves health, Prometheus metrics and a JSON status view.
package ops

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	logx "welcomebot/pkg/logx"
)

const shutdownTimeout = 2 * time.Second

// Config controls the ops HTTP server.
//
// Security:
//   - Prefer binding to localhost.
//   - A non-loopback Addr requires Token or AllowInsecure.
type Config struct {
	Addr          string
	Token         string
	AllowInsecure bool
	Pprof         bool
}

// Check rejects an insecure public bind.
func (c Config) Check() error {
	addr := strings.TrimSpace(c.Addr)
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("ops.addr: %w", err)
	}
	if !c.AllowInsecure && c.Token == "" && !isLoopbackAddr(addr) {
		return fmt.Errorf("ops.addr: non-loopback %q requires ops.token or ops.allow_insecure", addr)
	}
	return nil
}

// StatusFunc returns the JSON body of /status.
type StatusFunc func() any

type Server struct {
	cfg     Config
	handler http.Handler
	log     logx.Logger
}

// New builds the router. reg may be nil to serve the default registry.
func New(cfg Config, reg *prometheus.Registry, status StatusFunc, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{cfg: cfg, log: log}
	s.handler = s.routes(reg, status)
	return s
}

func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) routes(reg *prometheus.Registry, status StatusFunc) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Group(func(r chi.Router) {
		r.Use(s.auth)

		var metrics http.Handler = promhttp.Handler()
		if reg != nil {
			metrics = promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
		}
		r.Handle("/metrics", metrics)

		r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
			var body any = struct{}{}
			if status != nil {
				body = status()
			}
			w.Header().Set("Content-Type", "application/json")
			enc := json.NewEncoder(w)
			enc.SetIndent("", "  ")
			if err := enc.Encode(body); err != nil {
				s.log.Warn("status encode failed", logx.Err(err))
			}
		})

		if s.cfg.Pprof {
			r.Mount("/debug", middleware.Profiler())
		}
	})
	return r
}

// auth accepts "Authorization: Bearer <token>" or ?token=<token>.
func (s *Server) auth(next http.Handler) http.Handler {
	tok := strings.TrimSpace(s.cfg.Token)
	if tok == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("token"); got != "" && got == tok {
			next.ServeHTTP(w, r)
			return
		}
		const p = "Bearer "
		if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) && strings.TrimSpace(ah[len(p):]) == tok {
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Set("WWW-Authenticate", "Bearer")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	})
}

// Serve listens on cfg.Addr until ctx is done. It is meant to run under a
// supervisor restart loop; a clean shutdown returns context.Canceled.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.cfg.Check(); err != nil {
		return err
	}
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("ops listen: %w", err)
	}
	return s.serve(ctx, ln)
}

func (s *Server) serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	defer func() { _ = srv.Close() }()

	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		_ = srv.Shutdown(sctx)
		cancel()
	}()

	s.log.Info("ops server started",
		logx.String("addr", ln.Addr().String()),
		logx.Bool("token_set", s.cfg.Token != ""),
		logx.Bool("pprof", s.cfg.Pprof),
	)
	err := srv.Serve(ln)
	if ctx.Err() != nil {
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("ops server exited unexpectedly")
	}
	return err
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
