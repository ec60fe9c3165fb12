package httpserver

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/TakTek-App/TakTek-App/internal/config"
	"github.com/TakTek-App/TakTek-App/internal/directory"
	"github.com/TakTek-App/TakTek-App/internal/turnrest"
)

var ErrServerClosed = http.ErrServerClosed

type BuildInfo struct {
	Commit    string `json:"commit"`
	BuildTime string `json:"buildTime"`
}

type Server struct {
	log   *slog.Logger
	cfg   config.Config
	build BuildInfo

	turn *turnrest.Generator

	ready atomic.Bool

	mux *http.ServeMux
	srv *http.Server
}

func New(cfg config.Config, logger *slog.Logger, build BuildInfo) *Server {
	s := &Server{
		log:   logger,
		cfg:   cfg,
		build: build,
		mux:   http.NewServeMux(),
	}

	if cfg.TURNREST.Enabled() {
		gen, err := turnrest.NewGenerator(turnrest.Config{
			SharedSecret:   cfg.TURNREST.SharedSecret,
			TTLSeconds:     cfg.TURNREST.TTLSeconds,
			UsernamePrefix: cfg.TURNREST.UsernamePrefix,
		})
		if err != nil {
			logger.Error("turn rest credentials disabled", "err", err)
		} else {
			s.turn = gen
		}
	}

	s.registerRoutes()

	handler := chain(s.mux,
		recoverMiddleware(s.log),
		requestIDMiddleware(),
		requestLoggerMiddleware(s.log),
	)

	s.srv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		// /ws connections are long-lived; no read/write timeouts here.
	}

	return s
}

// Mux returns the underlying ServeMux for registering additional routes.
// It must only be used during startup before Serve is called.
func (s *Server) Mux() *http.ServeMux {
	return s.mux
}

// HandlePresence exposes per-role online counts at GET /presence.
func (s *Server) HandlePresence(stats func() directory.Stats) {
	s.handleBrowser("/presence", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, stats())
	})
}

func (s *Server) Serve(l net.Listener) error {
	s.ready.Store(true)
	s.log.Info("http server serving", "addr", l.Addr().String())
	return s.srv.Serve(l)
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.ready.Store(false)
	return s.srv.Shutdown(ctx)
}

func (s *Server) Close() error {
	s.ready.Store(false)
	return s.srv.Close()
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
	})

	s.mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if !s.ready.Load() {
			WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false})
			return
		}
		if err := s.cfg.ICEConfigError(); err != nil {
			WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false, "error": err.Error()})
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"ready": true})
	})

	s.mux.HandleFunc("GET /version", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, s.build)
	})

	s.handleBrowser("/webrtc/ice", s.handleICE)
}

// handleBrowser registers a GET route behind the origin policy, plus the
// OPTIONS route its CORS preflight needs.
func (s *Server) handleBrowser(path string, h http.HandlerFunc) {
	wrapped := s.withOriginPolicy(h)
	s.mux.HandleFunc("GET "+path, wrapped)
	s.mux.HandleFunc("OPTIONS "+path, wrapped)
}

type iceResponse struct {
	ICEServers []webrtc.ICEServer `json:"iceServers"`
	ExpiresAt  int64              `json:"expiresAt,omitempty"`
	Realm      string             `json:"realm,omitempty"`
}

func (s *Server) handleICE(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.ICEConfigError(); err != nil {
		WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"error": err.Error()})
		return
	}
	servers := s.cfg.ICEServers
	if servers == nil {
		servers = []webrtc.ICEServer{}
	}
	resp := iceResponse{ICEServers: servers}
	if s.turn != nil {
		creds, err := s.turn.GenerateRandom()
		if err != nil {
			s.log.Error("generate turn credentials", "err", err)
			WriteJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal error"})
			return
		}
		resp.ICEServers = turnrest.Apply(servers, creds)
		resp.ExpiresAt = creds.ExpiryUnix
		resp.Realm = s.cfg.TURNREST.Realm
	}
	w.Header().Set("Cache-Control", "no-store")
	WriteJSON(w, http.StatusOK, resp)
}

type Middleware func(http.Handler) http.Handler

func chain(handler http.Handler, middlewares ...Middleware) http.Handler {
	h := handler
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

func recoverMiddleware(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic in http handler", "recover", rec, "stack", string(debug.Stack()))
					http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func requestIDMiddleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := r.Header.Get("X-Request-ID")
			if reqID == "" {
				reqID = uuid.NewString()
				r.Header.Set("X-Request-ID", reqID)
			}
			w.Header().Set("X-Request-ID", reqID)
			next.ServeHTTP(w, r)
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Hijack is required by the /ws upgrade.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	conn, rw, err := http.NewResponseController(w.ResponseWriter).Hijack()
	if err == nil {
		w.status = http.StatusSwitchingProtocols
	}
	return conn, rw, err
}

func requestLoggerMiddleware(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()

			next.ServeHTTP(sw, r)

			logger.Info("http_request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", sw.status,
				"duration_ms", time.Since(start).Milliseconds(),
				"remote_addr", r.RemoteAddr,
				"request_id", r.Header.Get("X-Request-ID"),
			)
		})
	}
}

// WriteJSON writes a JSON response body and sets the Content-Type header.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(v)
}
