// Package signaling serves the /ws endpoint: presence, hire negotiation,
// call-setup relay and service lifecycle events for connected clients.
package signaling

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/TakTek-App/TakTek-App/internal/callstate"
	"github.com/TakTek-App/TakTek-App/internal/directory"
	"github.com/TakTek-App/TakTek-App/internal/hire"
	"github.com/TakTek-App/TakTek-App/internal/metrics"
	"github.com/TakTek-App/TakTek-App/internal/origin"
	"github.com/TakTek-App/TakTek-App/internal/presence"
	"github.com/TakTek-App/TakTek-App/internal/ratelimit"
)

const (
	DefaultMaxMessageBytes      int64 = 64 * 1024
	DefaultMaxMessagesPerSecond       = 50
	DefaultSendQueueFrames            = 256

	inboxSize = 1024
)

type Config struct {
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
	Directory *directory.Directory
	Jobs      JobQueue

	AllowedOrigins []string

	MaxMessageBytes      int64
	MaxMessagesPerSecond int
	PingInterval         time.Duration
	IdleTimeout          time.Duration
	SendQueueFrames      int

	HireRequestTTL time.Duration
	CallRingTTL    time.Duration
	CallIdleTTL    time.Duration
	SweepInterval  time.Duration

	// Clock drives rate limiting and negotiation expiry. Defaults to the
	// wall clock.
	Clock ratelimit.Clock
}

type Server struct {
	cfg       Config
	log       *slog.Logger
	metrics   *metrics.Metrics
	dir       *directory.Directory
	validator *validator
	hub       *hub
	upgrader  websocket.Upgrader
}

func NewServer(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	if cfg.Directory == nil {
		cfg.Directory = directory.New()
	}
	if cfg.Clock == nil {
		cfg.Clock = ratelimit.RealClock{}
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if cfg.SendQueueFrames <= 0 {
		cfg.SendQueueFrames = DefaultSendQueueFrames
	}

	v, err := newValidator()
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:       cfg,
		log:       cfg.Logger,
		metrics:   cfg.Metrics,
		dir:       cfg.Directory,
		validator: v,
	}
	s.hub = &hub{
		log:           cfg.Logger,
		metrics:       cfg.Metrics,
		dir:           cfg.Directory,
		hires:         hire.NewTable(cfg.Clock, cfg.HireRequestTTL),
		calls:         callstate.NewTracker(cfg.Clock, cfg.CallRingTTL, cfg.CallIdleTTL),
		jobs:          cfg.Jobs,
		sweepInterval: cfg.SweepInterval,
		conns:         make(map[string]*conn),
		inbox:         make(chan hubEvent, inboxSize),
		done:          make(chan struct{}),
	}
	s.hub.presence = presence.New(cfg.Directory, s.hub, cfg.Logger)
	s.upgrader = websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}
	return s, nil
}

// Run processes signaling events until ctx is cancelled, then closes every
// connection. It must be called exactly once.
func (s *Server) Run(ctx context.Context) {
	s.hub.run(ctx)
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("GET /ws", s)
}

func (s *Server) Directory() *directory.Directory {
	return s.dir
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if _, ok := origin.CheckRequest(r, s.cfg.AllowedOrigins); !ok {
		s.metrics.Inc(metrics.OriginRejected)
		s.log.Warn("websocket origin rejected", "origin", r.Header.Get("Origin"), "host", r.Host)
		return false
	}
	return true
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := newConn(uuid.NewString(), ws, s.cfg.SendQueueFrames, s.log)
	go c.writeLoop()
	go c.pingLoop(s.cfg.PingInterval)

	if !s.hub.deliver(hubEvent{kind: hubConnect, conn: c}) {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
		<-c.done
		return
	}
	s.log.Debug("websocket connected", "conn_id", c.id, "remote_addr", r.RemoteAddr)

	var limiter *ratelimit.TokenBucket
	if s.cfg.MaxMessagesPerSecond > 0 {
		rate := int64(s.cfg.MaxMessagesPerSecond)
		limiter = ratelimit.NewTokenBucket(s.cfg.Clock, rate, rate)
	}

	c.readLoop(r.Context(), readConfig{
		maxMessageBytes: s.cfg.MaxMessageBytes,
		idleTimeout:     s.cfg.IdleTimeout,
		limiter:         limiter,
		validator:       s.validator,
		metrics:         s.metrics,
	}, func(env Envelope) {
		s.hub.deliver(hubEvent{kind: hubMessage, conn: c, env: env})
	})

	s.hub.deliver(hubEvent{kind: hubDisconnect, conn: c})
	<-c.done
	s.log.Debug("websocket closed", "conn_id", c.id)
}
