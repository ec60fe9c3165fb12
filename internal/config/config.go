package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/spf13/pflag"

	"github.com/TakTek-App/TakTek-App/internal/origin"
)

const (
	envListenAddr      = "TAKTEK_SIGNAL_LISTEN_ADDR"
	envMode            = "TAKTEK_SIGNAL_MODE"
	envLogFormat       = "TAKTEK_SIGNAL_LOG_FORMAT"
	envLogLevel        = "TAKTEK_SIGNAL_LOG_LEVEL"
	envShutdownTimeout = "TAKTEK_SIGNAL_SHUTDOWN_TIMEOUT"
	envAllowedOrigins  = "ALLOWED_ORIGINS"

	// WebSocket hardening.
	envWSMaxMessageBytes      = "WS_MAX_MESSAGE_BYTES"
	envWSMaxMessagesPerSecond = "WS_MAX_MESSAGES_PER_SECOND"
	envWSPingInterval         = "WS_PING_INTERVAL"
	envWSIdleTimeout          = "WS_IDLE_TIMEOUT"
	envWSSendQueueFrames      = "WS_SEND_QUEUE_FRAMES"

	envHireRequestTTL = "HIRE_REQUEST_TTL"
	envCallRingTTL    = "CALL_RING_TTL"
	envCallIdleTTL    = "CALL_IDLE_TTL"
	envSweepInterval  = "SWEEP_INTERVAL"

	envTURNRESTSharedSecret   = "TURN_REST_SHARED_SECRET"
	envTURNRESTTTLSeconds     = "TURN_REST_TTL_SECONDS"
	envTURNRESTUsernamePrefix = "TURN_REST_USERNAME_PREFIX"
	envTURNRESTRealm          = "TURN_REST_REALM"

	// External job-creation API.
	envJobsAPIURL       = "JOBS_API_URL"
	envJobsAPITimeout   = "JOBS_API_TIMEOUT"
	envJobsJWTSecret    = "JOBS_API_JWT_SECRET"
	envJobsJWTIssuer    = "JOBS_API_JWT_ISSUER"
	envJobsOutboxPath   = "JOBS_OUTBOX_PATH"
	envJobsWorkers      = "JOBS_WORKERS"
	envJobsMaxAttempts  = "JOBS_MAX_ATTEMPTS"
	envJobsRetryBackoff = "JOBS_RETRY_BACKOFF"
	envJobsPollInterval = "JOBS_POLL_INTERVAL"
)

const (
	DefaultListenAddr      = ":3002"
	DefaultMode            = ModeDev
	DefaultShutdownTimeout = 15 * time.Second

	DefaultWSMaxMessageBytes      int64 = 64 * 1024
	DefaultWSMaxMessagesPerSecond       = 50
	DefaultWSPingInterval               = 20 * time.Second
	DefaultWSIdleTimeout                = 60 * time.Second
	DefaultWSSendQueueFrames            = 256

	DefaultHireRequestTTL = 60 * time.Second
	DefaultCallRingTTL    = 90 * time.Second
	DefaultCallIdleTTL    = 2 * time.Hour
	DefaultSweepInterval  = 5 * time.Second

	DefaultTURNRESTTTLSeconds     int64 = 3600
	DefaultTURNRESTUsernamePrefix       = "taktek"

	DefaultJobsAPIURL       = "http://localhost:3000"
	DefaultJobsAPITimeout   = 10 * time.Second
	DefaultJobsJWTIssuer    = "taktek-signal"
	DefaultJobsWorkers      = 2
	DefaultJobsMaxAttempts  = 5
	DefaultJobsRetryBackoff = 2 * time.Second
	DefaultJobsPollInterval = time.Second
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type WebSocketConfig struct {
	MaxMessageBytes      int64
	MaxMessagesPerSecond int
	PingInterval         time.Duration
	IdleTimeout          time.Duration
	SendQueueFrames      int
}

type TurnRESTConfig struct {
	SharedSecret   string
	TTLSeconds     int64
	UsernamePrefix string
	Realm          string
}

func (c TurnRESTConfig) Enabled() bool {
	return strings.TrimSpace(c.SharedSecret) != ""
}

type JobsConfig struct {
	APIURL       string
	APITimeout   time.Duration
	JWTSecret    string
	JWTIssuer    string
	OutboxPath   string
	Workers      int
	MaxAttempts  int
	RetryBackoff time.Duration
	PollInterval time.Duration
}

type Config struct {
	ListenAddr      string
	Mode            Mode
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration
	AllowedOrigins  []string

	WebSocket WebSocketConfig

	HireRequestTTL time.Duration
	CallRingTTL    time.Duration
	CallIdleTTL    time.Duration
	SweepInterval  time.Duration

	ICEServers []webrtc.ICEServer
	TURNREST   TurnRESTConfig

	Jobs JobsConfig

	// Sources lists the files that contributed values, for startup logging.
	Sources []string

	iceConfigErr error
}

// ICEConfigError reports a problem with the ICE server settings. It is kept
// separate from load errors so the relay can still serve signaling while
// /webrtc/ice reports the misconfiguration.
func (c Config) ICEConfigError() error {
	return c.iceConfigErr
}

type lookupFunc func(string) (string, bool)

// Load resolves configuration from, lowest precedence first: built-in
// defaults, the YAML file named by TAKTEK_SIGNAL_CONFIG_FILE, a .env file,
// the process environment and finally command-line flags.
func Load(args []string) (Config, error) {
	lookup, sources, err := layeredLookup(os.LookupEnv)
	if err != nil {
		return Config{}, err
	}
	cfg, err := load(lookup, args)
	if err != nil {
		return Config{}, err
	}
	cfg.Sources = sources
	return cfg, nil
}

func load(lookup lookupFunc, args []string) (Config, error) {
	env := &envReader{lookup: lookup}

	modeDefault := env.str(envMode, string(DefaultMode))
	var (
		listenAddr        = env.str(envListenAddr, DefaultListenAddr)
		logFormatStr      = env.str(envLogFormat, defaultLogFormatForMode(modeDefault))
		logLevelStr       = env.str(envLogLevel, defaultLogLevelForMode(modeDefault))
		shutdownTimeout   = env.duration(envShutdownTimeout, DefaultShutdownTimeout)
		allowedOriginsStr = env.str(envAllowedOrigins, "")

		wsMaxMessageBytes      = env.int64(envWSMaxMessageBytes, DefaultWSMaxMessageBytes)
		wsMaxMessagesPerSecond = env.int(envWSMaxMessagesPerSecond, DefaultWSMaxMessagesPerSecond)
		wsPingInterval         = env.duration(envWSPingInterval, DefaultWSPingInterval)
		wsIdleTimeout          = env.duration(envWSIdleTimeout, DefaultWSIdleTimeout)
		wsSendQueueFrames      = env.int(envWSSendQueueFrames, DefaultWSSendQueueFrames)

		hireRequestTTL = env.duration(envHireRequestTTL, DefaultHireRequestTTL)
		callRingTTL    = env.duration(envCallRingTTL, DefaultCallRingTTL)
		callIdleTTL    = env.duration(envCallIdleTTL, DefaultCallIdleTTL)
		sweepInterval  = env.duration(envSweepInterval, DefaultSweepInterval)

		ice = iceSource{
			JSON:           env.str(envICEServersJSON, ""),
			StunURLs:       env.str(envStunURLs, ""),
			TurnURLs:       env.str(envTurnURLs, ""),
			TurnUsername:   env.str(envTurnUsername, ""),
			TurnCredential: env.str(envTurnCredential, ""),
		}
		turnREST = TurnRESTConfig{
			SharedSecret:   env.str(envTURNRESTSharedSecret, ""),
			TTLSeconds:     env.int64(envTURNRESTTTLSeconds, DefaultTURNRESTTTLSeconds),
			UsernamePrefix: env.str(envTURNRESTUsernamePrefix, DefaultTURNRESTUsernamePrefix),
			Realm:          env.str(envTURNRESTRealm, ""),
		}

		jobs = JobsConfig{
			APIURL:       env.str(envJobsAPIURL, DefaultJobsAPIURL),
			APITimeout:   env.duration(envJobsAPITimeout, DefaultJobsAPITimeout),
			JWTSecret:    env.str(envJobsJWTSecret, ""),
			JWTIssuer:    env.str(envJobsJWTIssuer, DefaultJobsJWTIssuer),
			OutboxPath:   env.str(envJobsOutboxPath, ""),
			Workers:      env.int(envJobsWorkers, DefaultJobsWorkers),
			MaxAttempts:  env.int(envJobsMaxAttempts, DefaultJobsMaxAttempts),
			RetryBackoff: env.duration(envJobsRetryBackoff, DefaultJobsRetryBackoff),
			PollInterval: env.duration(envJobsPollInterval, DefaultJobsPollInterval),
		}
	)
	if env.err != nil {
		return Config{}, env.err
	}

	fs := pflag.NewFlagSet("taktek-signal", pflag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var modeStr string
	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (env "+envListenAddr+")")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod (env "+envMode+")")
	fs.StringVar(&logFormatStr, "log-format", logFormatStr, "Log format: text or json (env "+envLogFormat+")")
	fs.StringVar(&logLevelStr, "log-level", logLevelStr, "Log level: debug, info, warn, error (env "+envLogLevel+")")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (env "+envShutdownTimeout+")")
	fs.StringVar(&allowedOriginsStr, "allowed-origins", allowedOriginsStr, "Comma-separated browser origins allowed to connect; * allows any (env "+envAllowedOrigins+")")

	fs.Int64Var(&wsMaxMessageBytes, "ws-max-message-bytes", wsMaxMessageBytes, "Max inbound WebSocket frame size (env "+envWSMaxMessageBytes+")")
	fs.IntVar(&wsMaxMessagesPerSecond, "ws-max-messages-per-second", wsMaxMessagesPerSecond, "Max inbound frames per second per connection (env "+envWSMaxMessagesPerSecond+")")
	fs.DurationVar(&wsPingInterval, "ws-ping-interval", wsPingInterval, "Keepalive ping interval; must be < --ws-idle-timeout (env "+envWSPingInterval+")")
	fs.DurationVar(&wsIdleTimeout, "ws-idle-timeout", wsIdleTimeout, "Close connections silent for this long (env "+envWSIdleTimeout+")")
	fs.IntVar(&wsSendQueueFrames, "ws-send-queue-frames", wsSendQueueFrames, "Outbound frames buffered per connection before dropping (env "+envWSSendQueueFrames+")")

	fs.DurationVar(&hireRequestTTL, "hire-request-ttl", hireRequestTTL, "How long a technician stays reserved for an unanswered hire (env "+envHireRequestTTL+")")
	fs.DurationVar(&callRingTTL, "call-ring-ttl", callRingTTL, "How long an unanswered call offer is tracked (env "+envCallRingTTL+")")
	fs.DurationVar(&callIdleTTL, "call-idle-ttl", callIdleTTL, "How long an answered call is tracked without any relayed signal (env "+envCallIdleTTL+")")
	fs.DurationVar(&sweepInterval, "sweep-interval", sweepInterval, "Interval between expiry sweeps (env "+envSweepInterval+")")

	fs.StringVar(&ice.JSON, "ice-servers-json", ice.JSON, "ICE server JSON config (env "+envICEServersJSON+")")
	fs.StringVar(&ice.StunURLs, "stun-urls", ice.StunURLs, "Comma-separated STUN URLs (env "+envStunURLs+")")
	fs.StringVar(&ice.TurnURLs, "turn-urls", ice.TurnURLs, "Comma-separated TURN URLs (env "+envTurnURLs+")")
	fs.StringVar(&ice.TurnUsername, "turn-username", ice.TurnUsername, "TURN username (env "+envTurnUsername+")")
	fs.StringVar(&ice.TurnCredential, "turn-credential", ice.TurnCredential, "TURN credential (env "+envTurnCredential+")")
	fs.StringVar(&turnREST.SharedSecret, "turn-rest-shared-secret", turnREST.SharedSecret, "TURN REST shared secret (env "+envTURNRESTSharedSecret+")")
	fs.Int64Var(&turnREST.TTLSeconds, "turn-rest-ttl-seconds", turnREST.TTLSeconds, "TURN REST credential TTL seconds (env "+envTURNRESTTTLSeconds+")")
	fs.StringVar(&turnREST.UsernamePrefix, "turn-rest-username-prefix", turnREST.UsernamePrefix, "TURN REST username prefix (env "+envTURNRESTUsernamePrefix+")")
	fs.StringVar(&turnREST.Realm, "turn-rest-realm", turnREST.Realm, "TURN realm (env "+envTURNRESTRealm+")")

	fs.StringVar(&jobs.APIURL, "jobs-api-url", jobs.APIURL, "Base URL of the job-creation API (env "+envJobsAPIURL+")")
	fs.DurationVar(&jobs.APITimeout, "jobs-api-timeout", jobs.APITimeout, "Per-request timeout for the job-creation API (env "+envJobsAPITimeout+")")
	fs.StringVar(&jobs.JWTSecret, "jobs-api-jwt-secret", jobs.JWTSecret, "HS256 secret used to sign job API requests; empty disables (env "+envJobsJWTSecret+")")
	fs.StringVar(&jobs.JWTIssuer, "jobs-api-jwt-issuer", jobs.JWTIssuer, "Issuer claim for job API tokens (env "+envJobsJWTIssuer+")")
	fs.StringVar(&jobs.OutboxPath, "jobs-outbox-path", jobs.OutboxPath, "SQLite file for the job outbox; empty keeps it in memory (env "+envJobsOutboxPath+")")
	fs.IntVar(&jobs.Workers, "jobs-workers", jobs.Workers, "Job dispatch workers (env "+envJobsWorkers+")")
	fs.IntVar(&jobs.MaxAttempts, "jobs-max-attempts", jobs.MaxAttempts, "Attempts before a job is marked failed (env "+envJobsMaxAttempts+")")
	fs.DurationVar(&jobs.RetryBackoff, "jobs-retry-backoff", jobs.RetryBackoff, "Base delay between job attempts, doubled per attempt (env "+envJobsRetryBackoff+")")
	fs.DurationVar(&jobs.PollInterval, "jobs-poll-interval", jobs.PollInterval, "How often idle workers poll the outbox (env "+envJobsPollInterval+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}
	// An explicit --mode without explicit log settings picks that mode's
	// logging defaults.
	if fs.Changed("mode") {
		if !fs.Changed("log-format") && !env.set(envLogFormat) {
			logFormatStr = defaultLogFormatForMode(string(mode))
		}
		if !fs.Changed("log-level") && !env.set(envLogLevel) {
			logLevelStr = defaultLogLevelForMode(string(mode))
		}
	}
	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}
	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}
	allowedOrigins, err := parseAllowedOrigins(allowedOriginsStr)
	if err != nil {
		return Config{}, fmt.Errorf("%s/--allowed-origins: %w", envAllowedOrigins, err)
	}

	switch {
	case shutdownTimeout <= 0:
		return Config{}, fmt.Errorf("%s/--shutdown-timeout must be > 0", envShutdownTimeout)
	case wsMaxMessageBytes <= 0:
		return Config{}, fmt.Errorf("%s/--ws-max-message-bytes must be > 0", envWSMaxMessageBytes)
	case wsMaxMessagesPerSecond <= 0:
		return Config{}, fmt.Errorf("%s/--ws-max-messages-per-second must be > 0", envWSMaxMessagesPerSecond)
	case wsPingInterval <= 0 || wsIdleTimeout <= 0:
		return Config{}, fmt.Errorf("%s and %s must be > 0", envWSPingInterval, envWSIdleTimeout)
	case wsPingInterval >= wsIdleTimeout:
		return Config{}, fmt.Errorf("%s/--ws-ping-interval must be < %s/--ws-idle-timeout", envWSPingInterval, envWSIdleTimeout)
	case wsSendQueueFrames <= 0:
		return Config{}, fmt.Errorf("%s/--ws-send-queue-frames must be > 0", envWSSendQueueFrames)
	case hireRequestTTL <= 0:
		return Config{}, fmt.Errorf("%s/--hire-request-ttl must be > 0", envHireRequestTTL)
	case callRingTTL <= 0:
		return Config{}, fmt.Errorf("%s/--call-ring-ttl must be > 0", envCallRingTTL)
	case callIdleTTL <= 0:
		return Config{}, fmt.Errorf("%s/--call-idle-ttl must be > 0", envCallIdleTTL)
	case sweepInterval <= 0:
		return Config{}, fmt.Errorf("%s/--sweep-interval must be > 0", envSweepInterval)
	}

	if turnREST.Enabled() {
		if turnREST.TTLSeconds <= 0 {
			return Config{}, fmt.Errorf("%s must be > 0 when %s is set", envTURNRESTTTLSeconds, envTURNRESTSharedSecret)
		}
		if strings.TrimSpace(turnREST.UsernamePrefix) == "" || strings.Contains(turnREST.UsernamePrefix, ":") {
			return Config{}, fmt.Errorf("%s must be non-empty and must not contain ':'", envTURNRESTUsernamePrefix)
		}
	}

	if err := jobs.validate(); err != nil {
		return Config{}, err
	}

	cfg := Config{
		ListenAddr:      listenAddr,
		Mode:            mode,
		LogFormat:       logFormat,
		LogLevel:        level,
		ShutdownTimeout: shutdownTimeout,
		AllowedOrigins:  allowedOrigins,
		WebSocket: WebSocketConfig{
			MaxMessageBytes:      wsMaxMessageBytes,
			MaxMessagesPerSecond: wsMaxMessagesPerSecond,
			PingInterval:         wsPingInterval,
			IdleTimeout:          wsIdleTimeout,
			SendQueueFrames:      wsSendQueueFrames,
		},
		HireRequestTTL: hireRequestTTL,
		CallRingTTL:    callRingTTL,
		CallIdleTTL:    callIdleTTL,
		SweepInterval:  sweepInterval,
		TURNREST:       turnREST,
		Jobs:           jobs,
	}

	servers, err := ice.servers(turnREST.Enabled())
	if err != nil {
		cfg.iceConfigErr = err
	} else {
		cfg.ICEServers = servers
	}
	return cfg, nil
}

func (j *JobsConfig) validate() error {
	j.APIURL = strings.TrimRight(strings.TrimSpace(j.APIURL), "/")
	if j.APIURL != "" {
		u, err := url.Parse(j.APIURL)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", envJobsAPIURL, j.APIURL, err)
		}
		if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("invalid %s %q (expected http:// or https:// URL)", envJobsAPIURL, j.APIURL)
		}
	}
	switch {
	case j.APITimeout <= 0:
		return fmt.Errorf("%s/--jobs-api-timeout must be > 0", envJobsAPITimeout)
	case j.Workers <= 0:
		return fmt.Errorf("%s/--jobs-workers must be > 0", envJobsWorkers)
	case j.MaxAttempts <= 0:
		return fmt.Errorf("%s/--jobs-max-attempts must be > 0", envJobsMaxAttempts)
	case j.RetryBackoff <= 0:
		return fmt.Errorf("%s/--jobs-retry-backoff must be > 0", envJobsRetryBackoff)
	case j.PollInterval <= 0:
		return fmt.Errorf("%s/--jobs-poll-interval must be > 0", envJobsPollInterval)
	}
	return nil
}

// envReader reads typed values from a lookup, collecting parse errors.
type envReader struct {
	lookup lookupFunc
	err    error
}

func (r *envReader) raw(key string) (string, bool) {
	v, ok := r.lookup(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (r *envReader) set(key string) bool {
	_, ok := r.raw(key)
	return ok
}

func (r *envReader) str(key, fallback string) string {
	if v, ok := r.raw(key); ok {
		return v
	}
	return fallback
}

func (r *envReader) duration(key string, fallback time.Duration) time.Duration {
	v, ok := r.raw(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.err = errors.Join(r.err, fmt.Errorf("invalid %s %q: %w", key, v, err))
		return fallback
	}
	return d
}

func (r *envReader) int(key string, fallback int) int {
	return int(r.int64(key, int64(fallback)))
}

func (r *envReader) int64(key string, fallback int64) int64 {
	v, ok := r.raw(key)
	if !ok {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		r.err = errors.Join(r.err, fmt.Errorf("invalid %s %q: %w", key, v, err))
		return fallback
	}
	return n
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	return newLogger(os.Stdout, cfg)
}

func newLogger(w io.Writer, cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(w, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(w, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}
	return slog.New(handler), nil
}

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}

func parseAllowedOrigins(raw string) ([]string, error) {
	var out []string
	for _, entry := range splitCommaSeparated(raw) {
		if entry == "*" {
			out = append(out, entry)
			continue
		}
		normalized, _, ok := origin.NormalizeHeader(entry)
		if !ok {
			return nil, fmt.Errorf("invalid origin %q (expected full origin like https://example.com)", entry)
		}
		out = append(out, normalized)
	}
	return out, nil
}
