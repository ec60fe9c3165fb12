package main

import (
	"log/slog"
	"slices"

	"github.com/TakTek-App/TakTek-App/internal/config"
	"github.com/TakTek-App/TakTek-App/internal/turnrest"
)

func logStartupWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if slices.Contains(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.WebSocket.MaxMessagesPerSecond <= 0 {
		logger.Warn("startup security warning: websocket rate limiting is disabled while --mode=prod",
			"warning_code", "ws_rate_limit_disabled_in_prod",
			"ws_max_messages_per_second", cfg.WebSocket.MaxMessagesPerSecond,
			"mode", cfg.Mode,
		)
	}

	if cfg.Jobs.APIURL != "" {
		if cfg.Mode == config.ModeProd && cfg.Jobs.JWTSecret == "" {
			logger.Warn("startup security warning: jobs api requests are unauthenticated (no JWT secret) while --mode=prod",
				"warning_code", "jobs_api_unauthenticated",
				"mode", cfg.Mode,
			)
		}
		if cfg.Mode == config.ModeProd && cfg.Jobs.OutboxPath == "" {
			logger.Warn("startup warning: job outbox is in memory; undelivered jobs are lost on restart",
				"warning_code", "jobs_outbox_in_memory",
				"mode", cfg.Mode,
			)
		}
	}

	if err := cfg.ICEConfigError(); err != nil {
		logger.Warn("startup warning: ICE server configuration is invalid; /webrtc/ice will report an error",
			"warning_code", "ice_config_invalid",
			"err", err,
		)
	}

	if cfg.TURNREST.Enabled() && !slices.ContainsFunc(cfg.ICEServers, turnrest.IsTURN) {
		logger.Warn("startup warning: TURN REST credentials are enabled but no TURN server is configured",
			"warning_code", "turn_rest_without_turn_urls",
			"ice_servers", len(cfg.ICEServers),
		)
	}
}
