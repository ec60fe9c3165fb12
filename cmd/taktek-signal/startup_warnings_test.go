package main

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"

	"github.com/pion/webrtc/v4"

	"github.com/TakTek-App/TakTek-App/internal/config"
	"github.com/TakTek-App/TakTek-App/internal/jobs"
)

type recordedLog struct {
	level slog.Level
	msg   string
	attrs map[string]any
}

type recordingHandler struct {
	mu      *sync.Mutex
	records *[]recordedLog
	attrs   []slog.Attr
}

func newRecordingLogger() (*slog.Logger, func() []recordedLog) {
	mu := &sync.Mutex{}
	records := &[]recordedLog{}
	logger := slog.New(&recordingHandler{mu: mu, records: records})
	return logger, func() []recordedLog {
		mu.Lock()
		defer mu.Unlock()
		return append([]recordedLog(nil), *records...)
	}
}

func (h *recordingHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *recordingHandler) Handle(_ context.Context, r slog.Record) error {
	rec := recordedLog{level: r.Level, msg: r.Message, attrs: map[string]any{}}
	for _, a := range h.attrs {
		rec.attrs[a.Key] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		rec.attrs[a.Key] = a.Value.Any()
		return true
	})
	h.mu.Lock()
	*h.records = append(*h.records, rec)
	h.mu.Unlock()
	return nil
}

func (h *recordingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &recordingHandler{mu: h.mu, records: h.records, attrs: append(append([]slog.Attr(nil), h.attrs...), attrs...)}
}

func (h *recordingHandler) WithGroup(string) slog.Handler { return h }

func warningCodes(records []recordedLog) map[string]bool {
	out := map[string]bool{}
	for _, r := range records {
		if r.level != slog.LevelWarn {
			continue
		}
		if code, ok := r.attrs["warning_code"].(string); ok {
			out[code] = true
		}
	}
	return out
}

func TestStartupWarnings_DevDefaultsAreQuiet(t *testing.T) {
	logger, records := newRecordingLogger()

	logStartupWarnings(logger, config.Config{
		Mode:      config.ModeDev,
		WebSocket: config.WebSocketConfig{MaxMessagesPerSecond: 50},
		Jobs:      config.JobsConfig{APIURL: "http://localhost:3000"},
	})

	if codes := warningCodes(records()); len(codes) != 0 {
		t.Fatalf("warnings=%v, want none", codes)
	}
}

func TestStartupWarnings_AllowedOriginsWildcard(t *testing.T) {
	logger, records := newRecordingLogger()

	logStartupWarnings(logger, config.Config{
		Mode:           config.ModeDev,
		AllowedOrigins: []string{"*"},
	})

	if !warningCodes(records())["allowed_origins_wildcard"] {
		t.Fatalf("expected allowed_origins_wildcard, got %#v", records())
	}
}

func TestStartupWarnings_ProdJobsAndRateLimit(t *testing.T) {
	logger, records := newRecordingLogger()

	logStartupWarnings(logger, config.Config{
		Mode: config.ModeProd,
		Jobs: config.JobsConfig{APIURL: "https://api.taktek.example"},
	})

	codes := warningCodes(records())
	for _, want := range []string{"ws_rate_limit_disabled_in_prod", "jobs_api_unauthenticated", "jobs_outbox_in_memory"} {
		if !codes[want] {
			t.Fatalf("missing %s in %v", want, codes)
		}
	}
}

func TestStartupWarnings_TURNRESTWithoutTURNServer(t *testing.T) {
	logger, records := newRecordingLogger()

	cfg := config.Config{
		Mode:       config.ModeDev,
		ICEServers: []webrtc.ICEServer{{URLs: []string{"stun:stun.example:3478"}}},
		TURNREST:   config.TurnRESTConfig{SharedSecret: "s3cret"},
		WebSocket:  config.WebSocketConfig{MaxMessagesPerSecond: 50},
	}
	logStartupWarnings(logger, cfg)
	if !warningCodes(records())["turn_rest_without_turn_urls"] {
		t.Fatalf("expected turn_rest_without_turn_urls, got %#v", records())
	}

	logger, records = newRecordingLogger()
	cfg.ICEServers = append(cfg.ICEServers, webrtc.ICEServer{URLs: []string{"turn:turn.example:3478"}})
	logStartupWarnings(logger, cfg)
	if codes := warningCodes(records()); codes["turn_rest_without_turn_urls"] {
		t.Fatalf("unexpected turn_rest_without_turn_urls with a TURN server configured")
	}
}

func TestJobQueue_DisabledWithoutAPIURL(t *testing.T) {
	logger, _ := newRecordingLogger()
	q, err := newJobQueue(context.Background(), config.JobsConfig{}, logger, nil)
	if err != nil {
		t.Fatalf("newJobQueue: %v", err)
	}
	if q.enabled() {
		t.Fatalf("job queue enabled without api url")
	}
	// Nil queues are safe to run and close.
	q.Run(context.Background())
	q.Close()
}

func TestJobQueue_SQLiteOutbox(t *testing.T) {
	logger, _ := newRecordingLogger()
	q, err := newJobQueue(context.Background(), config.JobsConfig{
		APIURL:     "http://127.0.0.1:1",
		OutboxPath: filepath.Join(t.TempDir(), "outbox.db"),
	}, logger, nil)
	if err != nil {
		t.Fatalf("newJobQueue: %v", err)
	}
	defer q.Close()
	if !q.enabled() {
		t.Fatalf("job queue disabled with api url set")
	}

	ctx := context.Background()
	if err := q.Enqueue(ctx, jobs.Request{TechnicianID: "t1", UserID: "u1"}); !errors.Is(err, jobs.ErrMissingService) {
		t.Fatalf("enqueue err=%v, want %v", err, jobs.ErrMissingService)
	}
	if err := q.Enqueue(ctx, jobs.Request{TechnicianID: "t1", UserID: "u1", ServiceID: "s1"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	j, ok, err := q.store.Get(ctx, 1)
	if err != nil || !ok {
		t.Fatalf("get job: ok=%v err=%v", ok, err)
	}
	if j.Status != jobs.StatusPending || j.Request.ServiceID != "s1" {
		t.Fatalf("job=%+v, want pending s1", j)
	}
}
