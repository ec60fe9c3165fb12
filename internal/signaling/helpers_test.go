package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/goleak"

	"github.com/TakTek-App/TakTek-App/internal/directory"
	"github.com/TakTek-App/TakTek-App/internal/jobs"
	"github.com/TakTek-App/TakTek-App/internal/metrics"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const frameWait = 2 * time.Second

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingJobs struct {
	mu   sync.Mutex
	reqs []jobs.Request
}

func (r *recordingJobs) Enqueue(_ context.Context, req jobs.Request) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reqs = append(r.reqs, req)
	return nil
}

func (r *recordingJobs) Requests() []jobs.Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]jobs.Request(nil), r.reqs...)
}

type testEnv struct {
	t       *testing.T
	srv     *Server
	url     string
	metrics *metrics.Metrics
	jobs    *recordingJobs

	// stop cancels the hub and waits for it to return.
	stop func()
}

func newTestEnv(t *testing.T, opts ...func(*Config)) *testEnv {
	t.Helper()

	m := metrics.New()
	rec := &recordingJobs{}
	cfg := Config{
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		Metrics: m,
		Jobs:    rec,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	srv, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)
	ts := httptest.NewServer(mux)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		srv.Run(ctx)
	}()

	stop := sync.OnceFunc(func() {
		cancel()
		<-runDone
	})
	t.Cleanup(func() {
		stop()
		ts.Close()
	})

	return &testEnv{
		t:       t,
		srv:     srv,
		url:     "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws",
		metrics: m,
		jobs:    rec,
		stop:    stop,
	}
}

type testClient struct {
	t  *testing.T
	ws *websocket.Conn
}

func (e *testEnv) dial() *testClient {
	e.t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(e.url, nil)
	if err != nil {
		e.t.Fatalf("dial: %v", err)
	}
	c := &testClient{t: e.t, ws: ws}
	e.t.Cleanup(c.close)
	return c
}

func (c *testClient) close() {
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	_ = c.ws.Close()
}

func (c *testClient) send(event string, data any) {
	c.t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		c.t.Fatalf("marshal %s: %v", event, err)
	}
	c.sendRaw(`{"event":` + mustJSON(c.t, event) + `,"data":` + string(raw) + `}`)
}

func (c *testClient) sendRaw(frame string) {
	c.t.Helper()
	if err := c.ws.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

// next returns the next frame from the server.
func (c *testClient) next() Envelope {
	c.t.Helper()
	_ = c.ws.SetReadDeadline(time.Now().Add(frameWait))
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		c.t.Fatalf("read: %v", err)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.t.Fatalf("decode frame %s: %v", data, err)
	}
	return env
}

// expect reads the next frame, checks its event name and decodes its data
// into v when v is non-nil.
func (c *testClient) expect(event string, v any) {
	c.t.Helper()
	env := c.next()
	if env.Event != event {
		c.t.Fatalf("event=%q data=%s, want %q", env.Event, env.Data, event)
	}
	if v != nil {
		if err := json.Unmarshal(env.Data, v); err != nil {
			c.t.Fatalf("decode %s data %s: %v", event, env.Data, err)
		}
	}
}

// expectPeers reads a peer-list frame.
func (c *testClient) expectPeers() []directory.Peer {
	c.t.Helper()
	var peers []directory.Peer
	c.expect(EventPeerList, &peers)
	return peers
}

func (c *testClient) expectError(code string) errorEvent {
	c.t.Helper()
	var e errorEvent
	c.expect(EventError, &e)
	if e.Code != code {
		c.t.Fatalf("error code=%q (%s), want %q", e.Code, e.Message, code)
	}
	return e
}

// expectClose reads until the server closes and returns the close code.
func (c *testClient) expectClose() int {
	c.t.Helper()
	_ = c.ws.SetReadDeadline(time.Now().Add(frameWait))
	for {
		_, _, err := c.ws.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		if errors.As(err, &ce) {
			return ce.Code
		}
		c.t.Fatalf("read: %v, want close frame", err)
	}
}

func (c *testClient) register(fields map[string]any) {
	c.t.Helper()
	c.send(EventRegister, fields)
	var ack registeredEvent
	c.expect(EventRegistered, &ack)
	if ack.ConnectionID == "" {
		c.t.Fatalf("registered without connection id")
	}
}

func registerUser(c *testClient, key string) {
	c.t.Helper()
	c.register(map[string]any{
		"id":          42,
		"role":        "user",
		"socketId":    key,
		"firstName":   "Uma",
		"serviceId":   9,
		"serviceName": "Plumbing",
		"location":    map[string]any{"latitude": 4.65, "longitude": -74.05},
	})
}

func registerTechnician(c *testClient, key, company string) {
	c.t.Helper()
	c.register(map[string]any{
		"id":        "tech-" + key,
		"role":      "technician",
		"socketId":  key,
		"firstName": "Tomas",
		"companyId": company,
		"rating":    4.5,
		"reviews":   12,
		"services":  []int{3, 7},
	})
}

func registerCompany(c *testClient, key string) {
	c.t.Helper()
	c.register(map[string]any{"role": "company", "socketId": key})
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return string(b)
}

// waitMetric polls until name reaches want.
func (e *testEnv) waitMetric(name string, want uint64) {
	e.t.Helper()
	deadline := time.Now().Add(frameWait)
	for {
		got := e.metrics.Get(name)
		if got == want {
			return
		}
		if time.Now().After(deadline) {
			e.t.Fatalf("metric %s=%d, want %d", name, got, want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func available(p directory.Peer) bool {
	return p.Available != nil && *p.Available
}
