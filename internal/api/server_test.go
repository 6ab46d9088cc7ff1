package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/signpost-core/internal/audit"
	"github.com/nerrad567/signpost-core/internal/broadcast"
	"github.com/nerrad567/signpost-core/internal/infrastructure/config"
	"github.com/nerrad567/signpost-core/internal/infrastructure/database"
	"github.com/nerrad567/signpost-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/signpost-core/internal/infrastructure/logging"
	"github.com/nerrad567/signpost-core/internal/sign"
	"github.com/nerrad567/signpost-core/migrations"
)

// fixture bundles a server with the collaborators tests poke directly.
type fixture struct {
	srv      *Server
	registry *sign.Registry
	hub      *broadcast.Hub
	db       *database.DB
	router   http.Handler
}

// stubStatus is a ConnectionStatus with a fixed answer.
type stubStatus bool

func (s stubStatus) IsConnected() bool { return bool(s) }

// stubTelemetry records the last query and returns canned samples.
type stubTelemetry struct {
	samples []influxdb.TelemetrySample
	err     error

	signID string
	window time.Duration
	limit  int
}

func (s *stubTelemetry) QueryTelemetry(_ context.Context, signID string, window time.Duration, limit int) ([]influxdb.TelemetrySample, error) {
	s.signID, s.window, s.limit = signID, window, limit
	return s.samples, s.err
}

// testServer creates a Server over an in-memory database seeded with the
// default three signs. The hub is running.
func testServer(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	db, err := database.Open(config.DatabaseConfig{Path: ":memory:", BusyTimeout: 1})
	if err != nil {
		t.Fatalf("opening test database: %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // Test cleanup
	if err := db.Migrate(ctx, migrations.FS); err != nil {
		t.Fatalf("migrating test database: %v", err)
	}

	log := logging.Discard()
	hub := broadcast.NewHub(broadcast.Options{HeartbeatInterval: time.Hour}, log)
	hubCtx, cancel := context.WithCancel(ctx)
	t.Cleanup(cancel)
	go hub.Run(hubCtx)

	registry := sign.NewRegistry(sign.NewSQLiteRepository(db.DB), 2*time.Minute)
	registry.SetPublisher(hub)
	if _, err := sign.SeedIfEmpty(ctx, registry, sign.DefaultSeeds); err != nil {
		t.Fatalf("seeding: %v", err)
	}

	auditRepo := audit.NewSQLiteRepository(db.DB)
	srv, err := New(Deps{
		Config: config.APIConfig{
			Host:     "127.0.0.1",
			Timeouts: config.APITimeoutConfig{Read: 5, Write: 5, Idle: 5},
		},
		Stream:     config.StreamConfig{MaxMessageSize: 4096, PingInterval: 30, PongTimeout: 10},
		Logger:     log,
		Registry:   registry,
		Dispatcher: sign.NewDispatcher(registry, audit.NewRecorder(auditRepo)),
		Hub:        hub,
		Audit:      auditRepo,
		DB:         db,
		MQTT:       stubStatus(true),
		Version:    "test",
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	return &fixture{srv: srv, registry: registry, hub: hub, db: db, router: srv.Handler()}
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decoding %q: %v", w.Body.String(), err)
	}
	return v
}

const validStatusBody = `{"position":[51.5,-0.12],"heading":90,"battery":80,"signal":-60}`

// ─── Constructor ───────────────────────────────────────────────────

func TestNew_RequiresDependencies(t *testing.T) {
	registry := sign.NewRegistry(nil, time.Minute)
	hub := broadcast.NewHub(broadcast.Options{}, logging.Discard())

	tests := []struct {
		name string
		deps Deps
	}{
		{"no logger", Deps{Registry: registry, Hub: hub}},
		{"no registry", Deps{Logger: logging.Discard(), Hub: hub}},
		{"no hub", Deps{Logger: logging.Discard(), Registry: registry}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.deps); err == nil {
				t.Error("New() should fail")
			}
		})
	}
}

// ─── Health & Metrics ──────────────────────────────────────────────

func TestHealth(t *testing.T) {
	f := testServer(t)

	w := f.do(t, http.MethodGet, "/api/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	body := decode[map[string]any](t, w)
	if body["status"] != "ok" {
		t.Errorf("status = %v, want ok", body["status"])
	}
	if body["signs"] != float64(3) {
		t.Errorf("signs = %v, want 3", body["signs"])
	}
}

func TestHealth_DatabaseDown(t *testing.T) {
	f := testServer(t)
	f.db.Close() //nolint:errcheck // Simulating an outage

	w := f.do(t, http.MethodGet, "/api/health", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}

func TestMetrics(t *testing.T) {
	f := testServer(t)
	f.do(t, http.MethodPost, "/api/signs/2/status", validStatusBody)

	w := f.do(t, http.MethodGet, "/api/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	m := decode[SystemMetrics](t, w)
	if m.Signs.Total != 3 || m.Signs.Online != 1 || m.Signs.Offline != 2 {
		t.Errorf("signs = %+v, want 3 total, 1 online, 2 offline", m.Signs)
	}
	if m.Signs.ByMode["test"] != 3 {
		t.Errorf("by_mode = %v, want 3 in test", m.Signs.ByMode)
	}
	if !m.MQTT.Enabled || !m.MQTT.Connected {
		t.Errorf("mqtt = %+v, want enabled and connected", m.MQTT)
	}
	if m.InfluxDB.Enabled {
		t.Error("influxdb should be reported as disabled")
	}
	if m.Stream.Published == 0 {
		t.Error("stream published count should include the status update")
	}
}

// ─── Reads ─────────────────────────────────────────────────────────

func TestListSigns(t *testing.T) {
	f := testServer(t)

	w := f.do(t, http.MethodGet, "/api/signs", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	signs := decode[[]sign.Sign](t, w)
	if len(signs) != 3 {
		t.Fatalf("got %d signs, want 3", len(signs))
	}
	for i, want := range []string{"1", "2", "3"} {
		if signs[i].ID != want {
			t.Errorf("signs[%d].ID = %q, want %q", i, signs[i].ID, want)
		}
		if signs[i].Status != sign.StatusOffline {
			t.Errorf("sign %s status = %q, want offline", signs[i].ID, signs[i].Status)
		}
	}
}

func TestGetSign(t *testing.T) {
	f := testServer(t)

	w := f.do(t, http.MethodGet, "/api/signs/2", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if got := decode[sign.Sign](t, w); got.ID != "2" || got.Name != "2" {
		t.Errorf("got %+v, want sign 2", got)
	}

	w = f.do(t, http.MethodGet, "/api/signs/99", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown sign status = %d, want 404", w.Code)
	}
	if e := decode[Error](t, w); e.Code != ErrCodeNotFound {
		t.Errorf("error code = %q, want %q", e.Code, ErrCodeNotFound)
	}
}

// ─── Device Endpoints ──────────────────────────────────────────────

func TestReportStatus(t *testing.T) {
	f := testServer(t)

	w := f.do(t, http.MethodPost, "/api/signs/1/status", validStatusBody)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	if !decode[successResponse](t, w).Success {
		t.Error("success = false")
	}

	got, err := f.registry.Get(context.Background(), "1")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.Status != sign.StatusOnline {
		t.Errorf("status = %q, want online", got.Status)
	}
	if got.Battery == nil || *got.Battery != 80 {
		t.Errorf("battery = %v, want 80", got.Battery)
	}
	if got.Heading != 90 {
		t.Errorf("heading = %d, want 90", got.Heading)
	}
	if got.Position == nil || got.Position.Lat != 51.5 {
		t.Errorf("position = %v, want lat 51.5", got.Position)
	}
}

func TestReportStatus_Rejected(t *testing.T) {
	f := testServer(t)

	tests := []struct {
		name string
		id   string
		body string
		want int
	}{
		{"malformed JSON", "1", `{"heading":`, http.StatusBadRequest},
		{"missing battery", "1", `{"position":[1,2],"heading":0,"signal":-50}`, http.StatusBadRequest},
		{"latitude out of range", "1", `{"position":[91,0],"heading":0,"battery":50,"signal":-50}`, http.StatusBadRequest},
		{"heading out of range", "1", `{"position":[1,2],"heading":360,"battery":50,"signal":-50}`, http.StatusBadRequest},
		{"unknown sign", "99", validStatusBody, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, http.MethodPost, "/api/signs/"+tt.id+"/status", tt.body)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d: %s", w.Code, tt.want, w.Body.String())
			}
		})
	}

	// Rejected reports leave the sign untouched.
	got, _ := f.registry.Get(context.Background(), "1")
	if got.Status != sign.StatusOffline || got.Battery != nil {
		t.Errorf("sign changed by rejected reports: %+v", got)
	}
}

func TestPollCommand(t *testing.T) {
	f := testServer(t)

	if w := f.do(t, http.MethodPost, "/api/signs/3/command", `{"command":2}`); w.Code != http.StatusOK {
		t.Fatalf("set command status = %d: %s", w.Code, w.Body.String())
	}

	w := f.do(t, http.MethodGet, "/api/signs/3/command", "")
	if w.Code != http.StatusOK {
		t.Fatalf("poll status = %d, want 200", w.Code)
	}
	if got := decode[commandResponse](t, w); got.Command != sign.ModeRight {
		t.Errorf("command = %d, want %d", got.Command, sign.ModeRight)
	}

	// The poll counts as contact.
	got, _ := f.registry.Get(context.Background(), "3")
	if got.Status != sign.StatusOnline || got.LastSeen == nil {
		t.Errorf("after poll: status = %q, last_seen = %v", got.Status, got.LastSeen)
	}

	if w := f.do(t, http.MethodGet, "/api/signs/nope/command", ""); w.Code != http.StatusNotFound {
		t.Errorf("unknown sign poll = %d, want 404", w.Code)
	}
}

// ─── Operator Endpoints ────────────────────────────────────────────

func TestSetCommand_Rejected(t *testing.T) {
	f := testServer(t)

	tests := []struct {
		name string
		id   string
		body string
		want int
	}{
		{"missing command", "1", `{}`, http.StatusBadRequest},
		{"not a number", "1", `{"command":"left"}`, http.StatusBadRequest},
		{"unknown sign", "99", `{"command":1}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, http.MethodPost, "/api/signs/"+tt.id+"/command", tt.body)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d: %s", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestRename(t *testing.T) {
	f := testServer(t)

	if w := f.do(t, http.MethodPut, "/api/signs/1/name", `{"name":"  North Gate "}`); w.Code != http.StatusOK {
		t.Fatalf("rename status = %d: %s", w.Code, w.Body.String())
	}
	got, _ := f.registry.Get(context.Background(), "1")
	if got.Name != "North Gate" {
		t.Errorf("name = %q, want %q", got.Name, "North Gate")
	}

	if w := f.do(t, http.MethodPut, "/api/signs/1/name", `{"name":"   "}`); w.Code != http.StatusBadRequest {
		t.Errorf("blank name status = %d, want 400", w.Code)
	}
	if w := f.do(t, http.MethodPut, "/api/signs/1/name", `{}`); w.Code != http.StatusBadRequest {
		t.Errorf("missing name status = %d, want 400", w.Code)
	}
}

func TestCommandHistory(t *testing.T) {
	f := testServer(t)

	f.do(t, http.MethodPost, "/api/signs/1/command", `{"command":1}`)
	f.do(t, http.MethodPost, "/api/signs/1/command", `{"command":3}`)
	f.do(t, http.MethodPost, "/api/signs/2/command", `{"command":2}`)

	w := f.do(t, http.MethodGet, "/api/signs/1/commands?limit=10", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	res := decode[audit.ListResult](t, w)
	if res.Total != 2 || len(res.Entries) != 2 {
		t.Fatalf("got total %d, %d entries; want 2", res.Total, len(res.Entries))
	}
	for _, e := range res.Entries {
		if e.EntityID != "1" || e.Source != commandSource {
			t.Errorf("entry = %+v, want sign 1 from api", e)
		}
	}

	if w := f.do(t, http.MethodGet, "/api/signs/1/commands?limit=-1", ""); w.Code != http.StatusBadRequest {
		t.Errorf("negative limit status = %d, want 400", w.Code)
	}
	if w := f.do(t, http.MethodGet, "/api/signs/99/commands", ""); w.Code != http.StatusNotFound {
		t.Errorf("unknown sign status = %d, want 404", w.Code)
	}
}

func TestCommandHistory_NotConfigured(t *testing.T) {
	f := testServer(t)
	f.srv.audit = nil

	if w := f.do(t, http.MethodGet, "/api/signs/1/commands", ""); w.Code != http.StatusNotImplemented {
		t.Errorf("status = %d, want 501", w.Code)
	}
}

func TestTelemetry(t *testing.T) {
	f := testServer(t)
	battery := 64
	stub := &stubTelemetry{samples: []influxdb.TelemetrySample{
		{Time: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), Status: "online", Battery: &battery},
	}}
	f.srv.telemetry = stub

	w := f.do(t, http.MethodGet, "/api/signs/2/telemetry?window=6h&limit=5", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	got := decode[telemetryResponse](t, w)
	if got.SignID != "2" || len(got.Samples) != 1 || *got.Samples[0].Battery != 64 {
		t.Errorf("response = %+v", got)
	}
	if stub.signID != "2" || stub.window != 6*time.Hour || stub.limit != 5 {
		t.Errorf("query args = %q %v %d", stub.signID, stub.window, stub.limit)
	}
}

func TestTelemetry_Errors(t *testing.T) {
	f := testServer(t)

	if w := f.do(t, http.MethodGet, "/api/signs/1/telemetry", ""); w.Code != http.StatusNotImplemented {
		t.Errorf("not configured: status = %d, want 501", w.Code)
	}

	f.srv.telemetry = &stubTelemetry{err: errors.New("influx down")}
	tests := []struct {
		path string
		want int
	}{
		{"/api/signs/nope/telemetry", http.StatusNotFound},
		{"/api/signs/1/telemetry?window=soon", http.StatusBadRequest},
		{"/api/signs/1/telemetry?window=-1h", http.StatusBadRequest},
		{"/api/signs/1/telemetry?limit=-3", http.StatusBadRequest},
		{"/api/signs/1/telemetry", http.StatusBadGateway},
	}
	for _, tt := range tests {
		if w := f.do(t, http.MethodGet, tt.path, ""); w.Code != tt.want {
			t.Errorf("GET %s: status = %d, want %d", tt.path, w.Code, tt.want)
		}
	}
}

// ─── Middleware ────────────────────────────────────────────────────

func TestRequestID(t *testing.T) {
	f := testServer(t)

	w := f.do(t, http.MethodGet, "/api/health", "")
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("X-Request-ID should be generated")
	}

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	w = httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	if got := w.Header().Get("X-Request-ID"); got != "abc-123" {
		t.Errorf("X-Request-ID = %q, want abc-123", got)
	}
}

func TestBodySizeLimit(t *testing.T) {
	f := testServer(t)

	big := `{"name":"` + strings.Repeat("x", 70*1024) + `"}`
	w := f.do(t, http.MethodPut, "/api/signs/1/name", big)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestCORS_Preflight(t *testing.T) {
	f := testServer(t)
	f.srv.cfg.CORS.AllowedOrigins = []string{"http://dashboard.local"}
	f.router = f.srv.Handler()

	req := httptest.NewRequest(http.MethodOptions, "/api/signs", nil)
	req.Header.Set("Origin", "http://dashboard.local")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://dashboard.local" {
		t.Errorf("Allow-Origin = %q, want http://dashboard.local", got)
	}
}

// ─── Streams ───────────────────────────────────────────────────────

// readSSE returns the next data payload from an event stream.
func readSSE(t *testing.T, r *bufio.Reader) []byte {
	t.Helper()
	for {
		line, err := r.ReadBytes('\n')
		if err != nil {
			t.Fatalf("reading event stream: %v", err)
		}
		if data, ok := bytes.CutPrefix(line, []byte("data: ")); ok {
			return bytes.TrimSpace(data)
		}
	}
}

func TestEvents_ReplayThenLive(t *testing.T) {
	f := testServer(t)
	ts := httptest.NewServer(f.router)
	t.Cleanup(ts.Close)

	resp, err := http.Get(ts.URL + "/api/signs/events")
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q, want text/event-stream", ct)
	}

	r := bufio.NewReader(resp.Body)
	for _, want := range []string{"1", "2", "3"} {
		var ev sign.UpdateEvent
		if err := json.Unmarshal(readSSE(t, r), &ev); err != nil {
			t.Fatalf("decoding replay: %v", err)
		}
		if ev.Type != sign.EventSignUpdate || ev.Sign.ID != want {
			t.Errorf("replay = %s/%s, want sign_update/%s", ev.Type, ev.Sign.ID, want)
		}
	}

	// The subscription exists once headers arrive, so this is delivered live.
	if w := f.do(t, http.MethodPost, "/api/signs/2/command", `{"command":3}`); w.Code != http.StatusOK {
		t.Fatalf("set command status = %d", w.Code)
	}

	var ev sign.CommandEvent
	if err := json.Unmarshal(readSSE(t, r), &ev); err != nil {
		t.Fatalf("decoding live event: %v", err)
	}
	if ev.Type != sign.EventCommandUpdate || ev.SignID != "2" || ev.Command != sign.ModeCross {
		t.Errorf("live event = %+v, want command_update for 2 with 3", ev)
	}
}

func TestWebSocket_ReplayThenLive(t *testing.T) {
	f := testServer(t)
	ts := httptest.NewServer(f.router)
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/signs/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second)) //nolint:errcheck // Test deadline

	for _, want := range []string{"1", "2", "3"} {
		var ev sign.UpdateEvent
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("reading replay: %v", err)
		}
		if ev.Sign.ID != want {
			t.Errorf("replay sign = %s, want %s", ev.Sign.ID, want)
		}
	}

	f.do(t, http.MethodPost, "/api/signs/1/status", validStatusBody)

	var ev sign.UpdateEvent
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("reading live event: %v", err)
	}
	if ev.Sign.ID != "1" || ev.Sign.Status != sign.StatusOnline {
		t.Errorf("live event = %+v, want sign 1 online", ev.Sign)
	}
}

func TestWebSocket_DisconnectUnsubscribes(t *testing.T) {
	f := testServer(t)
	ts := httptest.NewServer(f.router)
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/signs/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	waitFor(t, func() bool { return f.hub.Count() == 1 })
	conn.Close()
	waitFor(t, func() bool { return f.hub.Count() == 0 })
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met within 5s")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
