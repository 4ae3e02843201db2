package web

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sweeney/eol-tester/internal/channel"
	"github.com/sweeney/eol-tester/internal/config"
	"github.com/sweeney/eol-tester/internal/fixture"
	"github.com/sweeney/eol-tester/internal/kv"
	"github.com/sweeney/eol-tester/internal/status"
)

func testConfig() config.Config {
	return config.Config{
		Variant: "bodydoor",
		Baud:    115200,
		Ports: config.Ports{
			Primary:   fixture.SimPrimaryPort,
			Secondary: fixture.SimSecondaryPort,
		},
		Transport: config.TransportConfig{
			PollInterval:      time.Millisecond,
			HeartbeatInterval: time.Hour,
			ActivityWindow:    time.Hour,
		},
		Sequencer: config.SequencerConfig{
			SettleDelay:     20 * time.Millisecond,
			RetryDelay:      5 * time.Millisecond,
			MaxRetries:      3,
			ConnectAttempts: 1,
			RunOutputs:      true,
		},
		QuickRead: config.QuickReadConfig{Spacing: 10 * time.Millisecond, RetryGap: 5 * time.Millisecond, Retries: 1},
	}
}

func newTestServer(t *testing.T) (*httptest.Server, *fixture.Fixture, *status.Tracker) {
	t.Helper()
	cfg := testConfig()
	reg, err := channel.New(channel.VariantBodyDoor)
	if err != nil {
		t.Fatal(err)
	}
	sim := fixture.NewSimulator(reg)
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tr := status.NewTracker(start, status.Config{
		Variant:  cfg.Variant,
		Broker:   "tcp://192.168.1.200:1883",
		HTTPAddr: ":80",
		Store:    config.StoreMemory,
	})
	fx, err := fixture.New(fixture.Options{
		Config:  cfg,
		KV:      kv.NewMemory(),
		Opener:  sim.Opener.Open,
		Lister:  sim.Opener.Ports,
		Tracker: tr,
	})
	if err != nil {
		t.Fatalf("fixture.New: %v", err)
	}
	t.Cleanup(fx.Close)

	srv := New(":0", fx, nil)
	ts := httptest.NewServer(srv.httpServer.Handler)
	t.Cleanup(ts.Close)
	return ts, fx, tr
}

func do(t *testing.T, method, url, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, bytes.NewBufferString(body))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestJSONEndpoint(t *testing.T) {
	ts, _, tr := newTestServer(t)
	tr.SetNetwork(&status.NetworkInfo{Type: "wifi", IP: "192.168.1.42", Status: "connected", SSID: "MyNet"})

	resp := do(t, http.MethodGet, ts.URL+"/index.json", "")
	if resp.StatusCode != 200 {
		t.Errorf("status: got %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type: got %q, want application/json", ct)
	}

	var sj status.StatusJSON
	if err := json.NewDecoder(resp.Body).Decode(&sj); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if len(sj.Status.Devices) != 2 || sj.Status.Devices[0].Name != "primary" {
		t.Errorf("devices: %+v", sj.Status.Devices)
	}
	if sj.Status.Devices[1].State != "DISCONNECTED" {
		t.Errorf("secondary before connect: %+v", sj.Status.Devices[1])
	}
	if sj.Status.MQTT.Broker != "tcp://192.168.1.200:1883" {
		t.Errorf("MQTT.Broker: got %q", sj.Status.MQTT.Broker)
	}
	if sj.Status.Network == nil || sj.Status.Network.IP != "192.168.1.42" {
		t.Errorf("network: %+v", sj.Status.Network)
	}
}

func TestHTMLEndpoints(t *testing.T) {
	ts, _, _ := newTestServer(t)

	for _, path := range []string{"/", "/index.html"} {
		resp := do(t, http.MethodGet, ts.URL+path, "")
		if resp.StatusCode != 200 {
			t.Errorf("%s: got %d, want 200", path, resp.StatusCode)
		}
		if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
			t.Errorf("%s Content-Type: got %q", path, ct)
		}
		var buf bytes.Buffer
		buf.ReadFrom(resp.Body)
		if !strings.Contains(buf.String(), "EOL Tester (bodydoor)") {
			t.Errorf("%s: page lacks variant heading", path)
		}
	}
}

func TestNotFoundForUnknownPath(t *testing.T) {
	ts, _, _ := newTestServer(t)
	if resp := do(t, http.MethodGet, ts.URL+"/nonexistent", ""); resp.StatusCode != 404 {
		t.Errorf("status: got %d, want 404", resp.StatusCode)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDetectAndCancel(t *testing.T) {
	ts, fx, _ := newTestServer(t)

	if resp := do(t, http.MethodPost, ts.URL+"/api/detect", ""); resp.StatusCode != http.StatusAccepted {
		t.Fatalf("start: got %d", resp.StatusCode)
	}
	waitFor(t, "session", func() bool { _, ok := fx.Session(); return ok })

	if resp := do(t, http.MethodPost, ts.URL+"/api/detect", ""); resp.StatusCode != http.StatusConflict {
		t.Errorf("second start: got %d, want 409", resp.StatusCode)
	}

	resp := do(t, http.MethodGet, ts.URL+"/api/session", "")
	var sr SessionResponse
	json.NewDecoder(resp.Body).Decode(&sr)
	if !sr.Active || sr.Session == nil || sr.Session.ID == "" {
		t.Errorf("session: %+v", sr)
	}

	resp = do(t, http.MethodPost, ts.URL+"/api/detect/cancel", "")
	var cancelled map[string]bool
	json.NewDecoder(resp.Body).Decode(&cancelled)
	if !cancelled["cancelled"] {
		t.Error("cancel reported no session")
	}
	waitFor(t, "aborted verdict", func() bool { return fx.Status().Totals.Aborted == 1 })
}

func TestQuickReadAPI(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp := do(t, http.MethodPost, ts.URL+"/api/quickread/primary", `{"channels":[8,10]}`)
	if resp.StatusCode != 200 {
		t.Fatalf("status: got %d", resp.StatusCode)
	}
	var qr QuickReadResponse
	if err := json.NewDecoder(resp.Body).Decode(&qr); err != nil {
		t.Fatal(err)
	}
	if len(qr.Results) != 2 || !qr.Results[0].Got || qr.Results[0].Value != 300 || qr.Results[1].Value != 1500 {
		t.Errorf("results: %+v", qr.Results)
	}

	if resp := do(t, http.MethodPost, ts.URL+"/api/quickread/tertiary", ""); resp.StatusCode != 404 {
		t.Errorf("unknown device: got %d, want 404", resp.StatusCode)
	}
}

func TestThresholdsAPI(t *testing.T) {
	ts, fx, _ := newTestServer(t)

	resp := do(t, http.MethodGet, ts.URL+"/api/thresholds", "")
	var th ThresholdsResponse
	if err := json.NewDecoder(resp.Body).Decode(&th); err != nil {
		t.Fatal(err)
	}
	if len(th.Ranges) != 3 {
		t.Fatalf("buckets: %d, want 3", len(th.Ranges))
	}
	if th.Power["3v3"] != 3000 || th.Tolerance["flow"] != 50 {
		t.Errorf("scalars: %v %v", th.Power, th.Tolerance)
	}

	resp = do(t, http.MethodPut, ts.URL+"/api/thresholds/secondary/running", `{"min":600,"max":3000}`)
	if resp.StatusCode != 200 {
		t.Fatalf("set-all: got %d", resp.StatusCode)
	}
	if got := fx.Thresholds().Get("secondary", "running", 12); got.Min != 600 || got.Max != 3000 {
		t.Errorf("Fan running after set-all: %+v", got)
	}

	resp = do(t, http.MethodPut, ts.URL+"/api/thresholds/secondary/idle/12", `{"min":10,"max":20}`)
	if resp.StatusCode != 200 {
		t.Fatalf("set: got %d", resp.StatusCode)
	}
	if got := fx.Thresholds().Get("secondary", "idle", 12); got.Min != 10 || got.Max != 20 {
		t.Errorf("Fan idle: %+v", got)
	}

	tests := []struct {
		name, method, path, body string
		want                     int
	}{
		{"inverted range", http.MethodPut, "/api/thresholds/secondary/idle/12", `{"min":30,"max":20}`, 400},
		{"missing max", http.MethodPut, "/api/thresholds/secondary/idle", `{"min":30}`, 400},
		{"unknown channel", http.MethodPut, "/api/thresholds/secondary/idle/99", `{"min":1,"max":2}`, 404},
		{"primary never runs", http.MethodPut, "/api/thresholds/primary/running", `{"min":1,"max":2}`, 404},
		{"unknown rail", http.MethodPut, "/api/thresholds/power/5v", `{"value":1}`, 404},
		{"negative tolerance", http.MethodPut, "/api/thresholds/tolerance/flow", `{"value":-1}`, 400},
		{"power", http.MethodPut, "/api/thresholds/power/door24v", `{"value":21000}`, 200},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if resp := do(t, tt.method, ts.URL+tt.path, tt.body); resp.StatusCode != tt.want {
				t.Errorf("got %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
	if fx.Thresholds().Power("door24v") != 21000 {
		t.Error("power override not applied")
	}

	if resp := do(t, http.MethodPost, ts.URL+"/api/thresholds/reset", ""); resp.StatusCode != 200 {
		t.Fatalf("reset: got %d", resp.StatusCode)
	}
	if got := fx.Thresholds().Get("secondary", "idle", 12); got.Min != 0 || got.Max != 100 {
		t.Errorf("Fan idle after reset: %+v", got)
	}
}

func TestDebugAPI(t *testing.T) {
	ts, fx, _ := newTestServer(t)

	resp := do(t, http.MethodGet, ts.URL+"/api/debug", "")
	var dr DebugResponse
	json.NewDecoder(resp.Body).Decode(&dr)
	if dr.Steps == nil || len(dr.Steps) != 0 {
		t.Errorf("steps before any session: %+v", dr.Steps)
	}

	if resp := do(t, http.MethodPut, ts.URL+"/api/debug/mode", `{"enabled":true}`); resp.StatusCode != 200 {
		t.Errorf("mode: got %d", resp.StatusCode)
	}
	if !fx.Status().Config.SlowDebug {
		t.Error("slow debug not reflected in status")
	}
	for _, action := range []string{"next", "prev", "pause", "resume"} {
		if resp := do(t, http.MethodPost, ts.URL+"/api/debug/"+action, ""); resp.StatusCode != 200 {
			t.Errorf("%s: got %d", action, resp.StatusCode)
		}
	}
	if resp := do(t, http.MethodPost, ts.URL+"/api/debug/rewind", ""); resp.StatusCode != 404 {
		t.Errorf("unknown action: got %d, want 404", resp.StatusCode)
	}
}

func TestWebsocketStream(t *testing.T) {
	ts, _, _ := newTestServer(t)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var first struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read: %v", err)
	}
	if first.Type != EventStatus || !bytes.Contains(first.Data, []byte(`"devices"`)) {
		t.Errorf("first message: %s %s", first.Type, first.Data)
	}

	// A threshold change is pushed to the stream.
	do(t, http.MethodPost, ts.URL+"/api/thresholds/reset", "")
	var next struct {
		Type string `json:"type"`
	}
	if err := conn.ReadJSON(&next); err != nil {
		t.Fatalf("read: %v", err)
	}
	if next.Type != fixture.EventThresholds {
		t.Errorf("event type %q, want thresholds", next.Type)
	}
}
