package server_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/glyphoxa-kws/internal/detect"
	"github.com/MrWong99/glyphoxa-kws/internal/health"
	"github.com/MrWong99/glyphoxa-kws/internal/keyword"
	"github.com/MrWong99/glyphoxa-kws/internal/observe"
	"github.com/MrWong99/glyphoxa-kws/internal/server"
	"github.com/MrWong99/glyphoxa-kws/internal/session"
	"github.com/MrWong99/glyphoxa-kws/pkg/audio"
	acmock "github.com/MrWong99/glyphoxa-kws/pkg/provider/acoustic/mock"
	"github.com/MrWong99/glyphoxa-kws/pkg/provider/vad"
	vadmock "github.com/MrWong99/glyphoxa-kws/pkg/provider/vad/mock"
)

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

type fixture struct {
	srv      *httptest.Server
	registry *keyword.Registry
	acoustic *acmock.Provider
	manager  *session.Manager
}

type fixtureOpts struct {
	noAcoustic bool
	seed       bool
	cfg        server.Config
}

func newFixture(t *testing.T, o fixtureOpts) *fixture {
	t.Helper()

	ac := &acmock.Provider{
		ModelIDValue: "test-model",
		Pronunciations: map[string][]float32{
			"həˈloʊ":      {1, 0},
			"kəmˈpjuːtər": {0, 1},
			"kəmˈjuːtər":  {0.1, 0.9},
			"ɡʊdˈbaɪ":     {0.5, 0.5},
		},
	}
	ac.SetFeatures([]float32{0.95, 0.3})

	reg := keyword.NewRegistry(ac, keyword.WithConfusableChecker(keyword.NewConfusableChecker()))
	if o.seed {
		ctx := context.Background()
		for name, ipa := range map[string]string{"hello": "həˈloʊ", "computer": "kəmˈpjuːtər"} {
			if _, _, err := reg.Add(ctx, name, []string{ipa}); err != nil {
				t.Fatalf("Add %s: %v", name, err)
			}
		}
	}

	store, err := detect.NewConfigStore(detect.DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	metrics, err := observe.NewMetrics(sdkmetric.NewMeterProvider())
	if err != nil {
		t.Fatal(err)
	}

	mc := session.ManagerConfig{
		Registry:  reg,
		Acoustic:  ac,
		VAD:       &vadmock.Engine{Session: &vadmock.Session{Result: vad.Result{Type: vad.VADSpeechContinue, Speaking: true}}},
		Detection: store,
		Metrics:   metrics,
	}
	if o.noAcoustic {
		mc.Acoustic = nil
	}
	mgr, err := session.NewManager(mc)
	if err != nil {
		t.Fatal(err)
	}

	h := health.New(health.Checker{Name: "registry", Check: health.RegistryCheck(reg)})
	s := server.New(o.cfg, mgr, reg,
		server.WithHealth(h),
		server.WithMetrics(metrics),
		server.WithMetricsHandler(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = io.WriteString(w, "# metrics\n")
		})),
	)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, registry: reg, acoustic: ac, manager: mgr}
}

func (f *fixture) do(t *testing.T, method, path, body string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("%s %s: decode: %v", method, path, err)
	}
	return resp.StatusCode, out
}

// ---------------------------------------------------------------------------
// REST
// ---------------------------------------------------------------------------

func TestKeywords_CRUD(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fixtureOpts{seed: true})

	status, body := f.do(t, http.MethodGet, "/keywords", "")
	if status != http.StatusOK || len(body) != 2 {
		t.Fatalf("GET /keywords = %d %v", status, body)
	}

	status, body = f.do(t, http.MethodPost, "/keywords", `{"keyword":"goodbye","ipa_string":["ɡʊdˈbaɪ"]}`)
	if status != http.StatusCreated || body["status"] != "success" || body["message"] != "Added keyword: goodbye" {
		t.Fatalf("POST = %d %v", status, body)
	}

	status, body = f.do(t, http.MethodDelete, "/keywords/goodbye", "")
	if status != http.StatusOK || body["message"] != "Removed keyword: goodbye" {
		t.Fatalf("DELETE = %d %v", status, body)
	}
	if f.registry.Len() != 2 {
		t.Errorf("registry len = %d, want 2", f.registry.Len())
	}
}

func TestAddKeyword_SingleStringAndWarnings(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fixtureOpts{seed: true})

	status, body := f.do(t, http.MethodPost, "/keywords", `{"keyword":"commuter","ipa_string":"kəmˈjuːtər"}`)
	if status != http.StatusCreated {
		t.Fatalf("POST = %d %v", status, body)
	}
	ipa, _ := body["ipa"].([]any)
	if len(ipa) != 1 || ipa[0] != "kəmˈjuːtər" {
		t.Errorf("ipa = %v", body["ipa"])
	}
	warnings, _ := body["warnings"].([]any)
	if len(warnings) == 0 || !strings.Contains(warnings[0].(string), "computer") {
		t.Errorf("warnings = %v, want a confusable warning", body["warnings"])
	}
}

func TestKeywords_Errors(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fixtureOpts{seed: true})

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
	}{
		{"duplicate", http.MethodPost, "/keywords", `{"keyword":"hello","ipa_string":"həˈloʊ"}`, http.StatusConflict},
		{"missing pronunciation", http.MethodPost, "/keywords", `{"keyword":"new","ipa_string":[]}`, http.StatusBadRequest},
		{"blank pronunciation", http.MethodPost, "/keywords", `{"keyword":"new","ipa_string":"  "}`, http.StatusBadRequest},
		{"missing name", http.MethodPost, "/keywords", `{"ipa_string":"həˈloʊ"}`, http.StatusBadRequest},
		{"bad json", http.MethodPost, "/keywords", `{"keyword":`, http.StatusBadRequest},
		{"bad ipa type", http.MethodPost, "/keywords", `{"keyword":"x","ipa_string":7}`, http.StatusBadRequest},
		{"unknown field", http.MethodPost, "/keywords", `{"keyword":"x","ipa":"y"}`, http.StatusBadRequest},
		{"unknown keyword", http.MethodDelete, "/keywords/nope", "", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			status, body := f.do(t, tt.method, tt.path, tt.body)
			if status != tt.status {
				t.Errorf("status = %d, want %d (%v)", status, tt.status, body)
			}
			if body["status"] != "error" || body["kind"] != session.KindValidation || body["message"] == "" {
				t.Errorf("body = %v", body)
			}
		})
	}
}

func TestConfig_GetAndUpdate(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fixtureOpts{})

	status, body := f.do(t, http.MethodGet, "/config", "")
	if status != http.StatusOK || body["threshold"] != 0.7 || body["cooldown"] != 0.5 {
		t.Fatalf("GET /config = %d %v", status, body)
	}

	status, body = f.do(t, http.MethodPut, "/config", `{"threshold":0.8,"cooldown":1.5}`)
	if status != http.StatusOK || body["message"] != "Configuration updated" {
		t.Fatalf("PUT /config = %d %v", status, body)
	}
	cfg, _ := body["config"].(map[string]any)
	if cfg["threshold"] != 0.8 || cfg["cooldown"] != 1.5 || cfg["min_gap"] != 0.5 {
		t.Errorf("config = %v", cfg)
	}
	if got := f.manager.Config(); got.Threshold != 0.8 || got.Cooldown != 1500*time.Millisecond {
		t.Errorf("manager config = %+v", got)
	}
}

func TestConfig_InvalidUpdateListsEveryField(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fixtureOpts{})

	status, body := f.do(t, http.MethodPut, "/config", `{"threshold":2,"cooldown":-1}`)
	if status != http.StatusBadRequest || body["kind"] != session.KindValidation {
		t.Fatalf("PUT /config = %d %v", status, body)
	}
	msg, _ := body["message"].(string)
	for _, want := range []string{"threshold", "cooldown"} {
		if !strings.Contains(msg, want) {
			t.Errorf("message %q does not mention %s", msg, want)
		}
	}
	if f.manager.Config() != detect.DefaultConfig() {
		t.Error("invalid update changed the config")
	}
}

func TestStats(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fixtureOpts{seed: true})
	at := time.Unix(1700000000, 0)
	err := f.registry.RecordDetection(keyword.Detection{
		Keyword: "hello", At: at, Confidence: 0.9, Gap: 0.6,
		Latency: 200 * time.Millisecond, LatencyKnown: true,
	})
	if err != nil {
		t.Fatal(err)
	}

	status, body := f.do(t, http.MethodGet, "/stats", "")
	if status != http.StatusOK {
		t.Fatalf("GET /stats = %d", status)
	}
	global, _ := body["global"].(map[string]any)
	if global["total_detections"] != 1.0 || global["last_detection"] != 1700000000.0 || global["active_sessions"] != 0.0 {
		t.Errorf("global = %v", global)
	}
	kws, _ := body["keywords"].(map[string]any)
	hello, _ := kws["hello"].(map[string]any)
	if hello["detections"] != 1.0 || hello["avg_recognition_time"] != 200.0 || hello["last_detection"] != 1700000000.0 {
		t.Errorf("hello = %v", hello)
	}
	computer, _ := kws["computer"].(map[string]any)
	if computer["detections"] != 0.0 || computer["last_detection"] != 0.0 || computer["max_recognition_time"] != 0.0 {
		t.Errorf("computer = %v", computer)
	}
}

func TestRateLimit(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fixtureOpts{cfg: server.Config{RequestsPerSecond: 0.001, Burst: 2}})

	for i := range 2 {
		if status, _ := f.do(t, http.MethodGet, "/keywords", ""); status != http.StatusOK {
			t.Fatalf("request %d = %d", i, status)
		}
	}
	status, body := f.do(t, http.MethodGet, "/keywords", "")
	if status != http.StatusTooManyRequests || body["kind"] != "rate_limited" {
		t.Errorf("third request = %d %v", status, body)
	}

	// Probes are not limited.
	if status, _ := f.do(t, http.MethodGet, "/healthz", ""); status != http.StatusOK {
		t.Errorf("/healthz = %d", status)
	}
}

func TestProbesAndMetrics(t *testing.T) {
	t.Parallel()

	empty := newFixture(t, fixtureOpts{})
	if status, body := empty.do(t, http.MethodGet, "/readyz", ""); status != http.StatusServiceUnavailable {
		t.Errorf("/readyz without keywords = %d %v", status, body)
	}

	seeded := newFixture(t, fixtureOpts{seed: true})
	if status, body := seeded.do(t, http.MethodGet, "/readyz", ""); status != http.StatusOK {
		t.Errorf("/readyz = %d %v", status, body)
	}

	resp, err := http.Get(seeded.srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/metrics = %d", resp.StatusCode)
	}
}

// ---------------------------------------------------------------------------
// WebSocket
// ---------------------------------------------------------------------------

type wsFrame struct {
	Type    string         `json:"type"`
	LogType string         `json:"log_type"`
	Message string         `json:"message"`
	Kind    string         `json:"kind"`
	Data    map[string]any `json:"data"`
}

func dial(t *testing.T, f *fixture) (*websocket.Conn, context.Context) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	wsURL := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	return conn, ctx
}

func read(t *testing.T, ctx context.Context, conn *websocket.Conn) wsFrame {
	t.Helper()
	var fr wsFrame
	if err := wsjson.Read(ctx, conn, &fr); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return fr
}

func halfSecond() []byte {
	s := make([]int16, 8000)
	for i := range s {
		s[i] = 8000
	}
	return audio.Int16sToBytes(s)
}

func TestWS_DetectionFlow(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fixtureOpts{seed: true})
	conn, ctx := dial(t, f)

	open := read(t, ctx, conn)
	if open.LogType != session.LogSystem || !strings.Contains(open.Message, "Client ID: ") {
		t.Fatalf("first frame = %+v", open)
	}
	if f.manager.ActiveSessions() != 1 {
		t.Errorf("active sessions = %d", f.manager.ActiveSessions())
	}

	if err := conn.Write(ctx, websocket.MessageBinary, halfSecond()); err != nil {
		t.Fatal(err)
	}
	det := read(t, ctx, conn)
	if det.Type != session.FrameResult || det.Data["keyword_detected"] != true || det.Data["keyword"] != "hello" {
		t.Fatalf("detection frame = %+v", det)
	}
	if det.Data["start_time"] != nil {
		t.Errorf("start_time = %v, want null without a speech start", det.Data["start_time"])
	}

	// A too-short chunk is reported and the stream continues.
	if err := conn.Write(ctx, websocket.MessageBinary, make([]byte, 100)); err != nil {
		t.Fatal(err)
	}
	if fr := read(t, ctx, conn); fr.LogType != session.LogError || fr.Kind != session.KindAudioProcessing {
		t.Errorf("frame = %+v, want audio_processing error", fr)
	}

	if err := wsjson.Write(ctx, conn, map[string]string{"type": "stop"}); err != nil {
		t.Fatal(err)
	}
	bye := read(t, ctx, conn)
	if bye.LogType != session.LogSystem || !strings.Contains(bye.Message, "disconnected") {
		t.Errorf("last frame = %+v", bye)
	}
	_, _, err := conn.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
		t.Errorf("close = %v, want normal closure", err)
	}
}

func TestWS_WarnsWithoutKeywords(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fixtureOpts{})
	conn, ctx := dial(t, f)

	read(t, ctx, conn)
	if fr := read(t, ctx, conn); fr.LogType != session.LogWarning {
		t.Fatalf("second frame = %+v, want warning", fr)
	}

	if err := conn.Write(ctx, websocket.MessageBinary, halfSecond()); err != nil {
		t.Fatal(err)
	}
	fr := read(t, ctx, conn)
	if fr.Data["keyword_detected"] != false {
		t.Errorf("frame = %+v, want telemetry", fr)
	}
	if scores, _ := fr.Data["scores"].(map[string]any); len(scores) != 0 {
		t.Errorf("scores = %v, want empty", scores)
	}
	if f.acoustic.ExtractCount() != 0 {
		t.Errorf("extract calls = %d with no keywords", f.acoustic.ExtractCount())
	}
}

func TestWS_ModelUnavailableClosesWithReason(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fixtureOpts{noAcoustic: true})
	conn, ctx := dial(t, f)

	fr := read(t, ctx, conn)
	if fr.LogType != session.LogError || fr.Kind != session.KindModelState {
		t.Fatalf("frame = %+v, want model_state error", fr)
	}
	_, _, err := conn.Read(ctx)
	var ce websocket.CloseError
	if !errors.As(err, &ce) || ce.Code != websocket.StatusInternalError || ce.Reason == "" {
		t.Errorf("close = %v, want internal error with reason", err)
	}
}
