package mcp_test

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MrWong99/glyphoxa-kws/internal/detect"
	"github.com/MrWong99/glyphoxa-kws/internal/keyword"
	"github.com/MrWong99/glyphoxa-kws/internal/mcp"
	"github.com/MrWong99/glyphoxa-kws/internal/session"
	acmock "github.com/MrWong99/glyphoxa-kws/pkg/provider/acoustic/mock"
	vadmock "github.com/MrWong99/glyphoxa-kws/pkg/provider/vad/mock"
)

func newClient(t *testing.T) (*mcpsdk.ClientSession, *keyword.Registry, *session.Manager) {
	t.Helper()

	ac := &acmock.Provider{
		ModelIDValue: "test-model",
		Pronunciations: map[string][]float32{
			"həˈloʊ":      {1, 0},
			"kəmˈpjuːtər": {0, 1},
		},
	}
	reg := keyword.NewRegistry(ac)
	if _, _, err := reg.Add(context.Background(), "hello", []string{"həˈloʊ"}); err != nil {
		t.Fatal(err)
	}
	store, err := detect.NewConfigStore(detect.DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	mgr, err := session.NewManager(session.ManagerConfig{
		Registry:  reg,
		Acoustic:  ac,
		VAD:       &vadmock.Engine{Session: &vadmock.Session{}},
		Detection: store,
	})
	if err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(mcp.NewServer(reg, mgr, "test").Handler())
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	client := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "kws-test", Version: "1.0.0"}, nil)
	cs, err := client.Connect(ctx, &mcpsdk.StreamableClientTransport{Endpoint: srv.URL}, nil)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = cs.Close() })
	return cs, reg, mgr
}

// call invokes a tool and returns its concatenated text content.
func call(t *testing.T, cs *mcpsdk.ClientSession, name string, args map[string]any) (string, bool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := cs.CallTool(ctx, &mcpsdk.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		t.Fatalf("CallTool %s: %v", name, err)
	}
	var sb strings.Builder
	for _, c := range res.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	return sb.String(), res.IsError
}

func TestServer_ListsTools(t *testing.T) {
	t.Parallel()
	cs, _, _ := newClient(t)

	var names []string
	for tool, err := range cs.Tools(context.Background(), nil) {
		if err != nil {
			t.Fatalf("Tools: %v", err)
		}
		names = append(names, tool.Name)
	}
	slices.Sort(names)
	want := []string{"add_keyword", "get_config", "get_stats", "list_keywords", "remove_keyword", "update_config"}
	if !slices.Equal(names, want) {
		t.Errorf("tools = %v, want %v", names, want)
	}
}

func TestServer_KeywordLifecycle(t *testing.T) {
	t.Parallel()
	cs, reg, _ := newClient(t)

	text, isErr := call(t, cs, "add_keyword", map[string]any{
		"keyword": "computer",
		"ipa":     []string{"kəmˈpjuːtər"},
	})
	if isErr {
		t.Fatalf("add_keyword failed: %s", text)
	}
	if _, ok := reg.Get("computer"); !ok {
		t.Fatal("computer not enrolled")
	}

	text, isErr = call(t, cs, "list_keywords", map[string]any{})
	if isErr {
		t.Fatalf("list_keywords failed: %s", text)
	}
	var listed struct {
		Keywords map[string][]string `json:"keywords"`
	}
	if err := json.Unmarshal([]byte(text), &listed); err != nil {
		t.Fatalf("decode %q: %v", text, err)
	}
	if len(listed.Keywords) != 2 || listed.Keywords["computer"][0] != "kəmˈpjuːtər" {
		t.Errorf("keywords = %v", listed.Keywords)
	}

	text, isErr = call(t, cs, "add_keyword", map[string]any{"keyword": "hello", "ipa": []string{"həˈloʊ"}})
	if !isErr || !strings.Contains(text, session.KindValidation) {
		t.Errorf("duplicate add = %q (error %v), want validation error", text, isErr)
	}

	if text, isErr = call(t, cs, "remove_keyword", map[string]any{"keyword": "computer"}); isErr {
		t.Fatalf("remove_keyword failed: %s", text)
	}
	if reg.Len() != 1 {
		t.Errorf("registry len = %d, want 1", reg.Len())
	}
	if _, isErr = call(t, cs, "remove_keyword", map[string]any{"keyword": "computer"}); !isErr {
		t.Error("removing an unknown keyword succeeded")
	}
}

func TestServer_UpdateConfig(t *testing.T) {
	t.Parallel()
	cs, _, mgr := newClient(t)

	text, isErr := call(t, cs, "update_config", map[string]any{"threshold": 0.9})
	if isErr {
		t.Fatalf("update_config failed: %s", text)
	}
	var view detect.View
	if err := json.Unmarshal([]byte(text), &view); err != nil {
		t.Fatalf("decode %q: %v", text, err)
	}
	if view.Threshold != 0.9 || view.MinGap != 0.5 {
		t.Errorf("view = %+v", view)
	}
	if mgr.Config().Threshold != 0.9 {
		t.Errorf("manager threshold = %v", mgr.Config().Threshold)
	}

	text, isErr = call(t, cs, "update_config", map[string]any{"threshold": 3, "min_gap": 0.1})
	if !isErr || !strings.Contains(text, "threshold") {
		t.Errorf("invalid update = %q (error %v)", text, isErr)
	}
	if got := mgr.Config(); got.Threshold != 0.9 || got.MinGap != 0.5 {
		t.Errorf("invalid update changed config: %+v", got)
	}
}

func TestServer_Stats(t *testing.T) {
	t.Parallel()
	cs, reg, _ := newClient(t)
	if err := reg.RecordDetection(keyword.Detection{Keyword: "hello", At: time.Unix(1700000000, 0)}); err != nil {
		t.Fatal(err)
	}

	text, isErr := call(t, cs, "get_stats", map[string]any{})
	if isErr {
		t.Fatalf("get_stats failed: %s", text)
	}
	var st session.StatsView
	if err := json.Unmarshal([]byte(text), &st); err != nil {
		t.Fatalf("decode %q: %v", text, err)
	}
	if st.Global.TotalDetections != 1 || st.Keywords["hello"].LastDetection != 1700000000 {
		t.Errorf("stats = %+v", st)
	}
}
