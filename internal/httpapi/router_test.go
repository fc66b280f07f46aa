package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/charmbracelet/log"

	"github.com/xiy/projmem/internal/analyzer"
	"github.com/xiy/projmem/internal/chat"
	"github.com/xiy/projmem/internal/ledger"
	"github.com/xiy/projmem/internal/memory"
	"github.com/xiy/projmem/internal/metrics"
	"github.com/xiy/projmem/internal/provider"
	"github.com/xiy/projmem/internal/watch"
	"github.com/xiy/projmem/internal/workspace"
	"github.com/xiy/projmem/pkg/types"
)

type captureSink struct {
	mu   sync.Mutex
	rows []ledger.Request
}

func (c *captureSink) LogRequest(_ context.Context, rec ledger.Request) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rows = append(c.rows, rec)
	return nil
}

func (c *captureSink) snapshot() []ledger.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ledger.Request(nil), c.rows...)
}

type echoProvider struct{}

func (echoProvider) ID() string                                       { return "openai" }
func (echoProvider) Name() string                                     { return "Echo" }
func (echoProvider) IsConfigured() bool                               { return true }
func (echoProvider) Configure(context.Context, provider.Config) error { return nil }
func (echoProvider) Models(context.Context) []string                  { return []string{"echo-1"} }
func (echoProvider) TestConnection(context.Context) bool              { return true }

func (echoProvider) SendMessage(_ context.Context, msgs []types.Message, _ types.MessageContext) (types.Response, error) {
	return types.Response{Content: "echo: " + msgs[len(msgs)-1].Content}, nil
}

type panicProvider struct{ echoProvider }

func (panicProvider) ID() string { return "anthropic" }

func (panicProvider) SendMessage(context.Context, []types.Message, types.MessageContext) (types.Response, error) {
	panic("boom")
}

func newTestAPI(t *testing.T) (*httptest.Server, *workspace.Workspace, *captureSink) {
	t.Helper()
	logger := log.NewWithOptions(io.Discard, log.Options{})
	m := metrics.New()
	session := chat.NewSession(chat.Options{
		Registry: provider.NewRegistryOf(echoProvider{}, panicProvider{}),
		Logger:   logger,
		Metrics:  m,
	})
	mgr := memory.NewManager(memory.Options{
		Dir:      t.TempDir(),
		Analyzer: analyzer.New(analyzer.DefaultDepth, logger),
		Logger:   logger,
		Metrics:  m,
	})
	ws := workspace.New(workspace.Options{Session: session, Memory: mgr, Tracker: watch.New(10, 0, logger), Logger: logger})
	sink := &captureSink{}
	srv := httptest.NewServer(NewRouter(ws, m, sink, logger))
	t.Cleanup(srv.Close)
	return srv, ws, sink
}

func do(t *testing.T, method, target, body string) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, target, rd)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s error = %v", method, target, err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp, b
}

func TestHealthAndRequestID(t *testing.T) {
	t.Parallel()
	srv, _, _ := newTestAPI(t)
	resp, body := do(t, http.MethodGet, srv.URL+"/health", "")
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"status":"ok"`) {
		t.Fatalf("GET /health = %d %s", resp.StatusCode, body)
	}
	if len(resp.Header.Get("X-Request-ID")) != 8 {
		t.Fatalf("X-Request-ID = %q", resp.Header.Get("X-Request-ID"))
	}
}

func TestMessagesFlow(t *testing.T) {
	t.Parallel()
	srv, ws, sink := newTestAPI(t)

	resp, body := do(t, http.MethodPost, srv.URL+"/ai/messages", `{"message":"hi"}`)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("send without provider = %d %s", resp.StatusCode, body)
	}
	if resp, _ := do(t, http.MethodPost, srv.URL+"/ai/messages", `{"message":" "}`); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("blank message = %d", resp.StatusCode)
	}
	if resp, _ := do(t, http.MethodPut, srv.URL+"/ai/providers/cohere", ""); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown provider = %d", resp.StatusCode)
	}

	resp, body = do(t, http.MethodPut, srv.URL+"/ai/providers/openai", `{"apiKey":"sk-test"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("set provider = %d %s", resp.StatusCode, body)
	}
	resp, body = do(t, http.MethodPost, srv.URL+"/ai/messages", `{"message":"hi"}`)
	var got types.Response
	if resp.StatusCode != http.StatusOK || json.Unmarshal(body, &got) != nil || got.Content != "echo: hi" {
		t.Fatalf("send = %d %s", resp.StatusCode, body)
	}

	_, body = do(t, http.MethodGet, srv.URL+"/ai/models", "")
	if !strings.Contains(string(body), "echo-1") {
		t.Fatalf("models = %s", body)
	}
	_, body = do(t, http.MethodPost, srv.URL+"/ai/providers/current/test", "")
	if !strings.Contains(string(body), `"connected":true`) {
		t.Fatalf("test connection = %s", body)
	}

	resp, body = do(t, http.MethodPost, srv.URL+"/ai/tasks", `{"task":"explain","code":"x","filePath":"a.go"}`)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"content":"echo: Explain this code`) {
		t.Fatalf("task = %d %s", resp.StatusCode, body)
	}
	if resp, _ := do(t, http.MethodPost, srv.URL+"/ai/tasks", `{"task":"poem"}`); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown task = %d", resp.StatusCode)
	}
	if resp, _ := do(t, http.MethodGet, srv.URL+"/ai/diagnose", ""); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("diagnose echo = %d", resp.StatusCode)
	}
	ws.Session().Clear()
	if resp, body := do(t, http.MethodPost, srv.URL+"/ai/messages", `{"message":"hi"}`); resp.StatusCode != http.StatusOK {
		t.Fatalf("send after clear = %d %s", resp.StatusCode, body)
	}

	_, history := do(t, http.MethodGet, srv.URL+"/ai/history", "")
	var msgs []types.Message
	if err := json.Unmarshal(history, &msgs); err != nil || len(msgs) != 2 {
		t.Fatalf("history = %s", history)
	}
	if resp, _ := do(t, http.MethodDelete, srv.URL+"/ai/history", ""); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("clear = %d", resp.StatusCode)
	}
	if resp, _ := do(t, http.MethodPut, srv.URL+"/ai/history", `[{"role":"robot","content":"x"}]`); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("import invalid role = %d", resp.StatusCode)
	}
	resp, body = do(t, http.MethodPut, srv.URL+"/ai/history", string(history))
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"messages":2`) {
		t.Fatalf("import = %d %s", resp.StatusCode, body)
	}

	var sawConflict bool
	for _, row := range sink.snapshot() {
		if row.Method == "POST /ai/messages" && !row.Success && row.ErrorText != "" {
			sawConflict = true
		}
		if row.Transport != "http" {
			t.Fatalf("row transport = %q", row.Transport)
		}
	}
	if !sawConflict {
		t.Fatalf("ledger rows = %+v", sink.snapshot())
	}
}

func TestRecoveryOnPanic(t *testing.T) {
	t.Parallel()
	srv, _, _ := newTestAPI(t)
	if resp, body := do(t, http.MethodPut, srv.URL+"/ai/providers/anthropic", "{}"); resp.StatusCode != http.StatusOK {
		t.Fatalf("set provider = %d %s", resp.StatusCode, body)
	}
	resp, body := do(t, http.MethodPost, srv.URL+"/ai/messages", `{"message":"hi"}`)
	if resp.StatusCode != http.StatusInternalServerError || !strings.Contains(string(body), "internal server error") {
		t.Fatalf("panic = %d %s", resp.StatusCode, body)
	}
}

func TestProjectRoutes(t *testing.T) {
	t.Parallel()
	srv, ws, _ := newTestAPI(t)
	project := t.TempDir()
	if err := os.WriteFile(filepath.Join(project, "main.py"), []byte("print(1)\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	stateURL := srv.URL + "/projects/state?path=" + url.QueryEscape(project)

	if resp, _ := do(t, http.MethodGet, stateURL, ""); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("load before save = %d", resp.StatusCode)
	}
	if resp, _ := do(t, http.MethodGet, srv.URL+"/projects/state", ""); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("load without path = %d", resp.StatusCode)
	}

	save, _ := json.Marshal(map[string]any{"projectPath": project + string(filepath.Separator), "state": types.ProjectState{OpenFiles: []string{"main.py"}}})
	if resp, body := do(t, http.MethodPut, srv.URL+"/projects/state", string(save)); resp.StatusCode != http.StatusOK {
		t.Fatalf("save = %d %s", resp.StatusCode, body)
	}

	resp, body := do(t, http.MethodGet, stateURL, "")
	var rec types.ProjectMemoryRecord
	if resp.StatusCode != http.StatusOK || json.Unmarshal(body, &rec) != nil || rec.Context.Language != "python" {
		t.Fatalf("load = %d %s", resp.StatusCode, body)
	}

	if resp, _ := do(t, http.MethodPatch, srv.URL+"/projects/metadata?path="+url.QueryEscape(filepath.Join(project, "sub", "..")+"/"), `{"openFiles":["a.py"]}`); resp.StatusCode != http.StatusOK {
		t.Fatalf("patch = %d", resp.StatusCode)
	}
	if resp, _ := do(t, http.MethodPatch, srv.URL+"/projects/metadata?path="+url.QueryEscape(filepath.Join(project, "nope")), `{}`); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("patch missing = %d", resp.StatusCode)
	}

	_, body = do(t, http.MethodGet, srv.URL+"/projects?q=PYTHON", "")
	var list []types.ProjectSummary
	if err := json.Unmarshal(body, &list); err != nil || len(list) != 1 || list[0].ProjectPath != project {
		t.Fatalf("search = %s", body)
	}
	if resp, _ := do(t, http.MethodGet, srv.URL+"/projects?limit=x", ""); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad limit = %d", resp.StatusCode)
	}
	_, body = do(t, http.MethodGet, srv.URL+"/projects?limit=5", "")
	if err := json.Unmarshal(body, &list); err != nil || len(list) != 1 {
		t.Fatalf("recent = %s", body)
	}

	open, _ := json.Marshal(map[string]string{"projectPath": project})
	resp, body = do(t, http.MethodPost, srv.URL+"/projects/open", string(open))
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"found":true`) {
		t.Fatalf("open = %d %s", resp.StatusCode, body)
	}
	if files := ws.OpenFiles(); len(files) != 1 || files[0] != "a.py" {
		t.Fatalf("open files = %v", files)
	}

	if resp, _ := do(t, http.MethodDelete, stateURL, ""); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete = %d", resp.StatusCode)
	}
	if resp, _ := do(t, http.MethodGet, stateURL, ""); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("load after delete = %d", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()
	srv, _, _ := newTestAPI(t)
	resp, body := do(t, http.MethodGet, srv.URL+"/metrics", "")
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "projmem_memory_disk_reads_total") {
		t.Fatalf("metrics = %d %s", resp.StatusCode, body)
	}
}
