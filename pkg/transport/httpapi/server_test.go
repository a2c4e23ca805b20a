package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"

	"github.com/modoterra/switchyard/pkg/core"
	"github.com/modoterra/switchyard/pkg/daemon"
	"github.com/modoterra/switchyard/pkg/frame"
	"github.com/modoterra/switchyard/pkg/mux"
	"github.com/modoterra/switchyard/pkg/scaffold"
	"github.com/modoterra/switchyard/pkg/terminal"
)

type fixedProcesses []core.Process

func (f fixedProcesses) Processes() []core.Process { return f }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T) (*httptest.Server, *daemon.Project) {
	t.Helper()
	logger := testLogger()
	project := daemon.NewProject("shop", 0, 1, logger)
	procs := fixedProcesses{
		{ID: "exec:shop:agent", Source: core.SourceAgent, Status: core.StatusRunning},
		{ID: "exec:shop:devserver", Source: core.SourceDevServer, Status: core.StatusStopped},
	}
	srv := New("", project, procs, scaffold.NewRunner(logger), logger)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, project
}

func do(t *testing.T, method, url, body string, out any) *http.Response {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, r)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("%s %s: decode: %v", method, url, err)
		}
	}
	return resp
}

func TestProjectValidation(t *testing.T) {
	ts, _ := newTestServer(t)
	tests := []struct {
		path string
		want int
	}{
		{"/api/projects/shop/terminals", http.StatusOK},
		{"/api/projects/blog/terminals", http.StatusNotFound},
		{"/api/projects/sh%20op/terminals", http.StatusBadRequest},
		{"/api/projects/" + strings.Repeat("a", 51) + "/terminals", http.StatusBadRequest},
	}
	for _, tt := range tests {
		var body map[string]any
		resp := do(t, http.MethodGet, ts.URL+tt.path, "", &body)
		if resp.StatusCode != tt.want {
			t.Errorf("GET %s = %d, want %d", tt.path, resp.StatusCode, tt.want)
		}
		if tt.want != http.StatusOK && body["detail"] == nil {
			t.Errorf("GET %s: error body without detail: %v", tt.path, body)
		}
	}
}

func TestTerminalLifecycle(t *testing.T) {
	ts, _ := newTestServer(t)
	base := ts.URL + "/api/projects/shop/terminals"

	var st daemon.TerminalState
	do(t, http.MethodGet, base, "", &st)
	if len(st.Sessions) != 1 || st.Sessions[0].Name != "Terminal 1" {
		t.Fatalf("initial sessions = %+v", st.Sessions)
	}
	first := st.Sessions[0].ID

	var created terminal.Session
	if resp := do(t, http.MethodPost, base, "", &created); resp.StatusCode != http.StatusCreated {
		t.Errorf("create status = %d", resp.StatusCode)
	}

	var renamed terminal.Session
	do(t, http.MethodPatch, base+"/"+created.ID, `{"name":"  server  "}`, &renamed)
	if renamed.Name != "server" {
		t.Errorf("renamed = %q", renamed.Name)
	}
	if resp := do(t, http.MethodPatch, base+"/"+created.ID, `{"name":" "}`, nil); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("blank rename status = %d", resp.StatusCode)
	}
	if resp := do(t, http.MethodPatch, base+"/nope", `{"name":"x"}`, nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("rename unknown status = %d", resp.StatusCode)
	}

	do(t, http.MethodPost, base+"/"+first+"/activate", "", &st)
	if st.Active != first {
		t.Errorf("active = %s, want %s", st.Active, first)
	}

	do(t, http.MethodDelete, base+"/"+first, "", &st)
	if len(st.Sessions) != 1 || st.Active != created.ID {
		t.Errorf("after close = %+v", st)
	}

	var e errorResponse
	resp := do(t, http.MethodDelete, base+"/"+created.ID, "", &e)
	if resp.StatusCode != http.StatusConflict || e.Detail == "" {
		t.Errorf("closing last session = %d %+v", resp.StatusCode, e)
	}
}

func TestLogsAndAPICalls(t *testing.T) {
	ts, project := newTestServer(t)
	base := ts.URL + "/api/projects/shop"

	for _, text := range []string{"[Feature #2] [Tool: Write] app.tsx", "compiling", "HTTP 429 Too Many Requests"} {
		if _, err := project.Ingest(core.SourceAgent, core.NewLogLine("", text)); err != nil {
			t.Fatal(err)
		}
	}

	var page mux.Page
	do(t, http.MethodGet, base+"/logs/agent?since=1", "", &page)
	if page.Base != 1 || len(page.Lines) != 2 {
		t.Errorf("page = %+v", page)
	}
	if resp := do(t, http.MethodGet, base+"/logs/agent?since=-1", "", nil); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("negative since status = %d", resp.StatusCode)
	}
	if resp := do(t, http.MethodGet, base+"/logs/nope", "", nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown log status = %d", resp.StatusCode)
	}

	var calls struct {
		Events []struct {
			ID    int    `json:"id"`
			Kind  string `json:"kind"`
			Label string `json:"label"`
		} `json:"events"`
	}
	do(t, http.MethodGet, base+"/apicalls", "", &calls)
	if len(calls.Events) != 2 {
		t.Fatalf("events = %+v", calls.Events)
	}
	if calls.Events[0].Kind != "tool" || calls.Events[0].Label != "Write" {
		t.Errorf("first event = %+v", calls.Events[0])
	}
	if calls.Events[1].ID != 2 || calls.Events[1].Kind != "rate_limit" {
		t.Errorf("second event = %+v", calls.Events[1])
	}

	var listed struct {
		Logs []string `json:"logs"`
	}
	do(t, http.MethodGet, base+"/logs", "", &listed)
	if !slices.Contains(listed.Logs, mux.APICalls) {
		t.Fatalf("logs = %v, want apicalls listed", listed.Logs)
	}
	var viaLogs struct {
		Events []struct {
			Kind string `json:"kind"`
		} `json:"events"`
	}
	if resp := do(t, http.MethodGet, base+"/logs/apicalls", "", &viaLogs); resp.StatusCode != http.StatusOK {
		t.Fatalf("read apicalls status = %d", resp.StatusCode)
	}
	if len(viaLogs.Events) != 2 || viaLogs.Events[1].Kind != "rate_limit" {
		t.Errorf("apicalls via logs = %+v", viaLogs.Events)
	}

	if resp := do(t, http.MethodDelete, base+"/logs/apicalls", "", nil); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("clear apicalls status = %d", resp.StatusCode)
	}
	if resp := do(t, http.MethodDelete, base+"/logs/agent", "", nil); resp.StatusCode != http.StatusNoContent {
		t.Errorf("clear agent status = %d", resp.StatusCode)
	}
	do(t, http.MethodGet, base+"/apicalls", "", &calls)
	if len(calls.Events) != 0 {
		t.Errorf("apicalls after clear = %+v", calls.Events)
	}
}

func TestScaffoldStreamsErrorFrame(t *testing.T) {
	ts, _ := newTestServer(t)

	tests := []struct {
		body, want string
	}{
		{`{"template":"nope","target_path":"/srv"}`, "Unknown template: nope"},
		{`{"template":"agentic-starter","target_path":"/etc"}`, "Access to this directory is not allowed"},
	}
	for _, tt := range tests {
		var events []frame.Event
		res, err := scaffold.Post(context.Background(), ts.Client(), ts.URL, mustRequest(t, tt.body), func(ev frame.Event) {
			events = append(events, ev)
		})
		if err != nil {
			t.Fatal(err)
		}
		if res.Completed || len(res.Errors) != 1 || res.Errors[0] != tt.want {
			t.Errorf("result = %+v, want error %q", res, tt.want)
		}
		if len(events) != 1 {
			t.Errorf("events = %+v", events)
		}
	}

	resp := do(t, http.MethodPost, ts.URL+"/api/scaffold/run", "{", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad body status = %d", resp.StatusCode)
	}
}

func mustRequest(t *testing.T, body string) scaffold.Request {
	t.Helper()
	var req scaffold.Request
	if err := json.Unmarshal([]byte(body), &req); err != nil {
		t.Fatal(err)
	}
	return req
}

func TestSanitize(t *testing.T) {
	if got := sanitize("evil\nname\x1b[31m"); got != "evilname[31m" {
		t.Errorf("sanitize = %q", got)
	}
}
