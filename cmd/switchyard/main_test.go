package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/modoterra/switchyard/pkg/core"
	"github.com/modoterra/switchyard/pkg/daemon"
	"github.com/modoterra/switchyard/pkg/scaffold"
	"github.com/modoterra/switchyard/pkg/terminal"
	"github.com/modoterra/switchyard/pkg/transport/uds"
)

func execute(t *testing.T, stdin io.Reader, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	rootCmd.SetOut(buf)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetIn(stdin)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return buf.String(), err
}

func startDaemon(t *testing.T) (*daemon.Project, string) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sock := filepath.Join(t.TempDir(), "sy.sock")
	project := daemon.NewProject("shop", 0, 1, logger)
	d := daemon.New(sock, project, logger)

	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx)
	t.Cleanup(func() {
		cancel()
		d.Shutdown()
	})

	for i := 0; i < 50; i++ {
		if _, err := os.Stat(sock); err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	return project, sock
}

func TestManifestValidateCommand(t *testing.T) {
	tmp := filepath.Join(t.TempDir(), "switchyard.yaml")
	content := []byte(`version: 1
project: shop
root: /srv/shop
devserver:
  kind: systemd
  unit: shop-dev.service
`)
	if err := os.WriteFile(tmp, content, 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := execute(t, nil, "manifest", "validate", tmp)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "valid (1 processes)") {
		t.Errorf("output = %q", out)
	}
}

func TestManifestValidateInvalid(t *testing.T) {
	tmp := filepath.Join(t.TempDir(), "bad.yaml")
	content := []byte(`version: 1
project: shop
devserver:
  kind: systemd
`)
	if err := os.WriteFile(tmp, content, 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := execute(t, nil, "manifest", "validate", tmp); err == nil {
		t.Fatal("expected an error for a systemd process without unit")
	}
}

func TestManifestInitNextJS(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "package.json"), []byte(`{"name":"shop"}`), 0o644); err != nil {
		t.Fatal(err)
	}

	tmp := filepath.Join(t.TempDir(), "switchyard.yaml")
	out, err := execute(t, nil, "manifest", "init", "nextjs", "--root", root, "--output", tmp, "--agent-command", "python agent.py")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "agent (exec)") || !strings.Contains(out, "devserver") {
		t.Errorf("output = %q", out)
	}

	data, err := os.ReadFile(tmp)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "python agent.py") {
		t.Errorf("generated manifest lacks the agent command:\n%s", data)
	}
}

func TestManifestInitUnknownPreset(t *testing.T) {
	if _, err := execute(t, nil, "manifest", "init", "laravel"); err == nil {
		t.Fatal("expected unknown preset error")
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, nil, "version")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out, "switchyard ") {
		t.Errorf("output = %q", out)
	}
}

func TestPipeThenLogs(t *testing.T) {
	_, sock := startDaemon(t)

	if _, err := execute(t, strings.NewReader("[Feature #1] hello\n[Tool: Write] app.ts\n"), "--socket", sock, "pipe", "agent"); err != nil {
		t.Fatal(err)
	}

	out, err := execute(t, nil, "--socket", sock, "logs", "--source", "agent", "--since", "0")
	if err != nil {
		t.Fatal(err)
	}
	if out != "[Feature #1] hello\n[Tool: Write] app.ts\n" {
		t.Errorf("logs output = %q", out)
	}

	out, err = execute(t, nil, "--socket", sock, "apicalls")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "Write") {
		t.Errorf("apicalls output = %q", out)
	}
}

func TestClearAPICallsRefused(t *testing.T) {
	_, sock := startDaemon(t)
	if _, err := execute(t, nil, "--socket", sock, "clear", "apicalls"); err == nil {
		t.Fatal("clearing the derived view should fail")
	}
}

func TestTermCommands(t *testing.T) {
	project, sock := startDaemon(t)

	if _, err := execute(t, nil, "--socket", sock, "term", "new"); err != nil {
		t.Fatal(err)
	}
	out, err := execute(t, nil, "--socket", sock, "term", "rename", "Terminal 2", "build", "watch")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "build watch") {
		t.Errorf("rename output = %q", out)
	}

	if _, err := execute(t, nil, "--socket", sock, "term", "use", "build watch"); err != nil {
		t.Fatal(err)
	}
	active, _ := project.Terminals.Active()
	if active.Name != "build watch" {
		t.Errorf("active = %q, want build watch", active.Name)
	}

	if _, err := execute(t, nil, "--socket", sock, "term", "close", "Terminal 1"); err != nil {
		t.Fatal(err)
	}
	if _, err := execute(t, nil, "--socket", sock, "term", "close", "build watch"); err == nil {
		t.Fatal("closing the last session should be refused")
	}
}

type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

func TestStreamLogFollow(t *testing.T) {
	project, sock := startDaemon(t)
	if _, err := project.Ingest(core.SourceDevServer, core.NewLogLine(core.SourceDevServer, "ready")); err != nil {
		t.Fatal(err)
	}

	client, err := uds.Dial(sock)
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	buf := &syncBuffer{}
	done := make(chan error, 1)
	go func() { done <- streamLog(ctx, client, buf, core.SourceDevServer, 0, true) }()

	waitOutput := func(want string) {
		t.Helper()
		deadline := time.Now().Add(2 * time.Second)
		for !strings.Contains(buf.String(), want) {
			if time.Now().After(deadline) {
				t.Fatalf("output %q never contained %q", buf.String(), want)
			}
			time.Sleep(10 * time.Millisecond)
		}
	}

	waitOutput("ready\n")
	if _, err := project.Ingest(core.SourceDevServer, core.NewLogLine(core.SourceDevServer, "compiled")); err != nil {
		t.Fatal(err)
	}
	waitOutput("compiled\n")
	if err := project.ClearLog(core.SourceDevServer); err != nil {
		t.Fatal(err)
	}
	waitOutput("--- cleared ---")

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("streamLog: %v", err)
	}
	if strings.Count(buf.String(), "ready") != 1 {
		t.Errorf("line printed twice: %q", buf.String())
	}
}

func TestResolveSession(t *testing.T) {
	sessions := []terminal.Session{
		{ID: "ab12", Name: "Terminal 1"},
		{ID: "ab34", Name: "server"},
		{ID: "cd56", Name: "Terminal 3"},
	}
	tests := []struct {
		ref     string
		want    string
		wantErr bool
	}{
		{"ab34", "ab34", false},
		{"server", "ab34", false},
		{"cd", "cd56", false},
		{"ab", "", true},
		{"zz", "", true},
	}
	for _, tt := range tests {
		got, err := resolveSession(sessions, tt.ref)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("resolveSession(%q) = %q, %v", tt.ref, got, err)
		}
	}
}

func TestResolveProcess(t *testing.T) {
	procs := []core.Process{
		{ID: "tail:shop:agent", Kind: core.KindTail, Source: core.SourceAgent},
		{ID: "exec:shop:agent", Kind: core.KindExec, Source: core.SourceAgent},
		{ID: "systemd:shop:devserver", Kind: core.KindSystemd, Source: core.SourceDevServer},
	}
	if id, err := resolveProcess(procs, "agent"); err != nil || id != "exec:shop:agent" {
		t.Errorf("agent -> %q, %v", id, err)
	}
	if id, err := resolveProcess(procs, "systemd:shop:devserver"); err != nil || id != "systemd:shop:devserver" {
		t.Errorf("id -> %q, %v", id, err)
	}
	if _, err := resolveProcess(procs, "worker"); err == nil {
		t.Error("expected not found")
	}
}

func TestScaffoldOutcome(t *testing.T) {
	tests := []struct {
		name    string
		res     scaffold.Result
		wantErr bool
	}{
		{"success", scaffold.Result{Completed: true, Success: true}, false},
		{"failed exit", scaffold.Result{Completed: true, ExitCode: 1}, true},
		{"setup error", scaffold.Result{Errors: []string{"npx not found"}}, true},
		{"cut off", scaffold.Result{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := scaffoldOutcome(tt.res); (err != nil) != tt.wantErr {
				t.Errorf("err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
