package presets

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/modoterra/switchyard/pkg/manifest"
)

func TestGenerateNextJS_MinimalProject(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "package.json"), []byte(`{"name":"test"}`), 0644)

	m, err := GenerateNextJS(dir, Options{})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	if m.Version != 1 {
		t.Errorf("version: got %d", m.Version)
	}
	if m.DevServer == nil || m.DevServer.Command != "npm run dev" {
		t.Errorf("devserver: %+v", m.DevServer)
	}
	if m.Agent != nil {
		t.Errorf("agent should be absent without options: %+v", m.Agent)
	}

	if errs := manifest.Validate(m); len(errs) != 0 {
		t.Errorf("validation errors: %v", errs)
	}
}

func TestGenerateNextJS_PackageManager(t *testing.T) {
	tests := []struct {
		lockfile string
		want     string
	}{
		{"pnpm-lock.yaml", "pnpm dev"},
		{"yarn.lock", "yarn dev"},
		{"bun.lockb", "bun run dev"},
		{"package-lock.json", "npm run dev"},
	}
	for _, tt := range tests {
		t.Run(tt.lockfile, func(t *testing.T) {
			dir := t.TempDir()
			os.WriteFile(filepath.Join(dir, "package.json"), []byte(`{}`), 0644)
			os.WriteFile(filepath.Join(dir, tt.lockfile), nil, 0644)

			m, err := GenerateNextJS(dir, Options{})
			if err != nil {
				t.Fatal(err)
			}
			if m.DevServer.Command != tt.want {
				t.Errorf("got %q, want %q", m.DevServer.Command, tt.want)
			}
		})
	}
}

func TestGenerateNextJS_Agent(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "package.json"), []byte(`{}`), 0644)

	m, err := GenerateNextJS(dir, Options{AgentCommand: "python agent.py", AgentLog: "/tmp/agent.log"})
	if err != nil {
		t.Fatal(err)
	}
	if m.Agent == nil || m.Agent.Kind != "exec" || m.Agent.Restart != "never" || len(m.Agent.Tail) != 1 {
		t.Errorf("agent: %+v", m.Agent)
	}

	m, _ = GenerateNextJS(dir, Options{AgentLog: "/tmp/agent.log"})
	if m.Agent == nil || m.Agent.Kind != "tail" {
		t.Errorf("log-only agent: %+v", m.Agent)
	}
	if errs := manifest.Validate(m); len(errs) != 0 {
		t.Errorf("validation errors: %v", errs)
	}
}

func TestGenerateNextJS_NotNode(t *testing.T) {
	if _, err := GenerateNextJS(t.TempDir(), Options{}); err == nil {
		t.Error("expected error for directory without package.json")
	}
}

func TestProjectName(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"my-app", "my-app"},
		{"My App!", "My-App-"},
		{"", "project"},
		{strings.Repeat("x", 80), strings.Repeat("x", 50)},
	}
	for _, tt := range tests {
		if got := projectName(tt.in); got != tt.want {
			t.Errorf("projectName(%q) = %q, want %q", tt.in, got, tt.want)
		}
		if !manifest.ValidProjectName(projectName(tt.in)) {
			t.Errorf("projectName(%q) is not a valid project name", tt.in)
		}
	}
}
