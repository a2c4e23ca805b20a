package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/modoterra/switchyard/pkg/core"
)

// Manifest represents a switchyard.yaml configuration file.
type Manifest struct {
	Version   int      `yaml:"version"             json:"version"`
	Project   string   `yaml:"project"             json:"project"`
	Root      string   `yaml:"root"                json:"root"`
	Agent     *Process `yaml:"agent,omitempty"     json:"agent,omitempty"`
	DevServer *Process `yaml:"devserver,omitempty" json:"devserver,omitempty"`
	Terminals int      `yaml:"terminals,omitempty" json:"terminals,omitempty"`
	Limits    Limits   `yaml:"limits,omitempty"    json:"limits,omitempty"`

	// FilePath is where the manifest was loaded from.
	FilePath string `yaml:"-" json:"-"`
}

// Process declares how one log source of the project is produced.
type Process struct {
	Kind    string            `yaml:"kind"              json:"kind"`
	Unit    string            `yaml:"unit,omitempty"    json:"unit,omitempty"`    // systemd
	Command string            `yaml:"command,omitempty" json:"command,omitempty"` // exec
	Dir     string            `yaml:"dir,omitempty"     json:"dir,omitempty"`     // exec
	Restart string            `yaml:"restart,omitempty" json:"restart,omitempty"` // exec: always|on-failure|never
	Env     map[string]string `yaml:"env,omitempty"     json:"env,omitempty"`     // exec
	Tail    []string          `yaml:"tail,omitempty"    json:"tail,omitempty"`    // any kind; required for tail
}

// Limits bounds in-memory state. Zero values defer to daemon settings.
type Limits struct {
	MaxLines *int `yaml:"max_lines,omitempty" json:"max_lines,omitempty"`
}

// Source pairs a log source name with the process that feeds it.
type Source struct {
	Name    string
	Process Process
}

// Sources returns the declared processes in a fixed order: agent, then
// devserver.
func (m *Manifest) Sources() []Source {
	var out []Source
	if m.Agent != nil {
		out = append(out, Source{Name: core.SourceAgent, Process: *m.Agent})
	}
	if m.DevServer != nil {
		out = append(out, Source{Name: core.SourceDevServer, Process: *m.DevServer})
	}
	return out
}

// RestartPolicy returns the process restart policy, defaulting to
// on-failure.
func (p Process) RestartPolicy() core.RestartPolicy {
	if p.Restart == "" {
		return core.RestartOnFailure
	}
	return core.RestartPolicy(p.Restart)
}

// Parse decodes a manifest and expands ${root} and ${project} in process
// fields.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}

	r := strings.NewReplacer("${root}", m.Root, "${project}", m.Project)
	for _, p := range []*Process{m.Agent, m.DevServer} {
		if p == nil {
			continue
		}
		p.Unit = r.Replace(p.Unit)
		p.Command = r.Replace(p.Command)
		p.Dir = r.Replace(p.Dir)
		for k, v := range p.Env {
			p.Env[k] = r.Replace(v)
		}
		for i, f := range p.Tail {
			p.Tail[i] = r.Replace(f)
		}
	}
	return &m, nil
}

// Load reads and parses the manifest at path.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	m, err := Parse(data)
	if err != nil {
		return nil, err
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	m.FilePath = path
	return m, nil
}

// Save writes the manifest to path, replacing any existing file.
func Save(m *Manifest, path string) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".switchyard-*.yaml")
	if err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}
