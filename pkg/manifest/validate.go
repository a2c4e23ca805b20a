package manifest

import (
	"fmt"
	"regexp"

	"github.com/modoterra/switchyard/pkg/core"
)

var projectName = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,50}$`)

// ValidProjectName reports whether name can be used as a project name.
func ValidProjectName(name string) bool {
	return projectName.MatchString(name)
}

// Validate checks the manifest for structural correctness.
func Validate(m *Manifest) []error {
	var errs []error

	if m.Version != 1 {
		errs = append(errs, fmt.Errorf("version must be 1, got %d", m.Version))
	}

	if !ValidProjectName(m.Project) {
		errs = append(errs, fmt.Errorf("project %q must be 1-50 letters, digits, '-' or '_'", m.Project))
	}

	sources := m.Sources()
	if len(sources) == 0 {
		errs = append(errs, fmt.Errorf("manifest must define agent or devserver"))
	}

	for _, s := range sources {
		p := s.Process
		switch core.Kind(p.Kind) {
		case core.KindSystemd:
			if p.Unit == "" {
				errs = append(errs, fmt.Errorf("%s (systemd): unit is required", s.Name))
			}
		case core.KindExec:
			if p.Command == "" {
				errs = append(errs, fmt.Errorf("%s (exec): command is required", s.Name))
			}
			switch core.RestartPolicy(p.Restart) {
			case "", core.RestartAlways, core.RestartOnFailure, core.RestartNever:
			default:
				errs = append(errs, fmt.Errorf("%s (exec): restart must be always, on-failure, or never; got %q", s.Name, p.Restart))
			}
		case core.KindTail:
			if len(p.Tail) == 0 {
				errs = append(errs, fmt.Errorf("%s (tail): tail is required", s.Name))
			}
		case "":
			errs = append(errs, fmt.Errorf("%s: kind is required", s.Name))
		default:
			errs = append(errs, fmt.Errorf("%s: unknown kind %q", s.Name, p.Kind))
		}
	}

	if m.Terminals < 0 {
		errs = append(errs, fmt.Errorf("terminals must not be negative, got %d", m.Terminals))
	}
	if m.Limits.MaxLines != nil && *m.Limits.MaxLines < 0 {
		errs = append(errs, fmt.Errorf("limits.max_lines must not be negative, got %d", *m.Limits.MaxLines))
	}

	return errs
}
