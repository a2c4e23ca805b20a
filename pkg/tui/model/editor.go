package model

import (
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/modoterra/switchyard/pkg/terminal"
)

// EditorModel is the inline prompt used to rename a terminal session.
type EditorModel struct {
	sessionID string
	input     textinput.Model
}

// NewRenameEditor creates a prompt pre-filled with the session's name.
func NewRenameEditor(s terminal.Session) *EditorModel {
	ti := textinput.New()
	ti.Placeholder = "session name"
	ti.SetValue(s.Name)
	ti.CharLimit = 64
	ti.Focus()
	return &EditorModel{sessionID: s.ID, input: ti}
}

// HandleKey processes key events in rename mode.
func (e *EditorModel) HandleKey(a App, msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc":
		a.mode = ModeNormal
		a.editor = nil
		a.statusMsg = "rename cancelled"
		return a, nil

	case "enter":
		name := strings.TrimSpace(e.input.Value())
		a.mode = ModeNormal
		a.editor = nil
		if name == "" {
			a.statusMsg = "error: " + terminal.ErrEmptyName.Error()
			return a, nil
		}
		if a.client == nil {
			a.statusMsg = "not connected"
			return a, nil
		}
		return a, renameCmd(a.client, e.sessionID, name)

	default:
		var cmd tea.Cmd
		e.input, cmd = e.input.Update(msg)
		return a, cmd
	}
}

// View renders the prompt on one line.
func (e *EditorModel) View() string {
	return dimStyle.Render("rename: ") + e.input.View()
}
