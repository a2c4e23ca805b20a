package model

import (
	"fmt"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/modoterra/switchyard/pkg/classify"
	"github.com/modoterra/switchyard/pkg/core"
	"github.com/modoterra/switchyard/pkg/mux"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	selectedStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("229")).
			Background(lipgloss.Color("57"))

	tabStyle = lipgloss.NewStyle().Padding(0, 1).Foreground(lipgloss.Color("245"))

	statusRunning = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	statusStopped = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	statusFailed  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	statusRestart = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))

	paneStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("205")).
			Padding(0, 1)

	kindStyles = map[classify.Kind]lipgloss.Style{
		classify.KindTool:      lipgloss.NewStyle().Foreground(lipgloss.Color("39")),
		classify.KindRateLimit: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		classify.KindAPIError:  lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		classify.KindUsage:     lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
	}

	dimStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	helpStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

// View renders the TUI.
func (a App) View() string {
	if a.width == 0 || a.height == 0 || !a.ready {
		return "loading..."
	}

	header := a.renderTabs()
	sub := a.renderSubheader()
	pane := paneStyle.Width(a.width - 2).Render(a.viewport.View())
	return lipgloss.JoinVertical(lipgloss.Left, header, sub, pane, a.renderStatusBar())
}

func (a App) renderTabs() string {
	parts := make([]string, 0, len(tabNames)+1)
	parts = append(parts, titleStyle.Render(" "+a.projectTitle()+" "))
	for i, name := range tabNames {
		label := fmt.Sprintf("%d:%s", i+1, name)
		if Tab(i) == a.tab {
			parts = append(parts, selectedStyle.Padding(0, 1).Render(label))
			continue
		}
		parts = append(parts, tabStyle.Render(label))
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, parts...)
}

func (a App) projectTitle() string {
	if a.project == "" {
		return "switchyard"
	}
	return a.project
}

// renderSubheader shows session chips on the terminal tab and the feeding
// process everywhere else.
func (a App) renderSubheader() string {
	var left string
	switch a.tab {
	case TabTerminal:
		left = a.renderChips()
	case TabAPICalls:
		left = dimStyle.Render(fmt.Sprintf("%d calls", len(a.replica.apiCalls())))
	default:
		if p, ok := a.processFor(a.currentLog()); ok {
			left = statusIndicator(string(p.Status)) + " " + p.ID
			if p.PID > 0 {
				left += dimStyle.Render(fmt.Sprintf("  pid %d", p.PID))
			}
			if p.MemBytes > 0 {
				left += dimStyle.Render("  " + formatBytes(p.MemBytes))
			}
		} else {
			left = dimStyle.Render("no process")
		}
		if a.tab == TabAgent {
			left += "  " + a.renderAgents()
		}
	}

	if log := a.currentLog(); log != "" && !a.replica.following(log) {
		left += "  " + dimStyle.Render("[SCROLLED]")
	}
	return left
}

func (a App) renderChips() string {
	if len(a.terms.Sessions) == 0 {
		return dimStyle.Render("no sessions")
	}
	chips := make([]string, 0, len(a.terms.Sessions))
	for _, s := range a.terms.Sessions {
		if s.ID == a.terms.Active {
			chips = append(chips, selectedStyle.Padding(0, 1).Render(s.Name))
			continue
		}
		chips = append(chips, tabStyle.Render(s.Name))
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, chips...)
}

func (a App) renderAgents() string {
	if len(a.agents) == 0 {
		return ""
	}
	idx := make([]int, 0, len(a.agents))
	for i := range a.agents {
		idx = append(idx, i)
	}
	slices.Sort(idx)

	parts := make([]string, 0, len(idx))
	for _, i := range idx {
		u := a.agents[i]
		parts = append(parts, fmt.Sprintf("%s:%s", u.AgentName, colorState(string(u.State))))
	}
	return strings.Join(parts, " ")
}

// renderLog renders the retained lines of a log, or the derived apicalls
// view.
func (a App) renderLog(log string) string {
	width := max(a.viewport.Width, 10)
	if log == "" {
		return dimStyle.Render("no terminal session")
	}
	if log == mux.APICalls {
		return renderAPICalls(a.replica.apiCalls(), width)
	}
	lines := a.replica.lines(log)
	if len(lines) == 0 {
		return dimStyle.Render("no output")
	}
	var b strings.Builder
	for i, l := range lines {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(renderLine(l, width))
	}
	return b.String()
}

func renderLine(l core.LogLine, width int) string {
	ts := l.Timestamp.Format("15:04:05")
	return dimStyle.Render(ts) + " " + truncate(l.Text, width-len(ts)-1)
}

func renderAPICalls(events []classify.SignalEvent, width int) string {
	if len(events) == 0 {
		return dimStyle.Render("no api calls")
	}
	var b strings.Builder
	for i, ev := range events {
		if i > 0 {
			b.WriteByte('\n')
		}
		kind := fmt.Sprintf("%-10s", ev.Kind)
		if st, ok := kindStyles[ev.Kind]; ok {
			kind = st.Render(kind)
		}
		head := fmt.Sprintf("#%-5d ", ev.ID)
		text := ev.Label
		if ev.Detail != "" {
			text += "  " + ev.Detail
		}
		b.WriteString(dimStyle.Render(head) + kind + " " + truncate(text, width-len(head)-11))
	}
	return b.String()
}

func (a App) renderStatusBar() string {
	left := a.statusMsg
	if a.mode == ModeRename && a.editor != nil {
		left = a.editor.View()
	}
	right := "tab/1-4:switch c:clear r:restart s:stop t:start G:follow q:quit"
	switch {
	case a.mode == ModeRename:
		right = "enter:save esc:cancel"
	case a.mode == ModeConfirmClose:
		right = "y:close n:keep"
	case a.tab == TabTerminal:
		right = "n:new e:rename w:close [/]:switch G:follow q:quit"
	}

	gap := a.width - lipgloss.Width(left) - lipgloss.Width(right)
	if gap < 1 {
		gap = 1
	}
	return helpStyle.Render(left + strings.Repeat(" ", gap) + right)
}

func statusIndicator(status string) string {
	switch status {
	case "running":
		return statusRunning.Render("●")
	case "stopped":
		return statusStopped.Render("○")
	case "failed":
		return statusFailed.Render("✖")
	case "restarting":
		return statusRestart.Render("↻")
	default:
		return dimStyle.Render("?")
	}
}

func colorState(state string) string {
	switch state {
	case "success":
		return statusRunning.Render(state)
	case "error":
		return statusFailed.Render(state)
	case "struggling":
		return statusRestart.Render(state)
	default:
		return dimStyle.Render(state)
	}
}

func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string(r[:max(maxLen, 0)])
	}
	return string(r[:maxLen-3]) + "..."
}

func formatBytes(b uint64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)
	switch {
	case b >= GB:
		return fmt.Sprintf("%.1f GB", float64(b)/float64(GB))
	case b >= MB:
		return fmt.Sprintf("%.1f MB", float64(b)/float64(MB))
	case b >= KB:
		return fmt.Sprintf("%.1f KB", float64(b)/float64(KB))
	default:
		return fmt.Sprintf("%d B", b)
	}
}
