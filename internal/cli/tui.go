package cli

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/cbruyndoncx/paperbanana-lite/pkg/runstore"
)

// List styles
var (
	listDimStyle = lipgloss.NewStyle().Foreground(colorDim)
)

// =============================================================================
// RunListModel - Interactive run browser
// =============================================================================

// RunListModel is the bubbletea model for browsing the run index.
type RunListModel struct {
	Runs     []runstore.Summary
	Cursor   int
	Selected *runstore.Summary
	Height   int
	Offset   int
}

// NewRunListModel creates a new run list model.
func NewRunListModel(runs []runstore.Summary) RunListModel {
	return RunListModel{
		Runs:   runs,
		Height: 15,
	}
}

func (m RunListModel) Init() tea.Cmd {
	return nil
}

func (m RunListModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "up", "k":
			if m.Cursor > 0 {
				m.Cursor--
				if m.Cursor < m.Offset {
					m.Offset = m.Cursor
				}
			}
		case "down", "j":
			if m.Cursor < len(m.Runs)-1 {
				m.Cursor++
				if m.Cursor >= m.Offset+m.Height {
					m.Offset = m.Cursor - m.Height + 1
				}
			}
		case "enter":
			if len(m.Runs) == 0 {
				return m, nil
			}
			run := m.Runs[m.Cursor]
			m.Selected = &run
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.Height = max(msg.Height-8, 5)
		if m.Cursor >= m.Offset+m.Height {
			m.Offset = m.Cursor - m.Height + 1
		}
	}
	return m, nil
}

func (m RunListModel) View() string {
	var b strings.Builder

	b.WriteString(StyleTitle.Render("Runs"))
	b.WriteString("\n")
	b.WriteString(listDimStyle.Render("↑/↓ navigate  ⏎ details  q quit"))
	b.WriteString("\n\n")

	end := min(m.Offset+m.Height, len(m.Runs))
	if m.Offset < end {
		b.WriteString(runsTable(m.Runs[m.Offset:end], m.Cursor-m.Offset))
	}
	b.WriteString("\n\n")
	b.WriteString(listDimStyle.Render(fmt.Sprintf("  [%d/%d]", m.Cursor+1, len(m.Runs))))

	return b.String()
}
