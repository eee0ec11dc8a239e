package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/hochfrequenz/prompt-ledger/internal/domain"
)

var (
	headerStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("236")).
			Foreground(lipgloss.Color("255")).
			Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)

	passedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42"))

	failedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214"))

	dimmedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))

	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("236")).
			Foreground(lipgloss.Color("255"))
)

// View renders the TUI
func (m Model) View() string {
	width := m.width
	if width == 0 {
		width = 60
	}

	var b strings.Builder

	b.WriteString(headerStyle.Width(width).Render(fmt.Sprintf(" Batch %s │ %s ", m.batchID, evaluationLabel(m.status))))
	b.WriteString("\n")

	body := m.renderProgress()
	b.WriteString(sectionStyle.Width(width - 2).Render(body))
	b.WriteString("\n")

	if m.err != nil {
		b.WriteString(warningStyle.Render(" Error: " + m.err.Error()))
		b.WriteString("\n")
	}

	hint := " [r]efresh [q]uit "
	if m.done {
		hint = " Finished │ [q]uit "
	}
	b.WriteString(statusBarStyle.Width(width).Render(hint))
	return b.String()
}

func (m Model) renderProgress() string {
	if !m.received {
		return dimmedStyle.Render("Waiting for status...")
	}
	s := m.status

	var b strings.Builder
	fmt.Fprintf(&b, "%s %d/%d\n", m.bar.ViewAs(fraction(s.Completed, s.Total)), s.Completed, s.Total)
	fmt.Fprintf(&b, "Enqueued %d │ %s │ %s │ %s",
		s.Enqueued,
		passedStyle.Render(fmt.Sprintf("Passed %d", s.Passed)),
		failedStyle.Render(fmt.Sprintf("Failed %d", s.Failed)),
		warningStyle.Render(fmt.Sprintf("Errors %d", s.Errors)),
	)
	if !m.lastUpdate.IsZero() {
		fmt.Fprintf(&b, "\n%s", dimmedStyle.Render(fmt.Sprintf("via %s at %s", m.source, m.lastUpdate.Format("15:04:05"))))
	}
	return b.String()
}

func evaluationLabel(s domain.StatusEvent) string {
	switch {
	case s.EvaluationUUID != "":
		return "evaluation " + s.EvaluationUUID
	case s.EvaluationID != 0:
		return fmt.Sprintf("evaluation #%d", s.EvaluationID)
	default:
		return "evaluation"
	}
}

func fraction(done, total int64) float64 {
	if total <= 0 {
		return 0
	}
	f := float64(done) / float64(total)
	if f > 1 {
		return 1
	}
	return f
}
