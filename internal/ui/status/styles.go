package status

import "github.com/charmbracelet/lipgloss"

var (
	colorPrimary   = lipgloss.Color("62")  // purple
	colorSecondary = lipgloss.Color("241") // gray
	colorMuted     = lipgloss.Color("240")
	colorSuccess   = lipgloss.Color("78")
	colorWarn      = lipgloss.Color("214")
	colorError     = lipgloss.Color("196")
)

var titleStyle = lipgloss.NewStyle().
	Bold(true).
	Foreground(lipgloss.Color("255")).
	Background(colorPrimary).
	Padding(0, 1)

var headerCell = lipgloss.NewStyle().
	Bold(true).
	Foreground(colorSecondary).
	Padding(0, 1)

var cell = lipgloss.NewStyle().Padding(0, 1)

var mutedStyle = lipgloss.NewStyle().Foreground(colorMuted)

var errorStyle = lipgloss.NewStyle().
	Foreground(colorError).
	Bold(true)

var helpStyle = lipgloss.NewStyle().
	Foreground(colorMuted).
	MarginTop(1)

// statusStyle colours a status label.
func statusStyle(label string) lipgloss.Style {
	switch label {
	case "Acquiring":
		return cell.Foreground(colorPrimary)
	case "Completed":
		return cell.Foreground(colorSuccess)
	case "Evicted":
		return cell.Foreground(colorMuted)
	case "Failed":
		return cell.Foreground(colorError)
	}
	return cell
}

// usageStyle turns amber past 80% and red past 95%.
func usageStyle(percent float64) lipgloss.Style {
	switch {
	case percent >= 95:
		return lipgloss.NewStyle().Foreground(colorError).Bold(true)
	case percent >= 80:
		return lipgloss.NewStyle().Foreground(colorWarn)
	}
	return lipgloss.NewStyle().Foreground(colorSuccess)
}
