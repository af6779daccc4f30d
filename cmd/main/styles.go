package main

import (
	"github.com/charmbracelet/lipgloss"

	"botswarm/pkg/models"
)

// cliStyles holds the fixed output styles shared by every command.
type cliStyles struct {
	Banner  lipgloss.Style
	Success lipgloss.Style
	Error   lipgloss.Style
	Warning lipgloss.Style
	Info    lipgloss.Style
	Muted   lipgloss.Style
}

var styles = cliStyles{
	Banner: lipgloss.NewStyle().
		Foreground(lipgloss.Color("#bb9af7")).
		Bold(true).
		MarginBottom(1),
	Success: lipgloss.NewStyle().
		Foreground(lipgloss.Color("#9ece6a")),
	Error: lipgloss.NewStyle().
		Foreground(lipgloss.Color("#f7768e")),
	Warning: lipgloss.NewStyle().
		Foreground(lipgloss.Color("#e0af68")),
	Info: lipgloss.NewStyle().
		Foreground(lipgloss.Color("#7dcfff")),
	Muted: lipgloss.NewStyle().
		Foreground(lipgloss.Color("#565f89")),
}

func statusIcon(status models.SessionStatus) string {
	switch status {
	case models.SessionCompleted:
		return "✅"
	case models.SessionFailed:
		return "❌"
	case models.SessionRunning:
		return "🔄"
	case models.SessionCancelled:
		return "🚫"
	case models.SessionPending, models.SessionQueued:
		return "⏳"
	default:
		return "❓"
	}
}

func colorizeStatus(status models.SessionStatus) string {
	s := string(status)
	switch status {
	case models.SessionCompleted:
		return styles.Success.Render(s)
	case models.SessionFailed:
		return styles.Error.Render(s)
	case models.SessionRunning:
		return styles.Info.Render(s)
	case models.SessionCancelled:
		return styles.Warning.Render(s)
	default:
		return styles.Muted.Render(s)
	}
}

func colorizeBatchStatus(status models.BatchStatus) string {
	s := string(status)
	switch status {
	case models.BatchCompleted:
		return styles.Success.Render(s)
	case models.BatchFailed:
		return styles.Error.Render(s)
	case models.BatchRunning:
		return styles.Info.Render(s)
	case models.BatchPartial, models.BatchCancelled:
		return styles.Warning.Render(s)
	default:
		return styles.Muted.Render(s)
	}
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen < 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}
