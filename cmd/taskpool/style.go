package main

import (
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"github.com/hochfrequenz/claude-task-pool/internal/domain"
)

var (
	colorize = isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())

	styleOK      = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	styleFailed  = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	styleRunning = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	styleMuted   = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	styleHeader  = lipgloss.NewStyle().Bold(true)
)

func paint(s lipgloss.Style, text string) string {
	if !colorize {
		return text
	}
	return s.Render(text)
}

func statusText(s domain.AgentStatus) string {
	switch s {
	case domain.AgentCompleted:
		return paint(styleOK, string(s))
	case domain.AgentFailed:
		return paint(styleFailed, string(s))
	case domain.AgentRunning:
		return paint(styleRunning, string(s))
	default:
		return paint(styleMuted, string(s))
	}
}
