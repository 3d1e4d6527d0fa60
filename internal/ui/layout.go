package ui

import "github.com/charmbracelet/lipgloss"

// ComposeLayout joins the device list and detail panel horizontally,
// with menu bar on top and status bar on bottom.
func ComposeLayout(menuBar, deviceList, detailPanel, statusBar string) string {
	middle := lipgloss.JoinHorizontal(lipgloss.Top, deviceList, detailPanel)
	return lipgloss.JoinVertical(lipgloss.Left, menuBar, middle, statusBar)
}
