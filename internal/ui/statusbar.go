package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"ble-tracker.klederson.com/internal/session"
)

// RenderStatusBar renders the bottom status bar. A non-empty notice replaces
// the counters.
func RenderStatusBar(width int, status session.Status, total, bonded int, notice string) string {
	badge := statusBadge(status)

	info := fmt.Sprintf(" Devices: %d  Bonded: %d", total, bonded)
	content := badge + StyleStatusBar.Foreground(ColorGreen).Render(info)
	if notice != "" {
		content = badge + " " + StyleNotice.Render(notice)
	}

	gap := width - StyleStatusBar.GetHorizontalPadding() - lipgloss.Width(content)
	if gap < 0 {
		gap = 0
	}
	return StyleStatusBar.Width(width).Render(content + strings.Repeat(" ", gap))
}

func statusBadge(status session.Status) string {
	label := "[" + strings.ToUpper(status.String()) + "]"
	switch status {
	case session.Scanning:
		return StyleStatusScanning.Render(label)
	case session.Denied:
		return StyleStatusDenied.Render(label)
	default:
		return StyleStatusPaused.Render(label)
	}
}
