package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"ble-tracker.klederson.com/internal/config"
	"ble-tracker.klederson.com/internal/session"
)

// RenderMenuBar renders the top menu bar.
func RenderMenuBar(width int, adapter string, st session.State) string {
	title := fmt.Sprintf(" %s v%s ", config.AppName, config.AppVersion)

	keys := []struct{ key, label string }{
		{"S", "tart"},
		{"P", "ause"},
		{"C", "heck"},
		{"/", "search"},
		{"B", "onded"},
		{"Q", "uit"},
	}

	var menu strings.Builder
	for _, k := range keys {
		menu.WriteString("  " + StyleMenuKey.Render("["+k.key+"]") + StyleMenuLabel.Render(k.label))
	}

	adapterInfo := StyleMenuLabel.Render(fmt.Sprintf("%s: %s", adapter, st.Adapter))

	left := StyleMenuKey.Render(title) + menu.String()
	right := statusBadge(st.Status) + "  " + adapterInfo + " "

	gap := width - StyleMenuBar.GetHorizontalPadding() - lipgloss.Width(left) - lipgloss.Width(right)
	if gap < 0 {
		gap = 0
	}
	return StyleMenuBar.Width(width).Render(left + strings.Repeat(" ", gap) + right)
}
