package ui

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"ble-tracker.klederson.com/internal/bluetooth"
	"ble-tracker.klederson.com/internal/config"
	"ble-tracker.klederson.com/internal/connection"
)

// ConnectionView is the last on-demand connection check for a device.
type ConnectionView struct {
	DeviceID  string
	Checking  bool
	Connected bool
	Sources   []connection.Result
	CheckedAt time.Time
}

// RenderDetailPanel renders the selected device. d is nil when nothing is
// selected.
func RenderDetailPanel(d *bluetooth.TrackedDevice, conn ConnectionView, rssiHistory []float64, width, height int, now time.Time) string {
	innerW := width - 4
	if innerW < 20 {
		innerW = 20
	}

	title := StylePanelTitle.Render("DEVICE DETAIL")
	sep := StyleSeparator.Render(strings.Repeat("-", innerW))
	lines := []string{title, sep, ""}

	if d == nil {
		lines = append(lines, StyleHelp.Render("  Select a device with the arrow keys"))
		return StylePanelActive.Width(width - 2).Height(height - 2).Render(padLines(lines, height-2))
	}

	labelSty := lipgloss.NewStyle().Foreground(ColorMidGreen)
	valSty := lipgloss.NewStyle().Foreground(ColorMatrixGreen).Bold(true)

	distance, proximity := "unknown", "unknown"
	if d.Estimate != nil {
		distance = fmt.Sprintf("~%.1fm", d.Estimate.DistanceMeters)
		proximity = fmt.Sprintf("%.0f%%", d.Estimate.Proximity*100)
	}
	bonded := "no"
	if d.Bonded {
		bonded = "yes"
	}

	fields := []struct{ label, value string }{
		{"Name", d.DisplayName()},
		{"ID", d.ID},
		{"Signal", fmt.Sprintf("%.1f dBm", d.RSSI)},
		{"Distance", distance},
		{"Proximity", proximity},
		{"Bonded", bonded},
		{"First", formatSince(d.FirstSeen, now)},
		{"Last", formatSince(d.LastSeen, now)},
	}
	for _, f := range fields {
		lines = append(lines, labelSty.Render(fmt.Sprintf("  %-10s", f.label))+valSty.Render(f.value))
	}
	lines = append(lines, labelSty.Render(fmt.Sprintf("  %-10s", "Link"))+renderConnection(conn, d.ID, now))
	lines = append(lines, "")

	barWidth := innerW - 22
	if barWidth < 10 {
		barWidth = 10
	}
	bar := renderSignalBar(d.RSSI, barWidth)
	lines = append(lines, labelSty.Render("  Signal ")+bar+valSty.Render(fmt.Sprintf(" %ddBm", int(d.RSSI))))
	lines = append(lines, "")

	if len(rssiHistory) > 0 {
		sparkW := innerW - 4
		if sparkW < 10 {
			sparkW = 10
		}
		lines = append(lines, labelSty.Render("  Signal History:"))
		lines = append(lines, "  "+lipgloss.NewStyle().Foreground(ColorGreen).Render(renderSparkline(rssiHistory, sparkW)))
	}

	if conn.DeviceID == d.ID && len(conn.Sources) > 0 {
		lines = append(lines, "", labelSty.Render("  Sources:"))
		for _, r := range conn.Sources {
			lines = append(lines, "    "+StyleHelp.Render(describeResult(r)))
		}
	}

	return StylePanelActive.Width(width - 2).Height(height - 2).Render(padLines(lines, height-2))
}

func renderConnection(conn ConnectionView, id string, now time.Time) string {
	switch {
	case conn.DeviceID != id:
		return StyleHelp.Render("press [C] to check")
	case conn.Checking:
		return StyleHelp.Render("checking...")
	case conn.Connected:
		return StyleConnected.Render("CONNECTED") + StyleHelp.Render(" "+formatSince(conn.CheckedAt, now))
	default:
		return StyleDisconnected.Render("not connected") + StyleHelp.Render(" "+formatSince(conn.CheckedAt, now))
	}
}

func describeResult(r connection.Result) string {
	switch {
	case !r.Known && r.Err != "":
		return fmt.Sprintf("%-18s unknown (%s)", r.Source, r.Err)
	case !r.Known:
		return fmt.Sprintf("%-18s unknown", r.Source)
	case r.Connected:
		return fmt.Sprintf("%-18s connected", r.Source)
	default:
		return fmt.Sprintf("%-18s not connected", r.Source)
	}
}

func renderSignalBar(rssi float64, width int) string {
	ratio := (rssi - config.ProximityFar) / (config.ProximityNear - config.ProximityFar)
	ratio = math.Max(0, math.Min(1, ratio))
	filled := int(math.Round(ratio * float64(width)))

	filledPart := lipgloss.NewStyle().Foreground(proximityColor(ratio)).Render(strings.Repeat("|", filled))
	emptyPart := lipgloss.NewStyle().Foreground(ColorDimGreen).Render(strings.Repeat("-", width-filled))
	return StyleHelp.Render("[") + filledPart + emptyPart + StyleHelp.Render("]")
}

func proximityColor(ratio float64) lipgloss.Color {
	switch {
	case ratio >= 0.66:
		return ColorMatrixGreen
	case ratio >= 0.33:
		return ColorGreen
	default:
		return ColorMidGreen
	}
}

func renderSparkline(values []float64, width int) string {
	if len(values) == 0 {
		return ""
	}

	chars := []byte{'_', '.', '-', '~', '^'}

	start := 0
	if len(values) > width {
		start = len(values) - width
	}
	window := values[start:]

	minV, maxV := window[0], window[0]
	for _, v := range window {
		minV = math.Min(minV, v)
		maxV = math.Max(maxV, v)
	}
	rng := maxV - minV
	if rng < 1 {
		rng = 1
	}

	var sb strings.Builder
	for _, v := range window {
		idx := int((v - minV) / rng * float64(len(chars)-1))
		if idx < 0 {
			idx = 0
		}
		if idx >= len(chars) {
			idx = len(chars) - 1
		}
		sb.WriteByte(chars[idx])
	}
	return sb.String()
}

func formatSince(t, now time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := now.Sub(t)
	if d < time.Second {
		return "now"
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	}
	return fmt.Sprintf("%dm ago", int(d.Minutes()))
}

func padLines(lines []string, n int) string {
	for len(lines) < n {
		lines = append(lines, "")
	}
	return strings.Join(lines, "\n")
}
