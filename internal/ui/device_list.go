package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"ble-tracker.klederson.com/internal/bluetooth"
)

// FilterState holds the current filter settings for the device list.
type FilterState struct {
	BondedOnly bool   // show bonded devices only
	Search     string // text search on name/ID
	Active     bool   // text input mode
}

// Match reports whether d passes the filter.
func (f FilterState) Match(d bluetooth.TrackedDevice) bool {
	if f.BondedOnly && !d.Bonded {
		return false
	}
	if f.Search == "" {
		return true
	}
	q := strings.ToLower(f.Search)
	return strings.Contains(strings.ToLower(d.Name), q) || strings.Contains(strings.ToLower(d.ID), q)
}

// Cursor row style: black text on bright green
var cursorRowSty = lipgloss.NewStyle().
	Foreground(lipgloss.Color("#000000")).
	Background(ColorMatrixGreen).
	Bold(true)

const linesPerDevice = 4 // 3 content + 1 blank

// RenderDeviceList renders the scrollable roster panel. The filter bar stays
// fixed at the top; only the device entries scroll.
func RenderDeviceList(devices []bluetooth.TrackedDevice, width, height, cursorIndex int, filter FilterState) string {
	innerW := width - 4
	if innerW < 10 {
		innerW = 10
	}

	title := StylePanelTitle.Render(fmt.Sprintf("DEVICES [%d]", len(devices)))
	separator := StyleSeparator.Render(strings.Repeat("-", innerW))
	filterBar := renderFilterBar(filter)
	headerLines := []string{title, separator, filterBar}
	headerCount := len(headerLines)

	innerH := height - 2
	if innerH < headerCount+1 {
		innerH = headerCount + 1
	}
	devSpace := innerH - headerCount

	var devLines []string
	if len(devices) == 0 {
		devLines = append(devLines, "",
			StyleHelp.Render(" No devices..."),
			StyleHelp.Render(" Waiting for scan"))
	} else {
		maxVisible := devSpace / linesPerDevice
		if maxVisible < 1 {
			maxVisible = 1
		}

		// Keep the cursor visible.
		viewStart := 0
		if cursorIndex >= maxVisible {
			viewStart = cursorIndex - maxVisible + 1
		}

		for i := viewStart; i < len(devices) && len(devLines) < devSpace; i++ {
			for _, l := range renderDeviceEntry(devices[i], innerW, i == cursorIndex) {
				if len(devLines) >= devSpace {
					break
				}
				devLines = append(devLines, l)
			}
		}
	}

	if len(devLines) > devSpace {
		devLines = devLines[:devSpace]
	}
	for len(devLines) < devSpace {
		devLines = append(devLines, "")
	}

	all := make([]string, 0, innerH)
	all = append(all, headerLines...)
	all = append(all, devLines...)

	rendered := StylePanelBorder.Width(width - 2).Height(innerH).Render(strings.Join(all, "\n"))
	return clampLines(rendered, height)
}

func renderDeviceEntry(d bluetooth.TrackedDevice, maxW int, isCursor bool) []string {
	marker := "*"
	if d.Bonded {
		marker = "B"
	}

	name := d.DisplayName()
	nameMax := maxW - 8
	if nameMax < 4 {
		nameMax = 4
	}
	if len(name) > nameMax {
		name = name[:nameMax]
	}

	id := d.ID
	if len(id) > maxW-7 {
		id = id[:maxW-7]
	}

	rssiStr := fmt.Sprintf("%ddBm", int(d.RSSI))
	distStr := formatDistance(d.Estimate)

	if isCursor {
		return []string{
			cursorRowSty.Render(truncRaw(fmt.Sprintf(">> %s %s", marker, name), maxW)),
			cursorRowSty.Render(truncRaw("     "+id, maxW)),
			cursorRowSty.Render(truncRaw(fmt.Sprintf("     %s  %s", rssiStr, distStr), maxW)),
			"",
		}
	}

	markerSty := StyleDeviceMarker
	if d.Bonded {
		markerSty = StyleBondedMarker
	}
	return []string{
		fmt.Sprintf("   %s %s", markerSty.Render(marker), StyleDeviceName.Render(name)),
		"     " + StyleDeviceID.Render(id),
		fmt.Sprintf("     %s  %s", StyleDeviceRSSI.Render(rssiStr), StyleDeviceDist.Render(distStr)),
		"",
	}
}

func formatDistance(est *bluetooth.Estimate) string {
	if est == nil {
		return "~?m"
	}
	return fmt.Sprintf("~%.1fm", est.DistanceMeters)
}

// truncRaw pads or truncates a raw string to exactly w characters.
func truncRaw(s string, w int) string {
	if len(s) > w {
		return s[:w]
	}
	if len(s) < w {
		return s + strings.Repeat(" ", w-len(s))
	}
	return s
}

// clampLines forces rendered output to exactly height lines. lipgloss
// Height() only sets a minimum.
func clampLines(rendered string, height int) string {
	outLines := strings.Split(rendered, "\n")
	if len(outLines) > height {
		outLines = outLines[:height]
	}
	for len(outLines) < height {
		outLines = append(outLines, "")
	}
	return strings.Join(outLines, "\n")
}

func renderFilterBar(f FilterState) string {
	bonded := StyleFilterInactive.Render("[b:bonded]")
	if f.BondedOnly {
		bonded = StyleFilterActive.Render("[b:bonded]")
	}
	bar := " " + bonded

	if f.Active {
		bar += "  " + StyleFilterActive.Render("/"+f.Search+"_")
	} else if f.Search != "" {
		bar += "  " + StyleFilterInactive.Render("/"+f.Search)
	}
	return bar
}
