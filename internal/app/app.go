package app

import (
	"context"
	"time"
	"unicode/utf8"

	tea "github.com/charmbracelet/bubbletea"

	"ble-tracker.klederson.com/internal/bluetooth"
	"ble-tracker.klederson.com/internal/config"
	"ble-tracker.klederson.com/internal/connection"
	"ble-tracker.klederson.com/internal/session"
	"ble-tracker.klederson.com/internal/ui"
)

// connCheckTimeout bounds a full reconciliation chain.
const connCheckTimeout = 5 * config.ProbeTimeout

// Tracker is the part of the session controller the terminal view drives.
type Tracker interface {
	StartSession(ctx context.Context) error
	StopSession() error
	CurrentRoster() []bluetooth.TrackedDevice
	Reconcile(ctx context.Context, id string) (bool, []connection.Result)
	State() session.State
}

// shared holds state shared between the Bubble Tea model copies and main.go.
// Because Bubble Tea uses value receivers, pointer fields ensure all copies
// see the same underlying data.
type shared struct {
	tracker Tracker
	history *SignalHistory
}

// AppModel is the root Bubble Tea model for BLE Tracker.
type AppModel struct {
	width  int
	height int

	adapter    string
	cursor     int
	selectedID string
	filter     ui.FilterState
	notice     string
	conn       ui.ConnectionView

	shared *shared

	// Cached snapshot
	devices []bluetooth.TrackedDevice
	total   int
	bonded  int
	state   session.State
	now     time.Time
}

// New creates a new AppModel over tracker.
func New(tracker Tracker, adapter string) AppModel {
	return AppModel{
		adapter: adapter,
		state:   tracker.State(),
		shared: &shared{
			tracker: tracker,
			history: NewSignalHistory(config.HistoryLen),
		},
	}
}

func (m AppModel) Init() tea.Cmd {
	return tea.Batch(
		m.startSessionCmd(),
		tickCmd(),
		connPollCmd(),
	)
}

func (m AppModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		if m.filter.Active {
			return m.handleSearchKey(msg)
		}
		return m.handleKey(msg)

	case TickMsg:
		m.now = time.Time(msg)
		cmd := m.refresh()
		return m, tea.Batch(cmd, tickCmd())

	case ConnPollMsg:
		if m.selectedID == "" {
			return m, connPollCmd()
		}
		return m, tea.Batch(m.checkConnCmd(m.selectedID), connPollCmd())

	case ConnStatusMsg:
		if msg.DeviceID != m.selectedID {
			return m, nil
		}
		m.conn = ui.ConnectionView{
			DeviceID:  msg.DeviceID,
			Connected: msg.Connected,
			Sources:   msg.Sources,
			CheckedAt: msg.CheckedAt,
		}
		return m, nil

	case SessionResultMsg:
		m.state = m.shared.tracker.State()
		switch {
		case msg.Err == nil:
			m.notice = ""
		case session.IsDenied(msg.Err):
			m.notice = "Bluetooth permission denied. Grant CAP_NET_ADMIN and press [S] to retry."
		default:
			m.notice = "Scan error: " + msg.Err.Error()
		}
		return m, nil
	}

	return m, nil
}

func (m AppModel) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "Q", "ctrl+c":
		_ = m.shared.tracker.StopSession()
		return m, tea.Quit

	case "s", "S":
		return m, m.startSessionCmd()

	case "p", "P":
		return m, m.stopSessionCmd()

	case "c", "C":
		if m.selectedID == "" {
			return m, nil
		}
		m.conn = ui.ConnectionView{DeviceID: m.selectedID, Checking: true}
		return m, m.checkConnCmd(m.selectedID)

	case "b", "B":
		m.filter.BondedOnly = !m.filter.BondedOnly
		return m, m.refresh()

	case "/":
		m.filter.Active = true
		return m, nil

	case "esc":
		m.filter.Search = ""
		return m, m.refresh()

	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		}
		return m, m.selectCursor()

	case "down", "j":
		if m.cursor < len(m.devices)-1 {
			m.cursor++
		}
		return m, m.selectCursor()

	case "home":
		m.cursor = 0
		return m, m.selectCursor()

	case "end":
		if len(m.devices) > 0 {
			m.cursor = len(m.devices) - 1
		}
		return m, m.selectCursor()
	}

	return m, nil
}

func (m AppModel) handleSearchKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyEsc:
		m.filter.Active = false
		m.filter.Search = ""
	case tea.KeyEnter:
		m.filter.Active = false
	case tea.KeyBackspace:
		_, size := utf8.DecodeLastRuneInString(m.filter.Search)
		m.filter.Search = m.filter.Search[:len(m.filter.Search)-size]
	case tea.KeyRunes, tea.KeySpace:
		m.filter.Search += string(msg.Runes)
	case tea.KeyCtrlC:
		_ = m.shared.tracker.StopSession()
		return m, tea.Quit
	default:
		return m, nil
	}
	return m, m.refresh()
}

// refresh pulls a fresh roster snapshot, applies the filter and keeps the
// selection on the same device id when it is still listed.
func (m *AppModel) refresh() tea.Cmd {
	all := m.shared.tracker.CurrentRoster()
	m.shared.history.Record(all)
	m.state = m.shared.tracker.State()

	m.total, m.bonded = len(all), 0
	m.devices = make([]bluetooth.TrackedDevice, 0, len(all))
	for _, d := range all {
		if d.Bonded {
			m.bonded++
		}
		if m.filter.Match(d) {
			m.devices = append(m.devices, d)
		}
	}

	if m.selectedID != "" {
		for i, d := range m.devices {
			if d.ID == m.selectedID {
				m.cursor = i
				return nil
			}
		}
	}
	return m.selectCursor()
}

// selectCursor clamps the cursor and starts a connection check when the
// selected device changed.
func (m *AppModel) selectCursor() tea.Cmd {
	if len(m.devices) == 0 {
		m.cursor = 0
		m.selectedID = ""
		return nil
	}
	if m.cursor >= len(m.devices) {
		m.cursor = len(m.devices) - 1
	}
	if m.cursor < 0 {
		m.cursor = 0
	}

	id := m.devices[m.cursor].ID
	if id == m.selectedID {
		return nil
	}
	m.selectedID = id
	m.conn = ui.ConnectionView{DeviceID: id, Checking: true}
	return m.checkConnCmd(id)
}

func (m AppModel) selected() *bluetooth.TrackedDevice {
	if m.selectedID == "" || m.cursor >= len(m.devices) {
		return nil
	}
	d := m.devices[m.cursor]
	return &d
}

func (m AppModel) View() string {
	if m.width == 0 || m.height == 0 {
		return "Initializing BLE Tracker..."
	}

	menuH := 1
	statusH := 1
	bodyH := m.height - menuH - statusH
	if bodyH < 5 {
		bodyH = 5
	}

	listW := m.width * 2 / 5
	if listW < 30 {
		listW = 30
	}
	detailW := m.width - listW
	if detailW < 30 {
		detailW = 30
	}

	menuBar := ui.RenderMenuBar(m.width, m.adapter, m.state)
	deviceList := ui.RenderDeviceList(m.devices, listW, bodyH, m.cursor, m.filter)

	sel := m.selected()
	var hist []float64
	if sel != nil {
		hist = m.shared.history.Values(sel.ID)
	}
	now := m.now
	if now.IsZero() {
		now = time.Now()
	}
	detail := ui.RenderDetailPanel(sel, m.conn, hist, detailW, bodyH, now)

	statusBar := ui.RenderStatusBar(m.width, m.state.Status, m.total, m.bonded, m.notice)

	return ui.ComposeLayout(menuBar, deviceList, detail, statusBar)
}

func (m AppModel) startSessionCmd() tea.Cmd {
	tracker := m.shared.tracker
	return func() tea.Msg {
		return SessionResultMsg{Err: tracker.StartSession(context.Background())}
	}
}

func (m AppModel) stopSessionCmd() tea.Cmd {
	tracker := m.shared.tracker
	return func() tea.Msg {
		return SessionResultMsg{Err: tracker.StopSession()}
	}
}

func (m AppModel) checkConnCmd(id string) tea.Cmd {
	tracker := m.shared.tracker
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), connCheckTimeout)
		defer cancel()
		connected, sources := tracker.Reconcile(ctx, id)
		return ConnStatusMsg{DeviceID: id, Connected: connected, Sources: sources, CheckedAt: time.Now()}
	}
}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second/time.Duration(config.TargetFPS), func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

func connPollCmd() tea.Cmd {
	return tea.Tick(config.ConnPollInterval, func(t time.Time) tea.Msg {
		return ConnPollMsg(t)
	})
}
