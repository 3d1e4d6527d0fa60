package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ble-tracker.klederson.com/internal/bluetooth"
	"ble-tracker.klederson.com/internal/connection"
	"ble-tracker.klederson.com/internal/location"
	"ble-tracker.klederson.com/internal/session"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type mockTracker struct {
	devices  []bluetooth.TrackedDevice
	state    session.State
	startErr error
	starts   int
	stops    int
	gotID    string
}

func (m *mockTracker) StartSession(context.Context) error {
	m.starts++
	if m.startErr == nil {
		m.state.Status = session.Scanning
	} else if errors.Is(m.startErr, session.ErrPermissionDenied) {
		m.state.Status = session.Denied
	}
	return m.startErr
}

func (m *mockTracker) StopSession() error {
	m.stops++
	m.state.Status = session.Idle
	return nil
}

func (m *mockTracker) CurrentRoster() []bluetooth.TrackedDevice { return m.devices }

func (m *mockTracker) Device(id string) (bluetooth.TrackedDevice, bool) {
	for _, d := range m.devices {
		if d.ID == bluetooth.NormalizeID(id) {
			return d, true
		}
	}
	return bluetooth.TrackedDevice{}, false
}

func (m *mockTracker) Reconcile(_ context.Context, id string) (bool, []connection.Result) {
	m.gotID = id
	return true, []connection.Result{{Source: connection.RadioStack, Connected: true, Known: true}}
}

func (m *mockTracker) State() session.State { return m.state }

type mockHistory struct {
	recs     []location.Record
	err      error
	gotID    string
	gotSince time.Time
}

func (m *mockHistory) List(_ context.Context, id string, since time.Time) ([]location.Record, error) {
	m.gotID, m.gotSince = id, since
	return m.recs, m.err
}

func newTracker() *mockTracker {
	return &mockTracker{
		devices: []bluetooth.TrackedDevice{
			{ID: "AA", Name: "Phone", RSSI: -60, Estimate: &bluetooth.Estimate{DistanceMeters: 1, Proximity: 0.8}},
			{ID: "BB", Name: "Watch", RSSI: -85},
		},
		state: session.State{Status: session.Idle, Adapter: bluetooth.AdapterPoweredOn},
	}
}

func do(t *testing.T, r http.Handler, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(method, target, nil))
	return w
}

func TestHealth(t *testing.T) {
	r := NewHandler(newTracker(), nil, nil).InitRoutes()
	w := do(t, r, http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestListDevices(t *testing.T) {
	r := NewHandler(newTracker(), nil, nil).InitRoutes()
	w := do(t, r, http.MethodGet, "/api/v1/devices")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Count   int `json:"count"`
		Devices []struct {
			ID       string              `json:"id"`
			RSSI     float64             `json:"rssi"`
			Estimate *bluetooth.Estimate `json:"estimate"`
		} `json:"devices"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Count)
	assert.Equal(t, "AA", body.Devices[0].ID)
	require.NotNil(t, body.Devices[0].Estimate)
	assert.Nil(t, body.Devices[1].Estimate)
}

func TestGetDevice(t *testing.T) {
	r := NewHandler(newTracker(), nil, nil).InitRoutes()

	w := do(t, r, http.MethodGet, "/api/v1/devices/aa")
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, r, http.MethodGet, "/api/v1/devices/CC")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetConnected(t *testing.T) {
	tr := newTracker()
	r := NewHandler(tr, nil, nil).InitRoutes()

	w := do(t, r, http.MethodGet, "/api/v1/devices/AA:BB:CC:DD:EE:FF/connected")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", tr.gotID)
	assert.JSONEq(t,
		`{"id":"AA:BB:CC:DD:EE:FF","connected":true,"sources":[{"source":"RadioStack","connected":true,"known":true}]}`,
		w.Body.String())
}

func TestGetLocations(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	hist := &mockHistory{recs: []location.Record{{ID: "1", DeviceID: "AA", Latitude: 1, Longitude: 2, CapturedAt: at}}}
	r := NewHandler(newTracker(), hist, nil).InitRoutes()

	w := do(t, r, http.MethodGet, "/api/v1/devices/AA/locations?since=2026-03-01T00:00:00Z")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "AA", hist.gotID)
	assert.True(t, hist.gotSince.Equal(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)))
	assert.Contains(t, w.Body.String(), `"count":1`)

	w = do(t, r, http.MethodGet, "/api/v1/devices/AA/locations?since=yesterday")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	hist.err = errors.New("db gone")
	w = do(t, r, http.MethodGet, "/api/v1/devices/AA/locations")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestGetLocations_Disabled(t *testing.T) {
	r := NewHandler(newTracker(), nil, nil).InitRoutes()
	w := do(t, r, http.MethodGet, "/api/v1/devices/AA/locations")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestAdapter(t *testing.T) {
	r := NewHandler(newTracker(), nil, nil).InitRoutes()
	w := do(t, r, http.MethodGet, "/api/v1/adapter")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"idle","adapter":"PoweredOn"}`, w.Body.String())
}

func TestSessionStartStop(t *testing.T) {
	tr := newTracker()
	r := NewHandler(tr, nil, nil).InitRoutes()

	w := do(t, r, http.MethodPost, "/api/v1/session/start")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"scanning"`)

	w = do(t, r, http.MethodPost, "/api/v1/session/stop")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"idle"`)
	assert.Equal(t, 1, tr.starts)
	assert.Equal(t, 1, tr.stops)
}

func TestSessionStart_Denied(t *testing.T) {
	tr := newTracker()
	tr.startErr = session.ErrPermissionDenied
	r := NewHandler(tr, nil, nil).InitRoutes()

	w := do(t, r, http.MethodPost, "/api/v1/session/start")
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"denied"`)

	tr.startErr = errors.New("adapter busy")
	w = do(t, r, http.MethodPost, "/api/v1/session/start")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestParseInterval(t *testing.T) {
	cases := []struct {
		name string
		u    string
		want time.Duration
	}{
		{"default_when_missing", "/ws", time.Second},
		{"interval_string_valid", "/ws?interval=200ms", 200 * time.Millisecond},
		{"interval_ms_valid", "/ws?interval_ms=150", 150 * time.Millisecond},
		{"interval_too_small", "/ws?interval=1ms", time.Second},
		{"interval_too_large", "/ws?interval=20s", time.Second},
		{"interval_ms_invalid", "/ws?interval_ms=NaN", time.Second},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c, _ := gin.CreateTestContext(httptest.NewRecorder())
			c.Request = httptest.NewRequest(http.MethodGet, tc.u, nil)
			assert.Equal(t, tc.want, parseInterval(c))
		})
	}
}

func TestWebSocket_RosterStream(t *testing.T) {
	srv := httptest.NewServer(NewHandler(newTracker(), nil, nil).InitRoutes())
	defer srv.Close()

	u, _ := url.Parse(srv.URL)
	u.Scheme = "ws"
	u.Path = "/ws"
	u.RawQuery = "interval=100ms"

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	require.NoError(t, err)
	defer conn.Close()

	for i := 0; i < 2; i++ {
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var env struct {
			Type string `json:"type"`
			Data struct {
				State   json.RawMessage `json:"state"`
				Devices []struct {
					ID string `json:"id"`
				} `json:"devices"`
			} `json:"data"`
		}
		require.NoError(t, conn.ReadJSON(&env))
		assert.Equal(t, "roster", env.Type)
		require.Len(t, env.Data.Devices, 2)
		assert.Equal(t, "AA", env.Data.Devices[0].ID)
	}
}
