package app

import (
	"time"

	"ble-tracker.klederson.com/internal/connection"
)

// TickMsg triggers a roster refresh.
type TickMsg time.Time

// ConnPollMsg triggers a background connection check of the selection.
type ConnPollMsg time.Time

// ConnStatusMsg carries the result of a connection check.
type ConnStatusMsg struct {
	DeviceID  string
	Connected bool
	Sources   []connection.Result
	CheckedAt time.Time
}

// SessionResultMsg reports the outcome of a start or stop request.
type SessionResultMsg struct {
	Err error
}
