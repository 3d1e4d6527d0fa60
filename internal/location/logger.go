package location

import (
	"context"
	"sync"
	"time"

	"ble-tracker.klederson.com/internal/bluetooth"
	"ble-tracker.klederson.com/internal/config"
	"ble-tracker.klederson.com/internal/logger"
	"ble-tracker.klederson.com/internal/timeutil"
)

// Logger appends a location record for a device at most once per interval.
// Observe never blocks: capture and append run in their own goroutine, one
// at a time per device.
type Logger struct {
	locator        Locator
	sink           Sink
	interval       time.Duration
	captureTimeout time.Duration
	clock          timeutil.Clock
	log            *logger.Logger
	watch          map[string]bool

	mu         sync.Mutex
	lastLogged map[string]time.Time
	inFlight   map[string]bool
	closed     bool
	wg         sync.WaitGroup
}

// Option configures a Logger.
type Option func(*Logger)

// WithInterval sets the per-device throttle window.
func WithInterval(d time.Duration) Option {
	return func(l *Logger) { l.interval = d }
}

// WithCaptureTimeout bounds one capture-and-append attempt.
func WithCaptureTimeout(d time.Duration) Option {
	return func(l *Logger) { l.captureTimeout = d }
}

// WithClock sets the time source for throttling.
func WithClock(c timeutil.Clock) Option {
	return func(l *Logger) { l.clock = c }
}

// WithLogger sets the diagnostic logger.
func WithLogger(log *logger.Logger) Option {
	return func(l *Logger) { l.log = log }
}

// WithDevices restricts logging to the given device ids. Empty means all.
func WithDevices(ids []string) Option {
	return func(l *Logger) {
		l.watch = nil
		for _, id := range ids {
			if id = bluetooth.NormalizeID(id); id != "" {
				if l.watch == nil {
					l.watch = make(map[string]bool)
				}
				l.watch[id] = true
			}
		}
	}
}

// NewLogger builds a throttled location logger.
func NewLogger(locator Locator, sink Sink, opts ...Option) *Logger {
	l := &Logger{
		locator:        locator,
		sink:           sink,
		interval:       config.LocationInterval,
		captureTimeout: config.LocationCaptureTimeout,
		clock:          timeutil.RealClock{},
		log:            logger.Nop(),
		lastLogged:     make(map[string]time.Time),
		inFlight:       make(map[string]bool),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Observe is called for every discovery event.
func (l *Logger) Observe(ev bluetooth.DiscoveryEvent) {
	id := bluetooth.NormalizeID(ev.DeviceID)
	if id == "" {
		return
	}
	if l.watch != nil && !l.watch[id] {
		return
	}

	now := l.clock.Now()

	l.mu.Lock()
	if l.closed || l.inFlight[id] {
		l.mu.Unlock()
		return
	}
	if last, ok := l.lastLogged[id]; ok && now.Sub(last) < l.interval {
		l.mu.Unlock()
		return
	}
	l.inFlight[id] = true
	l.wg.Add(1)
	l.mu.Unlock()

	go l.capture(id)
}

func (l *Logger) capture(id string) {
	defer l.wg.Done()

	logged := false
	defer func() {
		if v := recover(); v != nil {
			l.log.Errorw("location capture panicked", "id", id, "panic", v)
		}
		l.mu.Lock()
		delete(l.inFlight, id)
		if logged {
			l.lastLogged[id] = l.clock.Now()
		}
		l.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), l.captureTimeout)
	defer cancel()

	fix, err := l.locator.Capture(ctx)
	if err != nil {
		l.log.Warnw("location capture failed", "id", id, "err", err)
		return
	}
	if fix.CapturedAt.IsZero() {
		fix.CapturedAt = l.clock.Now()
	}

	rec := Record{
		DeviceID:   id,
		Latitude:   fix.Latitude,
		Longitude:  fix.Longitude,
		CapturedAt: fix.CapturedAt,
	}
	if err := l.sink.Append(ctx, rec); err != nil {
		l.log.Warnw("location append failed", "id", id, "err", err)
		return
	}
	logged = true
	l.log.Debugw("location logged", "id", id, "lat", fix.Latitude, "lon", fix.Longitude)
}

// LastLogged returns when a record was last written for id.
func (l *Logger) LastLogged(id string) (time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.lastLogged[bluetooth.NormalizeID(id)]
	return t, ok
}

// Close stops accepting events and waits for in-flight captures to settle.
func (l *Logger) Close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.wg.Wait()
}
