package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/viper"

	"ble-tracker.klederson.com/internal/api"
	"ble-tracker.klederson.com/internal/app"
	"ble-tracker.klederson.com/internal/bluetooth"
	"ble-tracker.klederson.com/internal/bluez"
	"ble-tracker.klederson.com/internal/config"
	"ble-tracker.klederson.com/internal/connection"
	"ble-tracker.klederson.com/internal/location"
	"ble-tracker.klederson.com/internal/logger"
	"ble-tracker.klederson.com/internal/server"
	"ble-tracker.klederson.com/internal/session"
	"ble-tracker.klederson.com/internal/store"
)

const shutdownTimeout = 5 * time.Second

// stack is every long-lived component wired for one run.
type stack struct {
	log       *logger.Logger
	bus       *bluez.Client
	ctrl      *session.Controller
	locations *store.LocationStore
	locLogger *location.Logger
	srv       *server.Server
}

func run(ctx context.Context, v *viper.Viper) error {
	cfg, err := config.Load(v, flagConfig)
	if err != nil {
		return err
	}

	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = log.Close() }()

	st, err := build(cfg, log)
	if err != nil {
		return err
	}
	defer st.close()

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	if cfg.HTTPAddr != "" {
		st.srv = &server.Server{}
		h := api.NewHandler(st.ctrl, historyOf(st.locations), log.Named("api"))
		go func() {
			log.Infow("http api listening", "addr", cfg.HTTPAddr)
			serveErr <- st.srv.Run(cfg.HTTPAddr, h.InitRoutes())
		}()
	}

	if cfg.Headless {
		return runHeadless(ctx, st, serveErr)
	}
	return runTUI(ctx, st, cfg.Adapter, serveErr)
}

// newLogger logs to stderr in headless mode. With the terminal view up,
// logs go to the configured file or nowhere.
func newLogger(cfg *config.Config) (*logger.Logger, error) {
	if !cfg.Headless && cfg.LogFile == "" {
		return logger.Nop(), nil
	}
	return logger.New(cfg.LogLevel, cfg.LogFile)
}

func build(cfg *config.Config, log *logger.Logger) (*stack, error) {
	st := &stack{log: log}

	roster := bluetooth.NewRoster(
		bluetooth.WithTimeout(cfg.Tracking.StaleTimeout),
		bluetooth.WithNoise(cfg.Tracking.ProcessNoise, cfg.Tracking.MeasurementNoise),
		bluetooth.WithEstimator(bluetooth.Estimator{
			ReferenceRSSI:    cfg.Distance.ReferenceRSSI,
			PathLossExponent: cfg.Distance.PathLossExponent,
		}),
		bluetooth.WithLogger(log.Named("roster")),
	)

	var (
		scanner session.Scanner
		power   session.PowerSource
		radio   connection.RadioStackQuerier
		legacy  connection.LegacyStack
		perms   session.Permissions
	)
	if cfg.Demo {
		mock := bluetooth.NewMockScanner()
		scanner, power, radio = mock, mock, mock
		perms = session.AllowAll{}
	} else {
		bus, err := bluez.Dial(cfg.Adapter, log.Named("bluez"))
		if err != nil {
			return nil, fmt.Errorf("connect to bluez: %w", err)
		}
		st.bus = bus
		scanner = bluetooth.NewBLEScanner(log.Named("scanner"))
		power, radio, legacy = bus, bus, bus
		perms = session.CapabilityGate{}
	}

	reconciler := connection.NewReconciler(radio, legacy,
		connection.WithProbeTimeout(cfg.Connection.ProbeTimeout),
		connection.WithLogger(log.Named("connection")),
	)

	opts := []session.Option{
		session.WithLogger(log.Named("session")),
		session.WithSweepInterval(cfg.Tracking.SweepInterval),
		session.WithReconciler(reconciler),
	}
	if legacy != nil {
		opts = append(opts, session.WithLegacy(legacy))
	}

	if cfg.Location.Enabled {
		locations, err := store.Open(cfg.Location.DBPath)
		if err != nil {
			st.close()
			return nil, fmt.Errorf("open location store: %w", err)
		}
		st.locations = locations
		st.locLogger = location.NewLogger(st.locator(cfg), locations,
			location.WithInterval(cfg.Location.Interval),
			location.WithCaptureTimeout(cfg.Location.CaptureTimeout),
			location.WithDevices(cfg.Location.Devices),
			location.WithLogger(log.Named("location")),
		)
		opts = append(opts, session.WithObserver(st.locLogger.Observe))
	}

	st.ctrl = session.New(scanner, power, perms, roster, opts...)
	return st, nil
}

func (st *stack) locator(cfg *config.Config) location.Locator {
	if cfg.Location.Provider == config.ProviderGeoClue && st.bus != nil {
		return st.bus.GeoClue(config.AppName)
	}
	return location.StaticLocator{Latitude: cfg.Location.Latitude, Longitude: cfg.Location.Longitude}
}

// historyOf keeps a nil store from becoming a non-nil interface.
func historyOf(s *store.LocationStore) api.History {
	if s == nil {
		return nil
	}
	return s
}

func runHeadless(ctx context.Context, st *stack, serveErr <-chan error) error {
	if err := st.ctrl.StartSession(ctx); err != nil {
		if !session.IsDenied(err) {
			return err
		}
		st.log.Warnw("scanning not permitted; waiting for an explicit start", "err", err)
	}
	st.log.Infow("tracking", "state", st.ctrl.State())

	select {
	case <-ctx.Done():
		return nil
	case err := <-serveErr:
		return err
	}
}

func runTUI(ctx context.Context, st *stack, adapter string, serveErr <-chan error) error {
	p := tea.NewProgram(
		app.New(st.ctrl, adapter),
		tea.WithAltScreen(),
		tea.WithContext(ctx),
	)

	go func() {
		if err := <-serveErr; err != nil {
			st.log.Errorw("http api stopped", "err", err)
			p.Quit()
		}
	}()

	_, err := p.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}

// close tears components down in dependency order: the scan session first
// so no event reaches the location logger after it closes.
func (st *stack) close() {
	if st.ctrl != nil {
		if err := st.ctrl.StopSession(); err != nil {
			st.log.Warnw("stop session", "err", err)
		}
	}
	if st.locLogger != nil {
		st.locLogger.Close()
	}
	if st.srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := st.srv.Shutdown(ctx); err != nil {
			st.log.Warnw("http shutdown", "err", err)
		}
		cancel()
	}
	if st.locations != nil {
		if err := st.locations.Close(); err != nil {
			st.log.Warnw("close location store", "err", err)
		}
	}
	if st.bus != nil {
		if err := st.bus.Close(); err != nil {
			st.log.Warnw("close bluez", "err", err)
		}
	}
}
